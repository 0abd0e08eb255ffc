// Package main hosts the waterlog CLI entrypoint and command graph.
//
// The Cobra-based command tree translates terminal invocations into catalog
// and pipeline operations: adding media, running the transcribe/embed/index
// stages, semantic search, and library maintenance. It centralizes
// configuration resolution, store wiring, and structured logging setup so
// subcommands can focus on presentation.
//
// Keep this package lean: add new functionality by extending the internal
// packages first, then surface it through dedicated commands or flags here.
package main
