// Package services defines the error taxonomy shared by the external tool
// clients (fetcher, probe, transcription, embedding) and the pipeline code
// that consumes them.
//
// Subpackages wrap the external collaborators the core delegates to. Each
// client surfaces failures through the sentinel errors declared here so
// callers can classify them without depending on tool-specific details.
package services
