// Package captions manages caption tracks attached to media entries.
//
// A caption track is either a platform-provided subtitle sidecar or a
// transcription produced by the pipeline. Tracks are identified by content:
// sidecars hash their provenance, transcriptions hash the media id plus the
// canonical serialization of the generation settings, so rerunning with the
// same settings resolves to the same track. Cue text is never kept in the
// store; it is parsed lazily from the VTT or SRT file on demand.
package captions
