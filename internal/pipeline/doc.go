// Package pipeline orchestrates the transcribe, embed, and index stages that
// turn library media into a searchable vector index.
//
// Every stage is idempotent through content-derived identities: a caption
// track id hashes the media id with the canonical generation settings, an
// embedding cache key hashes the media id with the embedding model identity,
// and index membership is checked per label. Rerunning a stage with unchanged
// inputs does no new work. Cancellation is cooperative at stage boundaries;
// an engine call that has started runs to completion.
package pipeline
