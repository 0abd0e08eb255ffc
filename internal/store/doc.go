// Package store implements the metadata document store backing the media and
// captions catalogs.
//
// Records are JSON documents kept in per-entity-kind SQLite tables with a few
// extracted columns (id, scope, creation time) for indexed lookups. The store
// itself is a rebuildable cache: every mutating call also writes a backup
// JSON snapshot beside the media files, and on open a stale or missing store
// is discarded and reconstructed from those snapshots. Raw media files and
// backup JSON on disk are the durable source of truth.
package store
