// Package identity derives the content-addressed identifiers used throughout
// the library: media ids, captions ids, embedding cache keys, index file ids,
// and vector labels.
//
// Every function here is pure and deterministic. Parameter snapshots are
// canonicalized (stable key ordering) before hashing so semantically-identical
// settings always hash identically regardless of construction order. Ids are
// sha256 digests truncated to 16 hex characters; callers treat an
// id-already-exists race as "skip, already done" rather than an error.
package identity
