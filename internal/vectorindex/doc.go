// Package vectorindex implements an approximate nearest neighbor index over
// cosine distance, using the hierarchical navigable small world graph
// structure.
//
// Vectors are normalized on insert so cosine distance reduces to one minus
// the inner product. Every vector occupies a stable position assigned in
// insertion order and carries a caller-supplied label; positions never move,
// so label maps persisted alongside the graph stay valid across reloads. The
// index has a declared capacity fixed at construction. Inserting past it is
// an error; callers rebuild into a larger index instead, which keeps the
// graph parameters honest rather than silently degrading recall.
package vectorindex
