// Package textutil provides text processing utilities for titles and
// filesystem-safe names.
//
// The primary use cases are:
//   - Deriving a display title from a media file path
//   - Sanitizing titles and path segments for safe filesystem use
//   - Building the stable per-media directory name used by the library layout
package textutil
