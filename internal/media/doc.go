// Package media manages the library's media entries.
//
// Entries are content addressed: web media keep the platform-native id, local
// files derive an id from their resolved path, duration, and size, so
// re-adding the same asset always resolves to the existing entry instead of
// creating a duplicate. Each entry owns one directory under the library named
// "<sanitized title>::<id>" holding the media file, sidecar metadata, caption
// tracks, and the .bkup snapshots the store rebuilds from.
package media
