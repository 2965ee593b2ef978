// Package mmap maps asset files read-only into memory.
//
// Vocabulary trees and descriptor files are read once at start-up; mapping
// them lets decoders walk the bytes without an intermediate copy. A Mapping
// is safe for concurrent reads. Callers must not touch Bytes after Close.
package mmap
