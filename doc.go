// Package statemap provides persistent, optionally replicated state
// containers: mapping-like objects whose every mutation is mirrored to a
// backing medium before the call returns.
//
// Three backends are available. File keeps the whole state in a single
// file, CompressedFile does the same through a zstd filter, and Replicated
// mirrors the state to live peers over a plain TCP line protocol. The
// mapping surface is identical across backends, so callers stay
// backend-agnostic.
//
// The replication model is whole-state overwrite: every update carries the
// complete state value and the last write observed wins. There is no merge,
// no conflict resolution and no delivery guarantee beyond best effort.
package statemap
