package qikv

import "errors"

var (
	// ErrKeyEmpty is returned by Insert/Remove when the key is the empty string.
	ErrKeyEmpty = errors.New("qikv: key cannot be empty")

	// ErrClosed is returned by Insert, Remove and Get once the store is closed.
	ErrClosed = errors.New("qikv: store is closed")

	// ErrCorrupt marks a decode failure on an already-committed record: a
	// torn WAL batch is handled locally by truncation and never becomes this,
	// but a bad SST index, a corrupt SST record, or a manifest snapshot/log
	// action that fails to decode does (spec §7 "Corruption ... surfaced").
	// Get never returns this for a plain absent or tombstoned key — only
	// Get's own load/decode failures on a live candidate SST, and Recover's
	// manifest and bloom-rebuild passes, can produce it. Check with
	// errors.Is, since it is always wrapped with context via errors.Wrap.
	ErrCorrupt = errors.New("qikv: corrupt on-disk record")
)
