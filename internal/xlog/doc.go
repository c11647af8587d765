// Package xlog owns the shared arena layout used by both roles.
//
// Ownership boundary:
// - control block (flush cursor, reserved atomic word, probe scratch)
// - slot table geometry and typed slot access
// - log entry encoding inside a slot
//
// Arena layout:
//
//	[0:64)                      control block
//	[64 + i*slot_size : +slot_size)  slot i
//
// Slot layout:
//
//	[0:8) lsn | [8:12) length | [12:16) crc32c | payload ... | [size-8:size) flag
//
// The flag trails the payload, and is always written after it.
package xlog
