// Package container implements the engine's addressable byte containers
// (spec §4.1, §4.2): a logical byte sequence that can be read, written,
// collapsed (bytes removed from the middle) and flushed, without the caller
// knowing whether it is backed by striped unit files or by RAM.
package container

// Container is the common contract both FileContainer and TemporalContainer
// satisfy (spec §2.1).
type Container interface {
	// ReadAt fails with engineerr.InvalidAccessPosition if offset+len(buf) > Size().
	ReadAt(offset uint64, buf []byte) error

	// WriteAt may grow the container. It fails with
	// engineerr.InvalidAccessPosition if offset > Size() (no gaps allowed).
	WriteAt(offset uint64, buf []byte) error

	// Collapse removes bytes [from, to) by shifting the suffix left.
	Collapse(from, to uint64) error

	// Size returns the logical byte length of the container.
	Size() uint64

	// MarkForRemoval defers deletion of backing storage until Close.
	MarkForRemoval()

	// Flush persists any buffered content durably.
	Flush() error

	// Close releases resources, deleting backing storage if MarkForRemoval
	// was called.
	Close() error
}

const bounceBufferSize = 1024 // 1 KiB, per spec §4.1 Collapse.
