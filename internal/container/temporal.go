package container

import (
	"fmt"
	"path/filepath"
	"sync"

	"go.uber.org/atomic"

	"github.com/pastra-db/pastra/internal/engineerr"
)

// spillSeq hands out process-wide unique suffixes for temporal spill files,
// so two temporal containers created concurrently never collide on name
// even when both are rooted at the same spill directory.
var spillSeq atomic.Uint64

type temporalState int

const (
	stateCacheOnly temporalState = iota // 0 <= N <= C: cache1 only
	stateDualCache                      // C < N <= 2C: cache1 and cache2
	stateSpilled                        // N > 2C: file container + both caches as LRU
)

// ramCache is one of the two C-byte windows a TemporalContainer keeps in
// memory. windowStart is a multiple of C; valid reports whether the window
// currently holds real content (it may be unallocated in state 1).
type ramCache struct {
	valid       bool
	dirty       bool
	windowStart uint64
	buf         []byte
}

// TemporalContainer is the in-memory/on-disk hybrid container (spec §4.2):
// it starts as pure RAM, grows into a second RAM window, and only once the
// logical size exceeds 2C does it spill to a backing file container, at
// which point the two RAM windows become a single-bit-clock LRU cache over
// the file.
type TemporalContainer struct {
	mu sync.Mutex

	c uint64 // cache window size: reserved bytes / 2

	spillDir    string
	spillPrefix string
	maxUnitSize int64

	state  temporalState
	size   uint64
	cache1 ramCache
	cache2 ramCache
	clock  int // 0 -> cache1 is next victim, 1 -> cache2

	spill  *FileContainer
	marked bool
}

// NewTemporal creates a fresh temporal container. reserved is split evenly
// between the two RAM caches (C = reserved/2); spillDir/spillPrefix/
// maxUnitSize describe where its spill file container would live if the
// container ever grows past 2C.
func NewTemporal(spillDir, spillPrefix string, maxUnitSize int64, reserved uint64) (*TemporalContainer, error) {
	if reserved < 2 {
		return nil, engineerr.New(engineerr.InvalidParameters, "temporal container needs at least 2 reserved bytes")
	}
	c := reserved / 2
	tc := &TemporalContainer{
		c:           c,
		spillDir:    spillDir,
		spillPrefix: spillPrefix,
		maxUnitSize: maxUnitSize,
		state:       stateCacheOnly,
	}
	tc.cache1 = ramCache{valid: true, windowStart: 0, buf: make([]byte, c)}
	return tc, nil
}

func (tc *TemporalContainer) Size() uint64 {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.size
}

func (tc *TemporalContainer) spillName() string {
	return fmt.Sprintf("%s.%d", tc.spillPrefix, spillSeq.Add(1))
}

// ensureSpill lazily creates the backing file container the first time the
// container transitions into state 3.
func (tc *TemporalContainer) ensureSpill() error {
	if tc.spill != nil {
		return nil
	}
	fc, err := OpenFile(tc.spillDir, filepath.Join(tc.spillDir, tc.spillName()), tc.maxUnitSize, 0)
	if err != nil {
		return err
	}
	fc.MarkForRemoval()
	tc.spill = fc
	return nil
}

// windowOf returns the aligned window start C-byte-window containing offset.
func (tc *TemporalContainer) windowOf(offset uint64) uint64 {
	return (offset / tc.c) * tc.c
}

// flushCacheToSpill writes a dirty cache window back to the spill file.
func (tc *TemporalContainer) flushCacheToSpill(rc *ramCache) error {
	if !rc.valid || !rc.dirty {
		return nil
	}
	n := tc.c
	if rc.windowStart+n > tc.size {
		if tc.size <= rc.windowStart {
			n = 0
		} else {
			n = tc.size - rc.windowStart
		}
	}
	if n > 0 {
		if err := tc.spill.WriteAt(rc.windowStart, rc.buf[:n]); err != nil {
			return err
		}
	}
	rc.dirty = false
	return nil
}

// loadCacheFromSpill populates a cache window from the spill file.
func (tc *TemporalContainer) loadCacheFromSpill(rc *ramCache, windowStart uint64) error {
	if rc.buf == nil {
		rc.buf = make([]byte, tc.c)
	}
	for i := range rc.buf {
		rc.buf[i] = 0
	}
	n := tc.c
	if windowStart+n > tc.size {
		if tc.size <= windowStart {
			n = 0
		} else {
			n = tc.size - windowStart
		}
	}
	if n > 0 {
		if err := tc.spill.ReadAt(windowStart, rc.buf[:n]); err != nil {
			return err
		}
	}
	rc.windowStart = windowStart
	rc.valid = true
	rc.dirty = false
	return nil
}

// cacheForWindow returns the cache (possibly evicting/reloading one under
// the clock policy in state 3) that covers windowStart, growing a fresh
// window in states 1/2.
func (tc *TemporalContainer) cacheForWindow(windowStart uint64) (*ramCache, error) {
	if tc.cache1.valid && tc.cache1.windowStart == windowStart {
		return &tc.cache1, nil
	}
	if tc.cache2.valid && tc.cache2.windowStart == windowStart {
		return &tc.cache2, nil
	}

	switch tc.state {
	case stateCacheOnly:
		// windowStart must be 0 here (caller only grows into cache2 on
		// the state transition path below).
		return &tc.cache1, nil
	case stateDualCache:
		if !tc.cache2.valid {
			tc.cache2 = ramCache{valid: true, windowStart: windowStart, buf: make([]byte, tc.c)}
			return &tc.cache2, nil
		}
		return nil, engineerr.New(engineerr.GeneralControlError, "dual-cache state requested unmapped window %d", windowStart)
	case stateSpilled:
		victim := &tc.cache1
		if tc.clock == 1 {
			victim = &tc.cache2
		}
		tc.clock ^= 1
		if err := tc.flushCacheToSpill(victim); err != nil {
			return nil, err
		}
		if err := tc.loadCacheFromSpill(victim, windowStart); err != nil {
			return nil, err
		}
		return victim, nil
	default:
		return nil, engineerr.New(engineerr.GeneralControlError, "unknown temporal state %d", tc.state)
	}
}

// transitionForSize re-evaluates state 1 -> 2 -> 3 after size grows,
// re-checking after every transition so a single write spanning more than
// one boundary (e.g. 0 -> 2C+1 on an empty container) still lands in
// stateSpilled rather than stopping at the first level it crosses.
func (tc *TemporalContainer) transitionForSize(newSize uint64) error {
	for {
		switch tc.state {
		case stateCacheOnly:
			if newSize <= tc.c {
				return nil
			}
			tc.state = stateDualCache
		case stateDualCache:
			if newSize <= 2*tc.c {
				return nil
			}
			if err := tc.ensureSpill(); err != nil {
				return err
			}
			// Evict both caches into the spill file verbatim; they
			// continue to serve as an LRU pair over it.
			if err := tc.flushFullCache(&tc.cache1, true); err != nil {
				return err
			}
			if err := tc.flushFullCache(&tc.cache2, true); err != nil {
				return err
			}
			tc.state = stateSpilled
			tc.clock = 0
			return nil
		default:
			return nil
		}
	}
}

// flushFullCache writes a cache's full (not size-clamped) window to the
// spill file during the state-2 to state-3 eviction, optionally marking it
// clean/invalid afterwards so cacheForWindow treats it as empty.
func (tc *TemporalContainer) flushFullCache(rc *ramCache, invalidate bool) error {
	if !rc.valid {
		return nil
	}
	if err := tc.spill.WriteAt(rc.windowStart, rc.buf); err != nil {
		return err
	}
	rc.dirty = false
	if invalidate {
		rc.valid = false
	}
	return nil
}

func (tc *TemporalContainer) ReadAt(offset uint64, buf []byte) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if offset+uint64(len(buf)) > tc.size {
		return engineerr.New(engineerr.InvalidAccessPosition, "read [%d,%d) exceeds size %d", offset, offset+uint64(len(buf)), tc.size)
	}

	read := 0
	for read < len(buf) {
		cur := offset + uint64(read)
		win := tc.windowOf(cur)
		rc, err := tc.cacheForWindow(win)
		if err != nil {
			return err
		}
		inWin := int(cur - win)
		n := len(buf) - read
		if room := int(tc.c) - inWin; n > room {
			n = room
		}
		copy(buf[read:read+n], rc.buf[inWin:inWin+n])
		read += n
	}
	return nil
}

func (tc *TemporalContainer) WriteAt(offset uint64, buf []byte) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if offset > tc.size {
		return engineerr.New(engineerr.InvalidAccessPosition, "write at %d skips past size %d", offset, tc.size)
	}

	end := offset + uint64(len(buf))
	if end > tc.size {
		if err := tc.transitionForSize(end); err != nil {
			return err
		}
		if tc.state == stateSpilled {
			// Keep the spill file at least as long as the logical size so
			// window loads never read past its end.
			if cur := tc.spill.Size(); cur < end {
				if err := tc.spill.WriteAt(cur, make([]byte, end-cur)); err != nil {
					return err
				}
			}
		}
		tc.size = end
	}

	written := 0
	for written < len(buf) {
		cur := offset + uint64(written)
		win := tc.windowOf(cur)
		rc, err := tc.cacheForWindow(win)
		if err != nil {
			return err
		}
		inWin := int(cur - win)
		n := len(buf) - written
		if room := int(tc.c) - inWin; n > room {
			n = room
		}
		copy(rc.buf[inWin:inWin+n], buf[written:written+n])
		rc.dirty = true
		written += n
	}
	return nil
}

// Collapse removes [from,to) by rewriting every byte at or after `from`
// through a small bounce buffer, then shrinking the container. May revert
// state 3 -> 2 or 1 once the new size drops to <= 2C (spec §4.2).
func (tc *TemporalContainer) Collapse(from, to uint64) error {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if to < from || to > tc.size {
		return engineerr.New(engineerr.InvalidParameters, "bad collapse range [%d,%d) over size %d", from, to, tc.size)
	}
	if from == to {
		return nil
	}

	gap := to - from
	bounce := make([]byte, bounceBufferSize)
	readPos, writePos := to, from
	for readPos < tc.size {
		n := uint64(len(bounce))
		if tc.size-readPos < n {
			n = tc.size - readPos
		}
		if err := tc.readAtUnlocked(readPos, bounce[:n]); err != nil {
			return err
		}
		if err := tc.writeAtUnlocked(writePos, bounce[:n]); err != nil {
			return err
		}
		readPos += n
		writePos += n
	}

	tc.size -= gap
	return tc.maybeRevertState()
}

func (tc *TemporalContainer) readAtUnlocked(offset uint64, buf []byte) error {
	read := 0
	for read < len(buf) {
		cur := offset + uint64(read)
		win := tc.windowOf(cur)
		rc, err := tc.cacheForWindow(win)
		if err != nil {
			return err
		}
		inWin := int(cur - win)
		n := len(buf) - read
		if room := int(tc.c) - inWin; n > room {
			n = room
		}
		copy(buf[read:read+n], rc.buf[inWin:inWin+n])
		read += n
	}
	return nil
}

func (tc *TemporalContainer) writeAtUnlocked(offset uint64, buf []byte) error {
	written := 0
	for written < len(buf) {
		cur := offset + uint64(written)
		win := tc.windowOf(cur)
		rc, err := tc.cacheForWindow(win)
		if err != nil {
			return err
		}
		inWin := int(cur - win)
		n := len(buf) - written
		if room := int(tc.c) - inWin; n > room {
			n = room
		}
		copy(rc.buf[inWin:inWin+n], buf[written:written+n])
		rc.dirty = true
		written += n
	}
	return nil
}

// maybeRevertState folds state 3 back to 2 or 1 once size allows, flushing
// both caches to the spill file and then loading the surviving window(s)
// from it before dropping it.
func (tc *TemporalContainer) maybeRevertState() error {
	if tc.state == stateSpilled && tc.size <= 2*tc.c {
		if err := tc.flushCacheToSpill(&tc.cache1); err != nil {
			return err
		}
		if err := tc.flushCacheToSpill(&tc.cache2); err != nil {
			return err
		}
		if err := tc.loadCacheFromSpill(&tc.cache1, 0); err != nil {
			return err
		}
		if tc.size > tc.c {
			if err := tc.loadCacheFromSpill(&tc.cache2, tc.c); err != nil {
				return err
			}
			tc.state = stateDualCache
		} else {
			tc.cache2 = ramCache{}
			tc.state = stateCacheOnly
		}
		tc.spill.MarkForRemoval()
		_ = tc.spill.Close()
		tc.spill = nil
		return nil
	}
	if tc.state == stateDualCache && tc.size <= tc.c {
		tc.cache2 = ramCache{}
		tc.state = stateCacheOnly
	}
	return nil
}

func (tc *TemporalContainer) MarkForRemoval() {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.marked = true
}

func (tc *TemporalContainer) Flush() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.state != stateSpilled {
		return nil
	}
	if err := tc.flushCacheToSpill(&tc.cache1); err != nil {
		return err
	}
	if err := tc.flushCacheToSpill(&tc.cache2); err != nil {
		return err
	}
	return tc.spill.Flush()
}

func (tc *TemporalContainer) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.spill == nil {
		return nil
	}
	// A temporal container's spill file is always scratch: spec §3 states
	// it is "always marked-for-removal and deleted at drop" regardless of
	// what the caller asked for.
	tc.spill.MarkForRemoval()
	if err := tc.spill.Close(); err != nil {
		return err
	}
	tc.spill = nil
	return nil
}
