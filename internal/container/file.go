package container

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pastra-db/pastra/internal/engineerr"
)

// UnitName returns the on-disk name of unit k of a container whose family
// is rooted at prefix: unit 0 is named exactly prefix, unit k>0 is
// "<prefix><k>" (spec §4.1 — no separator, unlike the teacher's "Base.N"
// segment scheme).
func UnitName(prefix string, k int) string {
	if k <= 0 {
		return prefix
	}
	return fmt.Sprintf("%s%d", prefix, k)
}

// listUnits scans dir for files belonging to the prefix family and returns
// their unit numbers in ascending order. Non-numeric or negative suffixes
// are ignored (they belong to some other file).
func listUnits(dir, prefix string) ([]int, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	base := filepath.Base(prefix)
	units := make([]int, 0)
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == base {
			units = append(units, 0)
			continue
		}
		if !strings.HasPrefix(name, base) {
			continue
		}
		suf := strings.TrimPrefix(name, base)
		n, err := strconv.Atoi(suf)
		if err != nil || n <= 0 {
			continue
		}
		units = append(units, n)
	}
	sort.Ints(units)
	return units, nil
}

type unit struct {
	f    *os.File
	size int64
}

// FileContainer stripes a logical byte sequence over a family of unit files
// bounded by maxUnitSize bytes each (spec §4.1).
type FileContainer struct {
	dir, prefix string
	maxUnitSize int64

	mu     sync.Mutex
	units  []*unit
	marked bool
}

// OpenFile opens an existing unit family or creates a fresh single-unit one.
// expectUnits, when > 0, is cross-checked against what is found on disk and
// surfaces engineerr.ContainerInvalid early on mismatch (spec §9 supplement:
// the original's FileContainer constructor takes a known unit count).
func OpenFile(dir, prefix string, maxUnitSize int64, expectUnits int) (*FileContainer, error) {
	if maxUnitSize <= 0 {
		return nil, engineerr.New(engineerr.InvalidParameters, "max unit size must be positive")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, engineerr.Wrap(engineerr.FileOSIOError, err, "mkdir %s", dir)
	}

	fc := &FileContainer{dir: dir, prefix: filepath.Base(prefix), maxUnitSize: maxUnitSize}

	nums, err := listUnits(dir, prefix)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.FileOSIOError, err, "list units for %s", prefix)
	}

	if len(nums) == 0 {
		u, err := fc.openUnit(0, true)
		if err != nil {
			return nil, err
		}
		fc.units = append(fc.units, u)
		return fc, nil
	}

	if expectUnits > 0 && expectUnits != len(nums) {
		return nil, engineerr.New(engineerr.ContainerInvalid,
			"expected %d units, found %d for %s", expectUnits, len(nums), prefix)
	}

	for i, n := range nums {
		if n != i {
			return nil, engineerr.New(engineerr.ContainerInvalid, "gap in unit family %s at unit %d", prefix, i)
		}
		u, err := fc.openUnit(n, false)
		if err != nil {
			return nil, err
		}
		fc.units = append(fc.units, u)
	}

	last := len(fc.units) - 1
	for i, u := range fc.units {
		if i < last && u.size != maxUnitSize {
			return nil, engineerr.New(engineerr.ContainerInvalid,
				"unit %d of %s has size %d, want exactly %d", i, prefix, u.size, maxUnitSize)
		}
		if i == last && u.size > maxUnitSize {
			return nil, engineerr.New(engineerr.ContainerInvalid,
				"last unit %d of %s has size %d > max %d", i, prefix, u.size, maxUnitSize)
		}
	}

	return fc, nil
}

func (fc *FileContainer) openUnit(k int, create bool) (*unit, error) {
	path := filepath.Join(fc.dir, UnitName(fc.prefix, k))
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, engineerr.Wrap(engineerr.FileOSIOError, err, "open unit %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, engineerr.Wrap(engineerr.FileOSIOError, err, "stat unit %s", path)
	}
	return &unit{f: f, size: info.Size()}, nil
}

func (fc *FileContainer) Size() uint64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.sizeLocked()
}

func (fc *FileContainer) sizeLocked() uint64 {
	if len(fc.units) == 0 {
		return 0
	}
	last := fc.units[len(fc.units)-1]
	return uint64(len(fc.units)-1)*uint64(fc.maxUnitSize) + uint64(last.size)
}

// locate returns the unit index and intra-unit offset for a logical offset.
func (fc *FileContainer) locate(offset uint64) (int, int64) {
	idx := int(offset / uint64(fc.maxUnitSize))
	return idx, int64(offset % uint64(fc.maxUnitSize))
}

func (fc *FileContainer) ReadAt(offset uint64, buf []byte) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	if offset+uint64(len(buf)) > fc.sizeLocked() {
		return engineerr.New(engineerr.InvalidAccessPosition,
			"read [%d,%d) exceeds size %d", offset, offset+uint64(len(buf)), fc.sizeLocked())
	}

	read := 0
	for read < len(buf) {
		idx, inUnitOff := fc.locate(offset + uint64(read))
		u := fc.units[idx]
		n := int64(len(buf)-read)
		if room := fc.maxUnitSize - inUnitOff; n > room {
			n = room
		}
		if _, err := u.f.ReadAt(buf[read:int64(read)+n], inUnitOff); err != nil {
			return engineerr.Wrap(engineerr.FileOSIOError, err, "read unit %d", idx)
		}
		read += int(n)
	}
	return nil
}

func (fc *FileContainer) WriteAt(offset uint64, buf []byte) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	size := fc.sizeLocked()
	if offset > size {
		return engineerr.New(engineerr.InvalidAccessPosition,
			"write at %d skips a unit boundary, size is %d", offset, size)
	}

	written := 0
	for written < len(buf) {
		cur := offset + uint64(written)
		idx, inUnitOff := fc.locate(cur)

		for idx >= len(fc.units) {
			// cur == current size exactly: allocate the next unit.
			u, err := fc.openUnit(len(fc.units), true)
			if err != nil {
				return err
			}
			fc.units = append(fc.units, u)
		}

		u := fc.units[idx]
		n := int64(len(buf) - written)
		if room := fc.maxUnitSize - inUnitOff; n > room {
			n = room
		}
		if _, err := u.f.WriteAt(buf[written:int64(written)+n], inUnitOff); err != nil {
			return engineerr.Wrap(engineerr.FileOSIOError, err, "write unit %d", idx)
		}
		newSize := inUnitOff + n
		if newSize > u.size {
			u.size = newSize
		}
		written += int(n)
	}
	return nil
}

// Collapse removes bytes [from,to) by shifting the suffix left with a 1 KiB
// bounce buffer, then truncates the container to its new size, deleting any
// now-surplus trailing unit files (spec §4.1).
func (fc *FileContainer) Collapse(from, to uint64) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	size := fc.sizeLocked()
	if to < from || to > size {
		return engineerr.New(engineerr.InvalidParameters, "bad collapse range [%d,%d) over size %d", from, to, size)
	}
	if from == to {
		return nil
	}

	gap := to - from
	bounce := make([]byte, bounceBufferSize)
	readPos := to
	writePos := from
	for readPos < size {
		n := uint64(len(bounce))
		if size-readPos < n {
			n = size - readPos
		}
		if err := fc.readAtLocked(readPos, bounce[:n]); err != nil {
			return err
		}
		if err := fc.writeAtLocked(writePos, bounce[:n]); err != nil {
			return err
		}
		readPos += n
		writePos += n
	}

	newSize := size - gap
	return fc.truncateLocked(newSize)
}

func (fc *FileContainer) readAtLocked(offset uint64, buf []byte) error {
	read := 0
	for read < len(buf) {
		idx, inUnitOff := fc.locate(offset + uint64(read))
		u := fc.units[idx]
		n := int64(len(buf) - read)
		if room := fc.maxUnitSize - inUnitOff; n > room {
			n = room
		}
		if _, err := u.f.ReadAt(buf[read:int64(read)+n], inUnitOff); err != nil {
			return engineerr.Wrap(engineerr.FileOSIOError, err, "collapse read unit %d", idx)
		}
		read += int(n)
	}
	return nil
}

func (fc *FileContainer) writeAtLocked(offset uint64, buf []byte) error {
	written := 0
	for written < len(buf) {
		idx, inUnitOff := fc.locate(offset + uint64(written))
		u := fc.units[idx]
		n := int64(len(buf) - written)
		if room := fc.maxUnitSize - inUnitOff; n > room {
			n = room
		}
		if _, err := u.f.WriteAt(buf[written:int64(written)+n], inUnitOff); err != nil {
			return engineerr.Wrap(engineerr.FileOSIOError, err, "collapse write unit %d", idx)
		}
		if inUnitOff+n > u.size {
			u.size = inUnitOff + n
		}
		written += int(n)
	}
	return nil
}

// truncateLocked shrinks the container to exactly desiredSize, deleting
// trailing unit files that fall entirely beyond it. Used both by Collapse
// and by the repair Fix helper.
func (fc *FileContainer) truncateLocked(desiredSize uint64) error {
	wantUnits := 1
	if desiredSize > 0 {
		wantUnits = int((desiredSize+uint64(fc.maxUnitSize)-1)/uint64(fc.maxUnitSize))
		if wantUnits == 0 {
			wantUnits = 1
		}
	}

	for len(fc.units) > wantUnits {
		last := fc.units[len(fc.units)-1]
		path := filepath.Join(fc.dir, UnitName(fc.prefix, len(fc.units)-1))
		_ = last.f.Close()
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return engineerr.Wrap(engineerr.FileOSIOError, err, "remove surplus unit %s", path)
		}
		fc.units = fc.units[:len(fc.units)-1]
	}

	lastIdx := len(fc.units) - 1
	lastSize := desiredSize - uint64(lastIdx)*uint64(fc.maxUnitSize)
	u := fc.units[lastIdx]
	if err := u.f.Truncate(int64(lastSize)); err != nil {
		return engineerr.Wrap(engineerr.FileOSIOError, err, "truncate last unit")
	}
	u.size = int64(lastSize)
	return nil
}

func (fc *FileContainer) MarkForRemoval() {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.marked = true
}

func (fc *FileContainer) Flush() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for i, u := range fc.units {
		if err := u.f.Sync(); err != nil {
			return engineerr.Wrap(engineerr.FileOSIOError, err, "fsync unit %d", i)
		}
	}
	return nil
}

func (fc *FileContainer) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()

	for i, u := range fc.units {
		if err := u.f.Close(); err != nil {
			slog.Warn("container.file.close_failed", "prefix", fc.prefix, "unit", i, "err", err)
		}
	}

	if !fc.marked {
		fc.units = nil
		return nil
	}

	for i := range fc.units {
		path := filepath.Join(fc.dir, UnitName(fc.prefix, i))
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return engineerr.Wrap(engineerr.FileOSIOError, err, "remove unit %s", path)
		}
	}
	fc.units = nil
	return nil
}

// Fix is the repair-time helper (spec §4.1): it truncates or extends an
// on-disk unit family to exactly desiredSize, deleting surplus units, and
// zero-extending if the family is currently shorter.
func Fix(dir, prefix string, maxUnitSize int64, desiredSize uint64) error {
	fc, err := OpenFile(dir, prefix, maxUnitSize, 0)
	if err != nil {
		return err
	}
	defer func() { _ = fc.Close() }()

	fc.mu.Lock()
	defer fc.mu.Unlock()

	cur := fc.sizeLocked()
	if cur == desiredSize {
		return nil
	}
	if cur > desiredSize {
		return fc.truncateLocked(desiredSize)
	}

	zero := make([]byte, 64*1024)
	pos := cur
	for pos < desiredSize {
		n := desiredSize - pos
		if n > uint64(len(zero)) {
			n = uint64(len(zero))
		}
		if err := fc.writeAtLocked(pos, zero[:n]); err != nil {
			return err
		}
		pos += n
	}
	return nil
}
