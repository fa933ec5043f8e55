// Package repair is the CLI-facing wrapper around the table package's
// offline repair pass (spec §4.7): a concurrent, read-only pre-scan of the
// rows container's raw bytes that surfaces read errors up front, followed
// by the authoritative single-threaded rewrite.
package repair

import (
	"path/filepath"
	"sync"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/multierr"

	"github.com/pastra-db/pastra/internal/container"
	"github.com/pastra-db/pastra/internal/table"
)

// Report summarizes what a repair pass found and fixed.
type Report struct {
	Table          string
	RowsScanned    uint64
	PreScanWarning error
}

// Run pre-scans name's rows container concurrently for read errors
// (reported in PreScanWarning, not fixed; the pre-scan does no row
// validation), then hands off to table.Repair for the authoritative rewrite.
func Run(dir, name string, maxFileSize int64, confirm table.ConfirmFunc, progress table.ProgressFunc) (Report, error) {
	rep := Report{Table: name}

	rowSize := readRowSize(dir, name, maxFileSize)

	rowsPath := filepath.Join(dir, name+"_f")
	rc, err := container.OpenFile(dir, rowsPath, maxFileSize, 0)
	if err != nil {
		// Nothing to pre-scan yet (e.g. a table with zero rows ever
		// written); table.Repair below still runs and will surface any
		// real problem.
		rep.RowsScanned = 0
	} else {
		var byteCount uint64
		byteCount, rep.PreScanWarning = preScan(rc)
		_ = rc.Close()
		if rowSize > 0 {
			rep.RowsScanned = byteCount / uint64(rowSize)
		}
	}

	if err := table.Repair(dir, name, maxFileSize, confirm, progress); err != nil {
		return rep, err
	}
	return rep, nil
}

// readRowSize reads just enough of the main table container's header to
// learn the row width the pre-scan needs to turn a byte count into a row
// count; a header it can't read yet (a brand new table) just means 0.
func readRowSize(dir, name string, maxFileSize int64) int {
	mc, err := container.OpenFile(dir, filepath.Join(dir, name), maxFileSize, 0)
	if err != nil {
		return 0
	}
	defer func() { _ = mc.Close() }()

	hdrBuf := make([]byte, table.HeaderSize)
	if err := mc.ReadAt(0, hdrBuf); err != nil {
		return 0
	}
	hdr, err := table.DecodeHeader(hdrBuf)
	if err != nil {
		return 0
	}
	return int(hdr.RowSize)
}

// preScan reads every 64 KiB chunk of the rows container concurrently
// and reports I/O errors encountered along the way; it does no mutation,
// so it is safe to run with unbounded concurrency ahead of the serial
// repair pass. It returns a byte count; Run divides by row size.
func preScan(rc container.Container) (uint64, error) {
	const chunkBytes = 1 << 16
	size := rc.Size()
	if size == 0 {
		return 0, nil
	}

	chunks := int((size + chunkBytes - 1) / chunkBytes)
	p := pool.New().WithMaxGoroutines(8)
	var errs []error
	var mu sync.Mutex

	for i := 0; i < chunks; i++ {
		offset := uint64(i) * chunkBytes
		n := chunkBytes
		if remain := size - offset; remain < uint64(n) {
			n = int(remain)
		}
		p.Go(func() {
			buf := make([]byte, n)
			if err := rc.ReadAt(offset, buf); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		})
	}
	p.Wait()

	return size, multierr.Combine(errs...)
}
