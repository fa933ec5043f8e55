package table

import (
	"os"
	"strings"
)

// ListTables enumerates every table in dir by checking each top-level
// file's leading bytes against the container magic, skipping known
// sidecar suffixes outright (spec §6's "table enumeration" collaborator
// interface).
func ListTables(dir string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var names []string
	for _, e := range ents {
		if e.IsDir() {
			continue
		}
		n := e.Name()
		if strings.HasSuffix(n, rowsSuffix) || strings.HasSuffix(n, heapSuffix) ||
			strings.HasSuffix(n, ".lock") || strings.HasSuffix(n, ".meta.json") || strings.Contains(n, "_bt") {
			continue
		}
		// A striped container's unit 1, 2, ... files hold raw data at
		// their own byte 0, not the header magic (only unit 0 of the
		// main container starts with it), so the magic check below
		// already excludes them without a naming heuristic.
		if looksLikeTable(dir, n) {
			names = append(names, n)
		}
	}
	return names, nil
}

func looksLikeTable(dir, name string) bool {
	f, err := os.Open(dir + "/" + name)
	if err != nil {
		return false
	}
	defer func() { _ = f.Close() }()
	buf := make([]byte, len(Magic))
	if _, err := f.Read(buf); err != nil {
		return false
	}
	return string(buf) == Magic
}
