// Command pastractl is the storage engine's CLI collaborator (spec §6:
// "invokes only engine-open, table enumeration, and repair"). It is a thin
// readline REPL over internal/table and internal/repair — no SQL, no wire
// protocol, matching the engine's own scope.
package main

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"

	"github.com/pastra-db/pastra/internal/config"
	"github.com/pastra-db/pastra/internal/repair"
	"github.com/pastra-db/pastra/internal/table"
)

// History is a plain one-statement-per-line append log, the same shape the
// teacher's CLI history used.
type History struct {
	path  string
	lines []string
}

func NewHistory(path string) *History { return &History{path: path} }

func (h *History) Load() error {
	if h.path == "" {
		return nil
	}
	f, err := os.Open(h.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	defer func() { _ = f.Close() }()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			h.lines = append(h.lines, line)
		}
	}
	return sc.Err()
}

func (h *History) Append(line string) {
	line = strings.TrimSpace(line)
	if line == "" || h.path == "" {
		return
	}
	h.lines = append(h.lines, line)
	if err := os.MkdirAll(filepath.Dir(h.path), 0o755); err != nil {
		return
	}
	f, err := os.OpenFile(h.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return
	}
	defer func() { _ = f.Close() }()
	_, _ = fmt.Fprintln(f, line)
}

func defaultHistoryPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".pastractl_history"
	}
	return filepath.Join(home, ".pastractl_history")
}

// session holds the one table pastractl can have open at a time.
type session struct {
	dir      string
	settings config.DatabaseSettings
	tbl      *table.Table
	name     string
}

func (s *session) close() {
	if s.tbl != nil {
		_ = s.tbl.Close()
		s.tbl = nil
		s.name = ""
	}
}

func (s *session) dispatch(line string) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return
	}
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "open":
		s.cmdOpen(args)
	case "close":
		s.close()
		fmt.Println("closed")
	case "tables":
		s.cmdTables(args)
	case "repair":
		s.cmdRepair(args)
	case "get":
		s.cmdGet(args)
	case "add-row":
		s.cmdAddRow()
	case "help", "\\help":
		printHelp()
	default:
		fmt.Printf("unknown command %q (try \\help)\n", cmd)
	}
}

func (s *session) cmdOpen(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: open <dir> <name>")
		return
	}
	s.close()
	tbl, err := table.Open(args[0], args[1], s.settings)
	if err != nil {
		fmt.Printf("open: %v\n", err)
		return
	}
	s.dir, s.name, s.tbl = args[0], args[1], tbl
	fmt.Printf("opened %s/%s\n", args[0], args[1])
}

func (s *session) cmdTables(args []string) {
	dir := s.dir
	if len(args) == 1 {
		dir = args[0]
	}
	if dir == "" {
		fmt.Println("usage: tables <dir> (or open a table first)")
		return
	}
	names, err := table.ListTables(dir)
	if err != nil {
		fmt.Printf("tables: %v\n", err)
		return
	}
	for _, n := range names {
		fmt.Println(n)
	}
	fmt.Printf("(%d tables)\n", len(names))
}

func (s *session) cmdRepair(args []string) {
	if len(args) != 2 {
		fmt.Println("usage: repair <dir> <name>")
		return
	}
	dir, name := args[0], args[1]
	confirm := func(sev table.Severity, format string, a ...any) bool {
		fmt.Printf("[%s] %s\n", sev, fmt.Sprintf(format, a...))
		return true
	}
	progress := func(row, total uint64) {
		if total > 0 && row%1000 == 0 {
			fmt.Printf("repairing %s: row %d/%d\n", name, row, total)
		}
	}
	rep, err := repair.Run(dir, name, s.settings.MaxUnitFileSize, confirm, progress)
	if err != nil {
		fmt.Printf("repair: %v\n", err)
		return
	}
	if rep.PreScanWarning != nil {
		fmt.Printf("repair: pre-scan warnings: %v\n", rep.PreScanWarning)
	}
	fmt.Printf("repaired %s (%d rows scanned)\n", name, rep.RowsScanned)
}

func (s *session) cmdGet(args []string) {
	if s.tbl == nil {
		fmt.Println("no table open")
		return
	}
	if len(args) != 2 {
		fmt.Println("usage: get <row> <field>")
		return
	}
	row, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		fmt.Printf("bad row index: %v\n", err)
		return
	}
	v, err := s.tbl.Get(row, args[1])
	if err != nil {
		fmt.Printf("get: %v\n", err)
		return
	}
	if v.IsNull {
		fmt.Println("NULL")
		return
	}
	fmt.Printf("%+v\n", v)
}

func (s *session) cmdAddRow() {
	if s.tbl == nil {
		fmt.Println("no table open")
		return
	}
	row, err := s.tbl.AddRow()
	if err != nil {
		fmt.Printf("add-row: %v\n", err)
		return
	}
	fmt.Printf("row %d\n", row)
}

func printHelp() {
	fmt.Print(`commands:
  open <dir> <name>      open a table
  close                  close the current table
  tables [dir]           enumerate tables in dir (defaults to the open table's dir)
  repair <dir> <name>    run the offline repair pass
  get <row> <field>      read one field of the currently open table
  add-row                allocate a row in the currently open table
  help                   show this text
  quit | exit            quit
`)
}

func main() {
	var (
		cfgPath  = flag.String("config", "", "config file path (optional)")
		histPath = flag.String("history", defaultHistoryPath(), "history file path")
	)
	flag.Parse()

	settings := config.Default()
	if *cfgPath != "" {
		loaded, err := config.Load(*cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		settings = loaded
	}

	s := &session{settings: settings}
	defer s.close()

	h := NewHistory(*histPath)
	_ = h.Load()

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pastractl> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "readline: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = rl.Close() }()

	for _, line := range h.lines {
		_ = rl.SaveHistory(line)
	}

	fmt.Println("pastractl - type \\help for help")
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			fmt.Println("^C")
			continue
		}
		if err != nil {
			fmt.Println()
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if line == "quit" || line == "exit" || line == "\\q" {
			return
		}
		h.Append(line)
		_ = rl.SaveHistory(line)
		s.dispatch(line)
	}
}
