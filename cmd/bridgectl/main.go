// Command bridgectl inspects a reality-bridge deployment offline:
// verify a cascade log's hash chain, replay it into tier state, or dump
// the per-claim history, without a running server.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"

	_ "modernc.org/sqlite"

	"github.com/realitybridge/core/pkg/cascade"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "verify":
		return runVerifyCmd(args[2:], stdout, stderr)
	case "replay":
		return runReplayCmd(args[2:], stdout, stderr)
	case "history":
		return runHistoryCmd(args[2:], stdout, stderr)
	case "help", "-h", "--help":
		usage(stdout)
		return 0
	default:
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		usage(stderr)
		return 2
	}
}

func usage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "Usage: bridgectl <verify|replay|history> [flags]")
	_, _ = fmt.Fprintln(w, "  verify  -log <path> | -db <path>   check cascade chain integrity")
	_, _ = fmt.Fprintln(w, "  replay  -log <path> | -db <path>   rebuild tier state from the log")
	_, _ = fmt.Fprintln(w, "  history -log <path> | -db <path> -claim <name>   dump one claim's events")
}

// openLog opens a JSONL or SQLite cascade log depending on which flag
// was given.
func openLog(logPath, dbPath string) (cascade.Log, func(), error) {
	switch {
	case logPath != "" && dbPath != "":
		return nil, nil, fmt.Errorf("use either -log or -db, not both")
	case logPath != "":
		l, err := cascade.OpenJSONLLog(logPath)
		if err != nil {
			return nil, nil, err
		}
		return l, func() { _ = l.Close() }, nil
	case dbPath != "":
		db, err := sql.Open("sqlite", dbPath)
		if err != nil {
			return nil, nil, err
		}
		l, err := cascade.NewSQLiteLog(context.Background(), db)
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		return l, func() { _ = db.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("either -log or -db is required")
	}
}

// runVerifyCmd checks the hash chain of a cascade log.
//
// Exit codes:
//
//	0 = chain verified
//	1 = chain broken
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var logPath, dbPath string
	cmd.StringVar(&logPath, "log", "", "Path to JSONL cascade log")
	cmd.StringVar(&dbPath, "db", "", "Path to SQLite database")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	// Opening already verifies; a broken chain surfaces here.
	l, closeLog, err := openLog(logPath, dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer closeLog()

	events, err := l.All(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "Chain verified: %d events\n", len(events))
	if len(events) > 0 {
		_, _ = fmt.Fprintf(stdout, "Head: %s\n", events[len(events)-1].EntryHash)
	}
	return 0
}

// runReplayCmd folds the log into tier state and prints it.
func runReplayCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("replay", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		logPath, dbPath string
		jsonOutput      bool
	)
	cmd.StringVar(&logPath, "log", "", "Path to JSONL cascade log")
	cmd.StringVar(&dbPath, "db", "", "Path to SQLite database")
	cmd.BoolVar(&jsonOutput, "json", false, "Output state as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	l, closeLog, err := openLog(logPath, dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeLog()

	events, err := l.All(context.Background())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	state := cascade.Replay(events)

	if jsonOutput {
		data, _ := json.MarshalIndent(state, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	names := make([]string, 0, len(state))
	for name := range state {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e := state[name]
		_, _ = fmt.Fprintf(stdout, "%-30s %-12s v%-4d %s\n", name, e.Tier, e.Version, e.ChangedAt.Format("2006-01-02 15:04:05"))
	}
	return 0
}

// runHistoryCmd dumps all events for one claim, oldest first.
func runHistoryCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("history", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var logPath, dbPath, claimName string
	cmd.StringVar(&logPath, "log", "", "Path to JSONL cascade log")
	cmd.StringVar(&dbPath, "db", "", "Path to SQLite database")
	cmd.StringVar(&claimName, "claim", "", "Claim name (REQUIRED)")
	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if claimName == "" {
		_, _ = fmt.Fprintln(stderr, "Error: -claim is required")
		return 2
	}

	l, closeLog, err := openLog(logPath, dbPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeLog()

	events, err := l.History(context.Background(), claimName)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if len(events) == 0 {
		_, _ = fmt.Fprintf(stdout, "No events for claim %q\n", claimName)
		return 0
	}

	for _, e := range events {
		_, _ = fmt.Fprintf(stdout, "%s  seq=%-5d %-9s %s -> %s  score=%.3f  %s\n",
			e.Timestamp.Format("2006-01-02 15:04:05"), e.Sequence, e.Action, e.FromTier, e.ToTier, e.Score, e.Rationale)
	}
	return 0
}
