package cascade

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// JSONLLog persists the cascade chain as one JSON event per line,
// appended and fsynced on every write. The format is deliberately dumb:
// a text editor, grep, or the replay harness can all read it.
type JSONLLog struct {
	mu      sync.RWMutex
	path    string
	file    *os.File
	events  []Event
	byClaim map[string][]int
	head    string
	closed  bool
}

// OpenJSONLLog opens (or creates) a line-oriented event log and restores
// the chain head from its contents. An existing log that fails chain
// verification is refused.
func OpenJSONLLog(path string) (*JSONLLog, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("cascade: open %s: %w", path, err)
	}

	l := &JSONLLog{
		path:    path,
		file:    f,
		byClaim: make(map[string][]int),
		head:    GenesisHash,
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			f.Close()
			return nil, fmt.Errorf("cascade: corrupt event at line %d of %s: %w", len(l.events)+1, path, err)
		}
		l.byClaim[e.Claim] = append(l.byClaim[e.Claim], len(l.events))
		l.events = append(l.events, e)
		l.head = e.EntryHash
	}
	if err := scanner.Err(); err != nil {
		f.Close()
		return nil, fmt.Errorf("cascade: read %s: %w", path, err)
	}
	if err := VerifyEvents(l.events); err != nil {
		f.Close()
		return nil, fmt.Errorf("cascade: %s failed verification on open: %w", path, err)
	}
	return l, nil
}

func (l *JSONLLog) Append(_ context.Context, e *Event) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	stored := *e
	if err := seal(&stored, uint64(len(l.events))+1, l.head); err != nil {
		return nil, err
	}

	line, err := json.Marshal(&stored)
	if err != nil {
		return nil, fmt.Errorf("cascade: marshal event: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("cascade: append to %s: %w", l.path, err)
	}
	if err := l.file.Sync(); err != nil {
		return nil, fmt.Errorf("cascade: sync %s: %w", l.path, err)
	}

	l.head = stored.EntryHash
	l.byClaim[stored.Claim] = append(l.byClaim[stored.Claim], len(l.events))
	l.events = append(l.events, stored)
	return &stored, nil
}

func (l *JSONLLog) History(_ context.Context, claim string) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx := l.byClaim[claim]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.events[i])
	}
	return out, nil
}

func (l *JSONLLog) All(_ context.Context) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out, nil
}

func (l *JSONLLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyEvents(l.events)
}

// Head returns the current chain head hash.
func (l *JSONLLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Close releases the underlying file. Further appends fail.
func (l *JSONLLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.file.Close()
}
