package cascade

import (
	"context"
	"sync"
)

// EventHandler observes appended events. Handlers run synchronously
// under the append; keep them cheap.
type EventHandler func(Event)

// MemoryLog is the in-process Log. It backs tests, single-node use, and
// the replay harness.
type MemoryLog struct {
	mu       sync.RWMutex
	events   []Event
	byClaim  map[string][]int
	sequence uint64
	head     string
	handlers []EventHandler
}

// NewMemoryLog creates an empty in-memory cascade log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		byClaim: make(map[string][]int),
		head:    GenesisHash,
	}
}

func (l *MemoryLog) Append(_ context.Context, e *Event) (*Event, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stored := *e
	if err := seal(&stored, l.sequence+1, l.head); err != nil {
		return nil, err
	}
	l.sequence++
	l.head = stored.EntryHash
	l.byClaim[stored.Claim] = append(l.byClaim[stored.Claim], len(l.events))
	l.events = append(l.events, stored)

	for _, h := range l.handlers {
		h(stored)
	}
	return &stored, nil
}

func (l *MemoryLog) History(_ context.Context, claim string) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	idx := l.byClaim[claim]
	out := make([]Event, 0, len(idx))
	for _, i := range idx {
		out = append(out, l.events[i])
	}
	return out, nil
}

func (l *MemoryLog) All(_ context.Context) ([]Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out, nil
}

func (l *MemoryLog) Verify(_ context.Context) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return VerifyEvents(l.events)
}

// Head returns the current chain head hash.
func (l *MemoryLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// Size returns the number of stored events.
func (l *MemoryLog) Size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}

// AddHandler registers an observer for future appends.
func (l *MemoryLog) AddHandler(h EventHandler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}
