package session

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/pbaille/chccat/internal/domain"
)

// MemorySink keeps event logs in memory. It backs dry runs and tests.
type MemorySink struct {
	mu        sync.Mutex
	events    map[string][]domain.Event
	completed map[string]bool
}

func NewMemorySink() *MemorySink {
	return &MemorySink{
		events:    make(map[string][]domain.Event),
		completed: make(map[string]bool),
	}
}

func (m *MemorySink) AppendEvent(sessionID string, typ domain.EventType, payload any) (domain.Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, fmt.Errorf("encode %s payload: %w", typ, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := domain.Event{
		Seq:     len(m.events[sessionID]) + 1,
		Type:    typ,
		Payload: raw,
		At:      time.Now().UTC(),
	}
	m.events[sessionID] = append(m.events[sessionID], ev)
	return ev, nil
}

func (m *MemorySink) MarkCompleted(sessionID string) error {
	m.mu.Lock()
	m.completed[sessionID] = true
	m.mu.Unlock()
	return nil
}

// Events returns a copy of the log of sessionID.
func (m *MemorySink) Events(sessionID string) []domain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.Event(nil), m.events[sessionID]...)
}

func (m *MemorySink) Completed(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.completed[sessionID]
}
