// Package exposure counts item administrations across sessions.
package exposure

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/pbaille/chccat/internal/logging"
	"github.com/pbaille/chccat/internal/metrics"
)

// Persister stores exposure counts outside the process.
// AddExposure must apply the deltas as increments, never as absolute values,
// so that several processes sharing one backend cannot overwrite each other.
type Persister interface {
	LoadExposure(ctx context.Context) (map[string]int, error)
	AddExposure(ctx context.Context, deltas map[string]int) error
}

// Ledger is the process-wide exposure counter store.
// Counts only ever grow; cancelling a test never rolls an increment back.
type Ledger struct {
	mu      sync.Mutex
	counts  map[string]int
	pending map[string]int

	persister Persister
	metrics   *metrics.Metrics
	log       *zap.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

func WithPersister(p Persister) Option { return func(l *Ledger) { l.persister = p } }

func WithMetrics(m *metrics.Metrics) Option { return func(l *Ledger) { l.metrics = m } }

func WithLogger(log *zap.Logger) Option { return func(l *Ledger) { l.log = log } }

// NewLedger creates an empty ledger. Call Load to pick up persisted counts.
func NewLedger(opts ...Option) *Ledger {
	l := &Ledger{
		counts:  make(map[string]int),
		pending: make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.log = logging.OrNop(l.log)
	return l
}

// Count returns how many times itemID has been administered.
func (l *Ledger) Count(itemID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[itemID]
}

// Record adds one administration of itemID.
func (l *Ledger) Record(itemID string) {
	l.mu.Lock()
	l.counts[itemID]++
	l.pending[itemID]++
	l.mu.Unlock()
}

// IsOverExposed reports whether itemID reached cap administrations.
// Advisory only: selection treats it as a soft exclusion.
func (l *Ledger) IsOverExposed(itemID string, cap int) bool {
	return l.Count(itemID) >= cap
}

// Snapshot copies all counts.
func (l *Ledger) Snapshot() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.counts))
	for id, n := range l.counts {
		out[id] = n
	}
	return out
}

// Load merges persisted counts into the ledger. A persisted count lower than
// the in-memory one is ignored so that counts never decrease.
func (l *Ledger) Load(ctx context.Context) error {
	if l.persister == nil {
		return nil
	}
	stored, err := l.persister.LoadExposure(ctx)
	if err != nil {
		return fmt.Errorf("load exposure: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, n := range stored {
		// unflushed local increments are not in the stored value yet
		if total := n + l.pending[id]; total > l.counts[id] {
			l.counts[id] = total
		}
	}
	l.log.Debug("exposure loaded", zap.Int("items", len(stored)))
	return nil
}

// Flush hands pending increments to the persister. Pending deltas are kept
// if the persister fails so a later Flush can retry them.
func (l *Ledger) Flush(ctx context.Context) error {
	if l.persister == nil {
		return nil
	}

	l.mu.Lock()
	if len(l.pending) == 0 {
		l.mu.Unlock()
		return nil
	}
	deltas := l.pending
	l.pending = make(map[string]int)
	l.mu.Unlock()

	if err := l.persister.AddExposure(ctx, deltas); err != nil {
		l.mu.Lock()
		for id, n := range deltas {
			l.pending[id] += n
		}
		l.mu.Unlock()
		return fmt.Errorf("flush exposure: %w", err)
	}

	l.metrics.IncrementFlushes()
	l.log.Debug("exposure flushed", zap.Int("items", len(deltas)))
	return nil
}
