package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/chccat/internal/cat"
	"github.com/pbaille/chccat/internal/config"
	"github.com/pbaille/chccat/internal/domain"
	"github.com/pbaille/chccat/internal/exposure"
	"github.com/pbaille/chccat/internal/irt"
	"github.com/pbaille/chccat/internal/itembank"
	"github.com/pbaille/chccat/internal/scoring"
	"github.com/pbaille/chccat/internal/simulate"
)

type countingPersister struct {
	mu     sync.Mutex
	counts map[string]int
	calls  int
}

func (p *countingPersister) LoadExposure(context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

func (p *countingPersister) AddExposure(_ context.Context, deltas map[string]int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.counts == nil {
		p.counts = make(map[string]int)
	}
	for id, n := range deltas {
		p.counts[id] += n
	}
	p.calls++
	return nil
}

type fixture struct {
	cfg       *config.Config
	bank      *itembank.Bank
	ledger    *exposure.Ledger
	persister *countingPersister
	sink      *MemorySink
	engine    *Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	bank, err := itembank.New(simulate.ItemBank(cfg, 40, 7))
	require.NoError(t, err)
	est, err := irt.NewEstimator(cfg.Grid.Min, cfg.Grid.Max, cfg.Grid.Step)
	require.NoError(t, err)

	f := &fixture{
		cfg:       cfg,
		bank:      bank,
		persister: &countingPersister{},
		sink:      NewMemorySink(),
	}
	f.ledger = exposure.NewLedger(exposure.WithPersister(f.persister))
	clock := func() time.Time { return time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC) }
	f.engine = NewEngine(cfg, bank, est, f.ledger, f.sink,
		WithComposer(scoring.NewComposer(scoring.WithClock(clock))))
	return f
}

func (f *fixture) begin(t *testing.T, id string, form *itembank.Form, excluded map[string]bool) *Administration {
	t.Helper()
	a, err := f.engine.Begin(id, domain.SessionMeta{AgeYears: 27, Groups: map[string]string{"language": "en"}}, form, excluded)
	require.NoError(t, err)
	return a
}

func responses(t *testing.T, events []domain.Event) []domain.ItemResponsePayload {
	t.Helper()
	var out []domain.ItemResponsePayload
	for _, ev := range events {
		if ev.Type != domain.EventItemResponse {
			continue
		}
		var p domain.ItemResponsePayload
		require.NoError(t, json.Unmarshal(ev.Payload, &p))
		out = append(out, p)
	}
	return out
}

func TestRunCompletesBattery(t *testing.T) {
	f := newFixture(t)
	form := simulate.AnchorForm(f.bank, "F1", 4)
	a := f.begin(t, "s1", form, nil)

	report, err := a.Run(context.Background(), simulate.NewExaminee(0.5, 11))
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, a.Status())

	require.Len(t, report.Domains, len(domain.Domains))
	for i, ds := range report.Domains {
		assert.Equal(t, domain.Domains[i], ds.Domain, "domains are reported in administration order")
		policy := f.cfg.Domains[ds.Domain]
		assert.GreaterOrEqual(t, ds.Items, policy.MinItems, ds.Domain)
		assert.LessOrEqual(t, ds.Items, policy.MaxItems, ds.Domain)
	}
	assert.Equal(t, 27.0, report.Meta.AgeYears)
	assert.Equal(t, "2026-04-01T12:00:00Z", report.Meta.GeneratedAt)

	events := f.sink.Events("s1")
	require.NotEmpty(t, events)
	for i, ev := range events {
		assert.Equal(t, i+1, ev.Seq)
	}
	assert.Equal(t, domain.EventSessionStarted, events[0].Type)
	assert.Equal(t, domain.EventSubtestSummaries, events[len(events)-2].Type)
	assert.Equal(t, domain.EventFinalReport, events[len(events)-1].Type)
	assert.True(t, f.sink.Completed("s1"))

	var started StartedPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &started))
	assert.Equal(t, "F1", started.Meta.FormID)

	var total int
	for _, ds := range report.Domains {
		total += ds.Items
	}
	resp := responses(t, events)
	require.Len(t, resp, total)

	anchors := make(map[string]bool)
	for _, d := range domain.Domains {
		for _, id := range form.For(d).Anchors {
			anchors[id] = true
		}
	}
	for _, p := range resp {
		assert.Equal(t, anchors[p.ItemID], p.Anchor, p.ItemID)
		assert.NotEmpty(t, p.Family)
		assert.Positive(t, p.SEAfter)
	}

	var persisted int
	for _, n := range f.persister.counts {
		persisted += n
	}
	assert.Equal(t, total, persisted, "every administration reaches the persister")
	assert.Equal(t, total, f.persister.calls, "flush_every 1 flushes after each response")
}

func TestPullInterface(t *testing.T) {
	f := newFixture(t)
	a := f.begin(t, "s2", nil, nil)
	ctx := context.Background()

	first, err := a.Current(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	again, err := a.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID, "the pending item is served until answered")
	assert.Equal(t, domain.Gf, a.Domain())

	err = a.Submit(ctx, domain.Response{ItemID: "GF-999", X: 1})
	assert.ErrorIs(t, err, cat.ErrUnexpectedItem)

	require.NoError(t, a.Submit(ctx, domain.Response{ItemID: first.ID, X: 1, RTMs: 3200}))
	assert.ErrorIs(t, a.Submit(ctx, domain.Response{ItemID: first.ID, X: 1}), cat.ErrInvalidState)

	_, err = a.Report()
	assert.ErrorIs(t, err, ErrNotCompleted)
}

func TestAbortKeepsExposure(t *testing.T) {
	f := newFixture(t)
	a := f.begin(t, "s3", nil, nil)
	ctx := context.Background()

	var seen []string
	for i := 0; i < 3; i++ {
		it, err := a.Current(ctx)
		require.NoError(t, err)
		seen = append(seen, it.ID)
		require.NoError(t, a.Submit(ctx, domain.Response{ItemID: it.ID, X: 0}))
	}
	require.NoError(t, a.Abort(ctx, "examinee left"))
	assert.Equal(t, StatusAborted, a.Status())
	require.NoError(t, a.Abort(ctx, "twice"), "aborting again is a no-op")

	events := f.sink.Events("s3")
	last := events[len(events)-1]
	require.Equal(t, domain.EventAbort, last.Type)
	var payload AbortPayload
	require.NoError(t, json.Unmarshal(last.Payload, &payload))
	assert.Equal(t, AbortPayload{Reason: "examinee left", Domain: domain.Gf, Items: 3}, payload)
	assert.False(t, f.sink.Completed("s3"))

	for _, id := range seen {
		assert.Equal(t, 1, f.ledger.Count(id))
	}
	_, err := a.Current(ctx)
	assert.ErrorIs(t, err, ErrFinished)
	_, err = a.Report()
	assert.ErrorIs(t, err, ErrNotCompleted)
}

func TestRunAbortsOnCancel(t *testing.T) {
	f := newFixture(t)
	a := f.begin(t, "s4", nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Run(ctx, simulate.NewExaminee(0, 1))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StatusAborted, a.Status())

	events := f.sink.Events("s4")
	assert.Equal(t, domain.EventAbort, events[len(events)-1].Type)
}

func TestExclusionsAndAllowList(t *testing.T) {
	f := newFixture(t)
	gf := f.bank.Domain(domain.Gf)

	excluded := map[string]bool{gf[0].ID: true, gf[1].ID: true, gf[2].ID: true}
	var allowed []string
	for _, it := range gf[:20] {
		allowed = append(allowed, it.ID)
	}
	form := &itembank.Form{ID: "F2", Domains: map[domain.Domain]itembank.DomainForm{
		domain.Gf: {Allowed: allowed},
	}}
	allowedSet := make(map[string]bool)
	for _, id := range allowed {
		allowedSet[id] = true
	}

	a := f.begin(t, "s5", form, excluded)
	_, err := a.Run(context.Background(), simulate.NewExaminee(-0.5, 3))
	require.NoError(t, err)

	for _, p := range responses(t, f.sink.Events("s5")) {
		assert.False(t, excluded[p.ItemID], "excluded item %s administered", p.ItemID)
		if p.Domain == domain.Gf {
			assert.True(t, allowedSet[p.ItemID], "item %s is outside the form", p.ItemID)
		}
	}
}

func TestBeginRejectsUnknownFormItem(t *testing.T) {
	f := newFixture(t)
	form := &itembank.Form{ID: "bad", Domains: map[domain.Domain]itembank.DomainForm{
		domain.Gv: {Anchors: []string{"GV-404"}},
	}}
	_, err := f.engine.Begin("s6", domain.SessionMeta{}, form, nil)
	assert.Error(t, err)
	assert.Empty(t, f.sink.Events("s6"))
}

func TestIntegrityReachesReport(t *testing.T) {
	f := newFixture(t)
	a := f.begin(t, "s7", nil, nil)
	integrity := domain.Integrity{RapidGuessCount: 2, Flags: []domain.IntegrityFlag{{Type: "RAPID_GUESSING"}}}
	a.SetIntegrity(integrity)

	report, err := a.Run(context.Background(), simulate.NewExaminee(1, 5))
	require.NoError(t, err)
	assert.Equal(t, integrity, report.Integrity)
}

func TestRunIsReproducible(t *testing.T) {
	run := func() []byte {
		f := newFixture(t)
		a := f.begin(t, "s8", simulate.AnchorForm(f.bank, "F1", 5), nil)
		report, err := a.Run(context.Background(), simulate.NewExaminee(0.8, 99))
		require.NoError(t, err)
		data, err := json.Marshal(report)
		require.NoError(t, err)
		return data
	}
	assert.JSONEq(t, string(run()), string(run()))
}

var errSinkDown = errors.New("sink down")

// flakySink fails the first failCompletes calls to MarkCompleted.
type flakySink struct {
	*MemorySink
	failCompletes int
}

func (s *flakySink) MarkCompleted(sessionID string) error {
	if s.failCompletes > 0 {
		s.failCompletes--
		return errSinkDown
	}
	return s.MemorySink.MarkCompleted(sessionID)
}

func TestCompletionResumesAfterSinkFailure(t *testing.T) {
	f := newFixture(t)
	sink := &flakySink{MemorySink: NewMemorySink(), failCompletes: 1}
	est, err := irt.NewEstimator(f.cfg.Grid.Min, f.cfg.Grid.Max, f.cfg.Grid.Step)
	require.NoError(t, err)
	engine := NewEngine(f.cfg, f.bank, est, f.ledger, sink)

	ctx := context.Background()
	a, err := engine.Begin("s-flaky", domain.SessionMeta{AgeYears: 30}, nil, nil)
	require.NoError(t, err)
	ex := simulate.NewExaminee(0.2, 5)

	failures := 0
	for {
		it, err := a.Current(ctx)
		if err != nil {
			require.ErrorIs(t, err, errSinkDown)
			failures++
			require.Equal(t, 1, failures)
			assert.Equal(t, StatusRunning, a.Status())
			continue
		}
		if it == nil {
			break
		}
		resp, err := ex.Respond(ctx, *it)
		require.NoError(t, err)
		require.NoError(t, a.Submit(ctx, resp))
	}

	assert.Equal(t, StatusCompleted, a.Status())
	assert.True(t, sink.Completed("s-flaky"))
	counts := make(map[domain.EventType]int)
	for _, ev := range sink.Events("s-flaky") {
		counts[ev.Type]++
	}
	assert.Equal(t, 1, counts[domain.EventSubtestSummaries], "summaries are logged once")
	assert.Equal(t, 1, counts[domain.EventFinalReport], "report is logged once")
}
