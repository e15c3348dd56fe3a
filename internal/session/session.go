// Package session runs a full administration: the six domain subtests in
// order, the audit event log and the final report.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/pbaille/chccat/internal/cat"
	"github.com/pbaille/chccat/internal/config"
	"github.com/pbaille/chccat/internal/domain"
	"github.com/pbaille/chccat/internal/itembank"
	"github.com/pbaille/chccat/internal/logging"
	"github.com/pbaille/chccat/internal/metrics"
	"github.com/pbaille/chccat/internal/scoring"
)

var (
	ErrFinished     = errors.New("administration already finished")
	ErrNotCompleted = errors.New("administration has not completed")
)

// EventSink receives the append-only audit log of an administration.
type EventSink interface {
	AppendEvent(sessionID string, typ domain.EventType, payload any) (domain.Event, error)
	MarkCompleted(sessionID string) error
}

// Ledger is the exposure ledger shared by every administration.
type Ledger interface {
	cat.ExposureLedger
	Flush(ctx context.Context) error
}

// Responder presents an item and waits for the examinee's answer.
type Responder interface {
	Respond(ctx context.Context, it domain.Item) (domain.Response, error)
}

// Status is the lifecycle position of an administration.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusAborted   Status = "aborted"
)

// StartedPayload is the SESSION_STARTED record.
type StartedPayload struct {
	Meta        domain.SessionMeta `json:"meta"`
	Domains     []domain.Domain    `json:"domains"`
	Excluded    []string           `json:"excluded,omitempty"`
	Feasibility []string           `json:"feasibility,omitempty"`
}

// AbortPayload is the ABORT record.
type AbortPayload struct {
	Reason string        `json:"reason"`
	Domain domain.Domain `json:"domain,omitempty"`
	Items  int           `json:"items"`
}

// Engine holds what every administration shares.
type Engine struct {
	cfg      *config.Config
	bank     *itembank.Bank
	est      cat.Estimator
	ledger   Ledger
	composer *scoring.Composer
	sink     EventSink
	log      *zap.Logger
	metrics  *metrics.Metrics
}

type Option func(*Engine)

func WithLogger(log *zap.Logger) Option { return func(e *Engine) { e.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

func WithComposer(c *scoring.Composer) Option { return func(e *Engine) { e.composer = c } }

func NewEngine(cfg *config.Config, bank *itembank.Bank, est cat.Estimator, ledger Ledger, sink EventSink, opts ...Option) *Engine {
	e := &Engine{
		cfg:    cfg,
		bank:   bank,
		est:    est,
		ledger: ledger,
		sink:   sink,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.log = logging.OrNop(e.log)
	if e.composer == nil {
		e.composer = scoring.NewComposer(
			scoring.WithMetric(cfg.Scoring.Mean, cfg.Scoring.SD),
			scoring.WithMetrics(e.metrics),
		)
	}
	return e
}

// Administration is one examinee working through the battery. It is safe for
// concurrent use; calls are serialized.
type Administration struct {
	mu sync.Mutex

	id      string
	meta    domain.SessionMeta
	engine  *Engine
	log     *zap.Logger
	status  Status
	current int

	subtests  []*cat.Subtest
	summaries []domain.DomainSummary
	integrity domain.Integrity
	report    *domain.Report
	sinceSave int

	// completion steps already logged, so a retried completion resumes
	summariesLogged bool
	reportLogged    bool
	built           *domain.Report
}

// Begin builds the six subtests for sessionID and emits SESSION_STARTED.
// form may be nil; excluded holds item ids withdrawn from administration.
func (e *Engine) Begin(sessionID string, meta domain.SessionMeta, form *itembank.Form, excluded map[string]bool) (*Administration, error) {
	if err := e.bank.CheckForm(form); err != nil {
		return nil, err
	}
	if form != nil && meta.FormID == "" {
		meta.FormID = form.ID
	}

	excl := make([]string, 0, len(excluded))
	for id, ok := range excluded {
		if ok {
			excl = append(excl, id)
		}
	}
	sort.Strings(excl)

	a := &Administration{
		id:     sessionID,
		meta:   meta,
		engine: e,
		log:    e.log.With(zap.String("session", sessionID)),
		status: StatusRunning,
	}

	started := StartedPayload{Meta: meta, Domains: domain.Domains, Excluded: excl}
	for _, d := range domain.Domains {
		policy, err := e.cfg.Domain(d)
		if err != nil {
			return nil, err
		}
		df := form.For(d)
		sub, err := cat.New(cat.Config{
			Domain:      d,
			Items:       e.bank.Domain(d),
			Policy:      policy,
			TopK:        e.cfg.Select.TopK,
			MaxExposure: e.cfg.Select.MaxExposurePerItem,
			PriorMean:   e.cfg.Prior.Mean,
			PriorSD:     e.cfg.Prior.SD,
			Allowed:     df.Allowed,
			Excluded:    excl,
			Anchors:     df.Anchors,
		}, e.est, e.ledger, cat.WithLogger(a.log), cat.WithMetrics(e.metrics))
		if err != nil {
			return nil, err
		}
		for _, note := range sub.Feasibility() {
			a.log.Warn("pool cannot meet policy", zap.String("domain", string(d)), zap.String("detail", note))
			started.Feasibility = append(started.Feasibility, string(d)+": "+note)
		}
		a.subtests = append(a.subtests, sub)
	}

	if err := a.subtests[0].Start(); err != nil {
		return nil, err
	}
	if err := a.emit(domain.EventSessionStarted, started); err != nil {
		return nil, err
	}
	a.log.Info("administration started", zap.String("form", meta.FormID), zap.Int("excluded", len(excl)))
	return a, nil
}

func (a *Administration) ID() string { return a.id }

// Status reports whether the administration is running, completed or aborted.
func (a *Administration) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Domain is the domain currently being administered, empty once finished.
func (a *Administration) Domain() domain.Domain {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.status != StatusRunning || a.current >= len(a.subtests) {
		return ""
	}
	return a.subtests[a.current].Domain()
}

// SetIntegrity attaches proctoring signals to the final report.
func (a *Administration) SetIntegrity(in domain.Integrity) {
	a.mu.Lock()
	a.integrity = in
	a.mu.Unlock()
}

// Current returns the item awaiting a response, selecting one if needed.
// It returns nil once the last subtest stopped; the report is then built.
func (a *Administration) Current(ctx context.Context) (*domain.Item, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.advance(ctx)
}

func (a *Administration) advance(ctx context.Context) (*domain.Item, error) {
	switch a.status {
	case StatusCompleted:
		return nil, nil
	case StatusAborted:
		return nil, ErrFinished
	}

	for a.current < len(a.subtests) {
		sub := a.subtests[a.current]
		if it := sub.Pending(); it != nil {
			return it, nil
		}
		if sub.State() == cat.Selecting {
			it, err := sub.PickNextItem()
			if err != nil {
				return nil, err
			}
			if it != nil {
				return it, nil
			}
		}

		summary, err := sub.Summary()
		if err != nil {
			return nil, err
		}
		a.summaries = append(a.summaries, summary)
		a.current++
		if a.current < len(a.subtests) {
			if err := a.subtests[a.current].Start(); err != nil {
				return nil, err
			}
		}
	}

	return nil, a.complete(ctx)
}

// Submit scores the response to the current item and logs ITEM_RESPONSE.
func (a *Administration) Submit(ctx context.Context, r domain.Response) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status != StatusRunning || a.current >= len(a.subtests) {
		return ErrFinished
	}
	sub := a.subtests[a.current]
	it := sub.Pending()
	if it == nil {
		return fmt.Errorf("submit %s: %w", r.ItemID, cat.ErrInvalidState)
	}
	if err := sub.RecordResponse(r); err != nil {
		return err
	}

	rec := it.Record()
	payload := domain.ItemResponsePayload{
		Domain:     it.Domain,
		Family:     it.Family,
		ItemID:     it.ID,
		Anchor:     sub.IsAnchor(it.ID),
		Model:      rec.Model,
		A:          rec.A,
		B:          rec.B,
		C:          rec.C,
		X:          r.X,
		RTMs:       r.RTMs,
		ThetaAfter: sub.Theta(),
		SEAfter:    sub.SE(),
		Meta:       r.Meta,
	}
	if err := a.emit(domain.EventItemResponse, payload); err != nil {
		return err
	}

	a.sinceSave++
	if every := a.engine.cfg.Exposure.FlushEvery; every > 0 && a.sinceSave >= every {
		a.sinceSave = 0
		if err := a.engine.ledger.Flush(ctx); err != nil {
			// counts stay pending in the ledger and go out with the next flush
			a.log.Warn("exposure flush failed", zap.Error(err))
		}
	}
	return nil
}

// Abort cancels the running subtest and logs ABORT. Exposure already
// recorded is kept. Aborting a finished administration is a no-op.
func (a *Administration) Abort(ctx context.Context, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.status != StatusRunning {
		return nil
	}
	payload := AbortPayload{Reason: reason}
	if a.current < len(a.subtests) {
		sub := a.subtests[a.current]
		payload.Domain = sub.Domain()
		payload.Items = sub.Administered()
		sub.Cancel()
	}
	a.status = StatusAborted

	if err := a.emit(domain.EventAbort, payload); err != nil {
		return err
	}
	a.log.Info("administration aborted", zap.String("reason", reason))
	return a.engine.ledger.Flush(ctx)
}

// Run drives the administration to the end with r answering every item.
// Cancelling ctx aborts the administration.
func (a *Administration) Run(ctx context.Context, r Responder) (*domain.Report, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, a.abortWith(ctx, err)
		}
		it, err := a.Current(ctx)
		if err != nil {
			return nil, a.abortWith(ctx, err)
		}
		if it == nil {
			return a.Report()
		}
		resp, err := r.Respond(ctx, *it)
		if err != nil {
			return nil, a.abortWith(ctx, err)
		}
		if err := a.Submit(ctx, resp); err != nil {
			return nil, a.abortWith(ctx, err)
		}
	}
}

func (a *Administration) abortWith(ctx context.Context, cause error) error {
	// ctx may already be done; the final flush must still run
	if err := a.Abort(context.WithoutCancel(ctx), cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return cause
}

// Summaries returns the summaries of the subtests stopped so far.
func (a *Administration) Summaries() []domain.DomainSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]domain.DomainSummary(nil), a.summaries...)
}

// Report returns the final report of a completed administration.
func (a *Administration) Report() (*domain.Report, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.report == nil {
		return nil, ErrNotCompleted
	}
	return a.report, nil
}

// complete logs the summaries and the report, then marks the session done.
// Each step runs once; after a failure the next Current resumes where it
// stopped.
func (a *Administration) complete(ctx context.Context) error {
	if !a.summariesLogged {
		if err := a.emit(domain.EventSubtestSummaries, a.summaries); err != nil {
			return err
		}
		a.summariesLogged = true
	}
	if a.built == nil {
		report, err := a.engine.composer.BuildReport(scoring.Input{
			AgeYears:  a.meta.AgeYears,
			Summaries: a.summaries,
			Integrity: a.integrity,
		})
		if err != nil {
			return err
		}
		a.built = report
	}
	report := a.built
	if !a.reportLogged {
		if err := a.emit(domain.EventFinalReport, report); err != nil {
			return err
		}
		a.reportLogged = true
	}
	if err := a.engine.sink.MarkCompleted(a.id); err != nil {
		return fmt.Errorf("complete session: %w", err)
	}

	a.report = report
	a.status = StatusCompleted
	a.log.Info("administration completed",
		zap.Float64("full_scale", report.FullScale.Index),
		zap.Int("domains", len(report.Domains)))

	if err := a.engine.ledger.Flush(ctx); err != nil {
		a.log.Warn("exposure flush failed", zap.Error(err))
	}
	return nil
}

func (a *Administration) emit(typ domain.EventType, payload any) error {
	if _, err := a.engine.sink.AppendEvent(a.id, typ, payload); err != nil {
		return fmt.Errorf("log %s: %w", typ, err)
	}
	return nil
}
