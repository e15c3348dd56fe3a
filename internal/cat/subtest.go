// Package cat runs one adaptive subtest per domain.
package cat

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/pbaille/chccat/internal/config"
	"github.com/pbaille/chccat/internal/domain"
	"github.com/pbaille/chccat/internal/irt"
	"github.com/pbaille/chccat/internal/logging"
	"github.com/pbaille/chccat/internal/metrics"
)

var (
	ErrPoolExhausted  = errors.New("item pool exhausted before minimum item count")
	ErrInvalidState   = errors.New("invalid subtest state")
	ErrNotStopped     = errors.New("subtest has not stopped")
	ErrCancelled      = errors.New("subtest was cancelled")
	ErrUnexpectedItem = errors.New("response does not match the pending item")
	ErrBadOutcome     = errors.New("outcome outside [0,1]")
)

// State is the lifecycle position of a subtest.
type State int

const (
	NotStarted State = iota
	Selecting
	AwaitingResponse
	Scoring
	Stopped
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Selecting:
		return "selecting"
	case AwaitingResponse:
		return "awaiting_response"
	case Scoring:
		return "scoring"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Stop reasons reported to metrics and logs.
const (
	StopPrecision = "precision"
	StopMaxItems  = "max_items"
	StopExhausted = "exhausted"
	StopCancelled = "cancelled"
)

// Estimator turns a response history into an ability estimate.
type Estimator interface {
	Estimate(obs []irt.Observation, priorMean, priorSD float64) (theta, se float64)
}

// ExposureLedger is the shared exposure store consulted by selection.
type ExposureLedger interface {
	Count(itemID string) int
	Record(itemID string)
	IsOverExposed(itemID string, cap int) bool
}

// Config describes one subtest administration.
type Config struct {
	Domain      domain.Domain
	Items       []domain.Item
	Policy      config.DomainConfig
	TopK        int
	MaxExposure int
	PriorMean   float64
	PriorSD     float64

	// Allowed is the form's allow-list; nil admits the whole pool.
	Allowed  []string
	Excluded []string
	Anchors  []string
}

// Subtest is the per-domain adaptive state machine. It is not safe for
// concurrent use; only the ledger is shared between subtests.
type Subtest struct {
	cfg       Config
	estimator Estimator
	ledger    ExposureLedger
	log       *zap.Logger
	metrics   *metrics.Metrics

	allowed  map[string]bool
	excluded map[string]bool
	anchors  map[string]bool
	byID     map[string]domain.Item

	state        State
	history      []domain.Response
	pending      *domain.Item
	theta, se    float64
	administered map[string]bool
	families     map[string]int
	anchorsUsed  int
	anchorRun    int
	violations   []string
	stopReason   string
	cancelled    bool
}

// Option configures a Subtest.
type Option func(*Subtest)

func WithLogger(log *zap.Logger) Option { return func(s *Subtest) { s.log = log } }

func WithMetrics(m *metrics.Metrics) Option { return func(s *Subtest) { s.metrics = m } }

// New validates the configuration and builds a subtest in NotStarted.
func New(cfg Config, est Estimator, ledger ExposureLedger, opts ...Option) (*Subtest, error) {
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("subtest %s: %w", cfg.Domain, err)
	}
	if est == nil || ledger == nil {
		return nil, fmt.Errorf("subtest %s: estimator and ledger are required", cfg.Domain)
	}

	s := &Subtest{
		cfg:       cfg,
		estimator: est,
		ledger:    ledger,
		excluded:  toSet(cfg.Excluded),
		anchors:   toSet(cfg.Anchors),
		byID:      make(map[string]domain.Item, len(cfg.Items)),
		state:     NotStarted,
		theta:     cfg.PriorMean,
		se:        cfg.PriorSD,
	}
	if cfg.Allowed != nil {
		s.allowed = toSet(cfg.Allowed)
	}
	for _, it := range cfg.Items {
		s.byID[it.ID] = it
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrNop(s.log).With(zap.String("domain", string(cfg.Domain)))
	return s, nil
}

func validateConfig(cfg Config) error {
	p := cfg.Policy
	switch {
	case !cfg.Domain.Valid():
		return fmt.Errorf("unknown domain %q", cfg.Domain)
	case p.SEThreshold < 0:
		return fmt.Errorf("negative SE threshold %v", p.SEThreshold)
	case p.MaxItems <= 0:
		return fmt.Errorf("max items must be positive, got %d", p.MaxItems)
	case p.MinItems < 0 || p.MinItems > p.MaxItems:
		return fmt.Errorf("min items %d outside [0, %d]", p.MinItems, p.MaxItems)
	case cfg.TopK < 1:
		return fmt.Errorf("top K must be at least 1, got %d", cfg.TopK)
	case cfg.MaxExposure < 1:
		return fmt.Errorf("exposure cap must be at least 1, got %d", cfg.MaxExposure)
	case cfg.PriorSD <= 0:
		return fmt.Errorf("prior SD must be positive, got %v", cfg.PriorSD)
	case p.Anchor.MinAnchors > p.Anchor.MaxAnchors:
		return fmt.Errorf("min anchors %d above max %d", p.Anchor.MinAnchors, p.Anchor.MaxAnchors)
	}
	for _, it := range cfg.Items {
		if it.Domain != cfg.Domain {
			return fmt.Errorf("item %s belongs to %s", it.ID, it.Domain)
		}
		if it.Params == nil {
			return fmt.Errorf("item %s has no model parameters", it.ID)
		}
	}
	return nil
}

// Feasibility lists the ways the eligible pool cannot meet the policy.
// An empty result means the pool can in principle satisfy every constraint.
func (s *Subtest) Feasibility() []string {
	var eligible, anchors int
	families := make(map[string]int)
	for _, it := range s.cfg.Items {
		if !s.eligible(it) {
			continue
		}
		eligible++
		families[it.Family]++
		if s.anchors[it.ID] {
			anchors++
		}
	}

	var notes []string
	if eligible < s.cfg.Policy.MinItems {
		notes = append(notes, fmt.Sprintf("pool has %d eligible items, minimum is %d", eligible, s.cfg.Policy.MinItems))
	}
	if len(s.anchors) > 0 && anchors < s.cfg.Policy.Anchor.MinAnchors {
		notes = append(notes, fmt.Sprintf("pool has %d eligible anchors, minimum is %d", anchors, s.cfg.Policy.Anchor.MinAnchors))
	}
	for _, fam := range sortedKeys(s.cfg.Policy.FamilyTargets) {
		if s.cfg.Policy.FamilyTargets[fam] > 0 && families[fam] == 0 {
			notes = append(notes, fmt.Sprintf("no eligible items in family %s", fam))
		}
	}
	return notes
}

// Start moves the subtest to Selecting with an empty history.
func (s *Subtest) Start() error {
	if s.state != NotStarted {
		return fmt.Errorf("start in %s: %w", s.state, ErrInvalidState)
	}
	s.history = nil
	s.administered = make(map[string]bool)
	s.families = make(map[string]int)
	s.anchorsUsed, s.anchorRun = 0, 0
	s.theta, s.se = s.cfg.PriorMean, s.cfg.PriorSD
	s.state = Selecting
	return nil
}

// PickNextItem chooses the next item and waits for its response.
// It returns nil when the subtest is finished. Running out of eligible items
// before the minimum item count is a configuration error: ErrPoolExhausted.
func (s *Subtest) PickNextItem() (*domain.Item, error) {
	if s.state != Selecting {
		return nil, fmt.Errorf("pick in %s: %w", s.state, ErrInvalidState)
	}

	n := len(s.history)
	if n >= s.cfg.Policy.MaxItems {
		s.finish(StopMaxItems)
		return nil, nil
	}

	cands := s.candidates()
	if len(cands) == 0 {
		if n < s.cfg.Policy.MinItems {
			s.log.Error("item pool exhausted", zap.Int("administered", n), zap.Int("min_items", s.cfg.Policy.MinItems))
			return nil, fmt.Errorf("%s after %d items: %w", s.cfg.Domain, n, ErrPoolExhausted)
		}
		s.finish(StopExhausted)
		return nil, nil
	}

	picked := s.selectItem(cands)
	it := picked.item
	s.pending = &it
	s.state = AwaitingResponse

	s.log.Debug("item selected",
		zap.String("item", it.ID),
		zap.Int("position", n+1),
		zap.Float64("theta", s.theta),
		zap.Float64("distance", picked.distance),
		zap.Bool("anchor", picked.anchor))
	return &it, nil
}

// RecordResponse scores the response to the pending item, records the
// administration in the exposure ledger and re-estimates ability.
func (s *Subtest) RecordResponse(r domain.Response) error {
	if s.state != AwaitingResponse || s.pending == nil {
		return fmt.Errorf("record in %s: %w", s.state, ErrInvalidState)
	}
	if r.ItemID != s.pending.ID {
		return fmt.Errorf("got %q, want %q: %w", r.ItemID, s.pending.ID, ErrUnexpectedItem)
	}
	if r.X < 0 || r.X > 1 || math.IsNaN(r.X) {
		return fmt.Errorf("%s: %v: %w", r.ItemID, r.X, ErrBadOutcome)
	}

	it := *s.pending
	s.state = Scoring
	s.pending = nil

	s.history = append(s.history, r)
	s.administered[it.ID] = true
	s.families[it.Family]++
	if s.anchors[it.ID] {
		s.anchorsUsed++
		s.anchorRun++
	} else {
		s.anchorRun = 0
	}
	s.ledger.Record(it.ID)
	s.metrics.IncrementAdministered(string(s.cfg.Domain))

	s.theta, s.se = s.estimator.Estimate(s.observations(), s.cfg.PriorMean, s.cfg.PriorSD)

	if s.ShouldStop() {
		reason := StopPrecision
		if len(s.history) >= s.cfg.Policy.MaxItems {
			reason = StopMaxItems
		}
		s.finish(reason)
		return nil
	}
	s.state = Selecting
	return nil
}

// ShouldStop reports whether the estimate is precise enough after the
// minimum item count, or the maximum item count has been reached.
func (s *Subtest) ShouldStop() bool {
	n := len(s.history)
	p := s.cfg.Policy
	return (s.se <= p.SEThreshold && n >= p.MinItems) || n >= p.MaxItems
}

// IsAnchor reports whether itemID is a designated anchor of this form.
func (s *Subtest) IsAnchor(itemID string) bool {
	return s.anchors[itemID]
}

// Cancel discards the in-memory history. Exposure already recorded stays.
func (s *Subtest) Cancel() {
	s.history = nil
	s.pending = nil
	s.cancelled = true
	if s.state != Stopped {
		s.state = Stopped
		s.stopReason = StopCancelled
		s.metrics.IncrementStopped(string(s.cfg.Domain), StopCancelled)
		s.log.Info("subtest cancelled")
	}
}

// Summary snapshots a stopped subtest.
func (s *Subtest) Summary() (domain.DomainSummary, error) {
	if s.cancelled {
		return domain.DomainSummary{}, ErrCancelled
	}
	if s.state != Stopped {
		return domain.DomainSummary{}, fmt.Errorf("summary in %s: %w", s.state, ErrNotStopped)
	}
	return domain.DomainSummary{
		Domain:           s.cfg.Domain,
		Items:            len(s.history),
		Theta:            s.theta,
		SE:               s.se,
		Anchors:          s.anchorsUsed,
		PolicyViolations: append([]string(nil), s.violations...),
		Responses:        append([]domain.Response(nil), s.history...),
	}, nil
}

func (s *Subtest) Domain() domain.Domain { return s.cfg.Domain }
func (s *Subtest) State() State          { return s.state }
func (s *Subtest) Theta() float64        { return s.theta }
func (s *Subtest) SE() float64           { return s.se }
func (s *Subtest) Administered() int     { return len(s.history) }
func (s *Subtest) StopReason() string    { return s.stopReason }

// Pending returns the item awaiting a response, if any.
func (s *Subtest) Pending() *domain.Item {
	if s.pending == nil {
		return nil
	}
	it := *s.pending
	return &it
}

func (s *Subtest) observations() []irt.Observation {
	obs := make([]irt.Observation, 0, len(s.history))
	for _, r := range s.history {
		obs = append(obs, irt.Observation{Params: s.byID[r.ItemID].Params, X: r.X})
	}
	return obs
}

func (s *Subtest) finish(reason string) {
	s.state = Stopped
	s.stopReason = reason
	s.pending = nil
	s.audit()

	s.metrics.IncrementStopped(string(s.cfg.Domain), reason)
	s.log.Info("subtest stopped",
		zap.String("reason", reason),
		zap.Int("items", len(s.history)),
		zap.Float64("theta", s.theta),
		zap.Float64("se", s.se),
		zap.Int("anchors", s.anchorsUsed))
}

// familyTolerance is how far an administered family share may drift from
// its target before the end-of-subtest audit records it.
const familyTolerance = 0.15

func (s *Subtest) audit() {
	p := s.cfg.Policy
	n := len(s.history)

	if len(s.anchors) > 0 {
		if s.anchorsUsed < p.Anchor.MinAnchors {
			s.violate("anchor", fmt.Sprintf("administered %d anchors, minimum is %d", s.anchorsUsed, p.Anchor.MinAnchors))
		}
		if s.anchorsUsed > p.Anchor.MaxAnchors {
			s.violate("anchor", fmt.Sprintf("administered %d anchors, maximum is %d", s.anchorsUsed, p.Anchor.MaxAnchors))
		}
	}
	if n == 0 {
		return
	}
	for _, fam := range sortedKeys(p.FamilyTargets) {
		share := float64(s.families[fam]) / float64(n)
		if math.Abs(share-p.FamilyTargets[fam]) > familyTolerance {
			s.violate("family", fmt.Sprintf("family %s share %.2f, target %.2f", fam, share, p.FamilyTargets[fam]))
		}
	}
}

func (s *Subtest) violate(policy, msg string) {
	s.violations = append(s.violations, policy+": "+msg)
	s.metrics.IncrementPolicyViolation(string(s.cfg.Domain), policy)
	s.log.Warn("policy not met", zap.String("policy", policy), zap.String("detail", msg))
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
