package cat

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/chccat/internal/config"
	"github.com/pbaille/chccat/internal/domain"
	"github.com/pbaille/chccat/internal/exposure"
	"github.com/pbaille/chccat/internal/irt"
)

// fixedEstimator ignores the responses and reports a constant estimate.
type fixedEstimator struct {
	theta, se float64
}

func (f *fixedEstimator) Estimate(obs []irt.Observation, mean, sd float64) (float64, float64) {
	if len(obs) == 0 {
		return mean, sd
	}
	return f.theta, f.se
}

// pool builds n Gf items with difficulties start, start+step, ...
func pool(n int, start, step float64, family func(i int) string) []domain.Item {
	items := make([]domain.Item, n)
	for i := range items {
		items[i] = domain.Item{
			ID:     fmt.Sprintf("GF-%03d", i),
			Domain: domain.Gf,
			Family: family(i),
			Params: domain.TwoPL{A: 1.2, B: start + float64(i)*step},
		}
	}
	return items
}

func oneFamily(int) string { return "matrix_reasoning" }

func basePolicy(min, max int, se float64) config.DomainConfig {
	return config.DomainConfig{SEThreshold: se, MinItems: min, MaxItems: max}
}

func baseConfig(items []domain.Item, policy config.DomainConfig) Config {
	return Config{
		Domain:      domain.Gf,
		Items:       items,
		Policy:      policy,
		TopK:        5,
		MaxExposure: 50,
		PriorMean:   0,
		PriorSD:     1,
	}
}

func newStarted(t *testing.T, cfg Config, est Estimator, ledger ExposureLedger) *Subtest {
	t.Helper()
	s, err := New(cfg, est, ledger)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	return s
}

// drive answers every item with x until the subtest stops and returns the ids.
func drive(t *testing.T, s *Subtest, x float64) []string {
	t.Helper()
	var ids []string
	for {
		it, err := s.PickNextItem()
		require.NoError(t, err)
		if it == nil {
			return ids
		}
		ids = append(ids, it.ID)
		require.NoError(t, s.RecordResponse(domain.Response{ItemID: it.ID, X: x, RTMs: 1500}))
		if s.State() == Stopped {
			return ids
		}
	}
}

func TestNewValidatesConfig(t *testing.T) {
	items := pool(5, 0, 0.1, oneFamily)
	est := &fixedEstimator{}
	ledger := exposure.NewLedger()

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative SE threshold", func(c *Config) { c.Policy.SEThreshold = -0.1 }},
		{"zero max items", func(c *Config) { c.Policy.MaxItems = 0 }},
		{"min above max", func(c *Config) { c.Policy.MinItems = 9 }},
		{"top K zero", func(c *Config) { c.TopK = 0 }},
		{"exposure cap zero", func(c *Config) { c.MaxExposure = 0 }},
		{"prior SD zero", func(c *Config) { c.PriorSD = 0 }},
		{"unknown domain", func(c *Config) { c.Domain = "Gz" }},
		{"foreign item", func(c *Config) { c.Items = append(c.Items, domain.Item{ID: "GQ-1", Domain: domain.Gq, Params: domain.TwoPL{A: 1}}) }},
		{"item without params", func(c *Config) { c.Items = append(c.Items, domain.Item{ID: "GF-X", Domain: domain.Gf}) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig(items, basePolicy(2, 5, 0.3))
			tt.mutate(&cfg)
			_, err := New(cfg, est, ledger)
			assert.Error(t, err)
		})
	}

	_, err := New(baseConfig(items, basePolicy(2, 5, 0.3)), nil, ledger)
	assert.Error(t, err)
}

func TestStateTransitions(t *testing.T) {
	s, err := New(baseConfig(pool(10, -1, 0.2, oneFamily), basePolicy(2, 3, 0.3)), &fixedEstimator{se: 0.9}, exposure.NewLedger())
	require.NoError(t, err)
	assert.Equal(t, NotStarted, s.State())

	_, err = s.PickNextItem()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.Start())
	assert.Equal(t, Selecting, s.State())
	assert.ErrorIs(t, s.Start(), ErrInvalidState)

	it, err := s.PickNextItem()
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, AwaitingResponse, s.State())
	assert.Equal(t, it.ID, s.Pending().ID)

	_, err = s.PickNextItem()
	assert.ErrorIs(t, err, ErrInvalidState, "one item in flight at a time")

	err = s.RecordResponse(domain.Response{ItemID: "someone-else", X: 1})
	assert.ErrorIs(t, err, ErrUnexpectedItem)
	assert.Error(t, s.RecordResponse(domain.Response{ItemID: it.ID, X: 2}))
	assert.Equal(t, AwaitingResponse, s.State(), "rejected responses leave state untouched")

	require.NoError(t, s.RecordResponse(domain.Response{ItemID: it.ID, X: 1}))
	assert.Equal(t, Selecting, s.State())
	assert.Nil(t, s.Pending())

	_, err = s.Summary()
	assert.ErrorIs(t, err, ErrNotStopped)

	drive(t, s, 0)
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, StopMaxItems, s.StopReason())

	sum, err := s.Summary()
	require.NoError(t, err)
	assert.Equal(t, 3, sum.Items)
	assert.Len(t, sum.Responses, 3)
	assert.Equal(t, domain.Gf, sum.Domain)
}

func TestPickNextItemRanksByDistance(t *testing.T) {
	items := []domain.Item{
		{ID: "far", Domain: domain.Gf, Family: "f", Params: domain.TwoPL{A: 1, B: 2}},
		{ID: "near", Domain: domain.Gf, Family: "f", Params: domain.TwoPL{A: 1, B: 0.1}},
		{ID: "tied-more-exposed", Domain: domain.Gf, Family: "f", Params: domain.TwoPL{A: 1, B: -0.3}},
		{ID: "tied", Domain: domain.Gf, Family: "f", Params: domain.TwoPL{A: 1, B: 0.3}},
	}
	ledger := exposure.NewLedger()
	ledger.Record("tied-more-exposed")

	est := &fixedEstimator{theta: 0, se: 0.9}
	s := newStarted(t, baseConfig(items, basePolicy(0, 4, 0.3)), est, ledger)

	ids := drive(t, s, 1)
	assert.Equal(t, []string{"near", "tied", "tied-more-exposed", "far"}, ids)
}

func TestPickNextItemHonorsFilters(t *testing.T) {
	items := pool(20, -2, 0.2, oneFamily)
	cfg := baseConfig(items, basePolicy(5, 10, 0))
	cfg.Excluded = []string{"GF-010", "GF-011"}
	cfg.Allowed = []string{"GF-005", "GF-006", "GF-008", "GF-009", "GF-010", "GF-011", "GF-012", "GF-013", "GF-014", "GF-015"}

	ledger := exposure.NewLedger()
	s := newStarted(t, cfg, irtEstimator(t), ledger)
	ids := drive(t, s, 1)

	seen := map[string]bool{}
	for _, id := range ids {
		assert.False(t, seen[id], "item %s administered twice", id)
		seen[id] = true
		assert.NotContains(t, cfg.Excluded, id)
		assert.Contains(t, cfg.Allowed, id)
	}
	assert.Len(t, ids, 8, "pool of eight eligible items runs dry after the minimum")
	assert.Equal(t, StopExhausted, s.StopReason())
}

func TestPickNextItemStopsAtMaxItems(t *testing.T) {
	s := newStarted(t, baseConfig(pool(30, -2, 0.1, oneFamily), basePolicy(4, 7, 0)), irtEstimator(t), exposure.NewLedger())

	ids := drive(t, s, 1)
	assert.Len(t, ids, 7)
	assert.True(t, s.ShouldStop())

	assert.Equal(t, Stopped, s.State())
	_, err := s.PickNextItem()
	assert.ErrorIs(t, err, ErrInvalidState, "a stopped subtest hands out no more items")
}

func TestPoolExhaustedBeforeMinimum(t *testing.T) {
	cfg := baseConfig(pool(3, 0, 0.1, oneFamily), basePolicy(5, 10, 0.3))
	s := newStarted(t, cfg, &fixedEstimator{se: 0.9}, exposure.NewLedger())
	assert.NotEmpty(t, s.Feasibility())

	for i := 0; i < 3; i++ {
		it, err := s.PickNextItem()
		require.NoError(t, err)
		require.NoError(t, s.RecordResponse(domain.Response{ItemID: it.ID, X: 1}))
	}
	it, err := s.PickNextItem()
	assert.Nil(t, it)
	assert.True(t, errors.Is(err, ErrPoolExhausted))
}

func TestShouldStopBoundaries(t *testing.T) {
	t.Run("precise but below minimum", func(t *testing.T) {
		s := newStarted(t, baseConfig(pool(20, 0, 0.1, oneFamily), basePolicy(3, 6, 0.3)), &fixedEstimator{se: 0.1}, exposure.NewLedger())
		for i := 0; i < 2; i++ {
			it, err := s.PickNextItem()
			require.NoError(t, err)
			require.NoError(t, s.RecordResponse(domain.Response{ItemID: it.ID, X: 1}))
		}
		assert.False(t, s.ShouldStop(), "items == min-1 with SE below threshold")

		it, err := s.PickNextItem()
		require.NoError(t, err)
		require.NoError(t, s.RecordResponse(domain.Response{ItemID: it.ID, X: 1}))
		assert.True(t, s.ShouldStop(), "items == min with SE below threshold")
		assert.Equal(t, StopPrecision, s.StopReason())
	})

	t.Run("imprecise at maximum", func(t *testing.T) {
		s := newStarted(t, baseConfig(pool(20, 0, 0.1, oneFamily), basePolicy(3, 6, 0.3)), &fixedEstimator{se: 0.9}, exposure.NewLedger())
		for i := 0; i < 5; i++ {
			it, err := s.PickNextItem()
			require.NoError(t, err)
			require.NoError(t, s.RecordResponse(domain.Response{ItemID: it.ID, X: 0}))
			assert.False(t, s.ShouldStop(), "after %d items", i+1)
		}
		it, err := s.PickNextItem()
		require.NoError(t, err)
		require.NoError(t, s.RecordResponse(domain.Response{ItemID: it.ID, X: 0}))
		assert.True(t, s.ShouldStop(), "items == max with SE above threshold")
		assert.Equal(t, StopMaxItems, s.StopReason())
	})

	t.Run("SE exactly at threshold", func(t *testing.T) {
		s := newStarted(t, baseConfig(pool(20, 0, 0.1, oneFamily), basePolicy(1, 6, 0.3)), &fixedEstimator{se: 0.3}, exposure.NewLedger())
		it, err := s.PickNextItem()
		require.NoError(t, err)
		require.NoError(t, s.RecordResponse(domain.Response{ItemID: it.ID, X: 1}))
		assert.True(t, s.ShouldStop())
	})
}

func TestRecordResponseUpdatesExposureOncePerAdministration(t *testing.T) {
	ledger := exposure.NewLedger()
	s := newStarted(t, baseConfig(pool(10, 0, 0.1, oneFamily), basePolicy(1, 5, 0)), irtEstimator(t), ledger)

	it, err := s.PickNextItem()
	require.NoError(t, err)
	assert.Empty(t, ledger.Snapshot(), "considering candidates records nothing")

	require.NoError(t, s.RecordResponse(domain.Response{ItemID: it.ID, X: 1}))
	assert.Equal(t, map[string]int{it.ID: 1}, ledger.Snapshot())
}

func TestExposureSoftExclusion(t *testing.T) {
	items := pool(5, 0, 0.1, oneFamily)
	cfg := baseConfig(items, basePolicy(0, 5, 0.3))
	cfg.MaxExposure = 2

	t.Run("skips over-exposed closest item", func(t *testing.T) {
		ledger := exposure.NewLedger()
		ledger.Record("GF-000")
		ledger.Record("GF-000")

		s := newStarted(t, cfg, &fixedEstimator{se: 0.9}, ledger)
		it, err := s.PickNextItem()
		require.NoError(t, err)
		assert.Equal(t, "GF-001", it.ID)
	})

	t.Run("falls back to least exposed when all are over", func(t *testing.T) {
		ledger := exposure.NewLedger()
		for _, it := range items {
			for i := 0; i < 3; i++ {
				ledger.Record(it.ID)
			}
		}
		ledger.Record("GF-000")
		ledger.Record("GF-001")

		s := newStarted(t, cfg, &fixedEstimator{se: 0.9}, ledger)
		it, err := s.PickNextItem()
		require.NoError(t, err)
		assert.Equal(t, "GF-002", it.ID)
	})
}

func TestAnchorMiniBlock(t *testing.T) {
	items := pool(10, 0, 0.05, oneFamily)
	// anchors sit far from theta so they are never picked on distance alone
	for i := 0; i < 4; i++ {
		items = append(items, domain.Item{
			ID:     fmt.Sprintf("GF-A%d", i),
			Domain: domain.Gf,
			Family: "matrix_reasoning",
			Params: domain.TwoPL{A: 1, B: 3 + float64(i)*0.1},
		})
	}
	policy := basePolicy(6, 6, 0.3)
	policy.AnchorMiniBlock = 2
	policy.Anchor = config.AnchorPolicy{TargetProp: 0.3, MinAnchors: 1, MaxAnchors: 3, AvoidFirstTwo: true}

	cfg := baseConfig(items, policy)
	cfg.Anchors = []string{"GF-A0", "GF-A1", "GF-A2", "GF-A3"}

	s := newStarted(t, cfg, &fixedEstimator{theta: 0, se: 0.9}, exposure.NewLedger())
	ids := drive(t, s, 1)

	require.Len(t, ids, 6)
	var pattern []bool
	for _, id := range ids {
		pattern = append(pattern, s.IsAnchor(id))
	}
	assert.Equal(t, []bool{false, false, true, true, false, false}, pattern)

	sum, err := s.Summary()
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Anchors)
	assert.Empty(t, sum.PolicyViolations)
}

func TestAnchorMinimumCatchUp(t *testing.T) {
	items := pool(10, 0, 0.05, oneFamily)
	items = append(items, domain.Item{ID: "GF-A0", Domain: domain.Gf, Family: "matrix_reasoning", Params: domain.TwoPL{A: 1, B: 3}})

	policy := basePolicy(4, 4, 0.3)
	policy.Anchor = config.AnchorPolicy{MinAnchors: 1, MaxAnchors: 2}

	cfg := baseConfig(items, policy)
	cfg.Anchors = []string{"GF-A0"}

	s := newStarted(t, cfg, &fixedEstimator{theta: 0, se: 0.9}, exposure.NewLedger())
	ids := drive(t, s, 1)
	require.Len(t, ids, 4)
	assert.Equal(t, "GF-A0", ids[3], "last slot is forced to an anchor to meet the minimum")
}

func TestAnchorShortfallIsRecordedNotFatal(t *testing.T) {
	items := pool(6, 0, 0.05, oneFamily)
	policy := basePolicy(3, 3, 0.3)
	policy.Anchor = config.AnchorPolicy{MinAnchors: 2, MaxAnchors: 3}

	cfg := baseConfig(items, policy)
	cfg.Anchors = []string{"GF-005"}
	cfg.Excluded = []string{"GF-005"}

	s := newStarted(t, cfg, &fixedEstimator{se: 0.9}, exposure.NewLedger())
	assert.NotEmpty(t, s.Feasibility())
	drive(t, s, 1)

	sum, err := s.Summary()
	require.NoError(t, err)
	require.Len(t, sum.PolicyViolations, 1)
	assert.Contains(t, sum.PolicyViolations[0], "anchor")
}

func TestFamilyBalance(t *testing.T) {
	family := func(i int) string {
		if i%2 == 0 {
			return "matrix_reasoning"
		}
		return "series_completion"
	}
	// matrix items cluster near theta, series items sit a little further away
	items := make([]domain.Item, 0, 12)
	for i := 0; i < 12; i++ {
		b := float64(i) * 0.01
		if family(i) == "series_completion" {
			b += 0.5
		}
		items = append(items, domain.Item{
			ID:     fmt.Sprintf("GF-%03d", i),
			Domain: domain.Gf,
			Family: family(i),
			Params: domain.TwoPL{A: 1, B: b},
		})
	}
	policy := basePolicy(6, 6, 0.3)
	policy.FamilyTargets = map[string]float64{"matrix_reasoning": 0.5, "series_completion": 0.5}

	cfg := baseConfig(items, policy)
	cfg.TopK = 12

	s := newStarted(t, cfg, &fixedEstimator{theta: 0, se: 0.9}, exposure.NewLedger())
	ids := drive(t, s, 1)

	counts := map[string]int{}
	byID := map[string]domain.Item{}
	for _, it := range items {
		byID[it.ID] = it
	}
	for _, id := range ids {
		counts[byID[id].Family]++
	}
	assert.Equal(t, 3, counts["matrix_reasoning"])
	assert.Equal(t, 3, counts["series_completion"])

	sum, err := s.Summary()
	require.NoError(t, err)
	assert.Empty(t, sum.PolicyViolations)
}

func TestSelectionIsReproducible(t *testing.T) {
	items := pool(40, -2, 0.1, func(i int) string {
		if i%3 == 0 {
			return "series_completion"
		}
		return "matrix_reasoning"
	})
	policy := basePolicy(10, 18, 0.3)
	policy.FamilyTargets = map[string]float64{"matrix_reasoning": 0.55, "series_completion": 0.45}
	answers := []float64{1, 1, 0, 1, 0, 0, 1, 1, 1, 0, 1, 0, 0, 1, 1, 0, 1, 0}

	run := func() ([]string, float64, float64) {
		s := newStarted(t, baseConfig(items, policy), irtEstimator(t), exposure.NewLedger())
		var ids []string
		for i := 0; ; i++ {
			it, err := s.PickNextItem()
			require.NoError(t, err)
			if it == nil {
				break
			}
			ids = append(ids, it.ID)
			require.NoError(t, s.RecordResponse(domain.Response{ItemID: it.ID, X: answers[i]}))
			if s.State() == Stopped {
				break
			}
		}
		return ids, s.Theta(), s.SE()
	}

	ids1, theta1, se1 := run()
	ids2, theta2, se2 := run()
	assert.Equal(t, ids1, ids2)
	assert.Equal(t, theta1, theta2)
	assert.Equal(t, se1, se2)
}

func TestCancelKeepsExposure(t *testing.T) {
	ledger := exposure.NewLedger()
	s := newStarted(t, baseConfig(pool(10, 0, 0.1, oneFamily), basePolicy(5, 8, 0.3)), &fixedEstimator{se: 0.9}, ledger)

	it, err := s.PickNextItem()
	require.NoError(t, err)
	require.NoError(t, s.RecordResponse(domain.Response{ItemID: it.ID, X: 1}))
	_, err = s.PickNextItem()
	require.NoError(t, err)

	s.Cancel()
	assert.Equal(t, Stopped, s.State())
	assert.Equal(t, StopCancelled, s.StopReason())
	assert.Equal(t, 0, s.Administered())
	assert.Equal(t, 1, ledger.Count(it.ID), "cancelling never rolls back exposure")

	_, err = s.Summary()
	assert.ErrorIs(t, err, ErrCancelled)
}

func irtEstimator(t *testing.T) *irt.Estimator {
	t.Helper()
	e, err := irt.NewEstimator(-4, 4, 0.1)
	require.NoError(t, err)
	return e
}
