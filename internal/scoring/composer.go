// Package scoring turns domain summaries into the final score report.
package scoring

import (
	"errors"
	"math"
	"time"

	"github.com/pbaille/chccat/internal/domain"
	"github.com/pbaille/chccat/internal/metrics"
)

// z95 is the two-sided 95% normal quantile.
const z95 = 1.96

var ErrNoSummaries = errors.New("no domain summaries to score")

// Input is everything a report is built from.
type Input struct {
	AgeYears  float64
	Summaries []domain.DomainSummary
	Integrity domain.Integrity
}

// Composer converts theta estimates onto the reporting metric.
type Composer struct {
	mean, sd float64
	now      func() time.Time
	metrics  *metrics.Metrics
}

type Option func(*Composer)

// WithClock fixes the generation timestamp source.
func WithClock(now func() time.Time) Option { return func(c *Composer) { c.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Composer) { c.metrics = m } }

// WithMetric overrides the default mean-100 SD-15 index metric.
func WithMetric(mean, sd float64) Option {
	return func(c *Composer) { c.mean, c.sd = mean, sd }
}

func NewComposer(opts ...Option) *Composer {
	c := &Composer{mean: 100, sd: 15, now: time.Now}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BuildReport scores each domain and the full-scale composite.
//
// The composite is the unweighted mean of the domain thetas, with its SE
// taken as sqrt(sum SE^2)/n. Both assume equally weighted, independent
// domains; inter-domain correlation is not modelled.
// TODO: accept per-domain composite weights once a weighting scheme is calibrated.
func (c *Composer) BuildReport(in Input) (*domain.Report, error) {
	if len(in.Summaries) == 0 {
		return nil, ErrNoSummaries
	}

	report := &domain.Report{
		Meta: domain.ReportMeta{
			AgeYears:    in.AgeYears,
			GeneratedAt: c.now().UTC().Format(time.RFC3339),
		},
		Domains:   make([]domain.DomainScore, 0, len(in.Summaries)),
		Integrity: in.Integrity,
	}

	var thetaSum, varSum float64
	for _, s := range in.Summaries {
		report.Domains = append(report.Domains, domain.DomainScore{
			Domain: s.Domain,
			Items:  s.Items,
			Theta:  s.Theta,
			SE:     s.SE,
			Score:  c.score(s.Theta, s.SE),
		})
		thetaSum += s.Theta
		varSum += s.SE * s.SE
	}

	n := float64(len(in.Summaries))
	report.FullScale = c.score(thetaSum/n, math.Sqrt(varSum)/n)

	c.metrics.IncrementReports()
	return report, nil
}

func (c *Composer) score(theta, se float64) domain.Score {
	return domain.Score{
		Index:      c.index(theta),
		Percentile: 100 * NormalCDF(theta),
		CI95: domain.Interval{
			Lo: c.index(theta - z95*se),
			Hi: c.index(theta + z95*se),
		},
	}
}

func (c *Composer) index(theta float64) float64 {
	return c.mean + c.sd*theta
}

// NormalCDF is the standard normal cumulative distribution function.
func NormalCDF(x float64) float64 {
	return 0.5 * math.Erfc(-x/math.Sqrt2)
}
