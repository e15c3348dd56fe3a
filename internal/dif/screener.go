// Package dif screens items for differential functioning with the
// Mantel-Haenszel common odds ratio. It is a screening signal only;
// it never excludes items itself.
package dif

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"go.uber.org/zap"

	"github.com/pbaille/chccat/internal/domain"
	"github.com/pbaille/chccat/internal/logging"
)

// Defaults follow the ETS conventions.
const (
	DefaultStrata         = 10
	DefaultMinRespondents = 60
	DefaultFlagThreshold  = 1.5
	deltaScale            = 2.35
)

var ErrTooFewStrata = errors.New("DIF needs at least two score strata")

// Row is one scored response of one person from a completed session.
type Row struct {
	PersonID string
	ItemID   string
	Domain   domain.Domain
	X        float64
	Groups   map[string]string
}

// Correct scores the row dichotomously.
func (r Row) Correct() bool {
	return r.X >= 0.5
}

// Filter selects the rows of one comparison group.
type Filter func(Row) bool

// GroupIs matches rows whose group key equals level, ignoring case and
// surrounding space.
func GroupIs(key, level string) Filter {
	level = NormalizeLevel(level)
	return func(r Row) bool { return level != "" && NormalizeLevel(r.Groups[key]) == level }
}

// Input is one screening run.
type Input struct {
	Rows        []Row
	Strata      int
	RefFilter   Filter
	FocalFilter Filter
}

// Stratum is the 2x2 table of one item within one score stratum:
// A reference correct, B reference incorrect, C focal correct, D focal incorrect.
type Stratum struct {
	A, B, C, D int
}

// N is the total count of the stratum.
func (s Stratum) N() int {
	return s.A + s.B + s.C + s.D
}

// ItemResult is the screening statistic of one item.
type ItemResult struct {
	ItemID  string  `json:"itemId"`
	Alpha   float64 `json:"alpha"`
	DeltaMH float64 `json:"deltaMH"`
	Flag    bool    `json:"flag"`
	NRef    int     `json:"nRef"`
	NFocal  int     `json:"nFocal"`
}

// Result is a whole screening run, ranked by descending |DeltaMH|.
type Result struct {
	Items        []ItemResult `json:"items"`
	NRef         int          `json:"nRef"`
	NFocal       int          `json:"nFocal"`
	Insufficient bool         `json:"insufficient"`
	Note         string       `json:"note"`
}

// Flagged counts the flagged items.
func (r *Result) Flagged() int {
	var n int
	for _, it := range r.Items {
		if it.Flag {
			n++
		}
	}
	return n
}

// Screener runs Mantel-Haenszel DIF screens.
type Screener struct {
	minRespondents int
	flagThreshold  float64
	log            *zap.Logger
}

type Option func(*Screener)

func WithMinRespondents(n int) Option { return func(s *Screener) { s.minRespondents = n } }

func WithFlagThreshold(t float64) Option { return func(s *Screener) { s.flagThreshold = t } }

func WithLogger(log *zap.Logger) Option { return func(s *Screener) { s.log = log } }

func New(opts ...Option) *Screener {
	s := &Screener{
		minRespondents: DefaultMinRespondents,
		flagThreshold:  DefaultFlagThreshold,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrNop(s.log)
	return s
}

type person struct {
	total int
	ref   bool
	rows  []Row
}

// Run screens every item in the rows. Too few tagged respondents yields a
// result marked Insufficient rather than an error.
func (s *Screener) Run(in Input) (*Result, error) {
	if in.Strata < 2 {
		return nil, fmt.Errorf("%w: got %d", ErrTooFewStrata, in.Strata)
	}
	if in.RefFilter == nil || in.FocalFilter == nil {
		return nil, errors.New("reference and focal filters are required")
	}

	people, order := s.tag(in)
	res := &Result{}
	for _, p := range people {
		if p.ref {
			res.NRef++
		} else {
			res.NFocal++
		}
	}

	switch {
	case len(people) < s.minRespondents:
		res.Insufficient = true
		res.Note = fmt.Sprintf("%d tagged respondents, need at least %d", len(people), s.minRespondents)
	case res.NRef == 0 || res.NFocal == 0:
		res.Insufficient = true
		res.Note = "both reference and focal groups need respondents"
	}
	if res.Insufficient {
		s.log.Info("DIF screen skipped", zap.String("reason", res.Note))
		return res, nil
	}

	cuts := cutPoints(people, in.Strata)
	tables := make(map[string][]Stratum)
	var items []string
	for _, id := range order {
		p := people[id]
		k := stratum(p.total, cuts)
		for _, r := range p.rows {
			st, ok := tables[r.ItemID]
			if !ok {
				st = make([]Stratum, in.Strata)
				tables[r.ItemID] = st
				items = append(items, r.ItemID)
			}
			switch {
			case p.ref && r.Correct():
				st[k].A++
			case p.ref:
				st[k].B++
			case r.Correct():
				st[k].C++
			default:
				st[k].D++
			}
		}
	}

	for _, id := range items {
		alpha, ok := MantelHaenszel(tables[id])
		if !ok {
			continue
		}
		delta := Delta(alpha)
		ir := ItemResult{
			ItemID:  id,
			Alpha:   alpha,
			DeltaMH: delta,
			Flag:    math.Abs(delta) >= s.flagThreshold,
		}
		for _, t := range tables[id] {
			ir.NRef += t.A + t.B
			ir.NFocal += t.C + t.D
		}
		res.Items = append(res.Items, ir)
	}

	sort.SliceStable(res.Items, func(i, j int) bool {
		a, b := math.Abs(res.Items[i].DeltaMH), math.Abs(res.Items[j].DeltaMH)
		if a != b {
			return a > b
		}
		return res.Items[i].ItemID < res.Items[j].ItemID
	})
	res.Note = fmt.Sprintf("%d items screened, %d flagged", len(res.Items), res.Flagged())

	s.log.Info("DIF screen complete",
		zap.Int("n_ref", res.NRef),
		zap.Int("n_focal", res.NFocal),
		zap.Int("items", len(res.Items)),
		zap.Int("flagged", res.Flagged()))
	return res, nil
}

// tag groups rows by person and keeps the people either filter matches.
// A person matched by both filters counts as reference.
func (s *Screener) tag(in Input) (map[string]*person, []string) {
	people := make(map[string]*person)
	var order []string
	for _, r := range in.Rows {
		p, ok := people[r.PersonID]
		if !ok {
			p = &person{}
			people[r.PersonID] = p
			order = append(order, r.PersonID)
		}
		p.rows = append(p.rows, r)
		if r.Correct() {
			p.total++
		}
	}

	tagged := make(map[string]*person, len(people))
	var kept []string
	for _, id := range order {
		p := people[id]
		var isRef, isFocal bool
		for _, r := range p.rows {
			isRef = isRef || in.RefFilter(r)
			isFocal = isFocal || in.FocalFilter(r)
		}
		if !isRef && !isFocal {
			continue
		}
		p.ref = isRef
		tagged[id] = p
		kept = append(kept, id)
	}
	return tagged, kept
}

// cutPoints are the k/strata quantiles of the pooled person totals.
func cutPoints(people map[string]*person, strata int) []int {
	totals := make([]int, 0, len(people))
	for _, p := range people {
		totals = append(totals, p.total)
	}
	sort.Ints(totals)

	cuts := make([]int, strata-1)
	for k := 1; k < strata; k++ {
		q := float64(k) / float64(strata)
		cuts[k-1] = totals[int(math.Floor(q*float64(len(totals)-1)))]
	}
	return cuts
}

// stratum is the number of cut points strictly below total.
func stratum(total int, cuts []int) int {
	var k int
	for _, c := range cuts {
		if total > c {
			k++
		}
	}
	return k
}

// MantelHaenszel returns the common odds ratio over the non-empty strata.
// ok is false when either sum is not positive.
func MantelHaenszel(strata []Stratum) (alpha float64, ok bool) {
	var num, den float64
	for _, t := range strata {
		n := float64(t.N())
		if n <= 0 {
			continue
		}
		num += float64(t.A*t.D) / n
		den += float64(t.B*t.C) / n
	}
	if num <= 0 || den <= 0 {
		return 0, false
	}
	return num / den, true
}

// Delta maps a common odds ratio onto the ETS delta scale, -2.35 ln(alpha).
// Negative values favor the reference group.
func Delta(alpha float64) float64 {
	return deltaScale * math.Log(1/alpha)
}
