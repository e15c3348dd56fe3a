package cat

import (
	"math"
	"sort"

	"github.com/pbaille/chccat/internal/domain"
)

type candidate struct {
	item     domain.Item
	order    int
	distance float64
	exposure int
	anchor   bool
}

// narrowFunc is one soft filter of the selection pipeline.
type narrowFunc func([]candidate) []candidate

// narrow applies f unless it would leave nothing to choose from.
func narrow(c []candidate, f narrowFunc) []candidate {
	if out := f(c); len(out) > 0 {
		return out
	}
	return c
}

func filter(c []candidate, keep func(candidate) bool) []candidate {
	var out []candidate
	for _, x := range c {
		if keep(x) {
			out = append(out, x)
		}
	}
	return out
}

func (s *Subtest) eligible(it domain.Item) bool {
	if s.administered[it.ID] || s.excluded[it.ID] {
		return false
	}
	return s.allowed == nil || s.allowed[it.ID]
}

// candidates returns the eligible pool ranked by closeness of difficulty to
// the current estimate, then by lower exposure, then by pool order.
func (s *Subtest) candidates() []candidate {
	var out []candidate
	for i, it := range s.cfg.Items {
		if !s.eligible(it) {
			continue
		}
		out = append(out, candidate{
			item:     it,
			order:    i,
			distance: math.Abs(s.theta - it.Params.Difficulty()),
			exposure: s.ledger.Count(it.ID),
			anchor:   s.anchors[it.ID],
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.distance != b.distance {
			return a.distance < b.distance
		}
		if a.exposure != b.exposure {
			return a.exposure < b.exposure
		}
		return a.order < b.order
	})
	return out
}

// selectItem runs the pipeline: anchor rule over the ranked pool, top-K
// shortlist, family balance, exposure soft exclusion. First survivor wins.
// The anchor rule runs before the cut, so a due anchor may come from outside
// the top K.
func (s *Subtest) selectItem(ranked []candidate) candidate {
	ranked = narrow(ranked, s.anchorRule)

	k := min(s.cfg.TopK, len(ranked))
	shortlist := ranked[:k]
	for _, f := range []narrowFunc{s.familyRule, s.exposureRule} {
		shortlist = narrow(shortlist, f)
	}
	return shortlist[0]
}

func (s *Subtest) anchorRule(c []candidate) []candidate {
	if len(s.anchors) == 0 {
		return c
	}
	if s.anchorsForbidden() {
		return filter(c, func(x candidate) bool { return !x.anchor })
	}
	if s.anchorsDue() {
		return filter(c, func(x candidate) bool { return x.anchor })
	}
	return c
}

func (s *Subtest) anchorsForbidden() bool {
	a := s.cfg.Policy.Anchor
	if a.AvoidFirstTwo && len(s.history) < 2 {
		return true
	}
	return s.anchorsUsed >= a.MaxAnchors
}

// anchorsDue reports whether the next administration must be an anchor:
// the remaining slots only just cover the minimum, or the quota is unmet and
// a mini-block of consecutive anchors is running or can start.
func (s *Subtest) anchorsDue() bool {
	p := s.cfg.Policy
	remaining := p.MaxItems - len(s.history)
	if deficit := p.Anchor.MinAnchors - s.anchorsUsed; deficit > 0 && remaining <= deficit {
		return true
	}
	if p.AnchorMiniBlock <= 0 || s.anchorsUsed >= s.anchorQuota() {
		return false
	}
	return s.anchorRun < p.AnchorMiniBlock
}

// anchorQuota is the target anchor count, bounded by the policy min and max.
func (s *Subtest) anchorQuota() int {
	a := s.cfg.Policy.Anchor
	q := int(math.Round(a.TargetProp * float64(s.cfg.Policy.MaxItems)))
	return max(a.MinAnchors, min(q, a.MaxAnchors))
}

// familyRule keeps the shortlisted family that lags its target share most.
func (s *Subtest) familyRule(c []candidate) []candidate {
	targets := s.cfg.Policy.FamilyTargets
	if len(targets) == 0 {
		return c
	}

	n := float64(len(s.history))
	fams := sortedKeys(targets)
	deficit := func(fam string) float64 {
		if n == 0 {
			return targets[fam]
		}
		return targets[fam] - float64(s.families[fam])/n
	}
	sort.SliceStable(fams, func(i, j int) bool { return deficit(fams[i]) > deficit(fams[j]) })

	for _, fam := range fams {
		if out := filter(c, func(x candidate) bool { return x.item.Family == fam }); len(out) > 0 {
			return out
		}
	}
	return c
}

// exposureRule drops over-exposed items; when all are, it keeps the least exposed.
func (s *Subtest) exposureRule(c []candidate) []candidate {
	fresh := filter(c, func(x candidate) bool {
		return !s.ledger.IsOverExposed(x.item.ID, s.cfg.MaxExposure)
	})
	if len(fresh) > 0 {
		return fresh
	}

	least := c[0].exposure
	for _, x := range c[1:] {
		least = min(least, x.exposure)
	}
	return filter(c, func(x candidate) bool { return x.exposure == least })
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
