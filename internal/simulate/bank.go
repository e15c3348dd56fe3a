package simulate

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/pbaille/chccat/internal/config"
	"github.com/pbaille/chccat/internal/domain"
	"github.com/pbaille/chccat/internal/itembank"
)

// ItemBank generates perDomain calibrated items for every configured domain,
// split over the domain's families by their target shares. Speeded block
// domains are 2PL; in the others every fourth item is 3PL.
func ItemBank(cfg *config.Config, perDomain int, seed uint64) []domain.ItemRecord {
	rng := rand.New(rand.NewPCG(seed, seed^0x5851f42d4c957f2d))

	var out []domain.ItemRecord
	for _, d := range domain.Domains {
		dc, ok := cfg.Domains[d]
		if !ok {
			continue
		}
		families := familyPlan(dc.FamilyTargets, perDomain)
		block := d == domain.Gwm || d == domain.Gs
		for i, fam := range families {
			rec := domain.ItemRecord{
				ID:     fmt.Sprintf("%s-%03d", strings.ToUpper(string(d)), i+1),
				Domain: d,
				Family: fam,
				Model:  domain.Model2PL,
				A:      round(0.8+1.2*rng.Float64(), 3),
				B:      round(math.Max(-3, math.Min(3, rng.NormFloat64())), 3),
			}
			if !block && i%4 == 3 {
				c := round(0.1+0.15*rng.Float64(), 3)
				rec.Model, rec.C = domain.Model3PL, &c
			}
			out = append(out, rec)
		}
	}
	return out
}

// AnchorForm designates every step-th item of each domain as an anchor.
func AnchorForm(bank *itembank.Bank, id string, step int) *itembank.Form {
	f := &itembank.Form{ID: id, Domains: make(map[domain.Domain]itembank.DomainForm)}
	for _, d := range domain.Domains {
		var anchors []string
		for i, it := range bank.Domain(d) {
			if i%step == 0 {
				anchors = append(anchors, it.ID)
			}
		}
		f.Domains[d] = itembank.DomainForm{Anchors: anchors}
	}
	return f
}

// familyPlan lays out n family slots in proportion to the targets, assigning
// rounding leftovers to the largest targets first.
func familyPlan(targets map[string]float64, n int) []string {
	if len(targets) == 0 {
		targets = map[string]float64{"default": 1}
	}
	names := make([]string, 0, len(targets))
	for fam := range targets {
		names = append(names, fam)
	}
	sort.Slice(names, func(i, j int) bool {
		if targets[names[i]] != targets[names[j]] {
			return targets[names[i]] > targets[names[j]]
		}
		return names[i] < names[j]
	})

	counts := make(map[string]int, len(names))
	used := 0
	for _, fam := range names {
		counts[fam] = int(math.Floor(targets[fam] * float64(n)))
		used += counts[fam]
	}
	for i := 0; used < n; i++ {
		counts[names[i%len(names)]]++
		used++
	}

	// interleave so that pool order does not group families
	plan := make([]string, 0, n)
	for len(plan) < n {
		for _, fam := range names {
			if counts[fam] > 0 {
				plan = append(plan, fam)
				counts[fam]--
			}
		}
	}
	return plan
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}
