package dif

import (
	"bytes"
	"fmt"
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pbaille/chccat/internal/domain"
)

type cohort struct {
	group          string
	n              int
	high           bool
	biasedCorrect  int // how many answer the biased item correctly
	matchedCorrect int // how many answer the matched item correctly
}

// syntheticRows builds two score strata (ten filler items all wrong or all
// right) holding 60 reference and 40 focal respondents each. Within every
// stratum the biased item has reference odds 2:1 and focal odds 1:1, giving a
// common odds ratio of exactly 2; the matched item has equal odds in both groups.
func syntheticRows() []Row {
	cohorts := []cohort{
		{group: "en", n: 60, high: false, biasedCorrect: 40, matchedCorrect: 30},
		{group: "fr", n: 40, high: false, biasedCorrect: 20, matchedCorrect: 20},
		{group: "en", n: 60, high: true, biasedCorrect: 40, matchedCorrect: 30},
		{group: "fr", n: 40, high: true, biasedCorrect: 20, matchedCorrect: 20},
	}

	var rows []Row
	pid := 0
	for _, c := range cohorts {
		for i := 0; i < c.n; i++ {
			pid++
			person := fmt.Sprintf("p%03d", pid)
			add := func(item string, correct bool) {
				x := 0.0
				if correct {
					x = 1
				}
				rows = append(rows, Row{
					PersonID: person,
					ItemID:   item,
					Domain:   domain.Gc,
					X:        x,
					Groups:   map[string]string{"language": c.group},
				})
			}
			for f := 0; f < 10; f++ {
				add(fmt.Sprintf("GC-F%02d", f), c.high)
			}
			add("GC-BIASED", i < c.biasedCorrect)
			add("GC-MATCHED", i < c.matchedCorrect)
		}
	}
	return rows
}

func screen(t *testing.T, rows []Row, opts ...Option) *Result {
	t.Helper()
	res, err := New(opts...).Run(Input{
		Rows:        rows,
		Strata:      2,
		RefFilter:   GroupIs("language", "en"),
		FocalFilter: GroupIs("language", "fr"),
	})
	require.NoError(t, err)
	return res
}

func TestRunRecoversKnownOddsRatio(t *testing.T) {
	res := screen(t, syntheticRows())
	require.False(t, res.Insufficient, res.Note)
	assert.Equal(t, 120, res.NRef)
	assert.Equal(t, 80, res.NFocal)

	require.Len(t, res.Items, 2, "filler items have no contrast and are omitted")

	biased := res.Items[0]
	assert.Equal(t, "GC-BIASED", biased.ItemID)
	assert.InDelta(t, 2.0, biased.Alpha, 1e-9)
	assert.InDelta(t, -2.35*math.Log(2), biased.DeltaMH, 1e-9)
	assert.InDelta(t, -1.629, biased.DeltaMH, 1e-3)
	assert.True(t, biased.Flag)
	assert.Equal(t, 120, biased.NRef)
	assert.Equal(t, 80, biased.NFocal)

	matched := res.Items[1]
	assert.Equal(t, "GC-MATCHED", matched.ItemID)
	assert.InDelta(t, 1.0, matched.Alpha, 1e-9)
	assert.InDelta(t, 0.0, matched.DeltaMH, 1e-9)
	assert.False(t, matched.Flag)

	assert.Equal(t, 1, res.Flagged())
}

func TestRunFlagThreshold(t *testing.T) {
	res := screen(t, syntheticRows(), WithFlagThreshold(1.7))
	require.NotEmpty(t, res.Items)
	assert.False(t, res.Items[0].Flag, "|delta| 1.629 stays below a 1.7 threshold")
}

func TestRunInsufficientData(t *testing.T) {
	rows := syntheticRows()

	t.Run("too few respondents", func(t *testing.T) {
		res := screen(t, rows, WithMinRespondents(500))
		assert.True(t, res.Insufficient)
		assert.Empty(t, res.Items)
		assert.Contains(t, res.Note, "200 tagged respondents")
	})

	t.Run("single group", func(t *testing.T) {
		var enOnly []Row
		for _, r := range rows {
			if r.Groups["language"] == "en" {
				enOnly = append(enOnly, r)
			}
		}
		res := screen(t, enOnly)
		assert.True(t, res.Insufficient)
		assert.Equal(t, 0, res.NFocal)
	})

	t.Run("untagged people are not counted", func(t *testing.T) {
		var untagged []Row
		for _, r := range rows {
			r.Groups = map[string]string{"language": "de"}
			untagged = append(untagged, r)
		}
		res := screen(t, untagged)
		assert.True(t, res.Insufficient)
		assert.Equal(t, 0, res.NRef+res.NFocal)
	})
}

func TestRunRejectsBadInput(t *testing.T) {
	s := New()
	_, err := s.Run(Input{Strata: 1, RefFilter: GroupIs("g", "a"), FocalFilter: GroupIs("g", "b")})
	assert.ErrorIs(t, err, ErrTooFewStrata)

	_, err = s.Run(Input{Strata: 5})
	assert.Error(t, err)
}

func TestMantelHaenszel(t *testing.T) {
	alpha, ok := MantelHaenszel([]Stratum{
		{A: 40, B: 20, C: 20, D: 20},
		{},
		{A: 20, B: 10, C: 10, D: 10},
	})
	require.True(t, ok)
	assert.InDelta(t, 2.0, alpha, 1e-12)

	alpha, ok = MantelHaenszel([]Stratum{{A: 10, B: 10, C: 10, D: 10}, {A: 5, B: 15, C: 5, D: 15}})
	require.True(t, ok)
	assert.InDelta(t, 1.0, alpha, 1e-12)

	_, ok = MantelHaenszel([]Stratum{{A: 10, B: 0, C: 5, D: 5}})
	assert.False(t, ok, "no incorrect reference answers leaves the denominator at zero")

	_, ok = MantelHaenszel([]Stratum{{A: 0, B: 10, C: 5, D: 5}})
	assert.False(t, ok, "numerator at zero")

	_, ok = MantelHaenszel(nil)
	assert.False(t, ok)
}

func TestStratification(t *testing.T) {
	people := map[string]*person{}
	for i := 0; i < 10; i++ {
		people[fmt.Sprint(i)] = &person{total: i}
	}
	cuts := cutPoints(people, 5)
	assert.Equal(t, []int{1, 3, 5, 7}, cuts)

	assert.Equal(t, 0, stratum(0, cuts))
	assert.Equal(t, 0, stratum(1, cuts))
	assert.Equal(t, 1, stratum(2, cuts))
	assert.Equal(t, 4, stratum(9, cuts))
}

func TestWriteCSV(t *testing.T) {
	res := screen(t, syntheticRows())

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, res))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "itemId,alpha,deltaMH,flag", lines[0])
	assert.Equal(t, "GC-BIASED,2.0000,-1.629,FLAG", lines[1])
	assert.Equal(t, "GC-MATCHED,1.0000,0.000,", lines[2])
}
