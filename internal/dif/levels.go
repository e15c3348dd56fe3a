package dif

import (
	"errors"
	"sort"
	"strings"
)

var ErrTooFewLevels = errors.New("need at least two group levels with data")

// Level is one value of a grouping variable and how many people carry it.
type Level struct {
	Value   string `json:"value"`
	Persons int    `json:"persons"`
}

// NormalizeLevel trims and lowercases a group value.
func NormalizeLevel(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// Levels lists the distinct values of key, largest group first and ties in
// value order. Rows without a value for key are ignored.
func Levels(rows []Row, key string) []Level {
	seen := make(map[string]bool)
	counts := make(map[string]int)
	for _, r := range rows {
		if seen[r.PersonID] {
			continue
		}
		v := NormalizeLevel(r.Groups[key])
		if v == "" {
			continue
		}
		seen[r.PersonID] = true
		counts[v]++
	}

	out := make([]Level, 0, len(counts))
	for v, n := range counts {
		out = append(out, Level{Value: v, Persons: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Persons != out[j].Persons {
			return out[i].Persons > out[j].Persons
		}
		return out[i].Value < out[j].Value
	})
	return out
}

// ResolveLevels fills in an omitted reference or focal level. The largest
// group becomes the reference and the next largest the focal group.
func ResolveLevels(rows []Row, key, ref, focal string) (string, string, error) {
	ref, focal = NormalizeLevel(ref), NormalizeLevel(focal)
	if ref != "" && focal != "" {
		return ref, focal, nil
	}
	for _, l := range Levels(rows, key) {
		switch {
		case l.Value == ref || l.Value == focal:
		case ref == "":
			ref = l.Value
		case focal == "":
			focal = l.Value
		}
	}
	if ref == "" || focal == "" {
		return ref, focal, ErrTooFewLevels
	}
	return ref, focal, nil
}
