// Package resolution decides which bracket of an event won.
//
// Venue winner labels drift in formatting ("60-61°F", "60–61 °F", "60 to 61",
// "59°F or below"). Labels are normalized and parsed to numeric bounds, and a
// trade wins only when its bracket bounds equal the winner's bounds. Substring
// comparison is never used: "60-61" is a substring of "60-610" and of
// "160-61", and adjacent brackets must not match each other.
package resolution

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// boundEpsilon is the tolerance for comparing parsed bounds.
const boundEpsilon = 1e-6

var (
	dashReplacer = strings.NewReplacer(
		"–", "-", // en dash
		"—", "-", // em dash
		"−", "-", // minus sign
		"‐", "-", // hyphen
		"‑", "-", // non-breaking hyphen
		"‒", "-", // figure dash
		" to ", "-",
	)
	unitPattern  = regexp.MustCompile(`(\d)\s*°?\s*[fc]\b`)
	spacePattern = regexp.MustCompile(`\s+`)

	rangePattern = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)-(-?\d+(?:\.\d+)?)$`)
	valuePattern = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)$`)
	belowPattern = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)(?: or (?:below|lower|less))$|^(?:<=|≤)(-?\d+(?:\.\d+)?)$`)
	abovePattern = regexp.MustCompile(`^(-?\d+(?:\.\d+)?)(?: or (?:above|higher|more))$|^(?:>=|≥)(-?\d+(?:\.\d+)?)$`)
	ltPattern    = regexp.MustCompile(`^<(-?\d+(?:\.\d+)?)$`)
	gtPattern    = regexp.MustCompile(`^>(-?\d+(?:\.\d+)?)$`)
)

// NormalizeLabel lowercases a label, strips temperature units, unifies dash
// variants and collapses whitespace.
func NormalizeLabel(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	s = dashReplacer.Replace(s)
	s = unitPattern.ReplaceAllString(s, "$1")
	s = strings.ReplaceAll(s, "°", "")
	s = spacePattern.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " - ", "-")
	s = strings.ReplaceAll(s, "- ", "-")
	s = strings.ReplaceAll(s, " -", "-")
	for _, op := range []string{"<= ", ">= ", "≤ ", "≥ ", "< ", "> "} {
		s = strings.ReplaceAll(s, op, strings.TrimSpace(op))
	}
	return s
}

// ParseLabel converts a bracket label to half-open bounds [lower, upper).
// Labels name inclusive whole-degree ranges, so "60-61" is [60, 62) and "60"
// is [60, 61). "59 or below" is (-Inf, 60) and "70 or higher" is [70, +Inf).
func ParseLabel(label string) (lower, upper float64, ok bool) {
	s := NormalizeLabel(label)

	if m := rangePattern.FindStringSubmatch(s); m != nil {
		a, errA := strconv.ParseFloat(m[1], 64)
		b, errB := strconv.ParseFloat(m[2], 64)
		if errA != nil || errB != nil || b < a {
			return 0, 0, false
		}
		return a, b + 1, true
	}
	if m := valuePattern.FindStringSubmatch(s); m != nil {
		a, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, 0, false
		}
		return a, a + 1, true
	}
	if m := belowPattern.FindStringSubmatch(s); m != nil {
		a, err := strconv.ParseFloat(firstNonEmpty(m[1:]), 64)
		if err != nil {
			return 0, 0, false
		}
		return math.Inf(-1), a + 1, true
	}
	if m := abovePattern.FindStringSubmatch(s); m != nil {
		a, err := strconv.ParseFloat(firstNonEmpty(m[1:]), 64)
		if err != nil {
			return 0, 0, false
		}
		return a, math.Inf(1), true
	}
	if m := ltPattern.FindStringSubmatch(s); m != nil {
		a, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, 0, false
		}
		return math.Inf(-1), a, true
	}
	if m := gtPattern.FindStringSubmatch(s); m != nil {
		a, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return 0, 0, false
		}
		return a + 1, math.Inf(1), true
	}
	return 0, 0, false
}

func firstNonEmpty(xs []string) string {
	for _, x := range xs {
		if x != "" {
			return x
		}
	}
	return ""
}

func boundsEqual(a, b float64) bool {
	if math.IsInf(a, 0) || math.IsInf(b, 0) {
		return a == b
	}
	return math.Abs(a-b) < boundEpsilon
}
