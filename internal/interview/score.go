package interview

import (
	"regexp"
	"strconv"
	"strings"
)

// Score is a parsed numeric score. A nil *Score means unscored.
type Score struct {
	Value float64 `json:"value"`
	OutOf float64 `json:"out_of"`
}

// Percent returns the score as a percentage.
func (s Score) Percent() float64 {
	if s.OutOf <= 0 {
		return 0
	}
	return s.Value / s.OutOf * 100
}

// PercentOrZero is the reporting-boundary conversion: unscored becomes 0.
func PercentOrZero(s *Score) float64 {
	if s == nil {
		return 0
	}
	return s.Percent()
}

// Category is a named sub-score. Score is nil when the category was not found.
type Category struct {
	Name  string `json:"name"`
	Score *Score `json:"score"`
}

// Assessment is the final evaluation of an interview.
type Assessment struct {
	Feedback   string     `json:"feedback"`
	Score      *Score     `json:"score"`
	Categories []Category `json:"categories,omitempty"`
}

const num = `(\d+(?:\.\d+)?)`

type scorePattern struct {
	re      *regexp.Regexp
	percent bool
}

// Ordered most to least specific; the first valid match wins.
var scoreCascade = []scorePattern{
	{re: regexp.MustCompile(`(?i)overall\s+score\s*(?:is|:|-)?\s*` + num + `\s*(?:/|out\s+of)\s*` + num)},
	{re: regexp.MustCompile(`(?i)\bscore\s*(?:is|:|-)?\s*` + num + `\s*(?:/|out\s+of)\s*` + num)},
	{re: regexp.MustCompile(`(?i)\brat(?:e|ing)\s*(?:is|:|-)?\s*` + num + `\s*(?:/|out\s+of)\s*` + num)},
	{re: regexp.MustCompile(`(?i)\bscore\s*(?:is|:|-)?\s*` + num + `\s*%`), percent: true},
	{re: regexp.MustCompile(`\b` + num + `\s*/\s*(10|100|5)\b`)},
	{re: regexp.MustCompile(`(?i)\b` + num + `\s+out\s+of\s+` + num)},
}

// ParseScore extracts the overall score from free-form assessment text.
// It returns nil when nothing recognizable is found.
func ParseScore(text string) *Score {
	for _, p := range scoreCascade {
		for _, m := range p.re.FindAllStringSubmatch(text, -1) {
			if s := toScore(m, p.percent); s != nil {
				return s
			}
		}
	}
	return nil
}

func toScore(m []string, percent bool) *Score {
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return nil
	}
	out := 100.0
	if !percent {
		if out, err = strconv.ParseFloat(m[2], 64); err != nil {
			return nil
		}
	}
	if out <= 0 || v < 0 || v > out {
		return nil
	}
	return &Score{Value: v, OutOf: out}
}

var categoryLine = regexp.MustCompile(`(?im)^[\s*\-•#]*([A-Za-z][A-Za-z &/]*?)\s*\**\s*[:\-]\s*\**\s*` + num + `\s*(?:/|out\s+of)\s*` + num)

// ParseCategories looks up each named category in the text. Missing or
// invalid categories are returned with a nil score.
func ParseCategories(text string, names []string) []Category {
	found := map[string]*Score{}
	for _, m := range categoryLine.FindAllStringSubmatch(text, -1) {
		key := strings.ToLower(strings.TrimSpace(m[1]))
		if _, dup := found[key]; dup {
			continue
		}
		found[key] = toScore([]string{m[0], m[2], m[3]}, false)
	}
	out := make([]Category, 0, len(names))
	for _, n := range names {
		out = append(out, Category{Name: n, Score: found[strings.ToLower(n)]})
	}
	return out
}
