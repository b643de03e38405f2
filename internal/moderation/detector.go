package moderation

import (
	"regexp"
	"strings"
)

// ToxicityResult is the advisory verdict of the local keyword detector.
type ToxicityResult struct {
	Toxic         bool
	Score         float64
	DetectedWords []string
	Categories    map[string]int
}

// Detector is a fast keyword-based toxicity check used for advisory purposes
// only: it may pre-screen outgoing text or annotate the UI, but it never
// escalates sanction state. The server's moderation signals are the sole
// authority.
type Detector struct {
	keywords map[string][]string
	fuzzy    map[string]*regexp.Regexp
	patterns []*regexp.Regexp
}

var severityWeights = map[string]float64{
	"high":   1.0,
	"medium": 0.6,
	"low":    0.3,
}

// NewDetector creates a detector with the built-in keyword lists.
func NewDetector() *Detector {
	d := &Detector{
		keywords: map[string][]string{
			"high": {
				"hate", "kill", "die", "death", "nazi", "terrorist",
				"rape", "murder", "violence", "abuse", "attack",
			},
			"medium": {
				"stupid", "idiot", "dumb", "moron", "loser", "pathetic",
				"trash", "garbage", "worthless", "useless", "disgusting",
			},
			"low": {
				"shut up", "annoying", "boring", "lame",
				"bad", "terrible", "awful", "horrible",
			},
		},
		fuzzy: make(map[string]*regexp.Regexp),
		patterns: []*regexp.Regexp{
			regexp.MustCompile(`\bkys\b`),
			regexp.MustCompile(`go die`),
			regexp.MustCompile(`you\s+suck`),
			regexp.MustCompile(`kill(?:\s+yourself)?`),
		},
	}
	for _, words := range d.keywords {
		for _, w := range words {
			d.fuzzy[w] = fuzzyPattern(w)
		}
	}
	return d
}

// Detect scores text against the keyword lists. The score is severity-weighted
// and capped at 1.0; anything above 0.3 is considered toxic.
func (d *Detector) Detect(text string) ToxicityResult {
	lower := strings.ToLower(text)
	result := ToxicityResult{
		Categories: map[string]int{"high": 0, "medium": 0, "low": 0},
	}

	for severity, words := range d.keywords {
		for _, w := range words {
			if strings.Contains(lower, w) || d.fuzzy[w].MatchString(lower) {
				result.DetectedWords = append(result.DetectedWords, w)
				result.Categories[severity]++
			}
		}
	}

	for _, p := range d.patterns {
		if p.MatchString(lower) {
			result.DetectedWords = append(result.DetectedWords, "harassment_pattern")
			result.Categories["high"]++
		}
	}

	score := 0.0
	for severity, count := range result.Categories {
		score += float64(count) * severityWeights[severity]
	}
	score /= 3.0
	if score > 1.0 {
		score = 1.0
	}

	result.Score = score
	result.Toxic = score > 0.3
	return result
}

// fuzzyPattern allows non-word separators between characters, matching
// obfuscated spellings like "k.i.l.l".
func fuzzyPattern(word string) *regexp.Regexp {
	chars := strings.Split(word, "")
	for i, c := range chars {
		chars[i] = regexp.QuoteMeta(c)
	}
	return regexp.MustCompile(`\b` + strings.Join(chars, `\W*`) + `\b`)
}
