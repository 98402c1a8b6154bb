// ABOUTME: Lexicon-based sentiment scoring for inbound customer messages
// ABOUTME: Produces a 0.0 (hostile) to 1.0 (delighted) score, 0.5 neutral

package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// NeutralSentiment is the score assumed when analysis is unavailable.
const NeutralSentiment = 0.5

var (
	negativeTerms = map[string]float64{
		"angry":         -0.20,
		"furious":       -0.30,
		"outraged":      -0.30,
		"unacceptable":  -0.25,
		"terrible":      -0.20,
		"horrible":      -0.20,
		"awful":         -0.20,
		"worst":         -0.25,
		"useless":       -0.20,
		"broken":        -0.10,
		"disappointed":  -0.15,
		"frustrated":    -0.15,
		"frustrating":   -0.15,
		"annoyed":       -0.10,
		"ridiculous":    -0.20,
		"scam":          -0.30,
		"disgusting":    -0.30,
		"never":         -0.05,
		"fail":          -0.10,
		"failed":        -0.10,
		"failing":       -0.10,
		"waste":         -0.15,
		"ignored":       -0.15,
		"unhelpful":     -0.15,
		"incompetent":   -0.25,
		"pathetic":      -0.30,
		"joke":          -0.15,
		"fed up":        -0.25,
		"sick of":       -0.25,
		"last straw":    -0.30,
		"done with you": -0.30,
	}
	positiveTerms = map[string]float64{
		"thanks":       0.10,
		"thank you":    0.15,
		"great":        0.15,
		"awesome":      0.20,
		"love":         0.20,
		"perfect":      0.20,
		"excellent":    0.20,
		"appreciate":   0.15,
		"helpful":      0.15,
		"wonderful":    0.20,
		"fantastic":    0.20,
		"happy":        0.15,
		"pleased":      0.15,
		"no worries":   0.10,
		"no rush":      0.05,
		"good morning": 0.05,
	}

	exclamationRun = regexp.MustCompile(`!{2,}`)
)

// LexiconAnalyzer scores sentiment by summing weighted term matches around a
// neutral baseline. Intensity signals (shouting, stacked exclamation marks)
// push the score further from neutral.
type LexiconAnalyzer struct{}

// NewLexiconAnalyzer returns the built-in analyzer.
func NewLexiconAnalyzer() *LexiconAnalyzer {
	return &LexiconAnalyzer{}
}

// Score implements Analyzer. The result is clamped to [0, 1].
func (a *LexiconAnalyzer) Score(_ context.Context, text string) (float64, error) {
	if strings.TrimSpace(text) == "" {
		return 0, fmt.Errorf("empty message")
	}

	lower := strings.ToLower(text)
	score := NeutralSentiment

	for term, weight := range negativeTerms {
		if strings.Contains(lower, term) {
			score += weight
		}
	}
	for term, weight := range positiveTerms {
		if strings.Contains(lower, term) {
			score += weight
		}
	}

	// Shouting: mostly upper-case letters reads as anger.
	if upperRatio(text) > 0.7 && countLetters(text) >= 12 {
		score -= 0.15
	}
	if exclamationRun.MatchString(text) {
		score -= 0.05
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

func upperRatio(s string) float64 {
	var upper, letters int
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z':
			upper++
			letters++
		case r >= 'a' && r <= 'z':
			letters++
		}
	}
	if letters == 0 {
		return 0
	}
	return float64(upper) / float64(letters)
}

func countLetters(s string) int {
	var n int
	for _, r := range s {
		if (r >= 'A' && r <= 'Z') || (r >= 'a' && r <= 'z') {
			n++
		}
	}
	return n
}
