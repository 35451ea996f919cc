// Package scoring turns a typed submission into comparable metrics.
//
// Everything here is a pure function of its inputs. An Engine carries only
// the comparison policy, so one value can be shared freely across goroutines.
package scoring

import (
	"fmt"
	"math"
	"strings"
)

// Policy selects how a submission is compared against the reference text.
// The name is versioned and stamped onto every Metrics value so results
// scored under different policies can never be confused.
type Policy string

const (
	// PolicyCharacter compares rune by rune. Mismatched positions, typed
	// characters beyond the reference and untyped reference characters all
	// count as errors.
	PolicyCharacter Policy = "char-v2"

	// PolicyWord compares whitespace-separated words. A word counts only if
	// it matches the reference word at the same position exactly.
	PolicyWord Policy = "word-v1"
)

// DefaultPolicy is the policy used when none is configured.
const DefaultPolicy = PolicyCharacter

// charsPerWord is the conventional word length used by WPM.
const charsPerWord = 5

// Metrics is the scored form of one submission.
type Metrics struct {
	Accuracy     float64 `json:"accuracy" validate:"gte=0,lte=100"`
	WPM          float64 `json:"wpm" validate:"gte=0"`
	Score        float64 `json:"score" validate:"gte=0"`
	CorrectUnits int     `json:"correct_units" validate:"gte=0"`
	TotalUnits   int     `json:"total_units" validate:"gte=0"`
	Errors       int     `json:"errors" validate:"gte=0"`
	Elapsed      float64 `json:"elapsed_seconds" validate:"gte=0"`
	Policy       Policy  `json:"policy" validate:"required,oneof=char-v2 word-v1"`
}

// Engine scores submissions under a single policy.
type Engine struct {
	policy Policy
}

// ParsePolicy validates a policy name. An empty name yields DefaultPolicy.
func ParsePolicy(name string) (Policy, error) {
	switch Policy(strings.TrimSpace(name)) {
	case "":
		return DefaultPolicy, nil
	case PolicyCharacter:
		return PolicyCharacter, nil
	case PolicyWord:
		return PolicyWord, nil
	}
	return "", fmt.Errorf("scoring: unknown policy %q", name)
}

// New returns an Engine for the given policy.
func New(policy Policy) (Engine, error) {
	p, err := ParsePolicy(string(policy))
	if err != nil {
		return Engine{}, err
	}
	return Engine{policy: p}, nil
}

// Policy reports the engine's comparison policy.
func (e Engine) Policy() Policy {
	if e.policy == "" {
		return DefaultPolicy
	}
	return e.policy
}

// Score computes metrics for submitted against reference, typed in
// elapsedSeconds. Bad inputs never produce an error: a blank reference
// scores zero and a non-positive or non-finite duration counts as one
// second.
func (e Engine) Score(reference, submitted string, elapsedSeconds float64) Metrics {
	elapsed := normalizeElapsed(elapsedSeconds)
	policy := e.Policy()

	m := Metrics{Elapsed: round2(elapsed), Policy: policy}
	if strings.TrimSpace(reference) == "" {
		return m
	}

	var countable int
	switch policy {
	case PolicyWord:
		m.CorrectUnits, m.TotalUnits, m.Errors, countable = compareWords(reference, submitted)
	default:
		m.CorrectUnits, m.TotalUnits, m.Errors = compareRunes(reference, submitted)
		countable = m.CorrectUnits
	}

	accuracy := clamp(float64(m.CorrectUnits)/float64(m.TotalUnits)*100, 0, 100)
	wpm := math.Max(0, (float64(countable)/charsPerWord)/(elapsed/60))

	m.Accuracy = round2(accuracy)
	m.WPM = round2(wpm)
	m.Score = round2(wpm * accuracy / 100)
	return m
}

// Score scores with DefaultPolicy.
func Score(reference, submitted string, elapsedSeconds float64) Metrics {
	return Engine{policy: DefaultPolicy}.Score(reference, submitted, elapsedSeconds)
}

func compareRunes(reference, submitted string) (correct, total, errs int) {
	ref := []rune(reference)
	sub := []rune(submitted)

	n := min(len(ref), len(sub))
	for i := 0; i < n; i++ {
		if ref[i] == sub[i] {
			correct++
		}
	}
	// Positional mismatches plus excess or shortfall.
	errs = (n - correct) + abs(len(sub)-len(ref))
	return correct, len(ref), errs
}

// compareWords also returns the countable characters behind correct words:
// each correct word plus its following separator, so a fully correct
// submission yields the same WPM as the character policy would.
func compareWords(reference, submitted string) (correct, total, errs, countable int) {
	ref := strings.Fields(reference)
	sub := strings.Fields(submitted)

	n := min(len(ref), len(sub))
	for i := 0; i < n; i++ {
		if ref[i] == sub[i] {
			correct++
			countable += len([]rune(ref[i]))
			if i < len(ref)-1 {
				countable++
			}
		}
	}
	errs = (n - correct) + abs(len(sub)-len(ref))
	return correct, len(ref), errs, countable
}

func normalizeElapsed(seconds float64) float64 {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds <= 0 {
		return 1
	}
	return seconds
}

func round2(v float64) float64 {
	r := math.Round(v*100) / 100
	if r <= 0 {
		return 0
	}
	return r
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
