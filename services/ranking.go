package services

import (
	"math"
	"sort"

	"typerace/models"
)

// Epsilon is the tolerance within which two accuracies or two speeds are
// considered tied.
const Epsilon = 0.01

// tieSlack absorbs float noise so that values exactly Epsilon apart, as
// stored after rounding, still tie.
const tieSlack = 1e-9

func tied(a, b float64) bool {
	return math.Abs(a-b) <= Epsilon+tieSlack
}

// Rank orders results best first: higher accuracy, then higher speed, each
// compared within Epsilon, then earlier submission, then participant id.
// The order is total and does not depend on the order of the input.
//
// Epsilon comparison is not transitive, so the input is first put into a
// canonical order by exact values and then stably sorted with the tolerant
// comparison.
func Rank(results []models.Result) []models.Result {
	out := append([]models.Result(nil), results...)
	sort.Slice(out, func(i, j int) bool { return strictLess(out[i], out[j]) })
	sort.SliceStable(out, func(i, j int) bool { return rankLess(out[i], out[j]) })
	return out
}

func rankLess(a, b models.Result) bool {
	if !tied(a.Metrics.Accuracy, b.Metrics.Accuracy) {
		return a.Metrics.Accuracy > b.Metrics.Accuracy
	}
	if !tied(a.Metrics.WPM, b.Metrics.WPM) {
		return a.Metrics.WPM > b.Metrics.WPM
	}
	return submittedFirst(a, b)
}

func strictLess(a, b models.Result) bool {
	if a.Metrics.Accuracy != b.Metrics.Accuracy {
		return a.Metrics.Accuracy > b.Metrics.Accuracy
	}
	if a.Metrics.WPM != b.Metrics.WPM {
		return a.Metrics.WPM > b.Metrics.WPM
	}
	return submittedFirst(a, b)
}

func submittedFirst(a, b models.Result) bool {
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ParticipantID < b.ParticipantID
}

// splitQualified returns the ids of the first k ranked results and of the
// rest.
func splitQualified(ranked []models.Result, k int) (qualified, eliminated []string) {
	qualified = make([]string, 0, k)
	eliminated = make([]string, 0)
	for i, r := range ranked {
		if i < k {
			qualified = append(qualified, r.ParticipantID)
		} else {
			eliminated = append(eliminated, r.ParticipantID)
		}
	}
	return qualified, eliminated
}
