package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"typerace/models"
	"typerace/scoring"
)

// LeaderboardEntry is one ranked result with the participant's name.
type LeaderboardEntry struct {
	Rank          int                      `json:"rank"`
	ParticipantID string                   `json:"participant_id"`
	DisplayName   string                   `json:"display_name"`
	Metrics       scoring.Metrics          `json:"metrics"`
	SubmittedAt   time.Time                `json:"submitted_at"`
	Status        models.ParticipantStatus `json:"status,omitempty"`
	Qualified     *bool                    `json:"qualified,omitempty"`
}

// Leaderboard ranks the results of round r. Qualified is only filled in
// once the round has been decided.
func (c *Coordinator) Leaderboard(ctx context.Context, roomID string, r int) ([]LeaderboardEntry, error) {
	const op = "leaderboard"
	if _, err := c.loadRoom(ctx, op, roomID); err != nil {
		return nil, err
	}
	results, err := c.roundResults(ctx, op, roomID, r)
	if err != nil {
		return nil, err
	}
	participants, err := c.roomParticipants(ctx, op, roomID)
	if err != nil {
		return nil, err
	}
	outcome, err := c.decidedOutcome(ctx, op, roomID, r)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.Participant, len(participants))
	for _, p := range participants {
		byID[p.Value.ID] = p.Value
	}

	ranked := Rank(results)
	entries := make([]LeaderboardEntry, len(ranked))
	for i, res := range ranked {
		p := byID[res.ParticipantID]
		entry := LeaderboardEntry{
			Rank:          i + 1,
			ParticipantID: res.ParticipantID,
			DisplayName:   p.DisplayName,
			Metrics:       res.Metrics,
			SubmittedAt:   res.SubmittedAt,
			Status:        p.Status,
		}
		if outcome != nil {
			q := outcome.IsQualified(res.ParticipantID)
			entry.Qualified = &q
		}
		entries[i] = entry
	}
	return entries, nil
}

// Participants lists a room's participants in join order.
func (c *Coordinator) Participants(ctx context.Context, roomID string) ([]models.Participant, error) {
	const op = "participants"
	if _, err := c.loadRoom(ctx, op, roomID); err != nil {
		return nil, err
	}
	list, err := c.roomParticipants(ctx, op, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Participant, len(list))
	for i, p := range list {
		out[i] = p.Value
	}
	return out, nil
}

// RoundStats aggregates one round.
type RoundStats struct {
	RoomID       string  `json:"room_id"`
	Round        int     `json:"round"`
	Participants int     `json:"participants"`
	Submissions  int     `json:"submissions"`
	MeanAccuracy float64 `json:"mean_accuracy"`
	MeanWPM      float64 `json:"mean_wpm"`
	BestAccuracy float64 `json:"best_accuracy"`
	BestWPM      float64 `json:"best_wpm"`
	Decided      bool    `json:"decided"`
	Qualified    int     `json:"qualified"`
	Eliminated   int     `json:"eliminated"`
	Forfeited    int     `json:"forfeited"`
}

// Stats summarises round r.
func (c *Coordinator) Stats(ctx context.Context, roomID string, r int) (*RoundStats, error) {
	const op = "stats"
	if _, err := c.loadRoom(ctx, op, roomID); err != nil {
		return nil, err
	}
	results, err := c.roundResults(ctx, op, roomID, r)
	if err != nil {
		return nil, err
	}
	participants, err := c.roomParticipants(ctx, op, roomID)
	if err != nil {
		return nil, err
	}

	stats := &RoundStats{RoomID: roomID, Round: r, Submissions: len(results)}
	for _, p := range participants {
		if !p.Value.EliminatedBefore(r) {
			stats.Participants++
		}
	}
	var sumAcc, sumWPM float64
	for _, res := range results {
		sumAcc += res.Metrics.Accuracy
		sumWPM += res.Metrics.WPM
		stats.BestAccuracy = math.Max(stats.BestAccuracy, res.Metrics.Accuracy)
		stats.BestWPM = math.Max(stats.BestWPM, res.Metrics.WPM)
	}
	if n := float64(len(results)); n > 0 {
		stats.MeanAccuracy = math.Round(sumAcc/n*100) / 100
		stats.MeanWPM = math.Round(sumWPM/n*100) / 100
	}

	outcome, err := c.decidedOutcome(ctx, op, roomID, r)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		stats.Decided = true
		stats.Qualified = len(outcome.Qualified)
		stats.Eliminated = len(outcome.Eliminated)
		stats.Forfeited = len(outcome.Forfeited)
	}
	return stats, nil
}

// decidedOutcome returns round r's outcome, or nil when the round has not
// started or not been decided yet.
func (c *Coordinator) decidedOutcome(ctx context.Context, op, roomID string, r int) (*models.Outcome, error) {
	ledger, err := c.loadLedger(ctx, op, roomID, r)
	if errors.Is(err, ErrInvalidTransition) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !ledger.Value.Sealed {
		return nil, nil
	}
	if ledger.Value.Outcome == nil {
		return nil, newError(KindInternal, op, fmt.Errorf("round %d sealed without an outcome", r))
	}
	return ledger.Value.Outcome, nil
}
