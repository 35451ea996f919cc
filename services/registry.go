package services

import (
	"context"
	"errors"
	"sort"
	"time"

	"typerace/models"
	"typerace/store"
)

// Participant registry. Statuses only change inside round transitions;
// the helpers here read participants and build the writes those
// transitions commit.

func (c *Coordinator) loadParticipant(ctx context.Context, op, participantID string) (versioned[models.Participant], error) {
	p, err := getRecord[models.Participant](ctx, c.store, CollParticipants, participantID)
	if errors.Is(err, store.ErrNotFound) {
		return p, newError(KindNotFound, op, ErrParticipantNotFound)
	}
	if err != nil {
		return p, storeError(op, err)
	}
	return p, nil
}

// roomParticipants lists everyone who joined roomID, oldest first.
func (c *Coordinator) roomParticipants(ctx context.Context, op, roomID string) ([]versioned[models.Participant], error) {
	list, err := queryRecords[models.Participant](ctx, c.store, store.Query{
		Collection: CollParticipants,
		Filters:    []store.Filter{store.Eq("room_id", roomID)},
	})
	if err != nil {
		return nil, storeError(op, err)
	}
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].Value, list[j].Value
		if !a.JoinedAt.Equal(b.JoinedAt) {
			return a.JoinedAt.Before(b.JoinedAt)
		}
		return a.ID < b.ID
	})
	return list, nil
}

// activate moves an eligible participant into round r.
func activate(p models.Participant, r int, now time.Time) (models.Participant, bool) {
	if !p.EligibleFor(r) {
		return p, false
	}
	p.Status = models.StatusActive
	p.CurrentRound = r
	p.UpdatedAt = now
	return p, true
}

// decide records the outcome of round r for a participant.
func decide(p models.Participant, r int, qualified bool, now time.Time) models.Participant {
	p.CurrentRound = r
	p.UpdatedAt = now
	if qualified {
		p.Status = models.StatusQualified
		p.EliminatedRound = 0
	} else {
		p.Status = models.StatusEliminated
		p.EliminatedRound = r
	}
	return p
}
