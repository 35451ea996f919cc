package services

import (
	"context"
	"fmt"

	"typerace/store"
)

// WatchTarget selects what a Watch observes.
type WatchTarget string

const (
	WatchRoom         WatchTarget = "room"
	WatchParticipants WatchTarget = "participants"
	WatchResults      WatchTarget = "results"
)

// WatchRequest describes a subscription. Round is only used for results.
type WatchRequest struct {
	Target WatchTarget
	RoomID string
	Round  int
}

// Watch subscribes to a room, its participants or one round's results.
// It streams when the store can and polls otherwise; callers get the same
// snapshots either way.
func (c *Coordinator) Watch(ctx context.Context, req WatchRequest) (store.Subscription, error) {
	const op = "watch"
	if _, err := c.loadRoom(ctx, op, req.RoomID); err != nil {
		return nil, err
	}

	var w store.Watch
	switch req.Target {
	case WatchRoom:
		w = store.Watch{Collection: CollRooms, Key: req.RoomID}
	case WatchParticipants:
		w = store.Watch{Collection: CollParticipants, Filters: []store.Filter{store.Eq("room_id", req.RoomID)}}
	case WatchResults:
		if req.Round < 1 {
			return nil, newError(KindValidation, op, fmt.Errorf("results watch needs a round"))
		}
		w = store.Watch{
			Collection: CollResults,
			Filters:    []store.Filter{store.Eq("room_id", req.RoomID), store.Eq("round", req.Round)},
		}
	default:
		return nil, newError(KindValidation, op, fmt.Errorf("unknown watch target %q", req.Target))
	}

	sub, err := store.Observe(ctx, c.store, w, c.pollInterval)
	if err != nil {
		return nil, storeError(op, err)
	}
	return sub, nil
}
