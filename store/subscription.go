package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultPollInterval is used by Observe when no interval is given.
const DefaultPollInterval = 2 * time.Second

// feed is the single Subscription implementation. What differs between
// streaming and polling is only where its triggers come from.
type feed struct {
	updates chan Snapshot
	cancel  context.CancelFunc
	done    chan struct{}
}

func (f *feed) Updates() <-chan Snapshot { return f.updates }

func (f *feed) Close() error {
	f.cancel()
	<-f.done
	return nil
}

// startFeed evaluates the watch once immediately and again on every
// trigger, sending a snapshot whenever the result differs from the last
// one sent.
func startFeed(parent context.Context, eval func(context.Context) ([]Document, error), triggers <-chan struct{}, stop func()) *feed {
	ctx, cancel := context.WithCancel(parent)
	f := &feed{
		updates: make(chan Snapshot, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go func() {
		defer close(f.done)
		defer close(f.updates)
		if stop != nil {
			defer stop()
		}

		var last string
		sent := false
		emit := func() {
			docs, err := eval(ctx)
			if err != nil {
				if ctx.Err() == nil {
					logrus.WithError(err).Debug("store: watch evaluation failed, waiting for next trigger")
				}
				return
			}
			fp := fingerprint(docs)
			if sent && fp == last {
				return
			}
			select {
			case f.updates <- Snapshot{Documents: docs, At: time.Now().UTC()}:
				last, sent = fp, true
			case <-ctx.Done():
			}
		}

		emit()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-triggers:
				if !ok {
					return
				}
				emit()
			}
		}
	}()
	return f
}

// evaluator reads the current state of a watch from s.
func evaluator(s Store, w Watch) func(context.Context) ([]Document, error) {
	return func(ctx context.Context) ([]Document, error) {
		if w.Key != "" {
			doc, err := s.Get(ctx, w.Collection, w.Key)
			if errors.Is(err, ErrNotFound) {
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			return []Document{doc}, nil
		}
		return s.Query(ctx, w.query())
	}
}

// Poll observes w by re-reading it every interval. It works against any
// Store and produces the same snapshots a streaming subscription would,
// only later.
func Poll(ctx context.Context, s Store, w Watch, interval time.Duration) Subscription {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticks := make(chan struct{}, 1)
	tickCtx, stopTicks := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				select {
				case ticks <- struct{}{}:
				default:
				}
			}
		}
	}()
	return startFeed(ctx, evaluator(s, w), ticks, stopTicks)
}

// Observe subscribes to w, falling back to polling when s cannot stream.
// Callers see the same Subscription either way.
func Observe(ctx context.Context, s Store, w Watch, pollInterval time.Duration) (Subscription, error) {
	if w.Collection == "" {
		return nil, fmt.Errorf("store: watch needs a collection")
	}
	sub, err := s.Subscribe(ctx, w)
	if errors.Is(err, ErrSubscriptionUnavailable) {
		logrus.WithFields(logrus.Fields{
			"collection": w.Collection,
			"key":        w.Key,
			"interval":   pollInterval.String(),
		}).Info("store: streaming unavailable, polling instead")
		return Poll(ctx, s, w, pollInterval), nil
	}
	return sub, err
}
