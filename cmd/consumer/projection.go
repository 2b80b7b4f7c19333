package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-negotiator/internal/events"
)

// Projector defines the small subset of redis operations the projection
// needs, for tests and production.
type Projector interface {
	HSet(ctx context.Context, key string, values map[string]interface{}) error
	PushCapped(ctx context.Context, key, value string, limit int) error
	Expire(ctx context.Context, ttl time.Duration, keys ...string) error
}

type redisAdapter struct{ c *redis.Client }

func (r *redisAdapter) HSet(ctx context.Context, key string, values map[string]interface{}) error {
	return r.c.HSet(ctx, key, values).Err()
}

// PushCapped prepends value and trims the list to the newest limit entries.
func (r *redisAdapter) PushCapped(ctx context.Context, key, value string, limit int) error {
	_, err := r.c.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, value)
		p.LTrim(ctx, key, 0, int64(limit-1))
		return nil
	})
	return err
}

func (r *redisAdapter) Expire(ctx context.Context, ttl time.Duration, keys ...string) error {
	_, err := r.c.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Expire(ctx, k, ttl)
		}
		return nil
	})
	return err
}

func stateKey(rideID string) string   { return "ride:state:" + rideID }
func historyKey(rideID string) string { return "ride:events:" + rideID }

type projection struct {
	store    Projector
	history  int
	ttl      time.Duration
	attempts int
	delay    time.Duration
}

func decodeEvent(b []byte) (events.Event, error) {
	var e events.Event
	if err := json.Unmarshal(b, &e); err != nil {
		return e, err
	}
	if e.RideID == "" || e.Type == "" {
		return e, fmt.Errorf("event missing ride_id or type")
	}
	return e, nil
}

func stateFields(e events.Event) map[string]interface{} {
	fields := map[string]interface{}{
		"status":        string(e.Status),
		"current_price": e.Amount,
		"last_event":    string(e.Type),
		"updated":       e.At.UTC().Format(time.RFC3339Nano),
	}
	if e.OfferID != "" {
		fields["last_offer_id"] = e.OfferID
	}
	if e.Round > 0 {
		fields["round"] = e.Round
	}
	if e.Type == events.RideAgreed {
		fields["agreed_offer_id"] = e.OfferID
	}
	return fields
}

// apply writes one event into the ride's state hash and history list,
// retrying each step with exponential backoff.
func (p *projection) apply(ctx context.Context, e events.Event, raw []byte) error {
	steps := []func() error{
		func() error { return p.store.HSet(ctx, stateKey(e.RideID), stateFields(e)) },
		func() error { return p.store.PushCapped(ctx, historyKey(e.RideID), string(raw), p.history) },
	}
	if p.ttl > 0 {
		steps = append(steps, func() error { return p.store.Expire(ctx, p.ttl, stateKey(e.RideID), historyKey(e.RideID)) })
	}
	for _, step := range steps {
		if err := withRetry(ctx, p.attempts, p.delay, step); err != nil {
			return err
		}
	}
	return nil
}

func withRetry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
