// Package events carries negotiation state changes to subscribers outside
// the engine: Kafka, RabbitMQ and live websocket sessions.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-negotiator/internal/models"
)

type Type string

const (
	RideCreated  Type = "ride.created"
	OfferCreated Type = "offer.created"
	RideAgreed   Type = "ride.agreed"
)

type Event struct {
	Type         Type              `json:"type"`
	RideID       string            `json:"ride_id"`
	OfferID      string            `json:"offer_id,omitempty"`
	Role         models.Role       `json:"role,omitempty"`
	FromUserName string            `json:"from_user_name,omitempty"`
	Amount       float64           `json:"amount"`
	Status       models.RideStatus `json:"status"`
	Round        int               `json:"round,omitempty"`
	At           time.Time         `json:"at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Multi publishes to every sink and joins their errors; a failing sink does
// not stop delivery to the others.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// RoutingKey maps an event type onto a broker routing key.
func RoutingKey(t Type) string {
	switch t {
	case RideCreated, OfferCreated, RideAgreed:
		return "negotiation." + string(t)
	default:
		return "negotiation.event"
	}
}
