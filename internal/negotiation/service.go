// Package negotiation owns the ride lifecycle and the fare negotiation
// between a rider and a driver.
//
// A ride starts open, moves to negotiating with the first driver bid and to
// agreed when the latest offer is accepted. Every mutation of a ride runs
// under a per-ride lock and commits through a compare-and-swap on the ride's
// status and last offer, so two requests racing on the same turn cannot both
// succeed.
package negotiation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-negotiator/internal/events"
	"github.com/example/ride-negotiator/internal/lock"
	"github.com/example/ride-negotiator/internal/models"
	"github.com/example/ride-negotiator/internal/observability"
	"github.com/example/ride-negotiator/internal/storage"
)

type CreateRideInput struct {
	RiderName    string  `json:"rider_name" validate:"required,max=120"`
	RiderPhone   string  `json:"rider_phone" validate:"required,max=40"`
	Origin       string  `json:"origin" validate:"required,max=255"`
	Destination  string  `json:"destination" validate:"required,max=255"`
	InitialPrice float64 `json:"initial_price" validate:"gt=0,finite"`
}

type StartInput struct {
	RideID      string  `json:"ride_id" validate:"required"`
	DriverName  string  `json:"driver_name" validate:"required,max=120"`
	DriverPhone string  `json:"driver_phone" validate:"required,max=40"`
	OfferAmount float64 `json:"offer_amount" validate:"gt=0,finite"`
	Message     string  `json:"message" validate:"max=500"`
}

type CounterInput struct {
	OfferID       string      `json:"negotiation_id" validate:"required"`
	FromUserName  string      `json:"from_user_name" validate:"required,max=120"`
	FromUserPhone string      `json:"from_user_phone" validate:"required,max=40"`
	OfferAmount   float64     `json:"offer_amount" validate:"gt=0,finite"`
	Message       string      `json:"message" validate:"max=500"`
	Role          models.Role `json:"role" validate:"omitempty,oneof=rider driver"`
}

// DefaultPublishTimeout bounds one event fan-out. It must stay below the
// ride lock lease or a slow sink outlives the lock it publishes under.
const DefaultPublishTimeout = 2 * time.Second

type Service struct {
	Store  storage.Store
	Locks  lock.Locker
	Events events.Publisher
	Logger *slog.Logger
	Now    func() time.Time
	NewID  func() string
	// PublishTimeout caps the whole fan-out of one event across every sink.
	// Zero disables the cap.
	PublishTimeout time.Duration
}

func NewService(store storage.Store, locks lock.Locker, pub events.Publisher, logger *slog.Logger) *Service {
	return &Service{Store: store, Locks: locks, Events: pub, Logger: logger, PublishTimeout: DefaultPublishTimeout}
}

func (s *Service) CreateRide(ctx context.Context, in CreateRideInput) (ride *models.Ride, err error) {
	defer s.observe("create_ride", &err)

	in.RiderName = strings.TrimSpace(in.RiderName)
	in.RiderPhone = strings.TrimSpace(in.RiderPhone)
	in.Origin = strings.TrimSpace(in.Origin)
	in.Destination = strings.TrimSpace(in.Destination)
	if err := validateInput(in); err != nil {
		return nil, err
	}

	now := s.now()
	ride = &models.Ride{
		ID:           s.newID(),
		RiderName:    in.RiderName,
		RiderPhone:   in.RiderPhone,
		Origin:       in.Origin,
		Destination:  in.Destination,
		InitialPrice: in.InitialPrice,
		CurrentPrice: in.InitialPrice,
		Status:       models.StatusOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.Store.CreateRide(ctx, ride); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}

	observability.RidesCreatedTotal.Inc()
	s.logger().Info("ride_created", "ride_id", ride.ID, "initial_price", ride.InitialPrice)
	s.publish(ctx, events.Event{
		Type:   events.RideCreated,
		RideID: ride.ID,
		Amount: ride.CurrentPrice,
		Status: ride.Status,
		At:     now,
	})
	return ride, nil
}

// StartNegotiation records the opening driver bid on an open ride.
func (s *Service) StartNegotiation(ctx context.Context, in StartInput) (offer *models.Offer, err error) {
	defer s.observe("start", &err)

	in.RideID = strings.TrimSpace(in.RideID)
	in.DriverName = strings.TrimSpace(in.DriverName)
	in.DriverPhone = strings.TrimSpace(in.DriverPhone)
	in.Message = strings.TrimSpace(in.Message)
	if err := validateInput(in); err != nil {
		return nil, err
	}

	err = s.withRideLock(ctx, in.RideID, func() error {
		ride, err := s.loadRide(ctx, in.RideID)
		if err != nil {
			return err
		}
		if err := checkStart(ride); err != nil {
			return err
		}

		now := s.now()
		offer = &models.Offer{
			ID:            s.newID(),
			RideID:        ride.ID,
			Role:          models.RoleDriver,
			FromUserName:  in.DriverName,
			FromUserPhone: in.DriverPhone,
			OfferAmount:   in.OfferAmount,
			Message:       messageOr(in.Message, "I can do this ride for $%.2f", in.OfferAmount),
			CreatedAt:     now,
		}
		next := *ride
		next.Status = models.StatusNegotiating
		next.CurrentPrice = offer.OfferAmount
		next.LastOfferID = offer.ID
		next.UpdatedAt = now

		if err := s.Store.AppendOffer(ctx, storage.VersionOf(ride), &next, offer); err != nil {
			return s.commitError(ctx, "start", ride.ID, err)
		}
		s.offerCommitted(ctx, &next, offer, "start", 1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// Counter appends a new turn answering in.OfferID, which must be the ride's
// latest offer.
func (s *Service) Counter(ctx context.Context, in CounterInput) (offer *models.Offer, err error) {
	defer s.observe("counter", &err)

	in.OfferID = strings.TrimSpace(in.OfferID)
	in.FromUserName = strings.TrimSpace(in.FromUserName)
	in.FromUserPhone = strings.TrimSpace(in.FromUserPhone)
	in.Message = strings.TrimSpace(in.Message)
	if err := validateInput(in); err != nil {
		return nil, err
	}

	parent, err := s.loadOffer(ctx, in.OfferID)
	if err != nil {
		return nil, err
	}

	err = s.withRideLock(ctx, parent.RideID, func() error {
		ride, err := s.loadRide(ctx, parent.RideID)
		if err != nil {
			return err
		}
		if err := checkCounterable(ride); err != nil {
			return err
		}
		if err := checkLatest(ride, parent.ID); err != nil {
			return err
		}
		role, err := counterRole(parent, in.Role)
		if err != nil {
			return err
		}

		now := s.now()
		offer = &models.Offer{
			ID:            s.newID(),
			RideID:        ride.ID,
			ParentOfferID: parent.ID,
			Role:          role,
			FromUserName:  in.FromUserName,
			FromUserPhone: in.FromUserPhone,
			OfferAmount:   in.OfferAmount,
			Message:       messageOr(in.Message, "How about $%.2f?", in.OfferAmount),
			CreatedAt:     now,
		}
		next := *ride
		next.CurrentPrice = offer.OfferAmount
		next.LastOfferID = offer.ID
		next.UpdatedAt = now

		if err := s.Store.AppendOffer(ctx, storage.VersionOf(ride), &next, offer); err != nil {
			return s.commitError(ctx, "counter", ride.ID, err)
		}
		s.offerCommitted(ctx, &next, offer, "counter", 0)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return offer, nil
}

// Accept closes the negotiation on offerID, which must be the ride's latest
// offer. The ride becomes agreed at that offer's amount.
func (s *Service) Accept(ctx context.Context, rideID, offerID string) (ride *models.Ride, err error) {
	defer s.observe("accept", &err)

	rideID, offerID = strings.TrimSpace(rideID), strings.TrimSpace(offerID)
	if rideID == "" || offerID == "" {
		return nil, &ValidationError{Fields: []FieldError{{Field: "ride_id/negotiation_id", Message: "this field is required", Code: "required"}}}
	}

	err = s.withRideLock(ctx, rideID, func() error {
		cur, err := s.loadRide(ctx, rideID)
		if err != nil {
			return err
		}
		if err := checkAcceptable(cur); err != nil {
			return err
		}
		offer, err := s.loadOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if offer.RideID != cur.ID {
			return fmt.Errorf("%w: offer %s does not belong to ride %s", ErrNotFound, offerID, rideID)
		}
		if err := checkLatest(cur, offer.ID); err != nil {
			return err
		}
		thread, err := s.Store.ListOffers(ctx, cur.ID)
		if err != nil {
			return fmt.Errorf("load thread: %w", err)
		}

		now := s.now()
		next := *cur
		next.Status = models.StatusAgreed
		next.CurrentPrice = offer.OfferAmount
		next.AgreedDriverName, next.AgreedDriverPhone = agreedDriver(offer, thread)
		next.UpdatedAt = now

		if err := s.Store.AcceptOffer(ctx, storage.VersionOf(cur), &next, offer.ID); err != nil {
			return s.commitError(ctx, "accept", cur.ID, err)
		}

		observability.AgreementsTotal.Inc()
		observability.NegotiationRounds.Observe(float64(len(thread)))
		s.logger().Info("ride_agreed",
			"ride_id", next.ID,
			"offer_id", offer.ID,
			"final_price", next.CurrentPrice,
			"rounds", len(thread),
		)
		s.publish(ctx, events.Event{
			Type:         events.RideAgreed,
			RideID:       next.ID,
			OfferID:      offer.ID,
			Role:         offer.Role,
			FromUserName: offer.FromUserName,
			Amount:       next.CurrentPrice,
			Status:       next.Status,
			Round:        len(thread),
			At:           now,
		})
		ride = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ride, nil
}

func (s *Service) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return s.loadRide(ctx, strings.TrimSpace(id))
}

// ListRides returns a snapshot of rides ordered by creation time.
func (s *Service) ListRides(ctx context.Context, f models.RideFilter) ([]*models.Ride, error) {
	for _, st := range f.Statuses {
		if !st.Valid() {
			return nil, &ValidationError{Fields: []FieldError{{Field: "status", Message: "must be one of: open negotiating agreed", Code: "oneof"}}}
		}
	}
	rides, err := s.Store.ListRides(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("list rides: %w", err)
	}
	return rides, nil
}

// Thread returns the ride's offers oldest-first; a ride without offers
// yields an empty slice.
func (s *Service) Thread(ctx context.Context, rideID string) ([]*models.Offer, error) {
	ride, err := s.loadRide(ctx, strings.TrimSpace(rideID))
	if err != nil {
		return nil, err
	}
	offers, err := s.Store.ListOffers(ctx, ride.ID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	if offers == nil {
		offers = []*models.Offer{}
	}
	return offers, nil
}

func (s *Service) withRideLock(ctx context.Context, rideID string, fn func() error) error {
	start := time.Now()
	unlock, err := s.Locks.Lock(ctx, rideID)
	observability.LockWaitSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("lock ride %s: %w", rideID, err)
	}
	defer unlock()
	return fn()
}

func (s *Service) loadRide(ctx context.Context, id string) (*models.Ride, error) {
	ride, err := s.Store.GetRide(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: ride %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load ride: %w", err)
	}
	return ride, nil
}

func (s *Service) loadOffer(ctx context.Context, id string) (*models.Offer, error) {
	offer, err := s.Store.GetOffer(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: offer %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load offer: %w", err)
	}
	return offer, nil
}

// commitError turns a lost compare-and-swap into the error the caller would
// have seen had it read the winning write first.
func (s *Service) commitError(ctx context.Context, op, rideID string, err error) error {
	if !errors.Is(err, storage.ErrConflict) {
		return fmt.Errorf("%s: %w", op, err)
	}
	cur, lerr := s.loadRide(ctx, rideID)
	if lerr != nil {
		return lerr
	}
	switch {
	case cur.Status == models.StatusAgreed:
		return fmt.Errorf("%w: ride %s is already agreed", ErrInvalidState, rideID)
	case op == "start" && cur.Status != models.StatusOpen:
		return checkStart(cur)
	default:
		return fmt.Errorf("%w: ride %s moved on to offer %s", ErrStaleOffer, rideID, cur.LastOfferID)
	}
}

func (s *Service) offerCommitted(ctx context.Context, ride *models.Ride, offer *models.Offer, kind string, round int) {
	observability.OffersTotal.WithLabelValues(string(offer.Role), kind).Inc()
	s.logger().Info("offer_created",
		"ride_id", ride.ID,
		"offer_id", offer.ID,
		"role", offer.Role,
		"amount", offer.OfferAmount,
		"kind", kind,
	)
	s.publish(ctx, events.Event{
		Type:         events.OfferCreated,
		RideID:       ride.ID,
		OfferID:      offer.ID,
		Role:         offer.Role,
		FromUserName: offer.FromUserName,
		Amount:       offer.OfferAmount,
		Status:       ride.Status,
		Round:        round,
		At:           offer.CreatedAt,
	})
}

// publish runs while the ride lock is held so per-ride event order matches
// commit order. PublishTimeout keeps it inside the lock lease. The commit
// already happened, so failures are only logged.
func (s *Service) publish(ctx context.Context, e events.Event) {
	if s.Events == nil {
		return
	}
	if s.PublishTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.PublishTimeout)
		defer cancel()
	}
	if err := s.Events.Publish(ctx, e); err != nil {
		observability.EventPublishErrors.Inc()
		s.logger().Warn("event_publish_failed", "type", e.Type, "ride_id", e.RideID, "error", err)
	}
}

func (s *Service) observe(op string, errp *error) {
	if err := *errp; err != nil {
		observability.RejectionsTotal.WithLabelValues(op, reason(err)).Inc()
		if reason(err) == "internal" {
			s.logger().Error("negotiation_failed", "op", op, "error", err)
		}
	}
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

func (s *Service) newID() string {
	if s.NewID != nil {
		return s.NewID()
	}
	return uuid.NewString()
}

func messageOr(msg, format string, amount float64) string {
	if msg != "" {
		return msg
	}
	return fmt.Sprintf(format, amount)
}
