package storage

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/example/ride-negotiator/internal/models"
)

var (
	ErrNotFound = errors.New("storage: not found")
	// ErrConflict means the ride moved on since the caller read it.
	ErrConflict = errors.New("storage: version conflict")
)

// Version is the compare-and-swap token for a ride: a mutation commits only
// if the stored ride still has this status and last offer.
type Version struct {
	Status      models.RideStatus
	LastOfferID string
}

func VersionOf(r *models.Ride) Version {
	return Version{Status: r.Status, LastOfferID: r.LastOfferID}
}

// Store defines persistence operations for rides and their offer threads.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	ListRides(ctx context.Context, f models.RideFilter) ([]*models.Ride, error)
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	// ListOffers returns a ride's offers oldest-first.
	ListOffers(ctx context.Context, rideID string) ([]*models.Offer, error)
	// AppendOffer stores o and the ride's new state r atomically.
	AppendOffer(ctx context.Context, prev Version, r *models.Ride, o *models.Offer) error
	// AcceptOffer flags offerID as accepted and stores r atomically.
	AcceptOffer(ctx context.Context, prev Version, r *models.Ride, offerID string) error
	Ping(ctx context.Context) error
	Close() error
}

type MemoryStore struct {
	mu      sync.RWMutex
	rides   map[string]*models.Ride
	order   []string
	offers  map[string]*models.Offer
	threads map[string][]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rides:   make(map[string]*models.Ride),
		offers:  make(map[string]*models.Offer),
		threads: make(map[string][]string),
	}
}

func (m *MemoryStore) CreateRide(_ context.Context, r *models.Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rides[r.ID]; ok {
		return ErrConflict
	}
	cp := *r
	m.rides[r.ID] = &cp
	m.order = append(m.order, r.ID)
	return nil
}

func (m *MemoryStore) GetRide(_ context.Context, id string) (*models.Ride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *MemoryStore) ListRides(_ context.Context, f models.RideFilter) ([]*models.Ride, error) {
	m.mu.RLock()
	out := make([]*models.Ride, 0, len(m.order))
	for _, id := range m.order {
		r := m.rides[id]
		if !f.Matches(r) {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.offers[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) ListOffers(_ context.Context, rideID string) ([]*models.Offer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.threads[rideID]
	out := make([]*models.Offer, 0, len(ids))
	for _, id := range ids {
		cp := *m.offers[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) AppendOffer(_ context.Context, prev Version, r *models.Ride, o *models.Offer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkVersion(r.ID, prev); err != nil {
		return err
	}
	if _, ok := m.offers[o.ID]; ok {
		return ErrConflict
	}
	oc, rc := *o, *r
	m.offers[o.ID] = &oc
	m.threads[r.ID] = append(m.threads[r.ID], o.ID)
	m.rides[r.ID] = &rc
	return nil
}

func (m *MemoryStore) AcceptOffer(_ context.Context, prev Version, r *models.Ride, offerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkVersion(r.ID, prev); err != nil {
		return err
	}
	o, ok := m.offers[offerID]
	if !ok || o.RideID != r.ID {
		return ErrNotFound
	}
	o.IsAccepted = true
	rc := *r
	m.rides[r.ID] = &rc
	return nil
}

// checkVersion must be called with m.mu held.
func (m *MemoryStore) checkVersion(rideID string, prev Version) error {
	cur, ok := m.rides[rideID]
	if !ok {
		return ErrNotFound
	}
	if VersionOf(cur) != prev {
		return ErrConflict
	}
	return nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
