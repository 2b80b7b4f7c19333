package models

import "time"

type RideStatus string

const (
	StatusOpen        RideStatus = "open"
	StatusNegotiating RideStatus = "negotiating"
	StatusAgreed      RideStatus = "agreed"
)

func (s RideStatus) Valid() bool {
	switch s {
	case StatusOpen, StatusNegotiating, StatusAgreed:
		return true
	}
	return false
}

// Role identifies which side of the negotiation made an offer.
type Role string

const (
	RoleRider  Role = "rider"
	RoleDriver Role = "driver"
)

// Opposite returns the counterpart role; the empty role maps to driver
// because a thread always opens with a driver bid.
func (r Role) Opposite() Role {
	if r == RoleDriver {
		return RoleRider
	}
	return RoleDriver
}

type Ride struct {
	ID                string     `json:"id" bson:"id"`
	RiderName         string     `json:"rider_name" bson:"rider_name"`
	RiderPhone        string     `json:"rider_phone" bson:"rider_phone"`
	Origin            string     `json:"origin" bson:"origin"`
	Destination       string     `json:"destination" bson:"destination"`
	InitialPrice      float64    `json:"initial_price" bson:"initial_price"`
	CurrentPrice      float64    `json:"current_price" bson:"current_price"`
	Status            RideStatus `json:"status" bson:"status"`
	LastOfferID       string     `json:"last_offer_id,omitempty" bson:"last_offer_id"`
	AgreedDriverName  string     `json:"agreed_driver_name,omitempty" bson:"agreed_driver_name,omitempty"`
	AgreedDriverPhone string     `json:"agreed_driver_phone,omitempty" bson:"agreed_driver_phone,omitempty"`
	CreatedAt         time.Time  `json:"created_at" bson:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at" bson:"updated_at"`
}

// Offer is one turn of a ride's negotiation thread.
type Offer struct {
	ID            string    `json:"id" bson:"id"`
	RideID        string    `json:"ride_id" bson:"ride_id"`
	ParentOfferID string    `json:"parent_offer_id,omitempty" bson:"parent_offer_id,omitempty"`
	Role          Role      `json:"role" bson:"role"`
	FromUserName  string    `json:"from_user_name" bson:"from_user_name"`
	FromUserPhone string    `json:"from_user_phone" bson:"from_user_phone"`
	OfferAmount   float64   `json:"offer_amount" bson:"offer_amount"`
	Message       string    `json:"message,omitempty" bson:"message,omitempty"`
	IsAccepted    bool      `json:"is_accepted" bson:"is_accepted"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
}

// RideFilter narrows ride listings. An empty Statuses slice matches all rides.
type RideFilter struct {
	Statuses []RideStatus
	Limit    int
}

func (f RideFilter) Matches(r *Ride) bool {
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if r.Status == s {
			return true
		}
	}
	return false
}
