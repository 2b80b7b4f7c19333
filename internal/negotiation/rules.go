package negotiation

import (
	"fmt"

	"github.com/example/ride-negotiator/internal/models"
)

// The functions below decide whether a mutation is legal for the ride as it
// was last read. They do not touch storage.

func checkStart(r *models.Ride) error {
	if r.Status != models.StatusOpen {
		return fmt.Errorf("%w: ride %s is %s, negotiation can only start on an open ride", ErrInvalidState, r.ID, r.Status)
	}
	return nil
}

func checkCounterable(r *models.Ride) error {
	switch r.Status {
	case models.StatusAgreed:
		return fmt.Errorf("%w: ride %s is already agreed", ErrInvalidState, r.ID)
	case models.StatusOpen:
		return fmt.Errorf("%w: ride %s has no negotiation in progress", ErrInvalidState, r.ID)
	}
	return nil
}

func checkAcceptable(r *models.Ride) error {
	if r.Status == models.StatusAgreed {
		return fmt.Errorf("%w: ride %s is already agreed", ErrInvalidState, r.ID)
	}
	if r.LastOfferID == "" {
		return fmt.Errorf("%w: ride %s has no offer to accept", ErrInvalidState, r.ID)
	}
	return nil
}

// checkLatest rejects any turn that does not answer the ride's last offer.
func checkLatest(r *models.Ride, offerID string) error {
	if r.LastOfferID != offerID {
		return fmt.Errorf("%w: offer %s is not the latest turn of ride %s", ErrStaleOffer, offerID, r.ID)
	}
	return nil
}

// counterRole resolves who is making a counter. Turns alternate, so an empty
// request takes the side opposite the last offer; naming the same side as
// the last offer means countering one's own standing offer.
func counterRole(last *models.Offer, requested models.Role) (models.Role, error) {
	if requested == "" {
		return last.Role.Opposite(), nil
	}
	if requested == last.Role {
		return "", fmt.Errorf("%w: the %s cannot counter their own offer", ErrInvalidState, requested)
	}
	return requested, nil
}

// agreedDriver picks the driver identity to record on an agreed ride: the
// accepted offer if a driver made it, otherwise the latest driver turn.
func agreedDriver(accepted *models.Offer, thread []*models.Offer) (name, phone string) {
	if accepted.Role == models.RoleDriver {
		return accepted.FromUserName, accepted.FromUserPhone
	}
	for i := len(thread) - 1; i >= 0; i-- {
		if thread[i].Role == models.RoleDriver {
			return thread[i].FromUserName, thread[i].FromUserPhone
		}
	}
	return "", ""
}
