package httpapi

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/example/ride-negotiator/internal/models"
	"github.com/example/ride-negotiator/internal/negotiation"
)

type rideCreatedResponse struct {
	*models.Ride
	RideID  string `json:"ride_id"`
	Message string `json:"message"`
}

type offerResponse struct {
	*models.Offer
	NegotiationID string `json:"negotiation_id"`
}

type acceptResponse struct {
	*models.Ride
	FinalPrice float64 `json:"final_price"`
	Message    string  `json:"message"`
}

func (s *Server) handleCreateRide(w http.ResponseWriter, r *http.Request) {
	var in negotiation.CreateRideInput
	if err := readJSON(w, r, s.maxBody, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	ride, err := s.engine.CreateRide(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rideCreatedResponse{Ride: ride, RideID: ride.ID, Message: "Ride request created successfully"})
}

// handleListRides accepts ?status=open,negotiating (or repeated status
// params). Without ?limit every matching ride is returned; an explicit limit
// is capped at the server's list limit.
func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f models.RideFilter
	for _, v := range q["status"] {
		for _, st := range strings.Split(v, ",") {
			if st = strings.TrimSpace(st); st != "" {
				f.Statuses = append(f.Statuses, models.RideStatus(strings.ToLower(st)))
			}
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			s.writeError(w, r, &negotiation.ValidationError{Fields: []negotiation.FieldError{{Field: "limit", Message: "must be a positive integer", Code: "gt"}}})
			return
		}
		f.Limit = min(n, s.listLimit)
	}

	rides, err := s.engine.ListRides(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rides == nil {
		rides = []*models.Ride{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	ride, err := s.engine.GetRide(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ride": ride})
}

func (s *Server) handleStartNegotiation(w http.ResponseWriter, r *http.Request) {
	var in negotiation.StartInput
	if err := readJSON(w, r, s.maxBody, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	offer, err := s.engine.StartNegotiation(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offerResponse{Offer: offer, NegotiationID: offer.ID})
}

func (s *Server) handleCounter(w http.ResponseWriter, r *http.Request) {
	var in negotiation.CounterInput
	if err := readJSON(w, r, s.maxBody, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	offer, err := s.engine.Counter(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, offerResponse{Offer: offer, NegotiationID: offer.ID})
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	offers, err := s.engine.Thread(r.Context(), mux.Vars(r)["ride_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"negotiations": offers})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	ride, err := s.engine.Accept(r.Context(), vars["ride_id"], vars["negotiation_id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acceptResponse{Ride: ride, FinalPrice: ride.CurrentPrice, Message: "Offer accepted"})
}
