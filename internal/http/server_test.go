package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/ride-negotiator/internal/dispatch"
	"github.com/example/ride-negotiator/internal/events"
	"github.com/example/ride-negotiator/internal/lock"
	"github.com/example/ride-negotiator/internal/negotiation"
	"github.com/example/ride-negotiator/internal/storage"
)

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func newTestServer(t *testing.T, health Pinger) (*httptest.Server, *dispatch.Hub) {
	t.Helper()
	return newTestServerWithOptions(t, Options{Health: health})
}

func newTestServerWithOptions(t *testing.T, opts Options) (*httptest.Server, *dispatch.Hub) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := dispatch.NewHub(logger)
	engine := negotiation.NewService(storage.NewMemoryStore(), lock.NewLocal(), hub, logger)
	opts.Logger, opts.Hub = logger, hub
	srv := httptest.NewServer(NewServer(engine, opts))
	t.Cleanup(srv.Close)
	return srv, hub
}

func doJSON(t *testing.T, method, url string, body any) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func createRide(t *testing.T, base string, price float64) string {
	t.Helper()
	status, body := doJSON(t, "POST", base+"/api/rides", map[string]any{
		"rider_name": "Alice", "rider_phone": "555-1234", "origin": "Downtown", "destination": "Airport", "initial_price": price,
	})
	if status != http.StatusCreated {
		t.Fatalf("create ride: status %d body %v", status, body)
	}
	id, _ := body["ride_id"].(string)
	if id == "" || body["id"] != id || body["status"] != "open" {
		t.Fatalf("unexpected create response %v", body)
	}
	return id
}

func TestNegotiationFlow(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	base := srv.URL

	rideID := createRide(t, base, 20)

	status, body := doJSON(t, "POST", base+"/api/negotiations", map[string]any{
		"ride_id": rideID, "driver_name": "Bob", "driver_phone": "555-5678", "offer_amount": 25,
	})
	if status != http.StatusCreated {
		t.Fatalf("start: status %d body %v", status, body)
	}
	bobOffer, _ := body["negotiation_id"].(string)
	if body["message"] != "I can do this ride for $25.00" || body["role"] != "driver" {
		t.Fatalf("unexpected start response %v", body)
	}

	status, body = doJSON(t, "POST", base+"/api/negotiations/counter", map[string]any{
		"negotiation_id": bobOffer, "from_user_name": "Alice", "from_user_phone": "555-1234", "offer_amount": 22,
	})
	if status != http.StatusCreated {
		t.Fatalf("counter: status %d body %v", status, body)
	}
	aliceOffer, _ := body["negotiation_id"].(string)
	if body["message"] != "How about $22.00?" || body["role"] != "rider" {
		t.Fatalf("unexpected counter response %v", body)
	}

	status, body = doJSON(t, "GET", base+"/api/negotiations/"+rideID, nil)
	if status != http.StatusOK {
		t.Fatalf("thread: status %d", status)
	}
	if thread, _ := body["negotiations"].([]any); len(thread) != 2 {
		t.Fatalf("expected 2 offers, got %v", body["negotiations"])
	}

	status, body = doJSON(t, "POST", base+"/api/rides/"+rideID+"/accept/"+aliceOffer, nil)
	if status != http.StatusOK {
		t.Fatalf("accept: status %d body %v", status, body)
	}
	if body["status"] != "agreed" || body["final_price"] != 22.0 || body["agreed_driver_name"] != "Bob" {
		t.Fatalf("unexpected accept response %v", body)
	}

	status, body = doJSON(t, "POST", base+"/api/negotiations/counter", map[string]any{
		"negotiation_id": aliceOffer, "from_user_name": "Bob", "from_user_phone": "555-0000", "offer_amount": 24,
	})
	if status != http.StatusConflict || body["code"] != "invalid_state" || body["error"] != true {
		t.Fatalf("counter after agreement: status %d body %v", status, body)
	}

	status, body = doJSON(t, "GET", base+"/api/rides/"+rideID, nil)
	ride, _ := body["ride"].(map[string]any)
	if status != http.StatusOK || ride["current_price"] != 22.0 {
		t.Fatalf("get ride: status %d body %v", status, body)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	base := srv.URL
	rideID := createRide(t, base, 20)

	cases := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"malformed json", "POST", "/api/rides", `{"rider_name":`, http.StatusBadRequest, "bad_request"},
		{"empty body", "POST", "/api/rides", "", http.StatusBadRequest, "bad_request"},
		{"wrong type", "POST", "/api/rides", `{"initial_price":"twenty"}`, http.StatusUnprocessableEntity, "validation"},
		{"non-positive price", "POST", "/api/rides", map[string]any{"rider_name": "A", "rider_phone": "1", "origin": "x", "destination": "y", "initial_price": 0}, http.StatusUnprocessableEntity, "validation"},
		{"unknown ride", "GET", "/api/rides/missing", nil, http.StatusNotFound, "not_found"},
		{"thread of unknown ride", "GET", "/api/negotiations/missing", nil, http.StatusNotFound, "not_found"},
		{"start on unknown ride", "POST", "/api/negotiations", map[string]any{"ride_id": "missing", "driver_name": "Bob", "driver_phone": "555-0001", "offer_amount": 5}, http.StatusNotFound, "not_found"},
		{"start without driver phone", "POST", "/api/negotiations", map[string]any{"ride_id": rideID, "driver_name": "Bob", "offer_amount": 5}, http.StatusUnprocessableEntity, "validation"},
		{"accept without offers", "POST", "/api/rides/" + rideID + "/accept/whatever", nil, http.StatusConflict, "invalid_state"},
		{"bad status filter", "GET", "/api/rides?status=finished", nil, http.StatusUnprocessableEntity, "validation"},
		{"bad limit", "GET", "/api/rides?limit=-1", nil, http.StatusUnprocessableEntity, "validation"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, body := doJSON(t, tc.method, base+tc.path, tc.body)
			if status != tc.status || body["code"] != tc.code {
				t.Fatalf("got status %d body %v, want %d %s", status, body, tc.status, tc.code)
			}
		})
	}
}

func TestValidationDetails(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	status, body := doJSON(t, "POST", srv.URL+"/api/rides", map[string]any{"initial_price": 10})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d", status)
	}
	details, _ := body["details"].([]any)
	if len(details) != 4 {
		t.Fatalf("expected one detail per missing field, got %v", body["details"])
	}
	first, _ := details[0].(map[string]any)
	if first["field"] != "rider_name" || first["code"] != "required" {
		t.Fatalf("unexpected detail %v", first)
	}
}

func TestStaleCounterIsConflict(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	base := srv.URL
	rideID := createRide(t, base, 20)
	_, body := doJSON(t, "POST", base+"/api/negotiations", map[string]any{"ride_id": rideID, "driver_name": "Bob", "driver_phone": "555-0001", "offer_amount": 25})
	first, _ := body["negotiation_id"].(string)
	doJSON(t, "POST", base+"/api/negotiations/counter", map[string]any{"negotiation_id": first, "from_user_name": "Alice", "from_user_phone": "555-0000", "offer_amount": 22})

	status, body := doJSON(t, "POST", base+"/api/negotiations/counter", map[string]any{"negotiation_id": first, "from_user_name": "Alice", "from_user_phone": "555-0000", "offer_amount": 21})
	if status != http.StatusConflict || body["code"] != "stale_offer" {
		t.Fatalf("expected stale_offer conflict, got %d %v", status, body)
	}
}

func TestListRidesFilter(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	base := srv.URL
	open := createRide(t, base, 10)
	busy := createRide(t, base, 12)
	doJSON(t, "POST", base+"/api/negotiations", map[string]any{"ride_id": busy, "driver_name": "Bob", "driver_phone": "555-0001", "offer_amount": 14})

	_, body := doJSON(t, "GET", base+"/api/rides", nil)
	if rides, _ := body["rides"].([]any); len(rides) != 2 {
		t.Fatalf("expected all rides, got %v", body)
	}

	_, body = doJSON(t, "GET", base+"/api/rides?status=open", nil)
	rides, _ := body["rides"].([]any)
	if len(rides) != 1 || rides[0].(map[string]any)["id"] != open {
		t.Fatalf("expected only the open ride, got %v", body)
	}

	_, body = doJSON(t, "GET", base+"/api/rides?status=open,negotiating&limit=1", nil)
	if rides, _ := body["rides"].([]any); len(rides) != 1 {
		t.Fatalf("limit not applied: %v", body)
	}
}

func TestListRidesReturnsEveryRideWithoutLimit(t *testing.T) {
	srv, _ := newTestServerWithOptions(t, Options{ListLimit: 3})
	base := srv.URL
	var newest string
	for i := 0; i < 4; i++ {
		newest = createRide(t, base, float64(10+i))
	}

	_, body := doJSON(t, "GET", base+"/api/rides", nil)
	rides, _ := body["rides"].([]any)
	if len(rides) != 4 {
		t.Fatalf("expected all 4 rides past the list limit, got %d", len(rides))
	}
	found := false
	for _, r := range rides {
		if r.(map[string]any)["id"] == newest {
			found = true
		}
	}
	if !found {
		t.Fatalf("newest ride %s missing from listing", newest)
	}

	_, body = doJSON(t, "GET", base+"/api/rides?limit=10", nil)
	if rides, _ := body["rides"].([]any); len(rides) != 3 {
		t.Fatalf("explicit limit should be capped at 3, got %d", len(rides))
	}
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t, fakePinger{})
	status, body := doJSON(t, "GET", srv.URL+"/api/health", nil)
	if status != http.StatusOK || body["status"] != "healthy" {
		t.Fatalf("unexpected health %d %v", status, body)
	}

	down, _ := newTestServer(t, fakePinger{err: errors.New("db down")})
	status, body = doJSON(t, "GET", down.URL+"/api/health", nil)
	if status != http.StatusServiceUnavailable || body["status"] != "unhealthy" {
		t.Fatalf("unexpected health %d %v", status, body)
	}

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz failed: %v", err)
	}
	resp.Body.Close()
}

func TestRequestIDAndCORS(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	req, _ := http.NewRequest("GET", srv.URL+"/api/rides", nil)
	req.Header.Set("X-Request-ID", "req-42")
	req.Header.Set("Origin", "http://localhost:3000")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") != "req-42" {
		t.Fatalf("request id not echoed: %q", resp.Header.Get("X-Request-ID"))
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("cors header missing: %v", resp.Header)
	}
}

func TestWebsocketReceivesRideEvents(t *testing.T) {
	srv, hub := newTestServer(t, nil)
	base := srv.URL
	rideID := createRide(t, base, 20)

	wsURL := "ws" + strings.TrimPrefix(base, "http") + "/ws/rides/" + rideID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var hello map[string]any
	if err := conn.ReadJSON(&hello); err != nil || hello["type"] != "subscribed" {
		t.Fatalf("expected subscription hello, got %v (%v)", hello, err)
	}
	if hub.Subscribers(rideID) != 1 {
		t.Fatalf("expected one subscriber")
	}

	doJSON(t, "POST", base+"/api/negotiations", map[string]any{"ride_id": rideID, "driver_name": "Bob", "driver_phone": "555-0001", "offer_amount": 25})

	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if e.Type != events.OfferCreated || e.RideID != rideID || e.Amount != 25 {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestWebsocketUnknownRide(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/rides/missing"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatalf("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %v", resp)
	}
}
