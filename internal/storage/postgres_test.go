package storage

import (
	"strings"
	"testing"
	"time"

	"github.com/example/ride-negotiator/internal/models"
)

func TestCasRideArgsMatchPlaceholders(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	prev := Version{Status: models.StatusNegotiating, LastOfferID: "o1"}
	r := &models.Ride{ID: "r1", CurrentPrice: 22, Status: models.StatusNegotiating, LastOfferID: "o2", UpdatedAt: now}

	args := casRideArgs(prev, r)
	if len(args) != 9 || !strings.Contains(casRideSQL, "$9") || strings.Contains(casRideSQL, "$10") {
		t.Fatalf("placeholders and args disagree: %d args", len(args))
	}

	cases := []struct {
		clause string
		idx    int
		want   any
	}{
		{"status = $1", 1, models.StatusNegotiating},
		{"current_price = $2", 2, 22.0},
		{"last_offer_id = $3", 3, "o2"},
		{"updated_at = $6", 6, now},
		{"id = $7", 7, "r1"},
		{"status = $8", 8, models.StatusNegotiating},
		{"last_offer_id = $9", 9, "o1"},
	}
	for _, tc := range cases {
		if !strings.Contains(casRideSQL, tc.clause) {
			t.Fatalf("statement lacks %q", tc.clause)
		}
		if args[tc.idx-1] != tc.want {
			t.Fatalf("%s bound to %v, want %v", tc.clause, args[tc.idx-1], tc.want)
		}
	}

	where := casRideSQL[strings.Index(casRideSQL, "WHERE"):]
	if !strings.Contains(where, "status = $8") || !strings.Contains(where, "last_offer_id = $9") {
		t.Fatalf("compare-and-swap guard missing from %q", where)
	}
}
