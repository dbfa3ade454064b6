package domain

import (
	"testing"
	"time"
)

func TestIdempotencyRecordLifecycle(t *testing.T) {
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		record      IdempotencyRecord
		wantExpired bool
		wantStuck   bool
		wantSettled bool
	}{
		{
			name:   "placement in flight",
			record: IdempotencyRecord{Status: IdempotencyStatusProcessing, TTLAt: now.Add(time.Minute)},
		},
		{
			name:        "placement never finished",
			record:      IdempotencyRecord{Status: IdempotencyStatusProcessing, TTLAt: now},
			wantExpired: true,
			wantStuck:   true,
		},
		{
			name:        "placed order cached",
			record:      IdempotencyRecord{Status: IdempotencyStatusDone, TTLAt: now.Add(time.Hour)},
			wantSettled: true,
		},
		{
			name:        "rejected transition expired",
			record:      IdempotencyRecord{Status: IdempotencyStatusFailed, TTLAt: now.Add(-time.Hour)},
			wantExpired: true,
			wantSettled: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.record.Expired(now); got != tc.wantExpired {
				t.Fatalf("Expired()=%v, want %v", got, tc.wantExpired)
			}
			if got := tc.record.Stuck(now); got != tc.wantStuck {
				t.Fatalf("Stuck()=%v, want %v", got, tc.wantStuck)
			}
			if got := tc.record.Settled(); got != tc.wantSettled {
				t.Fatalf("Settled()=%v, want %v", got, tc.wantSettled)
			}
		})
	}
}

func TestIdempotencyStatusValid(t *testing.T) {
	for _, s := range []IdempotencyStatus{IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed} {
		if !s.Valid() {
			t.Fatalf("%q must be valid", s)
		}
	}
	for _, s := range []IdempotencyStatus{"", "pending", "DONE"} {
		if s.Valid() {
			t.Fatalf("%q must be invalid", s)
		}
	}
}
