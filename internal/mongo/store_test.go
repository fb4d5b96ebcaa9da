package mongo

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
)

func TestCandidateFilter(t *testing.T) {
	from := time.Date(2026, 3, 1, 9, 59, 30, 0, time.UTC)
	to := from.Add(time.Minute)

	f := candidateFilter(from, to)

	if f["notified"] != false {
		t.Errorf("expected notified=false, got %v", f["notified"])
	}

	email, ok := f["user_email"].(bson.M)
	if !ok || email["$ne"] != nil {
		t.Errorf("expected user_email $ne nil, got %v", f["user_email"])
	}

	rng, ok := f["start_time"].(bson.M)
	if !ok {
		t.Fatalf("expected start_time range, got %v", f["start_time"])
	}
	if rng["$gte"] != from || rng["$lte"] != to {
		t.Errorf("expected inclusive [%v, %v], got %v", from, to, rng)
	}
}

func TestClaimFilterRequiresUnnotified(t *testing.T) {
	id := uuid.New()
	at := time.Now().UTC()

	f := claimFilter(id)
	if f["_id"] != id.String() {
		t.Errorf("expected _id %s, got %v", id, f["_id"])
	}
	if f["notified"] != false {
		t.Errorf("claim must match only notified=false, got %v", f["notified"])
	}

	set, ok := claimUpdate(at)["$set"].(bson.M)
	if !ok {
		t.Fatal("expected $set update")
	}
	if set["notified"] != true || set["notified_at"] != at {
		t.Errorf("unexpected claim update: %v", set)
	}
}

func TestStaleClaimFilter(t *testing.T) {
	cutoff := time.Now().UTC()
	f := staleClaimFilter(cutoff)

	if f["notified"] != true {
		t.Errorf("expected notified=true, got %v", f["notified"])
	}
	if at, ok := f["notified_at"].(bson.M); !ok || at["$lt"] != cutoff {
		t.Errorf("expected notified_at $lt cutoff, got %v", f["notified_at"])
	}
}

func TestFromModelRejectsBadID(t *testing.T) {
	if _, err := fromModel(&blockModel{ID: "not-a-uuid"}); err == nil {
		t.Fatal("expected error for malformed id")
	}
}

func TestRescheduleFilterSkipsFreshClaims(t *testing.T) {
	id := uuid.New()
	cutoff := time.Now().UTC().Add(-15 * time.Minute)

	f := rescheduleFilter(id, cutoff)
	if f["_id"] != id.String() {
		t.Errorf("expected _id %s, got %v", id, f["_id"])
	}
	if sent, ok := f["email_sent"].(bson.M); !ok || sent["$ne"] != true {
		t.Errorf("expected email_sent $ne true, got %v", f["email_sent"])
	}

	branches, ok := f["$or"].(bson.A)
	if !ok || len(branches) != 2 {
		t.Fatalf("expected two $or branches, got %v", f["$or"])
	}
	if unclaimed, _ := branches[0].(bson.M); unclaimed["notified"] != false {
		t.Errorf("first branch must match unclaimed blocks, got %v", branches[0])
	}
	stale, _ := branches[1].(bson.M)
	if at, ok := stale["notified_at"].(bson.M); !ok || at["$lt"] != cutoff {
		t.Errorf("second branch must match claims older than cutoff, got %v", branches[1])
	}
}
