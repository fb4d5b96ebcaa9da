package mongo

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/quiethours/internal/db"
)

var storeNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// newTestStore connects to QUIETHOURS_TEST_MONGO_URI with a throwaway
// database that is dropped on cleanup. Skipped when the variable is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	uri := os.Getenv("QUIETHOURS_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("QUIETHOURS_TEST_MONGO_URI not set")
	}
	ctx := context.Background()

	name := "quiethours_test_" + uuid.NewString()[:8]
	s, err := New(ctx, Config{URI: uri, Database: name}, zap.NewNop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = s.col.Database().Drop(context.Background())
		_ = s.Close(context.Background())
	})

	if err := s.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func seedBlock(t *testing.T, s *Store, userID string, start time.Time, withEmail bool) *db.Block {
	t.Helper()
	b := &db.Block{ID: uuid.New(), UserID: userID, StartTime: start}
	if withEmail {
		email := userID + "@example.com"
		b.UserEmail = &email
	}
	if err := s.CreateBlock(context.Background(), b); err != nil {
		t.Fatalf("create: %v", err)
	}
	return b
}

func TestStore_FindCandidates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	from, to := storeNow, storeNow.Add(time.Minute)

	inside := seedBlock(t, s, "u1", from, true)
	edge := seedBlock(t, s, "u2", to, true)
	seedBlock(t, s, "u3", to.Add(time.Second), true)
	seedBlock(t, s, "u4", from, false)
	claimed := seedBlock(t, s, "u5", from, true)
	if _, err := s.ClaimBlock(ctx, claimed.ID, storeNow); err != nil {
		t.Fatal(err)
	}

	got, err := s.FindCandidates(ctx, from, to)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[uuid.UUID]bool{}
	for _, b := range got {
		ids[b.ID] = true
	}
	if len(got) != 2 || !ids[inside.ID] || !ids[edge.ID] {
		t.Fatalf("expected inclusive window with recipients only, got %d blocks", len(got))
	}
}

func TestStore_ClaimLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBlock(t, s, "u1", storeNow, true)

	claimed, err := s.ClaimBlock(ctx, b.ID, storeNow)
	if err != nil || claimed == nil || !claimed.Notified {
		t.Fatalf("expected claim, got %+v, %v", claimed, err)
	}
	if again, err := s.ClaimBlock(ctx, b.ID, storeNow); err != nil || again != nil {
		t.Fatalf("second claim must be lost, got %+v, %v", again, err)
	}

	if err := s.ReleaseClaim(ctx, b.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if pending, err := s.GetUnnotifiedBlock(ctx, b.ID); err != nil || pending == nil {
		t.Fatalf("released block should be pending, got %+v, %v", pending, err)
	}

	if _, err := s.ClaimBlock(ctx, b.ID, storeNow); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkEmailSent(ctx, b.ID, storeNow); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := s.ReleaseClaim(ctx, b.ID); !errors.Is(err, db.ErrBlockNotFound) {
		t.Fatalf("release must not reopen a delivered block, got %v", err)
	}
	if _, err := s.Reschedule(ctx, b.ID, storeNow, storeNow); !errors.Is(err, db.ErrAlreadyDelivered) {
		t.Fatalf("expected ErrAlreadyDelivered, got %v", err)
	}
}

func TestStore_ConcurrentClaims(t *testing.T) {
	s := newTestStore(t)
	b := seedBlock(t, s, "u1", storeNow, true)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimBlock(context.Background(), b.ID, storeNow)
			if err == nil && claimed != nil {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestStore_RescheduleAndSweep(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	lease := 15 * time.Minute

	fresh := seedBlock(t, s, "u1", storeNow, true)
	old := seedBlock(t, s, "u2", storeNow, true)
	_, _ = s.ClaimBlock(ctx, fresh.ID, storeNow)
	_, _ = s.ClaimBlock(ctx, old.ID, storeNow.Add(-time.Hour))

	if _, err := s.Reschedule(ctx, fresh.ID, storeNow.Add(10*time.Minute), storeNow.Add(-lease)); !errors.Is(err, db.ErrClaimInFlight) {
		t.Fatalf("expected ErrClaimInFlight, got %v", err)
	}
	if _, err := s.Reschedule(ctx, uuid.New(), storeNow, storeNow); !errors.Is(err, db.ErrBlockNotFound) {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}

	n, err := s.ReleaseStaleClaims(ctx, storeNow.Add(-lease))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one stale claim released, got %d", n)
	}

	got, err := s.Reschedule(ctx, old.ID, storeNow.Add(10*time.Minute), storeNow.Add(-lease))
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if got.Notified || !got.StartTime.Equal(storeNow.Add(10*time.Minute)) {
		t.Fatalf("unexpected rescheduled block %+v", got)
	}
}

func TestStore_SetRecipient(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	b := seedBlock(t, s, "u1", storeNow, false)

	got, err := s.SetRecipient(ctx, b.ID, "late@example.com")
	if err != nil || got.Recipient() != "late@example.com" {
		t.Fatalf("expected recipient set, got %+v, %v", got, err)
	}

	if _, err := s.ClaimBlock(ctx, b.ID, storeNow); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SetRecipient(ctx, b.ID, "other@example.com"); !errors.Is(err, db.ErrAlreadyNotified) {
		t.Fatalf("expected ErrAlreadyNotified, got %v", err)
	}
	if _, err := s.SetRecipient(ctx, uuid.New(), "x@example.com"); !errors.Is(err, db.ErrBlockNotFound) {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}
}
