package db

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// newTestRepository connects to QUIETHOURS_TEST_DATABASE_URL, applies the
// migrations and empties the blocks table. Skipped when the variable is unset.
func newTestRepository(t *testing.T) *Repository {
	t.Helper()

	url := os.Getenv("QUIETHOURS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("QUIETHOURS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	files, err := filepath.Glob(filepath.Join("..", "..", "migrations", "*.up.sql"))
	if err != nil {
		t.Fatal(err)
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := os.ReadFile(f)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			t.Fatalf("apply %s: %v", f, err)
		}
	}
	if _, err := pool.Exec(ctx, "TRUNCATE blocks"); err != nil {
		t.Fatalf("truncate: %v", err)
	}

	return NewRepository(&DB{pool: pool, logger: zap.NewNop()}, zap.NewNop())
}

func createBlock(t *testing.T, r *Repository, userID string, start time.Time) *Block {
	t.Helper()
	b := newBlock(userID, start)
	if err := r.CreateBlock(context.Background(), b); err != nil {
		t.Fatalf("create: %v", err)
	}
	return b
}

func TestRepository_FindCandidates(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	from, to := memNow, memNow.Add(time.Minute)

	inside := createBlock(t, r, "u1", from)
	edge := createBlock(t, r, "u2", to)
	createBlock(t, r, "u3", to.Add(time.Second))
	noEmail := newBlock("u4", from)
	noEmail.UserEmail = nil
	if err := r.CreateBlock(ctx, noEmail); err != nil {
		t.Fatal(err)
	}
	claimed := createBlock(t, r, "u5", from)
	if _, err := r.ClaimBlock(ctx, claimed.ID, memNow); err != nil {
		t.Fatal(err)
	}

	got, err := r.FindCandidates(ctx, from, to)
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

func TestRepository_ClaimLifecycle(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	b := createBlock(t, r, "u1", memNow)

	claimed, err := r.ClaimBlock(ctx, b.ID, memNow)
	if err != nil || claimed == nil || !claimed.Notified {
		t.Fatalf("expected claim, got %+v, %v", claimed, err)
	}
	if again, err := r.ClaimBlock(ctx, b.ID, memNow); err != nil || again != nil {
		t.Fatalf("second claim must be lost, got %+v, %v", again, err)
	}

	if err := r.ReleaseClaim(ctx, b.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if pending, err := r.GetUnnotifiedBlock(ctx, b.ID); err != nil || pending == nil {
		t.Fatalf("released block should be pending, got %+v, %v", pending, err)
	}

	if _, err := r.ClaimBlock(ctx, b.ID, memNow); err != nil {
		t.Fatal(err)
	}
	if err := r.MarkEmailSent(ctx, b.ID, memNow); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := r.ReleaseClaim(ctx, b.ID); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("release must not reopen a delivered block, got %v", err)
	}
	if _, err := r.Reschedule(ctx, b.ID, memNow, memNow); !errors.Is(err, ErrAlreadyDelivered) {
		t.Fatalf("expected ErrAlreadyDelivered, got %v", err)
	}
}

func TestRepository_ConcurrentClaims(t *testing.T) {
	r := newTestRepository(t)
	b := createBlock(t, r, "u1", memNow)

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := r.ClaimBlock(context.Background(), b.ID, memNow)
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

func TestRepository_RescheduleAndSweep(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()
	lease := 15 * time.Minute

	fresh := createBlock(t, r, "u1", memNow)
	old := createBlock(t, r, "u2", memNow)
	_, _ = r.ClaimBlock(ctx, fresh.ID, memNow)
	_, _ = r.ClaimBlock(ctx, old.ID, memNow.Add(-time.Hour))

	if _, err := r.Reschedule(ctx, fresh.ID, memNow.Add(10*time.Minute), memNow.Add(-lease)); !errors.Is(err, ErrClaimInFlight) {
		t.Fatalf("expected ErrClaimInFlight, got %v", err)
	}
	if _, err := r.Reschedule(ctx, uuid.New(), memNow, memNow); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}

	n, err := r.ReleaseStaleClaims(ctx, memNow.Add(-lease))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected one stale claim released, got %d", n)
	}

	got, err := r.Reschedule(ctx, old.ID, memNow.Add(10*time.Minute), memNow.Add(-lease))
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}
	if got.Notified || !got.StartTime.Equal(memNow.Add(10*time.Minute)) {
		t.Fatalf("unexpected rescheduled block %+v", got)
	}
}

func TestRepository_SetRecipient(t *testing.T) {
	r := newTestRepository(t)
	ctx := context.Background()

	b := newBlock("u1", memNow)
	b.UserEmail = nil
	if err := r.CreateBlock(ctx, b); err != nil {
		t.Fatal(err)
	}

	got, err := r.SetRecipient(ctx, b.ID, "late@example.com")
	if err != nil || got.Recipient() != "late@example.com" {
		t.Fatalf("expected recipient set, got %+v, %v", got, err)
	}

	if _, err := r.ClaimBlock(ctx, b.ID, memNow); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SetRecipient(ctx, b.ID, "other@example.com"); !errors.Is(err, ErrAlreadyNotified) {
		t.Fatalf("expected ErrAlreadyNotified, got %v", err)
	}
	if _, err := r.SetRecipient(ctx, uuid.New(), "x@example.com"); !errors.Is(err, ErrBlockNotFound) {
		t.Fatalf("expected ErrBlockNotFound, got %v", err)
	}
}
