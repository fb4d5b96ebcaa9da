package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/quiethours/internal/metrics"
	"github.com/lalithlochan/quiethours/internal/sns"
)

// StaleClaimReleaser reopens claims that never recorded a delivery.
type StaleClaimReleaser interface {
	ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int64, error)
}

// Reconciler recovers blocks left notified-but-undelivered by a pass that died
// between claim and send. It is run on demand, never inside a pass.
//
// A lease shorter than the slowest possible send can reopen a claim that is
// still in flight and cause a duplicate reminder.
type Reconciler struct {
	repo    StaleClaimReleaser
	lease   time.Duration
	now     func() time.Time
	alerter Alerter
	logger  *zap.Logger
}

// NewReconciler sweeps claims older than lease (15m when unset).
func NewReconciler(repo StaleClaimReleaser, lease time.Duration, logger *zap.Logger) *Reconciler {
	if lease <= 0 {
		lease = 15 * time.Minute
	}
	return &Reconciler{
		repo:    repo,
		lease:   lease,
		now:     time.Now,
		alerter: nopAlerter{},
		logger:  logger,
	}
}

// WithAlerter reports released claims to a.
func (r *Reconciler) WithAlerter(a Alerter) *Reconciler {
	if a != nil {
		r.alerter = a
	}
	return r
}

// Sweep releases every claim older than the lease and returns how many.
func (r *Reconciler) Sweep(ctx context.Context) (int64, error) {
	cutoff := r.now().UTC().Add(-r.lease)

	n, err := r.repo.ReleaseStaleClaims(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sweep stale claims: %w", err)
	}

	metrics.RecordStaleClaimsReleased(n)

	if n == 0 {
		r.logger.Info("no stale claims", zap.Time("cutoff", cutoff))
		return 0, nil
	}

	r.logger.Warn("released stale claims",
		zap.Int64("count", n),
		zap.Time("cutoff", cutoff),
		zap.Duration("lease", r.lease),
	)

	alert := sns.Alert{
		Kind:   sns.AlertStaleClaims,
		Count:  n,
		Detail: fmt.Sprintf("released %d claims older than %s", n, r.lease),
		At:     r.now().UTC(),
	}
	if err := r.alerter.Alert(ctx, alert); err != nil {
		r.logger.Error("failed to publish operator alert", zap.Error(err))
	}

	return n, nil
}
