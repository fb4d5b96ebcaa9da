package worker

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/lalithlochan/quiethours/internal/db"
	"github.com/lalithlochan/quiethours/internal/metrics"
	"github.com/lalithlochan/quiethours/internal/observ"
)

// Repository is the block store contract the dispatch core needs.
// Implemented by db.Repository, db.MemoryRepository and mongo.Store.
type Repository interface {
	FindCandidates(ctx context.Context, from, to time.Time) ([]*db.Block, error)
	GetUnnotifiedBlock(ctx context.Context, id uuid.UUID) (*db.Block, error)
	ClaimBlock(ctx context.Context, id uuid.UUID, at time.Time) (*db.Block, error)
	MarkEmailSent(ctx context.Context, id uuid.UUID, at time.Time) error
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
}

// Config tunes the selection window and dispatch pacing.
type Config struct {
	// LeadTime is how far ahead of a block's start the reminder fires.
	LeadTime time.Duration
	// Tolerance is the half-width of the selection window around now+LeadTime.
	Tolerance time.Duration
	// Pacing is the minimum gap between two users' dispatches.
	Pacing time.Duration
	// WriteTimeout bounds the finalize and rollback writes, which run even
	// after the pass context is cancelled.
	WriteTimeout time.Duration
	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Summary counts the outcomes of one pass.
type Summary struct {
	Candidates     int `json:"candidates"`
	Claimed        int `json:"claimed"`
	Delivered      int `json:"delivered"`
	RolledBack     int `json:"rolled_back"`
	Skipped        int `json:"skipped"`
	RollbackFailed int `json:"rollback_failed"`
}

// Worker runs dispatch passes against one store and one transport.
type Worker struct {
	repo     Repository
	sender   Sender
	composer *Composer
	alerter  Alerter
	config   Config
	logger   *zap.Logger
	tracer   trace.Tracer
}

// New builds a Worker, filling zero Config fields with defaults.
func New(repo Repository, sender Sender, composer *Composer, cfg Config, logger *zap.Logger) *Worker {
	if cfg.LeadTime == 0 {
		cfg.LeadTime = 10 * time.Minute
	}
	if cfg.Tolerance == 0 {
		cfg.Tolerance = 30 * time.Second
	}
	if cfg.Pacing == 0 {
		cfg.Pacing = 100 * time.Millisecond
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if composer == nil {
		composer = NewComposer(cfg.LeadTime, time.UTC)
	}

	return &Worker{
		repo:     repo,
		sender:   sender,
		composer: composer,
		alerter:  nopAlerter{},
		config:   cfg,
		logger:   logger,
		tracer:   observ.Tracer(),
	}
}

// WithAlerter routes operator alerts (rollback failures) to a.
func (w *Worker) WithAlerter(a Alerter) *Worker {
	if a != nil {
		w.alerter = a
	}
	return w
}

// RunPass executes one selection, dedup and claim/dispatch pass. Only a
// failure to read candidates is returned as an error; per-user failures are
// counted in the summary.
func (w *Worker) RunPass(ctx context.Context) (Summary, error) {
	ctx, span := w.tracer.Start(ctx, "quiethours.pass", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	start := time.Now()
	now := w.config.Now()
	from, to := Window(now, w.config.LeadTime, w.config.Tolerance)

	candidates, err := w.repo.FindCandidates(ctx, from, to)
	if err != nil {
		w.logger.Error("failed to fetch candidate blocks",
			zap.Error(err),
			zap.Time("window_start", from),
			zap.Time("window_end", to),
		)
		metrics.RecordPass("error", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Summary{}, fmt.Errorf("select candidates: %w", err)
	}

	summary := Summary{Candidates: len(candidates)}
	span.SetAttributes(attribute.Int("quiethours.candidates", len(candidates)))

	if len(candidates) == 0 {
		w.logger.Info("no candidates",
			zap.Time("window_start", from),
			zap.Time("window_end", to),
		)
		metrics.RecordPass("empty", time.Since(start))
		return summary, nil
	}

	w.logger.Info("candidate blocks found",
		zap.Int("count", len(candidates)),
		zap.Time("window_start", from),
		zap.Time("window_end", to),
	)

	byUser := Deduplicate(candidates)
	summary, err = w.dispatchAll(ctx, ordered(byUser), summary)

	w.logPass(summary)
	metrics.RecordPass("completed", time.Since(start))
	return summary, err
}

// RunBlock force-processes one block, bypassing the window. The block must
// still be unnotified. The returned error wraps ErrDeliveryFailed or
// ErrRollbackFailed when dispatch did not deliver.
func (w *Worker) RunBlock(ctx context.Context, id uuid.UUID) (Summary, error) {
	ctx, span := w.tracer.Start(ctx, "quiethours.block",
		trace.WithAttributes(attribute.String("quiethours.block_id", id.String())),
	)
	defer span.End()

	block, err := w.repo.GetUnnotifiedBlock(ctx, id)
	if err != nil {
		span.RecordError(err)
		return Summary{}, fmt.Errorf("load block: %w", err)
	}
	if block == nil {
		w.logger.Info("block not pending notification",
			zap.String("block_id", id.String()),
		)
		return Summary{}, nil
	}

	summary := Summary{Candidates: 1}
	var dispatchErr error
	summary, dispatchErr = w.processBlock(ctx, block, summary)
	w.logPass(summary)
	if dispatchErr != nil {
		span.RecordError(dispatchErr)
		span.SetStatus(codes.Error, dispatchErr.Error())
	}
	return summary, dispatchErr
}

// dispatchAll walks users one at a time. It stops early only if ctx is
// cancelled while waiting on the pacing limiter.
func (w *Worker) dispatchAll(ctx context.Context, blocks []*db.Block, summary Summary) (Summary, error) {
	limiter := rate.NewLimiter(rate.Every(w.config.Pacing), 1)

	for _, block := range blocks {
		if err := limiter.Wait(ctx); err != nil {
			w.logger.Warn("pass interrupted",
				zap.Error(err),
				zap.Int("remaining", len(blocks)-summary.Claimed-summary.Skipped),
			)
			return summary, fmt.Errorf("pacing wait: %w", err)
		}

		// Per-user dispatch errors are already logged and counted.
		summary, _ = w.processBlock(ctx, block, summary)
	}

	return summary, nil
}

func (w *Worker) processBlock(ctx context.Context, block *db.Block, summary Summary) (Summary, error) {
	if block.Recipient() == "" {
		w.logger.Info("skipping block without recipient",
			zap.String("block_id", block.ID.String()),
			zap.String("user_id", block.UserID),
		)
		summary.Skipped++
		metrics.RecordOutcome(metrics.OutcomeSkipped)
		return summary, nil
	}

	claimed, err := w.claim(ctx, block)
	if err != nil || claimed == nil {
		// Claim errors are treated like a lost claim: nothing was written.
		summary.Skipped++
		metrics.RecordOutcome(metrics.OutcomeSkipped)
		return summary, nil
	}
	summary.Claimed++
	metrics.RecordOutcome(metrics.OutcomeClaimed)

	out, err := w.dispatch(ctx, claimed)
	switch out {
	case outcomeDelivered:
		summary.Delivered++
	case outcomeRolledBack:
		summary.RolledBack++
	case outcomeRollbackFailed:
		summary.RollbackFailed++
	}
	return summary, err
}

func (w *Worker) logPass(s Summary) {
	w.logger.Info("pass finished",
		zap.Int("candidates", s.Candidates),
		zap.Int("claimed", s.Claimed),
		zap.Int("delivered", s.Delivered),
		zap.Int("rolled_back", s.RolledBack),
		zap.Int("skipped", s.Skipped),
		zap.Int("rollback_failed", s.RollbackFailed),
	)
}

// ordered returns the deduplicated blocks by start time, then user, so a pass
// processes users in a stable order.
func ordered(byUser map[string]*db.Block) []*db.Block {
	blocks := make([]*db.Block, 0, len(byUser))
	for _, b := range byUser {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool {
		if !blocks[i].StartTime.Equal(blocks[j].StartTime) {
			return blocks[i].StartTime.Before(blocks[j].StartTime)
		}
		return blocks[i].UserID < blocks[j].UserID
	})
	return blocks
}
