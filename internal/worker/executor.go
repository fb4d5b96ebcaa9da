package worker

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/quiethours/internal/db"
	"github.com/lalithlochan/quiethours/internal/metrics"
	"github.com/lalithlochan/quiethours/internal/sns"
)

var (
	// ErrDeliveryFailed means the transport rejected the reminder and the
	// claim was released for a later pass.
	ErrDeliveryFailed = errors.New("reminder delivery failed")
	// ErrRollbackFailed means delivery failed and the claim could not be
	// released. The block stays notified without a delivery until an operator
	// or the reconcile sweep intervenes.
	ErrRollbackFailed = errors.New("claim rollback failed")
)

type outcome int

const (
	outcomeDelivered outcome = iota
	outcomeRolledBack
	outcomeRollbackFailed
)

// dispatch sends the reminder for a claimed block and finalizes it, or
// releases the claim when the send fails.
func (w *Worker) dispatch(ctx context.Context, block *db.Block) (outcome, error) {
	ctx, span := w.tracer.Start(ctx, "quiethours.dispatch")
	defer span.End()

	msg := w.composer.Compose(block)

	sendErr := w.sender.Send(ctx, msg)

	// Bookkeeping writes must not be skipped because the pass was cancelled
	// mid-send.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.config.WriteTimeout)
	defer cancel()

	if sendErr == nil {
		w.logger.Info("reminder sent",
			zap.String("block_id", block.ID.String()),
			zap.String("user_id", block.UserID),
			zap.String("to", msg.To),
		)
		metrics.RecordOutcome(metrics.OutcomeDelivered)

		if err := w.repo.MarkEmailSent(writeCtx, block.ID, w.config.Now().UTC()); err != nil {
			// The email is out; reopening the claim would send it twice.
			w.logger.Error("reminder delivered but email_sent not recorded",
				zap.Error(err),
				zap.String("block_id", block.ID.String()),
				zap.Bool("page_operator", true),
			)
			w.alert(writeCtx, sns.AlertFinalizeFailed, block, err)
		}
		return outcomeDelivered, nil
	}

	w.logger.Error("failed to send reminder, releasing claim",
		zap.Error(sendErr),
		zap.String("block_id", block.ID.String()),
		zap.String("user_id", block.UserID),
	)
	span.RecordError(sendErr)

	if err := w.repo.ReleaseClaim(writeCtx, block.ID); err != nil {
		w.logger.Error("failed to release claim after delivery failure",
			zap.Error(err),
			zap.NamedError("send_error", sendErr),
			zap.String("block_id", block.ID.String()),
			zap.String("user_id", block.UserID),
			zap.Bool("page_operator", true),
		)
		metrics.RecordOutcome(metrics.OutcomeRollbackFailed)
		w.alert(writeCtx, sns.AlertRollbackFailed, block, err)
		return outcomeRollbackFailed, fmt.Errorf("%w: block %s: %v", ErrRollbackFailed, block.ID, err)
	}

	metrics.RecordOutcome(metrics.OutcomeRolledBack)
	return outcomeRolledBack, fmt.Errorf("%w: block %s: %v", ErrDeliveryFailed, block.ID, sendErr)
}
