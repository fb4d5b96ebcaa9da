package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/quiethours/internal/db"
	"github.com/lalithlochan/quiethours/internal/sns"
)

// Alerter delivers operator alerts. sns.Publisher implements it.
type Alerter interface {
	Alert(ctx context.Context, a sns.Alert) error
}

type nopAlerter struct{}

func (nopAlerter) Alert(context.Context, sns.Alert) error { return nil }

func (w *Worker) alert(ctx context.Context, kind sns.AlertKind, block *db.Block, cause error) {
	a := sns.Alert{
		Kind:    kind,
		BlockID: block.ID.String(),
		UserID:  block.UserID,
		Detail:  cause.Error(),
		At:      w.config.Now().UTC(),
	}
	if err := w.alerter.Alert(ctx, a); err != nil {
		w.logger.Error("failed to publish operator alert",
			zap.Error(err),
			zap.String("kind", string(kind)),
			zap.String("block_id", a.BlockID),
		)
	}
}
