package worker

import (
	"context"

	"go.uber.org/zap"

	"github.com/lalithlochan/quiethours/internal/db"
)

// claim asks the store to flip notified false -> true for block. It returns
// the claimed row, or nil when another pass got there first. The store does
// the check and the write in one conditional statement, so overlapping passes
// never both win.
func (w *Worker) claim(ctx context.Context, block *db.Block) (*db.Block, error) {
	claimed, err := w.repo.ClaimBlock(ctx, block.ID, w.config.Now().UTC())
	if err != nil {
		w.logger.Error("failed to claim block",
			zap.Error(err),
			zap.String("block_id", block.ID.String()),
			zap.String("user_id", block.UserID),
		)
		return nil, err
	}
	if claimed == nil {
		w.logger.Info("claim lost, block handled by another pass",
			zap.String("block_id", block.ID.String()),
			zap.String("user_id", block.UserID),
		)
		return nil, nil
	}

	w.logger.Debug("block claimed",
		zap.String("block_id", claimed.ID.String()),
		zap.String("user_id", claimed.UserID),
	)
	return claimed, nil
}
