package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const blockColumns = `
	id, user_id, user_email, title, start_time, end_time,
	notified, notified_at, email_sent, email_sent_at, created_at
`

// Repository handles database operations for blocks
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new block repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// Ping checks the underlying pool.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Health(ctx)
}

func scanBlock(row pgx.Row) (*Block, error) {
	var b Block
	err := row.Scan(
		&b.ID,
		&b.UserID,
		&b.UserEmail,
		&b.Title,
		&b.StartTime,
		&b.EndTime,
		&b.Notified,
		&b.NotifiedAt,
		&b.EmailSent,
		&b.EmailSentAt,
		&b.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

func collectBlocks(rows pgx.Rows) ([]*Block, error) {
	defer rows.Close()

	var blocks []*Block
	for rows.Next() {
		b, err := scanBlock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan block: %w", err)
		}
		blocks = append(blocks, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return blocks, nil
}

// CreateBlock inserts a new block. The dispatch flags always start false.
func (r *Repository) CreateBlock(ctx context.Context, b *Block) error {
	query := `
		INSERT INTO blocks (
			id, user_id, user_email, title, start_time, end_time,
			notified, email_sent
		) VALUES (
			$1, $2, $3, $4, $5, $6, false, false
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		b.ID,
		b.UserID,
		b.UserEmail,
		b.Title,
		b.StartTime,
		b.EndTime,
	).Scan(&b.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create block",
			zap.Error(err),
			zap.String("block_id", b.ID.String()),
		)
		return fmt.Errorf("insert block: %w", err)
	}

	b.Notified = false
	b.EmailSent = false

	r.logger.Info("block created",
		zap.String("block_id", b.ID.String()),
		zap.String("user_id", b.UserID),
		zap.Time("start_time", b.StartTime),
	)

	return nil
}

// GetBlock retrieves a block by ID
func (r *Repository) GetBlock(ctx context.Context, id uuid.UUID) (*Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE id = $1`

	b, err := scanBlock(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query block: %w", err)
	}

	return b, nil
}

// ListBlocksByUser retrieves a user's blocks, most recent start first
func (r *Repository) ListBlocksByUser(ctx context.Context, userID string, limit, offset int) ([]*Block, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocks
		WHERE user_id = $1
		ORDER BY start_time DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query blocks: %w", err)
	}

	return collectBlocks(rows)
}

// FindCandidates returns unnotified blocks with a recipient whose start_time
// falls inside [from, to], both ends inclusive.
func (r *Repository) FindCandidates(ctx context.Context, from, to time.Time) ([]*Block, error) {
	query := `
		SELECT ` + blockColumns + `
		FROM blocks
		WHERE notified = false
		  AND user_email IS NOT NULL
		  AND start_time >= $1
		  AND start_time <= $2
	`

	rows, err := r.db.Pool().Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("query candidate blocks: %w", err)
	}

	return collectBlocks(rows)
}

// GetUnnotifiedBlock returns the block only while notified = false.
// Returns (nil, nil) when the block is missing or already notified.
func (r *Repository) GetUnnotifiedBlock(ctx context.Context, id uuid.UUID) (*Block, error) {
	query := `SELECT ` + blockColumns + ` FROM blocks WHERE id = $1 AND notified = false`

	b, err := scanBlock(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query unnotified block: %w", err)
	}

	return b, nil
}

// ClaimBlock flips notified false -> true in a single conditional UPDATE.
// Returns (nil, nil) when another pass holds the claim.
func (r *Repository) ClaimBlock(ctx context.Context, id uuid.UUID, at time.Time) (*Block, error) {
	query := `
		UPDATE blocks
		SET notified = true, notified_at = $2
		WHERE id = $1 AND notified = false
		RETURNING ` + blockColumns

	b, err := scanBlock(r.db.Pool().QueryRow(ctx, query, id, at))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim block: %w", err)
	}

	return b, nil
}

// MarkEmailSent records a confirmed delivery.
func (r *Repository) MarkEmailSent(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE blocks
		SET email_sent = true, email_sent_at = $2
		WHERE id = $1 AND notified = true
	`

	result, err := r.db.Pool().Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("mark email sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}

	return nil
}

// ReleaseClaim undoes a claim after a failed delivery. Delivered blocks are
// never reopened.
func (r *Repository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE blocks
		SET notified = false, notified_at = NULL
		WHERE id = $1 AND email_sent = false
	`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrBlockNotFound, id)
	}

	return nil
}

// ReleaseStaleClaims reopens blocks claimed before cutoff that never recorded
// a delivery.
func (r *Repository) ReleaseStaleClaims(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `
		UPDATE blocks
		SET notified = false, notified_at = NULL
		WHERE notified = true
		  AND email_sent = false
		  AND notified_at < $1
	`

	result, err := r.db.Pool().Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}

	return result.RowsAffected(), nil
}

// Reschedule moves a block's start and clears its claim so it is picked up
// again. A claim taken at or after staleBefore may still be sending and is
// left alone (ErrClaimInFlight). Fails with ErrAlreadyDelivered once the
// reminder went out.
func (r *Repository) Reschedule(ctx context.Context, id uuid.UUID, start, staleBefore time.Time) (*Block, error) {
	query := `
		UPDATE blocks
		SET start_time = $2, notified = false, notified_at = NULL
		WHERE id = $1
		  AND email_sent = false
		  AND (notified = false OR notified_at < $3)
		RETURNING ` + blockColumns

	b, err := scanBlock(r.db.Pool().QueryRow(ctx, query, id, start, staleBefore))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.explainRejected(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("reschedule block: %w", err)
	}

	r.logger.Info("block rescheduled",
		zap.String("block_id", id.String()),
		zap.Time("start_time", start),
	)

	return b, nil
}

// SetRecipient backfills the reminder address of a block that has not been
// claimed yet.
func (r *Repository) SetRecipient(ctx context.Context, id uuid.UUID, email string) (*Block, error) {
	query := `
		UPDATE blocks
		SET user_email = $2
		WHERE id = $1 AND notified = false
		RETURNING ` + blockColumns

	b, err := scanBlock(r.db.Pool().QueryRow(ctx, query, id, email))
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := r.GetBlock(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, fmt.Errorf("%w: %s", ErrAlreadyNotified, id)
	}
	if err != nil {
		return nil, fmt.Errorf("set recipient: %w", err)
	}

	r.logger.Info("block recipient updated", zap.String("block_id", id.String()))
	return b, nil
}

// explainRejected maps a conditional update that matched no row to the
// reason it was refused.
func (r *Repository) explainRejected(ctx context.Context, id uuid.UUID) error {
	b, err := r.GetBlock(ctx, id)
	if err != nil {
		return err
	}
	if b.EmailSent {
		return fmt.Errorf("%w: %s", ErrAlreadyDelivered, id)
	}
	return fmt.Errorf("%w: %s", ErrClaimInFlight, id)
}
