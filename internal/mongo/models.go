package mongo

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/quiethours/internal/db"
)

// blockModel is the stored document shape. Unknown fields on existing
// documents are ignored on decode.
type blockModel struct {
	ID          string     `bson:"_id"`
	UserID      string     `bson:"user_id"`
	UserEmail   *string    `bson:"user_email"`
	Title       *string    `bson:"title"`
	StartTime   time.Time  `bson:"start_time"`
	EndTime     *time.Time `bson:"end_time"`
	Notified    bool       `bson:"notified"`
	NotifiedAt  *time.Time `bson:"notified_at"`
	EmailSent   bool       `bson:"email_sent"`
	EmailSentAt *time.Time `bson:"email_sent_at"`
	CreatedAt   time.Time  `bson:"created_at"`
}

func toModel(b *db.Block) *blockModel {
	return &blockModel{
		ID:          b.ID.String(),
		UserID:      b.UserID,
		UserEmail:   b.UserEmail,
		Title:       b.Title,
		StartTime:   b.StartTime,
		EndTime:     b.EndTime,
		Notified:    b.Notified,
		NotifiedAt:  b.NotifiedAt,
		EmailSent:   b.EmailSent,
		EmailSentAt: b.EmailSentAt,
		CreatedAt:   b.CreatedAt,
	}
}

func fromModel(m *blockModel) (*db.Block, error) {
	id, err := uuid.Parse(m.ID)
	if err != nil {
		return nil, fmt.Errorf("parse block id %q: %w", m.ID, err)
	}
	return &db.Block{
		ID:          id,
		UserID:      m.UserID,
		UserEmail:   m.UserEmail,
		Title:       m.Title,
		StartTime:   m.StartTime.UTC(),
		EndTime:     m.EndTime,
		Notified:    m.Notified,
		NotifiedAt:  m.NotifiedAt,
		EmailSent:   m.EmailSent,
		EmailSentAt: m.EmailSentAt,
		CreatedAt:   m.CreatedAt,
	}, nil
}
