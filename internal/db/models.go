package db

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is stored when a block is created without a title.
const DefaultTitle = "Silent block"

var (
	// ErrBlockNotFound is returned when a block id does not exist.
	ErrBlockNotFound = errors.New("block not found")
	// ErrAlreadyDelivered is returned when a change would reopen a block whose
	// reminder has already been sent.
	ErrAlreadyDelivered = errors.New("block reminder already delivered")
	// ErrClaimInFlight is returned when a dispatch run holds a claim younger
	// than the lease and may still be sending.
	ErrClaimInFlight = errors.New("block claim in flight")
	// ErrAlreadyNotified is returned when a recipient change targets a block
	// that has already been claimed.
	ErrAlreadyNotified = errors.New("block already notified")
)

// Block is a scheduled quiet-hours interval owned by a user.
type Block struct {
	ID          uuid.UUID  `json:"id"`
	UserID      string     `json:"user_id"`
	UserEmail   *string    `json:"user_email,omitempty"`
	Title       *string    `json:"title,omitempty"`
	StartTime   time.Time  `json:"start_time"`
	EndTime     *time.Time `json:"end_time,omitempty"`
	Notified    bool       `json:"notified"`
	NotifiedAt  *time.Time `json:"notified_at,omitempty"`
	EmailSent   bool       `json:"email_sent"`
	EmailSentAt *time.Time `json:"email_sent_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Recipient returns the destination address, or "" when the block has none.
func (b *Block) Recipient() string {
	if b.UserEmail == nil {
		return ""
	}
	return *b.UserEmail
}

// Clone returns a deep copy so callers can't mutate stored state.
func (b *Block) Clone() *Block {
	c := *b
	if b.UserEmail != nil {
		v := *b.UserEmail
		c.UserEmail = &v
	}
	if b.Title != nil {
		v := *b.Title
		c.Title = &v
	}
	if b.EndTime != nil {
		v := *b.EndTime
		c.EndTime = &v
	}
	if b.NotifiedAt != nil {
		v := *b.NotifiedAt
		c.NotifiedAt = &v
	}
	if b.EmailSentAt != nil {
		v := *b.EmailSentAt
		c.EmailSentAt = &v
	}
	return &c
}
