package worker

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sender is the outbound email capability. A nil error means the transport
// accepted the message. Implementations do not retry; a failed send is
// retried by a later pass after the claim is released.
type Sender interface {
	Send(ctx context.Context, msg *EmailMessage) error
}

// EmailMessage is one reminder email.
type EmailMessage struct {
	BlockID uuid.UUID `json:"block_id"`
	To      string    `json:"to"`
	Subject string    `json:"subject"`
	Text    string    `json:"text"`
	HTML    string    `json:"html"`
}

// Validate checks the fields every transport needs.
func (m *EmailMessage) Validate() error {
	switch {
	case m.To == "":
		return errors.New("email message missing recipient")
	case m.Subject == "":
		return errors.New("email message missing subject")
	case m.Text == "" && m.HTML == "":
		return errors.New("email message missing body")
	}
	return nil
}

// LogSender logs messages instead of sending them (for development)
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg *EmailMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	s.logger.Info("logging reminder (development mode)",
		zap.String("block_id", msg.BlockID.String()),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("text", msg.Text),
	)
	return nil
}
