package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/quiethours/internal/worker"
)

// ProtectedSender guards a worker.Sender with a CircuitBreaker.
type ProtectedSender struct {
	sender  worker.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

func NewProtectedSender(sender worker.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send fails fast with ErrCircuitOpen while the breaker is open.
func (p *ProtectedSender) Send(ctx context.Context, msg *worker.EmailMessage) error {
	if !p.breaker.Allow() {
		p.logger.Warn("email send rejected by circuit breaker",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("block_id", msg.BlockID.String()),
		)
		return fmt.Errorf("%w: %s sender unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	if err := p.sender.Send(ctx, msg); err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
