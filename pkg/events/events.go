// Package events publishes loan domain events once the change they describe
// has been committed.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Type is the event name. It doubles as the AMQP routing key.
type Type string

const (
	LoanCreated     Type = "loan.created"
	LoanUpdated     Type = "loan.updated"
	LoanDeleted     Type = "loan.deleted"
	PaymentRecorded Type = "loan.payment_recorded"
	LoanPaidOff     Type = "loan.paid_off"
)

// Event is the envelope every publisher emits.
type Event struct {
	ID         uuid.UUID `json:"id"`
	Type       Type      `json:"type"`
	LoanID     uuid.UUID `json:"loan_id"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data,omitempty"`
}

// New builds an event for loanID stamped with the current time.
func New(t Type, loanID uuid.UUID, data any) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		LoanID:     loanID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	}
}

// ToJSON converts the event to JSON bytes.
func (e Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// Publisher delivers events to interested parties.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// LogPublisher writes events to a logger. It is used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a LogPublisher writing to logger.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.InfoContext(ctx, "Loan event",
		"event_id", e.ID,
		"type", string(e.Type),
		"loan_id", e.LoanID,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
