// Package notify delivers execution lifecycle events to in-process
// subscribers and to Redis.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/seantiz/orchestra/internal/model"
)

// Publisher delivers lifecycle events. Delivery is fire-and-forget: the
// engine logs a returned error and carries on.
type Publisher interface {
	Publish(ctx context.Context, ev model.Event) error
}

// NewEvent builds an execution event stamped with a fresh id and the current time.
func NewEvent(op string, e *model.Execution) model.Event {
	return model.Event{
		ID:         uuid.NewString(),
		EntityType: model.EntityExecution,
		EntityID:   e.ID,
		Operation:  op,
		Payload:    e,
		Timestamp:  time.Now().UTC(),
	}
}

// Multi fans an event out to several publishers. Every publisher is tried;
// the errors are joined.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, ev model.Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, model.Event) error { return nil }
