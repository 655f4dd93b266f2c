// Package notify delivers business object data status change events to
// in-process subscribers and external messaging.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dmcatalog/dmcat/pkg/types"
)

// Event is a business object data status change.
type Event struct {
	ID        string           `json:"id"`
	Key       types.DataKey    `json:"businessObjectDataKey"`
	NewStatus types.DataStatus `json:"newBusinessObjectDataStatus"`
	OldStatus types.DataStatus `json:"oldBusinessObjectDataStatus,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// NewEvent creates an event with a fresh id.
func NewEvent(key types.DataKey, newStatus, oldStatus types.DataStatus) Event {
	return Event{
		ID:        uuid.NewString(),
		Key:       key,
		NewStatus: newStatus,
		OldStatus: oldStatus,
		Timestamp: time.Now().UTC(),
	}
}

// Notifier receives status changes. An empty oldStatus means the previous
// status is unknown.
type Notifier interface {
	NotifyStatusChange(ctx context.Context, key types.DataKey, newStatus, oldStatus types.DataStatus) error
}

// Nop discards all notifications.
type Nop struct{}

// NotifyStatusChange does nothing.
func (Nop) NotifyStatusChange(context.Context, types.DataKey, types.DataStatus, types.DataStatus) error {
	return nil
}

// Multi fans a notification out to several notifiers. Failing sinks are
// logged and skipped so one sink never blocks another.
type Multi []Notifier

// NotifyStatusChange delivers to every sink and always returns nil.
func (m Multi) NotifyStatusChange(ctx context.Context, key types.DataKey, newStatus, oldStatus types.DataStatus) error {
	for _, n := range m {
		if err := n.NotifyStatusChange(ctx, key, newStatus, oldStatus); err != nil {
			log.Warn().Err(err).Str("key", key.Identity()).Str("status", string(newStatus)).
				Msg("status change notification failed")
		}
	}
	return nil
}
