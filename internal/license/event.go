package license

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventKind string

const (
	EventKeyIssued       EventKind = "key_issued"
	EventInvalidKey      EventKind = "invalid_key"
	EventKeyAlreadyBound EventKind = "key_already_bound"
	EventActivated       EventKind = "activated"
	EventReclaimed       EventKind = "reclaimed"
	EventExpired         EventKind = "expired"
	EventSweepFailed     EventKind = "sweep_failed"
)

// Event is an observation emitted by the core for whoever keeps the audit
// trail. Delivery is best effort.
type Event struct {
	ID       uuid.UUID `json:"id"`
	Kind     EventKind `json:"kind"`
	TenantID int64     `json:"tenant_id,omitempty"`
	Key      string    `json:"key,omitempty"`
	Detail   string    `json:"detail,omitempty"`
	At       time.Time `json:"at"`
}

// Notifier receives core events. Implementations must not block for long;
// they cannot fail the operation that produced the event.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev Event)

func (f NotifierFunc) Notify(ctx context.Context, ev Event) { f(ctx, ev) }

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}
