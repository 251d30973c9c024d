package triage

import (
	"context"
	"time"
)

// Store is the durable source of truth for workflow instances, their
// append-only checkpoint history, the pending-delivery projection and
// per-owner notification preferences.
//
// Implementations must support atomic conditional status transitions so two
// resumers cannot double-execute the post-decision steps.
type Store interface {
	// CreateInstance persists a new workflow instance.
	CreateInstance(ctx context.Context, inst *Instance) error

	// GetInstance returns the instance by id, or pferrors.ErrNotFound.
	GetInstance(ctx context.Context, id string) (*Instance, error)

	// UpdateInstance persists the instance's current step, status and state.
	UpdateInstance(ctx context.Context, inst *Instance) error

	// TransitionStatus atomically moves an instance from one status to
	// another. It returns pferrors.ErrConflict when the stored status does
	// not match from - the compare-and-swap that serializes resumers.
	TransitionStatus(ctx context.Context, id string, from, to Status) error

	// SetMessageRef records the dispatcher message reference for a suspended
	// instance without touching step or status. Used by the batch scheduler
	// after deferred delivery.
	SetMessageRef(ctx context.Context, id, ref string) error

	// AppendCheckpoint appends a checkpoint to the instance's history. The
	// store assigns the next sequence number.
	AppendCheckpoint(ctx context.Context, cp *Checkpoint) error

	// LatestCheckpoint returns the most recent checkpoint for an instance,
	// or pferrors.ErrNotFound when none exists.
	LatestCheckpoint(ctx context.Context, instanceID string) (*Checkpoint, error)

	// EnqueuePending adds an entry to the pending-delivery projection.
	EnqueuePending(ctx context.Context, entry *PendingDelivery) error

	// ListPendingOwners returns the distinct owners with undelivered,
	// non-priority pending entries.
	ListPendingOwners(ctx context.Context) ([]string, error)

	// ListPending returns the owner's undelivered non-priority entries in
	// ascending order of arrival.
	ListPending(ctx context.Context, ownerID string) ([]*PendingDelivery, error)

	// MarkDelivered marks a pending entry as delivered.
	MarkDelivered(ctx context.Context, entryID int64, at time.Time) error

	// MarkDeliveryFailed records a delivery failure note on a pending entry.
	// The entry stays undelivered, so the next batch cycle retries it.
	MarkDeliveryFailed(ctx context.Context, entryID int64, note string) error

	// GetPreferences returns the owner's notification preferences, creating
	// a row with defaults on first access.
	GetPreferences(ctx context.Context, ownerID string) (*Preferences, error)

	// PutPreferences validates and persists notification preferences.
	PutPreferences(ctx context.Context, prefs *Preferences) error
}
