// Package store provides the durable triage.Store implementations: a
// PostgreSQL store for production and an in-memory store for tests and
// local development.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	pferrors "github.com/otherjamesbrown/penf-triage/pkg/errors"
	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

// Postgres implements triage.Store on a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a Postgres store. The pool is owned by the caller.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// CreateInstance persists a new workflow instance.
func (s *Postgres) CreateInstance(ctx context.Context, inst *triage.Instance) error {
	state, err := json.Marshal(inst.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (id, owner_id, item_id, current_step, status, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		inst.ID, inst.OwnerID, inst.ItemID, string(inst.CurrentStep), string(inst.Status), state,
		inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert instance: %w", err)
	}
	return nil
}

// GetInstance returns the instance by id.
func (s *Postgres) GetInstance(ctx context.Context, id string) (*triage.Instance, error) {
	var (
		inst  triage.Instance
		state []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT id, owner_id, item_id, current_step, status, state, created_at, updated_at
		FROM workflow_instances WHERE id = $1`, id).
		Scan(&inst.ID, &inst.OwnerID, &inst.ItemID, &inst.CurrentStep, &inst.Status, &state,
			&inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: instance %s", pferrors.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to query instance: %w", err)
	}

	if err := json.Unmarshal(state, &inst.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return &inst, nil
}

// UpdateInstance persists the instance's current step, status and state.
func (s *Postgres) UpdateInstance(ctx context.Context, inst *triage.Instance) error {
	state, err := json.Marshal(inst.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances
		SET current_step = $2, status = $3, state = $4, updated_at = $5
		WHERE id = $1`,
		inst.ID, string(inst.CurrentStep), string(inst.Status), state, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: instance %s", pferrors.ErrNotFound, inst.ID)
	}
	return nil
}

// TransitionStatus atomically moves an instance between statuses. The
// conditional UPDATE is the compare-and-swap that guarantees exactly one
// resumer wins.
func (s *Postgres) TransitionStatus(ctx context.Context, id string, from, to triage.Status) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE workflow_instances SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2`,
		id, string(from), string(to))
	if err != nil {
		return fmt.Errorf("failed to transition status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Distinguish a missing instance from a lost race.
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check instance existence: %w", err)
	}
	if !exists {
		return fmt.Errorf("%w: instance %s", pferrors.ErrNotFound, id)
	}
	return fmt.Errorf("%w: instance %s is not %s", pferrors.ErrConflict, id, from)
}

// SetMessageRef records the dispatcher message reference on both the
// instance row and the latest checkpoint, so a later resume rehydrates it.
func (s *Postgres) SetMessageRef(ctx context.Context, id, ref string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) // nolint: errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE workflow_instances
		SET state = jsonb_set(state, '{message_ref}', to_jsonb($2::text)), updated_at = NOW()
		WHERE id = $1`, id, ref)
	if err != nil {
		return fmt.Errorf("failed to set message ref: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: instance %s", pferrors.ErrNotFound, id)
	}

	_, err = tx.Exec(ctx, `
		UPDATE workflow_checkpoints
		SET state = jsonb_set(state, '{message_ref}', to_jsonb($2::text))
		WHERE instance_id = $1
		  AND seq = (SELECT MAX(seq) FROM workflow_checkpoints WHERE instance_id = $1)`, id, ref)
	if err != nil {
		return fmt.Errorf("failed to set checkpoint message ref: %w", err)
	}

	return tx.Commit(ctx)
}

// AppendCheckpoint appends a checkpoint, assigning the next sequence number.
func (s *Postgres) AppendCheckpoint(ctx context.Context, cp *triage.Checkpoint) error {
	state, err := json.Marshal(cp.State)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	err = s.pool.QueryRow(ctx, `
		INSERT INTO workflow_checkpoints (instance_id, seq, step, status, state, created_at)
		SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3, $4, $5
		FROM workflow_checkpoints WHERE instance_id = $1
		RETURNING seq`,
		cp.InstanceID, string(cp.Step), string(cp.Status), state, cp.CreatedAt).Scan(&cp.Seq)
	if err != nil {
		return fmt.Errorf("failed to append checkpoint: %w", err)
	}
	return nil
}

// LatestCheckpoint returns the most recent checkpoint for an instance.
func (s *Postgres) LatestCheckpoint(ctx context.Context, instanceID string) (*triage.Checkpoint, error) {
	var (
		cp    triage.Checkpoint
		state []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT instance_id, seq, step, status, state, created_at
		FROM workflow_checkpoints
		WHERE instance_id = $1
		ORDER BY seq DESC LIMIT 1`, instanceID).
		Scan(&cp.InstanceID, &cp.Seq, &cp.Step, &cp.Status, &state, &cp.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: no checkpoints for instance %s", pferrors.ErrNotFound, instanceID)
		}
		return nil, fmt.Errorf("failed to query checkpoint: %w", err)
	}

	if err := json.Unmarshal(state, &cp.State); err != nil {
		return nil, fmt.Errorf("failed to unmarshal checkpoint state: %w", err)
	}
	return &cp, nil
}

// EnqueuePending adds an entry to the pending-delivery projection.
func (s *Postgres) EnqueuePending(ctx context.Context, entry *triage.PendingDelivery) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO pending_deliveries (owner_id, instance_id, category, reasoning, priority_score, is_priority, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		entry.OwnerID, entry.InstanceID, entry.Category, entry.Reasoning,
		entry.PriorityScore, entry.IsPriority, entry.CreatedAt).Scan(&entry.ID)
	if err != nil {
		return fmt.Errorf("failed to enqueue pending delivery: %w", err)
	}
	return nil
}

// ListPendingOwners returns the distinct owners with undelivered,
// non-priority pending entries.
func (s *Postgres) ListPendingOwners(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT owner_id FROM pending_deliveries
		WHERE NOT delivered AND NOT is_priority
		ORDER BY owner_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var owner string
		if err := rows.Scan(&owner); err != nil {
			return nil, err
		}
		owners = append(owners, owner)
	}
	return owners, rows.Err()
}

// ListPending returns the owner's undelivered non-priority entries, oldest
// first.
func (s *Postgres) ListPending(ctx context.Context, ownerID string) ([]*triage.PendingDelivery, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner_id, instance_id, category, reasoning, priority_score, is_priority,
		       created_at, delivered, delivered_at, delivery_note
		FROM pending_deliveries
		WHERE owner_id = $1 AND NOT delivered AND NOT is_priority
		ORDER BY created_at ASC, id ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending deliveries: %w", err)
	}
	defer rows.Close()

	var entries []*triage.PendingDelivery
	for rows.Next() {
		var e triage.PendingDelivery
		if err := rows.Scan(&e.ID, &e.OwnerID, &e.InstanceID, &e.Category, &e.Reasoning,
			&e.PriorityScore, &e.IsPriority, &e.CreatedAt, &e.Delivered, &e.DeliveredAt,
			&e.DeliveryNote); err != nil {
			return nil, err
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// MarkDelivered marks a pending entry as delivered.
func (s *Postgres) MarkDelivered(ctx context.Context, entryID int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_deliveries SET delivered = TRUE, delivered_at = $2
		WHERE id = $1`, entryID, at)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pending delivery %d", pferrors.ErrNotFound, entryID)
	}
	return nil
}

// MarkDeliveryFailed records a delivery failure note. The entry stays
// undelivered, so the next batch cycle retries it.
func (s *Postgres) MarkDeliveryFailed(ctx context.Context, entryID int64, note string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE pending_deliveries SET delivery_note = $2
		WHERE id = $1`, entryID, note)
	if err != nil {
		return fmt.Errorf("failed to mark delivery failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: pending delivery %d", pferrors.ErrNotFound, entryID)
	}
	return nil
}

// GetPreferences returns the owner's notification preferences, creating a
// defaults row on first access.
func (s *Postgres) GetPreferences(ctx context.Context, ownerID string) (*triage.Preferences, error) {
	prefs, err := s.queryPreferences(ctx, ownerID)
	if err == nil {
		return prefs, nil
	}
	if !pferrors.IsNotFound(err) {
		return nil, err
	}

	defaults := triage.DefaultPreferences(ownerID)
	defaults.UpdatedAt = time.Now().UTC()
	senders, _ := json.Marshal(defaults.PrioritySenders)

	// Concurrent first access is benign: DO NOTHING and re-read.
	_, err = s.pool.Exec(ctx, `
		INSERT INTO notification_preferences
			(owner_id, batch_enabled, batch_time, priority_bypass_enabled,
			 quiet_hours_start, quiet_hours_end, timezone, priority_senders, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id) DO NOTHING`,
		defaults.OwnerID, defaults.BatchEnabled, defaults.BatchTime, defaults.PriorityBypassEnabled,
		defaults.QuietHoursStart, defaults.QuietHoursEnd, defaults.Timezone, senders, defaults.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create default preferences: %w", err)
	}

	return s.queryPreferences(ctx, ownerID)
}

func (s *Postgres) queryPreferences(ctx context.Context, ownerID string) (*triage.Preferences, error) {
	var (
		prefs   triage.Preferences
		senders []byte
	)
	err := s.pool.QueryRow(ctx, `
		SELECT owner_id, batch_enabled, batch_time, priority_bypass_enabled,
		       quiet_hours_start, quiet_hours_end, timezone, priority_senders, updated_at
		FROM notification_preferences WHERE owner_id = $1`, ownerID).
		Scan(&prefs.OwnerID, &prefs.BatchEnabled, &prefs.BatchTime, &prefs.PriorityBypassEnabled,
			&prefs.QuietHoursStart, &prefs.QuietHoursEnd, &prefs.Timezone, &senders, &prefs.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: preferences for owner %s", pferrors.ErrNotFound, ownerID)
		}
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}

	if err := json.Unmarshal(senders, &prefs.PrioritySenders); err != nil {
		return nil, fmt.Errorf("failed to unmarshal priority senders: %w", err)
	}
	return &prefs, nil
}

// PutPreferences validates and persists notification preferences.
func (s *Postgres) PutPreferences(ctx context.Context, prefs *triage.Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}

	senders, err := json.Marshal(prefs.PrioritySenders)
	if err != nil {
		return fmt.Errorf("failed to marshal priority senders: %w", err)
	}
	prefs.UpdatedAt = time.Now().UTC()

	_, err = s.pool.Exec(ctx, `
		INSERT INTO notification_preferences
			(owner_id, batch_enabled, batch_time, priority_bypass_enabled,
			 quiet_hours_start, quiet_hours_end, timezone, priority_senders, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (owner_id) DO UPDATE SET
			batch_enabled = EXCLUDED.batch_enabled,
			batch_time = EXCLUDED.batch_time,
			priority_bypass_enabled = EXCLUDED.priority_bypass_enabled,
			quiet_hours_start = EXCLUDED.quiet_hours_start,
			quiet_hours_end = EXCLUDED.quiet_hours_end,
			timezone = EXCLUDED.timezone,
			priority_senders = EXCLUDED.priority_senders,
			updated_at = EXCLUDED.updated_at`,
		prefs.OwnerID, prefs.BatchEnabled, prefs.BatchTime, prefs.PriorityBypassEnabled,
		prefs.QuietHoursStart, prefs.QuietHoursEnd, prefs.Timezone, senders, prefs.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert preferences: %w", err)
	}
	return nil
}

// Verify interface compliance
var _ triage.Store = (*Postgres)(nil)
