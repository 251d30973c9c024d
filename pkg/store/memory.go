package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	pferrors "github.com/otherjamesbrown/penf-triage/pkg/errors"
	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

// Memory is an in-memory triage.Store for tests and local development. It
// honors the same atomicity contract as the Postgres store: TransitionStatus
// is a compare-and-swap under the store mutex.
type Memory struct {
	mu          sync.Mutex
	instances   map[string]*triage.Instance
	checkpoints map[string][]*triage.Checkpoint
	pending     []*triage.PendingDelivery
	nextPending int64
	preferences map[string]*triage.Preferences

	// FailCheckpoints makes the next N AppendCheckpoint calls fail, for
	// exercising the engine's retry path.
	FailCheckpoints int
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		instances:   make(map[string]*triage.Instance),
		checkpoints: make(map[string][]*triage.Checkpoint),
		preferences: make(map[string]*triage.Preferences),
	}
}

func (s *Memory) CreateInstance(ctx context.Context, inst *triage.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; ok {
		return fmt.Errorf("%w: instance %s already exists", pferrors.ErrConflict, inst.ID)
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *Memory) GetInstance(ctx context.Context, id string) (*triage.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return nil, fmt.Errorf("%w: instance %s", pferrors.ErrNotFound, id)
	}
	cp := *inst
	return &cp, nil
}

func (s *Memory) UpdateInstance(ctx context.Context, inst *triage.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.instances[inst.ID]; !ok {
		return fmt.Errorf("%w: instance %s", pferrors.ErrNotFound, inst.ID)
	}
	cp := *inst
	s.instances[inst.ID] = &cp
	return nil
}

func (s *Memory) TransitionStatus(ctx context.Context, id string, from, to triage.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("%w: instance %s", pferrors.ErrNotFound, id)
	}
	if inst.Status != from {
		return fmt.Errorf("%w: instance %s is not %s", pferrors.ErrConflict, id, from)
	}
	inst.Status = to
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Memory) SetMessageRef(ctx context.Context, id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.instances[id]
	if !ok {
		return fmt.Errorf("%w: instance %s", pferrors.ErrNotFound, id)
	}
	inst.State.MessageRef = ref

	if cps := s.checkpoints[id]; len(cps) > 0 {
		cps[len(cps)-1].State.MessageRef = ref
	}
	return nil
}

func (s *Memory) AppendCheckpoint(ctx context.Context, cp *triage.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.FailCheckpoints > 0 {
		s.FailCheckpoints--
		return fmt.Errorf("simulated checkpoint write failure")
	}

	clone := *cp
	clone.Seq = len(s.checkpoints[cp.InstanceID]) + 1
	cp.Seq = clone.Seq
	s.checkpoints[cp.InstanceID] = append(s.checkpoints[cp.InstanceID], &clone)
	return nil
}

func (s *Memory) LatestCheckpoint(ctx context.Context, instanceID string) (*triage.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.checkpoints[instanceID]
	if len(cps) == 0 {
		return nil, fmt.Errorf("%w: no checkpoints for instance %s", pferrors.ErrNotFound, instanceID)
	}
	clone := *cps[len(cps)-1]
	return &clone, nil
}

// Checkpoints returns a copy of the instance's full checkpoint history.
func (s *Memory) Checkpoints(instanceID string) []*triage.Checkpoint {
	s.mu.Lock()
	defer s.mu.Unlock()

	cps := s.checkpoints[instanceID]
	out := make([]*triage.Checkpoint, len(cps))
	for i, cp := range cps {
		clone := *cp
		out[i] = &clone
	}
	return out
}

func (s *Memory) EnqueuePending(ctx context.Context, entry *triage.PendingDelivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextPending++
	entry.ID = s.nextPending
	clone := *entry
	s.pending = append(s.pending, &clone)
	return nil
}

func (s *Memory) ListPendingOwners(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool)
	var owners []string
	for _, e := range s.pending {
		if e.Delivered || e.IsPriority || seen[e.OwnerID] {
			continue
		}
		seen[e.OwnerID] = true
		owners = append(owners, e.OwnerID)
	}
	sort.Strings(owners)
	return owners, nil
}

func (s *Memory) ListPending(ctx context.Context, ownerID string) ([]*triage.PendingDelivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*triage.PendingDelivery
	for _, e := range s.pending {
		if e.OwnerID != ownerID || e.Delivered || e.IsPriority {
			continue
		}
		clone := *e
		out = append(out, &clone)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Memory) MarkDelivered(ctx context.Context, entryID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.pending {
		if e.ID == entryID {
			e.Delivered = true
			deliveredAt := at
			e.DeliveredAt = &deliveredAt
			return nil
		}
	}
	return fmt.Errorf("%w: pending delivery %d", pferrors.ErrNotFound, entryID)
}

func (s *Memory) MarkDeliveryFailed(ctx context.Context, entryID int64, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.pending {
		if e.ID == entryID {
			e.DeliveryNote = note
			return nil
		}
	}
	return fmt.Errorf("%w: pending delivery %d", pferrors.ErrNotFound, entryID)
}

// PendingEntries returns a copy of the whole pending projection, delivered
// rows included.
func (s *Memory) PendingEntries() []*triage.PendingDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*triage.PendingDelivery, len(s.pending))
	for i, e := range s.pending {
		clone := *e
		out[i] = &clone
	}
	return out
}

func (s *Memory) GetPreferences(ctx context.Context, ownerID string) (*triage.Preferences, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefs, ok := s.preferences[ownerID]
	if !ok {
		prefs = triage.DefaultPreferences(ownerID)
		prefs.UpdatedAt = time.Now().UTC()
		s.preferences[ownerID] = prefs
	}
	clone := *prefs
	clone.PrioritySenders = append([]string(nil), prefs.PrioritySenders...)
	return &clone, nil
}

func (s *Memory) PutPreferences(ctx context.Context, prefs *triage.Preferences) error {
	if err := prefs.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	clone := *prefs
	clone.PrioritySenders = append([]string(nil), prefs.PrioritySenders...)
	clone.UpdatedAt = time.Now().UTC()
	s.preferences[prefs.OwnerID] = &clone
	return nil
}

// Verify interface compliance
var _ triage.Store = (*Memory)(nil)
