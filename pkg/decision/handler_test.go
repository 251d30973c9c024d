package decision

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pferrors "github.com/otherjamesbrown/penf-triage/pkg/errors"
	"github.com/otherjamesbrown/penf-triage/pkg/logging"
	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

// fakeResumer records resume calls and returns a scripted error.
type fakeResumer struct {
	calls []triage.Decision
	err   error
}

func (f *fakeResumer) Resume(ctx context.Context, instanceID string, d triage.Decision) error {
	f.calls = append(f.calls, d)
	return f.err
}

// fakeInstances serves a single suspended instance.
type fakeInstances struct {
	inst *triage.Instance
}

func (f *fakeInstances) GetInstance(ctx context.Context, id string) (*triage.Instance, error) {
	if f.inst == nil || f.inst.ID != id {
		return nil, pferrors.ErrNotFound
	}
	cp := *f.inst
	return &cp, nil
}

func newTestHandler(resumer *fakeResumer, identities StaticIdentities) (*Handler, *fakeInstances) {
	instances := &fakeInstances{inst: &triage.Instance{
		ID:      "wf-1",
		OwnerID: "alice",
		Status:  triage.StatusSuspended,
	}}
	h := NewHandler(resumer, instances, identities, WithLogger(logging.NewNopLogger()))
	return h, instances
}

func TestHandleAppliesDecision(t *testing.T) {
	resumer := &fakeResumer{}
	h, _ := newTestHandler(resumer, nil)

	res, err := h.Handle(context.Background(), "alice", "wf-1", triage.Decision{Action: triage.DecisionApprove})
	require.NoError(t, err)

	assert.Equal(t, "wf-1", res.InstanceID)
	assert.False(t, res.AlreadyHandled)
	require.Len(t, resumer.calls, 1)
	assert.Equal(t, triage.DecisionApprove, resumer.calls[0].Action)
}

func TestHandleResolvesChannelIdentity(t *testing.T) {
	resumer := &fakeResumer{}
	h, _ := newTestHandler(resumer, StaticIdentities{"chat-user-42": "alice"})

	_, err := h.Handle(context.Background(), "chat-user-42", "wf-1", triage.Decision{Action: triage.DecisionReject})
	require.NoError(t, err)
	assert.Len(t, resumer.calls, 1)
}

func TestHandleUnauthorizedCallerDoesNotMutate(t *testing.T) {
	resumer := &fakeResumer{}
	h, _ := newTestHandler(resumer, nil)

	_, err := h.Handle(context.Background(), "mallory", "wf-1", triage.Decision{Action: triage.DecisionApprove})
	require.Error(t, err)
	assert.True(t, pferrors.IsUnauthorized(err))

	// Authorization runs before any mutation: the engine was never touched.
	assert.Empty(t, resumer.calls)
}

func TestHandleInvalidDecisionRejectedBeforeLookup(t *testing.T) {
	resumer := &fakeResumer{}
	h, _ := newTestHandler(resumer, nil)

	_, err := h.Handle(context.Background(), "alice", "wf-1", triage.Decision{Action: triage.DecisionChange})
	require.Error(t, err)
	assert.True(t, pferrors.IsValidation(err))
	assert.Empty(t, resumer.calls)
}

func TestHandleUnknownInstance(t *testing.T) {
	resumer := &fakeResumer{}
	h, _ := newTestHandler(resumer, nil)

	_, err := h.Handle(context.Background(), "alice", "wf-missing", triage.Decision{Action: triage.DecisionApprove})
	require.Error(t, err)
	assert.True(t, pferrors.IsNotFound(err))
	assert.Empty(t, resumer.calls)
}

func TestHandleDuplicateIsBenign(t *testing.T) {
	resumer := &fakeResumer{err: pferrors.ErrAlreadyResumed}
	h, _ := newTestHandler(resumer, nil)

	res, err := h.Handle(context.Background(), "alice", "wf-1", triage.Decision{Action: triage.DecisionApprove})
	require.NoError(t, err)
	assert.True(t, res.AlreadyHandled)
}

func TestHandleResumeFailurePropagates(t *testing.T) {
	resumer := &fakeResumer{err: assert.AnError}
	h, _ := newTestHandler(resumer, nil)

	_, err := h.Handle(context.Background(), "alice", "wf-1", triage.Decision{Action: triage.DecisionApprove})
	assert.ErrorIs(t, err, assert.AnError)
}

func TestStaticIdentitiesFallthrough(t *testing.T) {
	ids := StaticIdentities{"chat-1": "alice"}

	owner, err := ids.ResolveOwner(context.Background(), "chat-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	// Unmapped callers resolve to themselves.
	owner, err = ids.ResolveOwner(context.Background(), "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)
}

func TestParseChoiceValue(t *testing.T) {
	tests := []struct {
		name       string
		value      string
		wantAction triage.DecisionAction
		wantID     string
		wantErr    bool
	}{
		{"approve", "approve:wf-1", triage.DecisionApprove, "wf-1", false},
		{"reject", "reject:wf-2", triage.DecisionReject, "wf-2", false},
		{"change", "change:wf-3", triage.DecisionChange, "wf-3", false},
		{"id with colon", "approve:msg_1:abc", triage.DecisionApprove, "msg_1:abc", false},
		{"no separator", "approve", "", "", true},
		{"empty action", ":wf-1", "", "", true},
		{"empty instance", "approve:", "", "", true},
		{"empty value", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, id, err := ParseChoiceValue(tt.value)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, pferrors.IsValidation(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAction, action)
			assert.Equal(t, tt.wantID, id)
		})
	}
}
