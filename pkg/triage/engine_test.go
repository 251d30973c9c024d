package triage_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-triage/pkg/classify"
	pferrors "github.com/otherjamesbrown/penf-triage/pkg/errors"
	"github.com/otherjamesbrown/penf-triage/pkg/logging"
	"github.com/otherjamesbrown/penf-triage/pkg/notify"
	"github.com/otherjamesbrown/penf-triage/pkg/scoring"
	"github.com/otherjamesbrown/penf-triage/pkg/source"
	"github.com/otherjamesbrown/penf-triage/pkg/store"
	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

// fakeSource serves fixed items keyed by item id.
type fakeSource struct {
	items map[string]*source.Item
	err   error
}

func (f *fakeSource) Fetch(ctx context.Context, itemID string) (*source.Item, error) {
	if f.err != nil {
		return nil, f.err
	}
	item, ok := f.items[itemID]
	if !ok {
		return nil, fmt.Errorf("item %s not found", itemID)
	}
	return item, nil
}

// fakeClassifier returns a fixed suggestion or error.
type fakeClassifier struct {
	sug *classify.Suggestion
	err error
}

func (f *fakeClassifier) Classify(ctx context.Context, content string, categories []string) (*classify.Suggestion, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.sug, nil
}

type fixture struct {
	store      *store.Memory
	dispatcher *notify.Recorder
	source     *fakeSource
	classifier *fakeClassifier
	engine     *triage.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		store:      store.NewMemory(),
		dispatcher: notify.NewRecorder(),
		source: &fakeSource{items: map[string]*source.Item{
			"msg-1": {
				Sender:  "boss@corp.example.com",
				Subject: "Q3 invoice",
				Body:    "Please process the attached invoice urgently.",
			},
		}},
		classifier: &fakeClassifier{sug: &classify.Suggestion{
			Category:   "Finance",
			Reasoning:  "mentions an invoice",
			Confidence: 0.9,
		}},
	}

	cfg := triage.DefaultEngineConfig()
	cfg.Scoring = scoring.OwnerConfig{
		AuthorityDomains: []string{"corp.example.com"},
	}

	f.engine = triage.NewEngine(f.store, triage.Deps{
		Source:     f.source,
		Classifier: f.classifier,
		Scorer:     scoring.NewScorer(),
		Dispatcher: f.dispatcher,
	},
		triage.WithConfig(cfg),
		triage.WithLogger(logging.NewNopLogger()))
	return f
}

func TestStartSuspendsWithProposal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// boss@corp.example.com plus "urgently" crosses the priority threshold,
	// so delivery is immediate despite batching defaults.
	id, err := f.engine.Start(ctx, "msg-1", "alice")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state, status, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusSuspended, status)
	assert.Equal(t, "Finance", state.Category)
	assert.True(t, state.IsPriority)
	assert.Equal(t, 80, state.PriorityScore)

	sent := f.dispatcher.SentTo("alice")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "Finance")
	assert.Contains(t, sent[0].Text, "Q3 invoice")
	require.Len(t, sent[0].Choices, 3)
	assert.Equal(t, "approve:"+id, sent[0].Choices[0].Value)
	assert.Equal(t, string(sent[0].Ref), state.MessageRef)
}

func TestStartCheckpointsEveryStep(t *testing.T) {
	f := newFixture(t)

	id, err := f.engine.Start(context.Background(), "msg-1", "alice")
	require.NoError(t, err)

	// enrich, classify, score_priority, notify, await_decision (suspend).
	cps := f.store.Checkpoints(id)
	require.Len(t, cps, 5)
	for i, cp := range cps {
		assert.Equal(t, i+1, cp.Seq)
	}
	last := cps[len(cps)-1]
	assert.Equal(t, triage.StepAwaitDecision, last.Step)
	assert.Equal(t, triage.StatusSuspended, last.Status)
}

func TestResumeApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "msg-1", "alice")
	require.NoError(t, err)

	err = f.engine.Resume(ctx, id, triage.Decision{Action: triage.DecisionApprove})
	require.NoError(t, err)

	state, status, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusCompleted, status)
	assert.Equal(t, "approved", state.FinalAction)
	assert.Equal(t, "Finance", state.SelectedCategory)

	// The proposal message was edited in place, not re-sent.
	require.Len(t, f.dispatcher.Edited, 1)
	assert.Contains(t, f.dispatcher.Edited[0].NewText, "Filed under Finance")
	assert.Len(t, f.dispatcher.SentTo("alice"), 1)
}

func TestResumeChange(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "msg-1", "alice")
	require.NoError(t, err)

	err = f.engine.Resume(ctx, id, triage.Decision{Action: triage.DecisionChange, Category: "Receipts"})
	require.NoError(t, err)

	state, status, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusCompleted, status)
	assert.Equal(t, "changed", state.FinalAction)
	assert.Equal(t, "Receipts", state.SelectedCategory)

	require.Len(t, f.dispatcher.Edited, 1)
	assert.Contains(t, f.dispatcher.Edited[0].NewText, "Moved to Receipts")
}

func TestResumeReject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "msg-1", "alice")
	require.NoError(t, err)

	require.NoError(t, f.engine.Resume(ctx, id, triage.Decision{Action: triage.DecisionReject}))

	state, status, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusCompleted, status)
	assert.Equal(t, "declined", state.FinalAction)
	assert.Empty(t, state.SelectedCategory)

	require.Len(t, f.dispatcher.Edited, 1)
	assert.Contains(t, f.dispatcher.Edited[0].NewText, "Left in place")
}

func TestResumeDuplicateIsBenign(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "msg-1", "alice")
	require.NoError(t, err)

	require.NoError(t, f.engine.Resume(ctx, id, triage.Decision{Action: triage.DecisionApprove}))

	// A second callback for the same instance must not re-execute anything.
	err = f.engine.Resume(ctx, id, triage.Decision{Action: triage.DecisionReject})
	require.Error(t, err)
	assert.True(t, pferrors.IsAlreadyResumed(err))

	state, _, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "approved", state.FinalAction, "first decision must stand")
	assert.Len(t, f.dispatcher.Edited, 1)
}

func TestResumeInvalidDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "msg-1", "alice")
	require.NoError(t, err)

	err = f.engine.Resume(ctx, id, triage.Decision{Action: triage.DecisionChange})
	require.Error(t, err)
	assert.True(t, pferrors.IsValidation(err))

	// Validation happens before the status transition; the instance is
	// still suspended and resumable.
	_, status, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusSuspended, status)
}

// flakyReadStore fails a number of instance reads to simulate transient
// store outages between the resume status swap and state rehydration.
type flakyReadStore struct {
	*store.Memory
	failGets int
}

func (s *flakyReadStore) GetInstance(ctx context.Context, id string) (*triage.Instance, error) {
	if s.failGets > 0 {
		s.failGets--
		return nil, fmt.Errorf("connection reset")
	}
	return s.Memory.GetInstance(ctx, id)
}

func TestResumeReadFailureLeavesInstanceResumable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "msg-1", "alice")
	require.NoError(t, err)

	flaky := &flakyReadStore{Memory: f.store, failGets: 1}
	engine := triage.NewEngine(flaky, triage.Deps{
		Source:     f.source,
		Classifier: f.classifier,
		Scorer:     scoring.NewScorer(),
		Dispatcher: f.dispatcher,
	}, triage.WithLogger(logging.NewNopLogger()))

	err = engine.Resume(ctx, id, triage.Decision{Action: triage.DecisionApprove})
	require.Error(t, err)
	assert.False(t, pferrors.IsAlreadyResumed(err))

	// The failed read unwound the status swap, so the retried callback is
	// not mistaken for a duplicate.
	_, status, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusSuspended, status)

	require.NoError(t, engine.Resume(ctx, id, triage.Decision{Action: triage.DecisionApprove}))
	state, status, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusCompleted, status)
	assert.Equal(t, "approved", state.FinalAction)
}

func TestResumeUnknownInstance(t *testing.T) {
	f := newFixture(t)

	err := f.engine.Resume(context.Background(), "wf-missing", triage.Decision{Action: triage.DecisionApprove})
	require.Error(t, err)
	assert.True(t, pferrors.IsNotFound(err))
}

func TestClassifierFailureFallsBack(t *testing.T) {
	f := newFixture(t)
	f.classifier.err = fmt.Errorf("gateway timeout")
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "msg-1", "alice")
	require.NoError(t, err)

	state, status, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusSuspended, status, "fallback still reaches the human")
	assert.Equal(t, triage.FallbackCategory, state.Category)
	assert.Equal(t, 0.0, state.Confidence)

	sent := f.dispatcher.SentTo("alice")
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0].Text, "Could not classify automatically")
	assert.NotContains(t, sent[0].Text, "gateway timeout")
}

func TestClassifierInvalidCategoryFallsBack(t *testing.T) {
	f := newFixture(t)
	f.classifier.sug = &classify.Suggestion{Category: "Spam", Confidence: 0.8}
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "msg-1", "alice")
	require.NoError(t, err)

	state, _, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.FallbackCategory, state.Category, "off-list category is rejected")
}

func TestEnrichFailureFailsInstance(t *testing.T) {
	f := newFixture(t)
	f.source.err = fmt.Errorf("connection refused")
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "msg-1", "alice")
	require.Error(t, err)
	require.NotEmpty(t, id, "instance id is returned even on failure")

	var te *pferrors.TriageError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, pferrors.ErrCodeContentUnreachable, te.Code)

	state, status, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusFailed, status)
	assert.Contains(t, state.Error, "msg-1")
	assert.Empty(t, f.dispatcher.Sent)
}

func TestNonPriorityDeferredToBatch(t *testing.T) {
	f := newFixture(t)
	f.source.items["msg-2"] = &source.Item{
		Sender:  "newsletter@shop.example.net",
		Subject: "Weekly deals",
		Body:    "This week only",
	}
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "msg-2", "alice")
	require.NoError(t, err)

	state, status, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusSuspended, status)
	assert.False(t, state.IsPriority)
	assert.True(t, state.PendingBatch)
	assert.Empty(t, state.MessageRef)

	// Nothing sent immediately; the entry sits on the pending projection.
	assert.Empty(t, f.dispatcher.Sent)
	pending, err := f.store.ListPending(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].InstanceID)
	assert.Equal(t, "Finance", pending[0].Category)
}

func TestBatchDisabledSendsImmediately(t *testing.T) {
	f := newFixture(t)
	f.source.items["msg-2"] = &source.Item{
		Sender:  "newsletter@shop.example.net",
		Subject: "Weekly deals",
		Body:    "This week only",
	}
	ctx := context.Background()

	prefs := triage.DefaultPreferences("bob")
	prefs.BatchEnabled = false
	require.NoError(t, f.store.PutPreferences(ctx, prefs))

	_, err := f.engine.Start(ctx, "msg-2", "bob")
	require.NoError(t, err)

	assert.Len(t, f.dispatcher.SentTo("bob"), 1)
	pending, err := f.store.ListPending(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPriorityBypassDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	prefs := triage.DefaultPreferences("carol")
	prefs.PriorityBypassEnabled = false
	require.NoError(t, f.store.PutPreferences(ctx, prefs))

	id, err := f.engine.Start(ctx, "msg-1", "carol")
	require.NoError(t, err)

	state, _, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 80, state.PriorityScore, "score is still recorded")
	assert.False(t, state.IsPriority, "bypass disabled forces non-priority handling")
	assert.True(t, state.PendingBatch)
	assert.Empty(t, f.dispatcher.SentTo("carol"))
}

func TestPrioritySendFailureIsNonFatal(t *testing.T) {
	f := newFixture(t)
	f.dispatcher.FailOwners = map[string]error{"alice": fmt.Errorf("webhook down")}
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "msg-1", "alice")
	require.NoError(t, err)

	state, status, err := f.engine.GetState(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusSuspended, status, "decision can still arrive via the API")
	assert.Empty(t, state.MessageRef)
}

func TestConfirmWithoutMessageRefSendsFresh(t *testing.T) {
	f := newFixture(t)
	f.source.items["msg-2"] = &source.Item{
		Sender:  "newsletter@shop.example.net",
		Subject: "Weekly deals",
		Body:    "deals",
	}
	ctx := context.Background()

	id, err := f.engine.Start(ctx, "msg-2", "alice")
	require.NoError(t, err)

	require.NoError(t, f.engine.Resume(ctx, id, triage.Decision{Action: triage.DecisionApprove}))

	// Deferred item was never sent, so the confirmation is a fresh message.
	assert.Empty(t, f.dispatcher.Edited)
	sent := f.dispatcher.SentTo("alice")
	require.Len(t, sent, 1)
	assert.True(t, strings.HasPrefix(sent[0].Text, "Filed under"))
}

func TestCheckpointRetrySucceeds(t *testing.T) {
	f := newFixture(t)
	f.store.FailCheckpoints = 2

	id, err := f.engine.Start(context.Background(), "msg-1", "alice")
	require.NoError(t, err, "transient checkpoint failures are retried")

	_, status, err := f.engine.GetState(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, triage.StatusSuspended, status)
}

func TestCheckpointRetryExhausted(t *testing.T) {
	f := newFixture(t)
	f.store.FailCheckpoints = 100

	_, err := f.engine.Start(context.Background(), "msg-1", "alice")
	require.Error(t, err)

	var te *pferrors.TriageError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, pferrors.ErrCodeCheckpointWriteFailed, te.Code)
}
