package batch

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otherjamesbrown/penf-triage/pkg/logging"
	"github.com/otherjamesbrown/penf-triage/pkg/notify"
	"github.com/otherjamesbrown/penf-triage/pkg/store"
	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

func testConfig() Config {
	return Config{
		Interval:            time.Minute,
		SendDelay:           time.Millisecond,
		MaxConcurrentOwners: 4,
	}
}

// middayUTC is comfortably outside the default 22:00-08:00 quiet window.
var middayUTC = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func enqueue(t *testing.T, st *store.Memory, ownerID, instanceID, category string, createdAt time.Time) *triage.PendingDelivery {
	t.Helper()
	ctx := context.Background()

	inst := &triage.Instance{
		ID:      instanceID,
		ItemID:  "item-" + instanceID,
		OwnerID: ownerID,
		Status:  triage.StatusSuspended,
	}
	require.NoError(t, st.CreateInstance(ctx, inst))

	entry := &triage.PendingDelivery{
		OwnerID:    ownerID,
		InstanceID: instanceID,
		Category:   category,
		Reasoning:  "looks like " + category,
		CreatedAt:  createdAt,
	}
	require.NoError(t, st.EnqueuePending(ctx, entry))
	return entry
}

func TestRunCycleNothingPending(t *testing.T) {
	st := store.NewMemory()
	rec := notify.NewRecorder()
	s := NewScheduler(st, rec, testConfig(), WithLogger(logging.NewNopLogger()))

	report, err := s.RunCycle(context.Background(), middayUTC)
	require.NoError(t, err)

	assert.Equal(t, &Report{}, report)
	assert.Empty(t, rec.Sent)
}

func TestRunCycleDeliversOwnerBatch(t *testing.T) {
	st := store.NewMemory()
	rec := notify.NewRecorder()
	s := NewScheduler(st, rec, testConfig(), WithLogger(logging.NewNopLogger()))

	base := middayUTC.Add(-time.Hour)
	enqueue(t, st, "alice", "wf-1", "Finance", base)
	enqueue(t, st, "alice", "wf-2", "Newsletters", base.Add(time.Minute))
	enqueue(t, st, "alice", "wf-3", "Newsletters", base.Add(2*time.Minute))

	report, err := s.RunCycle(context.Background(), middayUTC)
	require.NoError(t, err)

	assert.Equal(t, 1, report.OwnersProcessed)
	assert.Equal(t, 0, report.OwnersSkipped)
	assert.Equal(t, 4, report.MessagesSent)
	assert.Equal(t, 0, report.Failures)

	sent := rec.SentTo("alice")
	require.Len(t, sent, 4)

	// The summary leads and carries the category counts.
	assert.Contains(t, sent[0].Text, "3 emails waiting")
	assert.Contains(t, sent[0].Text, "Newsletters: 2")
	assert.Contains(t, sent[0].Text, "Finance: 1")
	assert.Empty(t, sent[0].Choices)

	// Entries follow oldest first, each with decision choices.
	require.Len(t, sent[1].Choices, 3)
	assert.Equal(t, "approve:wf-1", sent[1].Choices[0].Value)
	assert.Equal(t, "approve:wf-2", sent[2].Choices[0].Value)
	assert.Equal(t, "approve:wf-3", sent[3].Choices[0].Value)

	// Every entry is marked delivered and its message ref recorded so the
	// confirm step can edit the proposal in place.
	for _, e := range st.PendingEntries() {
		assert.True(t, e.Delivered, "entry %d", e.ID)
		require.NotNil(t, e.DeliveredAt)
	}
	inst, err := st.GetInstance(context.Background(), "wf-1")
	require.NoError(t, err)
	assert.Equal(t, string(sent[1].Ref), inst.State.MessageRef)

	// A second cycle finds nothing left.
	again, err := s.RunCycle(context.Background(), middayUTC)
	require.NoError(t, err)
	assert.Equal(t, 0, again.MessagesSent)
	assert.Len(t, rec.SentTo("alice"), 4)
}

func TestRunCycleMultipleOwners(t *testing.T) {
	st := store.NewMemory()
	rec := notify.NewRecorder()
	s := NewScheduler(st, rec, testConfig(), WithLogger(logging.NewNopLogger()))

	base := middayUTC.Add(-time.Hour)
	enqueue(t, st, "alice", "wf-1", "Finance", base)
	enqueue(t, st, "bob", "wf-2", "Work", base)

	report, err := s.RunCycle(context.Background(), middayUTC)
	require.NoError(t, err)

	assert.Equal(t, 2, report.OwnersProcessed)
	assert.Equal(t, 4, report.MessagesSent)
	assert.Len(t, rec.SentTo("alice"), 2)
	assert.Len(t, rec.SentTo("bob"), 2)
}

func TestRunCycleQuietHoursDefersOwner(t *testing.T) {
	st := store.NewMemory()
	rec := notify.NewRecorder()
	s := NewScheduler(st, rec, testConfig(), WithLogger(logging.NewNopLogger()))

	enqueue(t, st, "alice", "wf-1", "Finance", middayUTC.Add(-time.Hour))

	// 23:00 UTC is inside the default 22:00-08:00 window.
	lateNight := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	report, err := s.RunCycle(context.Background(), lateNight)
	require.NoError(t, err)

	assert.Equal(t, 0, report.OwnersProcessed)
	assert.Equal(t, 1, report.OwnersSkipped)
	assert.Empty(t, rec.Sent)

	// The entry is untouched and goes out on the next daytime cycle.
	entries := st.PendingEntries()
	require.Len(t, entries, 1)
	assert.False(t, entries[0].Delivered)

	report, err = s.RunCycle(context.Background(), middayUTC)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OwnersProcessed)
	assert.Equal(t, 2, report.MessagesSent)
}

func TestRunCycleBatchDisabledStillDrains(t *testing.T) {
	st := store.NewMemory()
	rec := notify.NewRecorder()
	s := NewScheduler(st, rec, testConfig(), WithLogger(logging.NewNopLogger()))

	prefs := triage.DefaultPreferences("alice")
	prefs.BatchEnabled = false
	require.NoError(t, st.PutPreferences(context.Background(), prefs))

	enqueue(t, st, "alice", "wf-1", "Finance", middayUTC.Add(-time.Hour))

	report, err := s.RunCycle(context.Background(), middayUTC)
	require.NoError(t, err)

	// Entries enqueued before batching was turned off are delivered rather
	// than stranded.
	assert.Equal(t, 1, report.OwnersProcessed)
	assert.Equal(t, 2, report.MessagesSent)
}

func TestRunCycleSummaryFailureDefersWholeBatch(t *testing.T) {
	st := store.NewMemory()
	rec := notify.NewRecorder()
	rec.FailOwners = map[string]error{"bob": assert.AnError}
	s := NewScheduler(st, rec, testConfig(), WithLogger(logging.NewNopLogger()))

	base := middayUTC.Add(-time.Hour)
	enqueue(t, st, "alice", "wf-1", "Finance", base)
	enqueue(t, st, "bob", "wf-2", "Work", base)

	report, err := s.RunCycle(context.Background(), middayUTC)
	require.NoError(t, err)

	// bob's failure does not abort the cycle or touch alice's batch.
	assert.Equal(t, 1, report.OwnersProcessed)
	assert.Equal(t, 1, report.OwnersSkipped)
	assert.Equal(t, 2, report.MessagesSent)
	assert.Len(t, rec.SentTo("alice"), 2)
	assert.Empty(t, rec.SentTo("bob"))

	// bob's entry stays pending for the next cycle.
	for _, e := range st.PendingEntries() {
		if e.OwnerID == "bob" {
			assert.False(t, e.Delivered)
			assert.Empty(t, e.DeliveryNote)
		}
	}
}

// flakyDispatcher fails sends that target a specific workflow instance, so a
// single bad entry can be simulated inside an otherwise healthy batch.
type flakyDispatcher struct {
	*notify.Recorder
	failInstance string
}

func (d *flakyDispatcher) SendWithChoices(ctx context.Context, ownerID, text string, choices []notify.Choice) (notify.MessageRef, error) {
	for _, c := range choices {
		if strings.HasSuffix(c.Value, ":"+d.failInstance) {
			return "", assert.AnError
		}
	}
	return d.Recorder.SendWithChoices(ctx, ownerID, text, choices)
}

func TestRunCycleEntryFailureIsIsolated(t *testing.T) {
	st := store.NewMemory()
	rec := notify.NewRecorder()
	disp := &flakyDispatcher{Recorder: rec, failInstance: "wf-2"}
	s := NewScheduler(st, disp, testConfig(), WithLogger(logging.NewNopLogger()))

	base := middayUTC.Add(-time.Hour)
	enqueue(t, st, "alice", "wf-1", "Finance", base)
	enqueue(t, st, "alice", "wf-2", "Work", base.Add(time.Minute))
	enqueue(t, st, "alice", "wf-3", "Newsletters", base.Add(2*time.Minute))

	report, err := s.RunCycle(context.Background(), middayUTC)
	require.NoError(t, err)

	// Summary plus two entries went out; the bad entry was skipped.
	assert.Equal(t, 1, report.OwnersProcessed)
	assert.Equal(t, 3, report.MessagesSent)
	assert.Equal(t, 1, report.Failures)

	for _, e := range st.PendingEntries() {
		switch e.InstanceID {
		case "wf-2":
			assert.False(t, e.Delivered)
			assert.NotEmpty(t, e.DeliveryNote)
		default:
			assert.True(t, e.Delivered, "entry %s", e.InstanceID)
		}
	}
}

func TestRunCycleRetriesFailedEntryNextCycle(t *testing.T) {
	st := store.NewMemory()
	rec := notify.NewRecorder()
	disp := &flakyDispatcher{Recorder: rec, failInstance: "wf-2"}
	s := NewScheduler(st, disp, testConfig(), WithLogger(logging.NewNopLogger()))

	base := middayUTC.Add(-time.Hour)
	enqueue(t, st, "alice", "wf-1", "Finance", base)
	enqueue(t, st, "alice", "wf-2", "Work", base.Add(time.Minute))

	report, err := s.RunCycle(context.Background(), middayUTC)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failures)

	// The dispatcher recovers and the next cycle picks the failed entry up
	// again: a fresh summary plus the remaining entry.
	disp.failInstance = ""
	report, err = s.RunCycle(context.Background(), middayUTC)
	require.NoError(t, err)
	assert.Equal(t, 2, report.MessagesSent)
	assert.Equal(t, 0, report.Failures)

	for _, e := range st.PendingEntries() {
		assert.True(t, e.Delivered, "entry %s", e.InstanceID)
	}
}

func TestRunCycleSkipsOwnerAlreadyInFlight(t *testing.T) {
	st := store.NewMemory()
	rec := notify.NewRecorder()
	s := NewScheduler(st, rec, testConfig(), WithLogger(logging.NewNopLogger()))

	enqueue(t, st, "alice", "wf-1", "Finance", middayUTC.Add(-time.Hour))

	// Simulate a previous batch for alice that has not finished yet.
	require.True(t, s.acquire("alice"))

	report, err := s.RunCycle(context.Background(), middayUTC)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OwnersSkipped)
	assert.Empty(t, rec.Sent)

	s.release("alice")
	report, err = s.RunCycle(context.Background(), middayUTC)
	require.NoError(t, err)
	assert.Equal(t, 1, report.OwnersProcessed)
}

func TestRunCycleCancelledContext(t *testing.T) {
	st := store.NewMemory()
	rec := notify.NewRecorder()
	cfg := testConfig()
	cfg.SendDelay = 50 * time.Millisecond
	s := NewScheduler(st, rec, cfg, WithLogger(logging.NewNopLogger()))

	base := middayUTC.Add(-time.Hour)
	enqueue(t, st, "alice", "wf-1", "Finance", base)
	enqueue(t, st, "alice", "wf-2", "Work", base.Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The owner goroutine observes cancellation at the first inter-send
	// delay; the cycle itself still reports rather than erroring out.
	report, err := s.RunCycle(ctx, middayUTC)
	require.NoError(t, err)
	assert.LessOrEqual(t, report.MessagesSent, 1)
}
