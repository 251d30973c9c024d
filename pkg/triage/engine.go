package triage

import (
	"context"
	"errors"
	"fmt"
	"time"

	pferrors "github.com/otherjamesbrown/penf-triage/pkg/errors"
	"github.com/otherjamesbrown/penf-triage/pkg/logging"
	"github.com/otherjamesbrown/penf-triage/pkg/observability"
	"github.com/otherjamesbrown/penf-triage/pkg/scoring"
)

// StepOutcome is returned by a step function to influence control flow.
type StepOutcome struct {
	// Suspend halts the instance after checkpointing, awaiting an external
	// decision.
	Suspend bool

	// NextOverride replaces the static edge for this transition when set.
	NextOverride Step
}

// StepFunc is a named workflow step. Steps receive the instance, mutate its
// state, and must not advance CurrentStep themselves - routing is owned by
// the engine.
type StepFunc func(ctx context.Context, inst *Instance) (StepOutcome, error)

// stepNode binds a step function to its static next edge.
type stepNode struct {
	fn   StepFunc
	next Step
}

// RetryPolicy bounds checkpoint write retries.
type RetryPolicy struct {
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	BackoffFactor  float64       `yaml:"backoff_factor"`
}

// DefaultRetryPolicy returns the default checkpoint retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    4,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// Backoff calculates the backoff duration before the given retry attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	backoff := p.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * p.BackoffFactor)
		if backoff > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return backoff
}

// EngineConfig carries the engine's policy knobs.
type EngineConfig struct {
	// Categories are the candidate routing categories offered to the
	// classification gateway.
	Categories []string `yaml:"categories"`

	// ExcerptLength bounds the content excerpt kept in workflow state.
	ExcerptLength int `yaml:"excerpt_length"`

	// Scoring holds the global scorer inputs merged with per-owner lists.
	Scoring scoring.OwnerConfig `yaml:"-"`

	// CheckpointRetry bounds checkpoint write retries.
	CheckpointRetry RetryPolicy `yaml:"checkpoint_retry"`
}

// DefaultEngineConfig returns the default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Categories:      []string{"Finance", "Work", "Personal", "Newsletters", "Receipts", FallbackCategory},
		ExcerptLength:   500,
		CheckpointRetry: DefaultRetryPolicy(),
	}
}

// Engine drives workflow instances through the fixed step graph, persisting
// a checkpoint after every step and suspending at the approval step.
//
// Instances execute single-threaded end to end up to a suspension or
// terminal point. Cross-process resume serialization relies on the store's
// conditional status transition, not on in-memory locks.
type Engine struct {
	store   Store
	deps    Deps
	config  EngineConfig
	graph   map[Step]stepNode
	logger  logging.Logger
	metrics *observability.TriageMetrics
	tracer  *observability.Tracer
}

// Option configures the engine.
type Option func(*Engine)

// WithConfig sets a custom engine configuration.
func WithConfig(cfg EngineConfig) Option {
	return func(e *Engine) {
		e.config = cfg
	}
}

// WithLogger sets a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithMetrics attaches a Prometheus metric set.
func WithMetrics(m *observability.TriageMetrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// NewEngine creates a workflow engine over the given store and external
// capabilities. All dependencies are injected here; step functions receive
// them via the engine, never through ambient globals.
func NewEngine(store Store, deps Deps, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		deps:   deps,
		config: DefaultEngineConfig(),
		logger: logging.MustGlobal(),
		tracer: observability.NewTracer(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(logging.F("component", "triage_engine"))

	// Static edge list: enrich -> classify -> score_priority -> notify ->
	// await_decision -> execute_action -> confirm -> end.
	e.graph = map[Step]stepNode{
		StepEnrich:        {fn: e.stepEnrich, next: StepClassify},
		StepClassify:      {fn: e.stepClassify, next: StepScorePriority},
		StepScorePriority: {fn: e.stepScorePriority, next: StepNotify},
		StepNotify:        {fn: e.stepNotify, next: StepAwaitDecision},
		StepAwaitDecision: {fn: e.stepAwaitDecision, next: StepExecuteAction},
		StepExecuteAction: {fn: e.stepExecuteAction, next: StepConfirm},
		StepConfirm:       {fn: e.stepConfirm, next: StepEnd},
	}
	return e
}

// Start creates a new workflow instance for the item and synchronously
// drives it until it suspends at the approval step or reaches a terminal
// status. The instance id is returned even when the instance fails.
func (e *Engine) Start(ctx context.Context, itemID, ownerID string) (string, error) {
	now := time.Now().UTC()
	inst := &Instance{
		ID:          NewInstanceID(itemID),
		OwnerID:     ownerID,
		ItemID:      itemID,
		CurrentStep: StepEnrich,
		Status:      StatusRunning,
		State:       State{Version: StateVersion},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := e.store.CreateInstance(ctx, inst); err != nil {
		return "", fmt.Errorf("failed to create instance: %w", err)
	}

	if e.metrics != nil {
		e.metrics.InstancesStartedTotal.WithLabelValues(ownerID).Inc()
	}

	ctx, span := e.tracer.StartInstanceSpan(ctx, observability.SpanStartInstance, inst.ID, ownerID)
	err := e.run(ctx, inst)
	observability.EndSpan(span, err)

	return inst.ID, err
}

// Resume continues a suspended instance with the human's decision. It is
// idempotent against duplicate callbacks: once an instance has left the
// suspended status, further calls return pferrors.ErrAlreadyResumed without
// side effects.
func (e *Engine) Resume(ctx context.Context, instanceID string, decision Decision) error {
	if err := decision.Validate(); err != nil {
		return fmt.Errorf("%w: %v", pferrors.ErrValidation, err)
	}

	// Conditional write on the stored status: exactly one resumer wins.
	if err := e.store.TransitionStatus(ctx, instanceID, StatusSuspended, StatusRunning); err != nil {
		if pferrors.IsConflict(err) {
			return pferrors.ErrAlreadyResumed
		}
		return err
	}

	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		e.unwindResume(ctx, instanceID)
		return err
	}
	inst.Status = StatusRunning

	// Rehydrate state from the latest durable checkpoint; the in-row state
	// and the checkpoint history agree, but the checkpoint is the recovery
	// contract.
	cp, err := e.store.LatestCheckpoint(ctx, instanceID)
	if err == nil {
		inst.State = cp.State
	} else if !pferrors.IsNotFound(err) {
		e.unwindResume(ctx, instanceID)
		return err
	}
	inst.State.Normalize()

	inst.State.UserDecision = decision.Action
	if decision.Action == DecisionChange {
		inst.State.SelectedCategory = decision.Category
	}
	inst.CurrentStep = e.graph[StepAwaitDecision].next

	if e.metrics != nil {
		e.metrics.SuspendedInstances.Dec()
	}

	ctx, span := e.tracer.StartInstanceSpan(ctx, observability.SpanResumeInstance, inst.ID, inst.OwnerID)
	err = e.run(ctx, inst)
	observability.EndSpan(span, err)
	return err
}

// unwindResume puts an instance back to suspended after its resume won the
// status transition but could not load durable state, so a later callback
// can still resume it. Best effort: if the swap back fails too, the
// instance stays running and needs operator attention.
func (e *Engine) unwindResume(ctx context.Context, instanceID string) {
	if err := e.store.TransitionStatus(ctx, instanceID, StatusRunning, StatusSuspended); err != nil {
		e.logger.Error("Failed to restore suspended status after resume error",
			logging.Err(err),
			logging.F("instance_id", instanceID))
	}
}

// GetState returns the current state and status of an instance.
func (e *Engine) GetState(ctx context.Context, instanceID string) (State, Status, error) {
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return State{}, "", err
	}
	st := inst.State
	st.Normalize()
	return st, inst.Status, nil
}

// run drives the instance from its current step until suspension or a
// terminal step, checkpointing after every step.
func (e *Engine) run(ctx context.Context, inst *Instance) error {
	for inst.Status == StatusRunning && inst.CurrentStep != StepEnd {
		node, ok := e.graph[inst.CurrentStep]
		if !ok {
			return fmt.Errorf("%w: no step registered for %q", pferrors.ErrInvalidState, inst.CurrentStep)
		}

		step := inst.CurrentStep
		stepCtx, span := e.tracer.StartStepSpan(ctx, string(step))
		start := time.Now()
		outcome, err := node.fn(stepCtx, inst)
		duration := time.Since(start)
		observability.EndSpan(span, err)

		if e.metrics != nil {
			status := "completed"
			if err != nil {
				status = "failed"
			}
			e.metrics.StepsTotal.WithLabelValues(string(step), status).Inc()
			e.metrics.StepSeconds.WithLabelValues(string(step)).Observe(duration.Seconds())
		}

		if err != nil {
			return e.failInstance(ctx, inst, step, err)
		}

		next := node.next
		if outcome.NextOverride != "" {
			next = outcome.NextOverride
		}

		if outcome.Suspend {
			inst.Status = StatusSuspended
			if err := e.persist(ctx, inst); err != nil {
				return err
			}
			if e.metrics != nil {
				e.metrics.SuspendedInstances.Inc()
			}
			e.logger.Info("Instance suspended awaiting decision",
				logging.F("instance_id", inst.ID),
				logging.F("owner_id", inst.OwnerID),
				logging.F("is_priority", inst.State.IsPriority))
			return nil
		}

		inst.CurrentStep = next
		if next == StepEnd {
			inst.Status = StatusCompleted
		}
		if err := e.persist(ctx, inst); err != nil {
			return err
		}

		e.logger.Debug("Step completed",
			logging.F("instance_id", inst.ID),
			logging.F("step", string(step)),
			logging.F("duration", duration))
	}

	if inst.Status == StatusCompleted {
		if e.metrics != nil {
			e.metrics.InstancesEndedTotal.WithLabelValues(string(StatusCompleted)).Inc()
		}
		e.logger.Info("Instance completed",
			logging.F("instance_id", inst.ID),
			logging.F("final_action", inst.State.FinalAction))
	}
	return nil
}

// failInstance marks the instance failed and persists the terminal state.
// Step effects before the failure are already checkpointed; the instance
// never ends up in a partial, ambiguous state.
func (e *Engine) failInstance(ctx context.Context, inst *Instance, step Step, cause error) error {
	inst.Status = StatusFailed
	inst.State.Error = cause.Error()

	if err := e.persist(ctx, inst); err != nil {
		e.logger.Error("Failed to persist failed instance",
			logging.Err(err),
			logging.F("instance_id", inst.ID))
	}
	if e.metrics != nil {
		e.metrics.InstancesEndedTotal.WithLabelValues(string(StatusFailed)).Inc()
	}

	e.logger.Error("Instance failed",
		logging.Err(cause),
		logging.F("instance_id", inst.ID),
		logging.F("step", string(step)))

	var te *pferrors.TriageError
	if errors.As(cause, &te) {
		return cause
	}
	return pferrors.NewTriageError(pferrors.ErrCodeProcessingError, string(step), cause.Error(), cause)
}

// persist writes a checkpoint and the updated instance row, retrying with
// bounded backoff. A step's effects are not considered committed until the
// checkpoint write succeeds.
func (e *Engine) persist(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = time.Now().UTC()
	cp := &Checkpoint{
		InstanceID: inst.ID,
		Step:       inst.CurrentStep,
		Status:     inst.Status,
		State:      inst.State,
		CreatedAt:  inst.UpdatedAt,
	}

	policy := e.config.CheckpointRetry
	if policy.MaxAttempts <= 0 {
		policy = DefaultRetryPolicy()
	}

	var lastErr error
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			if e.metrics != nil {
				e.metrics.CheckpointRetriesTotal.Inc()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(policy.Backoff(attempt - 1)):
			}
		}

		if err := e.store.AppendCheckpoint(ctx, cp); err != nil {
			lastErr = err
			continue
		}
		if err := e.store.UpdateInstance(ctx, inst); err != nil {
			lastErr = err
			continue
		}

		if e.metrics != nil {
			e.metrics.CheckpointWritesTotal.WithLabelValues("ok").Inc()
		}
		return nil
	}

	if e.metrics != nil {
		e.metrics.CheckpointWritesTotal.WithLabelValues("failed").Inc()
	}
	return pferrors.NewTriageError(pferrors.ErrCodeCheckpointWriteFailed, string(inst.CurrentStep),
		fmt.Sprintf("checkpoint write failed after %d attempts", policy.MaxAttempts), lastErr)
}
