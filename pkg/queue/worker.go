package queue

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/penf-triage/pkg/decision"
	pferrors "github.com/otherjamesbrown/penf-triage/pkg/errors"
	"github.com/otherjamesbrown/penf-triage/pkg/logging"
	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

// Starter is the engine capability the worker needs for start messages.
type Starter interface {
	Start(ctx context.Context, itemID, ownerID string) (string, error)
}

// DecisionHandler applies decision callback messages.
type DecisionHandler interface {
	Handle(ctx context.Context, callerID, instanceID string, d triage.Decision) (*decision.Result, error)
}

// Recoverer is implemented by queues that support stale message recovery.
type Recoverer interface {
	RecoverStaleMessages(ctx context.Context) error
}

// WorkerConfig configures the intake worker pool.
type WorkerConfig struct {
	// Concurrency is the number of parallel consumers.
	Concurrency int `yaml:"concurrency"`

	// DequeueWait bounds each blocking dequeue.
	DequeueWait time.Duration `yaml:"dequeue_wait"`

	// RecoveryInterval is how often stale messages are recovered.
	RecoveryInterval time.Duration `yaml:"recovery_interval"`
}

// DefaultWorkerConfig returns the default worker pool configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:      4,
		DequeueWait:      5 * time.Second,
		RecoveryInterval: time.Minute,
	}
}

// Worker drains the intake queue into the workflow engine and the decision
// handler.
type Worker struct {
	queue     Queue
	starter   Starter
	decisions DecisionHandler
	config    WorkerConfig
	logger    logging.Logger
}

// NewWorker creates an intake worker pool.
func NewWorker(q Queue, starter Starter, decisions DecisionHandler, cfg WorkerConfig, logger logging.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultWorkerConfig().Concurrency
	}
	if cfg.DequeueWait <= 0 {
		cfg.DequeueWait = DefaultWorkerConfig().DequeueWait
	}
	if cfg.RecoveryInterval <= 0 {
		cfg.RecoveryInterval = DefaultWorkerConfig().RecoveryInterval
	}
	if logger == nil {
		logger = logging.MustGlobal()
	}
	return &Worker{
		queue:     q,
		starter:   starter,
		decisions: decisions,
		config:    cfg,
		logger:    logger.With(logging.F("component", "intake_worker")),
	}
}

// Run consumes the queue until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < w.config.Concurrency; i++ {
		g.Go(func() error {
			return w.consume(gctx)
		})
	}

	if rec, ok := w.queue.(Recoverer); ok {
		g.Go(func() error {
			return w.recoverLoop(gctx, rec)
		})
	}

	w.logger.Info("Intake worker started",
		logging.F("queue", w.queue.Name()),
		logging.F("concurrency", w.config.Concurrency))
	return g.Wait()
}

func (w *Worker) consume(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		msgs, err := w.queue.Dequeue(ctx, 1, w.config.DequeueWait)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Error("Dequeue failed", logging.Err(err))
			continue
		}

		for _, qm := range msgs {
			w.handle(ctx, qm)
		}
	}
}

// handle processes one queued message. Permanent failures are acked so the
// queue does not grind on them; transient failures are nacked for retry.
func (w *Worker) handle(ctx context.Context, qm *QueuedMessage) {
	msg, err := qm.ParseMessage()
	if err != nil {
		w.logger.Error("Unparseable queue message",
			logging.Err(err),
			logging.F("message_id", qm.ID))
		if err := w.queue.MoveToDeadLetter(ctx, qm.ID, "unparseable message"); err != nil {
			w.logger.Error("Failed to dead-letter message", logging.Err(err))
		}
		return
	}

	switch m := msg.(type) {
	case *StartMessage:
		instanceID, err := w.starter.Start(ctx, m.ItemID, m.OwnerID)
		if err != nil {
			// The instance is persisted as failed; retrying the message
			// would spawn duplicates.
			w.logger.Error("Workflow start failed",
				logging.Err(err),
				logging.F("item_id", m.ItemID),
				logging.F("instance_id", instanceID))
		}
		w.ack(ctx, qm.ID)

	case *DecisionMessage:
		res, err := w.decisions.Handle(ctx, m.CallerID, m.InstanceID,
			triage.Decision{Action: m.Action, Category: m.Category})
		switch {
		case err == nil:
			if res.AlreadyHandled {
				w.logger.Debug("Decision already handled",
					logging.F("instance_id", m.InstanceID))
			}
			w.ack(ctx, qm.ID)
		case pferrors.IsUnauthorized(err) || pferrors.IsValidation(err) || pferrors.IsNotFound(err):
			w.logger.Warn("Decision rejected",
				logging.Err(err),
				logging.F("instance_id", m.InstanceID))
			w.ack(ctx, qm.ID)
		default:
			w.logger.Error("Decision processing failed",
				logging.Err(err),
				logging.F("instance_id", m.InstanceID))
			if err := w.queue.Nack(ctx, qm.ID); err != nil {
				w.logger.Error("Failed to nack message", logging.Err(err))
			}
		}

	default:
		w.ack(ctx, qm.ID)
	}
}

func (w *Worker) ack(ctx context.Context, messageID string) {
	if err := w.queue.Ack(ctx, messageID); err != nil {
		w.logger.Error("Failed to ack message",
			logging.Err(err),
			logging.F("message_id", messageID))
	}
}

func (w *Worker) recoverLoop(ctx context.Context, rec Recoverer) error {
	ticker := time.NewTicker(w.config.RecoveryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := rec.RecoverStaleMessages(ctx); err != nil {
				w.logger.Error("Stale message recovery failed", logging.Err(err))
			}
		}
	}
}
