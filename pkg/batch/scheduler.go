// Package batch implements the daily digest scheduler: it drains the
// pending-delivery projection per owner, sends a summary followed by the
// individual proposals, and marks entries delivered.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/otherjamesbrown/penf-triage/pkg/logging"
	"github.com/otherjamesbrown/penf-triage/pkg/notify"
	"github.com/otherjamesbrown/penf-triage/pkg/observability"
	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

// Config carries the scheduler's policy knobs.
type Config struct {
	// Interval between cycles when running via Run.
	Interval time.Duration `yaml:"interval"`

	// SendDelay is the minimum delay between consecutive sends to one
	// owner, so the channel is not flooded.
	SendDelay time.Duration `yaml:"send_delay"`

	// MaxConcurrentOwners bounds cross-owner parallelism within a cycle.
	MaxConcurrentOwners int `yaml:"max_concurrent_owners"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Interval:            15 * time.Minute,
		SendDelay:           100 * time.Millisecond,
		MaxConcurrentOwners: 8,
	}
}

// Report summarizes one batch cycle.
type Report struct {
	OwnersProcessed int `json:"owners_processed"`
	OwnersSkipped   int `json:"owners_skipped"`
	MessagesSent    int `json:"messages_sent"`
	Failures        int `json:"failures"`
}

// Scheduler drains pending deliveries in per-owner batches. Owners are
// processed in parallel across the cycle, but each owner's sends are
// strictly sequential, and an owner whose previous batch is still in flight
// is skipped rather than doubled up.
type Scheduler struct {
	store      triage.Store
	dispatcher notify.Dispatcher
	config     Config
	logger     logging.Logger
	metrics    *observability.TriageMetrics
	tracer     *observability.Tracer

	mu       sync.Mutex
	inFlight map[string]bool
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger sets a custom logger.
func WithLogger(logger logging.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics attaches a Prometheus metric set.
func WithMetrics(m *observability.TriageMetrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// NewScheduler creates a batch scheduler.
func NewScheduler(store triage.Store, dispatcher notify.Dispatcher, cfg Config, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.SendDelay <= 0 {
		cfg.SendDelay = DefaultConfig().SendDelay
	}
	if cfg.MaxConcurrentOwners <= 0 {
		cfg.MaxConcurrentOwners = DefaultConfig().MaxConcurrentOwners
	}

	s := &Scheduler{
		store:      store,
		dispatcher: dispatcher,
		config:     cfg,
		logger:     logging.MustGlobal(),
		tracer:     observability.NewTracer(),
		inFlight:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logging.F("component", "batch_scheduler"))
	return s
}

// Run executes cycles at the configured interval until the context is
// cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("Batch scheduler started",
		logging.F("interval", s.config.Interval))

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Batch scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.RunCycle(ctx, time.Now()); err != nil {
				s.logger.Error("Batch cycle failed", logging.Err(err))
			}
		}
	}
}

// RunCycle runs one delivery cycle evaluated at the given time. Owners with
// nothing pending produce no messages at all, and owners inside their quiet
// hours are deferred to a later cycle.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) (*Report, error) {
	ctx, span := s.tracer.StartBatchSpan(ctx)
	start := time.Now()

	report := &Report{}
	var reportMu sync.Mutex

	owners, err := s.store.ListPendingOwners(ctx)
	if err != nil {
		observability.EndSpan(span, err)
		return nil, fmt.Errorf("failed to list pending owners: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrentOwners)

	for _, owner := range owners {
		owner := owner
		if !s.acquire(owner) {
			reportMu.Lock()
			report.OwnersSkipped++
			reportMu.Unlock()
			s.recordOwner("in_flight")
			continue
		}

		g.Go(func() error {
			defer s.release(owner)

			sent, failed, err := s.deliverOwner(gctx, owner, now)

			reportMu.Lock()
			report.MessagesSent += sent
			report.Failures += failed
			switch {
			case err != nil:
				report.OwnersSkipped++
			case sent == 0 && failed == 0:
				report.OwnersSkipped++
			default:
				report.OwnersProcessed++
			}
			reportMu.Unlock()

			if err != nil {
				s.logger.Error("Owner batch failed",
					logging.Err(err),
					logging.F("owner_id", owner))
			}
			// Owner failures never abort the cycle.
			return nil
		})
	}

	_ = g.Wait()

	if s.metrics != nil {
		s.metrics.BatchCyclesTotal.Inc()
		s.metrics.BatchCycleSeconds.Observe(time.Since(start).Seconds())
	}
	observability.EndSpan(span, nil)

	s.logger.Info("Batch cycle completed",
		logging.F("owners_processed", report.OwnersProcessed),
		logging.F("owners_skipped", report.OwnersSkipped),
		logging.F("messages_sent", report.MessagesSent),
		logging.F("failures", report.Failures))
	return report, nil
}

// deliverOwner sends one owner's batch: the summary first, then each entry
// oldest first. Entry failures are recorded and skipped; they do not stop
// the rest of the batch.
func (s *Scheduler) deliverOwner(ctx context.Context, ownerID string, now time.Time) (sent, failed int, err error) {
	ctx, span := s.tracer.StartOwnerBatchSpan(ctx, ownerID)
	defer func() { observability.EndSpan(span, err) }()

	prefs, err := s.store.GetPreferences(ctx, ownerID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to load preferences: %w", err)
	}
	if !prefs.BatchEnabled {
		// Batching was turned off after entries were enqueued; deliver
		// them anyway rather than strand them.
		s.logger.Debug("Owner has batching disabled, draining pending entries",
			logging.F("owner_id", ownerID))
	}
	if prefs.InQuietHours(now) {
		s.recordOwner("quiet_hours")
		s.logger.Debug("Owner in quiet hours, deferring batch",
			logging.F("owner_id", ownerID))
		return 0, 0, nil
	}

	entries, err := s.store.ListPending(ctx, ownerID)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to list pending entries: %w", err)
	}
	if len(entries) == 0 {
		// Nothing pending: no summary, no messages at all.
		s.recordOwner("empty")
		return 0, 0, nil
	}

	counts := make(map[string]int, len(entries))
	for _, e := range entries {
		counts[e.Category]++
	}

	if _, err := s.dispatcher.SendWithChoices(ctx, ownerID, notify.SummaryText(counts), nil); err != nil {
		// Without the summary the batch is deferred whole; entries stay
		// pending for the next cycle.
		s.recordDelivery("summary_failed")
		return 0, 0, fmt.Errorf("failed to send summary: %w", err)
	}
	sent++

	for _, entry := range entries {
		if err := s.sleep(ctx); err != nil {
			return sent, failed, err
		}

		fallback := entry.Category == triage.FallbackCategory
		text := notify.PendingItemText(entry.Category, entry.Reasoning, fallback)

		ref, sendErr := s.dispatcher.SendWithChoices(ctx, ownerID, text, notify.DecisionChoices(entry.InstanceID))
		if sendErr != nil {
			failed++
			s.recordDelivery("failed")
			s.logger.Warn("Batched delivery failed",
				logging.Err(sendErr),
				logging.F("owner_id", ownerID),
				logging.F("instance_id", entry.InstanceID))
			if markErr := s.store.MarkDeliveryFailed(ctx, entry.ID, sendErr.Error()); markErr != nil {
				s.logger.Error("Failed to record delivery failure",
					logging.Err(markErr),
					logging.F("entry_id", entry.ID))
			}
			continue
		}

		// Record the message ref so the confirm step can edit the
		// proposal in place after the decision.
		if err := s.store.SetMessageRef(ctx, entry.InstanceID, string(ref)); err != nil {
			s.logger.Warn("Failed to record message ref",
				logging.Err(err),
				logging.F("instance_id", entry.InstanceID))
		}
		if err := s.store.MarkDelivered(ctx, entry.ID, time.Now().UTC()); err != nil {
			s.logger.Error("Failed to mark entry delivered",
				logging.Err(err),
				logging.F("entry_id", entry.ID))
		}

		sent++
		s.recordDelivery("sent")
	}

	s.recordOwner("delivered")
	return sent, failed, nil
}

// acquire marks the owner's batch in flight. It returns false when a
// previous batch for the owner has not finished yet.
func (s *Scheduler) acquire(ownerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inFlight[ownerID] {
		return false
	}
	s.inFlight[ownerID] = true
	return true
}

func (s *Scheduler) release(ownerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, ownerID)
}

func (s *Scheduler) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(s.config.SendDelay):
		return nil
	}
}

func (s *Scheduler) recordOwner(outcome string) {
	if s.metrics != nil {
		s.metrics.BatchOwnersTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Scheduler) recordDelivery(status string) {
	if s.metrics != nil {
		s.metrics.BatchDeliveriesTotal.WithLabelValues(status).Inc()
	}
}
