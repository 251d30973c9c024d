// Package decision handles human decision callbacks for suspended workflow
// instances: authorization, idempotent resume and outcome reporting.
package decision

import (
	"context"
	"fmt"
	"strings"

	pferrors "github.com/otherjamesbrown/penf-triage/pkg/errors"
	"github.com/otherjamesbrown/penf-triage/pkg/logging"
	"github.com/otherjamesbrown/penf-triage/pkg/observability"
	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

// Resumer is the engine capability the handler needs: resuming a suspended
// instance with a decision.
type Resumer interface {
	Resume(ctx context.Context, instanceID string, decision triage.Decision) error
}

// InstanceReader looks up instances for the authorization check.
type InstanceReader interface {
	GetInstance(ctx context.Context, id string) (*triage.Instance, error)
}

// IdentityResolver maps a callback channel identity (chat user id, API
// principal) to an owner id. The identity mapping is channel-specific; a
// static map suffices for single-channel deployments.
type IdentityResolver interface {
	ResolveOwner(ctx context.Context, callerID string) (string, error)
}

// StaticIdentities is an IdentityResolver backed by a fixed map. Unmapped
// callers resolve to themselves, which suits deployments where the channel
// identity is the owner id.
type StaticIdentities map[string]string

func (m StaticIdentities) ResolveOwner(ctx context.Context, callerID string) (string, error) {
	if owner, ok := m[callerID]; ok {
		return owner, nil
	}
	return callerID, nil
}

// Result reports the outcome of one decision callback.
type Result struct {
	InstanceID string `json:"instance_id"`

	// AlreadyHandled marks a duplicate callback for an instance that was
	// resumed earlier. Benign: the caller should show "already handled",
	// not an error.
	AlreadyHandled bool `json:"already_handled"`
}

// Handler validates and applies decision callbacks.
type Handler struct {
	resumer   Resumer
	instances InstanceReader
	identity  IdentityResolver
	logger    logging.Logger
	metrics   *observability.TriageMetrics
}

// HandlerOption configures the handler.
type HandlerOption func(*Handler)

// WithLogger sets a custom logger.
func WithLogger(logger logging.Logger) HandlerOption {
	return func(h *Handler) {
		h.logger = logger
	}
}

// WithMetrics attaches a Prometheus metric set.
func WithMetrics(m *observability.TriageMetrics) HandlerOption {
	return func(h *Handler) {
		h.metrics = m
	}
}

// NewHandler creates a decision handler.
func NewHandler(resumer Resumer, instances InstanceReader, identity IdentityResolver, opts ...HandlerOption) *Handler {
	h := &Handler{
		resumer:   resumer,
		instances: instances,
		identity:  identity,
		logger:    logging.MustGlobal(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(logging.F("component", "decision_handler"))
	return h
}

// Handle authorizes and applies one decision callback.
//
// Authorization runs before any mutation: a caller whose resolved owner does
// not match the instance owner gets pferrors.ErrUnauthorized and the
// instance is untouched. Duplicate callbacks surface as AlreadyHandled, not
// as errors.
func (h *Handler) Handle(ctx context.Context, callerID, instanceID string, d triage.Decision) (*Result, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", pferrors.ErrValidation, err)
	}

	owner, err := h.identity.ResolveOwner(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve caller identity: %w", err)
	}

	inst, err := h.instances.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	if inst.OwnerID != owner {
		h.record(d.Action, "unauthorized")
		h.logger.Warn("Unauthorized decision callback",
			logging.F("instance_id", instanceID),
			logging.F("caller_id", callerID))
		return nil, fmt.Errorf("%w: caller does not own instance %s", pferrors.ErrUnauthorized, instanceID)
	}

	err = h.resumer.Resume(ctx, instanceID, d)
	switch {
	case err == nil:
		h.record(d.Action, "applied")
		h.logger.Info("Decision applied",
			logging.F("instance_id", instanceID),
			logging.F("action", string(d.Action)))
		return &Result{InstanceID: instanceID}, nil

	case pferrors.IsAlreadyResumed(err):
		h.record(d.Action, "duplicate")
		h.logger.Info("Duplicate decision callback ignored",
			logging.F("instance_id", instanceID),
			logging.F("action", string(d.Action)))
		return &Result{InstanceID: instanceID, AlreadyHandled: true}, nil

	default:
		h.record(d.Action, "error")
		return nil, err
	}
}

func (h *Handler) record(action triage.DecisionAction, outcome string) {
	if h.metrics != nil {
		h.metrics.DecisionsTotal.WithLabelValues(string(action), outcome).Inc()
	}
}

// ParseChoiceValue splits an interactive choice value of the form
// "action:instance_id" as attached by the notification layer.
func ParseChoiceValue(value string) (triage.DecisionAction, string, error) {
	action, instanceID, ok := strings.Cut(value, ":")
	if !ok || action == "" || instanceID == "" {
		return "", "", fmt.Errorf("%w: malformed choice value %q", pferrors.ErrValidation, value)
	}
	return triage.DecisionAction(action), instanceID, nil
}
