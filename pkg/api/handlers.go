package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/otherjamesbrown/penf-triage/pkg/batch"
	"github.com/otherjamesbrown/penf-triage/pkg/decision"
	pferrors "github.com/otherjamesbrown/penf-triage/pkg/errors"
	"github.com/otherjamesbrown/penf-triage/pkg/logging"
	"github.com/otherjamesbrown/penf-triage/pkg/triage"
)

// Engine is the workflow capability consumed by the API.
type Engine interface {
	Start(ctx context.Context, itemID, ownerID string) (string, error)
	GetState(ctx context.Context, instanceID string) (triage.State, triage.Status, error)
}

// Decisions applies decision callbacks.
type Decisions interface {
	Handle(ctx context.Context, callerID, instanceID string, d triage.Decision) (*decision.Result, error)
}

// BatchRunner triggers batch cycles on demand.
type BatchRunner interface {
	RunCycle(ctx context.Context, now time.Time) (*batch.Report, error)
}

// PreferencesStore reads and writes owner preferences.
type PreferencesStore interface {
	GetPreferences(ctx context.Context, ownerID string) (*triage.Preferences, error)
	PutPreferences(ctx context.Context, prefs *triage.Preferences) error
}

// Handlers holds the HTTP handlers and their dependencies.
type Handlers struct {
	engine    Engine
	decisions Decisions
	batch     BatchRunner
	prefs     PreferencesStore
	logger    logging.Logger

	// Ready reports backend readiness for /healthz; nil means always ready.
	Ready func(ctx context.Context) error
}

// NewHandlers creates the handler set.
func NewHandlers(engine Engine, decisions Decisions, batchRunner BatchRunner, prefs PreferencesStore, logger logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.MustGlobal()
	}
	return &Handlers{
		engine:    engine,
		decisions: decisions,
		batch:     batchRunner,
		prefs:     prefs,
		logger:    logger,
	}
}

// Health serves the readiness probe.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	if h.Ready != nil {
		if err := h.Ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type startRequest struct {
	ItemID  string `json:"item_id"`
	OwnerID string `json:"owner_id"`
}

type startResponse struct {
	InstanceID string        `json:"instance_id"`
	Status     triage.Status `json:"status"`
}

// StartWorkflow starts a new instance and drives it until it suspends or
// terminates.
func (h *Handlers) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.ItemID) == "" || strings.TrimSpace(req.OwnerID) == "" {
		writeError(w, http.StatusBadRequest, "item_id and owner_id are required")
		return
	}

	instanceID, err := h.engine.Start(r.Context(), req.ItemID, req.OwnerID)
	if err != nil {
		if instanceID != "" {
			// Instance exists but failed; report where it ended up.
			writeJSON(w, http.StatusUnprocessableEntity, startResponse{
				InstanceID: instanceID,
				Status:     triage.StatusFailed,
			})
			return
		}
		h.writeMappedError(w, err)
		return
	}

	_, status, stateErr := h.engine.GetState(r.Context(), instanceID)
	if stateErr != nil {
		status = triage.StatusRunning
	}
	writeJSON(w, http.StatusAccepted, startResponse{InstanceID: instanceID, Status: status})
}

type statusResponse struct {
	InstanceID string        `json:"instance_id"`
	Status     triage.Status `json:"status"`
	State      triage.State  `json:"state"`
}

// WorkflowStatus returns the instance's status and state.
func (h *Handlers) WorkflowStatus(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")

	state, status, err := h.engine.GetState(r.Context(), instanceID)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{InstanceID: instanceID, Status: status, State: state})
}

type decisionRequest struct {
	CallerID string `json:"caller_id"`
	Action   string `json:"action"`
	Category string `json:"category,omitempty"`
}

// SubmitDecision applies a human decision to a suspended instance. Duplicate
// callbacks return 200 with already_handled set, not an error.
func (h *Handlers) SubmitDecision(w http.ResponseWriter, r *http.Request) {
	instanceID := chi.URLParam(r, "instanceID")

	var req decisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.CallerID) == "" {
		writeError(w, http.StatusBadRequest, "caller_id is required")
		return
	}

	res, err := h.decisions.Handle(r.Context(), req.CallerID, instanceID, triage.Decision{
		Action:   triage.DecisionAction(req.Action),
		Category: req.Category,
	})
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RunBatch triggers one batch delivery cycle immediately.
func (h *Handlers) RunBatch(w http.ResponseWriter, r *http.Request) {
	report, err := h.batch.RunCycle(r.Context(), time.Now())
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// GetPreferences returns the owner's notification preferences.
func (h *Handlers) GetPreferences(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	prefs, err := h.prefs.GetPreferences(r.Context(), ownerID)
	if err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// PutPreferences validates and stores the owner's notification preferences.
func (h *Handlers) PutPreferences(w http.ResponseWriter, r *http.Request) {
	ownerID := chi.URLParam(r, "ownerID")

	var prefs triage.Preferences
	if err := json.NewDecoder(r.Body).Decode(&prefs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	prefs.OwnerID = ownerID

	if err := h.prefs.PutPreferences(r.Context(), &prefs); err != nil {
		h.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, prefs)
}

// writeMappedError translates domain errors to HTTP status codes.
func (h *Handlers) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case pferrors.IsNotFound(err):
		writeError(w, http.StatusNotFound, err.Error())
	case pferrors.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case pferrors.IsUnauthorized(err) || pferrors.IsForbidden(err):
		writeError(w, http.StatusForbidden, err.Error())
	case pferrors.IsConflict(err) || pferrors.IsInvalidState(err):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("Internal error", logging.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
