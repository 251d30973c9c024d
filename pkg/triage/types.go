// Package triage implements the durable, resumable email triage workflow.
//
// A workflow instance is one run of the pipeline for one item. Instances are
// driven synchronously through a fixed step graph, checkpointed after every
// step, suspended at the approval step, and resumed by an external human
// decision arbitrarily later - possibly from a different process.
package triage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle status of a workflow instance.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSuspended Status = "suspended"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Step identifies a named node in the workflow graph.
type Step string

const (
	StepEnrich        Step = "enrich"
	StepClassify      Step = "classify"
	StepScorePriority Step = "score_priority"
	StepNotify        Step = "notify"
	StepAwaitDecision Step = "await_decision"
	StepExecuteAction Step = "execute_action"
	StepConfirm       Step = "confirm"
	StepEnd           Step = "end"
)

// StateVersion is the current schema version of the State struct. Checkpoint
// reads normalize older snapshots to this version by applying defaults for
// missing fields.
const StateVersion = 1

// FallbackCategory is applied when the classification gateway fails or
// returns a structurally invalid suggestion.
const FallbackCategory = "Unclassified"

// DecisionAction is the human's choice for a suspended instance.
type DecisionAction string

const (
	DecisionApprove DecisionAction = "approve"
	DecisionReject  DecisionAction = "reject"
	DecisionChange  DecisionAction = "change"
)

// Final actions recorded in state after execute_action.
const (
	FinalActionApproved = "approved"
	FinalActionDeclined = "declined"
	FinalActionChanged  = "changed"
)

// Decision conveys a human's approve/reject/change choice.
type Decision struct {
	Action DecisionAction `json:"action"`
	// Category is the explicitly supplied category for DecisionChange.
	Category string `json:"category,omitempty"`
}

// Validate checks the decision for structural correctness.
func (d Decision) Validate() error {
	switch d.Action {
	case DecisionApprove, DecisionReject:
		return nil
	case DecisionChange:
		if strings.TrimSpace(d.Category) == "" {
			return fmt.Errorf("change decision requires a category")
		}
		return nil
	default:
		return fmt.Errorf("unknown decision action %q", d.Action)
	}
}

// State is the accumulated workflow state carried between steps. It is a
// closed, versioned struct: fields added in later versions must tolerate
// zero values from older checkpoints (see Normalize).
type State struct {
	Version int `json:"version"`

	// Enrichment results.
	Sender  string `json:"sender,omitempty"`
	Subject string `json:"subject,omitempty"`
	Excerpt string `json:"excerpt,omitempty"`

	// Classification results.
	Category   string  `json:"category,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence"`

	// Priority scoring results.
	PriorityScore   int      `json:"priority_score"`
	PriorityReasons []string `json:"priority_reasons,omitempty"`
	IsPriority      bool     `json:"is_priority"`

	// Delivery state. MessageRef points at the proposal message so confirm
	// can edit it in place; PendingBatch marks instances deferred to the
	// batch scheduler.
	MessageRef   string `json:"message_ref,omitempty"`
	PendingBatch bool   `json:"pending_batch"`

	// Decision results, written only through the resume path.
	UserDecision     DecisionAction `json:"user_decision,omitempty"`
	SelectedCategory string         `json:"selected_category,omitempty"`
	FinalAction      string         `json:"final_action,omitempty"`

	// Error holds the failure reason for failed instances.
	Error string `json:"error,omitempty"`
}

// Normalize upgrades a state snapshot read from an older checkpoint to the
// current schema version, applying defaults for missing fields.
func (s *State) Normalize() {
	if s.Version == 0 {
		s.Version = StateVersion
	}
	if s.Confidence < 0 {
		s.Confidence = 0
	}
	if s.Confidence > 1 {
		s.Confidence = 1
	}
}

// Instance is one run of the triage pipeline for one item.
type Instance struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	ItemID      string    `json:"item_id"`
	CurrentStep Step      `json:"current_step"`
	Status      Status    `json:"status"`
	State       State     `json:"state"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// NewInstanceID builds a globally unique instance id from the item id.
func NewInstanceID(itemID string) string {
	return fmt.Sprintf("%s_%s", itemID, uuid.New().String()[:8])
}

// Checkpoint is an append-only durable snapshot of an instance's state taken
// after a step completes. The latest checkpoint for an instance fully
// reconstructs resumable execution.
type Checkpoint struct {
	InstanceID string    `json:"instance_id"`
	Seq        int       `json:"seq"`
	Step       Step      `json:"step"`
	Status     Status    `json:"status"`
	State      State     `json:"state"`
	CreatedAt  time.Time `json:"created_at"`
}

// PendingDelivery is the projection consumed by the batch scheduler: one row
// per instance parked awaiting batched delivery. Priority instances bypass
// this queue entirely - they are notified immediately and never enqueued.
type PendingDelivery struct {
	ID            int64     `json:"id"`
	OwnerID       string    `json:"owner_id"`
	InstanceID    string    `json:"instance_id"`
	Category      string    `json:"category"`
	Reasoning     string    `json:"reasoning"`
	PriorityScore int       `json:"priority_score"`
	IsPriority    bool      `json:"is_priority"`
	CreatedAt     time.Time `json:"created_at"`

	Delivered    bool       `json:"delivered"`
	DeliveredAt  *time.Time `json:"delivered_at,omitempty"`
	DeliveryNote string     `json:"delivery_note,omitempty"`
}
