package triage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/otherjamesbrown/penf-triage/pkg/classify"
	pferrors "github.com/otherjamesbrown/penf-triage/pkg/errors"
	"github.com/otherjamesbrown/penf-triage/pkg/logging"
	"github.com/otherjamesbrown/penf-triage/pkg/notify"
	"github.com/otherjamesbrown/penf-triage/pkg/scoring"
	"github.com/otherjamesbrown/penf-triage/pkg/source"
)

// Deps bundles the external capabilities consumed by step functions.
type Deps struct {
	Source     source.ContentSource
	Classifier classify.Gateway
	Scorer     *scoring.Scorer
	Dispatcher notify.Dispatcher
}

// stepEnrich fetches the raw item content. A fetch failure is fatal to the
// instance - nothing downstream can run without content.
func (e *Engine) stepEnrich(ctx context.Context, inst *Instance) (StepOutcome, error) {
	start := time.Now()
	item, err := e.deps.Source.Fetch(ctx, inst.ItemID)
	if err != nil {
		return StepOutcome{}, pferrors.NewTriageError(pferrors.ErrCodeContentUnreachable, string(StepEnrich),
			fmt.Sprintf("failed to fetch item %s", inst.ItemID), err).WithDuration(time.Since(start))
	}

	inst.State.Sender = item.Sender
	inst.State.Subject = item.Subject
	inst.State.Excerpt = truncate(item.Body, e.config.ExcerptLength)
	return StepOutcome{}, nil
}

// stepClassify asks the gateway for a category suggestion. Gateway failures
// are not fatal: the fallback suggestion is substituted and the pipeline
// continues, so the human still gets to decide.
func (e *Engine) stepClassify(ctx context.Context, inst *Instance) (StepOutcome, error) {
	content := inst.State.Subject + "\n\n" + inst.State.Excerpt

	sug, err := e.deps.Classifier.Classify(ctx, content, e.config.Categories)
	if err == nil {
		err = classify.Validate(sug, e.config.Categories)
	}
	if err != nil {
		e.logger.Warn("Classification unavailable, using fallback",
			logging.Err(err),
			logging.F("instance_id", inst.ID))
		sug = classify.Fallback()
	}

	inst.State.Category = sug.Category
	inst.State.Reasoning = sug.Reasoning
	inst.State.Confidence = sug.Confidence
	return StepOutcome{}, nil
}

// stepScorePriority runs the rule-based priority scorer over the enriched
// content, merging global authority domains with the owner's custom sender
// list. When the owner has disabled priority bypass, the score is still
// recorded but the item is treated as non-priority downstream.
func (e *Engine) stepScorePriority(ctx context.Context, inst *Instance) (StepOutcome, error) {
	cfg := e.config.Scoring

	prefs, err := e.store.GetPreferences(ctx, inst.OwnerID)
	if err != nil {
		e.logger.Warn("Failed to load preferences, scoring with defaults",
			logging.Err(err),
			logging.F("owner_id", inst.OwnerID))
		prefs = DefaultPreferences(inst.OwnerID)
	}
	cfg.PrioritySenders = append(cfg.PrioritySenders, prefs.PrioritySenders...)

	res := e.deps.Scorer.Score(cfg, inst.State.Sender, inst.State.Subject+"\n"+inst.State.Excerpt)

	inst.State.PriorityScore = res.Score
	inst.State.PriorityReasons = res.Reasons
	inst.State.IsPriority = res.IsPriority

	if res.IsPriority && !prefs.PriorityBypassEnabled {
		inst.State.IsPriority = false
		inst.State.PriorityReasons = append(inst.State.PriorityReasons, "priority bypass disabled by owner")
	}
	return StepOutcome{}, nil
}

// stepNotify delivers the category proposal. Priority items go out
// immediately with interactive choices; everything else is parked on the
// pending-delivery projection for the batch scheduler. Owners with batching
// disabled always get immediate delivery.
func (e *Engine) stepNotify(ctx context.Context, inst *Instance) (StepOutcome, error) {
	prefs, err := e.store.GetPreferences(ctx, inst.OwnerID)
	if err != nil {
		prefs = DefaultPreferences(inst.OwnerID)
	}

	immediate := inst.State.IsPriority || !prefs.BatchEnabled
	if !immediate {
		inst.State.PendingBatch = true
		entry := &PendingDelivery{
			OwnerID:       inst.OwnerID,
			InstanceID:    inst.ID,
			Category:      inst.State.Category,
			Reasoning:     inst.State.Reasoning,
			PriorityScore: inst.State.PriorityScore,
			IsPriority:    inst.State.IsPriority,
			CreatedAt:     time.Now().UTC(),
		}
		if err := e.store.EnqueuePending(ctx, entry); err != nil {
			return StepOutcome{}, fmt.Errorf("failed to enqueue pending delivery: %w", err)
		}
		return StepOutcome{}, nil
	}

	fallback := isFallback(inst.State)
	text := notify.ProposalText(inst.State.Sender, inst.State.Subject,
		inst.State.Category, inst.State.Reasoning, inst.State.Confidence, fallback)

	ref, err := e.deps.Dispatcher.SendWithChoices(ctx, inst.OwnerID, text, notify.DecisionChoices(inst.ID))
	if err != nil {
		// Delivery failure does not kill the instance; the decision can
		// still arrive through the API.
		e.logger.Warn("Proposal delivery failed",
			logging.Err(err),
			logging.F("instance_id", inst.ID),
			logging.F("owner_id", inst.OwnerID))
		return StepOutcome{}, nil
	}
	inst.State.MessageRef = string(ref)
	return StepOutcome{}, nil
}

// stepAwaitDecision suspends the instance. The suspension is pure
// bookkeeping: the engine checkpoints the instance as suspended and returns
// to the caller. Resume picks up at execute_action.
func (e *Engine) stepAwaitDecision(ctx context.Context, inst *Instance) (StepOutcome, error) {
	return StepOutcome{Suspend: true}, nil
}

// stepExecuteAction maps the human's decision onto the final action recorded
// in state.
func (e *Engine) stepExecuteAction(ctx context.Context, inst *Instance) (StepOutcome, error) {
	switch inst.State.UserDecision {
	case DecisionApprove:
		inst.State.FinalAction = FinalActionApproved
		inst.State.SelectedCategory = inst.State.Category
	case DecisionReject:
		inst.State.FinalAction = FinalActionDeclined
		inst.State.SelectedCategory = ""
	case DecisionChange:
		inst.State.FinalAction = FinalActionChanged
		if strings.TrimSpace(inst.State.SelectedCategory) == "" {
			return StepOutcome{}, fmt.Errorf("%w: change decision without a category", pferrors.ErrInvalidState)
		}
	default:
		return StepOutcome{}, fmt.Errorf("%w: resumed without a decision", pferrors.ErrInvalidState)
	}
	return StepOutcome{}, nil
}

// stepConfirm replaces the proposal message with a confirmation of what was
// done. When no message reference exists (deferred delivery that never went
// out, or a failed immediate send) the confirmation is sent as a fresh
// message instead.
func (e *Engine) stepConfirm(ctx context.Context, inst *Instance) (StepOutcome, error) {
	category := inst.State.SelectedCategory
	if category == "" {
		category = inst.State.Category
	}
	text := notify.ConfirmationText(inst.State.FinalAction, category, inst.State.Subject)

	var err error
	if inst.State.MessageRef != "" {
		err = e.deps.Dispatcher.EditMessage(ctx, inst.OwnerID, notify.MessageRef(inst.State.MessageRef), text)
	} else {
		_, err = e.deps.Dispatcher.SendWithChoices(ctx, inst.OwnerID, text, nil)
	}
	if err != nil {
		e.logger.Warn("Confirmation delivery failed",
			logging.Err(err),
			logging.F("instance_id", inst.ID))
	}
	return StepOutcome{}, nil
}

// isFallback reports whether the state carries the fallback classification.
func isFallback(st State) bool {
	return st.Category == FallbackCategory && st.Confidence == 0
}

// truncate clips s to at most n runes.
func truncate(s string, n int) string {
	if n <= 0 {
		n = 500
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
