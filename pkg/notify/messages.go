package notify

import (
	"fmt"
	"sort"
	"strings"
)

// Decision choice values understood by the decision callback handler.
const (
	ChoiceApprove = "approve"
	ChoiceReject  = "reject"
	ChoiceChange  = "change"
)

// DecisionChoices returns the interactive choices attached to a proposal
// message. Values carry the instance id so the callback can route back.
func DecisionChoices(instanceID string) []Choice {
	return []Choice{
		{Label: "Approve", Value: fmt.Sprintf("%s:%s", ChoiceApprove, instanceID)},
		{Label: "Reject", Value: fmt.Sprintf("%s:%s", ChoiceReject, instanceID)},
		{Label: "Change category", Value: fmt.Sprintf("%s:%s", ChoiceChange, instanceID)},
	}
}

// ProposalText builds the category proposal message. A fallback
// classification is rendered as an explicit "could not classify
// automatically" label, never as a raw internal error.
func ProposalText(sender, subject, category, reasoning string, confidence float64, fallback bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New email from %s\n", sender)
	fmt.Fprintf(&b, "Subject: %s\n\n", subject)

	if fallback {
		b.WriteString("Could not classify automatically.\n")
		fmt.Fprintf(&b, "Suggested folder: %s\n", category)
	} else {
		fmt.Fprintf(&b, "Suggested folder: %s (%.0f%% confident)\n", category, confidence*100)
		if reasoning != "" {
			fmt.Fprintf(&b, "Why: %s\n", reasoning)
		}
	}
	b.WriteString("\nApprove, reject, or pick another folder?")
	return b.String()
}

// ConfirmationText builds the text that replaces the proposal message after
// the decision is executed.
func ConfirmationText(finalAction, category, subject string) string {
	switch finalAction {
	case "approved":
		return fmt.Sprintf("Filed under %s: %q", category, subject)
	case "changed":
		return fmt.Sprintf("Moved to %s: %q", category, subject)
	case "declined":
		return fmt.Sprintf("Left in place: %q", subject)
	default:
		return fmt.Sprintf("Done: %q", subject)
	}
}

// SummaryText builds the daily batch summary: total count plus a
// per-category breakdown sorted by descending count, ties broken by
// category name ascending.
func SummaryText(countsByCategory map[string]int) string {
	total := 0
	for _, n := range countsByCategory {
		total += n
	}

	type row struct {
		category string
		count    int
	}
	rows := make([]row, 0, len(countsByCategory))
	for c, n := range countsByCategory {
		rows = append(rows, row{category: c, count: n})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].count != rows[j].count {
			return rows[i].count > rows[j].count
		}
		return rows[i].category < rows[j].category
	})

	var b strings.Builder
	fmt.Fprintf(&b, "You have %d emails waiting for review:\n", total)
	for _, r := range rows {
		fmt.Fprintf(&b, "  %s: %d\n", r.category, r.count)
	}
	return b.String()
}

// PendingItemText builds the individual notification for one batched entry.
func PendingItemText(category, reasoning string, fallback bool) string {
	if fallback {
		return fmt.Sprintf("Could not classify automatically. Suggested folder: %s\nApprove, reject, or pick another folder?", category)
	}
	if reasoning != "" {
		return fmt.Sprintf("Suggested folder: %s\nWhy: %s\nApprove, reject, or pick another folder?", category, reasoning)
	}
	return fmt.Sprintf("Suggested folder: %s\nApprove, reject, or pick another folder?", category)
}
