// Package classify defines the classification gateway consumed by the triage
// workflow: given item content and candidate categories, it returns a
// structured category suggestion with a confidence score, or fails.
//
// The workflow treats any gateway error - transport failure or a response
// failing structural validation - identically: it substitutes the fallback
// suggestion and continues.
package classify

import (
	"context"
	"fmt"
	"strings"
)

// MaxReasoningLength bounds the reasoning text accepted from a gateway.
// Longer reasoning fails structural validation.
const MaxReasoningLength = 2000

// Suggestion is a structured classification result.
type Suggestion struct {
	Category   string  `json:"category"`
	Reasoning  string  `json:"reasoning"`
	Confidence float64 `json:"confidence"`
}

// Gateway is the abstract classification capability.
type Gateway interface {
	// Classify returns a suggestion for the given content, constrained to
	// the candidate categories.
	Classify(ctx context.Context, content string, categories []string) (*Suggestion, error)
}

// Fallback returns the suggestion applied when classification is
// unavailable. The human deciding never sees this as a raw error - the
// notification layer renders it as "could not classify automatically".
func Fallback() *Suggestion {
	return &Suggestion{
		Category:   "Unclassified",
		Reasoning:  "classification unavailable",
		Confidence: 0,
	}
}

// Validate checks a gateway response for structural correctness. The engine
// treats a validation failure the same as a gateway error.
func Validate(s *Suggestion, categories []string) error {
	if s == nil {
		return fmt.Errorf("nil suggestion")
	}
	if strings.TrimSpace(s.Category) == "" {
		return fmt.Errorf("empty category")
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %v out of [0,1]", s.Confidence)
	}
	if len(s.Reasoning) > MaxReasoningLength {
		return fmt.Errorf("reasoning exceeds %d characters", MaxReasoningLength)
	}
	if len(categories) > 0 && !containsFold(categories, s.Category) {
		return fmt.Errorf("category %q not among candidates", s.Category)
	}
	return nil
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
