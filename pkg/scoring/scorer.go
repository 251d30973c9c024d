// Package scoring provides rule-based priority scoring for triage items.
//
// Scoring is additive and deterministic: a fixed weight per matched signal,
// capped at 100. It performs no I/O beyond reading the owner's configured
// lists and never logs message content.
package scoring

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Default rule weights and threshold.
const (
	DefaultDomainWeight  = 50
	DefaultKeywordWeight = 30
	DefaultSenderWeight  = 40
	DefaultThreshold     = 70

	// MaxScore caps the additive sum.
	MaxScore = 100
)

// urgencyKeywords is the built-in multilingual urgency keyword set. A single
// match suffices; matches within the set do not stack.
var urgencyKeywords = []string{
	// English
	"urgent", "urgently", "asap", "immediately", "deadline", "action required", "overdue",
	// German
	"dringend", "sofort", "eilig", "frist",
	// Spanish
	"urgente", "inmediato", "plazo",
	// French
	"d'urgence", "immediatement", "delai",
	// Portuguese
	"imediato", "prazo final",
	// Vietnamese. Bare "gấp" folds to the English word "gap" and is
	// omitted; owners can opt in via ExtraKeywords.
	"khan cap",
	// Polish
	"pilne", "natychmiast",
}

// OwnerConfig carries the per-owner inputs to the scorer.
type OwnerConfig struct {
	// AuthorityDomains are sender domains treated as high-authority
	// (e.g. the company's own domain, government domains).
	AuthorityDomains []string

	// PrioritySenders is the owner's custom priority sender list. Entries
	// are full addresses or bare domains.
	PrioritySenders []string

	// ExtraKeywords extends the built-in urgency keyword set.
	ExtraKeywords []string

	// Threshold is the is-priority cutoff; zero means DefaultThreshold.
	Threshold int
}

// Result is the outcome of scoring one item.
type Result struct {
	Score      int
	Reasons    []string
	IsPriority bool
}

// Scorer evaluates sender and content signals against an owner's
// configuration.
type Scorer struct {
	domainWeight  int
	keywordWeight int
	senderWeight  int
}

// Option configures the scorer.
type Option func(*Scorer)

// WithWeights overrides the default rule weights.
func WithWeights(domain, keyword, sender int) Option {
	return func(s *Scorer) {
		s.domainWeight = domain
		s.keywordWeight = keyword
		s.senderWeight = sender
	}
}

// NewScorer creates a scorer with default weights.
func NewScorer(opts ...Option) *Scorer {
	s := &Scorer{
		domainWeight:  DefaultDomainWeight,
		keywordWeight: DefaultKeywordWeight,
		senderWeight:  DefaultSenderWeight,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Score evaluates the item and returns the capped additive score, the list
// of matched-rule reasons and the is-priority flag.
func (s *Scorer) Score(cfg OwnerConfig, sender, subjectAndBody string) Result {
	var (
		sum     int
		reasons []string
	)

	senderNorm := foldText(sender)
	content := foldText(subjectAndBody)

	if domain, ok := matchDomain(senderNorm, cfg.AuthorityDomains); ok {
		sum += s.domainWeight
		reasons = append(reasons, fmt.Sprintf("authority domain: %s", domain))
	}

	if kw, ok := matchKeyword(content, cfg.ExtraKeywords); ok {
		sum += s.keywordWeight
		reasons = append(reasons, fmt.Sprintf("urgency keyword: %s", kw))
	}

	if entry, ok := matchSender(senderNorm, cfg.PrioritySenders); ok {
		sum += s.senderWeight
		reasons = append(reasons, fmt.Sprintf("priority sender: %s", entry))
	}

	if sum > MaxScore {
		sum = MaxScore
	}

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	return Result{
		Score:      sum,
		Reasons:    reasons,
		IsPriority: sum >= threshold,
	}
}

// matchDomain reports whether the sender's domain matches any configured
// high-authority domain.
func matchDomain(sender string, domains []string) (string, bool) {
	at := strings.LastIndex(sender, "@")
	if at < 0 || at == len(sender)-1 {
		return "", false
	}
	senderDomain := sender[at+1:]
	for _, d := range domains {
		d = foldText(d)
		if d == "" {
			continue
		}
		if senderDomain == d || strings.HasSuffix(senderDomain, "."+d) {
			return d, true
		}
	}
	return "", false
}

// matchKeyword reports the first urgency keyword found as a whole word in
// the content. Any single match suffices; matches do not stack.
func matchKeyword(content string, extra []string) (string, bool) {
	for _, kw := range urgencyKeywords {
		if containsWord(content, kw) {
			return kw, true
		}
	}
	for _, kw := range extra {
		kw = foldText(kw)
		if kw != "" && containsWord(content, kw) {
			return kw, true
		}
	}
	return "", false
}

// containsWord reports whether kw occurs in content bounded by non-letter,
// non-digit runes, so "frist" does not fire inside "fristgerecht".
func containsWord(content, kw string) bool {
	for i := 0; ; {
		j := strings.Index(content[i:], kw)
		if j < 0 {
			return false
		}
		start := i + j
		if wordBoundary(content, start, start+len(kw)) {
			return true
		}
		i = start + 1
	}
}

func wordBoundary(content string, start, end int) bool {
	if start > 0 {
		r, _ := utf8.DecodeLastRuneInString(content[:start])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	if end < len(content) {
		r, _ := utf8.DecodeRuneInString(content[end:])
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// matchSender reports whether the sender matches the owner's custom priority
// sender list. Entries may be full addresses or bare domains.
func matchSender(sender string, entries []string) (string, bool) {
	for _, e := range entries {
		e = foldText(e)
		if e == "" {
			continue
		}
		if sender == e || strings.HasSuffix(sender, "@"+e) || strings.HasSuffix(sender, "."+e) {
			return e, true
		}
	}
	return "", false
}

// foldTransformer strips combining marks so keyword matching is
// diacritic-insensitive ("khẩn cấp" matches "khan cap").
var foldTransformer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// foldText lowercases and removes diacritics for case- and
// accent-insensitive matching.
func foldText(s string) string {
	folded, _, err := transform.String(foldTransformer, strings.ToLower(strings.TrimSpace(s)))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return folded
}
