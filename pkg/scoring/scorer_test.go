package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScore(t *testing.T) {
	cfg := OwnerConfig{
		AuthorityDomains: []string{"corp.example.com"},
		PrioritySenders:  []string{"boss@corp.example.com", "bank.example.org"},
	}

	tests := []struct {
		name         string
		sender       string
		content      string
		wantScore    int
		wantPriority bool
	}{
		{
			name:      "no signals",
			sender:    "newsletter@shop.example.net",
			content:   "Weekly deals",
			wantScore: 0,
		},
		{
			name:      "authority domain only",
			sender:    "someone@corp.example.com",
			content:   "Meeting notes",
			wantScore: 50,
		},
		{
			name:      "keyword only",
			sender:    "rando@other.example.net",
			content:   "This is URGENT, please respond",
			wantScore: 30,
		},
		{
			name:         "domain plus keyword crosses threshold",
			sender:       "hr@corp.example.com",
			content:      "Deadline tomorrow",
			wantScore:    80,
			wantPriority: true,
		},
		{
			name:         "all three signals cap at 100",
			sender:       "boss@corp.example.com",
			content:      "urgent: sign this immediately",
			wantScore:    100,
			wantPriority: true,
		},
		{
			name:         "sender domain entry matches",
			sender:       "alerts@bank.example.org",
			content:      "Statement ready",
			wantScore:    40,
			wantPriority: false,
		},
		{
			name:      "subdomain of authority domain",
			sender:    "noreply@mail.corp.example.com",
			content:   "hello",
			wantScore: 50,
		},
	}

	scorer := NewScorer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := scorer.Score(cfg, tt.sender, tt.content)
			assert.Equal(t, tt.wantScore, res.Score)
			assert.Equal(t, tt.wantPriority, res.IsPriority)
		})
	}
}

func TestScoreDeterministic(t *testing.T) {
	cfg := OwnerConfig{AuthorityDomains: []string{"corp.example.com"}}
	scorer := NewScorer()

	first := scorer.Score(cfg, "a@corp.example.com", "urgent request")
	for i := 0; i < 10; i++ {
		again := scorer.Score(cfg, "a@corp.example.com", "urgent request")
		assert.Equal(t, first, again)
	}
}

func TestScoreThresholdBoundary(t *testing.T) {
	scorer := NewScorer()

	// 69 < threshold: custom weights summing below 70.
	low := scorer.Score(OwnerConfig{Threshold: 70, AuthorityDomains: []string{"x.com"}}, "a@x.com", "no keywords here")
	require.Equal(t, 50, low.Score)
	assert.False(t, low.IsPriority)

	// Exactly at the threshold counts as priority.
	custom := NewScorer(WithWeights(40, 30, 40))
	at := custom.Score(OwnerConfig{Threshold: 70, AuthorityDomains: []string{"x.com"}}, "a@x.com", "urgent")
	require.Equal(t, 70, at.Score)
	assert.True(t, at.IsPriority)
}

func TestScoreKeywordsDoNotStack(t *testing.T) {
	scorer := NewScorer()
	res := scorer.Score(OwnerConfig{}, "a@b.com", "urgent asap deadline overdue")
	assert.Equal(t, 30, res.Score)
	assert.Len(t, res.Reasons, 1)
}

func TestScoreDiacriticFolding(t *testing.T) {
	scorer := NewScorer()

	tests := []struct {
		name    string
		content string
	}{
		{"vietnamese with diacritics", "việc này khẩn cấp"},
		{"german uppercase", "DRINGEND: bitte antworten"},
		{"mixed case english", "Action Required by Friday"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := scorer.Score(OwnerConfig{}, "a@b.com", tt.content)
			assert.Equal(t, 30, res.Score, "keyword should match regardless of case and diacritics")
		})
	}
}

func TestScoreKeywordWholeWordsOnly(t *testing.T) {
	scorer := NewScorer()

	tests := []struct {
		name      string
		content   string
		wantScore int
	}{
		{"keyword inside a longer word", "Bitte alles fristgerecht einreichen", 0},
		{"gap as an ordinary english word", "Quarterly gap analysis attached", 0},
		{"keyword bounded by punctuation", "Frist: 30. Juni", 30},
		{"adverb form is its own keyword", "please respond urgently", 30},
		{"multi-word keyword at end of content", "viec nay rat khan cap", 30},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := scorer.Score(OwnerConfig{}, "a@b.com", tt.content)
			assert.Equal(t, tt.wantScore, res.Score)
		})
	}
}

func TestScoreExtraKeywords(t *testing.T) {
	scorer := NewScorer()
	cfg := OwnerConfig{ExtraKeywords: []string{"invoice due"}}

	res := scorer.Score(cfg, "a@b.com", "Your Invoice Due next week")
	assert.Equal(t, 30, res.Score)
	assert.Contains(t, res.Reasons[0], "invoice due")
}

func TestScoreReasons(t *testing.T) {
	scorer := NewScorer()
	cfg := OwnerConfig{
		AuthorityDomains: []string{"gov.example"},
		PrioritySenders:  []string{"vip@gov.example"},
	}

	res := scorer.Score(cfg, "vip@gov.example", "deadline approaching")
	require.Len(t, res.Reasons, 3)
	assert.Contains(t, res.Reasons[0], "authority domain")
	assert.Contains(t, res.Reasons[1], "urgency keyword")
	assert.Contains(t, res.Reasons[2], "priority sender")
}
