package memory

import (
	"context"
	"errors"
	"strings"
)

// SummaryResult is what the summarizer hands over for one conversation
// window. Any field may be missing.
type SummaryResult struct {
	CanonicalSummary string   `json:"canonical_summary"`
	PersonaSummary   string   `json:"persona_summary"`
	Topics           []string `json:"topics"`
	KeyFacts         []string `json:"key_facts"`
	Sentiment        string   `json:"sentiment"`
	Participants     []string `json:"participants"`

	// Importance is nil when the summarizer gave none.
	Importance *float64 `json:"importance"`

	// Quality is the summarizer's verdict, if any.
	Quality Quality `json:"quality"`
}

// Ingest stores the summary of a conversation window. A nil summary
// means summarization failed and nothing is stored.
func (e *Engine) Ingest(ctx context.Context, window SourceWindow, personaID string, s *SummaryResult) (int64, error) {
	if s == nil {
		return 0, opError("ingest", 0, ErrValidation, errors.New("no summary"), "")
	}
	return e.Add(ctx, AddRequest{
		CanonicalSummary: s.CanonicalSummary,
		PersonaSummary:   s.PersonaSummary,
		SessionID:        window.SessionID,
		PersonaID:        personaID,
		Importance:       s.Importance,
		Quality:          s.Quality,
		SourceWindow:     window,
		Attributes: Attributes{
			Topics:       compact(s.Topics),
			KeyFacts:     compact(s.KeyFacts),
			Sentiment:    normalizeSentiment(s.Sentiment),
			Participants: compact(s.Participants),
		},
	})
}

func normalizeSentiment(s string) string {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "positive", "neutral", "negative":
		return s
	}
	return "neutral"
}

// compact trims entries and drops empty ones.
func compact(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
