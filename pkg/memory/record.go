package memory

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a record.
type Status string

const (
	StatusActive   Status = "active"
	StatusArchived Status = "archived"
	StatusDeleted  Status = "deleted"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusArchived, StatusDeleted:
		return true
	}
	return false
}

// Quality flags how trustworthy a summary is.
type Quality string

const (
	QualityNormal  Quality = "normal"
	QualityLow     Quality = "low"
	QualityUnknown Quality = "unknown"
)

// Valid reports whether q is a known quality flag.
func (q Quality) Valid() bool {
	switch q {
	case QualityNormal, QualityLow, QualityUnknown:
		return true
	}
	return false
}

// SummarySchemaVersion is the schema version written for new records.
const SummarySchemaVersion = 2

// DefaultImportance is used when a caller supplies no importance.
const DefaultImportance = 0.5

// SourceWindow identifies the conversation span a record was summarized from.
type SourceWindow struct {
	SessionID    string `json:"session_id,omitempty"`
	StartOffset  int    `json:"start_offset"`
	EndOffset    int    `json:"end_offset"`
	MessageCount int    `json:"message_count"`
}

// Attributes carries the structured extras produced by the summarizer.
// They are stored but never indexed.
type Attributes struct {
	Topics       []string `json:"topics,omitempty"`
	KeyFacts     []string `json:"key_facts,omitempty"`
	Sentiment    string   `json:"sentiment,omitempty"`
	Participants []string `json:"participants,omitempty"`
}

// Metadata holds the mutable, non-text properties of a record.
type Metadata struct {
	// SessionID scopes the record to a conversation.
	SessionID string `json:"session_id"`

	// PersonaID scopes the record to a persona.
	PersonaID string `json:"persona_id"`

	// Importance is in [0, 1].
	Importance float64 `json:"importance"`

	// CreateTime is when the record was created.
	CreateTime time.Time `json:"create_time"`

	// LastAccessTime is when the record was last returned by a search.
	// It is never earlier than CreateTime.
	LastAccessTime time.Time `json:"last_access_time"`

	// Status is the lifecycle state.
	Status Status `json:"status"`

	// SummaryQuality flags malformed or unverified summaries.
	SummaryQuality Quality `json:"summary_quality"`

	// SummarySchemaVersion is the record layout version.
	SummarySchemaVersion int `json:"summary_schema_version"`

	// SourceWindow is the originating conversation span.
	SourceWindow SourceWindow `json:"source_window"`

	// Attributes are summarizer extras.
	Attributes Attributes `json:"attributes"`
}

// Record is the unit of storage. ID is the only authoritative key; index
// entries are projections of ID and CanonicalSummary.
type Record struct {
	// ID is assigned by the record store and never reused.
	ID int64 `json:"id"`

	// CanonicalSummary is the fact-oriented text used for retrieval.
	CanonicalSummary string `json:"canonical_summary"`

	// PersonaSummary is the style-oriented text used for presentation only.
	PersonaSummary string `json:"persona_summary"`

	// Metadata holds scoping, scoring and provenance fields.
	Metadata Metadata `json:"metadata"`
}

// ReferenceTime is the later of create and last access time. Recency and
// age computations use it.
func (r *Record) ReferenceTime() time.Time {
	if r.Metadata.LastAccessTime.After(r.Metadata.CreateTime) {
		return r.Metadata.LastAccessTime
	}
	return r.Metadata.CreateTime
}

// Filter scopes retrieval. Empty fields do not constrain.
type Filter struct {
	SessionID string `json:"session_id,omitempty"`
	PersonaID string `json:"persona_id,omitempty"`
}

// Matches reports whether a session/persona pair passes the filter.
func (f Filter) Matches(sessionID, personaID string) bool {
	if f.SessionID != "" && f.SessionID != sessionID {
		return false
	}
	if f.PersonaID != "" && f.PersonaID != personaID {
		return false
	}
	return true
}

// normalize clamps and defaults metadata in place.
func (m *Metadata) normalize(now time.Time) {
	m.Importance = clampImportance(m.Importance)
	if m.CreateTime.IsZero() {
		m.CreateTime = now
	}
	if m.LastAccessTime.Before(m.CreateTime) {
		m.LastAccessTime = m.CreateTime
	}
	if !m.Status.Valid() {
		m.Status = StatusActive
	}
	if !m.SummaryQuality.Valid() {
		m.SummaryQuality = QualityUnknown
	}
	if m.SummarySchemaVersion <= 0 {
		m.SummarySchemaVersion = SummarySchemaVersion
	}
	if m.SourceWindow.SessionID == "" {
		m.SourceWindow.SessionID = m.SessionID
	}
}

func clampImportance(v float64) float64 {
	switch {
	case v != v: // NaN
		return DefaultImportance
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func trimmed(s string) string {
	return strings.TrimSpace(s)
}
