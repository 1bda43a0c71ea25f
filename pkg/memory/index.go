package memory

import "context"

// Document is the index projection of a record.
type Document struct {
	ID        int64
	Text      string
	SessionID string
	PersonaID string
}

func documentOf(rec *Record) Document {
	return Document{
		ID:        rec.ID,
		Text:      rec.CanonicalSummary,
		SessionID: rec.Metadata.SessionID,
		PersonaID: rec.Metadata.PersonaID,
	}
}

// Hit is one ranked index result, best first.
type Hit struct {
	ID    int64
	Score float64
}

// Index is a retrieval path over record projections. Implementations must
// be safe for concurrent use.
type Index interface {
	// Name identifies the path in logs, metrics and degraded results.
	Name() string

	// Insert adds or replaces the entry for doc.ID.
	Insert(ctx context.Context, doc Document) error

	// Delete removes the entry for id. It reports whether one existed.
	Delete(ctx context.Context, id int64) (bool, error)

	// Search returns up to k hits that match filter.
	Search(ctx context.Context, query string, k int, filter Filter) ([]Hit, error)

	// IDs returns the ids of all live entries.
	IDs() []int64

	// Len returns the number of live entries.
	Len() int

	// Reset drops every entry. Used by rebuilds.
	Reset(ctx context.Context) error

	// Close releases resources and persists state.
	Close() error
}
