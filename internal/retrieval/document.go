// Package retrieval grounds time-sensitive questions in fresh search results.
package retrieval

import (
	"context"
	"errors"
	"time"
)

// ErrGroundingUnavailable is returned in strict mode when a time-sensitive
// question produced no usable sources. Callers should ask the user to retry.
var ErrGroundingUnavailable = errors.New("grounding unavailable")

// Document is one search hit.
type Document struct {
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	URL     string `json:"url"`
	Source  string `json:"source"`
}

// Grounding is the formatted, ranked result attached to a prompt.
type Grounding struct {
	Text        string     `json:"text"`
	Documents   []Document `json:"documents"`
	RetrievedAt time.Time  `json:"retrieved_at"`
	Cached      bool       `json:"cached"`
}

// Searcher is a search backend.
type Searcher interface {
	Name() string
	Search(ctx context.Context, query string) ([]Document, error)
}

// Signals are the text heuristics that open the retrieval gate.
type Signals interface {
	RealtimeMatch(text string) bool
	LiveFactsMatch(text string) bool
}

// GroundOptions carries per-turn inputs to Ground.
type GroundOptions struct {
	// TemporallySensitive is set by the caller from the turn's intent.
	TemporallySensitive bool
}
