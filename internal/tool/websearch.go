package tool

import (
	"context"
	"encoding/json"
	"strings"

	"parley/internal/retrieval"
)

// Searcher runs the retrieval pipeline for an explicit query.
type Searcher interface {
	Search(ctx context.Context, query string) (*retrieval.Grounding, error)
}

// WebSearchTool lets the model search the web through the retrieval engine,
// so results share its ranking, formatting and cache.
type WebSearchTool struct {
	engine Searcher
}

// NewWebSearchTool creates a web_search tool backed by engine.
func NewWebSearchTool(engine Searcher) *WebSearchTool {
	return &WebSearchTool{engine: engine}
}

func (t *WebSearchTool) Name() string { return "web_search" }
func (t *WebSearchTool) Description() string {
	return "Search the web for current information. Returns dated snippets with source URLs."
}

func (t *WebSearchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {
				"type": "string",
				"description": "The search query"
			}
		},
		"required": ["query"]
	}`)
}

type webSearchParams struct {
	Query string `json:"query"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage) (*Result, error) {
	var params webSearchParams
	if err := json.Unmarshal(args, &params); err != nil {
		return errResult("invalid arguments: " + err.Error()), nil
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return errResult("query is required"), nil
	}

	g, err := t.engine.Search(ctx, query)
	if err != nil {
		return errResult("search failed: " + err.Error()), nil
	}
	if g == nil || g.Text == "" {
		return &Result{Output: "No results found."}, nil
	}
	return &Result{Output: g.Text}, nil
}
