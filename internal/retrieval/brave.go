package retrieval

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strconv"
)

const braveURL = "https://api.search.brave.com/res/v1/web/search"

// Brave queries the Brave Search API. It needs a subscription token.
type Brave struct {
	BaseURL    string
	APIKey     string
	Client     *http.Client
	MaxResults int
}

// NewBrave creates the adapter for apiKey.
func NewBrave(apiKey string) *Brave {
	return &Brave{BaseURL: braveURL, APIKey: apiKey, Client: defaultHTTPClient(), MaxResults: 5}
}

func (b *Brave) Name() string { return "brave" }

type braveResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
			Age         string `json:"age"`
		} `json:"results"`
	} `json:"web"`
}

func (b *Brave) Search(ctx context.Context, query string) ([]Document, error) {
	if b.APIKey == "" {
		return nil, errors.New("brave: missing API key")
	}
	params := url.Values{"q": {query}}
	if b.MaxResults > 0 {
		params.Set("count", strconv.Itoa(b.MaxResults))
	}
	var resp braveResponse
	err := fetchJSON(ctx, b.Client, b.BaseURL+"?"+params.Encode(), http.Header{
		"Accept":               {"application/json"},
		"X-Subscription-Token": {b.APIKey},
	}, &resp)
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(resp.Web.Results))
	for _, r := range resp.Web.Results {
		snippet := stripTags(r.Description)
		if r.Age != "" {
			snippet += " (" + r.Age + ")"
		}
		docs = append(docs, Document{
			Title:   stripTags(r.Title),
			Snippet: snippet,
			URL:     r.URL,
			Source:  "brave",
		})
	}
	return docs, nil
}
