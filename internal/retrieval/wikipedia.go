package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Wikipedia queries the MediaWiki search API.
type Wikipedia struct {
	// BaseURL overrides https://<lang>.wikipedia.org.
	BaseURL    string
	Lang       string
	Client     *http.Client
	MaxResults int
}

// NewWikipedia creates the adapter for lang ("en" when empty).
func NewWikipedia(lang string) *Wikipedia {
	if lang == "" {
		lang = "en"
	}
	return &Wikipedia{Lang: lang, Client: defaultHTTPClient(), MaxResults: 5}
}

func (w *Wikipedia) Name() string { return "wikipedia" }

func (w *Wikipedia) base() string {
	if w.BaseURL != "" {
		return strings.TrimRight(w.BaseURL, "/")
	}
	return fmt.Sprintf("https://%s.wikipedia.org", w.Lang)
}

type wikiSearchResponse struct {
	Query struct {
		Search []struct {
			Title     string `json:"title"`
			Snippet   string `json:"snippet"`
			Timestamp string `json:"timestamp"`
		} `json:"search"`
	} `json:"query"`
}

func (w *Wikipedia) Search(ctx context.Context, query string) ([]Document, error) {
	params := url.Values{
		"action":   {"query"},
		"list":     {"search"},
		"srsearch": {query},
		"srlimit":  {strconv.Itoa(w.MaxResults)},
		"format":   {"json"},
		"utf8":     {"1"},
	}
	var resp wikiSearchResponse
	if err := fetchJSON(ctx, w.Client, w.base()+"/w/api.php?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(resp.Query.Search))
	for _, s := range resp.Query.Search {
		docs = append(docs, Document{
			Title:   s.Title,
			Snippet: stripTags(s.Snippet),
			URL:     w.base() + "/wiki/" + url.PathEscape(strings.ReplaceAll(s.Title, " ", "_")),
			Source:  "wikipedia",
		})
	}
	return docs, nil
}
