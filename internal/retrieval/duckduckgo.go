package retrieval

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

const duckDuckGoURL = "https://html.duckduckgo.com/html/"

// DuckDuckGo scrapes the DuckDuckGo HTML endpoint. No API key required.
type DuckDuckGo struct {
	BaseURL    string
	Client     *http.Client
	MaxResults int
}

// NewDuckDuckGo creates the adapter with default endpoint and client.
func NewDuckDuckGo() *DuckDuckGo {
	return &DuckDuckGo{BaseURL: duckDuckGoURL, Client: defaultHTTPClient(), MaxResults: 8}
}

func (d *DuckDuckGo) Name() string { return "duckduckgo" }

func (d *DuckDuckGo) Search(ctx context.Context, query string) ([]Document, error) {
	searchURL := fmt.Sprintf("%s?q=%s", d.BaseURL, url.QueryEscape(query))
	body, err := fetch(ctx, d.Client, searchURL, http.Header{
		"Accept":          {"text/html,application/xhtml+xml"},
		"Accept-Language": {"en-US,en;q=0.5"},
	})
	if err != nil {
		return nil, err
	}
	return parseDuckDuckGo(string(body), d.MaxResults)
}

// parseDuckDuckGo extracts results from the HTML results page.
func parseDuckDuckGo(page string, max int) ([]Document, error) {
	doc, err := html.Parse(strings.NewReader(page))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}

	var results []Document
	var find func(*html.Node)
	find = func(n *html.Node) {
		if max > 0 && len(results) >= max {
			return
		}
		if n.Type == html.ElementNode && n.Data == "div" && hasClass(n, "result") && !hasClass(n, "result--ad") {
			if r := extractDuckDuckGoResult(n); r.URL != "" && r.Title != "" {
				results = append(results, r)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			find(c)
		}
	}
	find(doc)
	return results, nil
}

func extractDuckDuckGoResult(n *html.Node) Document {
	r := Document{Source: "duckduckgo"}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch {
			case n.Data == "a" && hasClass(n, "result__a"):
				r.URL = attr(n, "href")
				r.Title = textContent(n)
			case hasClass(n, "result__snippet"):
				r.Snippet = textContent(n)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	r.URL = cleanDuckDuckGoURL(r.URL)
	return r
}

// cleanDuckDuckGoURL unwraps the /l/?uddg= redirect links.
func cleanDuckDuckGoURL(raw string) string {
	if !strings.Contains(raw, "uddg=") {
		return raw
	}
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	if target := u.Query().Get("uddg"); target != "" {
		return target
	}
	return raw
}
