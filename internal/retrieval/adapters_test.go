package retrieval

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const duckDuckGoPage = `<html><body>
<div class="result results_links results_links_deep web-result">
  <div class="links_main links_deep result__body">
    <h2 class="result__title">
      <a rel="nofollow" class="result__a" href="//duckduckgo.com/l/?uddg=https%3A%2F%2Fexample.org%2Fgdp&amp;rut=abc">France <b>GDP</b> 2026</a>
    </h2>
    <a class="result__snippet" href="#">Nominal GDP reached <b>$3.2</b> trillion.</a>
  </div>
</div>
<div class="result result--ad">
  <a class="result__a" href="https://ads.example.com">Sponsored</a>
</div>
<div class="result results_links">
  <h2><a class="result__a" href="https://example.com/direct">Direct link</a></h2>
  <div class="result__snippet">Second snippet</div>
</div>
</body></html>`

func TestDuckDuckGoSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "france gdp", r.URL.Query().Get("q"))
		assert.NotEmpty(t, r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(duckDuckGoPage))
	}))
	defer srv.Close()

	ddg := NewDuckDuckGo()
	ddg.BaseURL = srv.URL
	docs, err := ddg.Search(context.Background(), "france gdp")
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "France GDP 2026", docs[0].Title)
	assert.Equal(t, "https://example.org/gdp", docs[0].URL)
	assert.Equal(t, "Nominal GDP reached $3.2 trillion.", docs[0].Snippet)
	assert.Equal(t, "duckduckgo", docs[0].Source)
	assert.Equal(t, "https://example.com/direct", docs[1].URL)
	assert.Equal(t, "Second snippet", docs[1].Snippet)
}

func TestDuckDuckGoHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	ddg := NewDuckDuckGo()
	ddg.BaseURL = srv.URL
	_, err := ddg.Search(context.Background(), "x")
	assert.ErrorContains(t, err, "503")
}

func TestWikipediaSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/w/api.php", r.URL.Path)
		assert.Equal(t, "search", r.URL.Query().Get("list"))
		assert.Equal(t, "economy of france", r.URL.Query().Get("srsearch"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"query":{"search":[
			{"title":"Economy of France","snippet":"The <span class=\"searchmatch\">economy</span> of France is highly developed &amp; market-oriented"}
		]}}`))
	}))
	defer srv.Close()

	wiki := NewWikipedia("en")
	wiki.BaseURL = srv.URL
	docs, err := wiki.Search(context.Background(), "economy of france")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Economy of France", docs[0].Title)
	assert.Equal(t, "The economy of France is highly developed & market-oriented", docs[0].Snippet)
	assert.Equal(t, srv.URL+"/wiki/Economy_of_France", docs[0].URL)
	assert.Equal(t, "wikipedia", docs[0].Source)
}

func TestBraveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Subscription-Token") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"web":{"results":[
			{"title":"<strong>Bitcoin</strong> price","url":"https://example.net/btc","description":"BTC trades at <strong>$90k</strong>","age":"2 hours ago"}
		]}}`))
	}))
	defer srv.Close()

	brave := NewBrave("secret")
	brave.BaseURL = srv.URL
	docs, err := brave.Search(context.Background(), "bitcoin price")
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "Bitcoin price", docs[0].Title)
	assert.Equal(t, "BTC trades at $90k (2 hours ago)", docs[0].Snippet)

	brave.APIKey = ""
	_, err = brave.Search(context.Background(), "bitcoin price")
	assert.Error(t, err)

	brave.APIKey = "wrong"
	_, err = brave.Search(context.Background(), "bitcoin price")
	assert.ErrorContains(t, err, "401")
}
