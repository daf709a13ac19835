package tool

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagepilot/internal/domain"
)

const samplePage = `<!doctype html>
<html><head><title> Example Domain </title><style>body{color:red}</style></head>
<body>
  <h1>Example</h1>
  <p>This   domain is for
     use in examples.</p>
  <script>var hidden = "do not index";</script>
  <a href="/more">More   info</a>
  <a href="https://other.example/page#top">Other</a>
  <a href="https://other.example/page">Duplicate</a>
  <a href="mailto:someone@example.com">Mail</a>
  <a href="javascript:void(0)">JS</a>
</body></html>`

func TestExtractHTML(t *testing.T) {
	base, _ := url.Parse("https://example.com/start")
	page, err := ExtractHTML(strings.NewReader(samplePage), base)
	require.NoError(t, err)

	assert.Equal(t, "Example Domain", page.Title)
	assert.Equal(t, "https://example.com/start", page.URL)
	assert.Contains(t, page.TextExcerpt, "This domain is for use in examples.")
	assert.NotContains(t, page.TextExcerpt, "do not index")
	assert.NotContains(t, page.TextExcerpt, "color:red")

	require.Len(t, page.Links, 2)
	assert.Equal(t, domain.PageLink{Text: "More info", Href: "https://example.com/more"}, page.Links[0])
	assert.Equal(t, "https://other.example/page", page.Links[1].Href)
}

func TestFetchInspector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, defaultUserAgent, r.Header.Get("User-Agent"))
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, samplePage)
	}))
	defer srv.Close()

	f := NewFetchInspector(0, "", testLogger())
	ctx := context.Background()

	_, ok := f.ActiveTab(ctx)
	assert.False(t, ok)
	_, err := f.Page(ctx, "")
	assert.ErrorIs(t, err, domain.ErrNoActiveTab)

	page, err := f.Open(ctx, srv.URL+"/start")
	require.NoError(t, err)
	assert.Equal(t, "Example Domain", page.Title)

	tab, ok := f.ActiveTab(ctx)
	require.True(t, ok)
	assert.Equal(t, srv.URL+"/start", tab.URL)

	again, err := f.Page(ctx, tab.ID)
	require.NoError(t, err)
	assert.Equal(t, page.Title, again.Title)

	_, err = f.Page(ctx, "fetch-99")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.CodeBrowserNotFound, domain.ErrorCodeOf(err))

	_, err = f.Open(ctx, srv.URL+"/missing")
	assert.Error(t, err)
	_, err = f.Open(ctx, "file:///etc/hosts")
	assert.Error(t, err)
}
