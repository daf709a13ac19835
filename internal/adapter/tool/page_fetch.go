package tool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"

	"pagepilot/internal/domain"
)

const (
	maxFetchBody      = 5 * 1024 * 1024
	maxExtractedText  = 50000
	maxExtractedLinks = 50
	defaultUserAgent  = "Mozilla/5.0 (compatible; PagePilot/1.0)"
)

var _ domain.PageInspector = (*FetchInspector)(nil)

// FetchInspector is a browserless page backend: Open issues an HTTP GET and
// extracts the page with goquery. The last opened page is the active tab.
type FetchInspector struct {
	client    *http.Client
	userAgent string
	logger    *slog.Logger

	mu     sync.RWMutex
	active *domain.PageContext
	tabID  string
	seq    int
}

// NewFetchInspector creates a fetch backend.
func NewFetchInspector(timeout time.Duration, userAgent string, logger *slog.Logger) *FetchInspector {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	return &FetchInspector{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
		logger:    logger,
	}
}

// ActiveTab implements domain.PageInspector.
func (f *FetchInspector) ActiveTab(context.Context) (domain.TabInfo, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.active == nil {
		return domain.TabInfo{}, false
	}
	return domain.TabInfo{ID: f.tabID, Title: f.active.Title, URL: f.active.URL}, true
}

// Page implements domain.PageInspector. Only the active tab exists.
func (f *FetchInspector) Page(_ context.Context, tabID string) (*domain.PageContext, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.active == nil {
		return nil, domain.ErrNoActiveTab
	}
	if tabID != "" && tabID != f.tabID {
		return nil, domain.NewSubSystemError("browser", "Page", domain.ErrNotFound, "tab "+tabID)
	}
	cp := *f.active
	cp.Links = append([]domain.PageLink(nil), f.active.Links...)
	return &cp, nil
}

// Open implements domain.PageInspector.
func (f *FetchInspector) Open(ctx context.Context, rawURL string) (*domain.PageContext, error) {
	if err := ValidateURL("url", rawURL); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil || isTimeout(err) {
			return nil, domain.NewSubSystemError("browser", "Open", domain.ErrTimeout, rawURL)
		}
		return nil, domain.NewSubSystemError("browser", "Open", domain.ErrNetwork, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("open %s: HTTP %d", rawURL, resp.StatusCode)
	}

	page, err := ExtractHTML(io.LimitReader(resp.Body, maxFetchBody), resp.Request.URL)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.seq++
	f.tabID = fmt.Sprintf("fetch-%d", f.seq)
	f.active = page
	f.mu.Unlock()

	f.logger.Debug("page fetched", "url", page.URL, "title", page.Title, "links", len(page.Links))
	cp := *page
	return &cp, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// ExtractHTML parses an HTML document into a PageContext. Relative links
// are resolved against base; only http(s) links are kept.
func ExtractHTML(r io.Reader, base *url.URL) (*domain.PageContext, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = doc.Find("meta[property='og:title']").AttrOr("content", "")
	}

	doc.Find("script, style, noscript, svg, template").Remove()
	var blocks []string
	doc.Find("body").Each(func(_ int, s *goquery.Selection) {
		blocks = append(blocks, s.Text())
	})
	text := strings.Join(strings.Fields(strings.Join(blocks, " ")), " ")
	text = domain.Truncate(text, maxExtractedText)

	var links []domain.PageLink
	seen := make(map[string]bool)
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		u, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			return true
		}
		if base != nil {
			u = base.ResolveReference(u)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return true
		}
		u.Fragment = ""
		abs := u.String()
		if seen[abs] {
			return true
		}
		seen[abs] = true
		links = append(links, domain.PageLink{
			Text: strings.Join(strings.Fields(s.Text()), " "),
			Href: abs,
		})
		return len(links) < maxExtractedLinks
	})

	page := &domain.PageContext{Title: title, TextExcerpt: text, Links: links}
	if base != nil {
		page.URL = base.String()
	}
	return page, nil
}
