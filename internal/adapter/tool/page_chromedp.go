package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"

	"pagepilot/internal/domain"
)

// ChromeDPConfig holds configuration for the chromedp backend.
type ChromeDPConfig struct {
	// RemoteURL is the CDP WebSocket endpoint of a running Chrome. If empty,
	// a local Chrome is launched.
	RemoteURL string
	Headless  bool
	// Timeout is the per-action timeout.
	Timeout time.Duration
}

var _ domain.PageInspector = (*ChromeDPInspector)(nil)

// ChromeDPInspector drives a real Chrome. The active tab is the current
// target; other page targets can be read by ID.
type ChromeDPInspector struct {
	mu            sync.Mutex
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	tabCtx        context.Context
	tabCancel     context.CancelFunc
	activeID      string
	timeout       time.Duration
	logger        *slog.Logger
}

// NewChromeDPInspector launches or attaches to Chrome.
func NewChromeDPInspector(cfg ChromeDPConfig, logger *slog.Logger) (*ChromeDPInspector, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	b := &ChromeDPInspector{timeout: cfg.Timeout, logger: logger}

	var allocCtx context.Context
	if cfg.RemoteURL != "" {
		allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(context.Background(), cfg.RemoteURL)
		logger.Info("chromedp connecting to remote browser", "url", cfg.RemoteURL)
	} else {
		opts := make([]chromedp.ExecAllocatorOption, len(chromedp.DefaultExecAllocatorOptions))
		copy(opts, chromedp.DefaultExecAllocatorOptions[:])
		opts = append(opts,
			chromedp.Flag("headless", cfg.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.WindowSize(1280, 800),
		)
		allocCtx, b.allocCancel = chromedp.NewExecAllocator(context.Background(), opts...)
		logger.Info("chromedp launching local browser", "headless", cfg.Headless)
	}
	b.browserCtx, b.browserCancel = chromedp.NewContext(allocCtx)
	b.tabCtx, b.tabCancel = chromedp.NewContext(b.browserCtx)

	// chromedp binds the session to the context of the first Run, so the
	// start must not use a derived, cancelable context.
	startDone := make(chan error, 1)
	go func() { startDone <- chromedp.Run(b.tabCtx) }()
	select {
	case err := <-startDone:
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("start browser: %w", err)
		}
	case <-time.After(cfg.Timeout):
		b.Close()
		return nil, fmt.Errorf("start browser: timed out after %v", cfg.Timeout)
	}

	b.activeID = string(chromedp.FromContext(b.tabCtx).Target.TargetID)
	logger.Info("chromedp browser started")
	return b, nil
}

// ActiveTab implements domain.PageInspector. A blank tab counts as none.
func (b *ChromeDPInspector) ActiveTab(ctx context.Context) (domain.TabInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tctx, cancel := context.WithTimeout(b.tabCtx, b.timeout)
	defer cancel()
	var title, loc string
	if err := chromedp.Run(tctx, chromedp.Title(&title), chromedp.Location(&loc)); err != nil {
		b.logger.Debug("active tab unavailable", "error", err)
		return domain.TabInfo{}, false
	}
	if loc == "" || loc == "about:blank" {
		return domain.TabInfo{}, false
	}
	return domain.TabInfo{ID: b.activeID, Title: title, URL: loc}, true
}

// Page implements domain.PageInspector.
func (b *ChromeDPInspector) Page(ctx context.Context, tabID string) (*domain.PageContext, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if tabID == "" || tabID == b.activeID {
		return b.extract(b.tabCtx)
	}

	targets, err := chromedp.Targets(b.browserCtx)
	if err != nil {
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	for _, t := range targets {
		if t.Type == "page" && string(t.TargetID) == tabID {
			tctx, cancel := chromedp.NewContext(b.browserCtx, chromedp.WithTargetID(target.ID(tabID)))
			defer cancel()
			return b.extract(tctx)
		}
	}
	return nil, domain.NewSubSystemError("browser", "Page", domain.ErrNotFound, "tab "+tabID)
}

// Open implements domain.PageInspector. Navigation happens in the active tab.
func (b *ChromeDPInspector) Open(ctx context.Context, url string) (*domain.PageContext, error) {
	if err := ValidateURL("url", url); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	tctx, cancel := context.WithTimeout(b.tabCtx, b.timeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(tctx, chromedp.Navigate(url), chromedp.WaitReady("body")); err != nil {
		if tctx.Err() != nil {
			return nil, domain.NewSubSystemError("browser", "Open", domain.ErrTimeout, url)
		}
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	return b.extract(b.tabCtx)
}

func (b *ChromeDPInspector) extract(tabCtx context.Context) (*domain.PageContext, error) {
	tctx, cancel := context.WithTimeout(tabCtx, b.timeout)
	defer cancel()

	var raw string
	if err := chromedp.Run(tctx, chromedp.Evaluate(pageExtractionJS, &raw)); err != nil {
		if tctx.Err() != nil {
			return nil, domain.NewSubSystemError("browser", "Page", domain.ErrTimeout, "extract")
		}
		return nil, fmt.Errorf("extract page: %w", err)
	}
	var page domain.PageContext
	if err := json.Unmarshal([]byte(raw), &page); err != nil {
		return nil, fmt.Errorf("decode page: %w", err)
	}
	return &page, nil
}

// Close releases the browser.
func (b *ChromeDPInspector) Close() error {
	if b.tabCancel != nil {
		b.tabCancel()
	}
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	return nil
}

// pageExtractionJS returns {url, title, text, links} as a JSON string.
var pageExtractionJS = fmt.Sprintf(`(function() {
  var MAX_TEXT = %d, MAX_LINKS = %d;
  var body = document.body;
  var text = body ? (body.innerText || "") : "";
  if (text.length > MAX_TEXT) text = text.slice(0, MAX_TEXT);
  var links = [], seen = {};
  var anchors = document.querySelectorAll("a[href]");
  for (var i = 0; i < anchors.length && links.length < MAX_LINKS; i++) {
    var a = anchors[i];
    if (!/^https?:/.test(a.href)) continue;
    var href = a.href.split("#")[0];
    if (seen[href]) continue;
    seen[href] = true;
    links.push({text: (a.textContent || "").replace(/\s+/g, " ").trim(), href: href});
  }
  return JSON.stringify({url: location.href, title: document.title, text: text, links: links});
})()`, maxExtractedText, maxExtractedLinks)
