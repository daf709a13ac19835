package domain

import "context"

// PageLink is one anchor extracted from a page.
type PageLink struct {
	Text string `json:"text"`
	Href string `json:"href"`
}

// PageContext is a read-only snapshot of a page supplied by the page backend.
type PageContext struct {
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	TextExcerpt string     `json:"text"`
	Links       []PageLink `json:"links,omitempty"`
}

// TabInfo identifies a browser tab.
type TabInfo struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	URL   string `json:"url"`
}

// PageInspector is the page-inspection collaborator.
type PageInspector interface {
	// ActiveTab returns the focused tab, if any.
	ActiveTab(ctx context.Context) (TabInfo, bool)
	// Page extracts the page shown in tabID, or in the active tab when tabID
	// is empty. Returns ErrNoActiveTab when neither exists.
	Page(ctx context.Context, tabID string) (*PageContext, error)
	// Open navigates to url and extracts the resulting page.
	Open(ctx context.Context, url string) (*PageContext, error)
}
