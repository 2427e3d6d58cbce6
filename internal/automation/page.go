package automation

import "context"

// Page is the browser capability surface the executor drives. Selectors are
// CSS by default; selectors starting with "//" are treated as XPath.
// Implementations honor context deadlines on every call.
type Page interface {
	// Navigate loads the URL and waits for the document to be ready.
	Navigate(ctx context.Context, url string) error
	// Exists reports whether the selector currently matches any element.
	Exists(ctx context.Context, sel string) (bool, error)
	// Fill types the value into the element matched by the selector.
	Fill(ctx context.Context, sel, value string) error
	// Click clicks the first element matched by the selector.
	Click(ctx context.Context, sel string) error
	// WaitNavigation waits for a post-click page load. Callers tolerate an
	// error here: single-page apps may never navigate.
	WaitNavigation(ctx context.Context) error
	// Screenshot captures a full-page PNG.
	Screenshot(ctx context.Context) ([]byte, error)
	// Close tears down the session. Always called, on success and failure.
	Close() error
}

// SessionFactory opens fresh, isolated browser sessions. Sessions are never
// shared across jobs.
type SessionFactory interface {
	NewPage(ctx context.Context) (Page, error)
}
