package automation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/chromedp"
)

// ChromeFactory opens isolated headless Chrome sessions via chromedp.
// Each page owns its own exec allocator so jobs never share browser state.
type ChromeFactory struct {
	headless bool
	logger   *slog.Logger
}

// NewChromeFactory creates a session factory. headless=false is useful for
// local debugging of selector configuration.
func NewChromeFactory(headless bool, logger *slog.Logger) *ChromeFactory {
	return &ChromeFactory{headless: headless, logger: logger}
}

// NewPage launches a browser bound to ctx: cancelling the job context tears
// the whole session down, which is what bounds a hung page.
func (f *ChromeFactory) NewPage(ctx context.Context) (Page, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", f.headless),
		chromedp.NoSandbox,
		chromedp.DisableGPU,
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1280, 720),
	)
	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	tabCtx, cancelTab := chromedp.NewContext(allocCtx)
	// Force the browser process to start now so failures surface here
	// rather than on the first navigation.
	if err := chromedp.Run(tabCtx); err != nil {
		cancelTab()
		cancelAlloc()
		return nil, fmt.Errorf("launch chrome: %w", err)
	}
	return &chromePage{
		ctx: tabCtx,
		cancel: func() {
			cancelTab()
			cancelAlloc()
		},
	}, nil
}

type chromePage struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// run executes chromedp actions in the tab context, bounded by the caller's
// deadline when one is set.
func (p *chromePage) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx := p.ctx
	if deadline, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(p.ctx, deadline)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}

func (p *chromePage) Navigate(ctx context.Context, url string) error {
	return p.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *chromePage) Exists(ctx context.Context, sel string) (bool, error) {
	var nodes []*cdp.Node
	if err := p.run(ctx, chromedp.Nodes(sel, &nodes, queryOption(sel), chromedp.AtLeast(0))); err != nil {
		return false, err
	}
	return len(nodes) > 0, nil
}

func (p *chromePage) Fill(ctx context.Context, sel, value string) error {
	return p.run(ctx,
		chromedp.Click(sel, queryOption(sel)),
		chromedp.SendKeys(sel, value, queryOption(sel)),
	)
}

func (p *chromePage) Click(ctx context.Context, sel string) error {
	return p.run(ctx, chromedp.Click(sel, queryOption(sel)))
}

func (p *chromePage) WaitNavigation(ctx context.Context) error {
	return p.run(ctx, chromedp.WaitReady("body", chromedp.ByQuery))
}

func (p *chromePage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := p.run(ctx, chromedp.FullScreenshot(&buf, 90)); err != nil {
		return nil, err
	}
	return buf, nil
}

func (p *chromePage) Close() error {
	p.cancel()
	return nil
}

// queryOption picks the chromedp query strategy: XPath expressions start
// with "//", everything else is a CSS selector.
func queryOption(sel string) chromedp.QueryOption {
	if strings.HasPrefix(sel, "//") {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}
