package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// BrowserRenderer renders listing pages in a shared headless Chrome instance.
// Each Render opens a new tab; the browser process is started lazily and kept
// until Close. Requires Chrome/Chromium on the host.
type BrowserRenderer struct {
	Timeout time.Duration
	// WaitSelector is awaited before the HTML is captured.
	WaitSelector string
	Logger       *slog.Logger

	once        sync.Once
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc
	startErr    error
}

func (b *BrowserRenderer) start() {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(),
		append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("blink-settings", "imagesEnabled=false"),
		)...,
	)
	browserCtx, browserStop := chromedp.NewContext(allocCtx)
	// Run with no actions starts the browser.
	if err := chromedp.Run(browserCtx); err != nil {
		browserStop()
		allocCancel()
		b.startErr = fmt.Errorf("failed to start browser: %w", err)
		return
	}
	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserStop = browserStop
}

// Render navigates to url in a new tab and returns the rendered HTML.
func (b *BrowserRenderer) Render(ctx context.Context, url string) (string, error) {
	b.once.Do(b.start)
	if b.startErr != nil {
		return "", b.startErr
	}

	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	timeout := b.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	waitSel := b.WaitSelector
	if waitSel == "" {
		waitSel = "body"
	}

	tabCtx, cancelTab := chromedp.NewContext(b.browserCtx)
	defer cancelTab()
	tabCtx, cancelTimeout := context.WithTimeout(tabCtx, timeout)
	defer cancelTimeout()

	// Tie the tab to the caller's context as well.
	stop := context.AfterFunc(ctx, cancelTab)
	defer stop()

	logger.Debug("rendering page", "url", url)

	var html string
	err := chromedp.Run(tabCtx,
		chromedp.Navigate(url),
		chromedp.WaitReady(waitSel),
		chromedp.OuterHTML("html", &html),
	)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("browser rendering failed: %w", err)
	}

	logger.Debug("rendered page", "url", url, "bytes", len(html))
	return html, nil
}

// Close shuts the browser down.
func (b *BrowserRenderer) Close() {
	if b.browserStop != nil {
		b.browserStop()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
}
