// Package capture produces the frames that end up on the display: it
// drives a headless Chromium instance to render a configured page at the
// display's resolution and returns the screenshot as an image.
package capture

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"time"

	"github.com/chromedp/chromedp"
)

// DefaultTimeout bounds one capture when Options.Timeout is zero.
const DefaultTimeout = 30 * time.Second

// Options defines parameters for a Chromium-based screenshot capture.
type Options struct {
	// URL to capture.
	URL string

	// Width and Height are the viewport dimensions in pixels; they
	// should match the display mode so no scaling happens downstream.
	Width  int
	Height int

	// WaitSelector, if non-empty, is a CSS selector that must become
	// visible before the screenshot is taken. Pages that render
	// asynchronously can use it to signal completion, e.g. by setting
	// data-ready="true" on their root element.
	WaitSelector string

	// Timeout bounds the entire capture operation.
	Timeout time.Duration
}

// Screenshot launches (or attaches to) a headless Chromium via chromedp,
// navigates to opts.URL and returns the decoded full-viewport screenshot.
func Screenshot(parentCtx context.Context, opts Options) (image.Image, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("capture: URL is required")
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		return nil, fmt.Errorf("capture: viewport %dx%d invalid", opts.Width, opts.Height)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	ctx, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	ctx, timeoutCancel := context.WithTimeout(ctx, opts.Timeout)
	defer timeoutCancel()

	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(opts.Width), int64(opts.Height)),
		chromedp.Navigate(opts.URL),
	}
	if opts.WaitSelector != "" {
		tasks = append(tasks,
			chromedp.WaitVisible(opts.WaitSelector, chromedp.ByQuery),
			// Small extra delay to allow final paints.
			chromedp.Sleep(500*time.Millisecond),
		)
	}
	var shot []byte
	tasks = append(tasks, chromedp.FullScreenshot(&shot, 100))

	if err := chromedp.Run(ctx, tasks); err != nil {
		return nil, fmt.Errorf("capture: chromedp run failed: %w", err)
	}

	img, err := png.Decode(bytes.NewReader(shot))
	if err != nil {
		return nil, fmt.Errorf("capture: decode screenshot: %w", err)
	}
	return img, nil
}
