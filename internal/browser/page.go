package browser

import (
	"context"
	"time"

	"github.com/chromedp/cdproto/emulation"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"
)

// Page represents a browser tab with the interactions the capture pipeline
// needs.
type Page struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// Context returns the page's context
func (p *Page) Context() context.Context {
	return p.ctx
}

// Close closes the tab.
func (p *Page) Close() error {
	if p.cancel != nil {
		p.cancel()
	}
	return nil
}

// Navigate navigates to a URL and waits for the load event.
func (p *Page) Navigate(url string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(p.ctx, timeout)
	defer cancel()

	if err := chromedp.Run(ctx, chromedp.Navigate(url)); err != nil {
		return errors.Wrapf(err, "navigating to %s", url)
	}
	return nil
}

// SetViewport sets the viewport size.
func (p *Page) SetViewport(width, height int) error {
	return chromedp.Run(p.ctx,
		emulation.SetDeviceMetricsOverride(int64(width), int64(height), 1.0, false),
		chromedp.EmulateViewport(int64(width), int64(height)),
	)
}

// Evaluate runs JavaScript in the page context.
func (p *Page) Evaluate(expression string, result interface{}) error {
	return chromedp.Run(p.ctx, chromedp.Evaluate(expression, result))
}

// ScreenshotOptions control a single capture.
type ScreenshotOptions struct {
	FullPage       bool
	OmitBackground bool
	Quality        int
}

// Screenshot captures the page as PNG bytes.
func (p *Page) Screenshot(opts ScreenshotOptions) ([]byte, error) {
	if opts.Quality == 0 {
		opts.Quality = 90
	}

	var buf []byte
	var action chromedp.Action

	switch {
	case opts.OmitBackground:
		action = chromedp.ActionFunc(func(ctx context.Context) error {
			params := cdppage.CaptureScreenshot().
				WithFormat(cdppage.CaptureScreenshotFormatPng).
				WithFromSurface(true).
				WithCaptureBeyondViewport(opts.FullPage)
			data, err := params.Do(ctx)
			if err != nil {
				return err
			}
			buf = data
			return nil
		})
	case opts.FullPage:
		action = chromedp.FullScreenshot(&buf, opts.Quality)
	default:
		action = chromedp.CaptureScreenshot(&buf)
	}

	if err := chromedp.Run(p.ctx, action); err != nil {
		return nil, errors.Wrap(err, "taking screenshot")
	}
	return buf, nil
}
