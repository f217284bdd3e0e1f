// Package browser provides a thin abstraction over a headless Chrome
// instance driven through the DevTools protocol.
package browser

import (
	"context"
	"log"

	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"
)

// Browser represents a managed Chrome browser instance.
type Browser struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	ctx         context.Context
	cancel      context.CancelFunc
	opts        *Options
}

// New creates a new Browser with the provided options
func New(ctx context.Context, opts ...Option) (*Browser, error) {
	options := defaultOptions()
	for _, opt := range opts {
		if err := opt(options); err != nil {
			return nil, errors.Wrap(err, "applying browser option")
		}
	}
	return &Browser{opts: options}, nil
}

// Launch starts the browser process.
func (b *Browser) Launch(ctx context.Context) error {
	launchOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	if b.opts.Headless {
		launchOpts = append(launchOpts, chromedp.Headless)
	}
	if b.opts.ChromePath != "" {
		launchOpts = append(launchOpts, chromedp.ExecPath(b.opts.ChromePath))
	}
	for _, flag := range b.opts.ChromeFlags {
		launchOpts = append(launchOpts, chromedp.Flag(flag, true))
	}

	b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(ctx, launchOpts...)

	if b.opts.Verbose {
		b.ctx, b.cancel = chromedp.NewContext(b.allocCtx, chromedp.WithLogf(log.Printf))
	} else {
		b.ctx, b.cancel = chromedp.NewContext(b.allocCtx)
	}

	// Start the browser process eagerly so later failures surface here.
	if err := chromedp.Run(b.ctx); err != nil {
		b.Close()
		return errors.Wrap(err, "launching browser")
	}
	return nil
}

// NewPage creates a new tab.
func (b *Browser) NewPage() (*Page, error) {
	if b.ctx == nil {
		return nil, errors.New("browser not launched")
	}

	newCtx, cancel := chromedp.NewContext(b.ctx)
	p := &Page{ctx: newCtx, cancel: cancel}

	// Navigate to blank page to initialize the target.
	if err := chromedp.Run(p.ctx, chromedp.Navigate("about:blank")); err != nil {
		cancel()
		return nil, errors.Wrap(err, "initializing page")
	}
	return p, nil
}

// Close shuts the browser down.
func (b *Browser) Close() error {
	if b.cancel != nil {
		b.cancel()
		b.cancel = nil
	}
	if b.allocCancel != nil {
		b.allocCancel()
		b.allocCancel = nil
	}
	return nil
}
