// Package capture walks pages and stories across viewports, drives the
// browser tab pool, and forwards captured frames to the configured sink.
package capture

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/vizzly-testing/vizzly-go/internal/browser"
	"github.com/vizzly-testing/vizzly-go/internal/dispatch"
	"github.com/vizzly-testing/vizzly-go/internal/screenshot"
	"github.com/vizzly-testing/vizzly-go/internal/tabpool"
)

// Viewport is a named capture size.
type Viewport struct {
	Name   string `json:"name"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// DefaultViewport is used when neither config nor the item specify one.
var DefaultViewport = Viewport{Name: "desktop", Width: 1920, Height: 1080}

// Hook runs page interactions before a capture.
type Hook func(ctx context.Context, page *browser.Page) error

// Target is one (input, viewport) capture unit.
type Target struct {
	Name           string
	URL            string
	Viewport       Viewport
	Properties     map[string]interface{}
	FullPage       bool
	OmitBackground bool
	Before         Hook
}

// Frame is a captured screenshot on its way to the comparison server or the
// upload staging directory.
type Frame struct {
	Name       string
	Data       []byte
	Properties map[string]interface{}
	FullPage   bool
}

// Submitter delivers captured frames; implementations are selected by the
// mode detector.
type Submitter interface {
	Submit(ctx context.Context, frame Frame) error
}

// Failure records one failed capture unit.
type Failure struct {
	Name string
	Err  error
}

// Summary reports a pipeline run. Success requires every item to succeed.
type Summary struct {
	Total     int
	Succeeded int
	Failures  []Failure
}

// Success reports whether every capture unit succeeded.
func (s *Summary) Success() bool {
	return len(s.Failures) == 0
}

// PageFactory adapts a Browser to the tab pool.
type PageFactory struct {
	Browser *browser.Browser
}

// NewContext allocates a fresh tab.
func (f PageFactory) NewContext() (tabpool.Tab, error) {
	return f.Browser.NewPage()
}

// Pipeline schedules captures over the tab pool with bounded concurrency.
type Pipeline struct {
	pool        *tabpool.Pool
	submit      Submitter
	concurrency int
	navTimeout  time.Duration
	log         zerolog.Logger
}

// NewPipeline creates a pipeline. concurrency bounds in-flight captures.
func NewPipeline(pool *tabpool.Pool, submit Submitter, concurrency int, log zerolog.Logger) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{
		pool:        pool,
		submit:      submit,
		concurrency: concurrency,
		navTimeout:  30 * time.Second,
		log:         log.With().Str("component", "capture").Logger(),
	}
}

// Run captures every target. A capture failure fails that item and is
// recorded, but the walk keeps processing the remaining items.
func (p *Pipeline) Run(ctx context.Context, targets []Target) (*Summary, error) {
	summary := &Summary{Total: len(targets)}
	var mu sync.Mutex

	err := dispatch.ForEach(ctx, p.concurrency, targets, func(ctx context.Context, t Target) error {
		if err := p.captureOne(ctx, t); err != nil {
			p.log.Warn().Err(err).Str("name", t.Name).Msg("capture failed")
			mu.Lock()
			summary.Failures = append(summary.Failures, Failure{Name: t.Name, Err: err})
			mu.Unlock()
			// Item failures are recorded, not propagated, so the
			// dispatcher keeps the walk going.
			return nil
		}
		mu.Lock()
		summary.Succeeded++
		mu.Unlock()
		return nil
	})
	if err != nil {
		return summary, err
	}
	return summary, nil
}

func (p *Pipeline) captureOne(ctx context.Context, t Target) error {
	tab, err := p.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.pool.Release(tab)

	page := tab.(*browser.Page)

	if err := page.SetViewport(t.Viewport.Width, t.Viewport.Height); err != nil {
		return err
	}
	if err := page.Navigate(t.URL, p.navTimeout); err != nil {
		return err
	}
	if t.Before != nil {
		if err := t.Before(ctx, page); err != nil {
			return err
		}
	}

	data, err := page.Screenshot(browser.ScreenshotOptions{
		FullPage:       t.FullPage,
		OmitBackground: t.OmitBackground,
	})
	if err != nil {
		return err
	}

	props := map[string]interface{}{
		"viewport":       t.Viewport.Name,
		"viewportWidth":  t.Viewport.Width,
		"viewportHeight": t.Viewport.Height,
		"browser":        "chrome",
	}
	for k, v := range t.Properties {
		props[k] = v
	}

	return p.submit.Submit(ctx, Frame{
		Name:       t.Name,
		Data:       data,
		Properties: props,
		FullPage:   t.FullPage,
	})
}

// ExpandViewports crosses inputs with viewports, honoring per-item
// overrides already present on the targets.
func ExpandViewports(base []Target, viewports []Viewport) []Target {
	if len(viewports) == 0 {
		viewports = []Viewport{DefaultViewport}
	}
	out := make([]Target, 0, len(base)*len(viewports))
	for _, t := range base {
		if t.Viewport.Width > 0 {
			// A per-item viewport overrides the configured matrix.
			out = append(out, t)
			continue
		}
		for _, vp := range viewports {
			expanded := t
			expanded.Viewport = vp
			expanded.Name = t.Name + "@" + vp.Name
			out = append(out, expanded)
		}
	}
	return out
}

// PageName derives a screenshot name from a URL path: the root becomes
// "index", separators become dashes, and the sanitiser handles the rest.
func PageName(urlPath string) string {
	trimmed := strings.Trim(urlPath, "/")
	if trimmed == "" {
		return "index"
	}
	name := strings.ReplaceAll(trimmed, "/", "-")
	name = strings.TrimSuffix(name, ".html")
	return screenshot.SanitizeName(name)
}
