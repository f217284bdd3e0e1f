package uploader

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
	"github.com/vizzly-testing/vizzly-go/internal/events"
)

// Defaults for batching and the wait phase.
const (
	DefaultShaCheckBatchSize = 100
	DefaultBatchSize         = 50
	DefaultWaitTimeout       = 30 * time.Second
	defaultPollInterval      = time.Second
)

// Options configure one upload run.
type Options struct {
	// Dirs are the directories scanned for PNGs.
	Dirs []string
	// APIURL is the remote API base URL.
	APIURL string
	// Token is the bearer token; required before any network I/O.
	Token string
	// Build describes the build to create or attach to.
	Build BuildInfo
	// BatchSize caps concurrent uploads within a batch (default 50).
	BatchSize int
	// ShaCheckBatchSize sizes existence-query batches (default 100).
	ShaCheckBatchSize int
	// Timeout is the per-request timeout (default 30s).
	Timeout time.Duration
	// Wait blocks until the server finishes comparing, or times out.
	Wait bool
	// WaitTimeout bounds the wait phase (default 30s).
	WaitTimeout time.Duration
}

// Stats summarize an upload run.
type Stats struct {
	Total    int `json:"total"`
	Uploaded int `json:"uploaded"`
	Skipped  int `json:"skipped"`
}

// WaitResult reports the outcome of the optional wait phase.
type WaitResult struct {
	Status            string `json:"status"`
	Comparisons       int    `json:"comparisons"`
	PassedComparisons int    `json:"passedComparisons"`
	FailedComparisons int    `json:"failedComparisons"`
}

// Result is the outcome of an upload run.
type Result struct {
	Success bool        `json:"success"`
	BuildID string      `json:"buildId"`
	URL     string      `json:"url"`
	Stats   Stats       `json:"stats"`
	Wait    *WaitResult `json:"wait,omitempty"`
}

// Uploader drives the scan → dedupe → upload → finalize pipeline.
type Uploader struct {
	client *Client
	bus    *events.Bus
	log    zerolog.Logger
}

// New creates an uploader that reports progress on bus.
func New(client *Client, bus *events.Bus, log zerolog.Logger) *Uploader {
	return &Uploader{
		client: client,
		bus:    bus,
		log:    log.With().Str("component", "uploader").Logger(),
	}
}

// Run executes the full upload pipeline. Validation failures are fatal
// before any network I/O; once the network phase begins, the first
// unrecoverable error fails the run.
func Run(ctx context.Context, opts Options, bus *events.Bus, log zerolog.Logger) (*Result, error) {
	if err := validate(opts); err != nil {
		return nil, err
	}
	applyDefaults(&opts)

	client := NewClient(opts.APIURL, opts.Token, opts.Timeout)
	return New(client, bus, log).Run(ctx, opts)
}

func validate(opts Options) error {
	if opts.Token == "" {
		return vzerrors.New(vzerrors.AuthError, "no API token configured")
	}
	if len(opts.Dirs) == 0 {
		return vzerrors.NewValidationError("screenshotsDir", "no screenshot directories configured")
	}
	for _, dir := range opts.Dirs {
		info, err := os.Stat(dir)
		if err != nil {
			return vzerrors.NewValidationError("screenshotsDir", "directory does not exist: "+dir)
		}
		if !info.IsDir() {
			return vzerrors.NewValidationError("screenshotsDir", "not a directory: "+dir)
		}
	}
	return nil
}

func applyDefaults(opts *Options) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.ShaCheckBatchSize <= 0 {
		opts.ShaCheckBatchSize = DefaultShaCheckBatchSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.WaitTimeout <= 0 {
		opts.WaitTimeout = DefaultWaitTimeout
	}
}

// Run executes the pipeline against a pre-built client.
func (u *Uploader) Run(ctx context.Context, opts Options) (*Result, error) {
	applyDefaults(&opts)

	// Scan.
	paths, err := scan(opts.Dirs)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		return nil, vzerrors.NewValidationError("screenshotsDir", "no screenshots found")
	}
	u.publish(events.Event{Type: events.TypeScanning, Total: len(paths)})

	// Process.
	items := make([]*Item, 0, len(paths))
	for i, p := range paths {
		item, err := ItemFromFile(p)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		u.publish(events.Event{Type: events.TypeProcessing, Current: i + 1, Total: len(paths)})
	}

	// Create or attach the build.
	build, err := u.client.CreateBuild(ctx, opts.Build)
	if err != nil {
		return nil, err
	}
	u.log.Info().Str("buildId", build.BuildID).Msg("build created")

	// Deduplicate by digest, in batches.
	toUpload, existing, err := u.partition(ctx, build.BuildID, items, opts.ShaCheckBatchSize)
	if err != nil {
		return nil, err
	}
	u.publish(events.Event{
		Type:     events.TypeDeduplication,
		ToUpload: len(toUpload),
		Existing: len(existing),
		Total:    len(items),
	})

	// Upload new bytes: batches are sequential, uploads within a batch
	// concurrent, to respect server rate budgets.
	uploaded := 0
	for start := 0; start < len(toUpload); start += opts.BatchSize {
		end := min(start+opts.BatchSize, len(toUpload))
		batch := toUpload[start:end]

		g, gctx := errgroup.WithContext(ctx)
		for _, item := range batch {
			item := item
			g.Go(func() error {
				return u.client.UploadScreenshot(gctx, build.BuildID, item)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
		uploaded += len(batch)
		u.publish(events.Event{Type: events.TypeUploading, Current: uploaded, Total: len(toUpload)})
	}

	// Finalize.
	if err := u.client.CompleteBuild(ctx, build.BuildID); err != nil {
		return nil, err
	}

	result := &Result{
		Success: true,
		BuildID: build.BuildID,
		URL:     build.URL,
		Stats: Stats{
			Total:    len(items),
			Uploaded: uploaded,
			Skipped:  len(existing),
		},
	}

	if opts.Wait {
		result.Wait = u.waitForBuild(ctx, build.BuildID, len(items), opts.WaitTimeout)
	}

	u.publish(events.Event{Type: events.TypeCompleted, BuildID: build.BuildID, URL: build.URL})
	return result, nil
}

// partition splits items into unknown and already-known digests. The split
// is lossless: every input lands in exactly one side.
func (u *Uploader) partition(ctx context.Context, buildID string, items []*Item, batchSize int) (toUpload, existing []*Item, err error) {
	known := make(map[string]bool)
	for start := 0; start < len(items); start += batchSize {
		end := min(start+batchSize, len(items))
		shas := make([]string, 0, end-start)
		for _, item := range items[start:end] {
			shas = append(shas, item.SHA256)
		}
		batchKnown, err := u.client.CheckShas(ctx, buildID, shas)
		if err != nil {
			return nil, nil, err
		}
		for sha := range batchKnown {
			known[sha] = true
		}
	}

	for _, item := range items {
		if known[item.SHA256] {
			existing = append(existing, item)
		} else {
			toUpload = append(toUpload, item)
		}
	}
	return toUpload, existing, nil
}

// waitForBuild polls until the server has compared everything we submitted
// or the timeout elapses.
func (u *Uploader) waitForBuild(ctx context.Context, buildID string, submitted int, timeout time.Duration) *WaitResult {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(defaultPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return &WaitResult{Status: "timeout"}
		case <-deadline.C:
			return &WaitResult{Status: "timeout"}
		case <-ticker.C:
			status, err := u.client.GetBuild(ctx, buildID)
			if err != nil {
				u.log.Warn().Err(err).Msg("polling build status")
				continue
			}
			if status.ComparisonsTotal >= submitted {
				return &WaitResult{
					Status:            status.Status,
					Comparisons:       status.ComparisonsTotal,
					PassedComparisons: status.ComparisonsPassed,
					FailedComparisons: status.ComparisonsFailed,
				}
			}
		}
	}
}

// scan globs **/*.png under each directory.
func scan(dirs []string) ([]string, error) {
	var paths []string
	for _, dir := range dirs {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && strings.EqualFold(filepath.Ext(path), ".png") {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil {
			return nil, vzerrors.Wrap(err, vzerrors.IOError, "scanning screenshot directory")
		}
	}
	return paths, nil
}

func (u *Uploader) publish(ev events.Event) {
	if u.bus != nil {
		u.bus.Publish(ev)
	}
}
