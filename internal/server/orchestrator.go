package server

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/vizzly-testing/vizzly-go/internal/baseline"
	"github.com/vizzly-testing/vizzly-go/internal/compare"
	"github.com/vizzly-testing/vizzly-go/internal/config"
	"github.com/vizzly-testing/vizzly-go/internal/events"
	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
	"github.com/vizzly-testing/vizzly-go/internal/screenshot"
	"github.com/vizzly-testing/vizzly-go/internal/signature"
)

// Verdict statuses reported for a processed submission.
const (
	StatusNew             = "new"
	StatusMatch           = "match"
	StatusDiff            = "diff"
	StatusBaselineUpdated = "baseline_updated"
	StatusError           = "error"
)

// Submission is one screenshot handed to the orchestrator.
type Submission struct {
	Name       string
	Image      []byte
	Properties map[string]interface{}
	Threshold  *float64
	FullPage   bool
	BuildID    string
}

// Comparison is the verdict record for a processed submission.
type Comparison struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Signature       string    `json:"signature"`
	Status          string    `json:"status"`
	DiffPercentage  *float64  `json:"diffPercentage,omitempty"`
	DiffPixels      int       `json:"diffPixels,omitempty"`
	TotalPixels     int       `json:"totalPixels,omitempty"`
	HotspotFiltered bool      `json:"hotspotFiltered,omitempty"`
	Error           string    `json:"error,omitempty"`
	BaselinePath    string    `json:"baselinePath,omitempty"`
	CurrentPath     string    `json:"currentPath,omitempty"`
	DiffPath        string    `json:"diffPath,omitempty"`
	CompletedAt     time.Time `json:"completedAt"`
}

// Orchestrator resolves baselines, runs comparisons, persists artifacts,
// and reports verdicts. At most one comparison per signature is in flight
// at any instant.
type Orchestrator struct {
	store    *baseline.Store
	cfg      *config.Config
	bus      *events.Bus
	analyzer compare.HotspotAnalyzer
	locks    *keyedLocks
	log      zerolog.Logger

	mu          sync.RWMutex
	comparisons map[string]*Comparison
}

// NewOrchestrator creates an orchestrator over a baseline store. analyzer
// may be nil to disable hotspot filtering.
func NewOrchestrator(store *baseline.Store, cfg *config.Config, bus *events.Bus, analyzer compare.HotspotAnalyzer, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:       store,
		cfg:         cfg,
		bus:         bus,
		analyzer:    analyzer,
		locks:       newKeyedLocks(),
		log:         log.With().Str("component", "orchestrator").Logger(),
		comparisons: make(map[string]*Comparison),
	}
}

// Process runs the full per-submission flow and returns the verdict record.
// Dimension mismatches become error verdicts, never raised failures. If ctx
// is cancelled mid-flight, artifacts already written stay in place but the
// verdict is not recorded or broadcast.
func (o *Orchestrator) Process(ctx context.Context, sub Submission) (*Comparison, error) {
	name, err := screenshot.ValidateName(sub.Name)
	if err != nil {
		return nil, err
	}
	props, err := screenshot.ValidateProperties(sub.Properties)
	if err != nil {
		return nil, err
	}

	sig := signature.Compute(name, props, o.cfg.SignatureProperties)
	key := signature.Key(sig)

	unlock := o.locks.acquire(sig)
	defer unlock()

	record := &Comparison{
		ID:        uuid.NewString(),
		Name:      name,
		Signature: sig,
	}

	if err := o.store.Save(baseline.KindCurrent, key, sub.Image); err != nil {
		return nil, err
	}
	record.CurrentPath, _ = o.store.Path(baseline.KindCurrent, key)

	if !o.store.Exists(baseline.KindBaseline, key) {
		if err := o.store.Save(baseline.KindBaseline, key, sub.Image); err != nil {
			return nil, err
		}
		record.Status = StatusNew
		if err := ctx.Err(); err != nil {
			return record, err
		}
		o.finish(record)
		return record, nil
	}

	baselineData, err := o.store.Read(baseline.KindBaseline, key)
	if err != nil {
		return nil, err
	}
	record.BaselinePath, _ = o.store.Path(baseline.KindBaseline, key)

	opts := compare.DefaultOptions()
	opts.Threshold = o.cfg.Comparison.Threshold
	opts.MinClusterSize = o.cfg.Comparison.MinClusterSize
	if sub.Threshold != nil {
		opts.Threshold = *sub.Threshold
	}

	result, err := compare.Compare(baselineData, sub.Image, opts)
	if err != nil {
		return nil, err
	}

	switch result.Status {
	case compare.StatusDimensionMismatch:
		record.Status = StatusError
		record.Error = fmt.Sprintf(
			"Dimension mismatch: baseline is %dx%d, current is %dx%d. Capture at the original viewport or accept the current image as the new baseline.",
			result.BaselineSize.X, result.BaselineSize.Y,
			result.CurrentSize.X, result.CurrentSize.Y)

	case compare.StatusMatch:
		record.Status = StatusMatch
		if err := o.store.Remove(baseline.KindDiff, key); err != nil {
			o.log.Warn().Err(err).Str("key", key).Msg("removing stale diff")
		}

	case compare.StatusDiff:
		pct := result.DiffPercentage
		record.DiffPercentage = &pct
		record.DiffPixels = result.DiffPixels
		record.TotalPixels = result.TotalPixels

		diffData, err := compare.EncodePNG(result.DiffImage)
		if err != nil {
			return nil, vzerrors.Wrap(err, vzerrors.InternalError, "encoding diff image")
		}
		if err := o.store.Save(baseline.KindDiff, key, diffData); err != nil {
			return nil, err
		}
		record.DiffPath, _ = o.store.Path(baseline.KindDiff, key)

		record.Status = StatusDiff
		if o.analyzer != nil {
			report, err := o.analyzer.Analyze(result)
			if err != nil {
				o.log.Warn().Err(err).Msg("hotspot analysis failed")
			} else if report.ShouldFilter() {
				// Downgrade to a match but keep the original metrics so
				// downstream tools can re-enable the diff.
				record.Status = StatusMatch
				record.HotspotFiltered = true
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return record, err
	}
	o.finish(record)
	return record, nil
}

// Accept promotes the current artifact to baseline for a prior comparison
// and returns the updated verdict.
func (o *Orchestrator) Accept(id string) (*Comparison, error) {
	o.mu.RLock()
	prior, ok := o.comparisons[id]
	o.mu.RUnlock()
	if !ok {
		return nil, vzerrors.NewValidationError("id", "unknown comparison: "+id)
	}

	unlock := o.locks.acquire(prior.Signature)
	defer unlock()

	key := signature.Key(prior.Signature)
	if err := o.store.Promote(key); err != nil {
		return nil, err
	}
	if err := o.store.Remove(baseline.KindDiff, key); err != nil {
		o.log.Warn().Err(err).Str("key", key).Msg("removing diff after accept")
	}

	updated := *prior
	updated.Status = StatusBaselineUpdated
	updated.DiffPath = ""
	o.finish(&updated)
	return &updated, nil
}

// Comparison returns a processed verdict by id.
func (o *Orchestrator) Comparison(id string) (*Comparison, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	c, ok := o.comparisons[id]
	return c, ok
}

// Comparisons returns all verdicts processed by this server instance.
func (o *Orchestrator) Comparisons() []*Comparison {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*Comparison, 0, len(o.comparisons))
	for _, c := range o.comparisons {
		out = append(out, c)
	}
	return out
}

// finish records the verdict and broadcasts it.
func (o *Orchestrator) finish(record *Comparison) {
	record.CompletedAt = time.Now()

	o.mu.Lock()
	o.comparisons[record.ID] = record
	o.mu.Unlock()

	o.log.Debug().
		Str("name", record.Name).
		Str("status", record.Status).
		Msg("comparison finished")

	if o.bus != nil {
		o.bus.Publish(events.Event{
			Type: events.TypeComparison,
			Compare: &events.Comparison{
				ID:             record.ID,
				Name:           record.Name,
				Status:         record.Status,
				DiffPercentage: record.DiffPercentage,
				DiffPixels:     record.DiffPixels,
				TotalPixels:    record.TotalPixels,
			},
		})
	}
}
