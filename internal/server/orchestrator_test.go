package server

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"sync"
	"testing"

	"github.com/rs/zerolog"

	"github.com/vizzly-testing/vizzly-go/internal/baseline"
	"github.com/vizzly-testing/vizzly-go/internal/compare"
	"github.com/vizzly-testing/vizzly-go/internal/config"
	"github.com/vizzly-testing/vizzly-go/internal/events"
	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
)

func testPNG(t *testing.T, w, h int, fill color.NRGBA, mutate func(*image.NRGBA)) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}
	if mutate != nil {
		mutate(img)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

var (
	testWhite = color.NRGBA{255, 255, 255, 255}
	testBlack = color.NRGBA{0, 0, 0, 255}
)

func newOrchestrator(t *testing.T, analyzer compare.HotspotAnalyzer) (*Orchestrator, *baseline.Store) {
	t.Helper()
	store := baseline.New(t.TempDir())
	if err := store.Initialize(); err != nil {
		t.Fatal(err)
	}
	o := NewOrchestrator(store, config.Default(), events.NewBus(), analyzer, zerolog.Nop())
	return o, store
}

func TestProcessNewBaseline(t *testing.T) {
	o, store := newOrchestrator(t, nil)
	data := testPNG(t, 30, 30, testWhite, nil)

	record, err := o.Process(context.Background(), Submission{Name: "home", Image: data})
	if err != nil {
		t.Fatalf("Process() error: %v", err)
	}
	if record.Status != StatusNew {
		t.Errorf("status = %s, want new", record.Status)
	}

	stored, err := store.Read(baseline.KindBaseline, "home")
	if err != nil {
		t.Fatalf("baseline not persisted: %v", err)
	}
	if !bytes.Equal(stored, data) {
		t.Error("baseline bytes differ from submission")
	}
	if _, err := os.Stat(record.CurrentPath); err != nil {
		t.Errorf("current artifact missing: %v", err)
	}
}

func TestProcessMatch(t *testing.T) {
	o, store := newOrchestrator(t, nil)
	data := testPNG(t, 30, 30, testWhite, nil)

	if _, err := o.Process(context.Background(), Submission{Name: "home", Image: data}); err != nil {
		t.Fatal(err)
	}
	record, err := o.Process(context.Background(), Submission{Name: "home", Image: data})
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != StatusMatch {
		t.Errorf("status = %s, want match", record.Status)
	}
	if store.Exists(baseline.KindDiff, "home") {
		t.Error("diff artifact must not exist for a match")
	}
}

func TestProcessDiff(t *testing.T) {
	o, store := newOrchestrator(t, nil)

	baselineData := testPNG(t, 100, 100, testWhite, nil)
	currentData := testPNG(t, 100, 100, testWhite, func(img *image.NRGBA) {
		for y := 0; y < 20; y++ {
			for x := 0; x < 25; x++ {
				img.SetNRGBA(x, y, testBlack)
			}
		}
	})

	if _, err := o.Process(context.Background(), Submission{Name: "home", Image: baselineData}); err != nil {
		t.Fatal(err)
	}
	record, err := o.Process(context.Background(), Submission{Name: "home", Image: currentData})
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != StatusDiff {
		t.Fatalf("status = %s, want diff", record.Status)
	}
	if record.DiffPercentage == nil || *record.DiffPercentage < 4.9 || *record.DiffPercentage > 5.1 {
		t.Errorf("DiffPercentage = %v, want ~5.0", record.DiffPercentage)
	}
	if !store.Exists(baseline.KindDiff, "home") {
		t.Error("diff artifact missing for a diff verdict")
	}

	// A later match clears the stale diff.
	if _, err := o.Process(context.Background(), Submission{Name: "home", Image: baselineData}); err != nil {
		t.Fatal(err)
	}
	if store.Exists(baseline.KindDiff, "home") {
		t.Error("stale diff not removed after match")
	}
}

// fullCoverageAnalyzer reports every diff as a fully covered hotspot.
type fullCoverageAnalyzer struct{}

func (fullCoverageAnalyzer) Analyze(*compare.Result) (*compare.HotspotReport, error) {
	return &compare.HotspotReport{Coverage: 1.0, Confidence: compare.ConfidenceHigh}, nil
}

func TestProcessHotspotFiltered(t *testing.T) {
	o, _ := newOrchestrator(t, fullCoverageAnalyzer{})

	baselineData := testPNG(t, 50, 50, testWhite, nil)
	currentData := testPNG(t, 50, 50, testWhite, func(img *image.NRGBA) {
		for y := 5; y < 15; y++ {
			for x := 5; x < 15; x++ {
				img.SetNRGBA(x, y, testBlack)
			}
		}
	})

	if _, err := o.Process(context.Background(), Submission{Name: "home", Image: baselineData}); err != nil {
		t.Fatal(err)
	}
	record, err := o.Process(context.Background(), Submission{Name: "home", Image: currentData})
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != StatusMatch {
		t.Errorf("status = %s, want hotspot-filtered match", record.Status)
	}
	if !record.HotspotFiltered {
		t.Error("HotspotFiltered flag not set")
	}
	// Original metrics survive the downgrade.
	if record.DiffPercentage == nil || *record.DiffPercentage == 0 {
		t.Error("expected original diff metrics to be preserved")
	}
}

func TestProcessDimensionMismatch(t *testing.T) {
	o, _ := newOrchestrator(t, nil)

	if _, err := o.Process(context.Background(), Submission{Name: "home", Image: testPNG(t, 10, 10, testWhite, nil)}); err != nil {
		t.Fatal(err)
	}
	record, err := o.Process(context.Background(), Submission{Name: "home", Image: testPNG(t, 20, 10, testWhite, nil)})
	if err != nil {
		t.Fatalf("dimension mismatch must be a verdict, got error %v", err)
	}
	if record.Status != StatusError {
		t.Errorf("status = %s, want error", record.Status)
	}
	if record.Error == "" {
		t.Error("expected an actionable error message")
	}
}

func TestProcessRejectsBadName(t *testing.T) {
	o, _ := newOrchestrator(t, nil)
	data := testPNG(t, 10, 10, testWhite, nil)

	for _, name := range []string{"a/b", "../x", ""} {
		if _, err := o.Process(context.Background(), Submission{Name: name, Image: data}); !vzerrors.IsKind(err, vzerrors.ValidationError) {
			t.Errorf("Process(%q) = %v, want validation error", name, err)
		}
	}
}

func TestSignaturePropertiesSelectVariants(t *testing.T) {
	store := baseline.New(t.TempDir())
	if err := store.Initialize(); err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.SignatureProperties = []string{"viewport", "browser"}
	o := NewOrchestrator(store, cfg, events.NewBus(), nil, zerolog.Nop())
	data := testPNG(t, 10, 10, testWhite, nil)

	a, err := o.Process(context.Background(), Submission{
		Name:       "x",
		Image:      data,
		Properties: map[string]interface{}{"browser": "chrome", "viewport": "1920", "extra": "a"},
	})
	if err != nil {
		t.Fatal(err)
	}
	b, err := o.Process(context.Background(), Submission{
		Name:       "x",
		Image:      data,
		Properties: map[string]interface{}{"browser": "chrome", "viewport": "1920", "extra": "b"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if a.Signature != b.Signature {
		t.Error("properties outside signatureProperties must not change the signature")
	}
	if b.Status != StatusMatch {
		t.Errorf("second submission status = %s, want match against shared baseline", b.Status)
	}

	c, err := o.Process(context.Background(), Submission{
		Name:       "x",
		Image:      data,
		Properties: map[string]interface{}{"browser": "firefox", "viewport": "1920"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if c.Signature == a.Signature {
		t.Error("changing a signature property must produce a distinct signature")
	}
	if c.Status != StatusNew {
		t.Errorf("distinct variant status = %s, want new", c.Status)
	}
}

func TestAcceptPromotesBaseline(t *testing.T) {
	o, store := newOrchestrator(t, nil)

	baselineData := testPNG(t, 20, 20, testWhite, nil)
	currentData := testPNG(t, 20, 20, testBlack, nil)

	if _, err := o.Process(context.Background(), Submission{Name: "home", Image: baselineData}); err != nil {
		t.Fatal(err)
	}
	record, err := o.Process(context.Background(), Submission{Name: "home", Image: currentData})
	if err != nil {
		t.Fatal(err)
	}
	if record.Status != StatusDiff {
		t.Fatalf("status = %s, want diff before accept", record.Status)
	}

	updated, err := o.Accept(record.ID)
	if err != nil {
		t.Fatalf("Accept() error: %v", err)
	}
	if updated.Status != StatusBaselineUpdated {
		t.Errorf("status = %s, want baseline_updated", updated.Status)
	}

	stored, err := store.Read(baseline.KindBaseline, "home")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(stored, currentData) {
		t.Error("baseline bytes not replaced by accepted current")
	}
	if store.Exists(baseline.KindDiff, "home") {
		t.Error("diff artifact should be cleared after accept")
	}
}

func TestAcceptUnknownID(t *testing.T) {
	o, _ := newOrchestrator(t, nil)
	if _, err := o.Accept("nope"); !vzerrors.IsKind(err, vzerrors.ValidationError) {
		t.Errorf("Accept(unknown) = %v, want validation error", err)
	}
}

func TestConcurrentSubmissionsSameSignature(t *testing.T) {
	o, _ := newOrchestrator(t, nil)
	data := testPNG(t, 20, 20, testWhite, nil)

	const n = 8
	results := make([]*Comparison, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := o.Process(context.Background(), Submission{Name: "home", Image: data})
			if err != nil {
				t.Errorf("Process: %v", err)
				return
			}
			results[i] = r
		}()
	}
	wg.Wait()

	// Exactly one submission created the baseline; every other one matched
	// the already-updated state.
	newCount := 0
	for _, r := range results {
		if r == nil {
			continue
		}
		switch r.Status {
		case StatusNew:
			newCount++
		case StatusMatch:
		default:
			t.Errorf("unexpected status %s", r.Status)
		}
	}
	if newCount != 1 {
		t.Errorf("newCount = %d, want exactly 1", newCount)
	}
}

func TestCancelledContextSkipsBroadcast(t *testing.T) {
	o, store := newOrchestrator(t, nil)
	data := testPNG(t, 10, 10, testWhite, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := o.Process(ctx, Submission{Name: "home", Image: data}); err == nil {
		t.Fatal("expected cancellation error")
	}
	// Artifacts written before cancellation stay in place.
	if !store.Exists(baseline.KindBaseline, "home") {
		t.Error("baseline artifact should remain after cancellation")
	}
	// But no verdict was recorded.
	if len(o.Comparisons()) != 0 {
		t.Error("cancelled comparison must not be recorded")
	}
}
