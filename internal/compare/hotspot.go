package compare

import "image"

// Confidence grades a hotspot report.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// HotspotReport summarizes how much of a diff falls inside known hotspots.
type HotspotReport struct {
	// Coverage is the fraction of clustered diff pixels inside hotspots.
	Coverage   float64
	Confidence Confidence
}

// HotspotAnalyzer inspects a diff's clusters against known volatile regions.
// Implementations may be backed by configured regions or learned history.
type HotspotAnalyzer interface {
	Analyze(result *Result) (*HotspotReport, error)
}

// ShouldFilter reports whether a diff should be downgraded to a match:
// coverage of at least 0.8 at high confidence.
func (r *HotspotReport) ShouldFilter() bool {
	return r != nil && r.Coverage >= 0.8 && r.Confidence == ConfidenceHigh
}

// RegionAnalyzer is a HotspotAnalyzer backed by a static list of volatile
// regions.
type RegionAnalyzer struct {
	Regions []image.Rectangle
}

// NewRegionAnalyzer creates an analyzer over configured hotspot regions.
func NewRegionAnalyzer(regions []image.Rectangle) *RegionAnalyzer {
	return &RegionAnalyzer{Regions: regions}
}

// Analyze computes the fraction of clustered diff pixels covered by the
// configured regions. Confidence is high when some pixels are covered and
// every overlapping cluster is fully contained, medium when some pixels are
// covered but a cluster only partially overlaps a region, and low when
// nothing is covered.
func (a *RegionAnalyzer) Analyze(result *Result) (*HotspotReport, error) {
	if len(a.Regions) == 0 || len(result.Clusters) == 0 {
		return &HotspotReport{Coverage: 0, Confidence: ConfidenceLow}, nil
	}

	covered := 0
	total := 0
	allContained := true
	for _, cl := range result.Clusters {
		total += cl.Pixels
		contained := false
		for _, r := range a.Regions {
			if cl.BoundingBox.In(r) {
				contained = true
				break
			}
		}
		if contained {
			covered += cl.Pixels
		} else if overlapsAny(cl.BoundingBox, a.Regions) {
			// Partial overlap counts nothing toward coverage but lowers
			// confidence in the verdict.
			allContained = false
		}
	}

	report := &HotspotReport{Coverage: float64(covered) / float64(total)}
	switch {
	case allContained && covered > 0:
		report.Confidence = ConfidenceHigh
	case covered > 0:
		report.Confidence = ConfidenceMedium
	default:
		report.Confidence = ConfidenceLow
	}
	return report, nil
}

func overlapsAny(b image.Rectangle, regions []image.Rectangle) bool {
	for _, r := range regions {
		if b.Overlaps(r) {
			return true
		}
	}
	return false
}
