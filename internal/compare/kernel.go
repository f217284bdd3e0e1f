// Package compare implements the pixel comparison kernel: perceptual color
// distance, antialiasing suppression, cluster analysis, and diff rendering.
package compare

import (
	"bytes"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"math"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"

	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
)

// Status tags a comparison outcome.
type Status string

const (
	StatusMatch             Status = "match"
	StatusDiff              Status = "diff"
	StatusDimensionMismatch Status = "dimension-mismatch"
)

// Options control a single comparison.
type Options struct {
	// Threshold is the perceptual distance (delta-E) at or below which two
	// pixels are considered equal.
	Threshold float64
	// MinClusterSize discards connected diff regions smaller than this
	// many pixels.
	MinClusterSize int
	// IgnoreAntialiasing excludes pixels flagged as antialiasing artifacts
	// from the diff count.
	IgnoreAntialiasing bool
	// IgnoreRegions are axis-aligned rectangles excluded from comparison.
	IgnoreRegions []image.Rectangle
}

// DefaultOptions returns kernel defaults matching the documented config.
func DefaultOptions() Options {
	return Options{
		Threshold:          2.0,
		MinClusterSize:     2,
		IgnoreAntialiasing: true,
	}
}

// Cluster is one connected component of changed pixels.
type Cluster struct {
	BoundingBox image.Rectangle `json:"boundingBox"`
	Pixels      int             `json:"pixels"`
}

// Result describes a comparison outcome.
type Result struct {
	Status          Status          `json:"status"`
	DiffPixels      int             `json:"diffPixels"`
	TotalPixels     int             `json:"totalPixels"`
	DiffPercentage  float64         `json:"diffPercentage"`
	BoundingBox     image.Rectangle `json:"boundingBox"`
	Clusters        []Cluster       `json:"clusters,omitempty"`
	AAPixelsIgnored int             `json:"aaPixelsIgnored,omitempty"`
	BaselineSize    image.Point     `json:"baselineSize,omitempty"`
	CurrentSize     image.Point     `json:"currentSize,omitempty"`

	// DiffImage highlights changed pixels; nil for matches.
	DiffImage image.Image `json:"-"`
}

var pngSignature = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// decodePNG validates the PNG signature before decoding.
func decodePNG(data []byte, field string) (image.Image, error) {
	if !bytes.HasPrefix(data, pngSignature) {
		return nil, vzerrors.NewValidationError(field, "not a valid PNG image")
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, vzerrors.Wrap(err, vzerrors.ValidationError, "decoding "+field)
	}
	return img, nil
}

// Compare performs a pixel-level comparison of two PNG byte slices.
// A dimension mismatch is a tagged result, not an error.
func Compare(baselineData, currentData []byte, opts Options) (*Result, error) {
	baseline, err := decodePNG(baselineData, "baseline")
	if err != nil {
		return nil, err
	}
	current, err := decodePNG(currentData, "current")
	if err != nil {
		return nil, err
	}
	return CompareImages(baseline, current, opts)
}

// CompareImages compares two decoded images.
func CompareImages(baseline, current image.Image, opts Options) (*Result, error) {
	if baseline == nil || current == nil {
		return nil, errors.New("baseline and current images cannot be nil")
	}

	bb := baseline.Bounds()
	cb := current.Bounds()
	if bb.Dx() != cb.Dx() || bb.Dy() != cb.Dy() {
		return &Result{
			Status:       StatusDimensionMismatch,
			BaselineSize: image.Pt(bb.Dx(), bb.Dy()),
			CurrentSize:  image.Pt(cb.Dx(), cb.Dy()),
		}, nil
	}

	// Normalize both to NRGBA so pixel access is uniform and cheap.
	b := imaging.Clone(baseline)
	c := imaging.Clone(current)

	width, height := bb.Dx(), bb.Dy()
	totalPixels := width * height

	mask := make([]bool, totalPixels)
	diffPixels := 0
	aaIgnored := 0

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if inIgnoredRegion(x, y, opts.IgnoreRegions) {
				continue
			}

			d := deltaE(b.NRGBAAt(x, y), c.NRGBAAt(x, y))
			if d <= opts.Threshold {
				continue
			}

			if opts.IgnoreAntialiasing && isAntialiased(b, c, x, y, width, height) {
				aaIgnored++
				continue
			}

			mask[y*width+x] = true
			diffPixels++
		}
	}

	result := &Result{
		Status:          StatusMatch,
		TotalPixels:     totalPixels,
		AAPixelsIgnored: aaIgnored,
	}

	if diffPixels == 0 {
		return result, nil
	}

	clusters := findClusters(mask, width, height)

	// Drop clusters below the minimum size and rebuild the mask from the
	// survivors so the diff image matches the reported metrics.
	var kept []Cluster
	for _, cl := range clusters {
		if cl.Pixels >= opts.MinClusterSize {
			kept = append(kept, cl.cluster)
			continue
		}
		for _, idx := range cl.indices {
			mask[idx] = false
			diffPixels--
		}
	}

	if diffPixels == 0 {
		return result, nil
	}

	bbox := kept[0].BoundingBox
	for _, cl := range kept[1:] {
		bbox = bbox.Union(cl.BoundingBox)
	}

	result.Status = StatusDiff
	result.DiffPixels = diffPixels
	result.DiffPercentage = 100 * float64(diffPixels) / float64(totalPixels)
	result.BoundingBox = bbox
	result.Clusters = kept
	result.DiffImage = renderDiff(c, mask, width, height)

	return result, nil
}

func inIgnoredRegion(x, y int, regions []image.Rectangle) bool {
	for _, r := range regions {
		// Regions are inclusive on both edges.
		if x >= r.Min.X && x <= r.Max.X && y >= r.Min.Y && y <= r.Max.Y {
			return true
		}
	}
	return false
}

// isAntialiased flags a differing pixel as an antialiasing artifact when the
// current pixel closely matches a neighboring baseline pixel and the local
// baseline neighborhood carries a strong gradient.
func isAntialiased(b, c *image.NRGBA, x, y, width, height int) bool {
	const neighborTolerance = 1.0
	const gradientThreshold = 8.0

	center := c.NRGBAAt(x, y)
	matchesNeighbor := false
	hasGradient := false

	for dy := -1; dy <= 1; dy++ {
		for dx := -1; dx <= 1; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			nx, ny := x+dx, y+dy
			if nx < 0 || nx >= width || ny < 0 || ny >= height {
				continue
			}
			neighbor := b.NRGBAAt(nx, ny)
			if deltaE(neighbor, b.NRGBAAt(x, y)) > gradientThreshold {
				hasGradient = true
			}
			if deltaE(neighbor, center) <= neighborTolerance {
				matchesNeighbor = true
			}
		}
	}
	return matchesNeighbor && hasGradient
}

type indexedCluster struct {
	cluster Cluster
	indices []int
	Pixels  int
}

// findClusters extracts 4-connected components from the diff mask.
func findClusters(mask []bool, width, height int) []indexedCluster {
	visited := make([]bool, len(mask))
	var clusters []indexedCluster

	for start := range mask {
		if !mask[start] || visited[start] {
			continue
		}

		minX, minY := width, height
		maxX, maxY := -1, -1
		var indices []int
		queue := []int{start}
		visited[start] = true

		for len(queue) > 0 {
			idx := queue[0]
			queue = queue[1:]
			indices = append(indices, idx)

			x, y := idx%width, idx/width
			if x < minX {
				minX = x
			}
			if x > maxX {
				maxX = x
			}
			if y < minY {
				minY = y
			}
			if y > maxY {
				maxY = y
			}

			for _, n := range [4][2]int{{x - 1, y}, {x + 1, y}, {x, y - 1}, {x, y + 1}} {
				nx, ny := n[0], n[1]
				if nx < 0 || nx >= width || ny < 0 || ny >= height {
					continue
				}
				nidx := ny*width + nx
				if mask[nidx] && !visited[nidx] {
					visited[nidx] = true
					queue = append(queue, nidx)
				}
			}
		}

		clusters = append(clusters, indexedCluster{
			cluster: Cluster{
				BoundingBox: image.Rect(minX, minY, maxX+1, maxY+1),
				Pixels:      len(indices),
			},
			indices: indices,
			Pixels:  len(indices),
		})
	}

	return clusters
}

// renderDiff paints changed pixels red over a dimmed copy of the current
// image.
func renderDiff(current *image.NRGBA, mask []bool, width, height int) image.Image {
	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if mask[y*width+x] {
				out.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
				continue
			}
			px := current.NRGBAAt(x, y)
			px.A = 128
			out.SetNRGBA(x, y, px)
		}
	}
	return out
}

// EncodePNG renders an image to PNG bytes.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return nil, errors.Wrap(err, "encoding diff image")
	}
	return buf.Bytes(), nil
}

// SideBySide lays baseline, current, and diff out horizontally with padding,
// for report previews.
func SideBySide(baseline, current, diff image.Image) image.Image {
	const pad = 10

	width := baseline.Bounds().Dx() + current.Bounds().Dx() + pad
	height := max(baseline.Bounds().Dy(), current.Bounds().Dy())
	if diff != nil {
		width += diff.Bounds().Dx() + pad
		height = max(height, diff.Bounds().Dy())
	}

	out := image.NewNRGBA(image.Rect(0, 0, width, height))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)

	x := 0
	for _, img := range []image.Image{baseline, current, diff} {
		if img == nil {
			continue
		}
		r := image.Rect(x, 0, x+img.Bounds().Dx(), img.Bounds().Dy())
		draw.Draw(out, r, img, img.Bounds().Min, draw.Src)
		x += img.Bounds().Dx() + pad
	}
	return out
}

// deltaE computes a perceptual color distance in CIE L*a*b* space. The
// default threshold of 2.0 corresponds to a just-noticeable difference.
func deltaE(a, b color.NRGBA) float64 {
	// Fully transparent pixels compare equal regardless of RGB.
	if a.A == 0 && b.A == 0 {
		return 0
	}
	l1, a1, b1 := rgbToLab(a)
	l2, a2, b2 := rgbToLab(b)

	dl := l1 - l2
	da := a1 - a2
	db := b1 - b2
	d := math.Sqrt(dl*dl + da*da + db*db)

	// Alpha differences register even when the RGB channels agree.
	if a.A != b.A {
		d += math.Abs(float64(a.A)-float64(b.A)) / 255 * 100
	}
	return d
}

func rgbToLab(c color.NRGBA) (l, a, b float64) {
	// sRGB to linear.
	lin := func(v uint8) float64 {
		f := float64(v) / 255
		if f <= 0.04045 {
			return f / 12.92
		}
		return math.Pow((f+0.055)/1.055, 2.4)
	}
	r, g, bl := lin(c.R), lin(c.G), lin(c.B)

	// Linear RGB to XYZ (D65).
	x := 0.4124*r + 0.3576*g + 0.1805*bl
	y := 0.2126*r + 0.7152*g + 0.0722*bl
	z := 0.0193*r + 0.1192*g + 0.9505*bl

	// XYZ to Lab.
	f := func(t float64) float64 {
		const d = 6.0 / 29.0
		if t > d*d*d {
			return math.Cbrt(t)
		}
		return t/(3*d*d) + 4.0/29.0
	}
	fx := f(x / 0.95047)
	fy := f(y / 1.0)
	fz := f(z / 1.08883)

	l = 116*fy - 16
	a = 500 * (fx - fy)
	b = 200 * (fy - fz)
	return l, a, b
}
