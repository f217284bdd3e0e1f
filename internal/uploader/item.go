package uploader

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
)

// Item is one screenshot staged for upload.
type Item struct {
	Path           string
	FileName       string
	Data           []byte
	SHA256         string
	Name           string
	Browser        string
	ViewportWidth  int
	ViewportHeight int
}

var (
	browserTokens = []string{"chrome", "firefox", "safari", "edge", "webkit"}
	viewportRe    = regexp.MustCompile(`(\d{2,5})x(\d{2,5})`)
)

// ItemFromFile reads a screenshot and derives its digest and metadata from
// the filename. Browser defaults to chrome, viewport to 1920x1080.
func ItemFromFile(path string) (*Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, vzerrors.Wrap(err, vzerrors.IOError, "reading screenshot")
	}

	sum := sha256.Sum256(data)
	fileName := filepath.Base(path)
	name := strings.TrimSuffix(fileName, filepath.Ext(fileName))

	item := &Item{
		Path:           path,
		FileName:       fileName,
		Data:           data,
		SHA256:         hex.EncodeToString(sum[:]),
		Name:           name,
		Browser:        "chrome",
		ViewportWidth:  1920,
		ViewportHeight: 1080,
	}

	lower := strings.ToLower(name)
	for _, b := range browserTokens {
		if strings.Contains(lower, b) {
			item.Browser = b
			break
		}
	}
	if m := viewportRe.FindStringSubmatch(name); m != nil {
		if w, err := strconv.Atoi(m[1]); err == nil {
			item.ViewportWidth = w
		}
		if h, err := strconv.Atoi(m[2]); err == nil {
			item.ViewportHeight = h
		}
	}

	return item, nil
}
