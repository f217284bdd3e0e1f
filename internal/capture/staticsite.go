package capture

import (
	"encoding/xml"
	"io/fs"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
)

// StaticSiteOptions configure page discovery over a built site.
type StaticSiteOptions struct {
	// UseSitemap reads sitemap.xml instead of walking the tree.
	UseSitemap bool
	// Include keeps only URL paths matching one of these unix globs.
	Include []string
	// Exclude drops URL paths matching one of these unix globs.
	Exclude []string
}

// PageEntry is one discovered page.
type PageEntry struct {
	// URLPath is the site-relative path, e.g. "/" or "/docs/intro".
	URLPath string
	// FilePath is the HTML file that backs it.
	FilePath string
}

// DiscoverPages enumerates the pages of a built site. Files that resolve
// outside the build root (for example via symlinks) are dropped.
func DiscoverPages(root string, opts StaticSiteOptions, log zerolog.Logger) ([]PageEntry, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, vzerrors.NewValidationError("buildDir", "directory does not exist: "+root)
	}
	if !info.IsDir() {
		return nil, vzerrors.NewValidationError("buildDir", "not a directory: "+root)
	}

	realRoot, err := filepath.EvalSymlinks(root)
	if err != nil {
		return nil, vzerrors.Wrap(err, vzerrors.IOError, "resolving build root")
	}

	var entries []PageEntry
	if opts.UseSitemap {
		entries, err = discoverFromSitemap(root)
		if err != nil {
			return nil, err
		}
		// Sitemap entries get the same containment check as walked files.
		kept := entries[:0]
		for _, e := range entries {
			rel, rerr := filepath.Rel(root, e.FilePath)
			outside := rerr != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator))
			if resolved, serr := filepath.EvalSymlinks(e.FilePath); serr == nil {
				outside = outside || (resolved != realRoot && !strings.HasPrefix(resolved, realRoot+string(filepath.Separator)))
			}
			if outside {
				log.Warn().Str("path", e.FilePath).Msg("skipping page outside build root")
				continue
			}
			kept = append(kept, e)
		}
		entries = kept
	} else {
		entries, err = discoverFromTree(root, realRoot, log)
		if err != nil {
			return nil, err
		}
	}

	return filterPages(entries, opts), nil
}

// sitemapURLSet is the subset of the sitemap schema we read.
type sitemapURLSet struct {
	URLs []struct {
		Loc string `xml:"loc"`
	} `xml:"url"`
}

func discoverFromSitemap(root string) ([]PageEntry, error) {
	data, err := os.ReadFile(filepath.Join(root, "sitemap.xml"))
	if err != nil {
		return nil, vzerrors.Wrap(err, vzerrors.IOError, "reading sitemap.xml")
	}
	var set sitemapURLSet
	if err := xml.Unmarshal(data, &set); err != nil {
		return nil, vzerrors.Wrap(err, vzerrors.ValidationError, "sitemap.xml is not valid XML")
	}

	var entries []PageEntry
	for _, u := range set.URLs {
		parsed, err := url.Parse(u.Loc)
		if err != nil {
			continue
		}
		p := parsed.Path
		if p == "" {
			p = "/"
		}
		entries = append(entries, PageEntry{URLPath: p, FilePath: pageFile(root, p)})
	}
	return entries, nil
}

// pageFile maps a URL path back to the HTML file that serves it.
func pageFile(root, urlPath string) string {
	rel := strings.Trim(urlPath, "/")
	if rel == "" {
		return filepath.Join(root, "index.html")
	}
	if strings.HasSuffix(rel, ".html") {
		return filepath.Join(root, filepath.FromSlash(rel))
	}
	return filepath.Join(root, filepath.FromSlash(rel), "index.html")
}

func discoverFromTree(root, realRoot string, log zerolog.Logger) ([]PageEntry, error) {
	var entries []PageEntry

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(p), ".html") {
			return nil
		}

		// Drop anything whose real location is outside the build root.
		resolved, err := filepath.EvalSymlinks(p)
		if err != nil {
			log.Warn().Str("path", p).Err(err).Msg("skipping unresolvable page")
			return nil
		}
		if resolved != realRoot && !strings.HasPrefix(resolved, realRoot+string(filepath.Separator)) {
			log.Warn().Str("path", p).Msg("skipping page outside build root")
			return nil
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		entries = append(entries, PageEntry{URLPath: urlPathFor(rel), FilePath: p})
		return nil
	})
	if err != nil {
		return nil, vzerrors.Wrap(err, vzerrors.IOError, "walking build directory")
	}
	return entries, nil
}

// urlPathFor maps a file path relative to the build root onto its URL path:
// index.html becomes "/", nested index.html files their parent path.
func urlPathFor(rel string) string {
	rel = filepath.ToSlash(rel)
	if rel == "index.html" {
		return "/"
	}
	if strings.HasSuffix(rel, "/index.html") {
		return "/" + strings.TrimSuffix(rel, "/index.html")
	}
	return "/" + rel
}

func filterPages(entries []PageEntry, opts StaticSiteOptions) []PageEntry {
	var out []PageEntry
	for _, e := range entries {
		if len(opts.Include) > 0 && !matchesAny(e.URLPath, opts.Include) {
			continue
		}
		if matchesAny(e.URLPath, opts.Exclude) {
			continue
		}
		out = append(out, e)
	}
	return out
}

func matchesAny(urlPath string, globs []string) bool {
	for _, g := range globs {
		if ok, err := path.Match(g, urlPath); err == nil && ok {
			return true
		}
		// Also try without the leading slash so "docs/*" style patterns
		// behave as users expect.
		if ok, err := path.Match(g, strings.TrimPrefix(urlPath, "/")); err == nil && ok {
			return true
		}
	}
	return false
}

// StaticSiteTargets converts discovered pages into capture targets served
// from baseURL.
func StaticSiteTargets(entries []PageEntry, baseURL string) []Target {
	targets := make([]Target, 0, len(entries))
	for _, e := range entries {
		targets = append(targets, Target{
			Name: PageName(e.URLPath),
			URL:  strings.TrimRight(baseURL, "/") + e.URLPath,
		})
	}
	return targets
}
