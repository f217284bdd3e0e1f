package capture

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"testing"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func urlPaths(entries []PageEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.URLPath)
	}
	sort.Strings(out)
	return out
}

func TestDiscoverFromTree(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "<html/>")
	writeFile(t, filepath.Join(root, "about.html"), "<html/>")
	writeFile(t, filepath.Join(root, "docs", "index.html"), "<html/>")
	writeFile(t, filepath.Join(root, "docs", "intro.html"), "<html/>")
	writeFile(t, filepath.Join(root, "assets", "style.css"), "body{}")

	entries, err := DiscoverPages(root, StaticSiteOptions{}, zerolog.Nop())
	if err != nil {
		t.Fatalf("DiscoverPages() error: %v", err)
	}

	got := urlPaths(entries)
	want := []string{"/", "/about.html", "/docs", "/docs/intro.html"}
	if len(got) != len(want) {
		t.Fatalf("pages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("pages = %v, want %v", got, want)
			break
		}
	}
}

func TestDiscoverDropsSymlinkEscapes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks not reliable on windows")
	}

	outside := t.TempDir()
	writeFile(t, filepath.Join(outside, "secret.html"), "<html/>")

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "<html/>")
	if err := os.Symlink(filepath.Join(outside, "secret.html"), filepath.Join(root, "leak.html")); err != nil {
		t.Skipf("cannot create symlink: %v", err)
	}

	entries, err := DiscoverPages(root, StaticSiteOptions{}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range entries {
		if e.URLPath == "/leak.html" {
			t.Error("symlink escaping the build root was not dropped")
		}
	}
	if len(entries) != 1 {
		t.Errorf("entries = %v, want only /", urlPaths(entries))
	}
}

func TestDiscoverFilters(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "<html/>")
	writeFile(t, filepath.Join(root, "docs", "index.html"), "<html/>")
	writeFile(t, filepath.Join(root, "blog", "index.html"), "<html/>")

	t.Run("include", func(t *testing.T) {
		entries, err := DiscoverPages(root, StaticSiteOptions{Include: []string{"/docs*"}}, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		if got := urlPaths(entries); len(got) != 1 || got[0] != "/docs" {
			t.Errorf("entries = %v, want [/docs]", got)
		}
	})

	t.Run("exclude", func(t *testing.T) {
		entries, err := DiscoverPages(root, StaticSiteOptions{Exclude: []string{"/blog*"}}, zerolog.Nop())
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if e.URLPath == "/blog" {
				t.Error("excluded page survived the filter")
			}
		}
	})
}

func TestDiscoverFromSitemap(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "index.html"), "<html/>")
	writeFile(t, filepath.Join(root, "docs", "index.html"), "<html/>")
	writeFile(t, filepath.Join(root, "sitemap.xml"), `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>https://example.com/</loc></url>
  <url><loc>https://example.com/docs</loc></url>
</urlset>`)

	entries, err := DiscoverPages(root, StaticSiteOptions{UseSitemap: true}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	got := urlPaths(entries)
	if len(got) != 2 || got[0] != "/" || got[1] != "/docs" {
		t.Errorf("entries = %v, want [/ /docs]", got)
	}
}

func TestDiscoverMissingRoot(t *testing.T) {
	_, err := DiscoverPages(filepath.Join(t.TempDir(), "nope"), StaticSiteOptions{}, zerolog.Nop())
	if err == nil {
		t.Error("expected error for missing build root")
	}
}

func TestPageName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/", "index"},
		{"/docs", "docs"},
		{"/docs/intro.html", "docs-intro"},
		{"/a/b/c", "a-b-c"},
	}
	for _, tt := range tests {
		if got := PageName(tt.in); got != tt.want {
			t.Errorf("PageName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestStaticSiteTargets(t *testing.T) {
	entries := []PageEntry{{URLPath: "/"}, {URLPath: "/docs"}}
	targets := StaticSiteTargets(entries, "http://localhost:4000/")

	if len(targets) != 2 {
		t.Fatalf("targets = %d, want 2", len(targets))
	}
	if targets[0].URL != "http://localhost:4000/" || targets[0].Name != "index" {
		t.Errorf("target[0] = %+v", targets[0])
	}
	if targets[1].URL != "http://localhost:4000/docs" || targets[1].Name != "docs" {
		t.Errorf("target[1] = %+v", targets[1])
	}
}
