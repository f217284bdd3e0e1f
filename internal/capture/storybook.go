package capture

import (
	"context"
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/vizzly-testing/vizzly-go/internal/browser"
	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
	"github.com/vizzly-testing/vizzly-go/internal/screenshot"
)

// StoryScreenshot carries per-story capture overrides.
type StoryScreenshot struct {
	FullPage       *bool `json:"fullPage,omitempty"`
	OmitBackground *bool `json:"omitBackground,omitempty"`
}

// StoryMeta is the vizzly block of a story's metadata.
type StoryMeta struct {
	Viewports        []Viewport       `json:"viewports,omitempty"`
	Skip             bool             `json:"skip,omitempty"`
	BeforeScreenshot string           `json:"beforeScreenshot,omitempty"`
	Screenshot       *StoryScreenshot `json:"screenshot,omitempty"`
}

// Story is one (component, story) pair from the catalog index.
type Story struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Name      string `json:"name"`
	Type      string `json:"type,omitempty"`
	Parameters struct {
		Vizzly *StoryMeta `json:"vizzly,omitempty"`
	} `json:"parameters"`
}

// storyIndex is the story catalog's index file.
type storyIndex struct {
	Entries map[string]Story `json:"entries"`
	Stories map[string]Story `json:"stories"` // older index format
}

// LoadStories reads the story index from a built catalog directory.
func LoadStories(dir string) ([]Story, error) {
	data, err := os.ReadFile(filepath.Join(dir, "index.json"))
	if err != nil {
		return nil, vzerrors.Wrap(err, vzerrors.IOError, "reading story index")
	}

	var idx storyIndex
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, vzerrors.Wrap(err, vzerrors.ValidationError, "story index is not valid JSON")
	}

	entries := idx.Entries
	if len(entries) == 0 {
		entries = idx.Stories
	}

	stories := make([]Story, 0, len(entries))
	for id, s := range entries {
		if s.ID == "" {
			s.ID = id
		}
		if s.Type != "" && s.Type != "story" {
			// Docs pages and other non-story entries are not captured.
			continue
		}
		stories = append(stories, s)
	}
	return stories, nil
}

// StoryTargets expands stories into capture targets against a running
// catalog server. Per-story viewports override the configured matrix, and
// beforeScreenshot snippets run in the page before capture.
func StoryTargets(stories []Story, baseURL string, viewports []Viewport) []Target {
	if len(viewports) == 0 {
		viewports = []Viewport{DefaultViewport}
	}

	var targets []Target
	for _, s := range stories {
		meta := s.Parameters.Vizzly
		if meta != nil && meta.Skip {
			continue
		}

		storyViewports := viewports
		if meta != nil && len(meta.Viewports) > 0 {
			storyViewports = meta.Viewports
		}

		fullPage := false
		omitBackground := false
		if meta != nil && meta.Screenshot != nil {
			if meta.Screenshot.FullPage != nil {
				fullPage = *meta.Screenshot.FullPage
			}
			if meta.Screenshot.OmitBackground != nil {
				omitBackground = *meta.Screenshot.OmitBackground
			}
		}

		var before Hook
		if meta != nil && meta.BeforeScreenshot != "" {
			script := meta.BeforeScreenshot
			before = func(ctx context.Context, page *browser.Page) error {
				return page.Evaluate(script, nil)
			}
		}

		for _, vp := range storyViewports {
			targets = append(targets, Target{
				Name:           StoryName(s, vp),
				URL:            storyURL(baseURL, s.ID),
				Viewport:       vp,
				FullPage:       fullPage,
				OmitBackground: omitBackground,
				Before:         before,
				Properties: map[string]interface{}{
					"component": s.Title,
					"story":     s.Name,
				},
			})
		}
	}
	return targets
}

// StoryName derives the screenshot name Component/Story@viewport, passed
// through the sanitiser since titles come from external input.
func StoryName(s Story, vp Viewport) string {
	return screenshot.SanitizeName(s.Title + "/" + s.Name + "@" + vp.Name)
}

func storyURL(baseURL, id string) string {
	return strings.TrimRight(baseURL, "/") + "/iframe.html?id=" + url.QueryEscape(id) + "&viewMode=story"
}
