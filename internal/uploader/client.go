// Package uploader implements the content-addressed batch uploader used in
// cloud mode.
package uploader

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
)

// BuildInfo describes the build a batch of screenshots belongs to.
type BuildInfo struct {
	Name        string `json:"name"`
	Branch      string `json:"branch,omitempty"`
	Commit      string `json:"commit,omitempty"`
	Message     string `json:"message,omitempty"`
	Environment string `json:"environment,omitempty"`
	ParallelID  string `json:"parallel_id,omitempty"`
}

// BuildResult is returned when a build is created or attached to.
type BuildResult struct {
	BuildID string `json:"buildId"`
	URL     string `json:"url"`
}

// BuildStatus is the server-side view of a build, polled while waiting.
type BuildStatus struct {
	Status            string `json:"status"`
	ComparisonsTotal  int    `json:"comparisonsTotal"`
	ComparisonsPassed int    `json:"comparisonsPassed"`
	ComparisonsFailed int    `json:"comparisonsFailed"`
}

// Client talks to the remote screenshot API. All requests carry the bearer
// token and the configured per-request timeout.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient creates an API client.
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return vzerrors.Wrap(err, vzerrors.InternalError, "building API request")
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return vzerrors.Wrapf(err, vzerrors.NetworkError, "requesting %s", path)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return vzerrors.NewNetworkError(method+" "+path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return vzerrors.Wrap(err, vzerrors.NetworkError, "decoding API response")
		}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return vzerrors.Wrap(err, vzerrors.InternalError, "encoding API request")
	}
	return c.do(ctx, http.MethodPost, path, bytes.NewReader(data), "application/json", out)
}

// CreateBuild creates a new build or attaches to an existing logical build
// when a parallel_id is shared across shards.
func (c *Client) CreateBuild(ctx context.Context, info BuildInfo) (*BuildResult, error) {
	var out BuildResult
	if err := c.postJSON(ctx, "/api/sdk/builds", info, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckShas asks which SHA-256 digests already exist for the build's
// project. The response holds the digests that are present.
func (c *Client) CheckShas(ctx context.Context, buildID string, shas []string) (map[string]bool, error) {
	var out struct {
		Existing []string `json:"existing"`
	}
	body := map[string]interface{}{"shas": shas}
	if err := c.postJSON(ctx, fmt.Sprintf("/api/sdk/builds/%s/screenshots/check", buildID), body, &out); err != nil {
		return nil, err
	}
	existing := make(map[string]bool, len(out.Existing))
	for _, sha := range out.Existing {
		existing[sha] = true
	}
	return existing, nil
}

// UploadScreenshot posts one screenshot with its metadata as multipart
// form data.
func (c *Client) UploadScreenshot(ctx context.Context, buildID string, item *Item) error {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	meta := map[string]interface{}{
		"name":            item.Name,
		"sha256":          item.SHA256,
		"browser":         item.Browser,
		"viewport_width":  item.ViewportWidth,
		"viewport_height": item.ViewportHeight,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return vzerrors.Wrap(err, vzerrors.InternalError, "encoding screenshot metadata")
	}
	if err := mw.WriteField("metadata", string(metaJSON)); err != nil {
		return vzerrors.Wrap(err, vzerrors.InternalError, "writing metadata field")
	}

	fw, err := mw.CreateFormFile("image", item.FileName)
	if err != nil {
		return vzerrors.Wrap(err, vzerrors.InternalError, "creating image part")
	}
	if _, err := fw.Write(item.Data); err != nil {
		return vzerrors.Wrap(err, vzerrors.InternalError, "writing image part")
	}
	if err := mw.Close(); err != nil {
		return vzerrors.Wrap(err, vzerrors.InternalError, "finalizing multipart body")
	}

	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/sdk/builds/%s/screenshots", buildID), &buf, mw.FormDataContentType(), nil)
}

// CompleteBuild marks the build finished. The endpoint is idempotent.
func (c *Client) CompleteBuild(ctx context.Context, buildID string) error {
	return c.postJSON(ctx, fmt.Sprintf("/api/sdk/builds/%s/complete", buildID), map[string]string{}, nil)
}

// GetBuild polls build status.
func (c *Client) GetBuild(ctx context.Context, buildID string) (*BuildStatus, error) {
	var out BuildStatus
	if err := c.do(ctx, http.MethodGet, "/api/sdk/builds/"+buildID, nil, "", &out); err != nil {
		return nil, err
	}
	return &out, nil
}
