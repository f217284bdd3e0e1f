package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/vizzly-testing/vizzly-go/internal/config"
	"github.com/vizzly-testing/vizzly-go/internal/events"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s, err := New(t.TempDir(), config.Default(), events.NewBus(), nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

type screenshotResponse struct {
	Success    bool       `json:"success"`
	Comparison Comparison `json:"comparison"`
	Error      string     `json:"error"`
}

func decodeScreenshotResponse(t *testing.T, resp *http.Response) screenshotResponse {
	t.Helper()
	defer resp.Body.Close()
	var out screenshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestScreenshotEndpointBase64(t *testing.T) {
	_, ts := newTestServer(t)
	data := testPNG(t, 20, 20, testWhite, nil)

	resp := postJSON(t, ts.URL+"/screenshot", map[string]interface{}{
		"name":  "home",
		"image": base64.StdEncoding.EncodeToString(data),
		"type":  "base64",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	out := decodeScreenshotResponse(t, resp)
	if !out.Success {
		t.Fatalf("success = false: %s", out.Error)
	}
	if out.Comparison.Status != StatusNew {
		t.Errorf("comparison status = %s, want new", out.Comparison.Status)
	}
	if out.Comparison.ID == "" {
		t.Error("comparison id missing")
	}
}

func TestScreenshotEndpointAutoDetectsDataURI(t *testing.T) {
	_, ts := newTestServer(t)
	data := testPNG(t, 20, 20, testWhite, nil)

	resp := postJSON(t, ts.URL+"/screenshot", map[string]interface{}{
		"name":  "uri",
		"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(data),
	})
	out := decodeScreenshotResponse(t, resp)
	if !out.Success {
		t.Fatalf("success = false: %s", out.Error)
	}
}

func TestScreenshotEndpointValidation(t *testing.T) {
	_, ts := newTestServer(t)
	data := base64.StdEncoding.EncodeToString(testPNG(t, 10, 10, testWhite, nil))

	tests := []struct {
		name string
		body map[string]interface{}
	}{
		{"bad name", map[string]interface{}{"name": "a/b", "image": data, "type": "base64"}},
		{"empty image", map[string]interface{}{"name": "x", "image": ""}},
		{"negative threshold", map[string]interface{}{"name": "x", "image": data, "type": "base64", "threshold": -1}},
		{"ambiguous image", map[string]interface{}{"name": "x", "image": "what is this?!"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/screenshot", tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestAcceptEndpoint(t *testing.T) {
	_, ts := newTestServer(t)

	white := base64.StdEncoding.EncodeToString(testPNG(t, 20, 20, testWhite, nil))
	black := base64.StdEncoding.EncodeToString(testPNG(t, 20, 20, testBlack, nil))

	resp := postJSON(t, ts.URL+"/screenshot", map[string]interface{}{"name": "home", "image": white, "type": "base64"})
	decodeScreenshotResponse(t, resp)

	resp = postJSON(t, ts.URL+"/screenshot", map[string]interface{}{"name": "home", "image": black, "type": "base64"})
	out := decodeScreenshotResponse(t, resp)
	if out.Comparison.Status != StatusDiff {
		t.Fatalf("status = %s, want diff", out.Comparison.Status)
	}

	resp = postJSON(t, ts.URL+fmt.Sprintf("/comparisons/%s/accept", out.Comparison.ID), nil)
	accepted := decodeScreenshotResponse(t, resp)
	if accepted.Comparison.Status != StatusBaselineUpdated {
		t.Errorf("status after accept = %s, want baseline_updated", accepted.Comparison.Status)
	}

	// The accepted image is now the baseline.
	resp = postJSON(t, ts.URL+"/screenshot", map[string]interface{}{"name": "home", "image": black, "type": "base64"})
	again := decodeScreenshotResponse(t, resp)
	if again.Comparison.Status != StatusMatch {
		t.Errorf("resubmission after accept = %s, want match", again.Comparison.Status)
	}
}

func TestBuildCompleteIdempotent(t *testing.T) {
	_, ts := newTestServer(t)

	for i := 0; i < 2; i++ {
		resp := postJSON(t, ts.URL+"/build/complete", map[string]interface{}{"buildId": "b1"})
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("attempt %d: status = %d, want 200", i+1, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestConfigEndpoints(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/config/comparison")
	if err != nil {
		t.Fatal(err)
	}
	var scope config.ComparisonConfig
	if err := json.NewDecoder(resp.Body).Decode(&scope); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if scope.Threshold != 2.0 {
		t.Errorf("threshold = %v, want default 2.0", scope.Threshold)
	}

	resp = postJSON(t, ts.URL+"/api/config/comparison", map[string]interface{}{"threshold": 3.5, "minClusterSize": 4})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("config post status = %d", resp.StatusCode)
	}
	resp.Body.Close()
	if s.cfg.Comparison.Threshold != 3.5 {
		t.Errorf("threshold after update = %v, want 3.5", s.cfg.Comparison.Threshold)
	}

	resp = postJSON(t, ts.URL+"/api/config/comparison", map[string]interface{}{"threshold": -2})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid patch status = %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestEventsStream(t *testing.T) {
	s, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/events")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q, want text/event-stream", ct)
	}

	// The handler subscribes asynchronously; keep publishing until the
	// event shows up on the stream.
	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.bus.Publish(events.Event{Type: events.TypeScanning, Total: 3})
			}
		}
	}()

	buf := make([]byte, 4096)
	deadline := time.Now().Add(5 * time.Second)
	var chunk string
	for time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		if err != nil {
			t.Fatalf("reading SSE stream: %v", err)
		}
		chunk += string(buf[:n])
		if strings.Contains(chunk, "data: ") && strings.Contains(chunk, `"scanning"`) {
			return
		}
	}
	t.Errorf("SSE stream = %q, want a scanning data line", chunk)
}

func TestIndexStatus(t *testing.T) {
	_, ts := newTestServer(t)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if out["status"] != "running" {
		t.Errorf("status = %v, want running", out["status"])
	}
}
