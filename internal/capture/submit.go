package capture

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
	"github.com/vizzly-testing/vizzly-go/internal/mode"
	"github.com/vizzly-testing/vizzly-go/internal/screenshot"
)

// NewSubmitter selects the frame sink for a detection result. stagingDir is
// where cloud-mode frames are written for the uploader to drain.
func NewSubmitter(d mode.Detection, stagingDir string, log zerolog.Logger) Submitter {
	switch d.Mode {
	case mode.TDD:
		return &TDDSubmitter{
			ServerURL: d.Server.URL,
			Client:    &http.Client{Timeout: 30 * time.Second},
		}
	case mode.Cloud:
		return &StagingSubmitter{Dir: stagingDir}
	default:
		return &DisabledSubmitter{log: log}
	}
}

// TDDSubmitter posts frames to the running local comparison server.
type TDDSubmitter struct {
	ServerURL string
	Client    *http.Client
}

// Submit sends one frame to POST /screenshot.
func (s *TDDSubmitter) Submit(ctx context.Context, frame Frame) error {
	body := map[string]interface{}{
		"name":       frame.Name,
		"image":      base64.StdEncoding.EncodeToString(frame.Data),
		"type":       "base64",
		"fullPage":   frame.FullPage,
		"properties": frame.Properties,
	}
	data, err := json.Marshal(body)
	if err != nil {
		return vzerrors.Wrap(err, vzerrors.InternalError, "encoding screenshot submission")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.ServerURL+"/screenshot", bytes.NewReader(data))
	if err != nil {
		return vzerrors.Wrap(err, vzerrors.InternalError, "building screenshot submission")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.Client.Do(req)
	if err != nil {
		return vzerrors.Wrap(err, vzerrors.NetworkError, "submitting screenshot to local server")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return vzerrors.NewNetworkError("POST /screenshot", resp.StatusCode)
	}
	return nil
}

// StagingSubmitter writes frames into the screenshots directory scanned by
// the uploader.
type StagingSubmitter struct {
	Dir string
}

// Submit stages one frame on disk.
func (s *StagingSubmitter) Submit(_ context.Context, frame Frame) error {
	if err := os.MkdirAll(s.Dir, 0o755); err != nil {
		return vzerrors.Wrap(err, vzerrors.IOError, "creating staging directory")
	}
	name := screenshot.SanitizeName(frame.Name)
	path := filepath.Join(s.Dir, fmt.Sprintf("%s.png", name))
	if err := os.WriteFile(path, frame.Data, 0o644); err != nil {
		return vzerrors.Wrap(err, vzerrors.IOError, "staging screenshot")
	}
	return nil
}

// DisabledSubmitter drops frames, logging a single warning for the run.
type DisabledSubmitter struct {
	log  zerolog.Logger
	once sync.Once
}

// Submit discards the frame.
func (s *DisabledSubmitter) Submit(context.Context, Frame) error {
	s.once.Do(func() {
		s.log.Warn().Msg("no local server and no API token; captured frames are not submitted")
	})
	return nil
}
