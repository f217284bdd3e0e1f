// Package server implements the local comparison server used in TDD mode.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/vizzly-testing/vizzly-go/internal/baseline"
	"github.com/vizzly-testing/vizzly-go/internal/compare"
	"github.com/vizzly-testing/vizzly-go/internal/config"
	vzerrors "github.com/vizzly-testing/vizzly-go/internal/errors"
	"github.com/vizzly-testing/vizzly-go/internal/events"
	"github.com/vizzly-testing/vizzly-go/internal/mode"
	"github.com/vizzly-testing/vizzly-go/internal/screenshot"
)

// Server is the long-lived local comparison server. It owns the baseline
// store while running and publishes a sentinel so producers can find it.
type Server struct {
	workspace string
	cfg       *config.Config
	store     *baseline.Store
	orch      *Orchestrator
	bus       *events.Bus
	hub       *Hub
	log       zerolog.Logger

	httpSrv *http.Server
}

// New assembles a server over a workspace.
func New(workspace string, cfg *config.Config, bus *events.Bus, analyzer compare.HotspotAnalyzer, log zerolog.Logger) (*Server, error) {
	store := baseline.New(workspace)
	if err := store.Initialize(); err != nil {
		return nil, err
	}

	s := &Server{
		workspace: workspace,
		cfg:       cfg,
		store:     store,
		bus:       bus,
		hub:       NewHub(bus, log),
		log:       log.With().Str("component", "server").Logger(),
	}
	s.orch = NewOrchestrator(store, cfg, bus, analyzer, log)
	return s, nil
}

// Orchestrator exposes the comparison orchestrator, mainly for tests and
// the run command.
func (s *Server) Orchestrator() *Orchestrator {
	return s.orch
}

// URL returns the server's base URL.
func (s *Server) URL() string {
	return fmt.Sprintf("http://localhost:%d", s.cfg.Server.Port)
}

// Handler builds the HTTP route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /screenshot", s.handleScreenshot)
	mux.HandleFunc("POST /build/complete", s.handleBuildComplete)
	mux.HandleFunc("POST /comparisons/{id}/accept", s.handleAccept)
	mux.HandleFunc("GET /api/config", s.handleConfigGet)
	mux.HandleFunc("GET /api/config/{scope}", s.handleConfigGetScope)
	mux.HandleFunc("POST /api/config/{scope}", s.handleConfigPost)
	mux.HandleFunc("GET /events", s.handleEvents)
	mux.HandleFunc("GET /ws", s.hub.ServeWS)
	mux.HandleFunc("GET /", s.handleIndex)

	return mux
}

// Run starts the server, writes the sentinel, and blocks until ctx is
// cancelled. The sentinel is removed on the way out.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return vzerrors.Wrapf(err, vzerrors.IOError, "listening on %s", addr)
	}

	info := mode.ServerInfo{URL: s.URL(), PID: os.Getpid(), Port: s.cfg.Server.Port}
	if err := mode.WriteSentinel(s.workspace, info); err != nil {
		ln.Close()
		return err
	}
	defer func() {
		if err := mode.RemoveSentinel(s.workspace); err != nil {
			s.log.Warn().Err(err).Msg("removing server sentinel")
		}
	}()

	s.httpSrv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 15 * time.Second,
	}

	go s.hub.Run(ctx)
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpSrv.Shutdown(shutCtx)
	}()

	s.log.Info().Str("url", s.URL()).Msg("local comparison server listening")
	if err := s.httpSrv.Serve(ln); err != http.ErrServerClosed {
		return vzerrors.Wrap(err, vzerrors.IOError, "serving")
	}
	return nil
}

// screenshotRequest is the POST /screenshot body.
type screenshotRequest struct {
	Name       string                 `json:"name"`
	Image      interface{}            `json:"image"`
	Type       string                 `json:"type,omitempty"`
	BuildID    string                 `json:"buildId,omitempty"`
	Threshold  *float64               `json:"threshold,omitempty"`
	FullPage   bool                   `json:"fullPage,omitempty"`
	Properties map[string]interface{} `json:"properties,omitempty"`
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ServerTimeout())
	defer cancel()

	var req screenshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, vzerrors.Wrap(err, vzerrors.ValidationError, "request body is not valid JSON"))
		return
	}

	input, err := screenshot.DetectInput(req.Image, screenshot.InputType(req.Type))
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := input.Resolve()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.Threshold != nil && *req.Threshold < 0 {
		s.writeError(w, vzerrors.NewValidationError("threshold", "must be >= 0"))
		return
	}

	record, err := s.orch.Process(ctx, Submission{
		Name:       req.Name,
		Image:      data,
		Properties: req.Properties,
		Threshold:  req.Threshold,
		FullPage:   req.FullPage,
		BuildID:    req.BuildID,
	})
	if err != nil {
		if ctx.Err() != nil {
			// The client went away or the request timed out; nothing left
			// to answer.
			return
		}
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"comparison": record,
	})
}

func (s *Server) handleBuildComplete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BuildID string `json:"buildId,omitempty"`
	}
	// The body is optional; repeated completes are idempotent.
	_ = json.NewDecoder(r.Body).Decode(&req)

	s.bus.Publish(events.Event{Type: events.TypeCompleted, BuildID: req.BuildID, URL: s.URL()})
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	record, err := s.orch.Accept(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":    true,
		"comparison": record,
	})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.cfg)
}

func (s *Server) handleConfigGetScope(w http.ResponseWriter, r *http.Request) {
	scope, err := s.cfg.Scope(r.PathValue("scope"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, scope)
}

func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	var patch json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		s.writeError(w, vzerrors.Wrap(err, vzerrors.ValidationError, "request body is not valid JSON"))
		return
	}
	if err := s.cfg.UpdateScope(r.PathValue("scope"), patch); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// handleEvents streams bus events as server-sent events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := s.bus.Subscribe(64)
	defer sub.Close()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			fmt.Fprint(w, ": keepalive\n\n")
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "running",
		"url":         s.URL(),
		"comparisons": len(s.orch.Comparisons()),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Debug().Err(err).Msg("encoding response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if e, ok := err.(*vzerrors.Error); ok {
		status = e.HTTPStatus()
	}
	s.log.Debug().Err(err).Int("status", status).Msg("request failed")
	s.writeJSON(w, status, map[string]interface{}{
		"success": false,
		"error":   vzerrors.GetUserMessage(err),
	})
}
