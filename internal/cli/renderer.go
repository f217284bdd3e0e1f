// Package cli renders progress events for terminal consumers.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/vizzly-testing/vizzly-go/internal/events"
)

// Renderer consumes bus events and writes human or JSON output.
type Renderer struct {
	out  io.Writer
	json bool

	green  *color.Color
	red    *color.Color
	yellow *color.Color
	dim    *color.Color

	wg sync.WaitGroup
}

// NewRenderer creates a renderer. When jsonMode is set, every line is a
// JSON object with status, message, and timestamp.
func NewRenderer(out io.Writer, jsonMode bool) *Renderer {
	return &Renderer{
		out:    out,
		json:   jsonMode,
		green:  color.New(color.FgGreen),
		red:    color.New(color.FgRed),
		yellow: color.New(color.FgYellow),
		dim:    color.New(color.Faint),
	}
}

// Attach starts rendering a subscription until it closes.
func (r *Renderer) Attach(sub *events.Subscriber) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for ev := range sub.Events() {
			r.render(ev)
		}
	}()
}

// Wait blocks until all attached subscriptions have drained.
func (r *Renderer) Wait() {
	r.wg.Wait()
}

func (r *Renderer) render(ev events.Event) {
	if r.json {
		r.renderJSON(ev)
		return
	}

	switch ev.Type {
	case events.TypeScanning:
		fmt.Fprintf(r.out, "Scanning: %d screenshots found\n", ev.Total)
	case events.TypeProcessing:
		r.dim.Fprintf(r.out, "Processing %d/%d\r", ev.Current, ev.Total)
		if ev.Current == ev.Total {
			fmt.Fprintln(r.out)
		}
	case events.TypeDeduplication:
		fmt.Fprintf(r.out, "Deduplication: %d to upload, %d already known\n", ev.ToUpload, ev.Existing)
	case events.TypeUploading:
		r.dim.Fprintf(r.out, "Uploading %d/%d\r", ev.Current, ev.Total)
		if ev.Current == ev.Total {
			fmt.Fprintln(r.out)
		}
	case events.TypeCompleted:
		r.green.Fprintf(r.out, "Completed")
		if ev.URL != "" {
			fmt.Fprintf(r.out, " — %s", ev.URL)
		}
		fmt.Fprintln(r.out)
	case events.TypeComparison:
		if ev.Compare == nil {
			return
		}
		switch ev.Compare.Status {
		case "match", "new", "baseline_updated":
			r.green.Fprintf(r.out, "✓ %s (%s)\n", ev.Compare.Name, ev.Compare.Status)
		case "diff":
			pct := 0.0
			if ev.Compare.DiffPercentage != nil {
				pct = *ev.Compare.DiffPercentage
			}
			r.red.Fprintf(r.out, "✗ %s (%.2f%% different)\n", ev.Compare.Name, pct)
		default:
			r.yellow.Fprintf(r.out, "! %s (%s)\n", ev.Compare.Name, ev.Compare.Status)
		}
	case events.TypeError:
		r.red.Fprintf(r.out, "Error: %s\n", ev.Message)
	}
}

type jsonLine struct {
	Status    string      `json:"status"`
	Message   string      `json:"message"`
	Timestamp time.Time   `json:"timestamp"`
	Event     interface{} `json:"event,omitempty"`
}

func (r *Renderer) renderJSON(ev events.Event) {
	line := jsonLine{Timestamp: ev.Timestamp, Event: ev}
	switch ev.Type {
	case events.TypeError:
		line.Status = "error"
		line.Message = ev.Message
	case events.TypeCompleted:
		line.Status = "result"
		line.Message = "completed"
	default:
		line.Status = "progress"
		line.Message = string(ev.Type)
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	fmt.Fprintln(r.out, string(data))
}
