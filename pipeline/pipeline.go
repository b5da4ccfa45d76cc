// Package pipeline defines the external media-pipeline-engine collaborator
// interface used by the Worker Runner, plus a reference implementation that
// exercises the exact placeholder-substitution and event contract of
// spec §4.9 without depending on a real decoder/encoder (GStreamer, ffmpeg,
// ...), which is out of scope for the core and absent from the retrieved
// pack's Go dependency surface.
package pipeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ericvolp12/distributed-transcoder/errkind"
)

// EventKind distinguishes the three event kinds the engine emits.
type EventKind int

const (
	EventProgress EventKind = iota
	EventSuccess
	EventError
)

// Event is one message from the engine's event stream.
type Event struct {
	Kind     EventKind
	Progress float64 // 0-100, valid when Kind == EventProgress
	Err      error   // valid when Kind == EventError; tagged with an *errkind.Error where classifiable
}

// Spec is the resolved pipeline handed to the engine after placeholder
// substitution.
type Spec struct {
	InputFile  string
	OutputFile string
	Pipeline   string // the original template, pre-substitution
}

// Substitute replaces the three named placeholders in template with local
// paths and the progress-instrumentation fragment, per spec §4.9 step 4.
func Substitute(template, inputFile, outputFile string) string {
	r := strings.NewReplacer(
		"{{input_file}}", inputFile,
		"{{output_file}}", outputFile,
		"{{progress}}", "progressreport update-freq=10 silent=true",
	)
	return r.Replace(template)
}

// Engine is the out-of-core collaborator that actually decodes/encodes
// bytes. Run should emit progress events as work proceeds and exactly one
// terminal event (EventSuccess or EventError), then close the channel.
type Engine interface {
	Run(ctx context.Context, spec Spec) (<-chan Event, error)
}

// failKinds maps a ReferenceEngine `fail=<kind>` token directly to the wire
// error_type it should classify as, so every pipeline-producible kind in
// errkind's enumeration is reachable through the same placeholder
// substitution path a real engine failure would take. A token that doesn't
// match one of these classifies as errkind.Unknown, the documented catch-all.
var failKinds = map[string]errkind.Kind{
	"pipeline_parse": errkind.PipelineParse,
	"pipeline_play":  errkind.PipelinePlay,
	"mid_transcode":  errkind.MidTranscode,
}

// ReferenceEngine is a deterministic stand-in: it "runs" a resolved pipeline
// string by parsing a `ticks=<n>` token out of it (the number of progress
// ticks, default four; TickInterval sets the spacing) and a `fail=<kind>`
// token to force a terminal error classified via failKinds, emitting the
// evenly spaced progress ticks before the terminal event. Pipelines with
// neither token emit four ticks and then succeed. This is not an attempt to
// model GStreamer — it exists so the worker's claim/publish/finalize
// plumbing can be exercised end to end without a real transcoder.
type ReferenceEngine struct {
	TickInterval time.Duration
}

func NewReferenceEngine() *ReferenceEngine {
	return &ReferenceEngine{TickInterval: 200 * time.Millisecond}
}

func (e *ReferenceEngine) Run(ctx context.Context, spec Spec) (<-chan Event, error) {
	resolved := Substitute(spec.Pipeline, spec.InputFile, spec.OutputFile)
	if resolved == "" {
		return nil, fmt.Errorf("pipeline: empty template cannot be parsed")
	}

	failKind := parseToken(resolved, "fail=")
	ticks := 4
	if n := parseToken(resolved, "ticks="); n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			ticks = v
		}
	}

	events := make(chan Event, 1)
	go func() {
		defer close(events)
		interval := e.TickInterval
		if interval <= 0 {
			interval = 200 * time.Millisecond
		}
		for i := 1; i <= ticks; i++ {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			progress := float64(i) / float64(ticks) * 100
			select {
			case events <- Event{Kind: EventProgress, Progress: progress}:
			case <-ctx.Done():
				return
			}
		}
		if failKind != "" {
			kind, ok := failKinds[failKind]
			if !ok {
				kind = errkind.Unknown
			}
			events <- Event{Kind: EventError, Err: errkind.New(kind, fmt.Sprintf("pipeline failed: %s", failKind))}
			return
		}
		events <- Event{Kind: EventSuccess}
	}()
	return events, nil
}

func parseToken(s, prefix string) string {
	idx := strings.Index(s, prefix)
	if idx == -1 {
		return ""
	}
	rest := s[idx+len(prefix):]
	end := strings.IndexAny(rest, " \t!")
	if end == -1 {
		return rest
	}
	return rest[:end]
}
