package pipeline

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/ericvolp12/distributed-transcoder/errkind"
)

func TestSubstituteReplacesAllThreePlaceholders(t *testing.T) {
	template := "filesrc location={{input_file}} ! {{progress}} ! filesink location={{output_file}}"
	got := Substitute(template, "/tmp/in", "/tmp/out")

	if strings.Contains(got, "{{") {
		t.Fatalf("expected all placeholders substituted, got %q", got)
	}
	if !strings.Contains(got, "/tmp/in") || !strings.Contains(got, "/tmp/out") {
		t.Fatalf("expected substituted paths in output, got %q", got)
	}
}

func TestReferenceEngineEmitsProgressThenSuccess(t *testing.T) {
	e := &ReferenceEngine{TickInterval: time.Millisecond}
	events, err := e.Run(context.Background(), Spec{InputFile: "in", OutputFile: "out", Pipeline: "ticks=3"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	var progressCount int
	var sawSuccess bool
	for ev := range events {
		switch ev.Kind {
		case EventProgress:
			progressCount++
			if ev.Progress <= 0 || ev.Progress > 100 {
				t.Fatalf("progress out of range: %v", ev.Progress)
			}
		case EventSuccess:
			sawSuccess = true
		case EventError:
			t.Fatalf("unexpected error event")
		}
	}
	if progressCount != 3 {
		t.Fatalf("expected 3 progress ticks, got %d", progressCount)
	}
	if !sawSuccess {
		t.Fatal("expected a terminal success event")
	}
}

func TestReferenceEngineEmitsClassifiedFailure(t *testing.T) {
	for _, tc := range []struct {
		token string
		want  errkind.Kind
	}{
		{"pipeline_parse", errkind.PipelineParse},
		{"pipeline_play", errkind.PipelinePlay},
		{"mid_transcode", errkind.MidTranscode},
		{"some_unmapped_token", errkind.Unknown},
	} {
		t.Run(tc.token, func(t *testing.T) {
			e := &ReferenceEngine{TickInterval: time.Millisecond}
			events, err := e.Run(context.Background(), Spec{InputFile: "in", OutputFile: "out", Pipeline: "ticks=1 fail=" + tc.token})
			if err != nil {
				t.Fatalf("Run: %v", err)
			}

			var sawError bool
			for ev := range events {
				if ev.Kind == EventError {
					sawError = true
					if ev.Err == nil {
						t.Fatal("expected a non-nil error on the terminal error event")
					}
					if got := errkind.Classify(ev.Err); got != tc.want {
						t.Fatalf("expected classified kind %q, got %q", tc.want, got)
					}
				}
			}
			if !sawError {
				t.Fatal("expected a terminal error event for a fail= token")
			}
		})
	}
}

func TestReferenceEngineRejectsEmptyTemplate(t *testing.T) {
	e := NewReferenceEngine()
	if _, err := e.Run(context.Background(), Spec{Pipeline: ""}); err == nil {
		t.Fatal("expected an error for an empty pipeline template")
	}
}
