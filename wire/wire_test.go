package wire

import (
	"encoding/json"
	"testing"
)

func TestJobResultMessageNullFieldsRoundTrip(t *testing.T) {
	msg := JobResultMessage{JobID: "job-1", Status: StatusStalled}

	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"timestamp", "worker_id", "output_s3_path", "error", "error_type"} {
		if v, ok := decoded[field]; !ok || v != nil {
			t.Errorf("expected %q to serialize as null, got %#v (present=%v)", field, v, ok)
		}
	}

	var roundTripped JobResultMessage
	if err := json.Unmarshal(body, &roundTripped); err != nil {
		t.Fatalf("round-trip unmarshal: %v", err)
	}
	if roundTripped != msg {
		t.Fatalf("round trip mismatch: got %+v, want %+v", roundTripped, msg)
	}
}

func TestJobSubmissionMessageFieldNames(t *testing.T) {
	msg := JobSubmissionMessage{
		JobID:            "job-1",
		InputS3Path:      "in.mp4",
		OutputS3Path:     "out.mp4",
		TranscodeOptions: "ticks=1",
	}
	body, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, field := range []string{"job_id", "input_s3_path", "output_s3_path", "transcode_options"} {
		if _, ok := decoded[field]; !ok {
			t.Errorf("expected wire field %q to be present", field)
		}
	}
}
