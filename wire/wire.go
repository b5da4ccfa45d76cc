// Package wire defines the JSON message shapes exchanged over the message
// broker and the subscriber websocket, per the external interface contract.
package wire

// JobSubmissionMessage is published to the work queue by the Dispatcher and
// consumed by the Worker Runner.
type JobSubmissionMessage struct {
	JobID            string `json:"job_id"`
	InputS3Path      string `json:"input_s3_path"`
	OutputS3Path     string `json:"output_s3_path"`
	TranscodeOptions string `json:"transcode_options"`
}

// JobProgressMessage is published to the progress exchange by a worker and
// consumed by the API-side Consumer; also the shape replayed to a
// subscriber on connect and forwarded live thereafter.
type JobProgressMessage struct {
	Timestamp int64   `json:"timestamp"`
	WorkerID  string  `json:"worker_id"`
	JobID     string  `json:"job_id"`
	Progress  float64 `json:"progress"`
}

// JobResultMessage is published to the results exchange by a worker (or
// synthesized by the Stall Detector) and consumed by the API-side Consumer;
// also the terminal frame sent to subscribers.
type JobResultMessage struct {
	JobID        string  `json:"job_id"`
	Status       string  `json:"status"`
	Timestamp    *int64  `json:"timestamp"`
	WorkerID     *string `json:"worker_id"`
	OutputS3Path *string `json:"output_s3_path"`
	Error        *string `json:"error"`
	ErrorType    *string `json:"error_type"`
}

// Status values legal on JobResultMessage.Status.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusStalled   = "stalled"
	StatusCancelled = "cancelled"
)
