// Package errkind defines the tagged error-kind variant published on the
// JobResultMessage wire contract, replacing the source implementation's
// inheritance-style TranscodeException hierarchy with a plain string tag.
package errkind

// Kind is one of the enumerated wire error_type values. The empty Kind
// means no error (a non-failed terminal status).
type Kind string

const (
	S3Download      Kind = "s3_download"
	S3Upload        Kind = "s3_upload"
	PipelineParse   Kind = "pipeline_parse"
	PipelinePlay    Kind = "pipeline_play"
	MidTranscode    Kind = "mid_transcode"
	PipelineTimeout Kind = "pipeline_timeout"
	Unknown         Kind = "unknown"
)

// Error pairs a Kind with a human-readable message, analogous to the
// source's TranscodeException(error_type, *args).
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

func New(k Kind, msg string) *Error { return &Error{Kind: k, Msg: msg} }

// Classify coerces an arbitrary error into a Kind, defaulting to Unknown.
// If err already carries a Kind (e.g. produced by the pipeline engine via
// New), that Kind is preserved.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if e, ok := err.(*Error); ok {
		return e.Kind
	}
	return Unknown
}
