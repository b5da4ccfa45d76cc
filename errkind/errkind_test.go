package errkind

import (
	"errors"
	"testing"
)

func TestClassifyPreservesKnownKind(t *testing.T) {
	e := New(S3Download, "download failed")
	if got := Classify(e); got != S3Download {
		t.Fatalf("expected %q, got %q", S3Download, got)
	}
}

func TestClassifyDefaultsToUnknown(t *testing.T) {
	if got := Classify(errors.New("some other error")); got != Unknown {
		t.Fatalf("expected %q for an unclassified error, got %q", Unknown, got)
	}
}

func TestClassifyNilIsEmpty(t *testing.T) {
	if got := Classify(nil); got != "" {
		t.Fatalf("expected empty Kind for nil error, got %q", got)
	}
}

func TestErrorImplementsErrorInterface(t *testing.T) {
	var err error = New(PipelineTimeout, "no progress in time")
	if err.Error() != "no progress in time" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
}
