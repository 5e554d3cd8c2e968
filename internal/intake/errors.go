package intake

import (
	"errors"
	"fmt"

	"jubee/internal/graph"
)

type (
	ValidationError    = graph.ValidationError
	InvalidActionError = graph.InvalidActionError
)

var (
	ErrClosed          = errors.New("session closed")
	ErrSessionNotFound = errors.New("session not found")
	ErrUnknownTool     = errors.New("unknown tool")
)

// GenerationFailure is recorded when the generator rejects or times out.
type GenerationFailure struct {
	Cause     error
	Retryable bool
}

func (e *GenerationFailure) Error() string {
	return fmt.Sprintf("generation failed: %v", e.Cause)
}

func (e *GenerationFailure) Unwrap() error { return e.Cause }

// UploadFailure is reported when the host's upload or picker collaborator fails.
type UploadFailure struct {
	Stage string
	Cause error
}

func (e *UploadFailure) Error() string {
	return fmt.Sprintf("upload failed on %s: %v", e.Stage, e.Cause)
}

func (e *UploadFailure) Unwrap() error { return e.Cause }
