package domain

import "context"

// ErrorKind classifies a failed completion.
type ErrorKind string

const (
	InvalidRequest ErrorKind = "invalid_request"
	ServiceError   ErrorKind = "service_error"
)

// Human-readable headers prepended to a completion failure's detail.
const (
	InvalidRequestNotice = "⚠️ _Invalid request to OpenAI._ ⚠️"
	ServiceErrorNotice   = "⚠️ _An error occurred._ ⚠️"
)

// Completer turns a single-turn prompt into the text of the first candidate answer.
// Failures are reported inside the result, never as a panic or a second return value.
type Completer interface {
	Complete(ctx context.Context, prompt string) CompletionResult
}

// CompletionRequest is built fresh for every prompt.
type CompletionRequest struct {
	Prompt      string
	Model       string
	Temperature float64
	N           int
}

// CompletionResult is either Text (Err == nil) or a failure.
type CompletionResult struct {
	Text string
	Err  *CompletionError
}

// OK reports whether the completion succeeded.
func (r CompletionResult) OK() bool {
	return r.Err == nil
}

// CompletionError is a classified failure of the completion service.
type CompletionError struct {
	Kind   ErrorKind
	Detail string
}

// NewCompletionError builds an error whose detail embeds msg under the notice for kind.
func NewCompletionError(kind ErrorKind, msg string) *CompletionError {
	notice := ServiceErrorNotice
	if kind == InvalidRequest {
		notice = InvalidRequestNotice
	}
	return &CompletionError{Kind: kind, Detail: notice + "\n" + msg}
}

func (e *CompletionError) Error() string {
	return e.Detail
}
