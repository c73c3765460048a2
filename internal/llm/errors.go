package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/openai/openai-go"
)

var (
	ErrUnauthorized = errors.New("llm unauthorized")
	ErrRateLimited  = errors.New("llm rate limited")
	ErrEmptyReply   = errors.New("empty reply")
)

// UpstreamError is a non-2xx or unusable reply from the provider.
type UpstreamError struct {
	Label   string
	Status  int
	Message string
	Err     error
}

func (e *UpstreamError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Status > 0 {
		return fmt.Sprintf("upstream error during %s: status %d: %s", e.Label, e.Status, msg)
	}
	return fmt.Sprintf("upstream error during %s: %s", e.Label, msg)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Is matches ErrUnauthorized and ErrRateLimited by status code.
func (e *UpstreamError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Status == http.StatusUnauthorized
	case ErrRateLimited:
		return e.Status == http.StatusTooManyRequests
	}
	return false
}

// NetworkError is a transport failure before any upstream status was seen.
type NetworkError struct {
	Label string
	Err   error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error during %s: %v", e.Label, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// classifyError maps SDK and transport errors onto the package taxonomy.
// Context errors pass through so callers can tell cancellation apart.
func classifyError(label string, err error, resp *http.Response) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return &UpstreamError{Label: label, Status: apiErr.StatusCode, Message: apiErr.Message, Err: err}
	}
	if resp != nil {
		// Either a non-JSON error body or a 2xx body we could not decode.
		msg := "malformed reply"
		if resp.StatusCode >= 300 {
			msg = http.StatusText(resp.StatusCode)
		}
		return &UpstreamError{Label: label, Status: resp.StatusCode, Message: msg, Err: err}
	}
	return &NetworkError{Label: label, Err: err}
}
