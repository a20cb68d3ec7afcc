package graph

import (
	"errors"
	"fmt"
)

// ErrUnauthorized means there is no usable access token to call Graph with.
var ErrUnauthorized = errors.New("graph: unauthorized")

// UpstreamError is a non-2xx response from Graph. Body is the raw response text.
type UpstreamError struct {
	Status int
	Body   string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("graph: upstream status %d", e.Status)
}

// TransportError wraps failures where no usable response was obtained:
// network errors, timeouts, unreadable or undecodable bodies.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return "graph: transport: " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
