package naoris

import (
	"errors"
	"fmt"
)

// ErrSessionExpired marks the HTTP 410 response on the heartbeat endpoint:
// the server has discarded the session and a full renewal is required.
var ErrSessionExpired = errors.New("session expired")

// TransportError wraps network-level failures (connect, timeout, proxy).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// StatusError reports an unexpected HTTP status code.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

// ServerRejectionError marks a 2xx response whose body signals failure.
// The heartbeat endpoint answers HTTP 200 with success:false when it
// rejects a ping, so status codes alone cannot be trusted.
type ServerRejectionError struct {
	Message string
}

func (e *ServerRejectionError) Error() string {
	if e.Message == "" {
		return "server rejection"
	}
	return "server rejection: " + e.Message
}
