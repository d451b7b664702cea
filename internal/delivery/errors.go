package delivery

import (
	"errors"
	"fmt"
)

// ErrNoEndpoints is wrapped by ResolutionError when a domain has no usable
// delivery endpoints.
var ErrNoEndpoints = errors.New("no usable endpoints")

// ResolutionError is returned when a domain cannot be resolved to endpoints.
// Permanent is set when the domain explicitly refuses mail (null MX).
type ResolutionError struct {
	Domain    string
	Err       error
	Permanent bool
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve %s: %v", e.Domain, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Session stages, used to say where a transport or protocol error happened.
const (
	StageConnect  = "connect"
	StageHello    = "ehlo"
	StageStartTLS = "starttls"
	StageMail     = "mail"
	StageRcpt     = "rcpt"
	StageData     = "data"
)

// TransportError is a connect, TLS or I/O failure talking to an endpoint.
type TransportError struct {
	Endpoint string
	Stage    string
	Err      error
	Timeout  bool
}

func (e *TransportError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("%s %s: timeout: %v", e.Endpoint, e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Endpoint, e.Stage, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolRejection is a negative reply from the remote server.
type ProtocolRejection struct {
	Endpoint     string
	Stage        string
	Code         int
	EnhancedCode string
	Message      string
	Permanent    bool
}

func (e *ProtocolRejection) Error() string {
	if e.EnhancedCode != "" {
		return fmt.Sprintf("%s %s rejected: %d %s %s", e.Endpoint, e.Stage, e.Code, e.EnhancedCode, e.Message)
	}
	return fmt.Sprintf("%s %s rejected: %d %s", e.Endpoint, e.Stage, e.Code, e.Message)
}
