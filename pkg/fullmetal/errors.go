package fullmetal

import (
	"errors"
	"strings"
)

// ErrorKind classifies errors surfaced by the client.
type ErrorKind int

const (
	// KindConfiguration is an invalid construction option. Never retried.
	KindConfiguration ErrorKind = iota + 1
	// KindTransport is a channel failure. Retried by the reconnect policy.
	KindTransport
	// KindAuthentication is a rejected authenticate request.
	KindAuthentication
	// KindProtocol is an error event sent by the service.
	KindProtocol
	// KindCrypto is a key exchange or encryption failure.
	KindCrypto
)

func (k ErrorKind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindTransport:
		return "transport"
	case KindAuthentication:
		return "authentication"
	case KindProtocol:
		return "protocol"
	case KindCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

var (
	// ErrMissingAPIKey is returned by New when Options.APIKey is empty.
	ErrMissingAPIKey = errors.New("api key is required")

	// ErrSessionTerminated is returned by every operation after a fatal error.
	ErrSessionTerminated = errors.New("session terminated")

	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("client closed")
)

// Error is the error type reported to error handlers and telemetry.
type Error struct {
	Kind ErrorKind
	// Op is the operation or event that failed, e.g. "connect_error".
	Op string
	// Message is the server-provided or human readable description.
	Message string
	// StopExecution marks a server error that terminates the session.
	StopExecution bool
	Err           error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("fullmetal")
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	b.WriteString(": ")
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first *Error in err's chain, or zero.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}

// IsFatal reports whether err ends the session: configuration errors,
// server errors flagged stopExecution, and ErrSessionTerminated.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrSessionTerminated) {
		return true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindConfiguration || e.StopExecution
	}
	return false
}

// TerminationCause says why a session signalled termination.
type TerminationCause int

const (
	// CauseDisconnect is a disconnect with RestartOnDisconnect set.
	CauseDisconnect TerminationCause = iota + 1
	// CauseStopExecution is a server error flagged stopExecution.
	CauseStopExecution
	// CauseAuthentication is authentication failing AuthRetryLimit times.
	CauseAuthentication
)

func (c TerminationCause) String() string {
	switch c {
	case CauseDisconnect:
		return "disconnect"
	case CauseStopExecution:
		return "stop_execution"
	case CauseAuthentication:
		return "authentication"
	default:
		return "unknown"
	}
}

// Termination is published through OnTerminated. The client never exits
// the process; the owner decides whether to restart, alert or exit.
type Termination struct {
	Cause TerminationCause
	// Reason is the channel's disconnect reason for CauseDisconnect.
	Reason string
	// Restart is the restart flag at the time of termination.
	Restart bool
	Err     error
}

// Fatal reports whether the session is finished after this termination.
// A CauseDisconnect termination leaves the client reconnecting.
func (t Termination) Fatal() bool {
	return t.Cause != CauseDisconnect
}
