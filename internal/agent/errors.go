package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Kind classifies a failed agent call.
type Kind int

const (
	// KindAgentAPI means the upstream answered with a non-2xx status or a body
	// that could not be used.
	KindAgentAPI Kind = iota + 1
	// KindNetwork means the request never got a usable HTTP response.
	KindNetwork
	// KindTimeout is a network failure caused by a deadline.
	KindTimeout
	// KindPrecondition means the call was rejected before reaching the network.
	KindPrecondition
)

func (k Kind) String() string {
	switch k {
	case KindAgentAPI:
		return "agent_api"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindPrecondition:
		return "precondition"
	default:
		return "unknown"
	}
}

// Error is returned by every failed Client call.
type Error struct {
	Kind       Kind
	Op         string // "get_session" or "query"
	Message    string
	StatusCode int    // upstream status for KindAgentAPI, 400 for KindPrecondition
	Details    string // raw upstream body, when there is one
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsNetwork reports whether the failure belongs to the network class.
func (e *Error) IsNetwork() bool {
	return e.Kind == KindNetwork || e.Kind == KindTimeout
}

// KindOf returns the Kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return 0
}

const sessionRequiredMsg = "Session ID is required. Please create a session first."

func apiError(op string, status int, body []byte) *Error {
	msg := fmt.Sprintf("Agent API error: %d", status)
	if op == opCreateSession {
		msg = fmt.Sprintf("Agent API error creating session: %d", status)
	}
	return &Error{
		Kind:       KindAgentAPI,
		Op:         op,
		Message:    msg,
		StatusCode: status,
		Details:    string(body),
	}
}

func transportError(op string, err error) *Error {
	if isTimeout(err) {
		return &Error{Kind: KindTimeout, Op: op, Message: "Agent API timeout", Err: err}
	}
	msg := "Network error"
	if op == opCreateSession {
		msg = "Network error creating session"
	}
	return &Error{Kind: KindNetwork, Op: op, Message: msg, Err: err}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
