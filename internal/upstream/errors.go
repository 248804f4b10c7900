package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ErrExhaustedRetries is surfaced when both dispatcher attempts failed or no
// session could be established. It always wraps the last underlying error.
var ErrExhaustedRetries = errors.New("upstream retries exhausted")

// CodeConnectionClosed is the JSON-RPC error code the reference client stack
// reports when the server side tears down a streamed session.
const CodeConnectionClosed = -32000

// ConnectError reports a failed connect or handshake against the upstream.
type ConnectError struct {
	Endpoint string
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// SessionDeadError is the structured dead-session marker. Transports and
// tests construct it directly instead of relying on message wording.
type SessionDeadError struct {
	Code   int
	Reason string
}

func (e *SessionDeadError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("session dead (code %d)", e.Code)
	}
	return fmt.Sprintf("session dead (code %d): %s", e.Code, e.Reason)
}

// SessionDead marks the error as reconnect-eligible. Any error type in a
// chain may implement this capability to opt into the dispatcher's retry.
func (e *SessionDeadError) SessionDead() bool { return true }

// sessionDeadPhrases are matched case-insensitively as a compatibility net
// for upstream stacks that only report session death in the message text.
var sessionDeadPhrases = []string{
	"session terminated",
	"connection closed",
}

// IsSessionDead reports whether err signals that the upstream session is
// gone and a reconnect may help. Structured markers win; the message
// substrings cover servers that never send a structured close.
func IsSessionDead(err error) bool {
	if err == nil {
		return false
	}
	var dead interface{ SessionDead() bool }
	if errors.As(err, &dead) && dead.SessionDead() {
		return true
	}
	// The SDK reports a torn-down session through this sentinel.
	if errors.Is(err, mcp.ErrConnectionClosed) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, phrase := range sessionDeadPhrases {
		if strings.Contains(msg, phrase) {
			return true
		}
	}
	return false
}

// IsTransport reports whether err is a connectivity-level failure below the
// MCP protocol. Context cancellation and deadlines are never transport
// errors: they belong to the caller and must propagate unchanged.
func IsTransport(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "use of closed network connection")
}
