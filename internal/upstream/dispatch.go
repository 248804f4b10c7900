package upstream

import (
	"context"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// maxAttempts bounds every logical operation to two tries total.
const maxAttempts = 2

// Source is the slice of Manager the dispatcher needs. Tests substitute a
// scripted implementation.
type Source interface {
	Current() *mcp.ClientSession
	Reconnect(ctx context.Context, reason string, force bool) error
	OperationTimeout() time.Duration
}

// Execute runs fn against the current upstream session with at most two
// attempts and at most one forced reconnect between them.
//
// A missing session triggers a non-forced reconnect first: if several calls
// race here, the manager's gate collapses them into one connect. A
// session-dead or transport failure on the first attempt forces exactly one
// reconnect and retries; any other failure propagates immediately. The last
// failure on the final attempt surfaces wrapped in ErrExhaustedRetries.
func Execute[T any](ctx context.Context, src Source, op string,
	fn func(context.Context, *mcp.ClientSession) (T, error)) (T, error) {

	var zero T
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if src.Current() == nil {
			// Restoration, not retry: deduped by the gate, never
			// counted against the forced-reconnect budget.
			if err := src.Reconnect(ctx, "session missing", false); err != nil {
				lastErr = err
				continue
			}
		}

		// Snapshot the handle; it may be swapped concurrently and we
		// must issue the whole attempt against one session.
		session := src.Current()
		if session == nil {
			lastErr = fmt.Errorf("%s: no upstream session", op)
			continue
		}

		opCtx, cancel := context.WithTimeout(ctx, src.OperationTimeout())
		result, err := fn(opCtx, session)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		final := attempt == maxAttempts-1
		switch {
		case IsSessionDead(err):
			if final {
				break
			}
			if rerr := src.Reconnect(ctx, err.Error(), true); rerr != nil {
				lastErr = rerr
			}
		case IsTransport(err):
			if final {
				break
			}
			if rerr := src.Reconnect(ctx, "transport error", true); rerr != nil {
				lastErr = rerr
			}
		default:
			// Application-level failure (invalid arguments, tool
			// errors surfaced as protocol errors): not the
			// session's fault, no reconnect, no retry.
			return zero, fmt.Errorf("%s: %w", op, err)
		}
	}

	return zero, fmt.Errorf("%s: %w: %w", op, ErrExhaustedRetries, lastErr)
}
