package upstream

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// fakeSource scripts the session handle and counts reconnects. The session
// pointers are placeholders; the scripted operations never touch them.
type fakeSource struct {
	mu      sync.Mutex
	session *mcp.ClientSession

	reconnects       int
	forcedReconnects int
	reconnectErr     error

	// reconnectRestores controls whether a reconnect installs a fresh
	// session handle.
	reconnectRestores bool
}

func (f *fakeSource) Current() *mcp.ClientSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.session
}

func (f *fakeSource) Reconnect(ctx context.Context, reason string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !force && f.session != nil {
		return nil
	}
	f.reconnects++
	if force {
		f.forcedReconnects++
	}
	if f.reconnectErr != nil {
		f.session = nil
		return f.reconnectErr
	}
	if f.reconnectRestores {
		f.session = new(mcp.ClientSession)
	}
	return nil
}

func (f *fakeSource) OperationTimeout() time.Duration { return time.Minute }

func liveSource() *fakeSource {
	return &fakeSource{session: new(mcp.ClientSession), reconnectRestores: true}
}

func TestExecuteSuccessFirstAttempt(t *testing.T) {
	src := liveSource()
	calls := 0

	got, err := Execute(context.Background(), src, "tools/list",
		func(ctx context.Context, s *mcp.ClientSession) (string, error) {
			calls++
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "ok" || calls != 1 {
		t.Errorf("got %q after %d calls, want \"ok\" after 1", got, calls)
	}
	if src.reconnects != 0 {
		t.Errorf("reconnects = %d, want 0", src.reconnects)
	}
}

func TestExecuteReconnectsAfterSessionDeath(t *testing.T) {
	src := liveSource()
	calls := 0

	got, err := Execute(context.Background(), src, "tools/call",
		func(ctx context.Context, s *mcp.ClientSession) (string, error) {
			calls++
			if calls == 1 {
				return "", &SessionDeadError{Code: CodeConnectionClosed, Reason: "server restarted"}
			}
			return "recovered", nil
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "recovered" || calls != 2 {
		t.Errorf("got %q after %d calls, want \"recovered\" after 2", got, calls)
	}
	if src.forcedReconnects != 1 {
		t.Errorf("forced reconnects = %d, want 1", src.forcedReconnects)
	}
}

func TestExecuteExhaustsRetries(t *testing.T) {
	src := liveSource()
	calls := 0

	_, err := Execute(context.Background(), src, "tools/call",
		func(ctx context.Context, s *mcp.ClientSession) (string, error) {
			calls++
			return "", errors.New("session terminated")
		})
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("err = %v, want ErrExhaustedRetries", err)
	}
	if calls != 2 {
		t.Errorf("attempts = %d, want 2", calls)
	}
	// One forced reconnect between the attempts, never a second after the
	// final failure.
	if src.forcedReconnects != 1 {
		t.Errorf("forced reconnects = %d, want 1", src.forcedReconnects)
	}
}

func TestExecutePropagatesApplicationErrors(t *testing.T) {
	src := liveSource()
	calls := 0
	appErr := errors.New("invalid arguments: path is required")

	_, err := Execute(context.Background(), src, "tools/call",
		func(ctx context.Context, s *mcp.ClientSession) (string, error) {
			calls++
			return "", appErr
		})
	if !errors.Is(err, appErr) {
		t.Fatalf("err = %v, want wrapped %v", err, appErr)
	}
	if errors.Is(err, ErrExhaustedRetries) {
		t.Error("application errors must not report exhausted retries")
	}
	if calls != 1 {
		t.Errorf("attempts = %d, want 1 (no retry)", calls)
	}
	if src.reconnects != 0 {
		t.Errorf("reconnects = %d, want 0", src.reconnects)
	}
}

func TestExecuteRetriesTransportErrors(t *testing.T) {
	src := liveSource()
	calls := 0

	got, err := Execute(context.Background(), src, "tools/list",
		func(ctx context.Context, s *mcp.ClientSession) (string, error) {
			calls++
			if calls == 1 {
				return "", errors.New("read tcp 127.0.0.1:8080: use of closed network connection")
			}
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "ok" || src.forcedReconnects != 1 {
		t.Errorf("got %q, forced reconnects = %d; want \"ok\" and 1", got, src.forcedReconnects)
	}
}

func TestExecuteRestoresMissingSession(t *testing.T) {
	src := &fakeSource{reconnectRestores: true}
	calls := 0

	got, err := Execute(context.Background(), src, "tools/list",
		func(ctx context.Context, s *mcp.ClientSession) (string, error) {
			calls++
			return "ok", nil
		})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if got != "ok" || calls != 1 {
		t.Errorf("got %q after %d calls, want \"ok\" after 1", got, calls)
	}
	if src.reconnects != 1 || src.forcedReconnects != 0 {
		t.Errorf("reconnects = %d forced = %d, want 1 non-forced restoration",
			src.reconnects, src.forcedReconnects)
	}
}

func TestExecuteFailsWhenNoSessionCanBeEstablished(t *testing.T) {
	connectErr := &ConnectError{Endpoint: "http://localhost:9", Err: errors.New("refused")}
	src := &fakeSource{reconnectErr: connectErr}

	_, err := Execute(context.Background(), src, "tools/list",
		func(ctx context.Context, s *mcp.ClientSession) (string, error) {
			t.Fatal("operation must not run without a session")
			return "", nil
		})
	if !errors.Is(err, ErrExhaustedRetries) {
		t.Fatalf("err = %v, want ErrExhaustedRetries", err)
	}
	if !errors.Is(err, connectErr.Err) {
		t.Errorf("err = %v, should wrap the connect failure", err)
	}
}

// N concurrent calls that each find the session missing must collapse into
// a single restoration connect through the gate.
func TestExecuteReconnectDeduplication(t *testing.T) {
	src := &fakeSource{reconnectRestores: true}

	const n = 32
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := Execute(context.Background(), src, "tools/call",
				func(ctx context.Context, s *mcp.ClientSession) (string, error) {
					return "ok", nil
				})
			if err == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()

	if ok.Load() != n {
		t.Fatalf("%d/%d calls succeeded", ok.Load(), n)
	}
	if src.reconnects != 1 {
		t.Errorf("reconnects = %d, want 1 (deduped)", src.reconnects)
	}
}
