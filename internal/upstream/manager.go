// Package upstream owns the single MCP client session to the upstream
// server: its lifecycle, the gated reconnect, and the bounded
// retry-with-reconnect dispatcher every upstream call goes through.
package upstream

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/banyan-god/mcp-compact/internal/config"
)

// State is the upstream session lifecycle state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const defaultTimeout = 30 * time.Second

// Manager owns the one upstream session. The session handle is an atomic
// pointer: any number of in-flight calls read it without locking, and only
// the gated connect/disconnect path ever swaps it. A reader holding a stale
// handle just surfaces a session-level error into the normal retry path.
type Manager struct {
	cfg  config.UpstreamConfig
	impl *mcp.Implementation
	log  *zap.Logger

	// gate serializes connect, disconnect and reconnect. Plain reads of
	// the session never take it.
	gate sync.Mutex

	session atomic.Pointer[mcp.ClientSession]
	state   atomic.Int32
	tools   atomic.Pointer[[]*mcp.Tool]

	// generation counts successful connects so callers can notice that
	// the session was replaced and re-sync derived state (tool mirror).
	generation atomic.Uint64

	// useSSE is set when the Streamable HTTP attempt failed and the SSE
	// fallback succeeded, so reconnects skip straight to SSE.
	// Guarded by gate.
	useSSE bool
}

// NewManager creates a Manager without connecting.
func NewManager(cfg config.UpstreamConfig, version string, log *zap.Logger) *Manager {
	return &Manager{
		cfg: cfg,
		impl: &mcp.Implementation{
			Name:    "mcp-compact",
			Version: version,
		},
		log: log,
	}
}

// Connect establishes the upstream session. No-op if one is already live.
func (m *Manager) Connect(ctx context.Context) error {
	m.gate.Lock()
	defer m.gate.Unlock()

	if m.session.Load() != nil {
		return nil
	}
	return m.connectLocked(ctx)
}

// Disconnect tears the session down. Idempotent; close errors are logged
// and swallowed so a fresh connect can always proceed.
func (m *Manager) Disconnect() {
	m.gate.Lock()
	defer m.gate.Unlock()
	m.disconnectLocked()
}

// Reconnect replaces the session. When force is false and a session is
// already present, it returns immediately: concurrent callers that detected
// the same dead session collapse into a single reconnect cycle.
func (m *Manager) Reconnect(ctx context.Context, reason string, force bool) error {
	m.gate.Lock()
	defer m.gate.Unlock()

	if !force && m.session.Load() != nil {
		m.log.Debug("reconnect skipped, session already present",
			zap.String("reason", reason))
		return nil
	}

	m.log.Info("reconnecting upstream",
		zap.String("reason", reason),
		zap.Bool("force", force))
	m.disconnectLocked()
	return m.connectLocked(ctx)
}

// Current returns the live session handle, or nil. Callers must re-check
// after any suspension point: the handle may have been replaced.
func (m *Manager) Current() *mcp.ClientSession {
	return m.session.Load()
}

// Tools returns the tool list cached at the last successful connect.
func (m *Manager) Tools() []*mcp.Tool {
	if p := m.tools.Load(); p != nil {
		return *p
	}
	return nil
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// Generation increments on every successful connect.
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

// OperationTimeout is the fixed client-side bound applied to each upstream
// operation by the dispatcher.
func (m *Manager) OperationTimeout() time.Duration {
	return m.cfg.Timeout.Or(defaultTimeout)
}

// Close shuts the manager down.
func (m *Manager) Close() {
	m.Disconnect()
}

// endpoint describes the upstream for logs and errors.
func (m *Manager) endpoint() string {
	if m.cfg.URL != "" {
		return m.cfg.URL
	}
	return m.cfg.Command
}

// connectLocked dials the upstream, performs the handshake and caches the
// tool list. Caller must hold gate.
func (m *Manager) connectLocked(ctx context.Context) error {
	m.state.Store(int32(StateConnecting))

	// Fresh client per attempt: Connect is one-shot on an mcp.Client.
	client := mcp.NewClient(m.impl, nil)

	// Auto-detect only on the first HTTP connect; once SSE won, stick
	// with it.
	autoDetect := m.cfg.URL != "" && !m.useSSE

	session, err := client.Connect(ctx, m.buildTransport(m.useSSE), nil)
	if err != nil && autoDetect {
		// Streamable HTTP failed; many servers still speak the older
		// SSE protocol. Retry with a fresh client.
		m.log.Debug("streamable HTTP connect failed, trying SSE",
			zap.String("endpoint", m.endpoint()),
			zap.Error(err))
		client = mcp.NewClient(m.impl, nil)
		session, err = client.Connect(ctx, m.buildTransport(true), nil)
		if err == nil {
			m.useSSE = true
		}
	}
	if err != nil {
		m.state.Store(int32(StateFailed))
		return &ConnectError{Endpoint: m.endpoint(), Err: err}
	}

	// Tool discovery doubles as a handshake sanity check and feeds the
	// inbound mirror.
	listed, err := session.ListTools(ctx, nil)
	if err != nil {
		_ = session.Close()
		m.state.Store(int32(StateFailed))
		return &ConnectError{Endpoint: m.endpoint(), Err: fmt.Errorf("list tools: %w", err)}
	}

	names := make([]string, 0, len(listed.Tools))
	for _, t := range listed.Tools {
		names = append(names, t.Name)
	}
	m.log.Info("upstream connected",
		zap.String("endpoint", m.endpoint()),
		zap.Int("tools", len(names)),
		zap.Strings("tool_names", names))

	m.tools.Store(&listed.Tools)
	m.session.Store(session)
	m.state.Store(int32(StateConnected))
	m.generation.Add(1)
	return nil
}

// disconnectLocked swaps the handle out first so readers stop picking it
// up, then closes the old session. Caller must hold gate.
func (m *Manager) disconnectLocked() {
	old := m.session.Swap(nil)
	m.tools.Store(nil)
	if old != nil {
		if err := old.Close(); err != nil {
			m.log.Warn("error closing upstream session", zap.Error(err))
		}
	}
	m.state.Store(int32(StateDisconnected))
}

// buildTransport creates the transport for the configured upstream.
func (m *Manager) buildTransport(sse bool) mcp.Transport {
	if m.cfg.URL == "" {
		cmd := exec.Command(m.cfg.Command, m.cfg.Args...)
		if len(m.cfg.Env) > 0 {
			cmd.Env = os.Environ()
			for k, v := range m.cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcp.CommandTransport{Command: cmd}
	}

	var httpClient *http.Client
	if len(m.cfg.Headers) > 0 {
		httpClient = &http.Client{
			Transport: &headerRoundTripper{
				base:    http.DefaultTransport,
				headers: m.cfg.Headers,
			},
		}
	}

	if sse {
		t := &mcp.SSEClientTransport{Endpoint: m.cfg.URL}
		if httpClient != nil {
			t.HTTPClient = httpClient
		}
		return t
	}
	t := &mcp.StreamableClientTransport{Endpoint: m.cfg.URL}
	if httpClient != nil {
		t.HTTPClient = httpClient
	}
	return t
}

// headerRoundTripper injects fixed headers into every HTTP request.
type headerRoundTripper struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t *headerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	// Clone to avoid mutating the original request.
	r := req.Clone(req.Context())
	if r.Header == nil {
		r.Header = make(http.Header)
	}
	for k, v := range t.headers {
		r.Header.Set(k, v)
	}
	return t.base.RoundTrip(r)
}
