package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/banyan-god/mcp-compact/internal/config"
	"github.com/banyan-god/mcp-compact/internal/summarize"
	"github.com/banyan-god/mcp-compact/internal/upstream"
)

// shutdownGrace bounds the HTTP drain on shutdown.
const shutdownGrace = 10 * time.Second

// toolDispatcher is the facade surface the inbound server needs; tests
// substitute a scripted one.
type toolDispatcher interface {
	ListTools(ctx context.Context) ([]*mcp.Tool, error)
	CallTool(ctx context.Context, name string, args any, sink summarize.ProgressFunc) (*mcp.CallToolResult, error)
}

// generationSource reports upstream session replacements so the mirror can
// re-sync after reconnects.
type generationSource interface {
	Generation() uint64
}

// Server mirrors the upstream tool inventory onto an inbound MCP server and
// forwards calls through the facade.
type Server struct {
	facade toolDispatcher
	gen    generationSource
	cfg    config.ListenConfig
	log    *zap.Logger
	srv    *mcp.Server

	mu       sync.Mutex
	mirrored map[string]bool
	lastGen  uint64
}

// NewServer builds the inbound MCP server. Tools appear once SyncTools runs.
func NewServer(facade *Facade, mgr *upstream.Manager, cfg config.ListenConfig,
	version string, log *zap.Logger) *Server {

	s := &Server{
		facade:   facade,
		gen:      mgr,
		cfg:      cfg,
		log:      log,
		mirrored: make(map[string]bool),
	}
	s.srv = mcp.NewServer(&mcp.Implementation{
		Name:    "mcp-compact",
		Version: version,
	}, nil)
	return s
}

// SyncTools mirrors the upstream tool inventory into the inbound server:
// new tools get a forwarding handler, vanished tools are removed. Cheap and
// idempotent; connected clients get list-changed notifications from the SDK.
func (s *Server) SyncTools(ctx context.Context) error {
	var gen uint64
	if s.gen != nil {
		gen = s.gen.Generation()
	}

	tools, err := s.facade.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("sync tools: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(tools))
	added := 0
	for _, tool := range tools {
		seen[tool.Name] = true
		if s.mirrored[tool.Name] {
			continue
		}
		s.srv.AddTool(mirrorable(tool), s.forward(tool.Name))
		s.mirrored[tool.Name] = true
		added++
	}

	var removed []string
	for name := range s.mirrored {
		if !seen[name] {
			removed = append(removed, name)
			delete(s.mirrored, name)
		}
	}
	if len(removed) > 0 {
		s.srv.RemoveTools(removed...)
	}

	s.lastGen = gen
	s.log.Info("tool mirror synced",
		zap.Int("tools", len(tools)),
		zap.Int("added", added),
		zap.Int("removed", len(removed)))
	return nil
}

// mirrorable returns a copy of the tool that is safe to register on the
// inbound server. Some upstreams omit the input schema; registering requires
// one, so a permissive empty object schema is substituted.
func mirrorable(tool *mcp.Tool) *mcp.Tool {
	if tool.InputSchema != nil {
		return tool
	}
	cp := *tool
	cp.InputSchema = &jsonschema.Schema{Type: "object"}
	return &cp
}

// forward builds the shared forwarding handler for one mirrored tool.
// Upstream failures map to an IsError result rather than a protocol error
// so callers always get a well-formed tool response.
func (s *Server) forward(name string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		sink := s.progressSink(ctx, req.Params.GetProgressToken(), req.Session)
		return s.forwardCall(ctx, name, req.Params.Arguments, sink)
	}
}

func (s *Server) forwardCall(ctx context.Context, name string, args any,
	sink summarize.ProgressFunc) (*mcp.CallToolResult, error) {

	res, err := s.facade.CallTool(ctx, name, args, sink)
	if err != nil {
		return &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{
				&mcp.TextContent{Text: fmt.Sprintf("upstream call failed: %v", err)},
			},
		}, nil
	}
	s.maybeResync(ctx)
	return res, nil
}

// progressSink relays summarization progress back to the inbound caller
// when the request carried a progress token. Delivery failures are reported
// to the pipeline, which logs and swallows them.
func (s *Server) progressSink(ctx context.Context, token any, session *mcp.ServerSession) summarize.ProgressFunc {
	if token == nil || session == nil {
		return nil
	}
	return func(progress, total float64, message string) error {
		return session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
			ProgressToken: token,
			Progress:      progress,
			Total:         total,
			Message:       message,
		})
	}
}

// maybeResync re-mirrors the tool inventory when a forwarded call observed
// a reconnected upstream session.
func (s *Server) maybeResync(ctx context.Context) {
	if s.gen == nil {
		return
	}
	gen := s.gen.Generation()
	s.mu.Lock()
	changed := gen != s.lastGen
	s.mu.Unlock()
	if !changed {
		return
	}
	if err := s.SyncTools(ctx); err != nil {
		s.log.Warn("tool re-sync after reconnect failed", zap.Error(err))
	}
}

// Run serves inbound MCP traffic until ctx is cancelled: on the process
// stdio transport, or over Streamable HTTP with graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.Mode == "stdio" {
		s.log.Info("serving MCP on stdio")
		return s.srv.Run(ctx, &mcp.StdioTransport{})
	}

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	handler := mcp.NewStreamableHTTPHandler(
		func(*http.Request) *mcp.Server { return s.srv }, nil)
	httpServer := &http.Server{Addr: addr, Handler: handler}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.log.Info("serving MCP over streamable HTTP", zap.String("addr", addr))

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	s.log.Info("server stopped")
	return nil
}
