// Package proxy composes the upstream dispatcher, the rule store and the
// summarization pipeline behind the two inbound operations (list-tools and
// call-tool), and serves them over an inbound MCP server.
package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/banyan-god/mcp-compact/internal/rules"
	"github.com/banyan-god/mcp-compact/internal/summarize"
	"github.com/banyan-god/mcp-compact/internal/upstream"
)

// Facade is the explicit two-operation surface the inbound transport calls.
// Constructed once at startup.
type Facade struct {
	mgr   *upstream.Manager
	pipe  *summarize.Pipeline
	store *rules.Store
	log   *zap.Logger
}

func NewFacade(mgr *upstream.Manager, pipe *summarize.Pipeline, store *rules.Store, log *zap.Logger) *Facade {
	return &Facade{
		mgr:   mgr,
		pipe:  pipe,
		store: store,
		log:   log,
	}
}

// ListTools forwards a tools/list to the upstream.
func (f *Facade) ListTools(ctx context.Context) ([]*mcp.Tool, error) {
	return upstream.Execute(ctx, f.mgr, "tools/list",
		func(ctx context.Context, s *mcp.ClientSession) ([]*mcp.Tool, error) {
			res, err := s.ListTools(ctx, nil)
			if err != nil {
				return nil, err
			}
			return res.Tools, nil
		})
}

// CallTool forwards a tools/call to the upstream and compacts the result
// according to the tool's rule. sink may be nil when the caller did not
// request progress.
func (f *Facade) CallTool(ctx context.Context, name string, args any,
	sink summarize.ProgressFunc) (*mcp.CallToolResult, error) {

	callID := uuid.NewString()[:8]
	start := time.Now()
	log := f.log.With(
		zap.String("call_id", callID),
		zap.String("tool", name))

	res, err := upstream.Execute(ctx, f.mgr, fmt.Sprintf("tools/call %s", name),
		func(ctx context.Context, s *mcp.ClientSession) (*mcp.CallToolResult, error) {
			return s.CallTool(ctx, &mcp.CallToolParams{
				Name:      name,
				Arguments: args,
			})
		})
	if err != nil {
		log.Warn("tool call failed",
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return nil, err
	}

	rule, ok := f.store.Lookup(name)
	out := f.pipe.Apply(ctx, name, res, rule, ok, sink)

	log.Debug("tool call completed",
		zap.Duration("duration", time.Since(start)),
		zap.Bool("is_error", out != nil && out.IsError),
		zap.Bool("compacted", out != res))
	return out, nil
}
