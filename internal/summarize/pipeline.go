// Package summarize implements the token-budgeted summarization pipeline:
// pass-through for within-budget output, input clipping at a hard ceiling,
// and a streaming LLM fold that emits progress events. Summarization can
// never fail a tool call; every failure path returns the original text.
package summarize

import (
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/banyan-god/mcp-compact/internal/config"
	"github.com/banyan-god/mcp-compact/internal/provider"
	"github.com/banyan-god/mcp-compact/internal/rules"
	"github.com/banyan-god/mcp-compact/internal/tokenizer"
)

const (
	// hardInputCeiling bounds what is ever sent to the backend; input
	// estimated above this is clipped first.
	hardInputCeiling = 128000

	systemPrompt = "Summarize tool outputs preserving key information."

	// cacheMaxEntries bounds the in-memory summary cache; on overflow the
	// cache is dropped wholesale rather than tracking recency.
	cacheMaxEntries = 128

	defaultLLMTimeout = 30 * time.Second
)

// Pipeline summarizes oversized tool output. A nil backend degrades to
// pass-through.
type Pipeline struct {
	provider    provider.Provider
	est         *tokenizer.Estimator
	log         *zap.Logger
	model       string
	temperature float64
	timeout     time.Duration

	mu    sync.Mutex
	cache map[string]string
}

// New builds a Pipeline. p may be nil when no summarization backend is
// configured.
func New(p provider.Provider, est *tokenizer.Estimator, llm config.LLMConfig, log *zap.Logger) *Pipeline {
	return &Pipeline{
		provider:    p,
		est:         est,
		log:         log,
		model:       llm.Model,
		temperature: llm.Temperature,
		timeout:     llm.Timeout.Or(defaultLLMTimeout),
		cache:       make(map[string]string),
	}
}

// Apply compacts a tool result according to its rule. When the rule is
// absent or disabled, or nothing needed summarizing, the result is returned
// verbatim, every segment intact. When compaction triggers, the textual
// segments collapse into one summary segment and all non-text segments are
// kept unchanged in their original relative order.
func (p *Pipeline) Apply(ctx context.Context, tool string, res *mcp.CallToolResult,
	rule rules.Rule, ok bool, sink ProgressFunc) *mcp.CallToolResult {

	if res == nil || !ok || !rule.Enabled {
		return res
	}

	text := joinText(res.Content)
	if text == "" {
		return res
	}

	summary := p.SummarizeText(ctx, tool, text, rule, sink)
	if summary == text {
		return res
	}

	content := make([]mcp.Content, 0, len(res.Content))
	content = append(content, &mcp.TextContent{Text: summary})
	for _, c := range res.Content {
		if _, isText := c.(*mcp.TextContent); !isText {
			content = append(content, c)
		}
	}

	out := *res
	out.Content = content
	return &out
}

// SummarizeText returns text unchanged when it fits the rule's budget or no
// backend is available, and a generated summary otherwise. It never returns
// an error: any failure falls back to the (possibly clipped) input.
func (p *Pipeline) SummarizeText(ctx context.Context, tool, text string,
	rule rules.Rule, sink ProgressFunc) string {

	estimated := p.est.Estimate(text)
	if estimated <= rule.MaxTokens {
		return text
	}

	if p.provider == nil {
		p.log.Debug("no summarization backend configured, passing through",
			zap.String("tool", tool),
			zap.Int("tokens", estimated))
		return text
	}

	if cached, ok := p.cacheGet(tool, rule.MaxTokens, text); ok {
		p.log.Debug("summary cache hit", zap.String("tool", tool))
		return cached
	}

	input := text
	if estimated > hardInputCeiling {
		clipped, wasClipped := p.est.Clip(text, hardInputCeiling)
		if wasClipped {
			p.log.Warn("tool output exceeds input ceiling, clipping",
				zap.String("tool", tool),
				zap.Int("tokens", estimated),
				zap.Int("ceiling", hardInputCeiling))
			input = clipped
		}
	}

	p.log.Info("summarizing tool output",
		zap.String("tool", tool),
		zap.Int("tokens", estimated),
		zap.Int("max_tokens", rule.MaxTokens))

	acc := newAccumulator(rule.MaxTokens, sink, p.log)
	acc.emit(0.0, fmt.Sprintf("Summarizing %s output...", tool))

	summary, err := p.stream(ctx, tool, input, rule, acc)
	if err != nil {
		p.log.Warn("summarization failed, returning original output",
			zap.String("tool", tool),
			zap.Error(err))
		return input
	}

	// The stream ran to completion: close out the progress sequence even
	// when the fallback below takes over.
	acc.emit(1.0, "Summary complete")

	if summary == "" {
		p.log.Warn("summarizer returned empty output, returning original",
			zap.String("tool", tool))
		return input
	}
	p.log.Info("summarized tool output",
		zap.String("tool", tool),
		zap.Int("from_chars", len(input)),
		zap.Int("to_chars", len(summary)))

	p.cachePut(tool, rule.MaxTokens, text, summary)
	return summary
}

// stream runs one backend call and folds the streamed fragments. The fold
// checks the call context on each fragment so cancellation aborts to the
// fallback path; the event channel is always drained to completion.
func (p *Pipeline) stream(ctx context.Context, tool, input string,
	rule rules.Rule, acc *accumulator) (string, error) {

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req := &provider.ChatRequest{
		Model:        p.model,
		SystemPrompt: systemPrompt,
		Messages: []provider.Message{
			{Role: provider.RoleUser, Text: buildPrompt(tool, input, rule)},
		},
		MaxTokens:   rule.MaxTokens,
		Temperature: p.temperature,
	}

	events, err := p.provider.Chat(callCtx, req)
	if err != nil {
		return "", err
	}

	var streamErr error
	for ev := range events {
		if streamErr != nil {
			continue
		}
		if err := callCtx.Err(); err != nil {
			streamErr = err
			continue
		}
		switch ev.Type {
		case provider.EventTextDelta:
			acc.add(ev.Text)
		case provider.EventError:
			streamErr = ev.Err
		}
	}
	if streamErr != nil {
		return "", streamErr
	}

	return strings.TrimSpace(acc.text()), nil
}

// buildPrompt embeds the tool name, the rule's preservation instruction and
// the (possibly clipped) output into the summarization request.
func buildPrompt(tool, output string, rule rules.Rule) string {
	return fmt.Sprintf(`Summarize this tool output to fit within %d tokens.

Tool: %s

Preservation Requirements:
%s

Output to summarize:
%s

Provide concise summary:`, rule.MaxTokens, tool, rule.PreservationInstruction, output)
}

// joinText concatenates the textual segments of a result.
func joinText(content []mcp.Content) string {
	var parts []string
	for _, c := range content {
		if tc, ok := c.(*mcp.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ── summary cache ────────────────────────────────────────────────────────────

func cacheKey(tool, model string, maxTokens int, text string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00", tool, model, maxTokens)
	h.Write([]byte(text))
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (p *Pipeline) cacheGet(tool string, maxTokens int, text string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	summary, ok := p.cache[cacheKey(tool, p.model, maxTokens, text)]
	return summary, ok
}

func (p *Pipeline) cachePut(tool string, maxTokens int, text, summary string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.cache) >= cacheMaxEntries {
		p.cache = make(map[string]string)
	}
	p.cache[cacheKey(tool, p.model, maxTokens, text)] = summary
}
