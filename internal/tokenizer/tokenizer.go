// Package tokenizer estimates token counts for compaction budgeting and
// clips text to a token budget. It prefers an exact subword tokenizer and
// degrades to a character heuristic when the tokenizer cannot be initialized.
package tokenizer

import (
	"errors"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

var errHeuristicOnly = errors.New("tokenizer disabled")

// fallbackCharsPerToken drives the heuristic used when the exact tokenizer is
// unavailable: roughly 4 characters per token for English-heavy tool output.
const fallbackCharsPerToken = 4

// TruncationMarker is appended to clipped text so the reader can see that
// input was cut before summarization.
const TruncationMarker = "\n\n[output truncated before summarization]"

// o200k prefixes cover the model families that use the o200k_base encoding.
// Everything else maps to cl100k_base.
var o200kPrefixes = []string{"gpt-4o", "gpt-4.1", "gpt-5", "o1", "o3", "o4", "chatgpt-4o"}

// encodingForModel picks a tiktoken encoding for the given model name.
// Provider-prefixed names like "openai/gpt-4o-mini" match on the bare model.
func encodingForModel(model string) string {
	m := strings.ToLower(model)
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	for _, p := range o200kPrefixes {
		if strings.HasPrefix(m, p) {
			return "o200k_base"
		}
	}
	return "cl100k_base"
}

// Estimator converts text to an approximate or exact token count. The exact
// tokenizer is initialized lazily on first use; once initialization fails the
// estimator stays on the character heuristic for the process lifetime, so
// estimates are deterministic for a given availability state.
type Estimator struct {
	encoding string

	once    sync.Once
	enc     *tiktoken.Tiktoken
	initErr error
}

// NewEstimator returns an Estimator whose encoding is chosen from the model
// name the summarization backend is configured with.
func NewEstimator(model string) *Estimator {
	return &Estimator{encoding: encodingForModel(model)}
}

// NewHeuristicEstimator returns an Estimator pinned to the character
// heuristic, for callers with no configured model.
func NewHeuristicEstimator() *Estimator {
	e := &Estimator{}
	e.once.Do(func() { e.initErr = errHeuristicOnly })
	return e
}

func (e *Estimator) init() {
	e.once.Do(func() {
		e.enc, e.initErr = tiktoken.GetEncoding(e.encoding)
	})
}

// Exact reports whether the exact tokenizer is available.
func (e *Estimator) Exact() bool {
	e.init()
	return e.initErr == nil
}

// Estimate returns the token count for text.
func (e *Estimator) Estimate(text string) int {
	e.init()
	if e.initErr != nil {
		return len(text) / fallbackCharsPerToken
	}
	return len(e.enc.Encode(text, nil, nil))
}

// Clip truncates text to at most maxTokens tokens and appends
// TruncationMarker when anything was cut. With the exact tokenizer the cut
// lands on a token boundary; under the heuristic it lands on a rune boundary
// at maxTokens*4 bytes. The second return reports whether clipping happened.
func (e *Estimator) Clip(text string, maxTokens int) (string, bool) {
	e.init()
	if e.initErr == nil {
		toks := e.enc.Encode(text, nil, nil)
		if len(toks) <= maxTokens {
			return text, false
		}
		keep := maxTokens
		if keep < 0 {
			keep = 0
		}
		return e.enc.Decode(toks[:keep]) + TruncationMarker, true
	}

	if len(text)/fallbackCharsPerToken <= maxTokens {
		return text, false
	}
	keep := maxTokens * fallbackCharsPerToken
	if keep < 0 {
		keep = 0
	}
	for keep > 0 && keep < len(text) && !utf8.RuneStart(text[keep]) {
		keep--
	}
	return text[:keep] + TruncationMarker, true
}
