// Package rules holds the per-tool compaction policy: whether a tool's output
// may be summarized, the token budget that triggers summarization, and the
// instruction telling the model what to preserve. The store is loaded once at
// startup and never mutated.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// DefaultMaxTokens is the budget applied to rules that do not set one.
const DefaultMaxTokens = 8000

// Rule is the compaction policy for a single tool. A tool without a rule is
// treated as Enabled=false everywhere.
type Rule struct {
	Enabled                 bool   `json:"enabled" yaml:"enabled"`
	MaxTokens               int    `json:"max_tokens" yaml:"max_tokens"`
	PreservationInstruction string `json:"preservation_instruction" yaml:"preservation_instruction"`
}

// Store is an immutable tool-name to Rule mapping. The zero of *Store (nil)
// is a valid empty store. Lookup is safe for unsynchronized concurrent use.
type Store struct {
	rules map[string]Rule
}

// ruleFile is the on-disk JSON shape:
//
//	{"tool_rules": {"search_code": {"enabled": true, "max_tokens": 2000}}}
type ruleFile struct {
	ToolRules map[string]rawRule `json:"tool_rules"`
}

// rawRule keeps MaxTokens as a pointer so an omitted budget (gets the
// default) can be told apart from an explicit non-positive one (load error).
type rawRule struct {
	Enabled                 bool   `json:"enabled"`
	MaxTokens               *int   `json:"max_tokens"`
	PreservationInstruction string `json:"preservation_instruction"`
}

// Load reads a rules file. Unknown keys are rejected so a typo in a rule name
// fails at startup instead of silently disabling compaction.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var rf ruleFile
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("parse rules file %s: %w", path, err)
	}

	rules := make(map[string]Rule, len(rf.ToolRules))
	for tool, rr := range rf.ToolRules {
		r := Rule{Enabled: rr.Enabled, PreservationInstruction: rr.PreservationInstruction}
		switch {
		case rr.MaxTokens == nil:
			r.MaxTokens = DefaultMaxTokens
		case *rr.MaxTokens <= 0:
			return nil, fmt.Errorf("rule %q: max_tokens must be positive, got %d", tool, *rr.MaxTokens)
		default:
			r.MaxTokens = *rr.MaxTokens
		}
		rules[tool] = r
	}
	return &Store{rules: rules}, nil
}

// FromMap builds a store from already-decoded rules (the inline section of
// the config file). A zero MaxTokens means "use the default"; negative values
// are a configuration error.
func FromMap(m map[string]Rule) (*Store, error) {
	rules := make(map[string]Rule, len(m))
	for tool, r := range m {
		if r.MaxTokens == 0 {
			r.MaxTokens = DefaultMaxTokens
		}
		if r.MaxTokens < 0 {
			return nil, fmt.Errorf("rule %q: max_tokens must be positive, got %d", tool, r.MaxTokens)
		}
		rules[tool] = r
	}
	return &Store{rules: rules}, nil
}

// Merge returns a new store where over's rules replace s's for the same tool.
func (s *Store) Merge(over *Store) *Store {
	merged := make(map[string]Rule, s.Len()+over.Len())
	if s != nil {
		for tool, r := range s.rules {
			merged[tool] = r
		}
	}
	if over != nil {
		for tool, r := range over.rules {
			merged[tool] = r
		}
	}
	return &Store{rules: merged}
}

// Lookup returns the rule for a tool. Absence means compaction is disabled.
func (s *Store) Lookup(tool string) (Rule, bool) {
	if s == nil {
		return Rule{}, false
	}
	r, ok := s.rules[tool]
	return r, ok
}

// Len returns the number of configured rules.
func (s *Store) Len() int {
	if s == nil {
		return 0
	}
	return len(s.rules)
}

// Tools returns the configured tool names, sorted, for startup logging.
func (s *Store) Tools() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.rules))
	for tool := range s.rules {
		names = append(names, tool)
	}
	sort.Strings(names)
	return names
}
