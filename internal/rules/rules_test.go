package rules

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeRules(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeRules(t, `{
		"tool_rules": {
			"search_code": {"enabled": true, "max_tokens": 2000, "preservation_instruction": "keep error codes"},
			"read_file":   {"enabled": true},
			"list_dir":    {"enabled": false, "max_tokens": 500}
		}
	}`)

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Len() != 3 {
		t.Fatalf("Len = %d, want 3", s.Len())
	}

	r, ok := s.Lookup("search_code")
	if !ok {
		t.Fatal("search_code rule missing")
	}
	want := Rule{Enabled: true, MaxTokens: 2000, PreservationInstruction: "keep error codes"}
	if r != want {
		t.Errorf("search_code = %+v, want %+v", r, want)
	}

	// Omitted budget gets the default.
	r, _ = s.Lookup("read_file")
	if r.MaxTokens != DefaultMaxTokens {
		t.Errorf("read_file max_tokens = %d, want default %d", r.MaxTokens, DefaultMaxTokens)
	}
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantSub string
	}{
		{
			name:    "explicit zero budget",
			content: `{"tool_rules": {"t": {"enabled": true, "max_tokens": 0}}}`,
			wantSub: "max_tokens must be positive",
		},
		{
			name:    "negative budget",
			content: `{"tool_rules": {"t": {"enabled": true, "max_tokens": -5}}}`,
			wantSub: "max_tokens must be positive",
		},
		{
			name:    "unknown rule key",
			content: `{"tool_rules": {"t": {"enabled": true, "max_tokns": 100}}}`,
			wantSub: "parse rules file",
		},
		{
			name:    "not json",
			content: `tool_rules:`,
			wantSub: "parse rules file",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeRules(t, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantSub) {
				t.Errorf("error %q does not mention %q", err, tt.wantSub)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLookupAbsent(t *testing.T) {
	s, err := FromMap(map[string]Rule{"known": {Enabled: true, MaxTokens: 100}})
	if err != nil {
		t.Fatal(err)
	}
	r, ok := s.Lookup("unknown")
	if ok {
		t.Error("unknown tool reported as present")
	}
	if r.Enabled {
		t.Error("absent rule must read as disabled")
	}
}

func TestFromMapDefaults(t *testing.T) {
	s, err := FromMap(map[string]Rule{"t": {Enabled: true}})
	if err != nil {
		t.Fatal(err)
	}
	r, _ := s.Lookup("t")
	if r.MaxTokens != DefaultMaxTokens {
		t.Errorf("max_tokens = %d, want default %d", r.MaxTokens, DefaultMaxTokens)
	}

	if _, err := FromMap(map[string]Rule{"t": {Enabled: true, MaxTokens: -1}}); err == nil {
		t.Error("negative budget should fail")
	}
}

func TestMerge(t *testing.T) {
	base, _ := FromMap(map[string]Rule{
		"a": {Enabled: true, MaxTokens: 100},
		"b": {Enabled: false, MaxTokens: 200},
	})
	over, _ := FromMap(map[string]Rule{
		"b": {Enabled: true, MaxTokens: 300},
		"c": {Enabled: true, MaxTokens: 400},
	})

	merged := base.Merge(over)
	if merged.Len() != 3 {
		t.Fatalf("merged Len = %d, want 3", merged.Len())
	}
	if r, _ := merged.Lookup("b"); r.MaxTokens != 300 || !r.Enabled {
		t.Errorf("override lost: %+v", r)
	}
	if got, want := merged.Tools(), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Tools() = %v, want %v", got, want)
	}
}

func TestNilStore(t *testing.T) {
	var s *Store
	if _, ok := s.Lookup("anything"); ok {
		t.Error("nil store lookup reported present")
	}
	if s.Len() != 0 {
		t.Error("nil store Len != 0")
	}
	if merged := s.Merge(nil); merged.Len() != 0 {
		t.Error("nil merge not empty")
	}
}
