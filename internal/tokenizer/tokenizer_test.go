package tokenizer

import (
	"strings"
	"testing"
	"unicode/utf8"
)

// heuristicEstimator returns an Estimator forced onto the character fallback
// by pointing it at an encoding that cannot exist.
func heuristicEstimator() *Estimator {
	return &Estimator{encoding: "no-such-encoding"}
}

func TestEncodingForModel(t *testing.T) {
	tests := []struct {
		model string
		want  string
	}{
		{"gpt-4o", "o200k_base"},
		{"gpt-4o-mini", "o200k_base"},
		{"openai/gpt-4.1", "o200k_base"},
		{"o3-mini", "o200k_base"},
		{"gpt-4-turbo", "cl100k_base"},
		{"openai/gpt-oss-120b", "cl100k_base"},
		{"", "cl100k_base"},
		{"llama-3.1-70b", "cl100k_base"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			if got := encodingForModel(tt.model); got != tt.want {
				t.Errorf("encodingForModel(%q) = %q, want %q", tt.model, got, tt.want)
			}
		})
	}
}

func TestEstimateHeuristic(t *testing.T) {
	e := heuristicEstimator()
	if e.Exact() {
		t.Fatal("expected heuristic mode for bogus encoding")
	}

	tests := []struct {
		name string
		text string
		want int
	}{
		{"empty", "", 0},
		{"short", "abc", 0},
		{"eight chars", "abcdefgh", 2},
		{"hundred chars", strings.Repeat("x", 100), 25},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.Estimate(tt.text); got != tt.want {
				t.Errorf("Estimate(%q) = %d, want %d", tt.text, got, tt.want)
			}
		})
	}
}

func TestEstimateDeterministic(t *testing.T) {
	e := NewEstimator("gpt-4o")
	text := strings.Repeat("the quick brown fox ", 50)
	first := e.Estimate(text)
	for i := 0; i < 5; i++ {
		if got := e.Estimate(text); got != first {
			t.Fatalf("Estimate changed between calls: %d then %d", first, got)
		}
	}
}

func TestClipWithinBudget(t *testing.T) {
	e := heuristicEstimator()
	text := "small output"
	got, clipped := e.Clip(text, 100)
	if clipped {
		t.Error("within-budget text should not be clipped")
	}
	if got != text {
		t.Errorf("within-budget text altered: %q", got)
	}
}

func TestClipOverBudget(t *testing.T) {
	e := heuristicEstimator()
	text := strings.Repeat("abcd", 1000) // 1000 heuristic tokens
	got, clipped := e.Clip(text, 10)
	if !clipped {
		t.Fatal("expected clipping")
	}
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Error("clipped text missing truncation marker")
	}
	body := strings.TrimSuffix(got, TruncationMarker)
	if len(body) != 40 {
		t.Errorf("clipped body length = %d, want 40", len(body))
	}
}

func TestClipBoundaryProperty(t *testing.T) {
	e := heuristicEstimator()
	markerTokens := e.Estimate(TruncationMarker)
	text := strings.Repeat("some tool output line\n", 500)

	for _, budget := range []int{1, 10, 100, 1000} {
		got, clipped := e.Clip(text, budget)
		if !clipped {
			t.Fatalf("budget %d: expected clipping", budget)
		}
		if est := e.Estimate(got); est > budget+markerTokens+1 {
			t.Errorf("budget %d: clipped estimate %d exceeds budget+marker %d",
				budget, est, budget+markerTokens+1)
		}
	}
}

func TestClipDegenerateBudget(t *testing.T) {
	e := heuristicEstimator()
	got, clipped := e.Clip("nonempty output", 0)
	if !clipped {
		t.Fatal("expected clipping at zero budget")
	}
	if got != TruncationMarker {
		t.Errorf("zero budget should leave only the marker, got %q", got)
	}
}

func TestClipRuneSafety(t *testing.T) {
	e := heuristicEstimator()
	text := strings.Repeat("héllo wörld ", 200)
	for _, budget := range []int{1, 3, 7, 13} {
		got, _ := e.Clip(text, budget)
		if !utf8.ValidString(got) {
			t.Errorf("budget %d: clipped text is not valid UTF-8", budget)
		}
	}
}

func TestClipExactTokenizer(t *testing.T) {
	e := NewEstimator("gpt-4")
	if !e.Exact() {
		t.Skip("exact tokenizer unavailable in this environment")
	}
	text := strings.Repeat("alpha beta gamma delta ", 200)
	got, clipped := e.Clip(text, 50)
	if !clipped {
		t.Fatal("expected clipping")
	}
	if !strings.HasSuffix(got, TruncationMarker) {
		t.Error("clipped text missing truncation marker")
	}
	body := strings.TrimSuffix(got, TruncationMarker)
	if est := e.Estimate(body); est > 50 {
		t.Errorf("clipped body estimates to %d tokens, budget was 50", est)
	}
}
