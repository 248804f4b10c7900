package summarize

import (
	"strings"

	"go.uber.org/zap"
)

const (
	// progressChunkChars is how much accumulated text must accrue between
	// two intermediate progress events.
	progressChunkChars = 500

	// progressCap bounds intermediate progress: the fraction is only an
	// estimate, so it never reports completion before the stream ends.
	progressCap = 0.9

	progressTotal = 1.0
)

// ProgressFunc delivers one progress event to the original caller. Delivery
// failures are logged and swallowed; they never affect the summary.
type ProgressFunc func(progress, total float64, message string) error

// accumulator folds streamed text fragments and drives the progress cadence.
// Progress values are strictly increasing and capped at progressCap until
// the pipeline emits the terminal 1.0 itself.
type accumulator struct {
	buf strings.Builder

	// budgetChars approximates the expected summary length from the token
	// budget (4 chars per token).
	budgetChars int

	sinceEvent int
	last       float64

	sink ProgressFunc
	log  *zap.Logger
}

func newAccumulator(maxTokens int, sink ProgressFunc, log *zap.Logger) *accumulator {
	return &accumulator{
		budgetChars: maxTokens * 4,
		sink:        sink,
		log:         log,
	}
}

// add appends a fragment and, once enough text accrued since the last
// event, emits an estimated-progress event.
func (a *accumulator) add(fragment string) {
	a.buf.WriteString(fragment)
	a.sinceEvent += len(fragment)
	if a.sink == nil || a.sinceEvent < progressChunkChars {
		return
	}
	a.sinceEvent = 0

	progress := progressCap
	if a.budgetChars > 0 {
		progress = float64(a.buf.Len()) / float64(a.budgetChars)
		if progress > progressCap {
			progress = progressCap
		}
	}
	// Skip events that would not advance; keeps the sequence strictly
	// increasing once the cap is reached.
	if progress <= a.last {
		return
	}
	a.emit(progress, "Summarizing...")
}

// emit delivers one event, swallowing sink failures.
func (a *accumulator) emit(progress float64, message string) {
	if a.sink == nil {
		return
	}
	if err := a.sink(progress, progressTotal, message); err != nil {
		a.log.Debug("progress notification failed", zap.Error(err))
	}
	a.last = progress
}

func (a *accumulator) text() string { return a.buf.String() }
