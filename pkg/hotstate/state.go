package hotstate

import (
	"strconv"
)

// TraceState is the trace hash. done and current_step drive the intake state
// machine; last_updated_at is the compare-and-set pivot and the idle-expiry
// signal.
type TraceState struct {
	CreatedAt     float64
	LastUpdatedAt float64
	CurrentStep   int
	Done          bool
	// Version is the bar version captured at trace creation. In-flight
	// traces keep validating against it across drift bumps.
	Version int64
}

func (s *TraceState) fields() map[string]interface{} {
	return map[string]interface{}{
		"created_at":      formatFloat(s.CreatedAt),
		"last_updated_at": formatFloat(s.LastUpdatedAt),
		"current_step":    strconv.Itoa(s.CurrentStep),
		"done":            boolField(s.Done),
		"version":         strconv.FormatInt(s.Version, 10),
	}
}

func traceStateFromHash(h map[string]string) *TraceState {
	return &TraceState{
		CreatedAt:     parseFloat(h["created_at"]),
		LastUpdatedAt: parseFloat(h["last_updated_at"]),
		CurrentStep:   int(parseInt(h["current_step"])),
		Done:          h["done"] == "1",
		Version:       parseInt(h["version"]),
	}
}

// StepState is the step hash. Iterations == 0 encodes a one-off step;
// FinishedAt == 0 means still in progress.
type StepState struct {
	StepName   string
	Iteration  int64
	Iterations int64
	StartedAt  float64
	FinishedAt float64
}

// Iterated reports whether the step was declared iterated.
func (s *StepState) Iterated() bool {
	return s.Iterations > 0
}

func (s *StepState) fields() map[string]interface{} {
	return map[string]interface{}{
		"step_name":   s.StepName,
		"iteration":   strconv.FormatInt(s.Iteration, 10),
		"iterations":  strconv.FormatInt(s.Iterations, 10),
		"started_at":  formatFloat(s.StartedAt),
		"finished_at": formatFloat(s.FinishedAt),
	}
}

func stepStateFromHash(h map[string]string) *StepState {
	return &StepState{
		StepName:   h["step_name"],
		Iteration:  parseInt(h["iteration"]),
		Iterations: parseInt(h["iterations"]),
		StartedAt:  parseFloat(h["started_at"]),
		FinishedAt: parseFloat(h["finished_at"]),
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}

func parseInt(s string) int64 {
	n, _ := strconv.ParseInt(s, 10, 64)
	return n
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
