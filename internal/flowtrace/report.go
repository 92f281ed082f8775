package flowtrace

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// previewLimit bounds input/result previews in the text report.
const previewLimit = 120

// FormatHistory renders a human-readable report of one flow run: events
// ordered by start time, indented by nesting depth, with per-step duration
// and truncated input/result previews. It is a pure function over the tree.
func FormatHistory(h *History) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Flow %s (run %s)\n", h.FlowName, h.RunID)
	fmt.Fprintf(&b, "Recorded %d step(s) over %s\n\n",
		len(h.Events), h.Finished.Sub(h.Started).Round(time.Millisecond))

	events := sortedByStart(h.Events)
	depths := eventDepths(events)

	for _, e := range events {
		indent := strings.Repeat("  ", depths[e.ID])
		mark := "ok"
		if e.Failed() {
			mark = "FAILED"
		} else if e.EndTime.IsZero() {
			mark = "open"
		}

		fmt.Fprintf(&b, "%s%s [%s] %s\n", indent, e.Name, mark, e.Duration().Round(time.Millisecond))
		if len(e.Inputs) > 0 {
			fmt.Fprintf(&b, "%s  in:  %s\n", indent, preview(e.Inputs))
		}
		if len(e.Result) > 0 {
			fmt.Fprintf(&b, "%s  out: %s\n", indent, preview(e.Result))
		}
		if e.Failed() {
			fmt.Fprintf(&b, "%s  err: %s\n", indent, truncate(e.Error, previewLimit))
		}
	}

	return b.String()
}

// JSONExport is the machine-readable projection of a History.
type JSONExport struct {
	FlowName        string    `json:"flow_name"`
	RunID           string    `json:"run_id"`
	Started         time.Time `json:"started"`
	Finished        time.Time `json:"finished"`
	StepCount       int       `json:"step_count"`
	FailedCount     int       `json:"failed_count"`
	SuccessRate     float64   `json:"success_rate"`
	AvgStepDuration float64   `json:"avg_step_duration_ms"`
	Events          []*Event  `json:"events"`
}

// ExportJSON projects a history into its JSON form, with aggregate success
// rate and average step duration over finished events.
func ExportJSON(h *History) *JSONExport {
	events := sortedByStart(h.Events)

	var failed, finished int
	var totalMs float64
	for _, e := range events {
		if e.Failed() {
			failed++
		}
		if !e.EndTime.IsZero() {
			finished++
			totalMs += float64(e.Duration().Milliseconds())
		}
	}

	exp := &JSONExport{
		FlowName:    h.FlowName,
		RunID:       h.RunID,
		Started:     h.Started,
		Finished:    h.Finished,
		StepCount:   len(events),
		FailedCount: failed,
		Events:      events,
	}
	if len(events) > 0 {
		exp.SuccessRate = float64(len(events)-failed) / float64(len(events))
	}
	if finished > 0 {
		exp.AvgStepDuration = totalMs / float64(finished)
	}
	return exp
}

// MarshalExport serializes the JSON projection with indentation, suitable
// for writing as a trace artifact.
func MarshalExport(h *History) ([]byte, error) {
	return json.MarshalIndent(ExportJSON(h), "", "  ")
}

func sortedByStart(events []*Event) []*Event {
	out := make([]*Event, len(events))
	copy(out, events)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartTime.Before(out[j].StartTime)
	})
	return out
}

// eventDepths computes nesting depth per event ID by walking parent links.
func eventDepths(events []*Event) map[string]int {
	byID := make(map[string]*Event, len(events))
	for _, e := range events {
		byID[e.ID] = e
	}
	depths := make(map[string]int, len(events))
	for _, e := range events {
		depth := 0
		for p := e.ParentID; p != ""; {
			parent, ok := byID[p]
			if !ok {
				break
			}
			depth++
			p = parent.ParentID
		}
		depths[e.ID] = depth
	}
	return depths
}

func preview(m map[string]any) string {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Sprintf("%v", m)
	}
	return truncate(string(data), previewLimit)
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
