package flowtrace

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

// buildHistory produces a small tree: root with one ok child and one failed
// child.
func buildHistory(t *testing.T) *History {
	t.Helper()

	h, _ := Run("video_generation", "run-rep", map[string]any{"topic": "volcanoes"}, func(tr *Tracer) (map[string]any, error) {
		ok := tr.StartSpan("generate_video", map[string]any{"model": "standard-v2"})
		ok.Finish(map[string]any{"asset_id": "a-1"}, nil)

		bad := tr.StartSpan("generate_narration", nil)
		bad.Finish(nil, errors.New("provider timeout"))

		return nil, errors.New("narration failed")
	})
	return h
}

func TestFormatHistoryStructure(t *testing.T) {
	out := FormatHistory(buildHistory(t))

	if !strings.Contains(out, "Flow video_generation (run run-rep)") {
		t.Errorf("missing header:\n%s", out)
	}
	if !strings.Contains(out, "Recorded 3 step(s)") {
		t.Errorf("missing step count:\n%s", out)
	}

	// Children are indented one level under the root.
	if !strings.Contains(out, "\n  generate_video [ok]") {
		t.Errorf("missing indented ok step:\n%s", out)
	}
	if !strings.Contains(out, "\n  generate_narration [FAILED]") {
		t.Errorf("missing indented failed step:\n%s", out)
	}
	if !strings.Contains(out, "err: provider timeout") {
		t.Errorf("missing error line:\n%s", out)
	}
	if !strings.Contains(out, `"topic":"volcanoes"`) {
		t.Errorf("missing inputs preview:\n%s", out)
	}
}

func TestFormatHistoryMarksOpenEvents(t *testing.T) {
	tr := New("video_generation", "run-open")
	tr.StartSpan("never_finished", nil)

	out := FormatHistory(tr.History())
	if !strings.Contains(out, "[open]") {
		t.Errorf("open event not marked:\n%s", out)
	}
}

func TestFormatHistoryTruncatesLongPreviews(t *testing.T) {
	tr := New("video_generation", "run-long")
	span := tr.StartSpan("step", map[string]any{
		"text": strings.Repeat("x", 500),
	})
	span.Finish(nil, nil)

	out := FormatHistory(tr.History())
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "in:") && len(line) > previewLimit+20 {
			t.Errorf("preview line too long (%d chars): %s", len(line), line)
		}
	}
	if !strings.Contains(out, "...") {
		t.Error("expected truncation marker in preview")
	}
}

func TestExportJSONAggregates(t *testing.T) {
	exp := ExportJSON(buildHistory(t))

	if exp.StepCount != 3 {
		t.Errorf("StepCount = %d, want 3", exp.StepCount)
	}
	// Root and narration both failed.
	if exp.FailedCount != 2 {
		t.Errorf("FailedCount = %d, want 2", exp.FailedCount)
	}
	wantRate := 1.0 / 3.0
	if diff := exp.SuccessRate - wantRate; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("SuccessRate = %f, want %f", exp.SuccessRate, wantRate)
	}
	if exp.AvgStepDuration < 0 {
		t.Errorf("AvgStepDuration = %f, want >= 0", exp.AvgStepDuration)
	}
	if exp.FlowName != "video_generation" || exp.RunID != "run-rep" {
		t.Errorf("identity fields wrong: %q / %q", exp.FlowName, exp.RunID)
	}
}

func TestExportJSONEmptyHistory(t *testing.T) {
	h := &History{FlowName: "f", RunID: "r", Started: time.Now(), Finished: time.Now()}
	exp := ExportJSON(h)
	if exp.StepCount != 0 || exp.SuccessRate != 0 || exp.AvgStepDuration != 0 {
		t.Errorf("empty history aggregates nonzero: %+v", exp)
	}
}

func TestExportEventsSortedByStart(t *testing.T) {
	// Build events out of order and check the export sorts them.
	now := time.Now()
	h := &History{
		FlowName: "f",
		RunID:    "r",
		Events: []*Event{
			{ID: "b", Name: "second", StartTime: now.Add(time.Second)},
			{ID: "a", Name: "first", StartTime: now},
		},
	}
	exp := ExportJSON(h)
	if exp.Events[0].ID != "a" || exp.Events[1].ID != "b" {
		t.Errorf("events not sorted by start: %s, %s", exp.Events[0].ID, exp.Events[1].ID)
	}
}

func TestMarshalExportRoundTrips(t *testing.T) {
	data, err := MarshalExport(buildHistory(t))
	if err != nil {
		t.Fatalf("MarshalExport failed: %v", err)
	}

	var decoded JSONExport
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("export is not valid JSON: %v", err)
	}
	if decoded.StepCount != 3 {
		t.Errorf("decoded StepCount = %d, want 3", decoded.StepCount)
	}
	if len(decoded.Events) != 3 {
		t.Errorf("decoded %d events, want 3", len(decoded.Events))
	}
}

func TestEventDepths(t *testing.T) {
	events := []*Event{
		{ID: "1"},
		{ID: "2", ParentID: "1"},
		{ID: "3", ParentID: "2"},
		{ID: "4", ParentID: "missing"},
	}
	depths := eventDepths(events)

	want := map[string]int{"1": 0, "2": 1, "3": 2, "4": 0}
	for id, d := range want {
		if depths[id] != d {
			t.Errorf("depth[%s] = %d, want %d", id, depths[id], d)
		}
	}
}
