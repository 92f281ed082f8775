// Package flowtrace records a tree of named steps for one execution of a
// content-generation flow.
//
// A Tracer belongs to a single flow run and is not shared across runs. Steps
// are recorded with an explicit scoped-span API:
//
//	span := tracer.StartSpan("generate_video", inputs)
//	out, err := doWork(ctx)
//	span.Finish(out, err)
//
// Nesting follows the call structure: the innermost unfinished span is the
// parent of the next span started. Execution within one flow run is
// single-threaded, so events are strictly ordered by start time.
package flowtrace

import (
	"fmt"
	"sync"
	"time"
)

// Event is one recorded step. End fields are set exactly once, on Finish.
type Event struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	StartTime time.Time      `json:"start_time"`
	EndTime   time.Time      `json:"end_time"`
	Inputs    map[string]any `json:"inputs,omitempty"`
	Result    map[string]any `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`

	finished bool
}

// Duration returns the step's elapsed time, or zero if still open.
func (e *Event) Duration() time.Duration {
	if e.EndTime.IsZero() {
		return 0
	}
	return e.EndTime.Sub(e.StartTime)
}

// Failed reports whether the step recorded an error.
func (e *Event) Failed() bool {
	return e.Error != ""
}

// History is the complete event tree for one flow run.
type History struct {
	FlowName string    `json:"flow_name"`
	RunID    string    `json:"run_id"`
	Events   []*Event  `json:"events"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Root returns the root event, or nil for an empty history.
func (h *History) Root() *Event {
	if len(h.Events) == 0 {
		return nil
	}
	return h.Events[0]
}

// Tracer records events for a single flow run.
type Tracer struct {
	mu      sync.Mutex
	events  []*Event
	stack   []*Event // open spans, innermost last
	nextID  int
	flow    string
	runID   string
	started time.Time
}

// New creates a tracer for one run of the named flow.
func New(flowName, runID string) *Tracer {
	return &Tracer{flow: flowName, runID: runID, started: time.Now()}
}

// Span is a handle to an open event. Finish must be called on every exit
// path; a deferred Finish is the usual pattern.
type Span struct {
	tracer *Tracer
	event  *Event
}

// StartSpan opens a new event with the current innermost open span as its
// parent.
func (t *Tracer) StartSpan(name string, inputs map[string]any) *Span {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	e := &Event{
		ID:        fmt.Sprintf("%s-%d", t.runID, t.nextID),
		Name:      name,
		StartTime: time.Now(),
		Inputs:    inputs,
	}
	if len(t.stack) > 0 {
		e.ParentID = t.stack[len(t.stack)-1].ID
	}
	t.events = append(t.events, e)
	t.stack = append(t.stack, e)
	return &Span{tracer: t, event: e}
}

// Finish closes the span with a result or an error. Calling Finish more than
// once is a no-op, which keeps deferred finishes safe alongside explicit
// error-path finishes.
func (s *Span) Finish(result map[string]any, err error) {
	t := s.tracer
	t.mu.Lock()
	defer t.mu.Unlock()

	if s.event.finished {
		return
	}
	s.event.finished = true
	s.event.EndTime = time.Now()
	s.event.Result = result
	if err != nil {
		s.event.Error = err.Error()
	}

	// Pop this span and anything left dangling above it.
	for i := len(t.stack) - 1; i >= 0; i-- {
		if t.stack[i] == s.event {
			t.stack = t.stack[:i]
			break
		}
	}
}

// History snapshots the recorded tree. Open events are included as-is.
func (t *Tracer) History() *History {
	t.mu.Lock()
	defer t.mu.Unlock()

	events := make([]*Event, len(t.events))
	copy(events, t.events)
	return &History{
		FlowName: t.flow,
		RunID:    t.runID,
		Events:   events,
		Started:  t.started,
		Finished: time.Now(),
	}
}

// Run executes fn under a root span named after the flow and returns the
// full history whether or not fn fails. The error is recorded on the root
// event and still returned to the caller.
func Run(flowName, runID string, inputs map[string]any, fn func(t *Tracer) (map[string]any, error)) (*History, error) {
	t := New(flowName, runID)
	root := t.StartSpan(flowName, inputs)

	result, err := func() (out map[string]any, runErr error) {
		defer func() {
			if r := recover(); r != nil {
				runErr = fmt.Errorf("flow panic: %v", r)
			}
		}()
		return fn(t)
	}()

	root.Finish(result, err)
	return t.History(), err
}
