package terminal

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jedib0t/go-pretty/v6/progress"
)

// TaskID identifies one live progress task within a Renderer.
type TaskID int64

// Units selects how a task's progress values are displayed.
type Units int

const (
	// UnitsCount displays plain counts (pages visited, items done).
	UnitsCount Units = iota
	// UnitsBytes displays humanized byte sizes.
	UnitsBytes
)

// Renderer is the live-rendering engine the Conductor drives. Implementations
// must tolerate RemoveTask for unknown IDs (scope-exit cleanup must never
// fail) and must only be driven through a Conductor, which serializes
// Start/Stop transitions.
type Renderer interface {
	// AddTask registers a task. A total of zero or less means indeterminate;
	// an indeterminate task must not animate until its first Advance.
	AddTask(description string, total int64, units Units) TaskID
	// Advance increases a task's progress.
	Advance(id TaskID, amount int64)
	// RemoveTask drops a task from the display. Unknown IDs are ignored.
	RemoveTask(id TaskID)
	// Start begins live rendering; Stop halts it and returns once the
	// terminal is free for raw writes.
	Start()
	Stop()
	// WriteLine emits one line of output without corrupting the tracker
	// area, whether or not rendering is live.
	WriteLine(line string)
}

// PrettyRenderer renders tasks with go-pretty's progress writer.
type PrettyRenderer struct {
	out io.Writer

	nextID atomic.Int64

	mu      sync.Mutex
	pw      progress.Writer
	stopped bool
	tasks   map[TaskID]*prettyTask
}

type prettyTask struct {
	description string
	total       int64
	units       Units
	tracker     *progress.Tracker
}

// NewPrettyRenderer builds a renderer writing to out.
func NewPrettyRenderer(out io.Writer) *PrettyRenderer {
	r := &PrettyRenderer{
		out:   out,
		tasks: make(map[TaskID]*prettyTask),
	}
	r.pw = r.newWriter()
	return r
}

func (r *PrettyRenderer) newWriter() progress.Writer {
	pw := progress.NewWriter()
	pw.SetOutputWriter(r.out)
	pw.SetAutoStop(false)
	pw.SetTrackerLength(25)
	pw.SetTrackerPosition(progress.PositionRight)
	pw.SetUpdateFrequency(100 * time.Millisecond)
	pw.Style().Visibility.ETA = false
	pw.Style().Visibility.Time = true
	pw.Style().Visibility.Value = true
	return pw
}

// AddTask implements Renderer. Determinate tasks get a tracker immediately;
// indeterminate ones defer tracker creation to the first Advance so an
// untouched bar never renders.
func (r *PrettyRenderer) AddTask(description string, total int64, units Units) TaskID {
	id := TaskID(r.nextID.Add(1))
	task := &prettyTask{description: description, total: total, units: units}
	r.mu.Lock()
	defer r.mu.Unlock()
	if total > 0 {
		task.tracker = r.appendTracker(description, total, units)
	}
	r.tasks[id] = task
	return id
}

// Advance implements Renderer.
func (r *PrettyRenderer) Advance(id TaskID, amount int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return
	}
	if task.tracker == nil {
		task.tracker = r.appendTracker(task.description, 0, task.units)
	}
	task.tracker.Increment(amount)
}

// RemoveTask implements Renderer.
func (r *PrettyRenderer) RemoveTask(id TaskID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	task, ok := r.tasks[id]
	if !ok {
		return
	}
	delete(r.tasks, id)
	if task.tracker != nil && !task.tracker.IsDone() {
		task.tracker.MarkAsDone()
	}
}

// Start implements Renderer.
func (r *PrettyRenderer) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pw.IsRenderInProgress() {
		return
	}
	if r.stopped {
		// A stopped writer does not resume; rebuild one and carry the live
		// trackers over.
		pw := r.newWriter()
		for _, task := range r.tasks {
			if task.tracker != nil && !task.tracker.IsDone() {
				pw.AppendTracker(task.tracker)
			}
		}
		r.pw = pw
		r.stopped = false
	}
	go r.pw.Render()
}

// Stop implements Renderer. It blocks until the render goroutine has finished
// so the caller may write to the terminal directly afterwards.
func (r *PrettyRenderer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pw.IsRenderInProgress() {
		return
	}
	r.pw.Stop()
	for r.pw.IsRenderInProgress() {
		time.Sleep(5 * time.Millisecond)
	}
	r.stopped = true
}

// WriteLine implements Renderer. While rendering is live the line goes through
// the writer's log channel, which prints it above the tracker area.
func (r *PrettyRenderer) WriteLine(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pw.IsRenderInProgress() {
		r.pw.Log("%s", line)
		return
	}
	fmt.Fprintln(r.out, line)
}

func (r *PrettyRenderer) appendTracker(description string, total int64, units Units) *progress.Tracker {
	u := progress.UnitsDefault
	if units == UnitsBytes {
		u = progress.UnitsBytes
	}
	tracker := &progress.Tracker{
		Message: description,
		Total:   total,
		Units:   u,
	}
	r.pw.AppendTracker(tracker)
	return tracker
}
