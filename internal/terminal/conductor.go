// Package terminal multiplexes live progress rendering with line output on a
// shared terminal. A single Conductor owns the terminal state for the whole
// crawl; workers print lines and open progress bars through it and never write
// to the terminal directly, so live rendering and ad-hoc output cannot corrupt
// each other.
package terminal

import (
	"context"
	"fmt"
	"sync"
)

// Conductor owns the terminal's live/paused state, the buffer of lines printed
// while paused, and the set of active progress tasks. It starts paused; nothing
// renders until Start is called.
type Conductor struct {
	gate     chan struct{}
	renderer Renderer

	mu     sync.Mutex
	paused bool
	lines  []string
	tasks  map[TaskID]string
}

// NewConductor builds a Conductor in the paused state.
func NewConductor(renderer Renderer) *Conductor {
	return &Conductor{
		gate:     make(chan struct{}, 1),
		renderer: renderer,
		paused:   true,
		tasks:    make(map[TaskID]string),
	}
}

// Start transitions to live rendering: lines buffered while paused are
// replayed in the order they were printed, then the renderer starts animating.
func (c *Conductor) Start(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return fmt.Errorf("terminal: wait for lock: %w", err)
	}
	defer c.release()
	c.startLocked()
	return nil
}

// Stop transitions to paused mode. Subsequent prints are buffered until the
// next Start. Nothing is flushed.
func (c *Conductor) Stop(ctx context.Context) error {
	if err := c.acquire(ctx); err != nil {
		return fmt.Errorf("terminal: wait for lock: %w", err)
	}
	defer c.release()
	c.stopLocked()
	return nil
}

// Print writes a line to the terminal, or buffers it while paused. Buffered
// lines are never lost, only delayed until the next Start.
func (c *Conductor) Print(line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		c.lines = append(c.lines, line)
		return
	}
	c.renderer.WriteLine(line)
}

// ExclusiveOutput runs fn with live rendering stopped and the terminal lock
// held, for callers that temporarily need the raw terminal (an interactive
// prompt, say). Lines printed during fn are buffered and replayed in order
// once rendering resumes. Rendering resumes and the lock is released on every
// exit path. Not reentrant: calling ExclusiveOutput from within fn deadlocks.
func (c *Conductor) ExclusiveOutput(ctx context.Context, fn func() error) error {
	if err := c.acquire(ctx); err != nil {
		return fmt.Errorf("terminal: wait for lock: %w", err)
	}
	defer c.release()

	c.stopLocked()
	defer c.startLocked()
	return fn()
}

// ProgressBar registers a live progress task and returns its handle. A total
// of zero or less means the task is indeterminate and does not animate until
// the first Advance. units controls how progress values render. Callers must
// Close the handle, normally via defer; Close always removes the task from
// the active set.
func (c *Conductor) ProgressBar(description string, total int64, units Units) *ProgressBar {
	id := c.renderer.AddTask(description, total, units)
	c.mu.Lock()
	c.tasks[id] = description
	c.mu.Unlock()
	return &ProgressBar{conductor: c, id: id}
}

// ActiveTasks returns the number of progress tasks currently registered.
func (c *Conductor) ActiveTasks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// startLocked flushes the paused-mode buffer in FIFO order, then starts the
// renderer. Must be called with the gate held.
func (c *Conductor) startLocked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.paused {
		return
	}
	for _, line := range c.lines {
		c.renderer.WriteLine(line)
	}
	c.lines = nil
	c.renderer.Start()
	c.paused = false
}

// stopLocked stops the renderer and begins buffering. Must be called with the
// gate held.
func (c *Conductor) stopLocked() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.paused {
		return
	}
	c.renderer.Stop()
	c.paused = true
}

func (c *Conductor) acquire(ctx context.Context) error {
	select {
	case c.gate <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Conductor) release() {
	<-c.gate
}

// ProgressBar is a scoped handle to one live progress task.
type ProgressBar struct {
	conductor *Conductor
	id        TaskID
	once      sync.Once
}

// Advance increases the task's progress by amount and triggers a render
// update. Advancing past the task's total is the rendering engine's concern.
func (b *ProgressBar) Advance(amount int64) {
	b.conductor.renderer.Advance(b.id, amount)
}

// Close removes the task from the active set. It is idempotent and never
// fails; closing a handle whose task the renderer no longer knows is a no-op.
func (b *ProgressBar) Close() {
	b.once.Do(func() {
		b.conductor.mu.Lock()
		delete(b.conductor.tasks, b.id)
		b.conductor.mu.Unlock()
		b.conductor.renderer.RemoveTask(b.id)
	})
}
