package terminal

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestConductorStartsPaused verifies lines printed before Start are buffered
// and replayed in FIFO order when rendering begins.
func TestConductorStartsPaused(t *testing.T) {
	t.Parallel()

	fake := newFakeRenderer()
	c := NewConductor(fake)

	c.Print("a")
	c.Print("b")
	require.Empty(t, fake.Ops(), "nothing may reach the terminal while paused")

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, []string{"line:a", "line:b", "start"}, fake.Ops())
}

// TestConductorPrintWhileLive verifies live prints pass straight through.
func TestConductorPrintWhileLive(t *testing.T) {
	t.Parallel()

	fake := newFakeRenderer()
	c := NewConductor(fake)
	require.NoError(t, c.Start(context.Background()))

	c.Print("hello")
	require.Equal(t, []string{"start", "line:hello"}, fake.Ops())
}

// TestConductorStopBuffersAgain verifies Stop switches back to buffering
// without flushing anything.
func TestConductorStopBuffersAgain(t *testing.T) {
	t.Parallel()

	fake := newFakeRenderer()
	c := NewConductor(fake)
	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))

	c.Print("buffered")
	require.Equal(t, []string{"start", "stop"}, fake.Ops())

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, []string{"start", "stop", "line:buffered", "start"}, fake.Ops())
}

// TestExclusiveOutputStopsAndResumes verifies rendering halts before the
// scoped logic runs and resumes after, with in-scope prints replayed in order.
func TestExclusiveOutputStopsAndResumes(t *testing.T) {
	t.Parallel()

	fake := newFakeRenderer()
	c := NewConductor(fake)
	require.NoError(t, c.Start(context.Background()))

	err := c.ExclusiveOutput(context.Background(), func() error {
		require.Equal(t, []string{"start", "stop"}, fake.Ops())
		c.Print("one")
		c.Print("two")
		require.Equal(t, []string{"start", "stop"}, fake.Ops())
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, []string{"start", "stop", "line:one", "line:two", "start"}, fake.Ops())
}

// TestExclusiveOutputResumesOnError verifies rendering resumes and the lock is
// released even when the scoped logic fails.
func TestExclusiveOutputResumesOnError(t *testing.T) {
	t.Parallel()

	fake := newFakeRenderer()
	c := NewConductor(fake)
	require.NoError(t, c.Start(context.Background()))

	boom := errors.New("prompt aborted")
	err := c.ExclusiveOutput(context.Background(), func() error {
		c.Print("partial")
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"start", "stop", "line:partial", "start"}, fake.Ops())

	// The lock must be free again for the next scope.
	require.NoError(t, c.ExclusiveOutput(context.Background(), func() error { return nil }))
}

// TestExclusiveOutputHonorsCancellation verifies a canceled waiter returns
// instead of blocking forever on a held lock.
func TestExclusiveOutputHonorsCancellation(t *testing.T) {
	t.Parallel()

	fake := newFakeRenderer()
	c := NewConductor(fake)

	held := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = c.ExclusiveOutput(context.Background(), func() error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := c.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)

	close(release)
}

// TestProgressBarScope verifies the task is registered for the scope's
// duration and unconditionally removed on Close.
func TestProgressBarScope(t *testing.T) {
	t.Parallel()

	fake := newFakeRenderer()
	c := NewConductor(fake)

	bar := c.ProgressBar("download notes.pdf", 2048, UnitsBytes)
	require.Equal(t, 1, c.ActiveTasks())

	bar.Advance(1024)
	bar.Close()
	require.Equal(t, 0, c.ActiveTasks())
	require.Equal(t, []string{"add:download notes.pdf/2048", "advance:1/1024", "remove:1"}, fake.Ops())

	// Close is idempotent; a second call must not touch the renderer again.
	bar.Close()
	require.Equal(t, []string{"add:download notes.pdf/2048", "advance:1/1024", "remove:1"}, fake.Ops())
}

// TestIndeterminateBarLeavesNoResidue covers opening an indeterminate bar and
// closing it without ever advancing.
func TestIndeterminateBarLeavesNoResidue(t *testing.T) {
	t.Parallel()

	fake := newFakeRenderer()
	c := NewConductor(fake)

	bar := c.ProgressBar("crawl course", 0, UnitsCount)
	bar.Close()
	require.Equal(t, 0, c.ActiveTasks())
	require.Equal(t, []string{"add:crawl course/0", "remove:1"}, fake.Ops())
}

// TestConcurrentPrintsAllSurvive verifies no line is lost when many
// goroutines print across a mode transition.
func TestConcurrentPrintsAllSurvive(t *testing.T) {
	t.Parallel()

	fake := newFakeRenderer()
	c := NewConductor(fake)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Print("x")
		}()
	}
	wg.Wait()
	require.NoError(t, c.Start(context.Background()))

	lines := 0
	for _, op := range fake.Ops() {
		if op == "line:x" {
			lines++
		}
	}
	require.Equal(t, 20, lines)
}

// fakeRenderer records every renderer call in order.
type fakeRenderer struct {
	mu   sync.Mutex
	next TaskID
	ops  []string
}

func newFakeRenderer() *fakeRenderer {
	return &fakeRenderer{}
}

func (f *fakeRenderer) AddTask(description string, total int64, _ Units) TaskID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	f.ops = append(f.ops, "add:"+description+"/"+itoa(total))
	return f.next
}

func (f *fakeRenderer) Advance(id TaskID, amount int64) {
	f.record("advance:" + itoa(int64(id)) + "/" + itoa(amount))
}

func (f *fakeRenderer) RemoveTask(id TaskID) {
	f.record("remove:" + itoa(int64(id)))
}

func (f *fakeRenderer) Start() { f.record("start") }
func (f *fakeRenderer) Stop()  { f.record("stop") }

func (f *fakeRenderer) WriteLine(line string) { f.record("line:" + line) }

func (f *fakeRenderer) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeRenderer) Ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.ops...)
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
