package concurrency

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetEvents_ClearsAllButAlive(t *testing.T) {
	p := NewWorkerPool(1)
	p.Shutdown() // enqueue becomes a no-op, leaving the task untouched

	task := p.NewTask("probe", RunnerFunc(func(*Task) Result { return Idle() }))
	task.Signal(EventRead)
	task.Signal(EventWrite)

	assert.Equal(t, EventRead|EventWrite, task.GetEvents())
	assert.Equal(t, EventFlags(0), task.GetEvents())
	assert.Equal(t, uint32(eventAlive), task.events.Load(), "alive bit must survive GetEvents")
}

func TestSignal_CoalescesWhileRunning(t *testing.T) {
	defer leaktest.Check(t)()
	p := NewWorkerPool(2)
	defer p.Shutdown()

	gate := make(chan struct{})
	entered := make(chan struct{})
	done := make(chan struct{})
	var runs atomic.Int32
	var seen atomic.Uint32

	task := p.NewTask("coalesce", RunnerFunc(func(t *Task) Result {
		n := runs.Add(1)
		seen.Store(seen.Load() | uint32(t.GetEvents()))
		if n == 1 {
			close(entered)
			<-gate
		}
		if n == 2 {
			close(done)
		}
		return Idle()
	}))

	task.Signal(EventStart)
	<-entered
	for i := 0; i < 100; i++ {
		task.Signal(EventRead)
	}
	close(gate)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task was not re-run after signals raced with its release")
	}
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, int32(2), runs.Load(), "100 signals during one run must fold into one re-run")
	assert.True(t, EventFlags(seen.Load()).Has(EventStart|EventRead))
	assert.Equal(t, uint32(0), task.events.Load(), "task should be released")
	assert.GreaterOrEqual(t, p.Stats()["signals_coalesced"], int64(100))
}

func TestTask_NeverRunsConcurrently(t *testing.T) {
	p := NewWorkerPool(4)
	defer p.Shutdown()

	const numTasks = 16
	var overlap atomic.Int32
	var total atomic.Int64
	tasks := make([]*Task, numTasks)
	for i := range tasks {
		var inFlight atomic.Int32
		tasks[i] = p.NewTask("busy", RunnerFunc(func(t *Task) Result {
			if inFlight.Add(1) > 1 {
				overlap.Add(1)
			}
			t.GetEvents()
			total.Add(1)
			time.Sleep(50 * time.Microsecond)
			inFlight.Add(-1)
			if total.Load()%7 == 0 {
				return RetryAfter(time.Millisecond)
			}
			return Idle()
		}))
	}

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				tasks[i%numTasks].Signal(EventRead)
			}
		}()
	}
	wg.Wait()
	time.Sleep(100 * time.Millisecond)

	assert.Zero(t, overlap.Load(), "a task ran on two workers at once")
	assert.Positive(t, total.Load())
}

func TestRetryAfter_FiresOnTime(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	const delay = 100 * time.Millisecond
	var first time.Time
	second := make(chan time.Time, 1)
	var runs int

	task := p.NewTask("timed", RunnerFunc(func(t *Task) Result {
		t.GetEvents()
		runs++
		if runs == 1 {
			first = time.Now()
			return RetryAfter(delay)
		}
		second <- time.Now()
		return Terminate()
	}))
	task.Signal(EventStart)

	select {
	case at := <-second:
		elapsed := at.Sub(first)
		assert.GreaterOrEqual(t, elapsed, delay)
		assert.Less(t, elapsed, delay+MinWait+40*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestRetryAfter_SetsIdleEvent(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	got := make(chan EventFlags, 1)
	var runs int
	task := p.NewTask("idle-flag", RunnerFunc(func(t *Task) Result {
		ev := t.GetEvents()
		runs++
		if runs == 1 {
			return RetryAfter(5 * time.Millisecond)
		}
		got <- ev
		return Terminate()
	}))
	task.Signal(EventStart)

	select {
	case ev := <-got:
		assert.True(t, ev.Has(EventIdle))
	case <-time.After(time.Second):
		t.Fatal("no second run")
	}
}

func TestSignal_WakesParkedTask(t *testing.T) {
	p := NewWorkerPool(2)
	defer p.Shutdown()

	killed := make(chan struct{})
	parked := make(chan struct{})
	task := p.NewTask("sleeper", RunnerFunc(func(t *Task) Result {
		if t.GetEvents().Has(EventKill) {
			close(killed)
			return Terminate()
		}
		close(parked)
		return RetryAfter(time.Hour)
	}))
	task.Signal(EventStart)
	<-parked
	time.Sleep(10 * time.Millisecond)
	task.Signal(EventKill)

	select {
	case <-killed:
	case <-time.After(time.Second):
		t.Fatal("kill did not reach a task parked for an hour")
	}
	assert.Eventually(t, func() bool { return !task.Alive() }, time.Second, 5*time.Millisecond)
}

func TestSignal_ConsumedByTimerRunDoesNotCutNextDelay(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	const delay = 200 * time.Millisecond
	parked := make(chan struct{})
	runs := make(chan time.Time, 3)
	var n int
	task := p.NewTask("timed", RunnerFunc(func(tk *Task) Result {
		ev := tk.GetEvents()
		n++
		switch n {
		case 1:
			close(parked)
			return RetryAfter(time.Millisecond)
		case 2:
			assert.True(t, ev.Has(EventWrite))
			runs <- time.Now()
			return RetryAfter(delay)
		default:
			runs <- time.Now()
			return Terminate()
		}
	}))
	busy := make(chan struct{})
	blocker := p.NewTask("blocker", RunnerFunc(func(t *Task) Result {
		t.GetEvents()
		close(busy)
		time.Sleep(50 * time.Millisecond)
		return Terminate()
	}))

	task.Signal(EventStart)
	<-parked
	blocker.Signal(EventStart)
	<-busy
	// the timer is due before the worker frees up, so this signal is
	// consumed by the timer run and its wake-up request goes stale
	task.Signal(EventWrite)

	var second, third time.Time
	for i, at := range []*time.Time{&second, &third} {
		select {
		case *at = <-runs:
		case <-time.After(2 * time.Second):
			t.Fatalf("run %d never happened", i+2)
		}
	}
	assert.GreaterOrEqual(t, third.Sub(second), delay)
}

func TestTerminate_IgnoresLaterSignals(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	var runs atomic.Int32
	task := p.NewTask("once", RunnerFunc(func(t *Task) Result {
		t.GetEvents()
		runs.Add(1)
		return Terminate()
	}))
	task.Signal(EventStart)
	require.Eventually(t, func() bool { return !task.Alive() }, time.Second, time.Millisecond)

	task.Signal(EventRead)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())
	assert.Equal(t, int64(0), p.Stats()["live_tasks"])
}

func TestPinToCurrentWorker(t *testing.T) {
	p := NewWorkerPool(4)
	defer p.Shutdown()

	type run struct {
		worker int
		at     time.Time
	}
	runs := make(chan run, 8)
	var n int
	task := p.NewTask("pinned", RunnerFunc(func(t *Task) Result {
		t.GetEvents()
		n++
		runs <- run{worker: t.WorkerID(), at: time.Now()}
		if n == 5 {
			return Terminate()
		}
		t.PinToCurrentWorker()
		return Idle()
	}))
	task.Signal(EventStart)

	var got []run
	for len(got) < 5 {
		select {
		case r := <-runs:
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d runs", len(got))
		}
	}
	for i := 1; i < len(got); i++ {
		assert.Equal(t, got[0].worker, got[i].worker, "pinned task moved workers")
		assert.GreaterOrEqual(t, got[i].at.Sub(got[i-1].at), MinPinnedDelay)
	}
}

func TestPinOutsideRunPanics(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()
	task := p.NewTask("x", RunnerFunc(func(*Task) Result { return Terminate() }))
	assert.Panics(t, task.PinToCurrentWorker)
}

func TestRequestExclusive_ExcludesReaders(t *testing.T) {
	p := NewWorkerPool(4)
	defer p.Shutdown()

	var readers, violations atomic.Int32
	var exclusiveRunning atomic.Bool
	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		task := p.NewTask("reader", RunnerFunc(func(t *Task) Result {
			t.GetEvents()
			select {
			case <-stop:
				return Terminate()
			default:
			}
			readers.Add(1)
			if exclusiveRunning.Load() {
				violations.Add(1)
			}
			time.Sleep(200 * time.Microsecond)
			readers.Add(-1)
			return RetryAfter(time.Millisecond)
		}))
		task.Signal(EventStart)
	}

	wg.Add(1)
	var exclusiveRuns int
	writer := p.NewTask("writer", RunnerFunc(func(t *Task) Result {
		t.GetEvents()
		exclusiveRunning.Store(true)
		if readers.Load() != 0 {
			violations.Add(1)
		}
		time.Sleep(2 * time.Millisecond)
		exclusiveRunning.Store(false)
		exclusiveRuns++
		if exclusiveRuns == 5 {
			wg.Done()
			return Terminate()
		}
		t.RequestExclusive()
		return RetryAfter(time.Millisecond)
	}))
	writer.RequestExclusive()
	writer.Signal(EventStart)

	wg.Wait()
	close(stop)
	assert.Zero(t, violations.Load())
}

func TestPanickingTaskIsTerminated(t *testing.T) {
	p := NewWorkerPool(1)
	defer p.Shutdown()

	task := p.NewTask("boom", RunnerFunc(func(t *Task) Result {
		t.GetEvents()
		panic("boom")
	}))
	task.Signal(EventStart)

	require.Eventually(t, func() bool { return !task.Alive() }, time.Second, time.Millisecond)
	assert.Equal(t, int64(1), p.Stats()["panics"])

	// the worker survives
	ran := make(chan struct{})
	p.NewTask("after", RunnerFunc(func(t *Task) Result {
		close(ran)
		return Terminate()
	})).Signal(EventStart)
	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("worker died with the panicking task")
	}
}

func TestWorkerPool_DefaultsAndShutdown(t *testing.T) {
	defer leaktest.Check(t)()

	p := NewWorkerPool(0)
	assert.Positive(t, p.NumWorkers())

	// a parked task must not hold shutdown up
	p.NewTask("parked", RunnerFunc(func(t *Task) Result {
		t.GetEvents()
		return RetryAfter(time.Hour)
	})).Signal(EventStart)
	time.Sleep(10 * time.Millisecond)

	p.Shutdown()
	p.Shutdown()
}
