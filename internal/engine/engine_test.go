package engine

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/prxssh/flume/internal/errh"
	"github.com/prxssh/flume/internal/packet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMaster(t *testing.T, workers int) *Master {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Workers = workers
	return NewMaster(MasterOpts{Config: cfg, Log: testLogger()})
}

// taskElement is a portless element carrying externally-driven tasks.
type taskElement struct {
	Base
}

func (e *taskElement) ClassName() string  { return "TestTask" }
func (e *taskElement) PortCount() string  { return "0/0" }
func (e *taskElement) Processing() string { return "/" }

// pushSource emits packets on demand from test code.
type pushSource struct {
	Base
}

func (e *pushSource) ClassName() string  { return "TestPushSource" }
func (e *pushSource) PortCount() string  { return "0/1" }
func (e *pushSource) Processing() string { return "/h" }

func (e *pushSource) emit(p *packet.Packet) { e.Output(0).Push(p) }

// pullSource serves packets from a backlog when pulled.
type pullSource struct {
	Base
	backlog []*packet.Packet
}

func (e *pullSource) ClassName() string  { return "TestPullSource" }
func (e *pullSource) PortCount() string  { return "0/1" }
func (e *pullSource) Processing() string { return "/l" }

func (e *pullSource) Pull(int) *packet.Packet {
	if len(e.backlog) == 0 {
		return nil
	}
	p := e.backlog[0]
	e.backlog = e.backlog[1:]
	return p
}

// sink records what reaches it, on push or pull paths.
type sink struct {
	Base
	received atomic.Int64
}

func (e *sink) ClassName() string  { return "TestSink" }
func (e *sink) PortCount() string  { return "1/0" }
func (e *sink) Processing() string { return "a/" }

func (e *sink) Push(_ int, p *packet.Packet) {
	e.received.Add(1)
	p.Kill()
}

func (e *sink) demand() *packet.Packet { return e.Input(0).Pull() }

// passThrough is an agnostic 1/1 element using the SimpleAction shims.
type passThrough struct {
	Base
	seen atomic.Int64
}

func (e *passThrough) ClassName() string { return "TestPass" }

func (e *passThrough) SimpleAction(p *packet.Packet) *packet.Packet {
	e.seen.Add(1)
	return p
}

func buildRouter(t *testing.T, m *Master, build func(r *Router)) *Router {
	t.Helper()
	r := m.NewRouter(NewRegistry())
	build(r)
	require.NoError(t, r.Initialize(errh.New(testLogger())))
	return r
}

func TestResolveProcessingPushChain(t *testing.T) {
	m := newTestMaster(t, 1)
	src := &pushSource{}
	mid := &passThrough{}
	snk := &sink{}

	r := buildRouter(t, m, func(r *Router) {
		require.NoError(t, r.AddElementInstance(src, "src"))
		require.NoError(t, r.AddElementInstance(mid, "mid"))
		require.NoError(t, r.AddElementInstance(snk, "snk"))
		require.NoError(t, r.Connect("src", 0, "mid", 0))
		require.NoError(t, r.Connect("mid", 0, "snk", 0))
	})

	// agnostic middle and sink adopt push from the source
	assert.True(t, r.PortIsPush(mid, 0, false))
	assert.True(t, r.PortIsPush(mid, 0, true))
	assert.True(t, r.PortIsPush(snk, 0, false))

	p := packet.Make(0, []byte{1, 2, 3}, 0, 0)
	require.NotNil(t, p)
	src.emit(p)
	assert.Equal(t, int64(1), mid.seen.Load())
	assert.Equal(t, int64(1), snk.received.Load())
}

func TestResolveProcessingPullChain(t *testing.T) {
	m := newTestMaster(t, 1)
	src := &pullSource{}
	mid := &passThrough{}
	snk := &sink{}

	r := buildRouter(t, m, func(r *Router) {
		require.NoError(t, r.AddElementInstance(src, "src"))
		require.NoError(t, r.AddElementInstance(mid, "mid"))
		require.NoError(t, r.AddElementInstance(snk, "snk"))
		require.NoError(t, r.Connect("src", 0, "mid", 0))
		require.NoError(t, r.Connect("mid", 0, "snk", 0))
	})

	assert.False(t, r.PortIsPush(mid, 0, false))
	assert.False(t, r.PortIsPush(snk, 0, false))

	src.backlog = append(src.backlog,
		packet.Make(0, []byte{1}, 0, 0), packet.Make(0, []byte{2}, 0, 0))

	p := snk.demand()
	require.NotNil(t, p)
	p.Kill()
	assert.Equal(t, int64(1), mid.seen.Load())

	p = snk.demand()
	require.NotNil(t, p)
	p.Kill()
	assert.Nil(t, snk.demand())
	assert.Equal(t, int64(2), mid.seen.Load())
}

func TestProcessingConflict(t *testing.T) {
	m := newTestMaster(t, 1)
	r := m.NewRouter(NewRegistry())
	require.NoError(t, r.AddElementInstance(&pushSource{}, "src"))
	require.NoError(t, r.AddElementInstance(&pullSource{}, "mid"))
	// one agnostic sink input fed by both a push output and a pull
	// output cannot resolve to a single orientation
	require.NoError(t, r.AddElementInstance(&sink{}, "snk"))
	require.NoError(t, r.Connect("src", 0, "snk", 0))
	require.NoError(t, r.Connect("mid", 0, "snk", 0))

	eh := errh.New(testLogger())
	err := r.Initialize(eh)
	require.Error(t, err)
	assert.Contains(t, eh.Messages(), "processing conflict")
	assert.Equal(t, RouterDead, r.State())
}

func TestHookupValidation(t *testing.T) {
	t.Run("unconnected port", func(t *testing.T) {
		m := newTestMaster(t, 1)
		r := m.NewRouter(NewRegistry())
		require.NoError(t, r.AddElementInstance(&pushSource{}, "src"))

		eh := errh.New(testLogger())
		require.Error(t, r.Initialize(eh))
		assert.Contains(t, eh.Messages(), "has 0 output ports, needs 1")
	})

	t.Run("duplicate connection", func(t *testing.T) {
		m := newTestMaster(t, 1)
		r := m.NewRouter(NewRegistry())
		require.NoError(t, r.AddElementInstance(&pushSource{}, "src"))
		require.NoError(t, r.AddElementInstance(&sink{}, "snk"))
		require.NoError(t, r.Connect("src", 0, "snk", 0))
		err := r.Connect("src", 0, "snk", 0)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate connection")
	})

	t.Run("port gap", func(t *testing.T) {
		m := newTestMaster(t, 1)
		r := m.NewRouter(NewRegistry())
		require.NoError(t, r.AddElementInstance(&pushSource{}, "src"))
		require.NoError(t, r.AddElementInstance(&taskElement{}, "tee"))
		require.NoError(t, r.AddElementInstance(&sink{}, "snk"))
		// input 1 used, input 0 never connected
		require.NoError(t, r.Connect("src", 0, "tee", 1))
		require.NoError(t, r.Connect("tee", 0, "snk", 0))

		eh := errh.New(testLogger())
		require.Error(t, r.Initialize(eh))
		assert.Contains(t, eh.Messages(), "input port 0 not connected")
	})
}

func TestStrideFairness(t *testing.T) {
	m := newTestMaster(t, 1)
	elt := &taskElement{}
	r := buildRouter(t, m, func(r *Router) {
		require.NoError(t, r.AddElementInstance(elt, "tasks"))
	})
	require.NoError(t, m.InstallRouter(r))

	var countA, countB int
	var taskA, taskB *Task
	taskA = NewTask(func() bool {
		countA++
		taskA.FastReschedule()
		return true
	})
	taskB = NewTask(func() bool {
		countB++
		taskB.FastReschedule()
		return true
	})
	taskA.SetTickets(100)
	taskB.SetTickets(300)
	taskA.Initialize(elt, false)
	taskB.Initialize(elt, false)
	taskA.Schedule()
	taskB.Schedule()

	w := m.Worker(0)
	for i := 0; i < 400; i++ {
		task := w.nextTask()
		require.NotNil(t, task)
		w.runTask(task)
	}

	assert.InDelta(t, 100, countA, 2, "A(100 tickets) share")
	assert.InDelta(t, 300, countB, 2, "B(300 tickets) share")
	assert.Equal(t, 400, countA+countB)
}

func TestTaskUnscheduleRemovesFromQueue(t *testing.T) {
	m := newTestMaster(t, 1)
	elt := &taskElement{}
	r := buildRouter(t, m, func(r *Router) {
		require.NoError(t, r.AddElementInstance(elt, "tasks"))
	})
	require.NoError(t, m.InstallRouter(r))

	task := NewTask(func() bool { return false })
	task.Initialize(elt, false)

	task.Schedule()
	assert.True(t, task.Scheduled())
	task.Schedule() // idempotent
	assert.True(t, task.Scheduled())

	task.Unschedule()
	assert.False(t, task.Scheduled())
	assert.Nil(t, m.Worker(0).nextTask())
}

func TestTaskMoveThread(t *testing.T) {
	m := newTestMaster(t, 2)
	elt := &taskElement{}
	r := buildRouter(t, m, func(r *Router) {
		require.NoError(t, r.AddElementInstance(elt, "tasks"))
	})
	require.NoError(t, m.InstallRouter(r))

	task := NewTask(func() bool { return false })
	task.Initialize(elt, false)
	task.Schedule()
	require.Equal(t, 0, task.HomeWorker())

	task.MoveThread(1)
	assert.Equal(t, 1, task.HomeWorker())

	// the move parked the schedule on worker 1's pending queue
	m.Worker(1).drainPending()
	assert.True(t, task.Scheduled())
	assert.NotNil(t, m.Worker(1).nextTask())
	assert.Nil(t, m.Worker(0).nextTask())
}

func TestNotifierWakesListeners(t *testing.T) {
	m := newTestMaster(t, 1)
	elt := &taskElement{}
	r := buildRouter(t, m, func(r *Router) {
		require.NoError(t, r.AddElementInstance(elt, "tasks"))
	})
	require.NoError(t, m.InstallRouter(r))

	task := NewTask(func() bool { return false })
	task.Initialize(elt, false)

	n := NewNotifier(false)
	n.AddListener(task)
	require.False(t, task.Scheduled())

	n.SetActive(true)
	assert.True(t, task.Scheduled())
	assert.True(t, n.Active())

	// active -> active does not reschedule
	task.Unschedule()
	n.SetActive(true)
	assert.False(t, task.Scheduled())

	n.SetActive(false)
	n.SetActive(true)
	assert.True(t, task.Scheduled())
}

func TestOrSignals(t *testing.T) {
	a := NewNotifier(false)
	b := NewNotifier(false)
	or := OrSignals(a, b)

	assert.False(t, or.Active())
	b.SetActive(true)
	assert.True(t, or.Active())
	b.SetActive(false)
	assert.False(t, or.Active())

	assert.True(t, OrSignals().Active())
	assert.Same(t, Signal(a), OrSignals(a))
}

func TestTimerHeapProperty(t *testing.T) {
	m := newTestMaster(t, 1)
	elt := &taskElement{}
	r := buildRouter(t, m, func(r *Router) {
		require.NoError(t, r.AddElementInstance(elt, "tasks"))
	})
	require.NoError(t, m.InstallRouter(r))

	w := m.Worker(0)
	base := time.Now().Add(time.Hour)
	timers := make([]*Timer, 0, 50)
	for i := 0; i < 50; i++ {
		tm := NewTimer(func(*Timer) {})
		tm.Initialize(elt)
		// a scattering of deadlines, including duplicates
		tm.ScheduleAt(base.Add(time.Duration((i*37)%17) * time.Second))
		timers = append(timers, tm)
	}

	verify := func() {
		w.timerMut.Lock()
		defer w.timerMut.Unlock()
		for i := 1; i < len(w.timers); i++ {
			parent := (i - 1) / timerHeapArity
			assert.False(t, w.timers[i].expiry.Before(w.timers[parent].expiry),
				"heap property violated at slot %d", i)
			assert.Equal(t, i+1, w.timers[i].schedpos)
		}
	}
	verify()

	// random-ish removals and reschedules keep the invariant
	for i := 0; i < 50; i += 3 {
		timers[i].Unschedule()
		assert.False(t, timers[i].Scheduled())
	}
	verify()
	for i := 0; i < 50; i += 5 {
		timers[i].ScheduleAt(base.Add(time.Duration(i) * time.Millisecond))
	}
	verify()
}

func TestTimerFiresOnSteadyClock(t *testing.T) {
	m := newTestMaster(t, 1)
	elt := &taskElement{}
	r := buildRouter(t, m, func(r *Router) {
		require.NoError(t, r.AddElementInstance(elt, "tasks"))
	})
	require.NoError(t, m.InstallRouter(r))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	var fires atomic.Int32
	var firedAt atomic.Int64
	tm := NewTimer(func(*Timer) {
		fires.Add(1)
		firedAt.Store(time.Now().UnixNano())
	})
	tm.Initialize(elt)

	start := time.Now()
	tm.ScheduleAt(start.Add(100 * time.Millisecond))

	time.Sleep(300 * time.Millisecond)

	require.Equal(t, int32(1), fires.Load(), "timer must fire exactly once")
	lag := time.Duration(firedAt.Load() - start.Add(100*time.Millisecond).UnixNano())
	assert.Less(t, lag.Abs(), 100*time.Millisecond,
		"fired %s from its deadline", lag)

	cancel()
	<-done
}

func TestTimerReschedulesItself(t *testing.T) {
	m := newTestMaster(t, 1)
	elt := &taskElement{}
	r := buildRouter(t, m, func(r *Router) {
		require.NoError(t, r.AddElementInstance(elt, "tasks"))
	})
	require.NoError(t, m.InstallRouter(r))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	var fires atomic.Int32
	var tm *Timer
	tm = NewTimer(func(*Timer) {
		if fires.Add(1) < 3 {
			tm.ScheduleAfter(10 * time.Millisecond)
		}
	})
	tm.Initialize(elt)
	tm.ScheduleAfter(10 * time.Millisecond)

	require.Eventually(t, func() bool { return fires.Load() == 3 },
		2*time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestHandlerRegistryBasics(t *testing.T) {
	m := newTestMaster(t, 1)
	elt := &passThrough{}
	snk := &sink{}
	src := &pushSource{}
	r := buildRouter(t, m, func(r *Router) {
		require.NoError(t, r.AddElementInstance(src, "src"))
		require.NoError(t, r.AddElementInstance(elt, "mid"))
		require.NoError(t, r.AddElementInstance(snk, "snk"))
		require.NoError(t, r.Connect("src", 0, "mid", 0))
		require.NoError(t, r.Connect("mid", 0, "snk", 0))
	})

	eh := errh.New(testLogger())

	t.Run("builtins", func(t *testing.T) {
		out, err := r.ReadHandler("mid.class", eh)
		require.NoError(t, err)
		assert.Equal(t, "TestPass", out)

		out, err = r.ReadHandler("mid.name", eh)
		require.NoError(t, err)
		assert.Equal(t, "mid", out)

		out, err = r.ReadHandler("mid.handlers", eh)
		require.NoError(t, err)
		assert.Contains(t, out, "class\tr")

		out, err = r.ReadHandler("mid.ports", eh)
		require.NoError(t, err)
		assert.Contains(t, out, "1 input")
		assert.Contains(t, out, "push")
	})

	t.Run("globals", func(t *testing.T) {
		out, err := r.ReadHandler("list", eh)
		require.NoError(t, err)
		assert.Equal(t, "mid\nsnk\nsrc", out)
	})

	t.Run("data handlers", func(t *testing.T) {
		var knob int64 = 42
		r.AddDataHandlers(elt, "knob", DataRead|DataWrite, &knob)

		out, err := r.ReadHandler("mid.knob", eh)
		require.NoError(t, err)
		assert.Equal(t, "42", out)

		require.NoError(t, r.WriteHandler("mid.knob", "7", eh))
		assert.Equal(t, int64(7), knob)
	})

	t.Run("round trip leaves state unchanged", func(t *testing.T) {
		var knob int64 = 13
		r.AddDataHandlers(elt, "dial", DataRead|DataWrite, &knob)

		out, err := r.ReadHandler("mid.dial", eh)
		require.NoError(t, err)
		require.NoError(t, r.WriteHandler("mid.dial", out, eh))
		after, err := r.ReadHandler("mid.dial", eh)
		require.NoError(t, err)
		assert.Equal(t, out, after)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := r.ReadHandler("mid.nonesuch", eh)
		require.Error(t, err)
		_, err = r.ReadHandler("ghost.count", eh)
		require.Error(t, err)
	})

	t.Run("write to read-only", func(t *testing.T) {
		require.Error(t, r.WriteHandler("mid.class", "x", eh))
	})
}

func TestMasterPauseQuiescesWorkers(t *testing.T) {
	m := newTestMaster(t, 2)
	elt := &taskElement{}
	r := buildRouter(t, m, func(r *Router) {
		require.NoError(t, r.AddElementInstance(elt, "tasks"))
	})
	require.NoError(t, m.InstallRouter(r))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	var spins atomic.Int64
	var task *Task
	task = NewTask(func() bool {
		spins.Add(1)
		task.FastReschedule()
		return true
	})
	task.Initialize(elt, false)
	task.Schedule()

	require.Eventually(t, func() bool { return spins.Load() > 0 },
		2*time.Second, time.Millisecond)

	m.Pause()
	during := spins.Load()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, during, spins.Load(), "no dispatches while paused")
	m.Unpause()

	require.Eventually(t, func() bool { return spins.Load() > during },
		2*time.Second, time.Millisecond)

	cancel()
	<-done
}
