package engine

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Worker runs tasks and timers on one goroutine (optionally pinned to
// an OS thread). Everything a worker executes is serialized: a push
// chain runs to completion before the next task or timer body starts.
// Cross-thread operations reach a worker only through its task lock,
// its timer lock, or its pending queue; workers never call into each
// other.
type Worker struct {
	id     int
	master *Master
	log    *slog.Logger

	// mut is the task lock guarding the runqueue links and basePass.
	mut      sync.Mutex
	runq     *Task // sentinel of a circular doubly-linked list
	basePass int64

	timerMut sync.Mutex
	timers   []*Timer

	pendingMut sync.Mutex
	pending    []pendingEntry

	wake chan struct{}

	// timer governor state, touched only by the worker goroutine
	timerStride  int
	untilTimers  int
	behindTimers int

	taskDispatches atomic.Uint64
	timerFires     atomic.Uint64
	idleSleeps     atomic.Uint64
}

type pendingEntry struct {
	task *Task
	op   PendingOp
}

func newWorker(id int, m *Master) *Worker {
	sentinel := &Task{}
	sentinel.prev, sentinel.next = sentinel, sentinel

	return &Worker{
		id:          id,
		master:      m,
		log:         m.log.With("worker", id),
		runq:        sentinel,
		wake:        make(chan struct{}, 1),
		timerStride: 1,
	}
}

func (w *Worker) ID() int { return w.id }

// TaskDispatches counts task hook invocations on this worker.
func (w *Worker) TaskDispatches() uint64 { return w.taskDispatches.Load() }

// TimerFires counts timer hook invocations on this worker.
func (w *Worker) TimerFires() uint64 { return w.timerFires.Load() }

// wakeup rings the worker's wake channel; a parked worker resumes, a
// busy one finds the token on its next idle check.
func (w *Worker) wakeup() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// enqueueLocked inserts t keeping the runqueue sorted by pass, FIFO
// among equal passes. Caller holds w.mut.
func (w *Worker) enqueueLocked(t *Task) {
	at := w.runq.prev
	for at != w.runq && at.pass > t.pass {
		at = at.prev
	}
	t.prev, t.next = at, at.next
	at.next.prev = t
	at.next = t
	t.onQueue = true
}

// dequeueLocked unlinks t. Caller holds w.mut.
func (w *Worker) dequeueLocked(t *Task) {
	t.prev.next = t.next
	t.next.prev = t.prev
	t.prev, t.next = nil, nil
	t.onQueue = false
}

func (w *Worker) addPending(t *Task, op PendingOp) {
	w.pendingMut.Lock()
	w.pending = append(w.pending, pendingEntry{task: t, op: op})
	w.pendingMut.Unlock()

	w.wakeup()
}

// drainPending swaps the pending list out wholesale and applies the
// deferred operations on the worker's own goroutine.
func (w *Worker) drainPending() {
	w.pendingMut.Lock()
	if len(w.pending) == 0 {
		w.pendingMut.Unlock()
		return
	}
	batch := w.pending
	w.pending = nil
	w.pendingMut.Unlock()

	for _, entry := range batch {
		switch entry.op {
		case PendingSchedule:
			entry.task.Schedule()
		case PendingUnschedule:
			entry.task.Unschedule()
		case PendingDie:
			entry.task.Unschedule()
			entry.task.initialized = false
		}
	}
}

// nextTask pops the lowest-pass runnable task, dropping tasks whose
// router has stopped.
func (w *Worker) nextTask() *Task {
	for {
		w.mut.Lock()
		head := w.runq.next
		if head == w.runq {
			w.mut.Unlock()
			return nil
		}
		w.dequeueLocked(head)
		w.basePass = head.pass
		head.pass += head.stride
		w.mut.Unlock()

		if r := head.router(); r == nil || r.State() != RouterRunning {
			continue
		}
		return head
	}
}

func (w *Worker) runTask(t *Task) {
	start := time.Now()
	t.hook()
	elapsed := time.Since(start)

	t.dispatches.Add(1)
	t.cycles.Add(int64(elapsed))
	w.taskDispatches.Add(1)
}

// Run is the worker loop. It returns when ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if w.master.cfg.LockOSThread {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
	}

	w.log.Debug("worker started")
	defer w.log.Debug("worker stopped")

	for {
		w.drainPending()

		if ctx.Err() != nil {
			return nil
		}
		w.master.quiescePoint(w)
		w.master.pollSignals()

		if w.untilTimers <= 0 {
			w.runTimers(time.Now())
			w.untilTimers = w.timerStride
		}

		if t := w.nextTask(); t != nil {
			w.runTask(t)
			w.untilTimers--
			continue
		}

		// always inspect timers before deciding the queue is idle
		w.untilTimers = 0
		w.idle(ctx)
	}
}

// idle parks the worker until a wakeup, the next timer deadline, or
// cancellation. Deadlines closer than MinIdleSleep spin instead of
// paying for a park.
func (w *Worker) idle(ctx context.Context) {
	now := time.Now()
	w.runTimers(now)

	w.mut.Lock()
	hasTasks := w.runq.next != w.runq
	w.mut.Unlock()
	if hasTasks {
		return
	}

	delay := w.nextTimerDelay(now)
	if delay == 0 {
		return
	}
	if delay > 0 && delay < w.master.cfg.MinIdleSleep {
		return
	}

	w.idleSleeps.Add(1)

	var deadline <-chan time.Time
	if delay > 0 {
		tm := time.NewTimer(delay)
		defer tm.Stop()
		deadline = tm.C
	}

	select {
	case <-w.wake:
	case <-deadline:
	case <-ctx.Done():
	}
}
