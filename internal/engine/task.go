package engine

import (
	"sync/atomic"
	"time"
)

// Stride-scheduling constants. A task's stride is Stride1 / tickets, so
// more tickets mean a smaller stride and a larger share of dispatches.
const (
	Stride1        = 1 << 16
	DefaultTickets = 256
	MaxTickets     = 65535
)

// TaskHook is a task's work function. It returns whether any work was
// done; a hook that did work and wants to keep running calls
// FastReschedule before returning, otherwise the task leaves the
// runqueue until something (usually a notifier) schedules it again.
type TaskHook func() bool

// Task is a cooperative runnable owned by an element. A task lives on
// at most one worker's runqueue at a time; the queue is kept sorted by
// pass, which advances by stride each dispatch.
//
// The list links and onQueue flag are guarded by the home worker's task
// lock. Schedule and Unschedule may be called from any goroutine.
type Task struct {
	hook  TaskHook
	owner Element

	worker  *Worker
	tickets int
	stride  int64
	pass    int64

	prev, next *Task
	onQueue    bool

	initialized    bool
	startScheduled bool

	// signal is the optional wakeup dependency the owning element
	// listens on; kept here for introspection via the tasks handler.
	signal Signal

	dispatches atomic.Uint64
	cycles     atomic.Int64 // cumulative hook nanoseconds
}

func NewTask(hook TaskHook) *Task {
	t := &Task{hook: hook}
	t.setTickets(DefaultTickets)
	return t
}

// Initialize attaches the task to its owner's router and home worker.
// When schedule is set the task enters the runqueue as soon as the
// router starts running (immediately, if it already is).
func (t *Task) Initialize(owner Element, schedule bool) {
	b := owner.base()
	t.owner = owner
	t.worker = b.router.master.workerFor(b.homeThread)
	t.initialized = true
	b.router.registerTask(t)

	if schedule {
		if b.router.State() == RouterRunning {
			t.Schedule()
		} else {
			t.startScheduled = true
		}
	}
}

func (t *Task) Owner() Element { return t.owner }

// HomeWorker returns the id of the worker whose runqueue the task uses.
func (t *Task) HomeWorker() int {
	if t.worker == nil {
		return -1
	}
	return t.worker.id
}

func (t *Task) setTickets(n int) {
	if n < 1 {
		n = 1
	}
	if n > MaxTickets {
		n = MaxTickets
	}
	t.tickets = n
	t.stride = Stride1 / int64(n)
}

// SetTickets adjusts the task's fair share. Call before Initialize or
// from the task's own hook; tickets are not synchronized otherwise.
func (t *Task) SetTickets(n int) { t.setTickets(n) }

func (t *Task) Tickets() int { return t.tickets }

// SetSignal records the signal whose activation wakes this task.
func (t *Task) SetSignal(s Signal) { t.signal = s }

func (t *Task) Dispatches() uint64 { return t.dispatches.Load() }

// Cycles returns cumulative time spent in the hook.
func (t *Task) Cycles() time.Duration {
	return time.Duration(t.cycles.Load())
}

// Scheduled reports whether the task is currently on a runqueue.
func (t *Task) Scheduled() bool {
	if t.worker == nil {
		return false
	}
	t.worker.mut.Lock()
	defer t.worker.mut.Unlock()
	return t.onQueue
}

// Schedule puts the task on its home worker's runqueue and wakes the
// worker. Idempotent; safe from any goroutine, including notifier
// activations on other workers.
func (t *Task) Schedule() {
	if !t.initialized {
		return
	}
	w := t.worker

	w.mut.Lock()
	if !t.onQueue {
		// a task that slept must not replay its missed share
		if t.pass < w.basePass {
			t.pass = w.basePass
		}
		w.enqueueLocked(t)
	}
	w.mut.Unlock()

	w.wakeup()
}

// FastReschedule requeues the task from inside its own hook. The pass
// was advanced before the hook ran, so the task lands behind its peers.
func (t *Task) FastReschedule() {
	if !t.initialized {
		return
	}
	w := t.worker

	w.mut.Lock()
	if !t.onQueue {
		w.enqueueLocked(t)
	}
	w.mut.Unlock()
}

// Unschedule removes the task from its runqueue. After it returns on
// the task's home thread, the task is not on any runqueue.
func (t *Task) Unschedule() {
	if !t.initialized {
		return
	}
	w := t.worker

	w.mut.Lock()
	if t.onQueue {
		w.dequeueLocked(t)
	}
	w.mut.Unlock()
}

// MoveThread migrates the task to another worker's runqueue, keeping it
// scheduled if it was. Used by load-balancing elements.
func (t *Task) MoveThread(id int) {
	if !t.initialized {
		return
	}
	target := t.worker.master.workerFor(id)
	if target == t.worker {
		return
	}

	old := t.worker
	old.mut.Lock()
	wasScheduled := t.onQueue
	if wasScheduled {
		old.dequeueLocked(t)
	}
	t.worker = target
	old.mut.Unlock()

	if wasScheduled {
		// hop through the pending queue; never into a foreign runqueue
		target.addPending(t, PendingSchedule)
	}
}

// AddPending queues a deferred operation on the task's home worker. It
// is the only safe entry point from driver callback contexts.
func (t *Task) AddPending(op PendingOp) {
	if !t.initialized {
		return
	}
	t.worker.addPending(t, op)
}

// PendingOp selects what a deferred task operation does when the home
// worker drains its pending queue.
type PendingOp uint8

const (
	PendingSchedule PendingOp = iota + 1
	PendingUnschedule
	PendingDie
)

// router returns the router owning this task, nil before Initialize.
func (t *Task) router() *Router {
	if t.owner == nil {
		return nil
	}
	return t.owner.base().router
}
