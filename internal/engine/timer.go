package engine

import "time"

// TimerHook is invoked when the timer's deadline passes. It runs on the
// timer's home worker, between task bodies, and may reschedule the
// timer.
type TimerHook func(t *Timer)

// Timer is a deadline object on the steady clock. Expiries are
// time.Time values from time.Now, whose monotonic reading makes the
// comparison immune to wall-clock steps.
//
// schedpos is guarded by the home worker's timer lock: 0 means
// unscheduled, k > 0 means heap slot k-1, and a negative value marks a
// timer pulled out mid-burst and about to fire.
type Timer struct {
	hook     TimerHook
	owner    Element
	worker   *Worker
	expiry   time.Time
	schedpos int
}

func NewTimer(hook TimerHook) *Timer {
	return &Timer{hook: hook}
}

// Initialize attaches the timer to its owner's router and home worker.
func (t *Timer) Initialize(owner Element) {
	b := owner.base()
	t.owner = owner
	t.worker = b.router.master.workerFor(b.homeThread)
	b.router.registerTimer(t)
}

func (t *Timer) Owner() Element { return t.owner }

// Expiry returns the scheduled deadline; meaningful only while
// Scheduled.
func (t *Timer) Expiry() time.Time { return t.expiry }

func (t *Timer) Scheduled() bool {
	if t.worker == nil {
		return false
	}
	t.worker.timerMut.Lock()
	defer t.worker.timerMut.Unlock()
	return t.schedpos != 0
}

// ScheduleAt (re)schedules the timer for ts.
func (t *Timer) ScheduleAt(ts time.Time) {
	if t.worker == nil {
		return
	}
	w := t.worker

	w.timerMut.Lock()
	t.expiry = ts
	switch {
	case t.schedpos > 0:
		w.timerSiftUpdateLocked(t.schedpos - 1)
	default:
		t.schedpos = 0
		w.timerPushLocked(t)
	}
	earliest := w.timers[0] == t
	w.timerMut.Unlock()

	if earliest {
		// the worker may be sleeping past the new deadline
		w.wakeup()
	}
}

// ScheduleAfter schedules the timer d from now.
func (t *Timer) ScheduleAfter(d time.Duration) {
	t.ScheduleAt(time.Now().Add(d))
}

// Unschedule removes the timer from its heap if present.
func (t *Timer) Unschedule() {
	if t.worker == nil {
		return
	}
	w := t.worker

	w.timerMut.Lock()
	if t.schedpos > 0 {
		w.timerRemoveLocked(t.schedpos - 1)
	}
	t.schedpos = 0
	w.timerMut.Unlock()
}

// The per-worker timer heap is a 4-ary min-heap on expiry. Each timer
// tracks its slot (+1) so removal and reschedule are O(log n) without a
// search.

const timerHeapArity = 4

func (w *Worker) timerPushLocked(t *Timer) {
	w.timers = append(w.timers, t)
	i := len(w.timers) - 1
	t.schedpos = i + 1
	w.timerSiftUpLocked(i)
}

func (w *Worker) timerRemoveLocked(i int) {
	last := len(w.timers) - 1
	w.timers[i].schedpos = 0
	if i != last {
		w.timers[i] = w.timers[last]
		w.timers[i].schedpos = i + 1
	}
	w.timers[last] = nil
	w.timers = w.timers[:last]
	if i < len(w.timers) {
		w.timerSiftUpdateLocked(i)
	}
}

// timerSiftUpdateLocked restores the heap around slot i after its
// expiry changed.
func (w *Worker) timerSiftUpdateLocked(i int) {
	if !w.timerSiftDownLocked(i) {
		w.timerSiftUpLocked(i)
	}
}

func (w *Worker) timerSiftUpLocked(i int) {
	for i > 0 {
		parent := (i - 1) / timerHeapArity
		if !w.timers[i].expiry.Before(w.timers[parent].expiry) {
			break
		}
		w.timerSwapLocked(i, parent)
		i = parent
	}
}

func (w *Worker) timerSiftDownLocked(i int) bool {
	moved := false
	for {
		smallest := i
		first := timerHeapArity*i + 1
		for c := first; c < first+timerHeapArity && c < len(w.timers); c++ {
			if w.timers[c].expiry.Before(w.timers[smallest].expiry) {
				smallest = c
			}
		}
		if smallest == i {
			return moved
		}
		w.timerSwapLocked(i, smallest)
		i = smallest
		moved = true
	}
}

func (w *Worker) timerSwapLocked(i, j int) {
	w.timers[i], w.timers[j] = w.timers[j], w.timers[i]
	w.timers[i].schedpos = i + 1
	w.timers[j].schedpos = j + 1
}

// runTimers fires expired timers, at most burst of them, so a loaded
// heap cannot starve tasks. If the burst is exhausted with timers still
// expired, the remaining expired timers are drained into a local batch,
// marked with a negative schedpos sentinel, and fired together.
func (w *Worker) runTimers(now time.Time) {
	burst := w.master.cfg.TimerBurst
	behindWarn := w.master.cfg.TimerBehindWarn
	fired := 0

	for fired < burst {
		w.timerMut.Lock()
		if len(w.timers) == 0 || w.timers[0].expiry.After(now) {
			w.timerMut.Unlock()
			break
		}
		t := w.timers[0]
		w.timerRemoveLocked(0)
		w.timerMut.Unlock()

		w.fireTimer(t, now, behindWarn)
		fired++
	}

	if fired < burst {
		w.adjustTimerStride(fired)
		return
	}

	// burst exhausted; drain every still-expired timer in one sweep
	w.timerMut.Lock()
	var batch []*Timer
	for len(w.timers) > 0 && !w.timers[0].expiry.After(now) {
		t := w.timers[0]
		w.timerRemoveLocked(0)
		t.schedpos = -1
		batch = append(batch, t)
	}
	w.timerMut.Unlock()

	for _, t := range batch {
		w.timerMut.Lock()
		skip := t.schedpos != -1 // rescheduled or killed while waiting
		if !skip {
			t.schedpos = 0
		}
		w.timerMut.Unlock()
		if skip {
			continue
		}
		w.fireTimer(t, now, behindWarn)
	}
	w.adjustTimerStride(fired + len(batch))
}

func (w *Worker) fireTimer(t *Timer, now time.Time, behindWarn time.Duration) {
	if r := timerRouter(t); r != nil && r.State() != RouterRunning {
		return
	}
	if lag := now.Sub(t.expiry); lag > behindWarn {
		w.behindTimers++
		if w.behindTimers <= timerBehindWarnLimit {
			w.log.Warn("timer far behind schedule",
				"lag", lag, "element", timerOwnerName(t))
		}
	}

	w.timerFires.Add(1)
	t.hook(t)
}

// adjustTimerStride is the per-worker governor deciding how many task
// dispatches happen between timer inspections: firing at or over the
// burst pulls inspections closer, an empty inspection spaces them out.
func (w *Worker) adjustTimerStride(fired int) {
	switch {
	case fired >= w.master.cfg.TimerBurst:
		w.timerStride = 1
	case fired > 0:
		if w.timerStride > 1 {
			w.timerStride /= 2
		}
	default:
		if w.timerStride < w.master.cfg.MaxTimerStride {
			w.timerStride++
		}
	}
}

const timerBehindWarnLimit = 5

// nextTimerDelay returns the time until the earliest deadline, 0 when a
// timer is already expired, and -1 when the heap is empty.
func (w *Worker) nextTimerDelay(now time.Time) time.Duration {
	w.timerMut.Lock()
	defer w.timerMut.Unlock()

	if len(w.timers) == 0 {
		return -1
	}
	d := w.timers[0].expiry.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func timerRouter(t *Timer) *Router {
	if t.owner == nil {
		return nil
	}
	return t.owner.base().router
}

func timerOwnerName(t *Timer) string {
	if t.owner == nil {
		return ""
	}
	return t.owner.Name()
}
