package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/flume/internal/errh"
)

// Master owns the worker threads and the installed routers. It is an
// explicit object: construct one, Run it, and pass it to everything
// that needs scheduling. There is no process-wide instance.
type Master struct {
	log *slog.Logger
	cfg Config

	workers []*Worker

	mut            sync.Mutex
	pauseCond      *sync.Cond
	unpauseCond    *sync.Cond
	pauseCount     int
	pausedWorkers  int
	runningWorkers int
	stopping       bool
	routers        []*Router
	cancel         context.CancelFunc

	pauseFlag      atomic.Int32
	signalsPending atomic.Bool
	signalHook     func()
}

type MasterOpts struct {
	Config Config
	Log    *slog.Logger
}

func NewMaster(opts MasterOpts) *Master {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}

	m := &Master{
		log: opts.Log.With("component", "master"),
		cfg: opts.Config.withDefaults(),
	}
	m.pauseCond = sync.NewCond(&m.mut)
	m.unpauseCond = sync.NewCond(&m.mut)

	m.workers = make([]*Worker, m.cfg.Workers)
	for i := range m.workers {
		m.workers[i] = newWorker(i, m)
	}

	return m
}

func (m *Master) NWorkers() int { return len(m.workers) }

func (m *Master) Worker(id int) *Worker { return m.workers[id] }

// workerFor maps a home thread id onto a worker, clamping out-of-range
// ids to worker 0.
func (m *Master) workerFor(id int) *Worker {
	if id < 0 || id >= len(m.workers) {
		return m.workers[0]
	}
	return m.workers[id]
}

// Run spawns the worker threads and blocks until ctx is cancelled or
// Stop is called. It returns the first worker error, if any.
func (m *Master) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m.mut.Lock()
	m.cancel = cancel
	m.mut.Unlock()

	eg, ctx := errgroup.WithContext(ctx)
	for _, w := range m.workers {
		w := w
		eg.Go(func() error {
			m.mut.Lock()
			m.runningWorkers++
			m.mut.Unlock()

			defer func() {
				m.mut.Lock()
				m.runningWorkers--
				// a pauser must not wait for an exited worker
				m.pauseCond.Broadcast()
				m.mut.Unlock()
			}()

			return w.Run(ctx)
		})
	}

	<-ctx.Done()

	m.mut.Lock()
	m.stopping = true
	m.pauseCond.Broadcast()
	m.unpauseCond.Broadcast()
	m.mut.Unlock()
	for _, w := range m.workers {
		w.wakeup()
	}

	err := eg.Wait()

	m.mut.Lock()
	routers := append([]*Router(nil), m.routers...)
	m.routers = nil
	m.mut.Unlock()
	for _, r := range routers {
		r.kill()
	}

	m.log.Info("master stopped")
	return err
}

// Stop requests shutdown; Run unblocks, drains, and tears down the
// installed routers.
func (m *Master) Stop() {
	m.mut.Lock()
	cancel := m.cancel
	m.mut.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Pause quiesces every worker: it returns once all running workers have
// parked at a safe point, after their current task or timer body. Pause
// nests; each Pause needs a matching Unpause. It must not be called
// from a worker thread.
func (m *Master) Pause() {
	m.mut.Lock()
	m.pauseCount++
	m.pauseFlag.Store(1)
	for _, w := range m.workers {
		w.wakeup()
	}
	for m.pausedWorkers < m.runningWorkers && !m.stopping {
		m.pauseCond.Wait()
	}
	m.mut.Unlock()
}

func (m *Master) Unpause() {
	m.mut.Lock()
	if m.pauseCount > 0 {
		m.pauseCount--
	}
	if m.pauseCount == 0 {
		m.pauseFlag.Store(0)
		m.unpauseCond.Broadcast()
	}
	m.mut.Unlock()
}

// quiescePoint is called by workers at the top of each loop iteration.
func (m *Master) quiescePoint(w *Worker) {
	if m.pauseFlag.Load() == 0 {
		return
	}

	m.mut.Lock()
	for m.pauseCount > 0 && !m.stopping {
		m.pausedWorkers++
		m.pauseCond.Broadcast()
		m.unpauseCond.Wait()
		m.pausedWorkers--
	}
	m.mut.Unlock()
}

// InstallRouter puts an initialized router into service: its tasks
// start running on the workers.
func (m *Master) InstallRouter(r *Router) error {
	if r.State() != RouterInitialized {
		return fmt.Errorf("cannot install router in state %s", r.State())
	}

	m.mut.Lock()
	m.routers = append(m.routers, r)
	m.mut.Unlock()

	r.activate()
	r.log.Info("router installed")
	return nil
}

// KillRouter quiesces the workers, tears the router down and removes
// it from the master's list.
func (m *Master) KillRouter(r *Router) {
	m.Pause()
	defer m.Unpause()

	r.kill()
	m.removeRouter(r)
}

func (m *Master) removeRouter(r *Router) {
	m.mut.Lock()
	defer m.mut.Unlock()

	for i, installed := range m.routers {
		if installed == r {
			m.routers = append(m.routers[:i], m.routers[i+1:]...)
			return
		}
	}
}

// Routers returns the currently installed routers.
func (m *Master) Routers() []*Router {
	m.mut.Lock()
	defer m.mut.Unlock()
	return append([]*Router(nil), m.routers...)
}

// Hotswap atomically replaces oldR with newR: workers quiesce, elements
// of newR adopt state from same-named same-class elements of oldR, oldR
// dies and newR starts. In-flight packets finish before the swap since
// workers park only between task bodies.
func (m *Master) Hotswap(oldR, newR *Router, eh *errh.ErrorHandler) error {
	if newR.State() != RouterInitialized {
		return eh.Errorf("cannot hotswap to router in state %s", newR.State())
	}

	m.Pause()
	defer m.Unpause()

	for _, e := range newR.elements {
		old, ok := oldR.Element(e.Name())
		if !ok || old.ClassName() != e.ClassName() {
			continue
		}
		e.TakeState(old, eh.Context(e.Name()))
	}

	oldR.kill()
	m.removeRouter(oldR)

	m.mut.Lock()
	m.routers = append(m.routers, newR)
	m.mut.Unlock()
	newR.activate()

	newR.log.Info("hotswap complete", "replaced", oldR.ID.String()[:8])
	return nil
}

// SetSignalHook installs the callback run by whichever worker first
// observes a pending process signal.
func (m *Master) SetSignalHook(hook func()) {
	m.mut.Lock()
	m.signalHook = hook
	m.mut.Unlock()
}

// NotifySignal marks a process-level signal pending. Safe to call from
// a signal-handling goroutine.
func (m *Master) NotifySignal() {
	m.signalsPending.Store(true)
	for _, w := range m.workers {
		w.wakeup()
	}
}

// pollSignals runs the signal hook at a safe point when a signal is
// pending.
func (m *Master) pollSignals() {
	if !m.signalsPending.CompareAndSwap(true, false) {
		return
	}

	m.mut.Lock()
	hook := m.signalHook
	m.mut.Unlock()
	if hook != nil {
		hook()
	}
}
