package elements

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/prxssh/flume/internal/engine"
	"github.com/prxssh/flume/internal/errh"
	"github.com/prxssh/flume/pkg/confparse"
)

func init() {
	engine.Register("Unqueue", func() engine.Element { return &Unqueue{} })
	engine.Register("RatedUnqueue", func() engine.Element { return &RatedUnqueue{} })
}

// Unqueue moves packets from a pull path onto a push path: its task
// pulls the input and pushes the result downstream, BURST packets per
// dispatch. The task listens to the upstream empty signal, so an empty
// queue parks it until a push on the queue wakes it.
type Unqueue struct {
	engine.Base

	burst int
	count atomic.Uint64

	task  *engine.Task
	empty engine.Signal
}

func (u *Unqueue) ClassName() string  { return "Unqueue" }
func (u *Unqueue) PortCount() string  { return "1/1" }
func (u *Unqueue) Processing() string { return engine.ProcessingPullPush }

func (u *Unqueue) Configure(args []string, eh *errh.ErrorHandler) error {
	u.burst = 1

	for _, arg := range args {
		key, val, ok := confparse.Keyword(arg)
		if !ok {
			return eh.Errorf("expected keyword argument, got %q", arg)
		}
		switch key {
		case "BURST":
			n, err := confparse.Int(val)
			if err != nil {
				return eh.Errorf("BURST: %v", err)
			}
			if n < 1 {
				return eh.Errorf("BURST must be >= 1")
			}
			u.burst = int(n)
		default:
			return eh.Errorf("unknown keyword %s", key)
		}
	}

	return nil
}

func (u *Unqueue) Initialize(eh *errh.ErrorHandler) error {
	u.task = engine.NewTask(u.run)
	u.task.Initialize(u, true)
	u.empty = u.Router().UpstreamEmptySignal(u, 0, u.task)
	u.task.SetSignal(u.empty)
	return nil
}

func (u *Unqueue) run() bool {
	if !u.empty.Active() {
		// upstream is provably empty; its notifier reschedules us
		return false
	}

	worked := false
	for i := 0; i < u.burst; i++ {
		p := u.Input(0).Pull()
		if p == nil {
			break
		}
		u.count.Add(1)
		u.Output(0).Push(p)
		worked = true
	}

	u.task.FastReschedule()
	return worked
}

func (u *Unqueue) AddHandlers() {
	u.Router().AddDataHandlers(u, "count", engine.DataRead, &u.count)
}

// RatedUnqueue is Unqueue under a token-bucket limit of RATE packets
// per second: the demand side of traffic shaping. While the bucket is
// empty the task parks on a timer rather than polling the queue.
type RatedUnqueue struct {
	engine.Base

	limiter *rate.Limiter
	count   atomic.Uint64

	task  *engine.Task
	timer *engine.Timer
	empty engine.Signal
}

func (u *RatedUnqueue) ClassName() string  { return "RatedUnqueue" }
func (u *RatedUnqueue) PortCount() string  { return "1/1" }
func (u *RatedUnqueue) Processing() string { return engine.ProcessingPullPush }

func (u *RatedUnqueue) Configure(args []string, eh *errh.ErrorHandler) error {
	pps := 10.0

	for _, arg := range args {
		key, val, ok := confparse.Keyword(arg)
		if !ok {
			return eh.Errorf("expected keyword argument, got %q", arg)
		}
		switch key {
		case "RATE":
			n, err := confparse.Int(val)
			if err != nil {
				return eh.Errorf("RATE: %v", err)
			}
			if n < 1 {
				return eh.Errorf("RATE must be >= 1")
			}
			pps = float64(n)
		default:
			return eh.Errorf("unknown keyword %s", key)
		}
	}

	u.limiter = rate.NewLimiter(rate.Limit(pps), 1)
	return nil
}

func (u *RatedUnqueue) Initialize(eh *errh.ErrorHandler) error {
	u.task = engine.NewTask(u.run)
	u.task.Initialize(u, true)
	u.timer = engine.NewTimer(func(*engine.Timer) { u.task.Schedule() })
	u.timer.Initialize(u)
	u.empty = u.Router().UpstreamEmptySignal(u, 0, u.task)
	u.task.SetSignal(u.empty)
	return nil
}

func (u *RatedUnqueue) run() bool {
	if !u.empty.Active() {
		return false
	}

	now := time.Now()
	rsv := u.limiter.ReserveN(now, 1)
	if delay := rsv.DelayFrom(now); delay > 0 {
		// hand the token back; the timer retries once it has refilled
		rsv.CancelAt(now)
		u.timer.ScheduleAfter(delay)
		return false
	}

	p := u.Input(0).Pull()
	if p == nil {
		// the bucket token is gone but nothing was there to send
		return false
	}
	u.count.Add(1)
	u.Output(0).Push(p)

	u.task.FastReschedule()
	return true
}

func (u *RatedUnqueue) AddHandlers() {
	u.Router().AddDataHandlers(u, "count", engine.DataRead, &u.count)
}
