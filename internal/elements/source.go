// Package elements is the standard element library: the small set of
// sources, sinks, queues and transforms the demo configurations and the
// engine tests are built from. Each element registers its class with
// the default registry at package load.
package elements

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/prxssh/flume/internal/engine"
	"github.com/prxssh/flume/internal/errh"
	"github.com/prxssh/flume/internal/packet"
	"github.com/prxssh/flume/pkg/confparse"
)

func init() {
	engine.Register("InfiniteSource", func() engine.Element { return &InfiniteSource{} })
	engine.Register("RatedSource", func() engine.Element { return &RatedSource{} })
}

// InfiniteSource pushes copies of a configured payload downstream from
// a task, up to BURST packets per dispatch and LIMIT packets overall
// (LIMIT -1 means no limit). It listens to the downstream full signal
// so it sleeps instead of spinning against a full queue.
//
// Keyword arguments: DATA (hex payload), LENGTH (zero-filled payload
// size when DATA is absent), LIMIT, BURST, ACTIVE, STOP (stop the
// master when the limit is reached).
type InfiniteSource struct {
	engine.Base

	data   []byte
	limit  atomic.Int64
	burst  int
	active atomic.Bool
	stop   bool

	count atomic.Int64
	task  *engine.Task
	full  engine.Signal
}

func (s *InfiniteSource) ClassName() string  { return "InfiniteSource" }
func (s *InfiniteSource) PortCount() string  { return "0/1" }
func (s *InfiniteSource) Processing() string { return "/h" }

func (s *InfiniteSource) Configure(args []string, eh *errh.ErrorHandler) error {
	s.data = make([]byte, 64)
	s.limit.Store(-1)
	s.burst = 1
	s.active.Store(true)

	for _, arg := range args {
		key, val, ok := confparse.Keyword(arg)
		if !ok {
			return eh.Errorf("expected keyword argument, got %q", arg)
		}
		var err error
		switch key {
		case "DATA":
			s.data, err = confparse.HexBytes(val)
		case "LENGTH":
			var n int64
			if n, err = confparse.Int(val); err == nil {
				if n < 0 {
					return eh.Errorf("LENGTH must be >= 0")
				}
				s.data = make([]byte, n)
			}
		case "LIMIT":
			var n int64
			if n, err = confparse.Int(val); err == nil {
				s.limit.Store(n)
			}
		case "BURST":
			var n int64
			if n, err = confparse.Int(val); err == nil {
				if n < 1 {
					return eh.Errorf("BURST must be >= 1")
				}
				s.burst = int(n)
			}
		case "ACTIVE":
			var b bool
			if b, err = confparse.Bool(val); err == nil {
				s.active.Store(b)
			}
		case "STOP":
			s.stop, err = confparse.Bool(val)
		default:
			return eh.Errorf("unknown keyword %s", key)
		}
		if err != nil {
			return eh.Errorf("%s: %v", key, err)
		}
	}

	return nil
}

func (s *InfiniteSource) Initialize(eh *errh.ErrorHandler) error {
	s.task = engine.NewTask(s.run)
	s.task.Initialize(s, s.active.Load())
	s.full = s.Router().DownstreamFullSignal(s, 0, s.task)
	s.task.SetSignal(s.full)
	return nil
}

func (s *InfiniteSource) run() bool {
	if !s.active.Load() {
		return false
	}
	if !s.full.Active() {
		// downstream is full; the notifier reschedules us
		return false
	}

	limit := s.limit.Load()
	n := s.burst
	if limit >= 0 {
		if left := limit - s.count.Load(); int64(n) > left {
			n = int(left)
		}
	}
	if n <= 0 {
		if s.stop {
			s.Router().Master().Stop()
		}
		return false
	}

	for i := 0; i < n; i++ {
		p := packet.Make(packet.DefaultHeadroom, s.data, 0, packet.DefaultTailroom)
		if p == nil {
			break
		}
		p.SetTimestampNow()
		s.Output(0).Push(p)
		s.count.Add(1)
	}

	if limit < 0 || s.count.Load() < limit {
		s.task.FastReschedule()
	} else if s.stop {
		s.Router().Master().Stop()
	}
	return true
}

func (s *InfiniteSource) AddHandlers() {
	r := s.Router()
	r.AddDataHandlers(s, "count", engine.DataRead, &s.count)
	r.AddDataHandlers(s, "limit", engine.DataRead|engine.DataWrite, &s.limit)
	r.AddDataHandlers(s, "active", engine.DataRead|engine.DataWrite, &s.active,
		engine.HandlerCheckbox)
	r.AddWriteHandler(s, "reset", func(_ engine.Element, _ string, _ any, _ *errh.ErrorHandler) error {
		s.count.Store(0)
		s.task.Schedule()
		return nil
	}, nil, engine.HandlerButton)
}

// RatedSource is InfiniteSource under a token-bucket rate limit. RATE
// is packets per second; the task parks on a timer while the bucket
// refills.
type RatedSource struct {
	engine.Base

	data   []byte
	limit  atomic.Int64
	active atomic.Bool

	limiter *rate.Limiter
	count   atomic.Int64
	task    *engine.Task
	timer   *engine.Timer
	full    engine.Signal
}

func (s *RatedSource) ClassName() string  { return "RatedSource" }
func (s *RatedSource) PortCount() string  { return "0/1" }
func (s *RatedSource) Processing() string { return "/h" }

func (s *RatedSource) Configure(args []string, eh *errh.ErrorHandler) error {
	s.data = make([]byte, 64)
	s.limit.Store(-1)
	s.active.Store(true)
	pps := 10.0

	for _, arg := range args {
		key, val, ok := confparse.Keyword(arg)
		if !ok {
			return eh.Errorf("expected keyword argument, got %q", arg)
		}
		var err error
		switch key {
		case "RATE":
			var n int64
			if n, err = confparse.Int(val); err == nil {
				if n < 1 {
					return eh.Errorf("RATE must be >= 1")
				}
				pps = float64(n)
			}
		case "DATA":
			s.data, err = confparse.HexBytes(val)
		case "LIMIT":
			var n int64
			if n, err = confparse.Int(val); err == nil {
				s.limit.Store(n)
			}
		case "ACTIVE":
			var b bool
			if b, err = confparse.Bool(val); err == nil {
				s.active.Store(b)
			}
		default:
			return eh.Errorf("unknown keyword %s", key)
		}
		if err != nil {
			return eh.Errorf("%s: %v", key, err)
		}
	}

	s.limiter = rate.NewLimiter(rate.Limit(pps), 1)
	return nil
}

func (s *RatedSource) Initialize(eh *errh.ErrorHandler) error {
	s.task = engine.NewTask(s.run)
	s.task.Initialize(s, s.active.Load())
	s.timer = engine.NewTimer(func(*engine.Timer) { s.task.Schedule() })
	s.timer.Initialize(s)
	s.full = s.Router().DownstreamFullSignal(s, 0, s.task)
	s.task.SetSignal(s.full)
	return nil
}

func (s *RatedSource) run() bool {
	if !s.active.Load() || !s.full.Active() {
		return false
	}
	if limit := s.limit.Load(); limit >= 0 && s.count.Load() >= limit {
		return false
	}

	now := time.Now()
	rsv := s.limiter.ReserveN(now, 1)
	if delay := rsv.DelayFrom(now); delay > 0 {
		// hand the token back; the timer retries once it has refilled
		rsv.CancelAt(now)
		s.timer.ScheduleAfter(delay)
		return false
	}

	p := packet.Make(packet.DefaultHeadroom, s.data, 0, packet.DefaultTailroom)
	if p == nil {
		s.task.FastReschedule()
		return false
	}
	p.SetTimestampNow()
	s.Output(0).Push(p)
	s.count.Add(1)

	s.task.FastReschedule()
	return true
}

func (s *RatedSource) AddHandlers() {
	r := s.Router()
	r.AddDataHandlers(s, "count", engine.DataRead, &s.count)
	r.AddDataHandlers(s, "limit", engine.DataRead|engine.DataWrite, &s.limit)
	r.AddDataHandlers(s, "active", engine.DataRead|engine.DataWrite, &s.active,
		engine.HandlerCheckbox)
	r.AddWriteHandler(s, "reset", func(_ engine.Element, _ string, _ any, _ *errh.ErrorHandler) error {
		s.count.Store(0)
		s.task.Schedule()
		return nil
	}, nil, engine.HandlerButton)
}
