package elements

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prxssh/flume/internal/engine"
	"github.com/prxssh/flume/internal/errh"
	"github.com/prxssh/flume/internal/packet"
)

func init() {
	engine.Register("Counter", func() engine.Element { return &Counter{} })
	engine.Register("Discard", func() engine.Element { return &Discard{} })
}

// Counter passes packets through unchanged, counting packets and bytes.
// It works on push and pull paths alike.
type Counter struct {
	engine.Base

	count     atomic.Uint64
	byteCount atomic.Uint64

	mut   sync.Mutex
	since time.Time
}

func (c *Counter) ClassName() string { return "Counter" }

func (c *Counter) SimpleAction(p *packet.Packet) *packet.Packet {
	c.count.Add(1)
	c.byteCount.Add(uint64(p.Length()))
	return p
}

func (c *Counter) Initialize(*errh.ErrorHandler) error {
	c.since = time.Now()
	return nil
}

// Count and ByteCount expose the totals to in-process callers; the
// handlers below expose them over the RPC surface.
func (c *Counter) Count() uint64     { return c.count.Load() }
func (c *Counter) ByteCount() uint64 { return c.byteCount.Load() }

func (c *Counter) AddHandlers() {
	r := c.Router()
	r.AddDataHandlers(c, "count", engine.DataRead, &c.count)
	r.AddDataHandlers(c, "byte_count", engine.DataRead, &c.byteCount)
	r.AddReadHandler(c, "rate", func(engine.Element, any) (string, error) {
		c.mut.Lock()
		elapsed := time.Since(c.since).Seconds()
		c.mut.Unlock()
		if elapsed <= 0 {
			return "0", nil
		}
		pps := float64(c.count.Load()) / elapsed
		return strconv.FormatFloat(pps, 'f', 2, 64), nil
	}, nil)
	r.AddWriteHandler(c, "reset", func(_ engine.Element, _ string, _ any, _ *errh.ErrorHandler) error {
		c.count.Store(0)
		c.byteCount.Store(0)
		c.mut.Lock()
		c.since = time.Now()
		c.mut.Unlock()
		return nil
	}, nil, engine.HandlerButton)
}

func (c *Counter) TakeState(old engine.Element, _ *errh.ErrorHandler) {
	if o, ok := old.(*Counter); ok {
		c.count.Store(o.count.Load())
		c.byteCount.Store(o.byteCount.Load())
		c.mut.Lock()
		c.since = o.since
		c.mut.Unlock()
	}
}

// Discard swallows every packet it sees. On a push path it is a plain
// sink; when its input resolves to pull it drives itself with a task,
// draining upstream as fast as the scheduler allows.
type Discard struct {
	engine.Base

	count atomic.Uint64

	task  *engine.Task
	empty engine.Signal
}

func (d *Discard) ClassName() string { return "Discard" }
func (d *Discard) PortCount() string { return "1/0" }

// Processing declares the input agnostic and no outputs.
func (d *Discard) Processing() string { return "a/" }

func (d *Discard) Initialize(eh *errh.ErrorHandler) error {
	if !d.Router().PortIsPush(d, 0, false) {
		d.task = engine.NewTask(d.run)
		d.task.Initialize(d, true)
		d.empty = d.Router().UpstreamEmptySignal(d, 0, d.task)
		d.task.SetSignal(d.empty)
	}
	return nil
}

func (d *Discard) Push(_ int, p *packet.Packet) {
	d.count.Add(1)
	p.Kill()
}

func (d *Discard) run() bool {
	if d.empty != nil && !d.empty.Active() {
		return false
	}
	p := d.Input(0).Pull()
	if p == nil {
		return false
	}
	d.count.Add(1)
	p.Kill()
	d.task.FastReschedule()
	return true
}

func (d *Discard) AddHandlers() {
	r := d.Router()
	r.AddDataHandlers(d, "count", engine.DataRead, &d.count)
	r.AddWriteHandler(d, "reset_counts", func(_ engine.Element, _ string, _ any, _ *errh.ErrorHandler) error {
		d.count.Store(0)
		return nil
	}, nil, engine.HandlerButton)
}
