package elements

import (
	"strconv"
	"sync/atomic"

	"github.com/prxssh/flume/internal/engine"
	"github.com/prxssh/flume/internal/errh"
	"github.com/prxssh/flume/internal/packet"
	"github.com/prxssh/flume/pkg/confparse"
)

func init() {
	engine.Register("Queue", func() engine.Element { return &Queue{} })
}

// Queue is the push-to-pull boundary: packets pushed on its input wait
// in a bounded buffer until something pulls its output. A full queue
// drops at the push side and counts the drop.
//
// The queue carries the two standard notifiers: the empty notifier is
// active while packets are queued (downstream pullers listen), the full
// notifier while there is room (upstream pushers listen).
//
// Positional argument: CAPACITY (default 1000).
type Queue struct {
	engine.Base

	ch chan *packet.Packet

	drops     atomic.Uint64
	highwater atomic.Int64

	empty *engine.Notifier
	full  *engine.Notifier
}

func (q *Queue) ClassName() string  { return "Queue" }
func (q *Queue) PortCount() string  { return "1/1" }
func (q *Queue) Processing() string { return engine.ProcessingPushPull }

const defaultQueueCapacity = 1000

func (q *Queue) Configure(args []string, eh *errh.ErrorHandler) error {
	capacity := int64(defaultQueueCapacity)

	switch len(args) {
	case 0:
	case 1:
		_, val, _ := confparse.Keyword(args[0])
		var err error
		if capacity, err = confparse.Int(val); err != nil {
			return eh.Errorf("CAPACITY: %v", err)
		}
		if capacity < 1 {
			return eh.Errorf("CAPACITY must be >= 1")
		}
	default:
		return eh.Errorf("too many arguments")
	}

	q.ch = make(chan *packet.Packet, capacity)
	q.empty = engine.NewNotifier(false)
	q.full = engine.NewNotifier(true)

	return nil
}

func (q *Queue) Cast(name string) any {
	switch name {
	case engine.CastEmptyNotifier:
		return q.empty
	case engine.CastFullNotifier:
		return q.full
	default:
		return nil
	}
}

func (q *Queue) Push(_ int, p *packet.Packet) {
	select {
	case q.ch <- p:
		if n := int64(len(q.ch)); n > q.highwater.Load() {
			q.highwater.Store(n)
		}
		q.empty.SetActive(true)
		if len(q.ch) == cap(q.ch) {
			q.full.SetActive(false)
		}
	default:
		q.drops.Add(1)
		p.Kill()
	}
}

func (q *Queue) Pull(int) *packet.Packet {
	select {
	case p := <-q.ch:
		q.full.SetActive(true)
		if len(q.ch) == 0 {
			q.empty.SetActive(false)
		}
		return p
	default:
		q.empty.SetActive(false)
		return nil
	}
}

func (q *Queue) Len() int      { return len(q.ch) }
func (q *Queue) Capacity() int { return cap(q.ch) }

func (q *Queue) AddHandlers() {
	r := q.Router()
	r.AddReadHandler(q, "length", func(engine.Element, any) (string, error) {
		return strconv.Itoa(len(q.ch)), nil
	}, nil)
	r.AddReadHandler(q, "capacity", func(engine.Element, any) (string, error) {
		return strconv.Itoa(cap(q.ch)), nil
	}, nil, engine.HandlerCalm)
	r.AddDataHandlers(q, "drops", engine.DataRead, &q.drops)
	r.AddDataHandlers(q, "highwater_length", engine.DataRead, &q.highwater)
	r.AddWriteHandler(q, "reset_counts", func(_ engine.Element, _ string, _ any, _ *errh.ErrorHandler) error {
		q.drops.Store(0)
		q.highwater.Store(int64(len(q.ch)))
		return nil
	}, nil, engine.HandlerButton)
}

// TakeState adopts the queued packets of the replaced queue, oldest
// first, dropping any the new capacity cannot hold.
func (q *Queue) TakeState(old engine.Element, _ *errh.ErrorHandler) {
	o, ok := old.(*Queue)
	if !ok {
		return
	}

	for {
		select {
		case p := <-o.ch:
			select {
			case q.ch <- p:
			default:
				q.drops.Add(1)
				p.Kill()
			}
		default:
			if len(q.ch) > 0 {
				q.empty.SetActive(true)
			}
			if len(q.ch) == cap(q.ch) {
				q.full.SetActive(false)
			}
			return
		}
	}
}

// Cleanup releases any packets still queued.
func (q *Queue) Cleanup(engine.CleanupStage) {
	if q.ch == nil {
		return
	}
	for {
		select {
		case p := <-q.ch:
			p.Kill()
		default:
			return
		}
	}
}

