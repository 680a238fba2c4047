package packet

import (
	"sync/atomic"
	"time"
)

// Default geometry for Make when callers do not care. 128 bytes of
// headroom covers any reasonable stack of link/network headers pushed in
// front of a payload without reallocating.
const (
	DefaultHeadroom = 128
	DefaultTailroom = 64
)

// buffer is the shared, reference-counted byte region under one or more
// packet headers. The data window of each header points into b; the
// buffer itself never moves while referenced.
type buffer struct {
	b          []byte
	refs       atomic.Int32
	destructor func([]byte)
}

func newBuffer(size int, destructor func([]byte)) *buffer {
	buf := &buffer{b: make([]byte, size), destructor: destructor}
	buf.refs.Store(1)
	return buf
}

func (buf *buffer) release() {
	if buf.refs.Add(-1) == 0 && buf.destructor != nil {
		buf.destructor(buf.b)
	}
}

// Packet is a view [data, end) into a shared buffer plus a private
// annotation block. Clones share the buffer; annotations are always
// copied. Mutating the buffer through a header that may share it is only
// legal after Uniqueify.
type Packet struct {
	buf  *buffer
	data int
	end  int

	ts   time.Time
	anno Annotations
}

// Make allocates a fresh packet with the requested headroom and tailroom
// around a data window of length len(src), or of length if src is nil.
// The returned packet holds the sole reference to its buffer.
func Make(headroom int, src []byte, length, tailroom int) *Packet {
	if src != nil {
		length = len(src)
	}
	if headroom < 0 || length < 0 || tailroom < 0 {
		return nil
	}

	buf := newBuffer(headroom+length+tailroom, nil)
	p := &Packet{buf: buf, data: headroom, end: headroom + length}
	p.anno.clear()
	if src != nil {
		copy(buf.b[p.data:p.end], src)
	}

	return p
}

// MakeWithDestructor is Make for driver-style producers that own their
// buffer memory: dtor runs with the buffer slice once the last reference
// is killed, so the producer can recycle it into its own pool.
func MakeWithDestructor(headroom int, src []byte, length, tailroom int, dtor func([]byte)) *Packet {
	p := Make(headroom, src, length, tailroom)
	if p != nil {
		p.buf.destructor = dtor
	}

	return p
}

// Clone returns a new packet header sharing this packet's buffer. The
// annotation block and timestamp are copied, not aliased.
func (p *Packet) Clone() *Packet {
	p.buf.refs.Add(1)

	q := &Packet{buf: p.buf, data: p.data, end: p.end, ts: p.ts}
	q.anno = p.anno

	return q
}

// Kill drops this header's buffer reference. The buffer is reclaimed when
// the last reference goes. The header must not be used afterwards.
func (p *Packet) Kill() {
	if p.buf != nil {
		p.buf.release()
		p.buf = nil
	}
}

// Shared reports whether another header references the same buffer.
func (p *Packet) Shared() bool { return p.buf.refs.Load() > 1 }

// Uniqueify returns a packet whose buffer has exactly one reference,
// with the same window contents and annotations. When p is already sole
// owner it returns p itself; otherwise it copies into a fresh buffer of
// identical geometry and releases p's reference. Returns nil only on
// allocation failure, in which case p is still valid.
func (p *Packet) Uniqueify() *Packet {
	if !p.Shared() {
		return p
	}

	q := Make(p.Headroom(), nil, p.Length(), p.Tailroom())
	if q == nil {
		return nil
	}
	copy(q.Data(), p.Data())
	q.ts = p.ts
	q.anno = p.anno

	p.Kill()
	return q
}

// Data returns the current data window. The slice aliases the buffer;
// write through it only when the packet is not shared.
func (p *Packet) Data() []byte { return p.buf.b[p.data:p.end] }

func (p *Packet) Length() int   { return p.end - p.data }
func (p *Packet) Headroom() int { return p.data }
func (p *Packet) Tailroom() int { return len(p.buf.b) - p.end }

// BufferCapacity returns the total size of the underlying buffer.
func (p *Packet) BufferCapacity() int { return len(p.buf.b) }

// Push grows the data window at the head by n bytes, into the headroom.
// When the headroom is short the packet is uniqueified into a buffer with
// more headroom. Returns the (possibly new) packet, or nil on allocation
// failure.
func (p *Packet) Push(n int) *Packet {
	if n < 0 {
		return nil
	}
	if p.Headroom() >= n && !p.Shared() {
		p.data -= n
		return p
	}

	return p.expand(n, 0)
}

// Pull shrinks the data window at the head by n bytes. n is clamped to
// the current length.
func (p *Packet) Pull(n int) {
	if n > p.Length() {
		n = p.Length()
	}
	if n > 0 {
		p.data += n
	}
}

// Put grows the data window at the tail by n bytes, into the tailroom,
// reallocating like Push when the room is short. Returns the (possibly
// new) packet, or nil on allocation failure.
func (p *Packet) Put(n int) *Packet {
	if n < 0 {
		return nil
	}
	if p.Tailroom() >= n && !p.Shared() {
		p.end += n
		return p
	}

	return p.expand(0, n)
}

// Take shrinks the data window at the tail by n bytes. n is clamped to
// the current length.
func (p *Packet) Take(n int) {
	if n > p.Length() {
		n = p.Length()
	}
	if n > 0 {
		p.end -= n
	}
}

// expand reallocates so the window can grow by extraHead bytes in front
// and extraTail behind, preserving contents and annotations. The old
// reference is released.
func (p *Packet) expand(extraHead, extraTail int) *Packet {
	headroom := p.Headroom()
	if extraHead > 0 {
		headroom = extraHead + DefaultHeadroom
	}
	tailroom := p.Tailroom()
	if extraTail > 0 {
		tailroom = extraTail + DefaultTailroom
	}

	q := Make(headroom, nil, p.Length(), tailroom)
	if q == nil {
		return nil
	}
	copy(q.Data(), p.Data())
	q.ts = p.ts
	q.anno = p.anno

	q.data -= extraHead
	q.end += extraTail
	q.shiftHeaderOffsets(q.data + extraHead - p.data)

	p.Kill()
	return q
}

// Timestamp returns the packet timestamp. A timestamp captured with
// SetTimestampNow carries both the wall clock and the monotonic clock,
// so intervals between packets are steady under clock steps.
func (p *Packet) Timestamp() time.Time     { return p.ts }
func (p *Packet) SetTimestamp(t time.Time) { p.ts = t }
func (p *Packet) SetTimestampNow()         { p.ts = time.Now() }

// refsForTest exposes the refcount to the package tests.
func (p *Packet) refsForTest() int32 { return p.buf.refs.Load() }
