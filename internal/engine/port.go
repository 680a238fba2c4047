package engine

import (
	"sync/atomic"

	"github.com/prxssh/flume/internal/packet"
)

// Port is a typed endpoint bound to a peer (element, port) pair. After
// router initialization a used port has exactly one orientation: a push
// output/input pair, where Push hands the packet to the peer's push
// hook synchronously, or a pull input/output pair, where Pull demands a
// packet from the peer's pull hook. Unused and unbound ports drop and
// return nil respectively.
type Port struct {
	owner    Element
	peer     Element
	peerPort int
	isPush   bool
	bound    bool

	xfers atomic.Uint64
}

func (pt *Port) bind(peer Element, peerPort int, isPush bool) {
	pt.peer = peer
	pt.peerPort = peerPort
	pt.isPush = isPush
	pt.bound = true
}

// Bound reports whether the router connected this port.
func (pt *Port) Bound() bool { return pt.bound }

// IsPush reports the resolved orientation.
func (pt *Port) IsPush() bool { return pt.bound && pt.isPush }

// Peer returns the connected element, nil when unbound.
func (pt *Port) Peer() Element { return pt.peer }

// PeerPort returns the port index on the peer element.
func (pt *Port) PeerPort() int { return pt.peerPort }

// Transfers counts packets that crossed this port.
func (pt *Port) Transfers() uint64 { return pt.xfers.Load() }

// Push hands p to the peer's push hook. Valid only on push outputs; on
// an unbound port the packet is dropped.
func (pt *Port) Push(p *packet.Packet) {
	if !pt.bound {
		p.Kill()
		return
	}
	pt.xfers.Add(1)
	pt.peer.Push(pt.peerPort, p)
}

// Pull demands a packet from the peer's pull hook. Valid only on pull
// inputs; returns nil on an unbound port.
func (pt *Port) Pull() *packet.Packet {
	if !pt.bound {
		return nil
	}
	p := pt.peer.Pull(pt.peerPort)
	if p != nil {
		pt.xfers.Add(1)
	}
	return p
}
