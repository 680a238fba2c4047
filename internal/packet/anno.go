package packet

import (
	"encoding/binary"
	"net/netip"
)

// AnnoSize is the size of the per-packet annotation block. The block and
// the byte offsets below are a stable ABI: concrete elements may address
// the raw bytes directly through AnnoBytes and rely on the typed
// accessors hitting the same slots.
const AnnoSize = 48

const (
	annoDstFamily  = 0  // 0 none, 4, or 6
	annoPaint      = 1  // 1 byte
	annoVLANTCI    = 2  // 2 bytes, big-endian
	annoAggregate  = 4  // 4 bytes, big-endian
	annoDstAddr    = 8  // 16 bytes, v4 in the first 4
	annoUserBytes  = 24 // 4 one-byte user slots
	annoUserWord   = 28 // 4 bytes, big-endian
	annoWifiRate   = 32
	annoWifiRSSI   = 33
	annoWifiRetry  = 34
	annoWifiTxFlag = 35
	annoMacOff     = 36 // 3 x int16 header offsets, -1 = unset
	annoNetOff     = 38
	annoTransOff   = 40
)

// NumUserBytes is how many independent one-byte user annotation slots a
// packet carries.
const NumUserBytes = 4

// Annotations is the fixed-size opaque metadata block carried by every
// packet header. It is owned by the header, never by the buffer: clones
// get an independent copy.
type Annotations [AnnoSize]byte

func (a *Annotations) clear() {
	*a = Annotations{}
	// header offsets start out unset
	binary.BigEndian.PutUint16(a[annoMacOff:], 0xffff)
	binary.BigEndian.PutUint16(a[annoNetOff:], 0xffff)
	binary.BigEndian.PutUint16(a[annoTransOff:], 0xffff)
}

// AnnoBytes exposes the raw annotation block.
func (p *Packet) AnnoBytes() *Annotations { return &p.anno }

// ClearAnnotations resets the block to its freshly-made state.
func (p *Packet) ClearAnnotations() { p.anno.clear() }

// DstAddr returns the destination-address annotation, which is unset
// (zero netip.Addr) until a routing element stores one.
func (p *Packet) DstAddr() netip.Addr {
	switch p.anno[annoDstFamily] {
	case 4:
		var v4 [4]byte
		copy(v4[:], p.anno[annoDstAddr:annoDstAddr+4])
		return netip.AddrFrom4(v4)
	case 6:
		var v6 [16]byte
		copy(v6[:], p.anno[annoDstAddr:annoDstAddr+16])
		return netip.AddrFrom16(v6)
	default:
		return netip.Addr{}
	}
}

func (p *Packet) SetDstAddr(addr netip.Addr) {
	switch {
	case addr.Is4():
		p.anno[annoDstFamily] = 4
		v4 := addr.As4()
		copy(p.anno[annoDstAddr:], v4[:])
	case addr.Is6():
		p.anno[annoDstFamily] = 6
		v6 := addr.As16()
		copy(p.anno[annoDstAddr:], v6[:])
	default:
		p.anno[annoDstFamily] = 0
	}
}

func (p *Packet) Paint() byte         { return p.anno[annoPaint] }
func (p *Packet) SetPaint(color byte) { p.anno[annoPaint] = color }

func (p *Packet) VLANTCI() uint16 {
	return binary.BigEndian.Uint16(p.anno[annoVLANTCI:])
}

func (p *Packet) SetVLANTCI(tci uint16) {
	binary.BigEndian.PutUint16(p.anno[annoVLANTCI:], tci)
}

// AggregateAnno carries a flow/aggregate identifier assigned by analysis
// elements.
func (p *Packet) AggregateAnno() uint32 {
	return binary.BigEndian.Uint32(p.anno[annoAggregate:])
}

func (p *Packet) SetAggregateAnno(agg uint32) {
	binary.BigEndian.PutUint32(p.anno[annoAggregate:], agg)
}

// UserByte reads user slot i; out-of-range slots read as zero.
func (p *Packet) UserByte(i int) byte {
	if i < 0 || i >= NumUserBytes {
		return 0
	}
	return p.anno[annoUserBytes+i]
}

func (p *Packet) SetUserByte(i int, v byte) {
	if i >= 0 && i < NumUserBytes {
		p.anno[annoUserBytes+i] = v
	}
}

func (p *Packet) UserWord() uint32 {
	return binary.BigEndian.Uint32(p.anno[annoUserWord:])
}

func (p *Packet) SetUserWord(v uint32) {
	binary.BigEndian.PutUint32(p.anno[annoUserWord:], v)
}

// Wifi annotations, set by wireless drivers on receive and read by
// rate-control elements on transmit.

func (p *Packet) WifiRate() byte          { return p.anno[annoWifiRate] }
func (p *Packet) SetWifiRate(rate byte)   { p.anno[annoWifiRate] = rate }
func (p *Packet) WifiRSSI() byte          { return p.anno[annoWifiRSSI] }
func (p *Packet) SetWifiRSSI(rssi byte)   { p.anno[annoWifiRSSI] = rssi }
func (p *Packet) WifiRetries() byte       { return p.anno[annoWifiRetry] }
func (p *Packet) SetWifiRetries(n byte)   { p.anno[annoWifiRetry] = n }
func (p *Packet) WifiTxFlags() byte       { return p.anno[annoWifiTxFlag] }
func (p *Packet) SetWifiTxFlags(fl byte)  { p.anno[annoWifiTxFlag] = fl }

// Header offsets are positions of the MAC, network and transport headers
// relative to the start of the buffer, so they stay valid as the data
// window moves over the headers. -1 means unset.

func (p *Packet) headerOff(slot int) int {
	v := binary.BigEndian.Uint16(p.anno[slot:])
	if v == 0xffff {
		return -1
	}
	return int(v)
}

func (p *Packet) setHeaderOff(slot, off int) {
	if off < 0 || off > 0xfffe {
		binary.BigEndian.PutUint16(p.anno[slot:], 0xffff)
		return
	}
	binary.BigEndian.PutUint16(p.anno[slot:], uint16(off))
}

// shiftHeaderOffsets rebases all set header offsets after the buffer has
// been reallocated and the data moved by delta bytes.
func (p *Packet) shiftHeaderOffsets(delta int) {
	for _, slot := range [...]int{annoMacOff, annoNetOff, annoTransOff} {
		if off := p.headerOff(slot); off >= 0 {
			p.setHeaderOff(slot, off+delta)
		}
	}
}

func (p *Packet) MacHeaderOffset() int        { return p.headerOff(annoMacOff) }
func (p *Packet) SetMacHeaderOffset(off int)  { p.setHeaderOff(annoMacOff, off) }
func (p *Packet) NetHeaderOffset() int        { return p.headerOff(annoNetOff) }
func (p *Packet) SetNetHeaderOffset(off int)  { p.setHeaderOff(annoNetOff, off) }
func (p *Packet) TransportHeaderOffset() int  { return p.headerOff(annoTransOff) }
func (p *Packet) SetTransportHeaderOffset(off int) {
	p.setHeaderOff(annoTransOff, off)
}
