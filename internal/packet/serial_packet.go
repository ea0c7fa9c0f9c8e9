// Package packet implements SerialPacket, the bit-packed link-layer
// frame header used to carry a PakBus Message between two directly
// connected neighbors.
//
// Grounded on original_source/coratools/Csi.PakBus.SerialPacket.h and
// original_source/Csi.PakBus.SerialPacket.cpp.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/campbellsci/pakbus-link/internal/message"
)

const (
	// MinHeaderLen is the 4-byte short/control header.
	MinHeaderLen = 4
	// MaxHeaderLen is the 8-byte full PakBus header.
	MaxHeaderLen = 8
	// MaxBodyLen is the maximum serial packet body length.
	MaxBodyLen = 1000
	// MaxPacketLen is the largest a serial packet (header+body) may be.
	MaxPacketLen = MaxBodyLen + MaxHeaderLen
)

// ErrAddressOutOfRange is a programmer error: an address field was set
// beyond the legal 0..4095 range (spec.md §7 AddressOutOfRange).
var ErrAddressOutOfRange = errors.New("pakbus: address out of range")

// header field byte offsets, from Csi.PakBus.SerialPacket.cpp.
const (
	offLinkState          = 0
	offDestPhysAddr       = 0
	offExpectMore         = 2
	offPriority           = 2
	offSourcePhysAddr     = 2
	offHighProtoCode      = 4
	offDestination        = 4
	offHopCount           = 6
	offSource             = 6
)

// SerialPacket is the framed link-layer header plus trailing body. It
// performs no I/O; callers are responsible for quoting/CRC framing
// (internal/codec) and for transport reads/writes.
type SerialPacket struct {
	buf []byte // header (4 or 8 bytes) followed by body
}

// Empty returns a SerialPacket with a zeroed header of the given length
// (must be MinHeaderLen or MaxHeaderLen).
func Empty(headerLen int) *SerialPacket {
	return &SerialPacket{buf: make([]byte, headerLen)}
}

// FromBytes wraps an existing buffer (header+body, no trailing
// nullifier) as a SerialPacket. The header is assumed to be MaxHeaderLen
// when buf is at least that long, else MinHeaderLen.
func FromBytes(buf []byte) *SerialPacket {
	out := make([]byte, len(buf))
	copy(out, buf)
	return &SerialPacket{buf: out}
}

// FromMessage builds an 8-byte-header SerialPacket from a PakBus
// Message, copying its envelope fields into the header and appending its
// body (Csi.PakBus.SerialPacket.cpp's Message constructor).
func FromMessage(m *message.Message) (*SerialPacket, error) {
	p := Empty(MaxHeaderLen)
	if err := p.SetHighProtoCode(m.HighProtocol); err != nil {
		return nil, err
	}
	if err := p.SetDestination(m.Destination); err != nil {
		return nil, err
	}
	p.SetHopCount(m.HopCount)
	if err := p.SetSource(m.Source); err != nil {
		return nil, err
	}
	p.SetExpectMore(m.ExpectMore)
	p.SetPriority(m.Priority)
	if err := p.SetSourcePhysicalAddress(m.PhysicalSource); err != nil {
		return nil, err
	}
	if err := p.SetDestinationPhysicalAddress(m.PhysicalDestination); err != nil {
		return nil, err
	}
	p.buf = append(p.buf, m.Body()...)
	return p, nil
}

// HeaderLen returns 4 or 8, the size of this packet's header.
func (p *SerialPacket) HeaderLen() int {
	if len(p.buf) >= MaxHeaderLen {
		return MaxHeaderLen
	}
	return MinHeaderLen
}

// Bytes returns the full header+body buffer (no nullifier).
func (p *SerialPacket) Bytes() []byte { return p.buf }

// Len returns len(Bytes()).
func (p *SerialPacket) Len() int { return len(p.buf) }

// Body returns the bytes after the header.
func (p *SerialPacket) Body() []byte {
	h := p.HeaderLen()
	if len(p.buf) <= h {
		return nil
	}
	return p.buf[h:]
}

func checkAddress(v uint16) error {
	if v > message.BroadcastAddress {
		return fmt.Errorf("%w: %d", ErrAddressOutOfRange, v)
	}
	return nil
}

// --- bit-packed field accessors, mirroring SerialPacket.cpp byte-for-byte ---

func (p *SerialPacket) LinkState() message.LinkState {
	b := p.buf[offLinkState]
	return message.LinkState((b & 0xF0) >> 4)
}

func (p *SerialPacket) SetLinkState(s message.LinkState) {
	b := p.buf[offLinkState]
	b &^= 0xF0
	b |= byte(s&0x0F) << 4
	p.buf[offLinkState] = b
}

func (p *SerialPacket) DestinationPhysicalAddress() uint16 {
	v := binary.BigEndian.Uint16(p.buf[offDestPhysAddr:])
	return v & 0x0FFF
}

func (p *SerialPacket) SetDestinationPhysicalAddress(addr uint16) error {
	if err := checkAddress(addr); err != nil {
		return err
	}
	v := binary.BigEndian.Uint16(p.buf[offDestPhysAddr:])
	v &^= 0x0FFF
	v |= addr & 0x0FFF
	binary.BigEndian.PutUint16(p.buf[offDestPhysAddr:], v)
	return nil
}

func (p *SerialPacket) ExpectMore() message.ExpectMore {
	b := p.buf[offExpectMore]
	return message.ExpectMore((b & 0xC0) >> 6)
}

func (p *SerialPacket) SetExpectMore(e message.ExpectMore) {
	b := p.buf[offExpectMore]
	b &^= 0xC0
	b |= byte(e&0x03) << 6
	p.buf[offExpectMore] = b
}

func (p *SerialPacket) Priority() message.Priority {
	b := p.buf[offPriority]
	return message.Priority((b & 0x30) >> 4)
}

func (p *SerialPacket) SetPriority(pr message.Priority) {
	b := p.buf[offPriority]
	b &^= 0x30
	b |= byte(pr&0x03) << 4
	p.buf[offPriority] = b
}

func (p *SerialPacket) SourcePhysicalAddress() uint16 {
	v := binary.BigEndian.Uint16(p.buf[offSourcePhysAddr:])
	return v & 0x0FFF
}

func (p *SerialPacket) SetSourcePhysicalAddress(addr uint16) error {
	if err := checkAddress(addr); err != nil {
		return err
	}
	v := binary.BigEndian.Uint16(p.buf[offSourcePhysAddr:])
	v &^= 0x0FFF
	v |= addr & 0x0FFF
	binary.BigEndian.PutUint16(p.buf[offSourcePhysAddr:], v)
	return nil
}

func (p *SerialPacket) HighProtoCode() message.Protocol {
	if len(p.buf) <= offHighProtoCode {
		return message.ProtocolPakCtrl
	}
	b := p.buf[offHighProtoCode]
	return message.Protocol((b & 0xF0) >> 4)
}

func (p *SerialPacket) SetHighProtoCode(code message.Protocol) error {
	p.ensureFullHeader()
	b := p.buf[offHighProtoCode]
	b &^= 0xF0
	b |= byte(code) << 4
	p.buf[offHighProtoCode] = b
	return nil
}

func (p *SerialPacket) Destination() uint16 {
	if len(p.buf) < offDestination+2 {
		return 0
	}
	v := binary.BigEndian.Uint16(p.buf[offDestination:])
	return v & 0x0FFF
}

func (p *SerialPacket) SetDestination(addr uint16) error {
	if err := checkAddress(addr); err != nil {
		return err
	}
	p.ensureFullHeader()
	v := binary.BigEndian.Uint16(p.buf[offDestination:])
	v &^= 0x0FFF
	v |= addr & 0x0FFF
	binary.BigEndian.PutUint16(p.buf[offDestination:], v)
	return nil
}

func (p *SerialPacket) HopCount() uint8 {
	if len(p.buf) <= offHopCount {
		return 0
	}
	b := p.buf[offHopCount]
	return (b & 0xF0) >> 4
}

func (p *SerialPacket) SetHopCount(hop uint8) {
	p.ensureFullHeader()
	b := p.buf[offHopCount]
	b &^= 0xF0
	b |= (hop & 0x0F) << 4
	p.buf[offHopCount] = b
}

func (p *SerialPacket) Source() uint16 {
	if len(p.buf) < offSource+2 {
		return 0
	}
	v := binary.BigEndian.Uint16(p.buf[offSource:])
	return v & 0x0FFF
}

func (p *SerialPacket) SetSource(addr uint16) error {
	if err := checkAddress(addr); err != nil {
		return err
	}
	p.ensureFullHeader()
	v := binary.BigEndian.Uint16(p.buf[offSource:])
	v &^= 0x0FFF
	v |= addr & 0x0FFF
	binary.BigEndian.PutUint16(p.buf[offSource:], v)
	return nil
}

// ensureFullHeader grows a 4-byte control header to the full 8-byte
// PakBus header in place, preserving the first 4 bytes, before a
// PakBus-only field is written.
func (p *SerialPacket) ensureFullHeader() {
	if len(p.buf) >= MaxHeaderLen {
		return
	}
	body := p.buf[MinHeaderLen:]
	grown := make([]byte, MaxHeaderLen, MaxHeaderLen+len(body))
	copy(grown, p.buf[:MinHeaderLen])
	grown = append(grown, body...)
	p.buf = grown
}

// IsControl reports whether this packet is in the control group (ring,
// reserved, or capabilities link state).
func (p *SerialPacket) IsControl() bool {
	switch p.LinkState() {
	case message.LinkRing, message.LinkReserved, message.LinkCapabilities:
		return true
	default:
		return false
	}
}

// Capability returns the control capability field (meaningful only for
// control packets).
func (p *SerialPacket) Capability() message.Capability {
	if !p.IsControl() {
		return message.CapLinkState
	}
	b := p.buf[offExpectMore] >> 4
	switch b {
	case 1:
		return message.CapUnquoted
	case 2:
		return message.CapLinkStateUnquotedRetrying
	default:
		return message.CapLinkState
	}
}

// SetCapability marks this packet as a control_capabilities packet
// carrying the given capability.
func (p *SerialPacket) SetCapability(c message.Capability) {
	b := p.buf[offExpectMore]
	b &= 0x0F
	b |= byte(c) << 4
	p.buf[offExpectMore] = b
	p.SetLinkState(message.LinkCapabilities)
}

// ToMessage inverts FromMessage: constructs a PakBus Message from this
// SerialPacket's header and body (Csi.PakBus.SerialPacket.cpp's
// make_pakbus_message).
func (p *SerialPacket) ToMessage() *message.Message {
	m := message.FromBytes(p.Body(), 0)
	m.Priority = p.Priority()
	m.ExpectMore = p.ExpectMore()
	m.PhysicalDestination = p.DestinationPhysicalAddress()
	m.PhysicalSource = p.SourcePhysicalAddress()
	m.Destination = p.Destination()
	m.Source = p.Source()
	m.HighProtocol = p.HighProtoCode()
	m.HopCount = p.HopCount()
	return m
}
