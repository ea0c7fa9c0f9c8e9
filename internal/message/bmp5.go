package message

import (
	"encoding/binary"
	"math"
)

// Bmp5HeaderLen is the number of header bytes Bmp5Message reserves ahead
// of the PakBus body for message-type and transaction-number.
const Bmp5HeaderLen = 2

// Bmp5MaxBodyLen is the maximum body length left for a BMP5 message once
// its own header is subtracted from the PakBus body cap.
const Bmp5MaxBodyLen = MaxBodyLen - Bmp5HeaderLen

// Bmp5Message is a Message subtype whose first two body bytes are
// (message_type, transaction_no). All scalar readers/writers default to
// big-endian ("native" for PakBus), with explicit *Lsf little-endian
// variants (spec.md §4.3).
//
// Grounded on original_source/Csi.PakBus.Bmp5Message.h and
// coratools/Csi.PakBus.Bmp5Message.cpp.
type Bmp5Message struct {
	*Message
	readPos int
}

// NewBmp5 returns an empty Bmp5Message with the given message type.
func NewBmp5(messageType byte) *Bmp5Message {
	m := New(Bmp5HeaderLen)
	m.HighProtocol = ProtocolBMP5
	bm := &Bmp5Message{Message: m}
	bm.SetMessageType(messageType)
	return bm
}

// FromMessage adapts an existing Message (e.g. one just decoded off the
// wire) into a Bmp5Message view over the same body.
func FromMessage(m *Message) *Bmp5Message {
	return &Bmp5Message{Message: m}
}

// MessageType returns the BMP5 message type code (first header byte).
func (b *Bmp5Message) MessageType() byte {
	if len(b.Raw()) < 1 {
		return 0
	}
	return b.Raw()[0]
}

// SetMessageType sets the BMP5 message type code.
func (b *Bmp5Message) SetMessageType(v byte) {
	b.ensureHeader()
	b.Raw()[0] = v
}

// TransactionNo returns the BMP5 transaction number (second header byte).
func (b *Bmp5Message) TransactionNo() byte {
	if len(b.Raw()) < 2 {
		return 0
	}
	return b.Raw()[1]
}

// SetTransactionNo sets the BMP5 transaction number.
func (b *Bmp5Message) SetTransactionNo(v byte) {
	b.ensureHeader()
	b.Raw()[1] = v
}

// ensureHeader grows the underlying buffer to at least Bmp5HeaderLen
// bytes and marks its first Bmp5HeaderLen bytes as the header, used when
// FromMessage wraps a Message that was not allocated with NewBmp5's
// header reservation: the wrapped message's existing first two bytes are
// taken as (message_type, transaction_no). Envelope fields (Source,
// Destination, ...) live on the embedded *Message and are untouched.
func (b *Bmp5Message) ensureHeader() {
	if len(b.body) < Bmp5HeaderLen {
		grown := make([]byte, Bmp5HeaderLen)
		copy(grown, b.body)
		b.body = grown
	}
	b.headerLen = Bmp5HeaderLen
}

// --- read cursor over the body, past the message-type/transaction header ---

func (b *Bmp5Message) readBytes(n int) []byte {
	body := b.Body()
	if b.readPos+n > len(body) {
		out := make([]byte, n)
		copy(out, body[b.readPos:])
		b.readPos = len(body)
		return out
	}
	out := body[b.readPos : b.readPos+n]
	b.readPos += n
	return out
}

// ResetRead rewinds the read cursor to the start of the body.
func (b *Bmp5Message) ResetRead() { b.readPos = 0 }

func readOrder(littleEndian bool) binary.ByteOrder {
	if littleEndian {
		return binary.LittleEndian
	}
	return binary.BigEndian
}

// ReadUInt2 reads a big-endian uint16 from the current cursor.
func (b *Bmp5Message) ReadUInt2() uint16 { return readOrder(false).Uint16(b.readBytes(2)) }

// ReadUInt2Lsf reads a little-endian uint16 from the current cursor.
func (b *Bmp5Message) ReadUInt2Lsf() uint16 { return readOrder(true).Uint16(b.readBytes(2)) }

// ReadInt2 reads a big-endian int16 from the current cursor.
func (b *Bmp5Message) ReadInt2() int16 { return int16(b.ReadUInt2()) }

// ReadInt2Lsf reads a little-endian int16 from the current cursor.
func (b *Bmp5Message) ReadInt2Lsf() int16 { return int16(b.ReadUInt2Lsf()) }

// ReadUInt4 reads a big-endian uint32 from the current cursor.
func (b *Bmp5Message) ReadUInt4() uint32 { return readOrder(false).Uint32(b.readBytes(4)) }

// ReadUInt4Lsf reads a little-endian uint32 from the current cursor.
func (b *Bmp5Message) ReadUInt4Lsf() uint32 { return readOrder(true).Uint32(b.readBytes(4)) }

// ReadInt4 reads a big-endian int32 from the current cursor.
func (b *Bmp5Message) ReadInt4() int32 { return int32(b.ReadUInt4()) }

// ReadInt4Lsf reads a little-endian int32 from the current cursor.
func (b *Bmp5Message) ReadInt4Lsf() int32 { return int32(b.ReadUInt4Lsf()) }

// ReadInt8 reads a big-endian int64 from the current cursor.
func (b *Bmp5Message) ReadInt8() int64 { return int64(readOrder(false).Uint64(b.readBytes(8))) }

// ReadInt8Lsf reads a little-endian int64 from the current cursor.
func (b *Bmp5Message) ReadInt8Lsf() int64 { return int64(readOrder(true).Uint64(b.readBytes(8))) }

// ReadIeee4 reads a big-endian IEEE-754 float32 from the current cursor.
func (b *Bmp5Message) ReadIeee4() float32 {
	return math.Float32frombits(readOrder(false).Uint32(b.readBytes(4)))
}

// ReadIeee4Lsf reads a little-endian IEEE-754 float32 from the current
// cursor.
func (b *Bmp5Message) ReadIeee4Lsf() float32 {
	return math.Float32frombits(readOrder(true).Uint32(b.readBytes(4)))
}

// ReadIeee8 reads a big-endian IEEE-754 float64 from the current cursor.
func (b *Bmp5Message) ReadIeee8() float64 {
	return math.Float64frombits(readOrder(false).Uint64(b.readBytes(8)))
}

// secondsSince1990Epoch is the Unix time of the PakBus epoch (1990-01-01).
const secondsSince1990Epoch = 631152000

// ReadSec reads a seconds-since-1990 timestamp, big-endian.
func (b *Bmp5Message) ReadSec() int64 {
	return int64(b.ReadUInt4()) + secondsSince1990Epoch
}

// ReadSecLsf reads a seconds-since-1990 timestamp, little-endian.
func (b *Bmp5Message) ReadSecLsf() int64 {
	return int64(b.ReadUInt4Lsf()) + secondsSince1990Epoch
}

// ReadNSec reads a (seconds-since-1990, nanoseconds) timestamp pair,
// big-endian, returning Unix nanoseconds.
func (b *Bmp5Message) ReadNSec() int64 {
	secs := int64(b.ReadUInt4())
	nsec := int64(b.ReadUInt4())
	return (secs+secondsSince1990Epoch)*1e9 + nsec
}

// ReadNSecLsf reads the same timestamp pair in little-endian.
func (b *Bmp5Message) ReadNSecLsf() int64 {
	secs := int64(b.ReadUInt4Lsf())
	nsec := int64(b.ReadUInt4Lsf())
	return (secs+secondsSince1990Epoch)*1e9 + nsec
}

// fp3Exponents is the published fixed exponent table used to expand the
// legacy 3-byte Campbell Scientific FP3 float into IEEE-754 (spec.md
// §4.3: "a published fixed table of exponents").
var fp3Exponents = [8]int{0, -1, -2, -3, -4, -5, -6, 0}

// ReadFp3 reads a 3-byte FP3 value and converts it to float32.
//
// FP3 layout (1 sign bit, 3-bit exponent selector, 20-bit mantissa)
// mirrors coratools/Csi.PakBus.Bmp5Message.cpp's csiFs3ToFloat: the top
// bit of the first byte is sign, the next three bits select an entry in
// fp3Exponents, and the remaining 20 bits form the mantissa.
func (b *Bmp5Message) ReadFp3() float32 {
	raw := b.readBytes(3)
	word := uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2])
	sign := (word >> 23) & 0x1
	exponentSel := (word >> 20) & 0x7
	mantissa := word & 0xFFFFF
	// Special-case NaN/"no data" pattern used by the logger family: sign
	// set with every mantissa and exponent bit set (or with the sign bit
	// clear for the "less than" variant). No ground truth for the exact
	// 24-bit pattern survives in original_source's csiFs3ToFloat (the
	// implementation is absent, only the call site remains); see
	// DESIGN.md's Open Questions for the FP2-vs-FP3 sentinel-width
	// discrepancy this replaces.
	if word == 0x9FFFFF || word == 0x1FFFFF {
		return float32(math.NaN())
	}
	value := float64(mantissa) * math.Pow(10, float64(fp3Exponents[exponentSel]))
	if sign == 1 {
		value = -value
	}
	return float32(value)
}

// --- writers, mirroring the readers above ---

func (b *Bmp5Message) writeBytes(buf []byte) { b.AppendBody(buf) }

// AddByte appends a single byte.
func (b *Bmp5Message) AddByte(v byte) { b.writeBytes([]byte{v}) }

// AddBool appends a byte: 0xFF for true, 0x00 for false.
func (b *Bmp5Message) AddBool(v bool) {
	if v {
		b.AddByte(0xFF)
	} else {
		b.AddByte(0x00)
	}
}

// AddUInt2 appends a big-endian uint16.
func (b *Bmp5Message) AddUInt2(v uint16) {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	b.writeBytes(buf)
}

// AddUInt2Lsf appends a little-endian uint16.
func (b *Bmp5Message) AddUInt2Lsf(v uint16) {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, v)
	b.writeBytes(buf)
}

// AddInt2 appends a big-endian int16.
func (b *Bmp5Message) AddInt2(v int16) { b.AddUInt2(uint16(v)) }

// AddInt2Lsf appends a little-endian int16.
func (b *Bmp5Message) AddInt2Lsf(v int16) { b.AddUInt2Lsf(uint16(v)) }

// AddUInt4 appends a big-endian uint32.
func (b *Bmp5Message) AddUInt4(v uint32) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	b.writeBytes(buf)
}

// AddUInt4Lsf appends a little-endian uint32.
func (b *Bmp5Message) AddUInt4Lsf(v uint32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, v)
	b.writeBytes(buf)
}

// AddInt4 appends a big-endian int32.
func (b *Bmp5Message) AddInt4(v int32) { b.AddUInt4(uint32(v)) }

// AddInt4Lsf appends a little-endian int32.
func (b *Bmp5Message) AddInt4Lsf(v int32) { b.AddUInt4Lsf(uint32(v)) }

// AddInt8 appends a big-endian int64.
func (b *Bmp5Message) AddInt8(v int64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(v))
	b.writeBytes(buf)
}

// AddInt8Lsf appends a little-endian int64.
func (b *Bmp5Message) AddInt8Lsf(v int64) {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, uint64(v))
	b.writeBytes(buf)
}

// AddIeee4 appends a big-endian IEEE-754 float32.
func (b *Bmp5Message) AddIeee4(v float32) {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, math.Float32bits(v))
	b.writeBytes(buf)
}

// AddIeee4Lsf appends a little-endian IEEE-754 float32.
func (b *Bmp5Message) AddIeee4Lsf(v float32) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, math.Float32bits(v))
	b.writeBytes(buf)
}

// AddIeee8 appends a big-endian IEEE-754 float64.
func (b *Bmp5Message) AddIeee8(v float64) {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, math.Float64bits(v))
	b.writeBytes(buf)
}

// AddSec appends a big-endian seconds-since-1990 timestamp built from a
// Unix-epoch second count.
func (b *Bmp5Message) AddSec(unixSeconds int64) {
	b.AddUInt4(uint32(unixSeconds - secondsSince1990Epoch))
}
