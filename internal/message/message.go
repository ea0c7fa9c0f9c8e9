package message

import (
	"fmt"
	"time"
)

// Message is the PakBus logical envelope: addressing, priority,
// expect-more, hop count, high-protocol tag, and a body capped at
// MaxBodyLen bytes for direct transmission.
//
// Grounded on original_source/coratools/Csi.PakBus.Message.h: the C++
// base class reserves a header prefix so subclasses (Bmp5Message) can
// prepend their own header without reallocating the body buffer. Body is
// represented here as a plain []byte with a separate headerLen count of
// leading bytes reserved for a subtype header, mirroring that behavior
// without needing inheritance.
type Message struct {
	Source                  uint16
	Destination             uint16
	PhysicalSource          uint16
	PhysicalDestination     uint16
	HighProtocol            Protocol
	HopCount                uint8
	Priority                Priority
	ExpectMore              ExpectMore
	PortOfOrigin            string
	UseOwnRoute             bool
	WillClose               bool
	Encrypted               bool
	ExpectedResponseInterval time.Duration

	headerLen int
	body      []byte
	createdAt time.Time
}

// New returns an empty Message reserving headerLen bytes at the front of
// the body for a subtype header (e.g. Bmp5Message's 2-byte prefix).
func New(headerLen int) *Message {
	return &Message{
		headerLen: headerLen,
		body:      make([]byte, headerLen),
		createdAt: time.Now(),
	}
}

// FromBytes constructs a Message whose body is buf (copied), with
// headerLen bytes reserved as the subtype header.
func FromBytes(buf []byte, headerLen int) *Message {
	body := make([]byte, len(buf))
	copy(body, buf)
	return &Message{
		headerLen: headerLen,
		body:      body,
		createdAt: time.Now(),
	}
}

// AgeMsec returns the number of milliseconds since this message was
// created or last had ResetAge called.
func (m *Message) AgeMsec() int64 {
	return time.Since(m.createdAt).Milliseconds()
}

// ResetAge resets the age timer, used on explicit retry (spec.md §3).
func (m *Message) ResetAge() { m.createdAt = time.Now() }

// HeaderLen returns the number of bytes reserved at the front of Body
// for a subtype header.
func (m *Message) HeaderLen() int { return m.headerLen }

// Raw returns the full underlying buffer including the reserved header
// prefix.
func (m *Message) Raw() []byte { return m.body }

// Body returns the bytes after the subtype header.
func (m *Message) Body() []byte { return m.body[m.headerLen:] }

// BodyLen returns len(Body()).
func (m *Message) BodyLen() int { return len(m.body) - m.headerLen }

// SetBody replaces everything after the subtype header.
func (m *Message) SetBody(b []byte) {
	m.body = append(m.body[:m.headerLen:m.headerLen], b...)
}

// AppendBody appends bytes to the message body.
func (m *Message) AppendBody(b []byte) {
	m.body = append(m.body, b...)
}

// protocolTypeStrings mirrors original_source/coratools/Csi.PakBus.Message.cpp's
// protocol_type_strings array; DescribeMessage clamps any protocol code
// above ProtocolEncrypted to the "encrypted" slot, so the "unknown" entry
// is never selected.
var protocolTypeStrings = [...]string{"PakCtrl", "BMP5", "datagram", "encrypted", "unknown"}

// DescribeMessage writes the one-line diagnostic string used by the
// port's comms log (spec.md §4.3) and reports whether this message is a
// BMP5 "please wait" notification (type 0xa1), which ports should not
// count against response timeouts.
func (m *Message) DescribeMessage() (string, bool) {
	msgType := byte(0)
	tran := byte(0)
	isPleaseWait := false
	if (m.HighProtocol == ProtocolPakCtrl || m.HighProtocol == ProtocolBMP5) && m.BodyLen() >= 2 {
		body := m.Body()
		msgType = body[0]
		tran = body[1]
		isPleaseWait = m.HighProtocol == ProtocolBMP5 && msgType == 0xa1
	}
	protoIdx := int(m.HighProtocol)
	if protoIdx > 3 {
		protoIdx = 3
	}
	s := fmt.Sprintf(
		"src: %d\",\"dest: %d\",\"proto: %s\",\"type: 0x%02x\",\"tran: %d",
		m.Source, m.Destination, protocolTypeStrings[protoIdx], msgType, tran)
	return s, isPleaseWait
}

// ShouldEncrypt reports whether this message's protocol should be wrapped
// in the AES cipher before transmission. Per spec.md §4.3, BMP5 messages
// are encrypted when a shared key is configured; PakCtrl messages always
// travel in the clear.
func (m *Message) ShouldEncrypt() bool {
	return m.HighProtocol == ProtocolBMP5
}
