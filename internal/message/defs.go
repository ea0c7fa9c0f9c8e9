// Package message implements the PakBus logical envelope (Message) and
// its BMP5 application-layer specialization (Bmp5Message).
package message

// LinkState mirrors the four high-order bits of a SerialPacket header's
// first byte: the state of the link as reported by sender or peer.
type LinkState byte

const (
	LinkOffline           LinkState = 8
	LinkRing              LinkState = 9
	LinkReady             LinkState = 10
	LinkFinished          LinkState = 11
	LinkPause             LinkState = 12
	LinkReserved          LinkState = 13
	LinkCapabilities      LinkState = 14
)

// ExpectMore mirrors the two-bit expect-more field.
type ExpectMore byte

const (
	ExpectNeutral         ExpectMore = 0
	ExpectLast            ExpectMore = 1
	ExpectMoreFlag        ExpectMore = 2
	ExpectMoreOpposite    ExpectMore = 3
)

// Priority mirrors the two-bit priority field.
type Priority byte

const (
	PriorityLow       Priority = 0
	PriorityNormal    Priority = 1
	PriorityHigh      Priority = 2
	PriorityExtraHigh Priority = 3
)

// Protocol mirrors the high-protocol nibble.
type Protocol byte

const (
	ProtocolPakCtrl   Protocol = 0
	ProtocolBMP5      Protocol = 1
	ProtocolDatagram  Protocol = 2
	ProtocolEncrypted Protocol = 3
)

// Capability mirrors SerialPacket's control-packet capability field.
type Capability byte

const (
	CapLinkState                  Capability = 0
	CapUnquoted                   Capability = 1
	CapLinkStateUnquotedRetrying  Capability = 2
)

// BroadcastAddress is the reserved physical/logical address meaning "all
// neighbors" (spec.md §6).
const BroadcastAddress uint16 = 4095

// MaxBodyLen is the maximum PakBus message body length for direct
// transmission (spec.md §3).
const MaxBodyLen = 1000

// MaxAddress is the largest legal physical/logical address excluding the
// broadcast address.
const MaxAddress uint16 = 4094
