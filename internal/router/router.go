// Package router implements the Router contract the PakBus link engine
// calls into (spec.md §4.8): per-(port,neighbor) FIFO queues, delivery
// notifications, and beacon/log callbacks.
package router

import (
	"errors"

	"github.com/campbellsci/pakbus-link/internal/message"
)

// BroadcastAddress mirrors message.BroadcastAddress for callers that
// only import router.
const BroadcastAddress = message.BroadcastAddress

// ErrBadNeighbor is returned by Enqueue when neighbor exceeds the legal
// PakBus address range.
var ErrBadNeighbor = errors.New("router: neighbor address out of range")

// Router is the contract the Link/Port layer invokes. Implementations
// need not be safe for concurrent use by more than one port at a time
// unless documented otherwise; the dispatcher (spec.md §5) is
// single-threaded per port.
type Router interface {
	// ThisNodeAddress returns this PakBus node's own address.
	ThisNodeAddress() uint16

	// OnBeacon is invoked when a beacon frame is observed.
	OnBeacon(port string, source uint16, wasBroadcast bool)

	// OnPortReady is invoked when a port transitions to usable (dialed,
	// or its websocket connection was established).
	OnPortReady(port string)

	// OnPortMessage delivers an inbound Message to the Router.
	OnPortMessage(port string, m *message.Message)

	// OnPortDeliveryFailure reports that port (optionally a specific
	// neighbor) can no longer deliver queued messages.
	OnPortDeliveryFailure(port string, neighbor uint16, hasNeighbor bool)

	// GetNextPortMessage pops the next queued outbound message for
	// (port, neighbor) in FIFO order. ok is false if the queue is empty.
	GetNextPortMessage(port string, neighbor uint16) (m *message.Message, ok bool)

	// CountMessagesForPort reports how many messages are queued for
	// (port, neighbor).
	CountMessagesForPort(port string, neighbor uint16) uint32

	// PortIsNeeded reports whether the port should stay dialed/connected
	// even with no active Links (e.g. pending enqueue elsewhere).
	PortIsNeeded(port string) bool

	// OnPortLog reports a comms-log or debug-log line for a port.
	OnPortLog(port string, line string)
}

// Enqueue is the inverse operation most Router implementations also
// need to expose to callers outside the Link/Port dispatcher (e.g. an
// application submitting an outbound BMP5 transaction); it is not part
// of the core contract the dispatcher calls, but every concrete Router
// in this package implements it.
type Enqueue interface {
	Enqueue(port string, neighbor uint16, m *message.Message) error
}
