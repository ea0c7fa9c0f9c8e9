package router

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/campbellsci/pakbus-link/internal/message"
	"github.com/campbellsci/pakbus-link/internal/metrics"
)

// queueKey identifies one (port, neighbor) outbound FIFO.
type queueKey struct {
	port     string
	neighbor uint16
}

// fifo is a mutex-guarded slice acting as a FIFO queue, the simplest
// structure that preserves the per-(port,neighbor) ordering spec.md §5
// requires; sync.Map (below) gives lock-free lookup across queues the
// way go-server-3/internal/session.Hub shards lookups across
// connections, but each individual queue still needs its own lock for
// FIFO push/pop.
type fifo struct {
	mu   sync.Mutex
	msgs []*message.Message
}

func (f *fifo) push(m *message.Message) {
	f.mu.Lock()
	f.msgs = append(f.msgs, m)
	f.mu.Unlock()
}

func (f *fifo) pop() (*message.Message, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.msgs) == 0 {
		return nil, false
	}
	m := f.msgs[0]
	f.msgs = f.msgs[1:]
	return m, true
}

func (f *fifo) count() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint32(len(f.msgs))
}

// MemRouter is an in-memory Router, grounded on
// go-server-3/internal/session.Hub's sharded sync.Map idiom: lookups
// across many (port,neighbor) queues use a lock-free map, and each
// queue has its own small lock for FIFO semantics.
type MemRouter struct {
	thisNode uint16
	log      *zap.Logger
	metrics  *metrics.Registry

	queues     sync.Map // queueKey -> *fifo
	neededPorts sync.Map // string(port) -> bool

	deliveryFailures int64
}

// NewMemRouter constructs a MemRouter for the given local node address.
func NewMemRouter(thisNode uint16, log *zap.Logger, reg *metrics.Registry) *MemRouter {
	return &MemRouter{thisNode: thisNode, log: log, metrics: reg}
}

func (r *MemRouter) queueFor(port string, neighbor uint16) *fifo {
	key := queueKey{port: port, neighbor: neighbor}
	if v, ok := r.queues.Load(key); ok {
		return v.(*fifo)
	}
	v, _ := r.queues.LoadOrStore(key, &fifo{})
	return v.(*fifo)
}

// ThisNodeAddress implements Router.
func (r *MemRouter) ThisNodeAddress() uint16 { return r.thisNode }

// OnBeacon implements Router.
func (r *MemRouter) OnBeacon(port string, source uint16, wasBroadcast bool) {
	if r.log != nil {
		r.log.Debug("beacon", zap.String("port", port), zap.Uint16("source", source), zap.Bool("broadcast", wasBroadcast))
	}
}

// OnPortReady implements Router.
func (r *MemRouter) OnPortReady(port string) {
	r.neededPorts.Store(port, true)
	if r.log != nil {
		r.log.Info("port ready", zap.String("port", port))
	}
}

// OnPortMessage implements Router.
func (r *MemRouter) OnPortMessage(port string, m *message.Message) {
	if r.log != nil {
		desc, _ := m.DescribeMessage()
		r.log.Debug("port message", zap.String("port", port), zap.String("event", desc))
	}
}

// OnPortDeliveryFailure implements Router.
func (r *MemRouter) OnPortDeliveryFailure(port string, neighbor uint16, hasNeighbor bool) {
	atomic.AddInt64(&r.deliveryFailures, 1)
	if r.metrics != nil {
		r.metrics.PortDeliveryFailed.WithLabelValues(port).Inc()
	}
	if r.log != nil {
		if hasNeighbor {
			r.log.Warn("port delivery failure", zap.String("port", port), zap.Uint16("neighbor", neighbor))
		} else {
			r.log.Warn("port delivery failure", zap.String("port", port))
		}
	}
}

// GetNextPortMessage implements Router.
func (r *MemRouter) GetNextPortMessage(port string, neighbor uint16) (*message.Message, bool) {
	return r.queueFor(port, neighbor).pop()
}

// CountMessagesForPort implements Router.
func (r *MemRouter) CountMessagesForPort(port string, neighbor uint16) uint32 {
	return r.queueFor(port, neighbor).count()
}

// PortIsNeeded implements Router.
func (r *MemRouter) PortIsNeeded(port string) bool {
	v, ok := r.neededPorts.Load(port)
	return ok && v.(bool)
}

// OnPortLog implements Router.
func (r *MemRouter) OnPortLog(port string, line string) {
	if r.log != nil {
		r.log.Info("port log", zap.String("port", port), zap.String("line", line))
	}
}

// Enqueue appends m to the FIFO for (port, neighbor). Used by
// application code submitting outbound transactions, not by the
// dispatcher itself.
func (r *MemRouter) Enqueue(port string, neighbor uint16, m *message.Message) error {
	if neighbor > message.BroadcastAddress {
		return fmt.Errorf("router: %w", ErrBadNeighbor)
	}
	r.queueFor(port, neighbor).push(m)
	return nil
}

// MarkPortIdle lets a port stop being treated as needed once its owner
// is done with it (e.g. on graceful shutdown).
func (r *MemRouter) MarkPortIdle(port string) {
	r.neededPorts.Store(port, false)
}
