package router

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/campbellsci/pakbus-link/internal/message"
	"github.com/campbellsci/pakbus-link/internal/metrics"
)

// NatsRouter is a Router backed by NATS, for deployments that run
// multiple pakbusd processes sharing one logical PakBus network:
// inbound messages are published to a subject per destination node so
// other processes (or application services) can subscribe, and outbound
// queues are still held in-process (NATS does not provide FIFO replay
// semantics suitable for the Link dispatcher's pop-one-at-a-time use).
//
// Grounded on go-server/pkg/nats/client.go: connection event handlers
// and reconnect/backoff options. Publishes are logged on failure; no
// metrics are recorded for them.
type NatsRouter struct {
	*MemRouter
	conn    *nats.Conn
	subject string
	log     *zap.Logger
}

// wireMessage is the JSON envelope published to NATS for each inbound
// PakBus message, mirroring go-server/pkg/nats/client.go's pattern of
// marshaling domain events before publish.
type wireMessage struct {
	Port        string `json:"port"`
	Source      uint16 `json:"source"`
	Destination uint16 `json:"destination"`
	Protocol    byte   `json:"protocol"`
	Body        []byte `json:"body"`
}

// NewNatsRouter connects to a NATS server and wraps a MemRouter for
// local queueing, publishing every OnPortMessage to subject.
func NewNatsRouter(url, subject string, thisNode uint16, log *zap.Logger, reg *metrics.Registry) (*NatsRouter, error) {
	nr := &NatsRouter{
		MemRouter: NewMemRouter(thisNode, log, reg),
		subject:   subject,
		log:       log,
	}

	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.ConnectHandler(nr.connectHandler),
		nats.DisconnectErrHandler(nr.disconnectHandler),
		nats.ReconnectHandler(nr.reconnectHandler),
		nats.ErrorHandler(nr.errorHandler),
	)
	if err != nil {
		return nil, fmt.Errorf("router: nats connect: %w", err)
	}
	nr.conn = conn
	return nr, nil
}

func (r *NatsRouter) connectHandler(c *nats.Conn) {
	if r.log != nil {
		r.log.Info("nats connected", zap.String("url", c.ConnectedUrl()))
	}
}

func (r *NatsRouter) disconnectHandler(c *nats.Conn, err error) {
	if r.log != nil {
		r.log.Warn("nats disconnected", zap.Error(err))
	}
}

func (r *NatsRouter) reconnectHandler(c *nats.Conn) {
	if r.log != nil {
		r.log.Info("nats reconnected", zap.String("url", c.ConnectedUrl()))
	}
}

func (r *NatsRouter) errorHandler(c *nats.Conn, sub *nats.Subscription, err error) {
	if r.log != nil {
		r.log.Error("nats error", zap.Error(err))
	}
}

// OnPortMessage publishes the message to NATS in addition to the
// MemRouter's local bookkeeping.
func (r *NatsRouter) OnPortMessage(port string, m *message.Message) {
	r.MemRouter.OnPortMessage(port, m)

	wm := wireMessage{
		Port:        port,
		Source:      m.Source,
		Destination: m.Destination,
		Protocol:    byte(m.HighProtocol),
		Body:        m.Body(),
	}
	data, err := json.Marshal(wm)
	if err != nil {
		if r.log != nil {
			r.log.Error("marshal port message for nats", zap.Error(err))
		}
		return
	}
	subject := fmt.Sprintf("%s.%d", r.subject, m.Destination)
	if err := r.conn.Publish(subject, data); err != nil && r.log != nil {
		r.log.Error("nats publish failed", zap.String("subject", subject), zap.Error(err))
	}
}

// Close closes the underlying NATS connection without draining it.
func (r *NatsRouter) Close() {
	if r.conn != nil {
		r.conn.Close()
	}
}
