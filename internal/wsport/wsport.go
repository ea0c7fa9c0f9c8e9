// Package wsport implements the WebSocket PakBus port variant (spec.md
// §4.7): the same Link state machine and Router contract as
// internal/port, but framed over WebSocket binary messages instead of a
// quoted serial byte stream.
//
// Unlike go-server-3/internal/transport.Server, which accepts inbound
// chat clients, a PakBus WebsockPort dials OUT to a datalogger's ws_url
// the way original_source/coratools/Csi.PakBus.WebsockPort.cpp's
// start_connect does, and re-dials on a fixed schedule when the
// connection drops (WebsockPort::on_failure). Port below borrows
// go-server-3's read/write-loop split and gobwas/ws usage, turned
// around to drive ws.Dialer instead of an http.Server upgrade.
//
// Each connection carries one PakBus neighbor's traffic; wsFrame below
// is the on-wire envelope [SYNC, 0xF0, len_hi, len_lo,
// serial_frame_bytes, SYNC] spec.md §4.7 specifies — unquoted, since a
// WebSocket binary frame is already a byte-safe transport.
package wsport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"go.uber.org/zap"

	"github.com/campbellsci/pakbus-link/internal/cipher"
	"github.com/campbellsci/pakbus-link/internal/codec"
	"github.com/campbellsci/pakbus-link/internal/message"
	"github.com/campbellsci/pakbus-link/internal/metrics"
	"github.com/campbellsci/pakbus-link/internal/port"
	"github.com/campbellsci/pakbus-link/internal/router"
)

const (
	wsFrameTag         = 0xF0
	defaultBeaconSecs  = 60
	defaultReconnect   = 10 * time.Second
	defaultDialTimeout = 10 * time.Second
	// worstCaseResponseMsec mirrors WebsockPort::get_worst_case_response,
	// which returns a fixed 10000ms regardless of link conditions.
	worstCaseResponseMsec = 10000
)

// Config carries a dial-out WebsockPort's tunables (spec.md §6).
type Config struct {
	// URL is the datalogger's ws:// or wss:// endpoint to dial.
	URL string
	// NetworkID is folded into the WebSocket subprotocol header the way
	// WebsockPort::start_connect does ("com.campbellsci.pbws." + id).
	NetworkID string

	BeaconInterval time.Duration
	ReconnectDelay time.Duration
	// ReconnectBudget is the number of consecutive dial failures
	// tolerated before the Router is notified of a delivery failure for
	// this port (spec.md §4.7's "on retry-budget exhaustion"); the
	// reconnect schedule itself continues indefinitely afterward since
	// the datalogger may simply be offline for a while (DESIGN.md Open
	// Question resolution). 0 disables the budget: failures still retry
	// on schedule but never notify the Router.
	ReconnectBudget int

	PortConfig port.Config
}

// DefaultConfig returns spec.md §6's WebSocket defaults.
func DefaultConfig() Config {
	return Config{
		BeaconInterval:  defaultBeaconSecs * time.Second,
		ReconnectDelay:  defaultReconnect,
		ReconnectBudget: 6,
	}
}

// connTransport adapts one dialed WebSocket connection to port.Transport.
// Dial is a no-op from PortBase's perspective: Port below owns the
// actual dial/redial loop, and hands PortBase an already-connected
// transport for the lifetime of one socket. Hangup closes that socket.
type connTransport struct {
	conn net.Conn
	mu   sync.Mutex
}

func (t *connTransport) Write(frame []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	envelope := wrapFrame(frame)
	if err := wsutil.WriteClientMessage(t.conn, ws.OpBinary, envelope); err != nil {
		return 0, err
	}
	return len(envelope), nil
}

func (t *connTransport) Dial() error   { return nil }
func (t *connTransport) Hangup() error { return t.conn.Close() }
func (t *connTransport) HalfDuplex() bool { return false }
func (t *connTransport) WorstCaseResponse() time.Duration {
	return worstCaseResponseMsec * time.Millisecond
}

// wrapFrame builds the [SYNC, 0xF0, len_hi, len_lo, frame, SYNC] envelope
// around an already-closed (signed) serial frame. frame is passed in
// quoted here: PortBase.writeFrame already quotes/frames it for a
// serial transport, so wsport re-derives the raw closed bytes via
// codec.Decoder instead of double-framing — dispatchBinary does the
// inverse on the read path.
func wrapFrame(quotedFrame []byte) []byte {
	raw := unquote(quotedFrame)
	out := make([]byte, 0, len(raw)+5)
	out = append(out, codec.SyncByte, wsFrameTag)
	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(raw)))
	out = append(out, lenBuf...)
	out = append(out, raw...)
	out = append(out, codec.SyncByte)
	return out
}

// unquote strips the leading/trailing SYNC and undoes quote-escaping
// PortBase.writeFrame applied via codec.Encode, recovering the closed
// (signed) SerialPacket bytes codec.Encode was given.
func unquote(framed []byte) []byte {
	d := codec.NewDecoder()
	for _, b := range framed {
		if b == codec.SyncByte {
			continue
		}
		if _, err := d.Decode(b); err != nil {
			continue
		}
	}
	return d.Take()
}

// dispatchBinary unwraps one or more
// [SYNC, 0xF0, len_hi, len_lo, frame, SYNC] envelopes from a WebSocket
// binary message and re-frames each closed SerialPacket through
// codec.Encode so PortBase.OnReceivedBytes can decode it exactly as it
// would a serial byte stream.
func dispatchBinary(payload []byte, pb *port.PortBase) {
	for len(payload) > 0 {
		if payload[0] != codec.SyncByte {
			return
		}
		if len(payload) < 4 || payload[1] != wsFrameTag {
			return
		}
		n := int(binary.BigEndian.Uint16(payload[2:4]))
		start := 4
		end := start + n
		if end+1 > len(payload) || payload[end] != codec.SyncByte {
			return
		}
		framed := codec.Encode(payload[start:end])
		pb.OnReceivedBytes(framed)
		payload = payload[end+1:]
	}
}

// Port dials a single datalogger's WebSocket endpoint and drives one
// port.PortBase per connection, re-dialing on a fixed schedule when the
// socket drops (spec.md §4.7).
type Port struct {
	Name string

	cfg      Config
	thisNode uint16
	r        router.Router
	pbCipher *cipher.Cipher
	log      *zap.Logger
	metrics  *metrics.Registry

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu                sync.Mutex
	pb                *port.PortBase
	pendingBroadcasts []*message.Message
	failures          int
}

// NewPort constructs a dial-out WebsockPort named name. pbCipher may be
// nil, meaning BMP5 bodies travel unencrypted (spec.md §4.3/§4.4).
func NewPort(name string, cfg Config, thisNode uint16, r router.Router, pbCipher *cipher.Cipher, log *zap.Logger, reg *metrics.Registry) *Port {
	return &Port{
		Name:     name,
		cfg:      cfg,
		thisNode: thisNode,
		r:        r,
		pbCipher: pbCipher,
		log:      log,
		metrics:  reg,
	}
}

// Start begins the dial/redial loop in a background goroutine. It
// returns immediately; Stop or ctx cancellation ends the loop.
func (pt *Port) Start(ctx context.Context) error {
	if pt.cancel != nil {
		return errors.New("wsport: port already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	pt.cancel = cancel
	pt.wg.Add(1)
	go func() {
		defer pt.wg.Done()
		pt.connectLoop(ctx)
	}()
	return nil
}

// Stop cancels the dial/redial loop and waits for the current connection
// (if any) to close.
func (pt *Port) Stop() {
	if pt.cancel != nil {
		pt.cancel()
	}
	pt.wg.Wait()
}

// EnqueueBroadcast queues a broadcast message the way WebsockPort's
// pending_broadcasts does: delivered immediately if connected, buffered
// until the next successful dial otherwise.
func (pt *Port) EnqueueBroadcast(m *message.Message) {
	pt.mu.Lock()
	pb := pt.pb
	pt.mu.Unlock()
	if pb != nil {
		pb.EnqueueBroadcast(m)
		return
	}
	pt.mu.Lock()
	pt.pendingBroadcasts = append(pt.pendingBroadcasts, m)
	pt.mu.Unlock()
}

func (pt *Port) connectLoop(ctx context.Context) {
	dialer := ws.Dialer{Timeout: defaultDialTimeout}
	if pt.cfg.NetworkID != "" {
		dialer.Protocols = []string{"com.campbellsci.pbws." + pt.cfg.NetworkID}
	}
	for ctx.Err() == nil {
		conn, br, _, err := dialer.Dial(ctx, pt.cfg.URL)
		if err != nil {
			if !pt.onConnectFailure(ctx, err) {
				return
			}
			continue
		}
		pt.failures = 0
		pt.runConnection(ctx, conn, br)
		if ctx.Err() != nil {
			return
		}
		if !pt.onConnectFailure(ctx, nil) {
			return
		}
	}
}

// onConnectFailure records one failed dial or dropped connection,
// notifies the Router once ReconnectBudget consecutive failures have
// accumulated (spec.md §4.7), and sleeps ReconnectDelay before the next
// attempt. It returns false if ctx was cancelled during the wait.
func (pt *Port) onConnectFailure(ctx context.Context, dialErr error) bool {
	pt.failures++
	if pt.log != nil {
		pt.log.Warn("wsport dial failed",
			zap.String("url", pt.cfg.URL),
			zap.Int("attempt", pt.failures),
			zap.Error(dialErr))
	}
	if pt.cfg.ReconnectBudget > 0 && pt.failures >= pt.cfg.ReconnectBudget {
		pt.r.OnPortDeliveryFailure(pt.Name, 0, false)
		pt.failures = 0
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(pt.cfg.ReconnectDelay):
		return true
	}
}

// runConnection drives one dialed socket to completion: builds a
// PortBase over it, flushes anything buffered while disconnected, pumps
// maintenance ticks, and reads until the socket closes or errors.
func (pt *Port) runConnection(ctx context.Context, conn net.Conn, br *bufio.Reader) {
	defer conn.Close()

	tr := &connTransport{conn: conn}
	pcfg := pt.cfg.PortConfig
	if pt.cfg.BeaconInterval > 0 {
		pcfg.BeaconInterval = pt.cfg.BeaconInterval
	}
	pb := port.New(pt.Name, pt.thisNode, pcfg, tr, pt.r, pt.pbCipher, pt.log, pt.metrics, time.Now)

	pt.mu.Lock()
	pt.pb = pb
	pending := pt.pendingBroadcasts
	pt.pendingBroadcasts = nil
	pt.mu.Unlock()

	pb.OnDialed()
	for _, m := range pending {
		pb.EnqueueBroadcast(m)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ticker := time.NewTicker(pt.cfg.PortConfig.MaintenanceInterval)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-connCtx.Done():
				return
			case now := <-ticker.C:
				pb.MaintenanceTick(now)
			}
		}
	}()

	pt.readLoop(connCtx, conn, br, pb)

	pt.mu.Lock()
	pt.pb = nil
	pt.mu.Unlock()
}

func (pt *Port) readLoop(ctx context.Context, conn net.Conn, br *bufio.Reader, pb *port.PortBase) {
	var src io.Reader = conn
	if br != nil {
		src = br
	}
	reader := wsutil.NewReader(src, ws.StateClientSide)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		head, err := reader.NextFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && pt.log != nil {
				pt.log.Debug("wsport read frame error", zap.Error(err))
			}
			return
		}

		switch head.OpCode {
		case ws.OpClose:
			_ = wsutil.WriteClientMessage(conn, ws.OpClose, nil)
			return
		case ws.OpPing:
			if err := wsutil.WriteClientMessage(conn, ws.OpPong, nil); err != nil {
				return
			}
		case ws.OpBinary:
			payload := make([]byte, head.Length)
			if _, err := io.ReadFull(reader, payload); err != nil {
				return
			}
			dispatchBinary(payload, pb)
		default:
			if _, err := io.CopyN(io.Discard, reader, int64(head.Length)); err != nil {
				return
			}
		}
	}
}
