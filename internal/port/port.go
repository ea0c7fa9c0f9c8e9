// Package port implements PortBase, the per-transport owner of the
// decode buffer, the Links map, and the maintenance/beacon/send-delay
// timers (spec.md §4.6). PortBase is transport-agnostic: it drives a
// small Transport interface for the actual bytes, so the same state
// machine backs both a serial-style internal/wsport.Port and any future
// dial-up variant, the way go-server-3/internal/transport.Server drives
// gobwas/ws underneath a connection-agnostic session.Hub.
package port

import (
	"bytes"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/campbellsci/pakbus-link/internal/cipher"
	"github.com/campbellsci/pakbus-link/internal/codec"
	"github.com/campbellsci/pakbus-link/internal/link"
	"github.com/campbellsci/pakbus-link/internal/message"
	"github.com/campbellsci/pakbus-link/internal/metrics"
	"github.com/campbellsci/pakbus-link/internal/packet"
	"github.com/campbellsci/pakbus-link/internal/pberrors"
	"github.com/campbellsci/pakbus-link/internal/router"
)

// noCarrierTag is the ASCII marker a modem emits when the carrier drops,
// scanned for in the decode buffer only after a signature or quote
// failure (original_source/Csi.PakBus.SerialPacketBase.cpp's
// has_no_carrier placement, spec.md §4.1/§4.6).
var noCarrierTag = []byte("NO CARRIER")

// Transport is the byte-level sink/source a PortBase drives. Dial is a
// no-op for transports whose connection is established elsewhere (e.g.
// internal/wsport's dial-out socket, whose Hangup closes it); HalfDuplex and WorstCaseResponse tune the send-delay timer
// per spec.md §4.6: on a half-duplex link, every inbound byte re-arms
// the send-delay deadline WorstCaseResponse()/2 into the future
// (original_source/Csi.PakBus.SerialPacketBase.cpp's on_data_read),
// so the port doesn't key up over a reply that is still arriving.
type Transport interface {
	Write(frame []byte) (int, error)
	Dial() error
	Hangup() error
	HalfDuplex() bool
	WorstCaseResponse() time.Duration
}

// Config carries PortBase's tunables (spec.md §6).
type Config struct {
	MaintenanceInterval time.Duration
	ClosePortDelay      time.Duration
	SendDelay           time.Duration
	MaxBodyLen          int
	BeaconInterval      time.Duration // 0 disables beaconing (spec.md's 0xFFFF sentinel)
	LinkConfig          link.Config
}

// PortBase is the per-transport link-layer engine.
type PortBase struct {
	Name string

	cfg       Config
	thisNode  uint16
	transport Transport
	r         router.Router
	cipher    *cipher.Cipher
	log       *zap.Logger
	metrics   *metrics.Registry
	clock     func() time.Time

	decoder *codec.Decoder
	links   map[uint16]*link.Link

	waitingBroadcasts []*message.Message

	dialed          bool
	sendDelayUntil  time.Time
	lastActivity    time.Time
	nextBeaconAt    time.Time
	closePendingAt  time.Time // zero if not pending
}

// New constructs a PortBase. thisNode is this node's own PakBus address,
// used to rewrite broadcast destinations (spec.md testable property 8)
// and to stamp outbound frames' source field.
func New(name string, thisNode uint16, cfg Config, t Transport, r router.Router, c *cipher.Cipher, log *zap.Logger, reg *metrics.Registry, clock func() time.Time) *PortBase {
	if clock == nil {
		clock = time.Now
	}
	return &PortBase{
		Name:      name,
		cfg:       cfg,
		thisNode:  thisNode,
		transport: t,
		r:         r,
		cipher:    c,
		log:       log,
		metrics:   reg,
		clock:     clock,
		decoder:   codec.NewDecoder(),
		links:     make(map[uint16]*link.Link),
	}
}

func (p *PortBase) logf(msg string, fields ...zap.Field) {
	if p.log != nil {
		p.log.Info(msg, append([]zap.Field{zap.String("port", p.Name)}, fields...)...)
	}
}

// linkFor returns the Link for neighbor, creating it if absent.
func (p *PortBase) linkFor(neighbor uint16) *link.Link {
	if l, ok := p.links[neighbor]; ok {
		return l
	}
	n := neighbor
	l := link.New(n, p.thisNode, p.cfg.LinkConfig, p.cfg.LinkConfig.RingRetryMin, func() uint32 {
		return p.r.CountMessagesForPort(p.Name, n)
	}, p.clock)
	p.links[neighbor] = l
	return l
}

// NotifyEnqueued is called by application/router glue after a message is
// enqueued for neighbor, so the Link can transition out of offline
// (spec.md §4.5's "enqueue while port offline/online" triggers).
func (p *PortBase) NotifyEnqueued(neighbor uint16) {
	l := p.linkFor(neighbor)
	p.runActions(l, l.Enqueue(p.dialed))
	p.pump()
}

// EnqueueBroadcast queues m to go out as a broadcast SerialPacket ahead
// of any per-neighbor traffic (spec.md §4.6's outbound pump order).
func (p *PortBase) EnqueueBroadcast(m *message.Message) {
	p.waitingBroadcasts = append(p.waitingBroadcasts, m)
	p.pump()
}

// OnDialed notifies the port that its transport has connected/answered.
func (p *PortBase) OnDialed() {
	p.dialed = true
	p.lastActivity = p.clock()
	for _, l := range p.links {
		p.runActions(l, l.OnPortReady())
	}
	p.r.OnPortReady(p.Name)
	p.scheduleBeacon()
	p.pump()
}

// OnReceivedBytes feeds inbound transport bytes through the decoder,
// dispatching each completed frame. On a half-duplex transport, every
// byte re-arms the send-delay deadline (spec.md §5), so a reply that is
// still streaming in keeps the port from keying up over it;
// handleCandidateFrame collapses the deadline back to "now" once a full
// frame closes, allowing an immediate reply.
func (p *PortBase) OnReceivedBytes(data []byte) {
	halfDuplex := p.transport.HalfDuplex()
	var delay time.Duration
	if halfDuplex {
		delay = p.transport.WorstCaseResponse() / 2
	}
	for _, b := range data {
		if halfDuplex {
			p.sendDelayUntil = p.clock().Add(delay)
		}
		outcome, err := p.decoder.Decode(b)
		if err != nil {
			p.handleDecodeFailure()
			continue
		}
		if outcome == codec.SyncFound {
			p.handleCandidateFrame()
		}
	}
}

func (p *PortBase) handleDecodeFailure() {
	if p.metrics != nil {
		p.metrics.FramingErrors.Inc()
	}
	noCarrier := bytes.Contains(p.decoder.Bytes(), noCarrierTag)
	p.decoder.Reset()
	if noCarrier {
		p.declareLinkLost()
		return
	}
	p.logf("pakbus framing error")
}

func (p *PortBase) handleCandidateFrame() {
	frame := p.decoder.Take()
	if len(frame) < 2 || !codec.VerifyClosed(frame) {
		if p.metrics != nil {
			p.metrics.CRCFailures.Inc()
		}
		if bytes.Contains(frame, noCarrierTag) {
			p.declareLinkLost()
			return
		}
		p.logf("pakbus signature mismatch")
		return
	}
	if p.metrics != nil {
		p.metrics.FramesDecoded.Inc()
	}
	p.lastActivity = p.clock()
	if p.transport.HalfDuplex() {
		p.sendDelayUntil = p.clock()
	}

	pk := packet.FromBytes(frame[:len(frame)-2])
	neighbor := pk.SourcePhysicalAddress()
	linkState := pk.LinkState()
	l := p.linkFor(neighbor)

	addressedToUs := pk.Destination() == p.thisNode || pk.Destination() == message.BroadcastAddress
	p.runActions(l, l.OnInboundFrame(linkState, addressedToUs))

	if len(pk.Body()) == 0 {
		if pk.Destination() == message.BroadcastAddress {
			p.r.OnBeacon(p.Name, pk.Source(), true)
		}
		return
	}

	m := pk.ToMessage()
	if m.ShouldEncrypt() && p.cipher != nil {
		if err := p.decryptInPlace(m); err != nil {
			if p.metrics != nil {
				p.metrics.CipherOperations.WithLabelValues("decrypt", "error").Inc()
			}
			p.logf("pakbus decryption failure", zap.Error(err))
			return
		}
		if p.metrics != nil {
			p.metrics.CipherOperations.WithLabelValues("decrypt", "ok").Inc()
		}
	}
	if m.Destination == message.BroadcastAddress {
		m.Destination = p.thisNode
	}
	m.PortOfOrigin = p.Name
	l.RecordSession(m.Source, m.Destination, m.ExpectMore, p.clock())
	p.r.OnPortMessage(p.Name, m)
}

func (p *PortBase) declareLinkLost() {
	p.logf("pakbus link lost: no carrier")
	for n := range p.links {
		p.r.OnPortDeliveryFailure(p.Name, n, true)
	}
	p.hangup()
}

func (p *PortBase) hangup() {
	p.links = make(map[uint16]*link.Link)
	p.waitingBroadcasts = nil
	p.decoder.Reset()
	p.sendDelayUntil = time.Time{}
	p.closePendingAt = time.Time{}
	if p.dialed {
		_ = p.transport.Hangup()
	}
	p.dialed = false
	p.r.OnPortDeliveryFailure(p.Name, 0, false)
}

// runActions executes the side effects a Link FSM transition requested.
func (p *PortBase) runActions(l *link.Link, actions []link.Action) {
	for _, a := range actions {
		switch a.Kind {
		case link.ActionDial:
			if err := p.transport.Dial(); err != nil {
				p.logf("dial failed", zap.Error(err))
			}
		case link.ActionSendRing:
			p.sendControlFrame(l.Neighbor, message.LinkRing, a.LeadSyncs)
			if p.metrics != nil {
				p.metrics.RingAttempts.Inc()
			}
		case link.ActionSendFinished:
			p.sendControlFrame(l.Neighbor, message.LinkFinished, 0)
		case link.ActionPumpSend:
			p.pump()
		case link.ActionNotifyDeliveryFailure:
			p.r.OnPortDeliveryFailure(p.Name, l.Neighbor, true)
			if p.metrics != nil {
				p.metrics.RingExhausted.Inc()
			}
		case link.ActionDeleteLink:
			delete(p.links, l.Neighbor)
		}
	}
}

// sendControlFrame writes a body-less SerialPacket carrying the given
// link-state to neighbor, preceded by leadSyncs extra SYNC bytes (the
// baud-rate synch sequence for a first ring, spec.md §4.5).
func (p *PortBase) sendControlFrame(neighbor uint16, state message.LinkState, leadSyncs int) {
	pk := packet.Empty(packet.MinHeaderLen)
	pk.SetLinkState(state)
	_ = pk.SetDestinationPhysicalAddress(neighbor)
	_ = pk.SetSourcePhysicalAddress(p.thisNode)
	p.writeFrame(pk, leadSyncs)
}

// pump implements PortBase's outbound pump (spec.md §4.6): flush
// waiting broadcasts first, then ask each ready Link for one message,
// stopping once the send-delay timer is armed.
func (p *PortBase) pump() {
	if p.clock().Before(p.sendDelayUntil) {
		return
	}
	if len(p.waitingBroadcasts) > 0 {
		m := p.waitingBroadcasts[0]
		p.waitingBroadcasts = p.waitingBroadcasts[1:]
		pk, err := packet.FromMessage(m)
		if err == nil {
			_ = pk.SetDestinationPhysicalAddress(message.BroadcastAddress)
			pk.SetLinkState(message.LinkOffline)
			p.writeFrame(pk, 0)
		}
		return
	}
	for neighbor, l := range p.links {
		if l.State() != link.StateReady {
			continue
		}
		m, ok := p.r.GetNextPortMessage(p.Name, neighbor)
		if !ok {
			continue
		}
		p.sendMessage(l, m)
		return
	}
}

func (p *PortBase) sendMessage(l *link.Link, m *message.Message) {
	if m.ShouldEncrypt() && p.cipher != nil {
		if err := p.encryptInPlace(m); err != nil {
			p.logf("encrypt failed", zap.Error(err))
			return
		}
	}
	pk, err := packet.FromMessage(m)
	if err != nil {
		p.logf("build packet failed", zap.Error(err))
		return
	}
	pk.SetLinkState(message.LinkReady)
	_ = pk.SetDestinationPhysicalAddress(l.Neighbor)
	_ = pk.SetSourcePhysicalAddress(p.thisNode)
	l.RecordSession(m.Source, m.Destination, m.ExpectMore, p.clock())
	p.writeFrame(pk, 0)

	delay := p.cfg.SendDelay
	if p.transport.HalfDuplex() && m.ExpectedResponseInterval > 0 {
		delay = m.ExpectedResponseInterval
	}
	p.sendDelayUntil = p.clock().Add(delay)
}

// encryptInPlace wraps m's body in the AES envelope described by
// spec.md §4.3/§4.4: cipher-code, nonce length, nonce, plaintext length,
// then padded ciphertext.
func (p *PortBase) encryptInPlace(m *message.Message) error {
	plaintext := m.Body()
	if len(plaintext) > p.cfg.MaxBodyLen {
		return pberrors.ErrPayloadTooLarge
	}
	nonce := []byte{byte(p.clock().UnixNano()), byte(p.clock().UnixNano() >> 8), byte(p.clock().UnixNano() >> 16), byte(p.clock().UnixNano() >> 24)}
	ct, err := p.cipher.Encrypt(nonce, plaintext)
	if err != nil {
		if p.metrics != nil {
			p.metrics.CipherOperations.WithLabelValues("encrypt", "error").Inc()
		}
		return err
	}
	if p.metrics != nil {
		p.metrics.CipherOperations.WithLabelValues("encrypt", "ok").Inc()
	}
	envelope := make([]byte, 0, 1+1+len(nonce)+2+len(ct))
	envelope = append(envelope, 0x01, byte(len(nonce)))
	envelope = append(envelope, nonce...)
	envelope = append(envelope, byte(len(plaintext)>>8), byte(len(plaintext)))
	envelope = append(envelope, ct...)
	m.SetBody(envelope)
	m.Encrypted = true
	return nil
}

// decryptInPlace reverses encryptInPlace: it unwraps the AES envelope
// spec.md §4.3/§4.4 describes from m's body, decrypts it, and truncates
// to the declared plaintext length (spec.md testable property 7, S6).
// Returns pberrors.ErrDecryptionFailure if the envelope is malformed.
func (p *PortBase) decryptInPlace(m *message.Message) error {
	body := m.Body()
	if len(body) < 2 {
		return pberrors.ErrDecryptionFailure
	}
	cipherCode := body[0]
	nonceLen := int(body[1])
	if cipherCode != 0x01 || len(body) < 2+nonceLen+2 {
		return pberrors.ErrDecryptionFailure
	}
	nonce := body[2 : 2+nonceLen]
	rest := body[2+nonceLen:]
	plaintextLen := int(rest[0])<<8 | int(rest[1])
	ciphertext := rest[2:]
	if len(ciphertext)%cipher.BlockSize != 0 || plaintextLen > len(ciphertext) {
		return pberrors.ErrDecryptionFailure
	}
	plaintext, err := p.cipher.Decrypt(nonce, ciphertext)
	if err != nil {
		return fmt.Errorf("%w: %v", pberrors.ErrDecryptionFailure, err)
	}
	m.SetBody(plaintext[:plaintextLen])
	m.Encrypted = true
	return nil
}

// writeFrame appends the CRC nullifier, quotes, frames with SYNC, and
// writes pk to the transport, preceded by leadSyncs extra SYNC bytes.
func (p *PortBase) writeFrame(pk *packet.SerialPacket, leadSyncs int) {
	raw := pk.Bytes()
	sig := codec.Signature(raw)
	null := codec.Nullifier(sig)
	closed := append(append([]byte{}, raw...), null[0], null[1])
	framed := codec.Encode(closed)

	out := framed
	if leadSyncs > 0 {
		lead := make([]byte, leadSyncs)
		for i := range lead {
			lead[i] = codec.SyncByte
		}
		out = append(lead, framed...)
	}
	if _, err := p.transport.Write(out); err != nil {
		p.logf("write failed", zap.Error(err))
		return
	}
	if p.metrics != nil {
		p.metrics.FramesEncoded.Inc()
	}
}

// MaintenanceTick runs the 1s housekeeping pass (spec.md §4.6).
func (p *PortBase) MaintenanceTick(now time.Time) {
	if p.dialed && !p.lastActivity.IsZero() && now.Sub(p.lastActivity) > 10*p.cfg.LinkConfig.WatchdogTimeout {
		p.declareLinkLost()
		return
	}

	for neighbor, l := range p.links {
		if l.State() == link.StateOffline && !l.ShouldKeepLink(now) {
			delete(p.links, neighbor)
			continue
		}
		p.runActions(l, l.Tick(now))
	}

	if len(p.links) == 0 && p.dialed && !p.r.PortIsNeeded(p.Name) {
		if p.closePendingAt.IsZero() {
			p.closePendingAt = now.Add(p.cfg.ClosePortDelay)
			return
		}
		if !now.Before(p.closePendingAt) {
			p.hangup()
		}
		return
	}
	p.closePendingAt = time.Time{}

	p.maybeBeacon(now)
}

func (p *PortBase) scheduleBeacon() {
	if p.cfg.BeaconInterval > 0 {
		p.nextBeaconAt = p.clock().Add(p.cfg.BeaconInterval)
	}
}

// maybeBeacon emits a broadcast PakCtrl beacon every BeaconInterval
// while online, deferring 250ms if any Link is finished (spec.md §4.6).
func (p *PortBase) maybeBeacon(now time.Time) {
	if p.cfg.BeaconInterval <= 0 || !p.dialed {
		return
	}
	if now.Before(p.nextBeaconAt) {
		return
	}
	for _, l := range p.links {
		if l.State() == link.StateFinished {
			p.nextBeaconAt = now.Add(250 * time.Millisecond)
			return
		}
	}
	beacon := packet.Empty(packet.MinHeaderLen)
	beacon.SetLinkState(message.LinkOffline)
	_ = beacon.SetDestinationPhysicalAddress(message.BroadcastAddress)
	_ = beacon.SetSourcePhysicalAddress(p.thisNode)
	p.writeFrame(beacon, 0)
	p.r.OnBeacon(p.Name, p.thisNode, true)
	p.nextBeaconAt = now.Add(p.cfg.BeaconInterval)
}

// ActiveLinkCount reports the number of Links not in StateOffline. The
// pakbus_active_links gauge is not updated from it.
func (p *PortBase) ActiveLinkCount() int {
	n := 0
	for _, l := range p.links {
		if l.State() != link.StateOffline {
			n++
		}
	}
	return n
}
