package port

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/campbellsci/pakbus-link/internal/cipher"
	"github.com/campbellsci/pakbus-link/internal/codec"
	"github.com/campbellsci/pakbus-link/internal/link"
	"github.com/campbellsci/pakbus-link/internal/message"
	"github.com/campbellsci/pakbus-link/internal/packet"
	"github.com/campbellsci/pakbus-link/internal/router"
)

// fakeTransport records every frame written to it and lets tests
// simulate Dial/Hangup without a real connection.
type fakeTransport struct {
	mu         sync.Mutex
	written    [][]byte
	dialCount  int
	hangups    int
	halfDuplex bool
	dialErr    error
}

func (t *fakeTransport) Write(frame []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := append([]byte{}, frame...)
	t.written = append(t.written, cp)
	return len(frame), nil
}
func (t *fakeTransport) Dial() error   { t.dialCount++; return t.dialErr }
func (t *fakeTransport) Hangup() error { t.hangups++; return nil }
func (t *fakeTransport) HalfDuplex() bool { return t.halfDuplex }
func (t *fakeTransport) WorstCaseResponse() time.Duration { return 2 * time.Second }

func (t *fakeTransport) lastFrame() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.written) == 0 {
		return nil
	}
	return t.written[len(t.written)-1]
}

func (t *fakeTransport) frameCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.written)
}

func testConfig() Config {
	return Config{
		MaintenanceInterval: time.Second,
		ClosePortDelay:      250 * time.Millisecond,
		SendDelay:           5 * time.Millisecond,
		MaxBodyLen:          1000,
		BeaconInterval:      0,
		LinkConfig:          link.DefaultConfig(),
	}
}

// encodeInboundControl builds a raw wire frame (SYNC...SYNC, quoted,
// signed) carrying a body-less SerialPacket with the given link-state,
// source and destination, for feeding into PortBase.OnReceivedBytes.
func encodeInboundControl(state message.LinkState, src, dst uint16) []byte {
	pk := packet.Empty(packet.MinHeaderLen)
	pk.SetLinkState(state)
	_ = pk.SetSourcePhysicalAddress(src)
	_ = pk.SetDestinationPhysicalAddress(dst)
	raw := pk.Bytes()
	sig := codec.Signature(raw)
	null := codec.Nullifier(sig)
	closed := append(append([]byte{}, raw...), null[0], null[1])
	return codec.Encode(closed)
}

func TestPortRingExhaustionNotifiesRouter(t *testing.T) {
	// Scenario S3: ring exhaustion after the configured retry budget,
	// Router receives a delivery failure for the neighbor.
	clk := time.Unix(0, 0)
	now := func() time.Time { return clk }
	tr := &fakeTransport{}
	r := router.NewMemRouter(1, nil, nil)
	notified := false
	stub := &stubRouter{MemRouterLike: r, onDeliveryFailure: func(port string, neighbor uint16, hasNeighbor bool) {
		if hasNeighbor && neighbor == 1024 {
			notified = true
		}
	}}
	p := New("port0", 1, testConfig(), tr, stub, nil, nil, nil, now)

	if err := r.Enqueue("port0", 1024, message.New(0)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	p.OnDialed()
	p.NotifyEnqueued(1024)

	if tr.frameCount() == 0 {
		t.Fatalf("expected a ring frame to be written")
	}

	for i := 0; i < 10; i++ {
		clk = clk.Add(2 * time.Second)
		p.MaintenanceTick(clk)
	}

	if _, ok := p.links[1024]; ok {
		t.Fatalf("expected Link for 1024 to be removed after ring exhaustion")
	}
	if !notified {
		t.Fatalf("expected Router delivery failure for neighbor 1024 after ring exhaustion")
	}
}

func TestPortCRCFailureWithoutNoCarrierIsRecoverable(t *testing.T) {
	// Scenario S4: a corrupted frame logs a framing error and clears the
	// decode buffer, but the next well-formed frame still decodes.
	tr := &fakeTransport{}
	r := router.NewMemRouter(1, nil, nil)
	p := New("port0", 1, testConfig(), tr, r, nil, nil, nil, nil)
	p.OnDialed()

	good := encodeInboundControl(message.LinkRing, 1024, 1)
	corrupt := append([]byte{}, good...)
	corrupt[len(corrupt)/2] ^= 0xFF

	p.OnReceivedBytes(corrupt)
	if _, ok := p.links[1024]; ok {
		t.Fatalf("corrupted frame should not have produced a Link transition")
	}

	p.OnReceivedBytes(good)
	l, ok := p.links[1024]
	if !ok {
		t.Fatalf("expected Link for 1024 after well-formed frame")
	}
	if l.State() != link.StateReady && l.State() != link.StateRinging {
		t.Fatalf("unexpected state after recovery: %v", l.State())
	}
}

func TestPortNoCarrierDeclaresLinkLost(t *testing.T) {
	// Scenario S5: a NO CARRIER tag observed mid-decode drops every Link
	// and notifies the Router, then hangs up the transport.
	tr := &fakeTransport{}
	r := router.NewMemRouter(1, nil, nil)
	p := New("port0", 1, testConfig(), tr, r, nil, nil, nil, nil)
	p.dialed = true
	p.links[1024] = link.New(1024, 1, link.DefaultConfig(), time.Second, func() uint32 { return 0 }, nil)

	garbage := append([]byte{codec.SyncByte}, []byte("junkNO CARRIER")...)
	garbage = append(garbage, codec.SyncByte)
	p.OnReceivedBytes(garbage)

	if len(p.links) != 0 {
		t.Fatalf("expected all links dropped after NO CARRIER, got %d", len(p.links))
	}
	if tr.hangups == 0 {
		t.Fatalf("expected transport Hangup to be called")
	}
}

func TestPortRewritesBroadcastDestinationToLocalNode(t *testing.T) {
	// Testable property 8.
	tr := &fakeTransport{}
	var gotDest uint16
	gotDestSet := false
	stub := &stubRouter{MemRouterLike: router.NewMemRouter(42, nil, nil), onMessage: func(port string, m *message.Message) {
		gotDest = m.Destination
		gotDestSet = true
	}}
	p := New("port0", 42, testConfig(), tr, stub, nil, nil, nil, nil)
	p.OnDialed()

	m := message.New(0)
	m.Destination = message.BroadcastAddress
	m.Source = 7
	m.HighProtocol = message.ProtocolPakCtrl
	m.AppendBody([]byte{0x01, 0x02})
	pk2, err := packet.FromMessage(m)
	if err != nil {
		t.Fatalf("FromMessage: %v", err)
	}
	pk2.SetLinkState(message.LinkReady)
	_ = pk2.SetSourcePhysicalAddress(7)
	_ = pk2.SetDestinationPhysicalAddress(message.BroadcastAddress)

	raw := pk2.Bytes()
	sig := codec.Signature(raw)
	null := codec.Nullifier(sig)
	closed := append(append([]byte{}, raw...), null[0], null[1])
	frame := codec.Encode(closed)

	p.OnReceivedBytes(frame)

	if !gotDestSet {
		t.Fatalf("expected Router.OnPortMessage to be called")
	}
	if gotDest != 42 {
		t.Fatalf("expected broadcast destination rewritten to local node 42, got %d", gotDest)
	}
}

// stubRouter wraps a MemRouter but overrides OnPortMessage to let the
// test observe the rewritten destination directly, and optionally
// observes OnPortDeliveryFailure calls.
type stubRouter struct {
	MemRouterLike     router.Router
	onMessage         func(port string, m *message.Message)
	onDeliveryFailure func(port string, neighbor uint16, hasNeighbor bool)
}

func (s *stubRouter) ThisNodeAddress() uint16 { return s.MemRouterLike.ThisNodeAddress() }
func (s *stubRouter) OnBeacon(port string, source uint16, wasBroadcast bool) {
	s.MemRouterLike.OnBeacon(port, source, wasBroadcast)
}
func (s *stubRouter) OnPortReady(port string) { s.MemRouterLike.OnPortReady(port) }
func (s *stubRouter) OnPortMessage(port string, m *message.Message) {
	s.onMessage(port, m)
	s.MemRouterLike.OnPortMessage(port, m)
}
func (s *stubRouter) OnPortDeliveryFailure(port string, neighbor uint16, hasNeighbor bool) {
	if s.onDeliveryFailure != nil {
		s.onDeliveryFailure(port, neighbor, hasNeighbor)
	}
	s.MemRouterLike.OnPortDeliveryFailure(port, neighbor, hasNeighbor)
}
func (s *stubRouter) GetNextPortMessage(port string, neighbor uint16) (*message.Message, bool) {
	return s.MemRouterLike.GetNextPortMessage(port, neighbor)
}
func (s *stubRouter) CountMessagesForPort(port string, neighbor uint16) uint32 {
	return s.MemRouterLike.CountMessagesForPort(port, neighbor)
}
func (s *stubRouter) PortIsNeeded(port string) bool { return s.MemRouterLike.PortIsNeeded(port) }
func (s *stubRouter) OnPortLog(port string, line string) { s.MemRouterLike.OnPortLog(port, line) }

func TestPortRingHandshakeReachesReady(t *testing.T) {
	// Scenario S2 at the port level.
	tr := &fakeTransport{}
	r := router.NewMemRouter(1, nil, nil)
	p := New("port0", 1, testConfig(), tr, r, nil, nil, nil, nil)
	p.OnDialed()
	p.NotifyEnqueued(1024)

	if p.links[1024].State() != link.StateRinging {
		t.Fatalf("expected ringing after enqueue, got %v", p.links[1024].State())
	}

	reply := encodeInboundControl(message.LinkReady, 1024, 1)
	p.OnReceivedBytes(reply)

	if p.links[1024].State() != link.StateReady {
		t.Fatalf("expected ready after peer reply, got %v", p.links[1024].State())
	}
}

// buildEncryptedInboundFrame wraps plaintext in the AES envelope spec.md
// §4.3/§4.4 describes, builds a ready-state BMP5 SerialPacket carrying
// it from src to dst, and returns the quoted, signed wire bytes.
func buildEncryptedInboundFrame(t *testing.T, c *cipher.Cipher, nonce, plaintext []byte, src, dst uint16) []byte {
	t.Helper()
	ciphertext, err := c.Encrypt(nonce, plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	envelope := append([]byte{0x01, byte(len(nonce))}, nonce...)
	envelope = append(envelope, byte(len(plaintext)>>8), byte(len(plaintext)))
	envelope = append(envelope, ciphertext...)

	m := message.New(0)
	m.HighProtocol = message.ProtocolBMP5
	m.Source = src
	m.Destination = dst
	m.SetBody(envelope)

	pk, err := packet.FromMessage(m)
	if err != nil {
		t.Fatalf("FromMessage: %v", err)
	}
	pk.SetLinkState(message.LinkReady)
	_ = pk.SetSourcePhysicalAddress(src)
	_ = pk.SetDestinationPhysicalAddress(dst)

	raw := pk.Bytes()
	sig := codec.Signature(raw)
	null := codec.Nullifier(sig)
	closed := append(append([]byte{}, raw...), null[0], null[1])
	return codec.Encode(closed)
}

func TestPortDecryptsInboundBmp5Body(t *testing.T) {
	// Scenario S6 / testable property 7, exercised at the port level:
	// internal/cipher's own tests prove Encrypt/Decrypt round-trip, but
	// nothing previously drove the inbound unwrap through PortBase.
	tr := &fakeTransport{}
	c := cipher.New("hello")
	plaintext := bytes.Repeat([]byte{0xAB}, 40)
	nonce := []byte("nonc")

	var got *message.Message
	stub := &stubRouter{MemRouterLike: router.NewMemRouter(1, nil, nil), onMessage: func(port string, m *message.Message) {
		got = m
	}}
	p := New("port0", 1, testConfig(), tr, stub, c, nil, nil, nil)
	p.OnDialed()

	frame := buildEncryptedInboundFrame(t, c, nonce, plaintext, 1024, 1)
	p.OnReceivedBytes(frame)

	if got == nil {
		t.Fatalf("expected Router.OnPortMessage to be called")
	}
	if !bytes.Equal(got.Body(), plaintext) {
		t.Fatalf("expected decrypted body %x, got %x", plaintext, got.Body())
	}
	if !got.Encrypted {
		t.Fatalf("expected decrypted message to be flagged Encrypted")
	}
}

func TestPortDropsUndecryptableInboundBmp5Body(t *testing.T) {
	// spec.md §7 DecryptionFailure: message dropped, logged, never
	// handed to the Router.
	tr := &fakeTransport{}
	c := cipher.New("hello")
	called := false
	stub := &stubRouter{MemRouterLike: router.NewMemRouter(1, nil, nil), onMessage: func(port string, m *message.Message) {
		called = true
	}}
	p := New("port0", 1, testConfig(), tr, stub, c, nil, nil, nil)
	p.OnDialed()

	m := message.New(0)
	m.HighProtocol = message.ProtocolBMP5
	m.Source = 1024
	m.Destination = 1
	m.SetBody([]byte{0x01}) // too short to carry a nonce length plus ciphertext

	pk, err := packet.FromMessage(m)
	if err != nil {
		t.Fatalf("FromMessage: %v", err)
	}
	pk.SetLinkState(message.LinkReady)
	_ = pk.SetSourcePhysicalAddress(1024)
	_ = pk.SetDestinationPhysicalAddress(1)

	raw := pk.Bytes()
	sig := codec.Signature(raw)
	null := codec.Nullifier(sig)
	closed := append(append([]byte{}, raw...), null[0], null[1])
	frame := codec.Encode(closed)

	p.OnReceivedBytes(frame)

	if called {
		t.Fatalf("expected undecryptable message to be dropped, not delivered to Router")
	}
}

func TestPortHalfDuplexSendDelayResetsOnInboundBytes(t *testing.T) {
	// spec.md §5: the send-delay timer resets on inbound bytes for
	// half-duplex links, tuned by Transport.WorstCaseResponse()/2.
	clk := time.Unix(100, 0)
	now := func() time.Time { return clk }
	tr := &fakeTransport{halfDuplex: true}
	r := router.NewMemRouter(1, nil, nil)
	p := New("port0", 1, testConfig(), tr, r, nil, nil, nil, now)
	p.OnDialed()

	p.OnReceivedBytes([]byte{0x41})
	want := clk.Add(tr.WorstCaseResponse() / 2)
	if !p.sendDelayUntil.Equal(want) {
		t.Fatalf("expected sendDelayUntil %v, got %v", want, p.sendDelayUntil)
	}

	clk = clk.Add(time.Second)
	p.OnReceivedBytes([]byte{0x42})
	want = clk.Add(tr.WorstCaseResponse() / 2)
	if !p.sendDelayUntil.Equal(want) {
		t.Fatalf("expected sendDelayUntil to re-arm on further inbound bytes: got %v want %v", p.sendDelayUntil, want)
	}
}
