package packet

import (
	"bytes"
	"testing"

	"github.com/campbellsci/pakbus-link/internal/message"
)

func TestFieldRoundTrip(t *testing.T) {
	p := Empty(MaxHeaderLen)
	p.SetLinkState(message.LinkReady)
	if err := p.SetDestinationPhysicalAddress(100); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	p.SetExpectMore(message.ExpectMoreFlag)
	p.SetPriority(message.PriorityHigh)
	if err := p.SetSourcePhysicalAddress(200); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := p.SetHighProtoCode(message.ProtocolBMP5); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := p.SetDestination(300); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	p.SetHopCount(3)
	if err := p.SetSource(400); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	if got := p.LinkState(); got != message.LinkReady {
		t.Errorf("LinkState = %v, want %v", got, message.LinkReady)
	}
	if got := p.DestinationPhysicalAddress(); got != 100 {
		t.Errorf("DestinationPhysicalAddress = %d, want 100", got)
	}
	if got := p.ExpectMore(); got != message.ExpectMoreFlag {
		t.Errorf("ExpectMore = %v, want %v", got, message.ExpectMoreFlag)
	}
	if got := p.Priority(); got != message.PriorityHigh {
		t.Errorf("Priority = %v, want %v", got, message.PriorityHigh)
	}
	if got := p.SourcePhysicalAddress(); got != 200 {
		t.Errorf("SourcePhysicalAddress = %d, want 200", got)
	}
	if got := p.HighProtoCode(); got != message.ProtocolBMP5 {
		t.Errorf("HighProtoCode = %v, want %v", got, message.ProtocolBMP5)
	}
	if got := p.Destination(); got != 300 {
		t.Errorf("Destination = %d, want 300", got)
	}
	if got := p.HopCount(); got != 3 {
		t.Errorf("HopCount = %d, want 3", got)
	}
	if got := p.Source(); got != 400 {
		t.Errorf("Source = %d, want 400", got)
	}
}

func TestSetDestinationOutOfRange(t *testing.T) {
	p := Empty(MaxHeaderLen)
	if err := p.SetDestination(4096); err == nil {
		t.Fatalf("expected ErrAddressOutOfRange")
	}
}

func TestEnsureFullHeaderPreservesShortHeaderBytes(t *testing.T) {
	p := Empty(MinHeaderLen)
	p.SetLinkState(message.LinkRing)
	if err := p.SetDestinationPhysicalAddress(42); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if err := p.SetSource(7); err != nil { // forces growth to 8-byte header
		t.Fatalf("unexpected err: %v", err)
	}
	if p.HeaderLen() != MaxHeaderLen {
		t.Fatalf("expected header to grow to %d, got %d", MaxHeaderLen, p.HeaderLen())
	}
	if got := p.LinkState(); got != message.LinkRing {
		t.Errorf("LinkState lost after growth: got %v", got)
	}
	if got := p.DestinationPhysicalAddress(); got != 42 {
		t.Errorf("DestinationPhysicalAddress lost after growth: got %d", got)
	}
}

func TestFromMessageToMessageRoundTrip(t *testing.T) {
	m := message.New(0)
	m.Source = 10
	m.Destination = 20
	m.PhysicalSource = 10
	m.PhysicalDestination = 20
	m.HighProtocol = message.ProtocolBMP5
	m.HopCount = 1
	m.Priority = message.PriorityNormal
	m.ExpectMore = message.ExpectLast
	m.SetBody([]byte{0x01, 0x02, 0x03})

	p, err := FromMessage(m)
	if err != nil {
		t.Fatalf("FromMessage: %v", err)
	}
	if p.HeaderLen() != MaxHeaderLen {
		t.Fatalf("expected full header, got %d", p.HeaderLen())
	}
	if !bytes.Equal(p.Body(), []byte{0x01, 0x02, 0x03}) {
		t.Fatalf("body mismatch: %x", p.Body())
	}

	m2 := p.ToMessage()
	if m2.Source != m.Source || m2.Destination != m.Destination {
		t.Fatalf("addressing mismatch after round trip")
	}
	if m2.HighProtocol != m.HighProtocol || m2.HopCount != m.HopCount {
		t.Fatalf("protocol/hop mismatch after round trip")
	}
	if !bytes.Equal(m2.Body(), m.Body()) {
		t.Fatalf("body mismatch after round trip: %x vs %x", m2.Body(), m.Body())
	}
}

func TestCapabilityRoundTrip(t *testing.T) {
	p := Empty(MinHeaderLen)
	p.SetCapability(message.CapLinkStateUnquotedRetrying)
	if !p.IsControl() {
		t.Fatalf("expected control packet after SetCapability")
	}
	if got := p.Capability(); got != message.CapLinkStateUnquotedRetrying {
		t.Errorf("Capability = %v, want %v", got, message.CapLinkStateUnquotedRetrying)
	}
}
