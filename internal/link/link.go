// Package link implements the per-neighbor Link finite state machine
// (spec.md §4.5): offline/waiting_for_resource/ringing/ready/finished/
// paused, the 40s watchdog, ring retry backoff, and expect-more session
// bookkeeping.
//
// Link performs no I/O itself, mirroring internal/packet and
// internal/message's "no I/O, pure data" shape (spec.md §4.2): callers
// drive it with events (Enqueue, OnInboundFrame, OnPortReady, Tick) and
// receive a slice of Actions to execute against the transport and
// Router. This keeps the state machine trivially unit-testable against
// a fake clock, the same testability goal go-server-3's transport
// layer gets for free from gobwas/ws's io.Reader-based API.
package link

import (
	"time"

	"github.com/campbellsci/pakbus-link/internal/message"
)

// State is one of the Link FSM's states.
type State int

const (
	StateOffline State = iota
	StateWaitingForResource
	StateRinging
	StateReady
	StateFinished
	StatePaused
)

func (s State) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateWaitingForResource:
		return "waiting_for_resource"
	case StateRinging:
		return "ringing"
	case StateReady:
		return "ready"
	case StateFinished:
		return "finished"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// ActionKind identifies the side effect a caller must perform in
// response to a Link transition.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionDial
	ActionSendRing
	ActionSendFinished
	ActionPumpSend
	ActionNotifyDeliveryFailure
	ActionDeleteLink
)

// Action is one side effect the Link FSM asks its caller to perform.
type Action struct {
	Kind ActionKind
	// LeadSyncs is the number of baud-rate-synch SYNC bytes to precede
	// an ActionSendRing frame with: 5-6 for the first ring on a
	// non-TCP link, 1 for subsequent rings (spec.md §4.5).
	LeadSyncs int
}

// Config carries the Link FSM's tunables (spec.md §6).
type Config struct {
	WatchdogTimeout  time.Duration
	RingRetryMin     time.Duration
	RingRetryMax     time.Duration
	RingRetryCount   int
	FinishedDelay    time.Duration
	FirstRingSyncs   int
}

// DefaultConfig returns the spec.md §6 defaults.
func DefaultConfig() Config {
	return Config{
		WatchdogTimeout: 40 * time.Second,
		RingRetryMin:    600 * time.Millisecond,
		RingRetryMax:    10 * time.Second,
		RingRetryCount:  4,
		FinishedDelay:   1 * time.Second,
		FirstRingSyncs:  6,
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

type sessionKey struct {
	src uint16
	dst uint16
}

// Link is the per-neighbor state machine.
type Link struct {
	Neighbor uint16

	cfg           Config
	ringInterval  time.Duration
	thisNode      uint16
	queueDepth    func() uint32
	clock         func() time.Time

	state State

	ringAttempts    int
	ringDeadline    time.Time
	watchdogDeadline time.Time
	finishedSince   time.Time // zero if not pending
	hasBeenPaused   bool

	sessions map[sessionKey]time.Time
}

// New constructs a Link for neighbor, with ringTimeout the port's raw
// configured ring timeout (clamped here to [RingRetryMin, RingRetryMax]
// per spec.md §4.5), queueDepth a callback returning Q(n) — the current
// outbound queue depth for this neighbor, typically
// Router.CountMessagesForPort — and clock injectable for tests.
func New(neighbor, thisNode uint16, cfg Config, ringTimeout time.Duration, queueDepth func() uint32, clock func() time.Time) *Link {
	if clock == nil {
		clock = time.Now
	}
	return &Link{
		Neighbor:     neighbor,
		thisNode:     thisNode,
		cfg:          cfg,
		ringInterval: clampDuration(ringTimeout, cfg.RingRetryMin, cfg.RingRetryMax),
		queueDepth:   queueDepth,
		clock:        clock,
		state:        StateOffline,
		sessions:     make(map[sessionKey]time.Time),
	}
}

// State returns the Link's current state.
func (l *Link) State() State { return l.state }

func (l *Link) resetWatchdog() {
	l.watchdogDeadline = l.clock().Add(l.cfg.WatchdogTimeout)
}

func (l *Link) armRingDeadline() {
	l.ringDeadline = l.clock().Add(l.ringInterval)
}

// Enqueue notifies the Link that a message has been queued for its
// neighbor. portOnline tells the Link whether the owning port is
// already dialed/connected.
func (l *Link) Enqueue(portOnline bool) []Action {
	if l.state != StateOffline {
		return nil
	}
	if !portOnline {
		l.state = StateWaitingForResource
		return []Action{{Kind: ActionDial}}
	}
	return l.startRinging()
}

func (l *Link) startRinging() []Action {
	l.state = StateRinging
	l.ringAttempts = 1
	l.armRingDeadline()
	l.resetWatchdog()
	return []Action{{Kind: ActionSendRing, LeadSyncs: l.cfg.FirstRingSyncs}}
}

// OnPortReady notifies a Link waiting on a dial/connect that the port is
// now usable.
func (l *Link) OnPortReady() []Action {
	if l.state != StateWaitingForResource {
		return nil
	}
	return l.startRinging()
}

// OnInboundFrame notifies the Link of an inbound frame from its
// neighbor whose header carries the given link-state code.
// isAddressedToUs is false for frames this Link only overhears (e.g.
// broadcast traffic scanned for watchdog purposes); the watchdog still
// resets on those per spec.md §4.5.
func (l *Link) OnInboundFrame(linkState message.LinkState, isAddressedToUs bool) []Action {
	l.resetWatchdog()

	switch l.state {
	case StateOffline:
		if linkState == message.LinkRing {
			l.state = StateReady
			l.finishedSince = time.Time{}
			return []Action{{Kind: ActionPumpSend}}
		}
	case StateRinging:
		switch linkState {
		case message.LinkRing, message.LinkReady, message.LinkCapabilities:
			l.state = StateReady
			l.finishedSince = time.Time{}
			return []Action{{Kind: ActionPumpSend}}
		}
	case StateReady:
		if linkState == message.LinkPause {
			l.state = StatePaused
			l.hasBeenPaused = true
			return []Action{{Kind: ActionSendFinished}}
		}
		if l.queueDepth() > 0 {
			return []Action{{Kind: ActionPumpSend}}
		}
	case StateFinished:
		if linkState == message.LinkFinished {
			l.state = StateOffline
			return []Action{{Kind: ActionDeleteLink}}
		}
	case StatePaused:
		if linkState == message.LinkRing {
			l.state = StateReady
			return []Action{{Kind: ActionPumpSend}}
		}
	}
	return nil
}

// Tick runs the 1s maintenance check: ring retry deadlines, the 40s
// watchdog, and the ready→finished wait.
func (l *Link) Tick(now time.Time) []Action {
	if l.state != StateOffline && !l.watchdogDeadline.IsZero() && !now.Before(l.watchdogDeadline) {
		l.state = StateOffline
		return []Action{{Kind: ActionNotifyDeliveryFailure}, {Kind: ActionDeleteLink}}
	}

	switch l.state {
	case StateRinging:
		if !now.Before(l.ringDeadline) {
			if l.ringAttempts >= l.cfg.RingRetryCount {
				l.state = StateOffline
				return []Action{{Kind: ActionNotifyDeliveryFailure}, {Kind: ActionDeleteLink}}
			}
			l.ringAttempts++
			l.armRingDeadline()
			return []Action{{Kind: ActionSendRing, LeadSyncs: 1}}
		}
	case StateReady:
		if l.queueDepth() == 0 && !l.ShouldKeepLink(now) {
			if l.finishedSince.IsZero() {
				l.finishedSince = now
				return nil
			}
			if !now.Before(l.finishedSince.Add(l.cfg.FinishedDelay)) {
				l.state = StateFinished
				return []Action{{Kind: ActionSendFinished}}
			}
		} else {
			l.finishedSince = time.Time{}
		}
	}
	return nil
}

// RecordSession updates the expect-more session table for a message
// exchanged (in either direction) between src and dst (spec.md §4.5).
// Non-neutral expect-more values are the only ones that affect the
// table; neutral messages leave it untouched.
func (l *Link) RecordSession(src, dst uint16, expectMore message.ExpectMore, now time.Time) {
	switch expectMore {
	case message.ExpectMoreFlag:
		l.sessions[sessionKey{src, dst}] = now
	case message.ExpectLast:
		delete(l.sessions, sessionKey{src, dst})
	case message.ExpectMoreOpposite:
		l.sessions[sessionKey{dst, src}] = now
		delete(l.sessions, sessionKey{src, dst})
	}
}

// ShouldKeepLink reports whether the Link must be kept alive: either it
// has queued outbound traffic, or a session entry is younger than the
// watchdog timeout (spec.md §4.5). It does not account for the port's
// own forced-close state — callers must additionally check that.
func (l *Link) ShouldKeepLink(now time.Time) bool {
	if l.queueDepth() > 0 {
		return true
	}
	for _, at := range l.sessions {
		if now.Sub(at) < l.cfg.WatchdogTimeout {
			return true
		}
	}
	return false
}

// HasBeenPaused reports whether this Link has ever been paused by its
// peer.
func (l *Link) HasBeenPaused() bool { return l.hasBeenPaused }
