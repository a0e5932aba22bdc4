// Package tracker owns the live set of proxied flows: admission, the
// datagram peer-address index, and terminal-state reaping.
package tracker

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/alphadose/haxmap"
	"github.com/netsed/netsed-go/internal/rule"
)

// Kind distinguishes a connection-oriented flow from a connectionless one.
type Kind int

const (
	KindStream Kind = iota
	KindDatagram
)

// State is a Flow's lifecycle stage. Order is significant: any value >=
// Disconnected is terminal and reaped at the end of the current tick.
type State int

const (
	Unreplied State = iota
	Established
	Disconnected
	TimedOut
)

// Terminal reports whether s is a reap-eligible state.
func (s State) Terminal() bool { return s >= Disconnected }

// UDPTimeout is the idle window after which a datagram Flow times out.
const UDPTimeout = 30 * time.Second

// ErrUpstreamUnreachable is returned by Admit* when the upstream socket
// cannot be created or connected; the Flow is not inserted in that case.
var ErrUpstreamUnreachable = fmt.Errorf("tracker: upstream unreachable")

// Flow is one live conversation: a downstream peer paired with an
// upstream socket, a lifecycle state, and a per-flow TTL vector.
type Flow struct {
	Kind Kind

	// Downstream is set for KindStream flows; the shared listening
	// socket is the datagram downstream, owned by the dispatcher, not
	// the Flow.
	Downstream net.Conn
	// PeerAddr is set for KindDatagram flows: a copy of the peer's
	// address bytes, used both as the reply destination and as the
	// tracker's lookup key.
	PeerAddr net.Addr

	Upstream net.Conn

	LastActivity time.Time
	State        State

	// TTL is cloned from the RuleSet at admission time and mutated in
	// place by sed.Apply as rules fire on this flow.
	TTL []int
}

// Terminal reports whether the flow is ready to be reaped.
func (f *Flow) Terminal() bool { return f.State.Terminal() }

// TimedOutSince reports whether a datagram flow has been idle for at
// least UDPTimeout, as of now.
func (f *Flow) TimedOutSince(now time.Time) bool {
	return f.Kind == KindDatagram && !f.Terminal() && now.Sub(f.LastActivity) >= UDPTimeout
}

// Stats are process-lifetime counters surfaced on clean shutdown. They
// are not part of the required stdout trace lines; the dispatcher's
// shutdown logs them once through the structured logger.
type Stats struct {
	RulesLoaded int
	Admitted    uint64
	Dropped     uint64
	Reaped      uint64
}

// Tracker owns every live Flow plus a datagram peer-address index.
// Flow order is insertion order, matching spec.md §4.5's "in tracker
// order" dispatch rule.
type Tracker struct {
	mu sync.Mutex

	rules rule.RuleSet
	flows []*Flow
	byKey *haxmap.Map[string, *Flow]

	stats Stats
}

// New creates a Tracker bound to a frozen RuleSet; every admitted Flow
// clones its TTL vector from it.
func New(rules rule.RuleSet) *Tracker {
	return &Tracker{
		rules: rules,
		byKey: haxmap.New[string, *Flow](),
		stats: Stats{RulesLoaded: len(rules)},
	}
}

// Dial creates the upstream side of a Flow. Callers supply it so the
// tracker stays decoupled from net.Dial's address-family details and
// from transparent destination resolution (internal/resolve).
type Dial func() (net.Conn, error)

// AdmitStream allocates a Flow for a freshly accepted connection,
// connects upstream via dial, and marks it Established per spec.md
// §3's lifecycle rule ("Established initially for stream flows").
func (t *Tracker) AdmitStream(downstream net.Conn, dial Dial, now time.Time) (*Flow, error) {
	up, err := dial()
	if err != nil {
		t.mu.Lock()
		t.stats.Dropped++
		t.mu.Unlock()
		return nil, ErrUpstreamUnreachable
	}

	f := &Flow{
		Kind:         KindStream,
		Downstream:   downstream,
		Upstream:     up,
		LastActivity: now,
		State:        Established,
		TTL:          t.rules.TTLVector(),
	}

	t.mu.Lock()
	t.flows = append(t.flows, f)
	t.stats.Admitted++
	t.mu.Unlock()

	return f, nil
}

// AdmitDatagram allocates a Flow for a first datagram seen from an
// unknown peer address, connects upstream via dial, and marks it
// Unreplied. It does not itself forward the triggering datagram; the
// dispatcher does that immediately after admission, per spec.md §4.3.
func (t *Tracker) AdmitDatagram(peerAddr net.Addr, dial Dial, now time.Time) (*Flow, error) {
	up, err := dial()
	if err != nil {
		t.mu.Lock()
		t.stats.Dropped++
		t.mu.Unlock()
		return nil, ErrUpstreamUnreachable
	}

	f := &Flow{
		Kind:         KindDatagram,
		PeerAddr:     peerAddr,
		Upstream:     up,
		LastActivity: now,
		State:        Unreplied,
		TTL:          t.rules.TTLVector(),
	}

	key := peerKey(peerAddr)
	t.mu.Lock()
	t.flows = append(t.flows, f)
	t.byKey.Set(key, f)
	t.stats.Admitted++
	t.mu.Unlock()

	return f, nil
}

// FindDatagram looks up a live datagram Flow by exact peer-address-bytes
// equality. Spec.md §4.3 allows a linear scan; the haxmap index makes
// this O(1) instead, since the lookup happens once per received
// datagram on the hot path.
func (t *Tracker) FindDatagram(peerAddr net.Addr) (*Flow, bool) {
	return t.byKey.Get(peerKey(peerAddr))
}

// Flows returns a snapshot of live flows in admission order. The slice
// is safe to range over without holding the tracker's lock, but it is a
// point-in-time copy: flows reaped concurrently still appear in it.
func (t *Tracker) Flows() []*Flow {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Flow, len(t.flows))
	copy(out, t.flows)
	return out
}

// ReapTerminal removes and returns every Flow whose state is terminal,
// releasing its tracker-side references (the caller is responsible for
// closing sockets).
func (t *Tracker) ReapTerminal() []*Flow {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.flows[:0:0]
	var reaped []*Flow
	for _, f := range t.flows {
		if f.Terminal() {
			reaped = append(reaped, f)
			if f.Kind == KindDatagram {
				t.byKey.Del(peerKey(f.PeerAddr))
			}
			continue
		}
		kept = append(kept, f)
	}
	t.flows = kept
	t.stats.Reaped += uint64(len(reaped))
	return reaped
}

// Stats returns a snapshot of the process-lifetime counters.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func peerKey(addr net.Addr) string {
	return addr.Network() + ":" + addr.String()
}
