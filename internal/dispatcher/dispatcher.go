// Package dispatcher implements the event loop that owns the listening
// endpoint and the flow tracker: admitting new flows, forwarding bytes
// through the substitution engine in both directions, and reaping
// flows in a terminal state.
//
// spec.md §5 permits a multi-threaded rendition as long as it preserves
// the single-threaded original's observable semantics by serializing
// per-flow work. This package takes that option: one goroutine (Run)
// is the sole owner of the Tracker and every state mutation. Per-socket
// reader goroutines perform one blocking read, post the result on a
// shared channel, and then block on a private ack channel until Run
// tells them to read again — a reader can never get ahead of Run, which
// reproduces "each direction forwards at most one receive event per
// tick" exactly. The pattern is the pack's own goroutine-per-direction,
// channel-rendezvous proxy idiom, scaled from one connection to N
// tracked flows behind a single serializing owner.
package dispatcher

import (
	"context"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/netsed/netsed-go/internal/logger"
	"github.com/netsed/netsed-go/internal/pcaptrace"
	"github.com/netsed/netsed-go/internal/resolve"
	"github.com/netsed/netsed-go/internal/rule"
	"github.com/netsed/netsed-go/internal/sed"
	"github.com/netsed/netsed-go/internal/tracker"
)

// direction identifies which half of a Flow a read/write belongs to.
type direction int

const (
	// clientToServer: downstream -> upstream.
	clientToServer direction = iota
	// serverToClient: upstream -> downstream.
	serverToClient
)

// Config is everything the dispatcher needs to start serving one
// proto/lport pair.
type Config struct {
	Proto      string
	ListenPort string
	Rules      rule.RuleSet
	Override   resolve.Override
	Capability resolve.Capability
	ReadBuffer int // 0 (or above sed.MaxBuf) means sed.MaxBuf
	PCAP       *pcaptrace.Writer
}

type ackKey struct {
	flow *tracker.Flow
	dir  direction
}

// Dispatcher is the event loop described in the package doc.
type Dispatcher struct {
	cfg     Config
	tracker *tracker.Tracker
	log     *logger.Logger
	tracer  sed.Tracer
	readBuf int

	listener net.Listener
	udpConn  *net.UDPConn

	listenerEvents chan listenerEvent
	listenerAck    chan struct{}
	flowEvents     chan flowEvent
	acks           map[ackKey]chan struct{}
}

type listenerEvent struct {
	streamConn   *net.TCPConn
	datagramAddr *net.UDPAddr
	datagramData []byte
	err          error
}

type flowEvent struct {
	flow *tracker.Flow
	dir  direction
	data []byte
	err  error
}

// New resolves and binds the listening endpoint per cfg, but does not
// start serving; call Run for that.
func New(cfg Config, log *logger.Logger) (*Dispatcher, error) {
	readBuf := cfg.ReadBuffer
	if readBuf <= 0 || readBuf > sed.MaxBuf {
		readBuf = sed.MaxBuf
	}

	d := &Dispatcher{
		cfg:            cfg,
		tracker:        tracker.New(cfg.Rules),
		log:            log,
		tracer:         stdoutTracer{},
		readBuf:        readBuf,
		listenerEvents: make(chan listenerEvent),
		listenerAck:    make(chan struct{}),
		flowEvents:     make(chan flowEvent),
		acks:           make(map[ackKey]chan struct{}),
	}

	switch strings.ToLower(cfg.Proto) {
	case "tcp":
		addr, err := net.ResolveTCPAddr("tcp", ":"+cfg.ListenPort)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: resolve listen address: %w", err)
		}
		ln, err := net.ListenTCP("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: listen: %w", err)
		}
		d.listener = ln
	case "udp":
		addr, err := net.ResolveUDPAddr("udp", ":"+cfg.ListenPort)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: resolve listen address: %w", err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("dispatcher: listen: %w", err)
		}
		d.udpConn = conn
	default:
		return nil, fmt.Errorf("dispatcher: unsupported protocol %q", cfg.Proto)
	}

	return d, nil
}

// Run serves until ctx is canceled, then releases every resource and
// returns. It never returns a non-nil error for a clean, cancel-driven
// shutdown; listener-level failures are reported to the structured log
// and also end the run.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.traceRuleSummary()

	if d.listener != nil {
		go d.runTCPAcceptLoop()
	} else {
		go d.runUDPReadLoop()
	}

	timer := time.NewTimer(d.nextDeadline(time.Now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			d.shutdown()
			return nil

		case ev := <-d.listenerEvents:
			if ev.err != nil {
				d.log.Error("listener closed", "proto", d.cfg.Proto, "error", ev.err)
				d.shutdown()
				return nil
			}
			d.handleListenerEvent(ev)
			d.listenerAck <- struct{}{}
			resetTimer(timer, d.nextDeadline(time.Now()))

		case ev := <-d.flowEvents:
			d.handleFlowEvent(ev)
			resetTimer(timer, d.nextDeadline(time.Now()))

		case <-timer.C:
			d.tick()
			timer.Reset(d.nextDeadline(time.Now()))
		}
	}
}

func (d *Dispatcher) traceRuleSummary() {
	fmt.Fprintf(os.Stdout, "Loaded %d rule(s):\n", len(d.cfg.Rules))
	for _, r := range d.cfg.Rules {
		fmt.Fprintf(os.Stdout, "  s/%s/%s ttl=%d\n", r.DisplayFrom, r.DisplayTo, r.InitialTTL)
	}
}

// nextDeadline implements spec.md §4.5 step 2: infinite (capped at
// UDPTimeout+1s) when no datagram flow constrains it, else the earliest
// remaining time before some flow hits UDPTimeout.
func (d *Dispatcher) nextDeadline(now time.Time) time.Duration {
	outerCap := tracker.UDPTimeout + time.Second
	best := outerCap
	found := false
	for _, f := range d.tracker.Flows() {
		if f.Kind != tracker.KindDatagram || f.Terminal() {
			continue
		}
		remaining := tracker.UDPTimeout - now.Sub(f.LastActivity)
		if remaining < 0 {
			remaining = 0
		}
		if !found || remaining < best {
			best = remaining
			found = true
		}
	}
	return best
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// tick implements spec.md §4.5 steps 6 (datagram timeout check) and 7
// (reap) for the timer-driven branch, when no event otherwise triggered
// a reap pass.
func (d *Dispatcher) tick() {
	now := time.Now()
	for _, f := range d.tracker.Flows() {
		if f.TimedOutSince(now) {
			f.State = tracker.TimedOut
		}
	}
	d.reap()
}

func (d *Dispatcher) reap() {
	for _, f := range d.tracker.ReapTerminal() {
		if f.Kind == tracker.KindStream && f.Downstream != nil {
			f.Downstream.Close()
		}
		if f.Upstream != nil {
			f.Upstream.Close()
		}
		// Close, not just delete: a reader may already be parked on
		// <-ack (it sent its event and is waiting to be told to read
		// again) when the flow turns terminal from the other
		// direction's event. Deleting the map entry alone would leave
		// that goroutine blocked forever; closing it wakes the `ok`
		// check in spawnReader so the goroutine returns.
		d.closeAck(ackKey{f, clientToServer})
		d.closeAck(ackKey{f, serverToClient})
	}
}

func (d *Dispatcher) closeAck(key ackKey) {
	if ack, ok := d.acks[key]; ok {
		close(ack)
		delete(d.acks, key)
	}
}

func (d *Dispatcher) shutdown() {
	if d.listener != nil {
		d.listener.Close()
	}
	if d.udpConn != nil {
		d.udpConn.Close()
	}
	for _, f := range d.tracker.Flows() {
		f.State = tracker.Disconnected
	}
	d.reap()
	if d.cfg.PCAP != nil {
		d.cfg.PCAP.Close()
	}

	s := d.tracker.Stats()
	d.log.Info("shutdown complete",
		"rules_loaded", s.RulesLoaded,
		"admitted", s.Admitted,
		"dropped", s.Dropped,
		"reaped", s.Reaped,
	)
}
