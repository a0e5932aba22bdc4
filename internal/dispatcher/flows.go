package dispatcher

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/netsed/netsed-go/internal/pcaptrace"
	"github.com/netsed/netsed-go/internal/resolve"
	"github.com/netsed/netsed-go/internal/sed"
	"github.com/netsed/netsed-go/internal/tracker"
)

func (d *Dispatcher) runTCPAcceptLoop() {
	ln := d.listener.(*net.TCPListener)
	for {
		conn, err := ln.AcceptTCP()
		if err != nil {
			d.listenerEvents <- listenerEvent{err: err}
			return
		}
		d.listenerEvents <- listenerEvent{streamConn: conn}
		if _, ok := <-d.listenerAck; !ok {
			return
		}
	}
}

func (d *Dispatcher) runUDPReadLoop() {
	buf := make([]byte, d.readBuf)
	for {
		n, addr, err := d.udpConn.ReadFromUDP(buf)
		if err != nil {
			d.listenerEvents <- listenerEvent{err: err}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		d.listenerEvents <- listenerEvent{datagramAddr: addr, datagramData: data}
		if _, ok := <-d.listenerAck; !ok {
			return
		}
	}
}

func (d *Dispatcher) handleListenerEvent(ev listenerEvent) {
	if d.listener != nil {
		d.admitStream(ev.streamConn)
		return
	}
	d.admitOrForwardDatagram(ev.datagramAddr, ev.datagramData)
}

func (d *Dispatcher) admitStream(conn *net.TCPConn) {
	dial := func() (net.Conn, error) {
		addr, err := resolve.Resolve(d.cfg.Capability, conn, d.cfg.Override)
		if err != nil {
			return nil, err
		}
		return net.DialTCP("tcp", nil, addr.(*net.TCPAddr))
	}

	f, err := d.tracker.AdmitStream(conn, dial, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stdout, "Flow admit failed for %s: %s\n", conn.RemoteAddr(), err)
		conn.Close()
		return
	}

	fmt.Fprintf(os.Stdout, "Flow admitted: downstream=%s upstream=%s\n", conn.RemoteAddr(), f.Upstream.RemoteAddr())
	d.spawnReader(f, clientToServer, f.Downstream)
	d.spawnReader(f, serverToClient, f.Upstream)
}

func (d *Dispatcher) admitOrForwardDatagram(addr *net.UDPAddr, data []byte) {
	f, ok := d.tracker.FindDatagram(addr)
	if !ok {
		dial := func() (net.Conn, error) {
			resolved, err := resolve.Resolve(d.cfg.Capability, d.udpConn, d.cfg.Override)
			if err != nil {
				return nil, err
			}
			return net.DialUDP("udp", nil, resolved.(*net.UDPAddr))
		}

		nf, err := d.tracker.AdmitDatagram(addr, dial, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stdout, "Flow admit failed for %s: %s\n", addr, err)
			return
		}
		fmt.Fprintf(os.Stdout, "Flow admitted: downstream=%s upstream=%s\n", addr, nf.Upstream.RemoteAddr())
		d.spawnReader(nf, serverToClient, nf.Upstream)
		f = nf
	}

	// admit_datagram immediately forwards the triggering datagram to
	// upstream, per spec.md §4.3.
	d.forward(f, clientToServer, data)
	d.reap()
}

// spawnReader runs one blocking-read loop for conn, posting each result
// on flowEvents and then waiting on a private ack channel before
// reading again. Run is the only goroutine that ever sends on that ack
// channel, so a reader can never race ahead of the dispatcher's single
// serialized view of the flow.
func (d *Dispatcher) spawnReader(f *tracker.Flow, dir direction, conn net.Conn) {
	ack := make(chan struct{})
	d.acks[ackKey{f, dir}] = ack

	go func() {
		buf := make([]byte, d.readBuf)
		for {
			n, err := conn.Read(buf)
			var data []byte
			if n > 0 {
				data = make([]byte, n)
				copy(data, buf[:n])
			}
			d.flowEvents <- flowEvent{flow: f, dir: dir, data: data, err: err}
			if err != nil {
				return
			}
			if _, ok := <-ack; !ok {
				return
			}
		}
	}()
}

// handleFlowEvent implements spec.md §4.5's client→server / server→
// client steps for one already-received event, reaps, then acks the
// reader that produced it (unless the flow became terminal, in which
// case reap has already closed its sockets and its ack channels, and
// the reader unblocks on the closed ack channel or on a read error).
func (d *Dispatcher) handleFlowEvent(ev flowEvent) {
	f := ev.flow

	switch {
	case ev.err != nil:
		// Go's net.Conn.Read blocks until data or a real error; there is
		// no would-block case to tolerate here, unlike the readiness-
		// polling original this loop is modeled on.
		f.State = tracker.Disconnected
	case len(ev.data) == 0:
		f.State = tracker.Disconnected
	default:
		d.forward(f, ev.dir, ev.data)
	}

	d.reap()

	if f.Terminal() {
		return
	}
	if ack, ok := d.acks[ackKey{f, ev.dir}]; ok {
		ack <- struct{}{}
	}
}

// forward runs the substitution engine over data and writes the result
// to the appropriate destination for dir, updating flow state exactly
// as spec.md §4.5's client→server/server→client paragraphs specify.
func (d *Dispatcher) forward(f *tracker.Flow, dir direction, data []byte) {
	out, changes, err := sed.Apply(d.cfg.Rules, f.TTL, data, d.tracer)
	if err != nil {
		f.State = tracker.Disconnected
		d.log.Warn("buffer overflow, dropping flow", "error", err)
		return
	}
	traceForward(changes, len(out), len(data))

	f.LastActivity = time.Now()

	var writeErr error
	switch dir {
	case clientToServer:
		_, writeErr = f.Upstream.Write(out)
	case serverToClient:
		if f.Kind == tracker.KindStream {
			_, writeErr = f.Downstream.Write(out)
		} else {
			_, writeErr = d.udpConn.WriteToUDP(out, f.PeerAddr.(*net.UDPAddr))
		}
		f.State = tracker.Established
	}
	if writeErr != nil {
		f.State = tracker.Disconnected
		return
	}

	if d.cfg.PCAP != nil {
		d.tracePacket(f, dir, out, changes)
	}
}

// tracePacket hands one forwarded event's addressing and substitution
// count to the pcap writer, swallowing capture errors: a failed trace
// write must never disconnect a flow the real proxying already
// succeeded on.
func (d *Dispatcher) tracePacket(f *tracker.Flow, dir direction, out []byte, changes int) {
	client := f.PeerAddr
	if f.Kind == tracker.KindStream {
		client = f.Downstream.RemoteAddr()
	}
	if err := d.cfg.PCAP.WritePacket(pcaptrace.Event{
		Proto:     d.cfg.Proto,
		Client:    client,
		Server:    f.Upstream.RemoteAddr(),
		ToServer:  dir == clientToServer,
		Changes:   changes,
		Data:      out,
		Timestamp: f.LastActivity,
	}); err != nil {
		d.log.Warn("pcap trace write failed", "error", err)
	}
}
