// Package pcaptrace optionally captures every forwarded, post-
// substitution payload to a rotating .pcap file for offline inspection,
// a direct extension of netsed-go's protocol-debugging purpose.
//
// Unlike a passive tap at either endpoint, this proxy already knows
// which flow a payload belongs to and which direction it traveled.
// WritePacket puts that knowledge to use: it wraps each payload in a
// synthetic Ethernet/IPv4/TCP-or-UDP frame addressed with the flow's
// real client and server endpoints, so the capture opens in Wireshark
// as a normal, followable conversation per flow instead of an anonymous
// stream of bytes. The substitution count carried on an Event is not
// written into the capture.
package pcaptrace

import (
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

// macClient and macServer are fixed, locally-administered placeholder
// hardware addresses: the proxy never sees a real L2 frame, so these
// exist only to make the capture file's Ethernet layer well-formed.
var (
	macClient = net.HardwareAddr{0x02, 0x4e, 0x53, 0x45, 0x44, 0x01}
	macServer = net.HardwareAddr{0x02, 0x4e, 0x53, 0x45, 0x44, 0x02}
)

// Writer rotates a .pcap file by size, synthesizing one addressed frame
// per forwarded event.
type Writer struct {
	filename   string
	maxSizeMB  int
	maxBackups int

	mu           sync.Mutex
	file         *os.File
	writer       *pcapgo.Writer
	bytesWritten int64
	packetID     uint16
}

// Event describes one forwarded payload to be captured.
type Event struct {
	Proto     string // "tcp" or "udp", matching the dispatcher's listen proto
	Client    net.Addr
	Server    net.Addr
	ToServer  bool // true for client->server, false for server->client
	Changes   int  // substitutions applied by internal/sed; not written to the file
	Data      []byte
	Timestamp time.Time
}

// NewWriter creates a Writer, rotating in any pre-existing file at
// filename per maxBackups before opening a fresh one.
func NewWriter(filename string, maxSizeMB, maxBackups int) (*Writer, error) {
	w := &Writer{
		filename:   filename,
		maxSizeMB:  maxSizeMB,
		maxBackups: maxBackups,
	}
	if err := w.rotate(); err != nil {
		return nil, err
	}
	return w, nil
}

// WritePacket appends one forwarded event as an addressed, direction-
// correct synthetic frame.
func (w *Writer) WritePacket(ev Event) error {
	frame, err := buildFrame(ev, w.nextPacketID())
	if err != nil {
		return fmt.Errorf("pcaptrace: build frame: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.maxSizeMB > 0 && w.bytesWritten > int64(w.maxSizeMB)*1024*1024 {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("pcaptrace: rotate: %w", err)
		}
	}

	ci := gopacket.CaptureInfo{
		Timestamp:     ev.Timestamp,
		CaptureLength: len(frame),
		Length:        len(frame),
	}
	if err := w.writer.WritePacket(ci, frame); err != nil {
		return fmt.Errorf("pcaptrace: write packet: %w", err)
	}
	w.bytesWritten += int64(len(frame))
	return nil
}

func (w *Writer) nextPacketID() uint16 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.packetID++
	return w.packetID
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *Writer) rotate() error {
	if w.file != nil {
		w.file.Close()
	}

	if w.maxBackups > 0 {
		for i := w.maxBackups - 1; i >= 0; i-- {
			oldName := w.backupName(i)
			newName := w.backupName(i + 1)
			if _, err := os.Stat(oldName); err == nil {
				if i == w.maxBackups-1 {
					os.Remove(oldName)
				} else {
					os.Rename(oldName, newName)
				}
			}
		}
		if _, err := os.Stat(w.filename); err == nil {
			os.Rename(w.filename, w.backupName(0))
		}
	}

	f, err := os.Create(w.filename)
	if err != nil {
		return fmt.Errorf("pcaptrace: create %s: %w", w.filename, err)
	}

	writer := pcapgo.NewWriter(f)
	if err := writer.WriteFileHeader(65536, layers.LinkTypeEthernet); err != nil {
		f.Close()
		return fmt.Errorf("pcaptrace: write header: %w", err)
	}

	w.file = f
	w.writer = writer
	w.bytesWritten = 0
	w.packetID = 0
	return nil
}

func (w *Writer) backupName(index int) string {
	if index == 0 {
		return w.filename + ".1"
	}
	return fmt.Sprintf("%s.%d", w.filename, index+1)
}

// buildFrame serializes ev's payload behind an Ethernet/IPv4/TCP-or-UDP
// header addressed from the flow's client toward its server, or the
// reverse for a server->client event. Sequence numbers, flags and
// checksums are synthetic: this proxy never reassembles or tracks real
// TCP state (spec Non-goal), so the frame only needs to be well-formed
// enough for a packet analyzer to group and display it per flow, not to
// replay a byte-exact capture of the original conversation.
func buildFrame(ev Event, id uint16) ([]byte, error) {
	clientIP, clientPort := splitAddr(ev.Client)
	serverIP, serverPort := splitAddr(ev.Server)

	srcMAC, dstMAC := macClient, macServer
	srcIP, dstIP := clientIP, serverIP
	srcPort, dstPort := clientPort, serverPort
	if !ev.ToServer {
		srcMAC, dstMAC = macServer, macClient
		srcIP, dstIP = serverIP, clientIP
		srcPort, dstPort = serverPort, clientPort
	}

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version: 4,
		IHL:     5,
		TTL:     64,
		Id:      id,
		SrcIP:   srcIP,
		DstIP:   dstIP,
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	payload := gopacket.Payload(ev.Data)

	if ev.Proto == "tcp" {
		ip.Protocol = layers.IPProtocolTCP
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(srcPort),
			DstPort: layers.TCPPort(dstPort),
			PSH:     true,
			ACK:     true,
			Window:  65535,
		}
		tcp.SetNetworkLayerForChecksum(ip)
		if err := gopacket.SerializeLayers(buf, opts, eth, ip, tcp, payload); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	ip.Protocol = layers.IPProtocolUDP
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(srcPort),
		DstPort: layers.UDPPort(dstPort),
	}
	udp.SetNetworkLayerForChecksum(ip)
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func splitAddr(addr net.Addr) (net.IP, int) {
	switch a := addr.(type) {
	case *net.TCPAddr:
		if ip4 := a.IP.To4(); ip4 != nil {
			return ip4, a.Port
		}
		return net.IPv4zero, a.Port
	case *net.UDPAddr:
		if ip4 := a.IP.To4(); ip4 != nil {
			return ip4, a.Port
		}
		return net.IPv4zero, a.Port
	default:
		return net.IPv4zero, 0
	}
}
