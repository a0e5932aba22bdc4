// Package resolve implements transparent destination resolution: given a
// newly admitted flow's downstream-facing socket, it yields the upstream
// address the client originally aimed at, honoring optional static
// overrides for host and/or port.
package resolve

import (
	"errors"
	"fmt"
	"net"
	"syscall"
)

// ErrNoUpstream is returned when neither the OS capability nor a static
// override can produce an upstream address.
var ErrNoUpstream = errors.New("resolve: no upstream address available")

// Conn is the subset of net.TCPConn / net.UDPConn the resolver needs: a
// raw file descriptor handle (for the netfilter capability) and the
// socket's own local address (for the fallback capability).
type Conn interface {
	net.Conn
	SyscallConn() (syscall.RawConn, error)
}

// Capability retrieves the pre-redirect destination of a downstream
// socket. The core depends only on this interface, never on the
// mechanism behind it — spec.md §9's "transparent destination
// capability" redesign note.
type Capability interface {
	OriginalDestination(conn Conn) (net.Addr, error)
}

// Override carries optional static replacements for the upstream host
// and/or port, parsed from the command line's rhost/rport arguments.
type Override struct {
	Host string // empty means "no override"
	Port int    // 0 means "no override"
}

// HostIsOverride reports whether the positional rhost argument is a
// literal host override. It returns false for "0" or any all-zeroes
// address, which request the original destination host instead.
func HostIsOverride(rhost string) bool {
	if rhost == "0" {
		return false
	}
	ip := net.ParseIP(rhost)
	if ip == nil {
		return true // a hostname is always a literal override
	}
	return !ip.IsUnspecified()
}

// Resolve computes the upstream address for a freshly admitted flow.
// When both host and port are overridden, cap is never consulted —
// matching spec.md §4.4's "at least one of host or port must be
// dynamically obtained when not overridden".
func Resolve(cap Capability, conn Conn, override Override) (net.Addr, error) {
	needsCapability := override.Host == "" || override.Port == 0
	var base net.Addr
	if needsCapability {
		if cap == nil {
			return nil, ErrNoUpstream
		}
		d, err := cap.OriginalDestination(conn)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNoUpstream, err)
		}
		base = d
	}

	host := override.Host
	if host == "" {
		if base == nil {
			return nil, ErrNoUpstream
		}
		host = hostOf(base)
	}
	port := override.Port
	if port == 0 {
		if base == nil {
			return nil, ErrNoUpstream
		}
		port = portOf(base)
	}

	addr := fmt.Sprintf("%s:%d", host, port)
	switch conn.(type) {
	case *net.UDPConn:
		a, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNoUpstream, err)
		}
		return a, nil
	default:
		a, err := net.ResolveTCPAddr("tcp", addr)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrNoUpstream, err)
		}
		return a, nil
	}
}

// portOf extracts the port of addr irrespective of address family,
// per spec.md §9's port_of(addr) capability.
func portOf(addr net.Addr) int {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.Port
	case *net.UDPAddr:
		return a.Port
	default:
		return 0
	}
}

// hostOf extracts the host of addr irrespective of address family.
func hostOf(addr net.Addr) string {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		return ""
	}
}
