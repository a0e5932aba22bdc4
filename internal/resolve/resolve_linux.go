//go:build linux

package resolve

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// soOriginalDst is Linux's netfilter_ipv4.h SO_ORIGINAL_DST, not exposed
// by golang.org/x/sys/unix as a named constant.
const soOriginalDst = 80

// NetfilterCapability retrieves the pre-redirect destination of a socket
// that arrived via an iptables REDIRECT or DNAT rule, via the netfilter
// SO_ORIGINAL_DST sockopt. IPv4 only: this module never translates
// between address families, matching spec.md §1's Non-goals.
type NetfilterCapability struct{}

func (NetfilterCapability) OriginalDestination(conn Conn) (net.Addr, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return nil, err
	}

	var sa unix.RawSockaddrInet4
	size := uint32(unsafe.Sizeof(sa))

	var ctrlErr error
	err = raw.Control(func(fd uintptr) {
		_, _, errno := unix.Syscall6(
			unix.SYS_GETSOCKOPT,
			fd,
			uintptr(unix.IPPROTO_IP),
			uintptr(soOriginalDst),
			uintptr(unsafe.Pointer(&sa)),
			uintptr(unsafe.Pointer(&size)),
			0,
		)
		if errno != 0 {
			ctrlErr = errno
		}
	})
	if err != nil {
		return nil, err
	}
	if ctrlErr != nil {
		return nil, fmt.Errorf("getsockopt SO_ORIGINAL_DST: %w", ctrlErr)
	}

	ip := net.IPv4(sa.Addr[0], sa.Addr[1], sa.Addr[2], sa.Addr[3])
	port := int(ntohs(sa.Port))

	if _, ok := conn.(*net.UDPConn); ok {
		return &net.UDPAddr{IP: ip, Port: port}, nil
	}
	return &net.TCPAddr{IP: ip, Port: port}, nil
}

// ntohs swaps a sockaddr port field's two bytes; RawSockaddrInet4.Port
// is stored in network byte order regardless of host endianness.
func ntohs(v uint16) uint16 {
	return v<<8 | v>>8
}
