package resolve

import "net"

// LocalAddrCapability is the fallback transparent-destination
// capability: it reports the socket's own local address, which is
// correct only when the listener itself binds the real service address
// (e.g. behind a layer-2 tap or an explicit static override), never
// when traffic arrives via NAT/redirect. Used when netfilter support is
// unavailable or compiled out, per spec.md §9's "plain local-address
// fallback" strategy.
type LocalAddrCapability struct{}

func (LocalAddrCapability) OriginalDestination(conn Conn) (net.Addr, error) {
	return conn.LocalAddr(), nil
}
