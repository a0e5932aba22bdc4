//go:build !linux

package main

import "github.com/netsed/netsed-go/internal/resolve"

// transparentCapability falls back to the socket's own local address
// on platforms without netfilter's SO_ORIGINAL_DST.
func transparentCapability() resolve.Capability {
	return resolve.LocalAddrCapability{}
}
