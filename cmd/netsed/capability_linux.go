//go:build linux

package main

import "github.com/netsed/netsed-go/internal/resolve"

// transparentCapability picks the netfilter SO_ORIGINAL_DST capability
// on Linux, per spec.md §9's "thin capability object... two
// implementations".
func transparentCapability() resolve.Capability {
	return resolve.NetfilterCapability{}
}
