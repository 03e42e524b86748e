package geoip

import (
	"net/netip"
	"strings"
)

// Location describes the result of an IP lookup.
type Location struct {
	Country string
	City    string
}

// Resolver maps a client IP to a coarse location used to annotate access
// history. Implementations must be safe for concurrent use.
type Resolver interface {
	Lookup(ip string) Location
}

// StaticResolver is a deterministic in-process resolver. It recognises
// loopback, private, and unspecified ranges; anything else yields the
// configured default. Deployments with a geolocation provider supply their
// own Resolver at wiring time.
type StaticResolver struct {
	// Default is returned for public addresses. Empty means unknown.
	Default Location
}

// Lookup implements Resolver.
func (r StaticResolver) Lookup(ip string) Location {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return Location{}
	}

	if addr.IsLoopback() || addr.IsPrivate() || addr.IsLinkLocalUnicast() || addr.IsUnspecified() {
		return Location{Country: "local"}
	}

	return r.Default
}
