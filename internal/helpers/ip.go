package helpers

import (
	"net/netip"
	"strings"
)

// AddrClass is the coarse class of an address seen as a client identity.
type AddrClass uint8

const (
	AddrInvalid AddrClass = iota
	AddrUnspecified
	AddrLoopback
	AddrLinkLocal
	AddrPrivate
	AddrPublic
)

var addrClassNames = [...]string{
	AddrInvalid:     "invalid",
	AddrUnspecified: "unspecified",
	AddrLoopback:    "loopback",
	AddrLinkLocal:   "link_local",
	AddrPrivate:     "private",
	AddrPublic:      "public",
}

func (c AddrClass) String() string {
	if int(c) < len(addrClassNames) {
		return addrClassNames[c]
	}
	return "unknown"
}

// ParseAddr parses s as a client address. IPv4-mapped IPv6 addresses are
// unmapped and zones dropped, so one client always yields one key.
func ParseAddr(s string) (netip.Addr, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// Classify returns the class of addr. Only AddrInvalid and AddrUnspecified
// are unusable as rate-limit identities.
func Classify(addr netip.Addr) AddrClass {
	switch {
	case !addr.IsValid():
		return AddrInvalid
	case addr.IsUnspecified():
		return AddrUnspecified
	case addr.IsLoopback():
		return AddrLoopback
	case addr.IsLinkLocalUnicast(), addr.IsLinkLocalMulticast():
		return AddrLinkLocal
	case addr.IsPrivate():
		return AddrPrivate
	default:
		return AddrPublic
	}
}

// IsIdentity reports whether addr can key a per-client limit.
func (c AddrClass) IsIdentity() bool {
	return c != AddrInvalid && c != AddrUnspecified
}
