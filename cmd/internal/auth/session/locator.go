package session

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// LocalNetworkLabel is reported for loopback and private addresses that no
// configured prefix covers.
const LocalNetworkLabel = "Local network"

type locationEntry struct {
	prefix netip.Prefix
	label  string
}

// NetworkLocator labels addresses from a table of network prefixes. The most
// specific matching prefix wins.
type NetworkLocator struct {
	entries []locationEntry
}

var _ Locator = (*NetworkLocator)(nil)

// ParseLocations builds a NetworkLocator from "prefix=label" pairs separated by
// ';', e.g. "10.20.0.0/16=Berlin office;2001:db8::/32=Lab". An empty table is
// valid.
func ParseLocations(table string) (*NetworkLocator, error) {
	l := &NetworkLocator{}
	for _, item := range strings.Split(table, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		raw, label, ok := strings.Cut(item, "=")
		label = strings.TrimSpace(label)
		if !ok || label == "" {
			return nil, fmt.Errorf("session: location %q: want prefix=label", item)
		}
		p, err := netip.ParsePrefix(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("session: location %q: %w", item, err)
		}
		l.entries = append(l.entries, locationEntry{prefix: p.Masked(), label: truncate(label, maxDeviceNameLen)})
	}
	slices.SortStableFunc(l.entries, func(a, b locationEntry) int {
		return b.prefix.Bits() - a.prefix.Bits()
	})
	return l, nil
}

// Locate implements Locator.
func (l *NetworkLocator) Locate(ip string) string {
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	for _, e := range l.entries {
		if e.prefix.Contains(addr) {
			return e.label
		}
	}
	if addr.IsLoopback() || addr.IsPrivate() {
		return LocalNetworkLabel
	}
	return ""
}
