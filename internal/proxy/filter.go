package proxy

import (
	"fmt"
	"slices"

	"github.com/chaz8081/meshproxy/internal/proxy/protocol"
)

// FilterMode is the state of a connected client's proxy filter.
type FilterMode uint8

const (
	// FilterNone is the state before the client subscribes.
	FilterNone FilterMode = iota
	// FilterWhitelist relays only listed destinations (accept list).
	FilterWhitelist
	// FilterBlacklist relays everything except listed destinations (reject list).
	FilterBlacklist
	// FilterProvisioning marks a PB-GATT link; nothing is relayed.
	FilterProvisioning
)

func (m FilterMode) String() string {
	switch m {
	case FilterNone:
		return "none"
	case FilterWhitelist:
		return "whitelist"
	case FilterBlacklist:
		return "blacklist"
	case FilterProvisioning:
		return "provisioning"
	default:
		return fmt.Sprintf("filter(%d)", uint8(m))
	}
}

// Filter is a fixed-capacity set of destination addresses plus its mode.
// It is not safe for concurrent use; Server guards it.
type Filter struct {
	mode  FilterMode
	addrs []uint16
	size  int
}

// NewFilter creates a filter holding at most size addresses.
func NewFilter(size int) *Filter {
	if size <= 0 {
		size = 16
	}
	return &Filter{size: size, addrs: make([]uint16, 0, size)}
}

func (f *Filter) Mode() FilterMode { return f.mode }

// SetMode switches the filter and empties the address list.
func (f *Filter) SetMode(m FilterMode) {
	f.mode = m
	f.addrs = f.addrs[:0]
}

// Add inserts addr. It reports false when addr is unassigned or the list
// is full; adding an address already present succeeds without change.
func (f *Filter) Add(addr uint16) bool {
	if addr == AddrUnassigned {
		return false
	}
	if f.Contains(addr) {
		return true
	}
	if len(f.addrs) >= f.size {
		return false
	}
	f.addrs = append(f.addrs, addr)
	return true
}

// Remove deletes addr if present.
func (f *Filter) Remove(addr uint16) {
	if i := slices.Index(f.addrs, addr); i >= 0 {
		f.addrs = slices.Delete(f.addrs, i, i+1)
	}
}

func (f *Filter) Contains(addr uint16) bool { return slices.Contains(f.addrs, addr) }

// Len returns the number of listed addresses.
func (f *Filter) Len() int { return len(f.addrs) }

// Addresses returns a copy of the list.
func (f *Filter) Addresses() []uint16 { return slices.Clone(f.addrs) }

// Matches reports whether a network PDU for dst may be relayed.
func (f *Filter) Matches(dst uint16) bool {
	switch f.mode {
	case FilterBlacklist:
		return !f.Contains(dst)
	case FilterWhitelist:
		return dst == AddrAllNodes || f.Contains(dst)
	default:
		return false
	}
}

// Type returns the wire filter type reported in Filter Status.
func (f *Filter) Type() protocol.FilterType {
	if f.mode == FilterBlacklist {
		return protocol.FilterReject
	}
	return protocol.FilterAccept
}
