package proxy

import (
	"fmt"
	"slices"
	"sync"

	"github.com/chaz8081/meshproxy/internal/proxy/crypto"
)

// SubnetKeys is the advertising material derived from one NetKey.
type SubnetKeys struct {
	NetID       [8]byte
	IdentityKey [crypto.KeySize]byte
}

// DeriveSubnetKeys computes the Network ID and Identity Key of netKey.
func DeriveSubnetKeys(netKey []byte) (SubnetKeys, error) {
	var k SubnetKeys
	var err error
	if k.NetID, err = crypto.NetworkID(netKey); err != nil {
		return k, err
	}
	if k.IdentityKey, err = crypto.IdentityKey(netKey); err != nil {
		return k, err
	}
	return k, nil
}

// Subnet is a known subnet. NewKeys is set during Key Refresh.
type Subnet struct {
	NetIdx  uint16
	Keys    SubnetKeys
	NewKeys *SubnetKeys
}

// NewSubnet derives a Subnet from its NetKey and optional refreshed key.
func NewSubnet(netIdx uint16, netKey, newNetKey []byte) (Subnet, error) {
	s := Subnet{NetIdx: netIdx}
	var err error
	if s.Keys, err = DeriveSubnetKeys(netKey); err != nil {
		return s, fmt.Errorf("proxy: subnet 0x%03x: %w", netIdx, err)
	}
	if len(newNetKey) > 0 {
		nk, err := DeriveSubnetKeys(newNetKey)
		if err != nil {
			return s, fmt.Errorf("proxy: subnet 0x%03x new key: %w", netIdx, err)
		}
		s.NewKeys = &nk
	}
	return s, nil
}

// keySets returns the current keys followed by the refreshed ones.
func (s Subnet) keySets() []SubnetKeys {
	if s.NewKeys == nil {
		return []SubnetKeys{s.Keys}
	}
	return []SubnetKeys{s.Keys, *s.NewKeys}
}

// SubnetSource lists the subnets the node belongs to.
type SubnetSource interface {
	Subnets() []Subnet
}

// SubnetTable is a SubnetSource backed by memory.
type SubnetTable struct {
	mu   sync.RWMutex
	subs map[uint16]Subnet
}

func NewSubnetTable(subs ...Subnet) *SubnetTable {
	t := &SubnetTable{subs: make(map[uint16]Subnet, len(subs))}
	for _, s := range subs {
		t.subs[s.NetIdx] = s
	}
	return t
}

// Put adds or replaces a subnet.
func (t *SubnetTable) Put(s Subnet) {
	t.mu.Lock()
	t.subs[s.NetIdx] = s
	t.mu.Unlock()
}

func (t *SubnetTable) Delete(netIdx uint16) {
	t.mu.Lock()
	delete(t.subs, netIdx)
	t.mu.Unlock()
}

func (t *SubnetTable) Get(netIdx uint16) (Subnet, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.subs[netIdx]
	return s, ok
}

// Subnets returns the subnets ordered by NetIdx.
func (t *SubnetTable) Subnets() []Subnet {
	t.mu.RLock()
	out := make([]Subnet, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s)
	}
	t.mu.RUnlock()
	slices.SortFunc(out, func(a, b Subnet) int { return int(a.NetIdx) - int(b.NetIdx) })
	return out
}

func findSubnet(src SubnetSource, netIdx uint16) (Subnet, bool) {
	for _, s := range src.Subnets() {
		if s.NetIdx == netIdx {
			return s, true
		}
	}
	return Subnet{}, false
}
