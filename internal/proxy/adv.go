package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chaz8081/meshproxy/internal/proxy/crypto"
	"github.com/chaz8081/meshproxy/internal/proxy/protocol"
)

// AdvKind is what a connectable advertisement announces.
type AdvKind uint8

const (
	AdvProvisioning AdvKind = iota
	AdvNetworkID
	AdvNodeIdentity
	AdvPrivateNetworkID
	AdvPrivateNodeIdentity
)

func (k AdvKind) String() string {
	switch k {
	case AdvProvisioning:
		return "provisioning"
	case AdvNetworkID:
		return "network-id"
	case AdvNodeIdentity:
		return "node-identity"
	case AdvPrivateNetworkID:
		return "private-network-id"
	case AdvPrivateNodeIdentity:
		return "private-node-identity"
	default:
		return "unknown"
	}
}

// Advertisement is one connectable advertising set.
type Advertisement struct {
	Kind        AdvKind
	NetIdx      uint16
	ServiceUUID uint16
	ServiceData []byte
	Interval    time.Duration
	// Fast marks the one-shot fast provisioning burst.
	Fast bool
}

// Advertiser drives the radio.
type Advertiser interface {
	Start(adv Advertisement) error
	Stop() error
}

// Decision is the scheduler's answer for one slot. A nil Adv means do not
// advertise; Duration is Forever when only an external wake ends the slot.
type Decision struct {
	Adv      *Advertisement
	Duration time.Duration
}

// NodeIDMode is the Node Identity advertising state of a subnet.
type NodeIDMode uint8

const (
	NodeIDStopped NodeIDMode = iota
	NodeIDRunning
)

// SchedulerOptions configures connectable advertising.
type SchedulerOptions struct {
	MaxConnections      int
	NodeIdentityTimeout time.Duration
	FastAdvDuration     time.Duration
	FastInterval        time.Duration
	SlowInterval        time.Duration
	ProxyInterval       time.Duration
	PrimaryAddr         uint16
	DeviceUUID          uuid.UUID
	OOBInfo             uint16
	Private             bool
	GATTProxy           bool
	Provisioned         bool
	Clock               Clock
	Events              Publisher
	Logger              *slog.Logger
}

type nodeIdentity struct {
	mode  NodeIDMode
	start time.Time
}

// minSlot bounds how short a rotation slot can be.
const minSlot = time.Second

// Scheduler picks what the node advertises next: provisioning while
// unprovisioned, otherwise Node Identity or Network ID for each eligible
// subnet in turn.
type Scheduler struct {
	mu sync.Mutex

	opts      SchedulerOptions
	subnets   SubnetSource
	connCount func() int
	provBusy  func() bool

	provisioned bool
	gattProxy   bool
	pbGATT      bool
	fastProv    bool
	nodeID      map[uint16]*nodeIdentity
	cursor      int

	radio   Advertiser
	current *Advertisement
	wake    chan struct{}
	clock   Clock
	events  Publisher
	logger  *slog.Logger
}

// NewScheduler creates a scheduler. connCount reports active connections;
// provBusy reports whether a provisioning link is in use.
func NewScheduler(opts SchedulerOptions, subnets SubnetSource, radio Advertiser, connCount func() int, provBusy func() bool) *Scheduler {
	if opts.MaxConnections <= 0 {
		opts.MaxConnections = 3
	}
	if opts.NodeIdentityTimeout <= 0 {
		opts.NodeIdentityTimeout = 60 * time.Second
	}
	if opts.FastAdvDuration <= 0 {
		opts.FastAdvDuration = 60 * time.Second
	}
	if opts.FastInterval <= 0 {
		opts.FastInterval = 20 * time.Millisecond
	}
	if opts.SlowInterval <= 0 {
		opts.SlowInterval = time.Second
	}
	if opts.ProxyInterval <= 0 {
		opts.ProxyInterval = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock()
	}
	if opts.Events == nil {
		opts.Events = nopPublisher{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if connCount == nil {
		connCount = func() int { return 0 }
	}
	if provBusy == nil {
		provBusy = func() bool { return false }
	}
	return &Scheduler{
		opts:        opts,
		subnets:     subnets,
		connCount:   connCount,
		provBusy:    provBusy,
		provisioned: opts.Provisioned,
		gattProxy:   opts.GATTProxy,
		nodeID:      make(map[uint16]*nodeIdentity),
		radio:       radio,
		wake:        make(chan struct{}, 1),
		clock:       opts.Clock,
		events:      opts.Events,
		logger:      opts.Logger,
	}
}

// Wake ends the current slot early so the next decision is taken now.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// SetProvisioned switches between provisioning and proxy advertising.
func (s *Scheduler) SetProvisioned(v bool) {
	s.mu.Lock()
	s.provisioned = v
	s.mu.Unlock()
	s.Wake()
}

// SetGATTProxy enables or disables the GATT Proxy feature.
func (s *Scheduler) SetGATTProxy(v bool) {
	s.mu.Lock()
	s.gattProxy = v
	s.mu.Unlock()
	s.Wake()
}

// SetPBGATT enables provisioning advertising. Enabling it restarts the
// fast advertising burst.
func (s *Scheduler) SetPBGATT(v bool) {
	s.mu.Lock()
	if v && !s.pbGATT {
		s.fastProv = true
	}
	s.pbGATT = v
	s.mu.Unlock()
	s.Wake()
}

// StartNodeIdentity begins Node Identity advertising for netIdx.
func (s *Scheduler) StartNodeIdentity(netIdx uint16) {
	s.mu.Lock()
	s.nodeID[netIdx] = &nodeIdentity{mode: NodeIDRunning, start: s.clock.Now()}
	s.mu.Unlock()
	s.Wake()
}

// StartNodeIdentityAll begins Node Identity advertising on every subnet.
func (s *Scheduler) StartNodeIdentityAll() {
	now := s.clock.Now()
	s.mu.Lock()
	for _, sub := range s.subnets.Subnets() {
		s.nodeID[sub.NetIdx] = &nodeIdentity{mode: NodeIDRunning, start: now}
	}
	s.mu.Unlock()
	s.Wake()
}

// StopNodeIdentity ends Node Identity advertising for netIdx.
func (s *Scheduler) StopNodeIdentity(netIdx uint16) {
	s.mu.Lock()
	if st, ok := s.nodeID[netIdx]; ok {
		st.mode = NodeIDStopped
	}
	s.mu.Unlock()
	s.Wake()
}

// NodeIdentity returns the Node Identity state of netIdx.
func (s *Scheduler) NodeIdentity(netIdx uint16) NodeIDMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.nodeID[netIdx]; ok {
		return st.mode
	}
	return NodeIDStopped
}

// Next decides the advertisement for the slot starting at now.
func (s *Scheduler) Next(now time.Time) Decision {
	if s.connCount() >= s.opts.MaxConnections {
		return Decision{Duration: Forever}
	}
	provBusy := s.provBusy()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.provisioned {
		if !s.pbGATT || provBusy {
			return Decision{Duration: Forever}
		}
		return s.provisioningDecision()
	}

	eligible := s.eligibleLocked()
	if len(eligible) == 0 {
		return Decision{Duration: Forever}
	}
	maxSlot := s.opts.NodeIdentityTimeout / time.Duration(max(len(eligible), 6))
	if maxSlot < minSlot {
		maxSlot = minSlot
	}

	for range eligible {
		sub := eligible[s.cursor%len(eligible)]
		s.cursor = (s.cursor + 1) % len(eligible)
		adv, remaining := s.subnetAdvLocked(sub, now)
		if adv == nil {
			continue
		}
		if len(eligible) > 1 && (remaining == Forever || remaining > maxSlot) {
			remaining = maxSlot
		}
		return Decision{Adv: adv, Duration: remaining}
	}
	return Decision{Duration: Forever}
}

func (s *Scheduler) provisioningDecision() Decision {
	adv := &Advertisement{
		Kind:        AdvProvisioning,
		ServiceUUID: protocol.ProvisioningServiceUUID16,
		ServiceData: protocol.ProvisioningServiceData(s.opts.DeviceUUID, s.opts.OOBInfo),
		Interval:    s.opts.SlowInterval,
	}
	if s.fastProv {
		adv.Interval = s.opts.FastInterval
		adv.Fast = true
		return Decision{Adv: adv, Duration: s.opts.FastAdvDuration}
	}
	return Decision{Adv: adv, Duration: Forever}
}

// eligibleLocked lists subnets that run Node Identity or, with GATT Proxy
// enabled, every subnet.
func (s *Scheduler) eligibleLocked() []Subnet {
	var out []Subnet
	for _, sub := range s.subnets.Subnets() {
		st, ok := s.nodeID[sub.NetIdx]
		if s.gattProxy || (ok && st.mode == NodeIDRunning) {
			out = append(out, sub)
		}
	}
	return out
}

// subnetAdvLocked builds the advertisement for sub. Node Identity runs for
// what is left of its timeout, then falls back to Network ID.
func (s *Scheduler) subnetAdvLocked(sub Subnet, now time.Time) (*Advertisement, time.Duration) {
	if st, ok := s.nodeID[sub.NetIdx]; ok && st.mode == NodeIDRunning {
		active := now.Sub(st.start)
		if active < s.opts.NodeIdentityTimeout {
			adv, err := s.identityAdv(sub)
			if err == nil {
				return adv, s.opts.NodeIdentityTimeout - active
			}
			s.logger.Warn("[PROXY] node identity hash failed", "net_idx", sub.NetIdx, "error", err)
		}
		st.mode = NodeIDStopped
	}
	if !s.gattProxy {
		return nil, 0
	}
	return s.networkAdv(sub), Forever
}

func (s *Scheduler) identityAdv(sub Subnet) (*Advertisement, error) {
	random, err := crypto.Random()
	if err != nil {
		return nil, err
	}
	kind, idType := AdvNodeIdentity, protocol.IDNode
	hashFn := crypto.NodeIdentityHash
	if s.opts.Private {
		kind, idType = AdvPrivateNodeIdentity, protocol.IDPrivateNode
		hashFn = crypto.PrivateNodeIdentityHash
	}
	hash, err := hashFn(sub.Keys.IdentityKey, random, s.opts.PrimaryAddr)
	if err != nil {
		return nil, err
	}
	return &Advertisement{
		Kind:        kind,
		NetIdx:      sub.NetIdx,
		ServiceUUID: protocol.ProxyServiceUUID16,
		ServiceData: protocol.IdentityServiceData(idType, hash, random),
		Interval:    s.opts.ProxyInterval,
	}, nil
}

func (s *Scheduler) networkAdv(sub Subnet) *Advertisement {
	if s.opts.Private {
		data, err := privateNetworkData(sub.Keys)
		if err == nil {
			return &Advertisement{
				Kind:        AdvPrivateNetworkID,
				NetIdx:      sub.NetIdx,
				ServiceUUID: protocol.ProxyServiceUUID16,
				ServiceData: data,
				Interval:    s.opts.ProxyInterval,
			}
		}
		s.logger.Warn("[PROXY] private network id failed, advertising network id", "net_idx", sub.NetIdx, "error", err)
	}
	return &Advertisement{
		Kind:        AdvNetworkID,
		NetIdx:      sub.NetIdx,
		ServiceUUID: protocol.ProxyServiceUUID16,
		ServiceData: protocol.NetworkIDServiceData(sub.Keys.NetID),
		Interval:    s.opts.ProxyInterval,
	}
}

func privateNetworkData(keys SubnetKeys) ([]byte, error) {
	random, err := crypto.Random()
	if err != nil {
		return nil, err
	}
	hash, err := crypto.PrivateNetworkIDHash(keys.IdentityKey, keys.NetID, random)
	if err != nil {
		return nil, err
	}
	return protocol.IdentityServiceData(protocol.IDPrivateNetwork, hash, random), nil
}

// Step takes a decision for now and applies it to the radio. The previous
// set is always stopped before a new one starts.
func (s *Scheduler) Step(now time.Time) Decision {
	d := s.Next(now)
	if !s.apply(d.Adv) && (d.Duration == Forever || d.Duration > minSlot) {
		d.Duration = minSlot
	}
	return d
}

// apply reports false when the radio refused and the slot should be retried.
func (s *Scheduler) apply(adv *Advertisement) bool {
	if s.radio == nil {
		return true
	}
	s.mu.Lock()
	running := s.current != nil
	s.mu.Unlock()
	if running {
		if err := s.radio.Stop(); err != nil {
			s.logger.Warn("[PROXY] stopping advertising failed", "error", err)
			return false
		}
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}
	if adv == nil {
		return true
	}
	if err := s.radio.Start(*adv); err != nil {
		s.logger.Warn("[PROXY] starting advertising failed", "kind", adv.Kind, "error", err)
		return false
	}
	s.mu.Lock()
	s.current = adv
	if adv.Fast {
		s.fastProv = false
	}
	s.mu.Unlock()
	s.logger.Debug("[PROXY] advertising", "kind", adv.Kind, "net_idx", adv.NetIdx, "interval", adv.Interval)
	s.events.Publish(TopicAdvChanged, Event{Conn: NoConn, NetIdx: adv.NetIdx, Detail: adv.Kind.String()})
	return true
}

// Current returns the advertisement on air, if any.
func (s *Scheduler) Current() *Advertisement {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Run schedules advertising until ctx is cancelled, then stops the radio.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		d := s.Step(s.clock.Now())

		var timeout <-chan time.Time
		var timer *time.Timer
		if d.Duration != Forever {
			timer = time.NewTimer(d.Duration)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.apply(nil)
			return ctx.Err()
		case <-s.wake:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}
