package proxy

import (
	"context"
	"errors"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// fakeServerConn records notifications; done fires synchronously unless
// hold is set, in which case callbacks wait for release.
type fakeServerConn struct {
	mu          sync.Mutex
	mtu         int
	chunks      [][]byte
	disconnects []uint8
	notifyErr   error
	hold        bool
	held        []func(error)
}

func (c *fakeServerConn) Notify(data []byte, done func(error)) error {
	c.mu.Lock()
	if c.notifyErr != nil {
		c.mu.Unlock()
		return c.notifyErr
	}
	c.chunks = append(c.chunks, append([]byte(nil), data...))
	if c.hold {
		c.held = append(c.held, done)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	done(nil)
	return nil
}

func (c *fakeServerConn) release() {
	c.mu.Lock()
	held := c.held
	c.held = nil
	c.mu.Unlock()
	for _, done := range held {
		done(nil)
	}
}

func (c *fakeServerConn) MTU() int {
	if c.mtu == 0 {
		return DefaultATTMTU
	}
	return c.mtu
}

func (c *fakeServerConn) Disconnect(reason uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects = append(c.disconnects, reason)
	return nil
}

func (c *fakeServerConn) sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.chunks))
	copy(out, c.chunks)
	return out
}

func (c *fakeServerConn) reset() {
	c.mu.Lock()
	c.chunks = nil
	c.mu.Unlock()
}

func (c *fakeServerConn) disconnectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.disconnects)
}

type fakeNetwork struct {
	mu       sync.Mutex
	netPDUs  [][]byte
	beacons  [][]byte
	from     []ConnIndex
	known    [][]byte
	statuses []uint16
	sealErr  error
}

func (n *fakeNetwork) RecvNetwork(pdu []byte, from ConnIndex) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.netPDUs = append(n.netPDUs, append([]byte(nil), pdu...))
	n.from = append(n.from, from)
}

func (n *fakeNetwork) RecvBeacon(pdu []byte, from ConnIndex) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.beacons = append(n.beacons, append([]byte(nil), pdu...))
}

// Config PDUs travel in the clear in tests.
func (n *fakeNetwork) OpenConfig(pdu []byte) ([]byte, error) { return pdu, nil }

func (n *fakeNetwork) SealConfig(payload []byte) ([]byte, error) {
	if n.sealErr != nil {
		return nil, n.sealErr
	}
	return payload, nil
}

func (n *fakeNetwork) Beacons() [][]byte { return n.known }

func (n *fakeNetwork) RecvFilterStatus(netIdx uint16, filterType uint8, listSize uint16) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, listSize)
}

func (n *fakeNetwork) network() [][]byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.netPDUs
}

type fakeBearer struct {
	mu     sync.Mutex
	opened int
	recv   [][]byte
	closed []CloseReason
}

func (b *fakeBearer) LinkOpened() {
	b.mu.Lock()
	b.opened++
	b.mu.Unlock()
}

func (b *fakeBearer) Recv(pdu []byte) {
	b.mu.Lock()
	b.recv = append(b.recv, append([]byte(nil), pdu...))
	b.mu.Unlock()
}

func (b *fakeBearer) LinkClosed(reason CloseReason) {
	b.mu.Lock()
	b.closed = append(b.closed, reason)
	b.mu.Unlock()
}

func (b *fakeBearer) closedReasons() []CloseReason {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]CloseReason(nil), b.closed...)
}

type fakeRadio struct {
	mu      sync.Mutex
	started []Advertisement
	stops   int
	stopErr error
}

func (r *fakeRadio) Start(adv Advertisement) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.started = append(r.started, adv)
	return nil
}

func (r *fakeRadio) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopErr != nil {
		return r.stopErr
	}
	r.stops++
	return nil
}

// fakeChar is a remote characteristic; writes are recorded and the
// subscription callback can be driven from the test.
type fakeChar struct {
	mu     sync.Mutex
	writes [][]byte
	notify func([]byte)
}

func (c *fakeChar) Write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	return nil
}

func (c *fakeChar) Subscribe(cb func([]byte)) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = cb
	return nil
}

func (c *fakeChar) push(data []byte) {
	c.mu.Lock()
	cb := c.notify
	c.mu.Unlock()
	if cb != nil {
		cb(data)
	}
}

func (c *fakeChar) written() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

type fakePeer struct {
	mu           sync.Mutex
	chars        map[string]*fakeChar
	onDisconnect func()
	disconnected bool
	disconnects  int
}

func newFakePeer(svc string, chars ...string) *fakePeer {
	p := &fakePeer{chars: make(map[string]*fakeChar)}
	for _, ch := range chars {
		p.chars[svc+"/"+ch] = &fakeChar{}
	}
	return p
}

func (p *fakePeer) DiscoverCharacteristic(svc, char string) (Characteristic, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chars[svc+"/"+char]
	if !ok {
		return nil, errors.New("characteristic not found")
	}
	return c, nil
}

func (p *fakePeer) char(svc, char string) *fakeChar {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.chars[svc+"/"+char]
}

func (p *fakePeer) MTU() int { return DefaultATTMTU }

func (p *fakePeer) Disconnect() error {
	p.mu.Lock()
	if p.disconnected {
		p.mu.Unlock()
		return nil
	}
	p.disconnected = true
	p.disconnects++
	cb := p.onDisconnect
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

func (p *fakePeer) disconnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.disconnects
}

func (p *fakePeer) OnDisconnect(cb func()) {
	p.mu.Lock()
	p.onDisconnect = cb
	p.mu.Unlock()
}

type fakeCentral struct {
	mu     sync.Mutex
	peers  map[string]*fakePeer
	dials  []string
	dialed chan string
	block  bool
}

func newFakeCentral() *fakeCentral {
	return &fakeCentral{peers: make(map[string]*fakePeer), dialed: make(chan string, 16)}
}

func (c *fakeCentral) Connect(ctx context.Context, addr string) (Peer, error) {
	c.mu.Lock()
	c.dials = append(c.dials, addr)
	p, ok := c.peers[addr]
	block := c.block
	c.mu.Unlock()
	c.dialed <- addr
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if !ok {
		return nil, errors.New("no such peer")
	}
	p.mu.Lock()
	p.disconnected = false
	p.mu.Unlock()
	return p, nil
}

func (c *fakeCentral) dialCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.dials)
}

func (b *fakeBearer) openedCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opened
}

func (n *fakeNetwork) filterStatuses() []uint16 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uint16(nil), n.statuses...)
}
