package netsim

import (
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// inboxSize bounds the datagrams queued at one Conn. Overflow is dropped
// the way a socket receive buffer would.
const inboxSize = 4096

// Addr is the address of a simulated endpoint.
type Addr string

// Network returns "sim".
func (a Addr) Network() string { return "sim" }

// String returns the address text.
func (a Addr) String() string { return string(a) }

// Conditions describe what happens to datagrams a Conn sends.
type Conditions struct {
	Loss      float64       // Probability a datagram is dropped
	Duplicate float64       // Probability a delivered datagram is delivered twice
	Delay     time.Duration // Fixed one-way delay
	Jitter    time.Duration // Extra random delay in [0, Jitter); reorders traffic
	// Match limits the conditions to datagrams for which it returns true.
	// Other datagrams are delivered immediately. Nil matches everything.
	Match func(datagram []byte) bool
}

// Stats counts what happened to the datagrams a Conn sent.
type Stats struct {
	Sent       uint64
	Delivered  uint64
	Dropped    uint64
	Duplicated uint64
	Overflowed uint64
}

type datagram struct {
	data []byte
	from Addr
}

// Network connects simulated endpoints.
type Network struct {
	mu    sync.Mutex
	rng   *rand.Rand
	conns map[Addr]*Conn
	next  int
}

// NewNetwork creates a network whose random decisions derive from seed.
func NewNetwork(seed int64) *Network {
	return &Network{
		rng:   rand.New(rand.NewSource(seed)),
		conns: make(map[Addr]*Conn),
	}
}

// Listen creates a new endpoint with a unique address.
func (n *Network) Listen() *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.next++
	c := &Conn{
		network: n,
		addr:    Addr(fmt.Sprintf("sim:%d", n.next)),
		inbox:   make(chan datagram, inboxSize),
		closed:  make(chan struct{}),
	}
	n.conns[c.addr] = c

	logrus.WithFields(logrus.Fields{
		"function": "Network.Listen",
		"addr":     c.addr.String(),
	}).Debug("Simulated endpoint created")

	return c
}

// Pipe returns two connected endpoints on a fresh network.
func Pipe(seed int64) (*Conn, *Conn) {
	n := NewNetwork(seed)
	return n.Listen(), n.Listen()
}

func (n *Network) lookup(a Addr) *Conn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[a]
}

func (n *Network) remove(a Addr) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.conns, a)
}

// roll returns true with probability p.
func (n *Network) roll(p float64) bool {
	if p <= 0 {
		return false
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.rng.Float64() < p
}

func (n *Network) jitter(max time.Duration) time.Duration {
	if max <= 0 {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return time.Duration(n.rng.Int63n(int64(max)))
}

// Conn is a simulated datagram socket. It implements net.PacketConn.
type Conn struct {
	network *Network
	addr    Addr
	inbox   chan datagram
	closed  chan struct{}

	mu           sync.Mutex
	conditions   Conditions
	readDeadline time.Time
	stats        Stats
	closeOnce    sync.Once
}

// SetConditions replaces the outbound conditions.
func (c *Conn) SetConditions(cond Conditions) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conditions = cond
}

// Stats returns the outbound counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// ReadFrom blocks for the next datagram, the read deadline or Close.
func (c *Conn) ReadFrom(p []byte) (int, net.Addr, error) {
	c.mu.Lock()
	deadline := c.readDeadline
	c.mu.Unlock()

	var timeout <-chan time.Time
	if !deadline.IsZero() {
		wait := time.Until(deadline)
		if wait <= 0 {
			return 0, nil, timeoutError{}
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case d := <-c.inbox:
		return copy(p, d.data), d.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	case <-timeout:
		return 0, nil, timeoutError{}
	}
}

// WriteTo sends p to addr subject to the outbound conditions. Datagrams to
// unknown addresses vanish, as they would on a real network.
func (c *Conn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}

	c.mu.Lock()
	cond := c.conditions
	c.stats.Sent++
	c.mu.Unlock()

	data := append([]byte(nil), p...)
	dst := c.network.lookup(Addr(addr.String()))

	if cond.Match != nil && !cond.Match(data) {
		c.deliver(dst, data, 0)
		return len(p), nil
	}
	if c.network.roll(cond.Loss) {
		c.count(func(s *Stats) { s.Dropped++ })
		return len(p), nil
	}

	c.deliver(dst, data, cond.Delay+c.network.jitter(cond.Jitter))
	if c.network.roll(cond.Duplicate) {
		c.count(func(s *Stats) { s.Duplicated++ })
		c.deliver(dst, data, cond.Delay+c.network.jitter(cond.Jitter))
	}
	return len(p), nil
}

func (c *Conn) deliver(dst *Conn, data []byte, delay time.Duration) {
	if dst == nil {
		c.count(func(s *Stats) { s.Dropped++ })
		return
	}
	d := datagram{data: data, from: c.addr}
	if delay <= 0 {
		c.enqueue(dst, d)
		return
	}
	time.AfterFunc(delay, func() { c.enqueue(dst, d) })
}

func (c *Conn) enqueue(dst *Conn, d datagram) {
	select {
	case <-dst.closed:
		c.count(func(s *Stats) { s.Dropped++ })
		return
	default:
	}
	select {
	case dst.inbox <- d:
		c.count(func(s *Stats) { s.Delivered++ })
	default:
		c.count(func(s *Stats) { s.Overflowed++ })
	}
}

func (c *Conn) count(fn func(*Stats)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.stats)
}

// Close unblocks readers and detaches the endpoint from the network.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.network.remove(c.addr)
	})
	return nil
}

// LocalAddr returns the endpoint address.
func (c *Conn) LocalAddr() net.Addr {
	return c.addr
}

// SetDeadline sets the read deadline. Writes never block.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

// SetReadDeadline sets the deadline for subsequent reads.
func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDeadline = t
	return nil
}

// SetWriteDeadline is a no-op; writes never block.
func (c *Conn) SetWriteDeadline(time.Time) error {
	return nil
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

var _ net.PacketConn = (*Conn)(nil)
var _ net.Error = timeoutError{}
