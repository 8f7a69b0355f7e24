package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/deskstream/limits"
)

// DatagramHandler processes one received datagram. data is only valid for
// the duration of the call.
type DatagramHandler func(data []byte, addr net.Addr)

// Endpoint owns the read loop over a packet connection and dispatches each
// datagram to a handler on the loop goroutine.
type Endpoint struct {
	conn    net.PacketConn
	handler DatagramHandler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	readErrors  atomic.Uint64
	writeErrors atomic.Uint64
}

// ListenUDP opens a UDP socket suitable for a session.
func ListenUDP(listenAddr string) (net.PacketConn, error) {
	return net.ListenPacket("udp", listenAddr)
}

// NewEndpoint wraps conn. The caller keeps ownership of conn.
func NewEndpoint(conn net.PacketConn, handler DatagramHandler) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		conn:    conn,
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the read loop.
func (e *Endpoint) Start() {
	e.wg.Add(1)
	go e.processDatagrams()
}

// Stop ends the read loop and waits for it to exit.
func (e *Endpoint) Stop() {
	e.cancel()
	e.wg.Wait()
}

// WriteTo sends one datagram. Write failures are counted and returned.
func (e *Endpoint) WriteTo(data []byte, addr net.Addr) error {
	if len(data) > limits.MaxDatagram {
		return limits.ErrTooLarge
	}
	if _, err := e.conn.WriteTo(data, addr); err != nil {
		e.writeErrors.Add(1)
		return err
	}
	return nil
}

// LocalAddr returns the local address of the connection.
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// ReadErrors returns the number of non-timeout read failures.
func (e *Endpoint) ReadErrors() uint64 {
	return e.readErrors.Load()
}

// WriteErrors returns the number of failed writes.
func (e *Endpoint) WriteErrors() uint64 {
	return e.writeErrors.Load()
}

func (e *Endpoint) processDatagrams() {
	defer e.wg.Done()
	buffer := make([]byte, 2048)

	for {
		select {
		case <-e.ctx.Done():
			return
		default:
		}

		data, addr, err := e.readDatagram(buffer)
		if err != nil {
			if e.handleReadError(err) {
				return
			}
			continue
		}
		e.handler(data, addr)
	}
}

// readDatagram reads with a short deadline so the loop notices Stop.
func (e *Endpoint) readDatagram(buffer []byte) ([]byte, net.Addr, error) {
	_ = e.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))

	n, addr, err := e.conn.ReadFrom(buffer)
	if err != nil {
		return nil, nil, err
	}
	return buffer[:n], addr, nil
}

// handleReadError classifies a read error and reports whether the loop
// must stop.
func (e *Endpoint) handleReadError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return false
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}

	e.readErrors.Add(1)
	logrus.WithFields(logrus.Fields{
		"function": "Endpoint.handleReadError",
		"local":    e.conn.LocalAddr().String(),
		"error":    err.Error(),
	}).Warn("Datagram read failed")

	// Avoid spinning on a persistent error.
	select {
	case <-e.ctx.Done():
		return true
	case <-time.After(10 * time.Millisecond):
		return false
	}
}

// Shutdown asks the read loop to exit without waiting for it. It is safe
// to call from the handler.
func (e *Endpoint) Shutdown() {
	e.cancel()
}
