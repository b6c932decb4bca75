// Package connpool implements the per-node FIFO of idle TCP connections
// described in spec.md §4.B: checkout pops and liveness-probes a connection
// before handing it to a caller, checkin pushes back unconditionally, and
// destruction drains and shuts down every idle descriptor.
package connpool

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"nodekv/logging"
)

// peekTimeout is how long Checkout's liveness probe waits for the kernel to
// tell it something about a supposedly idle socket. It must be short enough
// that checkout never feels like a blocking network call to the caller.
const peekTimeout = 200 * time.Microsecond

// connState is the outcome of probing an idle connection, replacing the
// four-way integer return of the original non-blocking peek with a named
// type (spec.md §9's redesign note).
type connState int

const (
	stateConnected connState = iota
	stateRemoteClosed
	stateBrokenUnexpected
	stateBadHandle
)

// Pool is a FIFO of idle TCP connections for one node. It makes no
// single-producer/single-consumer assumption; Checkout/Checkin/Close are
// all safe to call concurrently.
type Pool struct {
	mu    sync.Mutex
	idle  []net.Conn
	name  string // diagnostic identity, typically the node's address
	dial  func(addr string) (net.Conn, error)
}

// New creates an empty pool. dial, if nil, defaults to a plain
// net.DialTimeout-based TCP dialer; tests substitute a fake to avoid real
// sockets.
func New(name string, dial func(addr string) (net.Conn, error)) *Pool {
	if dial == nil {
		dial = defaultDial
	}
	return &Pool{name: name, dial: dial}
}

func defaultDial(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, 1*time.Second)
}

// Checkin returns conn to the idle pool unconditionally. The spec is
// explicit that checkin performs no validation — the next Checkout probes.
func (p *Pool) Checkin(conn net.Conn) {
	p.mu.Lock()
	p.idle = append(p.idle, conn)
	p.mu.Unlock()
}

// Checkout returns a live connection, preferring a probed idle one and
// falling back to dialing addrs in order. restartFD is true when an
// unexpected error was observed on a pooled connection — the caller (Node)
// uses this to dun itself with reason restart-fd per spec.md §4.B/§7.
func (p *Pool) Checkout(addrs []string) (conn net.Conn, restartFD bool, err error) {
	for {
		idle, ok := p.pop()
		if !ok {
			break
		}
		switch probe(idle) {
		case stateConnected:
			return idle, false, nil
		case stateRemoteClosed:
			_ = idle.Close()
			logging.WithComponent("connpool").Debug().Str("node", p.name).
				Msg("idle connection closed by peer, dropping and retrying pool")
			continue
		case stateBrokenUnexpected:
			_ = idle.Close()
			logging.WithComponent("connpool").Warn().Str("node", p.name).
				Msg("idle connection broken, dunning node for restart-fd")
			return nil, true, fmt.Errorf("connpool %s: broken connection", p.name)
		case stateBadHandle:
			logging.WithComponent("connpool").Warn().Str("node", p.name).
				Msg("invalid connection handle in pool, retrying")
			continue
		}
	}

	if len(addrs) == 0 {
		return nil, false, fmt.Errorf("connpool %s: no usable address", p.name)
	}

	var lastErr error
	for _, addr := range addrs {
		conn, dialErr := p.dial(addr)
		if dialErr == nil {
			return conn, false, nil
		}
		lastErr = dialErr
	}
	return nil, false, fmt.Errorf("connpool %s: connect failed on all addresses: %w", p.name, lastErr)
}

func (p *Pool) pop() (net.Conn, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.idle)
	if n == 0 {
		return nil, false
	}
	conn := p.idle[0]
	p.idle = p.idle[1:]
	return conn, true
}

// Len reports the number of currently idle connections. Diagnostic only.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close drains the pool, shutting down and closing every idle descriptor.
func (p *Pool) Close() {
	p.mu.Lock()
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	for _, conn := range idle {
		if tc, ok := conn.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
			buf := make([]byte, 64)
			_ = tc.SetReadDeadline(time.Now().Add(10 * time.Millisecond))
			_, _ = tc.Read(buf)
		}
		_ = conn.Close()
	}
}

// probe distinguishes the four checkout-time states of a supposedly idle
// connection using a deadline-bounded zero-effect read: a timeout means the
// peer is silent but present (connected), io.EOF or a closed-connection
// error means the peer hung up cleanly, any other I/O error means the
// descriptor is broken, and a nil conn means a bad handle.
func probe(conn net.Conn) connState {
	if conn == nil {
		return stateBadHandle
	}
	tc, ok := conn.(interface {
		SetReadDeadline(time.Time) error
		Read([]byte) (int, error)
	})
	if !ok {
		return stateBadHandle
	}

	if err := tc.SetReadDeadline(time.Now().Add(peekTimeout)); err != nil {
		return stateBrokenUnexpected
	}
	defer func() {
		_ = tc.SetReadDeadline(time.Time{})
	}()

	buf := make([]byte, 1)
	n, err := tc.Read(buf)
	if n > 0 {
		// Unsolicited bytes on a connection the pool believed idle: the
		// framing is out of sync, treat it as broken rather than silently
		// discarding server data.
		return stateBrokenUnexpected
	}
	if err == nil {
		return stateConnected
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return stateConnected
	}
	if isClosedByPeer(err) {
		return stateRemoteClosed
	}
	return stateBrokenUnexpected
}

func isClosedByPeer(err error) bool {
	if err == nil {
		return false
	}
	if err.Error() == "EOF" {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe")
}
