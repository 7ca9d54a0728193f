package probe

import (
	"context"
	"errors"
	"net"
	"sync"
	"syscall"
	"time"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type packet struct {
	from string
	data string
}

// fakeConn replays queued packets and then blocks until the read deadline.
type fakeConn struct {
	mu       sync.Mutex
	queue    []packet
	sent     [][]byte
	deadline time.Time
	closed   bool
}

func (c *fakeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	c.mu.Lock()
	if len(c.queue) > 0 {
		p := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		n := copy(b, p.data)
		return n, &net.UDPAddr{IP: net.ParseIP(p.from), Port: 1900}, nil
	}
	deadline := c.deadline
	c.mu.Unlock()

	if wait := time.Until(deadline); wait > 0 {
		time.Sleep(wait)
	}
	return 0, nil, timeoutErr{}
}

func (c *fakeConn) WriteTo(b []byte, _ net.Addr) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, append([]byte(nil), b...))
	return len(b), nil
}

func (c *fakeConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.deadline = t
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeTransport struct {
	conn *fakeConn
	err  error
}

func (t *fakeTransport) Open(*net.UDPAddr) (PacketConn, error) {
	if t.err != nil {
		return nil, t.err
	}
	return t.conn, nil
}

// fakeDialer answers from a table of listeners keyed by "ip:port"; any
// other address is refused immediately.
type fakeDialer struct {
	mu        sync.Mutex
	listeners map[string]func(server net.Conn)
	attempts  int
}

func (d *fakeDialer) DialContext(ctx context.Context, _, address string) (net.Conn, error) {
	d.mu.Lock()
	d.attempts++
	serve, ok := d.listeners[address]
	d.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !ok {
		return nil, &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}
	}
	client, server := net.Pipe()
	go serve(server)
	return client, nil
}

func (d *fakeDialer) attemptCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.attempts
}

// replyWith reads the probe command and answers with reply.
func replyWith(reply string) func(net.Conn) {
	return func(server net.Conn) {
		defer server.Close()
		buf := make([]byte, 64)
		_, _ = server.Read(buf)
		_, _ = server.Write([]byte(reply))
	}
}

// acceptOnly accepts and closes immediately.
func acceptOnly(server net.Conn) { _ = server.Close() }

var errBind = errors.New("bind: address already in use")
