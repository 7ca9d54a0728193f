package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/net/ipv4"
)

// DefaultReadTick bounds each socket read so cancellation is observed
// promptly.
const DefaultReadTick = 500 * time.Millisecond

// PacketConn is the subset of a UDP socket the multicast probes use.
type PacketConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Transport opens a socket that is a member of a multicast group.
type Transport interface {
	Open(group *net.UDPAddr) (PacketConn, error)
}

// MulticastTransport joins the group on Interface, or the system default
// interface when Interface is nil.
type MulticastTransport struct {
	Interface *net.Interface
	TTL       int
}

// Open binds an ephemeral UDP port and joins group on it.
func (t MulticastTransport) Open(group *net.UDPAddr) (PacketConn, error) {
	conn, err := net.ListenPacket("udp4", "0.0.0.0:0")
	if err != nil {
		return nil, fmt.Errorf("failed to bind udp socket: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	groupAddr := &net.UDPAddr{IP: group.IP}
	if err := pc.JoinGroup(t.Interface, groupAddr); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to join multicast group %s: %w", group.IP, err)
	}

	ttl := t.TTL
	if ttl <= 0 {
		ttl = 2
	}
	if err := pc.SetMulticastTTL(ttl); err != nil {
		_ = pc.LeaveGroup(t.Interface, groupAddr)
		_ = conn.Close()
		return nil, fmt.Errorf("failed to set multicast ttl: %w", err)
	}
	if t.Interface != nil {
		if err := pc.SetMulticastInterface(t.Interface); err != nil {
			_ = pc.LeaveGroup(t.Interface, groupAddr)
			_ = conn.Close()
			return nil, fmt.Errorf("failed to select multicast interface %s: %w", t.Interface.Name, err)
		}
	}

	return &groupConn{PacketConn: conn, pc: pc, iface: t.Interface, group: groupAddr}, nil
}

// groupConn leaves the multicast group before closing the socket.
type groupConn struct {
	net.PacketConn
	pc    *ipv4.PacketConn
	iface *net.Interface
	group *net.UDPAddr
}

func (g *groupConn) Close() error {
	leaveErr := g.pc.LeaveGroup(g.iface, g.group)
	closeErr := g.PacketConn.Close()
	if closeErr != nil {
		return closeErr
	}
	return leaveErr
}

// exchange sends payload to group once and hands every datagram received
// before deadline to handle. The socket is always closed on return.
func exchange(ctx context.Context, t Transport, group *net.UDPAddr, payload []byte,
	deadline time.Time, now func() time.Time, tick time.Duration,
	handle func(data []byte, from net.IP)) (err error) {

	conn, err := t.Open(group)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to release multicast socket: %w", cerr)
		}
	}()

	if _, err := conn.WriteTo(payload, group); err != nil {
		return fmt.Errorf("failed to send discovery datagram: %w", err)
	}

	if tick <= 0 {
		tick = DefaultReadTick
	}
	buf := make([]byte, 8192)
	for now().Before(deadline) {
		if ctx.Err() != nil {
			return nil
		}

		readBy := now().Add(tick)
		if readBy.After(deadline) {
			readBy = deadline
		}
		if err := conn.SetReadDeadline(readBy); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}

		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("multicast receive failed: %w", err)
		}
		if ip := addrIP(addr); ip != nil && n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			handle(data, ip)
		}
	}
	return nil
}

func addrIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP
	case *net.IPAddr:
		return a.IP
	default:
		return nil
	}
}
