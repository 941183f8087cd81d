package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/wesleywu/routemesh/internal/logger"
	"github.com/wesleywu/routemesh/internal/network"
)

// Transport carries discovery datagrams. Delivery is best effort.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	// SendTo sends one unicast datagram, for peers multicast cannot reach
	SendTo(ctx context.Context, data []byte, to netip.AddrPort) error
	// ReadFrom blocks until a datagram arrives or ctx is done
	ReadFrom(ctx context.Context, buf []byte) (int, netip.AddrPort, error)
	Close() error
}

// MulticastTransport sends to and listens on an IPv4 multicast group
type MulticastTransport struct {
	conn  net.PacketConn
	pconn *ipv4.PacketConn
	group *net.UDPAddr
	log   *logger.Logger
}

// NewMulticastTransport binds the group port with address reuse and joins
// the group on every up, multicast-capable interface.
func NewMulticastTransport(ctx context.Context, group string, port int, log *logger.Logger) (*MulticastTransport, error) {
	if log == nil {
		log = logger.Nop()
	}
	groupAddr, err := netip.ParseAddr(group)
	if err != nil || !groupAddr.Is4() || !groupAddr.IsMulticast() {
		return nil, fmt.Errorf("invalid multicast group %q", group)
	}

	lc := net.ListenConfig{Control: reuseControl}
	conn, err := lc.ListenPacket(ctx, "udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on multicast port %d: %w", port, err)
	}

	t := &MulticastTransport{
		conn:  conn,
		pconn: ipv4.NewPacketConn(conn),
		group: &net.UDPAddr{IP: groupAddr.AsSlice(), Port: port},
		log:   log,
	}

	joined := 0
	ifaces, err := network.MulticastInterfaces()
	if err != nil {
		log.Warn("Failed to list multicast interfaces", "error", err)
	}
	for i := range ifaces {
		if err := t.pconn.JoinGroup(&ifaces[i], t.group); err != nil {
			log.Debug("Failed to join multicast group",
				"interface", ifaces[i].Name,
				"error", err)
			continue
		}
		joined++
	}
	if joined == 0 {
		// let the kernel pick the interface
		if err := t.pconn.JoinGroup(nil, t.group); err != nil {
			conn.Close()
			return nil, fmt.Errorf("join multicast group %s: %w", group, err)
		}
	}

	if err := t.pconn.SetMulticastLoopback(true); err != nil {
		log.Debug("Failed to enable multicast loopback", "error", err)
	}
	if err := t.pconn.SetMulticastTTL(1); err != nil {
		log.Debug("Failed to set multicast TTL", "error", err)
	}

	log.Info("Joined discovery multicast group",
		"group", t.group.String(),
		"interfaces", joined)
	return t, nil
}

func (t *MulticastTransport) Send(ctx context.Context, data []byte) error {
	if d, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(d)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	_, err := t.conn.WriteTo(data, t.group)
	return err
}

func (t *MulticastTransport) SendTo(ctx context.Context, data []byte, to netip.AddrPort) error {
	if !to.IsValid() {
		return fmt.Errorf("invalid unicast target %s", to)
	}
	if d, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(d)
		defer t.conn.SetWriteDeadline(time.Time{})
	}
	_, err := t.conn.WriteTo(data, net.UDPAddrFromAddrPort(to))
	return err
}

func (t *MulticastTransport) ReadFrom(ctx context.Context, buf []byte) (int, netip.AddrPort, error) {
	stop := context.AfterFunc(ctx, func() { _ = t.conn.SetReadDeadline(time.Now()) })
	defer stop()

	n, addr, err := t.conn.ReadFrom(buf)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			_ = t.conn.SetReadDeadline(time.Time{})
			return 0, netip.AddrPort{}, ctxErr
		}
		return 0, netip.AddrPort{}, err
	}
	var from netip.AddrPort
	if udp, ok := addr.(*net.UDPAddr); ok {
		from = udp.AddrPort()
	}
	return n, from, nil
}

func (t *MulticastTransport) Close() error {
	if err := t.pconn.LeaveGroup(nil, t.group); err != nil && !errors.Is(err, net.ErrClosed) {
		t.log.Debug("Failed to leave multicast group", "error", err)
	}
	return t.conn.Close()
}
