// Package ssdp listens for SSDP announcements and issues M-SEARCH requests.
package ssdp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
)

// Multicast group and well known search targets.
const (
	MulticastAddr = "239.255.255.250:1900"
	SearchAll     = "ssdp:all"
	RootDevice    = "upnp:rootdevice"

	userAgent = "OS/1.0 UPnP/1.0 airbridge/1.0"
)

const (
	readBuffer    = 64 * 1024
	searchTTL     = 2
	responseGrace = 500 * time.Millisecond
)

// Transport owns the multicast listener and sends searches from ephemeral
// sockets.
type Transport struct {
	log   *zap.Logger
	ifi   *net.Interface
	group *net.UDPAddr
}

// NewTransport binds searches and group membership to the named interface,
// or to every multicast capable interface when iface is empty.
func NewTransport(log *zap.Logger, iface string) (*Transport, error) {
	if log == nil {
		log = zap.NewNop()
	}
	group, err := net.ResolveUDPAddr("udp4", MulticastAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve ssdp group: %w", err)
	}
	t := &Transport{log: log, group: group}
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("ssdp interface %s: %w", iface, err)
		}
		t.ifi = ifi
	}
	return t, nil
}

// Listen joins the multicast group and delivers every datagram to handler
// until ctx ends.
func (t *Transport) Listen(ctx context.Context, handler Handler) error {
	conn, err := net.ListenMulticastUDP("udp4", t.ifi, t.group)
	if err != nil {
		return fmt.Errorf("ssdp listen: %w", err)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()
	defer conn.Close()

	if err := conn.SetReadBuffer(readBuffer); err != nil {
		t.log.Debug("ssdp read buffer", zap.Error(err))
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastLoopback(true); err != nil {
		t.log.Debug("ssdp multicast loopback", zap.Error(err))
	}
	if t.ifi == nil {
		t.joinAll(p)
	}
	t.log.Info("ssdp listening", zap.String("group", t.group.String()))

	local := newLocalCache()
	buf := make([]byte, readBuffer)
	for {
		n, _, src, err := p.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("ssdp read: %w", err)
		}
		t.deliver(buf[:n], src, local, handler)
	}
}

func (t *Transport) joinAll(p *ipv4.PacketConn) {
	ifaces, err := net.Interfaces()
	if err != nil {
		t.log.Warn("ssdp list interfaces", zap.Error(err))
		return
	}
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if err := p.JoinGroup(&ifi, t.group); err != nil {
			t.log.Debug("ssdp join group", zap.String("iface", ifi.Name), zap.Error(err))
		}
	}
}

// Search multicasts an M-SEARCH for st and delivers replies to handler for
// mx seconds plus a short grace period. It returns once the request is sent.
func (t *Transport) Search(ctx context.Context, st string, mx int, handler Handler) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return fmt.Errorf("ssdp search socket: %w", err)
	}
	p := ipv4.NewPacketConn(conn)
	if err := p.SetMulticastTTL(searchTTL); err != nil {
		t.log.Debug("ssdp multicast ttl", zap.Error(err))
	}
	if t.ifi != nil {
		if err := p.SetMulticastInterface(t.ifi); err != nil {
			t.log.Debug("ssdp multicast interface", zap.Error(err))
		}
	}
	if _, err := conn.WriteToUDP(BuildSearch(st, mx), t.group); err != nil {
		_ = conn.Close()
		t.log.Warn("ssdp search send failed", zap.String("st", st), zap.Error(err))
		return fmt.Errorf("ssdp search: %w", err)
	}
	t.log.Debug("ssdp search sent", zap.String("st", st), zap.Int("mx", mx))

	go func() {
		defer conn.Close()
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		defer stop()
		_ = conn.SetReadDeadline(time.Now().Add(time.Duration(mx)*time.Second + responseGrace))
		local := newLocalCache()
		buf := make([]byte, readBuffer)
		for {
			n, src, err := conn.ReadFromUDP(buf)
			if err != nil {
				var netErr net.Error
				if !errors.As(err, &netErr) || !netErr.Timeout() {
					if ctx.Err() == nil {
						t.log.Debug("ssdp search read", zap.Error(err))
					}
				}
				return
			}
			t.deliver(buf[:n], src, local, handler)
		}
	}()
	return nil
}

func (t *Transport) deliver(data []byte, src net.Addr, local *localCache, handler Handler) {
	from, _ := src.(*net.UDPAddr)
	msg, err := ParseMessage(data, from)
	if err != nil {
		t.log.Debug("ssdp datagram dropped", zap.Stringer("from", src), zap.Error(err))
		return
	}
	if from != nil {
		msg.LocalIP = local.lookup(from.IP)
	}
	handler(msg)
}

// OutboundIP returns the local address the kernel would use to reach remote.
func OutboundIP(remote net.IP) (net.IP, error) {
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: remote, Port: 1900})
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP, nil
}

// localCache memoizes OutboundIP per remote address. It is owned by a single
// read loop.
type localCache struct {
	ips map[string]net.IP
}

func newLocalCache() *localCache {
	return &localCache{ips: map[string]net.IP{}}
}

func (c *localCache) lookup(remote net.IP) net.IP {
	key := remote.String()
	if ip, ok := c.ips[key]; ok {
		return ip
	}
	ip, err := OutboundIP(remote)
	if err != nil {
		return nil
	}
	c.ips[key] = ip
	return ip
}
