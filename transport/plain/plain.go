// Package plain implements transport.Backend over raw TCP and UDP sockets
// with no peer authentication — the "zmq" backend token for backward
// config compatibility (spec.md §3), PostTroll's default.
//
// Framing mirrors a unified socket Server/Client shape (Listen/Accept/
// Handler/Close on the server side, Connect/Read/Write/Close on the
// client side) rather than a bespoke ad-hoc protocol per socket kind.
package plain

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/arc-self/posttroll/config"
	"github.com/arc-self/posttroll/transport"
)

func init() {
	transport.Register(config.BackendPlain, New)
}

// backend is the plain transport.Backend.
type backend struct {
	keepalive transport.KeepaliveConfig
	nameservers []string
}

// New constructs the plain backend from cfg.
func New(cfg config.Values) (transport.Backend, error) {
	return &backend{
		keepalive:   transport.FromConfig(cfg),
		nameservers: cfg.Nameservers,
	}, nil
}

func (b *backend) Name() string { return config.BackendPlain }

// ── Publish/Subscribe ───────────────────────────────────────────────────

// pubSocket is a TCP server that frames every Send to every connected
// subscriber. It keeps no queue: a slow/disconnected subscriber simply
// misses messages sent while it wasn't connected (spec.md Non-goals).
type pubSocket struct {
	ln   net.Listener
	mu   sync.Mutex
	conns map[net.Conn]struct{}
	wg   sync.WaitGroup
	kac  transport.KeepaliveConfig
}

func (b *backend) CreatePublishSocket(address string) (transport.PublishSocket, error) {
	ln, err := net.Listen("tcp", stripScheme(address))
	if err != nil {
		return nil, &transport.ConnectionError{Address: address, Err: err}
	}
	p := &pubSocket{ln: ln, conns: map[net.Conn]struct{}{}, kac: b.keepalive}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

func (p *pubSocket) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
		p.kac.Apply(conn)
		p.mu.Lock()
		p.conns[conn] = struct{}{}
		p.mu.Unlock()
	}
}

func (p *pubSocket) Send(frame []byte) error {
	p.mu.Lock()
	conns := make([]net.Conn, 0, len(p.conns))
	for c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	for _, c := range conns {
		if err := transport.WriteFrame(c, frame); err != nil {
			p.mu.Lock()
			delete(p.conns, c)
			p.mu.Unlock()
			_ = c.Close()
		}
	}
	return nil
}

func (p *pubSocket) Close() error {
	err := p.ln.Close()
	p.mu.Lock()
	for c := range p.conns {
		_ = c.Close()
	}
	p.conns = map[net.Conn]struct{}{}
	p.mu.Unlock()
	p.wg.Wait()
	return err
}

// subSocket is a single persistent connection to one publisher address.
type subSocket struct {
	conn net.Conn
}

func (b *backend) CreateSubscribeSocket(address string) (transport.SubscribeSocket, error) {
	conn, err := net.Dial("tcp", stripScheme(address))
	if err != nil {
		return nil, &transport.ConnectionError{Address: address, Err: err}
	}
	b.keepalive.Apply(conn)
	return &subSocket{conn: conn}, nil
}

func (s *subSocket) Recv(timeout time.Duration) ([]byte, error) {
	return transport.ReadFrame(s.conn, timeout)
}

func (s *subSocket) Close() error { return s.conn.Close() }

// ── Request/Reply ───────────────────────────────────────────────────────

// reqSocket dials fresh for every Request, mirroring a stateless REQ/REP
// exchange: one TCP connection carries exactly one request and one reply.
type reqSocket struct {
	address string
	kac     transport.KeepaliveConfig
}

func (b *backend) CreateRequestSocket(address string) (transport.RequestSocket, error) {
	return &reqSocket{address: stripScheme(address), kac: b.keepalive}, nil
}

func (r *reqSocket) Request(frame []byte, timeout time.Duration) ([]byte, error) {
	dialer := net.Dialer{}
	if timeout > 0 {
		dialer.Timeout = timeout
	}
	conn, err := dialer.Dial("tcp", r.address)
	if err != nil {
		return nil, &transport.ConnectionError{Address: r.address, Err: err}
	}
	defer conn.Close()
	r.kac.Apply(conn)

	if err := transport.WriteFrame(conn, frame); err != nil {
		return nil, err
	}
	return transport.ReadFrame(conn, timeout)
}

func (r *reqSocket) Close() error { return nil }

// repSocket is a TCP listener that serves one request/reply exchange per
// accepted connection.
type repSocket struct {
	ln  net.Listener
	kac transport.KeepaliveConfig
}

func (b *backend) CreateReplySocket(address string) (transport.ReplySocket, error) {
	ln, err := net.Listen("tcp", stripScheme(address))
	if err != nil {
		return nil, &transport.ConnectionError{Address: address, Err: err}
	}
	return &repSocket{ln: ln, kac: b.keepalive}, nil
}

func (r *repSocket) Serve(ctx context.Context, handler transport.Handler) error {
	go func() {
		<-ctx.Done()
		_ = r.ln.Close()
	}()

	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		r.kac.Apply(conn)
		go serveOne(conn, handler)
	}
}

func serveOne(conn net.Conn, handler transport.Handler) {
	defer conn.Close()
	req, err := transport.ReadFrame(conn, 30*time.Second)
	if err != nil {
		return
	}
	reply := handler(req)
	_ = transport.WriteFrame(conn, reply)
}

func (r *repSocket) Close() error { return r.ln.Close() }

// ── Broadcast (UDP multicast, with unicast fallback) ──────────────────────

type broadcastSender struct {
	conn    *net.UDPConn
	targets []*net.UDPAddr // non-nil => unicast fallback to each target
}

func (b *backend) CreateBroadcastSender(group string, port int, iface string) (transport.BroadcastSender, error) {
	if len(b.nameservers) > 0 {
		targets := make([]*net.UDPAddr, 0, len(b.nameservers))
		for _, hostport := range b.nameservers {
			addr, err := net.ResolveUDPAddr("udp", hostport)
			if err != nil {
				return nil, fmt.Errorf("transport: bad nameserver address %q: %w", hostport, err)
			}
			targets = append(targets, addr)
		}
		conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: 0})
		if err != nil {
			return nil, &transport.ConnectionError{Address: "unicast-fallback", Err: err}
		}
		return &broadcastSender{conn: conn, targets: targets}, nil
	}

	groupAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(group, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("transport: bad multicast group %q: %w", group, err)
	}

	var laddr *net.UDPAddr
	if iface != "" {
		ifi, err := net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("transport: bad multicast_interface %q: %w", iface, err)
		}
		addrs, err := ifi.Addrs()
		if err == nil {
			for _, a := range addrs {
				if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.To4() != nil {
					laddr = &net.UDPAddr{IP: ipnet.IP}
					break
				}
			}
		}
	}

	conn, err := net.DialUDP("udp", laddr, groupAddr)
	if err != nil {
		return nil, &transport.ConnectionError{Address: group, Err: err}
	}
	return &broadcastSender{conn: conn}, nil
}

func (s *broadcastSender) Send(payload []byte) error {
	if len(s.targets) > 0 {
		var firstErr error
		for _, t := range s.targets {
			if _, err := s.conn.WriteToUDP(payload, t); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	_, err := s.conn.Write(payload)
	return err
}

func (s *broadcastSender) Close() error { return s.conn.Close() }

type broadcastReceiver struct {
	conn *net.UDPConn
}

func (b *backend) CreateBroadcastReceiver(group string, port int, iface string) (transport.BroadcastReceiver, error) {
	groupAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(group, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("transport: bad multicast group %q: %w", group, err)
	}

	var ifi *net.Interface
	if iface != "" {
		ifi, err = net.InterfaceByName(iface)
		if err != nil {
			return nil, fmt.Errorf("transport: bad multicast_interface %q: %w", iface, err)
		}
	}

	conn, err := net.ListenMulticastUDP("udp", ifi, groupAddr)
	if err != nil {
		return nil, &transport.ConnectionError{Address: group, Err: err}
	}
	_ = conn.SetReadBuffer(1 << 20)
	return &broadcastReceiver{conn: conn}, nil
}

func (r *broadcastReceiver) Recv(timeout time.Duration) ([]byte, string, error) {
	if timeout > 0 {
		if err := r.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, "", err
		}
		defer r.conn.SetReadDeadline(time.Time{})
	}
	buf := make([]byte, 64*1024)
	n, addr, err := r.conn.ReadFromUDP(buf)
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, "", &transport.TimeoutError{Op: "broadcast recv"}
		}
		return nil, "", err
	}
	from := ""
	if addr != nil {
		from = addr.String()
	}
	return buf[:n], from, nil
}

func (r *broadcastReceiver) Close() error { return r.conn.Close() }

// stripScheme strips a leading "tcp://" so addresses may be passed either
// as "host:port" or as the "tcp://host:port" URI form used in
// advertisements (spec.md §6). It also translates the "*" wildcard host
// convention (documented as "bind all interfaces", e.g. "tcp://*:5555")
// into Go's own wildcard form, an empty host — net.Listen treats a
// literal "*" as a hostname to resolve, not a wildcard, and fails with
// "lookup *: no such host".
func stripScheme(address string) string {
	addr := strings.TrimPrefix(address, "tcp://")
	if strings.HasPrefix(addr, "*:") {
		addr = addr[1:]
	}
	return addr
}
