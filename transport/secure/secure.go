// Package secure implements transport.Backend with mutual TLS
// authentication — the "secure_zmq" backend token (spec.md §3/§4.B). Key
// material is the PEM cert/key pair written by the posttroll-generate-keys
// command (package keys): server and client each load their own pair, the
// server additionally trusts every certificate found in
// clients_public_keys_directory, and the client trusts the server's
// public-key file as its root of trust. Broadcast (UDP multicast
// discovery) is unauthenticated in both backends — see package plain.
package secure

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/arc-self/posttroll/config"
	"github.com/arc-self/posttroll/transport"
	"github.com/arc-self/posttroll/transport/plain"
)

func init() {
	transport.Register(config.BackendSecure, New)
}

type backend struct {
	keepalive transport.KeepaliveConfig
	cfg       config.Values
	broadcast transport.Backend // delegates to the plain backend: discovery stays unauthenticated
}

// New constructs the secure backend. Key material is not loaded eagerly:
// per spec.md §7, "Secure-backend key file missing is fatal at socket
// creation," so loading happens lazily in each Create* call.
func New(cfg config.Values) (transport.Backend, error) {
	plainDelegate, err := plain.New(cfg)
	if err != nil {
		return nil, err
	}
	return &backend{
		keepalive: transport.FromConfig(cfg),
		cfg:       cfg,
		broadcast: plainDelegate,
	}, nil
}

func (b *backend) Name() string { return config.BackendSecure }

func (b *backend) serverTLS() (*tls.Config, error) {
	if b.cfg.ServerPublicKeyFile == "" || b.cfg.ServerSecretKeyFile == "" {
		return nil, fmt.Errorf("secure transport: server_public_key_file / server_secret_key_file not configured")
	}
	cert, err := tls.LoadX509KeyPair(b.cfg.ServerPublicKeyFile, b.cfg.ServerSecretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("secure transport: load server key pair: %w", err)
	}

	pool := x509.NewCertPool()
	if b.cfg.ClientsPublicKeysDirectory != "" {
		entries, err := os.ReadDir(b.cfg.ClientsPublicKeysDirectory)
		if err != nil {
			return nil, fmt.Errorf("secure transport: read clients_public_keys_directory: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			raw, err := os.ReadFile(filepath.Join(b.cfg.ClientsPublicKeysDirectory, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("secure transport: read client key %s: %w", e.Name(), err)
			}
			pool.AppendCertsFromPEM(raw)
		}
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientCAs:    pool,
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func (b *backend) clientTLS() (*tls.Config, error) {
	if b.cfg.ClientPublicKeyFile == "" || b.cfg.ClientSecretKeyFile == "" {
		return nil, fmt.Errorf("secure transport: client_public_key_file / client_secret_key_file not configured")
	}
	if b.cfg.ServerPublicKeyFile == "" {
		return nil, fmt.Errorf("secure transport: server_public_key_file not configured")
	}
	cert, err := tls.LoadX509KeyPair(b.cfg.ClientPublicKeyFile, b.cfg.ClientSecretKeyFile)
	if err != nil {
		return nil, fmt.Errorf("secure transport: load client key pair: %w", err)
	}
	serverCert, err := os.ReadFile(b.cfg.ServerPublicKeyFile)
	if err != nil {
		return nil, fmt.Errorf("secure transport: read server_public_key_file: %w", err)
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(serverCert)

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// listen builds a keepalive-configured raw TCP listener wrapped in TLS.
func (b *backend) listen(address string, tlsCfg *tls.Config) (net.Listener, error) {
	lc := b.keepalive.ListenConfig()
	raw, err := lc.Listen(context.Background(), "tcp", stripScheme(address))
	if err != nil {
		return nil, err
	}
	return tls.NewListener(raw, tlsCfg), nil
}

// dial builds a keepalive-configured TLS connection.
func (b *backend) dial(address string, tlsCfg *tls.Config, timeout time.Duration) (*tls.Conn, error) {
	dialer := b.keepalive.Dialer(timeout)
	return tls.DialWithDialer(&dialer, "tcp", stripScheme(address), tlsCfg)
}

func (b *backend) CreatePublishSocket(address string) (transport.PublishSocket, error) {
	tlsCfg, err := b.serverTLS()
	if err != nil {
		return nil, err
	}
	ln, err := b.listen(address, tlsCfg)
	if err != nil {
		return nil, &transport.ConnectionError{Address: address, Err: err}
	}
	p := &pubSocket{ln: ln, conns: map[net.Conn]struct{}{}}
	p.wg.Add(1)
	go p.acceptLoop()
	return p, nil
}

func (b *backend) CreateSubscribeSocket(address string) (transport.SubscribeSocket, error) {
	tlsCfg, err := b.clientTLS()
	if err != nil {
		return nil, err
	}
	conn, err := b.dial(address, tlsCfg, 10*time.Second)
	if err != nil {
		return nil, &transport.ConnectionError{Address: address, Err: err}
	}
	return &subSocket{conn: conn}, nil
}

func (b *backend) CreateRequestSocket(address string) (transport.RequestSocket, error) {
	tlsCfg, err := b.clientTLS()
	if err != nil {
		return nil, err
	}
	return &reqSocket{backend: b, address: address, tlsCfg: tlsCfg}, nil
}

func (b *backend) CreateReplySocket(address string) (transport.ReplySocket, error) {
	tlsCfg, err := b.serverTLS()
	if err != nil {
		return nil, err
	}
	ln, err := b.listen(address, tlsCfg)
	if err != nil {
		return nil, &transport.ConnectionError{Address: address, Err: err}
	}
	return &repSocket{ln: ln}, nil
}

func (b *backend) CreateBroadcastSender(group string, port int, iface string) (transport.BroadcastSender, error) {
	return b.broadcast.CreateBroadcastSender(group, port, iface)
}

func (b *backend) CreateBroadcastReceiver(group string, port int, iface string) (transport.BroadcastReceiver, error) {
	return b.broadcast.CreateBroadcastReceiver(group, port, iface)
}

// ── TCP socket implementations over tls.Conn ──────────────────────────────
//
// These mirror transport/plain's socket shapes exactly; only connection
// establishment differs (TLS handshake vs. bare TCP).

type pubSocket struct {
	ln    net.Listener
	mu    sync.Mutex
	conns map[net.Conn]struct{}
	wg    sync.WaitGroup
}

func (p *pubSocket) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.ln.Accept()
		if err != nil {
			return
		}
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

type subSocket struct {
	conn net.Conn
}

func (s *subSocket) Recv(timeout time.Duration) ([]byte, error) {
	return transport.ReadFrame(s.conn, timeout)
}

func (s *subSocket) Close() error { return s.conn.Close() }

type reqSocket struct {
	backend *backend
	address string
	tlsCfg  *tls.Config
}

func (r *reqSocket) Request(frame []byte, timeout time.Duration) ([]byte, error) {
	conn, err := r.backend.dial(r.address, r.tlsCfg, timeout)
	if err != nil {
		return nil, &transport.ConnectionError{Address: r.address, Err: err}
	}
	defer conn.Close()

	if err := transport.WriteFrame(conn, frame); err != nil {
		return nil, err
	}
	return transport.ReadFrame(conn, timeout)
}

func (r *reqSocket) Close() error { return nil }

type repSocket struct {
	ln net.Listener
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

// stripScheme strips a leading "tcp://" and translates the "*" wildcard
// host convention into Go's own wildcard form (an empty host) — see the
// identical helper in transport/plain for why this translation is needed.
func stripScheme(address string) string {
	addr := strings.TrimPrefix(address, "tcp://")
	if strings.HasPrefix(addr, "*:") {
		addr = addr[1:]
	}
	return addr
}
