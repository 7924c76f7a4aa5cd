// Package publisher implements the outbound-message endpoint: wraps a
// Transport publish socket with thread-safe send and an optional announcer
// (spec.md §4.F). NoisyPublisher is the default, announced variant; Silent
// omits the Broadcaster entirely.
package publisher

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/posttroll/addressreceiver"
	"github.com/arc-self/posttroll/broadcaster"
	"github.com/arc-self/posttroll/config"
	"github.com/arc-self/posttroll/message"
	"github.com/arc-self/posttroll/transport"
)

// DefaultPortRangeLow/High bound the auto-pick range used when Port == 0.
const (
	DefaultPortRangeLow  = 40000
	DefaultPortRangeHigh = 41000
)

// Options configure a Publisher (spec.md §4.F constructor options).
type Options struct {
	Name              string
	Port              int // 0 = auto-pick from PortRangeLow..PortRangeHigh
	PortRangeLow      int
	PortRangeHigh     int
	Aliases           []string
	BroadcastInterval time.Duration
	Nameservers       []string // explicit override of discovery
	Silent            bool     // omit the Broadcaster (the "silent" variant)
}

// Publisher is the outbound-message endpoint.
type Publisher struct {
	opts    Options
	cfg     config.Values
	backend transport.Backend
	logger  *zap.Logger

	mu  sync.Mutex // serializes Send/heartbeat
	pub transport.PublishSocket

	address string
	port    int

	bc *broadcaster.Broadcaster
}

// New constructs a Publisher. It does not bind any socket — call Start.
func New(cfg config.Values, backend transport.Backend, opts Options, logger *zap.Logger) *Publisher {
	if opts.PortRangeLow == 0 {
		opts.PortRangeLow = DefaultPortRangeLow
	}
	if opts.PortRangeHigh == 0 {
		opts.PortRangeHigh = DefaultPortRangeHigh
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{opts: opts, cfg: cfg, backend: backend, logger: logger}
}

// Start binds the publish socket (picking a port from the configured range
// when opts.Port == 0), logs the chosen port, and — unless Silent — starts
// the Broadcaster advertising this publisher's address.
func (p *Publisher) Start() error {
	port, sock, err := p.bindPublishSocket()
	if err != nil {
		return err
	}
	p.port = port
	p.pub = sock
	p.address = fmt.Sprintf("tcp://%s:%d", ownIP(), port)
	p.logger.Info("publisher started", zap.String("name", p.opts.Name), zap.Int("port", port), zap.String("address", p.address))

	if p.opts.Silent {
		return nil
	}

	cfg := p.cfg
	if len(p.opts.Nameservers) > 0 {
		cfg.Nameservers = p.opts.Nameservers
	}

	ad := addressreceiver.Advertisement{
		Address: p.address,
		Name:    p.opts.Name,
		Aliases: p.opts.Aliases,
	}
	bc, err := broadcaster.New(cfg, p.backend, ad, p.opts.BroadcastInterval, p.logger)
	if err != nil {
		_ = p.pub.Close()
		return err
	}
	p.bc = bc
	p.bc.Start()
	return nil
}

func (p *Publisher) bindPublishSocket() (int, transport.PublishSocket, error) {
	if p.opts.Port != 0 {
		sock, err := p.backend.CreatePublishSocket(fmt.Sprintf("tcp://*:%d", p.opts.Port))
		if err != nil {
			return 0, nil, err
		}
		return p.opts.Port, sock, nil
	}

	for port := p.opts.PortRangeLow; port <= p.opts.PortRangeHigh; port++ {
		sock, err := p.backend.CreatePublishSocket(fmt.Sprintf("tcp://*:%d", port))
		if err == nil {
			return port, sock, nil
		}
	}
	return 0, nil, fmt.Errorf("publisher: no free port in range %d-%d", p.opts.PortRangeLow, p.opts.PortRangeHigh)
}

// Port reports the bound port. Valid only after Start.
func (p *Publisher) Port() int { return p.port }

// Address reports the advertised address. Valid only after Start.
func (p *Publisher) Address() string { return p.address }

// Send frames and transmits raw (an already-encoded message, normally
// produced by (*message.Message).Encode). Safe for concurrent use from
// multiple goroutines: all sends are serialized by a lock.
func (p *Publisher) Send(raw string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pub.Send([]byte(raw))
}

// Heartbeat sends a type=beat Message to signal liveness without an
// application payload, at whatever cadence the caller drives it.
func (p *Publisher) Heartbeat() error {
	m, err := message.NewWithVersion("/heartbeat", "beat", nil, p.cfg.MessageVersion)
	if err != nil {
		return err
	}
	return p.Send(m.Encode())
}

// Stop halts the Broadcaster (emitting a stop advertisement) and closes
// the publish socket. Idempotent is not required here: callers use Publish
// for a guaranteed single Stop via the scoped constructor.
func (p *Publisher) Stop() error {
	if p.bc != nil {
		_ = p.bc.Stop()
	}
	if p.pub != nil {
		return p.pub.Close()
	}
	return nil
}

// Publish is the scoped-acquisition constructor: it starts a NoisyPublisher
// (or Silent, per opts.Silent) and returns a restore func guaranteed to
// call Stop exactly once, on every exit path (spec.md §4.F, §9).
func Publish(cfg config.Values, backend transport.Backend, opts Options, logger *zap.Logger) (*Publisher, func() error, error) {
	p := New(cfg, backend, opts, logger)
	if err := p.Start(); err != nil {
		return nil, nil, err
	}

	var once sync.Once
	var stopErr error
	restore := func() error {
		once.Do(func() { stopErr = p.Stop() })
		return stopErr
	}
	return p, restore, nil
}

// ownIP best-efforts a non-loopback outbound IP for advertisement
// addresses; falls back to 0.0.0.0 so the publisher at least starts (a
// misconfigured host should fail loud at the subscriber, which will simply
// never connect, not crash the publisher).
func ownIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return "0.0.0.0"
	}
	defer conn.Close()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "0.0.0.0"
	}
	return addr.IP.String()
}
