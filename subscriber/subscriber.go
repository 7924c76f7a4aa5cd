// Package subscriber implements the inbound-message consumer: polls the
// name service, opens/closes per-publisher connections as they appear and
// disappear, and yields decoded messages filtered by subject prefix and an
// optional user predicate (spec.md §4.G).
package subscriber

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/posttroll/config"
	"github.com/arc-self/posttroll/message"
	"github.com/arc-self/posttroll/nameserver"
	"github.com/arc-self/posttroll/transport"
)

// DefaultAddrRefreshInterval is how often the address-listener thread polls
// the name service for each requested service (spec.md §4.G).
const DefaultAddrRefreshInterval = 10 * time.Second

// MessageFilter is an optional user predicate applied after subject-prefix
// filtering.
type MessageFilter func(*message.Message) bool

// connState is the per-remote-publisher state machine (spec.md §4.G).
type connState int

const (
	stateUnknown connState = iota
	stateDiscovered
	stateConnected
	stateLost
	stateDisconnected
)

// Options configure a Subscriber (spec.md §4.G constructor options).
type Options struct {
	// Services to discover. A nil slice or one containing "" means "all
	// services"; setting NoDiscovery means "no discovery — caller supplies
	// Addresses".
	Services []string
	NoDiscovery bool // corresponds to spec.md's services=[None]

	Topics        []string // subject prefixes; default [""] (all)
	Addresses     []string // explicit endpoints, bypasses discovery
	MessageFilter MessageFilter
	Nameserver    string // host:port, defaults to cfg's nameserver_port on localhost

	AddrRefreshInterval time.Duration
}

type remoteConn struct {
	address  string
	service  string
	explicit bool // set only for Options.Addresses entries; never evicted by reconcile
	state    connState
	sock     transport.SubscribeSocket
}

// Subscriber is the inbound-message consumer. The zero value is not
// usable; build one with New.
type Subscriber struct {
	opts    Options
	cfg     config.Values
	backend transport.Backend
	logger  *zap.Logger

	mu    sync.Mutex
	conns map[string]*remoteConn // keyed by address

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Subscriber. It does not start the address-listener
// thread or open any connection — call Start.
func New(cfg config.Values, backend transport.Backend, opts Options, logger *zap.Logger) *Subscriber {
	if len(opts.Topics) == 0 {
		opts.Topics = []string{""}
	}
	if opts.AddrRefreshInterval <= 0 {
		opts.AddrRefreshInterval = DefaultAddrRefreshInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriber{
		opts:    opts,
		cfg:     cfg,
		backend: backend,
		logger:  logger,
		conns:   map[string]*remoteConn{},
	}
}

// Start opens explicit Addresses (if any) and, unless NoDiscovery, launches
// the address-listener thread.
func (s *Subscriber) Start() error {
	s.stopCh = make(chan struct{})

	for _, addr := range s.opts.Addresses {
		s.connect(addr, "", true)
	}

	if !s.opts.NoDiscovery {
		s.wg.Add(1)
		go s.addressListenerLoop()
	}
	return nil
}

// Stop closes every open connection and joins the address-listener thread.
// Idempotent.
func (s *Subscriber) Stop() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, c := range s.conns {
		if c.sock != nil {
			_ = c.sock.Close()
		}
		delete(s.conns, addr)
	}
	return nil
}

func (s *Subscriber) addressListenerLoop() {
	defer s.wg.Done()

	services := s.opts.Services
	if len(services) == 0 {
		services = []string{""}
	}

	backoff := s.opts.AddrRefreshInterval
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		if err := s.pollOnce(services); err != nil {
			// Address-listener failures are logged and retried with
			// bounded exponential backoff; never terminate the
			// subscriber (spec.md §7).
			s.logger.Warn("nameserver poll failed", zap.Error(err))
			s.sleep(backoff)
			backoff = minDuration(backoff*2, time.Minute)
			continue
		}
		backoff = s.opts.AddrRefreshInterval
		s.sleep(s.opts.AddrRefreshInterval)
	}
}

func (s *Subscriber) sleep(d time.Duration) {
	select {
	case <-s.stopCh:
	case <-time.After(d):
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (s *Subscriber) pollOnce(services []string) error {
	client, err := nameserver.Dial(s.backend, s.nameserverAddress(), s.cfg.MessageVersion)
	if err != nil {
		return err
	}
	defer client.Close()

	live := map[string]string{} // address -> service queried under
	for _, svc := range services {
		addrs, err := client.Lookup(svc, 5*time.Second)
		if err != nil {
			return err
		}
		for _, a := range addrs {
			live[a] = svc
		}
	}

	s.reconcile(live)
	return nil
}

// reconcile opens connections to newly-live addresses and closes those to
// addresses that disappeared, matching spec.md §4.G's "new address ...
// open a subscribe socket" / "disappeared address ... close socket".
func (s *Subscriber) reconcile(live map[string]string) {
	s.mu.Lock()
	var toClose []*remoteConn
	for addr, c := range s.conns {
		if c.explicit {
			continue // supplied via Options.Addresses, never managed by discovery
		}
		if _, ok := live[addr]; !ok {
			c.state = stateLost
			toClose = append(toClose, c)
			delete(s.conns, addr)
		}
	}
	s.mu.Unlock()

	for _, c := range toClose {
		if c.sock != nil {
			_ = c.sock.Close()
		}
		c.state = stateDisconnected
		s.logger.Debug("publisher connection closed", zap.String("address", c.address))
	}

	for addr, svc := range live {
		s.mu.Lock()
		_, exists := s.conns[addr]
		s.mu.Unlock()
		if !exists {
			s.connect(addr, svc, false)
		}
	}
}

func (s *Subscriber) connect(address, service string, explicit bool) {
	sock, err := s.backend.CreateSubscribeSocket(address)
	if err != nil {
		s.logger.Warn("failed to connect to publisher", zap.String("address", address), zap.Error(err))
		return
	}
	c := &remoteConn{address: address, service: service, explicit: explicit, state: stateConnected, sock: sock}
	s.mu.Lock()
	s.conns[address] = c
	s.mu.Unlock()
	s.logger.Debug("connected to publisher", zap.String("address", address))
}

func (s *Subscriber) nameserverAddress() string {
	if s.opts.Nameserver != "" {
		return s.opts.Nameserver
	}
	return fmt.Sprintf("tcp://127.0.0.1:%d", s.cfg.NameserverPort)
}

// Recv polls all active sockets for up to timeout and returns the next
// message passing subject-prefix and user filtering, or nil if timeout
// elapses with nothing delivered.
func (s *Subscriber) Recv(timeout time.Duration) (*message.Message, error) {
	deadline := time.Now().Add(timeout)
	perSocket := 50 * time.Millisecond

	for {
		s.mu.Lock()
		socks := make([]*remoteConn, 0, len(s.conns))
		for _, c := range s.conns {
			socks = append(socks, c)
		}
		s.mu.Unlock()

		for _, c := range socks {
			raw, err := c.sock.Recv(perSocket)
			if err != nil {
				if _, ok := err.(*transport.TimeoutError); ok {
					continue
				}
				return nil, err
			}
			m, err := message.Decode(string(raw))
			if err != nil {
				s.logger.Warn("malformed message from publisher", zap.String("address", c.address), zap.Error(err))
				continue
			}
			if !s.passesFilters(m) {
				continue
			}
			return m, nil
		}

		if timeout > 0 && time.Now().After(deadline) {
			return nil, nil
		}
		if timeout == 0 {
			continue // block indefinitely, as documented
		}
	}
}

func (s *Subscriber) passesFilters(m *message.Message) bool {
	matched := false
	for _, topic := range s.opts.Topics {
		if strings.HasPrefix(m.Subject, topic) {
			matched = true
			break
		}
	}
	if !matched {
		return false
	}
	if s.opts.MessageFilter != nil {
		return s.opts.MessageFilter(m)
	}
	return true
}

// Subscribe is the scoped-acquisition constructor: starts a Subscriber and
// returns a restore func guaranteed to call Stop exactly once on every
// exit path (spec.md §4.G, §9).
func Subscribe(cfg config.Values, backend transport.Backend, opts Options, logger *zap.Logger) (*Subscriber, func() error, error) {
	s := New(cfg, backend, opts, logger)
	if err := s.Start(); err != nil {
		return nil, nil, err
	}

	var once sync.Once
	var stopErr error
	restore := func() error {
		once.Do(func() { stopErr = s.Stop() })
		return stopErr
	}
	return s, restore, nil
}
