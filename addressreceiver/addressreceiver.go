// Package addressreceiver implements the long-running advertisement
// aggregator: it ingests publisher advertisements (multicast and direct),
// maintains a table of live endpoints keyed by address, evicts stale
// entries, and answers lookups by service name (spec.md §4.D).
package addressreceiver

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/posttroll/config"
	"github.com/arc-self/posttroll/transport"
)

// Advertisement is the record held for one live publisher endpoint
// (spec.md §3).
type Advertisement struct {
	Address              string
	Name                 string
	Aliases              []string
	LastSeen             time.Time
	PublishPort          int
	NameserversRequested bool
}

// ChangeEventType tags a ChangeEvent as a register or an eviction.
type ChangeEventType int

const (
	EventRegister ChangeEventType = iota
	EventEvict
)

// ChangeEvent is fired on every register/evict, consumed only by the
// optional relay package (spec_full §4.D); nil-safe and zero cost when
// no listener is attached.
type ChangeEvent struct {
	Type          ChangeEventType
	Advertisement Advertisement
}

// DefaultMaxAge is the default eviction threshold: 10s, five times the
// Broadcaster's default 2s interval.
const DefaultMaxAge = 10 * time.Second

// Receiver is the Address Receiver. The zero value is not usable; build one
// with New.
type Receiver struct {
	mu    sync.Mutex
	table map[string]Advertisement

	maxAge      time.Duration
	noMulticast bool

	mcGroup string
	mcPort  int
	mcIface string
	backend transport.Backend

	// OnChange is fired on every register/evict. It is called from the
	// multicast loop, the eviction loop and direct Register/Evict callers
	// without any serialization, so it may run concurrently with itself.
	OnChange func(ChangeEvent)

	logger *zap.Logger

	mcReceiver transport.BroadcastReceiver
	stopOnce   sync.Once
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New constructs a Receiver. noMulticast disables the multicast ingestion
// path (the nameserver CLI's --no-multicast flag); maxAge <= 0 falls back
// to DefaultMaxAge.
func New(cfg config.Values, backend transport.Backend, maxAge time.Duration, noMulticast bool, logger *zap.Logger) *Receiver {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Receiver{
		table:       map[string]Advertisement{},
		maxAge:      maxAge,
		noMulticast: noMulticast,
		mcGroup:     cfg.MCGroup,
		mcPort:      cfg.BroadcastPort,
		mcIface:     cfg.MulticastInterface,
		backend:     backend,
		logger:      logger,
	}
}

// Start launches the multicast listener (unless disabled) and the eviction
// sweep loop. Safe to call once; call Stop to release both.
func (r *Receiver) Start() error {
	r.stopCh = make(chan struct{})

	if !r.noMulticast {
		recv, err := r.backend.CreateBroadcastReceiver(r.mcGroup, r.mcPort, r.mcIface)
		if err != nil {
			return err
		}
		r.mcReceiver = recv
		r.wg.Add(1)
		go r.multicastLoop()
	}

	r.wg.Add(1)
	go r.evictLoop()
	return nil
}

// Stop halts both loops and releases the multicast socket. Idempotent.
func (r *Receiver) Stop() error {
	r.stopOnce.Do(func() {
		close(r.stopCh)
		if r.mcReceiver != nil {
			_ = r.mcReceiver.Close()
		}
	})
	r.wg.Wait()
	return nil
}

func (r *Receiver) multicastLoop() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		payload, from, err := r.mcReceiver.Recv(time.Second)
		if err != nil {
			if _, ok := err.(*transport.TimeoutError); ok {
				continue
			}
			select {
			case <-r.stopCh:
				return
			default:
			}
			r.logger.Warn("multicast recv error", zap.Error(err))
			continue
		}

		ad, stop, err := decodeAdvertisement(payload)
		if err != nil {
			r.logger.Warn("malformed advertisement", zap.String("from", from), zap.Error(err))
			continue
		}
		if stop {
			r.Evict(ad.Address)
		} else {
			r.Register(ad)
		}
	}
}

func (r *Receiver) evictLoop() {
	defer r.wg.Done()
	interval := r.maxAge / 20
	if interval <= 0 || interval > time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Receiver) sweep() {
	now := time.Now()
	var evicted []Advertisement

	r.mu.Lock()
	for addr, ad := range r.table {
		if now.Sub(ad.LastSeen) > r.maxAge {
			delete(r.table, addr)
			evicted = append(evicted, ad)
		}
	}
	r.mu.Unlock()

	for _, ad := range evicted {
		r.logger.Debug("evicted stale advertisement", zap.String("address", ad.Address))
		r.fire(ChangeEvent{Type: EventEvict, Advertisement: ad})
	}
}

// Register records (or refreshes) an advertisement. Two successive
// registrations of the same address do not create duplicates — the table
// is keyed by address, so this overwrites last-writer-wins (spec.md §9
// open question: two publishers under the same address).
func (r *Receiver) Register(ad Advertisement) {
	ad.LastSeen = time.Now()
	r.mu.Lock()
	r.table[ad.Address] = ad
	r.mu.Unlock()
	r.fire(ChangeEvent{Type: EventRegister, Advertisement: ad})
}

// Evict drops address immediately, e.g. on an explicit stop advertisement
// or a stop_address control message. Idempotent: evicting an address not
// present in the table is a no-op.
func (r *Receiver) Evict(address string) {
	r.mu.Lock()
	ad, ok := r.table[address]
	if ok {
		delete(r.table, address)
	}
	r.mu.Unlock()
	if ok {
		r.fire(ChangeEvent{Type: EventEvict, Advertisement: ad})
	}
}

// Get returns all live addresses answering to service. service == nil
// means "none" (no lookup performed, matching spec.md's services=[None]
// case); a pointer to "" means "all"; otherwise matches any advertisement
// whose Name equals *service or whose Aliases contains it.
func (r *Receiver) Get(service *string) []string {
	if service == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if *service == "" {
		out := make([]string, 0, len(r.table))
		for addr := range r.table {
			out = append(out, addr)
		}
		return out
	}

	var out []string
	for addr, ad := range r.table {
		if ad.Name == *service {
			out = append(out, addr)
			continue
		}
		for _, alias := range ad.Aliases {
			if alias == *service {
				out = append(out, addr)
				break
			}
		}
	}
	return out
}

// GetActiveAddresses returns every live address regardless of service name.
func (r *Receiver) GetActiveAddresses() []string {
	all := ""
	return r.Get(&all)
}

func (r *Receiver) fire(ev ChangeEvent) {
	if r.OnChange != nil {
		r.OnChange(ev)
	}
}
