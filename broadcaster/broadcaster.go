// Package broadcaster implements the publisher-side announcer: a
// background loop that periodically emits an advertisement payload over
// UDP multicast (or unicast to configured nameservers) until stopped,
// emitting a final stop payload on the way out (spec.md §4.C).
package broadcaster

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/posttroll/addressreceiver"
	"github.com/arc-self/posttroll/config"
	"github.com/arc-self/posttroll/message"
	"github.com/arc-self/posttroll/transport"
)

// DefaultInterval is the default time between advertisement emissions
// (spec.md §4.C).
const DefaultInterval = 2 * time.Second

// Broadcaster periodically advertises one publisher's address, name, and
// aliases. The zero value is not usable; build one with New.
type Broadcaster struct {
	ad       addressreceiver.Advertisement
	interval time.Duration
	version  message.Version
	logger   *zap.Logger

	sender transport.BroadcastSender

	stopOnce sync.Once
	stopErr  error
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Broadcaster for ad, sending through backend using cfg's
// multicast group/port/interface (or unicast fallback to cfg.Nameservers,
// handled transparently by the backend's CreateBroadcastSender).
// interval <= 0 falls back to DefaultInterval.
func New(cfg config.Values, backend transport.Backend, ad addressreceiver.Advertisement, interval time.Duration, logger *zap.Logger) (*Broadcaster, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	if len(cfg.Nameservers) > 0 {
		// A backend only unicasts to the nameservers it was built with, so
		// build one from cfg to honour cfg.Nameservers.
		nb, err := transport.New(cfg)
		if err != nil {
			return nil, err
		}
		backend = nb
	}

	sender, err := backend.CreateBroadcastSender(cfg.MCGroup, cfg.BroadcastPort, cfg.MulticastInterface)
	if err != nil {
		return nil, err
	}

	return &Broadcaster{
		ad:       ad,
		interval: interval,
		version:  cfg.MessageVersion,
		logger:   logger,
		sender:   sender,
	}, nil
}

// Start launches the emission loop in a goroutine. Call Stop to halt it.
func (b *Broadcaster) Start() {
	b.stopCh = make(chan struct{})
	b.wg.Add(1)
	go b.run()
}

func (b *Broadcaster) run() {
	defer b.wg.Done()

	b.emit(false)
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			b.emit(true)
			return
		case <-ticker.C:
			b.emit(false)
		}
	}
}

func (b *Broadcaster) emit(stop bool) {
	m, err := addressreceiver.EncodeAdvertisement(b.ad, stop, b.version)
	if err != nil {
		b.logger.Error("failed to encode advertisement", zap.Error(err))
		return
	}
	if err := b.sender.Send([]byte(m.Encode())); err != nil {
		// Broadcaster send failures are logged and the loop continues
		// (spec.md §7): a momentarily unreachable nameserver host must not
		// kill the announcer.
		b.logger.Warn("broadcast send failed", zap.Error(err))
	}
}

// Stop halts the emission loop after sending one final stop payload, and
// releases the underlying socket. Idempotent.
func (b *Broadcaster) Stop() error {
	b.stopOnce.Do(func() {
		close(b.stopCh)
		b.wg.Wait()
		b.stopErr = b.sender.Close()
	})
	return b.stopErr
}
