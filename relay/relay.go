package relay

import (
	"go.uber.org/zap"

	"github.com/arc-self/posttroll/addressreceiver"
	"github.com/arc-self/posttroll/config"
)

// Relay bundles the optional observability side-channel components
// (spec_full §4.K), constructed only when a NATS URL is configured.
type Relay struct {
	NATS     *NATSClient
	Mirror   *Mirror
	Webhooks *WebhookNotifier
	Cron     *CronTicker
}

// Options configure which relay components to build.
type Options struct {
	NATSURL        string
	WebhookURLs    []string
	WebhookSecret  string
	CronSpec       string
}

// New connects to NATS and constructs every configured component. Returns
// nil, nil if opts.NATSURL is empty — the relay is entirely optional.
func New(cfg config.Values, opts Options, logger *zap.Logger) (*Relay, error) {
	if opts.NATSURL == "" {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	nc, err := DialNATS(opts.NATSURL, logger)
	if err != nil {
		return nil, err
	}
	if err := nc.ProvisionStreams(); err != nil {
		nc.Close()
		return nil, err
	}

	r := &Relay{NATS: nc, Mirror: NewMirror(nc, logger)}
	if len(opts.WebhookURLs) > 0 {
		r.Webhooks = NewWebhookNotifier(opts.WebhookURLs, opts.WebhookSecret, logger)
	}
	r.Cron = NewCronTicker(nc, logger)
	if err := r.Cron.Start(opts.CronSpec); err != nil {
		nc.Close()
		return nil, err
	}

	return r, nil
}

// Attach wires every configured component's OnChange handler onto receiver.
// Safe to call with a nil *Relay (no-op), so callers can always call it
// unconditionally.
func (r *Relay) Attach(receiver *addressreceiver.Receiver) {
	if r == nil {
		return
	}
	var hooks []func(addressreceiver.ChangeEvent)
	if r.Mirror != nil {
		hooks = append(hooks, r.Mirror.handle)
	}
	if r.Webhooks != nil {
		hooks = append(hooks, r.Webhooks.handle)
	}
	receiver.OnChange = func(ev addressreceiver.ChangeEvent) {
		for _, h := range hooks {
			h(ev)
		}
	}
}

// Close releases the NATS connection and stops the cron ticker. Safe to
// call with a nil *Relay.
func (r *Relay) Close() {
	if r == nil {
		return
	}
	if r.Cron != nil {
		r.Cron.Stop()
	}
	if r.NATS != nil {
		r.NATS.Close()
	}
}
