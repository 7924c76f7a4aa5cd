package relay

import (
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/posttroll/addressreceiver"
)

// addressEvent is the JSON envelope mirrored onto NATS for every register/
// evict (spec_full §4.K).
type addressEvent struct {
	Event     string    `json:"event"` // "register" or "evict"
	Address   string    `json:"address"`
	Name      string    `json:"name"`
	Aliases   []string  `json:"aliases,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Mirror subscribes to an Address Receiver's OnChange hook and publishes
// each event onto ADDRESS_EVENTS.<register|evict>. This is a pure
// observability side-channel: nothing in the discovery/connection plane
// depends on it, and a publish failure is logged, never propagated.
type Mirror struct {
	nats   *NATSClient
	logger *zap.Logger
}

// NewMirror constructs a Mirror publishing through nc.
func NewMirror(nc *NATSClient, logger *zap.Logger) *Mirror {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Mirror{nats: nc, logger: logger}
}

// Attach wires m as the OnChange hook of receiver.
func (m *Mirror) Attach(receiver *addressreceiver.Receiver) {
	receiver.OnChange = m.handle
}

func (m *Mirror) handle(ev addressreceiver.ChangeEvent) {
	kind := "register"
	if ev.Type == addressreceiver.EventEvict {
		kind = "evict"
	}

	payload := addressEvent{
		Event:     kind,
		Address:   ev.Advertisement.Address,
		Name:      ev.Advertisement.Name,
		Aliases:   ev.Advertisement.Aliases,
		Timestamp: time.Now().UTC(),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		m.logger.Error("relay: failed to marshal address event", zap.Error(err))
		return
	}

	subject := fmt.Sprintf("%s.%s", StreamAddressEvents, kind)
	if _, err := m.nats.JS.Publish(subject, data); err != nil {
		m.logger.Warn("relay: failed to publish address event",
			zap.String("subject", subject), zap.Error(err))
	}
}
