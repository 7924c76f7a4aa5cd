package relay

import (
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// SubjectCronHeartbeat is the subject a liveness tick is published on.
const SubjectCronHeartbeat = "SYSTEM_EVENTS.cron.heartbeat"

// cronPayload is the JSON envelope published for each tick.
type cronPayload struct {
	Event     string `json:"event"`
	Timestamp string `json:"timestamp"`
}

// CronTicker wraps robfig/cron to publish a liveness heartbeat on the same
// NATS connection as the Mirror, independent of any particular publisher.
type CronTicker struct {
	cron   *cron.Cron
	nats   *NATSClient
	logger *zap.Logger
}

// NewCronTicker constructs a CronTicker. Call Start to register the
// schedule and begin ticking; Stop to halt it.
func NewCronTicker(nc *NATSClient, logger *zap.Logger) *CronTicker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CronTicker{
		cron:   cron.New(cron.WithSeconds()),
		nats:   nc,
		logger: logger,
	}
}

// Start schedules the heartbeat tick at spec (a six-field cron expression
// whose first field is seconds, or a descriptor such as "@every 30s", the
// default when spec is empty) and starts the scheduler.
func (t *CronTicker) Start(spec string) error {
	if spec == "" {
		spec = "@every 30s"
	}
	if _, err := t.cron.AddFunc(spec, t.publish); err != nil {
		return err
	}
	t.cron.Start()
	t.logger.Info("relay: cron ticker started", zap.String("subject", SubjectCronHeartbeat), zap.String("spec", spec))
	return nil
}

// Stop gracefully stops the scheduler, waiting for any in-flight job.
func (t *CronTicker) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
	t.logger.Info("relay: cron ticker stopped")
}

func (t *CronTicker) publish() {
	payload := cronPayload{
		Event:     "cron.heartbeat",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.logger.Error("relay: failed to marshal cron payload", zap.Error(err))
		return
	}

	// Plain NATS publish, not JetStream: a heartbeat tick is an ephemeral
	// signal, not an event needing at-least-once delivery.
	if err := t.nats.Conn.Publish(SubjectCronHeartbeat, data); err != nil {
		t.logger.Error("relay: failed to publish cron tick", zap.Error(err))
		return
	}
	t.logger.Debug("relay: cron tick published", zap.String("subject", SubjectCronHeartbeat))
}
