package publisher

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/arc-self/posttroll/config"
	"github.com/arc-self/posttroll/transport/plain"
)

func TestStartStopSilent(t *testing.T) {
	cfg := config.Defaults()
	backend, err := plain.New(cfg)
	require.NoError(t, err)

	p := New(cfg, backend, Options{Name: "alpha", Silent: true}, nil)
	require.NoError(t, p.Start())
	require.NotZero(t, p.Port())
	require.NoError(t, p.Stop())
}

func TestSendConcurrentDoesNotPanic(t *testing.T) {
	cfg := config.Defaults()
	backend, err := plain.New(cfg)
	require.NoError(t, err)

	p := New(cfg, backend, Options{Name: "alpha", Silent: true}, nil)
	require.NoError(t, p.Start())
	defer p.Stop()

	done := make(chan struct{}, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_ = p.Send("pytroll:v1.02 id subject sender@host 2024-01-01T00:00:00.000000Z info")
			done <- struct{}{}
		}()
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}

func TestPublishScopedConstructorStopsExactlyOnce(t *testing.T) {
	cfg := config.Defaults()
	backend, err := plain.New(cfg)
	require.NoError(t, err)

	_, restore, err := Publish(cfg, backend, Options{Name: "alpha", Silent: true}, nil)
	require.NoError(t, err)

	require.NoError(t, restore())
	require.NoError(t, restore())
}

func TestHeartbeatSendsBeatMessage(t *testing.T) {
	cfg := config.Defaults()
	backend, err := plain.New(cfg)
	require.NoError(t, err)

	p := New(cfg, backend, Options{Name: "alpha", Silent: true}, nil)
	require.NoError(t, p.Start())
	defer p.Stop()

	require.NoError(t, p.Heartbeat())
}
