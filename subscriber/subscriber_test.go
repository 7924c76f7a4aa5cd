package subscriber

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arc-self/posttroll/config"
	"github.com/arc-self/posttroll/message"
	"github.com/arc-self/posttroll/transport"
	"github.com/arc-self/posttroll/transport/plain"
)

func startTestPublisher(t *testing.T, backend transport.Backend, port int) (transport.PublishSocket, string) {
	t.Helper()
	addr := fmt.Sprintf("tcp://*:%d", port)
	sock, err := backend.CreatePublishSocket(addr)
	require.NoError(t, err)
	return sock, fmt.Sprintf("tcp://127.0.0.1:%d", port)
}

func TestSubscriberExplicitAddressReceivesMessage(t *testing.T) {
	cfg := config.Defaults()
	backend, err := plain.New(cfg)
	require.NoError(t, err)

	pub, addr := startTestPublisher(t, backend, 41501)
	defer pub.Close()

	sub := New(cfg, backend, Options{NoDiscovery: true, Addresses: []string{addr}, Topics: []string{"/counter"}}, nil)
	require.NoError(t, sub.Start())
	defer sub.Stop()

	time.Sleep(50 * time.Millisecond) // let the subscribe socket dial in

	m, err := message.New("/counter", "info", "1")
	require.NoError(t, err)
	require.NoError(t, pub.Send([]byte(m.Encode())))

	got, err := sub.Recv(2 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "/counter", got.Subject)
	require.Equal(t, "1", got.Data.Text)
}

func TestSubscriberSubjectPrefixFilterRejectsOthers(t *testing.T) {
	cfg := config.Defaults()
	backend, err := plain.New(cfg)
	require.NoError(t, err)

	pub, addr := startTestPublisher(t, backend, 41502)
	defer pub.Close()

	sub := New(cfg, backend, Options{NoDiscovery: true, Addresses: []string{addr}, Topics: []string{"/wanted"}}, nil)
	require.NoError(t, sub.Start())
	defer sub.Stop()

	time.Sleep(50 * time.Millisecond)

	m, err := message.New("/unwanted", "info", "x")
	require.NoError(t, err)
	require.NoError(t, pub.Send([]byte(m.Encode())))

	got, err := sub.Recv(200 * time.Millisecond)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestSubscriberUserFilter(t *testing.T) {
	cfg := config.Defaults()
	backend, err := plain.New(cfg)
	require.NoError(t, err)

	pub, addr := startTestPublisher(t, backend, 41503)
	defer pub.Close()

	sub := New(cfg, backend, Options{
		NoDiscovery: true,
		Addresses:   []string{addr},
		Topics:      []string{""},
		MessageFilter: func(m *message.Message) bool {
			return m.Type == "info"
		},
	}, nil)
	require.NoError(t, sub.Start())
	defer sub.Stop()

	time.Sleep(50 * time.Millisecond)

	beat, err := message.New("/x", "beat", nil)
	require.NoError(t, err)
	require.NoError(t, pub.Send([]byte(beat.Encode())))

	info, err := message.New("/x", "info", "hi")
	require.NoError(t, err)
	require.NoError(t, pub.Send([]byte(info.Encode())))

	got, err := sub.Recv(2 * time.Second)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "info", got.Type)
}

func TestSubscriberStopIdempotent(t *testing.T) {
	cfg := config.Defaults()
	backend, err := plain.New(cfg)
	require.NoError(t, err)

	sub := New(cfg, backend, Options{NoDiscovery: true}, nil)
	require.NoError(t, sub.Start())
	require.NoError(t, sub.Stop())
	require.NoError(t, sub.Stop())
}
