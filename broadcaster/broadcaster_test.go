package broadcaster

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/posttroll/addressreceiver"
	"github.com/arc-self/posttroll/message"
)

type fakeSender struct {
	mu      sync.Mutex
	sent    [][]byte
	closed  bool
}

func (f *fakeSender) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(payload))
	copy(cp, payload)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) snapshot() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.sent))
	copy(out, f.sent)
	return out
}

func newTestBroadcaster(sender *fakeSender, interval time.Duration) *Broadcaster {
	return &Broadcaster{
		ad:       addressreceiver.Advertisement{Address: "tcp://host:9000", Name: "alpha"},
		interval: interval,
		version:  message.V1_02,
		sender:   sender,
	}
}

func TestBroadcasterEmitsOnStartAndStop(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBroadcaster(sender, 50*time.Millisecond)

	b.Start()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, b.Stop())

	sent := sender.snapshot()
	require.NotEmpty(t, sent)

	last, stop, err := decodeForTest(sent[len(sent)-1])
	require.NoError(t, err)
	assert.True(t, stop)
	assert.Equal(t, "tcp://host:9000", last.Address)
	assert.True(t, sender.closed)
}

func TestBroadcasterStopIdempotent(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBroadcaster(sender, 50*time.Millisecond)
	b.Start()

	require.NoError(t, b.Stop())
	require.NoError(t, b.Stop())
}

func TestBroadcasterEmitsPeriodically(t *testing.T) {
	sender := &fakeSender{}
	b := newTestBroadcaster(sender, 10*time.Millisecond)

	b.Start()
	time.Sleep(55 * time.Millisecond)
	require.NoError(t, b.Stop())

	// first emission + at least two ticks + final stop emission
	assert.GreaterOrEqual(t, len(sender.snapshot()), 4)
}

func decodeForTest(raw []byte) (addressreceiver.Advertisement, bool, error) {
	m, err := message.Decode(string(raw))
	if err != nil {
		return addressreceiver.Advertisement{}, false, err
	}
	return addressreceiver.ParseAdvertisement(m)
}
