package addressreceiver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestReceiver(maxAge time.Duration) *Receiver {
	return &Receiver{
		table:       map[string]Advertisement{},
		maxAge:      maxAge,
		noMulticast: true,
		logger:      zap.NewNop(),
	}
}

func TestRegisterThenGetByName(t *testing.T) {
	r := newTestReceiver(time.Minute)
	r.Register(Advertisement{Address: "tcp://host:9000", Name: "alpha"})

	svc := "alpha"
	assert.Equal(t, []string{"tcp://host:9000"}, r.Get(&svc))
}

func TestGetByAlias(t *testing.T) {
	r := newTestReceiver(time.Minute)
	r.Register(Advertisement{Address: "tcp://host:9000", Name: "alpha", Aliases: []string{"beta"}})

	svc := "beta"
	assert.Equal(t, []string{"tcp://host:9000"}, r.Get(&svc))
}

func TestGetEmptyStringReturnsAll(t *testing.T) {
	r := newTestReceiver(time.Minute)
	r.Register(Advertisement{Address: "tcp://a:1", Name: "alpha"})
	r.Register(Advertisement{Address: "tcp://b:2", Name: "beta"})

	all := ""
	addrs := r.Get(&all)
	assert.ElementsMatch(t, []string{"tcp://a:1", "tcp://b:2"}, addrs)
}

func TestGetNilServiceReturnsNone(t *testing.T) {
	r := newTestReceiver(time.Minute)
	r.Register(Advertisement{Address: "tcp://a:1", Name: "alpha"})
	assert.Nil(t, r.Get(nil))
}

func TestTwoRegistrationsSameAddressNoDuplicate(t *testing.T) {
	r := newTestReceiver(time.Minute)
	r.Register(Advertisement{Address: "tcp://a:1", Name: "alpha"})
	r.Register(Advertisement{Address: "tcp://a:1", Name: "alpha"})

	all := ""
	assert.Len(t, r.Get(&all), 1)
}

func TestEvictIdempotent(t *testing.T) {
	r := newTestReceiver(time.Minute)
	r.Register(Advertisement{Address: "tcp://a:1", Name: "alpha"})
	r.Evict("tcp://a:1")
	r.Evict("tcp://a:1")

	all := ""
	assert.Empty(t, r.Get(&all))
}

func TestSweepEvictsStaleEntries(t *testing.T) {
	r := newTestReceiver(10 * time.Millisecond)
	r.Register(Advertisement{Address: "tcp://a:1", Name: "alpha"})

	time.Sleep(30 * time.Millisecond)
	r.sweep()

	all := ""
	assert.Empty(t, r.Get(&all))
}

func TestMaxAgeZeroEvictsOnNextSweep(t *testing.T) {
	r := newTestReceiver(0)
	r.maxAge = 0
	r.Register(Advertisement{Address: "tcp://a:1", Name: "alpha"})

	time.Sleep(time.Millisecond)
	r.sweep()

	all := ""
	assert.Empty(t, r.Get(&all))
}

func TestOnChangeFiresOnRegisterAndEvict(t *testing.T) {
	r := newTestReceiver(time.Minute)
	var events []ChangeEventType
	r.OnChange = func(ev ChangeEvent) { events = append(events, ev.Type) }

	r.Register(Advertisement{Address: "tcp://a:1", Name: "alpha"})
	r.Evict("tcp://a:1")

	require.Len(t, events, 2)
	assert.Equal(t, EventRegister, events[0])
	assert.Equal(t, EventEvict, events[1])
}

func TestEncodeDecodeAdvertisementRoundTrip(t *testing.T) {
	ad := Advertisement{Address: "tcp://host:9000", Name: "alpha", Aliases: []string{"beta", "gamma"}}

	m, err := EncodeAdvertisement(ad, false, "v1.02")
	require.NoError(t, err)

	decoded, stop, err := decodeAdvertisement([]byte(m.Encode()))
	require.NoError(t, err)
	assert.False(t, stop)
	assert.Equal(t, ad.Address, decoded.Address)
	assert.Equal(t, ad.Name, decoded.Name)
	assert.ElementsMatch(t, ad.Aliases, decoded.Aliases)
}

func TestEncodeDecodeStopAdvertisement(t *testing.T) {
	ad := Advertisement{Address: "tcp://host:9000", Name: "alpha"}

	m, err := EncodeAdvertisement(ad, true, "v1.02")
	require.NoError(t, err)

	decoded, stop, err := decodeAdvertisement([]byte(m.Encode()))
	require.NoError(t, err)
	assert.True(t, stop)
	assert.Equal(t, ad.Address, decoded.Address)
}
