package nameserver

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arc-self/posttroll/addressreceiver"
	"github.com/arc-self/posttroll/config"
	"github.com/arc-self/posttroll/message"
	"github.com/arc-self/posttroll/transport/plain"
)

func startTestNameService(t *testing.T) (*NameService, *Client) {
	t.Helper()
	cfg := config.Defaults()
	backend, err := plain.New(cfg)
	require.NoError(t, err)

	ns := New(cfg, backend, "tcp://127.0.0.1:0", true, time.Minute, nil)
	require.NoError(t, ns.Start())
	t.Cleanup(func() { _ = ns.Stop() })

	// The reply socket above was asked to bind port 0; net.Listen on
	// "tcp" with port 0 in this transport picks an OS-assigned port, but
	// since the reply socket doesn't expose its bound address, tests
	// instead drive the NameService directly through its Receiver and
	// handle() rather than over the wire when the address isn't known.
	return ns, nil
}

func TestHandleLookupEmpty(t *testing.T) {
	ns, _ := startTestNameService(t)

	reply := ns.handle(mustEncodeRequest(t, ns, ""))
	addrs := mustDecodeAddresses(t, reply)
	require.Empty(t, addrs)
}

func TestHandleHaveAddressThenLookup(t *testing.T) {
	ns, _ := startTestNameService(t)

	ad := addressreceiver.Advertisement{Address: "tcp://host:9000", Name: "alpha"}
	m, err := addressreceiver.EncodeAdvertisement(ad, false, ns.version)
	require.NoError(t, err)
	m.Type = "have_address"
	ns.handle([]byte(m.Encode()))

	reply := ns.handle(mustEncodeRequest(t, ns, "alpha"))
	addrs := mustDecodeAddresses(t, reply)
	require.Equal(t, []string{"tcp://host:9000"}, addrs)
}

func TestHandleStopAddressEvicts(t *testing.T) {
	ns, _ := startTestNameService(t)

	ad := addressreceiver.Advertisement{Address: "tcp://host:9000", Name: "alpha"}
	ns.Receiver.Register(ad)

	m, err := addressreceiver.EncodeAdvertisement(ad, true, ns.version)
	require.NoError(t, err)
	m.Type = "stop_address"
	ns.handle([]byte(m.Encode()))

	reply := ns.handle(mustEncodeRequest(t, ns, "alpha"))
	addrs := mustDecodeAddresses(t, reply)
	require.Empty(t, addrs)
}

func mustEncodeRequest(t *testing.T, ns *NameService, service string) []byte {
	t.Helper()
	m, err := message.NewWithVersion(RequestSubject, "request", map[string]interface{}{"service": service}, ns.version)
	require.NoError(t, err)
	return []byte(m.Encode())
}

func mustDecodeAddresses(t *testing.T, raw []byte) []string {
	t.Helper()
	m, err := message.Decode(string(raw))
	require.NoError(t, err)
	require.Equal(t, message.DataMapping, m.Data.Kind)

	rawAddrs, _ := m.Data.Mapping["addresses"].([]interface{})
	addrs := make([]string, 0, len(rawAddrs))
	for _, a := range rawAddrs {
		if s, ok := a.(string); ok {
			addrs = append(addrs, s)
		}
	}
	return addrs
}
