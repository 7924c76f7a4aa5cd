package nameserver

import (
	"time"

	"github.com/arc-self/posttroll/addressreceiver"
	"github.com/arc-self/posttroll/message"
	"github.com/arc-self/posttroll/transport"
)

// Client is a thin request/reply wrapper subscribers and no-multicast
// publishers use to talk to a remote NameService.
type Client struct {
	req     transport.RequestSocket
	version message.Version
}

// Dial opens a request socket to a nameserver at address
// ("tcp://host:nameserver_port").
func Dial(backend transport.Backend, address string, version message.Version) (*Client, error) {
	req, err := backend.CreateRequestSocket(address)
	if err != nil {
		return nil, err
	}
	return &Client{req: req, version: version}, nil
}

// Close releases the underlying request socket.
func (c *Client) Close() error { return c.req.Close() }

// Lookup asks for every live address for service (""=all) within timeout.
func (c *Client) Lookup(service string, timeout time.Duration) ([]string, error) {
	req, err := message.NewWithVersion(RequestSubject, "request", map[string]interface{}{"service": service}, c.version)
	if err != nil {
		return nil, err
	}

	raw, err := c.req.Request([]byte(req.Encode()), timeout)
	if err != nil {
		return nil, err
	}

	reply, err := message.Decode(string(raw))
	if err != nil {
		return nil, err
	}

	if reply.Data.Kind != message.DataMapping {
		return nil, nil
	}
	rawAddrs, ok := reply.Data.Mapping["addresses"].([]interface{})
	if !ok {
		return nil, nil
	}
	addrs := make([]string, 0, len(rawAddrs))
	for _, a := range rawAddrs {
		if s, ok := a.(string); ok {
			addrs = append(addrs, s)
		}
	}
	return addrs, nil
}

// PushHaveAddress directly registers ad with the remote nameserver,
// bypassing multicast (spec.md §4.D ingestion path 2 — used when a
// publisher cannot multicast).
func (c *Client) PushHaveAddress(ad addressreceiver.Advertisement, timeout time.Duration) error {
	m, err := addressreceiver.EncodeAdvertisement(ad, false, c.version)
	if err != nil {
		return err
	}
	m.Type = "have_address"
	_, err = c.req.Request([]byte(m.Encode()), timeout)
	return err
}

// PushStopAddress evicts address on the remote nameserver.
func (c *Client) PushStopAddress(ad addressreceiver.Advertisement, timeout time.Duration) error {
	m, err := addressreceiver.EncodeAdvertisement(ad, true, c.version)
	if err != nil {
		return err
	}
	m.Type = "stop_address"
	_, err = c.req.Request([]byte(m.Encode()), timeout)
	return err
}
