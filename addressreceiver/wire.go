package addressreceiver

import (
	"fmt"

	"github.com/arc-self/posttroll/message"
)

// AdvertisementSubject is the fixed subject advertisement messages carry.
// Not part of the application subject space subscribers filter on; used
// only between Broadcaster and Receiver.
const AdvertisementSubject = "/address"

// EncodeAdvertisement builds the wire Message a Broadcaster emits for ad.
// stop=true produces the final "stop" payload emitted on Broadcaster.Stop
// (spec.md §4.C), which the Receiver evicts immediately on receipt.
func EncodeAdvertisement(ad Advertisement, stop bool, version message.Version) (*message.Message, error) {
	data := map[string]interface{}{
		"URI":     ad.Address,
		"service": ad.Name,
		"status":  !stop,
		"type":    "pytroll-nameserver",
	}
	if len(ad.Aliases) > 0 {
		aliases := make([]interface{}, len(ad.Aliases))
		for i, a := range ad.Aliases {
			aliases[i] = a
		}
		data["aliases"] = aliases
	}

	msgType := "info"
	if stop {
		msgType = "stop"
	}
	return message.NewWithVersion(AdvertisementSubject, msgType, data, version)
}

// decodeAdvertisement parses a raw advertisement payload as received from
// the wire (multicast or a direct have_address push).
func decodeAdvertisement(raw []byte) (Advertisement, bool, error) {
	m, err := message.Decode(string(raw))
	if err != nil {
		return Advertisement{}, false, err
	}
	return ParseAdvertisement(m)
}

// ParseAdvertisement extracts an Advertisement from an already-decoded
// Message, as used both by the multicast ingestion path and by the
// nameserver's have_address/stop_address request handling.
func ParseAdvertisement(m *message.Message) (Advertisement, bool, error) {
	if m.Data.Kind != message.DataMapping {
		return Advertisement{}, false, fmt.Errorf("addressreceiver: advertisement payload is not a mapping")
	}

	uri, _ := m.Data.Mapping["URI"].(string)
	service, _ := m.Data.Mapping["service"].(string)
	if uri == "" || service == "" {
		return Advertisement{}, false, fmt.Errorf("addressreceiver: advertisement missing URI/service")
	}

	status := true
	if v, ok := m.Data.Mapping["status"].(bool); ok {
		status = v
	}

	var aliases []string
	if raw, ok := m.Data.Mapping["aliases"].([]interface{}); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				aliases = append(aliases, s)
			}
		}
	}

	stop := m.Type == "stop" || !status
	return Advertisement{Address: uri, Name: service, Aliases: aliases}, stop, nil
}
