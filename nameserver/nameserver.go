// Package nameserver implements the Name Service daemon: one Address
// Receiver plus a request/reply socket on nameserver_port, answering
// service-address lookups and accepting direct have_address/stop_address
// pushes when multicast is disabled (spec.md §4.E).
package nameserver

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/arc-self/posttroll/addressreceiver"
	"github.com/arc-self/posttroll/config"
	"github.com/arc-self/posttroll/message"
	"github.com/arc-self/posttroll/transport"
)

// RequestSubject is the subject a lookup request must carry (spec.md §6).
const RequestSubject = "/oper/ns"

// NameService is the nameserver daemon: an Address Receiver plus the
// reply socket front-end that serves it. The zero value is not usable;
// build one with New.
type NameService struct {
	Receiver *addressreceiver.Receiver

	backend transport.Backend
	address string
	version message.Version
	logger  *zap.Logger

	reply  transport.ReplySocket
	cancel context.CancelFunc
}

// New constructs a NameService. address is normally "tcp://*:<nameserver_port>"
// (nameserver_port defaults to 5557, spec.md §3). noMulticast disables the
// Address Receiver's multicast listener (the --no-multicast flag);
// maxAge <= 0 uses addressreceiver.DefaultMaxAge.
func New(cfg config.Values, backend transport.Backend, address string, noMulticast bool, maxAge time.Duration, logger *zap.Logger) *NameService {
	if logger == nil {
		logger = zap.NewNop()
	}
	receiver := addressreceiver.New(cfg, backend, maxAge, noMulticast, logger)
	return &NameService{
		Receiver: receiver,
		backend:  backend,
		address:  address,
		version:  cfg.MessageVersion,
		logger:   logger,
	}
}

// Start launches the Address Receiver and the reply socket. Returns once
// the reply socket is bound; serving happens on a background goroutine.
func (n *NameService) Start() error {
	if err := n.Receiver.Start(); err != nil {
		return err
	}

	reply, err := n.backend.CreateReplySocket(n.address)
	if err != nil {
		_ = n.Receiver.Stop()
		return err
	}
	n.reply = reply

	ctx, cancel := context.WithCancel(context.Background())
	n.cancel = cancel

	go func() {
		if err := n.reply.Serve(ctx, n.handle); err != nil {
			n.logger.Error("reply socket serve loop exited", zap.Error(err))
		}
	}()
	return nil
}

// Stop halts the reply socket and the Address Receiver. Safe to call once.
func (n *NameService) Stop() error {
	if n.cancel != nil {
		n.cancel()
	}
	var err error
	if n.reply != nil {
		err = n.reply.Close()
	}
	_ = n.Receiver.Stop()
	return err
}

// handle answers one request frame, implementing transport.Handler.
func (n *NameService) handle(request []byte) []byte {
	m, err := message.Decode(string(request))
	if err != nil {
		n.logger.Warn("malformed nameserver request", zap.Error(err))
		return n.errorReply(err)
	}

	switch m.Type {
	case "request":
		return n.handleLookup(m)
	case "have_address":
		return n.handleHaveAddress(m)
	case "stop_address":
		return n.handleStopAddress(m)
	default:
		n.logger.Warn("unknown nameserver request type", zap.String("type", m.Type))
		return n.errorReply(&message.Error{Reason: "unknown request type", Input: m.Type})
	}
}

func (n *NameService) handleLookup(m *message.Message) []byte {
	var service *string
	if m.Data.Kind == message.DataMapping {
		if raw, ok := m.Data.Mapping["service"]; ok {
			if s, ok := raw.(string); ok {
				service = &s
			}
		}
	}
	if service == nil {
		empty := ""
		service = &empty
	}

	addresses := n.Receiver.Get(service)
	data := map[string]interface{}{"addresses": toInterfaceSlice(addresses)}

	reply, err := message.NewWithVersion(RequestSubject, "info", data, n.version)
	if err != nil {
		return n.errorReply(err)
	}
	return []byte(reply.Encode())
}

func (n *NameService) handleHaveAddress(m *message.Message) []byte {
	ad, stop, err := addressreceiver.ParseAdvertisement(m)
	if err != nil {
		return n.errorReply(err)
	}
	if stop {
		n.Receiver.Evict(ad.Address)
	} else {
		n.Receiver.Register(ad)
	}
	return n.ackReply()
}

func (n *NameService) handleStopAddress(m *message.Message) []byte {
	ad, _, err := addressreceiver.ParseAdvertisement(m)
	if err != nil {
		return n.errorReply(err)
	}
	n.Receiver.Evict(ad.Address)
	return n.ackReply()
}

func (n *NameService) ackReply() []byte {
	reply, err := message.NewWithVersion(RequestSubject, "info", map[string]interface{}{"status": true}, n.version)
	if err != nil {
		return nil
	}
	return []byte(reply.Encode())
}

func (n *NameService) errorReply(cause error) []byte {
	reply, err := message.NewWithVersion(RequestSubject, "info", map[string]interface{}{
		"status": false,
		"error":  cause.Error(),
	}, n.version)
	if err != nil {
		return nil
	}
	return []byte(reply.Encode())
}

func toInterfaceSlice(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}
