// Package transport is the uniform capability surface PostTroll's other
// components build on: publish sockets, subscribe sockets, a request/reply
// pair, and broadcast send/receive, with an optional mutually-authenticated
// variant. Two backends implement it: plain (no auth) and secure (peer
// authentication). Backends register themselves by name so config selects
// one without an import-time switch (spec.md §9 "Design Notes").
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/arc-self/posttroll/config"
)

// PublishSocket is the outbound-message side of a publisher. A single
// PublishSocket fans every Send out to every subscriber currently connected
// to it; it keeps no per-subscriber message queue (spec.md Non-goals:
// guaranteed delivery).
type PublishSocket interface {
	Send(frame []byte) error
	Close() error
}

// SubscribeSocket is a single connection to one publisher address.
type SubscribeSocket interface {
	// Recv blocks for up to timeout for the next frame. A zero timeout
	// blocks indefinitely.
	Recv(timeout time.Duration) ([]byte, error)
	Close() error
}

// RequestSocket issues one request and waits for one reply.
type RequestSocket interface {
	Request(frame []byte, timeout time.Duration) ([]byte, error)
	Close() error
}

// Handler answers one request frame with one reply frame.
type Handler func(request []byte) []byte

// ReplySocket serves Handler for every incoming request until ctx is
// cancelled or Close is called.
type ReplySocket interface {
	Serve(ctx context.Context, handler Handler) error
	Close() error
}

// BroadcastSender emits discrete UDP payloads (one per Send) to a
// multicast group, or unicast to an explicit list of peers.
type BroadcastSender interface {
	Send(payload []byte) error
	Close() error
}

// BroadcastReceiver receives discrete UDP payloads.
type BroadcastReceiver interface {
	Recv(timeout time.Duration) (payload []byte, from string, err error)
	Close() error
}

// Backend is a transport implementation selected by config.Values.Backend.
type Backend interface {
	Name() string
	CreatePublishSocket(address string) (PublishSocket, error)
	CreateSubscribeSocket(address string) (SubscribeSocket, error)
	CreateRequestSocket(address string) (RequestSocket, error)
	CreateReplySocket(address string) (ReplySocket, error)
	CreateBroadcastSender(group string, port int, iface string) (BroadcastSender, error)
	CreateBroadcastReceiver(group string, port int, iface string) (BroadcastReceiver, error)
}

// Factory constructs a Backend bound to a particular configuration.
type Factory func(cfg config.Values) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register adds a backend factory under name. Called from each backend
// package's init().
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New looks up cfg.Backend in the registry and constructs it.
func New(cfg config.Values) (Backend, error) {
	registryMu.RLock()
	factory, ok := registry[cfg.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("transport: unknown backend %q", cfg.Backend)
	}
	return factory(cfg)
}
