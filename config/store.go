// Package config holds the process-wide, read-mostly PostTroll option bag
// described in spec.md §3, with a nested override scope following a stack
// discipline: a scoped override installed by a component must restore on
// exit along every path (enforced here by returning a restore closure from
// Scope).
package config

import (
	"sync"
	"time"

	"github.com/arc-self/posttroll/message"
)

// Backend names recognized by the transport registry (spec.md §3).
const (
	BackendPlain  = "zmq"
	BackendSecure = "secure_zmq"
)

// Values is the full recognized configuration bag (spec.md §3 table).
type Values struct {
	Backend string

	TCPKeepalive      bool
	TCPKeepaliveCnt   int
	TCPKeepaliveIdle  time.Duration
	TCPKeepaliveIntvl time.Duration

	MulticastInterface string
	MCGroup            string
	Nameservers        []string
	BroadcastPort      int
	NameserverPort     int

	MessageVersion message.Version

	ServerPublicKeyFile        string
	ServerSecretKeyFile        string
	ClientPublicKeyFile        string
	ClientSecretKeyFile        string
	ClientsPublicKeysDirectory string

	// OTLPEndpoint enables §4.J telemetry export when non-empty
	// (OTEL_EXPORTER_OTLP_ENDPOINT).
	OTLPEndpoint string

	// RelayNATSURL enables the optional §4.K relay when non-empty
	// (POSTTROLL_RELAY_NATS_URL).
	RelayNATSURL string
	// RelayWebhookURLs are the configured webhook targets for §4.K
	// (POSTTROLL_RELAY_WEBHOOKS, comma-separated).
	RelayWebhookURLs []string
	// RelayWebhookSecret signs §4.K webhook payloads (POSTTROLL_RELAY_WEBHOOK_SECRET).
	RelayWebhookSecret string

	// VaultAddr/VaultToken/VaultSecretPath enable Vault-backed key-material
	// resolution (§3.H) when all three are set.
	VaultAddr       string
	VaultToken      string
	VaultSecretPath string
}

// Defaults returns the documented default Values.
func Defaults() Values {
	return Values{
		Backend:            BackendPlain,
		TCPKeepalive:       true,
		TCPKeepaliveCnt:    6,
		TCPKeepaliveIdle:   30 * time.Second,
		TCPKeepaliveIntvl:  10 * time.Second,
		MulticastInterface: "",
		MCGroup:            "225.0.0.212",
		Nameservers:        nil,
		BroadcastPort:      21200,
		NameserverPort:     5557,
		MessageVersion:     message.V1_02,
	}
}

// Store is a process-wide configuration stack. Frame 0 is always the base
// (defaults, possibly overlaid with environment variables by Load); every
// call to Scope pushes a new frame copied from the current top, and the
// returned restore func pops exactly that frame.
type Store struct {
	mu     sync.RWMutex
	frames []Values
}

// NewStore creates a Store seeded with Defaults().
func NewStore() *Store {
	return &Store{frames: []Values{Defaults()}}
}

// Load overlays POSTTROLL_* environment variables onto the base frame.
// It never touches scoped frames, so it is meant to be called once at
// process startup before any component calls Scope.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	base := s.frames[0]
	if err := applyEnv(&base); err != nil {
		return err
	}
	if base.VaultAddr != "" && base.VaultToken != "" && base.VaultSecretPath != "" {
		sm, err := NewSecretManager(base.VaultAddr, base.VaultToken)
		if err != nil {
			return err
		}
		if err := sm.ResolveKeyMaterial(base.VaultSecretPath, &base); err != nil {
			return err
		}
	}
	s.frames[0] = base
	return nil
}

// Current returns the top-of-stack Values (a copy — safe to mutate by the
// caller without affecting the Store).
func (s *Store) Current() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frames[len(s.frames)-1]
}

// Scope pushes a new frame derived from the current top by applying mutate,
// and returns a restore func that pops it. restore must be called exactly
// once, normally via defer, on every exit path (including error paths) —
// this is the stack discipline spec.md §9 requires of scoped overrides.
func (s *Store) Scope(mutate func(*Values)) (restore func()) {
	s.mu.Lock()
	next := s.frames[len(s.frames)-1]
	mutate(&next)
	s.frames = append(s.frames, next)
	depth := len(s.frames)
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if len(s.frames) == depth && depth > 1 {
				s.frames = s.frames[:depth-1]
			}
			// A mismatched depth means callers restored out of order; we
			// leave the stack untouched rather than pop the wrong frame.
		})
	}
}

// Depth reports how many frames are currently on the stack (1 = only the
// base frame). Mostly useful for tests asserting stack discipline.
func (s *Store) Depth() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.frames)
}
