package transport

import (
	"net"
	"time"

	"github.com/arc-self/posttroll/config"
)

// KeepaliveConfig is the subset of config.Values every socket is configured
// with at construction (spec.md §4.B: "All sockets are configured with the
// current TCP-keepalive settings at construction.").
type KeepaliveConfig struct {
	Enabled bool
	Cnt     int
	Idle    time.Duration
	Intvl   time.Duration
}

// Apply sets keepalive parameters on a TCP connection. Cnt mirrors
// the TCP_KEEPCNT sysctl, which net.TCPConn does not expose directly on
// every platform; we set what the standard library gives us (enable,
// period) and treat Cnt as documentation of the intended sysctl when an
// operator tunes the host's net.ipv4.tcp_keepalive_probes instead.
func (k KeepaliveConfig) Apply(conn net.Conn) {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}
	if !k.Enabled {
		_ = tc.SetKeepAlive(false)
		return
	}
	_ = tc.SetKeepAlive(true)
	period := k.Idle
	if period <= 0 {
		period = 30 * time.Second
	}
	_ = tc.SetKeepAlivePeriod(period)
}

// Dialer builds a net.Dialer carrying these keepalive settings, for use by
// backends (like secure) that dial through a TLS wrapper and so cannot
// type-assert the post-handshake conn back to *net.TCPConn.
func (k KeepaliveConfig) Dialer(timeout time.Duration) net.Dialer {
	d := net.Dialer{Timeout: timeout}
	if k.Enabled {
		d.KeepAlive = idleOrDefault(k.Idle)
	} else {
		d.KeepAlive = -1
	}
	return d
}

// ListenConfig builds a net.ListenConfig carrying these keepalive settings.
func (k KeepaliveConfig) ListenConfig() net.ListenConfig {
	lc := net.ListenConfig{}
	if k.Enabled {
		lc.KeepAlive = idleOrDefault(k.Idle)
	} else {
		lc.KeepAlive = -1
	}
	return lc
}

func idleOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 30 * time.Second
	}
	return d
}

// FromConfig extracts the keepalive subset of a config.Values.
func FromConfig(cfg config.Values) KeepaliveConfig {
	return KeepaliveConfig{
		Enabled: cfg.TCPKeepalive,
		Cnt:     cfg.TCPKeepaliveCnt,
		Idle:    cfg.TCPKeepaliveIdle,
		Intvl:   cfg.TCPKeepaliveIntvl,
	}
}
