package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/arc-self/posttroll/message"
)

const envPrefix = "POSTTROLL_"

func applyEnv(v *Values) error {
	if s, ok := lookup("BACKEND"); ok {
		v.Backend = s
	}
	if s, ok := lookup("TCP_KEEPALIVE"); ok {
		b, err := strconv.ParseBool(s)
		if err != nil {
			return &Error{Key: "tcp_keepalive", Reason: err.Error()}
		}
		v.TCPKeepalive = b
	}
	if s, ok := lookup("TCP_KEEPALIVE_CNT"); ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return &Error{Key: "tcp_keepalive_cnt", Reason: err.Error()}
		}
		v.TCPKeepaliveCnt = n
	}
	if s, ok := lookup("TCP_KEEPALIVE_IDLE"); ok {
		d, err := parseSecondsOrDuration(s)
		if err != nil {
			return &Error{Key: "tcp_keepalive_idle", Reason: err.Error()}
		}
		v.TCPKeepaliveIdle = d
	}
	if s, ok := lookup("TCP_KEEPALIVE_INTVL"); ok {
		d, err := parseSecondsOrDuration(s)
		if err != nil {
			return &Error{Key: "tcp_keepalive_intvl", Reason: err.Error()}
		}
		v.TCPKeepaliveIntvl = d
	}
	if s, ok := lookup("MULTICAST_INTERFACE"); ok {
		v.MulticastInterface = s
	}
	if s, ok := lookup("MC_GROUP"); ok {
		v.MCGroup = s
	}
	if s, ok := lookup("NAMESERVERS"); ok {
		v.Nameservers = splitNonEmpty(s, ",")
	}
	if s, ok := lookup("BROADCAST_PORT"); ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return &Error{Key: "broadcast_port", Reason: err.Error()}
		}
		v.BroadcastPort = n
	}
	if s, ok := lookup("NAMESERVER_PORT"); ok {
		n, err := strconv.Atoi(s)
		if err != nil {
			return &Error{Key: "nameserver_port", Reason: err.Error()}
		}
		v.NameserverPort = n
	}
	if s, ok := lookup("MESSAGE_VERSION"); ok {
		switch message.Version(s) {
		case message.V1_01, message.V1_02:
			v.MessageVersion = message.Version(s)
		default:
			return &Error{Key: "message_version", Reason: fmt.Sprintf("unknown version %q", s)}
		}
	}
	if s, ok := lookup("SERVER_PUBLIC_KEY_FILE"); ok {
		v.ServerPublicKeyFile = s
	}
	if s, ok := lookup("SERVER_SECRET_KEY_FILE"); ok {
		v.ServerSecretKeyFile = s
	}
	if s, ok := lookup("CLIENT_PUBLIC_KEY_FILE"); ok {
		v.ClientPublicKeyFile = s
	}
	if s, ok := lookup("CLIENT_SECRET_KEY_FILE"); ok {
		v.ClientSecretKeyFile = s
	}
	if s, ok := lookup("CLIENTS_PUBLIC_KEYS_DIRECTORY"); ok {
		v.ClientsPublicKeysDirectory = s
	}
	if s, ok := lookup("RELAY_NATS_URL"); ok {
		v.RelayNATSURL = s
	}
	if s, ok := lookup("RELAY_WEBHOOKS"); ok {
		v.RelayWebhookURLs = splitNonEmpty(s, ",")
	}
	if s, ok := lookup("RELAY_WEBHOOK_SECRET"); ok {
		v.RelayWebhookSecret = s
	}
	// OTEL_EXPORTER_OTLP_ENDPOINT and VAULT_* follow their own ecosystem
	// conventions rather than the POSTTROLL_ prefix.
	if s, ok := os.LookupEnv("OTEL_EXPORTER_OTLP_ENDPOINT"); ok {
		v.OTLPEndpoint = s
	}
	if s, ok := os.LookupEnv("VAULT_ADDR"); ok {
		v.VaultAddr = s
	}
	if s, ok := os.LookupEnv("VAULT_TOKEN"); ok {
		v.VaultToken = s
	}
	if s, ok := os.LookupEnv("VAULT_SECRET_PATH"); ok {
		v.VaultSecretPath = s
	}
	return nil
}

func lookup(key string) (string, bool) {
	return os.LookupEnv(envPrefix + key)
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, p := range strings.Split(s, sep) {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseSecondsOrDuration accepts either a bare integer (seconds, matching
// the historical env-var convention) or a Go duration string ("30s").
func parseSecondsOrDuration(s string) (time.Duration, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(s)
}
