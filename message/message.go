// Package message implements the PostTroll wire envelope: a versioned,
// self-describing text record carrying a subject, a type token, a sender
// identity, a timestamp, a unique id, and an optional payload.
package message

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"reflect"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Version identifies the wire-grammar version a Message was (or will be)
// encoded with.
type Version string

const (
	// V1_02 is the current version: ISO-8601 timestamps carry a zone offset.
	V1_02 Version = "v1.02"
	// V1_01 is the legacy, naive-UTC-timestamp version kept for interop.
	V1_01 Version = "v1.01"

	// DefaultVersion is used by New when no version is supplied.
	DefaultVersion = V1_02

	magicPrefix = "pytroll"
)

// DataKind tags which of the three payload shapes a Message carries.
type DataKind int

const (
	// DataNone means the message carries no payload.
	DataNone DataKind = iota
	// DataText means Data.Text holds a raw text payload.
	DataText
	// DataBinary means Data.Binary holds an opaque byte blob, base64-framed
	// on the wire.
	DataBinary
	// DataMapping means Data.Mapping holds a JSON-serializable key/value map.
	DataMapping
)

// Data is the optional envelope payload. Exactly one of Text/Binary/Mapping
// is meaningful, selected by Kind.
type Data struct {
	Kind    DataKind
	Text    string
	Binary  []byte
	Mapping map[string]interface{}
}

// Equal reports whether two Data values carry the same payload.
func (d Data) Equal(o Data) bool {
	if d.Kind != o.Kind {
		return false
	}
	switch d.Kind {
	case DataNone:
		return true
	case DataText:
		return d.Text == o.Text
	case DataBinary:
		return reflect.DeepEqual(d.Binary, o.Binary)
	case DataMapping:
		return reflect.DeepEqual(d.Mapping, o.Mapping)
	default:
		return false
	}
}

// Message is the decoded form of the PostTroll envelope.
type Message struct {
	Subject string
	Type    string
	Sender  string
	Time    time.Time
	ID      string
	Version Version
	Data    Data
}

// New constructs a Message with sender auto-filled as user@host, a fresh
// UUID, the current time, and the default (v1.02) version. data may be a
// string (DataText), a []byte (DataBinary), a map[string]interface{}
// (DataMapping), or nil (DataNone).
func New(subject, msgType string, data interface{}) (*Message, error) {
	return NewWithVersion(subject, msgType, data, DefaultVersion)
}

// NewWithVersion is New with an explicit wire version.
func NewWithVersion(subject, msgType string, data interface{}, version Version) (*Message, error) {
	if subject == "" {
		return nil, newError("subject must not be empty", "")
	}
	if msgType == "" {
		return nil, newError("type must not be empty", "")
	}
	if version != V1_01 && version != V1_02 {
		return nil, newError("unknown version", string(version))
	}

	d, err := toData(data)
	if err != nil {
		return nil, err
	}

	return &Message{
		Subject: subject,
		Type:    msgType,
		Sender:  senderID(),
		Time:    time.Now().Truncate(time.Microsecond),
		ID:      uuid.NewString(),
		Version: version,
		Data:    d,
	}, nil
}

func toData(data interface{}) (Data, error) {
	switch v := data.(type) {
	case nil:
		return Data{Kind: DataNone}, nil
	case string:
		return Data{Kind: DataText, Text: v}, nil
	case []byte:
		return Data{Kind: DataBinary, Binary: v}, nil
	case map[string]interface{}:
		return Data{Kind: DataMapping, Mapping: v}, nil
	default:
		return Data{}, newError("unsupported data type", fmt.Sprintf("%T", data))
	}
}

func senderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	u, err := user.Current()
	name := "unknown"
	if err == nil && u.Username != "" {
		name = u.Username
	}
	return name + "@" + host
}

// Equal compares two messages field by field, as required by the envelope
// invariant (subject, type, data, sender, time, id, version).
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.Subject == o.Subject &&
		m.Type == o.Type &&
		m.Sender == o.Sender &&
		m.Time.Equal(o.Time) &&
		m.ID == o.ID &&
		m.Version == o.Version &&
		m.Data.Equal(o.Data)
}

// Encode renders the message onto the wire: a space-separated header line
// followed by a newline and the payload block.
//
//	pytroll:<version> <id> <subject> <sender> <isotime> <type> [binary]
//	<data>
func (m *Message) Encode() string {
	header := fmt.Sprintf("%s:%s %s %s %s %s %s",
		magicPrefix, m.Version, m.ID, m.Subject, m.Sender, formatTime(m.Time, m.Version), m.Type)

	var payload string
	switch m.Data.Kind {
	case DataNone:
		payload = ""
	case DataText:
		payload = m.Data.Text
	case DataBinary:
		header += " binary"
		payload = base64.StdEncoding.EncodeToString(m.Data.Binary)
	case DataMapping:
		b, _ := json.Marshal(m.Data.Mapping)
		payload = string(b)
	}

	return header + "\n" + payload
}

// Decode parses the wire form produced by Encode. Decoding a v1.01 message
// while a v1.02 message was expected (or vice versa) is permitted; the zone
// is defaulted to UTC for naive timestamps.
func Decode(raw string) (*Message, error) {
	header, payload, hasPayload := strings.Cut(raw, "\n")
	if !hasPayload {
		header = raw
		payload = ""
	}

	fields := strings.Fields(header)
	if len(fields) < 6 {
		return nil, newError("malformed header", header)
	}

	versionToken := fields[0]
	parts := strings.SplitN(versionToken, ":", 2)
	if len(parts) != 2 || parts[0] != magicPrefix {
		return nil, newError("missing protocol magic word", versionToken)
	}
	version := Version(parts[1])
	if version != V1_01 && version != V1_02 {
		return nil, newError("unknown version", parts[1])
	}

	id := fields[1]
	subject := fields[2]
	sender := fields[3]
	isotime := fields[4]
	msgType := fields[5]

	binary := false
	rest := fields[6:]
	if len(rest) > 0 && rest[0] == "binary" {
		binary = true
	}

	if id == "" || subject == "" || sender == "" || msgType == "" {
		return nil, newError("empty required field", header)
	}

	t, err := parseTime(isotime)
	if err != nil {
		return nil, newError("bad timestamp", isotime)
	}

	var d Data
	switch {
	case binary:
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return nil, newError("bad base64 payload", payload)
		}
		d = Data{Kind: DataBinary, Binary: raw}
	case payload == "":
		d = Data{Kind: DataNone}
	default:
		var mapping map[string]interface{}
		if err := json.Unmarshal([]byte(payload), &mapping); err == nil {
			d = Data{Kind: DataMapping, Mapping: mapping}
		} else {
			d = Data{Kind: DataText, Text: payload}
		}
	}

	return &Message{
		Subject: subject,
		Type:    msgType,
		Sender:  sender,
		Time:    t,
		ID:      id,
		Version: version,
		Data:    d,
	}, nil
}

const (
	layoutAware = "2006-01-02T15:04:05.000000Z07:00"
	layoutNaive = "2006-01-02T15:04:05.000000"
)

func formatTime(t time.Time, v Version) string {
	if v == V1_01 {
		return t.UTC().Format(layoutNaive)
	}
	return t.Format(layoutAware)
}

// parseTime accepts both the zone-aware (v1.02) and naive (v1.01) forms
// regardless of which version the rest of the header declares, so that a
// v1.02 reader can decode a v1.01 message and vice versa.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(layoutAware, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(layoutNaive, s); err == nil {
		return t.UTC(), nil
	}
	// Accept RFC3339-ish variants with a shorter/absent fractional part too.
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}
