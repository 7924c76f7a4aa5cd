package message_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/posttroll/message"
)

func TestNewRequiresSubjectAndType(t *testing.T) {
	_, err := message.New("", "info", nil)
	require.Error(t, err)

	_, err = message.New("/a/b", "", nil)
	require.Error(t, err)
}

func TestEncodeDecodeRoundTripText(t *testing.T) {
	m, err := message.New("/counter", "info", "1")
	require.NoError(t, err)

	decoded, err := message.Decode(m.Encode())
	require.NoError(t, err)

	assert.True(t, m.Equal(decoded), "round trip should be identical: %+v vs %+v", m, decoded)
}

func TestEncodeDecodeRoundTripMapping(t *testing.T) {
	data := map[string]interface{}{"URI": "tcp://localhost:9000", "service": "alpha"}
	m, err := message.New("/oper/ns", "info", data)
	require.NoError(t, err)

	decoded, err := message.Decode(m.Encode())
	require.NoError(t, err)
	assert.True(t, m.Equal(decoded))
}

func TestEncodeDecodeRoundTripBinary(t *testing.T) {
	m, err := message.New("/blob", "file", []byte{0x00, 0x01, 0xff, 0x10})
	require.NoError(t, err)

	encoded := m.Encode()
	assert.Contains(t, encoded, "binary")

	decoded, err := message.Decode(encoded)
	require.NoError(t, err)
	assert.True(t, m.Equal(decoded))
}

func TestV101StripsZoneButPreservesInstant(t *testing.T) {
	m, err := message.NewWithVersion("/x", "beat", nil, message.V1_01)
	require.NoError(t, err)

	decoded, err := message.Decode(m.Encode())
	require.NoError(t, err)

	assert.True(t, decoded.Time.Equal(m.Time))
	assert.Equal(t, message.V1_01, decoded.Version)
}

func TestV102DecodesV101AndViceVersa(t *testing.T) {
	m101, err := message.NewWithVersion("/x", "beat", nil, message.V1_01)
	require.NoError(t, err)
	decoded, err := message.Decode(m101.Encode())
	require.NoError(t, err)
	assert.Equal(t, message.V1_01, decoded.Version)

	m102, err := message.NewWithVersion("/x", "beat", nil, message.V1_02)
	require.NoError(t, err)
	decoded2, err := message.Decode(m102.Encode())
	require.NoError(t, err)
	assert.Equal(t, message.V1_02, decoded2.Version)
}

func TestDecodeMalformedFails(t *testing.T) {
	_, err := message.Decode("not a valid header at all")
	require.Error(t, err)

	_, err = message.Decode("garbage:v9.99 id /s sender time type\npayload")
	require.Error(t, err)
}

func TestSenderAutoFilled(t *testing.T) {
	m, err := message.New("/x", "info", nil)
	require.NoError(t, err)
	assert.Contains(t, m.Sender, "@")
}

func TestIDNeverEmptyAndUnique(t *testing.T) {
	m1, err := message.New("/x", "info", nil)
	require.NoError(t, err)
	m2, err := message.New("/x", "info", nil)
	require.NoError(t, err)

	assert.NotEmpty(t, m1.ID)
	assert.NotEqual(t, m1.ID, m2.ID)
}

func TestTimeMicrosecondResolution(t *testing.T) {
	m, err := message.New("/x", "info", nil)
	require.NoError(t, err)
	assert.Equal(t, m.Time, m.Time.Truncate(time.Microsecond))
}
