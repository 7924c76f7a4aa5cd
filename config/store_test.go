package config_test

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arc-self/posttroll/config"
	"github.com/arc-self/posttroll/message"
)

func TestDefaults(t *testing.T) {
	v := config.Defaults()
	assert.Equal(t, config.BackendPlain, v.Backend)
	assert.Equal(t, "225.0.0.212", v.MCGroup)
	assert.Equal(t, 21200, v.BroadcastPort)
	assert.Equal(t, 5557, v.NameserverPort)
	assert.Equal(t, message.V1_02, v.MessageVersion)
}

func TestLoadOverlaysEnv(t *testing.T) {
	os.Setenv("POSTTROLL_BACKEND", "secure_zmq")
	os.Setenv("POSTTROLL_BROADCAST_PORT", "30000")
	os.Setenv("POSTTROLL_NAMESERVERS", "a:1,  b:2 ,")
	defer os.Unsetenv("POSTTROLL_BACKEND")
	defer os.Unsetenv("POSTTROLL_BROADCAST_PORT")
	defer os.Unsetenv("POSTTROLL_NAMESERVERS")

	s := config.NewStore()
	require.NoError(t, s.Load())

	cur := s.Current()
	assert.Equal(t, "secure_zmq", cur.Backend)
	assert.Equal(t, 30000, cur.BroadcastPort)
	assert.Equal(t, []string{"a:1", "b:2"}, cur.Nameservers)
}

func TestScopeStackDiscipline(t *testing.T) {
	s := config.NewStore()
	require.Equal(t, 1, s.Depth())

	restore1 := s.Scope(func(v *config.Values) { v.Backend = "secure_zmq" })
	assert.Equal(t, 2, s.Depth())
	assert.Equal(t, "secure_zmq", s.Current().Backend)

	restore2 := s.Scope(func(v *config.Values) { v.BroadcastPort = 1 })
	assert.Equal(t, 3, s.Depth())
	assert.Equal(t, "secure_zmq", s.Current().Backend, "nested scope inherits parent overrides")

	restore2()
	assert.Equal(t, 2, s.Depth())

	restore1()
	assert.Equal(t, 1, s.Depth())
	assert.Equal(t, config.BackendPlain, s.Current().Backend)
}

func TestScopeRestoreIdempotent(t *testing.T) {
	s := config.NewStore()
	restore := s.Scope(func(v *config.Values) { v.Backend = "secure_zmq" })
	restore()
	restore()
	assert.Equal(t, 1, s.Depth())
}

func TestLoadRejectsUnknownMessageVersion(t *testing.T) {
	os.Setenv("POSTTROLL_MESSAGE_VERSION", "v9.99")
	defer os.Unsetenv("POSTTROLL_MESSAGE_VERSION")

	s := config.NewStore()
	err := s.Load()
	require.Error(t, err)
}
