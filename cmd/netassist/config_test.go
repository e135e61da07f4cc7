package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Zereker/netassist"
)

func TestParseFlags_AdHoc(t *testing.T) {
	f, err := parseFlags([]string{
		"-mode", "server", "-proto", "TCP", "-port", "9000",
		"-decoder", "length_prefixed", "-max-len", "1024",
		"-header-offset", "2", "-header-width", "2", "-length-adjust", "-2", "-length-includes-header",
		"-idle-timeout", "30s", "-auto-reply", "ok", "-periodic", "500ms",
	})
	require.NoError(t, err)

	cfg, err := f.connection()
	require.NoError(t, err)
	assert.Equal(t, netassist.ServerMode, cfg.Mode)
	assert.Equal(t, netassist.TCP, cfg.Protocol)
	assert.Equal(t, "127.0.0.1:9000", cfg.Endpoint())
	assert.Equal(t, netassist.LengthConfig(1024, 2, 2, -2, true), cfg.Decoder)
	assert.Equal(t, 30*time.Second, cfg.IdleTimeout())
	require.NotNil(t, cfg.AutoReply)
	assert.Equal(t, "ok", *cfg.AutoReply)
	require.NotNil(t, cfg.Periodic)
	assert.Equal(t, 500*time.Millisecond, cfg.Periodic.Interval())
	assert.Equal(t, "ping", cfg.Periodic.Payload)
}

func TestParseFlags_Invalid(t *testing.T) {
	_, err := parseFlags([]string{"-port", "abc"})
	assert.Error(t, err)

	f, err := parseFlags([]string{"-mode", "client", "-port", "0"})
	require.NoError(t, err)
	_, err = f.connection()
	assert.Equal(t, netassist.KindConfig, netassist.Classify(err))

	f, err = parseFlags([]string{"-port", "1", "-decoder", "xml"})
	require.NoError(t, err)
	_, err = f.connection()
	assert.Equal(t, netassist.KindConfig, netassist.Classify(err))

	// Header flags wider than their fields are rejected instead of wrapping.
	tests := []struct {
		args  []string
		field string
	}{
		{[]string{"-header-offset", "256"}, "header_offset"},
		{[]string{"-header-width", "260"}, "header_width"},
		{[]string{"-length-adjust", "4294967300"}, "length_adjustment"},
		{[]string{"-length-adjust", "-2147483649"}, "length_adjustment"},
		{[]string{"-header-width", "3"}, "header_width"},
	}
	for _, tt := range tests {
		args := append([]string{"-port", "1", "-decoder", "length_prefixed"}, tt.args...)
		f, err := parseFlags(args)
		require.NoError(t, err)
		_, err = f.connection()
		var ce *netassist.ConfigError
		require.True(t, errors.As(err, &ce), "args %v: %v", tt.args, err)
		assert.Equal(t, tt.field, ce.Field, "args %v", tt.args)
	}
}

func TestFlags_Profile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profiles.toml")
	data := `
[[connection]]
name = "first"
protocol = "tcp"
mode = "client"
address = "10.0.0.1"
port = 80

[[connection]]
name = "second"
protocol = "udp"
mode = "server"
address = "0.0.0.0"
port = 5000
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	f, err := parseFlags([]string{"-config", path})
	require.NoError(t, err)
	cfg, err := f.connection()
	require.NoError(t, err)
	assert.Equal(t, "first", cfg.Name)

	f, err = parseFlags([]string{"-config", path, "-profile", "second", "-hex", "-auto-reply", "de ad"})
	require.NoError(t, err)
	cfg, err = f.connection()
	require.NoError(t, err)
	assert.Equal(t, "second", cfg.Name)
	require.NotNil(t, cfg.AutoReply)
	assert.Equal(t, "\xde\xad", *cfg.AutoReply)

	f, err = parseFlags([]string{"-config", path, "-profile", "third"})
	require.NoError(t, err)
	_, err = f.connection()
	assert.Error(t, err)
}

func TestFlags_Payload(t *testing.T) {
	f := &flags{hexIO: true}
	b, err := f.payload("01 02ff")
	require.NoError(t, err)
	assert.Equal(t, []byte{0x01, 0x02, 0xff}, b)

	_, err = f.payload("zz")
	assert.Error(t, err)

	f.hexIO = false
	b, err = f.payload("zz")
	require.NoError(t, err)
	assert.Equal(t, []byte("zz"), b)
}
