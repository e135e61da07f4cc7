package netassist

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// Protocol is the transport of a connection.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// Mode tells whether a connection dials out or listens.
type Mode string

const (
	ClientMode Mode = "client"
	ServerMode Mode = "server"
)

// PeriodicConfig enables a periodic send.
type PeriodicConfig struct {
	IntervalMS int64  `toml:"interval_ms" json:"interval_ms"`
	Payload    string `toml:"payload" json:"payload"`
}

// Interval returns the interval as a duration.
func (p PeriodicConfig) Interval() time.Duration {
	return time.Duration(p.IntervalMS) * time.Millisecond
}

// ConnectionConfig is a persisted connection profile: endpoint, protocol and
// framing, plus the optional background senders.
type ConnectionConfig struct {
	Name     string        `toml:"name" json:"name"`
	Protocol Protocol      `toml:"protocol" json:"protocol"`
	Mode     Mode          `toml:"mode" json:"mode"`
	Address  string        `toml:"address" json:"address"`
	Port     int           `toml:"port" json:"port"`
	Decoder  DecoderConfig `toml:"decoder" json:"decoder"`

	// MaxClients bounds listen mode. Zero selects the default of 100.
	MaxClients    int   `toml:"max_clients,omitempty" json:"max_clients,omitempty"`
	IdleTimeoutMS int64 `toml:"idle_timeout_ms,omitempty" json:"idle_timeout_ms,omitempty"`

	AutoReply *string         `toml:"auto_reply,omitempty" json:"auto_reply,omitempty"`
	Periodic  *PeriodicConfig `toml:"periodic,omitempty" json:"periodic,omitempty"`
}

// Endpoint returns the address in host:port form.
func (c ConnectionConfig) Endpoint() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// IdleTimeout returns the idle timeout as a duration.
func (c ConnectionConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMS) * time.Millisecond
}

// Validate rejects a profile before any socket is opened.
func (c ConnectionConfig) Validate() error {
	switch c.Protocol {
	case TCP, UDP:
	default:
		return configErrorf("protocol", "must be tcp or udp, got %q", c.Protocol)
	}

	switch c.Mode {
	case ClientMode, ServerMode:
	default:
		return configErrorf("mode", "must be client or server, got %q", c.Mode)
	}

	if c.Mode == ClientMode && strings.TrimSpace(c.Address) == "" {
		return configErrorf("address", "required in client mode")
	}
	if c.Port < 0 || c.Port > 65535 || (c.Mode == ClientMode && c.Port == 0) {
		return configErrorf("port", "out of range: %d", c.Port)
	}

	if err := c.Decoder.Validate(); err != nil {
		return err
	}
	if c.Protocol == UDP && c.Decoder.kind() != RawPassthrough {
		return configErrorf("decoder", "udp delivers one frame per datagram, %q is not supported", c.Decoder.Kind)
	}

	if c.MaxClients < 0 {
		return configErrorf("max_clients", "must not be negative, got %d", c.MaxClients)
	}
	if c.IdleTimeoutMS < 0 {
		return configErrorf("idle_timeout_ms", "must not be negative, got %d", c.IdleTimeoutMS)
	}
	if c.Periodic != nil && c.Periodic.IntervalMS <= 0 {
		return configErrorf("periodic.interval_ms", "must be positive, got %d", c.Periodic.IntervalMS)
	}
	return nil
}

// profileFile is the layout of a profiles file:
//
//	[[connection]]
//	name = "echo"
//	protocol = "tcp"
//	...
type profileFile struct {
	Connections []ConnectionConfig `toml:"connection"`
}

// LoadProfiles reads and validates the connection profiles in a TOML file.
func LoadProfiles(path string) ([]ConnectionConfig, error) {
	var raw profileFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return nil, errors.Wrap(err, "load profiles")
	}
	return checkProfiles(raw, meta)
}

// ParseProfiles is LoadProfiles for in-memory data.
func ParseProfiles(data string) ([]ConnectionConfig, error) {
	var raw profileFile
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return nil, errors.Wrap(err, "parse profiles")
	}
	return checkProfiles(raw, meta)
}

func checkProfiles(raw profileFile, meta toml.MetaData) ([]ConnectionConfig, error) {
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, configErrorf(undecoded[0].String(), "unknown key")
	}

	seen := make(map[string]bool, len(raw.Connections))
	for i, c := range raw.Connections {
		if c.Name == "" {
			return nil, configErrorf("name", "connection %d has no name", i)
		}
		if seen[c.Name] {
			return nil, configErrorf("name", "duplicate profile %q", c.Name)
		}
		seen[c.Name] = true

		if err := c.Validate(); err != nil {
			return nil, errors.Wrapf(err, "profile %q", c.Name)
		}
	}
	return raw.Connections, nil
}

// FindProfile returns the profile called name.
func FindProfile(profiles []ConnectionConfig, name string) (ConnectionConfig, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return ConnectionConfig{}, false
}
