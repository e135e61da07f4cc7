package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/netassist"
)

type flags struct {
	configPath string
	profile    string

	mode      string
	protocol  string
	address   string
	port      int
	decoder   string
	maxLen    int
	offset    uint
	width     uint
	adjust    int
	inclusive bool

	maxClients int
	idle       time.Duration

	hexIO           bool
	autoReply       string
	periodic        time.Duration
	periodicPayload string
	target          string
	selectClient    string
	linger          time.Duration

	metricsAddr string
	logLevel    string
	logFile     string
	logJSON     bool
}

func parseFlags(args []string) (*flags, error) {
	f := &flags{}
	fs := flag.NewFlagSet("netassist", flag.ContinueOnError)

	fs.StringVar(&f.configPath, "config", "", "TOML file with [[connection]] profiles")
	fs.StringVar(&f.profile, "profile", "", "profile name to run from -config")

	fs.StringVar(&f.mode, "mode", "client", "client or server")
	fs.StringVar(&f.protocol, "proto", "tcp", "tcp or udp")
	fs.StringVar(&f.address, "addr", "127.0.0.1", "remote host in client mode, bind host in server mode")
	fs.IntVar(&f.port, "port", 0, "remote or bind port")
	fs.StringVar(&f.decoder, "decoder", "raw", "framing: raw, line, length_prefixed or json")
	fs.IntVar(&f.maxLen, "max-len", 64*1024, "maximum line or frame length")
	fs.UintVar(&f.offset, "header-offset", 0, "bytes before the length field")
	fs.UintVar(&f.width, "header-width", 4, "length field width: 1, 2, 4 or 8")
	fs.IntVar(&f.adjust, "length-adjust", 0, "signed delta added to the declared length")
	fs.BoolVar(&f.inclusive, "length-includes-header", false, "the declared length counts the header")

	fs.IntVar(&f.maxClients, "max-clients", 0, "client limit in server mode (0 selects 100)")
	fs.DurationVar(&f.idle, "idle-timeout", 0, "close sessions idle for this long (0 disables)")

	fs.BoolVar(&f.hexIO, "hex", false, "read stdin lines and print payloads as hex")
	fs.StringVar(&f.autoReply, "auto-reply", "", "reply sent for every received frame")
	fs.DurationVar(&f.periodic, "periodic", 0, "periodic send interval (0 disables)")
	fs.StringVar(&f.periodicPayload, "periodic-payload", "ping", "payload of the periodic send")
	fs.StringVar(&f.target, "to", "", "client identity stdin lines are sent to in server mode (default broadcast)")
	fs.StringVar(&f.selectClient, "select", "", "client identity to filter the log dumped on exit")
	fs.DurationVar(&f.linger, "linger", -1, "how long to keep running after stdin closes (negative waits for a signal)")

	fs.StringVar(&f.metricsAddr, "metrics", "", "address to serve Prometheus /metrics on")
	fs.StringVar(&f.logLevel, "log-level", "info", "debug, info, warn or error")
	fs.StringVar(&f.logFile, "log-file", "", "rotate logs into this file instead of stderr")
	fs.BoolVar(&f.logJSON, "log-json", false, "log as JSON")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return f, nil
}

// connection resolves the profile to run, from -config or from the ad-hoc flags.
func (f *flags) connection() (netassist.ConnectionConfig, error) {
	var cfg netassist.ConnectionConfig
	if f.configPath != "" {
		profiles, err := netassist.LoadProfiles(f.configPath)
		if err != nil {
			return cfg, err
		}
		if len(profiles) == 0 {
			return cfg, errors.Errorf("%s defines no connection", f.configPath)
		}
		cfg = profiles[0]
		if f.profile != "" {
			p, ok := netassist.FindProfile(profiles, f.profile)
			if !ok {
				return cfg, errors.Errorf("no profile %q in %s", f.profile, f.configPath)
			}
			cfg = p
		}
	} else {
		decoder, err := f.decoderConfig()
		if err != nil {
			return cfg, err
		}
		cfg = netassist.ConnectionConfig{
			Name:          "cli",
			Protocol:      netassist.Protocol(strings.ToLower(f.protocol)),
			Mode:          netassist.Mode(strings.ToLower(f.mode)),
			Address:       f.address,
			Port:          f.port,
			Decoder:       decoder,
			MaxClients:    f.maxClients,
			IdleTimeoutMS: f.idle.Milliseconds(),
		}
	}

	// Flags override the profile's background senders.
	if f.autoReply != "" {
		reply, err := f.payload(f.autoReply)
		if err != nil {
			return cfg, errors.Wrap(err, "auto-reply")
		}
		s := string(reply)
		cfg.AutoReply = &s
	}
	if f.periodic > 0 {
		payload, err := f.payload(f.periodicPayload)
		if err != nil {
			return cfg, errors.Wrap(err, "periodic-payload")
		}
		cfg.Periodic = &netassist.PeriodicConfig{IntervalMS: f.periodic.Milliseconds(), Payload: string(payload)}
	}
	return cfg, cfg.Validate()
}

func (f *flags) decoderConfig() (netassist.DecoderConfig, error) {
	switch netassist.DecoderKind(f.decoder) {
	case netassist.LineDelimited:
		return netassist.LineConfig(f.maxLen), nil
	case netassist.LengthPrefixed:
		// The header fields are narrower than the flags; out-of-range values
		// must not wrap into a different valid layout.
		if f.offset > math.MaxUint8 {
			return netassist.DecoderConfig{}, rangeError("header_offset", f.offset, 0, math.MaxUint8)
		}
		if f.width > math.MaxUint8 {
			return netassist.DecoderConfig{}, rangeError("header_width", f.width, 0, math.MaxUint8)
		}
		if f.adjust < math.MinInt32 || f.adjust > math.MaxInt32 {
			return netassist.DecoderConfig{}, rangeError("length_adjustment", f.adjust, math.MinInt32, math.MaxInt32)
		}
		return netassist.LengthConfig(f.maxLen, uint8(f.offset), uint8(f.width), int32(f.adjust), f.inclusive), nil
	case netassist.JSONValue:
		return netassist.JSONConfig(f.maxLen), nil
	default:
		return netassist.DecoderConfig{Kind: netassist.DecoderKind(f.decoder)}, nil
	}
}

func rangeError(field string, v any, lo, hi int64) error {
	return &netassist.ConfigError{Field: field, Reason: fmt.Sprintf("%v is outside [%d, %d]", v, lo, hi)}
}

// payload decodes user input as hex when -hex is set.
func (f *flags) payload(s string) ([]byte, error) {
	if !f.hexIO {
		return []byte(s), nil
	}
	b, err := hex.DecodeString(strings.ReplaceAll(s, " ", ""))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid hex %q", s)
	}
	return b, nil
}
