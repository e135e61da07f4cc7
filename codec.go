package netassist

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/pkg/errors"
)

// Frame is one complete application-level unit: a decoded inbound message,
// or one write on the outbound side.
type Frame []byte

// DecoderKind selects a framing strategy.
type DecoderKind string

// Framing strategies. The set is closed; NewCodec is the only place that
// maps a kind to an implementation.
const (
	// RawPassthrough delivers every read chunk as one frame. Message
	// boundaries are not reconstructed across TCP reads.
	RawPassthrough DecoderKind = "raw"
	// LineDelimited splits on '\n' and strips a preceding '\r'.
	LineDelimited DecoderKind = "line"
	// LengthPrefixed reads a big-endian length field and waits for the payload.
	LengthPrefixed DecoderKind = "length_prefixed"
	// JSONValue emits each complete top-level JSON object or array.
	JSONValue DecoderKind = "json"
)

// defaultMaxFrameLen bounds JSON values when no limit is configured.
const defaultMaxFrameLen = 1024 * 1024

// DecoderConfig describes the framing of one connection. It is immutable
// once a session starts.
type DecoderConfig struct {
	Kind DecoderKind `toml:"kind" json:"kind"`

	// MaxLineLen applies to LineDelimited.
	MaxLineLen int `toml:"max_line_len,omitempty" json:"max_line_len,omitempty"`

	// MaxFrameLen applies to LengthPrefixed (header included) and JSONValue.
	MaxFrameLen          int   `toml:"max_frame_len,omitempty" json:"max_frame_len,omitempty"`
	HeaderOffset         uint8 `toml:"header_offset,omitempty" json:"header_offset,omitempty"`
	HeaderWidth          uint8 `toml:"header_width,omitempty" json:"header_width,omitempty"`
	LengthAdjustment     int32 `toml:"length_adjustment,omitempty" json:"length_adjustment,omitempty"`
	LengthIncludesHeader bool  `toml:"length_includes_header,omitempty" json:"length_includes_header,omitempty"`
}

// RawConfig returns a RawPassthrough configuration.
func RawConfig() DecoderConfig {
	return DecoderConfig{Kind: RawPassthrough}
}

// LineConfig returns a LineDelimited configuration.
func LineConfig(maxLineLen int) DecoderConfig {
	return DecoderConfig{Kind: LineDelimited, MaxLineLen: maxLineLen}
}

// LengthConfig returns a LengthPrefixed configuration.
func LengthConfig(maxFrameLen int, offset, width uint8, adjustment int32, includesHeader bool) DecoderConfig {
	return DecoderConfig{
		Kind:                 LengthPrefixed,
		MaxFrameLen:          maxFrameLen,
		HeaderOffset:         offset,
		HeaderWidth:          width,
		LengthAdjustment:     adjustment,
		LengthIncludesHeader: includesHeader,
	}
}

// JSONConfig returns a JSONValue configuration. Zero selects the default limit.
func JSONConfig(maxFrameLen int) DecoderConfig {
	return DecoderConfig{Kind: JSONValue, MaxFrameLen: maxFrameLen}
}

// kind treats the zero value as RawPassthrough.
func (c DecoderConfig) kind() DecoderKind {
	if c.Kind == "" {
		return RawPassthrough
	}
	return c.Kind
}

// Validate checks the parameters of the selected strategy.
func (c DecoderConfig) Validate() error {
	switch c.kind() {
	case RawPassthrough:
		return nil
	case LineDelimited:
		if c.MaxLineLen <= 0 {
			return configErrorf("max_line_len", "must be positive, got %d", c.MaxLineLen)
		}
		return nil
	case LengthPrefixed:
		if c.MaxFrameLen <= 0 {
			return configErrorf("max_frame_len", "must be positive, got %d", c.MaxFrameLen)
		}
		switch c.HeaderWidth {
		case 1, 2, 4, 8:
		default:
			return configErrorf("header_width", "must be 1, 2, 4 or 8, got %d", c.HeaderWidth)
		}
		if hl := int(c.HeaderOffset) + int(c.HeaderWidth); hl > c.MaxFrameLen {
			return configErrorf("header_offset", "header of %d bytes exceeds max_frame_len %d", hl, c.MaxFrameLen)
		}
		return nil
	case JSONValue:
		if c.MaxFrameLen < 0 {
			return configErrorf("max_frame_len", "must not be negative, got %d", c.MaxFrameLen)
		}
		return nil
	default:
		return configErrorf("kind", "unknown decoder %q", c.Kind)
	}
}

// Codec translates between a byte stream and frames. Decode keeps incomplete
// trailing bytes for the next call; frames decoded before an error are still
// returned alongside it. A Codec is owned by a single read loop; Encode holds
// no state and may be called from any goroutine.
type Codec interface {
	Decode(chunk []byte) ([]Frame, error)
	Encode(f Frame) ([]byte, error)
	// Buffered reports the bytes held back waiting for a complete frame.
	Buffered() int
}

// NewCodec validates cfg and builds the matching codec.
func NewCodec(cfg DecoderConfig) (Codec, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	switch cfg.kind() {
	case LineDelimited:
		return &lineCodec{max: cfg.MaxLineLen}, nil
	case LengthPrefixed:
		return &lengthCodec{cfg: cfg}, nil
	case JSONValue:
		limit := cfg.MaxFrameLen
		if limit == 0 {
			limit = defaultMaxFrameLen
		}
		return &jsonCodec{max: limit, begin: -1}, nil
	default:
		return rawCodec{}, nil
	}
}

// compact moves buf[start:] to the front of buf.
func compact(buf []byte, start int) []byte {
	return buf[:copy(buf, buf[start:])]
}

type rawCodec struct{}

func (rawCodec) Decode(chunk []byte) ([]Frame, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	return []Frame{bytes.Clone(chunk)}, nil
}

func (rawCodec) Encode(f Frame) ([]byte, error) {
	return bytes.Clone(f), nil
}

func (rawCodec) Buffered() int { return 0 }

type lineCodec struct {
	max int
	buf []byte
}

func (c *lineCodec) Decode(chunk []byte) ([]Frame, error) {
	c.buf = append(c.buf, chunk...)

	var frames []Frame
	start := 0
	for {
		i := bytes.IndexByte(c.buf[start:], '\n')
		if i < 0 {
			break
		}
		line := c.buf[start : start+i]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
		if len(line) > c.max {
			return frames, errors.Wrapf(ErrFrameTooLarge, "line of %d bytes exceeds %d", len(line), c.max)
		}
		frames = append(frames, Frame(bytes.Clone(line)))
		start += i + 1
	}
	c.buf = compact(c.buf, start)

	// One extra byte is tolerated when it may be the '\r' of a pending "\r\n".
	if n := len(c.buf); n > c.max && !(n == c.max+1 && c.buf[n-1] == '\r') {
		return frames, errors.Wrapf(ErrFrameTooLarge, "%d bytes without delimiter exceed %d", n, c.max)
	}
	return frames, nil
}

func (c *lineCodec) Encode(f Frame) ([]byte, error) {
	if len(f) > c.max {
		return nil, errors.Wrapf(ErrFrameTooLarge, "line of %d bytes exceeds %d", len(f), c.max)
	}
	// Decode would split on '\n' and strip a trailing '\r'.
	if i := bytes.IndexByte(f, '\n'); i >= 0 {
		return nil, errors.Wrapf(ErrInvalidFrame, "line holds a delimiter at offset %d", i)
	}
	if n := len(f); n > 0 && f[n-1] == '\r' {
		return nil, errors.Wrap(ErrInvalidFrame, "line ends with a carriage return")
	}
	out := make([]byte, 0, len(f)+1)
	out = append(out, f...)
	return append(out, '\n'), nil
}

func (c *lineCodec) Buffered() int { return len(c.buf) }

type lengthCodec struct {
	cfg DecoderConfig
	buf []byte
}

func (c *lengthCodec) headerLen() int {
	return int(c.cfg.HeaderOffset) + int(c.cfg.HeaderWidth)
}

func (c *lengthCodec) Decode(chunk []byte) ([]Frame, error) {
	c.buf = append(c.buf, chunk...)

	var frames []Frame
	hl := c.headerLen()
	start := 0
	for len(c.buf)-start >= hl {
		field := c.buf[start+int(c.cfg.HeaderOffset) : start+hl]
		n, err := c.payloadLen(readUint(field))
		if err != nil {
			return frames, err
		}
		total := hl + n
		if len(c.buf)-start < total {
			break
		}
		frames = append(frames, Frame(bytes.Clone(c.buf[start+hl:start+total])))
		start += total
	}
	c.buf = compact(c.buf, start)
	return frames, nil
}

// payloadLen converts a declared length into the payload size that follows
// the header.
func (c *lengthCodec) payloadLen(declared uint64) (int, error) {
	hl := c.headerLen()
	adj := int64(c.cfg.LengthAdjustment)

	// Anything above this cannot fit in max_frame_len whatever the adjustment.
	limit := uint64(c.cfg.MaxFrameLen) + uint64(hl) + uint64(abs64(adj))
	if declared > limit {
		return 0, errors.Wrapf(ErrFrameTooLarge, "declared length %d exceeds %d", declared, c.cfg.MaxFrameLen)
	}

	n := int64(declared) + adj
	if c.cfg.LengthIncludesHeader {
		n -= int64(hl)
	}
	if n < 0 {
		return 0, errors.Wrapf(ErrInvalidHeader, "declared length %d yields payload length %d", declared, n)
	}
	if int64(hl)+n > int64(c.cfg.MaxFrameLen) {
		return 0, errors.Wrapf(ErrFrameTooLarge, "frame of %d bytes exceeds %d", int64(hl)+n, c.cfg.MaxFrameLen)
	}
	return int(n), nil
}

func (c *lengthCodec) Encode(f Frame) ([]byte, error) {
	hl := c.headerLen()
	if hl+len(f) > c.cfg.MaxFrameLen {
		return nil, errors.Wrapf(ErrFrameTooLarge, "frame of %d bytes exceeds %d", hl+len(f), c.cfg.MaxFrameLen)
	}

	declared := int64(len(f)) - int64(c.cfg.LengthAdjustment)
	if c.cfg.LengthIncludesHeader {
		declared += int64(hl)
	}
	if declared < 0 || uint64(declared) > maxUint(c.cfg.HeaderWidth) {
		return nil, errors.Wrapf(ErrInvalidHeader, "payload of %d bytes cannot be declared in %d-byte field", len(f), c.cfg.HeaderWidth)
	}

	out := make([]byte, hl+len(f))
	putUint(out[c.cfg.HeaderOffset:hl], uint64(declared))
	copy(out[hl:], f)
	return out, nil
}

func (c *lengthCodec) Buffered() int { return len(c.buf) }

func readUint(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.BigEndian.Uint16(b))
	case 4:
		return uint64(binary.BigEndian.Uint32(b))
	default:
		return binary.BigEndian.Uint64(b)
	}
}

func putUint(b []byte, v uint64) {
	switch len(b) {
	case 1:
		b[0] = byte(v)
	case 2:
		binary.BigEndian.PutUint16(b, uint16(v))
	case 4:
		binary.BigEndian.PutUint32(b, uint32(v))
	default:
		binary.BigEndian.PutUint64(b, v)
	}
}

func maxUint(width uint8) uint64 {
	if width >= 8 {
		return math.MaxUint64
	}
	return 1<<(8*uint(width)) - 1
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// jsonCodec is a push scanner over concatenated JSON values. It tracks
// bracket nesting and string escapes to find where each value ends.
type jsonCodec struct {
	max int
	buf []byte

	pos      int // next byte to scan
	begin    int // start of the value being scanned, -1 between values
	stack    []byte
	inString bool
	escaped  bool
}

func (c *jsonCodec) Decode(chunk []byte) ([]Frame, error) {
	c.buf = append(c.buf, chunk...)

	var frames []Frame
	for c.pos < len(c.buf) {
		b := c.buf[c.pos]
		if c.begin < 0 {
			switch b {
			case ' ', '\t', '\r', '\n':
				c.pos++
				continue
			case '{', '[':
				c.begin = c.pos
			default:
				return frames, errors.Wrapf(ErrMalformedJSON, "unexpected %q between values", b)
			}
		}

		c.pos++
		if c.pos-c.begin > c.max {
			return frames, errors.Wrapf(ErrFrameTooLarge, "json value exceeds %d bytes", c.max)
		}

		if c.inString {
			switch {
			case c.escaped:
				c.escaped = false
			case b == '\\':
				c.escaped = true
			case b == '"':
				c.inString = false
			}
			continue
		}

		switch b {
		case '"':
			c.inString = true
		case '{', '[':
			c.stack = append(c.stack, b)
		case '}', ']':
			open := byte('{')
			if b == ']' {
				open = '['
			}
			if len(c.stack) == 0 || c.stack[len(c.stack)-1] != open {
				return frames, errors.Wrapf(ErrMalformedJSON, "unmatched %q at offset %d", b, c.pos-1-c.begin)
			}
			c.stack = c.stack[:len(c.stack)-1]
			if len(c.stack) == 0 {
				value := c.buf[c.begin:c.pos]
				if !json.Valid(value) {
					return frames, errors.Wrap(ErrMalformedJSON, "invalid json value")
				}
				frames = append(frames, Frame(bytes.Clone(value)))
				c.begin = -1
			}
		}
	}

	keep := c.pos
	if c.begin >= 0 {
		keep = c.begin
		c.begin = 0
	}
	c.buf = compact(c.buf, keep)
	c.pos -= keep
	return frames, nil
}

// Encode emits the value without surrounding whitespace, which is what
// Decode yields for it.
func (c *jsonCodec) Encode(f Frame) ([]byte, error) {
	value := bytes.TrimSpace(f)
	if len(value) > c.max {
		return nil, errors.Wrapf(ErrFrameTooLarge, "json value of %d bytes exceeds %d", len(value), c.max)
	}
	if len(value) == 0 || (value[0] != '{' && value[0] != '[') || !json.Valid(value) {
		return nil, errors.Wrap(ErrMalformedJSON, "payload is not a json object or array")
	}
	return bytes.Clone(value), nil
}

func (c *jsonCodec) Buffered() int { return len(c.buf) }
