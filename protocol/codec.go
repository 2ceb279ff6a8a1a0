package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Codec parses and serializes wire messages and decides version
// admissibility. A nil supported set admits only the current version.
type Codec struct {
	current   string
	supported map[string]struct{}
	minimum   string
}

// CodecOption configures a Codec.
type CodecOption func(*Codec)

// WithMinimumVersion sets a floor below which versions are rejected even if
// listed as supported. Comparison is numeric per dot-separated component.
func WithMinimumVersion(version string) CodecOption {
	return func(c *Codec) {
		c.minimum = version
	}
}

// NewCodec creates a codec for the given current version and supported set.
// The current version is always admissible.
func NewCodec(current string, supported []string, options ...CodecOption) *Codec {
	c := &Codec{
		current:   current,
		supported: make(map[string]struct{}, len(supported)+1),
	}
	c.supported[current] = struct{}{}
	for _, v := range supported {
		c.supported[v] = struct{}{}
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// CurrentVersion returns the version stamped on outbound messages that do
// not carry one.
func (c *Codec) CurrentVersion() string {
	return c.current
}

// Admissible reports whether the codec accepts the given protocol version.
func (c *Codec) Admissible(version string) bool {
	if _, ok := c.supported[version]; !ok {
		return false
	}
	if c.minimum != "" && CompareVersions(version, c.minimum) < 0 {
		return false
	}
	return true
}

// wireMessage defers payload and event decoding so type errors can be
// reported distinctly from malformed JSON.
type wireMessage struct {
	Version       *string         `json:"v"`
	Event         json.RawMessage `json:"e"`
	Payload       json.RawMessage `json:"p"`
	CorrelationID *string         `json:"c"`
	Timestamp     *int64          `json:"t"`
}

// Parse validates a UTF-8 text frame and produces a Message. Unknown fields
// are tolerated and dropped. A missing version defaults to the current one;
// a missing payload defaults to an empty object.
func (c *Codec) Parse(data []byte) (*Message, error) {
	trimmed := strings.TrimLeftFunc(string(data), func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r'
	})
	if !strings.HasPrefix(trimmed, "{") {
		return nil, NewError(CodeInvalidProtocol, "message root must be a JSON object")
	}

	var wire wireMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, NewError(CodeInvalidProtocol, fmt.Sprintf("invalid JSON: %v", err))
	}

	if len(wire.Event) == 0 || string(wire.Event) == "null" {
		return nil, NewError(CodeInvalidProtocol, "missing event name")
	}
	var event string
	if err := json.Unmarshal(wire.Event, &event); err != nil {
		return nil, NewError(CodeInvalidProtocol, "event name must be a string")
	}
	if event == "" {
		return nil, NewError(CodeInvalidProtocol, "event name must not be empty")
	}

	payload := map[string]any{}
	if len(wire.Payload) > 0 && string(wire.Payload) != "null" {
		if err := json.Unmarshal(wire.Payload, &payload); err != nil {
			return nil, NewError(CodeInvalidProtocol, "payload must be an object")
		}
	}

	version := c.current
	if wire.Version != nil {
		version = *wire.Version
		if !c.Admissible(version) {
			return nil, NewError(CodeUnsupportedVersion, fmt.Sprintf("unsupported protocol version: %s", version))
		}
	}

	msg := &Message{
		Version: version,
		Event:   event,
		Payload: payload,
	}
	if wire.CorrelationID != nil {
		msg.CorrelationID = *wire.CorrelationID
	}
	if wire.Timestamp != nil {
		msg.Timestamp = *wire.Timestamp
	}
	return msg, nil
}

// Serialize emits the compact wire form. The version defaults to the current
// one and the timestamp is always emitted, stamped now when unset.
func (c *Codec) Serialize(msg *Message) ([]byte, error) {
	out := *msg
	if out.Version == "" {
		out.Version = c.current
	}
	if out.Timestamp == 0 {
		out.Timestamp = time.Now().UnixMilli()
	}
	if out.Payload == nil {
		out.Payload = map[string]any{}
	}
	data, err := json.Marshal(&out)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize message: %w", err)
	}
	return data, nil
}

// CompareVersions compares dot-separated integer version strings. Missing
// components are treated as zero; non-numeric components as zero too.
// Returns -1, 0 or 1.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		av, bv := 0, 0
		if i < len(as) {
			av, _ = strconv.Atoi(as[i])
		}
		if i < len(bs) {
			bv, _ = strconv.Atoi(bs[i])
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}
