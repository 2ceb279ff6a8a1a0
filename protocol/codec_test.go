package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFillsDefaults(t *testing.T) {
	codec := NewCodec("1.0", []string{"1.0"})

	msg, err := codec.Parse([]byte(`{"e":"chat.send"}`))
	require.NoError(t, err)
	assert.Equal(t, "chat.send", msg.Event)
	assert.Equal(t, "1.0", msg.Version, "missing version defaults to current")
	assert.NotNil(t, msg.Payload)
	assert.Empty(t, msg.Payload)
}

func TestParseFullMessage(t *testing.T) {
	codec := NewCodec("1.0", []string{"1.0", "1.1"})

	msg, err := codec.Parse([]byte(`{"v":"1.1","e":"chat.send","p":{"body":"hi"},"c":"abc","t":1700000000000}`))
	require.NoError(t, err)
	assert.Equal(t, "1.1", msg.Version)
	assert.Equal(t, "chat.send", msg.Event)
	assert.Equal(t, "hi", msg.Payload["body"])
	assert.Equal(t, "abc", msg.CorrelationID)
	assert.Equal(t, int64(1700000000000), msg.Timestamp)
}

func TestParseRejectsMalformedFrames(t *testing.T) {
	codec := NewCodec("1.0", []string{"1.0"})

	cases := []struct {
		name string
		data string
		code int
	}{
		{"not json", "not json at all", CodeInvalidProtocol},
		{"array root", `[1,2,3]`, CodeInvalidProtocol},
		{"string root", `"hello"`, CodeInvalidProtocol},
		{"missing event", `{"p":{}}`, CodeInvalidProtocol},
		{"empty event", `{"e":""}`, CodeInvalidProtocol},
		{"numeric event", `{"e":42}`, CodeInvalidProtocol},
		{"payload not object", `{"e":"x","p":[1]}`, CodeInvalidProtocol},
		{"unsupported version", `{"v":"9.9","e":"x"}`, CodeUnsupportedVersion},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := codec.Parse([]byte(tc.data))
			require.Error(t, err)
			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tc.code, perr.Code)
		})
	}
}

func TestParseToleratesUnknownFields(t *testing.T) {
	codec := NewCodec("1.0", []string{"1.0"})

	msg, err := codec.Parse([]byte(`{"e":"x","extra":"ignored","p":{"k":1}}`))
	require.NoError(t, err)
	assert.Equal(t, "x", msg.Event)
	assert.NotContains(t, msg.Payload, "extra")
}

func TestMinimumVersionFloor(t *testing.T) {
	codec := NewCodec("2.0", []string{"1.0", "1.5", "2.0"}, WithMinimumVersion("1.5"))

	assert.False(t, codec.Admissible("1.0"))
	assert.True(t, codec.Admissible("1.5"))
	assert.True(t, codec.Admissible("2.0"))
	assert.False(t, codec.Admissible("3.0"), "unlisted versions stay inadmissible")
}

func TestSerializeStampsDefaults(t *testing.T) {
	codec := NewCodec("1.0", []string{"1.0"})

	data, err := codec.Serialize(&Message{Event: "chat.send"})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, "1.0", out["v"])
	assert.Equal(t, "chat.send", out["e"])
	assert.NotZero(t, out["t"])
	assert.Equal(t, map[string]any{}, out["p"])
}

func TestSerializeParseRoundTrip(t *testing.T) {
	codec := NewCodec("1.0", []string{"1.0"})

	in := NewMessage("room.join", map[string]any{"roomId": "general"})
	in.CorrelationID = "corr-1"
	data, err := codec.Serialize(in)
	require.NoError(t, err)

	out, err := codec.Parse(data)
	require.NoError(t, err)
	assert.Equal(t, in.Event, out.Event)
	assert.Equal(t, in.CorrelationID, out.CorrelationID)
	assert.Equal(t, "general", out.Payload["roomId"])
}

func TestCompareVersions(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"1.0", "1.0", 0},
		{"1.0", "1.1", -1},
		{"2.0", "1.9", 1},
		{"1.0.1", "1.0", 1},
		{"1", "1.0", 0},
		{"1.10", "1.9", 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, CompareVersions(tc.a, tc.b), "%s vs %s", tc.a, tc.b)
	}
}
