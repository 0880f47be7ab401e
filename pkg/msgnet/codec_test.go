package msgnet

import (
	"testing"

	"github.com/sammck-go/msgport/pkg/msgport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCodec(t *testing.T) {
	for name, want := range map[string]string{"": "json", "json": "json", "proto": "proto", "protobuf": "proto"} {
		c, err := NewCodec(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, c.Name())
	}
	_, err := NewCodec("xml")
	assert.ErrorIs(t, err, msgport.ErrMisuse)
}

func TestCodecsCarryEnvelopes(t *testing.T) {
	envs := []*Envelope{
		{Channel: MessageChannelName, Message: map[string]any{"a": 1.0, "b": []any{"x", true, nil}}},
		{Channel: "sub", Message: msgport.IndexedMarker(0), Ports: []string{"p0", "p1"}},
		{Channel: "gone", Close: true},
		{Channel: MessageChannelName, Message: "text"},
	}
	for _, codec := range []Codec{JSONCodec{}, ProtoCodec{}} {
		for _, env := range envs {
			b, err := codec.Marshal(env)
			require.NoError(t, err)
			got, err := codec.Unmarshal(b)
			require.NoError(t, err, codec.Name())
			assert.Equal(t, env.Channel, got.Channel, codec.Name())
			assert.Equal(t, env.Message, got.Message, codec.Name())
			assert.Equal(t, env.Ports, got.Ports, codec.Name())
			assert.Equal(t, env.Close, got.Close, codec.Name())
		}
	}
	assert.False(t, JSONCodec{}.Binary())
	assert.True(t, ProtoCodec{}.Binary())
}

func TestJSONCodecUsesChannelField(t *testing.T) {
	b, err := JSONCodec{}.Marshal(&Envelope{Channel: "c1", Message: 2})
	require.NoError(t, err)
	assert.JSONEq(t, `{"__channel__":"c1","message":2}`, string(b))
}

func TestCodecsRejectUnencodableMessages(t *testing.T) {
	for _, codec := range []Codec{JSONCodec{}, ProtoCodec{}} {
		_, err := codec.Marshal(&Envelope{Channel: "c", Message: func() {}})
		assert.ErrorIs(t, err, msgport.ErrMisuse, codec.Name())
	}
}

func TestCodecsRejectGarbage(t *testing.T) {
	_, err := JSONCodec{}.Unmarshal([]byte("{not json"))
	assert.Error(t, err)
	_, err = ProtoCodec{}.Unmarshal([]byte{0xff, 0xff, 0xff})
	assert.Error(t, err)
}
