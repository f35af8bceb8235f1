package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_CommandEnvelope(t *testing.T) {
	frame := []byte(`{
		"action": "start",
		"timestamp": 1700000000000,
		"targetStartTime": 1700000000500,
		"videoPosition": 0,
		"movieId": "m1",
		"senderId": "master-1"
	}`)

	msg, err := Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, msg.Command)
	assert.Nil(t, msg.Status)

	assert.Equal(t, ActionStart, msg.Command.Action)
	assert.Equal(t, int64(1700000000500), msg.Command.TargetStartTime)
	assert.Equal(t, "m1", msg.Command.MovieID)
	assert.Equal(t, "master-1", msg.Command.SenderID)
}

func TestDecode_StatusReport(t *testing.T) {
	frame := []byte(`{
		"clientId": "client-7",
		"videoPosition": 5000,
		"isPlaying": true,
		"drift": -120,
		"bufferPercentage": 87,
		"isReady": true,
		"timestamp": 1700000000000
	}`)

	msg, err := Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, msg.Status)
	assert.Nil(t, msg.Command)

	assert.Equal(t, "client-7", msg.Status.ClientID)
	assert.Equal(t, int64(-120), msg.Status.Drift)
	assert.True(t, msg.Status.IsPlaying)
	assert.True(t, msg.Status.IsReady)
}

func TestDecode_UnknownFieldsIgnored(t *testing.T) {
	frame := []byte(`{"action":"pause","senderId":"m","timestamp":1,"futureField":{"a":1}}`)

	msg, err := Decode(frame)
	require.NoError(t, err)
	require.NotNil(t, msg.Command)
	assert.Equal(t, ActionPause, msg.Command.Action)
}

func TestDecode_MalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"action": "play",`))
	assert.Error(t, err)
}

func TestDecode_MissingRequiredFields(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"envelope without senderId", `{"action":"play","timestamp":1}`},
		{"unknown action", `{"action":"rewind","senderId":"m","timestamp":1}`},
		{"start without target", `{"action":"start","senderId":"m","timestamp":1}`},
		{"neither envelope nor report", `{"hello":"world"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			assert.Error(t, err)
		})
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	env := &CommandEnvelope{
		Action:        ActionSeek,
		Timestamp:     NowMillis(),
		SeekPosition:  90000,
		SenderID:      "master-1",
		Metadata:      map[string]string{"reason": "user"},
	}

	data, err := Encode(env)
	require.NoError(t, err)

	msg, err := Decode(data)
	require.NoError(t, err)
	require.NotNil(t, msg.Command)
	assert.Equal(t, int64(90000), msg.Command.SeekPosition)
	assert.Equal(t, "user", msg.Command.Metadata["reason"])
}
