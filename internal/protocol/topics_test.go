package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTopic(t *testing.T) {
	tests := []struct {
		name   string
		topic  string
		want   Topic
		wantOK bool
	}{
		{
			name:   "status",
			topic:  "status/zigbee",
			want:   Topic{Kind: TopicStatus, Protocol: "zigbee"},
			wantOK: true,
		},
		{
			name:   "expose",
			topic:  "expose/zigbee/84:fd:27:00:00:00:00:01",
			want:   Topic{Kind: TopicExpose, Protocol: "zigbee", Alias: "84:fd:27:00:00:00:00:01"},
			wantOK: true,
		},
		{
			name:   "device liveness",
			topic:  "device/zigbee/Lamp",
			want:   Topic{Kind: TopicDevice, Protocol: "zigbee", Alias: "Lamp"},
			wantOK: true,
		},
		{
			name:   "fd without endpoint",
			topic:  "fd/zigbee/84:fd:27:00:00:00:00:01",
			want:   Topic{Kind: TopicFD, Protocol: "zigbee", Alias: "84:fd:27:00:00:00:00:01"},
			wantOK: true,
		},
		{
			name:   "fd with endpoint",
			topic:  "fd/zigbee/84:fd:27:00:00:00:00:01/2",
			want:   Topic{Kind: TopicFD, Protocol: "zigbee", Alias: "84:fd:27:00:00:00:00:01", Endpoint: 2, HasEP: true},
			wantOK: true,
		},
		{name: "unknown kind", topic: "td/zigbee/abc", wantOK: false},
		{name: "status with device segment", topic: "status/zigbee/abc", wantOK: false},
		{name: "fd with non-numeric endpoint", topic: "fd/zigbee/abc/two", wantOK: false},
		{name: "empty protocol", topic: "status/", wantOK: false},
		{name: "bare word", topic: "status", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ParseTopic(tt.topic)
			require.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestTopicBuilders(t *testing.T) {
	assert.Equal(t, "expose/zigbee/Lamp", ExposeTopic("zigbee/Lamp"))
	assert.Equal(t, "device/zigbee/Lamp", AvailabilityTopic("zigbee/Lamp"))
	assert.Equal(t, "fd/zigbee/Lamp", StateTopic("zigbee/Lamp"))
	assert.Equal(t, "command/zigbee", CommandTopic("zigbee"))

	parsed, ok := ParseTopic(ExposeTopic("zigbee/Lamp"))
	require.True(t, ok)
	assert.Equal(t, "zigbee/Lamp", parsed.DeviceTopic())
}

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := Publish("command/zigbee", map[string]any{"action": "off"})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, ActionPublish, decoded.Action)
	assert.Equal(t, "command/zigbee", decoded.Topic)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(decoded.Message, &msg))
	assert.Equal(t, "off", msg["action"])
}

func TestSubscribeOmitsMessage(t *testing.T) {
	raw, err := json.Marshal(Subscribe(StatusWildcard))
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"subscribe","topic":"status/#"}`, string(raw))
}

func TestCommandMessageShape(t *testing.T) {
	// The status verb becomes the action field; everything else passes through.
	msg := CommandMessage("84:fd:27:00:00:00:00:01", 0, map[string]any{"status": "off"})
	assert.Equal(t, map[string]any{
		"action":  "off",
		"device":  "84:fd:27:00:00:00:00:01",
		"service": "cloud",
	}, msg)

	msg = CommandMessage("Lamp", 2, map[string]any{"level": 128})
	assert.Equal(t, map[string]any{
		"level":    128,
		"device":   "Lamp",
		"service":  "cloud",
		"endpoint": 2,
	}, msg)
}

func TestInventoryDeviceTopicAlias(t *testing.T) {
	dev := InventoryDevice{IEEEAddress: "84:fd:27:00:00:00:00:01", Name: "Lamp"}
	assert.Equal(t, "84:fd:27:00:00:00:00:01", dev.TopicAlias(false))
	assert.Equal(t, "Lamp", dev.TopicAlias(true))

	unnamed := InventoryDevice{IEEEAddress: "84:fd:27:00:00:00:00:02"}
	assert.Equal(t, "84:fd:27:00:00:00:00:02", unnamed.TopicAlias(true))
}

func TestFlexStringAcceptsStringAndNumber(t *testing.T) {
	var dev InventoryDevice
	require.NoError(t, json.Unmarshal([]byte(`{"version":"1.2.3"}`), &dev))
	assert.Equal(t, "1.2.3", dev.Version.String())

	require.NoError(t, json.Unmarshal([]byte(`{"version":42}`), &dev))
	assert.Equal(t, "42", dev.Version.String())

	require.NoError(t, json.Unmarshal([]byte(`{"version":null}`), &dev))
	assert.Equal(t, "", dev.Version.String())
}

func TestEndpointID(t *testing.T) {
	assert.Equal(t, 2, EndpointID("2"))
	assert.Equal(t, 0, EndpointID("common"))
	assert.Equal(t, 0, EndpointID("-3"))
}
