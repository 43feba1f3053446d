package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// ============================================================================
// MESSAGE SHAPES (JSON payloads inside encrypted records)
// ============================================================================

// Envelope actions.
const (
	ActionSubscribe = "subscribe"
	ActionPublish   = "publish"
)

// Envelope is the outer object of every record exchanged after authentication.
// Subscribe envelopes carry no message body.
type Envelope struct {
	Action  string          `json:"action"`
	Topic   string          `json:"topic"`
	Message json.RawMessage `json:"message,omitempty"`
}

// Subscribe builds a subscription envelope for the given topic.
func Subscribe(topic string) Envelope {
	return Envelope{Action: ActionSubscribe, Topic: topic}
}

// Publish builds a publish envelope, marshaling message to JSON.
func Publish(topic string, message any) (Envelope, error) {
	raw, err := json.Marshal(message)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal publish message: %w", err)
	}
	return Envelope{Action: ActionPublish, Topic: topic, Message: raw}, nil
}

// AuthRequest is the first decrypted payload on every connection.
type AuthRequest struct {
	UniqueID string `json:"uniqueId"`
	Token    string `json:"token"`
}

// InventoryMessage is the body of status/<protocol> events. The Names flag
// selects whether per-device topics use the device name or its address.
type InventoryMessage struct {
	Devices []InventoryDevice `json:"devices"`
	Names   bool              `json:"names"`
}

// InventoryDevice is one entry of a service inventory.
type InventoryDevice struct {
	IEEEAddress      string     `json:"ieeeAddress"`
	Name             string     `json:"name"`
	Description      string     `json:"description"`
	ManufacturerName string     `json:"manufacturerName"`
	ModelName        string     `json:"modelName"`
	Firmware         string     `json:"firmware"`
	Version          FlexString `json:"version"`
	Cloud            bool       `json:"cloud"`
	Removed          bool       `json:"removed"`
	Available        *bool      `json:"available,omitempty"`
}

// TopicAlias returns the per-device topic segment this inventory selects:
// the device name when names mode is on, the address otherwise.
func (d InventoryDevice) TopicAlias(names bool) string {
	if names && d.Name != "" {
		return d.Name
	}
	return d.IEEEAddress
}

// ExposeEndpoint is one endpoint's capability description inside an
// expose/<deviceTopic> message.
type ExposeEndpoint struct {
	Items   []string       `json:"items"`
	Options map[string]any `json:"options"`
}

// ExposeMessage maps endpoint ids (as JSON keys) to capability descriptions.
// Non-numeric keys address the device-wide endpoint 0.
type ExposeMessage map[string]ExposeEndpoint

// EndpointID converts an expose map key to an endpoint id.
func EndpointID(key string) int {
	ep, err := strconv.Atoi(key)
	if err != nil || ep < 0 {
		return 0
	}
	return ep
}

// AvailabilityMessage is the body of device/<deviceTopic> liveness signals.
type AvailabilityMessage struct {
	Status string `json:"status"`
}

// Online reports whether the signal marks the device reachable.
func (m AvailabilityMessage) Online() bool { return m.Status == "online" }

// CommandService tags outbound commands as originating from the cloud bridge.
const CommandService = "cloud"

// CommandMessage assembles the body of an outbound command publish: the
// lowered payload with its "status" verb renamed to "action", the device
// topic alias, the originating service, and the endpoint when addressed.
func CommandMessage(alias string, endpoint int, payload map[string]any) map[string]any {
	msg := make(map[string]any, len(payload)+3)
	for k, v := range payload {
		if k == "status" {
			msg["action"] = v
			continue
		}
		msg[k] = v
	}
	msg["device"] = alias
	msg["service"] = CommandService
	if endpoint > 0 {
		msg["endpoint"] = endpoint
	}
	return msg
}

// FlexString unmarshals from either a JSON string or a JSON number; gateway
// firmware reports versions both ways.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("version is neither string nor number: %w", err)
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(f))
}

func (f FlexString) String() string { return string(f) }
