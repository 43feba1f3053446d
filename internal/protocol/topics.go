package protocol

import (
	"strconv"
	"strings"
)

// ============================================================================
// TOPIC GRAMMAR
// ============================================================================
//
// Inbound event topics:
//
//	status/<protocol>                service inventory
//	expose/<protocol>/<alias>        per-endpoint capability map
//	device/<protocol>/<alias>        liveness signal
//	fd/<protocol>/<alias>[/<n>]      state key-values, optionally per endpoint
//
// Outbound topics:
//
//	status/#                         the blanket subscription sent after auth
//	command/<protocol>               command channel toward the gateway

// TopicKind identifies the first segment of an event topic.
type TopicKind int

const (
	TopicUnknown TopicKind = iota
	TopicStatus
	TopicExpose
	TopicDevice
	TopicFD
)

func (k TopicKind) String() string {
	switch k {
	case TopicStatus:
		return "status"
	case TopicExpose:
		return "expose"
	case TopicDevice:
		return "device"
	case TopicFD:
		return "fd"
	default:
		return "unknown"
	}
}

// Topic is a parsed inbound event topic.
type Topic struct {
	Kind     TopicKind
	Protocol string // e.g. "zigbee"
	Alias    string // per-device topic segment: name or address
	Endpoint int    // fd only; 0 when absent
	HasEP    bool   // fd only; true when an endpoint segment was present
}

// DeviceTopic reconstructs the "<protocol>/<alias>" segment.
func (t Topic) DeviceTopic() string {
	return t.Protocol + "/" + t.Alias
}

// ParseTopic parses an inbound topic string. ok is false for topics that do
// not match the grammar; such messages are dropped, never fatal.
func ParseTopic(s string) (Topic, bool) {
	parts := strings.Split(s, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return Topic{}, false
	}

	switch parts[0] {
	case "status":
		if len(parts) != 2 {
			return Topic{}, false
		}
		return Topic{Kind: TopicStatus, Protocol: parts[1]}, true

	case "expose", "device":
		if len(parts) != 3 || parts[2] == "" {
			return Topic{}, false
		}
		kind := TopicExpose
		if parts[0] == "device" {
			kind = TopicDevice
		}
		return Topic{Kind: kind, Protocol: parts[1], Alias: parts[2]}, true

	case "fd":
		switch len(parts) {
		case 3:
			if parts[2] == "" {
				return Topic{}, false
			}
			return Topic{Kind: TopicFD, Protocol: parts[1], Alias: parts[2]}, true
		case 4:
			ep, err := strconv.Atoi(parts[3])
			if err != nil || ep < 0 || parts[2] == "" {
				return Topic{}, false
			}
			return Topic{Kind: TopicFD, Protocol: parts[1], Alias: parts[2], Endpoint: ep, HasEP: true}, true
		default:
			return Topic{}, false
		}
	}

	return Topic{}, false
}

// StatusWildcard is the blanket subscription issued right after auth.
const StatusWildcard = "status/#"

// ExposeTopic builds the per-device capability subscription topic.
func ExposeTopic(deviceTopic string) string { return "expose/" + deviceTopic }

// AvailabilityTopic builds the per-device liveness subscription topic.
func AvailabilityTopic(deviceTopic string) string { return "device/" + deviceTopic }

// StateTopic builds the per-device state subscription topic.
func StateTopic(deviceTopic string) string { return "fd/" + deviceTopic }

// CommandTopic builds the outbound command channel for a protocol.
func CommandTopic(protocol string) string { return "command/" + protocol }
