// Package devices maintains the volatile per-user device catalog: which
// devices each gateway connection advertises, their capability endpoints,
// and their last known state. It detects real changes, emits typed events,
// and enforces liveness through a single watchdog sweep.
//
// Nothing here is persisted. The catalog is rebuilt from gateway traffic
// after every restart.
package devices

import (
	"errors"
	"strings"
)

var (
	// ErrUnknownDevice means the (user, client, device) triple is not in the
	// catalog. Transient for inbound traffic, reported for commands.
	ErrUnknownDevice = errors.New("devices: unknown device")

	// ErrNoRoute is returned by a Router when the owning gateway connection
	// is gone. The repository passes it through unchanged.
	ErrNoRoute = errors.New("devices: no live connection for client")
)

// Device is one gateway-advertised device. The ID is stable across
// reconnects: "<protocol>/<address>". Topic is the per-device topic segment
// the gateway uses on the wire ("<protocol>/<alias>", alias being the
// device name or its address depending on the inventory's names mode).
type Device struct {
	ID           string
	Name         string
	Description  string
	Manufacturer string
	Model        string
	Firmware     string
	Version      string
	Topic        string
	Endpoints    []Endpoint
}

// Endpoint is a sub-addressable unit within a device. ID 0 is device-wide.
type Endpoint struct {
	ID      int
	Exposes []string
	Options map[string]any
}

// Protocol returns the protocol half of the device id ("zigbee").
func (d Device) Protocol() string {
	p, _, _ := strings.Cut(d.ID, "/")
	return p
}

// Address returns the address half of the device id.
func (d Device) Address() string {
	_, a, _ := strings.Cut(d.ID, "/")
	return a
}

// Alias returns the per-device topic segment without the protocol prefix.
func (d Device) Alias() string {
	_, alias, ok := strings.Cut(d.Topic, "/")
	if !ok {
		return d.Address()
	}
	return alias
}

// Endpoint returns the endpoint with the given id.
func (d Device) Endpoint(id int) (Endpoint, bool) {
	for _, ep := range d.Endpoints {
		if ep.ID == id {
			return ep, true
		}
	}
	return Endpoint{}, false
}

// MultiEndpoint reports whether the device fans out into more than one
// logical assistant device.
func (d Device) MultiEndpoint() bool {
	return len(d.Endpoints) > 1
}

// clone returns a deep copy safe to hand to listeners and snapshots.
func (d Device) clone() Device {
	out := d
	if d.Endpoints != nil {
		out.Endpoints = make([]Endpoint, len(d.Endpoints))
		for i, ep := range d.Endpoints {
			out.Endpoints[i] = Endpoint{
				ID:      ep.ID,
				Exposes: append([]string(nil), ep.Exposes...),
				Options: cloneValue(ep.Options).(map[string]any),
			}
		}
	}
	return out
}

// endpointsEqual compares endpoint sets structurally, options included.
func endpointsEqual(a, b []Endpoint) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
		if len(a[i].Exposes) != len(b[i].Exposes) {
			return false
		}
		for j := range a[i].Exposes {
			if a[i].Exposes[j] != b[i].Exposes[j] {
				return false
			}
		}
		if !deepEqual(normalizeValue(a[i].Options), normalizeValue(b[i].Options)) {
			return false
		}
	}
	return true
}
