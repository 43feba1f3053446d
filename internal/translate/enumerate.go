package translate

import (
	"math"
	"strconv"

	"github.com/hearthcloud/bridge/internal/devices"
)

// ============================================================================
// DEVICE -> ENUMERATE RECORD
// ============================================================================

// typeTable is the ordered capability-to-type table; the first tag present in
// a logical device's capability set wins.
var typeTable = []struct {
	tag        string
	deviceType string
}{
	{CapLock, TypeLock},
	{CapCover, TypeBlinds},
	{CapThermostat, TypeThermostat},
	{CapLight, TypeLight},
	{CapSwitch, TypeSwitch},
	{CapOccupancy, TypeSensor},
	{CapContact, TypeSensor},
	{CapTemperature, TypeSensor},
	{CapHumidity, TypeSensor},
}

// Record is one device entry of a SYNC response payload.
type Record struct {
	ID              string         `json:"id"`
	Type            string         `json:"type"`
	Traits          []string       `json:"traits"`
	Name            Name           `json:"name"`
	WillReportState bool           `json:"willReportState"`
	Attributes      map[string]any `json:"attributes,omitempty"`
	DeviceInfo      *DeviceInfo    `json:"deviceInfo,omitempty"`
}

// Name carries the spoken name of a device.
type Name struct {
	Name string `json:"name"`
}

// DeviceInfo carries gateway-reported hardware metadata.
type DeviceInfo struct {
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	HwVersion    string `json:"hwVersion,omitempty"`
	SwVersion    string `json:"swVersion,omitempty"`
}

// logicalDevice is one assistant-visible device: the whole gateway device for
// single-endpoint devices, one endpoint otherwise. Tags and options merge the
// endpoint's own capabilities with the device-wide endpoint 0.
type logicalDevice struct {
	endpoint int
	tags     map[string]bool
	options  map[string]any
}

// logical splits a device into its assistant-visible units.
func logical(dev devices.Device, endpoint int) logicalDevice {
	ld := logicalDevice{
		endpoint: endpoint,
		tags:     make(map[string]bool),
		options:  make(map[string]any),
	}
	for _, ep := range dev.Endpoints {
		if ep.ID != endpoint && ep.ID != 0 {
			continue
		}
		for _, tag := range ep.Exposes {
			ld.tags[tag] = true
		}
		for k, v := range ep.Options {
			ld.options[k] = v
		}
	}
	return ld
}

func (ld logicalDevice) deviceType() (string, bool) {
	for _, row := range typeTable {
		if !ld.tags[row.tag] {
			continue
		}
		if row.deviceType == TypeSwitch && optBool(ld.options, "outlet") {
			return TypeOutlet, true
		}
		return row.deviceType, true
	}
	return "", false
}

// traits returns the union of traits required by the present tags, in a
// stable order.
func (ld logicalDevice) traits() []string {
	var out []string
	if ld.tags[CapLight] || ld.tags[CapSwitch] {
		out = append(out, TraitOnOff)
	}
	if ld.tags[CapBrightness] {
		out = append(out, TraitBrightness)
	}
	if ld.tags[CapColor] || ld.tags[CapColorTemp] {
		out = append(out, TraitColorSetting)
	}
	if ld.tags[CapCover] || ld.tags[CapContact] {
		out = append(out, TraitOpenClose)
	}
	if ld.tags[CapLock] {
		out = append(out, TraitLockUnlock)
	}
	if ld.tags[CapThermostat] || ld.tags[CapTemperature] {
		out = append(out, TraitTemperatureSetting)
	}
	if ld.tags[CapHumidity] {
		out = append(out, TraitHumiditySetting)
	}
	if ld.tags[CapOccupancy] {
		out = append(out, TraitOccupancySensing)
	}
	return out
}

// attributes populates trait attributes from endpoint options.
func (ld logicalDevice) attributes() map[string]any {
	attrs := make(map[string]any)

	if ld.tags[CapColor] || ld.tags[CapColorTemp] {
		if ld.tags[CapColor] {
			attrs["colorModel"] = "rgb"
		}
		if ld.tags[CapColorTemp] {
			attrs["colorTemperatureRange"] = colorTempRange(ld.options)
		}
	}

	if ld.tags[CapContact] && !ld.tags[CapCover] {
		attrs["queryOnlyOpenClose"] = true
		attrs["discreteOnlyOpenClose"] = true
	}

	if ld.tags[CapThermostat] {
		attrs["availableThermostatModes"] = thermostatModes(ld.options)
		attrs["thermostatTemperatureUnit"] = "C"
	} else if ld.tags[CapTemperature] {
		attrs["queryOnlyTemperatureSetting"] = true
		attrs["thermostatTemperatureUnit"] = "C"
	}

	if ld.tags[CapHumidity] && !ld.tags[CapThermostat] {
		attrs["queryOnlyHumiditySetting"] = true
	}

	if ld.tags[CapOccupancy] {
		attrs["occupancySensorConfiguration"] = []any{
			map[string]any{"occupancySensorType": "PIR"},
		}
	}

	if len(attrs) == 0 {
		return nil
	}
	return attrs
}

// colorTempRange converts the gateway's mired bounds to the Kelvin range the
// assistant expects. Mireds and Kelvin are reciprocal, so min and max swap.
func colorTempRange(options map[string]any) map[string]any {
	minK, maxK := 2000, 6500
	if maxMired, ok := optNumber(options, "colorTempMax"); ok && maxMired > 0 {
		minK = int(math.Round(1e6 / maxMired))
	}
	if minMired, ok := optNumber(options, "colorTempMin"); ok && minMired > 0 {
		maxK = int(math.Round(1e6 / minMired))
	}
	return map[string]any{
		"temperatureMinK": minK,
		"temperatureMaxK": maxK,
	}
}

// thermostatModes reads options.modes, falling back to the common mode set.
func thermostatModes(options map[string]any) []string {
	raw, ok := options["modes"].([]any)
	if !ok {
		if typed, ok := options["modes"].([]string); ok {
			return typed
		}
		return []string{"off", "heat", "cool", "auto"}
	}
	modes := make([]string, 0, len(raw))
	for _, m := range raw {
		if s, ok := m.(string); ok {
			modes = append(modes, s)
		}
	}
	if len(modes) == 0 {
		return []string{"off", "heat", "cool", "auto"}
	}
	return modes
}

// Enumerate translates one gateway device into its assistant-visible records:
// one for single-endpoint devices, one per endpoint otherwise. Devices whose
// capabilities match no type row are skipped entirely.
func Enumerate(clientID string, dev devices.Device) []Record {
	endpoints := dev.Endpoints
	if len(endpoints) == 0 {
		return nil
	}

	multi := dev.MultiEndpoint()
	var out []Record
	for _, ep := range endpoints {
		ld := logical(dev, ep.ID)
		devType, ok := ld.deviceType()
		if !ok {
			continue
		}

		name := dev.Name
		if multi {
			name = dev.Name + " " + strconv.Itoa(ep.ID)
		}

		rec := Record{
			ID:              AgentID(clientID, dev.ID, ep.ID, multi),
			Type:            devType,
			Traits:          ld.traits(),
			Name:            Name{Name: name},
			WillReportState: true,
			Attributes:      ld.attributes(),
		}
		if dev.Manufacturer != "" || dev.Model != "" || dev.Firmware != "" || dev.Version != "" {
			rec.DeviceInfo = &DeviceInfo{
				Manufacturer: dev.Manufacturer,
				Model:        dev.Model,
				HwVersion:    dev.Version,
				SwVersion:    dev.Firmware,
			}
		}
		out = append(out, rec)

		if !multi {
			break
		}
	}
	return out
}

func optBool(options map[string]any, key string) bool {
	v, ok := options[key].(bool)
	return ok && v
}

func optNumber(options map[string]any, key string) (float64, bool) {
	switch v := options[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
