package translate

import (
	"math"
	"strings"

	"github.com/hearthcloud/bridge/internal/devices"
)

// ============================================================================
// DEVICE STATE -> TRAIT STATE
// ============================================================================

// ProjectState projects a device's state bag onto the trait state of one
// logical device. The result always carries online and status; per-trait keys
// appear only when the source bag holds a readable value for them.
func ProjectState(dev devices.Device, endpoint int, st devices.State) map[string]any {
	ld := logical(dev, endpoint)
	bag := mergedBag(dev, endpoint, st)

	out := map[string]any{
		"online": st.Available(),
		"status": StatusSuccess,
	}

	if ld.tags[CapLight] || ld.tags[CapSwitch] {
		if on, ok := readOnOff(bag); ok {
			out["on"] = on
		}
	}
	if ld.tags[CapBrightness] {
		if level, ok := readNumber(bag, "brightness", "level"); ok {
			out["brightness"] = int(math.Round(level / 255 * 100))
		}
	}
	if ld.tags[CapColor] || ld.tags[CapColorTemp] {
		if color := readColor(bag, ld.tags[CapColor], ld.tags[CapColorTemp]); color != nil {
			out["color"] = color
		}
	}
	if ld.tags[CapCover] || ld.tags[CapContact] {
		if pct, ok := readOpenPercent(bag, ld.tags[CapContact]); ok {
			out["openPercent"] = pct
		}
	}
	if ld.tags[CapLock] {
		if locked, ok := readLocked(bag); ok {
			out["isLocked"] = locked
			out["isJammed"] = false
		}
	}
	if ld.tags[CapThermostat] || ld.tags[CapTemperature] {
		if ambient, ok := readNumber(bag, "localTemperature", "temperature"); ok {
			out["thermostatTemperatureAmbient"] = ambient
		}
		if ld.tags[CapThermostat] {
			if setpoint, ok := readNumber(bag, "targetTemperature"); ok {
				out["thermostatTemperatureSetpoint"] = setpoint
			}
			if mode, ok := bag["systemMode"].(string); ok {
				out["thermostatMode"] = mode
			}
		}
	}
	if ld.tags[CapHumidity] {
		if humidity, ok := readNumber(bag, "humidity"); ok {
			out["humidityAmbientPercent"] = int(math.Round(humidity))
		}
	}
	if ld.tags[CapOccupancy] {
		if occupied, ok := readBoolish(bag, "occupancy"); ok {
			out["occupancy"] = occupancyLabel(occupied)
		}
	}

	return out
}

// mergedBag overlays the endpoint-scoped bag over the device-wide one.
// Availability always comes from the device-wide bag.
func mergedBag(dev devices.Device, endpoint int, st devices.State) map[string]any {
	bag := make(map[string]any, len(st))
	for k, v := range st {
		if k == "endpoints" {
			continue
		}
		bag[k] = v
	}
	if dev.MultiEndpoint() || endpoint > 0 {
		if scoped, ok := st.Endpoint(endpoint); ok {
			for k, v := range scoped {
				bag[k] = v
			}
		}
	}
	return bag
}

// readOnOff reads the power state from either the gateway's command verb key
// ("status": "on"/"off") or the zigbee-style report key ("state": "ON"/"OFF").
func readOnOff(bag map[string]any) (on, ok bool) {
	for _, key := range []string{"status", "state"} {
		switch v := bag[key].(type) {
		case bool:
			return v, true
		case string:
			switch strings.ToLower(v) {
			case "on", "true":
				return true, true
			case "off", "false":
				return false, true
			}
		}
	}
	return false, false
}

func readNumber(bag map[string]any, keys ...string) (float64, bool) {
	for _, key := range keys {
		if v, ok := bag[key].(float64); ok {
			return v, true
		}
	}
	return 0, false
}

func readBoolish(bag map[string]any, key string) (bool, bool) {
	switch v := bag[key].(type) {
	case bool:
		return v, true
	case string:
		switch strings.ToLower(v) {
		case "true", "on", "detected":
			return true, true
		case "false", "off", "clear":
			return false, true
		}
	}
	return false, false
}

// readColor projects the color bag: an RGB triple packs into spectrumRgb, a
// mired color temperature converts to Kelvin.
func readColor(bag map[string]any, hasRGB, hasTemp bool) map[string]any {
	if hasRGB {
		if rgb, ok := readRGB(bag["color"]); ok {
			return map[string]any{"spectrumRgb": rgb}
		}
	}
	if hasTemp {
		if mired, ok := readNumber(bag, "colorTemperature"); ok && mired > 0 {
			return map[string]any{"temperatureK": int(math.Round(1e6 / mired))}
		}
	}
	return nil
}

// readRGB accepts both the object form {r,g,b} and the array form [r,g,b].
func readRGB(v any) (int, bool) {
	clamp := func(f float64) int {
		n := int(math.Round(f))
		if n < 0 {
			return 0
		}
		if n > 255 {
			return 255
		}
		return n
	}

	switch c := v.(type) {
	case map[string]any:
		r, rok := c["r"].(float64)
		g, gok := c["g"].(float64)
		b, bok := c["b"].(float64)
		if !rok || !gok || !bok {
			return 0, false
		}
		return clamp(r)<<16 | clamp(g)<<8 | clamp(b), true
	case []any:
		if len(c) != 3 {
			return 0, false
		}
		vals := make([]int, 3)
		for i, raw := range c {
			f, ok := raw.(float64)
			if !ok {
				return 0, false
			}
			vals[i] = clamp(f)
		}
		return vals[0]<<16 | vals[1]<<8 | vals[2], true
	}
	return 0, false
}

// readOpenPercent reads numeric position first, then the open/closed label,
// then (for contact sensors) the contact flag, where contact made means the
// opening is closed.
func readOpenPercent(bag map[string]any, contact bool) (int, bool) {
	if pos, ok := readNumber(bag, "position"); ok {
		pct := int(math.Round(pos))
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}
		return pct, true
	}
	if label, ok := bag["cover"].(string); ok {
		switch strings.ToLower(label) {
		case "open":
			return 100, true
		case "closed", "close":
			return 0, true
		}
	}
	if contact {
		if made, ok := readBoolish(bag, "contact"); ok {
			if made {
				return 0, true
			}
			return 100, true
		}
	}
	return 0, false
}

func readLocked(bag map[string]any) (bool, bool) {
	if v, ok := bag["locked"].(bool); ok {
		return v, true
	}
	if v, ok := bag["lock"].(string); ok {
		switch strings.ToLower(v) {
		case "lock", "locked":
			return true, true
		case "unlock", "unlocked":
			return false, true
		}
	}
	return false, false
}

func occupancyLabel(occupied bool) string {
	if occupied {
		return "OCCUPIED"
	}
	return "UNOCCUPIED"
}
