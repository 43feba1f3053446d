package translate

import (
	"fmt"
	"math"

	"github.com/hearthcloud/bridge/internal/devices"
)

// ============================================================================
// ASSISTANT COMMAND -> GATEWAY COMMAND
// ============================================================================

// LowerCommand translates an assistant execute command into the gateway
// payload for one logical device. The payload's "status" key, when present,
// becomes the command verb on the wire (the connection writer renames it to
// "action"). Commands for which the device carries no matching trait return
// ErrUnsupportedCommand.
func LowerCommand(dev devices.Device, endpoint int, command string, params map[string]any) (map[string]any, error) {
	ld := logical(dev, endpoint)

	switch command {
	case CommandOnOff:
		if !ld.tags[CapLight] && !ld.tags[CapSwitch] {
			return nil, unsupported(command, dev.ID)
		}
		on, ok := params["on"].(bool)
		if !ok {
			return nil, fmt.Errorf("%w: OnOff without boolean 'on'", ErrUnsupportedCommand)
		}
		if on {
			return map[string]any{"status": "on"}, nil
		}
		return map[string]any{"status": "off"}, nil

	case CommandBrightnessAbsolute:
		if !ld.tags[CapBrightness] {
			return nil, unsupported(command, dev.ID)
		}
		pct, ok := number(params["brightness"])
		if !ok {
			return nil, fmt.Errorf("%w: BrightnessAbsolute without 'brightness'", ErrUnsupportedCommand)
		}
		return map[string]any{"level": int(math.Round(pct * 2.55))}, nil

	case CommandColorAbsolute:
		color, ok := params["color"].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: ColorAbsolute without 'color'", ErrUnsupportedCommand)
		}
		if rgb, ok := spectrumParam(color); ok {
			if !ld.tags[CapColor] {
				return nil, unsupported(command, dev.ID)
			}
			return map[string]any{"color": map[string]any{
				"r": (rgb >> 16) & 0xff,
				"g": (rgb >> 8) & 0xff,
				"b": rgb & 0xff,
			}}, nil
		}
		if kelvin, ok := number(color["temperature"]); ok && kelvin > 0 {
			if !ld.tags[CapColorTemp] {
				return nil, unsupported(command, dev.ID)
			}
			return map[string]any{"colorTemperature": int(math.Round(1e6 / kelvin))}, nil
		}
		return nil, fmt.Errorf("%w: ColorAbsolute carries neither spectrum nor temperature", ErrUnsupportedCommand)

	case CommandOpenClose:
		if !ld.tags[CapCover] {
			return nil, unsupported(command, dev.ID)
		}
		pct, ok := number(params["openPercent"])
		if !ok {
			return nil, fmt.Errorf("%w: OpenClose without 'openPercent'", ErrUnsupportedCommand)
		}
		return map[string]any{"position": int(math.Round(pct))}, nil

	case CommandLockUnlock:
		if !ld.tags[CapLock] {
			return nil, unsupported(command, dev.ID)
		}
		lock, ok := params["lock"].(bool)
		if !ok {
			return nil, fmt.Errorf("%w: LockUnlock without boolean 'lock'", ErrUnsupportedCommand)
		}
		if lock {
			return map[string]any{"status": "lock"}, nil
		}
		return map[string]any{"status": "unlock"}, nil

	case CommandThermostatSetpoint:
		if !ld.tags[CapThermostat] {
			return nil, unsupported(command, dev.ID)
		}
		celsius, ok := number(params["thermostatTemperatureSetpoint"])
		if !ok {
			return nil, fmt.Errorf("%w: setpoint command without temperature", ErrUnsupportedCommand)
		}
		return map[string]any{"targetTemperature": celsius}, nil

	case CommandThermostatSetMode:
		if !ld.tags[CapThermostat] {
			return nil, unsupported(command, dev.ID)
		}
		mode, ok := params["thermostatMode"].(string)
		if !ok {
			return nil, fmt.Errorf("%w: SetMode without 'thermostatMode'", ErrUnsupportedCommand)
		}
		return map[string]any{"systemMode": mode}, nil
	}

	return nil, unsupported(command, dev.ID)
}

func unsupported(command, deviceID string) error {
	return fmt.Errorf("%w: %s on %s", ErrUnsupportedCommand, command, deviceID)
}

// spectrumParam accepts both capitalizations the assistant has used for the
// packed RGB parameter.
func spectrumParam(color map[string]any) (int, bool) {
	for _, key := range []string{"spectrumRGB", "spectrumRgb"} {
		if v, ok := number(color[key]); ok {
			return int(v), true
		}
	}
	return 0, false
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	}
	return 0, false
}
