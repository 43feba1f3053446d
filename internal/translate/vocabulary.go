// Package translate maps between the gateway's capability vocabulary and the
// assistant's device-type/trait vocabulary. Everything in this package is a
// pure function over catalog snapshots; no I/O, no shared state.
package translate

import "errors"

// ErrUnsupportedCommand means no trait of the target device can carry the
// requested assistant command.
var ErrUnsupportedCommand = errors.New("translate: command not supported by device")

// Fulfillment intents.
const (
	IntentSync       = "action.devices.SYNC"
	IntentQuery      = "action.devices.QUERY"
	IntentExecute    = "action.devices.EXECUTE"
	IntentDisconnect = "action.devices.DISCONNECT"
)

// Assistant device types.
const (
	TypeLight      = "action.devices.types.LIGHT"
	TypeSwitch     = "action.devices.types.SWITCH"
	TypeOutlet     = "action.devices.types.OUTLET"
	TypeLock       = "action.devices.types.LOCK"
	TypeBlinds     = "action.devices.types.BLINDS"
	TypeThermostat = "action.devices.types.THERMOSTAT"
	TypeSensor     = "action.devices.types.SENSOR"
)

// Assistant traits.
const (
	TraitOnOff              = "action.devices.traits.OnOff"
	TraitBrightness         = "action.devices.traits.Brightness"
	TraitColorSetting       = "action.devices.traits.ColorSetting"
	TraitOpenClose          = "action.devices.traits.OpenClose"
	TraitLockUnlock         = "action.devices.traits.LockUnlock"
	TraitTemperatureSetting = "action.devices.traits.TemperatureSetting"
	TraitHumiditySetting    = "action.devices.traits.HumiditySetting"
	TraitOccupancySensing   = "action.devices.traits.OccupancySensing"
)

// Assistant commands.
const (
	CommandOnOff              = "action.devices.commands.OnOff"
	CommandBrightnessAbsolute = "action.devices.commands.BrightnessAbsolute"
	CommandColorAbsolute      = "action.devices.commands.ColorAbsolute"
	CommandOpenClose          = "action.devices.commands.OpenClose"
	CommandLockUnlock         = "action.devices.commands.LockUnlock"
	CommandThermostatSetpoint = "action.devices.commands.ThermostatTemperatureSetpoint"
	CommandThermostatSetMode  = "action.devices.commands.ThermostatSetMode"
)

// Gateway capability tags as they appear in expose items.
const (
	CapLight       = "light"
	CapSwitch      = "switch"
	CapBrightness  = "brightness"
	CapColor       = "color"
	CapColorTemp   = "colorTemperature"
	CapCover       = "cover"
	CapLock        = "lock"
	CapThermostat  = "thermostat"
	CapOccupancy   = "occupancy"
	CapContact     = "contact"
	CapTemperature = "temperature"
	CapHumidity    = "humidity"
)

// Query/execute status values.
const (
	StatusSuccess = "SUCCESS"
	StatusOffline = "OFFLINE"
	StatusError   = "ERROR"

	ErrorCodeDeviceOffline = "deviceOffline"
	ErrorCodeNotSupported  = "notSupported"
)
