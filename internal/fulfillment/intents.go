// Package fulfillment serves the assistant's smart-home intents over HTTPS:
// SYNC enumerates a user's devices, QUERY projects their state, EXECUTE
// lowers commands onto gateway connections, DISCONNECT unlinks the account.
package fulfillment

import (
	"encoding/json"

	"github.com/hearthcloud/bridge/internal/translate"
)

// Request is the assistant's fulfillment envelope.
type Request struct {
	RequestID string  `json:"requestId"`
	Inputs    []Input `json:"inputs"`
}

// Input is one intent within a request. SYNC and DISCONNECT carry no payload.
type Input struct {
	Intent  string          `json:"intent"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the fulfillment reply envelope.
type Response struct {
	RequestID string `json:"requestId"`
	Payload   any    `json:"payload"`
}

// DeviceRef addresses one assistant-visible device by its agent id.
type DeviceRef struct {
	ID string `json:"id"`
}

// QueryPayload lists the devices a QUERY asks about.
type QueryPayload struct {
	Devices []DeviceRef `json:"devices"`
}

// ExecutePayload carries the command groups of an EXECUTE.
type ExecutePayload struct {
	Commands []CommandGroup `json:"commands"`
}

// CommandGroup applies a list of executions to a list of devices.
type CommandGroup struct {
	Devices   []DeviceRef `json:"devices"`
	Execution []Execution `json:"execution"`
}

// Execution is one assistant command with its parameters.
type Execution struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

// SyncPayload is the SYNC response body.
type SyncPayload struct {
	AgentUserID string             `json:"agentUserId"`
	Devices     []translate.Record `json:"devices"`
}

// QueryResponsePayload maps agent ids to their projected trait state.
type QueryResponsePayload struct {
	Devices map[string]map[string]any `json:"devices"`
}

// ExecuteResponsePayload groups execution outcomes.
type ExecuteResponsePayload struct {
	Commands []ExecuteResult `json:"commands"`
}

// ExecuteResult is one outcome bucket of an EXECUTE response.
type ExecuteResult struct {
	IDs       []string `json:"ids"`
	Status    string   `json:"status"`
	ErrorCode string   `json:"errorCode,omitempty"`
}

// ErrorPayload reports a request-level failure.
type ErrorPayload struct {
	ErrorCode string `json:"errorCode"`
}
