package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hearthcloud/bridge/internal/devices"
	"github.com/hearthcloud/bridge/internal/events"
	"github.com/hearthcloud/bridge/internal/monitoring"
	"github.com/hearthcloud/bridge/internal/translate"
)

// Catalog is the handler's view of the device repository.
type Catalog interface {
	Snapshot(userID string) []devices.ClientDevice
	Get(userID, clientID, deviceID string) (devices.Device, devices.State, bool)
	ExecuteCommand(userID, clientID, deviceID string, endpointID int, payload map[string]any) error
}

// Accounts flips the assistant-linked flag on user records.
type Accounts interface {
	SetLinked(ctx context.Context, userID string, linked bool) error
}

// TokenRevoker drops a user's cached access tokens on DISCONNECT.
type TokenRevoker interface {
	DropUser(userID string)
}

// HandlerConfig configures a Handler.
type HandlerConfig struct {
	Logger   *slog.Logger
	Catalog  Catalog
	Accounts Accounts

	// Events receives one telemetry event per handled intent; nil means none.
	Events events.Emitter

	// Tokens is revoked on DISCONNECT; nil means nothing cached.
	Tokens TokenRevoker

	// AgentPrefix namespaces agentUserId values when several bridges share
	// one assistant project.
	AgentPrefix string
}

// Validate checks the configuration.
func (c *HandlerConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Catalog == nil {
		return errors.New("catalog is required")
	}
	if c.Accounts == nil {
		return errors.New("accounts is required")
	}
	if c.Events == nil {
		c.Events = events.NoopEmitter{}
	}
	return nil
}

// Handler translates fulfillment intents into repository operations.
type Handler struct {
	log         *slog.Logger
	catalog     Catalog
	accounts    Accounts
	emit        events.Emitter
	tokens      TokenRevoker
	agentPrefix string
}

// NewHandler creates a handler.
func NewHandler(cfg HandlerConfig) (*Handler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid fulfillment config: %w", err)
	}
	return &Handler{
		log:         cfg.Logger,
		catalog:     cfg.Catalog,
		accounts:    cfg.Accounts,
		emit:        cfg.Events,
		tokens:      cfg.Tokens,
		agentPrefix: cfg.AgentPrefix,
	}, nil
}

// Dispatch handles one fulfillment request for an authenticated user. The
// assistant sends a single input per request; the first recognized intent
// wins.
func (h *Handler) Dispatch(ctx context.Context, userID string, req Request) Response {
	for _, input := range req.Inputs {
		start := time.Now()
		payload, status := h.handleIntent(ctx, userID, input)
		if payload == nil {
			continue
		}

		monitoring.FulfillmentRequests.WithLabelValues(input.Intent, status).Inc()
		monitoring.FulfillmentDuration.WithLabelValues(input.Intent).Observe(time.Since(start).Seconds())
		h.emit.Emit(events.TypeFulfillmentRequest, userID, map[string]any{
			"intent":    input.Intent,
			"requestId": req.RequestID,
			"status":    status,
		})
		return Response{RequestID: req.RequestID, Payload: payload}
	}

	h.log.Warn("fulfillment request without known intent", "user", userID, "request", req.RequestID)
	return Response{RequestID: req.RequestID, Payload: ErrorPayload{ErrorCode: "notSupported"}}
}

// handleIntent returns (nil, "") for unrecognized intents.
func (h *Handler) handleIntent(ctx context.Context, userID string, input Input) (any, string) {
	switch input.Intent {
	case translate.IntentSync:
		return h.sync(ctx, userID), translate.StatusSuccess

	case translate.IntentQuery:
		var payload QueryPayload
		if err := json.Unmarshal(input.Payload, &payload); err != nil {
			return ErrorPayload{ErrorCode: "protocolError"}, translate.StatusError
		}
		return h.query(userID, payload), translate.StatusSuccess

	case translate.IntentExecute:
		var payload ExecutePayload
		if err := json.Unmarshal(input.Payload, &payload); err != nil {
			return ErrorPayload{ErrorCode: "protocolError"}, translate.StatusError
		}
		return h.execute(userID, payload), translate.StatusSuccess

	case translate.IntentDisconnect:
		return h.disconnect(ctx, userID), translate.StatusSuccess

	default:
		return nil, ""
	}
}

// sync enumerates every device of every live connection and marks the user
// linked.
func (h *Handler) sync(ctx context.Context, userID string) SyncPayload {
	records := []translate.Record{}
	for _, cd := range h.catalog.Snapshot(userID) {
		records = append(records, translate.Enumerate(cd.ClientID, cd.Device)...)
	}

	if err := h.accounts.SetLinked(ctx, userID, true); err != nil {
		h.log.Warn("marking user linked failed", "user", userID, "error", err)
	}

	h.log.Info("sync enumerated devices", "user", userID, "devices", len(records))
	return SyncPayload{
		AgentUserID: h.agentPrefix + userID,
		Devices:     records,
	}
}

// query projects state for each requested id. Ids that no longer resolve get
// an offline stub rather than an error; the assistant re-syncs on its own
// cadence.
func (h *Handler) query(userID string, payload QueryPayload) QueryResponsePayload {
	out := QueryResponsePayload{Devices: make(map[string]map[string]any, len(payload.Devices))}
	for _, ref := range payload.Devices {
		clientID, deviceID, endpoint, ok := translate.ParseAgentID(ref.ID)
		if !ok {
			out.Devices[ref.ID] = offlineState()
			continue
		}
		dev, state, found := h.catalog.Get(userID, clientID, deviceID)
		if !found {
			out.Devices[ref.ID] = offlineState()
			continue
		}
		out.Devices[ref.ID] = translate.ProjectState(dev, endpoint, state)
	}
	return out
}

func offlineState() map[string]any {
	return map[string]any{
		"online": false,
		"status": translate.StatusOffline,
	}
}

// execute lowers each command group onto its devices. Dispatch toward the
// gateway is fire-and-forget; convergence is observed through the inbound
// stream and the next report-state push.
func (h *Handler) execute(userID string, payload ExecutePayload) ExecuteResponsePayload {
	buckets := newResultBuckets()
	for _, group := range payload.Commands {
		for _, ref := range group.Devices {
			status, code := h.executeOne(userID, ref.ID, group.Execution)
			buckets.add(ref.ID, status, code)
		}
	}
	return ExecuteResponsePayload{Commands: buckets.results()}
}

// executeOne runs every execution of a group against one device and reports
// the first failure.
func (h *Handler) executeOne(userID, agentID string, executions []Execution) (status, errorCode string) {
	clientID, deviceID, endpoint, ok := translate.ParseAgentID(agentID)
	if !ok {
		return translate.StatusOffline, translate.ErrorCodeDeviceOffline
	}

	dev, state, found := h.catalog.Get(userID, clientID, deviceID)
	if !found {
		return translate.StatusOffline, translate.ErrorCodeDeviceOffline
	}
	// Unavailable covers watchdog-marked devices too: commands are not sent
	// toward a device whose last liveness signal went stale, even though its
	// gateway connection may still be up.
	if !state.Available() {
		return translate.StatusOffline, translate.ErrorCodeDeviceOffline
	}

	for _, exec := range executions {
		lowered, err := translate.LowerCommand(dev, endpoint, exec.Command, exec.Params)
		if err != nil {
			h.log.Debug("command not lowerable", "device", agentID, "command", exec.Command, "error", err)
			return translate.StatusError, translate.ErrorCodeNotSupported
		}
		if err := h.catalog.ExecuteCommand(userID, clientID, deviceID, endpoint, lowered); err != nil {
			h.log.Warn("command dispatch failed", "device", agentID, "command", exec.Command, "error", err)
			return translate.StatusOffline, translate.ErrorCodeDeviceOffline
		}
	}
	return translate.StatusSuccess, ""
}

// disconnect unlinks the user and revokes their cached tokens.
func (h *Handler) disconnect(ctx context.Context, userID string) map[string]any {
	if err := h.accounts.SetLinked(ctx, userID, false); err != nil {
		h.log.Warn("unlinking user failed", "user", userID, "error", err)
	}
	if h.tokens != nil {
		h.tokens.DropUser(userID)
	}
	h.log.Info("user disconnected from assistant", "user", userID)
	return map[string]any{}
}

// resultBuckets folds per-device outcomes into the grouped response shape,
// keeping first-seen order.
type resultBuckets struct {
	order []string
	byKey map[string]*ExecuteResult
}

func newResultBuckets() *resultBuckets {
	return &resultBuckets{byKey: make(map[string]*ExecuteResult)}
}

func (b *resultBuckets) add(id, status, errorCode string) {
	key := status + "/" + errorCode
	bucket, ok := b.byKey[key]
	if !ok {
		bucket = &ExecuteResult{Status: status, ErrorCode: errorCode}
		b.byKey[key] = bucket
		b.order = append(b.order, key)
	}
	bucket.IDs = append(bucket.IDs, id)
}

func (b *resultBuckets) results() []ExecuteResult {
	out := make([]ExecuteResult, 0, len(b.order))
	for _, key := range b.order {
		out = append(out, *b.byKey[key])
	}
	return out
}
