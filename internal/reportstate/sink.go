// Package reportstate pushes proactive device-state updates toward the
// assistant. The real Home Graph client is deployment-specific; the bridge
// ships the feed, a log sink, and a noop sink.
package reportstate

import (
	"context"
	"log/slog"
)

// Sink receives the assistant-facing side of the feed. ReportState delivers
// projected trait state keyed by agent device id; RequestSync asks the
// assistant to re-enumerate the user's devices.
type Sink interface {
	ReportState(ctx context.Context, userID string, states map[string]map[string]any) error
	RequestSync(ctx context.Context, userID string) error
}

// LogSink writes every delivery to the logger. The default for development.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) ReportState(_ context.Context, userID string, states map[string]map[string]any) error {
	s.Log.Info("report state", "user", userID, "devices", len(states))
	for id, state := range states {
		s.Log.Debug("report state entry", "user", userID, "device", id, "state", state)
	}
	return nil
}

func (s LogSink) RequestSync(_ context.Context, userID string) error {
	s.Log.Info("request sync", "user", userID)
	return nil
}

// NoopSink drops everything.
type NoopSink struct{}

func (NoopSink) ReportState(context.Context, string, map[string]map[string]any) error { return nil }
func (NoopSink) RequestSync(context.Context, string) error                            { return nil }
