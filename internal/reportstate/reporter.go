package reportstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hearthcloud/bridge/internal/devices"
	"github.com/hearthcloud/bridge/internal/monitoring"
	"github.com/hearthcloud/bridge/internal/translate"
)

// DefaultQueueSize bounds the job queue between the repository's listener
// callbacks and the delivery worker.
const DefaultQueueSize = 512

// deliveryTimeout caps one sink call.
const deliveryTimeout = 10 * time.Second

type jobKind int

const (
	jobReportState jobKind = iota
	jobRequestSync
)

type job struct {
	kind   jobKind
	userID string
	states map[string]map[string]any
}

// Config configures a Reporter.
type Config struct {
	Logger *slog.Logger
	Sink   Sink

	// QueueSize bounds pending deliveries; 0 means DefaultQueueSize.
	QueueSize int
}

// Validate checks and defaults the configuration.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Sink == nil {
		return errors.New("sink is required")
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	return nil
}

// Reporter is a repository listener feeding the sink. Listener callbacks only
// project and enqueue; delivery happens on the Run worker. When the queue is
// full the oldest pending job is dropped: a newer state supersedes an older
// one, and the assistant re-queries on SYNC anyway.
type Reporter struct {
	log   *slog.Logger
	sink  Sink
	queue chan job
}

// NewReporter creates a reporter; Run starts its delivery worker.
func NewReporter(cfg Config) (*Reporter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid reportstate config: %w", err)
	}
	return &Reporter{
		log:   cfg.Logger,
		sink:  cfg.Sink,
		queue: make(chan job, cfg.QueueSize),
	}, nil
}

var _ devices.Listener = (*Reporter)(nil)

// OnDevicesChanged asks the assistant to re-enumerate.
func (r *Reporter) OnDevicesChanged(ev devices.DevicesChanged) {
	r.enqueue(job{kind: jobRequestSync, userID: ev.UserID})
}

// OnStateChanged projects the device's assistant-visible units and queues one
// report. Runs inside the repository's serialized section, so no I/O here.
func (r *Reporter) OnStateChanged(ev devices.StateChanged) {
	states := make(map[string]map[string]any)
	for _, rec := range translate.Enumerate(ev.ClientID, ev.Device) {
		_, _, endpoint, ok := translate.ParseAgentID(rec.ID)
		if !ok {
			continue
		}
		states[rec.ID] = translate.ProjectState(ev.Device, endpoint, ev.New)
	}
	if len(states) == 0 {
		return
	}
	r.enqueue(job{kind: jobReportState, userID: ev.UserID, states: states})
}

// enqueue never blocks: on a full queue the oldest job is evicted first.
func (r *Reporter) enqueue(j job) {
	for {
		select {
		case r.queue <- j:
			return
		default:
		}
		select {
		case <-r.queue:
			monitoring.ReportStateDropped.Inc()
		default:
		}
	}
}

// Run delivers queued jobs until the context is canceled. Failures are
// logged and dropped; the next state change retries naturally.
func (r *Reporter) Run(ctx context.Context) {
	r.log.Info("report-state worker running", "queue", cap(r.queue))
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-r.queue:
			r.deliver(ctx, j)
		}
	}
}

func (r *Reporter) deliver(ctx context.Context, j job) {
	ctx, cancel := context.WithTimeout(ctx, deliveryTimeout)
	defer cancel()

	var err error
	switch j.kind {
	case jobReportState:
		err = r.sink.ReportState(ctx, j.userID, j.states)
	case jobRequestSync:
		err = r.sink.RequestSync(ctx, j.userID)
	}

	if err != nil {
		monitoring.ReportStateDeliveries.WithLabelValues("error").Inc()
		r.log.Warn("report-state delivery failed", "user", j.userID, "error", err)
		return
	}
	monitoring.ReportStateDeliveries.WithLabelValues("ok").Inc()
}

// Pending reports queued, undelivered jobs; health surfaces read it.
func (r *Reporter) Pending() int {
	return len(r.queue)
}
