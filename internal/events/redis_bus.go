package events

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hearthcloud/bridge/internal/monitoring"
)

// DefaultExportQueueSize bounds events awaiting Redis export.
const DefaultExportQueueSize = 256

const publishTimeout = 2 * time.Second

// RedisBus wraps the in-memory Bus and additionally PUBLISHes every event to
// a Redis channel, so report-state workers and consoles on other pods see the
// same stream. Local subscribers keep zero-latency delivery. The Redis leg is
// best-effort and fully decoupled: Emit only enqueues, and a worker goroutine
// does the network I/O, so emitters inside a repository's serialized section
// never wait on Redis. A stalled connection drops the oldest queued exports
// instead of backing up into the publisher.
type RedisBus struct {
	*Bus

	log     *slog.Logger
	rdb     *redis.Client
	channel string

	queue chan *Event
	stop  chan struct{}
	wg    sync.WaitGroup
}

// NewRedisBus connects to Redis and verifies connectivity with a ping.
func NewRedisBus(log *slog.Logger, addr, password, channel string) (*RedisBus, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping (%s): %w", addr, err)
	}

	b := newRedisBus(log, rdb, channel)
	log.Info("redis event bus connected", "addr", addr, "channel", b.channel)
	return b, nil
}

// newRedisBus wires the queue and worker around an existing client.
func newRedisBus(log *slog.Logger, rdb *redis.Client, channel string) *RedisBus {
	if channel == "" {
		channel = "bridge:events"
	}
	b := &RedisBus{
		Bus:     NewBus(),
		log:     log,
		rdb:     rdb,
		channel: channel,
		queue:   make(chan *Event, DefaultExportQueueSize),
		stop:    make(chan struct{}),
	}
	b.wg.Add(1)
	go b.run()
	return b
}

// Emit fans out locally and queues the event for Redis export. Never blocks.
func (b *RedisBus) Emit(eventType, subject string, data map[string]any) {
	event := NewEvent(eventType, subject, data)
	b.Bus.Publish(event)
	b.enqueue(event)
}

func (b *RedisBus) enqueue(event *Event) {
	for {
		select {
		case b.queue <- event:
			return
		default:
		}
		select {
		case <-b.queue:
			monitoring.EventExportDropped.Inc()
		default:
		}
	}
}

func (b *RedisBus) run() {
	defer b.wg.Done()
	for {
		select {
		case <-b.stop:
			return
		case event := <-b.queue:
			b.export(event)
		}
	}
}

func (b *RedisBus) export(event *Event) {
	payload, err := event.JSON()
	if err != nil {
		b.log.Warn("event marshal failed", "type", event.Type, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.rdb.Publish(ctx, b.channel, payload).Err(); err != nil {
		b.log.Warn("redis publish failed, local delivery only",
			"type", event.Type, "error", err)
	}
}

// Close stops the export worker and shuts down the Redis client. Queued but
// unexported events are discarded.
func (b *RedisBus) Close() error {
	close(b.stop)
	b.wg.Wait()
	return b.rdb.Close()
}

var _ Emitter = (*RedisBus)(nil)
