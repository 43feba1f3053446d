package events

import (
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stalledServer accepts connections and swallows everything without ever
// replying, the shape of a Redis that stopped answering.
func stalledServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go io.Copy(io.Discard, conn)
		}
	}()
	return ln
}

// Emitters run inside repository serialized sections; a degraded Redis must
// never turn a state change into a multi-second stall.
func TestRedisEmitDoesNotBlockOnStalledServer(t *testing.T) {
	ln := stalledServer(t)

	rdb := redis.NewClient(&redis.Options{
		Addr:         ln.Addr().String(),
		DialTimeout:  time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	bus := newRedisBus(slog.New(slog.DiscardHandler), rdb, "bridge:events")
	defer bus.Close()

	sub := bus.Subscribe(TypeStateChanged)
	defer bus.Unsubscribe(sub)

	// Well past the export queue capacity, so the drop-oldest path runs too.
	start := time.Now()
	for i := 0; i < 3*DefaultExportQueueSize; i++ {
		bus.Emit(TypeStateChanged, "user-1", nil)
	}
	assert.Less(t, time.Since(start), 500*time.Millisecond,
		"Emit must enqueue, not wait on the Redis round trip")

	// The local fan-out stays synchronous.
	select {
	case ev := <-sub:
		assert.Equal(t, TypeStateChanged, ev.Type)
		assert.Equal(t, "user-1", ev.Subject)
	default:
		t.Fatal("local subscriber received nothing")
	}
}

func TestRedisExportQueueStaysBounded(t *testing.T) {
	ln := stalledServer(t)

	rdb := redis.NewClient(&redis.Options{
		Addr:        ln.Addr().String(),
		DialTimeout: time.Second,
		ReadTimeout: time.Second,
	})
	bus := newRedisBus(slog.New(slog.DiscardHandler), rdb, "")
	defer bus.Close()

	assert.Equal(t, "bridge:events", bus.channel)

	for i := 0; i < 10*DefaultExportQueueSize; i++ {
		bus.Emit(TypeCommandSent, "user-1", nil)
	}
	assert.LessOrEqual(t, len(bus.queue), DefaultExportQueueSize)
}
