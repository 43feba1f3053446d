package gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendQueueEvictsOldestStateFirst(t *testing.T) {
	q := newSendQueue(2)

	require.True(t, q.push(queueItem{class: classState, wire: []byte("s1")}))
	require.True(t, q.push(queueItem{class: classState, wire: []byte("s2")}))

	// Full queue: the command displaces the oldest state message.
	require.True(t, q.push(queueItem{class: classCommand, wire: []byte("c1")}))
	assert.Equal(t, 1, q.droppedCount())

	done := make(chan struct{})
	first, ok := q.pop(done)
	require.True(t, ok)
	assert.Equal(t, []byte("s2"), first.wire)

	second, ok := q.pop(done)
	require.True(t, ok)
	assert.Equal(t, []byte("c1"), second.wire)
}

func TestSendQueueNeverEvictsCommands(t *testing.T) {
	q := newSendQueue(2)
	require.True(t, q.push(queueItem{class: classCommand, wire: []byte("c1")}))
	require.True(t, q.push(queueItem{class: classControl, wire: []byte("k1")}))

	// Nothing evictable: the incoming state message is the one dropped.
	assert.False(t, q.push(queueItem{class: classState, wire: []byte("s1")}))
	assert.Equal(t, 1, q.droppedCount())

	// An incoming command against a command-full queue is also dropped
	// rather than displacing an already-accepted command.
	assert.False(t, q.push(queueItem{class: classCommand, wire: []byte("c2")}))
	assert.Equal(t, 2, q.droppedCount())

	done := make(chan struct{})
	first, _ := q.pop(done)
	assert.Equal(t, []byte("c1"), first.wire)
}

func TestSendQueuePopBlocksUntilPush(t *testing.T) {
	q := newSendQueue(4)
	done := make(chan struct{})

	got := make(chan queueItem, 1)
	go func() {
		item, ok := q.pop(done)
		if ok {
			got <- item
		}
	}()

	time.Sleep(10 * time.Millisecond)
	require.True(t, q.push(queueItem{class: classControl, wire: []byte("x")}))

	select {
	case item := <-got:
		assert.Equal(t, []byte("x"), item.wire)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on push")
	}
}

func TestSendQueueCloseWakesPopAndRejectsPush(t *testing.T) {
	q := newSendQueue(4)
	done := make(chan struct{})

	finished := make(chan bool, 1)
	go func() {
		_, ok := q.pop(done)
		finished <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	q.close()

	select {
	case ok := <-finished:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("pop did not wake on close")
	}

	assert.False(t, q.push(queueItem{class: classCommand, wire: []byte("late")}))
}
