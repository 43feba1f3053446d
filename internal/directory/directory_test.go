package directory

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthcloud/bridge/internal/devices"
)

type fakeSession struct {
	mu        sync.Mutex
	id        string
	clientID  string
	published []publishedMsg
	closed    []string
}

type publishedMsg struct {
	topic   string
	message map[string]any
}

func (s *fakeSession) SessionID() string { return s.id }
func (s *fakeSession) ClientID() string  { return s.clientID }

func (s *fakeSession) Publish(topic string, message map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, publishedMsg{topic, message})
	return nil
}

func (s *fakeSession) Close(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = append(s.closed, reason)
}

func (s *fakeSession) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.closed)
}

type fakePurger struct {
	mu     sync.Mutex
	purged [][2]string
}

func (p *fakePurger) RemoveClient(userID, clientID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.purged = append(p.purged, [2]string{userID, clientID})
}

func newTestDirectory(t *testing.T) (*Directory, *MemoryStore, *fakePurger) {
	t.Helper()
	store := NewMemoryStore()
	purger := &fakePurger{}
	dir, err := New(Config{
		Logger: slog.New(slog.DiscardHandler),
		Store:  store,
		Purger: purger,
	})
	require.NoError(t, err)
	return dir, store, purger
}

func TestResolveToken(t *testing.T) {
	dir, store, _ := newTestDirectory(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, "user-1", TokenDigest("abcdef")))

	userID, err := dir.ResolveToken(ctx, "abcdef")
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)

	_, err = dir.ResolveToken(ctx, "wrong")
	assert.ErrorIs(t, err, ErrTokenUnknown)

	_, err = dir.ResolveToken(ctx, "")
	assert.ErrorIs(t, err, ErrTokenUnknown)
}

func TestAttachSupersedesOlderConnection(t *testing.T) {
	dir, _, _ := newTestDirectory(t)

	old := &fakeSession{id: "s1", clientID: "gw-1"}
	dir.Attach("user-1", "gw-1", old)

	replacement := &fakeSession{id: "s2", clientID: "gw-1"}
	dir.Attach("user-1", "gw-1", replacement)

	assert.Equal(t, 1, old.closeCount(), "older connection closes on collision")
	assert.Zero(t, replacement.closeCount())

	sessions := dir.ConnectionsOf("user-1")
	require.Len(t, sessions, 1)
	assert.Same(t, replacement, sessions[0].(*fakeSession))
}

func TestDetachPurgesAndIsIdempotent(t *testing.T) {
	dir, _, purger := newTestDirectory(t)

	sess := &fakeSession{id: "s1", clientID: "gw-1"}
	dir.Attach("user-1", "gw-1", sess)

	dir.Detach("user-1", sess)
	dir.Detach("user-1", sess)

	assert.Empty(t, dir.ConnectionsOf("user-1"))
	require.Len(t, purger.purged, 1, "purge happens once")
	assert.Equal(t, [2]string{"user-1", "gw-1"}, purger.purged[0])
}

// A superseded session's late detach must not tear down its replacement.
func TestDetachIgnoresSupersededSession(t *testing.T) {
	dir, _, purger := newTestDirectory(t)

	old := &fakeSession{id: "s1", clientID: "gw-1"}
	replacement := &fakeSession{id: "s2", clientID: "gw-1"}
	dir.Attach("user-1", "gw-1", old)
	dir.Attach("user-1", "gw-1", replacement)

	dir.Detach("user-1", old)

	assert.Empty(t, purger.purged)
	require.Len(t, dir.ConnectionsOf("user-1"), 1)
}

func TestDetachUnauthenticatedSession(t *testing.T) {
	dir, _, purger := newTestDirectory(t)
	dir.Detach("", &fakeSession{id: "s1", clientID: ""})
	assert.Empty(t, purger.purged)
}

func TestRouteCommand(t *testing.T) {
	dir, _, _ := newTestDirectory(t)

	sess := &fakeSession{id: "s1", clientID: "gw-1"}
	dir.Attach("user-1", "gw-1", sess)

	dev := devices.Device{
		ID:    "zigbee/84:fd:27:00:00:00:00:01",
		Topic: "zigbee/84:fd:27:00:00:00:00:01",
	}
	err := dir.RouteCommand(devices.Command{
		UserID:   "user-1",
		ClientID: "gw-1",
		Device:   dev,
		Payload:  map[string]any{"status": "off"},
	})
	require.NoError(t, err)

	require.Len(t, sess.published, 1)
	assert.Equal(t, "command/zigbee", sess.published[0].topic)
	assert.Equal(t, map[string]any{
		"action":  "off",
		"device":  "84:fd:27:00:00:00:00:01",
		"service": "cloud",
	}, sess.published[0].message)
}

// A command for another user's identically named client must not reach this
// user's connection.
func TestRouteCommandIsolatesUsers(t *testing.T) {
	dir, _, _ := newTestDirectory(t)

	sess := &fakeSession{id: "s1", clientID: "gw-1"}
	dir.Attach("user-1", "gw-1", sess)

	err := dir.RouteCommand(devices.Command{
		UserID:   "user-2",
		ClientID: "gw-1",
		Device:   devices.Device{ID: "zigbee/aa", Topic: "zigbee/aa"},
		Payload:  map[string]any{"status": "off"},
	})
	assert.ErrorIs(t, err, ErrNoRoute)
	assert.ErrorIs(t, err, devices.ErrNoRoute)
	assert.Empty(t, sess.published)
}

func TestRouteCommandEndpoint(t *testing.T) {
	dir, _, _ := newTestDirectory(t)
	sess := &fakeSession{id: "s1", clientID: "gw-1"}
	dir.Attach("user-1", "gw-1", sess)

	err := dir.RouteCommand(devices.Command{
		UserID:   "user-1",
		ClientID: "gw-1",
		Device:   devices.Device{ID: "zigbee/aa:bb", Topic: "zigbee/strip"},
		Endpoint: 2,
		Payload:  map[string]any{"status": "on"},
	})
	require.NoError(t, err)
	require.Len(t, sess.published, 1)
	assert.Equal(t, "strip", sess.published[0].message["device"])
	assert.Equal(t, 2, sess.published[0].message["endpoint"])
}

func TestSetLinked(t *testing.T) {
	dir, store, _ := newTestDirectory(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, "user-1", TokenDigest("tok")))
	require.NoError(t, dir.SetLinked(ctx, "user-1", true))

	users, err := store.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.True(t, users[0].Linked)

	assert.ErrorIs(t, dir.SetLinked(ctx, "ghost", true), ErrUserUnknown)
}

func TestMemoryStoreTokenRotation(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, "user-1", TokenDigest("old")))
	assert.ErrorIs(t, store.CreateUser(ctx, "user-1", TokenDigest("x")), ErrUserExists)

	require.NoError(t, store.SetToken(ctx, "user-1", TokenDigest("new")))

	_, err := store.UserByTokenDigest(ctx, TokenDigest("old"))
	assert.ErrorIs(t, err, ErrTokenUnknown)

	rec, err := store.UserByTokenDigest(ctx, TokenDigest("new"))
	require.NoError(t, err)
	assert.Equal(t, "user-1", rec.ID)
}
