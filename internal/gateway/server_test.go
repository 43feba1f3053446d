package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hearthcloud/bridge/internal/devices"
	"github.com/hearthcloud/bridge/internal/directory"
	"github.com/hearthcloud/bridge/internal/protocol"
	"github.com/hearthcloud/bridge/pkg/gatewayclient"
)

const (
	testToken = "ab0123456789ef"
	lampAddr  = "84:fd:27:00:00:00:00:01"
	lampID    = "zigbee/" + lampAddr
)

// recorder captures repository events.
type recorder struct {
	mu     sync.Mutex
	device int
	state  []devices.StateChanged
}

func (r *recorder) OnDevicesChanged(devices.DevicesChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.device++
}

func (r *recorder) OnStateChanged(ev devices.StateChanged) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = append(r.state, ev)
}

func (r *recorder) deviceCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.device
}

func (r *recorder) stateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.state)
}

type harness struct {
	server *Server
	dir    *directory.Directory
	repo   *devices.Repository
	rec    *recorder
	addr   string
}

func newHarness(t *testing.T, clock clockwork.Clock) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	repo, err := devices.NewRepository(devices.Config{
		Logger:              logger,
		AvailabilityTimeout: time.Minute,
	})
	require.NoError(t, err)

	store := directory.NewMemoryStore()
	require.NoError(t, store.CreateUser(context.Background(), "user-1", directory.TokenDigest(testToken)))

	dir, err := directory.New(directory.Config{Logger: logger, Store: store, Purger: repo})
	require.NoError(t, err)
	repo.SetRouter(dir)

	rec := &recorder{}
	repo.AddListener(rec)

	srv, err := NewServer(Config{
		Logger:   logger,
		Registry: dir,
		Catalog:  repo,
		Clock:    clock,
	})
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	return &harness{server: srv, dir: dir, repo: repo, rec: rec, addr: ln.Addr().String()}
}

// connect dials, handshakes with a small client-chosen group, authenticates,
// and waits for the status/# subscription acknowledging the session.
func (h *harness) connect(t *testing.T, uniqueID string) *gatewayclient.Client {
	t.Helper()
	client, err := gatewayclient.Dial(h.addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	require.NoError(t, client.Handshake(2147483647, 5, time.Second))
	require.NoError(t, client.Authenticate(uniqueID, testToken))
	require.NoError(t, client.WaitSubscribe(protocol.StatusWildcard, 2*time.Second))
	return client
}

func inventory() protocol.InventoryMessage {
	return protocol.InventoryMessage{
		Devices: []protocol.InventoryDevice{{
			IEEEAddress:      lampAddr,
			Name:             "Lamp",
			ManufacturerName: "ACME",
			ModelName:        "bulb-1",
			Cloud:            true,
		}},
	}
}

func TestHandshakeAuthSubscribe(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock())
	h.connect(t, "gw-1")

	require.Eventually(t, func() bool {
		return len(h.dir.ConnectionsOf("user-1")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, 1, h.server.ConnCount())
}

// The tiny group from the wire examples must interoperate too.
func TestHandshakeSmallGroup(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock())

	client, err := gatewayclient.Dial(h.addr, time.Second)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Handshake(11, 2, time.Second))
	require.NoError(t, client.Authenticate("gw-1", testToken))
	require.NoError(t, client.WaitSubscribe(protocol.StatusWildcard, 2*time.Second))
}

func TestUnknownTokenCloses(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock())

	client, err := gatewayclient.Dial(h.addr, time.Second)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Handshake(2147483647, 5, time.Second))
	require.NoError(t, client.Authenticate("gw-1", "deadbeef"))

	_, err = client.ReadEnvelope(2 * time.Second)
	assert.Error(t, err, "bridge must close on unknown token")
	assert.Empty(t, h.dir.ConnectionsOf("user-1"))
}

func TestAuthDeadlineCloses(t *testing.T) {
	clock := clockwork.NewFakeClock()
	h := newHarness(t, clock)

	client, err := gatewayclient.Dial(h.addr, time.Second)
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Handshake(2147483647, 5, time.Second))

	// Wait for the connection's deadline timer, then blow past it without
	// authenticating.
	clock.BlockUntil(1)
	clock.Advance(DefaultAuthTimeout + time.Second)

	_, err = client.ReadEnvelope(2 * time.Second)
	assert.Error(t, err, "bridge must close on auth deadline")
}

func TestNewerConnectionSupersedesOlder(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock())

	first := h.connect(t, "gw-1")
	h.connect(t, "gw-1")

	// The older connection is closed by the directory.
	readErr := func() bool {
		_, err := first.ReadEnvelope(100 * time.Millisecond)
		if err == nil {
			return false
		}
		nerr, ok := err.(net.Error)
		return !ok || !nerr.Timeout()
	}
	require.Eventually(t, readErr, 2*time.Second, 50*time.Millisecond)

	require.Len(t, h.dir.ConnectionsOf("user-1"), 1)
}

func TestInventoryExposeAndState(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock())
	client := h.connect(t, "gw-1")

	// Inventory sync adds the lamp and subscribes to its topics.
	require.NoError(t, client.PublishInventory("zigbee", inventory()))

	wantSubs := map[string]bool{
		"expose/" + lampID: false,
		"device/" + lampID: false,
		"fd/" + lampID:     false,
	}
	for i := 0; i < len(wantSubs); i++ {
		env, err := client.ReadEnvelope(2 * time.Second)
		require.NoError(t, err)
		require.Equal(t, protocol.ActionSubscribe, env.Action)
		_, known := wantSubs[env.Topic]
		require.True(t, known, "unexpected subscription %s", env.Topic)
		wantSubs[env.Topic] = true
	}
	for topic, seen := range wantSubs {
		assert.True(t, seen, "missing subscription %s", topic)
	}

	require.Eventually(t, func() bool { return h.rec.deviceCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	// Capability expose replaces the endpoint list.
	require.NoError(t, client.PublishExpose(lampID, protocol.ExposeMessage{
		"1": {Items: []string{"light", "brightness"}},
	}))
	require.Eventually(t, func() bool { return h.rec.deviceCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	dev, _, ok := h.repo.Get("user-1", "gw-1", lampID)
	require.True(t, ok)
	require.Len(t, dev.Endpoints, 1)
	assert.Equal(t, 1, dev.Endpoints[0].ID)
	assert.Equal(t, []string{"brightness", "light"}, dev.Endpoints[0].Exposes)

	// Online liveness plus a state report together produce one state change.
	require.NoError(t, client.PublishAvailability(lampID, true))
	require.NoError(t, client.PublishState(lampID, -1, map[string]any{
		"state": "ON", "brightness": 128,
	}))

	require.Eventually(t, func() bool { return h.rec.stateCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	_, state, ok := h.repo.Get("user-1", "gw-1", lampID)
	require.True(t, ok)
	assert.True(t, state.Available())
	assert.Equal(t, "ON", state["state"])
	assert.Equal(t, float64(128), state["brightness"])
}

func TestInventoryFiltersNonCloudDevices(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock())
	client := h.connect(t, "gw-1")

	require.NoError(t, client.PublishInventory("zigbee", protocol.InventoryMessage{
		Devices: []protocol.InventoryDevice{
			{IEEEAddress: "aa:01", Name: "Private", Cloud: false},
			{IEEEAddress: "aa:02", Name: "Gone", Cloud: true, Removed: true},
			{IEEEAddress: "aa:03", Name: "", Cloud: true},
			{IEEEAddress: "aa:04", Name: "zigbee", Cloud: true},
			{IEEEAddress: "aa:05", Name: "Lamp", Cloud: true},
		},
	}))

	require.Eventually(t, func() bool { return h.rec.deviceCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	snap := h.repo.Snapshot("user-1")
	require.Len(t, snap, 1)
	assert.Equal(t, "zigbee/aa:05", snap[0].Device.ID)
}

// Execute path: a repository command reaches this user's connection and only
// this user's connection.
func TestExecuteCommandReachesGateway(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock())
	client := h.connect(t, "gw-1")

	require.NoError(t, client.PublishInventory("zigbee", inventory()))
	require.Eventually(t, func() bool { return h.rec.deviceCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	drainSubscriptions(t, client, 3)

	require.NoError(t, h.repo.ExecuteCommand("user-1", "gw-1", lampID, 0, map[string]any{"status": "off"}))

	env, err := client.ReadEnvelope(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.ActionPublish, env.Action)
	assert.Equal(t, "command/zigbee", env.Topic)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(env.Message, &msg))
	assert.Equal(t, map[string]any{
		"action":  "off",
		"device":  lampAddr,
		"service": "cloud",
	}, msg)

	// Another user has no connection; their execute must not reach ours.
	err = h.repo.ExecuteCommand("user-2", "gw-1", lampID, 0, map[string]any{"status": "off"})
	assert.ErrorIs(t, err, devices.ErrUnknownDevice)
}

// Closing the socket purges the connection's devices.
func TestDisconnectPurgesDevices(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock())
	client := h.connect(t, "gw-1")

	require.NoError(t, client.PublishInventory("zigbee", inventory()))
	require.Eventually(t, func() bool { return h.rec.deviceCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	client.Close()

	require.Eventually(t, func() bool {
		return len(h.repo.Snapshot("user-1")) == 0 && len(h.dir.ConnectionsOf("user-1")) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, h.rec.deviceCount(), "purge emits one devicesChanged")
}

func TestGarbageBeforeFrameCloses(t *testing.T) {
	h := newHarness(t, clockwork.NewRealClock())

	raw, err := net.Dial("tcp", h.addr)
	require.NoError(t, err)
	defer raw.Close()

	// Handshake, then junk where a frame should start.
	hello := []byte{0x7f, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00, 0x07}
	_, err = raw.Write(hello)
	require.NoError(t, err)
	reply := make([]byte, 4)
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = raw.Read(reply)
	require.NoError(t, err)

	_, err = raw.Write([]byte{0x00, 0x01, 0x02})
	require.NoError(t, err)

	buf := make([]byte, 16)
	raw.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = raw.Read(buf)
	assert.Error(t, err, "connection must close on leading garbage")
}

func drainSubscriptions(t *testing.T, client *gatewayclient.Client, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		env, err := client.ReadEnvelope(2 * time.Second)
		require.NoError(t, err)
		require.Equal(t, protocol.ActionSubscribe, env.Action)
	}
}
