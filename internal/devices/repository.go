package devices

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/hearthcloud/bridge/internal/events"
	"github.com/hearthcloud/bridge/internal/monitoring"
)

// Config configures a Repository.
type Config struct {
	Logger *slog.Logger

	// Clock drives liveness timestamps and the watchdog. Tests inject a
	// fake clock; nil means the real one.
	Clock clockwork.Clock

	// AvailabilityTimeout is the watchdog horizon: a device whose last
	// liveness signal is older than this is forced unavailable.
	AvailabilityTimeout time.Duration

	// Events receives catalog telemetry; nil means none.
	Events events.Emitter
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.AvailabilityTimeout <= 0 {
		return errors.New("availability timeout must be positive")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Events == nil {
		c.Events = events.NoopEmitter{}
	}
	return nil
}

// Repository owns all Devices and DeviceStates, indexed by
// (UserID, clientID, DeviceID). Mutations are serialized per user; distinct
// users proceed in parallel.
type Repository struct {
	log     *slog.Logger
	clock   clockwork.Clock
	timeout time.Duration
	events  events.Emitter

	mu     sync.RWMutex
	shards map[string]*userShard

	lmu       sync.RWMutex
	listeners []Listener

	rmu    sync.RWMutex
	router Router
}

// userShard serializes one user's catalog.
type userShard struct {
	mu      sync.Mutex
	clients map[string]map[string]*deviceEntry // clientID -> DeviceID -> entry
}

type deviceEntry struct {
	device Device
	state  State

	// Liveness bookkeeping for the watchdog. watched is cleared when the
	// watchdog forces the device unavailable, so a staleness episode fires
	// exactly once.
	lastSeen time.Time
	watched  bool
}

// NewRepository creates an empty repository. Run starts its watchdog.
func NewRepository(cfg Config) (*Repository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid repository config: %w", err)
	}
	return &Repository{
		log:     cfg.Logger,
		clock:   cfg.Clock,
		timeout: cfg.AvailabilityTimeout,
		events:  cfg.Events,
		shards:  make(map[string]*userShard),
	}, nil
}

// AddListener registers an event listener. Registration order is delivery
// order.
func (r *Repository) AddListener(l Listener) {
	r.lmu.Lock()
	defer r.lmu.Unlock()
	r.listeners = append(r.listeners, l)
}

// SetRouter installs the command router. Must be called before the first
// ExecuteCommand.
func (r *Repository) SetRouter(router Router) {
	r.rmu.Lock()
	defer r.rmu.Unlock()
	r.router = router
}

func (r *Repository) shard(userID string) *userShard {
	r.mu.RLock()
	s, ok := r.shards[userID]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok = r.shards[userID]; ok {
		return s
	}
	s = &userShard{clients: make(map[string]map[string]*deviceEntry)}
	r.shards[userID] = s
	return s
}

func (r *Repository) emitDevicesChanged(ev DevicesChanged) {
	monitoring.RepositoryEvents.WithLabelValues("devicesChanged").Inc()
	r.events.Emit(events.TypeDevicesChanged, ev.UserID, nil)

	r.lmu.RLock()
	defer r.lmu.RUnlock()
	for _, l := range r.listeners {
		l.OnDevicesChanged(ev)
	}
}

func (r *Repository) emitStateChanged(ev StateChanged) {
	monitoring.RepositoryEvents.WithLabelValues("stateChanged").Inc()
	r.events.Emit(events.TypeStateChanged, ev.UserID, map[string]any{
		"client": ev.ClientID,
		"device": ev.Device.ID,
	})

	r.lmu.RLock()
	defer r.lmu.RUnlock()
	for _, l := range r.listeners {
		l.OnStateChanged(ev)
	}
}

// SyncDevice is one inventory entry offered to SyncClientDevices.
type SyncDevice struct {
	Device Device

	// Available seeds the availability of newly added devices; nil means
	// reachable. Re-syncs never clobber the availability of known devices.
	Available *bool
}

// SyncClientDevices reconciles a client's device set against an inventory.
// Matched devices keep their endpoints and state; new devices are seeded
// with an availability-only state and a fresh liveness entry; missing
// devices are dropped. Emits one DevicesChanged when anything was added or
// removed.
func (r *Repository) SyncClientDevices(userID, clientID string, incoming []SyncDevice) (added, removed []Device) {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.clients[clientID]
	if !ok {
		byID = make(map[string]*deviceEntry)
		s.clients[clientID] = byID
	}

	seen := make(map[string]bool, len(incoming))
	for _, in := range incoming {
		seen[in.Device.ID] = true

		if entry, exists := byID[in.Device.ID]; exists {
			// Metadata may change on re-sync; endpoints and state stay.
			endpoints := entry.device.Endpoints
			entry.device = in.Device.clone()
			entry.device.Endpoints = endpoints
			continue
		}

		available := true
		if in.Available != nil {
			available = *in.Available
		}
		byID[in.Device.ID] = &deviceEntry{
			device:   in.Device.clone(),
			state:    State{keyAvailable: available},
			lastSeen: r.clock.Now(),
			watched:  true,
		}
		added = append(added, in.Device.clone())
	}

	for id, entry := range byID {
		if !seen[id] {
			removed = append(removed, entry.device.clone())
			delete(byID, id)
		}
	}

	if len(added) > 0 || len(removed) > 0 {
		monitoring.DevicesTracked.Add(float64(len(added) - len(removed)))
		r.log.Debug("device sync changed catalog",
			"user", userID, "client", clientID,
			"added", len(added), "removed", len(removed))
		r.emitDevicesChanged(DevicesChanged{UserID: userID})
	}
	return added, removed
}

// UpdateDevice replaces a device's endpoint list atomically. A structurally
// identical endpoint set is a no-op.
func (r *Repository) UpdateDevice(userID, clientID, deviceID string, endpoints []Endpoint) error {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.entry(clientID, deviceID)
	if err != nil {
		return err
	}
	if endpointsEqual(entry.device.Endpoints, endpoints) {
		return nil
	}

	replacement := Device{Endpoints: endpoints}.clone()
	entry.device.Endpoints = replacement.Endpoints
	r.emitDevicesChanged(DevicesChanged{UserID: userID})
	return nil
}

// SetAvailable refreshes the device's liveness entry and, when the value
// actually flips, routes the change through the normal state path.
func (r *Repository) SetAvailable(userID, clientID, deviceID string, available bool) error {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.entry(clientID, deviceID)
	if err != nil {
		return err
	}

	entry.lastSeen = r.clock.Now()
	entry.watched = true

	if entry.state.Available() == available {
		return nil
	}
	r.applyState(userID, clientID, entry, map[string]any{keyAvailable: available}, 0, false)
	return nil
}

// UpdateState deep-merges a partial state into the device's bag. A merge
// that changes nothing emits nothing.
func (r *Repository) UpdateState(userID, clientID, deviceID string, partial map[string]any) error {
	return r.updateState(userID, clientID, deviceID, partial, 0, false)
}

// UpdateEndpointState merges a partial state under endpoints.<id>.
func (r *Repository) UpdateEndpointState(userID, clientID, deviceID string, endpointID int, partial map[string]any) error {
	return r.updateState(userID, clientID, deviceID, partial, endpointID, true)
}

func (r *Repository) updateState(userID, clientID, deviceID string, partial map[string]any, endpointID int, scoped bool) error {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.entry(clientID, deviceID)
	if err != nil {
		return err
	}
	r.applyState(userID, clientID, entry, partial, endpointID, scoped)
	return nil
}

// applyState is the single mutation point for state bags. Callers hold the
// shard lock.
func (r *Repository) applyState(userID, clientID string, entry *deviceEntry, partial map[string]any, endpointID int, scoped bool) {
	prev := entry.state
	next := prev.merged(partial, endpointID, scoped)
	if statesEqual(prev, next) {
		return
	}

	entry.state = next
	r.emitStateChanged(StateChanged{
		UserID:   userID,
		ClientID: clientID,
		Device:   entry.device.clone(),
		Prev:     prev.Clone(),
		New:      next.Clone(),
	})
}

// ExecuteCommand validates that the device exists and forwards the lowered
// payload to the command router. Fire-and-forget: convergence is observed
// through the inbound stream.
func (r *Repository) ExecuteCommand(userID, clientID, deviceID string, endpointID int, payload map[string]any) error {
	s := r.shard(userID)
	s.mu.Lock()
	entry, err := s.entry(clientID, deviceID)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	device := entry.device.clone()
	s.mu.Unlock()

	r.rmu.RLock()
	router := r.router
	r.rmu.RUnlock()
	if router == nil {
		return ErrNoRoute
	}

	return router.RouteCommand(Command{
		UserID:   userID,
		ClientID: clientID,
		Device:   device,
		Endpoint: endpointID,
		Payload:  payload,
	})
}

// RemoveClient drops every device owned by a connection. Called on detach.
func (r *Repository) RemoveClient(userID, clientID string) {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.clients[clientID]
	if !ok || len(byID) == 0 {
		delete(s.clients, clientID)
		return
	}
	delete(s.clients, clientID)

	monitoring.DevicesTracked.Sub(float64(len(byID)))
	r.log.Debug("client devices purged", "user", userID, "client", clientID, "devices", len(byID))
	r.emitDevicesChanged(DevicesChanged{UserID: userID})
}

// ClientDevice is one snapshot row.
type ClientDevice struct {
	ClientID string
	Device   Device
	State    State
}

// Snapshot returns a read-consistent copy of a user's catalog, ordered by
// client id then device id.
func (r *Repository) Snapshot(userID string) []ClientDevice {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []ClientDevice
	for _, clientID := range sortedKeys(s.clients) {
		byID := s.clients[clientID]
		for _, deviceID := range sortedKeys(byID) {
			entry := byID[deviceID]
			out = append(out, ClientDevice{
				ClientID: clientID,
				Device:   entry.device.clone(),
				State:    entry.state.Clone(),
			})
		}
	}
	return out
}

// Get returns copies of one device and its state.
func (r *Repository) Get(userID, clientID, deviceID string) (Device, State, bool) {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, err := s.entry(clientID, deviceID)
	if err != nil {
		return Device{}, nil, false
	}
	return entry.device.clone(), entry.state.Clone(), true
}

// FindByTopic resolves a device by its wire topic segment
// ("<protocol>/<alias>") within one client's catalog.
func (r *Repository) FindByTopic(userID, clientID, deviceTopic string) (Device, bool) {
	s := r.shard(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	byID, ok := s.clients[clientID]
	if !ok {
		return Device{}, false
	}
	for _, entry := range byID {
		if entry.device.Topic == deviceTopic {
			return entry.device.clone(), true
		}
	}
	return Device{}, false
}

func (s *userShard) entry(clientID, deviceID string) (*deviceEntry, error) {
	byID, ok := s.clients[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s (client %s)", ErrUnknownDevice, deviceID, clientID)
	}
	entry, ok := byID[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s (client %s)", ErrUnknownDevice, deviceID, clientID)
	}
	return entry, nil
}
