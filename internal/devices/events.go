package devices

// DevicesChanged fires on any add, remove, or endpoint-set change for a
// user's catalog. Never fired for a no-op sync.
type DevicesChanged struct {
	UserID string
}

// StateChanged fires when a device's state bag actually changed (structural
// comparison). Prev and New are deep copies owned by the receiver.
type StateChanged struct {
	UserID   string
	ClientID string
	Device   Device
	Prev     State
	New      State
}

// Listener receives repository events. Callbacks run synchronously inside
// the per-user serialized section so observers see changes in causal order;
// implementations must hand off quickly and never block.
type Listener interface {
	OnDevicesChanged(DevicesChanged)
	OnStateChanged(StateChanged)
}

// Command is a lowered gateway command ready for routing. Payload is the
// translator's output (e.g. {"status":"off"} or {"level":128}).
type Command struct {
	UserID   string
	ClientID string
	Device   Device
	Endpoint int
	Payload  map[string]any
}

// Router forwards a command to the live gateway connection owning the
// device. Implementations return ErrNoRoute when that connection is gone.
type Router interface {
	RouteCommand(cmd Command) error
}
