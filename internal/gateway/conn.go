// Package gateway terminates the TCP sessions of LAN gateways: the
// handshake/auth/subscribe state machine per socket, the class-aware send
// queue, and the accept loop wiring connections into the user directory and
// the device repository.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/hearthcloud/bridge/internal/devices"
	"github.com/hearthcloud/bridge/internal/directory"
	"github.com/hearthcloud/bridge/internal/events"
	"github.com/hearthcloud/bridge/internal/monitoring"
	"github.com/hearthcloud/bridge/internal/protocol"
	"github.com/hearthcloud/bridge/internal/session"
)

// State is the per-connection lifecycle position.
type State int32

const (
	StateAwaitHandshake State = iota
	StateAwaitAuth
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitHandshake:
		return "await_handshake"
	case StateAwaitAuth:
		return "await_auth"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ErrNotSubscribed means a send was attempted before the session reached
// StateSubscribed. The directory only routes to attached (subscribed)
// sessions, so hitting this indicates a wiring bug.
var ErrNotSubscribed = errors.New("gateway: session not subscribed")

// Close reasons, used as telemetry labels.
const (
	ReasonReadEOF        = "read_eof"
	ReasonReadError      = "read_error"
	ReasonWriteError     = "write_error"
	ReasonHandshake      = "handshake_failed"
	ReasonDecrypt        = "decrypt_failed"
	ReasonBadPayload     = "bad_payload"
	ReasonUnknownToken   = "unknown_token"
	ReasonBufferOverflow = "buffer_overflow"
	ReasonAuthTimeout    = "auth_timeout"
	ReasonSuperseded     = "superseded"
	ReasonShutdown       = "shutdown"
)

// DefaultAuthTimeout is the handshake-to-authenticated deadline.
const DefaultAuthTimeout = 10 * time.Second

// Registry is the connection's view of the user directory.
type Registry interface {
	ResolveToken(ctx context.Context, token string) (string, error)
	Attach(userID, clientID string, sess directory.Session)
	Detach(userID string, sess directory.Session)
}

// Catalog is the connection's view of the device repository.
type Catalog interface {
	SyncClientDevices(userID, clientID string, incoming []devices.SyncDevice) (added, removed []devices.Device)
	UpdateDevice(userID, clientID, deviceID string, endpoints []devices.Endpoint) error
	SetAvailable(userID, clientID, deviceID string, available bool) error
	UpdateState(userID, clientID, deviceID string, partial map[string]any) error
	UpdateEndpointState(userID, clientID, deviceID string, endpointID int, partial map[string]any) error
	FindByTopic(userID, clientID, deviceTopic string) (devices.Device, bool)
}

// Conn is one live gateway session.
type Conn struct {
	id       string
	log      *slog.Logger
	raw      net.Conn
	registry Registry
	catalog  Catalog
	emit     events.Emitter
	clock    clockwork.Clock

	state atomic.Int32

	// handshake accumulator and record decoder; owned by the read goroutine.
	hello   []byte
	decoder *protocol.Decoder

	// cipher is written once by the read goroutine on handshake completion
	// and read by Publish callers afterwards; the state transition to
	// AwaitAuth publishes it.
	cipher atomic.Pointer[session.Cipher]

	mu       sync.Mutex
	userID   string
	clientID string

	queue     *sendQueue
	authTimer clockwork.Timer
	closeOnce sync.Once
	done      chan struct{}
}

func newConn(raw net.Conn, cfg Config) *Conn {
	c := &Conn{
		id:       uuid.NewString(),
		raw:      raw,
		registry: cfg.Registry,
		catalog:  cfg.Catalog,
		emit:     cfg.Events,
		clock:    cfg.Clock,
		decoder:  protocol.NewDecoder(cfg.MaxBufferBytes),
		queue:    newSendQueue(cfg.SendQueueSize),
		done:     make(chan struct{}),
	}
	c.log = cfg.Logger.With("session", c.id, "remote", raw.RemoteAddr().String())
	c.authTimer = c.clock.AfterFunc(cfg.AuthTimeout, func() {
		if c.State() != StateSubscribed {
			c.Close(ReasonAuthTimeout)
		}
	})
	return c
}

// SessionID returns the server-assigned connection id.
func (c *Conn) SessionID() string { return c.id }

// ClientID returns the gateway-reported uniqueId; empty until authenticated.
func (c *Conn) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// UserID returns the bound user; empty until authenticated.
func (c *Conn) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// State returns the current lifecycle position.
func (c *Conn) State() State { return State(c.state.Load()) }

// run drives the connection until the socket or the state machine ends it.
func (c *Conn) run() {
	c.emit.Emit(events.TypeSessionConnected, c.id, map[string]any{
		"remote": c.raw.RemoteAddr().String(),
	})

	go c.writeLoop()

	buf := make([]byte, 4096)
	for {
		n, err := c.raw.Read(buf)
		if n > 0 {
			monitoring.GatewayBytesIn.Add(float64(n))
			if herr := c.handleBytes(buf[:n]); herr != nil {
				c.log.Warn("closing gateway session", "state", c.State().String(), "error", herr)
				c.Close(closeReason(herr))
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				c.Close(ReasonReadEOF)
			} else if c.State() != StateClosed {
				c.Close(ReasonReadError)
			}
			return
		}
	}
}

// closeReason maps a state-machine error onto its telemetry label.
func closeReason(err error) string {
	switch {
	case errors.Is(err, protocol.ErrBufferOverflow):
		return ReasonBufferOverflow
	case errors.Is(err, protocol.ErrLeadingGarbage),
		errors.Is(err, protocol.ErrBadEscape),
		errors.Is(err, protocol.ErrBareDelimiter):
		return ReasonBadPayload
	case errors.Is(err, session.ErrBadHandshake):
		return ReasonHandshake
	case errors.Is(err, session.ErrBadPadding), errors.Is(err, session.ErrBadCiphertext):
		return ReasonDecrypt
	case errors.Is(err, directory.ErrTokenUnknown):
		return ReasonUnknownToken
	default:
		return ReasonBadPayload
	}
}

// handleBytes advances the state machine with freshly read bytes. Any
// returned error is transport-fatal.
func (c *Conn) handleBytes(p []byte) error {
	if c.State() == StateAwaitHandshake {
		c.hello = append(c.hello, p...)
		if len(c.hello) < session.HelloSize {
			return nil
		}

		reply, cipher, err := session.Handshake(c.hello[:session.HelloSize])
		if err != nil {
			return err
		}
		c.cipher.Store(cipher)

		rest := c.hello[session.HelloSize:]
		c.hello = nil
		c.state.Store(int32(StateAwaitAuth))
		c.enqueue(classControl, reply)

		p = rest
		if len(p) == 0 {
			return nil
		}
	}

	if err := c.decoder.Write(p); err != nil {
		return err
	}
	for {
		frame, ok, err := c.decoder.Next()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		monitoring.GatewayFramesIn.Inc()
		if err := c.handleFrame(frame); err != nil {
			return err
		}
	}
}

func (c *Conn) handleFrame(frame []byte) error {
	plain, err := c.cipher.Load().Decrypt(frame)
	if err != nil {
		return err
	}

	if c.State() == StateAwaitAuth {
		return c.authenticate(plain)
	}
	return c.dispatch(plain)
}

// authenticate handles the first frame after the handshake.
func (c *Conn) authenticate(plain []byte) error {
	var req protocol.AuthRequest
	if err := json.Unmarshal(plain, &req); err != nil {
		return fmt.Errorf("parse auth message: %w", err)
	}
	if req.UniqueID == "" || req.Token == "" {
		return fmt.Errorf("auth message missing uniqueId or token: %w", directory.ErrTokenUnknown)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	userID, err := c.registry.ResolveToken(ctx, req.Token)
	if err != nil {
		monitoring.GatewayAuthFailures.Inc()
		return fmt.Errorf("resolve token: %w", err)
	}

	c.mu.Lock()
	c.userID = userID
	c.clientID = req.UniqueID
	c.mu.Unlock()

	c.authTimer.Stop()
	c.state.Store(int32(StateSubscribed))
	c.registry.Attach(userID, req.UniqueID, c)

	if err := c.sendSubscribe(protocol.StatusWildcard); err != nil {
		return err
	}

	c.log.Info("gateway session authenticated", "user", userID, "client", req.UniqueID)
	c.emit.Emit(events.TypeSessionAuthenticated, userID, map[string]any{
		"session": c.id,
		"client":  req.UniqueID,
	})
	return nil
}

// dispatch routes one subscribed-state frame. Unknown topics and unknown
// devices are transient: the message is dropped and the connection lives on.
// Malformed JSON is transport-fatal.
func (c *Conn) dispatch(plain []byte) error {
	var env protocol.Envelope
	if err := json.Unmarshal(plain, &env); err != nil {
		return fmt.Errorf("parse envelope: %w", err)
	}
	if env.Action != protocol.ActionPublish {
		c.log.Debug("dropping non-publish envelope", "action", env.Action)
		return nil
	}

	topic, ok := protocol.ParseTopic(env.Topic)
	if !ok {
		c.log.Debug("dropping unknown topic", "topic", env.Topic)
		return nil
	}

	userID, clientID := c.UserID(), c.ClientID()

	switch topic.Kind {
	case protocol.TopicStatus:
		var msg protocol.InventoryMessage
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return fmt.Errorf("parse inventory: %w", err)
		}
		c.syncInventory(userID, clientID, topic.Protocol, msg)

	case protocol.TopicExpose:
		dev, found := c.catalog.FindByTopic(userID, clientID, topic.DeviceTopic())
		if !found {
			c.log.Debug("expose for unknown device", "topic", env.Topic)
			return nil
		}
		var msg protocol.ExposeMessage
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return fmt.Errorf("parse expose: %w", err)
		}
		if err := c.catalog.UpdateDevice(userID, clientID, dev.ID, exposeEndpoints(msg)); err != nil {
			c.log.Debug("endpoint update rejected", "device", dev.ID, "error", err)
		}

	case protocol.TopicDevice:
		dev, found := c.catalog.FindByTopic(userID, clientID, topic.DeviceTopic())
		if !found {
			c.log.Debug("liveness for unknown device", "topic", env.Topic)
			return nil
		}
		var msg protocol.AvailabilityMessage
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			return fmt.Errorf("parse availability: %w", err)
		}
		if err := c.catalog.SetAvailable(userID, clientID, dev.ID, msg.Online()); err != nil {
			c.log.Debug("availability update rejected", "device", dev.ID, "error", err)
		}

	case protocol.TopicFD:
		dev, found := c.catalog.FindByTopic(userID, clientID, topic.DeviceTopic())
		if !found {
			c.log.Debug("state for unknown device", "topic", env.Topic)
			return nil
		}
		var partial map[string]any
		if err := json.Unmarshal(env.Message, &partial); err != nil {
			return fmt.Errorf("parse state payload: %w", err)
		}
		var uerr error
		if topic.HasEP {
			uerr = c.catalog.UpdateEndpointState(userID, clientID, dev.ID, topic.Endpoint, partial)
		} else {
			uerr = c.catalog.UpdateState(userID, clientID, dev.ID, partial)
		}
		if uerr != nil {
			c.log.Debug("state update rejected", "device", dev.ID, "error", uerr)
		}
	}

	return nil
}

// syncInventory reconciles a status/<protocol> inventory and subscribes to
// the per-device topics of every newly added device.
func (c *Conn) syncInventory(userID, clientID, proto string, msg protocol.InventoryMessage) {
	incoming := make([]devices.SyncDevice, 0, len(msg.Devices))
	for _, d := range msg.Devices {
		if !d.Cloud || d.Removed || d.Name == "" {
			continue
		}
		// The radio itself shows up in its own inventory; skip it.
		if strings.EqualFold(d.Name, proto) || strings.EqualFold(d.Name, "coordinator") {
			continue
		}
		incoming = append(incoming, devices.SyncDevice{
			Device: devices.Device{
				ID:           proto + "/" + d.IEEEAddress,
				Name:         d.Name,
				Description:  d.Description,
				Manufacturer: d.ManufacturerName,
				Model:        d.ModelName,
				Firmware:     d.Firmware,
				Version:      d.Version.String(),
				Topic:        proto + "/" + d.TopicAlias(msg.Names),
			},
			Available: d.Available,
		})
	}

	added, removed := c.catalog.SyncClientDevices(userID, clientID, incoming)
	if len(added)+len(removed) > 0 {
		c.log.Info("inventory sync", "protocol", proto, "added", len(added), "removed", len(removed))
	}

	for _, dev := range added {
		topic := dev.Topic
		for _, sub := range []string{
			protocol.ExposeTopic(topic),
			protocol.AvailabilityTopic(topic),
			protocol.StateTopic(topic),
		} {
			if err := c.sendSubscribe(sub); err != nil {
				c.log.Warn("device subscription dropped", "topic", sub, "error", err)
			}
		}
	}
}

// exposeEndpoints converts an expose map into a sorted endpoint list,
// folding non-numeric keys into the device-wide endpoint 0.
func exposeEndpoints(msg protocol.ExposeMessage) []devices.Endpoint {
	byID := make(map[int]*devices.Endpoint)
	for key, ep := range msg {
		id := protocol.EndpointID(key)
		cur, ok := byID[id]
		if !ok {
			cur = &devices.Endpoint{ID: id, Options: make(map[string]any)}
			byID[id] = cur
		}
		cur.Exposes = append(cur.Exposes, ep.Items...)
		for k, v := range ep.Options {
			cur.Options[k] = v
		}
	}

	out := make([]devices.Endpoint, 0, len(byID))
	for _, ep := range byID {
		sort.Strings(ep.Exposes)
		out = append(out, *ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Publish encrypts, frames, and queues one outbound message. Only legal once
// subscribed. Command-channel messages are never evicted by backpressure.
func (c *Conn) Publish(topic string, message map[string]any) error {
	if c.State() != StateSubscribed {
		return ErrNotSubscribed
	}

	env, err := protocol.Publish(topic, message)
	if err != nil {
		return err
	}

	class := classState
	if strings.HasPrefix(topic, "command/") {
		class = classCommand
	}
	if err := c.send(class, env); err != nil {
		return err
	}

	if class == classCommand {
		c.emit.Emit(events.TypeCommandSent, c.UserID(), map[string]any{
			"session": c.id,
			"topic":   topic,
			"message": message,
		})
	}
	return nil
}

func (c *Conn) sendSubscribe(topic string) error {
	return c.send(classControl, protocol.Subscribe(topic))
}

func (c *Conn) send(class msgClass, env protocol.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	cipher := c.cipher.Load()
	if cipher == nil {
		return ErrNotSubscribed
	}
	c.enqueue(class, protocol.Encode(cipher.Encrypt(raw)))
	return nil
}

func (c *Conn) enqueue(class msgClass, wire []byte) {
	if !c.queue.push(queueItem{class: class, wire: wire}) {
		monitoring.GatewaySendDropped.WithLabelValues(classLabel(class)).Inc()
		c.log.Debug("send queue full, message dropped", "class", classLabel(class))
	}
}

func classLabel(class msgClass) string {
	switch class {
	case classControl:
		return "control"
	case classCommand:
		return "command"
	default:
		return "state"
	}
}

// writeLoop is the only goroutine writing to the socket.
func (c *Conn) writeLoop() {
	for {
		item, ok := c.queue.pop(c.done)
		if !ok {
			return
		}
		c.raw.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if _, err := c.raw.Write(item.wire); err != nil {
			c.Close(ReasonWriteError)
			return
		}
		monitoring.GatewayBytesOut.Add(float64(len(item.wire)))
		monitoring.GatewayFramesOut.Inc()
	}
}

// Close tears the connection down. Idempotent; safe from any goroutine.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		prev := State(c.state.Swap(int32(StateClosed)))
		c.authTimer.Stop()
		close(c.done)
		c.queue.close()
		c.raw.Close()

		c.registry.Detach(c.UserID(), c)

		monitoring.GatewayClosed.WithLabelValues(reason).Inc()
		c.log.Info("gateway session closed", "reason", reason, "state", prev.String())
		c.emit.Emit(events.TypeSessionClosed, c.UserID(), map[string]any{
			"session": c.id,
			"client":  c.ClientID(),
			"reason":  reason,
		})
	})
}
