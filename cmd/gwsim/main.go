// Command gwsim simulates a LAN gateway: it connects to the bridge, runs the
// key exchange, authenticates, publishes a small fleet of fake lamps, and
// answers commands by echoing the state change back. Useful against a local
// bridge when no hardware is around.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/lmittmann/tint"

	"github.com/hearthcloud/bridge/internal/protocol"
	"github.com/hearthcloud/bridge/pkg/gatewayclient"
)

// 2^31-1, the largest prime representable in the 32-bit handshake fields.
const dhPrime = 2147483647

func main() {
	addr := flag.String("addr", "127.0.0.1:8442", "bridge gateway address")
	token := flag.String("token", "", "gateway auth token (required)")
	uniqueID := flag.String("unique-id", "gwsim-1", "gateway uniqueId")
	proto := flag.String("proto", "zigbee", "protocol service name")
	count := flag.Int("devices", 3, "number of simulated lamps")
	flag.Parse()

	log := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: slog.LevelDebug, TimeFormat: time.TimeOnly,
	}))

	if *token == "" {
		log.Error("a -token is required")
		os.Exit(2)
	}

	sim := &simulator{
		log:      log,
		addr:     *addr,
		token:    *token,
		uniqueID: *uniqueID,
		proto:    *proto,
		lamps:    newLamps(*proto, *count),
	}

	// Reconnect forever; the bridge closes us on restarts and takeovers.
	backoff := time.Second
	for {
		err := sim.session()
		log.Warn("session ended", "error", err, "retry_in", backoff)
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// lamp is one simulated dimmable light.
type lamp struct {
	address string
	name    string

	mu    sync.Mutex
	state map[string]any
}

func newLamps(proto string, n int) []*lamp {
	lamps := make([]*lamp, 0, n)
	for i := 0; i < n; i++ {
		lamps = append(lamps, &lamp{
			address: fmt.Sprintf("84:fd:27:00:00:00:00:%02x", i+1),
			name:    fmt.Sprintf("Sim Lamp %d", i+1),
			state: map[string]any{
				"state":      "OFF",
				"brightness": 128,
			},
		})
	}
	return lamps
}

func (l *lamp) snapshot() map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]any, len(l.state))
	for k, v := range l.state {
		out[k] = v
	}
	return out
}

// apply folds a command payload into the lamp state and returns the new
// snapshot. The inbound "action" verb maps back to the "state" key.
func (l *lamp) apply(msg map[string]any) map[string]any {
	l.mu.Lock()
	defer l.mu.Unlock()
	for k, v := range msg {
		switch k {
		case "device", "service", "endpoint":
			// routing metadata, not state
		case "action":
			l.state["state"] = strings.ToUpper(fmt.Sprint(v))
		default:
			l.state[k] = v
		}
	}
	out := make(map[string]any, len(l.state))
	for k, v := range l.state {
		out[k] = v
	}
	return out
}

type simulator struct {
	log      *slog.Logger
	addr     string
	token    string
	uniqueID string
	proto    string
	lamps    []*lamp
}

func (s *simulator) session() error {
	client, err := gatewayclient.Dial(s.addr, 5*time.Second)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Handshake(dhPrime, 5, 5*time.Second); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	if err := client.Authenticate(s.uniqueID, s.token); err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := client.WaitSubscribe(protocol.StatusWildcard, 5*time.Second); err != nil {
		return fmt.Errorf("wait for auth ack: %w", err)
	}
	s.log.Info("authenticated", "addr", s.addr, "unique_id", s.uniqueID)

	if err := s.announce(client); err != nil {
		return err
	}

	// Periodic liveness keeps the bridge watchdog happy.
	stop := make(chan struct{})
	defer close(stop)
	go s.heartbeat(client, stop)

	return client.HandleCommands(func(topic string, msg map[string]any) {
		s.handleCommand(client, topic, msg)
	})
}

// announce publishes the inventory, then per-device capabilities, liveness
// and initial state, in the same order a real gateway boots.
func (s *simulator) announce(client *gatewayclient.Client) error {
	inv := protocol.InventoryMessage{Names: false}
	for _, l := range s.lamps {
		inv.Devices = append(inv.Devices, protocol.InventoryDevice{
			IEEEAddress:      l.address,
			Name:             l.name,
			Description:      "simulated dimmable light",
			ManufacturerName: "gwsim",
			ModelName:        "SIM-LAMP-1",
			Cloud:            true,
		})
	}
	if err := client.PublishInventory(s.proto, inv); err != nil {
		return fmt.Errorf("publish inventory: %w", err)
	}

	for _, l := range s.lamps {
		topic := s.proto + "/" + l.address
		expose := protocol.ExposeMessage{
			"1": {Items: []string{"light", "brightness"}},
		}
		if err := client.PublishExpose(topic, expose); err != nil {
			return fmt.Errorf("publish expose: %w", err)
		}
		if err := client.PublishAvailability(topic, true); err != nil {
			return fmt.Errorf("publish availability: %w", err)
		}
		if err := client.PublishState(topic, 1, l.snapshot()); err != nil {
			return fmt.Errorf("publish state: %w", err)
		}
	}
	s.log.Info("fleet announced", "devices", len(s.lamps))
	return nil
}

func (s *simulator) heartbeat(client *gatewayclient.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for _, l := range s.lamps {
				if err := client.PublishAvailability(s.proto+"/"+l.address, true); err != nil {
					return
				}
			}
		}
	}
}

// handleCommand applies a cloud command to the addressed lamp and reports the
// resulting state, with a little latency jitter so the flow reads like
// hardware.
func (s *simulator) handleCommand(client *gatewayclient.Client, topic string, msg map[string]any) {
	address, _ := msg["device"].(string)
	var target *lamp
	for _, l := range s.lamps {
		if l.address == address {
			target = l
			break
		}
	}
	if target == nil {
		s.log.Warn("command for unknown device", "topic", topic, "device", address)
		return
	}

	s.log.Info("command received", "device", address, "message", msg)
	state := target.apply(msg)

	time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
	if err := client.PublishState(s.proto+"/"+target.address, 1, state); err != nil {
		s.log.Warn("state echo failed", "device", address, "error", err)
	}
}
