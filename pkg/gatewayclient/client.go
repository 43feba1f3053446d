// Package gatewayclient implements the gateway side of the bridge's TCP
// protocol: the client half of the Diffie-Hellman exchange, the record
// cipher, and the publish/subscribe message shapes. The gwsim tool and the
// end-to-end tests speak through it; a real LAN gateway could too.
package gatewayclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hearthcloud/bridge/internal/protocol"
	"github.com/hearthcloud/bridge/internal/session"
)

// ErrClosed means the connection is gone.
var ErrClosed = errors.New("gatewayclient: connection closed")

// Client is one gateway connection to the bridge.
type Client struct {
	conn    net.Conn
	cipher  *session.Cipher
	decoder *protocol.Decoder

	wmu sync.Mutex // serializes writes
}

// Dial connects to the bridge's gateway listener.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial bridge: %w", err)
	}
	return &Client{conn: conn, decoder: protocol.NewDecoder(0)}, nil
}

// Handshake runs the client half of the key exchange with the given DH
// group. Gateways pick small 32-bit groups; the bridge reproduces whatever
// the client sends.
func (c *Client) Handshake(prime, generator uint32, timeout time.Duration) error {
	hs, err := session.NewClientHandshake(prime, generator)
	if err != nil {
		return err
	}

	c.conn.SetDeadline(time.Now().Add(timeout))
	defer c.conn.SetDeadline(time.Time{})

	if _, err := c.conn.Write(hs.Hello()); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	reply := make([]byte, session.ReplySize)
	if _, err := io.ReadFull(c.conn, reply); err != nil {
		return fmt.Errorf("read handshake reply: %w", err)
	}

	cipher, err := hs.Finish(reply)
	if err != nil {
		return err
	}
	c.cipher = cipher
	return nil
}

// Authenticate sends the first encrypted frame: the uniqueId/token pair.
func (c *Client) Authenticate(uniqueID, token string) error {
	return c.sendJSON(protocol.AuthRequest{UniqueID: uniqueID, Token: token})
}

// WaitSubscribe reads envelopes until the bridge's subscription for topic
// arrives. The status/# subscription doubles as the auth acknowledgement.
func (c *Client) WaitSubscribe(topic string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		env, err := c.ReadEnvelope(time.Until(deadline))
		if err != nil {
			return err
		}
		if env.Action == protocol.ActionSubscribe && env.Topic == topic {
			return nil
		}
	}
}

// ReadEnvelope blocks for the next decrypted envelope from the bridge.
func (c *Client) ReadEnvelope(timeout time.Duration) (protocol.Envelope, error) {
	if c.cipher == nil {
		return protocol.Envelope{}, ErrClosed
	}

	if timeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(timeout))
		defer c.conn.SetReadDeadline(time.Time{})
	}

	buf := make([]byte, 4096)
	for {
		if frame, ok, err := c.decoder.Next(); err != nil {
			return protocol.Envelope{}, err
		} else if ok {
			plain, err := c.cipher.Decrypt(frame)
			if err != nil {
				return protocol.Envelope{}, err
			}
			var env protocol.Envelope
			if err := json.Unmarshal(plain, &env); err != nil {
				return protocol.Envelope{}, fmt.Errorf("parse envelope: %w", err)
			}
			return env, nil
		}

		n, err := c.conn.Read(buf)
		if err != nil {
			return protocol.Envelope{}, err
		}
		if err := c.decoder.Write(buf[:n]); err != nil {
			return protocol.Envelope{}, err
		}
	}
}

// Publish sends a publish envelope on a topic.
func (c *Client) Publish(topic string, message any) error {
	env, err := protocol.Publish(topic, message)
	if err != nil {
		return err
	}
	return c.sendJSON(env)
}

// PublishInventory announces the device inventory of a protocol service.
func (c *Client) PublishInventory(proto string, msg protocol.InventoryMessage) error {
	return c.Publish("status/"+proto, msg)
}

// PublishExpose announces a device's per-endpoint capability map.
func (c *Client) PublishExpose(deviceTopic string, msg protocol.ExposeMessage) error {
	return c.Publish(protocol.ExposeTopic(deviceTopic), msg)
}

// PublishAvailability sends a device liveness signal.
func (c *Client) PublishAvailability(deviceTopic string, online bool) error {
	status := "offline"
	if online {
		status = "online"
	}
	return c.Publish(protocol.AvailabilityTopic(deviceTopic), protocol.AvailabilityMessage{Status: status})
}

// PublishState reports device state key-values. endpoint < 0 targets the
// device-wide bag.
func (c *Client) PublishState(deviceTopic string, endpoint int, state map[string]any) error {
	topic := protocol.StateTopic(deviceTopic)
	if endpoint >= 0 {
		topic += "/" + strconv.Itoa(endpoint)
	}
	return c.Publish(topic, state)
}

// HandleCommands reads envelopes until the connection fails, invoking
// onCommand for every publish on a command channel. Other envelopes are
// ignored.
func (c *Client) HandleCommands(onCommand func(topic string, message map[string]any)) error {
	for {
		env, err := c.ReadEnvelope(0)
		if err != nil {
			return err
		}
		if env.Action != protocol.ActionPublish || !strings.HasPrefix(env.Topic, "command/") {
			continue
		}
		var msg map[string]any
		if err := json.Unmarshal(env.Message, &msg); err != nil {
			continue
		}
		onCommand(env.Topic, msg)
	}
}

func (c *Client) sendJSON(v any) error {
	if c.cipher == nil {
		return ErrClosed
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	wire := protocol.Encode(c.cipher.Encrypt(raw))

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.conn.Write(wire); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close tears the connection down.
func (c *Client) Close() error {
	return c.conn.Close()
}
