package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hearthcloud/bridge/internal/devices"
	"github.com/hearthcloud/bridge/internal/protocol"
)

// Session is the directory's view of one live gateway connection. Implemented
// by the gateway connection; Publish is only legal once the session is
// subscribed, which the directory guarantees by construction (sessions attach
// after authentication).
type Session interface {
	SessionID() string
	ClientID() string
	Publish(topic string, message map[string]any) error
	Close(reason string)
}

// Purger removes a detached connection's devices. Implemented by the device
// repository.
type Purger interface {
	RemoveClient(userID, clientID string)
}

// Config configures a Directory.
type Config struct {
	Logger *slog.Logger
	Store  Store
	Purger Purger
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Purger == nil {
		return errors.New("purger is required")
	}
	return nil
}

// Directory owns the user-connection map. All mutation goes through its one
// mutex; reads hand out snapshots.
type Directory struct {
	log    *slog.Logger
	store  Store
	purger Purger

	mu       sync.Mutex
	sessions map[string]map[string]Session // user id -> client id -> session
}

// New creates a directory.
func New(cfg Config) (*Directory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid directory config: %w", err)
	}
	return &Directory{
		log:      cfg.Logger,
		store:    cfg.Store,
		purger:   cfg.Purger,
		sessions: make(map[string]map[string]Session),
	}, nil
}

// ResolveToken maps a gateway client token to its user id. The digest
// comparison is constant-time; unknown tokens are indistinguishable from
// known ones by timing.
func (d *Directory) ResolveToken(ctx context.Context, token string) (string, error) {
	rec, err := d.store.UserByTokenDigest(ctx, TokenDigest(token))
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Attach registers an authenticated session under its (user, client) pair.
// A live session already holding the pair is closed first; the newer
// connection wins.
func (d *Directory) Attach(userID, clientID string, sess Session) {
	d.mu.Lock()
	byClient, ok := d.sessions[userID]
	if !ok {
		byClient = make(map[string]Session)
		d.sessions[userID] = byClient
	}
	old := byClient[clientID]
	byClient[clientID] = sess
	d.mu.Unlock()

	if old != nil && old != sess {
		d.log.Info("replacing stale gateway session",
			"user", userID, "client", clientID, "old", old.SessionID(), "new", sess.SessionID())
		old.Close("superseded")
	}
}

// Detach unlinks a session and purges its devices. Idempotent, and a no-op
// for sessions that were already superseded by a newer connection.
func (d *Directory) Detach(userID string, sess Session) {
	if userID == "" {
		return // never authenticated, nothing registered
	}

	d.mu.Lock()
	byClient := d.sessions[userID]
	current, ok := byClient[sess.ClientID()]
	if !ok || current != sess {
		d.mu.Unlock()
		return
	}
	delete(byClient, sess.ClientID())
	if len(byClient) == 0 {
		delete(d.sessions, userID)
	}
	d.mu.Unlock()

	d.purger.RemoveClient(userID, sess.ClientID())
}

// ConnectionsOf returns a snapshot of the user's live sessions.
func (d *Directory) ConnectionsOf(userID string) []Session {
	d.mu.Lock()
	defer d.mu.Unlock()

	byClient := d.sessions[userID]
	out := make([]Session, 0, len(byClient))
	for _, sess := range byClient {
		out = append(out, sess)
	}
	return out
}

// session resolves one (user, client) pair.
func (d *Directory) session(userID, clientID string) (Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	sess, ok := d.sessions[userID][clientID]
	if !ok {
		return nil, fmt.Errorf("%w: user %s client %s", ErrNoRoute, userID, clientID)
	}
	return sess, nil
}

// RouteCommand forwards a lowered device command to the connection owning the
// device. Satisfies devices.Router.
func (d *Directory) RouteCommand(cmd devices.Command) error {
	sess, err := d.session(cmd.UserID, cmd.ClientID)
	if err != nil {
		return err
	}

	topic := protocol.CommandTopic(cmd.Device.Protocol())
	message := protocol.CommandMessage(cmd.Device.Alias(), cmd.Endpoint, cmd.Payload)
	if err := sess.Publish(topic, message); err != nil {
		return fmt.Errorf("publish command: %w", err)
	}
	return nil
}

var _ devices.Router = (*Directory)(nil)

// SetLinked flips the assistant-linked flag on the user record.
func (d *Directory) SetLinked(ctx context.Context, userID string, linked bool) error {
	return d.store.SetLinked(ctx, userID, linked)
}
