// Package directory maps bearer credentials to users and users to their live
// gateway connections. It is the single writer of the user-connection map;
// user records themselves live in a Store (Postgres in production, in-memory
// for tests and development).
package directory

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hearthcloud/bridge/internal/devices"
)

var (
	// ErrTokenUnknown means no user owns the presented client token.
	ErrTokenUnknown = errors.New("directory: unknown token")

	// ErrUserUnknown means the user id is not in the store.
	ErrUserUnknown = errors.New("directory: unknown user")

	// ErrUserExists means a create collided with an existing user id.
	ErrUserExists = errors.New("directory: user already exists")

	// ErrNoRoute means the (user, client) pair has no live subscribed
	// connection. Wraps devices.ErrNoRoute so repository callers can match
	// either sentinel.
	ErrNoRoute = fmt.Errorf("directory: %w", devices.ErrNoRoute)
)

// UserRecord is one provisioned user. TokenDigest is the SHA-256 of the
// gateway client token; the token itself is never stored.
type UserRecord struct {
	ID          string
	TokenDigest []byte
	Linked      bool
}

// Store persists user records.
type Store interface {
	// UserByTokenDigest resolves a token digest to its user.
	// Returns ErrTokenUnknown when no user matches.
	UserByTokenDigest(ctx context.Context, digest []byte) (UserRecord, error)

	// SetLinked flips the assistant-linked flag.
	SetLinked(ctx context.Context, userID string, linked bool) error

	// CreateUser provisions a user with its token digest.
	CreateUser(ctx context.Context, userID string, digest []byte) error

	// SetToken replaces a user's token digest.
	SetToken(ctx context.Context, userID string, digest []byte) error

	// ListUsers returns every user record, ordered by id.
	ListUsers(ctx context.Context) ([]UserRecord, error)
}

// TokenDigest hashes a client token for storage and lookup.
func TokenDigest(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

// digestEqual compares two digests in constant time.
func digestEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// MemoryStore is the in-process Store used by tests and single-node dev runs.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[string]*UserRecord // user id -> record
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{users: make(map[string]*UserRecord)}
}

// UserByTokenDigest scans all users, comparing every digest in constant time
// so an unknown token costs the same as a known one.
func (s *MemoryStore) UserByTokenDigest(_ context.Context, digest []byte) (UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *UserRecord
	for _, rec := range s.users {
		if digestEqual(rec.TokenDigest, digest) {
			found = rec
		}
	}
	if found == nil {
		return UserRecord{}, ErrTokenUnknown
	}
	return cloneRecord(*found), nil
}

func (s *MemoryStore) SetLinked(_ context.Context, userID string, linked bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return ErrUserUnknown
	}
	rec.Linked = linked
	return nil
}

func (s *MemoryStore) CreateUser(_ context.Context, userID string, digest []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; ok {
		return ErrUserExists
	}
	s.users[userID] = &UserRecord{ID: userID, TokenDigest: append([]byte(nil), digest...)}
	return nil
}

func (s *MemoryStore) SetToken(_ context.Context, userID string, digest []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.users[userID]
	if !ok {
		return ErrUserUnknown
	}
	rec.TokenDigest = append([]byte(nil), digest...)
	return nil
}

func (s *MemoryStore) ListUsers(_ context.Context) ([]UserRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]UserRecord, 0, len(s.users))
	for _, rec := range s.users {
		out = append(out, cloneRecord(*rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func cloneRecord(rec UserRecord) UserRecord {
	rec.TokenDigest = append([]byte(nil), rec.TokenDigest...)
	return rec
}
