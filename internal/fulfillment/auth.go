package fulfillment

import (
	"context"
	"errors"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// ErrUnauthorized means the bearer token resolves to no user.
var ErrUnauthorized = errors.New("fulfillment: unauthorized")

// AccessTokenResolver maps an assistant bearer token to the user it was
// minted for. The OAuth server issuing those tokens lives elsewhere; the
// bridge only verifies.
type AccessTokenResolver interface {
	ResolveAccessToken(ctx context.Context, token string) (userID string, err error)
}

// StaticTokens is a fixed token-to-user map for development and tests.
type StaticTokens map[string]string

func (s StaticTokens) ResolveAccessToken(_ context.Context, token string) (string, error) {
	userID, ok := s[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return userID, nil
}

// DefaultTokenTTL bounds how long a resolved token is trusted without
// re-checking the upstream resolver.
const DefaultTokenTTL = 60 * time.Second

// CachingResolver fronts a resolver with a TTL cache so every fulfillment
// request does not round-trip to the token authority. Only positive results
// are cached.
type CachingResolver struct {
	upstream AccessTokenResolver
	cache    *ttlcache.Cache[string, string]
}

// NewCachingResolver wraps upstream with a cache; ttl <= 0 means
// DefaultTokenTTL.
func NewCachingResolver(upstream AccessTokenResolver, ttl time.Duration) *CachingResolver {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	cache := ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](ttl),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
	go cache.Start()
	return &CachingResolver{upstream: upstream, cache: cache}
}

func (r *CachingResolver) ResolveAccessToken(ctx context.Context, token string) (string, error) {
	if item := r.cache.Get(token); item != nil {
		return item.Value(), nil
	}

	userID, err := r.upstream.ResolveAccessToken(ctx, token)
	if err != nil {
		return "", err
	}
	r.cache.Set(token, userID, ttlcache.DefaultTTL)
	return userID, nil
}

// DropUser forgets every cached token of one user. Called on DISCONNECT so a
// revoked link stops resolving immediately instead of at TTL expiry.
func (r *CachingResolver) DropUser(userID string) {
	var stale []string
	r.cache.Range(func(item *ttlcache.Item[string, string]) bool {
		if item.Value() == userID {
			stale = append(stale, item.Key())
		}
		return true
	})
	for _, token := range stale {
		r.cache.Delete(token)
	}
}

// Stop ends the cache's expiry loop.
func (r *CachingResolver) Stop() {
	r.cache.Stop()
}
