package platform

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// tokenCacheTTL bounds how long a fetched token is trusted locally. The auth
// service rotates tokens well above this horizon, so a short cache only saves
// round trips and never serves a revoked token for long.
const tokenCacheTTL = time.Minute

// RedisTokenProvider reads per-user access tokens that the auth service
// deposits in Redis under <prefix><userID>. A short in-memory cache keeps a
// burst of submissions for one user to a single lookup.
type RedisTokenProvider struct {
	client *redis.Client
	prefix string
	now    func() time.Time

	mu    sync.Mutex
	cache map[int64]cachedToken
}

type cachedToken struct {
	token   string
	expires time.Time
}

func NewRedisTokenProvider(client *redis.Client, prefix string) *RedisTokenProvider {
	return &RedisTokenProvider{
		client: client,
		prefix: prefix,
		now:    time.Now,
		cache:  make(map[int64]cachedToken),
	}
}

func (p *RedisTokenProvider) AccessToken(ctx context.Context, userID int64) (string, error) {
	p.mu.Lock()
	if c, ok := p.cache[userID]; ok && p.now().Before(c.expires) {
		p.mu.Unlock()
		return c.token, nil
	}
	p.mu.Unlock()

	token, err := p.client.Get(ctx, p.key(userID)).Result()
	if err == redis.Nil {
		// No token means the user never connected their board account or
		// revoked access. That won't fix itself on retry.
		return "", &Error{
			Category:    CategoryForbidden,
			Description: fmt.Sprintf("no access token for user %d", userID),
		}
	}
	if err != nil {
		return "", &Error{
			Category:    CategoryTransient,
			Description: "token lookup failed",
			cause:       err,
		}
	}

	p.mu.Lock()
	p.cache[userID] = cachedToken{token: token, expires: p.now().Add(tokenCacheTTL)}
	p.mu.Unlock()
	return token, nil
}

func (p *RedisTokenProvider) key(userID int64) string {
	return fmt.Sprintf("%s%d", p.prefix, userID)
}
