package provision

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// guardTTL bounds how long an in-flight marker survives if its holder
// crashes before releasing it.
const guardTTL = 30 * time.Second

// Guard suppresses concurrent provisioning of the same identity. When
// Acquire reports acquired=false, another attempt holds the slot.
type Guard interface {
	Acquire(ctx context.Context, tenantID, email string) (release func(), acquired bool, err error)
}

type nopGuard struct{}

func (nopGuard) Acquire(context.Context, string, string) (func(), bool, error) {
	return func() {}, true, nil
}

// RedisGuard implements Guard with a SETNX lease per (tenant, email).
type RedisGuard struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisGuard creates a guard on the given client.
func NewRedisGuard(client *redis.Client) *RedisGuard {
	return &RedisGuard{client: client, ttl: guardTTL}
}

func (g *RedisGuard) key(tenantID, email string) string {
	sum := sha256.Sum256([]byte(email))
	return fmt.Sprintf("keystone:jit:%s:%s", tenantID, hex.EncodeToString(sum[:]))
}

// Acquire takes the lease. The release func deletes the key early so
// back-to-back logins by the same user are not penalized for the full
// TTL.
func (g *RedisGuard) Acquire(ctx context.Context, tenantID, email string) (func(), bool, error) {
	key := g.key(tenantID, email)
	acquired, err := g.client.SetNX(ctx, key, "1", g.ttl).Result()
	if err != nil {
		return func() {}, false, err
	}
	if !acquired {
		return func() {}, false, nil
	}
	release := func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		g.client.Del(releaseCtx, key)
	}
	return release, true, nil
}
