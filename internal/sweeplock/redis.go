package sweeplock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// RedisLocker coordinates sweeps across processes with SET NX + TTL. The TTL
// bounds lock leakage when a holder dies; a sweep longer than the TTL may
// briefly overlap with the next one, which is tolerable because all sweep
// mutations are single-record upserts.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

var _ Locker = (*RedisLocker)(nil)

// Release only deletes the key when this process still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, errors.Wrapf(err, "failed to acquire sweep lock %q", key)
	}
	if !ok {
		return nil, false, nil
	}

	release := func() {
		releaseScript.Run(context.WithoutCancel(ctx), l.client, []string{key}, token)
	}
	return release, true, nil
}
