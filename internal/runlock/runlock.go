package runlock

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// DefaultKey is the key the acquisition pipeline locks on
const DefaultKey = "parser:lock"

// DefaultTTL bounds a wedged run
const DefaultTTL = 2 * time.Hour

// ErrNotHeld is returned by Release when the lock expired or belongs to another run
var ErrNotHeld = eris.New("runlock: lock not held")

// Lock is a single-flight lease in redis. One Lock value represents one run.
type Lock struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	token  string
	logger *zap.Logger
}

// New creates a lock with a fresh owner token
func New(client redis.UniversalClient, key string, ttl time.Duration) *Lock {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{
		client: client,
		key:    key,
		ttl:    ttl,
		token:  uuid.NewString(),
		logger: zap.L().With(zap.String("component", "runlock"), zap.String("key", key)),
	}
}

// Key returns the redis key
func (l *Lock) Key() string {
	return l.key
}

// Token returns the owner token written into the key
func (l *Lock) Token() string {
	return l.token
}

// TryAcquire sets the key only if absent. false means another run holds it.
func (l *Lock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, eris.Wrap(err, "runlock: acquire")
	}
	if ok {
		l.logger.Info("lock acquired", zap.Duration("ttl", l.ttl))
	}
	return ok, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// Release deletes the key if this lock still owns it
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return eris.Wrap(err, "runlock: release")
	}
	if n == 0 {
		return ErrNotHeld
	}
	l.logger.Info("lock released")
	return nil
}

// IsLocked reports whether any run holds the key
func IsLocked(ctx context.Context, client redis.UniversalClient, key string) (bool, error) {
	n, err := client.Exists(ctx, key).Result()
	if err != nil {
		return false, eris.Wrap(err, "runlock: exists")
	}
	return n > 0, nil
}

// TTL returns the remaining lease of the key, or zero when it is free
func TTL(ctx context.Context, client redis.UniversalClient, key string) (time.Duration, error) {
	d, err := client.TTL(ctx, key).Result()
	if err != nil {
		return 0, eris.Wrap(err, "runlock: ttl")
	}
	if d < 0 {
		return 0, nil
	}
	return d, nil
}
