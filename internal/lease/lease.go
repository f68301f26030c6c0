// Package lease keeps two concurrent runs from using the same cluster tag.
// The lease is a Redis key with a TTL, so a crashed run releases its tag
// once the TTL lapses.
package lease

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrTagInUse is returned by Acquire when another run holds the tag.
var ErrTagInUse = errors.New("cluster tag is in use by another run")

const keyPrefix = "suiterun:lease:"

// Deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// NewRedisClient parses url and checks that the server answers.
func NewRedisClient(ctx context.Context, url string) (redis.UniversalClient, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("error connecting to redis: %w", err)
	}
	return client, nil
}

// Locker hands out tag leases.
type Locker struct {
	client redis.UniversalClient
	logger *slog.Logger
}

// New creates a Locker backed by client.
func New(client redis.UniversalClient, logger *slog.Logger) *Locker {
	return &Locker{client: client, logger: logger}
}

// Lease is a held tag.
type Lease struct {
	client redis.UniversalClient
	key    string
	token  string
	logger *slog.Logger
}

// Acquire takes the lease for tag for at most ttl.
func (l *Locker) Acquire(ctx context.Context, tag string, ttl time.Duration) (*Lease, error) {
	key := keyPrefix + tag
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquiring lease for %s: %w", tag, err)
	}
	if !ok {
		remaining, _ := l.client.PTTL(ctx, key).Result()
		return nil, fmt.Errorf("%w: %s (expires in %s)", ErrTagInUse, tag, remaining.Round(time.Second))
	}

	l.logger.Info("tag lease acquired",
		slog.String("tag", tag),
		slog.Duration("ttl", ttl),
	)
	return &Lease{client: l.client, key: key, token: token, logger: l.logger}, nil
}

// Release gives the tag back.  Releasing a lease that already expired, or
// was taken over after expiry, is not an error and leaves the new holder
// alone.
func (le *Lease) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, le.client, []string{le.key}, le.token).Int()
	if err != nil {
		return fmt.Errorf("releasing lease %s: %w", le.key, err)
	}
	if n == 0 {
		le.logger.Warn("tag lease had already expired", slog.String("key", le.key))
	}
	return nil
}
