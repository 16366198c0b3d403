// Package coordination keeps a single authoritative engine across
// replicas with a Redis lease.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"PredictLedger/internal/observability"
)

// ErrLeadershipLost is returned by Run when the lease expired or was taken
// while this process was leading.
var ErrLeadershipLost = errors.New("leadership lost")

// renewLua extends the lease only if the caller still holds it.
const renewLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return 0
`

// releaseLua deletes the lease only if the caller still holds it.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Connect opens a Redis client and pings it.
func Connect(ctx context.Context, addr, password string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return rdb, nil
}

// LeaderLock is a lease on one Redis key. The holder is identified by a
// random token so a stale process can never renew or release a lease it
// no longer owns.
type LeaderLock struct {
	rdb     *redis.Client
	key     string
	token   string
	ttl     time.Duration
	renew   *redis.Script
	release *redis.Script
	metrics *observability.Metrics
	log     zerolog.Logger
}

func NewLeaderLock(rdb *redis.Client, key string, ttl time.Duration, metrics *observability.Metrics, log zerolog.Logger) *LeaderLock {
	return &LeaderLock{
		rdb:     rdb,
		key:     key,
		token:   uuid.New().String(),
		ttl:     ttl,
		renew:   redis.NewScript(renewLua),
		release: redis.NewScript(releaseLua),
		metrics: metrics,
		log:     log,
	}
}

// Token identifies this holder.
func (l *LeaderLock) Token() string {
	return l.token
}

// TryAcquire takes the lease if it is free. Holding it already counts as
// success.
func (l *LeaderLock) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: acquire %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}
	holder, err := l.rdb.Get(ctx, l.key).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis: read %s: %w", l.key, err)
	}
	return holder == l.token, nil
}

// Renew extends the lease. false means it is no longer ours.
func (l *LeaderLock) Renew(ctx context.Context) (bool, error) {
	n, err := l.renew.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("redis: renew %s: %w", l.key, err)
	}
	return n == 1, nil
}

// Release gives the lease up if we hold it.
func (l *LeaderLock) Release(ctx context.Context) error {
	if err := l.release.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("redis: release %s: %w", l.key, err)
	}
	return nil
}

// Run blocks until the lease is acquired, then calls lead with a context
// that is cancelled if the lease is lost. It returns lead's error, or
// ErrLeadershipLost, or ctx.Err() if ctx ends while waiting.
func (l *LeaderLock) Run(ctx context.Context, lead func(ctx context.Context) error) error {
	interval := RenewInterval(l.ttl)

	if err := l.waitForLease(ctx, interval); err != nil {
		return err
	}
	l.setStatus(true)
	defer l.setStatus(false)
	l.log.Info().Str("key", l.key).Str("token", l.token).Msg("acquired engine lease")

	leadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-leadCtx.Done():
				return
			case <-ticker.C:
				ok, err := l.Renew(leadCtx)
				if err != nil {
					if leadCtx.Err() != nil {
						return
					}
					// A transient error is survivable until the lease expires.
					l.log.Warn().Err(err).Msg("lease renewal failed")
					continue
				}
				if !ok {
					l.log.Error().Str("key", l.key).Msg("engine lease lost")
					close(lost)
					cancel()
					return
				}
			}
		}
	}()

	err := lead(leadCtx)

	releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer releaseCancel()
	if rerr := l.Release(releaseCtx); rerr != nil {
		l.log.Warn().Err(rerr).Msg("lease release failed")
	}

	select {
	case <-lost:
		return ErrLeadershipLost
	default:
		return err
	}
}

func (l *LeaderLock) waitForLease(ctx context.Context, interval time.Duration) error {
	for {
		ok, err := l.TryAcquire(ctx)
		if err != nil {
			l.log.Warn().Err(err).Msg("lease acquire failed")
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (l *LeaderLock) setStatus(leading bool) {
	if l.metrics == nil {
		return
	}
	if leading {
		l.metrics.LeaderStatus.Set(1)
	} else {
		l.metrics.LeaderStatus.Set(0)
	}
}

// RenewInterval is a third of the TTL, never below 100ms.
func RenewInterval(ttl time.Duration) time.Duration {
	d := ttl / 3
	if d < 100*time.Millisecond {
		d = 100 * time.Millisecond
	}
	return d
}
