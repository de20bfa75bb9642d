// Package mirror copies broadcast security states to Redis so dashboards
// outside the management interface can follow the daemon. Nothing is read
// back; the daemon never restores state from Redis.
package mirror

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/matst80/tunneld/internal/obs"
	"github.com/matst80/tunneld/internal/states"
)

const (
	StateKey     = "tunneld:security_state"
	EventChannel = "tunneld:events"
)

// stateMessage is what gets published on EventChannel.
type stateMessage struct {
	State    states.SecurityState `json:"state"`
	Instance string               `json:"instance"`
	At       time.Time            `json:"at"`
}

// Store is the subset of the Redis client the mirror uses.
type Store interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
}

// Redis publishes states from a single worker goroutine; only the newest
// pending state is kept, so a slow Redis never delays the daemon loop.
type Redis struct {
	store    Store
	instance string
	timeout  time.Duration

	mu      sync.Mutex
	pending *states.SecurityState
	wake    chan struct{}
	done    chan struct{}
	stopped chan struct{}
}

// NewRedis connects to addr and checks it with a PING.
func NewRedis(addr, password string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisWithStore(rdb, fmt.Sprintf("tunneld-%d", time.Now().UnixNano())), nil
}

func NewRedisWithStore(store Store, instance string) *Redis {
	r := &Redis{
		store:    store,
		instance: instance,
		timeout:  3 * time.Second,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	go r.run()
	return r
}

// PublishState records s as the newest state and wakes the worker.
func (r *Redis) PublishState(s states.SecurityState) {
	r.mu.Lock()
	r.pending = &s
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close flushes the pending state and stops the worker.
func (r *Redis) Close() {
	close(r.done)
	<-r.stopped
}

func (r *Redis) run() {
	defer close(r.stopped)
	for {
		select {
		case <-r.wake:
			r.flush()
		case <-r.done:
			r.flush()
			return
		}
	}
}

func (r *Redis) flush() {
	r.mu.Lock()
	p := r.pending
	r.pending = nil
	r.mu.Unlock()
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.store.Set(ctx, StateKey, p.String(), 0).Err(); err != nil {
		obs.Error("mirror.redis.set", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("mirror_set").Inc()
	}
	msg, err := json.Marshal(stateMessage{State: *p, Instance: r.instance, At: time.Now().UTC()})
	if err != nil {
		obs.Error("mirror.redis.marshal", obs.Fields{"err": err.Error()})
		return
	}
	if err := r.store.Publish(ctx, EventChannel, msg).Err(); err != nil {
		obs.Error("mirror.redis.publish", obs.Fields{"err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("mirror_publish").Inc()
	}
}
