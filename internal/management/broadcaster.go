package management

import (
	"sync"

	"github.com/gofrs/uuid/v5"

	"github.com/matst80/tunneld/internal/obs"
	"github.com/matst80/tunneld/internal/proto"
	"github.com/matst80/tunneld/internal/states"
)

// Publisher mirrors broadcast states somewhere outside the management
// interface. PublishState must not block.
type Publisher interface {
	PublishState(states.SecurityState)
}

// subscriber is anything a notification can be queued on.
type subscriber interface {
	notify(v any) bool
	closeSlow()
}

// EventBroadcaster pushes security state changes to every subscription.
type EventBroadcaster struct {
	mu      sync.Mutex
	subs    map[string]subscriber
	mirrors []Publisher
}

func newEventBroadcaster(mirrors []Publisher) *EventBroadcaster {
	return &EventBroadcaster{subs: make(map[string]subscriber), mirrors: mirrors}
}

func (b *EventBroadcaster) subscribe(s subscriber) (string, error) {
	id, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	b.mu.Lock()
	b.subs[id.String()] = s
	n := len(b.subs)
	b.mu.Unlock()
	obs.ManagementSubscribers.Set(float64(n))
	return id.String(), nil
}

// unsubscribe removes id if it belongs to s.
func (b *EventBroadcaster) unsubscribe(s subscriber, id string) bool {
	b.mu.Lock()
	owner, ok := b.subs[id]
	if ok && owner == s {
		delete(b.subs, id)
	}
	n := len(b.subs)
	b.mu.Unlock()
	obs.ManagementSubscribers.Set(float64(n))
	return ok && owner == s
}

func (b *EventBroadcaster) unsubscribeAll(s subscriber) int {
	b.mu.Lock()
	removed := 0
	for id, owner := range b.subs {
		if owner == s {
			delete(b.subs, id)
			removed++
		}
	}
	n := len(b.subs)
	b.mu.Unlock()
	obs.ManagementSubscribers.Set(float64(n))
	return removed
}

// NotifyNewState queues a new_state notification for every subscription and
// hands the state to the mirrors. It never blocks on a client: a subscriber
// whose queue is full is disconnected.
func (b *EventBroadcaster) NotifyNewState(s states.SecurityState) {
	b.mu.Lock()
	var slow []subscriber
	for id, sub := range b.subs {
		n := proto.Notification{
			JSONRPC: proto.Version,
			Method:  proto.MethodNewState,
			Params:  proto.SubscriptionResult{Subscription: id, Result: s},
		}
		if !sub.notify(n) {
			slow = append(slow, sub)
		}
	}
	b.mu.Unlock()

	for _, sub := range slow {
		obs.Warn("management.subscriber.slow", obs.Fields{})
		obs.ErrorsTotal.WithLabelValues("subscriber_slow").Inc()
		sub.closeSlow()
	}
	for _, m := range b.mirrors {
		m.PublishState(s)
	}
}

func (b *EventBroadcaster) subscriptions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
