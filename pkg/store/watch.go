package store

import (
	"sync"
)

// DefaultSubscriptionBufferSize bounds the queue of each subscription.
const DefaultSubscriptionBufferSize = 16

// WatchHub fans out committed versions to subscribers, scoped per
// configuration name. Subscriptions only see versions committed after they
// were created; history is never replayed.
//
// Each subscription has a bounded queue. When a subscriber does not keep up,
// the oldest pending version is dropped to make room for the newest one, so
// a slow subscriber never blocks the publisher or other subscribers.
type WatchHub struct {
	bufferSize int

	mu            sync.Mutex
	subscriptions map[string]map[*Subscription]struct{}
}

type Subscription struct {
	hub  *WatchHub
	name string

	versions chan *ConfigVersion
}

func NewWatchHub() *WatchHub {
	return &WatchHub{
		bufferSize: DefaultSubscriptionBufferSize,

		subscriptions: make(map[string]map[*Subscription]struct{}),
	}
}

func (h *WatchHub) Subscribe(name string) *Subscription {
	sub := &Subscription{
		hub:  h,
		name: name,

		versions: make(chan *ConfigVersion, h.bufferSize),
	}

	h.mu.Lock()

	subs, found := h.subscriptions[name]
	if !found {
		subs = make(map[*Subscription]struct{})
		h.subscriptions[name] = subs
	}

	subs[sub] = struct{}{}

	h.mu.Unlock()

	return sub
}

func (h *WatchHub) Publish(version *ConfigVersion) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subscriptions[version.Name] {
		for {
			select {
			case sub.versions <- version:
			default:
				// Full queue: drop the oldest pending version and retry
				select {
				case <-sub.versions:
				default:
				}

				continue
			}

			break
		}
	}
}

// Unsubscribe detaches a subscription and closes its channel. It is
// idempotent.
func (h *WatchHub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()

	subs, found := h.subscriptions[sub.name]
	if !found {
		return
	}

	if _, found := subs[sub]; !found {
		return
	}

	delete(subs, sub)

	if len(subs) == 0 {
		delete(h.subscriptions, sub.name)
	}

	close(sub.versions)
}

// Versions is the feed of committed versions, in commit order. The channel
// is closed when the subscription is detached.
func (s *Subscription) Versions() <-chan *ConfigVersion {
	return s.versions
}

func (s *Subscription) Close() {
	s.hub.Unsubscribe(s)
}
