package bus

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Handler receives envelopes delivered to a subscription. A returned error is
// logged and counted but never reaches the publisher.
type Handler func(ctx context.Context, env Envelope) error

// Filter narrows a subscription beyond its type pattern.
type Filter func(env Envelope) bool

// SubscribeOption configures a single Subscribe call.
type SubscribeOption func(*subscription)

// WithFilter only delivers envelopes for which filter returns true.
func WithFilter(filter Filter) SubscribeOption {
	return func(s *subscription) {
		s.filter = filter
	}
}

// WithModule records the owning module for diagnostics.
func WithModule(module string) SubscribeOption {
	return func(s *subscription) {
		s.module = module
	}
}

// WithSubscriberPriority orders delivery among subscribers of one message.
// Higher values are invoked first.
func WithSubscriberPriority(priority int) SubscribeOption {
	return func(s *subscription) {
		s.priority = priority
	}
}

// WithOnClose registers a callback invoked when the channel is force-removed
// while the subscription is still active.
func WithOnClose(fn func(channel string)) SubscribeOption {
	return func(s *subscription) {
		s.onClose = fn
	}
}

// SubscriptionInfo describes a live subscription.
type SubscriptionInfo struct {
	ID        string    `json:"id"`
	Channel   string    `json:"channel"`
	Pattern   string    `json:"pattern"`
	Module    string    `json:"module,omitempty"`
	Priority  int       `json:"priority"`
	Filtered  bool      `json:"filtered"`
	CreatedAt time.Time `json:"created_at"`
}

type subscription struct {
	id        string
	channel   string
	pattern   string
	module    string
	priority  int
	wildcard  bool
	seq       uint64
	createdAt time.Time

	handler Handler
	filter  Filter
	onClose func(channel string)

	active atomic.Bool
}

func (s *subscription) info() SubscriptionInfo {
	return SubscriptionInfo{
		ID:        s.id,
		Channel:   s.channel,
		Pattern:   s.pattern,
		Module:    s.module,
		Priority:  s.priority,
		Filtered:  s.filter != nil,
		CreatedAt: s.createdAt,
	}
}

// compareDelivery orders subscribers: higher priority first, exact patterns
// before wildcards, then registration order.
func compareDelivery(a, b *subscription) int {
	if c := cmp.Compare(b.priority, a.priority); c != 0 {
		return c
	}
	if a.wildcard != b.wildcard {
		if a.wildcard {
			return 1
		}
		return -1
	}
	return cmp.Compare(a.seq, b.seq)
}

// subscriptionRegistry stores per-channel slices that are replaced, never
// mutated, so dispatch can iterate a snapshot without holding the lock.
type subscriptionRegistry struct {
	mu        sync.RWMutex
	byID      map[string]*subscription
	byChannel map[string][]*subscription
	seq       uint64
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		byID:      make(map[string]*subscription),
		byChannel: make(map[string][]*subscription),
	}
}

func (r *subscriptionRegistry) add(sub *subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	sub.seq = r.seq
	sub.active.Store(true)

	current := r.byChannel[sub.channel]
	next := make([]*subscription, 0, len(current)+1)
	next = append(next, current...)
	next = append(next, sub)
	r.byChannel[sub.channel] = next
	r.byID[sub.id] = sub
}

func (r *subscriptionRegistry) remove(id string) (*subscription, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sub, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	sub.active.Store(false)
	delete(r.byID, id)

	current := r.byChannel[sub.channel]
	next := make([]*subscription, 0, len(current))
	for _, s := range current {
		if s.id != id {
			next = append(next, s)
		}
	}
	if len(next) == 0 {
		delete(r.byChannel, sub.channel)
	} else {
		r.byChannel[sub.channel] = next
	}
	return sub, true
}

func (r *subscriptionRegistry) removeChannel(channel string) []*subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	subs := r.byChannel[channel]
	delete(r.byChannel, channel)
	for _, s := range subs {
		s.active.Store(false)
		delete(r.byID, s.id)
	}
	return subs
}

func (r *subscriptionRegistry) count(channel string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byChannel[channel])
}

// match returns the subscribers whose pattern accepts env.Type, in delivery order.
func (r *subscriptionRegistry) match(env Envelope) []*subscription {
	r.mu.RLock()
	candidates := r.byChannel[env.Channel]
	r.mu.RUnlock()

	var matched []*subscription
	for _, s := range candidates {
		if MatchPattern(s.pattern, env.Type) {
			matched = append(matched, s)
		}
	}
	slices.SortFunc(matched, compareDelivery)
	return matched
}

func (r *subscriptionRegistry) list(channel string) []SubscriptionInfo {
	r.mu.RLock()
	var subs []*subscription
	if channel != "" {
		subs = append(subs, r.byChannel[channel]...)
	} else {
		for _, s := range r.byID {
			subs = append(subs, s)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(subs, func(a, b *subscription) int {
		if c := cmp.Compare(a.channel, b.channel); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})

	out := make([]SubscriptionInfo, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.info())
	}
	return out
}
