package bus

import (
	"sync"
	"time"

	errspkg "github.com/drblury/modcomm/internal/runtime/errors"
)

// ChannelInfo is a point-in-time view of a channel for the admin surface.
type ChannelInfo struct {
	Name        string    `json:"name"`
	Capacity    int       `json:"capacity"`
	Depth       int       `json:"depth"`
	Subscribers int       `json:"subscribers"`
	CreatedAt   time.Time `json:"created_at"`
}

// channel owns one bounded queue split into priority tiers. Each tier is FIFO.
type channel struct {
	name      string
	capacity  int
	createdAt time.Time

	mu     sync.Mutex
	tiers  [3][]Envelope
	size   int
	closed bool
}

func newChannel(name string, capacity int, now time.Time) *channel {
	return &channel{
		name:      name,
		capacity:  capacity,
		createdAt: now,
	}
}

func (c *channel) enqueue(env Envelope) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return c.size, errspkg.ErrChannelNotFound
	}
	if c.size >= c.capacity {
		return c.size, errspkg.ErrQueueFull
	}
	c.tiers[env.Priority] = append(c.tiers[env.Priority], env)
	c.size++
	return c.size, nil
}

// drain empties the queue and returns its content High first, then Normal,
// then Low, preserving enqueue order within each tier.
func (c *channel) drain() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.drainLocked()
}

func (c *channel) drainLocked() []Envelope {
	if c.size == 0 {
		return nil
	}
	out := make([]Envelope, 0, c.size)
	for _, p := range drainOrder {
		out = append(out, c.tiers[p]...)
		c.tiers[p] = nil
	}
	c.size = 0
	return out
}

// close marks the channel as removed and hands back whatever was pending.
// After close returns, enqueue fails, so every accepted message is either
// in the returned slice or was drained earlier.
func (c *channel) close() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	return c.drainLocked()
}

func (c *channel) depth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *channel) info(subscribers int) ChannelInfo {
	return ChannelInfo{
		Name:        c.name,
		Capacity:    c.capacity,
		Depth:       c.depth(),
		Subscribers: subscribers,
		CreatedAt:   c.createdAt,
	}
}
