package bus

import (
	"sync"
	"time"
)

type recordingRecorder struct {
	mu        sync.Mutex
	published map[string]int
	delivered map[string]int
	expired   map[string]int
	dropped   map[string]int
	failed    map[string]int
	depth     map[string]int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{
		published: map[string]int{},
		delivered: map[string]int{},
		expired:   map[string]int{},
		dropped:   map[string]int{},
		failed:    map[string]int{},
		depth:     map[string]int{},
	}
}

func (r *recordingRecorder) MessagePublished(channel string, depth int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published[channel]++
	r.depth[channel] = depth
}

func (r *recordingRecorder) MessageDelivered(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delivered[channel]++
}

func (r *recordingRecorder) MessageExpired(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expired[channel]++
}

func (r *recordingRecorder) MessageDropped(channel, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dropped[channel+"/"+reason]++
}

func (r *recordingRecorder) HandlerFailed(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[channel]++
}

func (r *recordingRecorder) get(m map[string]int, key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return m[key]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type received struct {
	mu    sync.Mutex
	order []string
}

func (r *received) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, s)
}

func (r *received) list() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}
