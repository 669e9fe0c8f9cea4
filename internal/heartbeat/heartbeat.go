// Package heartbeat implements per-writer bookkeeping for when to send
// a piggyback, periodic, or liveliness heartbeat, and the per-match
// monotonic counters that let a reader detect stale or reordered
// heartbeats.
//
// The periodic interval doubles between a configured minimum and
// maximum as heartbeats go out without an intervening write, and resets
// on new activity: a quiet writer stops hammering its readers, a busy
// one announces often.
package heartbeat

import (
	"math/rand"
	"sync"
	"time"

	"github.com/rtps-core/ddsi/internal/rtps"
)

// QoS configures one writer's heartbeat controller.
type QoS struct {
	MinInterval   time.Duration
	MaxInterval   time.Duration
	LeaseDuration rtps.Duration
}

type writerState struct {
	tLastWrite        time.Time
	tLastHB           time.Time
	tLastLiveliness   time.Time
	hbsSinceLastWrite int
}

// Controller tracks one writer's heartbeat schedule and per-match
// sequence counters. A single Controller is shared by every reader
// match of the writer it belongs to.
type Controller struct {
	mu    sync.Mutex
	qos   QoS
	state writerState

	rng      *rand.Rand
	counters map[rtps.GUID]*int32
}

// New creates a Controller. seed should come from a process-wide source
// of randomness: counters are seeded randomly so a restarted writer's
// counter can't collide with a reader's memory of a prior incarnation.
func New(qos QoS, seed int64) *Controller {
	return &Controller{
		qos:      qos,
		rng:      rand.New(rand.NewSource(seed)),
		counters: make(map[rtps.GUID]*int32),
	}
}

// NextCount returns the next heartbeat (or ACKNACK) count for the given
// reader match, lazily seeding it at first use.
func (c *Controller) NextCount(reader rtps.GUID) int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.counters[reader]
	if !ok {
		seed := c.rng.Int31()
		p = &seed
		c.counters[reader] = p
		return *p
	}
	*p++
	return *p
}

// OnWrite records that the writer just produced a new sample and
// reports whether a piggyback heartbeat (FINAL flag clear) should be
// attached to the outgoing packet: unacked_bytes > 0 and the last
// heartbeat was sent longer than MinInterval ago.
func (c *Controller) OnWrite(now time.Time, unackedBytes int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.tLastWrite = now
	c.state.hbsSinceLastWrite = 0
	if unackedBytes > 0 && now.Sub(c.state.tLastHB) > c.qos.MinInterval {
		c.state.tLastHB = now
		return true
	}
	return false
}

// PeriodicCheck is called on every J-timer expiry. It reports whether a
// periodic heartbeat should be sent now, and the interval to wait before
// the next check — growing exponentially between MinInterval and
// MaxInterval as more heartbeats go out without an intervening write.
func (c *Controller) PeriodicCheck(now time.Time, unackedBytes int) (send bool, next time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if unackedBytes <= 0 {
		return false, c.qos.MinInterval
	}
	c.state.tLastHB = now
	c.state.hbsSinceLastWrite++
	return true, backoffInterval(c.qos.MinInterval, c.qos.MaxInterval, c.state.hbsSinceLastWrite)
}

func backoffInterval(min, max time.Duration, hbsSinceLastWrite int) time.Duration {
	if min <= 0 {
		min = time.Millisecond
	}
	shift := uint(hbsSinceLastWrite)
	if shift > 32 {
		shift = 32
	}
	d := min << shift
	if d <= 0 || d > max {
		d = max
	}
	if d < min {
		d = min
	}
	return d
}

// LivelinessDue reports whether a liveliness heartbeat (sent every
// lease_duration/2 while the writer is alive) is due now. A
// liveliness heartbeat is never suppressed by piggyback logic: the
// caller must send it regardless of what OnWrite/PeriodicCheck decided
// this tick.
func (c *Controller) LivelinessDue(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.qos.LeaseDuration == rtps.DurationInfinite || c.qos.LeaseDuration <= 0 {
		return false
	}
	half := c.qos.LeaseDuration.AsTime() / 2
	if now.Sub(c.state.tLastLiveliness) >= half {
		c.state.tLastLiveliness = now
		return true
	}
	return false
}
