package quota

import (
	"sync"
	"time"

	"github.com/pilotcrew/agentgate/internal/models"
)

// PlanLimits is the per-plan daily message ceiling. A policy knob, not a
// structural one: change the numbers, nothing else moves.
var PlanLimits = map[models.Plan]int{
	models.PlanFree:  10,
	models.PlanPro:   200,
	models.PlanUltra: 2000,
}

const sweepInterval = 10 * time.Minute

// Counter tracks per-owner message counts for the current UTC day.
// State is in-memory only and resets on restart, which errs in the
// user's favor.
type Counter struct {
	mu     sync.Mutex
	counts map[string]int // ownerID + "|" + UTC date -> count

	now func() time.Time

	stopSweep chan struct{}
	sweepOnce sync.Once
}

func NewCounter() *Counter {
	return &Counter{
		counts:    make(map[string]int),
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}
}

func dateKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

func nextUTCMidnight(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)
}

// CheckAndIncrement admits the request and counts it in one atomic step.
// At the limit it denies without incrementing, so two requests racing at
// count == limit-1 cannot both be admitted.
func (c *Counter) CheckAndIncrement(ownerID string, plan models.Plan) models.QuotaDecision {
	limit, ok := PlanLimits[plan]
	if !ok {
		limit = PlanLimits[models.PlanFree]
	}

	now := c.now()
	key := ownerID + "|" + dateKey(now)

	c.mu.Lock()
	count := c.counts[key]
	allowed := count < limit
	if allowed {
		c.counts[key] = count + 1
	}
	c.mu.Unlock()

	remaining := limit - count - 1
	if !allowed {
		remaining = 0
	}

	return models.QuotaDecision{
		Allowed:   allowed,
		Remaining: remaining,
		Limit:     limit,
		ResetAt:   nextUTCMidnight(now),
	}
}

// GetCurrentUsage returns today's count for display. No mutation.
func (c *Counter) GetCurrentUsage(ownerID string) int {
	key := ownerID + "|" + dateKey(c.now())
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[key]
}

// StartSweeper periodically deletes entries for past dates. Today's keys
// are never touched, so the sweep cannot race an in-flight increment.
func (c *Counter) StartSweeper() {
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.stopSweep:
				return
			}
		}
	}()
}

func (c *Counter) StopSweeper() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

func (c *Counter) sweep() {
	today := "|" + dateKey(c.now())
	c.mu.Lock()
	for key := range c.counts {
		if len(key) < len(today) || key[len(key)-len(today):] != today {
			delete(c.counts, key)
		}
	}
	c.mu.Unlock()
}
