// Package idempotency absorbs bursts of repeated client commands at the edge of one server process.
//
// The guard is advisory: it never crosses process boundaries and is not a source of truth.
// At-most-once effects come from overwrite semantics in the session store.
package idempotency

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Key composes the admission key for one command from one connection against one session.
func Key(commandType, connectionID, accessCode string) string {
	return commandType + ":" + connectionID + ":" + accessCode
}

type entry struct {
	admittedAt time.Time
	expiresAt  time.Time
}

// Guard admits the first occurrence of a key inside a window and rejects repeats until it expires.
type Guard struct {
	clock    clockwork.Clock
	interval time.Duration

	mu      sync.Mutex
	entries map[string]entry

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewGuard builds a guard. sweepInterval drives the background cleanup started by Start.
func NewGuard(clock clockwork.Clock, sweepInterval time.Duration) *Guard {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	return &Guard{
		clock:    clock,
		interval: sweepInterval,
		entries:  make(map[string]entry),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Admit reports whether key is unseen within window, recording it when it is.
func (g *Guard) Admit(key string, window time.Duration) bool {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	if e, ok := g.entries[key]; ok && now.Before(e.expiresAt) {
		return false
	}
	g.entries[key] = entry{admittedAt: now, expiresAt: now.Add(window)}
	return true
}

// Len returns the number of tracked keys, expired or not.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (g *Guard) Sweep() int {
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	removed := 0
	for key, e := range g.entries {
		if !now.Before(e.expiresAt) {
			delete(g.entries, key)
			removed++
		}
	}
	return removed
}

// Start launches the periodic sweep. Stop must be called to release it.
func (g *Guard) Start() {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return
	}
	g.started = true
	g.mu.Unlock()

	ticker := g.clock.NewTicker(g.interval)
	go func() {
		defer close(g.done)
		defer ticker.Stop()
		for {
			select {
			case <-g.stop:
				return
			case <-ticker.Chan():
				if n := g.Sweep(); n > 0 {
					log.Debug().Int("removed", n).Msg("idempotency sweep")
				}
			}
		}
	}()
}

// Stop halts the sweep started by Start and waits for it to exit.
func (g *Guard) Stop() {
	g.mu.Lock()
	started := g.started
	g.mu.Unlock()

	g.stopOnce.Do(func() {
		close(g.stop)
	})
	if started {
		<-g.done
	}
}
