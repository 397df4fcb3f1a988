package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/datalith/tabular-ingest/internal/logging"
	"github.com/datalith/tabular-ingest/internal/metrics"
)

// Local is an in-process sliding-window limiter. Each key tracks the
// timestamps of its admitted requests inside the window; entries idle for
// a full window are swept in the background.
type Local struct {
	cfg Config

	mu   sync.Mutex
	keys map[string]*keyState

	now  func() time.Time
	stop chan struct{}
	done chan struct{}
}

type keyState struct {
	mu    sync.Mutex
	times []time.Time
	// gone marks an entry removed from the map while a Check held a
	// stale pointer to it; such a Check must re-fetch.
	gone bool
}

// NewLocal creates an in-process limiter and starts its sweeper.
func NewLocal(cfg Config) *Local {
	l := &Local{
		cfg:  cfg,
		keys: make(map[string]*keyState),
		now:  time.Now,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Check admits the request when fewer than MaxRequests timestamps remain
// inside the window, recording the admission. A denied request is not
// recorded and does not extend anyone's window.
func (l *Local) Check(_ context.Context, key string) (Decision, error) {
	now := l.now()

	for {
		l.mu.Lock()
		e, ok := l.keys[key]
		if !ok {
			e = &keyState{}
			l.keys[key] = e
		}
		l.mu.Unlock()

		e.mu.Lock()
		if e.gone {
			e.mu.Unlock()
			continue
		}
		d := l.decide(e, now)
		e.mu.Unlock()
		l.observe(d)
		return d, nil
	}
}

// decide prunes expired timestamps and applies the admission rule.
// Caller holds e.mu.
func (l *Local) decide(e *keyState, now time.Time) Decision {
	cutoff := now.Add(-l.cfg.Window)

	live := e.times[:0]
	for _, t := range e.times {
		if t.After(cutoff) {
			live = append(live, t)
		}
	}
	e.times = live

	if len(e.times) >= l.cfg.MaxRequests {
		// Full window: the caller can retry once the oldest
		// admission ages out.
		return Decision{
			Allowed:   false,
			Remaining: 0,
			ResetTime: e.times[0].Add(l.cfg.Window),
		}
	}

	e.times = append(e.times, now)

	d := Decision{
		Allowed:   true,
		Remaining: l.cfg.MaxRequests - len(e.times),
		ResetTime: e.times[0].Add(l.cfg.Window),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}

// Reset drops all tracked requests for the key.
func (l *Local) Reset(_ context.Context, key string) error {
	l.mu.Lock()
	e, ok := l.keys[key]
	if ok {
		delete(l.keys, key)
	}
	l.mu.Unlock()

	if ok {
		e.mu.Lock()
		e.gone = true
		e.mu.Unlock()
	}
	return nil
}

// Close stops the sweeper. Pending Check calls finish normally.
func (l *Local) Close() error {
	close(l.stop)
	<-l.done
	return nil
}

// sweep periodically evicts keys whose every timestamp has expired, so a
// burst of one-off callers does not pin memory forever.
func (l *Local) sweep() {
	defer close(l.done)

	ticker := time.NewTicker(l.sweepEvery())
	defer ticker.Stop()

	log := logging.Component("ratelimit")
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			removed := l.sweepOnce(l.now())
			if removed > 0 {
				log.Debug("swept idle limiter keys", "removed", removed)
			}
		}
	}
}

// sweepEvery returns the sweeper period: one full window, since an
// entry untouched for that long holds only expired timestamps.
func (l *Local) sweepEvery() time.Duration {
	if l.cfg.Window > 0 {
		return l.cfg.Window
	}
	return time.Minute
}

func (l *Local) sweepOnce(now time.Time) int {
	cutoff := now.Add(-l.cfg.Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, e := range l.keys {
		e.mu.Lock()
		idle := true
		for _, t := range e.times {
			if t.After(cutoff) {
				idle = false
				break
			}
		}
		if idle {
			e.gone = true
			delete(l.keys, key)
			removed++
		}
		e.mu.Unlock()
	}

	if m := metrics.Get(); m != nil {
		m.SetLimiterKeys(float64(len(l.keys)))
	}
	return removed
}

func (l *Local) observe(d Decision) {
	m := metrics.Get()
	if m == nil {
		return
	}
	if d.Allowed {
		m.IncAdmissionAllowed("local")
	} else {
		m.IncAdmissionDenied("local")
	}
}
