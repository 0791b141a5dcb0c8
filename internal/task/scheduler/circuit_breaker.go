package scheduler

import (
	"sync"
	"time"
)

// circuitState tracks consecutive failing passes for one scheduled action.
//
// On success the failures reset and the circuit closes. On failure the count
// grows and, once it reaches trip, the action is deferred for an
// exponentially increasing cooldown.
type circuitState struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuitState
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
	enabled    bool
}

const (
	defaultCircuitTrip       = 3
	defaultCircuitBaseDelay  = 30 * time.Minute
	defaultCircuitMaxDelay   = 6 * time.Hour
	defaultCircuitResetAfter = 24 * time.Hour
)

func effectiveCircuitCfg(c Config) circuitCfg {
	if c.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	cc := circuitCfg{
		trip:       c.CircuitTripFailures,
		baseDelay:  c.CircuitBaseDelay,
		maxDelay:   c.CircuitMaxDelay,
		resetAfter: c.CircuitResetAfter,
		enabled:    true,
	}
	if cc.trip == 0 {
		cc.trip = defaultCircuitTrip
	}
	if cc.baseDelay <= 0 {
		cc.baseDelay = defaultCircuitBaseDelay
	}
	if cc.maxDelay <= 0 {
		cc.maxDelay = defaultCircuitMaxDelay
	}
	if cc.resetAfter <= 0 {
		cc.resetAfter = defaultCircuitResetAfter
	}
	return cc
}

// lockedState returns the state for uid, creating it. Callers hold s.mu.
func (s *circuitStore) lockedState(uid string, create bool) *circuitState {
	if s.m == nil {
		if !create {
			return nil
		}
		s.m = make(map[string]*circuitState)
	}
	st := s.m[uid]
	if st == nil && create {
		st = &circuitState{}
		s.m[uid] = st
	}
	return st
}

func (st *circuitState) expire(now time.Time, cc circuitCfg) {
	if !st.lastFailure.IsZero() && now.Sub(st.lastFailure) > cc.resetAfter {
		st.fails = 0
		st.openUntil = time.Time{}
	}
}

// open reports whether uid is currently deferred and until when.
func (s *circuitStore) open(now time.Time, uid string, cc circuitCfg) (bool, time.Time) {
	if !cc.enabled || uid == "" {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.lockedState(uid, false)
	if st == nil {
		return false, time.Time{}
	}
	st.expire(now, cc)
	if !st.openUntil.IsZero() && now.Before(st.openUntil) {
		return true, st.openUntil
	}
	return false, time.Time{}
}

// record updates uid with the outcome of one pass and returns the cooldown
// end when the circuit (re)opens.
func (s *circuitStore) record(now time.Time, uid string, cc circuitCfg, err error) time.Time {
	if !cc.enabled || uid == "" {
		return time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err == nil {
		if s.m != nil {
			delete(s.m, uid)
		}
		return time.Time{}
	}

	st := s.lockedState(uid, true)
	st.expire(now, cc)
	st.fails++
	st.lastFailure = now
	if st.fails < cc.trip {
		return time.Time{}
	}

	d := cc.baseDelay
	for i := st.fails - cc.trip; i > 0 && d < cc.maxDelay; i-- {
		d *= 2
	}
	d = min(d, cc.maxDelay)
	st.openUntil = now.Add(d)
	return st.openUntil
}

// openUntil returns the cooldown end for uid without mutating state.
func (s *circuitStore) openUntil(now time.Time, uid string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.lockedState(uid, false)
	if st == nil || !now.Before(st.openUntil) {
		return time.Time{}
	}
	return st.openUntil
}

// forget drops state of actions that no longer exist.
func (s *circuitStore) forget(keep map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uid := range s.m {
		if _, ok := keep[uid]; !ok {
			delete(s.m, uid)
		}
	}
}
