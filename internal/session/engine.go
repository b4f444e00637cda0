// Package session turns the stream of per-detection classifications into a
// debounced "current customer" lock and publishes it when it changes.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/your-org/facelock/internal/identity"
	"github.com/your-org/facelock/internal/observability"
)

type State string

const (
	StateIdle      State = "idle"
	StateDetecting State = "detecting"
	StateLocked    State = "locked"
)

type Status string

const (
	StatusIdle   Status = "idle"
	StatusActive Status = "active"
)

type Confidence string

const (
	ConfidenceDetecting Confidence = "detecting"
	ConfidenceStable    Confidence = "stable"
)

type Config struct {
	SessionID         string
	StabilityDuration time.Duration
	NoFaceTimeout     time.Duration
	// AllowLockOverride lets a second stable candidate replace an existing
	// lock without an intervening no-face gap.
	AllowLockOverride bool
	// ActivateOnFace starts a session on the first observation while idle.
	ActivateOnFace bool
}

func (c Config) Validate() error {
	if c.StabilityDuration < 0 {
		return errors.New("session: negative stability duration")
	}
	if c.NoFaceTimeout <= 0 {
		return errors.New("session: no-face timeout must be positive")
	}
	return nil
}

// Lock is a point-in-time copy of the session lock.
type Lock struct {
	SessionID         string     `json:"session_id"`
	State             State      `json:"state"`
	Status            Status     `json:"status"`
	LockedIdentity    string     `json:"locked_identity,omitempty"`
	CandidateIdentity string     `json:"candidate_identity,omitempty"`
	CandidateSince    time.Time  `json:"candidate_since,omitempty"`
	Confidence        Confidence `json:"confidence"`
	CurrentlyDetected string     `json:"currently_detected,omitempty"`
	LastFaceAt        time.Time  `json:"last_face_at,omitempty"`
	StartedAt         time.Time  `json:"started_at,omitempty"`
}

type lockState struct {
	active         bool
	locked         string
	candidate      string
	candidateSince time.Time
	detected       string
	lastFaceAt     time.Time
	startedAt      time.Time
}

// Notifier receives every published change. Notify must not block.
type Notifier interface {
	Notify(u Update)
}

// Engine is the per-session stability state machine. All methods are safe
// for concurrent use; observations are applied in call order.
type Engine struct {
	cfg      Config
	notifier Notifier

	mu   sync.Mutex
	st   lockState
	last Update
	// published is false until the first update goes out.
	published bool
}

func NewEngine(cfg Config, notifier Notifier) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg, notifier: notifier}, nil
}

// Start begins a new session, clearing any previous lock.
func (e *Engine) Start(now time.Time) {
	e.apply(now, "start", func(st *lockState) {
		*st = lockState{active: true, startedAt: now, lastFaceAt: now}
	})
}

// End clears the session immediately regardless of timers.
func (e *Engine) End(now time.Time) {
	e.apply(now, "end", func(st *lockState) {
		*st = lockState{}
	})
}

// Observe applies one classification produced at now.
func (e *Engine) Observe(c identity.Classification, now time.Time) {
	e.apply(now, "observe", func(st *lockState) {
		e.expire(st, now)
		if !st.active {
			if !e.cfg.ActivateOnFace {
				return
			}
			*st = lockState{active: true, startedAt: now}
		}
		st.lastFaceAt = now
		st.detected = identity.Display(c)

		switch v := c.(type) {
		case identity.Known:
			e.confirm(st, v.Label, now)
		case identity.NewlyRegistered:
			e.confirm(st, v.Label, now)
		}
	})
}

// Tick advances timers without an observation, so the no-face timeout fires
// while nothing is in front of the camera.
func (e *Engine) Tick(now time.Time) {
	e.apply(now, "tick", func(st *lockState) {
		e.expire(st, now)
	})
}

// State returns a copy of the current lock.
func (e *Engine) State() Lock {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshot(e.st)
}

// Forget drops lock and candidate references to label, e.g. after the
// identity was deleted.
func (e *Engine) Forget(label string, now time.Time) {
	e.apply(now, "forget", func(st *lockState) {
		if st.locked == label {
			st.locked = ""
		}
		if st.candidate == label {
			st.candidate = ""
			st.candidateSince = time.Time{}
		}
	})
}

// Rename follows an identity rename so the lock survives it.
func (e *Engine) Rename(oldLabel, newLabel string, now time.Time) {
	e.apply(now, "rename", func(st *lockState) {
		if st.locked == oldLabel {
			st.locked = newLabel
		}
		if st.candidate == oldLabel {
			st.candidate = newLabel
		}
	})
}

func (e *Engine) confirm(st *lockState, label string, now time.Time) {
	if label != st.candidate {
		st.candidate = label
		st.candidateSince = now
	}
	if now.Sub(st.candidateSince) < e.cfg.StabilityDuration {
		return
	}
	switch {
	case st.locked == label:
	case st.locked == "" || e.cfg.AllowLockOverride:
		if st.locked != "" {
			slog.Info("customer changed", "session", e.cfg.SessionID, "from", st.locked, "to", label)
		}
		st.locked = label
	}
}

func (e *Engine) expire(st *lockState, now time.Time) {
	if !st.active || now.Sub(st.lastFaceAt) <= e.cfg.NoFaceTimeout {
		return
	}
	slog.Info("no face timeout, clearing session",
		"session", e.cfg.SessionID, "locked", st.locked, "idle_for", now.Sub(st.lastFaceAt))
	*st = lockState{}
}

// apply runs mutate on a copy of the state and commits it only if it
// completes. A panic leaves the lock unchanged.
func (e *Engine) apply(now time.Time, op string, mutate func(st *lockState)) {
	e.mu.Lock()
	defer e.mu.Unlock()

	next, err := e.try(mutate)
	if err != nil {
		slog.Error("session transition failed, keeping previous lock",
			"session", e.cfg.SessionID, "op", op, "error", err)
		return
	}

	prev := e.snapshot(e.st)
	e.st = next
	cur := e.snapshot(e.st)
	if prev.State != cur.State {
		observability.LockTransitions.WithLabelValues(string(cur.State)).Inc()
		slog.Debug("session state changed", "session", e.cfg.SessionID, "from", prev.State, "to", cur.State)
	}
	if cur.LockedIdentity != "" && cur.LockedIdentity != prev.LockedIdentity {
		slog.Info("customer locked", "session", e.cfg.SessionID, "identity", cur.LockedIdentity)
	}

	u := UpdateFrom(cur, now)
	if e.published && u.sameAs(e.last) {
		return
	}
	e.last = u
	e.published = true
	if e.notifier != nil {
		e.notifier.Notify(u)
	}
}

func (e *Engine) try(mutate func(st *lockState)) (next lockState, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	next = e.st
	mutate(&next)
	return next, nil
}

func (e *Engine) snapshot(st lockState) Lock {
	l := Lock{
		SessionID:         e.cfg.SessionID,
		State:             StateIdle,
		Status:            StatusIdle,
		LockedIdentity:    st.locked,
		CandidateIdentity: st.candidate,
		CandidateSince:    st.candidateSince,
		Confidence:        ConfidenceDetecting,
		CurrentlyDetected: st.detected,
		LastFaceAt:        st.lastFaceAt,
		StartedAt:         st.startedAt,
	}
	if !st.active {
		return l
	}
	l.Status = StatusActive
	l.State = StateDetecting
	if st.locked != "" {
		l.State = StateLocked
		if st.candidate == st.locked {
			l.Confidence = ConfidenceStable
		}
	}
	return l
}
