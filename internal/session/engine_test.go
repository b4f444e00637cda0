package session

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/facelock/internal/identity"
)

type recorder struct {
	mu      sync.Mutex
	updates []Update
}

func (r *recorder) Notify(u Update) {
	r.mu.Lock()
	r.updates = append(r.updates, u)
	r.mu.Unlock()
}

func (r *recorder) all() []Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Update(nil), r.updates...)
}

var t0 = time.Unix(1_700_000_000, 0)

func at(d time.Duration) time.Time { return t0.Add(d) }

func newTestEngine(t *testing.T, mutate ...func(*Config)) (*Engine, *recorder) {
	t.Helper()
	cfg := Config{
		SessionID:         "counter",
		StabilityDuration: 2 * time.Second,
		NoFaceTimeout:     10 * time.Second,
		AllowLockOverride: true,
		ActivateOnFace:    true,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	rec := &recorder{}
	e, err := NewEngine(cfg, rec)
	require.NoError(t, err)
	return e, rec
}

func known(label string) identity.Classification {
	return identity.Known{Label: label, Distance: 1}
}

func TestConfigValidate(t *testing.T) {
	_, err := NewEngine(Config{NoFaceTimeout: 0}, nil)
	assert.Error(t, err)
	_, err = NewEngine(Config{StabilityDuration: -time.Second, NoFaceTimeout: time.Second}, nil)
	assert.Error(t, err)
}

func TestShortCandidateNeverLocks(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Observe(known("A"), at(0))
	e.Observe(known("A"), at(time.Second))
	e.Observe(known("A"), at(1900*time.Millisecond))
	e.Observe(known("B"), at(2*time.Second))
	e.Observe(known("B"), at(3*time.Second))

	l := e.State()
	assert.Equal(t, StateDetecting, l.State)
	assert.Empty(t, l.LockedIdentity)
	assert.Equal(t, "B", l.CandidateIdentity)
	assert.Equal(t, ConfidenceDetecting, l.Confidence)
}

func TestStableCandidateLocks(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Observe(known("A"), at(0))
	e.Observe(known("A"), at(time.Second))
	assert.Equal(t, StateDetecting, e.State().State)

	e.Observe(known("A"), at(2*time.Second))
	l := e.State()
	assert.Equal(t, StateLocked, l.State)
	assert.Equal(t, "A", l.LockedIdentity)
	assert.Equal(t, ConfidenceStable, l.Confidence)
	assert.Equal(t, StatusActive, l.Status)
}

func TestNewlyRegisteredCountsAsConfirmation(t *testing.T) {
	e, _ := newTestEngine(t)

	e.Observe(identity.NewlyRegistered{Label: "Person_ABC123"}, at(0))
	e.Observe(known("Person_ABC123"), at(2*time.Second))
	assert.Equal(t, "Person_ABC123", e.State().LockedIdentity)
}

func TestWeakEvidenceDoesNotAffectLock(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Observe(known("A"), at(0))
	e.Observe(known("A"), at(2*time.Second))
	require.Equal(t, "A", e.State().LockedIdentity)

	for i := 0; i < 20; i++ {
		e.Observe(identity.Uncertain{Label: "B", Distance: 10}, at(3*time.Second+time.Duration(i)*time.Second))
	}
	e.Observe(identity.Pending{Reason: identity.ReasonCooldown}, at(25*time.Second))
	e.Observe(identity.Failure{Err: errors.New("boom")}, at(26*time.Second))

	l := e.State()
	assert.Equal(t, "A", l.LockedIdentity)
	assert.Equal(t, "A", l.CandidateIdentity)
	assert.Equal(t, ConfidenceStable, l.Confidence)
	assert.Equal(t, "Error", l.CurrentlyDetected)
}

func TestWeakEvidenceDoesNotResetCandidate(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Observe(known("A"), at(0))
	e.Observe(identity.Uncertain{Label: "A", Distance: 9}, at(time.Second))
	e.Observe(identity.Pending{Reason: identity.ReasonCooldown}, at(1500*time.Millisecond))
	e.Observe(known("A"), at(2*time.Second))

	assert.Equal(t, "A", e.State().LockedIdentity)
}

func TestPersistentLockSameIdentity(t *testing.T) {
	e, rec := newTestEngine(t)
	e.Observe(known("A"), at(0))
	e.Observe(known("A"), at(2*time.Second))
	n := len(rec.all())

	for i := 3; i < 30; i++ {
		e.Observe(known("A"), at(time.Duration(i)*time.Second))
	}
	assert.Equal(t, "A", e.State().LockedIdentity)
	assert.Len(t, rec.all(), n, "no updates while nothing changes")
}

func TestLockOverride(t *testing.T) {
	lockThenSwitch := func(e *Engine) {
		e.Observe(known("A"), at(0))
		e.Observe(known("A"), at(2*time.Second))
		e.Observe(known("B"), at(3*time.Second))
		e.Observe(known("B"), at(4*time.Second))
		e.Observe(known("B"), at(5*time.Second))
	}

	t.Run("allowed", func(t *testing.T) {
		e, _ := newTestEngine(t)
		lockThenSwitch(e)
		l := e.State()
		assert.Equal(t, "B", l.LockedIdentity)
		assert.Equal(t, ConfidenceStable, l.Confidence)
	})

	t.Run("disallowed", func(t *testing.T) {
		e, _ := newTestEngine(t, func(c *Config) { c.AllowLockOverride = false })
		lockThenSwitch(e)
		l := e.State()
		assert.Equal(t, "A", l.LockedIdentity)
		assert.Equal(t, "B", l.CandidateIdentity)
		assert.Equal(t, ConfidenceDetecting, l.Confidence)

		// After a no-face gap the new customer can lock.
		e.Tick(at(16 * time.Second))
		e.Observe(known("B"), at(17*time.Second))
		e.Observe(known("B"), at(19*time.Second))
		assert.Equal(t, "B", e.State().LockedIdentity)
	})
}

func TestBriefInterruptionKeepsLock(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Observe(known("A"), at(0))
	e.Observe(known("A"), at(2*time.Second))
	e.Observe(known("B"), at(3*time.Second))
	assert.Equal(t, ConfidenceDetecting, e.State().Confidence)

	e.Observe(known("A"), at(3500*time.Millisecond))
	l := e.State()
	assert.Equal(t, "A", l.LockedIdentity)
	assert.Equal(t, ConfidenceStable, l.Confidence)
}

func TestNoFaceTimeout(t *testing.T) {
	e, rec := newTestEngine(t)
	e.Observe(known("A"), at(0))
	e.Observe(known("A"), at(2*time.Second))

	e.Tick(at(12 * time.Second))
	assert.Equal(t, "A", e.State().LockedIdentity, "exactly at the timeout still holds")

	e.Tick(at(12*time.Second + time.Millisecond))
	l := e.State()
	assert.Equal(t, StateIdle, l.State)
	assert.Equal(t, StatusIdle, l.Status)
	assert.Empty(t, l.LockedIdentity)
	assert.Empty(t, l.CandidateIdentity)
	assert.Equal(t, ConfidenceDetecting, l.Confidence)

	last := rec.all()[len(rec.all())-1]
	assert.Equal(t, StatusIdle, last.Status)
	assert.Nil(t, last.CurrentIdentity)
}

func TestTimeoutBeforeLateObservation(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Observe(known("A"), at(0))
	e.Observe(known("A"), at(2*time.Second))

	e.Observe(known("B"), at(30*time.Second))
	l := e.State()
	assert.Equal(t, StatusActive, l.Status)
	assert.Empty(t, l.LockedIdentity)
	assert.Equal(t, "B", l.CandidateIdentity)
}

func TestStartAndEnd(t *testing.T) {
	e, rec := newTestEngine(t, func(c *Config) { c.ActivateOnFace = false })

	e.Observe(known("A"), at(0))
	assert.Equal(t, StateIdle, e.State().State, "observations ignored before start")

	e.Start(at(time.Second))
	assert.Equal(t, StateDetecting, e.State().State)
	e.Observe(known("A"), at(time.Second))
	e.Observe(known("A"), at(3*time.Second))
	assert.Equal(t, StateLocked, e.State().State)

	e.End(at(4 * time.Second))
	l := e.State()
	assert.Equal(t, StateIdle, l.State)
	assert.Empty(t, l.LockedIdentity)

	var statuses []Status
	for _, u := range rec.all() {
		statuses = append(statuses, u.Status)
	}
	assert.Equal(t, []Status{StatusIdle, StatusActive, StatusActive, StatusIdle}, statuses)
}

func TestStartWithoutFaceTimesOut(t *testing.T) {
	e, _ := newTestEngine(t)
	e.Start(at(0))
	e.Tick(at(11 * time.Second))
	assert.Equal(t, StateIdle, e.State().State)
}

func TestPublishesOnlyOnChange(t *testing.T) {
	e, rec := newTestEngine(t)

	e.Observe(known("A"), at(0))
	e.Observe(known("A"), at(time.Second))
	e.Observe(identity.Uncertain{Label: "A"}, at(1500*time.Millisecond))
	e.Observe(known("A"), at(2*time.Second))
	e.Observe(known("A"), at(3*time.Second))

	updates := rec.all()
	require.Len(t, updates, 2)
	assert.Equal(t, StatusActive, updates[0].Status)
	assert.Nil(t, updates[0].CurrentIdentity)
	assert.Equal(t, ConfidenceDetecting, updates[0].Confidence)
	assert.Equal(t, "A", updates[1].Identity())
	assert.Equal(t, ConfidenceStable, updates[1].Confidence)
	assert.Equal(t, "counter", updates[1].SessionID)
	assert.Equal(t, at(2*time.Second), updates[1].At)
}

func TestRenameAndForget(t *testing.T) {
	e, rec := newTestEngine(t)
	e.Observe(known("Person_X"), at(0))
	e.Observe(known("Person_X"), at(2*time.Second))

	e.Rename("Person_X", "Alice", at(3*time.Second))
	l := e.State()
	assert.Equal(t, "Alice", l.LockedIdentity)
	assert.Equal(t, ConfidenceStable, l.Confidence)
	assert.Equal(t, "Alice", rec.all()[len(rec.all())-1].Identity())

	e.Forget("Alice", at(4*time.Second))
	l = e.State()
	assert.Empty(t, l.LockedIdentity)
	assert.Equal(t, StateDetecting, l.State)
}

func TestPanicLeavesLockUnchanged(t *testing.T) {
	e, rec := newTestEngine(t)
	e.Observe(known("A"), at(0))
	e.Observe(known("A"), at(2*time.Second))
	before := e.State()
	n := len(rec.all())

	e.apply(at(3*time.Second), "test", func(st *lockState) {
		st.locked = ""
		panic("boom")
	})

	assert.Equal(t, before, e.State())
	assert.Len(t, rec.all(), n)
}

func TestConcurrentObserve(t *testing.T) {
	e, _ := newTestEngine(t)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				e.Observe(known("A"), at(time.Duration(i)*100*time.Millisecond))
				_ = e.State()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, "A", e.State().CandidateIdentity)
}
