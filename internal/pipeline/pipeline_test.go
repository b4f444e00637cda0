package pipeline

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/your-org/facelock/internal/identity"
	"github.com/your-org/facelock/internal/session"
	"github.com/your-org/facelock/internal/vision"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func box(x, y, size float32) vision.Detection {
	return vision.Detection{BBox: [4]float32{x, y, x + size, y + size}, Confidence: 0.9}
}

// scriptedDetector returns one scripted result per call, then nothing.
type scriptedDetector struct {
	mu     sync.Mutex
	frames [][]vision.Detection
	err    error
}

func (d *scriptedDetector) Detect(context.Context, image.Image) ([]vision.Detection, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		err := d.err
		d.err = nil
		return nil, err
	}
	if len(d.frames) == 0 {
		return nil, nil
	}
	next := d.frames[0]
	d.frames = d.frames[1:]
	return next, nil
}

type resolveCall struct {
	slot int
	size image.Point
}

type fakeResolver struct {
	mu        sync.Mutex
	calls     []resolveCall
	forgotten []int
	result    func(slot int) identity.Classification
}

func (r *fakeResolver) Resolve(_ context.Context, crop image.Image, slot int, _ time.Time) identity.Classification {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resolveCall{slot: slot, size: crop.Bounds().Size()})
	if r.result != nil {
		return r.result(slot)
	}
	return identity.Known{Label: "Alice", Distance: 1}
}

func (r *fakeResolver) ForgetSlot(slot int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.forgotten = append(r.forgotten, slot)
}

func (r *fakeResolver) Prune(time.Time) {}

type observation struct {
	c    identity.Classification
	tick bool
	at   time.Time
}

type recordingObserver struct {
	mu  sync.Mutex
	got []observation
}

func (o *recordingObserver) Observe(c identity.Classification, now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, observation{c: c, at: now})
}

func (o *recordingObserver) Tick(now time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.got = append(o.got, observation{tick: true, at: now})
}

func (o *recordingObserver) observations() []observation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]observation(nil), o.got...)
}

func testConfig() Config {
	return Config{
		CameraID:    "cam-1",
		Filter:      vision.FaceFilter{MinSize: 80, MinAspectRatio: 0.7, MaxAspectRatio: 1.3},
		CropPadding: 20,
		Tracker:     vision.TrackerConfig{MaxAge: 0, MinHits: 1, IoUThreshold: 0.3},
		DisplayTTL:  time.Minute,
	}
}

func frameAt(d time.Duration) Frame {
	return Frame{Image: image.NewRGBA(image.Rect(0, 0, 640, 480)), At: t0.Add(d)}
}

func TestProcessFrameResolvesAndObserves(t *testing.T) {
	det := &scriptedDetector{frames: [][]vision.Detection{{box(100, 100, 100)}}}
	res := &fakeResolver{}
	obs := &recordingObserver{}
	p := New(testConfig(), det, res, obs)

	views, err := p.ProcessFrame(context.Background(), frameAt(0))
	require.NoError(t, err)

	require.Len(t, views, 1)
	assert.Equal(t, 1, views[0].Slot)
	assert.Equal(t, "Alice", views[0].Label)
	assert.Equal(t, "known", views[0].Kind)

	require.Len(t, res.calls, 1)
	assert.Equal(t, image.Pt(140, 140), res.calls[0].size, "crop includes padding")

	got := obs.observations()
	require.Len(t, got, 1)
	assert.Equal(t, identity.Known{Label: "Alice", Distance: 1}, got[0].c)
	assert.Equal(t, t0, got[0].at)

	cached, ok := p.slots.Get(1)
	require.True(t, ok)
	assert.Equal(t, "Alice", cached.Display)
}

func TestProcessFrameFiltersFaces(t *testing.T) {
	det := &scriptedDetector{frames: [][]vision.Detection{{
		box(0, 0, 40), // too small
		{BBox: [4]float32{200, 100, 400, 200}, Confidence: 0.9}, // too wide
	}}}
	res := &fakeResolver{}
	obs := &recordingObserver{}
	p := New(testConfig(), det, res, obs)

	views, err := p.ProcessFrame(context.Background(), frameAt(0))
	require.NoError(t, err)
	assert.Empty(t, views)
	assert.Empty(t, res.calls)

	got := obs.observations()
	require.Len(t, got, 1)
	assert.True(t, got[0].tick, "no usable face ticks the session")
}

func TestProcessFrameObservesLargestFace(t *testing.T) {
	det := &scriptedDetector{frames: [][]vision.Detection{{box(0, 0, 90), box(300, 100, 160)}}}
	res := &fakeResolver{result: func(slot int) identity.Classification {
		if slot == 2 {
			return identity.Known{Label: "Bob", Distance: 2}
		}
		return identity.Uncertain{Label: "Alice", Distance: 9}
	}}
	obs := &recordingObserver{}
	p := New(testConfig(), det, res, obs)

	views, err := p.ProcessFrame(context.Background(), frameAt(0))
	require.NoError(t, err)
	assert.Len(t, views, 2)

	got := obs.observations()
	require.Len(t, got, 1)
	assert.Equal(t, identity.Known{Label: "Bob", Distance: 2}, got[0].c)
}

func TestProcessFrameForgetsRetiredSlots(t *testing.T) {
	det := &scriptedDetector{frames: [][]vision.Detection{
		{box(100, 100, 100)},
		nil,
	}}
	res := &fakeResolver{}
	p := New(testConfig(), det, res, &recordingObserver{})

	_, err := p.ProcessFrame(context.Background(), frameAt(0))
	require.NoError(t, err)
	_, err = p.ProcessFrame(context.Background(), frameAt(time.Second))
	require.NoError(t, err)

	assert.Equal(t, []int{1}, res.forgotten)
	_, ok := p.slots.Get(1)
	assert.False(t, ok)
	assert.Empty(t, p.Slots())
}

func TestProcessFrameWaitsForConfirmedTracks(t *testing.T) {
	cfg := testConfig()
	cfg.Tracker.MinHits = 2
	cfg.Tracker.MaxAge = 5
	det := &scriptedDetector{frames: [][]vision.Detection{
		{box(100, 100, 100)},
		{box(102, 101, 100)},
	}}
	res := &fakeResolver{}
	p := New(cfg, det, res, &recordingObserver{})

	views, err := p.ProcessFrame(context.Background(), frameAt(0))
	require.NoError(t, err)
	assert.Empty(t, views)

	views, err = p.ProcessFrame(context.Background(), frameAt(200*time.Millisecond))
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, 1, views[0].Slot, "same face keeps its slot")
}

func TestRunStopsOnDisconnect(t *testing.T) {
	det := &scriptedDetector{
		frames: [][]vision.Detection{{box(100, 100, 100)}},
		err:    errors.New("inference failed"),
	}
	obs := &recordingObserver{}
	p := New(testConfig(), det, &fakeResolver{}, obs)

	frames := make(chan Frame, 3)
	frames <- frameAt(0)
	frames <- frameAt(time.Second)
	frames <- frameAt(2 * time.Second)
	close(frames)

	err := p.Run(context.Background(), frames)
	assert.ErrorIs(t, err, ErrStreamDisconnected)

	var observed []time.Time
	for _, o := range obs.observations() {
		if !o.tick {
			observed = append(observed, o.at)
		}
	}
	assert.Equal(t, []time.Time{t0.Add(time.Second)}, observed, "failed frame is skipped, later frames continue")
}

func TestRunHonoursCancellation(t *testing.T) {
	p := New(testConfig(), &scriptedDetector{}, &fakeResolver{}, &recordingObserver{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, make(chan Frame)) }()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestRunTicksWhileIdle(t *testing.T) {
	cfg := testConfig()
	cfg.TickInterval = 10 * time.Millisecond
	obs := &recordingObserver{}
	p := New(cfg, &scriptedDetector{}, &fakeResolver{}, obs)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err := p.Run(ctx, make(chan Frame))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NotEmpty(t, obs.observations())
}

type memBackend struct{}

func (memBackend) Load(context.Context) ([]identity.Identity, error) { return nil, nil }
func (memBackend) Commit(context.Context, identity.Change, []identity.Identity) error {
	return nil
}

func TestPipelineLocksNewCustomer(t *testing.T) {
	ctx := context.Background()
	store := identity.NewStore(memBackend{}, nil)
	require.NoError(t, store.Load(ctx))

	embedder := identity.EmbedderFunc(func(context.Context, image.Image) ([]float32, error) {
		return []float32{1, 0, 0}, nil
	})
	resolver, err := identity.NewResolver(identity.ResolverConfig{
		Thresholds: identity.Thresholds{Confident: 8, Reject: 12},
		Cooldown:   3 * time.Second,
	}, store, embedder)
	require.NoError(t, err)

	engine, err := session.NewEngine(session.Config{
		SessionID:         "default",
		StabilityDuration: 2 * time.Second,
		NoFaceTimeout:     10 * time.Second,
		AllowLockOverride: true,
		ActivateOnFace:    true,
	}, nil)
	require.NoError(t, err)

	cfg := testConfig()
	cfg.Tracker.MaxAge = 5
	det := &scriptedDetector{frames: [][]vision.Detection{
		{box(100, 100, 100)},
		{box(100, 100, 100)},
		{box(100, 100, 100)},
	}}
	p := New(cfg, det, resolver, engine)

	views, err := p.ProcessFrame(ctx, frameAt(0))
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, "new", views[0].Kind)
	label := views[0].Label
	require.NotEmpty(t, label)

	_, err = p.ProcessFrame(ctx, frameAt(time.Second))
	require.NoError(t, err)
	assert.Empty(t, engine.State().LockedIdentity)

	_, err = p.ProcessFrame(ctx, frameAt(2*time.Second))
	require.NoError(t, err)

	lock := engine.State()
	assert.Equal(t, label, lock.LockedIdentity)
	assert.Equal(t, session.ConfidenceStable, lock.Confidence)
	assert.Equal(t, 1, store.Snapshot().Len())
}
