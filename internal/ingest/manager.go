package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/your-org/facelock/internal/observability"
	"github.com/your-org/facelock/internal/pipeline"
	"github.com/your-org/facelock/internal/vision"
)

type Camera struct {
	ID  string
	URL string
	FPS int
}

type CameraStatus string

const (
	StatusRunning  CameraStatus = "running"
	StatusRetrying CameraStatus = "retrying"
	StatusStopped  CameraStatus = "stopped"
	StatusError    CameraStatus = "error"
)

// Runner consumes a camera's frames; *pipeline.Pipeline is one.
type Runner interface {
	Run(ctx context.Context, frames <-chan pipeline.Frame) error
	Slots() []pipeline.SlotView
}

// RunnerFactory builds the runner for a camera. It is called once per Start
// so tracker state survives source restarts.
type RunnerFactory func(cam Camera) (Runner, error)

type CameraInfo struct {
	ID        string              `json:"id"`
	URL       string              `json:"url"`
	FPS       int                 `json:"fps"`
	Status    CameraStatus        `json:"status"`
	LastError string              `json:"last_error,omitempty"`
	Frames    uint64              `json:"frames"`
	StartedAt time.Time           `json:"started_at"`
	Slots     []pipeline.SlotView `json:"slots"`
}

type activeCamera struct {
	cam    Camera
	runner Runner
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	status    CameraStatus
	lastErr   string
	frames    uint64
	startedAt time.Time
}

func (a *activeCamera) setStatus(s CameraStatus, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status = s
	if err != nil {
		a.lastErr = err.Error()
	}
}

type ManagerConfig struct {
	FrameWidth int
	DefaultFPS int
	// MaxRetries consecutive failed attempts before a camera is given up.
	MaxRetries int
	BaseDelay  time.Duration
}

// Manager runs one source and pipeline per camera and restarts sources that
// disconnect, backing off 2s, 4s, 8s by default.
type Manager struct {
	cfg       ManagerConfig
	source    Source
	newRunner RunnerFactory

	mu      sync.RWMutex
	cameras map[string]*activeCamera
}

func NewManager(cfg ManagerConfig, source Source, newRunner RunnerFactory) *Manager {
	if cfg.DefaultFPS <= 0 {
		cfg.DefaultFPS = 5
	}
	if cfg.FrameWidth <= 0 {
		cfg.FrameWidth = 640
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	return &Manager{
		cfg:       cfg,
		source:    source,
		newRunner: newRunner,
		cameras:   make(map[string]*activeCamera),
	}
}

var ErrCameraRunning = errors.New("camera already running")

// Start launches a camera. It returns once the camera goroutine is running.
func (m *Manager) Start(ctx context.Context, cam Camera) error {
	if cam.ID == "" || cam.URL == "" {
		return fmt.Errorf("start camera: id and url are required")
	}
	if cam.FPS <= 0 {
		cam.FPS = m.cfg.DefaultFPS
	}

	m.mu.Lock()
	if _, exists := m.cameras[cam.ID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCameraRunning, cam.ID)
	}
	runner, err := m.newRunner(cam)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("build pipeline for %s: %w", cam.ID, err)
	}
	camCtx, cancel := context.WithCancel(ctx)
	ac := &activeCamera{
		cam:       cam,
		runner:    runner,
		cancel:    cancel,
		done:      make(chan struct{}),
		status:    StatusRunning,
		startedAt: time.Now(),
	}
	m.cameras[cam.ID] = ac
	m.mu.Unlock()

	observability.ActiveCameras.Inc()
	slog.Info("starting camera", "camera", cam.ID, "url", cam.URL, "fps", cam.FPS)

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.cameras, cam.ID)
			m.mu.Unlock()
			observability.ActiveCameras.Dec()
			close(ac.done)
			slog.Info("camera stopped", "camera", cam.ID)
		}()
		m.supervise(camCtx, ac)
	}()
	return nil
}

func (m *Manager) supervise(ctx context.Context, ac *activeCamera) {
	failures := 0
	for {
		produced, err := m.attempt(ctx, ac)
		if ctx.Err() != nil {
			ac.setStatus(StatusStopped, nil)
			return
		}
		if produced > 0 {
			failures = 0
		}
		failures++
		slog.Error("camera stream failed", "camera", ac.cam.ID, "attempt", failures, "error", err)

		if failures > m.cfg.MaxRetries {
			ac.setStatus(StatusError, fmt.Errorf("stream failed after %d attempts: %w", failures, err))
			return
		}
		ac.setStatus(StatusRetrying, err)

		delay := m.cfg.BaseDelay << uint(failures)
		select {
		case <-ctx.Done():
			ac.setStatus(StatusStopped, nil)
			return
		case <-time.After(delay):
		}
		ac.setStatus(StatusRunning, nil)
	}
}

// attempt runs the source and the runner until either ends. It returns the
// number of frames handed to the runner.
func (m *Manager) attempt(ctx context.Context, ac *activeCamera) (uint64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	frames := make(chan pipeline.Frame)
	srcErr := make(chan error, 1)
	var produced uint64

	go func() {
		defer close(frames)
		srcErr <- m.source.Stream(ctx, ac.cam.URL, ac.cam.FPS, m.cfg.FrameWidth, func(data []byte) error {
			img, err := vision.DecodeImage(data)
			if err != nil {
				return err
			}
			produced++
			f := pipeline.Frame{Image: img, At: time.Now(), Seq: produced}
			select {
			case frames <- f:
				ac.mu.Lock()
				ac.frames++
				ac.mu.Unlock()
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()

	runErr := ac.runner.Run(ctx, frames)
	cancel()
	// Drain so the source can observe cancellation and exit.
	for range frames {
	}
	err := <-srcErr

	if err == nil {
		err = runErr
	}
	return produced, err
}

// Stop cancels a camera and waits for it to exit. It reports whether the
// camera was running.
func (m *Manager) Stop(id string) bool {
	m.mu.RLock()
	ac, ok := m.cameras[id]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	ac.cancel()
	<-ac.done
	return true
}

// StopAll stops every camera and waits for them.
func (m *Manager) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.cameras))
	for id := range m.cameras {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Stop(id)
	}
}

// ActiveCount returns the number of running cameras.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cameras)
}

// List returns camera info ordered by id.
func (m *Manager) List() []CameraInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]CameraInfo, 0, len(m.cameras))
	for _, ac := range m.cameras {
		ac.mu.Lock()
		info := CameraInfo{
			ID:        ac.cam.ID,
			URL:       ac.cam.URL,
			FPS:       ac.cam.FPS,
			Status:    ac.status,
			LastError: ac.lastErr,
			Frames:    ac.frames,
			StartedAt: ac.startedAt,
		}
		ac.mu.Unlock()
		info.Slots = ac.runner.Slots()
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
