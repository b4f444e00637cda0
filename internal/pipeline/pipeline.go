package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/your-org/facelock/internal/identity"
	"github.com/your-org/facelock/internal/observability"
	"github.com/your-org/facelock/internal/vision"
)

// ErrStreamDisconnected is returned by Run when the frame source closes.
var ErrStreamDisconnected = errors.New("stream disconnected")

// Frame is one decoded video frame.
type Frame struct {
	Image image.Image
	At    time.Time
	Seq   uint64
}

type FaceDetector interface {
	Detect(ctx context.Context, img image.Image) ([]vision.Detection, error)
}

type Resolver interface {
	Resolve(ctx context.Context, crop image.Image, slot int, now time.Time) identity.Classification
	ForgetSlot(slot int)
	Prune(now time.Time)
}

// Observer is the session lock the pipeline feeds.
type Observer interface {
	Observe(c identity.Classification, now time.Time)
	Tick(now time.Time)
}

type Config struct {
	CameraID    string
	Filter      vision.FaceFilter
	CropPadding int
	Tracker     vision.TrackerConfig
	DisplayTTL  time.Duration
	// TickInterval drives the no-face timeout while no frames arrive.
	TickInterval time.Duration
}

// Pipeline runs detect, filter, track, resolve and observe over one camera's
// frames. Frames are processed strictly in arrival order.
type Pipeline struct {
	cfg      Config
	detector FaceDetector
	resolver Resolver
	observer Observer
	tracker  *vision.Tracker
	slots    *SlotCache
	now      func() time.Time
}

func New(cfg Config, detector FaceDetector, resolver Resolver, observer Observer) *Pipeline {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	return &Pipeline{
		cfg:      cfg,
		detector: detector,
		resolver: resolver,
		observer: observer,
		tracker:  vision.NewTracker(cfg.Tracker),
		slots:    NewSlotCache(cfg.DisplayTTL),
		now:      time.Now,
	}
}

// Slots returns the live per-slot overlay state.
func (p *Pipeline) Slots() []SlotView {
	return p.slots.List()
}

// Run consumes frames until ctx is cancelled or frames is closed. A closed
// channel yields ErrStreamDisconnected so the owner can restart the source.
func (p *Pipeline) Run(ctx context.Context, frames <-chan Frame) error {
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	slog.Info("pipeline started", "camera", p.cfg.CameraID)
	defer slog.Info("pipeline stopped", "camera", p.cfg.CameraID)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				return ErrStreamDisconnected
			}
			if _, err := p.ProcessFrame(ctx, f); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				slog.Warn("frame failed", "camera", p.cfg.CameraID, "seq", f.Seq, "error", err)
			}
		case <-ticker.C:
			now := p.now()
			p.observer.Tick(now)
			p.resolver.Prune(now)
			p.slots.DeleteExpired()
		}
	}
}

// ProcessFrame handles one frame and returns the classified faces in
// detection order. The session observes the largest face only.
func (p *Pipeline) ProcessFrame(ctx context.Context, f Frame) ([]SlotView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.At.IsZero() {
		f.At = p.now()
	}
	observability.FramesProcessed.WithLabelValues(p.cfg.CameraID).Inc()

	detections, err := p.detector.Detect(ctx, f.Image)
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	detections = p.cfg.Filter.Filter(detections)
	observability.FacesDetected.WithLabelValues(p.cfg.CameraID).Add(float64(len(detections)))

	updates, dropped := p.tracker.Update(detections)
	for _, slot := range dropped {
		p.resolver.ForgetSlot(slot)
		p.slots.Delete(slot)
	}

	var (
		views   []SlotView
		primary identity.Classification
		area    float32
	)
	for _, upd := range updates {
		if !upd.Confirmed {
			continue
		}
		crop := vision.CropFace(f.Image, upd.Detection.BBox, p.cfg.CropPadding)
		if crop == nil {
			continue
		}

		c := p.resolver.Resolve(ctx, crop, upd.Track.Slot, f.At)
		view := SlotView{
			Slot:     upd.Track.Slot,
			BBox:     upd.Detection.BBox,
			Kind:     c.Kind().String(),
			Display:  identity.Display(c),
			Distance: distanceOf(c),
			At:       f.At,
		}
		view.Label, _ = identity.LabelOf(c)
		p.slots.Set(view)
		views = append(views, view)

		if a := upd.Detection.Width() * upd.Detection.Height(); primary == nil || a > area {
			primary, area = c, a
		}
	}

	if primary == nil {
		p.observer.Tick(f.At)
		return views, nil
	}
	p.observer.Observe(primary, f.At)
	return views, nil
}

// distanceOf returns the nearest-match distance, or 0 when there is none.
// +Inf does not survive JSON encoding.
func distanceOf(c identity.Classification) float64 {
	var d float64
	switch v := c.(type) {
	case identity.Known:
		d = v.Distance
	case identity.Uncertain:
		d = v.Distance
	case identity.Pending:
		d = v.Distance
	}
	if math.IsInf(d, 0) || math.IsNaN(d) {
		return 0
	}
	return d
}
