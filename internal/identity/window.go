package identity

import (
	"context"
	"image"
	"log/slog"
	"math"
	"sync"
	"time"
)

const (
	DefaultAnalysisWindow  = 3 * time.Second
	DefaultMaxDeviation    = 6.0
	DefaultMinWindowSample = 3
)

type windowSample struct {
	embedding []float32
	crop      image.Image
	at        time.Time
}

type accumulation struct {
	start   time.Time
	last    time.Time
	samples []windowSample
}

// WindowedEnroller accumulates samples of an unknown face over an analysis
// window and only registers it when the samples agree with each other. The
// sample nearest the temporal midpoint of the window is enrolled.
type WindowedEnroller struct {
	Window       time.Duration
	MaxDeviation float64
	MinSamples   int

	enroller *Enroller

	mu    sync.Mutex
	slots map[int]*accumulation
}

func NewWindowedEnroller(store *Store, window time.Duration, maxDeviation float64) *WindowedEnroller {
	return &WindowedEnroller{
		Window:       window,
		MaxDeviation: maxDeviation,
		MinSamples:   DefaultMinWindowSample,
		enroller:     NewEnroller(store),
		slots:        make(map[int]*accumulation),
	}
}

func (w *WindowedEnroller) Register(ctx context.Context, slot int, crop image.Image, embedding []float32, now time.Time) (Registration, error) {
	w.mu.Lock()
	acc := w.slots[slot]
	// A gap longer than the window means the face left and a new one may
	// have taken the slot.
	if acc == nil || now.Sub(acc.last) > w.Window || len(acc.samples[0].embedding) != len(embedding) {
		acc = &accumulation{start: now}
		w.slots[slot] = acc
	}
	acc.last = now
	acc.samples = append(acc.samples, windowSample{
		embedding: append([]float32(nil), embedding...),
		crop:      crop,
		at:        now,
	})

	if now.Sub(acc.start) < w.Window || len(acc.samples) < w.MinSamples {
		w.mu.Unlock()
		return Registration{Reason: ReasonAnalyzing}, nil
	}
	delete(w.slots, slot)
	w.mu.Unlock()

	dev := maxDeviation(acc.samples)
	if dev > w.MaxDeviation {
		slog.Info("analysis window unstable, discarding",
			"slot", slot, "samples", len(acc.samples), "max_deviation", dev)
		return Registration{Reason: ReasonUnstable}, nil
	}

	mid := midpointSample(acc)
	label, err := w.enroller.Enroll(ctx, mid.crop, mid.embedding)
	if err != nil {
		return Registration{}, err
	}
	slog.Info("identity registered",
		"label", label, "slot", slot, "samples", len(acc.samples), "max_deviation", dev)
	return Registration{Label: label, Committed: true}, nil
}

func (w *WindowedEnroller) Forget(slot int) {
	w.mu.Lock()
	delete(w.slots, slot)
	w.mu.Unlock()
}

// maxDeviation returns the largest distance of any sample from the mean
// embedding.
func maxDeviation(samples []windowSample) float64 {
	dim := len(samples[0].embedding)
	mean := make([]float32, dim)
	for _, s := range samples {
		for i, v := range s.embedding {
			mean[i] += v
		}
	}
	n := float32(len(samples))
	for i := range mean {
		mean[i] /= n
	}

	var worst float64
	for _, s := range samples {
		worst = math.Max(worst, EuclideanDistance(s.embedding, mean))
	}
	return worst
}

func midpointSample(acc *accumulation) windowSample {
	mid := acc.start.Add(acc.last.Sub(acc.start) / 2)
	best := acc.samples[0]
	bestGap := absDuration(best.at.Sub(mid))
	for _, s := range acc.samples[1:] {
		if gap := absDuration(s.at.Sub(mid)); gap < bestGap {
			best, bestGap = s, gap
		}
	}
	return best
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
