package identity

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"time"

	"github.com/your-org/facelock/internal/observability"
)

// Embedder computes a face embedding from a cropped face image.
type Embedder interface {
	Embed(ctx context.Context, img image.Image) ([]float32, error)
}

type EmbedderFunc func(ctx context.Context, img image.Image) ([]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	return f(ctx, img)
}

// Thresholds is the two-threshold match policy. Distances below Confident are
// known; distances below Reject are uncertain; anything else is unknown.
type Thresholds struct {
	Confident float64
	Reject    float64
}

func (t Thresholds) Validate() error {
	if math.IsNaN(t.Confident) || math.IsNaN(t.Reject) || t.Confident <= 0 || t.Confident >= t.Reject {
		return fmt.Errorf("%w: confident=%v reject=%v", ErrInvalidThresholds, t.Confident, t.Reject)
	}
	return nil
}

type ResolverConfig struct {
	Thresholds Thresholds
	Cooldown   time.Duration
	// EmbedTimeout bounds each embedding computation. Zero disables it.
	EmbedTimeout time.Duration
}

type ResolverOption func(*Resolver)

func WithMatcher(m Matcher) ResolverOption {
	return func(r *Resolver) { r.matcher = m }
}

// WithRegistrar replaces the default immediate Enroller.
func WithRegistrar(reg Registrar) ResolverOption {
	return func(r *Resolver) { r.registrar = reg }
}

// Resolver turns face crops into classifications. Each pipeline owns its own
// Resolver; the Store is shared.
type Resolver struct {
	cfg       ResolverConfig
	store     *Store
	embedder  Embedder
	matcher   Matcher
	cooldown  *Cooldown
	registrar Registrar
}

func NewResolver(cfg ResolverConfig, store *Store, embedder Embedder, opts ...ResolverOption) (*Resolver, error) {
	if err := cfg.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if store == nil || embedder == nil {
		return nil, fmt.Errorf("new resolver: store and embedder are required")
	}

	r := &Resolver{
		cfg:      cfg,
		store:    store,
		embedder: embedder,
		matcher:  LinearMatcher{},
		cooldown: NewCooldown(cfg.Cooldown),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.registrar == nil {
		r.registrar = NewEnroller(store)
	}
	return r, nil
}

// Resolve classifies one face crop seen at slot. It never returns nil.
func (r *Resolver) Resolve(ctx context.Context, crop image.Image, slot int, now time.Time) Classification {
	c := r.resolve(ctx, crop, slot, now)
	observability.Classifications.WithLabelValues(c.Kind().String()).Inc()
	return c
}

func (r *Resolver) resolve(ctx context.Context, crop image.Image, slot int, now time.Time) Classification {
	embedding, err := r.embed(ctx, crop)
	if err != nil {
		slog.Warn("embedding failed", "slot", slot, "error", err)
		return Failure{Err: err}
	}

	c, m := r.Lookup(embedding)
	if c != nil {
		r.registrar.Forget(slot)
		return c
	}

	if r.cooldown.ShouldSuppress(slot, now) {
		return Pending{Reason: ReasonCooldown, Distance: m.Distance}
	}

	reg, err := r.registrar.Register(ctx, slot, crop, embedding, now)
	if err != nil {
		slog.Error("registration failed", "slot", slot, "error", err)
		return Failure{Err: err}
	}
	if !reg.Committed {
		return Pending{Reason: reg.Reason, Distance: m.Distance}
	}
	r.cooldown.MarkAttempted(slot, now)
	return NewlyRegistered{Label: reg.Label}
}

// Lookup applies the threshold policy to embedding without side effects. It
// returns nil when the embedding is unknown. The nearest match is returned
// either way; its distance is +Inf when the store is empty.
func (r *Resolver) Lookup(embedding []float32) (Classification, Match) {
	m, ok := r.matcher.Nearest(embedding, r.store.Snapshot())
	if !ok {
		return nil, Match{Distance: math.Inf(1)}
	}
	return r.cfg.Thresholds.Classify(m), m
}

// Classify returns Known or Uncertain for m, or nil when m is beyond the
// reject threshold.
func (t Thresholds) Classify(m Match) Classification {
	switch {
	case m.Distance < t.Confident:
		return Known{Label: m.Label, Distance: m.Distance}
	case m.Distance < t.Reject:
		return Uncertain{Label: m.Label, Distance: m.Distance}
	}
	return nil
}

// Embed computes the embedding of img under the configured timeout.
func (r *Resolver) Embed(ctx context.Context, img image.Image) ([]float32, error) {
	return r.embed(ctx, img)
}

func (r *Resolver) embed(ctx context.Context, crop image.Image) ([]float32, error) {
	if r.cfg.EmbedTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.EmbedTimeout)
		defer cancel()
	}

	start := time.Now()
	embedding, err := r.embedder.Embed(ctx, crop)
	observability.InferenceDuration.WithLabelValues("embed").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, err)
	}
	if len(embedding) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrEmbedding, ErrEmptyEmbedding)
	}
	return embedding, nil
}

// Prune drops expired cooldown entries.
func (r *Resolver) Prune(now time.Time) {
	r.cooldown.Prune(now)
}

// ForgetSlot drops per-slot state once the tracker has retired slot.
func (r *Resolver) ForgetSlot(slot int) {
	r.cooldown.Forget(slot)
	r.registrar.Forget(slot)
}

// Thresholds returns the configured distance thresholds.
func (r *Resolver) Thresholds() Thresholds {
	return r.cfg.Thresholds
}
