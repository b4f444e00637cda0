package identity

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"math/big"
	"time"

	"github.com/your-org/facelock/internal/observability"
)

const (
	labelPrefix   = "Person_"
	labelSuffixN  = 6
	labelAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	defaultMaxLabelAttempts = 32
	jpegQuality             = 90
)

// Registration is the outcome of a registration request. When Committed is
// false the request was accepted but nothing was enrolled yet; Reason says why.
type Registration struct {
	Label     string
	Committed bool
	Reason    string
}

// Registrar enrolls unknown faces on behalf of a resolver.
type Registrar interface {
	Register(ctx context.Context, slot int, crop image.Image, embedding []float32, now time.Time) (Registration, error)
	// Forget drops any per-slot state, called once the slot is recognised.
	Forget(slot int)
}

// Enroller registers an unknown face immediately under a fresh generated
// label.
type Enroller struct {
	store       *Store
	maxAttempts int
	randIndex   func(n int) (int, error)
}

func NewEnroller(store *Store) *Enroller {
	return &Enroller{
		store:       store,
		maxAttempts: defaultMaxLabelAttempts,
		randIndex:   cryptoRandIndex,
	}
}

func (e *Enroller) Register(ctx context.Context, slot int, crop image.Image, embedding []float32, now time.Time) (Registration, error) {
	label, err := e.Enroll(ctx, crop, embedding)
	if err != nil {
		return Registration{}, err
	}
	slog.Info("identity registered", "label", label, "slot", slot)
	return Registration{Label: label, Committed: true}, nil
}

func (e *Enroller) Forget(int) {}

// Enroll stores embedding and crop under a new unique label and returns it.
func (e *Enroller) Enroll(ctx context.Context, crop image.Image, embedding []float32) (string, error) {
	var img []byte
	if crop != nil {
		encoded, err := EncodeJPEG(crop)
		if err != nil {
			return "", err
		}
		img = encoded
	}

	for attempt := 0; attempt < e.maxAttempts; attempt++ {
		label, err := e.generateLabel()
		if err != nil {
			return "", err
		}
		if e.store.Snapshot().Has(label) {
			continue
		}

		err = e.store.Insert(ctx, label, embedding, img)
		if errors.Is(err, ErrDuplicateLabel) {
			continue
		}
		if err != nil {
			observability.Registrations.WithLabelValues("error").Inc()
			return "", fmt.Errorf("register %s: %w", label, err)
		}
		observability.Registrations.WithLabelValues("ok").Inc()
		return label, nil
	}

	observability.Registrations.WithLabelValues("error").Inc()
	return "", fmt.Errorf("register: no unique label after %d attempts", e.maxAttempts)
}

func (e *Enroller) generateLabel() (string, error) {
	buf := make([]byte, labelSuffixN)
	for i := range buf {
		n, err := e.randIndex(len(labelAlphabet))
		if err != nil {
			return "", fmt.Errorf("generate label: %w", err)
		}
		buf[i] = labelAlphabet[n]
	}
	return labelPrefix + string(buf), nil
}

func cryptoRandIndex(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, err
	}
	return int(v.Int64()), nil
}

// EncodeJPEG encodes img as a JPEG for storage as a representative image.
func EncodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}
