// Package identity resolves face embeddings to enrolled identities: the
// embedding store, nearest-neighbour matching, cooldown-gated auto-enrollment
// and the two-threshold decision policy.
package identity

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrDuplicateLabel    = errors.New("label already registered")
	ErrNotFound          = errors.New("identity not found")
	ErrAlreadyExists     = errors.New("target label already exists")
	ErrInvalidLabel      = errors.New("invalid label")
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	ErrEmptyEmbedding    = errors.New("empty embedding")
	ErrPersist           = errors.New("persist identity store")
	ErrEmbedding         = errors.New("compute embedding")
	ErrInvalidThresholds = errors.New("confident threshold must be below reject threshold")
	ErrNoImage           = errors.New("identity has no representative image")
)

const maxLabelLen = 128

// Identity is one enrolled face.
type Identity struct {
	Label     string    `json:"label"`
	Embedding []float32 `json:"embedding"`
	ImageKey  string    `json:"image,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateLabel rejects labels that cannot double as an image file name.
func ValidateLabel(label string) error {
	switch {
	case label == "":
		return fmt.Errorf("%w: empty", ErrInvalidLabel)
	case strings.TrimSpace(label) != label:
		return fmt.Errorf("%w: leading or trailing whitespace in %q", ErrInvalidLabel, label)
	case len(label) > maxLabelLen:
		return fmt.Errorf("%w: longer than %d bytes", ErrInvalidLabel, maxLabelLen)
	case strings.ContainsAny(label, `/\`) || label == "." || label == "..":
		return fmt.Errorf("%w: %q is not a valid file name", ErrInvalidLabel, label)
	}
	return nil
}

// ImageKeyFor returns the image key used for a label's representative image.
func ImageKeyFor(label string) string {
	return label + ".jpg"
}
