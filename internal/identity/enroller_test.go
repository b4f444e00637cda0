package identity

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var labelPattern = regexp.MustCompile(`^Person_[A-Z0-9]{6}$`)

func TestEnrollerRegister(t *testing.T) {
	ctx := context.Background()
	s, _, images := newTestStore(t)
	e := NewEnroller(s)

	reg, err := e.Register(ctx, 0, testCrop(), []float32{1, 2}, time.Now())
	require.NoError(t, err)
	assert.True(t, reg.Committed)
	assert.Regexp(t, labelPattern, reg.Label)

	id, ok := s.Get(reg.Label)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2}, id.Embedding)
	assert.True(t, images.has(ImageKeyFor(reg.Label)))
}

func TestEnrollerRetriesOnCollision(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Insert(ctx, "Person_AAAAAA", []float32{0}, nil))

	e := NewEnroller(s)
	// Six zeros produce Person_AAAAAA, then the generator moves to index 1.
	e.randIndex = sequenceRand(0, 0, 0, 0, 0, 0, 1)

	label, err := e.Enroll(ctx, nil, []float32{5})
	require.NoError(t, err)
	assert.Equal(t, "Person_BBBBBB", label)
	assert.Equal(t, 2, s.Snapshot().Len())
}

func TestEnrollerGivesUp(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	require.NoError(t, s.Insert(ctx, "Person_AAAAAA", []float32{0}, nil))

	e := NewEnroller(s)
	e.randIndex = sequenceRand(0)
	e.maxAttempts = 4

	_, err := e.Enroll(ctx, nil, []float32{5})
	assert.Error(t, err)
	assert.Equal(t, 1, s.Snapshot().Len())
}

func TestEnrollerLabelsAreUnique(t *testing.T) {
	ctx := context.Background()
	s, _, _ := newTestStore(t)
	e := NewEnroller(s)

	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		label, err := e.Enroll(ctx, nil, []float32{float32(i)})
		require.NoError(t, err)
		require.False(t, seen[label], "duplicate label %s", label)
		seen[label] = true
	}
	assert.Equal(t, 200, s.Snapshot().Len())
}

func TestEnrollerPersistFailure(t *testing.T) {
	ctx := context.Background()
	s, backend, _ := newTestStore(t)
	e := NewEnroller(s)

	backend.failNext = errBackendDown
	_, err := e.Enroll(ctx, testCrop(), []float32{1})
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, 0, s.Snapshot().Len())
}
