package identity

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"sync"
)

var errBackendDown = errors.New("backend down")

type memBackend struct {
	mu        sync.Mutex
	items     []Identity
	changes   []Change
	failNext  error
	loadError error
}

func (b *memBackend) Load(context.Context) ([]Identity, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.loadError != nil {
		return nil, b.loadError
	}
	return append([]Identity(nil), b.items...), nil
}

func (b *memBackend) Commit(_ context.Context, change Change, next []Identity) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failNext != nil {
		err := b.failNext
		b.failNext = nil
		return err
	}
	b.items = append([]Identity(nil), next...)
	b.changes = append(b.changes, change)
	return nil
}

func (b *memBackend) labels() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.items))
	for i, id := range b.items {
		out[i] = id.Label
	}
	return out
}

type memImages struct {
	mu       sync.Mutex
	files    map[string][]byte
	failMove bool
}

func newMemImages() *memImages {
	return &memImages{files: make(map[string][]byte)}
}

func (m *memImages) Put(_ context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[key] = data
	return nil
}

func (m *memImages) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[key]
	if !ok {
		return nil, fmt.Errorf("image %s: not found", key)
	}
	return data, nil
}

func (m *memImages) Move(_ context.Context, from, to string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failMove {
		return errors.New("move failed")
	}
	data, ok := m.files[from]
	if !ok {
		return fmt.Errorf("image %s: not found", from)
	}
	m.files[to] = data
	delete(m.files, from)
	return nil
}

func (m *memImages) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, key)
	return nil
}

func (m *memImages) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[key]
	return ok
}

func testCrop() image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 30), G: uint8(y * 30), B: 128, A: 255})
		}
	}
	return img
}

// sequenceRand returns indexes from seq in order, then repeats the last one.
func sequenceRand(seq ...int) func(int) (int, error) {
	i := 0
	return func(n int) (int, error) {
		v := seq[min(i, len(seq)-1)]
		i++
		return v % n, nil
	}
}
