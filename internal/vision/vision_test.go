package vision

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func det(x1, y1, x2, y2, conf float32) Detection {
	return Detection{BBox: [4]float32{x1, y1, x2, y2}, Confidence: conf}
}

func TestFaceFilter(t *testing.T) {
	f := FaceFilter{MinSize: 80, MinAspectRatio: 0.7, MaxAspectRatio: 1.3}

	tests := []struct {
		name string
		d    Detection
		want bool
	}{
		{"square", det(0, 0, 100, 100, 1), true},
		{"min size", det(0, 0, 80, 80, 1), true},
		{"too small", det(0, 0, 79, 100, 1), false},
		{"too wide", det(0, 0, 140, 100, 1), false},
		{"too tall", det(0, 0, 100, 150, 1), false},
		{"ratio bound", det(0, 0, 130, 100, 1), true},
		{"degenerate", det(10, 10, 10, 10, 1), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, f.Accept(tt.d))
		})
	}

	kept := f.Filter([]Detection{det(0, 0, 100, 100, 0.9), det(0, 0, 10, 10, 0.8), det(5, 5, 105, 105, 0.7)})
	require.Len(t, kept, 2)
	assert.Equal(t, float32(0.9), kept[0].Confidence)
	assert.Equal(t, float32(0.7), kept[1].Confidence)
}

func TestBest(t *testing.T) {
	_, ok := Best(nil)
	assert.False(t, ok)

	b, ok := Best([]Detection{det(0, 0, 1, 1, 0.5), det(0, 0, 1, 1, 0.9), det(0, 0, 1, 1, 0.7)})
	require.True(t, ok)
	assert.Equal(t, float32(0.9), b.Confidence)
}

func TestCropFace(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 200, 100))
	img.Set(60, 30, color.RGBA{R: 255, A: 255})

	crop := CropFace(img, [4]float32{50, 20, 90, 60}, 10)
	require.NotNil(t, crop)
	assert.Equal(t, image.Rect(0, 0, 60, 60), crop.Bounds())
	r, _, _, _ := crop.At(20, 20).RGBA()
	assert.Equal(t, uint32(0xffff), r, "pixel moved with the crop origin")

	clamped := CropFace(img, [4]float32{180, 80, 220, 120}, 20)
	require.NotNil(t, clamped)
	assert.Equal(t, image.Rect(0, 0, 40, 40), clamped.Bounds())

	assert.Nil(t, CropFace(img, [4]float32{300, 300, 400, 400}, 0))
}

func TestDecodeImage(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 4)), nil))

	img, err := DecodeImage(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 8, 4), img.Bounds())

	_, err = DecodeImage([]byte("not an image"))
	assert.Error(t, err)
}

func TestImageToFloat32CHW(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 255, G: 0, B: 127, A: 255})
		}
	}

	data := imageToFloat32CHW(img, 2, 2, [3]float32{127.5, 127.5, 127.5}, [3]float32{127.5, 127.5, 127.5})
	require.Len(t, data, 12)
	assert.InDelta(t, 1.0, data[0], 1e-6)
	assert.InDelta(t, -1.0, data[4], 1e-6)
	assert.InDelta(t, -0.0039, data[8], 1e-3)
}

func TestNMS(t *testing.T) {
	kept := nms([]Detection{
		det(0, 0, 100, 100, 0.8),
		det(5, 5, 105, 105, 0.95),
		det(300, 300, 400, 400, 0.6),
	}, 0.4)

	require.Len(t, kept, 2)
	assert.Equal(t, float32(0.95), kept[0].Confidence)
	assert.Equal(t, float32(0.6), kept[1].Confidence)
}

func TestIoU(t *testing.T) {
	a := [4]float32{0, 0, 10, 10}
	assert.InDelta(t, 1.0, iou(a, a), 1e-6)
	assert.InDelta(t, 0.0, iou(a, [4]float32{20, 20, 30, 30}), 1e-6)
	assert.InDelta(t, 25.0/175.0, iou(a, [4]float32{5, 5, 15, 15}), 1e-6)
}

func TestDetectionOffset(t *testing.T) {
	d := det(1, 2, 3, 4, 1)
	d.Landmarks[0] = [2]float32{1, 1}
	d.offset(10, 20)
	assert.Equal(t, [4]float32{11, 22, 13, 24}, d.BBox)
	assert.Equal(t, [2]float32{11, 21}, d.Landmarks[0])
	assert.Equal(t, float32(2), d.Width())
}

func TestNormalize(t *testing.T) {
	v := []float32{3, 4}
	normalize(v)
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	normalize(zero)
	assert.Equal(t, []float32{0, 0}, zero)
}

func TestTrackerKeepsSlotsAcrossFrames(t *testing.T) {
	tr := NewTracker(TrackerConfig{MaxAge: 2, MinHits: 2, IoUThreshold: 0.3})

	ups, dropped := tr.Update([]Detection{det(0, 0, 100, 100, 0.9), det(300, 0, 400, 100, 0.9)})
	require.Len(t, ups, 2)
	assert.Empty(t, dropped)
	assert.Equal(t, 1, ups[0].Track.Slot)
	assert.Equal(t, 2, ups[1].Track.Slot)
	assert.True(t, ups[0].IsNew)
	assert.False(t, ups[0].Confirmed)

	// Reversed order: assignment follows overlap, not position.
	ups, _ = tr.Update([]Detection{det(305, 0, 405, 100, 0.9), det(3, 0, 103, 100, 0.9)})
	require.Len(t, ups, 2)
	assert.Equal(t, 2, ups[0].Track.Slot)
	assert.Equal(t, 1, ups[1].Track.Slot)
	assert.False(t, ups[0].IsNew)
	assert.True(t, ups[0].Confirmed)
	assert.Equal(t, [4]float32{305, 0, 405, 100}, ups[0].Detection.BBox)
}

func TestTrackerRetiresStaleTracks(t *testing.T) {
	tr := NewTracker(TrackerConfig{MaxAge: 1})

	tr.Update([]Detection{det(0, 0, 100, 100, 0.9)})
	_, dropped := tr.Update(nil)
	assert.Empty(t, dropped)
	_, dropped = tr.Update(nil)
	assert.Equal(t, []int{1}, dropped)
	assert.Equal(t, 0, tr.TrackCount())

	ups, _ := tr.Update([]Detection{det(0, 0, 100, 100, 0.9)})
	assert.Equal(t, 2, ups[0].Track.Slot, "slots are never reused")
}

type fixedDetector []Detection

func (d fixedDetector) Detect(context.Context, image.Image) ([]Detection, error) { return d, nil }

type sizeEmbedder struct{}

func (sizeEmbedder) Embed(_ context.Context, face image.Image) ([]float32, error) {
	b := face.Bounds()
	return []float32{float32(b.Dx()), float32(b.Dy())}, nil
}

func encodeTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, w, h)), nil))
	return buf.Bytes()
}

func TestExtractorPicksMostConfidentFace(t *testing.T) {
	x := &Extractor{
		Detector:    fixedDetector{det(0, 0, 50, 50, 0.6), det(100, 100, 180, 180, 0.9)},
		Embedder:    sizeEmbedder{},
		CropPadding: 10,
	}

	face, err := x.Extract(context.Background(), encodeTestJPEG(t, 320, 240))
	require.NoError(t, err)
	assert.Equal(t, 2, face.Faces)
	assert.Equal(t, float32(0.9), face.Confidence)
	assert.Equal(t, []float32{100, 100}, face.Embedding)
}

func TestExtractorNoFace(t *testing.T) {
	x := &Extractor{Detector: fixedDetector{}, Embedder: sizeEmbedder{}}
	_, err := x.Extract(context.Background(), encodeTestJPEG(t, 32, 32))
	assert.ErrorIs(t, err, ErrNoFace)

	_, err = x.Extract(context.Background(), []byte("junk"))
	assert.Error(t, err)
}
