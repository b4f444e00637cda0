package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var ErrNoFace = errors.New("no face found")

type FaceDetector interface {
	Detect(ctx context.Context, img image.Image) ([]Detection, error)
}

type FaceEmbedder interface {
	Embed(ctx context.Context, face image.Image) ([]float32, error)
}

// Face is the most confident face of an uploaded image.
type Face struct {
	Crop       image.Image
	Embedding  []float32
	Confidence float32
	// Faces is the number of faces detected in the image.
	Faces int
}

// Extractor turns a still image into a face crop and embedding for manual
// enrollment and search.
type Extractor struct {
	Detector    FaceDetector
	Embedder    FaceEmbedder
	CropPadding int
}

func (x *Extractor) Extract(ctx context.Context, data []byte) (Face, error) {
	img, err := DecodeImage(data)
	if err != nil {
		return Face{}, err
	}
	dets, err := x.Detector.Detect(ctx, img)
	if err != nil {
		return Face{}, fmt.Errorf("detect: %w", err)
	}
	best, ok := Best(dets)
	if !ok {
		return Face{}, ErrNoFace
	}
	crop := CropFace(img, best.BBox, x.CropPadding)
	if crop == nil {
		return Face{}, ErrNoFace
	}
	emb, err := x.Embedder.Embed(ctx, crop)
	if err != nil {
		return Face{}, fmt.Errorf("embed: %w", err)
	}
	return Face{Crop: crop, Embedding: emb, Confidence: best.Confidence, Faces: len(dets)}, nil
}
