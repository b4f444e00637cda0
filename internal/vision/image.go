package vision

import (
	"bytes"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
)

// DecodeImage decodes a JPEG or PNG.
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// FaceFilter drops boxes that are too small or too far from square to be a
// usable frontal face.
type FaceFilter struct {
	MinSize        int
	MinAspectRatio float64
	MaxAspectRatio float64
}

func (f FaceFilter) Accept(d Detection) bool {
	w, h := float64(d.Width()), float64(d.Height())
	if w <= 0 || h <= 0 {
		return false
	}
	if w < float64(f.MinSize) || h < float64(f.MinSize) {
		return false
	}
	ratio := w / h
	if f.MinAspectRatio > 0 && ratio < f.MinAspectRatio {
		return false
	}
	if f.MaxAspectRatio > 0 && ratio > f.MaxAspectRatio {
		return false
	}
	return true
}

// Filter returns the accepted detections in their original order.
func (f FaceFilter) Filter(dets []Detection) []Detection {
	out := dets[:0:0]
	for _, d := range dets {
		if f.Accept(d) {
			out = append(out, d)
		}
	}
	return out
}

// Best returns the detection with the highest confidence.
func Best(dets []Detection) (Detection, bool) {
	if len(dets) == 0 {
		return Detection{}, false
	}
	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	return best, true
}

// CropFace copies the box plus padding pixels on each side, clamped to the
// image. It returns nil when the box does not overlap the image.
func CropFace(img image.Image, bbox [4]float32, padding int) image.Image {
	rect := image.Rect(
		int(bbox[0])-padding, int(bbox[1])-padding,
		int(bbox[2])+padding, int(bbox[3])+padding,
	).Intersect(img.Bounds())
	if rect.Empty() {
		return nil
	}

	crop := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(crop, crop.Bounds(), img, rect.Min, draw.Src)
	return crop
}

func preprocessForDetection(img image.Image, targetW, targetH int) []float32 {
	return imageToFloat32CHW(img, targetW, targetH, [3]float32{127.5, 127.5, 127.5}, [3]float32{128.0, 128.0, 128.0})
}

func preprocessForEmbedding(img image.Image, targetW, targetH int) []float32 {
	return imageToFloat32CHW(img, targetW, targetH, [3]float32{127.5, 127.5, 127.5}, [3]float32{127.5, 127.5, 127.5})
}

// imageToFloat32CHW resizes img and lays it out as normalized CHW floats:
//
//	pixel = (pixel - mean) / std
func imageToFloat32CHW(img image.Image, targetW, targetH int, mean, std [3]float32) []float32 {
	resized := resizeImage(img, targetW, targetH)
	plane := targetW * targetH
	data := make([]float32, 3*plane)

	for y := 0; y < targetH; y++ {
		for x := 0; x < targetW; x++ {
			off := resized.PixOffset(x, y)
			idx := y*targetW + x
			data[idx] = (float32(resized.Pix[off]) - mean[0]) / std[0]
			data[plane+idx] = (float32(resized.Pix[off+1]) - mean[1]) / std[1]
			data[2*plane+idx] = (float32(resized.Pix[off+2]) - mean[2]) / std[2]
		}
	}
	return data
}

// resizeImage performs a nearest-neighbour resize into RGBA.
func resizeImage(img image.Image, targetW, targetH int) *image.RGBA {
	bounds := img.Bounds()
	srcW, srcH := bounds.Dx(), bounds.Dy()
	dst := image.NewRGBA(image.Rect(0, 0, targetW, targetH))
	if srcW == 0 || srcH == 0 {
		return dst
	}

	for y := 0; y < targetH; y++ {
		srcY := bounds.Min.Y + y*srcH/targetH
		for x := 0; x < targetW; x++ {
			srcX := bounds.Min.X + x*srcW/targetW
			dst.Set(x, y, img.At(srcX, srcY))
		}
	}
	return dst
}
