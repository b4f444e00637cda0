package vision

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

type EmbedderConfig struct {
	ModelPath string
	InputSize int
	// Normalize L2-normalizes the output. Distance thresholds must be tuned
	// for whichever form is used.
	Normalize bool
}

// Embedder computes face embeddings with an ONNX face-recognition model.
// Input and output names and the embedding size come from the model.
type Embedder struct {
	mu           sync.Mutex
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	inputSize    int
	embDim       int
	normalize    bool
}

func NewEmbedder(cfg EmbedderConfig) (*Embedder, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("inspect embedder model: %w", err)
	}
	if len(inputs) != 1 || len(outputs) < 1 {
		return nil, fmt.Errorf("embedder model: want 1 input and at least 1 output, got %d and %d", len(inputs), len(outputs))
	}
	dims := outputs[0].Dimensions
	embDim := int(dims[len(dims)-1])
	if embDim <= 0 {
		return nil, fmt.Errorf("embedder model: dynamic embedding size %v", dims)
	}

	size := cfg.InputSize
	if size <= 0 {
		size = 112
	}

	e := &Embedder{inputSize: size, embDim: embDim, normalize: cfg.Normalize}

	e.inputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(1, 3, int64(size), int64(size)))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	e.outputTensor, err = ort.NewEmptyTensor[float32](ort.NewShape(1, int64(embDim)))
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	e.session, err = ort.NewAdvancedSession(cfg.ModelPath,
		[]string{inputs[0].Name},
		[]string{outputs[0].Name},
		[]ort.Value{e.inputTensor},
		[]ort.Value{e.outputTensor},
		nil,
	)
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("create embedder session: %w", err)
	}
	return e, nil
}

// Embed returns the embedding of a face crop.
func (e *Embedder) Embed(ctx context.Context, face image.Image) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	input := preprocessForEmbedding(face, e.inputSize, e.inputSize)

	e.mu.Lock()
	defer e.mu.Unlock()

	copy(e.inputTensor.GetData(), input)
	if err := e.session.Run(); err != nil {
		return nil, fmt.Errorf("run embedding: %w", err)
	}

	embedding := make([]float32, e.embDim)
	copy(embedding, e.outputTensor.GetData())
	if e.normalize {
		normalize(embedding)
	}
	return embedding, nil
}

// Dim returns the embedding vector dimension.
func (e *Embedder) Dim() int {
	return e.embDim
}

func (e *Embedder) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != nil {
		e.session.Destroy()
	}
	if e.inputTensor != nil {
		e.inputTensor.Destroy()
	}
	if e.outputTensor != nil {
		e.outputTensor.Destroy()
	}
}

// normalize performs L2 normalization in-place.
func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := float32(math.Sqrt(sum))
	if norm > 0 {
		for i := range v {
			v[i] /= norm
		}
	}
}
