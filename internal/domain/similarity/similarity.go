// Package similarity scores speaker embeddings against each other.
//
// Extractors return tensors of arbitrary rank, e.g. (1, 1, 512) for a single
// utterance. Singleton dimensions are squeezed away; what remains must be a
// vector, or a batch of vectors that is handled according to a BatchPolicy.
package similarity

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrBatchedEmbedding = errors.New("similarity: embedding has more than one vector")
	ErrShape            = errors.New("similarity: inconsistent embedding shape")
)

// BatchPolicy decides what to do when an embedding still has a batch dimension
// after squeezing.
type BatchPolicy string

const (
	BatchMean  BatchPolicy = "mean"
	BatchError BatchPolicy = "error"
)

func ParseBatchPolicy(s string) (BatchPolicy, error) {
	switch BatchPolicy(s) {
	case BatchMean, BatchError:
		return BatchPolicy(s), nil
	case "":
		return BatchMean, nil
	default:
		return "", fmt.Errorf("unknown batched embedding policy %q (want mean|error)", s)
	}
}

// Tensor is a dense row-major array.
type Tensor struct {
	Shape []int
	Data  []float64
}

// Squeeze drops every dimension of size 1.
func (t Tensor) Squeeze() Tensor {
	shape := make([]int, 0, len(t.Shape))
	for _, d := range t.Shape {
		if d != 1 {
			shape = append(shape, d)
		}
	}
	return Tensor{Shape: shape, Data: t.Data}
}

// Vector collapses t to rank 1. A remaining leading dimension is treated as a
// batch and resolved with p; trailing dimensions are flattened into the vector.
func (t Tensor) Vector(p BatchPolicy) ([]float64, error) {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	if n != len(t.Data) {
		return nil, fmt.Errorf("%w: shape %v holds %d values, got %d", ErrShape, t.Shape, n, len(t.Data))
	}
	s := t.Squeeze()
	switch len(s.Shape) {
	case 0, 1:
		return s.Data, nil
	}
	batch := s.Shape[0]
	if batch == 0 {
		return nil, fmt.Errorf("%w: empty batch in shape %v", ErrShape, t.Shape)
	}
	if p == BatchError {
		return nil, fmt.Errorf("%w: shape %v", ErrBatchedEmbedding, t.Shape)
	}
	width := len(s.Data) / batch
	out := make([]float64, width)
	for b := 0; b < batch; b++ {
		for i := 0; i < width; i++ {
			out[i] += s.Data[b*width+i]
		}
	}
	for i := range out {
		out[i] /= float64(batch)
	}
	return out, nil
}

// Cosine returns the cosine similarity of a and b, clamped to [-1, 1].
// Zero vectors score 0.
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: vector lengths %d and %d", ErrShape, len(a), len(b))
	}
	if len(a) == 0 {
		return 0, fmt.Errorf("%w: empty vectors", ErrShape)
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	denom := math.Sqrt(na * nb)
	if denom == 0 {
		return 0, nil
	}
	s := dot / denom
	return math.Max(-1, math.Min(1, s)), nil
}

// Score collapses both tensors and compares them.
func Score(groundTruth, output Tensor, p BatchPolicy) (float64, error) {
	a, err := groundTruth.Vector(p)
	if err != nil {
		return 0, fmt.Errorf("ground truth embedding: %w", err)
	}
	b, err := output.Vector(p)
	if err != nil {
		return 0, fmt.Errorf("output embedding: %w", err)
	}
	return Cosine(a, b)
}
