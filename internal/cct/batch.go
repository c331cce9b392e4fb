package cct

import (
	"math/rand"

	"github.com/born-ml/born/tensor"
	"github.com/pkg/errors"
)

// Batch is a mini-batch of transformed images and their labels.
type Batch[B tensor.Backend] struct {
	Images *tensor.Tensor[float32, B] // [N, 3, S, S]
	Labels *tensor.Tensor[int32, B]   // [N]
	Size   int
}

// Batches splits the indices 0..n-1 into consecutive groups of batchSize;
// the last group may be shorter. With shuffle the indices are permuted by rng first.
func Batches(n, batchSize int, shuffle bool, rng *rand.Rand) [][]int {
	if n <= 0 || batchSize <= 0 {
		return nil
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	if shuffle && rng != nil {
		rng.Shuffle(n, func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	out := make([][]int, 0, (n+batchSize-1)/batchSize)
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		out = append(out, order[start:end])
	}
	return out
}

// NewBatch wraps already transformed pixels (CHW per sample, concatenated)
// and labels into tensors on backend.
func NewBatch[B tensor.Backend](pixels []float32, labels []int32, size int, backend B) (*Batch[B], error) {
	n := len(labels)
	if n == 0 {
		return nil, errors.New("cct: empty batch")
	}
	if len(pixels) != n*3*size*size {
		return nil, errors.Errorf("cct: batch has %d pixels, want %d", len(pixels), n*3*size*size)
	}

	imagesRaw, err := tensor.NewRaw(tensor.Shape{n, 3, size, size}, tensor.Float32, backend.Device())
	if err != nil {
		return nil, errors.Wrap(err, "cct: allocate images")
	}
	labelsRaw, err := tensor.NewRaw(tensor.Shape{n}, tensor.Int32, backend.Device())
	if err != nil {
		return nil, errors.Wrap(err, "cct: allocate labels")
	}
	copy(imagesRaw.AsFloat32(), pixels)
	copy(labelsRaw.AsInt32(), labels)

	return &Batch[B]{
		Images: tensor.New[float32, B](imagesRaw, backend),
		Labels: tensor.New[int32, B](labelsRaw, backend),
		Size:   n,
	}, nil
}

// LoadBatch reads, transforms and stacks the images of the given positions
// of the dataset's index.
func LoadBatch[B tensor.Backend](ds *Dataset, positions []int, backend B) (*Batch[B], error) {
	t := ds.transform
	per := t.Len()
	pixels := make([]float32, len(positions)*per)
	labels := make([]int32, len(positions))

	for i, pos := range positions {
		s := ds.index.At(pos)
		img, err := LoadImage(ds.ImagePath(s))
		if err != nil {
			return nil, err
		}
		t.Apply(img, pixels[i*per:(i+1)*per])
		labels[i] = s.Label
	}

	return NewBatch(pixels, labels, t.Size, backend)
}
