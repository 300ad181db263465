package ccgan

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// TrainSet Labeled image data prepared for conditional training
type TrainSet struct {
	// Images Dense of shape (DataLength, 3, 64, 64) with values in [-1;1]
	Images *tensor.Dense
	// Labels Dense of shape (DataLength, 1) with regression labels in [0;1]
	Labels *tensor.Dense
	// Embeddings Dense of shape (DataLength, embedDim) produced by LabelEmbedding
	Embeddings *tensor.Dense
	DataLength int
}

// Batch Returns images and embeddings for samples in range [start; start+size)
func (set *TrainSet) Batch(start, size int) (*tensor.Dense, *tensor.Dense, error) {
	if start < 0 || size < 1 || start+size > set.DataLength {
		return nil, nil, fmt.Errorf("Batch [%d; %d) is out of range for %d samples", start, start+size, set.DataLength)
	}
	slicer := SlicerOneStep{StartIdx: start, EndIdx: start + size}
	imageSlice, err := set.Images.Slice(slicer)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Can't slice images")
	}
	embedSlice, err := set.Embeddings.Slice(slicer)
	if err != nil {
		return nil, nil, errors.Wrap(err, "Can't slice embeddings")
	}
	return imageSlice.Materialize().(*tensor.Dense), embedSlice.Materialize().(*tensor.Dense), nil
}

// SyntheticBlobs Builds a training set of 64x64 images, each holding a single
// Gaussian blob whose horizontal position encodes the regression label
//
// numSamples - Number of images to generate
// embedDim - Label embedding dimension, must be even
//
func SyntheticBlobs(numSamples, embedDim int) (*TrainSet, error) {
	if numSamples < 1 {
		return nil, fmt.Errorf("Number of samples must be positive, but got %d", numSamples)
	}
	const (
		height = 64
		width  = 64
		margin = 8.0
	)
	images := make([]float64, numSamples*3*height*width)
	labelData := make([]float64, numSamples)
	for i := 0; i < numSamples; i++ {
		label := rand.Float64()
		labelData[i] = label
		centerX := margin + label*(width-2*margin)
		centerY := float64(height) / 2.0
		radius := 6.0 + rand.Float64()*4.0
		channelGain := [3]float64{0.9, 0.5 + 0.4*label, 0.4 + 0.3*rand.Float64()}
		for c := 0; c < 3; c++ {
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					dx := float64(x) - centerX
					dy := float64(y) - centerY
					value := channelGain[c] * math.Exp(-(dx*dx+dy*dy)/(2.0*radius*radius))
					images[((i*3+c)*height+y)*width+x] = 2.0*value - 1.0
				}
			}
		}
	}
	labels := tensor.New(tensor.WithShape(numSamples, 1), tensor.WithBacking(labelData))
	embeddings, err := LabelEmbedding(labels, embedDim)
	if err != nil {
		return nil, errors.Wrap(err, "Can't embed labels")
	}
	return &TrainSet{
		Images:     tensor.New(tensor.WithShape(numSamples, 3, height, width), tensor.WithBacking(images)),
		Labels:     labels,
		Embeddings: embeddings,
		DataLength: numSamples,
	}, nil
}
