package ccgan

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"math/rand"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/image/draw"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// NormRandDense Return reference to tensor.Dense filled with normally distributed float64 values in range [-inf;+inf] ([-maxF64;+maxF64] actually)
//
// batchSize - Simply batch size
// n - Number of elements in each batch
// Resulting dense will have batchSize*n elements
//
func NormRandDense(batchSize, n int) *tensor.Dense {
	data := make([]float64, batchSize*n)
	for i := range data {
		data[i] = rand.NormFloat64()
	}
	return tensor.New(tensor.WithShape(batchSize, n), tensor.WithBacking(data))
}

// UniformRandDense Return reference to tensor.Dense filled with pseudo-random float64 values in range [0.0,1.0)
//
// batchSize - Simply batch size
// n - Number of elements in each batch
// Resulting dense will have batchSize*n elements
//
func UniformRandDense(batchSize, n int) *tensor.Dense {
	data := make([]float64, batchSize*n)
	for i := range data {
		data[i] = rand.Float64()
	}
	return tensor.New(tensor.WithShape(batchSize, n), tensor.WithBacking(data))
}

// SlicerOneStep Just iterator with step size = 1
type SlicerOneStep struct {
	StartIdx, EndIdx int
}

func (s SlicerOneStep) Start() int { return s.StartIdx }
func (s SlicerOneStep) End() int   { return s.EndIdx }
func (s SlicerOneStep) Step() int  { return 1 }

// LabelEmbedding Return reference to tensor.Dense with sinusoidal embeddings for given scalar labels
//
// labels - Dense holding one regression label per sample, normalized to [0;1]
// dim - Embedding dimension, must be even
// Resulting dense will have shape (numLabels, dim)
//
func LabelEmbedding(labels *tensor.Dense, dim int) (*tensor.Dense, error) {
	if labels == nil {
		return nil, fmt.Errorf("Labels must be non-nil")
	}
	if dim < 2 || dim%2 != 0 {
		return nil, fmt.Errorf("Embedding dimension must be a positive even number, but got %d", dim)
	}
	numLabels := labels.Shape()[0]
	if labels.Shape().TotalSize() != numLabels {
		return nil, fmt.Errorf("Labels must have a single value per sample, but got shape %v", labels.Shape())
	}
	var labelData []float64
	switch backing := labels.Data().(type) {
	case []float64:
		labelData = backing
	case float64:
		labelData = []float64{backing}
	default:
		return nil, fmt.Errorf("Labels must be backed by float64 values")
	}
	data := make([]float64, numLabels*dim)
	for i, label := range labelData {
		// Treat the label as a continuous position on a 64-step axis
		position := label * 64.0
		for k := 0; k < dim/2; k++ {
			angle := position / math.Pow(10000.0, float64(2*k)/float64(dim))
			data[i*dim+2*k] = math.Sin(angle)
			data[i*dim+2*k+1] = math.Cos(angle)
		}
	}
	return tensor.New(tensor.WithShape(numLabels, dim), tensor.WithBacking(data)), nil
}

// GenerateSamples Generates images for provided label embeddings in batches
//
// vmGenerator - tape machine evaluating the generator's graph
// inputLatent - node holding the generator's latent input
// inputEmbed - node holding the generator's embedding input
// generatorOut - pointer to the value bound to the generator's output
// embeddings - label embeddings; number of rows must be divisible by batchSize
// batchSize - batch size the generator's graph was built with
// latentDim - latent space size
//
func GenerateSamples(vmGenerator gorgonia.VM, inputLatent, inputEmbed *gorgonia.Node, generatorOut *gorgonia.Value, embeddings *tensor.Dense, batchSize, latentDim int) (*tensor.Dense, error) {
	if embeddings == nil {
		return nil, fmt.Errorf("Embeddings must be non-nil")
	}
	rows := embeddings.Shape()[0]
	if batchSize < 1 || rows%batchSize != 0 {
		return nil, fmt.Errorf("Number of embeddings %d must be divisible by batch size %d", rows, batchSize)
	}
	batches := []*tensor.Dense{}
	for start := 0; start < rows; start += batchSize {
		latentSpaceSamples := NormRandDense(batchSize, latentDim)
		err := gorgonia.Let(inputLatent, latentSpaceSamples)
		if err != nil {
			return nil, errors.Wrap(err, "Can't init latent input value")
		}
		embedSlice, err := embeddings.Slice(SlicerOneStep{StartIdx: start, EndIdx: start + batchSize})
		if err != nil {
			return nil, errors.Wrap(err, "Can't slice embeddings")
		}
		err = gorgonia.Let(inputEmbed, embedSlice.Materialize())
		if err != nil {
			return nil, errors.Wrap(err, "Can't init embedding input value")
		}
		err = vmGenerator.RunAll()
		if err != nil {
			return nil, errors.Wrap(err, "Can't run VM")
		}
		vmGenerator.Reset()
		batchOut, ok := (*generatorOut).(*tensor.Dense)
		if !ok {
			return nil, fmt.Errorf("Generator output is not a dense tensor")
		}
		batches = append(batches, batchOut.Clone().(*tensor.Dense))
	}
	if len(batches) == 1 {
		return batches[0], nil
	}
	samples, err := batches[0].Concat(0, batches[1:]...)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do concatenation")
	}
	return samples, nil
}

// SaveImageGrid Renders a batch of images as a single PNG grid
//
// images - Dense of shape (numImages, 3, height, width) with values in [-1;1]
// columns - Number of grid columns
// scale - Integer upscaling factor (nearest neighbour), must be >= 1
// fname - Output file name
//
func SaveImageGrid(images *tensor.Dense, columns, scale int, fname string) error {
	if images == nil || images.Dims() != 4 || images.Shape()[1] != 3 {
		return fmt.Errorf("Image grid expects (n, 3, h, w) input, but got %v", images)
	}
	if columns < 1 {
		return fmt.Errorf("Number of grid columns must be positive, but got %d", columns)
	}
	if scale < 1 {
		return fmt.Errorf("Scale factor must be positive, but got %d", scale)
	}
	data, ok := images.Data().([]float64)
	if !ok {
		return fmt.Errorf("Images must be backed by float64 values")
	}
	numImages := images.Shape()[0]
	height := images.Shape()[2]
	width := images.Shape()[3]
	gridRows := (numImages + columns - 1) / columns
	grid := image.NewRGBA(image.Rect(0, 0, columns*width, gridRows*height))
	draw.Draw(grid, grid.Bounds(), image.Black, image.Point{}, draw.Src)
	for i := 0; i < numImages; i++ {
		cellX := (i % columns) * width
		cellY := (i / columns) * height
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				grid.SetRGBA(cellX+x, cellY+y, color.RGBA{
					R: pixelByte(data[((i*3+0)*height+y)*width+x]),
					G: pixelByte(data[((i*3+1)*height+y)*width+x]),
					B: pixelByte(data[((i*3+2)*height+y)*width+x]),
					A: 255,
				})
			}
		}
	}
	if scale > 1 {
		scaled := image.NewRGBA(image.Rect(0, 0, columns*width*scale, gridRows*height*scale))
		draw.NearestNeighbor.Scale(scaled, scaled.Bounds(), grid, grid.Bounds(), draw.Src, nil)
		grid = scaled
	}
	f, err := os.Create(fname)
	if err != nil {
		return errors.Wrap(err, "Can't create output file")
	}
	defer f.Close()
	if err := png.Encode(f, grid); err != nil {
		return errors.Wrap(err, "Can't encode PNG")
	}
	return nil
}

// pixelByte Maps a [-1;1] pixel value to [0;255], clamping out-of-range values
func pixelByte(v float64) uint8 {
	scaled := math.Round((v + 1.0) / 2.0 * 255.0)
	if scaled < 0.0 {
		return 0
	}
	if scaled > 255.0 {
		return 255
	}
	return uint8(scaled)
}

// PlotLossCurves Plot chart for discriminator and generator loss histories
func PlotLossCurves(discriminatorLoss, generatorLoss []float64, fname string) error {
	if len(discriminatorLoss) != len(generatorLoss) {
		return fmt.Errorf("Discriminator and generator loss series must have same length, but got %d and %d", len(discriminatorLoss), len(generatorLoss))
	}
	discData := make(plotter.XYs, len(discriminatorLoss))
	genData := make(plotter.XYs, len(generatorLoss))
	for i := range discriminatorLoss {
		discData[i].X = float64(i)
		discData[i].Y = discriminatorLoss[i]
		genData[i].X = float64(i)
		genData[i].Y = generatorLoss[i]
	}
	discLine, err := plotter.NewLine(discData)
	if err != nil {
		return errors.Wrap(err, "Can't init discriminator loss line")
	}
	discLine.Color = color.RGBA{R: 255, B: 128, A: 255}
	genLine, err := plotter.NewLine(genData)
	if err != nil {
		return errors.Wrap(err, "Can't init generator loss line")
	}
	genLine.Color = color.RGBA{B: 255, G: 128, A: 255}
	p := plot.New()
	p.X.Label.Text = "Step"
	p.Y.Label.Text = "Loss"
	p.Add(plotter.NewGrid())
	p.Add(discLine, genLine)
	p.Legend.Add("discriminator", discLine)
	p.Legend.Add("generator", genLine)
	// Save the plot to a PNG file.
	if err := p.Save(6*vg.Inch, 4*vg.Inch, fname); err != nil {
		return errors.Wrap(err, "Can't save plot")
	}
	return nil
}
