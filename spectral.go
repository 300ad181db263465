package ccgan

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// SpectralNorm Power-iteration based spectral normalization for a single weight node.
//
// The raw weight stays the learnable parameter; consumers read the normalized
// weight from Normed(), which evaluates to W / sigma with sigma = u*W*v^T.
// The singular vector estimates u and v live on the host and enter the
// expression graph as plain input nodes, so sigma is recomputed from the
// current weight on every run while gradients treat u and v as constants.
//
type SpectralNorm struct {
	weight *gorgonia.Node
	uNode  *gorgonia.Node
	vNode  *gorgonia.Node
	sigma  *gorgonia.Node
	normed *gorgonia.Node

	u *tensor.Dense
	v *tensor.Dense

	rows       int
	cols       int
	iterations int
	eps        float64
}

// NewSpectralNorm Wraps provided weight node (matrix or convolution kernel) with spectral
// normalization. The weight must carry an initialized value. Kernels of rank > 2 are treated
// as a matrix of shape (leading dimension, product of remaining dimensions).
//
// g - reference to computation graph holding the weight
// config - configuration (nil is fine, see DefaultConfig())
// weight - weight node to normalize
// name - prefix for naming the derived nodes
//
func NewSpectralNorm(g *gorgonia.ExprGraph, config *Config, weight *gorgonia.Node, name string) (*SpectralNorm, error) {
	cfg, err := ensureConfig(config)
	if err != nil {
		return nil, err
	}
	if weight == nil {
		return nil, fmt.Errorf("Weight node for spectral normalization is nil")
	}
	if weight.Value() == nil {
		return nil, fmt.Errorf("Weight node '%s' has no initialized value", weight.Name())
	}
	wShape := weight.Shape()
	if len(wShape) < 2 {
		return nil, fmt.Errorf("Weight node '%s' must have at least 2 dimensions, but got %d", weight.Name(), len(wShape))
	}
	rows := wShape[0]
	cols := 1
	for _, d := range wShape[1:] {
		cols *= d
	}
	sn := &SpectralNorm{
		weight:     weight,
		u:          randUnitDense(rows, cfg.SpectralNormEpsilon),
		v:          randUnitDense(cols, cfg.SpectralNormEpsilon),
		rows:       rows,
		cols:       cols,
		iterations: cfg.PowerIterations,
		eps:        cfg.SpectralNormEpsilon,
	}
	sn.uNode = gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, rows), gorgonia.WithName(name+"_sn_u"), gorgonia.WithValue(sn.u))
	sn.vNode = gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, cols), gorgonia.WithName(name+"_sn_v"), gorgonia.WithValue(sn.v))
	if err := sn.buildGraph(name); err != nil {
		return nil, err
	}
	// Warm up the estimates so the very first forward pass already divides by
	// a meaningful sigma
	if err := sn.PowerIterate(); err != nil {
		return nil, err
	}
	return sn, nil
}

// buildGraph builds sigma = u*W*v^T and the normalized weight W/sigma
func (sn *SpectralNorm) buildGraph(name string) error {
	wFlat := sn.weight
	var err error
	if !sn.weight.Shape().Eq(tensor.Shape{sn.rows, sn.cols}) {
		wFlat, err = gorgonia.Reshape(sn.weight, tensor.Shape{sn.rows, sn.cols})
		if err != nil {
			return errors.Wrap(err, "Can't flatten weight for spectral normalization")
		}
	}
	uw, err := gorgonia.Mul(sn.uNode, wFlat)
	if err != nil {
		return errors.Wrap(err, "Can't do u*W")
	}
	uwv, err := gorgonia.HadamardProd(uw, sn.vNode)
	if err != nil {
		return errors.Wrap(err, "Can't do (u*W).*v")
	}
	sigma, err := gorgonia.Sum(uwv)
	if err != nil {
		return errors.Wrap(err, "Can't reduce u*W*v^T to sigma")
	}
	gorgonia.WithName(name + "_sn_sigma")(sigma)
	normed, err := gorgonia.Div(sn.weight, sigma)
	if err != nil {
		return errors.Wrap(err, "Can't divide weight by sigma")
	}
	gorgonia.WithName(name + "_sn")(normed)
	sn.sigma = sigma
	sn.normed = normed
	return nil
}

// PowerIterate Runs the configured number of power-iteration steps against the current
// weight value, refreshing u and v in place. Call it once per training step before
// running the tape machine.
func (sn *SpectralNorm) PowerIterate() error {
	wFlat, err := sn.flatWeightView()
	if err != nil {
		return err
	}
	for i := 0; i < sn.iterations; i++ {
		// v <- normalize(W^T u), computed as u(1,rows) x W(rows,cols)
		vRaw, err := tensor.MatMul(sn.u, wFlat)
		if err != nil {
			return errors.Wrap(err, "Can't do u*W during power iteration")
		}
		if err := normalizeInto(sn.v, vRaw, sn.eps); err != nil {
			return err
		}
		// u <- normalize(W*v)
		vCol := tensor.New(tensor.WithShape(sn.cols, 1), tensor.WithBacking(sn.v.Data().([]float64)))
		uRaw, err := tensor.MatMul(wFlat, vCol)
		if err != nil {
			return errors.Wrap(err, "Can't do W*v during power iteration")
		}
		if err := normalizeInto(sn.u, uRaw, sn.eps); err != nil {
			return err
		}
	}
	return nil
}

// Sigma Estimates the largest singular value of the raw weight as u*W*v^T using the
// current host-side singular vector estimates
func (sn *SpectralNorm) Sigma() (float64, error) {
	wFlat, err := sn.flatWeightView()
	if err != nil {
		return 0, err
	}
	uw, err := tensor.MatMul(sn.u, wFlat)
	if err != nil {
		return 0, errors.Wrap(err, "Can't do u*W")
	}
	uwData, ok := uw.Data().([]float64)
	if !ok {
		return 0, fmt.Errorf("Power iteration product is not float64-backed")
	}
	vData := sn.v.Data().([]float64)
	sigma := 0.0
	for i := range uwData {
		sigma += uwData[i] * vData[i]
	}
	return sigma, nil
}

// NormalizedMatrix Returns a fresh (rows, cols) copy of the effective weight W/sigma
func (sn *SpectralNorm) NormalizedMatrix() (*tensor.Dense, error) {
	sigma, err := sn.Sigma()
	if err != nil {
		return nil, err
	}
	wFlat, err := sn.flatWeightView()
	if err != nil {
		return nil, err
	}
	src := wFlat.Data().([]float64)
	out := make([]float64, len(src))
	for i := range src {
		out[i] = src[i] / sigma
	}
	return tensor.New(tensor.WithShape(sn.rows, sn.cols), tensor.WithBacking(out)), nil
}

// Normed Returns reference to the normalized weight node
func (sn *SpectralNorm) Normed() *gorgonia.Node {
	return sn.normed
}

// mirror rebuilds the normalization expression on another graph around the mirrored
// weight node. The host-side estimates are shared, so iterating the original keeps
// the mirror in sync.
func (sn *SpectralNorm) mirror(g *gorgonia.ExprGraph, weight *gorgonia.Node) (*SpectralNorm, error) {
	m := &SpectralNorm{
		weight:     weight,
		u:          sn.u,
		v:          sn.v,
		rows:       sn.rows,
		cols:       sn.cols,
		iterations: sn.iterations,
		eps:        sn.eps,
	}
	name := weight.Name()
	m.uNode = gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, m.rows), gorgonia.WithName(name+"_sn_u"), gorgonia.WithValue(m.u))
	m.vNode = gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, m.cols), gorgonia.WithName(name+"_sn_v"), gorgonia.WithValue(m.v))
	if err := m.buildGraph(name); err != nil {
		return nil, err
	}
	return m, nil
}

// flatWeightView returns a (rows, cols) view sharing the weight's backing array
func (sn *SpectralNorm) flatWeightView() (*tensor.Dense, error) {
	wVal := sn.weight.Value()
	if wVal == nil {
		return nil, fmt.Errorf("Weight node '%s' has no bound value", sn.weight.Name())
	}
	wDense, ok := wVal.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("Weight node '%s' value is not a dense tensor", sn.weight.Name())
	}
	backing, ok := wDense.Data().([]float64)
	if !ok {
		return nil, fmt.Errorf("Weight node '%s' is not float64-backed", sn.weight.Name())
	}
	return tensor.New(tensor.WithShape(sn.rows, sn.cols), tensor.WithBacking(backing)), nil
}

// normalizeInto writes src/||src|| into dst's backing array, so graph nodes bound to
// dst stay in sync automatically
func normalizeInto(dst *tensor.Dense, src tensor.Tensor, eps float64) error {
	srcData, ok := src.Data().([]float64)
	if !ok {
		return fmt.Errorf("Power iteration product is not float64-backed")
	}
	dstData := dst.Data().([]float64)
	if len(srcData) != len(dstData) {
		return fmt.Errorf("Power iteration product has %d elements, expected %d", len(srcData), len(dstData))
	}
	norm := 0.0
	for _, x := range srcData {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	for i := range dstData {
		dstData[i] = srcData[i] / (norm + eps)
	}
	return nil
}

// randUnitDense draws a unit-normalized gaussian row vector (1, n)
func randUnitDense(n int, eps float64) *tensor.Dense {
	data := make([]float64, n)
	norm := 0.0
	for i := range data {
		data[i] = rand.NormFloat64()
		norm += data[i] * data[i]
	}
	norm = math.Sqrt(norm)
	for i := range data {
		data[i] /= norm + eps
	}
	return tensor.New(tensor.WithShape(1, n), tensor.WithBacking(data))
}
