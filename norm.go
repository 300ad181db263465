package ccgan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Normalizer Feature-map normalization strategy used inside generator blocks.
// The concrete strategy (conditional or plain) is chosen at construction time.
type Normalizer interface {
	// Fwd builds normalization of a (batch, channels, height, width) input.
	// The embedding is required by conditional strategies and must be nil otherwise.
	Fwd(input, embedding *gorgonia.Node) (*gorgonia.Node, error)
	// Learnables returns learnables nodes
	Learnables() gorgonia.Nodes
	// Stats returns the underlying batch-normalization layers for running statistics bookkeeping
	Stats() []*BatchNorm2d
}

// BatchNorm2d Per-channel batch normalization over (batch, channels, height, width)
// feature maps.
//
// Training graphs normalize with in-graph batch statistics; the statistics are read
// out of every run and folded into host-side running buffers by UpdateRunningStats().
// Evaluation graphs bind the running buffers as constant inputs instead.
//
type BatchNorm2d struct {
	gamma *gorgonia.Node
	beta  *gorgonia.Node

	runningMean *tensor.Dense
	runningVar  *tensor.Dense

	batchMean gorgonia.Value
	batchVar  gorgonia.Value
	statCount int

	channels int
	momentum float64
	epsilon  float64
	affine   bool
	eval     bool

	g    *gorgonia.ExprGraph
	name string
}

// BatchNormOpts Options for BatchNorm2d.
//
// Channels - number of input channels
// Affine - attach learnable per-channel scale and shift
// Eval - normalize with running statistics instead of batch statistics
// Name - prefix for naming the layer's nodes
//
type BatchNormOpts struct {
	Channels int
	Affine   bool
	Eval     bool
	Name     string
}

// NewBatchNorm2d Constructor for BatchNorm2d. Running statistics start at mean 0 and variance 1.
func NewBatchNorm2d(g *gorgonia.ExprGraph, config *Config, opts BatchNormOpts) (*BatchNorm2d, error) {
	cfg, err := ensureConfig(config)
	if err != nil {
		return nil, err
	}
	if opts.Channels < 1 {
		return nil, fmt.Errorf("Batch normalization needs at least one channel, got %d", opts.Channels)
	}
	name := opts.Name
	if name == "" {
		name = "batch_norm"
	}
	zeros := tensor.Ones(tensor.Float64, 1, opts.Channels, 1, 1)
	zeros.Zero()
	bn := &BatchNorm2d{
		runningMean: zeros,
		runningVar:  tensor.Ones(tensor.Float64, 1, opts.Channels, 1, 1),
		channels:    opts.Channels,
		momentum:    cfg.BatchNormMomentum,
		epsilon:     cfg.BatchNormEpsilon,
		affine:      opts.Affine,
		eval:        opts.Eval,
		g:           g,
		name:        name,
	}
	if opts.Affine {
		bn.gamma = gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(1, opts.Channels, 1, 1), gorgonia.WithName(name+"_gamma"), gorgonia.WithInit(gorgonia.Ones()))
		bn.beta = gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(1, opts.Channels, 1, 1), gorgonia.WithName(name+"_beta"), gorgonia.WithInit(gorgonia.Zeroes()))
	}
	return bn, nil
}

// Fwd Builds normalization of the input. The embedding must be nil; conditional scaling
// lives in CondBatchNorm2d.
func (bn *BatchNorm2d) Fwd(input, embedding *gorgonia.Node) (*gorgonia.Node, error) {
	if embedding != nil {
		return nil, fmt.Errorf("Plain batch normalization '%s' does not accept an embedding input", bn.name)
	}
	out, err := bn.normalize(input)
	if err != nil {
		return nil, err
	}
	if bn.affine {
		out, err = gorgonia.BroadcastHadamardProd(out, bn.gamma, nil, []byte{0, 2, 3})
		if err != nil {
			return nil, errors.Wrap(err, "Can't scale normalized output by gamma")
		}
		out, err = gorgonia.BroadcastAdd(out, bn.beta, nil, []byte{0, 2, 3})
		if err != nil {
			return nil, errors.Wrap(err, "Can't shift normalized output by beta")
		}
	}
	return out, nil
}

// normalize builds the statistics-only part shared by the plain and conditional layers
func (bn *BatchNorm2d) normalize(input *gorgonia.Node) (*gorgonia.Node, error) {
	if input == nil {
		return nil, fmt.Errorf("Input of batch normalization '%s' is nil", bn.name)
	}
	inShape := input.Shape()
	if len(inShape) != 4 {
		return nil, fmt.Errorf("Batch normalization '%s' expects 4 dimensions, but got %v", bn.name, inShape)
	}
	if inShape[1] != bn.channels {
		return nil, fmt.Errorf("Batch normalization '%s' is built for %d channels, but input has %d", bn.name, bn.channels, inShape[1])
	}
	if bn.eval {
		return bn.normalizeEval(input)
	}
	return bn.normalizeTrain(input, inShape)
}

func (bn *BatchNorm2d) normalizeTrain(input *gorgonia.Node, inShape tensor.Shape) (*gorgonia.Node, error) {
	mean, err := meanOverBatchAndSpace(input)
	if err != nil {
		return nil, errors.Wrap(err, "Can't compute batch mean")
	}
	gorgonia.WithName(bn.name + "_batch_mean")(mean)
	meanB, err := gorgonia.Reshape(mean, tensor.Shape{1, bn.channels, 1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "Can't reshape batch mean for broadcasting")
	}
	centered, err := gorgonia.BroadcastSub(input, meanB, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrap(err, "Can't center input by batch mean")
	}
	squared, err := gorgonia.Square(centered)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (x^2)")
	}
	variance, err := meanOverBatchAndSpace(squared)
	if err != nil {
		return nil, errors.Wrap(err, "Can't compute batch variance")
	}
	gorgonia.WithName(bn.name + "_batch_var")(variance)
	// Capture statistics of every run for UpdateRunningStats
	gorgonia.Read(mean, &bn.batchMean)
	gorgonia.Read(variance, &bn.batchVar)
	bn.statCount = inShape[0] * inShape[2] * inShape[3]

	varB, err := gorgonia.Reshape(variance, tensor.Shape{1, bn.channels, 1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "Can't reshape batch variance for broadcasting")
	}
	return bn.divideByStd(centered, varB)
}

func (bn *BatchNorm2d) normalizeEval(input *gorgonia.Node) (*gorgonia.Node, error) {
	mean := gorgonia.NewTensor(bn.g, gorgonia.Float64, 4, gorgonia.WithShape(1, bn.channels, 1, 1), gorgonia.WithName(bn.name+"_running_mean"), gorgonia.WithValue(bn.runningMean))
	variance := gorgonia.NewTensor(bn.g, gorgonia.Float64, 4, gorgonia.WithShape(1, bn.channels, 1, 1), gorgonia.WithName(bn.name+"_running_var"), gorgonia.WithValue(bn.runningVar))
	centered, err := gorgonia.BroadcastSub(input, mean, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrap(err, "Can't center input by running mean")
	}
	return bn.divideByStd(centered, variance)
}

func (bn *BatchNorm2d) divideByStd(centered, variance *gorgonia.Node) (*gorgonia.Node, error) {
	eps := gorgonia.NewScalar(bn.g, gorgonia.Float64, gorgonia.WithValue(bn.epsilon))
	varEps, err := gorgonia.Add(variance, eps)
	if err != nil {
		return nil, errors.Wrap(err, "Can't stabilize variance")
	}
	std, err := gorgonia.Sqrt(varEps)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do sqrt(var+eps)")
	}
	out, err := gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{0, 2, 3})
	if err != nil {
		return nil, errors.Wrap(err, "Can't divide centered input by standard deviation")
	}
	return out, nil
}

// UpdateRunningStats Folds the batch statistics captured by the latest training run into
// the running buffers as running = (1-momentum)*running + momentum*batch. Variance is
// folded in its unbiased form, scaled by n/(n-1) over the n reduced positions.
func (bn *BatchNorm2d) UpdateRunningStats() error {
	if bn.eval {
		return fmt.Errorf("Batch normalization '%s' is in evaluation mode", bn.name)
	}
	if bn.batchMean == nil || bn.batchVar == nil {
		return fmt.Errorf("Batch normalization '%s' has no captured statistics; run the training graph first", bn.name)
	}
	meanData, ok := bn.batchMean.Data().([]float64)
	if !ok {
		return fmt.Errorf("Captured batch mean of '%s' is not float64-backed", bn.name)
	}
	varData, ok := bn.batchVar.Data().([]float64)
	if !ok {
		return fmt.Errorf("Captured batch variance of '%s' is not float64-backed", bn.name)
	}
	if len(meanData) != bn.channels || len(varData) != bn.channels {
		return fmt.Errorf("Captured statistics of '%s' have wrong length", bn.name)
	}
	unbias := 1.0
	if bn.statCount > 1 {
		unbias = float64(bn.statCount) / float64(bn.statCount-1)
	}
	rm := bn.runningMean.Data().([]float64)
	rv := bn.runningVar.Data().([]float64)
	for i := 0; i < bn.channels; i++ {
		rm[i] = (1-bn.momentum)*rm[i] + bn.momentum*meanData[i]
		rv[i] = (1-bn.momentum)*rv[i] + bn.momentum*varData[i]*unbias
	}
	return nil
}

// Learnables Returns learnables nodes
func (bn *BatchNorm2d) Learnables() gorgonia.Nodes {
	if !bn.affine {
		return gorgonia.Nodes{}
	}
	return gorgonia.Nodes{bn.gamma, bn.beta}
}

// Stats Returns the layer itself
func (bn *BatchNorm2d) Stats() []*BatchNorm2d {
	return []*BatchNorm2d{bn}
}

// meanOverBatchAndSpace reduces (batch, channels, height, width) to per-channel (channels),
// one axis at a time
func meanOverBatchAndSpace(x *gorgonia.Node) (*gorgonia.Node, error) {
	m, err := gorgonia.Mean(x, 3)
	if err != nil {
		return nil, errors.Wrap(err, "Can't reduce width axis")
	}
	m, err = gorgonia.Mean(m, 2)
	if err != nil {
		return nil, errors.Wrap(err, "Can't reduce height axis")
	}
	m, err = gorgonia.Mean(m, 0)
	if err != nil {
		return nil, errors.Wrap(err, "Can't reduce batch axis")
	}
	return m, nil
}

// CondBatchNorm2d Conditional batch normalization: affine-free batch normalization
// followed by per-channel scale and shift computed from a label embedding through two
// bias-free linear projections. The output keeps the additive residual form
//
//	out = norm + norm*gamma(embedding) + beta(embedding)
//
type CondBatchNorm2d struct {
	bn        *BatchNorm2d
	gammaProj *Linear
	betaProj  *Linear

	channels int
	embedDim int
	name     string
}

// CondBatchNormOpts Options for CondBatchNorm2d.
//
// Channels - number of input channels
// EmbedDim - label embedding size
// Eval - normalize with running statistics instead of batch statistics
// Name - prefix for naming the layer's nodes
//
type CondBatchNormOpts struct {
	Channels int
	EmbedDim int
	Eval     bool
	Name     string
}

// NewCondBatchNorm2d Constructor for CondBatchNorm2d
func NewCondBatchNorm2d(g *gorgonia.ExprGraph, config *Config, opts CondBatchNormOpts) (*CondBatchNorm2d, error) {
	if opts.EmbedDim < 1 {
		return nil, fmt.Errorf("Conditional batch normalization needs a positive embedding size, got %d", opts.EmbedDim)
	}
	name := opts.Name
	if name == "" {
		name = "cond_batch_norm"
	}
	bn, err := NewBatchNorm2d(g, config, BatchNormOpts{Channels: opts.Channels, Affine: false, Eval: opts.Eval, Name: name})
	if err != nil {
		return nil, err
	}
	gammaProj, err := NewLinear(g, config, LinearOpts{InFeatures: opts.EmbedDim, OutFeatures: opts.Channels, Gain: 1.0, Name: name + "_gamma_embed"})
	if err != nil {
		return nil, err
	}
	betaProj, err := NewLinear(g, config, LinearOpts{InFeatures: opts.EmbedDim, OutFeatures: opts.Channels, Gain: 1.0, Name: name + "_beta_embed"})
	if err != nil {
		return nil, err
	}
	return &CondBatchNorm2d{
		bn:        bn,
		gammaProj: gammaProj,
		betaProj:  betaProj,
		channels:  opts.Channels,
		embedDim:  opts.EmbedDim,
		name:      name,
	}, nil
}

// Fwd Builds conditional normalization of the input given per-sample embeddings of
// shape (batch, embedDim)
func (cbn *CondBatchNorm2d) Fwd(input, embedding *gorgonia.Node) (*gorgonia.Node, error) {
	if embedding == nil {
		return nil, fmt.Errorf("Conditional batch normalization '%s' requires an embedding input", cbn.name)
	}
	embedShape := embedding.Shape()
	if len(embedShape) != 2 || embedShape[1] != cbn.embedDim {
		return nil, fmt.Errorf("Conditional batch normalization '%s' is built for embeddings of size %d, but got shape %v", cbn.name, cbn.embedDim, embedShape)
	}
	normalized, err := cbn.bn.normalize(input)
	if err != nil {
		return nil, err
	}
	batchSize := embedShape[0]
	gamma, err := cbn.gammaProj.Fwd(embedding, batchSize)
	if err != nil {
		return nil, errors.Wrap(err, "Can't project embedding to gamma")
	}
	gammaB, err := gorgonia.Reshape(gamma, tensor.Shape{batchSize, cbn.channels, 1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "Can't reshape gamma for broadcasting")
	}
	beta, err := cbn.betaProj.Fwd(embedding, batchSize)
	if err != nil {
		return nil, errors.Wrap(err, "Can't project embedding to beta")
	}
	betaB, err := gorgonia.Reshape(beta, tensor.Shape{batchSize, cbn.channels, 1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "Can't reshape beta for broadcasting")
	}
	scaled, err := gorgonia.BroadcastHadamardProd(normalized, gammaB, nil, []byte{2, 3})
	if err != nil {
		return nil, errors.Wrap(err, "Can't do norm.*gamma")
	}
	out, err := gorgonia.Add(normalized, scaled)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do norm + norm.*gamma")
	}
	out, err = gorgonia.BroadcastAdd(out, betaB, nil, []byte{2, 3})
	if err != nil {
		return nil, errors.Wrap(err, "Can't add beta")
	}
	return out, nil
}

// Learnables Returns learnables nodes
func (cbn *CondBatchNorm2d) Learnables() gorgonia.Nodes {
	learnables := make(gorgonia.Nodes, 0, 2)
	learnables = append(learnables, cbn.gammaProj.Learnables()...)
	learnables = append(learnables, cbn.betaProj.Learnables()...)
	return learnables
}

// Stats Returns the wrapped batch-normalization layer
func (cbn *CondBatchNorm2d) Stats() []*BatchNorm2d {
	return []*BatchNorm2d{cbn.bn}
}
