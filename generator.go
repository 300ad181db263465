package ccgan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// GeneratorNet Conditional image generator: latent noise plus a label embedding in, 64x64
// RGB images out. A dense projection lifts the latent vector to a 4x4 grid with
// 16*BaseWidth channels, four residual blocks double the resolution while thinning
// channels, and a final batch-norm -> ReLU -> conv -> tanh emits 3 channels in (-1;1).
type GeneratorNet struct {
	cfg *Config

	dense     *Linear
	blocks    []*GenResBlock
	finalNorm *BatchNorm2d
	finalConv *Conv2d

	latentDim     int
	embedDim      int
	baseWidth     int
	unconditional bool
	eval          bool

	latentIn *gorgonia.Node
	embedIn  *gorgonia.Node
	out      *gorgonia.Node

	learnables gorgonia.Nodes
	norms      []*BatchNorm2d
}

// GeneratorOpts Options for GeneratorNet.
//
// LatentDim - latent vector size. Non-positive value defaults to 256
// EmbedDim - label embedding size. Non-positive value defaults to 128
// BaseWidth - channel multiplier base. Non-positive value defaults to 64
// Unconditional - build plain batch normalization instead of the conditional one
// Eval - normalize with running statistics instead of batch statistics
//
type GeneratorOpts struct {
	LatentDim     int
	EmbedDim      int
	BaseWidth     int
	Unconditional bool
	Eval          bool
}

// Generator Constructor for GeneratorNet
func Generator(g *gorgonia.ExprGraph, config *Config, opts GeneratorOpts) (*GeneratorNet, error) {
	cfg, err := ensureConfig(config)
	if err != nil {
		return nil, err
	}
	if opts.LatentDim <= 0 {
		opts.LatentDim = 256
	}
	if opts.EmbedDim <= 0 {
		opts.EmbedDim = 128
	}
	if opts.BaseWidth <= 0 {
		opts.BaseWidth = 64
	}
	net := &GeneratorNet{
		cfg:           cfg,
		latentDim:     opts.LatentDim,
		embedDim:      opts.EmbedDim,
		baseWidth:     opts.BaseWidth,
		unconditional: opts.Unconditional,
		eval:          opts.Eval,
	}
	w := opts.BaseWidth
	net.dense, err = NewLinear(g, cfg, LinearOpts{InFeatures: opts.LatentDim, OutFeatures: 4 * 4 * w * 16, Gain: 1.0, Bias: true, Name: "generator_dense"})
	if err != nil {
		return nil, err
	}
	// Channel schedule over resolutions 4 -> 8 -> 16 -> 32 -> 64
	channels := []int{w * 16, w * 8, w * 4, w * 2, w}
	for i := 0; i < len(channels)-1; i++ {
		block, err := NewGenResBlock(g, cfg, GenResBlockOpts{
			InChannels:    channels[i],
			OutChannels:   channels[i+1],
			EmbedDim:      opts.EmbedDim,
			Unconditional: opts.Unconditional,
			Eval:          opts.Eval,
			Name:          fmt.Sprintf("generator_block%d", i),
		})
		if err != nil {
			return nil, err
		}
		net.blocks = append(net.blocks, block)
	}
	net.finalNorm, err = NewBatchNorm2d(g, cfg, BatchNormOpts{Channels: w, Affine: true, Eval: opts.Eval, Name: "generator_final_bn"})
	if err != nil {
		return nil, err
	}
	net.finalConv, err = NewConv2d(g, cfg, ConvOpts{InChannels: w, OutChannels: 3, KernelSize: 3, Pad: 1, Gain: 1.0, Bias: true, Name: "generator_final_conv"})
	if err != nil {
		return nil, err
	}
	net.learnables = append(net.learnables, net.dense.Learnables()...)
	for _, b := range net.blocks {
		net.learnables = append(net.learnables, b.Learnables()...)
		net.norms = append(net.norms, b.stats()...)
	}
	net.learnables = append(net.learnables, net.finalNorm.Learnables()...)
	net.learnables = append(net.learnables, net.finalConv.Learnables()...)
	net.norms = append(net.norms, net.finalNorm)
	return net, nil
}

// Fwd Initializates feedforward for provided inputs.
//
// latent - noise input node of shape (batchSize, LatentDim)
// embedding - label embedding node of shape (batchSize, EmbedDim); must be nil for
// unconditional networks
// batchSize - batch size
//
func (net *GeneratorNet) Fwd(latent, embedding *gorgonia.Node, batchSize int) error {
	if batchSize < 1 {
		return fmt.Errorf("Batch size must be positive, got %d", batchSize)
	}
	if latent == nil {
		return fmt.Errorf("Generator's latent input is nil")
	}
	latentShape := latent.Shape()
	if len(latentShape) != 2 || latentShape[0] != batchSize || latentShape[1] != net.latentDim {
		return fmt.Errorf("Generator's latent input must have shape (%d, %d), but got %v", batchSize, net.latentDim, latentShape)
	}
	if net.unconditional {
		if embedding != nil {
			return fmt.Errorf("Generator is unconditional, embedding input must be nil")
		}
	} else {
		if embedding == nil {
			return fmt.Errorf("Conditional Generator requires an embedding input")
		}
		embedShape := embedding.Shape()
		if len(embedShape) != 2 || embedShape[0] != batchSize || embedShape[1] != net.embedDim {
			return fmt.Errorf("Generator's embedding input must have shape (%d, %d), but got %v", batchSize, net.embedDim, embedShape)
		}
	}

	out, err := net.dense.Fwd(latent, batchSize)
	if err != nil {
		return errors.Wrap(err, "[Generator] dense projection failed")
	}
	gorgonia.WithName("generator_dense_out")(out)
	out, err = gorgonia.Reshape(out, tensor.Shape{batchSize, net.baseWidth * 16, 4, 4})
	if err != nil {
		return errors.Wrap(err, "Can't reshape dense projection to a 4x4 grid")
	}
	for i, block := range net.blocks {
		out, err = block.Fwd(out, embedding)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("[Generator] block #%d failed", i))
		}
	}
	out, err = net.finalNorm.Fwd(out, nil)
	if err != nil {
		return errors.Wrap(err, "[Generator] final normalization failed")
	}
	out, err = gorgonia.Rectify(out)
	if err != nil {
		return errors.Wrap(err, "Can't apply final ReLU")
	}
	out, err = net.finalConv.Fwd(out)
	if err != nil {
		return errors.Wrap(err, "[Generator] final convolution failed")
	}
	out, err = gorgonia.Tanh(out)
	if err != nil {
		return errors.Wrap(err, "Can't apply tanh to final convolution output")
	}
	gorgonia.WithName("generator_out")(out)
	net.latentIn = latent
	net.embedIn = embedding
	net.out = out
	return nil
}

// Out Returns reference to output node
func (net *GeneratorNet) Out() *gorgonia.Node {
	return net.out
}

// Learnables Returns learnables nodes
func (net *GeneratorNet) Learnables() gorgonia.Nodes {
	return net.learnables
}

// ParamCount Returns the total number of learnable scalar parameters
func (net *GeneratorNet) ParamCount() int {
	total := 0
	for _, n := range net.learnables {
		total += n.Shape().TotalSize()
	}
	return total
}

// UpdateRunningStats Folds the batch statistics captured by the latest training run into
// every batch-normalization layer's running buffers
func (net *GeneratorNet) UpdateRunningStats() error {
	for _, bn := range net.norms {
		if err := bn.UpdateRunningStats(); err != nil {
			return err
		}
	}
	return nil
}
