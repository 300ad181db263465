package ccgan

import (
	"fmt"
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// GenResBlock Upsampling residual block of the generator: norm -> ReLU -> upsample(x2) ->
// conv3x3 -> norm -> ReLU -> conv3x3 on the learned path, upsample(x2) -> conv1x1 on the
// bypass. The normalization strategy (conditional or plain) is fixed at construction.
type GenResBlock struct {
	norm1      Normalizer
	norm2      Normalizer
	conv1      *Conv2d
	conv2      *Conv2d
	bypassConv *Conv2d

	inChannels  int
	outChannels int
	name        string
}

// GenResBlockOpts Options for GenResBlock.
//
// InChannels - number of input channels
// OutChannels - number of output channels
// EmbedDim - label embedding size, required unless Unconditional is set
// Unconditional - use plain batch normalization instead of the conditional one
// Eval - normalize with running statistics instead of batch statistics
// Name - prefix for naming the block's nodes
//
type GenResBlockOpts struct {
	InChannels    int
	OutChannels   int
	EmbedDim      int
	Unconditional bool
	Eval          bool
	Name          string
}

// NewGenResBlock Constructor for GenResBlock
func NewGenResBlock(g *gorgonia.ExprGraph, config *Config, opts GenResBlockOpts) (*GenResBlock, error) {
	if opts.InChannels < 1 || opts.OutChannels < 1 {
		return nil, fmt.Errorf("Generator block '%s' needs positive channel counts, got %d -> %d", opts.Name, opts.InChannels, opts.OutChannels)
	}
	name := opts.Name
	if name == "" {
		name = "gen_block"
	}
	b := &GenResBlock{inChannels: opts.InChannels, outChannels: opts.OutChannels, name: name}
	var err error
	if opts.Unconditional {
		b.norm1, err = NewBatchNorm2d(g, config, BatchNormOpts{Channels: opts.InChannels, Affine: true, Eval: opts.Eval, Name: name + "_bn1"})
		if err != nil {
			return nil, err
		}
		b.norm2, err = NewBatchNorm2d(g, config, BatchNormOpts{Channels: opts.OutChannels, Affine: true, Eval: opts.Eval, Name: name + "_bn2"})
		if err != nil {
			return nil, err
		}
	} else {
		b.norm1, err = NewCondBatchNorm2d(g, config, CondBatchNormOpts{Channels: opts.InChannels, EmbedDim: opts.EmbedDim, Eval: opts.Eval, Name: name + "_cbn1"})
		if err != nil {
			return nil, err
		}
		b.norm2, err = NewCondBatchNorm2d(g, config, CondBatchNormOpts{Channels: opts.OutChannels, EmbedDim: opts.EmbedDim, Eval: opts.Eval, Name: name + "_cbn2"})
		if err != nil {
			return nil, err
		}
	}
	b.conv1, err = NewConv2d(g, config, ConvOpts{InChannels: opts.InChannels, OutChannels: opts.OutChannels, KernelSize: 3, Pad: 1, Gain: math.Sqrt2, Bias: true, Name: name + "_conv1"})
	if err != nil {
		return nil, err
	}
	b.conv2, err = NewConv2d(g, config, ConvOpts{InChannels: opts.OutChannels, OutChannels: opts.OutChannels, KernelSize: 3, Pad: 1, Gain: math.Sqrt2, Bias: true, Name: name + "_conv2"})
	if err != nil {
		return nil, err
	}
	b.bypassConv, err = NewConv2d(g, config, ConvOpts{InChannels: opts.InChannels, OutChannels: opts.OutChannels, KernelSize: 1, Gain: 1.0, Bias: true, Name: name + "_bypass"})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Fwd Builds the block for input (batch, in_channels, h, w), returning
// (batch, out_channels, 2h, 2w). The embedding is required for conditional blocks
// and must be nil for unconditional ones.
func (b *GenResBlock) Fwd(input, embedding *gorgonia.Node) (*gorgonia.Node, error) {
	out, err := b.norm1.Fwd(input, embedding)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] first normalization failed", b.name))
	}
	out, err = gorgonia.Rectify(out)
	if err != nil {
		return nil, errors.Wrap(err, "Can't apply ReLU after first normalization")
	}
	out, err = Upsample2x(out)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] upsample failed", b.name))
	}
	out, err = b.conv1.Fwd(out)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] first convolution failed", b.name))
	}
	out, err = b.norm2.Fwd(out, embedding)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] second normalization failed", b.name))
	}
	out, err = gorgonia.Rectify(out)
	if err != nil {
		return nil, errors.Wrap(err, "Can't apply ReLU after second normalization")
	}
	out, err = b.conv2.Fwd(out)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] second convolution failed", b.name))
	}
	bypass, err := Upsample2x(input)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] bypass upsample failed", b.name))
	}
	bypass, err = b.bypassConv.Fwd(bypass)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] bypass convolution failed", b.name))
	}
	sum, err := gorgonia.Add(out, bypass)
	if err != nil {
		return nil, errors.Wrap(err, "Can't add bypass to block output")
	}
	gorgonia.WithName(b.name)(sum)
	return sum, nil
}

// Learnables Returns learnables nodes
func (b *GenResBlock) Learnables() gorgonia.Nodes {
	learnables := make(gorgonia.Nodes, 0, 16)
	learnables = append(learnables, b.norm1.Learnables()...)
	learnables = append(learnables, b.conv1.Learnables()...)
	learnables = append(learnables, b.norm2.Learnables()...)
	learnables = append(learnables, b.conv2.Learnables()...)
	learnables = append(learnables, b.bypassConv.Learnables()...)
	return learnables
}

// stats collects batch-normalization layers for running statistics updates
func (b *GenResBlock) stats() []*BatchNorm2d {
	return append(b.norm1.Stats(), b.norm2.Stats()...)
}

// DiscResBlock Discriminator residual block: ReLU -> SN conv3x3 -> ReLU -> SN conv3x3 on
// the learned path, SN conv1x1 on the bypass. When the block downsamples, 2x2 average
// pooling is appended to both paths.
type DiscResBlock struct {
	conv1      *Conv2d
	conv2      *Conv2d
	bypassConv *Conv2d

	inChannels  int
	outChannels int
	down        bool
	name        string
}

// DiscResBlockOpts Options for DiscResBlock.
//
// InChannels - number of input channels
// OutChannels - number of output channels
// Down - halve the spatial resolution
// Name - prefix for naming the block's nodes
//
type DiscResBlockOpts struct {
	InChannels  int
	OutChannels int
	Down        bool
	Name        string
}

// NewDiscResBlock Constructor for DiscResBlock
func NewDiscResBlock(g *gorgonia.ExprGraph, config *Config, opts DiscResBlockOpts) (*DiscResBlock, error) {
	if opts.InChannels < 1 || opts.OutChannels < 1 {
		return nil, fmt.Errorf("Discriminator block '%s' needs positive channel counts, got %d -> %d", opts.Name, opts.InChannels, opts.OutChannels)
	}
	name := opts.Name
	if name == "" {
		name = "disc_block"
	}
	b := &DiscResBlock{inChannels: opts.InChannels, outChannels: opts.OutChannels, down: opts.Down, name: name}
	var err error
	b.conv1, err = NewConv2d(g, config, ConvOpts{InChannels: opts.InChannels, OutChannels: opts.OutChannels, KernelSize: 3, Pad: 1, Gain: math.Sqrt2, Bias: true, SpectralNorm: true, Name: name + "_conv1"})
	if err != nil {
		return nil, err
	}
	b.conv2, err = NewConv2d(g, config, ConvOpts{InChannels: opts.OutChannels, OutChannels: opts.OutChannels, KernelSize: 3, Pad: 1, Gain: math.Sqrt2, Bias: true, SpectralNorm: true, Name: name + "_conv2"})
	if err != nil {
		return nil, err
	}
	b.bypassConv, err = NewConv2d(g, config, ConvOpts{InChannels: opts.InChannels, OutChannels: opts.OutChannels, KernelSize: 1, Gain: 1.0, Bias: true, SpectralNorm: true, Name: name + "_bypass"})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Fwd Builds the block. Spatial dimensions halve when the block downsamples and are
// preserved otherwise.
func (b *DiscResBlock) Fwd(input *gorgonia.Node) (*gorgonia.Node, error) {
	out, err := gorgonia.Rectify(input)
	if err != nil {
		return nil, errors.Wrap(err, "Can't apply leading ReLU")
	}
	out, err = b.conv1.Fwd(out)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] first convolution failed", b.name))
	}
	out, err = gorgonia.Rectify(out)
	if err != nil {
		return nil, errors.Wrap(err, "Can't apply ReLU between convolutions")
	}
	out, err = b.conv2.Fwd(out)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] second convolution failed", b.name))
	}
	if b.down {
		out, err = AvgPool2(out)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("[%s] pooling failed", b.name))
		}
	}
	bypass, err := b.bypassConv.Fwd(input)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] bypass convolution failed", b.name))
	}
	if b.down {
		bypass, err = AvgPool2(bypass)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("[%s] bypass pooling failed", b.name))
		}
	}
	sum, err := gorgonia.Add(out, bypass)
	if err != nil {
		return nil, errors.Wrap(err, "Can't add bypass to block output")
	}
	gorgonia.WithName(b.name)(sum)
	return sum, nil
}

// Learnables Returns learnables nodes
func (b *DiscResBlock) Learnables() gorgonia.Nodes {
	learnables := make(gorgonia.Nodes, 0, 6)
	learnables = append(learnables, b.conv1.Learnables()...)
	learnables = append(learnables, b.conv2.Learnables()...)
	learnables = append(learnables, b.bypassConv.Learnables()...)
	return learnables
}

// spectralNorms returns the block's spectral normalization wrappers
func (b *DiscResBlock) spectralNorms() []*SpectralNorm {
	return []*SpectralNorm{b.conv1.SN, b.conv2.SN, b.bypassConv.SN}
}

// mirror rebuilds the block on another graph sharing weight values with the original
func (b *DiscResBlock) mirror(g *gorgonia.ExprGraph) (*DiscResBlock, error) {
	m := &DiscResBlock{inChannels: b.inChannels, outChannels: b.outChannels, down: b.down, name: b.name}
	var err error
	if m.conv1, err = b.conv1.mirror(g); err != nil {
		return nil, err
	}
	if m.conv2, err = b.conv2.mirror(g); err != nil {
		return nil, err
	}
	if m.bypassConv, err = b.bypassConv.mirror(g); err != nil {
		return nil, err
	}
	return m, nil
}

// DiscInputBlock First discriminator block, applied to the raw image: SN conv3x3 -> ReLU ->
// SN conv3x3 -> avgpool on the learned path, avgpool -> SN conv1x1 on the bypass. Unlike
// the inner blocks it has no leading activation. Always downsamples by 2.
type DiscInputBlock struct {
	conv1      *Conv2d
	conv2      *Conv2d
	bypassConv *Conv2d

	inChannels  int
	outChannels int
	name        string
}

// DiscInputBlockOpts Options for DiscInputBlock.
//
// InChannels - number of input channels
// OutChannels - number of output channels
// Name - prefix for naming the block's nodes
//
type DiscInputBlockOpts struct {
	InChannels  int
	OutChannels int
	Name        string
}

// NewDiscInputBlock Constructor for DiscInputBlock
func NewDiscInputBlock(g *gorgonia.ExprGraph, config *Config, opts DiscInputBlockOpts) (*DiscInputBlock, error) {
	if opts.InChannels < 1 || opts.OutChannels < 1 {
		return nil, fmt.Errorf("Discriminator input block '%s' needs positive channel counts, got %d -> %d", opts.Name, opts.InChannels, opts.OutChannels)
	}
	name := opts.Name
	if name == "" {
		name = "disc_input_block"
	}
	b := &DiscInputBlock{inChannels: opts.InChannels, outChannels: opts.OutChannels, name: name}
	var err error
	b.conv1, err = NewConv2d(g, config, ConvOpts{InChannels: opts.InChannels, OutChannels: opts.OutChannels, KernelSize: 3, Pad: 1, Gain: math.Sqrt2, Bias: true, SpectralNorm: true, Name: name + "_conv1"})
	if err != nil {
		return nil, err
	}
	b.conv2, err = NewConv2d(g, config, ConvOpts{InChannels: opts.OutChannels, OutChannels: opts.OutChannels, KernelSize: 3, Pad: 1, Gain: math.Sqrt2, Bias: true, SpectralNorm: true, Name: name + "_conv2"})
	if err != nil {
		return nil, err
	}
	b.bypassConv, err = NewConv2d(g, config, ConvOpts{InChannels: opts.InChannels, OutChannels: opts.OutChannels, KernelSize: 1, Gain: 1.0, Bias: true, SpectralNorm: true, Name: name + "_bypass"})
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Fwd Builds the block for input (batch, in_channels, h, w), returning
// (batch, out_channels, h/2, w/2)
func (b *DiscInputBlock) Fwd(input *gorgonia.Node) (*gorgonia.Node, error) {
	out, err := b.conv1.Fwd(input)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] first convolution failed", b.name))
	}
	out, err = gorgonia.Rectify(out)
	if err != nil {
		return nil, errors.Wrap(err, "Can't apply ReLU between convolutions")
	}
	out, err = b.conv2.Fwd(out)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] second convolution failed", b.name))
	}
	out, err = AvgPool2(out)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] pooling failed", b.name))
	}
	bypass, err := AvgPool2(input)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] bypass pooling failed", b.name))
	}
	bypass, err = b.bypassConv.Fwd(bypass)
	if err != nil {
		return nil, errors.Wrap(err, fmt.Sprintf("[%s] bypass convolution failed", b.name))
	}
	sum, err := gorgonia.Add(out, bypass)
	if err != nil {
		return nil, errors.Wrap(err, "Can't add bypass to block output")
	}
	gorgonia.WithName(b.name)(sum)
	return sum, nil
}

// Learnables Returns learnables nodes
func (b *DiscInputBlock) Learnables() gorgonia.Nodes {
	learnables := make(gorgonia.Nodes, 0, 6)
	learnables = append(learnables, b.conv1.Learnables()...)
	learnables = append(learnables, b.conv2.Learnables()...)
	learnables = append(learnables, b.bypassConv.Learnables()...)
	return learnables
}

// spectralNorms returns the block's spectral normalization wrappers
func (b *DiscInputBlock) spectralNorms() []*SpectralNorm {
	return []*SpectralNorm{b.conv1.SN, b.conv2.SN, b.bypassConv.SN}
}

// mirror rebuilds the block on another graph sharing weight values with the original
func (b *DiscInputBlock) mirror(g *gorgonia.ExprGraph) (*DiscInputBlock, error) {
	m := &DiscInputBlock{inChannels: b.inChannels, outChannels: b.outChannels, name: b.name}
	var err error
	if m.conv1, err = b.conv1.mirror(g); err != nil {
		return nil, err
	}
	if m.conv2, err = b.conv2.mirror(g); err != nil {
		return nil, err
	}
	if m.bypassConv, err = b.bypassConv.mirror(g); err != nil {
		return nil, err
	}
	return m, nil
}
