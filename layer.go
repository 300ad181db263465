package ccgan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Conv2d Convolution layer with optional bias and optional spectral normalization.
//
// Weight layout is (out_channels, in_channels, kernel, kernel); the bias is kept
// broadcast-ready as (1, out_channels, 1, 1).
//
type Conv2d struct {
	Weight *gorgonia.Node
	Bias   *gorgonia.Node
	SN     *SpectralNorm

	kernel   tensor.Shape
	pad      []int
	stride   []int
	dilation []int
}

// ConvOpts Options for Conv2d.
//
// InChannels - number of input channels
// OutChannels - number of output channels
// KernelSize - square kernel side
// Pad - padding on both spatial axes
// Stride - stride on both spatial axes. Non-positive value defaults to 1
// Gain - xavier-uniform initialization gain. Non-positive value defaults to 1
// Bias - attach a per-channel bias
// SpectralNorm - wrap the weight with spectral normalization
// Name - prefix for naming the layer's nodes
//
type ConvOpts struct {
	InChannels   int
	OutChannels  int
	KernelSize   int
	Pad          int
	Stride       int
	Gain         float64
	Bias         bool
	SpectralNorm bool
	Name         string
}

// NewConv2d Constructor for Conv2d
func NewConv2d(g *gorgonia.ExprGraph, config *Config, opts ConvOpts) (*Conv2d, error) {
	if opts.InChannels < 1 || opts.OutChannels < 1 {
		return nil, fmt.Errorf("Convolution '%s' needs positive channel counts, got %d -> %d", opts.Name, opts.InChannels, opts.OutChannels)
	}
	if opts.KernelSize < 1 {
		return nil, fmt.Errorf("Convolution '%s' needs a positive kernel size, got %d", opts.Name, opts.KernelSize)
	}
	if opts.Stride < 1 {
		opts.Stride = 1
	}
	gain := opts.Gain
	if gain <= 0 {
		gain = 1.0
	}
	name := opts.Name
	if name == "" {
		name = "conv"
	}
	l := &Conv2d{
		kernel:   tensor.Shape{opts.KernelSize, opts.KernelSize},
		pad:      []int{opts.Pad, opts.Pad},
		stride:   []int{opts.Stride, opts.Stride},
		dilation: []int{1, 1},
	}
	l.Weight = gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(opts.OutChannels, opts.InChannels, opts.KernelSize, opts.KernelSize), gorgonia.WithName(name+"_w"), gorgonia.WithInit(gorgonia.GlorotU(gain)))
	if opts.Bias {
		l.Bias = gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(1, opts.OutChannels, 1, 1), gorgonia.WithName(name+"_b"), gorgonia.WithInit(gorgonia.Zeroes()))
	}
	if opts.SpectralNorm {
		sn, err := NewSpectralNorm(g, config, l.Weight, name)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("Can't wrap convolution '%s' with spectral normalization", name))
		}
		l.SN = sn
	}
	return l, nil
}

// Fwd Builds convolution of the input (batch, in_channels, height, width)
func (l *Conv2d) Fwd(input *gorgonia.Node) (*gorgonia.Node, error) {
	if input == nil {
		return nil, fmt.Errorf("Input of convolution '%s' is nil", l.Weight.Name())
	}
	weight := l.Weight
	if l.SN != nil {
		weight = l.SN.Normed()
	}
	out, err := gorgonia.Conv2d(input, weight, l.kernel, l.pad, l.stride, l.dilation)
	if err != nil {
		return nil, errors.Wrap(err, "Can't convolve[2D] input by kernel")
	}
	if l.Bias != nil {
		out, err = gorgonia.BroadcastAdd(out, l.Bias, nil, []byte{0, 2, 3})
		if err != nil {
			return nil, errors.Wrap(err, "Can't add bias to convolved output")
		}
	}
	return out, nil
}

// Learnables Returns learnables nodes. With spectral normalization enabled the raw weight
// stays the learnable; the normalized node is derived from it.
func (l *Conv2d) Learnables() gorgonia.Nodes {
	learnables := make(gorgonia.Nodes, 0, 2)
	learnables = append(learnables, l.Weight)
	if l.Bias != nil {
		learnables = append(learnables, l.Bias)
	}
	return learnables
}

// mirror rebuilds the layer on another graph sharing weight values with the original,
// so optimizer steps against the original stay visible in the mirror
func (l *Conv2d) mirror(g *gorgonia.ExprGraph) (*Conv2d, error) {
	m := &Conv2d{
		kernel:   l.kernel,
		pad:      l.pad,
		stride:   l.stride,
		dilation: l.dilation,
	}
	m.Weight = gorgonia.NewTensor(g, gorgonia.Float64, l.Weight.Dims(), gorgonia.WithShape(l.Weight.Shape()...), gorgonia.WithName(l.Weight.Name()+"_gan"), gorgonia.WithValue(l.Weight.Value()))
	if l.Bias != nil {
		m.Bias = gorgonia.NewTensor(g, gorgonia.Float64, l.Bias.Dims(), gorgonia.WithShape(l.Bias.Shape()...), gorgonia.WithName(l.Bias.Name()+"_gan"), gorgonia.WithValue(l.Bias.Value()))
	}
	if l.SN != nil {
		sn, err := l.SN.mirror(g, m.Weight)
		if err != nil {
			return nil, err
		}
		m.SN = sn
	}
	return m, nil
}

// Linear Fully connected layer with optional bias and optional spectral normalization.
// Weight layout is (out_features, in_features), applied as x*W^T.
type Linear struct {
	Weight *gorgonia.Node
	Bias   *gorgonia.Node
	SN     *SpectralNorm
}

// LinearOpts Options for Linear.
//
// InFeatures - number of input features
// OutFeatures - number of output features
// Gain - xavier-uniform initialization gain. Non-positive value defaults to 1
// Bias - attach a bias row
// SpectralNorm - wrap the weight with spectral normalization
// Name - prefix for naming the layer's nodes
//
type LinearOpts struct {
	InFeatures   int
	OutFeatures  int
	Gain         float64
	Bias         bool
	SpectralNorm bool
	Name         string
}

// NewLinear Constructor for Linear
func NewLinear(g *gorgonia.ExprGraph, config *Config, opts LinearOpts) (*Linear, error) {
	if opts.InFeatures < 1 || opts.OutFeatures < 1 {
		return nil, fmt.Errorf("Linear layer '%s' needs positive feature counts, got %d -> %d", opts.Name, opts.InFeatures, opts.OutFeatures)
	}
	gain := opts.Gain
	if gain <= 0 {
		gain = 1.0
	}
	name := opts.Name
	if name == "" {
		name = "linear"
	}
	l := &Linear{}
	l.Weight = gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(opts.OutFeatures, opts.InFeatures), gorgonia.WithName(name+"_w"), gorgonia.WithInit(gorgonia.GlorotU(gain)))
	if opts.Bias {
		l.Bias = gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, opts.OutFeatures), gorgonia.WithName(name+"_b"), gorgonia.WithInit(gorgonia.Zeroes()))
	}
	if opts.SpectralNorm {
		sn, err := NewSpectralNorm(g, config, l.Weight, name)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("Can't wrap linear layer '%s' with spectral normalization", name))
		}
		l.SN = sn
	}
	return l, nil
}

// Fwd Builds x*W^T (plus bias when present) for the input (batch, in_features)
func (l *Linear) Fwd(input *gorgonia.Node, batchSize int) (*gorgonia.Node, error) {
	if input == nil {
		return nil, fmt.Errorf("Input of linear layer '%s' is nil", l.Weight.Name())
	}
	weight := l.Weight
	if l.SN != nil {
		weight = l.SN.Normed()
	}
	tOp, err := gorgonia.Transpose(weight)
	if err != nil {
		return nil, errors.Wrap(err, "Can't transpose weights")
	}
	out, err := gorgonia.Mul(input, tOp)
	if err != nil {
		return nil, errors.Wrap(err, "Can't multiply input and weights")
	}
	if l.Bias != nil {
		if batchSize < 2 {
			out, err = gorgonia.Add(out, l.Bias)
			if err != nil {
				return nil, errors.Wrap(err, "Can't add bias to output")
			}
		} else {
			out, err = gorgonia.BroadcastAdd(out, l.Bias, nil, []byte{0})
			if err != nil {
				return nil, errors.Wrap(err, fmt.Sprintf("Can't add bias [in broadcast term with batch_size = %d] to output", batchSize))
			}
		}
	}
	return out, nil
}

// Learnables Returns learnables nodes
func (l *Linear) Learnables() gorgonia.Nodes {
	learnables := make(gorgonia.Nodes, 0, 2)
	learnables = append(learnables, l.Weight)
	if l.Bias != nil {
		learnables = append(learnables, l.Bias)
	}
	return learnables
}

// mirror rebuilds the layer on another graph sharing weight values with the original
func (l *Linear) mirror(g *gorgonia.ExprGraph) (*Linear, error) {
	m := &Linear{}
	m.Weight = gorgonia.NewTensor(g, gorgonia.Float64, l.Weight.Dims(), gorgonia.WithShape(l.Weight.Shape()...), gorgonia.WithName(l.Weight.Name()+"_gan"), gorgonia.WithValue(l.Weight.Value()))
	if l.Bias != nil {
		m.Bias = gorgonia.NewTensor(g, gorgonia.Float64, l.Bias.Dims(), gorgonia.WithShape(l.Bias.Shape()...), gorgonia.WithName(l.Bias.Name()+"_gan"), gorgonia.WithValue(l.Bias.Value()))
	}
	if l.SN != nil {
		sn, err := l.SN.mirror(g, m.Weight)
		if err != nil {
			return nil, err
		}
		m.SN = sn
	}
	return m, nil
}
