package ccgan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// discStage Ordered element of the discriminator trunk
type discStage interface {
	Fwd(input *gorgonia.Node) (*gorgonia.Node, error)
	Learnables() gorgonia.Nodes
	spectralNorms() []*SpectralNorm
}

// DiscriminatorNet Projection discriminator for 64x64 RGB images. A trunk of
// spectral-normalized residual blocks shrinks the image to a 4x4 grid with 16*BaseWidth
// channels; the flattened features produce a linear score plus an inner product with a
// projected label embedding.
type DiscriminatorNet struct {
	cfg *Config

	trunk  []discStage
	linear *Linear
	embed  *Linear

	embedDim  int
	baseWidth int
	eval      bool

	imageIn *gorgonia.Node
	embedIn *gorgonia.Node
	out     *gorgonia.Node

	learnables gorgonia.Nodes
	sns        []*SpectralNorm
}

// DiscriminatorOpts Options for DiscriminatorNet.
//
// EmbedDim - label embedding size. Non-positive value defaults to 128
// BaseWidth - channel multiplier base. Non-positive value defaults to 64
// Eval - freeze spectral-norm estimates (PowerIterate becomes a no-op)
//
type DiscriminatorOpts struct {
	EmbedDim  int
	BaseWidth int
	Eval      bool
}

// Discriminator Constructor for DiscriminatorNet
func Discriminator(g *gorgonia.ExprGraph, config *Config, opts DiscriminatorOpts) (*DiscriminatorNet, error) {
	cfg, err := ensureConfig(config)
	if err != nil {
		return nil, err
	}
	if opts.EmbedDim <= 0 {
		opts.EmbedDim = 128
	}
	if opts.BaseWidth <= 0 {
		opts.BaseWidth = 64
	}
	w := opts.BaseWidth
	net := &DiscriminatorNet{cfg: cfg, embedDim: opts.EmbedDim, baseWidth: w, eval: opts.Eval}

	input, err := NewDiscInputBlock(g, cfg, DiscInputBlockOpts{InChannels: 3, OutChannels: w, Name: "discriminator_block0"})
	if err != nil {
		return nil, err
	}
	net.trunk = append(net.trunk, input)
	type stageSpec struct {
		in, out int
		down    bool
	}
	// Resolutions 32 -> 16 -> 8 -> 4 -> 4
	specs := []stageSpec{
		{w, w * 2, true},
		{w * 2, w * 4, true},
		{w * 4, w * 8, true},
		{w * 8, w * 16, false},
	}
	for i, s := range specs {
		block, err := NewDiscResBlock(g, cfg, DiscResBlockOpts{InChannels: s.in, OutChannels: s.out, Down: s.down, Name: fmt.Sprintf("discriminator_block%d", i+1)})
		if err != nil {
			return nil, err
		}
		net.trunk = append(net.trunk, block)
	}
	features := w * 16 * 4 * 4
	net.linear, err = NewLinear(g, cfg, LinearOpts{InFeatures: features, OutFeatures: 1, Gain: 1.0, Bias: true, SpectralNorm: true, Name: "discriminator_linear"})
	if err != nil {
		return nil, err
	}
	net.embed, err = NewLinear(g, cfg, LinearOpts{InFeatures: opts.EmbedDim, OutFeatures: features, Gain: 1.0, SpectralNorm: true, Name: "discriminator_embed"})
	if err != nil {
		return nil, err
	}
	for _, s := range net.trunk {
		net.learnables = append(net.learnables, s.Learnables()...)
		net.sns = append(net.sns, s.spectralNorms()...)
	}
	net.learnables = append(net.learnables, net.linear.Learnables()...)
	net.learnables = append(net.learnables, net.embed.Learnables()...)
	net.sns = append(net.sns, net.linear.SN, net.embed.SN)
	return net, nil
}

// Fwd Initializates feedforward for provided inputs.
//
// image - input node of shape (batchSize, 3, 64, 64)
// embedding - label embedding node of shape (batchSize, EmbedDim)
// batchSize - batch size
//
func (net *DiscriminatorNet) Fwd(image, embedding *gorgonia.Node, batchSize int) error {
	out, err := net.fwd(image, embedding, batchSize, "discriminator")
	if err != nil {
		return errors.Wrap(err, "[Discriminator]")
	}
	net.imageIn = image
	net.embedIn = embedding
	net.out = out
	return nil
}

// fwd builds the score graph; shared between the standalone network and its GAN mirror
func (net *DiscriminatorNet) fwd(image, embedding *gorgonia.Node, batchSize int, prefix string) (*gorgonia.Node, error) {
	if batchSize < 1 {
		return nil, fmt.Errorf("Batch size must be positive, got %d", batchSize)
	}
	if image == nil {
		return nil, fmt.Errorf("Discriminator's image input is nil")
	}
	imageShape := image.Shape()
	if len(imageShape) != 4 || imageShape[0] != batchSize || imageShape[1] != 3 || imageShape[2] != 64 || imageShape[3] != 64 {
		return nil, fmt.Errorf("Discriminator's image input must have shape (%d, 3, 64, 64), but got %v", batchSize, imageShape)
	}
	if embedding == nil {
		return nil, fmt.Errorf("Projection Discriminator requires an embedding input")
	}
	embedShape := embedding.Shape()
	if len(embedShape) != 2 || embedShape[0] != batchSize || embedShape[1] != net.embedDim {
		return nil, fmt.Errorf("Discriminator's embedding input must have shape (%d, %d), but got %v", batchSize, net.embedDim, embedShape)
	}
	out := image
	var err error
	for i, stage := range net.trunk {
		out, err = stage.Fwd(out)
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("block #%d failed", i))
		}
	}
	out, err = gorgonia.Rectify(out)
	if err != nil {
		return nil, errors.Wrap(err, "Can't apply trailing ReLU")
	}
	flat, err := gorgonia.Reshape(out, tensor.Shape{batchSize, out.Shape().TotalSize() / batchSize})
	if err != nil {
		return nil, errors.Wrap(err, "Can't flatten trunk output")
	}
	gorgonia.WithName(prefix + "_features")(flat)
	score, err := net.linear.Fwd(flat, batchSize)
	if err != nil {
		return nil, errors.Wrap(err, "Can't compute linear score")
	}
	projected, err := net.embed.Fwd(embedding, batchSize)
	if err != nil {
		return nil, errors.Wrap(err, "Can't project embedding into feature space")
	}
	prod, err := gorgonia.HadamardProd(flat, projected)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do features.*projection")
	}
	projScore, err := gorgonia.Sum(prod, 1)
	if err != nil {
		return nil, errors.Wrap(err, "Can't reduce projection term over features")
	}
	projCol, err := gorgonia.Reshape(projScore, tensor.Shape{batchSize, 1})
	if err != nil {
		return nil, errors.Wrap(err, "Can't reshape projection term")
	}
	total, err := gorgonia.Add(score, projCol)
	if err != nil {
		return nil, errors.Wrap(err, "Can't add projection term to linear score")
	}
	gorgonia.WithName(prefix + "_out")(total)
	return total, nil
}

// Out Returns reference to output node
func (net *DiscriminatorNet) Out() *gorgonia.Node {
	return net.out
}

// Learnables Returns learnables nodes
func (net *DiscriminatorNet) Learnables() gorgonia.Nodes {
	return net.learnables
}

// ParamCount Returns the total number of learnable scalar parameters
func (net *DiscriminatorNet) ParamCount() int {
	total := 0
	for _, n := range net.learnables {
		total += n.Shape().TotalSize()
	}
	return total
}

// SpectralNorms Returns the spectral normalization wrappers in trunk order, followed by
// the score and projection layers
func (net *DiscriminatorNet) SpectralNorms() []*SpectralNorm {
	return net.sns
}

// PowerIterate Refreshes every spectral-norm singular vector estimate against the current
// weights. Call once per training step before running the tape machine. No-op for
// networks built in evaluation mode.
func (net *DiscriminatorNet) PowerIterate() error {
	if net.eval {
		return nil
	}
	for _, sn := range net.sns {
		if err := sn.PowerIterate(); err != nil {
			return err
		}
	}
	return nil
}

// UpdateRunningStats The discriminator carries no batch normalization; provided so
// training loops can treat both networks uniformly
func (net *DiscriminatorNet) UpdateRunningStats() error {
	return nil
}

// mirror rebuilds the discriminator on another graph sharing weight values and
// spectral-norm state with the original
func (net *DiscriminatorNet) mirror(g *gorgonia.ExprGraph) (*DiscriminatorNet, error) {
	m := &DiscriminatorNet{cfg: net.cfg, embedDim: net.embedDim, baseWidth: net.baseWidth, eval: net.eval}
	for i, stage := range net.trunk {
		var (
			mirrored discStage
			err      error
		)
		switch s := stage.(type) {
		case *DiscInputBlock:
			mirrored, err = s.mirror(g)
		case *DiscResBlock:
			mirrored, err = s.mirror(g)
		default:
			return nil, fmt.Errorf("Discriminator stage #%d has unexpected type %T", i, stage)
		}
		if err != nil {
			return nil, errors.Wrap(err, fmt.Sprintf("Can't mirror Discriminator's block #%d", i))
		}
		m.trunk = append(m.trunk, mirrored)
	}
	var err error
	if m.linear, err = net.linear.mirror(g); err != nil {
		return nil, errors.Wrap(err, "Can't mirror linear score layer")
	}
	if m.embed, err = net.embed.mirror(g); err != nil {
		return nil, errors.Wrap(err, "Can't mirror embedding projection layer")
	}
	for _, s := range m.trunk {
		m.learnables = append(m.learnables, s.Learnables()...)
		m.sns = append(m.sns, s.spectralNorms()...)
	}
	m.learnables = append(m.learnables, m.linear.Learnables()...)
	m.learnables = append(m.learnables, m.embed.Learnables()...)
	m.sns = append(m.sns, m.linear.SN, m.embed.SN)
	return m, nil
}
