package ccgan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// GAN Couples a conditional generator with a mirror of the discriminator on the
// generator's graph, so a single run scores generated images and backpropagates into
// the generator.
//
// generatorPart - reference to Generator
// discriminatorPart - reference to Discriminator
// modifiedDiscriminator - copy of structure of Discriminator which learnables are shared
// with the original but excluded from the generator training step
//
type GAN struct {
	generatorPart     *GeneratorNet
	discriminatorPart *DiscriminatorNet

	modifiedDiscriminator *DiscriminatorNet

	out           *gorgonia.Node
	learnables    gorgonia.Nodes
	learnablesGen gorgonia.Nodes
}

// NewGAN Constructor for GAN. The generator must be conditional and built for training:
// the projection discriminator consumes the same embedding on both sides of the pairing.
func NewGAN(g *gorgonia.ExprGraph, definedGenerator *GeneratorNet, definedDiscriminator *DiscriminatorNet) (*GAN, error) {
	if definedGenerator == nil || definedDiscriminator == nil {
		return nil, fmt.Errorf("Both Generator and Discriminator must be defined")
	}
	if definedGenerator.unconditional {
		return nil, fmt.Errorf("GAN requires a conditional Generator: the projection Discriminator needs the shared embedding")
	}
	if definedGenerator.eval {
		return nil, fmt.Errorf("GAN requires a Generator built for training, not evaluation")
	}
	if definedGenerator.embedDim != definedDiscriminator.embedDim {
		return nil, fmt.Errorf("Generator and Discriminator disagree on embedding size: %d vs %d", definedGenerator.embedDim, definedDiscriminator.embedDim)
	}
	mirrored, err := definedDiscriminator.mirror(g)
	if err != nil {
		return nil, errors.Wrap(err, "Can't mirror Discriminator onto Generator's graph")
	}
	definedGAN := GAN{
		generatorPart:         definedGenerator,
		discriminatorPart:     definedDiscriminator,
		modifiedDiscriminator: mirrored,
		learnablesGen:         definedGenerator.Learnables(),
	}
	definedGAN.learnables = append(definedGAN.learnables, definedGenerator.Learnables()...)
	definedGAN.learnables = append(definedGAN.learnables, mirrored.Learnables()...)
	return &definedGAN, nil
}

// Out Returns reference to output node
func (net *GAN) Out() *gorgonia.Node {
	return net.out
}

// GeneratorOut Returns reference to output node of generator part
func (net *GAN) GeneratorOut() *gorgonia.Node {
	return net.generatorPart.Out()
}

// Learnables Returns learnables nodes: the generator's own plus the mirrored
// discriminator's
func (net *GAN) Learnables() gorgonia.Nodes {
	return net.learnables
}

// GeneratorLearnables Returns learnables nodes of generator part. Feed these to the
// solver so discriminator weights stay untouched during the generator step.
func (net *GAN) GeneratorLearnables() gorgonia.Nodes {
	return net.learnablesGen
}

// Fwd Initializates feedforward for the discriminator part of GAN against the
// generator's output and embedding input.
//
// batchSize - batch size
// Note: input node is not needed since input for Discriminator is just Generator's output
//
func (net *GAN) Fwd(batchSize int) error {
	if net.generatorPart.Out() == nil {
		return fmt.Errorf("Generator part must be fed forward before GAN (call Generator's Fwd first)")
	}
	out, err := net.modifiedDiscriminator.fwd(net.generatorPart.Out(), net.generatorPart.embedIn, batchSize, "gan_discriminator")
	if err != nil {
		return errors.Wrap(err, "[GAN, Discriminator part]")
	}
	net.modifiedDiscriminator.out = out
	net.out = out
	return nil
}

// PowerIterate Refreshes spectral-norm estimates of the discriminator. The mirror shares
// them, so one call serves both graphs.
func (net *GAN) PowerIterate() error {
	return net.discriminatorPart.PowerIterate()
}

// UpdateRunningStats Folds the generator's captured batch statistics into its running
// buffers
func (net *GAN) UpdateRunningStats() error {
	return net.generatorPart.UpdateRunningStats()
}
