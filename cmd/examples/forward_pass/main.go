package main

import (
	"fmt"
	"math/rand"

	ccgan "github.com/calmplay/cfushn-ccgan-0"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var (
	batchSize = 4
	latentDim = 256
	embedDim  = 128
	baseWidth = 64
)

func main() {
	// Initialize seed with constant value to reproduce results
	rand.Seed(1337)

	config := ccgan.DefaultConfig()

	// Define Generator on its own evaluation graph
	generatorGraph := gorgonia.NewGraph()
	definedGenerator, err := ccgan.Generator(generatorGraph, config, ccgan.GeneratorOpts{
		LatentDim: latentDim,
		EmbedDim:  embedDim,
		BaseWidth: baseWidth,
	})
	if err != nil {
		panic(err)
	}
	inputLatent := gorgonia.NewMatrix(generatorGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, latentDim), gorgonia.WithName("generator_input"))
	inputEmbed := gorgonia.NewMatrix(generatorGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, embedDim), gorgonia.WithName("generator_embed_input"))
	err = definedGenerator.Fwd(inputLatent, inputEmbed, batchSize)
	if err != nil {
		panic(err)
	}
	fmt.Printf("Generator parameters: %d\n", definedGenerator.ParamCount())

	// Define Discriminator on its own evaluation graph
	discriminatorGraph := gorgonia.NewGraph()
	definedDiscriminator, err := ccgan.Discriminator(discriminatorGraph, config, ccgan.DiscriminatorOpts{
		EmbedDim:  embedDim,
		BaseWidth: baseWidth,
	})
	if err != nil {
		panic(err)
	}
	inputImages := gorgonia.NewTensor(discriminatorGraph, gorgonia.Float64, 4, gorgonia.WithShape(batchSize, 3, 64, 64), gorgonia.WithName("discriminator_input"))
	inputDiscriminatorEmbed := gorgonia.NewMatrix(discriminatorGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, embedDim), gorgonia.WithName("discriminator_embed_input"))
	err = definedDiscriminator.Fwd(inputImages, inputDiscriminatorEmbed, batchSize)
	if err != nil {
		panic(err)
	}
	fmt.Printf("Discriminator parameters: %d\n", definedDiscriminator.ParamCount())

	// Read outputs of both evaluation graphs
	var generatedSamples gorgonia.Value
	gorgonia.Read(definedGenerator.Out(), &generatedSamples)
	var discriminatorScores gorgonia.Value
	gorgonia.Read(definedDiscriminator.Out(), &discriminatorScores)

	tmGenerator := gorgonia.NewTapeMachine(generatorGraph)
	defer tmGenerator.Close()
	tmDiscriminator := gorgonia.NewTapeMachine(discriminatorGraph)
	defer tmDiscriminator.Close()

	// Labels evenly spread over [0;1]
	labelData := make([]float64, batchSize)
	for i := range labelData {
		labelData[i] = float64(i) / float64(batchSize-1)
	}
	labels := tensor.New(tensor.WithShape(batchSize, 1), tensor.WithBacking(labelData))
	embeddings, err := ccgan.LabelEmbedding(labels, embedDim)
	if err != nil {
		panic(err)
	}

	err = gorgonia.Let(inputLatent, ccgan.NormRandDense(batchSize, latentDim))
	if err != nil {
		panic(err)
	}
	err = gorgonia.Let(inputEmbed, embeddings)
	if err != nil {
		panic(err)
	}
	err = tmGenerator.RunAll()
	if err != nil {
		panic(err)
	}
	tmGenerator.Reset()
	fmt.Printf("Generated images: %v\n", generatedSamples.Shape())

	// Refresh spectral norm estimates before scoring
	err = definedDiscriminator.PowerIterate()
	if err != nil {
		panic(err)
	}
	err = gorgonia.Let(inputImages, generatedSamples.(*tensor.Dense))
	if err != nil {
		panic(err)
	}
	err = gorgonia.Let(inputDiscriminatorEmbed, embeddings)
	if err != nil {
		panic(err)
	}
	err = tmDiscriminator.RunAll()
	if err != nil {
		panic(err)
	}
	tmDiscriminator.Reset()
	fmt.Printf("Discriminator scores:\n%v\n", discriminatorScores)
}
