package main

import (
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	ccgan "github.com/calmplay/cfushn-ccgan-0"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var (
	outputFolder    = "./output"
	batchSize       = 8
	latentDim       = 64
	embedDim        = 32
	baseWidth       = 16
	numTrainSamples = 64
	numEpoches      = 30
	evalPrint       = 5
	learningRate    = 0.0002
)

func main() {
	// Initialize seed with constant value to reproduce results
	rand.Seed(1337)

	err := os.MkdirAll(outputFolder, os.ModePerm)
	if err != nil {
		panic(err)
	}

	// Prepare synthetic data: one gaussian blob per image, its horizontal
	// position is the regression label
	trainSet, err := ccgan.SyntheticBlobs(numTrainSamples, embedDim)
	if err != nil {
		panic(err)
	}

	config := ccgan.DefaultConfig()

	// Define graph for GAN feedforward and Generator training
	ganGraph := gorgonia.NewGraph()
	// Define graph for Discriminator training
	trainDiscriminatorGraph := gorgonia.NewGraph()

	// Define Generator on GAN's evaluation graph
	definedGenerator, err := ccgan.Generator(ganGraph, config, ccgan.GeneratorOpts{
		LatentDim: latentDim,
		EmbedDim:  embedDim,
		BaseWidth: baseWidth,
	})
	if err != nil {
		panic(err)
	}
	// Initialize Generator feedforward
	inputLatent := gorgonia.NewMatrix(ganGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, latentDim), gorgonia.WithName("generator_input"))
	inputEmbed := gorgonia.NewMatrix(ganGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, embedDim), gorgonia.WithName("generator_embed_input"))
	err = definedGenerator.Fwd(inputLatent, inputEmbed, batchSize)
	if err != nil {
		panic(err)
	}

	// Define Discriminator on its own evaluation graph. It scores real and
	// generated images in a single 2*batchSize batch
	discriminatorTrain, err := ccgan.Discriminator(trainDiscriminatorGraph, config, ccgan.DiscriminatorOpts{
		EmbedDim:  embedDim,
		BaseWidth: baseWidth,
	})
	if err != nil {
		panic(err)
	}
	// Initialize Discriminator feedforward
	inputDiscriminatorTrain := gorgonia.NewTensor(trainDiscriminatorGraph, gorgonia.Float64, 4, gorgonia.WithShape(2*batchSize, 3, 64, 64), gorgonia.WithName("discriminator_train_input"))
	inputDiscriminatorEmbed := gorgonia.NewMatrix(trainDiscriminatorGraph, gorgonia.Float64, gorgonia.WithShape(2*batchSize, embedDim), gorgonia.WithName("discriminator_train_embed_input"))
	err = discriminatorTrain.Fwd(inputDiscriminatorTrain, inputDiscriminatorEmbed, 2*batchSize)
	if err != nil {
		panic(err)
	}

	// Define GAN on the same evaluation graph as Generator has been defined
	definedGAN, err := ccgan.NewGAN(ganGraph, definedGenerator, discriminatorTrain)
	if err != nil {
		panic(err)
	}
	err = definedGAN.Fwd(batchSize)
	if err != nil {
		panic(err)
	}

	// GAN Generator output
	var generatedSamples gorgonia.Value
	gorgonia.Read(definedGAN.GeneratorOut(), &generatedSamples)

	// Initialize machine for GAN evaluation graph (forward pass only, used for
	// getting generated samples while training Discriminator)
	tmGenerator := gorgonia.NewTapeMachine(ganGraph)
	defer tmGenerator.Close()

	// Define cost for Generator as hinge loss over the mirrored Discriminator scores
	costGenerator, err := ccgan.HingeLossGenerator(definedGAN.Out())
	if err != nil {
		panic(err)
	}
	gorgonia.WithName("generator_loss")(costGenerator)
	// Define gradients for GAN
	_, err = gorgonia.Grad(costGenerator, definedGAN.Learnables()...)
	if err != nil {
		panic(err)
	}

	// First batchSize rows of Discriminator output score real images, the rest
	// score generated ones
	realScores, err := gorgonia.Slice(discriminatorTrain.Out(), gorgonia.S(0, batchSize))
	if err != nil {
		panic(err)
	}
	fakeScores, err := gorgonia.Slice(discriminatorTrain.Out(), gorgonia.S(batchSize, 2*batchSize))
	if err != nil {
		panic(err)
	}
	// Define cost for Discriminator in training mode as hinge loss
	costDiscriminator, err := ccgan.HingeLossDiscriminator(realScores, fakeScores)
	if err != nil {
		panic(err)
	}
	gorgonia.WithName("discriminator_loss")(costDiscriminator)
	// Define gradients for Discriminator in training mode
	_, err = gorgonia.Grad(costDiscriminator, discriminatorTrain.Learnables()...)
	if err != nil {
		panic(err)
	}

	// Read costs nodes into variables for further outputting
	var costValGenerator gorgonia.Value
	gorgonia.Read(costGenerator, &costValGenerator)
	var costValDiscriminator gorgonia.Value
	gorgonia.Read(costDiscriminator, &costValDiscriminator)

	// Tape machine for GAN evaluation graph
	tmGAN := gorgonia.NewTapeMachine(ganGraph, gorgonia.BindDualValues(definedGAN.Learnables()...))
	defer tmGAN.Close()
	// Tape machine for Discriminator [in training mode] evaluation graph
	tmDiscriminatorTrain := gorgonia.NewTapeMachine(trainDiscriminatorGraph, gorgonia.BindDualValues(discriminatorTrain.Learnables()...))
	defer tmDiscriminatorTrain.Close()
	// Solvers with zero first momentum, the usual choice next to spectral normalization
	solverGenerator := gorgonia.NewAdamSolver(gorgonia.WithBatchSize(float64(batchSize)), gorgonia.WithLearnRate(learningRate), gorgonia.WithBeta1(0.0), gorgonia.WithBeta2(0.9))
	solverDiscriminator := gorgonia.NewAdamSolver(gorgonia.WithBatchSize(float64(batchSize)), gorgonia.WithLearnRate(learningRate), gorgonia.WithBeta1(0.0), gorgonia.WithBeta2(0.9))

	/* Training process */

	batches := trainSet.DataLength / batchSize

	discriminatorLossHistory := []float64{}
	generatorLossHistory := []float64{}

	st := time.Now()
	for epoch := 0; epoch < numEpoches; epoch++ {
		for b := 0; b < batches; b++ {
			start := b * batchSize
			realImages, realEmbeddings, err := trainSet.Batch(start, batchSize)
			if err != nil {
				panic(err)
			}

			/* Discriminator step */

			// Refresh spectral norm estimates against the current weights
			err = discriminatorTrain.PowerIterate()
			if err != nil {
				panic(err)
			}
			// Generate fake images for the labels of the current batch
			err = gorgonia.Let(inputLatent, ccgan.NormRandDense(batchSize, latentDim))
			if err != nil {
				panic(err)
			}
			err = gorgonia.Let(inputEmbed, realEmbeddings)
			if err != nil {
				panic(err)
			}
			err = tmGenerator.RunAll()
			if err != nil {
				panic(err)
			}
			tmGenerator.Reset()
			err = definedGenerator.UpdateRunningStats()
			if err != nil {
				panic(err)
			}

			// Concat real and fake input data; both halves share the same labels
			allSamples, err := tensor.Concat(0, realImages, generatedSamples.(*tensor.Dense))
			if err != nil {
				panic(err)
			}
			allEmbeddings, err := tensor.Concat(0, realEmbeddings, realEmbeddings)
			if err != nil {
				panic(err)
			}
			err = gorgonia.Let(inputDiscriminatorTrain, allSamples)
			if err != nil {
				panic(err)
			}
			err = gorgonia.Let(inputDiscriminatorEmbed, allEmbeddings)
			if err != nil {
				panic(err)
			}
			// Do training step for Discriminator in training mode
			err = tmDiscriminatorTrain.RunAll()
			if err != nil {
				panic(err)
			}
			err = solverDiscriminator.Step(gorgonia.NodesToValueGrads(discriminatorTrain.Learnables()))
			if err != nil {
				panic(err)
			}
			tmDiscriminatorTrain.Reset()
			discriminatorLossHistory = append(discriminatorLossHistory, lossValue(costValDiscriminator))

			/* Generator step */

			err = definedGAN.PowerIterate()
			if err != nil {
				panic(err)
			}
			err = gorgonia.Let(inputLatent, ccgan.NormRandDense(batchSize, latentDim))
			if err != nil {
				panic(err)
			}
			err = gorgonia.Let(inputEmbed, realEmbeddings)
			if err != nil {
				panic(err)
			}
			// Do training step for Generator
			err = tmGAN.RunAll()
			if err != nil {
				panic(err)
			}
			err = solverGenerator.Step(gorgonia.NodesToValueGrads(definedGAN.GeneratorLearnables()))
			if err != nil {
				panic(err)
			}
			tmGAN.Reset()
			err = definedGAN.UpdateRunningStats()
			if err != nil {
				panic(err)
			}
			generatorLossHistory = append(generatorLossHistory, lossValue(costValGenerator))
		}

		if epoch%evalPrint == 0 {
			fmt.Printf("Epoch %d:\n", epoch)
			fmt.Printf("\tDiscriminator's loss: %.4f\n", discriminatorLossHistory[len(discriminatorLossHistory)-1])
			fmt.Printf("\tGenerator's loss: %.4f\n", generatorLossHistory[len(generatorLossHistory)-1])
			fmt.Printf("\tTaken time: %v\n", time.Since(st))
			st = time.Now()
			err = savePreview(tmGenerator, inputLatent, inputEmbed, &generatedSamples, filepath.Join(outputFolder, fmt.Sprintf("samples_epoch_%d.png", epoch)))
			if err != nil {
				panic(err)
			}
		}
	}

	// Final render of Generator output after the last epoch
	fmt.Println("Rendering final samples")
	err = savePreview(tmGenerator, inputLatent, inputEmbed, &generatedSamples, filepath.Join(outputFolder, "samples_final.png"))
	if err != nil {
		panic(err)
	}
	err = ccgan.PlotLossCurves(discriminatorLossHistory, generatorLossHistory, filepath.Join(outputFolder, "loss.png"))
	if err != nil {
		panic(err)
	}
}

// savePreview Renders a grid of generated images for labels evenly spread over [0;1],
// so the blob should sweep left to right
func savePreview(tmGenerator gorgonia.VM, inputLatent, inputEmbed *gorgonia.Node, generatedSamples *gorgonia.Value, fname string) error {
	labelData := make([]float64, batchSize)
	for i := range labelData {
		labelData[i] = float64(i) / float64(batchSize-1)
	}
	labels := tensor.New(tensor.WithShape(batchSize, 1), tensor.WithBacking(labelData))
	embeddings, err := ccgan.LabelEmbedding(labels, embedDim)
	if err != nil {
		return err
	}
	samples, err := ccgan.GenerateSamples(tmGenerator, inputLatent, inputEmbed, generatedSamples, embeddings, batchSize, latentDim)
	if err != nil {
		return err
	}
	return ccgan.SaveImageGrid(samples, 4, 2, fname)
}

// lossValue Extracts the scalar loss out of a read cost value
func lossValue(v gorgonia.Value) float64 {
	if v == nil {
		return math.NaN()
	}
	switch data := v.Data().(type) {
	case float64:
		return data
	case []float64:
		if len(data) > 0 {
			return data[0]
		}
	}
	return math.NaN()
}
