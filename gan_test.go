package ccgan

import (
	"math"
	"math/rand"
	"testing"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func TestNewGANValidation(t *testing.T) {
	ganGraph := gorgonia.NewGraph()
	discGraph := gorgonia.NewGraph()
	gen, err := Generator(ganGraph, nil, GeneratorOpts{LatentDim: 8, EmbedDim: 4, BaseWidth: 4})
	if err != nil {
		t.Fatalf("Can't build generator: %v", err)
	}
	disc, err := Discriminator(discGraph, nil, DiscriminatorOpts{EmbedDim: 4, BaseWidth: 4})
	if err != nil {
		t.Fatalf("Can't build discriminator: %v", err)
	}
	if _, err := NewGAN(ganGraph, nil, disc); err == nil {
		t.Error("Expected error for nil generator")
	}
	if _, err := NewGAN(ganGraph, gen, nil); err == nil {
		t.Error("Expected error for nil discriminator")
	}
	unconditional, err := Generator(ganGraph, nil, GeneratorOpts{LatentDim: 8, EmbedDim: 4, BaseWidth: 4, Unconditional: true})
	if err != nil {
		t.Fatalf("Can't build unconditional generator: %v", err)
	}
	if _, err := NewGAN(ganGraph, unconditional, disc); err == nil {
		t.Error("Expected error for unconditional generator")
	}
	evalGen, err := Generator(ganGraph, nil, GeneratorOpts{LatentDim: 8, EmbedDim: 4, BaseWidth: 4, Eval: true})
	if err != nil {
		t.Fatalf("Can't build evaluation generator: %v", err)
	}
	if _, err := NewGAN(ganGraph, evalGen, disc); err == nil {
		t.Error("Expected error for generator built in evaluation mode")
	}
	mismatched, err := Discriminator(discGraph, nil, DiscriminatorOpts{EmbedDim: 6, BaseWidth: 4})
	if err != nil {
		t.Fatalf("Can't build mismatched discriminator: %v", err)
	}
	if _, err := NewGAN(ganGraph, gen, mismatched); err == nil {
		t.Error("Expected error for embedding size mismatch")
	}
}

func TestGANSharesDiscriminatorState(t *testing.T) {
	rand.Seed(61)
	ganGraph := gorgonia.NewGraph()
	discGraph := gorgonia.NewGraph()
	gen, err := Generator(ganGraph, nil, GeneratorOpts{LatentDim: 8, EmbedDim: 4, BaseWidth: 4})
	if err != nil {
		t.Fatalf("Can't build generator: %v", err)
	}
	disc, err := Discriminator(discGraph, nil, DiscriminatorOpts{EmbedDim: 4, BaseWidth: 4})
	if err != nil {
		t.Fatalf("Can't build discriminator: %v", err)
	}
	definedGAN, err := NewGAN(ganGraph, gen, disc)
	if err != nil {
		t.Fatalf("Can't build GAN: %v", err)
	}
	original := disc.Learnables()
	mirrored := definedGAN.modifiedDiscriminator.Learnables()
	if len(original) != len(mirrored) {
		t.Fatalf("Mirror has %d learnables, expected %d", len(mirrored), len(original))
	}
	for i := range original {
		originalData := original[i].Value().Data().([]float64)
		mirroredData := mirrored[i].Value().Data().([]float64)
		// Same backing array, so optimizer steps against the original reach
		// both graphs
		if &originalData[0] != &mirroredData[0] {
			t.Errorf("Learnable #%d (%s) is not shared with the mirror", i, original[i].Name())
		}
	}
	originalSNs := disc.SpectralNorms()
	mirroredSNs := definedGAN.modifiedDiscriminator.SpectralNorms()
	if len(originalSNs) != len(mirroredSNs) {
		t.Fatalf("Mirror has %d spectral norms, expected %d", len(mirroredSNs), len(originalSNs))
	}
	for i := range originalSNs {
		if originalSNs[i].u != mirroredSNs[i].u || originalSNs[i].v != mirroredSNs[i].v {
			t.Errorf("Spectral norm #%d does not share its singular vector estimates", i)
		}
	}
	if len(definedGAN.GeneratorLearnables()) != len(gen.Learnables()) {
		t.Errorf("Generator learnables = %d, expected %d", len(definedGAN.GeneratorLearnables()), len(gen.Learnables()))
	}
	if len(definedGAN.Learnables()) != len(gen.Learnables())+len(mirrored) {
		t.Errorf("GAN learnables = %d, expected %d", len(definedGAN.Learnables()), len(gen.Learnables())+len(mirrored))
	}
}

func TestGANRequiresGeneratorForward(t *testing.T) {
	ganGraph := gorgonia.NewGraph()
	discGraph := gorgonia.NewGraph()
	gen, err := Generator(ganGraph, nil, GeneratorOpts{LatentDim: 8, EmbedDim: 4, BaseWidth: 4})
	if err != nil {
		t.Fatalf("Can't build generator: %v", err)
	}
	disc, err := Discriminator(discGraph, nil, DiscriminatorOpts{EmbedDim: 4, BaseWidth: 4})
	if err != nil {
		t.Fatalf("Can't build discriminator: %v", err)
	}
	definedGAN, err := NewGAN(ganGraph, gen, disc)
	if err != nil {
		t.Fatalf("Can't build GAN: %v", err)
	}
	if err := definedGAN.Fwd(2); err == nil {
		t.Error("Expected error before the generator's forward pass")
	}
}

// TestGANTrainingStep wires the two-graph training topology and checks that one
// discriminator step and one generator step move the right weights
func TestGANTrainingStep(t *testing.T) {
	rand.Seed(1337)
	batchSize := 2
	latentDim := 8
	embedDim := 4

	ganGraph := gorgonia.NewGraph()
	gen, err := Generator(ganGraph, nil, GeneratorOpts{LatentDim: latentDim, EmbedDim: embedDim, BaseWidth: 4})
	if err != nil {
		t.Fatalf("Can't build generator: %v", err)
	}
	inputLatent := gorgonia.NewMatrix(ganGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, latentDim), gorgonia.WithName("input_latent"))
	inputEmbed := gorgonia.NewMatrix(ganGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, embedDim), gorgonia.WithName("input_embedding"))
	if err := gen.Fwd(inputLatent, inputEmbed, batchSize); err != nil {
		t.Fatalf("Can't feed generator forward: %v", err)
	}

	trainDiscriminatorGraph := gorgonia.NewGraph()
	disc, err := Discriminator(trainDiscriminatorGraph, nil, DiscriminatorOpts{EmbedDim: embedDim, BaseWidth: 4})
	if err != nil {
		t.Fatalf("Can't build discriminator: %v", err)
	}
	inputImages := gorgonia.NewTensor(trainDiscriminatorGraph, gorgonia.Float64, 4, gorgonia.WithShape(2*batchSize, 3, 64, 64), gorgonia.WithName("input_images"))
	inputDiscEmbed := gorgonia.NewMatrix(trainDiscriminatorGraph, gorgonia.Float64, gorgonia.WithShape(2*batchSize, embedDim), gorgonia.WithName("input_disc_embedding"))
	if err := disc.Fwd(inputImages, inputDiscEmbed, 2*batchSize); err != nil {
		t.Fatalf("Can't feed discriminator forward: %v", err)
	}

	definedGAN, err := NewGAN(ganGraph, gen, disc)
	if err != nil {
		t.Fatalf("Can't build GAN: %v", err)
	}
	if err := definedGAN.Fwd(batchSize); err != nil {
		t.Fatalf("Can't feed GAN forward: %v", err)
	}

	var generatedSamples gorgonia.Value
	gorgonia.Read(gen.Out(), &generatedSamples)
	tmGenerator := gorgonia.NewTapeMachine(ganGraph)
	defer tmGenerator.Close()

	generatorLoss, err := HingeLossGenerator(definedGAN.Out())
	if err != nil {
		t.Fatalf("Can't build generator loss: %v", err)
	}
	var generatorLossValue gorgonia.Value
	gorgonia.Read(generatorLoss, &generatorLossValue)
	if _, err := gorgonia.Grad(generatorLoss, definedGAN.Learnables()...); err != nil {
		t.Fatalf("Can't take generator gradients: %v", err)
	}

	realScores, err := gorgonia.Slice(disc.Out(), gorgonia.S(0, batchSize))
	if err != nil {
		t.Fatalf("Can't slice real scores: %v", err)
	}
	fakeScores, err := gorgonia.Slice(disc.Out(), gorgonia.S(batchSize, 2*batchSize))
	if err != nil {
		t.Fatalf("Can't slice fake scores: %v", err)
	}
	discriminatorLoss, err := HingeLossDiscriminator(realScores, fakeScores)
	if err != nil {
		t.Fatalf("Can't build discriminator loss: %v", err)
	}
	var discriminatorLossValue gorgonia.Value
	gorgonia.Read(discriminatorLoss, &discriminatorLossValue)
	if _, err := gorgonia.Grad(discriminatorLoss, disc.Learnables()...); err != nil {
		t.Fatalf("Can't take discriminator gradients: %v", err)
	}

	tmGAN := gorgonia.NewTapeMachine(ganGraph, gorgonia.BindDualValues(definedGAN.Learnables()...))
	defer tmGAN.Close()
	tmDiscriminator := gorgonia.NewTapeMachine(trainDiscriminatorGraph, gorgonia.BindDualValues(disc.Learnables()...))
	defer tmDiscriminator.Close()
	solverGenerator := gorgonia.NewAdamSolver(gorgonia.WithBatchSize(float64(batchSize)), gorgonia.WithLearnRate(0.0002), gorgonia.WithBeta1(0.0), gorgonia.WithBeta2(0.9))
	solverDiscriminator := gorgonia.NewAdamSolver(gorgonia.WithBatchSize(float64(batchSize)), gorgonia.WithLearnRate(0.0002), gorgonia.WithBeta1(0.0), gorgonia.WithBeta2(0.9))

	// Discriminator step: generate a fake batch, score it next to a real one
	if err := disc.PowerIterate(); err != nil {
		t.Fatalf("Can't refresh spectral norm estimates: %v", err)
	}
	if err := gorgonia.Let(inputLatent, NormRandDense(batchSize, latentDim)); err != nil {
		t.Fatalf("Can't bind latent input: %v", err)
	}
	fakeEmbeds := NormRandDense(batchSize, embedDim)
	if err := gorgonia.Let(inputEmbed, fakeEmbeds); err != nil {
		t.Fatalf("Can't bind embedding input: %v", err)
	}
	if err := tmGenerator.RunAll(); err != nil {
		t.Fatalf("Can't run generator machine: %v", err)
	}
	tmGenerator.Reset()
	if err := gen.UpdateRunningStats(); err != nil {
		t.Fatalf("Can't update running statistics: %v", err)
	}
	realImages := tensor.New(tensor.WithShape(batchSize, 3, 64, 64), tensor.WithBacking(func() []float64 {
		data := make([]float64, batchSize*3*64*64)
		for i := range data {
			data[i] = rand.Float64()*2.0 - 1.0
		}
		return data
	}()))
	joinedImages, err := tensor.Concat(0, realImages, generatedSamples.(*tensor.Dense))
	if err != nil {
		t.Fatalf("Can't concatenate real and fake images: %v", err)
	}
	joinedEmbeds, err := tensor.Concat(0, NormRandDense(batchSize, embedDim), fakeEmbeds)
	if err != nil {
		t.Fatalf("Can't concatenate embeddings: %v", err)
	}
	if err := gorgonia.Let(inputImages, joinedImages); err != nil {
		t.Fatalf("Can't bind image input: %v", err)
	}
	if err := gorgonia.Let(inputDiscEmbed, joinedEmbeds); err != nil {
		t.Fatalf("Can't bind embedding input: %v", err)
	}
	if err := tmDiscriminator.RunAll(); err != nil {
		t.Fatalf("Can't run discriminator machine: %v", err)
	}
	discWeightBefore := append([]float64(nil), disc.linear.Weight.Value().Data().([]float64)...)
	if err := solverDiscriminator.Step(gorgonia.NodesToValueGrads(disc.Learnables())); err != nil {
		t.Fatalf("Can't step discriminator solver: %v", err)
	}
	tmDiscriminator.Reset()
	discLoss := scalarValue(t, discriminatorLossValue)
	if math.IsNaN(discLoss) || math.IsInf(discLoss, 0) {
		t.Fatalf("Discriminator loss = %f is not finite", discLoss)
	}
	discWeightAfter := disc.linear.Weight.Value().Data().([]float64)
	moved := 0.0
	for i := range discWeightBefore {
		moved += math.Abs(discWeightAfter[i] - discWeightBefore[i])
	}
	if moved == 0 {
		t.Error("Discriminator weights did not move after its step")
	}

	// Generator step: backpropagate the mirrored scores into the generator only
	if err := definedGAN.PowerIterate(); err != nil {
		t.Fatalf("Can't refresh spectral norm estimates: %v", err)
	}
	if err := gorgonia.Let(inputLatent, NormRandDense(batchSize, latentDim)); err != nil {
		t.Fatalf("Can't bind latent input: %v", err)
	}
	if err := gorgonia.Let(inputEmbed, NormRandDense(batchSize, embedDim)); err != nil {
		t.Fatalf("Can't bind embedding input: %v", err)
	}
	genWeightBefore := append([]float64(nil), gen.dense.Weight.Value().Data().([]float64)...)
	discWeightSnapshot := append([]float64(nil), disc.linear.Weight.Value().Data().([]float64)...)
	if err := tmGAN.RunAll(); err != nil {
		t.Fatalf("Can't run GAN machine: %v", err)
	}
	if err := solverGenerator.Step(gorgonia.NodesToValueGrads(definedGAN.GeneratorLearnables())); err != nil {
		t.Fatalf("Can't step generator solver: %v", err)
	}
	tmGAN.Reset()
	if err := definedGAN.UpdateRunningStats(); err != nil {
		t.Fatalf("Can't update running statistics: %v", err)
	}
	genLoss := scalarValue(t, generatorLossValue)
	if math.IsNaN(genLoss) || math.IsInf(genLoss, 0) {
		t.Fatalf("Generator loss = %f is not finite", genLoss)
	}
	genWeightAfter := gen.dense.Weight.Value().Data().([]float64)
	moved = 0.0
	for i := range genWeightBefore {
		moved += math.Abs(genWeightAfter[i] - genWeightBefore[i])
	}
	if moved == 0 {
		t.Error("Generator weights did not move after its step")
	}
	discWeightNow := disc.linear.Weight.Value().Data().([]float64)
	for i := range discWeightSnapshot {
		if discWeightNow[i] != discWeightSnapshot[i] {
			t.Fatal("Discriminator weights moved during the generator step")
		}
	}
}

func TestGANDefaultDimensionsForward(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping the full-size networks in short mode")
	}
	rand.Seed(45)
	batchSize := 2
	ganGraph := gorgonia.NewGraph()
	gen, err := Generator(ganGraph, nil, GeneratorOpts{})
	if err != nil {
		t.Fatalf("Can't build generator: %v", err)
	}
	latent := gorgonia.NewMatrix(ganGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, 256), gorgonia.WithName("latent"),
		gorgonia.WithValue(NormRandDense(batchSize, 256)))
	embedding := gorgonia.NewMatrix(ganGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, 128), gorgonia.WithName("embedding"),
		gorgonia.WithValue(NormRandDense(batchSize, 128)))
	if err := gen.Fwd(latent, embedding, batchSize); err != nil {
		t.Fatalf("Can't feed generator forward: %v", err)
	}
	discGraph := gorgonia.NewGraph()
	disc, err := Discriminator(discGraph, nil, DiscriminatorOpts{})
	if err != nil {
		t.Fatalf("Can't build discriminator: %v", err)
	}
	imageData := make([]float64, batchSize*3*64*64)
	for i := range imageData {
		imageData[i] = rand.Float64()*2.0 - 1.0
	}
	images := gorgonia.NewTensor(discGraph, gorgonia.Float64, 4, gorgonia.WithShape(batchSize, 3, 64, 64), gorgonia.WithName("images"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(batchSize, 3, 64, 64), tensor.WithBacking(imageData))))
	discEmbed := gorgonia.NewMatrix(discGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, 128), gorgonia.WithName("disc_embedding"),
		gorgonia.WithValue(NormRandDense(batchSize, 128)))
	if err := disc.Fwd(images, discEmbed, batchSize); err != nil {
		t.Fatalf("Can't feed discriminator forward: %v", err)
	}
	definedGAN, err := NewGAN(ganGraph, gen, disc)
	if err != nil {
		t.Fatalf("Can't build GAN: %v", err)
	}
	if err := definedGAN.Fwd(batchSize); err != nil {
		t.Fatalf("Can't feed GAN forward: %v", err)
	}

	var generated, ganScores gorgonia.Value
	gorgonia.Read(definedGAN.GeneratorOut(), &generated)
	gorgonia.Read(definedGAN.Out(), &ganScores)
	vm := gorgonia.NewTapeMachine(ganGraph)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("Can't run GAN graph: %v", err)
	}
	vm.Reset()
	if !generated.Shape().Eq(tensor.Shape{batchSize, 3, 64, 64}) {
		t.Fatalf("Generated batch shape = %v, expected (2, 3, 64, 64)", generated.Shape())
	}
	for i, x := range finiteValues(t, generated) {
		if x < -1.0 || x > 1.0 {
			t.Fatalf("Pixel[%d] = %f is outside [-1;1]", i, x)
		}
	}
	if !ganScores.Shape().Eq(tensor.Shape{batchSize, 1}) {
		t.Fatalf("Mirrored score shape = %v, expected (2, 1)", ganScores.Shape())
	}
	finiteValues(t, ganScores)

	scores := finiteValues(t, runGraph(t, discGraph, disc.Out()))
	if len(scores) != batchSize {
		t.Errorf("Discriminator produced %d scores, expected %d", len(scores), batchSize)
	}
}
