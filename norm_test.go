package ccgan

import (
	"math"
	"math/rand"
	"testing"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// randImageDense builds a (batch, channels, height, width) dense with gaussian
// values shifted off zero, so normalization has something to remove
func randImageDense(batch, channels, height, width int) *tensor.Dense {
	data := make([]float64, batch*channels*height*width)
	for i := range data {
		data[i] = rand.NormFloat64()*1.5 + 0.75
	}
	return tensor.New(tensor.WithShape(batch, channels, height, width), tensor.WithBacking(data))
}

// channelStats computes per-channel mean and biased variance over batch and space
func channelStats(data []float64, batch, channels, height, width int) ([]float64, []float64) {
	means := make([]float64, channels)
	variances := make([]float64, channels)
	n := float64(batch * height * width)
	for c := 0; c < channels; c++ {
		sum := 0.0
		for b := 0; b < batch; b++ {
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					sum += data[((b*channels+c)*height+y)*width+x]
				}
			}
		}
		means[c] = sum / n
		sumSquares := 0.0
		for b := 0; b < batch; b++ {
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					d := data[((b*channels+c)*height+y)*width+x] - means[c]
					sumSquares += d * d
				}
			}
		}
		variances[c] = sumSquares / n
	}
	return means, variances
}

func TestBatchNormTrainNormalizes(t *testing.T) {
	rand.Seed(5)
	batch, channels, height, width := 4, 3, 5, 5
	g := gorgonia.NewGraph()
	input := gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(batch, channels, height, width), gorgonia.WithName("input"),
		gorgonia.WithValue(randImageDense(batch, channels, height, width)))
	bn, err := NewBatchNorm2d(g, nil, BatchNormOpts{Channels: channels, Name: "bn"})
	if err != nil {
		t.Fatalf("Can't build layer: %v", err)
	}
	out, err := bn.Fwd(input, nil)
	if err != nil {
		t.Fatalf("Can't build forward pass: %v", err)
	}
	outData := runGraph(t, g, out).Data().([]float64)
	means, variances := channelStats(outData, batch, channels, height, width)
	for c := range means {
		if math.Abs(means[c]) > 1e-10 {
			t.Errorf("Channel %d mean = %e, expected 0", c, means[c])
		}
		// Output variance is var/(var+eps), marginally below 1
		if math.Abs(variances[c]-1.0) > 1e-4 {
			t.Errorf("Channel %d variance = %f, expected 1", c, variances[c])
		}
	}
}

func TestBatchNormRunningStatsFold(t *testing.T) {
	rand.Seed(6)
	batch, channels, height, width := 4, 3, 5, 5
	images := randImageDense(batch, channels, height, width)
	g := gorgonia.NewGraph()
	input := gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(batch, channels, height, width), gorgonia.WithName("input"),
		gorgonia.WithValue(images))
	bn, err := NewBatchNorm2d(g, nil, BatchNormOpts{Channels: channels, Name: "bn"})
	if err != nil {
		t.Fatalf("Can't build layer: %v", err)
	}
	out, err := bn.Fwd(input, nil)
	if err != nil {
		t.Fatalf("Can't build forward pass: %v", err)
	}
	runGraph(t, g, out)
	if err := bn.UpdateRunningStats(); err != nil {
		t.Fatalf("Can't update running statistics: %v", err)
	}
	means, variances := channelStats(images.Data().([]float64), batch, channels, height, width)
	n := float64(batch * height * width)
	unbias := n / (n - 1)
	runningMean := bn.runningMean.Data().([]float64)
	runningVar := bn.runningVar.Data().([]float64)
	for c := 0; c < channels; c++ {
		// Buffers start at mean 0 and variance 1, momentum is 0.1
		expectedMean := 0.1 * means[c]
		expectedVar := 0.9 + 0.1*variances[c]*unbias
		if math.Abs(runningMean[c]-expectedMean) > 1e-9 {
			t.Errorf("Running mean[%d] = %f, expected %f", c, runningMean[c], expectedMean)
		}
		if math.Abs(runningVar[c]-expectedVar) > 1e-9 {
			t.Errorf("Running variance[%d] = %f, expected %f", c, runningVar[c], expectedVar)
		}
	}
}

func TestBatchNormUpdateRequiresRun(t *testing.T) {
	g := gorgonia.NewGraph()
	bn, err := NewBatchNorm2d(g, nil, BatchNormOpts{Channels: 2, Name: "bn"})
	if err != nil {
		t.Fatalf("Can't build layer: %v", err)
	}
	if err := bn.UpdateRunningStats(); err == nil {
		t.Error("Expected error before any training run")
	}
}

func TestBatchNormEvalUsesRunningStats(t *testing.T) {
	g := gorgonia.NewGraph()
	bn, err := NewBatchNorm2d(g, nil, BatchNormOpts{Channels: 2, Eval: true, Name: "bn"})
	if err != nil {
		t.Fatalf("Can't build layer: %v", err)
	}
	runningMean := []float64{1.0, -2.0}
	runningVar := []float64{4.0, 0.25}
	copy(bn.runningMean.Data().([]float64), runningMean)
	copy(bn.runningVar.Data().([]float64), runningVar)
	backing := []float64{1, 3, -2, -1}
	input := gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(1, 2, 1, 2), gorgonia.WithName("input"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(1, 2, 1, 2), tensor.WithBacking(backing))))
	out, err := bn.Fwd(input, nil)
	if err != nil {
		t.Fatalf("Can't build forward pass: %v", err)
	}
	outData := runGraph(t, g, out).Data().([]float64)
	for i, x := range backing {
		c := i / 2
		expected := (x - runningMean[c]) / math.Sqrt(runningVar[c]+1e-5)
		if math.Abs(outData[i]-expected) > 1e-12 {
			t.Errorf("Output[%d] = %f, expected %f", i, outData[i], expected)
		}
	}
	// Nothing is captured in evaluation mode, so there is nothing to fold
	if err := bn.UpdateRunningStats(); err == nil {
		t.Error("Expected error in evaluation mode")
	}
}

func TestBatchNormInputContracts(t *testing.T) {
	g := gorgonia.NewGraph()
	bn, err := NewBatchNorm2d(g, nil, BatchNormOpts{Channels: 3, Name: "bn"})
	if err != nil {
		t.Fatalf("Can't build layer: %v", err)
	}
	if _, err := bn.Fwd(nil, nil); err == nil {
		t.Error("Expected error for nil input")
	}
	matrix := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(2, 3), gorgonia.WithName("matrix"))
	if _, err := bn.Fwd(matrix, nil); err == nil {
		t.Error("Expected error for 2-dimensional input")
	}
	wrongChannels := gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(2, 4, 5, 5), gorgonia.WithName("wrong_channels"))
	if _, err := bn.Fwd(wrongChannels, nil); err == nil {
		t.Error("Expected error for channel mismatch")
	}
	input := gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(2, 3, 5, 5), gorgonia.WithName("input"))
	embedding := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(2, 8), gorgonia.WithName("embedding"))
	if _, err := bn.Fwd(input, embedding); err == nil {
		t.Error("Expected error for embedding passed to plain normalization")
	}
	if _, err := NewBatchNorm2d(g, nil, BatchNormOpts{Channels: 0, Name: "bad"}); err == nil {
		t.Error("Expected error for non-positive channel count")
	}
}

func TestCondBatchNormMatchesReference(t *testing.T) {
	rand.Seed(8)
	batch, channels, height, width, embedDim := 2, 3, 4, 4, 6
	images := randImageDense(batch, channels, height, width)
	embedData := make([]float64, batch*embedDim)
	for i := range embedData {
		embedData[i] = rand.NormFloat64()
	}
	g := gorgonia.NewGraph()
	input := gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(batch, channels, height, width), gorgonia.WithName("input"),
		gorgonia.WithValue(images))
	embedding := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(batch, embedDim), gorgonia.WithName("embedding"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(batch, embedDim), tensor.WithBacking(embedData))))
	cbn, err := NewCondBatchNorm2d(g, nil, CondBatchNormOpts{Channels: channels, EmbedDim: embedDim, Name: "cbn"})
	if err != nil {
		t.Fatalf("Can't build layer: %v", err)
	}
	out, err := cbn.Fwd(input, embedding)
	if err != nil {
		t.Fatalf("Can't build forward pass: %v", err)
	}
	outData := runGraph(t, g, out).Data().([]float64)

	imgData := images.Data().([]float64)
	means, variances := channelStats(imgData, batch, channels, height, width)
	gammaW := cbn.gammaProj.Weight.Value().Data().([]float64)
	betaW := cbn.betaProj.Weight.Value().Data().([]float64)
	for b := 0; b < batch; b++ {
		for c := 0; c < channels; c++ {
			gamma := 0.0
			beta := 0.0
			for k := 0; k < embedDim; k++ {
				gamma += embedData[b*embedDim+k] * gammaW[c*embedDim+k]
				beta += embedData[b*embedDim+k] * betaW[c*embedDim+k]
			}
			for y := 0; y < height; y++ {
				for x := 0; x < width; x++ {
					idx := ((b*channels+c)*height+y)*width + x
					normalized := (imgData[idx] - means[c]) / math.Sqrt(variances[c]+1e-5)
					expected := normalized + normalized*gamma + beta
					if math.Abs(outData[idx]-expected) > 1e-9 {
						t.Fatalf("Output[%d] = %f, expected %f", idx, outData[idx], expected)
					}
				}
			}
		}
	}
}

func TestCondBatchNormEmbeddingContracts(t *testing.T) {
	g := gorgonia.NewGraph()
	cbn, err := NewCondBatchNorm2d(g, nil, CondBatchNormOpts{Channels: 2, EmbedDim: 4, Name: "cbn"})
	if err != nil {
		t.Fatalf("Can't build layer: %v", err)
	}
	input := gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(2, 2, 4, 4), gorgonia.WithName("input"))
	if _, err := cbn.Fwd(input, nil); err == nil {
		t.Error("Expected error for missing embedding")
	}
	narrow := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(2, 3), gorgonia.WithName("narrow"))
	if _, err := cbn.Fwd(input, narrow); err == nil {
		t.Error("Expected error for embedding size mismatch")
	}
	if _, err := NewCondBatchNorm2d(g, nil, CondBatchNormOpts{Channels: 2, EmbedDim: 0, Name: "bad"}); err == nil {
		t.Error("Expected error for non-positive embedding size")
	}
}

func TestNormalizerLearnables(t *testing.T) {
	g := gorgonia.NewGraph()
	plain, err := NewBatchNorm2d(g, nil, BatchNormOpts{Channels: 3, Name: "plain"})
	if err != nil {
		t.Fatalf("Can't build plain layer: %v", err)
	}
	if len(plain.Learnables()) != 0 {
		t.Errorf("Plain layer has %d learnables, expected 0", len(plain.Learnables()))
	}
	affine, err := NewBatchNorm2d(g, nil, BatchNormOpts{Channels: 3, Affine: true, Name: "affine"})
	if err != nil {
		t.Fatalf("Can't build affine layer: %v", err)
	}
	if len(affine.Learnables()) != 2 {
		t.Errorf("Affine layer has %d learnables, expected 2", len(affine.Learnables()))
	}
	cond, err := NewCondBatchNorm2d(g, nil, CondBatchNormOpts{Channels: 3, EmbedDim: 4, Name: "cond"})
	if err != nil {
		t.Fatalf("Can't build conditional layer: %v", err)
	}
	if len(cond.Learnables()) != 2 {
		t.Errorf("Conditional layer has %d learnables, expected 2", len(cond.Learnables()))
	}
	if len(cond.Stats()) != 1 {
		t.Errorf("Conditional layer exposes %d batch-norm layers, expected 1", len(cond.Stats()))
	}
}
