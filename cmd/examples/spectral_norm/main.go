package main

import (
	"fmt"
	"math/rand"

	ccgan "github.com/calmplay/cfushn-ccgan-0"
	"gonum.org/v1/gonum/mat"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var (
	rows = 64
	cols = 128
)

func main() {
	// Initialize seed with constant value to reproduce results
	rand.Seed(1337)

	config := ccgan.DefaultConfig()

	// Wrap a single dense weight and watch the power iteration converge to the
	// exact largest singular value
	g := gorgonia.NewGraph()
	weight := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(rows, cols), gorgonia.WithName("weight"), gorgonia.WithInit(gorgonia.GlorotU(1.0)))
	sn, err := ccgan.NewSpectralNorm(g, config, weight, "weight")
	if err != nil {
		panic(err)
	}

	exact := largestSingularValue(weight.Value().(*tensor.Dense))
	fmt.Printf("Exact largest singular value: %.8f\n", exact)
	for i := 0; i < 10; i++ {
		sigma, err := sn.Sigma()
		if err != nil {
			panic(err)
		}
		fmt.Printf("Power iteration %2d: sigma = %.8f\n", i, sigma)
		if err := sn.PowerIterate(); err != nil {
			panic(err)
		}
	}

	normed, err := sn.NormalizedMatrix()
	if err != nil {
		panic(err)
	}
	fmt.Printf("Largest singular value after normalization: %.8f\n", largestSingularValue(normed))

	// The same machinery running inside a small Discriminator
	discriminatorGraph := gorgonia.NewGraph()
	definedDiscriminator, err := ccgan.Discriminator(discriminatorGraph, config, ccgan.DiscriminatorOpts{
		EmbedDim:  16,
		BaseWidth: 8,
	})
	if err != nil {
		panic(err)
	}
	for i := 0; i < 5; i++ {
		if err := definedDiscriminator.PowerIterate(); err != nil {
			panic(err)
		}
	}
	fmt.Println("Discriminator layers after 5 power iterations:")
	for i, layerSN := range definedDiscriminator.SpectralNorms() {
		sigma, err := layerSN.Sigma()
		if err != nil {
			panic(err)
		}
		normedMatrix, err := layerSN.NormalizedMatrix()
		if err != nil {
			panic(err)
		}
		fmt.Printf("\tlayer %2d: sigma = %.6f, normalized largest SV = %.6f\n", i, sigma, largestSingularValue(normedMatrix))
	}
}

// largestSingularValue Exact value via full SVD. Kernels of rank > 2 are flattened
// to (leading dimension, product of remaining dimensions) first.
func largestSingularValue(d *tensor.Dense) float64 {
	shape := d.Shape()
	numRows := shape[0]
	numCols := shape.TotalSize() / numRows
	m := mat.NewDense(numRows, numCols, d.Data().([]float64))
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDNone); !ok {
		panic("SVD factorization failed")
	}
	return svd.Values(nil)[0]
}
