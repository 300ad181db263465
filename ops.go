package ccgan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Upsample2x Doubles the spatial resolution of a (batch, channels, height, width) node by
// nearest-neighbour repetition. Each spatial axis is split, self-concatenated and merged back.
func Upsample2x(input *gorgonia.Node) (*gorgonia.Node, error) {
	if input == nil {
		return nil, fmt.Errorf("Input of upsample is nil")
	}
	s := input.Shape()
	if len(s) != 4 {
		return nil, fmt.Errorf("Upsample expects 4 dimensions, but got %v", s)
	}
	n, c, h, w := s[0], s[1], s[2], s[3]
	// Duplicate every column: (n,c,h,w,1) -> (n,c,h,w,2) -> (n,c,h,2w)
	cols, err := gorgonia.Reshape(input, tensor.Shape{n, c, h, w, 1})
	if err != nil {
		return nil, errors.Wrap(err, "Can't split width axis")
	}
	cols, err = gorgonia.Concat(4, cols, cols)
	if err != nil {
		return nil, errors.Wrap(err, "Can't duplicate columns")
	}
	cols, err = gorgonia.Reshape(cols, tensor.Shape{n, c, h, 2 * w})
	if err != nil {
		return nil, errors.Wrap(err, "Can't merge duplicated columns")
	}
	// Duplicate every row: (n,c,h,1,2w) -> (n,c,h,2,2w) -> (n,c,2h,2w)
	rows, err := gorgonia.Reshape(cols, tensor.Shape{n, c, h, 1, 2 * w})
	if err != nil {
		return nil, errors.Wrap(err, "Can't split height axis")
	}
	rows, err = gorgonia.Concat(3, rows, rows)
	if err != nil {
		return nil, errors.Wrap(err, "Can't duplicate rows")
	}
	out, err := gorgonia.Reshape(rows, tensor.Shape{n, c, 2 * h, 2 * w})
	if err != nil {
		return nil, errors.Wrap(err, "Can't merge duplicated rows")
	}
	return out, nil
}

// AvgPool2 Halves the spatial resolution of a (batch, channels, height, width) node by
// averaging non-overlapping 2x2 windows. Both spatial dimensions must be even.
func AvgPool2(input *gorgonia.Node) (*gorgonia.Node, error) {
	if input == nil {
		return nil, fmt.Errorf("Input of average pooling is nil")
	}
	s := input.Shape()
	if len(s) != 4 {
		return nil, fmt.Errorf("Average pooling expects 4 dimensions, but got %v", s)
	}
	n, c, h, w := s[0], s[1], s[2], s[3]
	if h%2 != 0 || w%2 != 0 {
		return nil, fmt.Errorf("Average pooling by 2 needs even spatial dimensions, but got %dx%d", h, w)
	}
	// Average horizontal pairs: (n,c,h,w/2,2) -> mean over the pair axis
	out, err := gorgonia.Reshape(input, tensor.Shape{n, c, h, w / 2, 2})
	if err != nil {
		return nil, errors.Wrap(err, "Can't split width axis into pairs")
	}
	out, err = gorgonia.Mean(out, 4)
	if err != nil {
		return nil, errors.Wrap(err, "Can't average horizontal pairs")
	}
	// Average vertical pairs: (n,c,h/2,2,w/2) -> mean over the pair axis
	out, err = gorgonia.Reshape(out, tensor.Shape{n, c, h / 2, 2, w / 2})
	if err != nil {
		return nil, errors.Wrap(err, "Can't split height axis into pairs")
	}
	out, err = gorgonia.Mean(out, 3)
	if err != nil {
		return nil, errors.Wrap(err, "Can't average vertical pairs")
	}
	return out, nil
}
