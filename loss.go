package ccgan

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

type LossReduction uint16

const (
	LossReductionSum = LossReduction(iota)
	LossReductionMean
)

func reduce(node *gorgonia.Node, reduction []LossReduction) (*gorgonia.Node, error) {
	reductionDefault := LossReductionMean
	if len(reduction) != 0 {
		reductionDefault = reduction[0]
	}
	switch reductionDefault {
	case LossReductionSum:
		return gorgonia.Sum(node)
	case LossReductionMean:
		return gorgonia.Mean(node)
	default:
		return nil, fmt.Errorf("Reduction type %d is not supported", reductionDefault)
	}
}

// MSELoss See ref. https://en.wikipedia.org/wiki/Mean_squared_error
// Pairs real/fake scores with fixed targets for the least-squares objective.
// Default reduction is 'mean'
func MSELoss(a, b *gorgonia.Node, reduction ...LossReduction) (*gorgonia.Node, error) {
	sub, err := gorgonia.Sub(a, b)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (A-B)")
	}
	sqr, err := gorgonia.Square(sub)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (x^2)")
	}
	return reduce(sqr, reduction)
}

// HingeLossDiscriminator Hinge objective for the discriminator step, see ref.
// https://arxiv.org/abs/1705.02894:
//
//	reduce(relu(1 - realScores)) + reduce(relu(1 + fakeScores))
//
// Default reduction is 'mean'
func HingeLossDiscriminator(realScores, fakeScores *gorgonia.Node, reduction ...LossReduction) (*gorgonia.Node, error) {
	one := gorgonia.NewScalar(realScores.Graph(), realScores.Dtype(), gorgonia.WithValue(1.0))
	realMargin, err := gorgonia.Sub(one, realScores)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (1-real)")
	}
	realHinge, err := gorgonia.Rectify(realMargin)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do relu(1-real)")
	}
	realLoss, err := reduce(realHinge, reduction)
	if err != nil {
		return nil, err
	}
	fakeMargin, err := gorgonia.Add(one, fakeScores)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (1+fake)")
	}
	fakeHinge, err := gorgonia.Rectify(fakeMargin)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do relu(1+fake)")
	}
	fakeLoss, err := reduce(fakeHinge, reduction)
	if err != nil {
		return nil, err
	}
	total, err := gorgonia.Add(realLoss, fakeLoss)
	if err != nil {
		return nil, errors.Wrap(err, "Can't add real and fake terms")
	}
	return total, nil
}

// HingeLossGenerator Hinge objective for the generator step: -reduce(fakeScores).
// Default reduction is 'mean'
func HingeLossGenerator(fakeScores *gorgonia.Node, reduction ...LossReduction) (*gorgonia.Node, error) {
	reduced, err := reduce(fakeScores, reduction)
	if err != nil {
		return nil, err
	}
	neg, err := gorgonia.Neg(reduced)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do -1*x")
	}
	return neg, nil
}

// NonSaturatingLossDiscriminator Softplus form of the original GAN discriminator
// objective: reduce(softplus(-realScores)) + reduce(softplus(fakeScores)).
// Default reduction is 'mean'
func NonSaturatingLossDiscriminator(realScores, fakeScores *gorgonia.Node, reduction ...LossReduction) (*gorgonia.Node, error) {
	negReal, err := gorgonia.Neg(realScores)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do -1*real")
	}
	realSoft, err := gorgonia.Softplus(negReal)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do softplus(-real)")
	}
	realLoss, err := reduce(realSoft, reduction)
	if err != nil {
		return nil, err
	}
	fakeSoft, err := gorgonia.Softplus(fakeScores)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do softplus(fake)")
	}
	fakeLoss, err := reduce(fakeSoft, reduction)
	if err != nil {
		return nil, err
	}
	total, err := gorgonia.Add(realLoss, fakeLoss)
	if err != nil {
		return nil, errors.Wrap(err, "Can't add real and fake terms")
	}
	return total, nil
}

// NonSaturatingLossGenerator Softplus form of the non-saturating generator objective:
// reduce(softplus(-fakeScores)).
// Default reduction is 'mean'
func NonSaturatingLossGenerator(fakeScores *gorgonia.Node, reduction ...LossReduction) (*gorgonia.Node, error) {
	negFake, err := gorgonia.Neg(fakeScores)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do -1*fake")
	}
	soft, err := gorgonia.Softplus(negFake)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do softplus(-fake)")
	}
	return reduce(soft, reduction)
}
