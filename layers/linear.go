package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/tensor"
)

// Linear implements a fully connected layer: y = xW^T + b
type Linear struct {
	name        string
	inFeatures  int
	outFeatures int

	weight *Parameter // [out, in]
	bias   *Parameter // [out]

	input    *tensor.Tensor
	training bool
}

// NewLinear creates a new Linear layer with weights and bias drawn from
// U(-1/sqrt(in), 1/sqrt(in))
func NewLinear(name string, inFeatures, outFeatures int, rng *rand.Rand) (*Linear, error) {
	if inFeatures <= 0 || outFeatures <= 0 {
		return nil, errors.Errorf("invalid linear %s: in=%d out=%d", name, inFeatures, outFeatures)
	}
	bound := 1 / math.Sqrt(float64(inFeatures))
	return &Linear{
		name:        name,
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		weight:      newParameter(name+".weight", tensor.RandomUniform(rng, -bound, bound, outFeatures, inFeatures)),
		bias:        newParameter(name+".bias", tensor.RandomUniform(rng, -bound, bound, outFeatures)),
		training:    true,
	}, nil
}

func (l *Linear) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireRank(input, 2, l.name); err != nil {
		return nil, err
	}
	if input.Shape[1] != l.inFeatures {
		return nil, errors.Errorf("%s: expected %d input features, got %d", l.name, l.inFeatures, input.Shape[1])
	}
	n := input.Shape[0]
	l.input = input

	out := tensor.Zeros(n, l.outFeatures)
	out.Device = input.Device
	tensor.Gemm(false, true, n, l.outFeatures, l.inFeatures, 1, input.Data, l.weight.Value.Data, 0, out.Data)
	for i := 0; i < n; i++ {
		row := out.Row(i)
		for j := range row {
			row[j] += l.bias.Value.Data[j]
		}
	}
	return out, nil
}

func (l *Linear) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if l.input == nil {
		return nil, errors.Wrap(errNoForward, l.name)
	}
	n := l.input.Shape[0]
	if !tensor.ShapesEqual(gradOutput.Shape, []int{n, l.outFeatures}) {
		return nil, errors.Errorf("%s: gradient shape %v, expected [%d %d]", l.name, gradOutput.Shape, n, l.outFeatures)
	}

	// dW += g^T . x
	tensor.Gemm(true, false, l.outFeatures, l.inFeatures, n, 1, gradOutput.Data, l.input.Data, 1, l.weight.Grad.Data)
	for i := 0; i < n; i++ {
		for j, g := range gradOutput.Row(i) {
			l.bias.Grad.Data[j] += g
		}
	}

	grad := tensor.Zeros(n, l.inFeatures)
	grad.Device = gradOutput.Device
	tensor.Gemm(false, false, n, l.inFeatures, l.outFeatures, 1, gradOutput.Data, l.weight.Value.Data, 0, grad.Data)
	return grad, nil
}

func (l *Linear) Parameters() []*Parameter {
	return []*Parameter{l.weight, l.bias}
}

func (l *Linear) Train()           { l.training = true }
func (l *Linear) Eval()            { l.training = false }
func (l *Linear) IsTraining() bool { return l.training }
