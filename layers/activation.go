package layers

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/tensor"
)

// ReLU applies max(0, x) element-wise
type ReLU struct {
	name     string
	output   *tensor.Tensor
	training bool
}

// NewReLU creates a new ReLU activation
func NewReLU(name string) *ReLU {
	return &ReLU{name: name, training: true}
}

func (r *ReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := tensor.Zeros(input.Shape...)
	out.Device = input.Device
	for i, v := range input.Data {
		if v > 0 {
			out.Data[i] = v
		}
	}
	r.output = out
	return out, nil
}

func (r *ReLU) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if r.output == nil {
		return nil, errors.Wrap(errNoForward, r.name)
	}
	if !gradOutput.SameShape(r.output) {
		return nil, errors.Errorf("%s: gradient shape %v does not match output %v", r.name, gradOutput.Shape, r.output.Shape)
	}
	grad := tensor.Zeros(gradOutput.Shape...)
	grad.Device = gradOutput.Device
	for i, v := range r.output.Data {
		if v > 0 {
			grad.Data[i] = gradOutput.Data[i]
		}
	}
	return grad, nil
}

func (r *ReLU) Parameters() []*Parameter { return nil }
func (r *ReLU) Train()                   { r.training = true }
func (r *ReLU) Eval()                    { r.training = false }
func (r *ReLU) IsTraining() bool         { return r.training }
