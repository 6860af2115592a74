package layers

import (
	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/tensor"
)

// Module is an executable network layer. Forward caches whatever Backward
// needs, so a module supports one in-flight forward/backward pair at a time.
// Backward accumulates into parameter gradients; callers zero them between
// optimization steps.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*Parameter // trainable parameters followed by buffers
	Train()                   // Sets module to training mode
	Eval()                    // Sets module to evaluation mode
	IsTraining() bool         // Returns true if in training mode
}

// Parameter is a named tensor owned by a module. Buffers such as batch-norm
// running statistics are parameters without a gradient.
type Parameter struct {
	Name  string
	Value *tensor.Tensor
	Grad  *tensor.Tensor
}

// Trainable reports whether the optimizer should update this parameter
func (p *Parameter) Trainable() bool {
	return p.Grad != nil
}

// ZeroGrad clears the accumulated gradient
func (p *Parameter) ZeroGrad() {
	if p.Grad != nil {
		p.Grad.Fill(0)
	}
}

func newParameter(name string, value *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, Value: value, Grad: tensor.Zeros(value.Shape...)}
}

func newBuffer(name string, value *tensor.Tensor) *Parameter {
	return &Parameter{Name: name, Value: value}
}

// TrainableParameters filters out buffers
func TrainableParameters(params []*Parameter) []*Parameter {
	var out []*Parameter
	for _, p := range params {
		if p.Trainable() {
			out = append(out, p)
		}
	}
	return out
}

// ParameterCount returns the number of trainable scalars
func ParameterCount(params []*Parameter) int {
	n := 0
	for _, p := range params {
		if p.Trainable() {
			n += p.Value.Len()
		}
	}
	return n
}

// Sequential chains modules
type Sequential struct {
	modules  []Module
	training bool
}

// NewSequential creates a new Sequential container
func NewSequential(modules ...Module) *Sequential {
	return &Sequential{modules: modules, training: true}
}

// Add appends a module
func (s *Sequential) Add(module Module) {
	s.modules = append(s.modules, module)
}

// Len returns the number of contained modules
func (s *Sequential) Len() int {
	return len(s.modules)
}

func (s *Sequential) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out := input
	for i, m := range s.modules {
		var err error
		out, err = m.Forward(out)
		if err != nil {
			return nil, errors.Wrapf(err, "module %d forward", i)
		}
	}
	return out, nil
}

func (s *Sequential) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	grad := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		var err error
		grad, err = s.modules[i].Backward(grad)
		if err != nil {
			return nil, errors.Wrapf(err, "module %d backward", i)
		}
	}
	return grad, nil
}

func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, m := range s.modules {
		params = append(params, m.Parameters()...)
	}
	return params
}

func (s *Sequential) Train() {
	s.training = true
	for _, m := range s.modules {
		m.Train()
	}
}

func (s *Sequential) Eval() {
	s.training = false
	for _, m := range s.modules {
		m.Eval()
	}
}

func (s *Sequential) IsTraining() bool {
	return s.training
}

func requireRank(t *tensor.Tensor, rank int, layer string) error {
	if len(t.Shape) != rank {
		return errors.Errorf("%s expects a %dD input, got shape %v", layer, rank, t.Shape)
	}
	return nil
}

var errNoForward = errors.New("backward called before forward")
