package optimizer

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/layers"
)

// Optimizer updates trainable parameters in place from their accumulated
// gradients. Buffers (parameters without a gradient) are never touched.
type Optimizer interface {
	// Step performs a single optimization step
	Step() error

	// ZeroGrad clears every parameter gradient
	ZeroGrad()

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float64)

	// Name returns the optimizer name, e.g. "Adam"
	Name() string
}

// Type selects an optimizer implementation
type Type int

const (
	Adam Type = iota
	SGD
)

func (t Type) String() string {
	switch t {
	case Adam:
		return "Adam"
	case SGD:
		return "SGD"
	default:
		return "Unknown"
	}
}

// ParseType maps a case-insensitive name to a Type
func ParseType(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "adam", "":
		return Adam, nil
	case "sgd":
		return SGD, nil
	default:
		return 0, errors.Errorf("unknown optimizer %q", name)
	}
}

// Config selects and parameterises an optimizer
type Config struct {
	Type         Type
	LearningRate float64
	Beta1        float64 // Adam
	Beta2        float64 // Adam
	Epsilon      float64 // Adam
	Momentum     float64 // SGD
	WeightDecay  float64
}

// DefaultConfig returns Adam with its standard hyperparameters
func DefaultConfig() Config {
	a := DefaultAdamConfig()
	return Config{
		Type:         Adam,
		LearningRate: a.LearningRate,
		Beta1:        a.Beta1,
		Beta2:        a.Beta2,
		Epsilon:      a.Epsilon,
		WeightDecay:  a.WeightDecay,
	}
}

// New builds the optimizer described by config over params
func New(config Config, params []*layers.Parameter) (Optimizer, error) {
	switch config.Type {
	case Adam:
		return NewAdamOptimizer(AdamConfig{
			LearningRate: config.LearningRate,
			Beta1:        config.Beta1,
			Beta2:        config.Beta2,
			Epsilon:      config.Epsilon,
			WeightDecay:  config.WeightDecay,
		}, params)
	case SGD:
		return NewSGDOptimizer(SGDConfig{
			LearningRate: config.LearningRate,
			Momentum:     config.Momentum,
			WeightDecay:  config.WeightDecay,
		}, params)
	default:
		return nil, errors.Errorf("unsupported optimizer type %s", config.Type)
	}
}

func zeroGrad(params []*layers.Parameter) {
	for _, p := range params {
		p.ZeroGrad()
	}
}
