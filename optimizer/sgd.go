package optimizer

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-emotionnet/layers"
)

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float64
	Momentum     float64
	WeightDecay  float64
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
	}
}

// SGDOptimizer implements stochastic gradient descent with optional momentum
type SGDOptimizer struct {
	config   SGDConfig
	params   []*layers.Parameter
	velocity [][]float64 // allocated only when momentum > 0

	StepCount uint64
}

// NewSGDOptimizer creates a new SGD optimizer over the trainable subset of params
func NewSGDOptimizer(config SGDConfig, params []*layers.Parameter) (*SGDOptimizer, error) {
	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, errors.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	trainable := layers.TrainableParameters(params)
	if len(trainable) == 0 {
		return nil, errors.New("no trainable parameters provided")
	}

	sgd := &SGDOptimizer{config: config, params: trainable}
	if config.Momentum > 0 {
		sgd.velocity = make([][]float64, len(trainable))
		for i, p := range trainable {
			sgd.velocity[i] = make([]float64, p.Value.Len())
		}
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizer) Step() error {
	sgd.StepCount++
	c := sgd.config
	for i, p := range sgd.params {
		grad := p.Grad.Data
		if c.WeightDecay != 0 {
			grad = append([]float64(nil), grad...)
			floats.AddScaled(grad, c.WeightDecay, p.Value.Data)
		}
		if sgd.velocity != nil {
			buf := sgd.velocity[i]
			if sgd.StepCount == 1 {
				copy(buf, grad)
			} else {
				floats.Scale(c.Momentum, buf)
				floats.Add(buf, grad)
			}
			grad = buf
		}
		floats.AddScaled(p.Value.Data, -c.LearningRate, grad)
	}
	return nil
}

// ZeroGrad clears every parameter gradient
func (sgd *SGDOptimizer) ZeroGrad() {
	zeroGrad(sgd.params)
}

// GetStepCount returns the current optimization step number
func (sgd *SGDOptimizer) GetStepCount() uint64 {
	return sgd.StepCount
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizer) UpdateLearningRate(lr float64) {
	sgd.config.LearningRate = lr
}

// Name returns "SGD"
func (sgd *SGDOptimizer) Name() string {
	return "SGD"
}
