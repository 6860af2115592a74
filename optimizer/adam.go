package optimizer

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/layers"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// AdamOptimizer implements Adam with bias correction. Weight decay is the
// classic L2 term folded into the gradient.
type AdamOptimizer struct {
	config AdamConfig
	params []*layers.Parameter

	// First and second moment per parameter
	m [][]float64
	v [][]float64

	StepCount uint64
}

// NewAdamOptimizer creates a new Adam optimizer over the trainable subset of params
func NewAdamOptimizer(config AdamConfig, params []*layers.Parameter) (*AdamOptimizer, error) {
	if config.LearningRate < 0 {
		return nil, errors.Errorf("learning rate cannot be negative: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 {
		return nil, errors.Errorf("beta1 must be in [0, 1): %f", config.Beta1)
	}
	if config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, errors.Errorf("beta2 must be in [0, 1): %f", config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, errors.Errorf("epsilon must be positive: %g", config.Epsilon)
	}

	trainable := layers.TrainableParameters(params)
	if len(trainable) == 0 {
		return nil, errors.New("no trainable parameters provided")
	}

	adam := &AdamOptimizer{
		config: config,
		params: trainable,
		m:      make([][]float64, len(trainable)),
		v:      make([][]float64, len(trainable)),
	}
	for i, p := range trainable {
		adam.m[i] = make([]float64, p.Value.Len())
		adam.v[i] = make([]float64, p.Value.Len())
	}
	return adam, nil
}

// Step performs a single Adam optimization step
func (adam *AdamOptimizer) Step() error {
	adam.StepCount++
	c := adam.config
	t := float64(adam.StepCount)
	bias1 := 1 - math.Pow(c.Beta1, t)
	bias2 := 1 - math.Pow(c.Beta2, t)
	stepSize := c.LearningRate / bias1
	sqrtBias2 := math.Sqrt(bias2)

	for i, p := range adam.params {
		w, g := p.Value.Data, p.Grad.Data
		m, v := adam.m[i], adam.v[i]
		for j := range w {
			grad := g[j]
			if c.WeightDecay != 0 {
				grad += c.WeightDecay * w[j]
			}
			if math.IsNaN(grad) {
				return errors.Errorf("NaN gradient in %s", p.Name)
			}
			m[j] = c.Beta1*m[j] + (1-c.Beta1)*grad
			v[j] = c.Beta2*v[j] + (1-c.Beta2)*grad*grad
			w[j] -= stepSize * m[j] / (math.Sqrt(v[j])/sqrtBias2 + c.Epsilon)
		}
	}
	return nil
}

// ZeroGrad clears every parameter gradient
func (adam *AdamOptimizer) ZeroGrad() {
	zeroGrad(adam.params)
}

// GetStepCount returns the current optimization step number
func (adam *AdamOptimizer) GetStepCount() uint64 {
	return adam.StepCount
}

// UpdateLearningRate updates the learning rate
func (adam *AdamOptimizer) UpdateLearningRate(lr float64) {
	adam.config.LearningRate = lr
}

// Name returns "Adam"
func (adam *AdamOptimizer) Name() string {
	return "Adam"
}
