package training

import (
	"math"
	"strings"

	"github.com/pkg/errors"
)

// LRScheduler maps an epoch to a learning rate. Implementations are pure
// functions of their arguments.
type LRScheduler interface {
	// GetLR returns the learning rate for the given epoch
	GetLR(epoch int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler reduces learning rate by a factor every stepSize epochs
type StepLRScheduler struct {
	StepSize int     // Epochs between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 30
	}
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.1
	}
	return &StepLRScheduler{StepSize: stepSize, Gamma: gamma}
}

func (s *StepLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch/s.StepSize))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// ExponentialLRScheduler decays learning rate exponentially
type ExponentialLRScheduler struct {
	Gamma float64 // Multiplicative factor of LR decay per epoch
}

// NewExponentialLRScheduler creates an exponential learning rate scheduler
func NewExponentialLRScheduler(gamma float64) *ExponentialLRScheduler {
	if gamma <= 0 || gamma >= 1 {
		gamma = 0.95
	}
	return &ExponentialLRScheduler{Gamma: gamma}
}

func (s *ExponentialLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR * math.Pow(s.Gamma, float64(epoch))
}

func (s *ExponentialLRScheduler) GetName() string {
	return "ExponentialLR"
}

// CosineAnnealingLRScheduler anneals from baseLR to EtaMin over TMax epochs
type CosineAnnealingLRScheduler struct {
	TMax   int
	EtaMin float64
}

// NewCosineAnnealingLRScheduler creates a cosine annealing scheduler
func NewCosineAnnealingLRScheduler(tMax int, etaMin float64) *CosineAnnealingLRScheduler {
	if tMax <= 0 {
		tMax = 100
	}
	if etaMin < 0 {
		etaMin = 0
	}
	return &CosineAnnealingLRScheduler{TMax: tMax, EtaMin: etaMin}
}

func (s *CosineAnnealingLRScheduler) GetLR(epoch int, baseLR float64) float64 {
	if epoch >= s.TMax {
		return s.EtaMin
	}
	return s.EtaMin + (baseLR-s.EtaMin)*(1+math.Cos(math.Pi*float64(epoch)/float64(s.TMax)))/2
}

func (s *CosineAnnealingLRScheduler) GetName() string {
	return "CosineAnnealingLR"
}

// NoOpScheduler keeps the learning rate constant
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// ParseScheduler builds a scheduler by name for a run of the given length.
// Recognised names: constant, step, exponential, cosine.
func ParseScheduler(name string, epochs int) (LRScheduler, error) {
	switch strings.ToLower(name) {
	case "", "constant":
		return &NoOpScheduler{}, nil
	case "step":
		step := epochs / 3
		if step < 1 {
			step = 1
		}
		return NewStepLRScheduler(step, 0.1), nil
	case "exponential":
		return NewExponentialLRScheduler(0.95), nil
	case "cosine":
		return NewCosineAnnealingLRScheduler(epochs, 0), nil
	default:
		return nil, errors.Errorf("unknown learning rate schedule %q", name)
	}
}
