package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/tensor"
)

// BatchNorm2D normalises each channel of an NCHW input. In training mode it
// uses batch statistics and updates the running estimates; in evaluation mode
// it uses the running estimates.
type BatchNorm2D struct {
	name        string
	numFeatures int
	eps         float64
	momentum    float64

	gamma       *Parameter
	beta        *Parameter
	runningMean *Parameter
	runningVar  *Parameter

	// forward cache
	shape   []int
	xhat    []float64
	invStd  []float64
	batched bool

	training bool
}

// NewBatchNorm2D creates a batch-norm layer with gamma=1, beta=0, running
// mean 0 and running variance 1. Non-positive eps/momentum take the usual
// defaults of 1e-5 and 0.1.
func NewBatchNorm2D(name string, numFeatures int, eps, momentum float64) (*BatchNorm2D, error) {
	if numFeatures <= 0 {
		return nil, errors.Errorf("invalid batchnorm %s: %d features", name, numFeatures)
	}
	if eps <= 0 {
		eps = 1e-5
	}
	if momentum <= 0 {
		momentum = 0.1
	}
	return &BatchNorm2D{
		name:        name,
		numFeatures: numFeatures,
		eps:         eps,
		momentum:    momentum,
		gamma:       newParameter(name+".weight", tensor.Full(1, numFeatures)),
		beta:        newParameter(name+".bias", tensor.Zeros(numFeatures)),
		runningMean: newBuffer(name+".running_mean", tensor.Zeros(numFeatures)),
		runningVar:  newBuffer(name+".running_var", tensor.Full(1, numFeatures)),
		training:    true,
	}, nil
}

func (bn *BatchNorm2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireRank(input, 4, bn.name); err != nil {
		return nil, err
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	if c != bn.numFeatures {
		return nil, errors.Errorf("%s: expected %d channels, got %d", bn.name, bn.numFeatures, c)
	}

	plane := h * w
	m := float64(n * plane)
	out := tensor.Zeros(input.Shape...)
	out.Device = input.Device

	bn.shape = append(bn.shape[:0], input.Shape...)
	if cap(bn.xhat) < len(input.Data) {
		bn.xhat = make([]float64, len(input.Data))
	}
	bn.xhat = bn.xhat[:len(input.Data)]
	if cap(bn.invStd) < c {
		bn.invStd = make([]float64, c)
	}
	bn.invStd = bn.invStd[:c]
	bn.batched = bn.training

	for ch := 0; ch < c; ch++ {
		var mean, variance float64
		if bn.training {
			for i := 0; i < n; i++ {
				for _, v := range input.Data[(i*c+ch)*plane : (i*c+ch+1)*plane] {
					mean += v
				}
			}
			mean /= m
			for i := 0; i < n; i++ {
				for _, v := range input.Data[(i*c+ch)*plane : (i*c+ch+1)*plane] {
					d := v - mean
					variance += d * d
				}
			}
			variance /= m

			unbiased := variance
			if m > 1 {
				unbiased = variance * m / (m - 1)
			}
			rm, rv := bn.runningMean.Value.Data, bn.runningVar.Value.Data
			rm[ch] = (1-bn.momentum)*rm[ch] + bn.momentum*mean
			rv[ch] = (1-bn.momentum)*rv[ch] + bn.momentum*unbiased
		} else {
			mean = bn.runningMean.Value.Data[ch]
			variance = bn.runningVar.Value.Data[ch]
		}

		inv := 1 / math.Sqrt(variance+bn.eps)
		bn.invStd[ch] = inv
		g, b := bn.gamma.Value.Data[ch], bn.beta.Value.Data[ch]
		for i := 0; i < n; i++ {
			off := (i*c + ch) * plane
			for j := off; j < off+plane; j++ {
				xh := (input.Data[j] - mean) * inv
				bn.xhat[j] = xh
				out.Data[j] = g*xh + b
			}
		}
	}
	return out, nil
}

func (bn *BatchNorm2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if bn.shape == nil {
		return nil, errors.Wrap(errNoForward, bn.name)
	}
	if !tensor.ShapesEqual(gradOutput.Shape, bn.shape) {
		return nil, errors.Errorf("%s: gradient shape %v does not match output %v", bn.name, gradOutput.Shape, bn.shape)
	}
	n, c, plane := bn.shape[0], bn.shape[1], bn.shape[2]*bn.shape[3]
	m := float64(n * plane)

	gradInput := tensor.Zeros(bn.shape...)
	gradInput.Device = gradOutput.Device
	g := gradOutput.Data

	for ch := 0; ch < c; ch++ {
		var sumG, sumGX float64
		for i := 0; i < n; i++ {
			off := (i*c + ch) * plane
			for j := off; j < off+plane; j++ {
				sumG += g[j]
				sumGX += g[j] * bn.xhat[j]
			}
		}
		bn.beta.Grad.Data[ch] += sumG
		bn.gamma.Grad.Data[ch] += sumGX

		scale := bn.gamma.Value.Data[ch] * bn.invStd[ch]
		for i := 0; i < n; i++ {
			off := (i*c + ch) * plane
			for j := off; j < off+plane; j++ {
				if bn.batched {
					gradInput.Data[j] = scale / m * (m*g[j] - sumG - bn.xhat[j]*sumGX)
				} else {
					gradInput.Data[j] = scale * g[j]
				}
			}
		}
	}
	return gradInput, nil
}

func (bn *BatchNorm2D) Parameters() []*Parameter {
	return []*Parameter{bn.gamma, bn.beta, bn.runningMean, bn.runningVar}
}

func (bn *BatchNorm2D) Train()           { bn.training = true }
func (bn *BatchNorm2D) Eval()            { bn.training = false }
func (bn *BatchNorm2D) IsTraining() bool { return bn.training }
