package layers

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/tensor"
)

// MaxPool2D takes the maximum over square windows; padded cells never win
type MaxPool2D struct {
	name                        string
	kernelSize, stride, padding int

	inputShape []int
	argmax     []int
	training   bool
}

// NewMaxPool2D creates a new max-pooling layer
func NewMaxPool2D(name string, kernelSize, stride, padding int) *MaxPool2D {
	return &MaxPool2D{name: name, kernelSize: kernelSize, stride: stride, padding: padding, training: true}
}

func (p *MaxPool2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireRank(input, 4, p.name); err != nil {
		return nil, err
	}
	n, c, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	oh := (h+2*p.padding-p.kernelSize)/p.stride + 1
	ow := (w+2*p.padding-p.kernelSize)/p.stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("%s: input %dx%d too small", p.name, h, w)
	}

	out := tensor.Zeros(n, c, oh, ow)
	out.Device = input.Device
	p.inputShape = append(p.inputShape[:0], input.Shape...)
	p.argmax = make([]int, out.Len())

	for nc := 0; nc < n*c; nc++ {
		inOff := nc * h * w
		outOff := nc * oh * ow
		for y := 0; y < oh; y++ {
			for x := 0; x < ow; x++ {
				best := math.Inf(-1)
				bestIdx := -1
				for ky := 0; ky < p.kernelSize; ky++ {
					iy := y*p.stride - p.padding + ky
					if iy < 0 || iy >= h {
						continue
					}
					for kx := 0; kx < p.kernelSize; kx++ {
						ix := x*p.stride - p.padding + kx
						if ix < 0 || ix >= w {
							continue
						}
						idx := inOff + iy*w + ix
						if bestIdx < 0 || input.Data[idx] > best {
							best = input.Data[idx]
							bestIdx = idx
						}
					}
				}
				out.Data[outOff+y*ow+x] = best
				p.argmax[outOff+y*ow+x] = bestIdx
			}
		}
	}
	return out, nil
}

func (p *MaxPool2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if p.inputShape == nil {
		return nil, errors.Wrap(errNoForward, p.name)
	}
	if gradOutput.Len() != len(p.argmax) {
		return nil, errors.Errorf("%s: gradient has %d elements, expected %d", p.name, gradOutput.Len(), len(p.argmax))
	}
	grad := tensor.Zeros(p.inputShape...)
	grad.Device = gradOutput.Device
	for i, idx := range p.argmax {
		grad.Data[idx] += gradOutput.Data[i]
	}
	return grad, nil
}

func (p *MaxPool2D) Parameters() []*Parameter { return nil }
func (p *MaxPool2D) Train()                   { p.training = true }
func (p *MaxPool2D) Eval()                    { p.training = false }
func (p *MaxPool2D) IsTraining() bool         { return p.training }

// GlobalAvgPool averages every channel plane, mapping [N,C,H,W] to [N,C]
type GlobalAvgPool struct {
	name       string
	inputShape []int
	training   bool
}

// NewGlobalAvgPool creates a new adaptive average pool with output size 1x1
func NewGlobalAvgPool(name string) *GlobalAvgPool {
	return &GlobalAvgPool{name: name, training: true}
}

func (p *GlobalAvgPool) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireRank(input, 4, p.name); err != nil {
		return nil, err
	}
	n, c := input.Shape[0], input.Shape[1]
	plane := input.Shape[2] * input.Shape[3]
	p.inputShape = append(p.inputShape[:0], input.Shape...)

	out := tensor.Zeros(n, c)
	out.Device = input.Device
	for i := 0; i < n*c; i++ {
		sum := 0.0
		for _, v := range input.Data[i*plane : (i+1)*plane] {
			sum += v
		}
		out.Data[i] = sum / float64(plane)
	}
	return out, nil
}

func (p *GlobalAvgPool) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if p.inputShape == nil {
		return nil, errors.Wrap(errNoForward, p.name)
	}
	n, c := p.inputShape[0], p.inputShape[1]
	if !tensor.ShapesEqual(gradOutput.Shape, []int{n, c}) {
		return nil, errors.Errorf("%s: gradient shape %v, expected [%d %d]", p.name, gradOutput.Shape, n, c)
	}
	plane := p.inputShape[2] * p.inputShape[3]
	grad := tensor.Zeros(p.inputShape...)
	grad.Device = gradOutput.Device
	for i := 0; i < n*c; i++ {
		g := gradOutput.Data[i] / float64(plane)
		dst := grad.Data[i*plane : (i+1)*plane]
		for j := range dst {
			dst[j] = g
		}
	}
	return grad, nil
}

func (p *GlobalAvgPool) Parameters() []*Parameter { return nil }
func (p *GlobalAvgPool) Train()                   { p.training = true }
func (p *GlobalAvgPool) Eval()                    { p.training = false }
func (p *GlobalAvgPool) IsTraining() bool         { return p.training }
