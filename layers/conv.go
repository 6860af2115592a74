package layers

import (
	"math"
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/tensor"
)

// Conv2D is a square-kernel 2D convolution over NCHW input, computed as
// im2col followed by a GEMM per sample.
type Conv2D struct {
	name                        string
	inChannels, outChannels     int
	kernelSize, stride, padding int

	weight *Parameter // [out, in, k, k]
	bias   *Parameter // [out], nil when disabled

	input    *tensor.Tensor
	training bool
}

// NewConv2D creates a convolution initialised with Kaiming-normal weights
// (fan-out, ReLU gain). Biases start at zero.
func NewConv2D(name string, inChannels, outChannels, kernelSize, stride, padding int, useBias bool, rng *rand.Rand) (*Conv2D, error) {
	if inChannels <= 0 || outChannels <= 0 || kernelSize <= 0 || stride <= 0 || padding < 0 {
		return nil, errors.Errorf("invalid conv2d %s: in=%d out=%d k=%d stride=%d pad=%d",
			name, inChannels, outChannels, kernelSize, stride, padding)
	}
	fanOut := float64(outChannels * kernelSize * kernelSize)
	w := tensor.RandomNormal(rng, 0, math.Sqrt(2/fanOut), outChannels, inChannels, kernelSize, kernelSize)

	c := &Conv2D{
		name:        name,
		inChannels:  inChannels,
		outChannels: outChannels,
		kernelSize:  kernelSize,
		stride:      stride,
		padding:     padding,
		weight:      newParameter(name+".weight", w),
		training:    true,
	}
	if useBias {
		c.bias = newParameter(name+".bias", tensor.Zeros(outChannels))
	}
	return c, nil
}

// OutputSize returns the spatial output size for an input of h x w
func (c *Conv2D) OutputSize(h, w int) (int, int) {
	oh := (h+2*c.padding-c.kernelSize)/c.stride + 1
	ow := (w+2*c.padding-c.kernelSize)/c.stride + 1
	return oh, ow
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if err := requireRank(input, 4, c.name); err != nil {
		return nil, err
	}
	n, ch, h, w := input.Shape[0], input.Shape[1], input.Shape[2], input.Shape[3]
	if ch != c.inChannels {
		return nil, errors.Errorf("%s: expected %d input channels, got %d", c.name, c.inChannels, ch)
	}
	oh, ow := c.OutputSize(h, w)
	if oh <= 0 || ow <= 0 {
		return nil, errors.Errorf("%s: input %dx%d too small for kernel %d", c.name, h, w, c.kernelSize)
	}

	c.input = input
	out := tensor.Zeros(n, c.outChannels, oh, ow)
	out.Device = input.Device

	rows := ch * c.kernelSize * c.kernelSize
	spatial := oh * ow
	col := make([]float64, rows*spatial)
	inStride := ch * h * w
	outStride := c.outChannels * spatial

	for i := 0; i < n; i++ {
		c.im2col(input.Data[i*inStride:(i+1)*inStride], h, w, oh, ow, col)
		dst := out.Data[i*outStride : (i+1)*outStride]
		tensor.Gemm(false, false, c.outChannels, spatial, rows, 1, c.weight.Value.Data, col, 0, dst)
		if c.bias != nil {
			for o := 0; o < c.outChannels; o++ {
				b := c.bias.Value.Data[o]
				plane := dst[o*spatial : (o+1)*spatial]
				for j := range plane {
					plane[j] += b
				}
			}
		}
	}
	return out, nil
}

func (c *Conv2D) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	if c.input == nil {
		return nil, errors.Wrap(errNoForward, c.name)
	}
	n, ch, h, w := c.input.Shape[0], c.input.Shape[1], c.input.Shape[2], c.input.Shape[3]
	oh, ow := c.OutputSize(h, w)
	if !tensor.ShapesEqual(gradOutput.Shape, []int{n, c.outChannels, oh, ow}) {
		return nil, errors.Errorf("%s: gradient shape %v does not match output", c.name, gradOutput.Shape)
	}

	gradInput := tensor.Zeros(c.input.Shape...)
	gradInput.Device = c.input.Device

	rows := ch * c.kernelSize * c.kernelSize
	spatial := oh * ow
	col := make([]float64, rows*spatial)
	dcol := make([]float64, rows*spatial)
	inStride := ch * h * w
	outStride := c.outChannels * spatial

	for i := 0; i < n; i++ {
		g := gradOutput.Data[i*outStride : (i+1)*outStride]
		c.im2col(c.input.Data[i*inStride:(i+1)*inStride], h, w, oh, ow, col)

		// dW += g . col^T
		tensor.Gemm(false, true, c.outChannels, rows, spatial, 1, g, col, 1, c.weight.Grad.Data)
		// dcol = W^T . g
		tensor.Gemm(true, false, rows, spatial, c.outChannels, 1, c.weight.Value.Data, g, 0, dcol)
		c.col2im(dcol, h, w, oh, ow, gradInput.Data[i*inStride:(i+1)*inStride])

		if c.bias != nil {
			for o := 0; o < c.outChannels; o++ {
				sum := 0.0
				for _, v := range g[o*spatial : (o+1)*spatial] {
					sum += v
				}
				c.bias.Grad.Data[o] += sum
			}
		}
	}
	return gradInput, nil
}

func (c *Conv2D) im2col(src []float64, h, w, oh, ow int, col []float64) {
	k := c.kernelSize
	spatial := oh * ow
	for ch := 0; ch < c.inChannels; ch++ {
		plane := src[ch*h*w : (ch+1)*h*w]
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := col[((ch*k+kh)*k+kw)*spatial:]
				for y := 0; y < oh; y++ {
					iy := y*c.stride - c.padding + kh
					for x := 0; x < ow; x++ {
						ix := x*c.stride - c.padding + kw
						if iy < 0 || iy >= h || ix < 0 || ix >= w {
							row[y*ow+x] = 0
						} else {
							row[y*ow+x] = plane[iy*w+ix]
						}
					}
				}
			}
		}
	}
}

func (c *Conv2D) col2im(col []float64, h, w, oh, ow int, dst []float64) {
	k := c.kernelSize
	spatial := oh * ow
	for ch := 0; ch < c.inChannels; ch++ {
		plane := dst[ch*h*w : (ch+1)*h*w]
		for kh := 0; kh < k; kh++ {
			for kw := 0; kw < k; kw++ {
				row := col[((ch*k+kh)*k+kw)*spatial:]
				for y := 0; y < oh; y++ {
					iy := y*c.stride - c.padding + kh
					if iy < 0 || iy >= h {
						continue
					}
					for x := 0; x < ow; x++ {
						ix := x*c.stride - c.padding + kw
						if ix < 0 || ix >= w {
							continue
						}
						plane[iy*w+ix] += row[y*ow+x]
					}
				}
			}
		}
	}
}

func (c *Conv2D) Parameters() []*Parameter {
	if c.bias != nil {
		return []*Parameter{c.weight, c.bias}
	}
	return []*Parameter{c.weight}
}

func (c *Conv2D) Train()           { c.training = true }
func (c *Conv2D) Eval()            { c.training = false }
func (c *Conv2D) IsTraining() bool { return c.training }
