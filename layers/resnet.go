package layers

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/tensor"
)

// BasicBlock is the two-convolution residual block of ResNet-18/34
type BasicBlock struct {
	name       string
	conv1      *Conv2D
	bn1        *BatchNorm2D
	relu1      *ReLU
	conv2      *Conv2D
	bn2        *BatchNorm2D
	downsample *Sequential // nil when the identity shortcut fits
	reluOut    *ReLU
	training   bool
}

// NewBasicBlock creates a residual block. A 1x1 projection shortcut is added
// when the stride or channel count changes.
func NewBasicBlock(name string, inChannels, outChannels, stride int, rng *rand.Rand) (*BasicBlock, error) {
	conv1, err := NewConv2D(name+".conv1", inChannels, outChannels, 3, stride, 1, false, rng)
	if err != nil {
		return nil, err
	}
	bn1, err := NewBatchNorm2D(name+".bn1", outChannels, 0, 0)
	if err != nil {
		return nil, err
	}
	conv2, err := NewConv2D(name+".conv2", outChannels, outChannels, 3, 1, 1, false, rng)
	if err != nil {
		return nil, err
	}
	bn2, err := NewBatchNorm2D(name+".bn2", outChannels, 0, 0)
	if err != nil {
		return nil, err
	}

	b := &BasicBlock{
		name:     name,
		conv1:    conv1,
		bn1:      bn1,
		relu1:    NewReLU(name + ".relu"),
		conv2:    conv2,
		bn2:      bn2,
		reluOut:  NewReLU(name + ".relu_out"),
		training: true,
	}

	if stride != 1 || inChannels != outChannels {
		dsConv, err := NewConv2D(name+".downsample.0", inChannels, outChannels, 1, stride, 0, false, rng)
		if err != nil {
			return nil, err
		}
		dsBN, err := NewBatchNorm2D(name+".downsample.1", outChannels, 0, 0)
		if err != nil {
			return nil, err
		}
		b.downsample = NewSequential(dsConv, dsBN)
	}
	return b, nil
}

func (b *BasicBlock) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := NewSequential(b.conv1, b.bn1, b.relu1, b.conv2, b.bn2).Forward(input)
	if err != nil {
		return nil, errors.Wrap(err, b.name)
	}

	identity := input
	if b.downsample != nil {
		identity, err = b.downsample.Forward(input)
		if err != nil {
			return nil, errors.Wrapf(err, "%s shortcut", b.name)
		}
	}
	if !out.SameShape(identity) {
		return nil, errors.Errorf("%s: residual shape %v does not match shortcut %v", b.name, out.Shape, identity.Shape)
	}

	// out is freshly allocated by bn2, so it can be summed into in place
	for i, v := range identity.Data {
		out.Data[i] += v
	}
	return b.reluOut.Forward(out)
}

func (b *BasicBlock) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	grad, err := b.reluOut.Backward(gradOutput)
	if err != nil {
		return nil, err
	}

	gradMain, err := NewSequential(b.conv1, b.bn1, b.relu1, b.conv2, b.bn2).Backward(grad)
	if err != nil {
		return nil, errors.Wrap(err, b.name)
	}

	gradShortcut := grad
	if b.downsample != nil {
		gradShortcut, err = b.downsample.Backward(grad)
		if err != nil {
			return nil, errors.Wrapf(err, "%s shortcut", b.name)
		}
	}
	for i, v := range gradShortcut.Data {
		gradMain.Data[i] += v
	}
	return gradMain, nil
}

func (b *BasicBlock) Parameters() []*Parameter {
	params := NewSequential(b.conv1, b.bn1, b.conv2, b.bn2).Parameters()
	if b.downsample != nil {
		params = append(params, b.downsample.Parameters()...)
	}
	return params
}

func (b *BasicBlock) modules() []Module {
	ms := []Module{b.conv1, b.bn1, b.relu1, b.conv2, b.bn2, b.reluOut}
	if b.downsample != nil {
		ms = append(ms, b.downsample)
	}
	return ms
}

func (b *BasicBlock) Train() {
	b.training = true
	for _, m := range b.modules() {
		m.Train()
	}
}

func (b *BasicBlock) Eval() {
	b.training = false
	for _, m := range b.modules() {
		m.Eval()
	}
}

func (b *BasicBlock) IsTraining() bool { return b.training }

// ResNetConfig describes a BasicBlock residual network
type ResNetConfig struct {
	Layers     []int // blocks per stage, e.g. [3 4 6 3] for ResNet-34
	NumClasses int
	BaseWidth  int // channels of the stem and first stage, 64 in the reference network
	InChannels int
}

// Validate checks the configuration
func (c ResNetConfig) Validate() error {
	if len(c.Layers) != 4 {
		return errors.Errorf("resnet needs 4 stages, got %d", len(c.Layers))
	}
	for i, n := range c.Layers {
		if n <= 0 {
			return errors.Errorf("stage %d has %d blocks, must be positive", i+1, n)
		}
	}
	if c.NumClasses <= 0 {
		return errors.Errorf("invalid class count %d", c.NumClasses)
	}
	if c.BaseWidth <= 0 {
		return errors.Errorf("invalid base width %d", c.BaseWidth)
	}
	if c.InChannels <= 0 {
		return errors.Errorf("invalid input channels %d", c.InChannels)
	}
	return nil
}

// ResNet is a residual network backbone with a linear classification head
// named "fc"
type ResNet struct {
	config   ResNetConfig
	stem     *Sequential
	stages   []*Sequential
	pool     *GlobalAvgPool
	fc       *Linear
	training bool
}

// HeadPrefix is the parameter-name prefix of the classification head
const HeadPrefix = "fc."

// NewResNet builds the network described by config
func NewResNet(config ResNetConfig, rng *rand.Rand) (*ResNet, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	conv1, err := NewConv2D("conv1", config.InChannels, config.BaseWidth, 7, 2, 3, false, rng)
	if err != nil {
		return nil, err
	}
	bn1, err := NewBatchNorm2D("bn1", config.BaseWidth, 0, 0)
	if err != nil {
		return nil, err
	}

	net := &ResNet{
		config:   config,
		stem:     NewSequential(conv1, bn1, NewReLU("relu"), NewMaxPool2D("maxpool", 3, 2, 1)),
		pool:     NewGlobalAvgPool("avgpool"),
		training: true,
	}

	inChannels := config.BaseWidth
	for s, blocks := range config.Layers {
		width := config.BaseWidth << uint(s)
		stride := 2
		if s == 0 {
			stride = 1
		}
		stage := NewSequential()
		for i := 0; i < blocks; i++ {
			blockStride := 1
			if i == 0 {
				blockStride = stride
			}
			block, err := NewBasicBlock(fmt.Sprintf("layer%d.%d", s+1, i), inChannels, width, blockStride, rng)
			if err != nil {
				return nil, err
			}
			stage.Add(block)
			inChannels = width
		}
		net.stages = append(net.stages, stage)
	}

	net.fc, err = NewLinear("fc", inChannels, config.NumClasses, rng)
	if err != nil {
		return nil, err
	}
	return net, nil
}

// Config returns the architecture configuration
func (r *ResNet) Config() ResNetConfig {
	return r.config
}

func (r *ResNet) modules() []Module {
	ms := []Module{r.stem}
	for _, s := range r.stages {
		ms = append(ms, s)
	}
	return append(ms, r.pool, r.fc)
}

// Forward maps an [N, C, H, W] batch to [N, NumClasses] raw scores
func (r *ResNet) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return NewSequential(r.modules()...).Forward(input)
}

func (r *ResNet) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	return NewSequential(r.modules()...).Backward(gradOutput)
}

func (r *ResNet) Parameters() []*Parameter {
	return NewSequential(r.modules()...).Parameters()
}

func (r *ResNet) Train() {
	r.training = true
	for _, m := range r.modules() {
		m.Train()
	}
}

func (r *ResNet) Eval() {
	r.training = false
	for _, m := range r.modules() {
		m.Eval()
	}
}

func (r *ResNet) IsTraining() bool { return r.training }

// Summary renders the stage layout and parameter counts
func (r *ResNet) Summary() string {
	var sb strings.Builder
	sb.WriteString("ResNet(\n")
	fmt.Fprintf(&sb, "  (stem): Conv2d(%d, %d, kernel_size=(7, 7), stride=(2, 2), padding=(3, 3)) -> BatchNorm2d -> ReLU -> MaxPool2d(3, 2, 1)\n",
		r.config.InChannels, r.config.BaseWidth)
	for s, stage := range r.stages {
		width := r.config.BaseWidth << uint(s)
		fmt.Fprintf(&sb, "  (layer%d): %d x BasicBlock(%d)\n", s+1, stage.Len(), width)
	}
	fmt.Fprintf(&sb, "  (avgpool): AdaptiveAvgPool2d(output_size=(1, 1))\n")
	fmt.Fprintf(&sb, "  (fc): Linear(in_features=%d, out_features=%d)\n", r.fc.inFeatures, r.fc.outFeatures)
	sb.WriteString(")\n")
	fmt.Fprintf(&sb, "Trainable parameters: %d\n", ParameterCount(r.Parameters()))
	return sb.String()
}
