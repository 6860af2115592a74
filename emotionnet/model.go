// Package emotionnet wraps the residual-network emotion classifier with its
// best-accuracy watermark and checkpoint persistence.
package emotionnet

import (
	"fmt"
	"io"
	"log"
	"math/rand"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/checkpoints"
	"github.com/tsawler/go-emotionnet/layers"
	"github.com/tsawler/go-emotionnet/tensor"
)

// Classes are the emotion labels in class-index order. Dataset directories
// are named after them, so the alphabetical order of the folders matches.
var Classes = []string{"afraid", "angry", "disgusted", "happy", "neutral", "sad", "surprised"}

// Config describes the network and where it runs
type Config struct {
	Layers     []int // blocks per stage
	BaseWidth  int
	InChannels int
	NumClasses int // len(Classes) for the emotion head; smaller only in tests
	Device     tensor.DeviceType
	Format     checkpoints.CheckpointFormat
	Seed       int64 // weight initialization
}

// DefaultConfig returns a ResNet-34 layout with the 7-way emotion head
func DefaultConfig() Config {
	return Config{
		Layers:     []int{3, 4, 6, 3},
		BaseWidth:  64,
		InChannels: 3,
		NumClasses: len(Classes),
		Device:     tensor.CPU,
		Format:     checkpoints.FormatProto,
		Seed:       1,
	}
}

// Model is the Model Wrapper: a ResNet classifier, the best validation
// accuracy seen so far and the epoch of the last training step.
type Model struct {
	net          *layers.ResNet
	config       Config
	saver        *checkpoints.CheckpointSaver
	logger       *log.Logger
	bestAccuracy float64
	epoch        int
}

// New builds a freshly initialized model on config.Device. The watermark
// starts at zero.
func New(config Config, logger *log.Logger) (*Model, error) {
	if config.NumClasses == 0 {
		config.NumClasses = len(Classes)
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	net, err := layers.NewResNet(layers.ResNetConfig{
		Layers:     config.Layers,
		NumClasses: config.NumClasses,
		BaseWidth:  config.BaseWidth,
		InChannels: config.InChannels,
	}, rand.New(rand.NewSource(config.Seed)))
	if err != nil {
		return nil, errors.Wrap(err, "building network")
	}
	m := &Model{
		net:    net,
		config: config,
		saver:  checkpoints.NewCheckpointSaver(config.Format),
		logger: logger,
	}
	m.placeParameters()
	logger.Printf("model ready: %d-way head, %d trainable parameters on %s",
		config.NumClasses, layers.ParameterCount(net.Parameters()), config.Device)
	return m, nil
}

// placeParameters stamps every parameter with the model's compute target
func (m *Model) placeParameters() {
	for _, p := range m.net.Parameters() {
		p.Value.Device = m.config.Device
		if p.Grad != nil {
			p.Grad.Device = m.config.Device
		}
	}
}

// Config returns the model configuration
func (m *Model) Config() Config { return m.config }

// Device returns the compute target the parameters live on
func (m *Model) Device() tensor.DeviceType { return m.config.Device }

// Forward moves input to the model's device and returns raw class scores
func (m *Model) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return m.net.Forward(input.To(m.config.Device))
}

func (m *Model) Backward(gradOutput *tensor.Tensor) (*tensor.Tensor, error) {
	return m.net.Backward(gradOutput.To(m.config.Device))
}

func (m *Model) Parameters() []*layers.Parameter { return m.net.Parameters() }
func (m *Model) Train()                          { m.net.Train() }
func (m *Model) Eval()                           { m.net.Eval() }
func (m *Model) IsTraining() bool                { return m.net.IsTraining() }

// Predict runs one inference pass and returns per-class probabilities
func (m *Model) Predict(input *tensor.Tensor) (*tensor.Tensor, error) {
	m.Eval()
	scores, err := m.Forward(input)
	if err != nil {
		return nil, err
	}
	return tensor.Softmax(scores)
}

// BestAccuracy returns the best validation accuracy recorded so far
func (m *Model) BestAccuracy() float64 { return m.bestAccuracy }

// UpdateBest raises the watermark if accuracy strictly exceeds it and
// reports whether it did
func (m *Model) UpdateBest(accuracy float64) bool {
	if accuracy > m.bestAccuracy {
		m.bestAccuracy = accuracy
		return true
	}
	return false
}

// Epoch returns the epoch stored with the next checkpoint
func (m *Model) Epoch() int { return m.epoch }

func (m *Model) SetEpoch(epoch int) { m.epoch = epoch }

// CheckpointPath appends the checkpoint format's extension to prefix unless
// it is already there
func (m *Model) CheckpointPath(prefix string) string {
	ext := m.config.Format.Extension()
	if strings.HasSuffix(prefix, ext) {
		return prefix
	}
	return prefix + ext
}

func (m *Model) architecture() checkpoints.Architecture {
	return checkpoints.Architecture{
		Layers:     append([]int(nil), m.config.Layers...),
		BaseWidth:  m.config.BaseWidth,
		NumClasses: m.config.NumClasses,
		InChannels: m.config.InChannels,
	}
}

// Save writes every parameter and buffer to path. If isBest, the file is
// also copied to the best- location next to it.
func (m *Model) Save(isBest bool, path string) error {
	params := m.net.Parameters()
	ckpt := &checkpoints.Checkpoint{
		Architecture:  m.architecture(),
		Weights:       make([]checkpoints.WeightTensor, 0, len(params)),
		TrainingState: checkpoints.TrainingState{Epoch: m.epoch, BestAccuracy: m.bestAccuracy},
	}
	if m.config.NumClasses == len(Classes) {
		ckpt.Metadata.Classes = Classes
	}
	for _, p := range params {
		ckpt.Weights = append(ckpt.Weights, checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: p.Value.Shape,
			Data:  p.Value.Data,
		})
	}
	if err := m.saver.Save(ckpt, path, isBest); err != nil {
		return err
	}
	if isBest {
		m.logger.Printf("saved checkpoint %s (best %.3f, also %s)", path, m.bestAccuracy, checkpoints.BestPath(path))
	} else {
		m.logger.Printf("saved checkpoint %s", path)
	}
	return nil
}

// Load restores parameters, buffers, epoch and watermark from path. A
// missing, corrupt or architecture-incompatible file yields a
// *checkpoints.DeserializationError and leaves the model untouched.
func (m *Model) Load(path string) error {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return err
	}
	if !ckpt.Architecture.Equal(m.architecture()) {
		return &checkpoints.DeserializationError{Path: path, Err: errors.Errorf(
			"checkpoint architecture (%s) does not match model (%s)", ckpt.Architecture, m.architecture())}
	}
	if err := m.apply(path, ckpt, func(string) bool { return true }); err != nil {
		return err
	}
	m.epoch = ckpt.TrainingState.Epoch
	m.bestAccuracy = ckpt.TrainingState.BestAccuracy
	m.logger.Printf("loaded checkpoint %s (epoch %d, best %.3f)", path, m.epoch, m.bestAccuracy)
	return nil
}

// LoadBackbone restores every tensor except the classification head, which
// keeps its fresh initialization. The checkpoint may come from a network
// with a different number of classes.
func (m *Model) LoadBackbone(path string) error {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return err
	}
	backbone := func(name string) bool { return !strings.HasPrefix(name, layers.HeadPrefix) }
	if err := m.apply(path, ckpt, backbone); err != nil {
		return err
	}
	m.logger.Printf("loaded backbone from %s", path)
	return nil
}

// apply copies the selected checkpoint tensors into the model. Every
// selected parameter must be present with the same shape; nothing is
// written unless all of them match.
func (m *Model) apply(path string, ckpt *checkpoints.Checkpoint, selected func(name string) bool) error {
	byName := make(map[string]checkpoints.WeightTensor, len(ckpt.Weights))
	for _, w := range ckpt.Weights {
		if selected(w.Name) {
			byName[w.Name] = w
		}
	}

	params := m.net.Parameters()
	matched := 0
	for _, p := range params {
		if !selected(p.Name) {
			continue
		}
		w, ok := byName[p.Name]
		if !ok {
			return &checkpoints.DeserializationError{Path: path, Err: errors.Errorf("missing tensor %s", p.Name)}
		}
		if !tensor.ShapesEqual(w.Shape, p.Value.Shape) {
			return &checkpoints.DeserializationError{Path: path, Err: errors.Errorf(
				"tensor %s has shape %v, model expects %v", p.Name, w.Shape, p.Value.Shape)}
		}
		matched++
	}
	if matched != len(byName) {
		var extra []string
		for name := range byName {
			found := false
			for _, p := range params {
				if p.Name == name {
					found = true
					break
				}
			}
			if !found {
				extra = append(extra, name)
			}
		}
		return &checkpoints.DeserializationError{Path: path, Err: errors.Errorf("unexpected tensors %v", extra)}
	}

	for _, p := range params {
		if w, ok := byName[p.Name]; ok {
			copy(p.Value.Data, w.Data)
		}
	}
	m.placeParameters()
	return nil
}

// Summary describes the network, its device and the watermark
func (m *Model) Summary() string {
	return fmt.Sprintf("%sDevice: %s\nBest accuracy: %.3f\n", m.net.Summary(), m.config.Device, m.bestAccuracy)
}
