package tensor

import (
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
)

// DeviceType identifies the compute target a tensor lives on
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Accelerator is an optional accelerated backend. When one is registered,
// ResolveDevice may select GPU.
type Accelerator interface {
	Name() string
	Available() bool
}

var (
	acceleratorMu sync.RWMutex
	accelerator   Accelerator
)

// RegisterAccelerator installs an accelerated backend. Passing nil removes it.
func RegisterAccelerator(a Accelerator) {
	acceleratorMu.Lock()
	defer acceleratorMu.Unlock()
	accelerator = a
}

// ResolveDevice picks the compute target for a run. It is meant to be called
// once at startup and the result threaded through the rest of the program.
func ResolveDevice(preferred DeviceType) DeviceType {
	if preferred != GPU {
		return CPU
	}
	acceleratorMu.RLock()
	defer acceleratorMu.RUnlock()
	if accelerator != nil && accelerator.Available() {
		return GPU
	}
	return CPU
}

// Tensor is a dense, row-major float64 tensor. Image batches use NCHW layout.
type Tensor struct {
	Shape  []int
	Data   []float64
	Device DeviceType
}

// New creates a tensor over the given data. A nil data slice allocates zeros.
func New(shape []int, data []float64) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := NumElements(shape)
	if data == nil {
		data = make([]float64, n)
	}
	if len(data) != n {
		return nil, errors.Errorf("data length %d does not match tensor size %d", len(data), n)
	}
	return &Tensor{
		Shape: append([]int(nil), shape...),
		Data:  data,
	}, nil
}

// Zeros allocates a zero tensor. It panics on a non-positive dimension, which
// is always a programming error in layer construction.
func Zeros(shape ...int) *Tensor {
	t, err := New(shape, nil)
	if err != nil {
		panic(err)
	}
	return t
}

// Full allocates a tensor with every element set to value
func Full(value float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = value
	}
	return t
}

// RandomNormal fills a tensor from N(mean, std^2) using rng
func RandomNormal(rng *rand.Rand, mean, std float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = mean + std*rng.NormFloat64()
	}
	return t
}

// RandomUniform fills a tensor from U(low, high) using rng
func RandomUniform(rng *rand.Rand, low, high float64, shape ...int) *Tensor {
	t := Zeros(shape...)
	for i := range t.Data {
		t.Data[i] = low + (high-low)*rng.Float64()
	}
	return t
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)", t.Shape, t.Device, len(t.Data))
}

// Len returns the number of elements
func (t *Tensor) Len() int {
	return len(t.Data)
}

// Dim returns the size of dimension i
func (t *Tensor) Dim(i int) int {
	return t.Shape[i]
}

// Clone returns a deep copy
func (t *Tensor) Clone() *Tensor {
	return &Tensor{
		Shape:  append([]int(nil), t.Shape...),
		Data:   append([]float64(nil), t.Data...),
		Device: t.Device,
	}
}

// To returns the tensor on the requested device. Host memory is shared by
// every backend this build knows about, so only the tag changes.
func (t *Tensor) To(device DeviceType) *Tensor {
	if t.Device == device {
		return t
	}
	out := *t
	out.Device = device
	return &out
}

// Reshape returns a view with a new shape over the same data
func (t *Tensor) Reshape(shape ...int) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	if NumElements(shape) != len(t.Data) {
		return nil, errors.Errorf("cannot reshape %v (%d elements) to %v", t.Shape, len(t.Data), shape)
	}
	return &Tensor{Shape: append([]int(nil), shape...), Data: t.Data, Device: t.Device}, nil
}

// SameShape reports whether two tensors have identical shapes
func (t *Tensor) SameShape(other *Tensor) bool {
	return ShapesEqual(t.Shape, other.Shape)
}

// Fill sets every element to value
func (t *Tensor) Fill(value float64) {
	for i := range t.Data {
		t.Data[i] = value
	}
}

// Row returns the i-th row of a 2D tensor as a slice of the backing data
func (t *Tensor) Row(i int) []float64 {
	cols := t.Shape[len(t.Shape)-1]
	return t.Data[i*cols : (i+1)*cols]
}

// HasNaN reports whether any element is NaN or infinite
func (t *Tensor) HasNaN() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return true
		}
	}
	return false
}

// ShapesEqual compares two shapes element-wise
func ShapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// NumElements returns the product of the dimensions
func NumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}
