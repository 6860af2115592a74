package tensor

import (
	"math"
	"testing"
)

type fakeAccelerator struct{ available bool }

func (f fakeAccelerator) Name() string    { return "fake" }
func (f fakeAccelerator) Available() bool { return f.available }

func TestDeviceTypeString(t *testing.T) {
	tests := []struct {
		device   DeviceType
		expected string
	}{
		{CPU, "CPU"},
		{GPU, "GPU"},
		{DeviceType(999), "Unknown"},
	}

	for _, test := range tests {
		if result := test.device.String(); result != test.expected {
			t.Errorf("DeviceType.String() = %s, expected %s", result, test.expected)
		}
	}
}

func TestResolveDevice(t *testing.T) {
	defer RegisterAccelerator(nil)

	RegisterAccelerator(nil)
	if got := ResolveDevice(GPU); got != CPU {
		t.Errorf("without accelerator expected CPU, got %s", got)
	}

	RegisterAccelerator(fakeAccelerator{available: false})
	if got := ResolveDevice(GPU); got != CPU {
		t.Errorf("with unavailable accelerator expected CPU, got %s", got)
	}

	RegisterAccelerator(fakeAccelerator{available: true})
	if got := ResolveDevice(GPU); got != GPU {
		t.Errorf("with accelerator expected GPU, got %s", got)
	}
	if got := ResolveDevice(CPU); got != CPU {
		t.Errorf("CPU preference should always resolve to CPU, got %s", got)
	}
}

func TestNewValidatesShape(t *testing.T) {
	if _, err := New([]int{2, 0}, nil); err == nil {
		t.Error("expected error for zero dimension")
	}
	if _, err := New([]int{2, 2}, []float64{1, 2, 3}); err == nil {
		t.Error("expected error for data length mismatch")
	}
	tt, err := New([]int{2, 3}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if tt.Len() != 6 {
		t.Errorf("expected 6 elements, got %d", tt.Len())
	}
}

func TestReshapeSharesData(t *testing.T) {
	tt := Zeros(2, 3)
	r, err := tt.Reshape(3, 2)
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	r.Data[0] = 5
	if tt.Data[0] != 5 {
		t.Error("reshape should share backing data")
	}
	if _, err := tt.Reshape(4, 2); err == nil {
		t.Error("expected error for incompatible reshape")
	}
}

func TestCloneIsDeep(t *testing.T) {
	tt := Full(1, 2, 2)
	c := tt.Clone()
	c.Data[0] = 9
	if tt.Data[0] != 1 {
		t.Error("clone should not share data")
	}
}

func TestMatMul(t *testing.T) {
	a, _ := New([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	b, _ := New([]int{3, 2}, []float64{7, 8, 9, 10, 11, 12})
	c, err := MatMul(a, b)
	if err != nil {
		t.Fatalf("MatMul failed: %v", err)
	}
	expected := []float64{58, 64, 139, 154}
	for i, v := range expected {
		if c.Data[i] != v {
			t.Errorf("c[%d] = %f, expected %f", i, c.Data[i], v)
		}
	}
}

func TestGemmTransposed(t *testing.T) {
	// a stored as (k x m) = 3x2, b stored as (n x k) = 2x3
	a := []float64{1, 4, 2, 5, 3, 6}
	b := []float64{7, 9, 11, 8, 10, 12}
	c := make([]float64, 4)
	Gemm(true, true, 2, 2, 3, 1, a, b, 0, c)
	expected := []float64{58, 64, 139, 154}
	for i, v := range expected {
		if c[i] != v {
			t.Errorf("c[%d] = %f, expected %f", i, c[i], v)
		}
	}
}

func TestSoftmaxRowsSumToOne(t *testing.T) {
	logits, _ := New([]int{2, 3}, []float64{1, 2, 3, 1000, 1000, 1000})
	p, err := Softmax(logits)
	if err != nil {
		t.Fatalf("Softmax failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		sum := 0.0
		for _, v := range p.Row(i) {
			sum += v
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("row %d sums to %f", i, sum)
		}
	}
	if math.Abs(p.Data[3]-1.0/3) > 1e-12 {
		t.Errorf("large equal logits should give uniform distribution, got %f", p.Data[3])
	}
}

func TestArgMaxTieBreak(t *testing.T) {
	if got := ArgMax([]float64{0.2, 0.5, 0.5, 0.1}); got != 1 {
		t.Errorf("ArgMax tie should pick lowest index, got %d", got)
	}
}
