package tensor

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas64"
	"gonum.org/v1/gonum/floats"
)

// Gemm computes c = alpha*op(a)*op(b) + beta*c over row-major slices.
// a is stored as (m x k), or (k x m) when transA is set; b likewise.
func Gemm(transA, transB bool, m, n, k int, alpha float64, a, b []float64, beta float64, c []float64) {
	ta, tb := blas.NoTrans, blas.NoTrans
	ar, ac := m, k
	if transA {
		ta = blas.Trans
		ar, ac = k, m
	}
	br, bc := k, n
	if transB {
		tb = blas.Trans
		br, bc = n, k
	}
	blas64.Gemm(ta, tb, alpha,
		blas64.General{Rows: ar, Cols: ac, Stride: ac, Data: a[:ar*ac]},
		blas64.General{Rows: br, Cols: bc, Stride: bc, Data: b[:br*bc]},
		beta,
		blas64.General{Rows: m, Cols: n, Stride: n, Data: c[:m*n]},
	)
}

// MatMul multiplies two 2D tensors
func MatMul(a, b *Tensor) (*Tensor, error) {
	if len(a.Shape) != 2 || len(b.Shape) != 2 {
		return nil, errors.Errorf("matmul requires 2D tensors, got %v and %v", a.Shape, b.Shape)
	}
	if a.Shape[1] != b.Shape[0] {
		return nil, errors.Errorf("matmul shape mismatch: %v x %v", a.Shape, b.Shape)
	}
	m, k, n := a.Shape[0], a.Shape[1], b.Shape[1]
	out := Zeros(m, n)
	out.Device = a.Device
	Gemm(false, false, m, n, k, 1, a.Data, b.Data, 0, out.Data)
	return out, nil
}

// Softmax applies a numerically stable softmax to every row of a 2D tensor
func Softmax(logits *Tensor) (*Tensor, error) {
	if len(logits.Shape) != 2 {
		return nil, errors.Errorf("softmax requires a 2D tensor, got %v", logits.Shape)
	}
	out := logits.Clone()
	for i := 0; i < out.Shape[0]; i++ {
		SoftmaxInPlace(out.Row(i))
	}
	return out, nil
}

// SoftmaxInPlace replaces v with softmax(v)
func SoftmaxInPlace(v []float64) {
	max := floats.Max(v)
	for j := range v {
		v[j] = math.Exp(v[j] - max)
	}
	floats.Scale(1/floats.Sum(v), v)
}

// ArgMax returns the index of the largest element, the lowest index on ties
func ArgMax(v []float64) int {
	return floats.MaxIdx(v)
}
