package training

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/tsawler/go-emotionnet/tensor"
)

// CrossEntropyLoss implements softmax cross entropy over raw class scores
type CrossEntropyLoss struct {
	reduction string // "mean" or "sum"
}

// NewCrossEntropyLoss creates a new Cross Entropy loss function
func NewCrossEntropyLoss(reduction string) *CrossEntropyLoss {
	if reduction == "" {
		reduction = "mean"
	}
	return &CrossEntropyLoss{reduction: reduction}
}

// Forward computes the loss and its gradient with respect to predicted.
// predicted: [batch_size, num_classes] logits
// target: class indices, one per row
func (ce *CrossEntropyLoss) Forward(predicted *tensor.Tensor, target []int) (float64, *tensor.Tensor, error) {
	if len(predicted.Shape) != 2 {
		return 0, nil, errors.Errorf("predicted must be 2D tensor [batch_size, num_classes], got shape %v", predicted.Shape)
	}
	batchSize, numClasses := predicted.Shape[0], predicted.Shape[1]
	if len(target) != batchSize {
		return 0, nil, errors.Errorf("batch size mismatch: predicted %d, target %d", batchSize, len(target))
	}
	if batchSize == 0 {
		return 0, nil, errors.New("cross entropy of an empty batch")
	}

	// The gradient starts as softmax(predicted) and has 1 removed at the
	// target class
	grad := predicted.Clone()
	var loss float64
	for i := 0; i < batchSize; i++ {
		class := target[i]
		if class < 0 || class >= numClasses {
			return 0, nil, errors.Errorf("target class %d out of range [0, %d)", class, numClasses)
		}
		row := predicted.Row(i)
		loss += logSumExp(row) - row[class]

		g := grad.Row(i)
		tensor.SoftmaxInPlace(g)
		g[class] -= 1
	}

	if ce.reduction == "mean" {
		loss /= float64(batchSize)
		floats.Scale(1/float64(batchSize), grad.Data)
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, nil, errors.Errorf("loss is not finite: %v", loss)
	}
	return loss, grad, nil
}

func logSumExp(v []float64) float64 {
	max := floats.Max(v)
	var s float64
	for _, x := range v {
		s += math.Exp(x - max)
	}
	return max + math.Log(s)
}
