package training

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/tensor"
)

// Accuracy computes precision@k for each requested k, as a percentage of
// the batch whose true label is among the k highest scores. Ties are broken
// by class index, lowest first.
func Accuracy(output *tensor.Tensor, targets []int, topk ...int) ([]float64, error) {
	if len(topk) == 0 {
		topk = []int{1}
	}
	if len(output.Shape) != 2 {
		return nil, errors.Errorf("accuracy expects [batch, classes] scores, got shape %v", output.Shape)
	}
	batch, classes := output.Shape[0], output.Shape[1]
	if len(targets) != batch {
		return nil, errors.Errorf("labels length mismatch: expected %d, got %d", batch, len(targets))
	}
	maxk := 0
	for _, k := range topk {
		if k <= 0 || k > classes {
			return nil, errors.Errorf("k=%d out of range for %d classes", k, classes)
		}
		if k > maxk {
			maxk = k
		}
	}
	if batch == 0 {
		return make([]float64, len(topk)), nil
	}

	// rank[i] is the position of sample i's true label in its sorted scores
	rank := make([]int, batch)
	order := make([]int, classes)
	for i := 0; i < batch; i++ {
		target := targets[i]
		if target < 0 || target >= classes {
			return nil, errors.Errorf("label %d out of range for %d classes", target, classes)
		}
		scores := output.Row(i)
		for j := range order {
			order[j] = j
		}
		sort.SliceStable(order, func(a, b int) bool {
			return scores[order[a]] > scores[order[b]]
		})
		rank[i] = maxk
		for pos := 0; pos < maxk; pos++ {
			if order[pos] == target {
				rank[i] = pos
				break
			}
		}
	}

	res := make([]float64, len(topk))
	for ki, k := range topk {
		correct := 0
		for _, r := range rank {
			if r < k {
				correct++
			}
		}
		res[ki] = float64(correct) * 100.0 / float64(batch)
	}
	return res, nil
}
