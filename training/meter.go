package training

// AverageMeter computes and stores the average and current value of a
// scalar metric such as a batch loss or accuracy
type AverageMeter struct {
	Val   float64
	Sum   float64
	Count float64
	Avg   float64
}

// Reset clears all fields to zero
func (m *AverageMeter) Reset() {
	*m = AverageMeter{}
}

// Update folds one observation with weight n into the running average
func (m *AverageMeter) Update(val float64, n int) {
	m.Val = val
	m.Sum += val * float64(n)
	m.Count += float64(n)
	if m.Count > 0 {
		m.Avg = m.Sum / m.Count
	}
}
