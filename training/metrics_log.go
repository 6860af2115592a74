package training

import (
	"encoding/csv"
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// MetricsHeader is the first line of every metrics log
var MetricsHeader = []string{"epoch", "train_loss", "train_acc", "valid_loss", "valid_acc"}

// MetricsLog appends one CSV row per epoch, flushing after each row
type MetricsLog struct {
	w           *csv.Writer
	wroteHeader bool
	rowsWritten int
}

// NewMetricsLog wraps w. The header is written with the first row.
func NewMetricsLog(w io.Writer) *MetricsLog {
	return &MetricsLog{w: csv.NewWriter(w)}
}

// Write appends the epoch's metrics
func (l *MetricsLog) Write(m EpochMetrics) error {
	if !l.wroteHeader {
		if err := l.w.Write(MetricsHeader); err != nil {
			return errors.Wrap(err, "writing metrics header")
		}
		l.wroteHeader = true
	}
	row := []string{
		strconv.Itoa(m.Epoch),
		formatMetric(m.TrainLoss),
		formatMetric(m.TrainAccuracy),
		formatMetric(m.ValidLoss),
		formatMetric(m.ValidAccuracy),
	}
	if err := l.w.Write(row); err != nil {
		return errors.Wrapf(err, "writing metrics for epoch %d", m.Epoch)
	}
	l.w.Flush()
	if err := l.w.Error(); err != nil {
		return errors.Wrap(err, "flushing metrics")
	}
	l.rowsWritten++
	return nil
}

// Rows returns the number of data rows written
func (l *MetricsLog) Rows() int {
	return l.rowsWritten
}

func formatMetric(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
