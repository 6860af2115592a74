package training

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/tensor"
)

// MetricType represents derived classification metrics
type MetricType int

const (
	// MacroPrecision averages per-class precision over predicted classes
	MacroPrecision MetricType = iota
	// MacroRecall averages per-class recall over classes with samples
	MacroRecall
	// MacroF1 is the harmonic mean of MacroPrecision and MacroRecall
	MacroF1
	// TopOneAccuracy is the fraction of samples on the diagonal
	TopOneAccuracy
)

func (mt MetricType) String() string {
	switch mt {
	case MacroPrecision:
		return "MacroPrecision"
	case MacroRecall:
		return "MacroRecall"
	case MacroF1:
		return "MacroF1"
	case TopOneAccuracy:
		return "TopOneAccuracy"
	default:
		return fmt.Sprintf("Unknown(%d)", int(mt))
	}
}

// ConfusionMatrix accumulates a class x class count table. Rows are true
// classes, columns are predicted classes, and the class list fixes the
// index mapping.
type ConfusionMatrix struct {
	Classes      []string
	Matrix       [][]int // [true_class][predicted_class]
	TotalSamples int
}

// NewConfusionMatrix creates an empty confusion matrix over classes
func NewConfusionMatrix(classes []string) *ConfusionMatrix {
	matrix := make([][]int, len(classes))
	for i := range matrix {
		matrix[i] = make([]int, len(classes))
	}
	return &ConfusionMatrix{
		Classes: append([]string(nil), classes...),
		Matrix:  matrix,
	}
}

// padClasses extends classes with placeholder names up to width. Score
// columns past the labelled classes are outputs no sample is labelled with.
func padClasses(classes []string, width int) []string {
	if width <= len(classes) {
		return classes
	}
	out := append(make([]string, 0, width), classes...)
	for i := len(classes); i < width; i++ {
		out = append(out, fmt.Sprintf("class%d", i))
	}
	return out
}

// NumClasses returns the matrix dimension
func (cm *ConfusionMatrix) NumClasses() int {
	return len(cm.Classes)
}

// Reset clears the confusion matrix
func (cm *ConfusionMatrix) Reset() {
	for i := range cm.Matrix {
		for j := range cm.Matrix[i] {
			cm.Matrix[i][j] = 0
		}
	}
	cm.TotalSamples = 0
}

// Add takes the argmax of every row of output and counts it against the
// matching true label
func (cm *ConfusionMatrix) Add(output *tensor.Tensor, trueLabels []int) error {
	if len(output.Shape) != 2 || output.Shape[1] != cm.NumClasses() {
		return errors.Errorf("expected [batch, %d] scores, got shape %v", cm.NumClasses(), output.Shape)
	}
	if len(trueLabels) != output.Shape[0] {
		return errors.Errorf("labels length mismatch: expected %d, got %d", output.Shape[0], len(trueLabels))
	}
	for _, trueClass := range trueLabels {
		if trueClass < 0 || trueClass >= cm.NumClasses() {
			return errors.Errorf("label %d out of range for %d classes", trueClass, cm.NumClasses())
		}
	}
	for i, trueClass := range trueLabels {
		cm.Matrix[trueClass][tensor.ArgMax(output.Row(i))]++
		cm.TotalSamples++
	}
	return nil
}

// Normalized divides every row by its sum. A class with no samples yields
// a row of NaN.
func (cm *ConfusionMatrix) Normalized() [][]float64 {
	out := make([][]float64, len(cm.Matrix))
	for i, row := range cm.Matrix {
		out[i] = make([]float64, len(row))
		sum := 0
		for _, c := range row {
			sum += c
		}
		for j, c := range row {
			if sum == 0 {
				out[i][j] = math.NaN()
				continue
			}
			out[i][j] = float64(c) / float64(sum)
		}
	}
	return out
}

// Render writes the row-normalized matrix as a plain table
func (cm *ConfusionMatrix) Render(w io.Writer) error {
	width := 6
	for _, c := range cm.Classes {
		if len(c) > width {
			width = len(c)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%*s", width, "")
	for _, c := range cm.Classes {
		fmt.Fprintf(&sb, " %*s", width, c)
	}
	sb.WriteString("\n")
	for i, row := range cm.Normalized() {
		fmt.Fprintf(&sb, "%-*s", width, cm.Classes[i])
		for _, v := range row {
			fmt.Fprintf(&sb, " %*.3f", width, v)
		}
		sb.WriteString("\n")
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// RenderLaTeX writes the row-normalized matrix as a LaTeX tabular of
// percentages followed by an average line
func (cm *ConfusionMatrix) RenderLaTeX(w io.Writer, average float64) error {
	var sb strings.Builder
	sb.WriteString(`\begin{tabular}{` + strings.Repeat("l", cm.NumClasses()+1) + "}\n")
	sb.WriteString("\\hline\n")
	sb.WriteString("\t & " + strings.Join(cm.Classes, " & ") + ` \\` + "\n")
	sb.WriteString("\\hline\n")
	for i, row := range cm.Normalized() {
		cells := make([]string, len(row))
		for j, v := range row {
			cells[j] = fmt.Sprintf("%.3f", v*100)
		}
		fmt.Fprintf(&sb, "\t%s & %s \\\\\n", cm.Classes[i], strings.Join(cells, " & "))
	}
	sb.WriteString("\\hline\n")
	sb.WriteString(`\end{tabular} \\` + "\n")
	sb.WriteString("Average: " + strconv.FormatFloat(average, 'g', 3, 64) + `\%` + "\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

// GetMetric calculates a derived metric from the current counts
func (cm *ConfusionMatrix) GetMetric(metric MetricType) float64 {
	switch metric {
	case MacroPrecision:
		return cm.calculateMacroPrecision()
	case MacroRecall:
		return cm.calculateMacroRecall()
	case MacroF1:
		p, r := cm.calculateMacroPrecision(), cm.calculateMacroRecall()
		if p+r == 0 {
			return 0.0
		}
		return 2 * p * r / (p + r)
	case TopOneAccuracy:
		return cm.GetAccuracy()
	default:
		return 0.0
	}
}

// Classes whose column (precision) or row (recall) is empty are skipped
func (cm *ConfusionMatrix) calculateMacroPrecision() float64 {
	sum := 0.0
	validClasses := 0
	for class := range cm.Matrix {
		tp := float64(cm.Matrix[class][class])
		predicted := 0.0
		for other := range cm.Matrix {
			predicted += float64(cm.Matrix[other][class])
		}
		if predicted > 0 {
			sum += tp / predicted
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

func (cm *ConfusionMatrix) calculateMacroRecall() float64 {
	sum := 0.0
	validClasses := 0
	for class, row := range cm.Matrix {
		tp := float64(row[class])
		actual := 0.0
		for _, c := range row {
			actual += float64(c)
		}
		if actual > 0 {
			sum += tp / actual
			validClasses++
		}
	}
	if validClasses == 0 {
		return 0.0
	}
	return sum / float64(validClasses)
}

// GetAccuracy returns overall classification accuracy
func (cm *ConfusionMatrix) GetAccuracy() float64 {
	if cm.TotalSamples == 0 {
		return 0.0
	}
	correct := 0
	for i := range cm.Matrix {
		correct += cm.Matrix[i][i]
	}
	return float64(correct) / float64(cm.TotalSamples)
}
