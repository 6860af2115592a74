package training

import (
	"bytes"
	"io"
	"log"
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/tsawler/go-emotionnet/layers"
	"github.com/tsawler/go-emotionnet/tensor"
	"github.com/tsawler/go-emotionnet/vision/dataloader"
)

func scores(rows ...[]float64) *tensor.Tensor {
	var data []float64
	for _, r := range rows {
		data = append(data, r...)
	}
	t, _ := tensor.New([]int{len(rows), len(rows[0])}, data)
	return t
}

func TestAverageMeter(t *testing.T) {
	var m AverageMeter
	m.Update(3.5, 4)
	if m.Avg != 3.5 || m.Val != 3.5 {
		t.Errorf("single update: expected avg 3.5, got %f", m.Avg)
	}
	m.Update(1, 2)
	m.Update(10, 1)
	// (3.5*4 + 1*2 + 10*1) / 7
	expected := 26.0 / 7
	if math.Abs(m.Avg-expected) > 1e-12 {
		t.Errorf("expected avg %f, got %f", expected, m.Avg)
	}
	if m.Count != 7 || m.Sum != 26 {
		t.Errorf("expected sum 26 count 7, got %f %f", m.Sum, m.Count)
	}
	m.Reset()
	if m != (AverageMeter{}) {
		t.Errorf("reset left state %+v", m)
	}
}

func TestAccuracy(t *testing.T) {
	output := scores(
		[]float64{0.1, 0.7, 0.2},
		[]float64{0.5, 0.3, 0.2},
		[]float64{0.2, 0.3, 0.5},
		[]float64{0.3, 0.3, 0.4},
	)
	tests := []struct {
		name     string
		targets  []int
		topk     []int
		expected []float64
	}{
		{"all correct", []int{1, 0, 2, 2}, []int{1}, []float64{100}},
		{"half correct", []int{1, 1, 2, 0}, []int{1}, []float64{50}},
		{"top2", []int{2, 1, 1, 0}, []int{1, 2}, []float64{0, 100}},
		// the last row ties classes 0 and 1, so class 1 ranks third
		{"tie break by index", []int{1, 0, 1, 1}, []int{2, 1}, []float64{75, 50}},
		{"k equal classes", []int{0, 1, 0, 1}, []int{3}, []float64{100}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Accuracy(output, tt.targets, tt.topk...)
			if err != nil {
				t.Fatalf("Accuracy failed: %v", err)
			}
			for i := range tt.expected {
				if math.Abs(got[i]-tt.expected[i]) > 1e-9 {
					t.Errorf("top%d: expected %f, got %f", tt.topk[i], tt.expected[i], got[i])
				}
			}
		})
	}
}

func TestAccuracyErrors(t *testing.T) {
	output := scores([]float64{1, 2})
	if _, err := Accuracy(output, []int{0, 1}, 1); err == nil {
		t.Error("expected error for label count mismatch")
	}
	if _, err := Accuracy(output, []int{5}, 1); err == nil {
		t.Error("expected error for label out of range")
	}
	if _, err := Accuracy(output, []int{0}, 3); err == nil {
		t.Error("expected error for k above class count")
	}
}

func TestAccuracyRange(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 20; trial++ {
		out := tensor.RandomNormal(rng, 0, 1, 8, 7)
		labels := make([]int, 8)
		for i := range labels {
			labels[i] = rng.Intn(7)
		}
		acc, err := Accuracy(out, labels)
		if err != nil {
			t.Fatalf("Accuracy failed: %v", err)
		}
		if acc[0] < 0 || acc[0] > 100 {
			t.Fatalf("accuracy %f outside [0, 100]", acc[0])
		}
	}
}

func TestCrossEntropyGradient(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	logits := tensor.RandomNormal(rng, 0, 2, 3, 4)
	targets := []int{0, 3, 1}
	ce := NewCrossEntropyLoss("mean")

	_, grad, err := ce.Forward(logits, targets)
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	const eps = 1e-6
	for i := range logits.Data {
		orig := logits.Data[i]
		logits.Data[i] = orig + eps
		plus, _, _ := ce.Forward(logits, targets)
		logits.Data[i] = orig - eps
		minus, _, _ := ce.Forward(logits, targets)
		logits.Data[i] = orig
		numeric := (plus - minus) / (2 * eps)
		if math.Abs(numeric-grad.Data[i]) > 1e-6 {
			t.Errorf("grad[%d]: analytic %f numeric %f", i, grad.Data[i], numeric)
		}
	}
}

func TestCrossEntropyUniform(t *testing.T) {
	loss, _, err := NewCrossEntropyLoss("").Forward(tensor.Zeros(2, 7), []int{3, 6})
	if err != nil {
		t.Fatalf("Forward failed: %v", err)
	}
	if math.Abs(loss-math.Log(7)) > 1e-12 {
		t.Errorf("expected ln 7, got %f", loss)
	}
	if _, _, err := NewCrossEntropyLoss("").Forward(tensor.Zeros(1, 7), []int{7}); err == nil {
		t.Error("expected error for out of range target")
	}
}

func TestConfusionMatrixAdd(t *testing.T) {
	cm := NewConfusionMatrix([]string{"a", "b", "c"})
	output := scores(
		[]float64{0.9, 0.1, 0.0},
		[]float64{0.2, 0.5, 0.3},
		[]float64{0.1, 0.1, 0.8},
		[]float64{0.6, 0.2, 0.2},
	)
	for n := 0; n < 3; n++ {
		if err := cm.Add(output, []int{0, 1, 2, 1}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}
	if cm.TotalSamples != 12 {
		t.Errorf("expected 12 samples, got %d", cm.TotalSamples)
	}
	if cm.Matrix[1][0] != 3 || cm.Matrix[1][1] != 3 {
		t.Errorf("unexpected row for class b: %v", cm.Matrix[1])
	}
	for i, row := range cm.Normalized() {
		sum := 0.0
		for _, v := range row {
			sum += v
		}
		if math.Abs(sum-1) > 1e-12 {
			t.Errorf("row %d sums to %f", i, sum)
		}
	}
	if acc := cm.GetAccuracy(); math.Abs(acc-0.75) > 1e-12 {
		t.Errorf("expected accuracy 0.75, got %f", acc)
	}
	if err := cm.Add(output, []int{0, 1, 2}); err == nil {
		t.Error("expected error for label count mismatch")
	}
}

func TestConfusionMatrixEmptyRowIsNaN(t *testing.T) {
	cm := NewConfusionMatrix([]string{"a", "b"})
	if err := cm.Add(scores([]float64{1, 0}), []int{0}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	norm := cm.Normalized()
	if !math.IsNaN(norm[1][0]) || !math.IsNaN(norm[1][1]) {
		t.Errorf("expected NaN row for class without samples, got %v", norm[1])
	}
	var buf bytes.Buffer
	if err := cm.Render(&buf); err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if !strings.Contains(buf.String(), "NaN") {
		t.Errorf("plain report should show NaN:\n%s", buf.String())
	}
}

func TestConfusionMatrixLaTeX(t *testing.T) {
	cm := NewConfusionMatrix([]string{"happy", "sad"})
	if err := cm.Add(scores([]float64{1, 0}, []float64{0, 1}, []float64{1, 0}), []int{0, 1, 1}); err != nil {
		t.Fatalf("Add failed: %v", err)
	}

	var buf bytes.Buffer
	if err := cm.RenderLaTeX(&buf, 66.66666); err != nil {
		t.Fatalf("RenderLaTeX failed: %v", err)
	}
	expected := "\\begin{tabular}{lll}\n" +
		"\\hline\n" +
		"\t & happy & sad \\\\\n" +
		"\\hline\n" +
		"\thappy & 100.000 & 0.000 \\\\\n" +
		"\tsad & 50.000 & 50.000 \\\\\n" +
		"\\hline\n" +
		"\\end{tabular} \\\\\n" +
		"Average: 66.7\\%\n"
	if buf.String() != expected {
		t.Errorf("unexpected LaTeX output:\n%s\nexpected:\n%s", buf.String(), expected)
	}

	buf.Reset()
	if err := cm.RenderLaTeX(&buf, 100); err != nil {
		t.Fatalf("RenderLaTeX failed: %v", err)
	}
	if !strings.HasSuffix(buf.String(), "Average: 100\\%\n") {
		t.Errorf("expected plain 100 average, got:\n%s", buf.String())
	}
}

func TestConfusionMetrics(t *testing.T) {
	cm := NewConfusionMatrix([]string{"a", "b"})
	cm.Matrix = [][]int{{3, 1}, {0, 4}}
	cm.TotalSamples = 8
	tests := []struct {
		metric   MetricType
		expected float64
	}{
		{MacroPrecision, (1 + 0.8) / 2},
		{MacroRecall, (0.75 + 1) / 2},
		{TopOneAccuracy, 7.0 / 8},
	}
	for _, tt := range tests {
		if got := cm.GetMetric(tt.metric); math.Abs(got-tt.expected) > 1e-12 {
			t.Errorf("%s: expected %f, got %f", tt.metric, tt.expected, got)
		}
	}
	if MetricType(99).String() != "Unknown(99)" {
		t.Error("unexpected name for unknown metric")
	}
}

func TestMetricsLog(t *testing.T) {
	var buf bytes.Buffer
	l := NewMetricsLog(&buf)
	if err := l.Write(EpochMetrics{Epoch: 0, TrainLoss: 1.5, TrainAccuracy: 40, ValidLoss: 1.25, ValidAccuracy: 50}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	// Flushed without any explicit close
	expected := "epoch,train_loss,train_acc,valid_loss,valid_acc\n0,1.5,40,1.25,50\n"
	if buf.String() != expected {
		t.Errorf("unexpected CSV:\n%q", buf.String())
	}
	if l.Rows() != 1 {
		t.Errorf("expected 1 row, got %d", l.Rows())
	}
}

func TestSchedulers(t *testing.T) {
	tests := []struct {
		name     string
		epoch    int
		expected float64
	}{
		{"constant", 7, 0.1},
		{"step", 2, 0.1},
		{"step", 3, 0.01},
		{"cosine", 0, 0.1},
		{"cosine", 9, 0},
	}
	for _, tt := range tests {
		s, err := ParseScheduler(tt.name, 9)
		if err != nil {
			t.Fatalf("ParseScheduler(%s) failed: %v", tt.name, err)
		}
		if got := s.GetLR(tt.epoch, 0.1); math.Abs(got-tt.expected) > 1e-12 {
			t.Errorf("%s epoch %d: expected %f, got %f", s.GetName(), tt.epoch, tt.expected, got)
		}
	}
	if _, err := ParseScheduler("warmup", 1); err == nil {
		t.Error("expected error for unknown schedule")
	}
}

// sliceSource replays fixed batches
type sliceSource struct {
	classes []string
	batches []*dataloader.Batch
}

func (s *sliceSource) Len() int          { return len(s.batches) }
func (s *sliceSource) Classes() []string { return s.classes }
func (s *sliceSource) Iterate(epoch int) dataloader.Iterator {
	return &sliceIterator{batches: s.batches}
}

type sliceIterator struct {
	batches []*dataloader.Batch
	pos     int
}

func (it *sliceIterator) Next() (*dataloader.Batch, error) {
	if it.pos >= len(it.batches) {
		return nil, io.EOF
	}
	it.pos++
	return it.batches[it.pos-1], nil
}

func (it *sliceIterator) Close() {}

// scriptedModel trains a real linear head but, in eval mode, predicts the
// true class for the first correct[epoch] samples and class 1 otherwise
type scriptedModel struct {
	layers.Module
	labels  []int // validation labels in iteration order
	correct []int
	evals   int
	seen    int
	best    float64
	epoch   int
	saves   []bool
	paths   []string
}

func newScriptedModel(t *testing.T, classes int) *scriptedModel {
	fc, err := layers.NewLinear("fc", 2, classes, rand.New(rand.NewSource(1)))
	if err != nil {
		t.Fatalf("NewLinear failed: %v", err)
	}
	return &scriptedModel{Module: fc}
}

func (m *scriptedModel) Eval() {
	m.Module.Eval()
	m.evals++
	m.seen = 0
}

func (m *scriptedModel) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if m.Module.IsTraining() || m.correct == nil {
		return m.Module.Forward(input)
	}
	n := input.Shape[0]
	out := tensor.Zeros(n, 2)
	for i := 0; i < n; i++ {
		predicted := 1
		if m.seen < m.correct[m.evals-1] {
			predicted = m.labels[m.seen]
		}
		out.Row(i)[predicted] = 1
		m.seen++
	}
	return out, nil
}

func (m *scriptedModel) BestAccuracy() float64 { return m.best }
func (m *scriptedModel) UpdateBest(acc float64) bool {
	if acc > m.best {
		m.best = acc
		return true
	}
	return false
}
func (m *scriptedModel) SetEpoch(epoch int)                  { m.epoch = epoch }
func (m *scriptedModel) CheckpointPath(prefix string) string { return prefix + ".ckpt" }
func (m *scriptedModel) Save(isBest bool, path string) error {
	m.saves = append(m.saves, isBest)
	m.paths = append(m.paths, path)
	return nil
}

func newTestLogger(w io.Writer) *log.Logger {
	return log.New(w, "", 0)
}

func twoClassSource(n, batchSize, label int) *sliceSource {
	src := &sliceSource{classes: []string{"a", "b"}}
	for start := 0; start < n; start += batchSize {
		size := batchSize
		if n-start < size {
			size = n - start
		}
		labels := make([]int, size)
		for i := range labels {
			labels[i] = label
			if label < 0 {
				labels[i] = (start + i) % 2
			}
		}
		src.batches = append(src.batches, &dataloader.Batch{
			Images: tensor.Full(float64(start+1), size, 2),
			Labels: labels,
		})
	}
	return src
}

func TestTrainBestWatermark(t *testing.T) {
	valid := twoClassSource(20, 5, 0)
	model := newScriptedModel(t, 2)
	model.labels = make([]int, 20)
	// 14/20, 13/20, 16/20, 15/20 correct
	model.correct = []int{14, 13, 16, 15}

	trainer, err := NewTrainer(model, DefaultConfig(), nil, io.Discard)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	var csvBuf bytes.Buffer
	history, err := trainer.Train(twoClassSource(8, 2, -1), valid, "out/run", 4, &csvBuf)
	if err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if history.BestAccuracy != 80 || model.BestAccuracy() != 80 {
		t.Errorf("expected watermark 80, got %f", history.BestAccuracy)
	}
	expectedBest := []bool{true, false, true, false}
	for i, b := range expectedBest {
		if model.saves[i] != b {
			t.Errorf("epoch %d: best flag %v, expected %v", i, model.saves[i], b)
		}
	}
	if got := history.BestEpochs(); len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Errorf("expected best epochs [0 2], got %v", got)
	}
	for _, p := range model.paths {
		if p != "out/run.ckpt" {
			t.Errorf("checkpoint written to %s", p)
		}
	}
	if lines := strings.Count(csvBuf.String(), "\n"); lines != 5 {
		t.Errorf("expected header plus 4 rows, got %d lines", lines)
	}
	if model.epoch != 3 {
		t.Errorf("expected last saved epoch 3, got %d", model.epoch)
	}
}

func TestTrainLogsEveryInterval(t *testing.T) {
	model := newScriptedModel(t, 2)
	var logs bytes.Buffer
	config := DefaultConfig()
	trainer, err := NewTrainer(model, config, newTestLogger(&logs), io.Discard)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	// 11 batches: progress at 0, 5 and 10
	if _, err := trainer.Train(twoClassSource(11, 1, -1), twoClassSource(2, 1, -1), "ckpt", 1, nil); err != nil {
		t.Fatalf("Train failed: %v", err)
	}
	if n := strings.Count(logs.String(), "epoch=0 batch="); n != 3 {
		t.Errorf("expected 3 progress lines, got %d:\n%s", n, logs.String())
	}
	if !strings.Contains(logs.String(), "epoch=0 batch=10/11") {
		t.Errorf("missing final progress line:\n%s", logs.String())
	}
}

func TestEvaluateAllWrong(t *testing.T) {
	src := twoClassSource(6, 4, 0)
	model := newScriptedModel(t, 2)
	model.labels = make([]int, 6)
	model.correct = []int{0}

	var report bytes.Buffer
	trainer, err := NewTrainer(model, DefaultConfig(), nil, &report)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	eval, err := trainer.EvaluateDetailed(src)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if eval.Accuracy != 0 {
		t.Errorf("expected accuracy 0, got %f", eval.Accuracy)
	}
	if eval.Confusion.Matrix[0][0] != 0 || eval.Confusion.Matrix[0][1] != 6 {
		t.Errorf("expected all samples in row 0 column 1, got %v", eval.Confusion.Matrix)
	}
	if eval.Confusion.Matrix[1][0] != 0 || eval.Confusion.Matrix[1][1] != 0 {
		t.Errorf("row 1 should be empty, got %v", eval.Confusion.Matrix[1])
	}
	out := report.String()
	if !strings.HasPrefix(out, "Confusion Matrix\n") || !strings.Contains(out, "\\begin{tabular}") {
		t.Errorf("evaluation must print both reports:\n%s", out)
	}
	if model.IsTraining() {
		t.Error("evaluation should leave the model in eval mode")
	}
}

func TestHeadWiderThanSource(t *testing.T) {
	model := newScriptedModel(t, 7)
	var report bytes.Buffer
	trainer, err := NewTrainer(model, DefaultConfig(), nil, &report)
	if err != nil {
		t.Fatalf("NewTrainer failed: %v", err)
	}
	var csvBuf bytes.Buffer
	if _, err := trainer.Train(twoClassSource(8, 2, -1), twoClassSource(4, 2, -1), "run", 1, &csvBuf); err != nil {
		t.Fatalf("Train with a 7-way head on 2 classes failed: %v", err)
	}
	if len(model.saves) != 1 {
		t.Errorf("expected one checkpoint, got %d", len(model.saves))
	}

	eval, err := trainer.EvaluateDetailed(twoClassSource(4, 2, -1))
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	cm := eval.Confusion
	if cm.NumClasses() != 7 || cm.TotalSamples != 4 {
		t.Fatalf("expected 7x7 matrix over 4 samples, got %d classes, %d samples", cm.NumClasses(), cm.TotalSamples)
	}
	if cm.Classes[0] != "a" || cm.Classes[1] != "b" || cm.Classes[6] != "class6" {
		t.Errorf("unexpected class labels %v", cm.Classes)
	}
	norm := cm.Normalized()
	if !math.IsNaN(norm[2][0]) {
		t.Errorf("unlabelled class rows should be NaN, got %v", norm[2])
	}

	// labels beyond the head stay an error
	wide := &sliceSource{classes: []string{"a", "b"}, batches: []*dataloader.Batch{{
		Images: tensor.Full(1, 1, 2),
		Labels: []int{7},
	}}}
	if _, _, err := trainer.Evaluate(wide); err == nil {
		t.Error("expected error for a label outside the head")
	}
}
