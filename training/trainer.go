package training

import (
	"io"
	"log"
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/layers"
	"github.com/tsawler/go-emotionnet/optimizer"
	"github.com/tsawler/go-emotionnet/vision/dataloader"
)

// Model is the network the training loop drives. It owns the best-accuracy
// watermark and checkpoint persistence.
type Model interface {
	layers.Module

	// BestAccuracy returns the watermark
	BestAccuracy() float64
	// UpdateBest raises the watermark when accuracy strictly exceeds it
	UpdateBest(accuracy float64) bool
	// SetEpoch records the epoch stored in the next checkpoint
	SetEpoch(epoch int)
	// CheckpointPath maps an output prefix to the checkpoint file name
	CheckpointPath(prefix string) string
	// Save writes the checkpoint and, if isBest, its best- copy
	Save(isBest bool, path string) error
}

// BatchSource yields the batches of one pass over a dataset
type BatchSource interface {
	Len() int
	Classes() []string
	Iterate(epoch int) dataloader.Iterator
}

// Config holds configuration for training
type Config struct {
	BatchSize      int // training batch size
	ValidBatchSize int // batch size of standalone evaluation
	Workers        int // data loading workers
	LogInterval    int // log progress every N batches
	Optimizer      optimizer.Config
	Scheduler      LRScheduler // nil keeps the learning rate constant
}

// DefaultConfig returns the reference hyperparameters
func DefaultConfig() Config {
	return Config{
		BatchSize:      48,
		ValidBatchSize: 16,
		Workers:        4,
		LogInterval:    5,
		Optimizer:      optimizer.DefaultConfig(),
	}
}

// EpochMetrics holds metrics for a single epoch
type EpochMetrics struct {
	Epoch         int
	TrainLoss     float64
	TrainAccuracy float64
	ValidLoss     float64
	ValidAccuracy float64
	LearningRate  float64
	Best          bool
	Checkpoint    string
	Duration      time.Duration
	BatchCount    int
}

// History is the outcome of a training run
type History struct {
	Epochs       []EpochMetrics
	BestAccuracy float64
}

// BestEpochs returns the indices of epochs flagged as best
func (h *History) BestEpochs() []int {
	var out []int
	for _, m := range h.Epochs {
		if m.Best {
			out = append(out, m.Epoch)
		}
	}
	return out
}

// Evaluation is the result of one pass in inference mode
type Evaluation struct {
	Loss      float64
	Accuracy  float64 // top-1, percent
	Confusion *ConfusionMatrix
	Samples   int
}

// Trainer manages the training process
type Trainer struct {
	model     Model
	optimizer optimizer.Optimizer
	criterion *CrossEntropyLoss
	config    Config
	logger    *log.Logger
	report    io.Writer
}

// NewTrainer creates a Trainer. Progress goes to logger and confusion
// reports to report; a nil logger discards and a nil report means stdout.
func NewTrainer(model Model, config Config, logger *log.Logger, report io.Writer) (*Trainer, error) {
	if config.LogInterval <= 0 {
		config.LogInterval = 5
	}
	opt, err := optimizer.New(config.Optimizer, model.Parameters())
	if err != nil {
		return nil, errors.Wrap(err, "creating optimizer")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if report == nil {
		report = os.Stdout
	}
	return &Trainer{
		model:     model,
		optimizer: opt,
		criterion: NewCrossEntropyLoss("mean"),
		config:    config,
		logger:    logger,
		report:    report,
	}, nil
}

// Optimizer returns the optimizer driving the parameters
func (t *Trainer) Optimizer() optimizer.Optimizer {
	return t.optimizer
}

// Train runs epochs over train, validating on valid after each one. The
// checkpoint at prefix is rewritten every epoch. If metrics is non-nil one
// CSV row is appended per epoch.
func (t *Trainer) Train(train, valid BatchSource, prefix string, epochs int, metrics io.Writer) (*History, error) {
	var metricsLog *MetricsLog
	if metrics != nil {
		metricsLog = NewMetricsLog(metrics)
	}
	scheduler := t.config.Scheduler
	if scheduler == nil {
		scheduler = &NoOpScheduler{}
	}
	baseLR := t.config.Optimizer.LearningRate
	path := t.model.CheckpointPath(prefix)
	history := &History{}

	t.logger.Printf("training for %d epochs, %d batches per epoch, optimizer=%s schedule=%s",
		epochs, train.Len(), t.optimizer.Name(), scheduler.GetName())

	for epoch := 0; epoch < epochs; epoch++ {
		start := time.Now()
		lr := scheduler.GetLR(epoch, baseLR)
		t.optimizer.UpdateLearningRate(lr)

		trainLoss, trainAcc, batches, err := t.trainEpoch(train, epoch)
		if err != nil {
			return history, errors.Wrapf(err, "training epoch %d", epoch)
		}

		eval, err := t.evaluate(valid, epoch)
		if err != nil {
			return history, errors.Wrapf(err, "validating epoch %d", epoch)
		}
		t.logger.Printf("epoch=%d valid_loss=%.4f valid_acc=%.3f", epoch, eval.Loss, eval.Accuracy)

		m := EpochMetrics{
			Epoch:         epoch,
			TrainLoss:     trainLoss,
			TrainAccuracy: trainAcc,
			ValidLoss:     eval.Loss,
			ValidAccuracy: eval.Accuracy,
			LearningRate:  lr,
			Checkpoint:    path,
			BatchCount:    batches,
		}
		if metricsLog != nil {
			if err := metricsLog.Write(m); err != nil {
				return history, err
			}
		}

		m.Best = t.model.UpdateBest(eval.Accuracy)
		t.model.SetEpoch(epoch)
		if err := t.model.Save(m.Best, path); err != nil {
			return history, errors.Wrapf(err, "saving checkpoint for epoch %d", epoch)
		}
		m.Duration = time.Since(start)
		history.Epochs = append(history.Epochs, m)
		history.BestAccuracy = t.model.BestAccuracy()
		t.printEpochSummary(m, epochs)
	}
	return history, nil
}

// trainEpoch runs one training epoch and returns the average loss and
// top-1 accuracy
func (t *Trainer) trainEpoch(source BatchSource, epoch int) (float64, float64, int, error) {
	t.model.Train()
	var losses, top1 AverageMeter
	n := source.Len()

	it := source.Iterate(epoch)
	defer it.Close()

	for i := 0; ; i++ {
		batch, err := it.Next()
		if err == io.EOF {
			return losses.Avg, top1.Avg, i, nil
		}
		if err != nil {
			return 0, 0, i, errors.Wrapf(err, "loading batch %d", i)
		}

		output, err := t.model.Forward(batch.Images)
		if err != nil {
			return 0, 0, i, errors.Wrap(err, "forward pass")
		}
		loss, grad, err := t.criterion.Forward(output, batch.Labels)
		if err != nil {
			return 0, 0, i, errors.Wrap(err, "loss computation")
		}
		prec, err := Accuracy(output, batch.Labels, 1)
		if err != nil {
			return 0, 0, i, err
		}
		size := len(batch.Labels)
		losses.Update(loss, size)
		top1.Update(prec[0], size)

		t.optimizer.ZeroGrad()
		if _, err := t.model.Backward(grad); err != nil {
			return 0, 0, i, errors.Wrap(err, "backward pass")
		}
		if err := t.optimizer.Step(); err != nil {
			return 0, 0, i, errors.Wrap(err, "optimizer step")
		}

		if i%t.config.LogInterval == 0 {
			t.logger.Printf("epoch=%d batch=%d/%d loss=%.4f acc=%.3f", epoch, i, n, losses.Avg, top1.Avg)
		}
	}
}

// Evaluate runs source once in inference mode, prints the confusion
// reports and returns the average loss and top-1 accuracy
func (t *Trainer) Evaluate(source BatchSource) (float64, float64, error) {
	eval, err := t.evaluate(source, 0)
	if err != nil {
		return 0, 0, err
	}
	return eval.Loss, eval.Accuracy, nil
}

// EvaluateDetailed is Evaluate returning the full confusion matrix
func (t *Trainer) EvaluateDetailed(source BatchSource) (*Evaluation, error) {
	return t.evaluate(source, 0)
}

func (t *Trainer) evaluate(source BatchSource, epoch int) (*Evaluation, error) {
	t.model.Eval()
	var losses, top1 AverageMeter
	// sized on the first batch: the head may be wider than the source
	var confusion *ConfusionMatrix

	it := source.Iterate(epoch)
	defer it.Close()

	for {
		batch, err := it.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "loading evaluation batch")
		}
		output, err := t.model.Forward(batch.Images)
		if err != nil {
			return nil, errors.Wrap(err, "evaluation forward pass")
		}
		if confusion == nil {
			width := 0
			if len(output.Shape) == 2 {
				width = output.Shape[1]
			}
			confusion = NewConfusionMatrix(padClasses(source.Classes(), width))
		}
		if err := confusion.Add(output, batch.Labels); err != nil {
			return nil, err
		}
		loss, _, err := t.criterion.Forward(output, batch.Labels)
		if err != nil {
			return nil, errors.Wrap(err, "evaluation loss computation")
		}
		prec, err := Accuracy(output, batch.Labels, 1)
		if err != nil {
			return nil, err
		}
		losses.Update(loss, len(batch.Labels))
		top1.Update(prec[0], len(batch.Labels))
	}
	if confusion == nil {
		confusion = NewConfusionMatrix(source.Classes())
	}

	if _, err := io.WriteString(t.report, "Confusion Matrix\n"); err != nil {
		return nil, err
	}
	if err := confusion.Render(t.report); err != nil {
		return nil, err
	}
	if err := confusion.RenderLaTeX(t.report, top1.Avg); err != nil {
		return nil, err
	}
	return &Evaluation{
		Loss:      losses.Avg,
		Accuracy:  top1.Avg,
		Confusion: confusion,
		Samples:   confusion.TotalSamples,
	}, nil
}

// printEpochSummary logs a summary of the epoch results
func (t *Trainer) printEpochSummary(m EpochMetrics, epochs int) {
	best := ""
	if m.Best {
		best = " (best)"
	}
	t.logger.Printf("Epoch %d/%d: Train Loss=%.4f, Train Acc=%.2f%%, Valid Loss=%.4f, Valid Acc=%.2f%%, Time=%v, Batches=%d%s",
		m.Epoch+1, epochs, m.TrainLoss, m.TrainAccuracy, m.ValidLoss, m.ValidAccuracy,
		m.Duration.Round(time.Millisecond), m.BatchCount, best)
}
