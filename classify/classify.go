// Package classify labels the emotion of the face in a single photograph
package classify

import (
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/facecrop"
	"github.com/tsawler/go-emotionnet/tensor"
	"github.com/tsawler/go-emotionnet/vision/preprocessing"
)

// Predictor maps a [N, 3, H, W] batch to [N, classes] probabilities
type Predictor interface {
	Predict(input *tensor.Tensor) (*tensor.Tensor, error)
}

// Result is the outcome for one image
type Result struct {
	Path          string             `json:"path"`
	Label         string             `json:"class"`
	Index         int                `json:"index"`
	Confidence    float64            `json:"confidence"`
	Probabilities []float64          `json:"-"`
	Predictions   map[string]float64 `json:"predictions"`
}

// Classifier crops the face, preprocesses it and runs one forward pass
type Classifier struct {
	model     Predictor
	cropper   *facecrop.Cropper
	processor *preprocessing.ImageProcessor
	classes   []string
	logger    *log.Logger
	summary   io.Writer

	// TempDir is where per-call scratch directories are created; empty
	// means the system default
	TempDir string
}

// New creates a Classifier whose cropper uses facecrop.DefaultConfig. The
// visual summary of every result goes to summary; nil discards it.
func New(model Predictor, detector facecrop.Detector, classes []string, logger *log.Logger, summary io.Writer) (*Classifier, error) {
	if model == nil {
		return nil, errors.New("classifier needs a model")
	}
	if len(classes) == 0 {
		return nil, errors.New("classifier needs class labels")
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if summary == nil {
		summary = io.Discard
	}
	cropper, err := facecrop.New(detector, facecrop.DefaultConfig(), logger)
	if err != nil {
		return nil, err
	}
	return &Classifier{
		model:     model,
		cropper:   cropper,
		processor: preprocessing.NewEvalProcessor(preprocessing.DefaultResize, preprocessing.DefaultCropSize),
		classes:   classes,
		logger:    logger,
		summary:   summary,
	}, nil
}

// Classify returns the most probable class of the face in the image at
// path. A photograph without a usable face yields a
// *facecrop.NoFaceDetectedError.
func (c *Classifier) Classify(path string) (*Result, error) {
	scratch, err := os.MkdirTemp(c.TempDir, "emotionnet-crop-")
	if err != nil {
		return nil, errors.Wrap(err, "creating scratch directory")
	}
	defer os.RemoveAll(scratch)

	crops, err := c.cropper.Transform([]string{path}, scratch)
	if err != nil {
		return nil, err
	}
	img, err := c.processor.ProcessFile(crops[0], nil)
	if err != nil {
		return nil, err
	}
	input, err := img.Reshape(append([]int{1}, img.Shape...)...)
	if err != nil {
		return nil, err
	}

	probs, err := c.model.Predict(input)
	if err != nil {
		return nil, errors.Wrap(err, "forward pass")
	}
	if len(probs.Shape) != 2 || probs.Shape[1] != len(c.classes) {
		return nil, errors.Errorf("model produced %v scores for %d classes", probs.Shape, len(c.classes))
	}

	p := append([]float64(nil), probs.Row(0)...)
	idx := tensor.ArgMax(p)
	res := &Result{
		Path:          path,
		Label:         c.classes[idx],
		Index:         idx,
		Confidence:    p[idx],
		Probabilities: p,
		Predictions:   make(map[string]float64, len(p)),
	}
	for i, name := range c.classes {
		res.Predictions[name] = p[i]
	}
	c.logger.Printf("classified %s as %s (%.3f)", path, res.Label, res.Confidence)

	if _, err := io.WriteString(c.summary, c.Summary(res)); err != nil {
		return nil, errors.Wrap(err, "writing summary")
	}
	return res, nil
}

// Summary renders the textual visual summary: the image, the class list,
// each probability to three significant digits and the predicted label as
// title
func (c *Classifier) Summary(res *Result) string {
	probs := make([]string, len(res.Probabilities))
	for i, p := range res.Probabilities {
		probs[i] = strconv.FormatFloat(p, 'g', 3, 64)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "image: %s\n", res.Path)
	fmt.Fprintf(&sb, "%s\n", strings.Join(c.classes, ", "))
	fmt.Fprintf(&sb, "%s\n", strings.Join(probs, ", "))
	fmt.Fprintf(&sb, "title: %s\n", res.Label)
	return sb.String()
}
