package classify

import (
	"bytes"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/facecrop"
	"github.com/tsawler/go-emotionnet/tensor"
	"github.com/tsawler/go-emotionnet/vision/preprocessing"
)

var classes = []string{"afraid", "angry", "disgusted", "happy", "neutral", "sad", "surprised"}

type fixedDetector struct{ faces []facecrop.Face }

func (d fixedDetector) Detect(image.Image) ([]facecrop.Face, error) { return d.faces, nil }

// fixedModel softmaxes the same scores for every input and records the
// input shape
type fixedModel struct {
	scores []float64
	shape  []int
}

func (m *fixedModel) Predict(input *tensor.Tensor) (*tensor.Tensor, error) {
	m.shape = input.Shape
	scores, _ := tensor.New([]int{1, len(m.scores)}, append([]float64(nil), m.scores...))
	return tensor.Softmax(scores)
}

func writePhoto(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "me.jpg")
	if err := preprocessing.SaveImage(path, preprocessing.Solid(640, 480, color.RGBA{180, 140, 120, 255})); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestClassify(t *testing.T) {
	model := &fixedModel{scores: []float64{0, 0, 0, 3, 1, 0, 0}}
	det := fixedDetector{faces: []facecrop.Face{{Rect: image.Rect(150, 100, 350, 350)}}}
	var summary bytes.Buffer
	c, err := New(model, det, classes, nil, &summary)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	c.TempDir = t.TempDir()

	photo := writePhoto(t)
	res, err := c.Classify(photo)
	if err != nil {
		t.Fatalf("Classify failed: %v", err)
	}
	if res.Label != "happy" || res.Index != 3 {
		t.Errorf("expected happy, got %s (%d)", res.Label, res.Index)
	}
	if !tensor.ShapesEqual(model.shape, []int{1, 3, 224, 224}) {
		t.Errorf("model saw input %v, expected [1 3 224 224]", model.shape)
	}
	sum := 0.0
	for _, p := range res.Probabilities {
		sum += p
	}
	if sum < 0.999999 || sum > 1.000001 {
		t.Errorf("probabilities sum to %v", sum)
	}
	if res.Predictions["happy"] != res.Confidence {
		t.Error("predictions map disagrees with confidence")
	}

	want := "image: " + photo + "\n" +
		"afraid, angry, disgusted, happy, neutral, sad, surprised\n" +
		"0.036, 0.036, 0.036, 0.722, 0.0978, 0.036, 0.036\n" +
		"title: happy\n"
	if summary.String() != want {
		t.Errorf("summary mismatch:\n%s\nexpected:\n%s", summary.String(), want)
	}

	entries, _ := os.ReadDir(c.TempDir)
	if len(entries) != 0 {
		t.Errorf("scratch directory not removed: %v", entries)
	}
}

func TestClassifyNoFace(t *testing.T) {
	c, _ := New(&fixedModel{scores: make([]float64, 7)}, fixedDetector{}, classes, nil, nil)
	c.TempDir = t.TempDir()
	photo := writePhoto(t)

	_, err := c.Classify(photo)
	var nf *facecrop.NoFaceDetectedError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NoFaceDetectedError, got %v", err)
	}
	if nf.Path != photo {
		t.Errorf("error names %s, expected %s", nf.Path, photo)
	}
	entries, _ := os.ReadDir(c.TempDir)
	if len(entries) != 0 {
		t.Error("scratch directory not removed after failure")
	}
}

func TestClassifyClassCountMismatch(t *testing.T) {
	det := fixedDetector{faces: []facecrop.Face{{Rect: image.Rect(100, 100, 400, 400)}}}
	c, _ := New(&fixedModel{scores: []float64{1, 2}}, det, classes, nil, nil)
	if _, err := c.Classify(writePhoto(t)); err == nil {
		t.Error("expected error when the model and class list disagree")
	}
}

func TestNewValidation(t *testing.T) {
	if _, err := New(nil, fixedDetector{}, classes, nil, nil); err == nil {
		t.Error("expected error without a model")
	}
	if _, err := New(&fixedModel{}, nil, classes, nil, nil); err == nil {
		t.Error("expected error without a detector")
	}
	if _, err := New(&fixedModel{}, fixedDetector{}, nil, nil, nil); err == nil {
		t.Error("expected error without classes")
	}
}
