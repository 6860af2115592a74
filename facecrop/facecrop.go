// Package facecrop finds the face in a photograph and writes a cropped copy
// of it. Detection itself is delegated to a Detector.
package facecrop

import (
	"fmt"
	"image"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/vision/preprocessing"
)

// Config is the cropping policy. It is passed by value and never mutated.
type Config struct {
	Threshold     float64 // minimum detector confidence
	Grow          int     // pixels added on every side of the detected box
	ResizeWidth   int     // the image is scaled to ResizeWidth x ResizeHeight before detection; 0 disables
	ResizeHeight  int
	MinProportion float64 // smallest face extent relative to the image, per axis
	Window        bool    // preview window; not supported by this package
	IgnoreMulti   bool    // keep the largest face instead of failing on several
}

// DefaultConfig returns the policy used for single-image classification
func DefaultConfig() Config {
	return Config{
		Threshold:     0.0,
		Grow:          10,
		ResizeWidth:   512,
		ResizeHeight:  512,
		MinProportion: 0.1,
		Window:        false,
		IgnoreMulti:   true,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Grow < 0 {
		return errors.Errorf("grow margin %d is negative", c.Grow)
	}
	if c.ResizeWidth < 0 || c.ResizeHeight < 0 || (c.ResizeWidth == 0) != (c.ResizeHeight == 0) {
		return errors.Errorf("invalid resize %dx%d", c.ResizeWidth, c.ResizeHeight)
	}
	if c.MinProportion < 0 || c.MinProportion > 1 {
		return errors.Errorf("min proportion %v outside [0, 1]", c.MinProportion)
	}
	if c.Window {
		return errors.New("preview windows are not supported")
	}
	return nil
}

// Face is a detection in the coordinates of the image handed to Detect
type Face struct {
	Rect       image.Rectangle
	Confidence float64
}

// Detector locates faces in an image
type Detector interface {
	Detect(img image.Image) ([]Face, error)
}

// NoFaceDetectedError means no detection survived the policy filters
type NoFaceDetectedError struct {
	Path       string
	Detections int // faces found before filtering
}

func (e *NoFaceDetectedError) Error() string {
	if e.Detections == 0 {
		return fmt.Sprintf("no face detected in %s", e.Path)
	}
	return fmt.Sprintf("no usable face in %s (%d rejected)", e.Path, e.Detections)
}

// ErrMultipleFaces is returned when several faces qualify and IgnoreMulti
// is off
var ErrMultipleFaces = errors.New("multiple faces detected")

// Cropper applies a Config with a Detector
type Cropper struct {
	config   Config
	detector Detector
	logger   *log.Logger
}

// New creates a Cropper. A nil logger discards output.
func New(detector Detector, config Config, logger *log.Logger) (*Cropper, error) {
	if detector == nil {
		return nil, errors.New("face cropper needs a detector")
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Cropper{config: config, detector: detector, logger: logger}, nil
}

// Config returns the cropping policy
func (c *Cropper) Config() Config { return c.config }

// Transform crops every input and writes the result to outDir under the
// input's base name. It stops at the first failure and returns the paths
// written so far.
func (c *Cropper) Transform(inputs []string, outDir string) ([]string, error) {
	if err := os.MkdirAll(outDir, 0755); err != nil {
		return nil, errors.Wrap(err, "creating output directory")
	}
	outputs := make([]string, 0, len(inputs))
	for _, in := range inputs {
		img, err := preprocessing.LoadImage(in)
		if err != nil {
			return outputs, err
		}
		face, err := c.Crop(img)
		if err != nil {
			var nf *NoFaceDetectedError
			if errors.As(err, &nf) {
				nf.Path = in
				return outputs, nf
			}
			return outputs, errors.Wrap(err, in)
		}
		out := filepath.Join(outDir, filepath.Base(in))
		if err := preprocessing.SaveImage(out, face); err != nil {
			return outputs, err
		}
		c.logger.Printf("cropped face from %s to %s (%dx%d)", in, out, face.Bounds().Dx(), face.Bounds().Dy())
		outputs = append(outputs, out)
	}
	return outputs, nil
}

// Crop returns the selected face region of img, grown by the margin
func (c *Cropper) Crop(img image.Image) (*image.RGBA, error) {
	if c.config.ResizeWidth > 0 {
		img = preprocessing.ScaleTo(img, c.config.ResizeWidth, c.config.ResizeHeight)
	}
	faces, err := c.detector.Detect(img)
	if err != nil {
		return nil, errors.Wrap(err, "face detection")
	}

	bounds := img.Bounds()
	var usable []Face
	for _, f := range faces {
		if f.Confidence < c.config.Threshold {
			continue
		}
		r := f.Rect.Intersect(bounds)
		if r.Empty() {
			continue
		}
		if float64(r.Dx()) < c.config.MinProportion*float64(bounds.Dx()) ||
			float64(r.Dy()) < c.config.MinProportion*float64(bounds.Dy()) {
			continue
		}
		usable = append(usable, Face{Rect: r, Confidence: f.Confidence})
	}

	switch {
	case len(usable) == 0:
		return nil, &NoFaceDetectedError{Detections: len(faces)}
	case len(usable) > 1 && !c.config.IgnoreMulti:
		return nil, errors.Wrapf(ErrMultipleFaces, "%d faces", len(usable))
	}

	best := usable[0]
	for _, f := range usable[1:] {
		if area(f.Rect) > area(best.Rect) {
			best = f
		}
	}
	g := c.config.Grow
	region := image.Rect(best.Rect.Min.X-g, best.Rect.Min.Y-g, best.Rect.Max.X+g, best.Rect.Max.Y+g)
	return preprocessing.Crop(img, region), nil
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}
