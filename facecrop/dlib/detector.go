// Package dlib implements facecrop.Detector with dlib's face detectors via
// github.com/Kagami/go-face. It needs cgo and the dlib model files
// (mmod_human_face_detector.dat, shape_predictor_5_face_landmarks.dat,
// dlib_face_recognition_resnet_model_v1.dat) in one directory.
package dlib

import (
	"bytes"
	"image"
	"image/jpeg"
	"sync"

	face "github.com/Kagami/go-face"
	"github.com/pkg/errors"

	"github.com/tsawler/go-emotionnet/facecrop"
)

// Detector wraps a go-face recognizer. dlib reports no scores, so every
// detection has confidence 1.
type Detector struct {
	mu  sync.Mutex
	rec *face.Recognizer
	cnn bool
}

// New loads the models in modelDir. With cnn set the slower CNN detector is
// used instead of HOG.
func New(modelDir string, cnn bool) (*Detector, error) {
	rec, err := face.NewRecognizer(modelDir)
	if err != nil {
		return nil, errors.Wrapf(err, "loading dlib models from %s", modelDir)
	}
	return &Detector{rec: rec, cnn: cnn}, nil
}

// Detect finds faces in img. The recognizer is not safe for concurrent use,
// so calls are serialized.
func (d *Detector) Detect(img image.Image) ([]facecrop.Face, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return nil, errors.Wrap(err, "encoding image for dlib")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var found []face.Face
	var err error
	if d.cnn {
		found, err = d.rec.RecognizeCNN(buf.Bytes())
	} else {
		found, err = d.rec.Recognize(buf.Bytes())
	}
	if err != nil {
		return nil, errors.Wrap(err, "dlib detection")
	}

	origin := img.Bounds().Min
	faces := make([]facecrop.Face, 0, len(found))
	for _, f := range found {
		faces = append(faces, facecrop.Face{Rect: f.Rectangle.Add(origin), Confidence: 1})
	}
	return faces, nil
}

// Close releases the dlib models
func (d *Detector) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.rec != nil {
		d.rec.Close()
		d.rec = nil
	}
}

var _ facecrop.Detector = (*Detector)(nil)
