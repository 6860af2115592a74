package dlib

import (
	"image/color"
	"os"
	"testing"

	"github.com/tsawler/go-emotionnet/vision/preprocessing"
)

// The dlib models are large, so these tests only run when
// EMOTIONNET_DLIB_MODELS points at a directory holding them.
func modelDir(t *testing.T) string {
	dir := os.Getenv("EMOTIONNET_DLIB_MODELS")
	if dir == "" {
		t.Skip("EMOTIONNET_DLIB_MODELS not set")
	}
	return dir
}

func TestNewMissingModels(t *testing.T) {
	if _, err := New(t.TempDir(), false); err == nil {
		t.Error("expected error for a directory without models")
	}
}

func TestDetectBlankImage(t *testing.T) {
	d, err := New(modelDir(t), false)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer d.Close()

	faces, err := d.Detect(preprocessing.Solid(256, 256, color.White))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(faces) != 0 {
		t.Errorf("expected no faces in a blank image, got %d", len(faces))
	}
}
