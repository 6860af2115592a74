package dataset

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// createTestDataset creates a temporary directory structure with test images
func createTestDataset(t *testing.T, classes []string, imagesPerClass int) string {
	tempDir := t.TempDir()

	for _, className := range classes {
		classDir := filepath.Join(tempDir, className)
		if err := os.MkdirAll(classDir, 0755); err != nil {
			t.Fatalf("Failed to create class directory %s: %v", classDir, err)
		}
		for i := 0; i < imagesPerClass; i++ {
			imagePath := filepath.Join(classDir, fmt.Sprintf("image_%d.jpg", i))
			if err := os.WriteFile(imagePath, []byte("mock image content"), 0644); err != nil {
				t.Fatalf("Failed to create mock image %s: %v", imagePath, err)
			}
		}
	}
	return tempDir
}

func TestNewImageFolderDataset(t *testing.T) {
	t.Run("AlphabeticalClasses", func(t *testing.T) {
		// created out of order on purpose
		classes := []string{"surprised", "afraid", "happy"}
		dir := createTestDataset(t, classes, 3)

		dataset, err := NewImageFolderDataset(dir, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		expected := []string{"afraid", "happy", "surprised"}
		for i, name := range expected {
			if dataset.ClassNames()[i] != name {
				t.Errorf("class %d: expected %s, got %s", i, name, dataset.ClassNames()[i])
			}
			if idx, ok := dataset.ClassIndex(name); !ok || idx != i {
				t.Errorf("ClassIndex(%s) = %d, %v", name, idx, ok)
			}
		}
		if dataset.Len() != 9 || dataset.NumClasses() != 3 {
			t.Errorf("expected 9 samples in 3 classes, got %d in %d", dataset.Len(), dataset.NumClasses())
		}
		path, label, err := dataset.GetItem(0)
		if err != nil {
			t.Fatalf("GetItem failed: %v", err)
		}
		if label != 0 || filepath.Base(filepath.Dir(path)) != "afraid" {
			t.Errorf("first item should belong to afraid, got %s label %d", path, label)
		}
	})

	t.Run("ExtensionFilter", func(t *testing.T) {
		dir := createTestDataset(t, []string{"sad"}, 1)
		for _, name := range []string{"upper.PNG", "anim.gif", "pic.BMP", "notes.txt", "README"} {
			if err := os.WriteFile(filepath.Join(dir, "sad", name), []byte("x"), 0644); err != nil {
				t.Fatal(err)
			}
		}
		// stray files at the root are not classes
		if err := os.WriteFile(filepath.Join(dir, "labels.csv"), []byte("x"), 0644); err != nil {
			t.Fatal(err)
		}
		dataset, err := NewImageFolderDataset(dir, nil)
		if err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
		if dataset.Len() != 4 {
			t.Errorf("expected 4 images, got %d", dataset.Len())
		}
		if dataset.NumClasses() != 1 {
			t.Errorf("expected 1 class, got %d", dataset.NumClasses())
		}
	})

	t.Run("Errors", func(t *testing.T) {
		if _, err := NewImageFolderDataset(filepath.Join(t.TempDir(), "missing"), nil); err == nil {
			t.Error("expected error for missing directory")
		}
		empty := t.TempDir()
		if err := os.Mkdir(filepath.Join(empty, "angry"), 0755); err != nil {
			t.Fatal(err)
		}
		if _, err := NewImageFolderDataset(empty, nil); err == nil {
			t.Error("expected error for dataset without images")
		}
	})
}

func TestGetItemOutOfRange(t *testing.T) {
	dataset, _ := NewImageFolderDataset(createTestDataset(t, []string{"a"}, 2), nil)
	for _, idx := range []int{-1, 2} {
		if _, _, err := dataset.GetItem(idx); err == nil {
			t.Errorf("expected error for index %d", idx)
		}
	}
}

func TestSplitAndSubset(t *testing.T) {
	dataset, _ := NewImageFolderDataset(createTestDataset(t, []string{"a", "b"}, 5), nil)

	train, valid := dataset.Split(0.8, true, 42)
	if train.Len() != 8 || valid.Len() != 2 {
		t.Fatalf("expected 8/2 split, got %d/%d", train.Len(), valid.Len())
	}
	seen := map[string]bool{}
	for _, d := range []*ImageFolderDataset{train, valid} {
		for i := 0; i < d.Len(); i++ {
			p, _, _ := d.GetItem(i)
			if seen[p] {
				t.Errorf("%s appears in both splits", p)
			}
			seen[p] = true
		}
	}

	again, _ := dataset.Split(0.8, true, 42)
	for i := 0; i < train.Len(); i++ {
		a, _, _ := train.GetItem(i)
		b, _, _ := again.GetItem(i)
		if a != b {
			t.Fatal("split with the same seed should be reproducible")
		}
	}

	sub := dataset.Subset([]int{9, 0})
	if _, label, _ := sub.GetItem(0); label != 1 {
		t.Errorf("expected label 1, got %d", label)
	}
	if len(sub.ClassNames()) != 2 {
		t.Error("subset should keep the full class list")
	}
}

func TestDatasetString(t *testing.T) {
	dataset, _ := NewImageFolderDataset(createTestDataset(t, []string{"happy", "sad"}, 2), nil)
	s := dataset.String()
	for _, want := range []string{"4 samples, 2 classes", "happy: 2 samples", "sad: 2 samples"} {
		if !strings.Contains(s, want) {
			t.Errorf("missing %q in %s", want, s)
		}
	}
	if dist := dataset.ClassDistribution(); dist["happy"] != 2 {
		t.Errorf("unexpected distribution %v", dist)
	}
}
