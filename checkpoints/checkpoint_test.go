package checkpoints

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func sampleCheckpoint() *Checkpoint {
	return &Checkpoint{
		Architecture: Architecture{Layers: []int{1, 1, 1, 1}, BaseWidth: 4, NumClasses: 7, InChannels: 3},
		Weights: []WeightTensor{
			{Name: "conv1.weight", Shape: []int{2, 3}, Data: []float64{0.1, -0.2, 1e-300, math.Pi, -0, 7}},
			{Name: "fc.bias", Shape: []int{3}, Data: []float64{1.0 / 3, 2.5, -1e10}},
		},
		TrainingState: TrainingState{Epoch: 4, BestAccuracy: 61.25},
		Metadata: CheckpointMetadata{
			Classes:   []string{"afraid", "angry"},
			CreatedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func TestCheckpointRoundTrip(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatProto, FormatJSON} {
		t.Run(format.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "model"+format.Extension())
			saver := NewCheckpointSaver(format)
			want := sampleCheckpoint()
			if err := saver.SaveCheckpoint(want, path); err != nil {
				t.Fatalf("SaveCheckpoint failed: %v", err)
			}

			got, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("LoadCheckpoint failed: %v", err)
			}
			if !got.Architecture.Equal(want.Architecture) {
				t.Errorf("architecture: got %s, expected %s", got.Architecture, want.Architecture)
			}
			if got.TrainingState != want.TrainingState {
				t.Errorf("training state: got %+v, expected %+v", got.TrainingState, want.TrainingState)
			}
			if got.Metadata.Framework != "go-emotionnet" || len(got.Metadata.Classes) != 2 {
				t.Errorf("unexpected metadata %+v", got.Metadata)
			}
			if !got.Metadata.CreatedAt.Equal(want.Metadata.CreatedAt) {
				t.Errorf("created at: got %v, expected %v", got.Metadata.CreatedAt, want.Metadata.CreatedAt)
			}
			if len(got.Weights) != len(want.Weights) {
				t.Fatalf("expected %d tensors, got %d", len(want.Weights), len(got.Weights))
			}
			for i, w := range want.Weights {
				g := got.Weights[i]
				if g.Name != w.Name || len(g.Shape) != len(w.Shape) {
					t.Fatalf("tensor %d: got %s%v, expected %s%v", i, g.Name, g.Shape, w.Name, w.Shape)
				}
				for j := range w.Data {
					if math.Float64bits(g.Data[j]) != math.Float64bits(w.Data[j]) {
						t.Errorf("%s[%d]: got %v, expected %v", w.Name, j, g.Data[j], w.Data[j])
					}
				}
			}

			// Load sniffs the format from the content
			sniffed, err := Load(path)
			if err != nil {
				t.Fatalf("Load failed: %v", err)
			}
			if len(sniffed.Weights) != 2 {
				t.Errorf("Load returned %d tensors", len(sniffed.Weights))
			}
		})
	}
}

func TestSaveBestCopy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "emotion.ckpt")
	saver := NewCheckpointSaver(FormatProto)

	if err := saver.Save(sampleCheckpoint(), path, false); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(BestPath(path)); !os.IsNotExist(err) {
		t.Fatal("best copy written for a non-best epoch")
	}

	if err := saver.Save(sampleCheckpoint(), path, true); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if BestPath(path) != filepath.Join(dir, "best-emotion.ckpt") {
		t.Errorf("unexpected best path %s", BestPath(path))
	}
	a, _ := os.ReadFile(path)
	b, err := os.ReadFile(BestPath(path))
	if err != nil {
		t.Fatalf("best copy missing: %v", err)
	}
	if !bytes.Equal(a, b) {
		t.Error("best copy must be byte-identical")
	}

	entries, _ := os.ReadDir(dir)
	if len(entries) != 2 {
		t.Errorf("expected checkpoint and best copy only, found %d files", len(entries))
	}
}

func TestLoadFailuresAreDeserializationErrors(t *testing.T) {
	dir := t.TempDir()
	corrupt := filepath.Join(dir, "corrupt.ckpt")
	os.WriteFile(corrupt, []byte{0x0a, 0xff, 0xff, 0x01}, 0644)
	badJSON := filepath.Join(dir, "bad.json")
	os.WriteFile(badJSON, []byte(`{"weights": [`), 0644)
	empty := filepath.Join(dir, "empty.ckpt")
	os.WriteFile(empty, nil, 0644)

	mismatched := filepath.Join(dir, "mismatched.json")
	ckpt := sampleCheckpoint()
	ckpt.Weights[0].Data = ckpt.Weights[0].Data[:2]
	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(ckpt, mismatched); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}

	tests := []struct {
		name   string
		path   string
		format CheckpointFormat
	}{
		{"missing", filepath.Join(dir, "nope.ckpt"), FormatProto},
		{"truncated proto", corrupt, FormatProto},
		{"truncated json", badJSON, FormatJSON},
		{"empty", empty, FormatProto},
		{"shape and data disagree", mismatched, FormatJSON},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCheckpointSaver(tt.format).LoadCheckpoint(tt.path)
			var derr *DeserializationError
			if !errors.As(err, &derr) {
				t.Fatalf("expected DeserializationError, got %v", err)
			}
			if derr.Path != tt.path {
				t.Errorf("error path %s, expected %s", derr.Path, tt.path)
			}
		})
	}
}

func TestProtoSaveRejectsInconsistentTensor(t *testing.T) {
	ckpt := sampleCheckpoint()
	ckpt.Weights[1].Shape = []int{4}
	err := NewCheckpointSaver(FormatProto).SaveCheckpoint(ckpt, filepath.Join(t.TempDir(), "x.ckpt"))
	if err == nil {
		t.Fatal("expected error for tensor with mismatched shape")
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    CheckpointFormat
		wantErr bool
	}{
		{"", FormatProto, false},
		{"proto", FormatProto, false},
		{"JSON", FormatJSON, false},
		{"onnx", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr || (!tt.wantErr && got != tt.want) {
			t.Errorf("ParseFormat(%q) = %v, %v", tt.in, got, err)
		}
	}
	if FormatFromPath("a/b.JSON") != FormatJSON || FormatFromPath("a/b.ckpt") != FormatProto {
		t.Error("FormatFromPath picked the wrong format")
	}
}
