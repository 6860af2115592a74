package checkpoints

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota // protobuf wire encoding, the default
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// Extension returns the file extension used for the format
func (cf CheckpointFormat) Extension() string {
	if cf == FormatJSON {
		return ".json"
	}
	return ".ckpt"
}

// ParseFormat maps a case-insensitive format name to a CheckpointFormat
func ParseFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(name) {
	case "", "proto", "protobuf", "ckpt":
		return FormatProto, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, errors.Errorf("unknown checkpoint format %q", name)
	}
}

// FormatFromPath guesses the format from a file extension, defaulting to proto
func FormatFromPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatProto
}

// Checkpoint represents a complete model state: architecture, weights and
// training progress
type Checkpoint struct {
	Architecture  Architecture       `json:"architecture"`
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// Architecture records the network shape a checkpoint was taken from
type Architecture struct {
	Layers     []int `json:"layers"`
	BaseWidth  int   `json:"base_width"`
	NumClasses int   `json:"num_classes"`
	InChannels int   `json:"in_channels"`
}

// Equal compares two architectures
func (a Architecture) Equal(b Architecture) bool {
	if len(a.Layers) != len(b.Layers) {
		return false
	}
	for i := range a.Layers {
		if a.Layers[i] != b.Layers[i] {
			return false
		}
	}
	return a.BaseWidth == b.BaseWidth && a.NumClasses == b.NumClasses && a.InChannels == b.InChannels
}

func (a Architecture) String() string {
	return fmt.Sprintf("layers=%v base_width=%d classes=%d in_channels=%d", a.Layers, a.BaseWidth, a.NumClasses, a.InChannels)
}

// WeightTensor is a named parameter or buffer with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float64 `json:"data"`
}

// Validate checks that the data length matches the shape
func (w WeightTensor) Validate() error {
	n := 1
	for _, d := range w.Shape {
		if d <= 0 {
			return errors.Errorf("tensor %s has invalid shape %v", w.Name, w.Shape)
		}
		n *= d
	}
	if n != len(w.Data) {
		return errors.Errorf("tensor %s: shape %v needs %d values, has %d", w.Name, w.Shape, n, len(w.Data))
	}
	return nil
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	BestAccuracy float64 `json:"best_accuracy"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
	Classes   []string  `json:"classes,omitempty"`
}

const (
	frameworkName = "go-emotionnet"
	formatVersion = "1.0.0"
)

// DeserializationError reports a checkpoint that is missing, corrupt or
// incompatible with the model it is loaded into
type DeserializationError struct {
	Path string
	Err  error
}

func (e *DeserializationError) Error() string {
	return fmt.Sprintf("cannot load checkpoint %s: %v", e.Path, e.Err)
}

func (e *DeserializationError) Unwrap() error { return e.Err }

// Cause supports github.com/pkg/errors.Cause
func (e *DeserializationError) Cause() error { return e.Err }

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// Format returns the saver's format
func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// BestPath returns the location of the best copy of path: the same
// directory with the base name prefixed by "best-"
func BestPath(path string) string {
	dir, base := filepath.Split(path)
	return filepath.Join(dir, "best-"+base)
}

// SaveCheckpoint writes the checkpoint to path. The file is written to a
// temporary name first and renamed into place.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = formatVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatProto:
		data, err = marshalProto(checkpoint)
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return errors.Wrapf(err, "failed to encode checkpoint as %s", cs.format)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return errors.Wrap(err, "failed to create checkpoint directory")
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to move checkpoint into place")
	}
	return nil
}

// Save writes the checkpoint to path and, when isBest is set, copies the
// written file to BestPath(path)
func (cs *CheckpointSaver) Save(checkpoint *Checkpoint, path string, isBest bool) error {
	if err := cs.SaveCheckpoint(checkpoint, path); err != nil {
		return err
	}
	if isBest {
		if err := copyFile(path, BestPath(path)); err != nil {
			return errors.Wrap(err, "failed to copy best checkpoint")
		}
	}
	return nil
}

// LoadCheckpoint reads a checkpoint. Every failure is a *DeserializationError.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DeserializationError{Path: path, Err: err}
	}
	return decode(path, data, cs.format)
}

// Load reads a checkpoint in either format, sniffing the content
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DeserializationError{Path: path, Err: err}
	}
	format := FormatProto
	if len(data) > 0 && data[0] == '{' {
		format = FormatJSON
	}
	return decode(path, data, format)
}

func decode(path string, data []byte, format CheckpointFormat) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	var err error
	switch format {
	case FormatProto:
		err = unmarshalProto(data, checkpoint)
	case FormatJSON:
		err = json.Unmarshal(data, checkpoint)
	default:
		err = errors.Errorf("unsupported checkpoint format: %s", format)
	}
	if err != nil {
		return nil, &DeserializationError{Path: path, Err: err}
	}
	if len(checkpoint.Weights) == 0 {
		return nil, &DeserializationError{Path: path, Err: errors.New("checkpoint holds no weights")}
	}
	for _, w := range checkpoint.Weights {
		if err := w.Validate(); err != nil {
			return nil, &DeserializationError{Path: path, Err: err}
		}
	}
	return checkpoint, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
