package checkpoints

import (
	"math"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout, in protobuf terms:
//
//	message Checkpoint {
//	  Architecture architecture = 1;
//	  repeated WeightTensor weights = 2;
//	  TrainingState training_state = 3;
//	  Metadata metadata = 4;
//	}
//	message Architecture { repeated int64 layers = 1; int64 base_width = 2; int64 num_classes = 3; int64 in_channels = 4; }
//	message WeightTensor { string name = 1; repeated int64 shape = 2; repeated double data = 3; }
//	message TrainingState { int64 epoch = 1; double best_accuracy = 2; }
//	message Metadata { string version = 1; string framework = 2; int64 created_at_unix_nano = 3; repeated string classes = 4; }
//
// Doubles are stored as fixed64 so weights round-trip bit for bit.

const (
	fieldArchitecture  protowire.Number = 1
	fieldWeights       protowire.Number = 2
	fieldTrainingState protowire.Number = 3
	fieldMetadata      protowire.Number = 4
)

func marshalProto(c *Checkpoint) ([]byte, error) {
	var b []byte
	b = protowire.AppendTag(b, fieldArchitecture, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalArchitecture(c.Architecture))
	for _, w := range c.Weights {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		b = protowire.AppendTag(b, fieldWeights, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalWeight(w))
	}
	b = protowire.AppendTag(b, fieldTrainingState, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalTrainingState(c.TrainingState))
	b = protowire.AppendTag(b, fieldMetadata, protowire.BytesType)
	b = protowire.AppendBytes(b, marshalMetadata(c.Metadata))
	return b, nil
}

func appendPackedInts(b []byte, num protowire.Number, values []int) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendDouble(b []byte, num protowire.Number, v float64) []byte {
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, math.Float64bits(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func marshalArchitecture(a Architecture) []byte {
	b := appendPackedInts(nil, 1, a.Layers)
	b = appendInt(b, 2, int64(a.BaseWidth))
	b = appendInt(b, 3, int64(a.NumClasses))
	return appendInt(b, 4, int64(a.InChannels))
}

func marshalWeight(w WeightTensor) []byte {
	b := appendString(nil, 1, w.Name)
	b = appendPackedInts(b, 2, w.Shape)
	packed := make([]byte, 0, 8*len(w.Data))
	for _, v := range w.Data {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	b = protowire.AppendTag(b, 3, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func marshalTrainingState(s TrainingState) []byte {
	b := appendInt(nil, 1, int64(s.Epoch))
	return appendDouble(b, 2, s.BestAccuracy)
}

func marshalMetadata(m CheckpointMetadata) []byte {
	b := appendString(nil, 1, m.Version)
	b = appendString(b, 2, m.Framework)
	b = appendInt(b, 3, m.CreatedAt.UnixNano())
	for _, c := range m.Classes {
		b = appendString(b, 4, c)
	}
	return b
}

// fieldFunc handles one decoded field and returns the bytes consumed
type fieldFunc func(num protowire.Number, typ protowire.Type, b []byte) (int, error)

// walk iterates the fields of a message, skipping unknown ones
func walk(b []byte, handle fieldFunc) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]
		m, err := handle(num, typ, b)
		if err != nil {
			return err
		}
		if m == 0 {
			m = protowire.ConsumeFieldValue(num, typ, b)
		}
		if m < 0 {
			return protowire.ParseError(m)
		}
		b = b[m:]
	}
	return nil
}

func consumeBytes(typ protowire.Type, b []byte) ([]byte, int, error) {
	if typ != protowire.BytesType {
		return nil, 0, errors.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return nil, 0, protowire.ParseError(n)
	}
	return v, n, nil
}

func consumeInt(typ protowire.Type, b []byte) (int64, int, error) {
	if typ != protowire.VarintType {
		return 0, 0, errors.Errorf("unexpected wire type %d", typ)
	}
	v, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return 0, 0, protowire.ParseError(n)
	}
	return int64(v), n, nil
}

// consumeInts accepts both packed and unpacked repeated varints
func consumeInts(typ protowire.Type, b []byte, out *[]int) (int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeInt(typ, b)
		if err != nil {
			return 0, err
		}
		*out = append(*out, int(v))
		return n, nil
	}
	packed, n, err := consumeBytes(typ, b)
	if err != nil {
		return 0, err
	}
	for len(packed) > 0 {
		v, m := protowire.ConsumeVarint(packed)
		if m < 0 {
			return 0, protowire.ParseError(m)
		}
		*out = append(*out, int(int64(v)))
		packed = packed[m:]
	}
	return n, nil
}

func unmarshalProto(b []byte, c *Checkpoint) error {
	seenArchitecture := false
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case fieldArchitecture:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, errors.Wrap(err, "architecture")
			}
			seenArchitecture = true
			return n, errors.Wrap(unmarshalArchitecture(v, &c.Architecture), "architecture")
		case fieldWeights:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, errors.Wrap(err, "weights")
			}
			var w WeightTensor
			if err := unmarshalWeight(v, &w); err != nil {
				return 0, errors.Wrapf(err, "weight %d", len(c.Weights))
			}
			c.Weights = append(c.Weights, w)
			return n, nil
		case fieldTrainingState:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, errors.Wrap(err, "training state")
			}
			return n, errors.Wrap(unmarshalTrainingState(v, &c.TrainingState), "training state")
		case fieldMetadata:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, errors.Wrap(err, "metadata")
			}
			return n, errors.Wrap(unmarshalMetadata(v, &c.Metadata), "metadata")
		}
		return 0, nil
	})
	if err != nil {
		return err
	}
	if !seenArchitecture {
		return errors.New("missing architecture")
	}
	return nil
}

func unmarshalArchitecture(b []byte, a *Architecture) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeInts(typ, b, &a.Layers)
		case 2, 3, 4:
			v, n, err := consumeInt(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 2:
				a.BaseWidth = int(v)
			case 3:
				a.NumClasses = int(v)
			case 4:
				a.InChannels = int(v)
			}
			return n, nil
		}
		return 0, nil
	})
}

func unmarshalWeight(b []byte, w *WeightTensor) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			w.Name = string(v)
			return n, nil
		case 2:
			return consumeInts(typ, b, &w.Shape)
		case 3:
			if typ == protowire.Fixed64Type {
				v, n := protowire.ConsumeFixed64(b)
				if n < 0 {
					return 0, protowire.ParseError(n)
				}
				w.Data = append(w.Data, math.Float64frombits(v))
				return n, nil
			}
			packed, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			if len(packed)%8 != 0 {
				return 0, errors.Errorf("packed doubles of %d bytes", len(packed))
			}
			for len(packed) > 0 {
				v, _ := protowire.ConsumeFixed64(packed)
				w.Data = append(w.Data, math.Float64frombits(v))
				packed = packed[8:]
			}
			return n, nil
		}
		return 0, nil
	})
}

func unmarshalTrainingState(b []byte, s *TrainingState) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			v, n, err := consumeInt(typ, b)
			s.Epoch = int(v)
			return n, err
		case 2:
			if typ != protowire.Fixed64Type {
				return 0, errors.Errorf("unexpected wire type %d", typ)
			}
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return 0, protowire.ParseError(n)
			}
			s.BestAccuracy = math.Float64frombits(v)
			return n, nil
		}
		return 0, nil
	})
}

func unmarshalMetadata(b []byte, m *CheckpointMetadata) error {
	return walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1, 2, 4:
			v, n, err := consumeBytes(typ, b)
			if err != nil {
				return 0, err
			}
			switch num {
			case 1:
				m.Version = string(v)
			case 2:
				m.Framework = string(v)
			case 4:
				m.Classes = append(m.Classes, string(v))
			}
			return n, nil
		case 3:
			v, n, err := consumeInt(typ, b)
			if err != nil {
				return 0, err
			}
			m.CreatedAt = time.Unix(0, v).UTC()
			return n, nil
		}
		return 0, nil
	})
}
