package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// scalarQuantizer linearly maps each dimension to an 8-bit code using the
// global min/max observed during training.
type scalarQuantizer struct {
	dim      int
	min, max float32
}

func newScalarQuantizer(dim int) *scalarQuantizer {
	return &scalarQuantizer{dim: dim, min: 0, max: 1}
}

func (sq *scalarQuantizer) train(vectors [][]float32) error {
	sq.min = math.MaxFloat32
	sq.max = -math.MaxFloat32
	for _, vec := range vectors {
		for _, val := range vec {
			if val < sq.min {
				sq.min = val
			}
			if val > sq.max {
				sq.max = val
			}
		}
	}
	// Degenerate batch: all values identical.
	if sq.min == sq.max {
		sq.max = sq.min + 1
	}
	return nil
}

func (sq *scalarQuantizer) encode(v []float32) []byte {
	codes := make([]byte, len(v))
	scale := 255.0 / (sq.max - sq.min)
	for i, val := range v {
		if val < sq.min {
			val = sq.min
		} else if val > sq.max {
			val = sq.max
		}
		codes[i] = uint8((val-sq.min)*scale + 0.5)
	}
	return codes
}

func (sq *scalarQuantizer) decode(code []byte) []float32 {
	out := make([]float32, len(code))
	scale := (sq.max - sq.min) / 255.0
	for i, c := range code {
		out[i] = float32(c)*scale + sq.min
	}
	return out
}

func (sq *scalarQuantizer) codeSize() int { return sq.dim }

// marshalState layout (little-endian): [min:float32][max:float32].
func (sq *scalarQuantizer) marshalState() []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], math.Float32bits(sq.min))
	binary.LittleEndian.PutUint32(b[4:8], math.Float32bits(sq.max))
	return b
}

func unmarshalScalarQuantizer(dim int, state []byte) (*scalarQuantizer, error) {
	if len(state) != 8 {
		return nil, fmt.Errorf("%w: scalar quantizer state length %d", ErrInvalidInput, len(state))
	}
	return &scalarQuantizer{
		dim: dim,
		min: math.Float32frombits(binary.LittleEndian.Uint32(state[0:4])),
		max: math.Float32frombits(binary.LittleEndian.Uint32(state[4:8])),
	}, nil
}
