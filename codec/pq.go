package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/IvanBrykalov/vectorshard/internal/kmeans"
)

const pqCentroids = 256 // one uint8 code per subvector

// productQuantizer splits each vector into m contiguous subvectors and
// quantizes every subvector against its own k-means codebook.
type productQuantizer struct {
	dim    int
	m      int // subvector count
	subDim int // dim / m
	iters  int
	seed   int64

	// codebooks[s][c] is centroid c of subspace s, subDim floats.
	codebooks [][][]float32
}

func newProductQuantizer(dim int, params Params) *productQuantizer {
	m := params.Subvectors
	if m > dim {
		m = dim
	}
	// Shrink to the largest divisor of dim so subvectors tile evenly.
	for dim%m != 0 {
		m--
	}
	return &productQuantizer{
		dim:    dim,
		m:      m,
		subDim: dim / m,
		iters:  params.KMeansIters,
		seed:   params.Seed,
	}
}

func (pq *productQuantizer) train(vectors [][]float32) error {
	var rnd *rand.Rand
	if pq.seed != 0 {
		rnd = rand.New(rand.NewSource(pq.seed))
	}
	pq.codebooks = make([][][]float32, pq.m)
	for s := 0; s < pq.m; s++ {
		sub := make([][]float32, len(vectors))
		start := s * pq.subDim
		for i, vec := range vectors {
			sub[i] = vec[start : start+pq.subDim]
		}
		pq.codebooks[s] = kmeans.Train(sub, pqCentroids, pq.iters, rnd)
	}
	return nil
}

func (pq *productQuantizer) encode(v []float32) []byte {
	codes := make([]byte, pq.m)
	for s := 0; s < pq.m; s++ {
		start := s * pq.subDim
		codes[s] = uint8(kmeans.Nearest(v[start:start+pq.subDim], pq.codebooks[s]))
	}
	return codes
}

func (pq *productQuantizer) decode(code []byte) []float32 {
	out := make([]float32, pq.dim)
	for s := 0; s < pq.m; s++ {
		copy(out[s*pq.subDim:], pq.codebooks[s][code[s]])
	}
	return out
}

func (pq *productQuantizer) codeSize() int { return pq.m }

// marshalState layout (little-endian):
// [m:uint16][subDim:uint16] then m*256*subDim float32 codebook entries.
func (pq *productQuantizer) marshalState() []byte {
	b := make([]byte, 4+pq.m*pqCentroids*pq.subDim*4)
	binary.LittleEndian.PutUint16(b[0:2], uint16(pq.m))
	binary.LittleEndian.PutUint16(b[2:4], uint16(pq.subDim))
	off := 4
	for _, book := range pq.codebooks {
		for _, centroid := range book {
			for _, f := range centroid {
				binary.LittleEndian.PutUint32(b[off:], math.Float32bits(f))
				off += 4
			}
		}
	}
	return b
}

// unmarshalProductQuantizer consumes its state prefix from b and returns
// the quantizer plus the number of bytes read.
func unmarshalProductQuantizer(b []byte) (*productQuantizer, int, error) {
	if len(b) < 4 {
		return nil, 0, fmt.Errorf("%w: truncated pq state", ErrInvalidInput)
	}
	m := int(binary.LittleEndian.Uint16(b[0:2]))
	subDim := int(binary.LittleEndian.Uint16(b[2:4]))
	if m <= 0 || subDim <= 0 {
		return nil, 0, fmt.Errorf("%w: pq geometry %dx%d", ErrInvalidInput, m, subDim)
	}
	need := 4 + m*pqCentroids*subDim*4
	if len(b) < need {
		return nil, 0, fmt.Errorf("%w: pq state needs %d bytes, have %d", ErrInvalidInput, need, len(b))
	}

	pq := &productQuantizer{dim: m * subDim, m: m, subDim: subDim}
	pq.codebooks = make([][][]float32, m)
	off := 4
	for s := 0; s < m; s++ {
		book := make([][]float32, pqCentroids)
		for c := range book {
			centroid := make([]float32, subDim)
			for d := range centroid {
				centroid[d] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
				off += 4
			}
			book[c] = centroid
		}
		pq.codebooks[s] = book
	}
	return pq, need, nil
}
