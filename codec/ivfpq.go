package codec

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand"

	"github.com/IvanBrykalov/vectorshard/internal/kmeans"
)

// ivfpqQuantizer assigns each vector to one of nlist coarse clusters and
// PQ-encodes the residual against the cluster centroid. The per-vector code
// is [cluster:uint16] followed by the residual's PQ codes.
type ivfpqQuantizer struct {
	dim   int
	nlist int
	iters int
	seed  int64

	coarse [][]float32 // nlist centroids of dim floats
	pq     *productQuantizer
}

func newIVFPQQuantizer(dim int, params Params) *ivfpqQuantizer {
	nlist := params.Clusters
	if nlist > math.MaxUint16 {
		nlist = math.MaxUint16
	}
	return &ivfpqQuantizer{
		dim:   dim,
		nlist: nlist,
		iters: params.KMeansIters,
		seed:  params.Seed,
		pq:    newProductQuantizer(dim, params),
	}
}

func (q *ivfpqQuantizer) train(vectors [][]float32) error {
	var rnd *rand.Rand
	if q.seed != 0 {
		rnd = rand.New(rand.NewSource(q.seed))
	}
	q.coarse = kmeans.Train(vectors, q.nlist, q.iters, rnd)

	// Train PQ on residuals so the codebooks model what they will encode.
	residuals := make([][]float32, len(vectors))
	for i, v := range vectors {
		residuals[i] = residual(v, q.coarse[kmeans.Nearest(v, q.coarse)])
	}
	return q.pq.train(residuals)
}

func (q *ivfpqQuantizer) encode(v []float32) []byte {
	c := kmeans.Nearest(v, q.coarse)
	code := make([]byte, 2+q.pq.codeSize())
	binary.LittleEndian.PutUint16(code[0:2], uint16(c))
	copy(code[2:], q.pq.encode(residual(v, q.coarse[c])))
	return code
}

func (q *ivfpqQuantizer) decode(code []byte) []float32 {
	c := int(binary.LittleEndian.Uint16(code[0:2]))
	if c >= len(q.coarse) {
		// Corrupt cluster id: reconstruct against cluster 0 instead of
		// panicking. The caller sees junk data, not a crash.
		c = 0
	}
	out := q.pq.decode(code[2:])
	centroid := q.coarse[c]
	for i := range out {
		out[i] += centroid[i]
	}
	return out
}

func (q *ivfpqQuantizer) codeSize() int { return 2 + q.pq.codeSize() }

// marshalState layout: [nlist:uint16][dim:uint16] + nlist*dim float32
// coarse centroids + embedded pq state.
func (q *ivfpqQuantizer) marshalState() []byte {
	pqState := q.pq.marshalState()
	b := make([]byte, 4+len(q.coarse)*q.dim*4+len(pqState))
	binary.LittleEndian.PutUint16(b[0:2], uint16(len(q.coarse)))
	binary.LittleEndian.PutUint16(b[2:4], uint16(q.dim))
	off := 4
	for _, centroid := range q.coarse {
		for _, f := range centroid {
			binary.LittleEndian.PutUint32(b[off:], math.Float32bits(f))
			off += 4
		}
	}
	copy(b[off:], pqState)
	return b
}

func unmarshalIVFPQQuantizer(b []byte) (*ivfpqQuantizer, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("%w: truncated ivfpq state", ErrInvalidInput)
	}
	nlist := int(binary.LittleEndian.Uint16(b[0:2]))
	dim := int(binary.LittleEndian.Uint16(b[2:4]))
	if nlist <= 0 || dim <= 0 {
		return nil, fmt.Errorf("%w: ivfpq geometry nlist=%d dim=%d", ErrInvalidInput, nlist, dim)
	}
	need := 4 + nlist*dim*4
	if len(b) < need {
		return nil, fmt.Errorf("%w: ivfpq state needs %d bytes, have %d", ErrInvalidInput, need, len(b))
	}

	coarse := make([][]float32, nlist)
	off := 4
	for c := range coarse {
		centroid := make([]float32, dim)
		for d := range centroid {
			centroid[d] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
			off += 4
		}
		coarse[c] = centroid
	}

	pq, _, err := unmarshalProductQuantizer(b[off:])
	if err != nil {
		return nil, err
	}
	if pq.dim != dim {
		return nil, fmt.Errorf("%w: ivfpq dim %d disagrees with pq dim %d", ErrInvalidInput, dim, pq.dim)
	}
	return &ivfpqQuantizer{dim: dim, nlist: nlist, coarse: coarse, pq: pq}, nil
}

func residual(v, centroid []float32) []float32 {
	out := make([]float32, len(v))
	for i := range v {
		out[i] = v[i] - centroid[i]
	}
	return out
}
