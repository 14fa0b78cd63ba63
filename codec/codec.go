package codec

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/IvanBrykalov/vectorshard/event"
)

// Method identifies a quantization codec.
type Method string

const (
	// MethodAuto lets the compressor pick a method from the batch geometry.
	MethodAuto Method = ""
	// MethodSQ is 8-bit scalar quantization.
	MethodSQ Method = "sq"
	// MethodPQ is product quantization.
	MethodPQ Method = "pq"
	// MethodIVFPQ is product quantization of residuals against coarse clusters.
	MethodIVFPQ Method = "ivfpq"
)

var (
	// ErrInvalidInput is returned for an empty batch, an empty vector, or
	// inconsistent dimensions within a batch.
	ErrInvalidInput = errors.New("codec: invalid input")
	// ErrUnsupportedMethod is returned for an unknown codec identifier.
	ErrUnsupportedMethod = errors.New("codec: unsupported method")
)

// Auto-selection geometry cutoffs.
const (
	autoIVFPQMinDim   = 512
	autoIVFPQMinBytes = 1000 << 20 // 1000 MB
	autoPQMinDim      = 256
)

// Params tunes a quantizer. Zero values take defaults in withDefaults.
type Params struct {
	// Subvectors is M for PQ/IVF-PQ. Reduced to the largest divisor of the
	// dimension if it does not divide evenly. Default 8.
	Subvectors int
	// Bits is the code width per dimension/subvector. Only 8 is supported.
	Bits int
	// Clusters is the IVF coarse cluster count (nlist). Default 64.
	Clusters int
	// KMeansIters bounds codebook training. Default 20.
	KMeansIters int
	// Seed makes training deterministic when non-zero.
	Seed int64
}

func (p Params) withDefaults() Params {
	if p.Subvectors <= 0 {
		p.Subvectors = 8
	}
	if p.Bits <= 0 {
		p.Bits = 8
	}
	if p.Clusters <= 0 {
		p.Clusters = 64
	}
	if p.KMeansIters <= 0 {
		p.KMeansIters = 20
	}
	return p
}

// Metrics describes the outcome of the most recent Compress call for a
// method. Last write wins; queryable independently of any call.
type Metrics struct {
	Method          Method
	OriginalBytes   int64
	CompressedBytes int64
	// Ratio is OriginalBytes / CompressedBytes, exact.
	Ratio float64
	// Accuracy is the mean cosine similarity between the original and the
	// reconstructed vectors (0..1).
	Accuracy float64
	// VectorsPerSec is the observed compression throughput.
	VectorsPerSec float64
}

// Options configures a Compressor. Zero values are safe; defaults are
// applied in New.
type Options struct {
	// MinAccuracy is the acceptance floor for reconstruction accuracy.
	// Falling below it emits a compression_degraded event, never an error.
	// Default 0.9.
	MinAccuracy float64
	// Block selects the envelope's byte-level block compression layer.
	// Default BlockLZ4.
	Block BlockCompression
	// Sink receives compression_degraded events. Nil drops them.
	Sink event.Sink
}

// Compressor turns vector batches into compact envelopes and back.
// Stateless per call; the only shared state is the metrics map.
type Compressor struct {
	opt Options

	mu      sync.RWMutex
	metrics map[Method]Metrics
}

// New constructs a Compressor with defaults applied.
func New(opt Options) *Compressor {
	if opt.MinAccuracy <= 0 {
		opt.MinAccuracy = 0.9
	}
	if opt.Block == blockUnset {
		opt.Block = BlockLZ4
	}
	return &Compressor{
		opt:     opt,
		metrics: make(map[Method]Metrics),
	}
}

// AutoSelect picks a method from the vector dimension and the dataset size
// in bytes: big and wide goes IVF-PQ, wide goes PQ, everything else SQ.
func (c *Compressor) AutoSelect(dim int, datasetBytes int64) Method {
	switch {
	case dim >= autoIVFPQMinDim && datasetBytes >= autoIVFPQMinBytes:
		return MethodIVFPQ
	case dim >= autoPQMinDim:
		return MethodPQ
	default:
		return MethodSQ
	}
}

// Compress encodes a batch of vectors with the given method (MethodAuto to
// select one) and returns the envelope plus per-call metrics.
func (c *Compressor) Compress(vectors [][]float32, method Method, params Params) ([]byte, Metrics, error) {
	if len(vectors) == 0 {
		return nil, Metrics{}, fmt.Errorf("%w: empty batch", ErrInvalidInput)
	}
	dim := len(vectors[0])
	if dim == 0 {
		return nil, Metrics{}, fmt.Errorf("%w: zero-dimension vector", ErrInvalidInput)
	}
	for i, v := range vectors {
		if len(v) != dim {
			return nil, Metrics{}, fmt.Errorf("%w: vector %d has dim %d, want %d", ErrInvalidInput, i, len(v), dim)
		}
	}

	params = params.withDefaults()
	if params.Bits != 8 {
		return nil, Metrics{}, fmt.Errorf("%w: %d-bit codes (only 8 supported)", ErrInvalidInput, params.Bits)
	}

	originalBytes := int64(len(vectors)) * int64(dim) * 4
	if method == MethodAuto {
		method = c.AutoSelect(dim, originalBytes)
	}

	q, err := newQuantizer(method, dim, params)
	if err != nil {
		return nil, Metrics{}, err
	}

	start := time.Now()
	if err := q.train(vectors); err != nil {
		return nil, Metrics{}, err
	}
	blob, err := sealEnvelope(method, dim, len(vectors), c.opt.Block, q, vectors)
	if err != nil {
		return nil, Metrics{}, err
	}
	elapsed := time.Since(start)

	m := Metrics{
		Method:          method,
		OriginalBytes:   originalBytes,
		CompressedBytes: int64(len(blob)),
		Ratio:           float64(originalBytes) / float64(len(blob)),
		Accuracy:        reconstructionAccuracy(q, vectors),
	}
	if secs := elapsed.Seconds(); secs > 0 {
		m.VectorsPerSec = float64(len(vectors)) / secs
	}

	c.mu.Lock()
	c.metrics[method] = m
	c.mu.Unlock()

	if m.Accuracy < c.opt.MinAccuracy {
		event.Emit(c.opt.Sink, event.CompressionDegraded, map[string]any{
			"method":       string(method),
			"accuracy":     m.Accuracy,
			"min_accuracy": c.opt.MinAccuracy,
		})
	}

	return blob, m, nil
}

// Decompress reconstructs the vector batch from an envelope produced by
// Compress. Reconstruction is lossy within the codec's accuracy bound.
func (c *Compressor) Decompress(blob []byte) ([][]float32, error) {
	return openEnvelope(blob)
}

// MethodOf reports the codec identifier stored in an envelope without
// decoding the payload.
func MethodOf(blob []byte) (Method, error) {
	h, err := parseHeader(blob)
	if err != nil {
		return "", err
	}
	return h.method, nil
}

// MetricsFor returns the last recorded metrics for a method.
func (c *Compressor) MetricsFor(method Method) (Metrics, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.metrics[method]
	return m, ok
}

// Snapshot copies the per-method metrics map.
func (c *Compressor) Snapshot() map[Method]Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Method]Metrics, len(c.metrics))
	for k, v := range c.metrics {
		out[k] = v
	}
	return out
}

// AverageRatio is the mean compression ratio across all methods that have
// run at least once; 0 when none have.
func (c *Compressor) AverageRatio() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.metrics) == 0 {
		return 0
	}
	var sum float64
	for _, m := range c.metrics {
		sum += m.Ratio
	}
	return sum / float64(len(c.metrics))
}

// quantizer is the per-method codec contract. Implementations are not safe
// for concurrent use; the Compressor builds one per Compress call.
type quantizer interface {
	train(vectors [][]float32) error
	encode(v []float32) []byte
	decode(code []byte) []float32
	codeSize() int
	marshalState() []byte
}

func newQuantizer(method Method, dim int, params Params) (quantizer, error) {
	switch method {
	case MethodSQ:
		return newScalarQuantizer(dim), nil
	case MethodPQ:
		return newProductQuantizer(dim, params), nil
	case MethodIVFPQ:
		return newIVFPQQuantizer(dim, params), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}
}

// reconstructionAccuracy is the mean cosine similarity between the
// originals and their round-tripped reconstructions.
func reconstructionAccuracy(q quantizer, vectors [][]float32) float64 {
	var sum float64
	for _, v := range vectors {
		sum += cosineSimilarity(v, q.decode(q.encode(v)))
	}
	return sum / float64(len(vectors))
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		// Zero vectors reconstruct exactly under every codec here.
		if na == nb {
			return 1
		}
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
