package codec

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// BlockCompression selects the byte-level compression applied to the
// envelope body (quantizer state + codes) on top of quantization.
type BlockCompression uint8

const (
	blockUnset BlockCompression = iota
	// BlockNone stores the body raw.
	BlockNone
	// BlockLZ4 favors speed; the right choice for hot cache payloads.
	BlockLZ4
	// BlockZSTD favors ratio; the right choice for cold payloads.
	BlockZSTD
)

// Envelope layout (little-endian):
//
//	[magic "vsq1"][version:1][method:1][block:1][reserved:1][dim:u32][count:u32]
//	body: [stateLen:u32][quantizer state][codes: count*codeSize]
//
// When block != BlockNone the body is framed as
// [uncompressedSize:u32][compressedSize:u32][data]; compressedSize == 0
// means the body was incompressible and is stored raw inside the frame.
const (
	envelopeVersion = 1
	headerSize      = 16
	blockFrameSize  = 8

	// maxBodyBytes bounds the decoded body size a frame may declare, so a
	// corrupt length field cannot force a huge allocation.
	maxBodyBytes = 1 << 30
)

var envelopeMagic = [4]byte{'v', 's', 'q', '1'}

type header struct {
	method Method
	block  BlockCompression
	dim    int
	count  int
}

var methodIDs = map[Method]byte{MethodSQ: 1, MethodPQ: 2, MethodIVFPQ: 3}

func methodFromID(id byte) (Method, bool) {
	for m, b := range methodIDs {
		if b == id {
			return m, true
		}
	}
	return "", false
}

func sealEnvelope(method Method, dim, count int, block BlockCompression, q quantizer, vectors [][]float32) ([]byte, error) {
	state := q.marshalState()
	body := make([]byte, 4+len(state)+count*q.codeSize())
	binary.LittleEndian.PutUint32(body[0:4], uint32(len(state)))
	copy(body[4:], state)
	off := 4 + len(state)
	for _, v := range vectors {
		off += copy(body[off:], q.encode(v))
	}

	framed, err := compressBody(body, block)
	if err != nil {
		return nil, err
	}

	blob := make([]byte, headerSize+len(framed))
	copy(blob[0:4], envelopeMagic[:])
	blob[4] = envelopeVersion
	blob[5] = methodIDs[method]
	blob[6] = byte(block)
	binary.LittleEndian.PutUint32(blob[8:12], uint32(dim))
	binary.LittleEndian.PutUint32(blob[12:16], uint32(count))
	copy(blob[headerSize:], framed)
	return blob, nil
}

func parseHeader(blob []byte) (header, error) {
	if len(blob) < headerSize {
		return header{}, fmt.Errorf("%w: envelope shorter than header", ErrInvalidInput)
	}
	if [4]byte(blob[0:4]) != envelopeMagic {
		return header{}, fmt.Errorf("%w: bad envelope magic", ErrInvalidInput)
	}
	if blob[4] != envelopeVersion {
		return header{}, fmt.Errorf("%w: envelope version %d", ErrInvalidInput, blob[4])
	}
	method, ok := methodFromID(blob[5])
	if !ok {
		return header{}, fmt.Errorf("%w: codec id %d", ErrUnsupportedMethod, blob[5])
	}
	block := BlockCompression(blob[6])
	if block != BlockNone && block != BlockLZ4 && block != BlockZSTD {
		return header{}, fmt.Errorf("%w: block compression id %d", ErrInvalidInput, blob[6])
	}
	h := header{
		method: method,
		block:  block,
		dim:    int(binary.LittleEndian.Uint32(blob[8:12])),
		count:  int(binary.LittleEndian.Uint32(blob[12:16])),
	}
	// Compress never produces an empty batch or a zero-dim vector, so a
	// header claiming either is corrupt.
	if h.dim <= 0 || h.count <= 0 {
		return header{}, fmt.Errorf("%w: envelope geometry dim=%d count=%d", ErrInvalidInput, h.dim, h.count)
	}
	return h, nil
}

func openEnvelope(blob []byte) ([][]float32, error) {
	h, err := parseHeader(blob)
	if err != nil {
		return nil, err
	}
	body, err := decompressBody(blob[headerSize:], h.block)
	if err != nil {
		return nil, err
	}
	if len(body) < 4 {
		return nil, fmt.Errorf("%w: truncated envelope body", ErrInvalidInput)
	}
	stateLen := int(binary.LittleEndian.Uint32(body[0:4]))
	if len(body) < 4+stateLen {
		return nil, fmt.Errorf("%w: envelope state needs %d bytes, have %d", ErrInvalidInput, stateLen, len(body)-4)
	}
	state := body[4 : 4+stateLen]
	codes := body[4+stateLen:]

	var q quantizer
	switch h.method {
	case MethodSQ:
		q, err = unmarshalScalarQuantizer(h.dim, state)
	case MethodPQ:
		q, _, err = unmarshalProductQuantizer(state)
	case MethodIVFPQ:
		q, err = unmarshalIVFPQQuantizer(state)
	}
	if err != nil {
		return nil, err
	}

	cs := q.codeSize()
	if len(codes) != h.count*cs {
		return nil, fmt.Errorf("%w: code section is %d bytes, want %d", ErrInvalidInput, len(codes), h.count*cs)
	}
	out := make([][]float32, h.count)
	for i := 0; i < h.count; i++ {
		out[i] = q.decode(codes[i*cs : (i+1)*cs])
	}
	return out, nil
}

// ---- block compression layer ----

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodyBytes))
	return dec
}

func compressBody(body []byte, block BlockCompression) ([]byte, error) {
	if block == BlockNone {
		return body, nil
	}

	var compressed []byte
	switch block {
	case BlockLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(body)))
		n, err := lz4.CompressBlock(body, buf, nil)
		if err != nil {
			return nil, err
		}
		compressed = buf[:n] // n == 0 means incompressible
	case BlockZSTD:
		enc := getZstdEncoder()
		compressed = enc.EncodeAll(body, nil)
		zstdEncoderPool.Put(enc)
	}

	// Store raw inside the frame when compression does not pay for itself.
	if len(compressed) == 0 || len(compressed) >= len(body) {
		framed := make([]byte, blockFrameSize+len(body))
		binary.LittleEndian.PutUint32(framed[0:4], uint32(len(body)))
		binary.LittleEndian.PutUint32(framed[4:8], 0)
		copy(framed[blockFrameSize:], body)
		return framed, nil
	}

	framed := make([]byte, blockFrameSize+len(compressed))
	binary.LittleEndian.PutUint32(framed[0:4], uint32(len(body)))
	binary.LittleEndian.PutUint32(framed[4:8], uint32(len(compressed)))
	copy(framed[blockFrameSize:], compressed)
	return framed, nil
}

func decompressBody(framed []byte, block BlockCompression) ([]byte, error) {
	if block == BlockNone {
		return framed, nil
	}
	if len(framed) < blockFrameSize {
		return nil, fmt.Errorf("%w: truncated block frame", ErrInvalidInput)
	}
	uncompressedSize := int(binary.LittleEndian.Uint32(framed[0:4]))
	compressedSize := int(binary.LittleEndian.Uint32(framed[4:8]))
	data := framed[blockFrameSize:]

	if uncompressedSize > maxBodyBytes {
		return nil, fmt.Errorf("%w: block frame claims %d bytes", ErrInvalidInput, uncompressedSize)
	}

	if compressedSize == 0 {
		if len(data) < uncompressedSize {
			return nil, fmt.Errorf("%w: raw block frame too small", ErrInvalidInput)
		}
		return data[:uncompressedSize], nil
	}
	if len(data) < compressedSize {
		return nil, fmt.Errorf("%w: compressed block frame too small", ErrInvalidInput)
	}

	switch block {
	case BlockLZ4:
		// LZ4 blocks cannot expand past ~255x; anything beyond is corrupt.
		if uncompressedSize > 255*compressedSize+16 {
			return nil, fmt.Errorf("%w: implausible lz4 expansion %d -> %d", ErrInvalidInput, compressedSize, uncompressedSize)
		}
		out := make([]byte, uncompressedSize)
		n, err := lz4.UncompressBlock(data[:compressedSize], out)
		if err != nil {
			return nil, err
		}
		return out[:n], nil
	case BlockZSTD:
		dec := getZstdDecoder()
		out, err := dec.DecodeAll(data[:compressedSize], nil)
		zstdDecoderPool.Put(dec)
		if err == nil && len(out) != uncompressedSize {
			return nil, fmt.Errorf("%w: zstd frame decoded %d bytes, header says %d", ErrInvalidInput, len(out), uncompressedSize)
		}
		return out, err
	}
	return nil, fmt.Errorf("%w: block compression id %d", ErrInvalidInput, block)
}
