// Package codec implements lossy vector compression for the cache and the
// resource governor.
//
// Three quantization methods are supported:
//
//   - Scalar quantization (SQ): each dimension is linearly mapped to an
//     8-bit code using the observed min/max. 4x compression.
//   - Product quantization (PQ): vectors are split into contiguous
//     subvectors, each quantized against a 256-entry codebook trained with
//     k-means. dim*4/M bytes per vector.
//   - IVF-PQ: vectors are first assigned to a coarse cluster; the residual
//     against the cluster centroid is PQ-encoded. Improves reconstruction
//     for large, clustered datasets.
//
// Compress produces a self-describing envelope: a fixed header carrying the
// method and geometry, followed by the trained quantizer state and the
// per-vector codes, optionally block-compressed with LZ4 or ZSTD.
// Decompress needs nothing but the envelope bytes.
//
// The Compressor is stateless per call apart from a per-method metrics map;
// it is safe for concurrent use.
package codec
