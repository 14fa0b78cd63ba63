// Package kmeans implements the clustering used to train quantizer
// codebooks (product quantization sub-codebooks and IVF coarse centroids).
package kmeans

import "math/rand"

// Train clusters vectors into k centroids using Lloyd's algorithm with
// k-means++ seeding. When fewer than k vectors are available the input is
// cycled to fill the codebook, which keeps Encode total for tiny batches.
// rnd may be nil; a fixed-seed source makes training deterministic.
func Train(vectors [][]float32, k, maxIters int, rnd *rand.Rand) [][]float32 {
	if len(vectors) == 0 || k <= 0 {
		return nil
	}
	dim := len(vectors[0])

	if len(vectors) < k {
		centroids := make([][]float32, k)
		for i := range centroids {
			centroids[i] = make([]float32, dim)
			copy(centroids[i], vectors[i%len(vectors)])
		}
		return centroids
	}

	if rnd == nil {
		rnd = rand.New(rand.NewSource(rand.Int63()))
	}

	centroids := seedPlusPlus(vectors, k, rnd)

	assign := make([]int, len(vectors))
	counts := make([]int, k)
	sums := make([][]float32, k)
	for i := range sums {
		sums[i] = make([]float32, dim)
	}

	for iter := 0; iter < maxIters; iter++ {
		moved := 0
		for i, v := range vectors {
			c := Nearest(v, centroids)
			if c != assign[i] {
				assign[i] = c
				moved++
			}
		}
		if iter > 0 && moved == 0 {
			break
		}

		for i := range sums {
			counts[i] = 0
			clear(sums[i])
		}
		for i, v := range vectors {
			c := assign[i]
			counts[c]++
			for d, x := range v {
				sums[c][d] += x
			}
		}
		for c := range centroids {
			if counts[c] == 0 {
				// Re-seed empty clusters from a random vector.
				copy(centroids[c], vectors[rnd.Intn(len(vectors))])
				continue
			}
			inv := 1 / float32(counts[c])
			for d := range centroids[c] {
				centroids[c][d] = sums[c][d] * inv
			}
		}
	}

	return centroids
}

// Nearest returns the index of the centroid closest to v (squared L2).
func Nearest(v []float32, centroids [][]float32) int {
	best := 0
	bestDist := distSq(v, centroids[0])
	for i := 1; i < len(centroids); i++ {
		if d := distSq(v, centroids[i]); d < bestDist {
			best, bestDist = i, d
		}
	}
	return best
}

// seedPlusPlus picks initial centroids with k-means++ weighting: each new
// seed is drawn proportionally to the squared distance from the nearest
// already-chosen seed.
func seedPlusPlus(vectors [][]float32, k int, rnd *rand.Rand) [][]float32 {
	dim := len(vectors[0])
	centroids := make([][]float32, k)
	for i := range centroids {
		centroids[i] = make([]float32, dim)
	}

	copy(centroids[0], vectors[rnd.Intn(len(vectors))])

	minDistSq := make([]float32, len(vectors))
	for i, v := range vectors {
		minDistSq[i] = distSq(v, centroids[0])
	}

	for c := 1; c < k; c++ {
		var sum float32
		for _, d := range minDistSq {
			sum += d
		}
		if sum == 0 {
			copy(centroids[c], vectors[rnd.Intn(len(vectors))])
			continue
		}
		target := rnd.Float32() * sum
		idx := len(vectors) - 1
		var acc float32
		for i, d := range minDistSq {
			acc += d
			if acc >= target {
				idx = i
				break
			}
		}
		copy(centroids[c], vectors[idx])

		for i, v := range vectors {
			if d := distSq(v, centroids[c]); d < minDistSq[i] {
				minDistSq[i] = d
			}
		}
	}

	return centroids
}

func distSq(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}
