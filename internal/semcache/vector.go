package semcache

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"math"
)

// roundPrecision is the decimal precision applied to embedding components
// before hashing. Rounding keeps tiny floating-point variations between runs
// of the embedding model from defeating the exact-match path.
const roundPrecision = 4

// Cosine computes the cosine similarity between two embedding vectors: the
// dot product over the product of magnitudes. Vectors of mismatched length or
// zero magnitude yield 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, magA, magB float64
	for i := range a {
		x := float64(a[i])
		y := float64(b[i])
		dot += x * y
		magA += x * x
		magB += y * y
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

// embeddingHash produces a deterministic FNV-1a hash of the rounded embedding,
// hex-encoded for use in cache keys.
func embeddingHash(embedding []float32) string {
	scale := math.Pow10(roundPrecision)
	h := fnv.New64a()
	var buf [8]byte
	for _, component := range embedding {
		rounded := math.Round(float64(component)*scale) / scale
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(rounded))
		_, _ = h.Write(buf[:])
	}
	return fmt.Sprintf("%016x", h.Sum64())
}
