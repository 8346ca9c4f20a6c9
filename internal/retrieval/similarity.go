package retrieval

import "math"

// scoreQuantum is the resolution similarities are rounded to.
const scoreQuantum = 1e12

// norm returns the L2 norm of a vector.
func norm(v []float32) float64 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return math.Sqrt(sum)
}

// cosine computes dot(a,b) / (aNorm * bNorm) from precomputed norms. A zero
// norm on either side scores 0.
func cosine(a, b []float32, aNorm, bNorm float64) float64 {
	if len(a) != len(b) || aNorm == 0 || bNorm == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	sim := dot / (aNorm * bNorm)
	// Parallel vectors of different lengths must score equal so that ties
	// keep corpus order; quantize away float noise before clamping.
	sim = math.Round(sim*scoreQuantum) / scoreQuantum
	return math.Max(-1, math.Min(1, sim))
}

// Cosine returns the cosine similarity of a and b, or 0 if either has zero
// norm or their lengths differ.
func Cosine(a, b []float32) float64 {
	return cosine(a, b, norm(a), norm(b))
}
