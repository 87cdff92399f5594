package tensor

import "math"

// Add adds src to dst element-wise.
func Add(dst, src []float32) {
	for i := range dst {
		dst[i] += src[i]
	}
}

// Scale multiplies x by s in place.
func Scale(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

// Dot computes the dot product of a and b.
func Dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// MatVec computes dst = w * x where w is a matrix and x is a vector.
// dst must have length w.R and x must have length w.C.
func MatVec(dst []float32, w *Mat, x []float32) {
	if len(dst) < w.R {
		panic("MatVec dst too small")
	}
	if len(x) < w.C {
		panic("MatVec input too small")
	}
	for i := 0; i < w.R; i++ {
		dst[i] = Dot(w.Row(i), x[:w.C])
	}
}

// RMSNorm performs Root Mean Square Normalization.
func RMSNorm(dst, src, weight []float32, eps float32) {
	var sum float32
	for _, v := range src {
		sum += v * v
	}
	mean := sum / float32(len(src))
	scale := float32(1.0) / float32(math.Sqrt(float64(mean+eps)))
	for i := range src {
		dst[i] = src[i] * scale * weight[i]
	}
}
