package stream

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// merge folds a batch of m observations with mean bmean and sum of squared
// deviations bm2 into a running (n, mean, m2) state, element-wise.
//
// Means combine weighted by count and the M2 terms combine by the pooled
// variance rule of Chan, Golub and LeVeque, so the result is independent of
// how the stream was split into batches.
func merge(n int, mean, m2 []float64, m int, bmean, bm2 []float64) {
	if n == 0 {
		copy(mean, bmean)
		copy(m2, bm2)
		return
	}
	nf, mf := float64(n), float64(m)
	tot := nf + mf
	for i := range mean {
		delta := bmean[i] - mean[i]
		mean[i] += delta * mf / tot
		m2[i] += bm2[i] + delta*delta*nf*mf/tot
	}
}

// batchMoments computes the mean and M2 of a batch of equal length vectors
func batchMoments(batch [][]float64, mean, m2 []float64) {
	for i := range mean {
		mean[i] = 0
		m2[i] = 0
	}
	for _, x := range batch {
		floats.Add(mean, x)
	}
	floats.Scale(1/float64(len(batch)), mean)
	for _, x := range batch {
		for i, v := range x {
			d := v - mean[i]
			m2[i] += d * d
		}
	}
}

// Vector accumulates element-wise running mean and standard deviation of
// same-shaped matrices.  The shape is fixed by the first update.
//
// The zero value is ready to use.  A Vector is not safe for concurrent use.
type Vector struct {
	n          int
	rows, cols int
	mean, m2   []float64
	bmean, bm2 []float64
}

// Update merges a batch of observations.  An empty batch is a no-op.
func (v *Vector) Update(batch ...mat.Matrix) error {
	if len(batch) == 0 {
		return nil
	}
	r, c := batch[0].Dims()
	if v.mean == nil {
		v.rows, v.cols = r, c
		v.mean = make([]float64, r*c)
		v.m2 = make([]float64, r*c)
		v.bmean = make([]float64, r*c)
		v.bm2 = make([]float64, r*c)
	}
	flat := make([][]float64, len(batch))
	for i, m := range batch {
		mr, mc := m.Dims()
		if mr != v.rows || mc != v.cols {
			return fmt.Errorf("%w: got %dx%d, accumulating %dx%d", ErrShapeMismatch, mr, mc, v.rows, v.cols)
		}
		flat[i] = flatten(m)
	}
	batchMoments(flat, v.bmean, v.bm2)
	merge(v.n, v.mean, v.m2, len(batch), v.bmean, v.bm2)
	v.n += len(batch)
	return nil
}

// Count is the number of observations merged so far
func (v *Vector) Count() int {
	return v.n
}

// Mean returns a copy of the running mean, nil before the first update
func (v *Vector) Mean() *mat.Dense {
	if v.n == 0 {
		return nil
	}
	return mat.NewDense(v.rows, v.cols, append([]float64(nil), v.mean...))
}

// Std returns the running population standard deviation, nil before the
// first update
func (v *Vector) Std() *mat.Dense {
	if v.n == 0 {
		return nil
	}
	out := make([]float64, len(v.m2))
	for i, s := range v.m2 {
		out[i] = math.Sqrt(s / float64(v.n))
	}
	return mat.NewDense(v.rows, v.cols, out)
}

// Reset forgets all observations and the shape
func (v *Vector) Reset() {
	*v = Vector{}
}

func flatten(m mat.Matrix) []float64 {
	if d, ok := m.(*mat.Dense); ok {
		raw := d.RawMatrix()
		if raw.Stride == raw.Cols {
			return raw.Data[:raw.Rows*raw.Cols]
		}
	}
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			out = append(out, m.At(i, j))
		}
	}
	return out
}

// Scalar accumulates the running mean and standard deviation of a stream of
// numbers.  The zero value is ready to use.
type Scalar struct {
	n        int
	mean, m2 float64
}

// Update merges a batch of observations
func (s *Scalar) Update(xs ...float64) {
	if len(xs) == 0 {
		return
	}
	bmean := floats.Sum(xs) / float64(len(xs))
	bm2 := 0.
	for _, x := range xs {
		d := x - bmean
		bm2 += d * d
	}
	mean, m2 := []float64{s.mean}, []float64{s.m2}
	merge(s.n, mean, m2, len(xs), []float64{bmean}, []float64{bm2})
	s.mean, s.m2 = mean[0], m2[0]
	s.n += len(xs)
}

// Count is the number of observations merged so far
func (s *Scalar) Count() int {
	return s.n
}

// Mean is the running mean, NaN before the first update
func (s *Scalar) Mean() float64 {
	if s.n == 0 {
		return math.NaN()
	}
	return s.mean
}

// Std is the running population standard deviation, NaN before the first
// update
func (s *Scalar) Std() float64 {
	if s.n == 0 {
		return math.NaN()
	}
	return math.Sqrt(s.m2 / float64(s.n))
}
