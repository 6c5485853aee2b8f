package stream

import (
	"fmt"
	"math"

	"github.com/qcoherence/qubitlab/mathx"
	"gonum.org/v1/gonum/floats"
)

// Demodulator integrates records against quadrature references at the
// intermediate frequency.
//
// For a window of N samples starting at Start,
//
//	I = 2/N sum x[n] cos(2 pi IF n / SampleRate)
//	Q = 2/N sum x[n] sin(2 pi IF n / SampleRate)
//
// so a tone A cos(2 pi IF n / SampleRate - phi) gives I = A cos phi and
// Q = A sin phi.  n counts from the start of the record, not the window, so
// the phase does not depend on the window.
type Demodulator struct {
	IF         float64
	SampleRate float64
	Start      int
	Stop       int

	cos, sin []float64
}

// NewDemodulator precomputes the reference tables for the window [start, stop)
func NewDemodulator(ifreq, sampleRate float64, start, stop int) (*Demodulator, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %g", sampleRate)
	}
	if ifreq < 0 || ifreq >= sampleRate/2 {
		return nil, fmt.Errorf("IF %g Hz must be in [0, %g) for a sample rate of %g", ifreq, sampleRate/2, sampleRate)
	}
	if start < 0 || stop <= start {
		return nil, fmt.Errorf("integration window [%d, %d) is empty or negative", start, stop)
	}
	d := &Demodulator{IF: ifreq, SampleRate: sampleRate, Start: start, Stop: stop}
	n := stop - start
	d.cos = make([]float64, n)
	d.sin = make([]float64, n)
	omega := 2 * math.Pi * ifreq / sampleRate
	for i := 0; i < n; i++ {
		arg := omega * float64(start+i)
		d.cos[i] = math.Cos(arg)
		d.sin[i] = math.Sin(arg)
	}
	return d, nil
}

// Window is the number of samples integrated
func (d *Demodulator) Window() int {
	return d.Stop - d.Start
}

// Demod returns the I and Q components of one record.  The record must be
// at least Stop samples long.
func (d *Demodulator) Demod(record []float64) (i, q float64, err error) {
	if len(record) < d.Stop {
		return 0, 0, fmt.Errorf("%w: record of %d samples is shorter than the window end %d",
			ErrShapeMismatch, len(record), d.Stop)
	}
	x := record[d.Start:d.Stop]
	scale := 2 / float64(len(x))
	return scale * floats.Dot(x, d.cos), scale * floats.Dot(x, d.sin), nil
}

// Mix multiplies a record by 2cos and 2sin of the reference, sample by sample,
// over the whole record.  The products carry the baseband I and Q plus an
// image at twice the IF that a low-pass filter removes.
func (d *Demodulator) Mix(record, idst, qdst []float64) (i, q []float64) {
	if cap(idst) < len(record) {
		idst = make([]float64, len(record))
	}
	if cap(qdst) < len(record) {
		qdst = make([]float64, len(record))
	}
	i, q = idst[:len(record)], qdst[:len(record)]
	omega := 2 * math.Pi * d.IF / d.SampleRate
	for n, x := range record {
		arg := omega * float64(n)
		i[n] = 2 * x * math.Cos(arg)
		q[n] = 2 * x * math.Sin(arg)
	}
	return i, q
}

// Amplitude is sqrt(I^2+Q^2)
func Amplitude(i, q float64) float64 {
	return math.Hypot(i, q)
}

// Phase is atan2(Q, I) in radians, in (-pi, pi]
func Phase(i, q float64) float64 {
	return mathx.Wrap(math.Atan2(q, i))
}

// DecibelFloor is the level reported for a zero amplitude
const DecibelFloor = -300.

// Decibels is 20 log10 of an amplitude, no lower than DecibelFloor
func Decibels(amp float64) float64 {
	return math.Max(20*math.Log10(amp), DecibelFloor)
}
