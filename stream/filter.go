package stream

import (
	"fmt"
	"math"
	"strings"
)

// FilterKind selects the low-pass prototype
type FilterKind string

const (
	// Butterworth is maximally flat in the passband
	Butterworth FilterKind = "butterworth"

	// Chebyshev is Chebyshev type I, equiripple in the passband
	Chebyshev FilterKind = "chebyshev"

	maxFilterOrder = 16
)

// FilterConfig describes a low-pass filter
type FilterConfig struct {
	Kind FilterKind `json:"kind" koanf:"kind" yaml:"kind"`

	// Order is the number of poles
	Order int `json:"order" koanf:"order" yaml:"order"`

	// Cutoff is the -3 dB frequency (Butterworth) or passband edge
	// (Chebyshev) in Hz
	Cutoff float64 `json:"cutoff" koanf:"cutoff" yaml:"cutoff"`

	// Ripple is the Chebyshev passband ripple in dB
	Ripple float64 `json:"ripple" koanf:"ripple" yaml:"ripple"`
}

// biquad is one second order section in transposed direct form II.  First
// order sections have b2 = a2 = 0.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
	z1, z2     float64
}

func (s *biquad) step(x float64) float64 {
	y := s.b0*x + s.z1
	s.z1 = s.b1*x - s.a1*y + s.z2
	s.z2 = s.b2*x - s.a2*y
	return y
}

// LowPass is a cascade of biquads designed by the bilinear transform with
// the cutoff prewarped, so the digital cutoff lands exactly on Cutoff.
type LowPass struct {
	cfg      FilterConfig
	sections []biquad
	gain     float64
}

// NewLowPass designs a filter for data sampled at sampleRate
func NewLowPass(cfg FilterConfig, sampleRate float64) (*LowPass, error) {
	cfg.Kind = FilterKind(strings.ToLower(string(cfg.Kind)))
	if cfg.Order < 1 || cfg.Order > maxFilterOrder {
		return nil, fmt.Errorf("filter order %d must be in [1, %d]", cfg.Order, maxFilterOrder)
	}
	if cfg.Cutoff <= 0 || cfg.Cutoff >= sampleRate/2 {
		return nil, fmt.Errorf("cutoff %g Hz must be in (0, %g)", cfg.Cutoff, sampleRate/2)
	}

	// sigma and omega scale the real and imaginary parts of the
	// Butterworth poles on the unit circle; for Chebyshev they put the poles
	// on an ellipse.
	sigma, omega, gain := 1., 1., 1.
	switch cfg.Kind {
	case Butterworth:
	case Chebyshev:
		if cfg.Ripple <= 0 {
			return nil, fmt.Errorf("chebyshev ripple must be positive, got %g dB", cfg.Ripple)
		}
		eps := math.Sqrt(math.Pow(10, cfg.Ripple/10) - 1)
		mu := math.Asinh(1/eps) / float64(cfg.Order)
		sigma, omega = math.Sinh(mu), math.Cosh(mu)
		if cfg.Order%2 == 0 {
			// even orders start the passband at the bottom of the ripple
			gain = 1 / math.Sqrt(1+eps*eps)
		}
	default:
		return nil, fmt.Errorf("unknown filter kind %q, must be %s or %s", cfg.Kind, Butterworth, Chebyshev)
	}

	k := math.Tan(math.Pi * cfg.Cutoff / sampleRate)
	lp := &LowPass{cfg: cfg, gain: gain}
	n := cfg.Order
	for i := 0; i < n/2; i++ {
		theta := math.Pi * float64(2*i+1) / float64(2*n)
		re := -sigma * math.Sin(theta)
		im := omega * math.Cos(theta)
		a1 := -2 * re
		a0 := re*re + im*im
		// H(s) = a0 / (s^2 + a1 s + a0), s = (1/k)(1-z^-1)/(1+z^-1)
		d0 := 1 + a1*k + a0*k*k
		num := a0 * k * k / d0
		lp.sections = append(lp.sections, biquad{
			b0: num, b1: 2 * num, b2: num,
			a1: (2*a0*k*k - 2) / d0,
			a2: (1 - a1*k + a0*k*k) / d0,
		})
	}
	if n%2 == 1 {
		// H(s) = a0 / (s + a0)
		a0 := sigma
		d0 := 1 + a0*k
		num := a0 * k / d0
		lp.sections = append(lp.sections, biquad{
			b0: num, b1: num,
			a1: (a0*k - 1) / d0,
		})
	}
	return lp, nil
}

// Config returns the design parameters
func (f *LowPass) Config() FilterConfig {
	return f.cfg
}

// Reset clears the filter state
func (f *LowPass) Reset() {
	for i := range f.sections {
		f.sections[i].z1 = 0
		f.sections[i].z2 = 0
	}
}

// Filter runs src through the filter into dst, continuing from the current
// state.  dst may alias src.
func (f *LowPass) Filter(dst, src []float64) []float64 {
	if cap(dst) < len(src) {
		dst = make([]float64, len(src))
	}
	dst = dst[:len(src)]
	for n, x := range src {
		y := x * f.gain
		for i := range f.sections {
			y = f.sections[i].step(y)
		}
		dst[n] = y
	}
	return dst
}

// Response is the magnitude of the frequency response at freq Hz
func (f *LowPass) Response(freq, sampleRate float64) float64 {
	w := 2 * math.Pi * freq / sampleRate
	z1 := complex(math.Cos(w), -math.Sin(w))
	z2 := z1 * z1
	h := complex(f.gain, 0)
	for _, s := range f.sections {
		num := complex(s.b0, 0) + complex(s.b1, 0)*z1 + complex(s.b2, 0)*z2
		den := 1 + complex(s.a1, 0)*z1 + complex(s.a2, 0)*z2
		h *= num / den
	}
	return math.Hypot(real(h), imag(h))
}
