package stream

import (
	"fmt"
	"math/cmplx"
	"strings"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
)

// windows maps names to the gonum window functions that may be applied
// before the FFT
var windows = map[string]func([]float64) []float64{
	"rectangular": window.Rectangular,
	"hann":        window.Hann,
	"hamming":     window.Hamming,
	"blackman":    window.Blackman,
	"flattop":     window.FlatTop,
}

// SpectrumConfig selects the slice of each record that is transformed and
// the window applied to it
type SpectrumConfig struct {
	Start  int    `json:"start" koanf:"start" yaml:"start"`
	Stop   int    `json:"stop" koanf:"stop" yaml:"stop"`
	Window string `json:"window" koanf:"window" yaml:"window"`
}

// Spectrum computes single sided magnitude spectra of record slices
type Spectrum struct {
	cfg        SpectrumConfig
	sampleRate float64
	window     func([]float64) []float64
	fft        *fourier.FFT

	// coherent gain of the window, used to report tone amplitudes in volts
	gain float64

	seq   []float64
	coeff []complex128
}

// NewSpectrum prepares an FFT of Stop-Start points
func NewSpectrum(cfg SpectrumConfig, sampleRate float64) (*Spectrum, error) {
	if cfg.Start < 0 || cfg.Stop-cfg.Start < 2 {
		return nil, fmt.Errorf("FFT window [%d, %d) must hold at least two samples", cfg.Start, cfg.Stop)
	}
	if cfg.Window == "" {
		cfg.Window = "hann"
	}
	cfg.Window = strings.ToLower(cfg.Window)
	win, ok := windows[cfg.Window]
	if !ok {
		return nil, fmt.Errorf("unknown FFT window %q", cfg.Window)
	}
	n := cfg.Stop - cfg.Start
	s := &Spectrum{
		cfg:        cfg,
		sampleRate: sampleRate,
		window:     win,
		fft:        fourier.NewFFT(n),
		seq:        make([]float64, n),
	}
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	for _, w := range win(ones) {
		s.gain += w
	}
	s.gain /= float64(n)
	return s, nil
}

// Bins is the number of frequency bins, n/2+1
func (s *Spectrum) Bins() int {
	return s.fft.Len()/2 + 1
}

// Frequencies returns the center frequency of each bin in Hz
func (s *Spectrum) Frequencies() []float64 {
	out := make([]float64, s.Bins())
	for i := range out {
		out[i] = s.fft.Freq(i) * s.sampleRate
	}
	return out
}

// Magnitude writes the amplitude spectrum of record[Start:Stop] to dst.
// A full scale sine of amplitude A lands in its bin with magnitude A.
func (s *Spectrum) Magnitude(record, dst []float64) ([]float64, error) {
	if len(record) < s.cfg.Stop {
		return nil, fmt.Errorf("%w: record of %d samples is shorter than the FFT window end %d",
			ErrShapeMismatch, len(record), s.cfg.Stop)
	}
	copy(s.seq, record[s.cfg.Start:s.cfg.Stop])
	s.window(s.seq)
	s.coeff = s.fft.Coefficients(s.coeff, s.seq)
	if cap(dst) < len(s.coeff) {
		dst = make([]float64, len(s.coeff))
	}
	dst = dst[:len(s.coeff)]
	n := float64(s.fft.Len())
	for i, c := range s.coeff {
		scale := 2.
		if i == 0 || (s.fft.Len()%2 == 0 && i == len(s.coeff)-1) {
			scale = 1
		}
		dst[i] = scale * cmplx.Abs(c) / (n * s.gain)
	}
	return dst, nil
}
