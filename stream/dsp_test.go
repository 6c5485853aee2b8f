package stream

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func popStats(xs []float64) (mean, std float64) {
	mean, variance := stat.PopMeanVariance(xs, nil)
	return mean, math.Sqrt(variance)
}

func TestScalarIndependentOfBatching(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	xs := make([]float64, 100)
	for i := range xs {
		xs[i] = 5 + 2*rng.NormFloat64()
	}
	wantMean, wantStd := popStats(xs)
	splits := [][]int{{100}, {1, 99}, {10, 10, 30, 50}, {33, 33, 34}}
	for _, split := range splits {
		var s Scalar
		off := 0
		for _, n := range split {
			s.Update(xs[off : off+n]...)
			off += n
		}
		if s.Count() != len(xs) {
			t.Errorf("split %v: count %d, expected %d", split, s.Count(), len(xs))
		}
		if math.Abs(s.Mean()-wantMean) > 1e-12 {
			t.Errorf("split %v: mean %g, expected %g", split, s.Mean(), wantMean)
		}
		if math.Abs(s.Std()-wantStd) > 1e-12 {
			t.Errorf("split %v: std %g, expected %g", split, s.Std(), wantStd)
		}
	}
}

func TestScalarEmpty(t *testing.T) {
	var s Scalar
	if !math.IsNaN(s.Mean()) || !math.IsNaN(s.Std()) {
		t.Error("an empty accumulator should report NaN")
	}
}

func TestVectorMatchesElementwise(t *testing.T) {
	rng := rand.New(rand.NewSource(4))
	const nobs = 20
	obs := make([]mat.Matrix, nobs)
	for i := range obs {
		data := make([]float64, 6)
		for j := range data {
			data[j] = float64(j) + rng.NormFloat64()
		}
		obs[i] = mat.NewDense(2, 3, data)
	}
	var v Vector
	for _, batch := range [][]mat.Matrix{obs[:3], obs[3:4], obs[4:15], obs[15:]} {
		if err := v.Update(batch...); err != nil {
			t.Fatal(err)
		}
	}
	mean, std := v.Mean(), v.Std()
	for r := 0; r < 2; r++ {
		for c := 0; c < 3; c++ {
			xs := make([]float64, nobs)
			for i, o := range obs {
				xs[i] = o.At(r, c)
			}
			wm, ws := popStats(xs)
			if math.Abs(mean.At(r, c)-wm) > 1e-12 || math.Abs(std.At(r, c)-ws) > 1e-12 {
				t.Errorf("element (%d,%d): got %g±%g, expected %g±%g", r, c, mean.At(r, c), std.At(r, c), wm, ws)
			}
		}
	}
}

func TestVectorShapeMismatch(t *testing.T) {
	var v Vector
	if err := v.Update(mat.NewDense(2, 2, nil)); err != nil {
		t.Fatal(err)
	}
	err := v.Update(mat.NewDense(1, 4, nil))
	if !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("expected ErrShapeMismatch, got %v", err)
	}
	if v.Count() != 1 {
		t.Errorf("a rejected batch must not be counted, count is %d", v.Count())
	}
}

func tone(n int, amp, freq, fs, phase float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = amp * math.Cos(2*math.Pi*freq*float64(i)/fs-phase)
	}
	return out
}

func TestDemodulatorRecoversTone(t *testing.T) {
	const fs, ifreq = 1e9, 50e6
	d, err := NewDemodulator(ifreq, fs, 40, 640)
	if err != nil {
		t.Fatal(err)
	}
	for _, phase := range []float64{0, 0.5, -2, math.Pi / 2} {
		i, q, err := d.Demod(tone(640, 0.1, ifreq, fs, phase))
		if err != nil {
			t.Fatal(err)
		}
		if amp := Amplitude(i, q); math.Abs(amp-0.1) > 1e-9 {
			t.Errorf("phase %g: amplitude %g, expected 0.1", phase, amp)
		}
		if ph := Phase(i, q); math.Abs(ph-phase) > 1e-9 {
			t.Errorf("phase %g: recovered %g", phase, ph)
		}
	}
	if db := Decibels(0.1); math.Abs(db+20) > 1e-12 {
		t.Errorf("0.1 should be -20 dB, got %g", db)
	}
	if db := Decibels(0); db != DecibelFloor {
		t.Errorf("a zero amplitude should sit at the floor, got %g dB", db)
	}
	if _, _, err := d.Demod(make([]float64, 100)); !errors.Is(err, ErrShapeMismatch) {
		t.Errorf("a short record should be rejected, got %v", err)
	}
}

func TestDemodulatorRejectsBadWindow(t *testing.T) {
	if _, err := NewDemodulator(50e6, 1e9, 100, 100); err == nil {
		t.Error("empty window should be rejected")
	}
	if _, err := NewDemodulator(600e6, 1e9, 0, 100); err == nil {
		t.Error("IF above Nyquist should be rejected")
	}
}

func TestLowPassResponse(t *testing.T) {
	const fs, fc = 1e9, 20e6
	cases := []struct {
		cfg    FilterConfig
		dcGain float64
	}{
		{FilterConfig{Kind: Butterworth, Order: 1, Cutoff: fc}, 1},
		{FilterConfig{Kind: Butterworth, Order: 4, Cutoff: fc}, 1},
		{FilterConfig{Kind: Butterworth, Order: 5, Cutoff: fc}, 1},
		{FilterConfig{Kind: Chebyshev, Order: 3, Cutoff: fc, Ripple: 1}, 1},
		{FilterConfig{Kind: Chebyshev, Order: 4, Cutoff: fc, Ripple: 1}, math.Pow(10, -1./20)},
	}
	for _, tc := range cases {
		lp, err := NewLowPass(tc.cfg, fs)
		if err != nil {
			t.Fatalf("%+v: %v", tc.cfg, err)
		}
		if g := lp.Response(0, fs); math.Abs(g-tc.dcGain) > 1e-9 {
			t.Errorf("%+v: DC gain %g, expected %g", tc.cfg, g, tc.dcGain)
		}
		if g := lp.Response(10*fc, fs); g > 0.1 {
			t.Errorf("%+v: gain %g at ten times the cutoff, expected attenuation", tc.cfg, g)
		}
		if tc.cfg.Kind == Butterworth {
			if g := lp.Response(fc, fs); math.Abs(g-math.Sqrt(0.5)) > 1e-9 {
				t.Errorf("%+v: gain at cutoff %g, expected -3 dB", tc.cfg, g)
			}
		}
	}
}

func TestLowPassSettlesToDC(t *testing.T) {
	lp, err := NewLowPass(FilterConfig{Kind: Butterworth, Order: 4, Cutoff: 20e6}, 1e9)
	if err != nil {
		t.Fatal(err)
	}
	src := make([]float64, 2000)
	for i := range src {
		src[i] = 0.25
	}
	out := lp.Filter(nil, src)
	if math.Abs(out[len(out)-1]-0.25) > 1e-6 {
		t.Errorf("step response settled at %g, expected 0.25", out[len(out)-1])
	}
}

func TestLowPassRejectsBadDesign(t *testing.T) {
	bad := []FilterConfig{
		{Kind: Butterworth, Order: 0, Cutoff: 1e6},
		{Kind: Butterworth, Order: 2, Cutoff: 600e6},
		{Kind: Chebyshev, Order: 2, Cutoff: 1e6},
		{Kind: "bessel", Order: 2, Cutoff: 1e6},
	}
	for _, cfg := range bad {
		if _, err := NewLowPass(cfg, 1e9); err == nil {
			t.Errorf("%+v should be rejected", cfg)
		}
	}
}

func TestSpectrumPeak(t *testing.T) {
	const fs, n = 1e9, 512
	freq := 64 * fs / n // bin 64
	for _, win := range []string{"rectangular", "hann"} {
		s, err := NewSpectrum(SpectrumConfig{Start: 0, Stop: n, Window: win}, fs)
		if err != nil {
			t.Fatal(err)
		}
		mag, err := s.Magnitude(tone(n, 0.2, freq, fs, 0), nil)
		if err != nil {
			t.Fatal(err)
		}
		if len(mag) != s.Bins() {
			t.Fatalf("%s: %d bins, expected %d", win, len(mag), s.Bins())
		}
		if peak := floats.MaxIdx(mag); peak != 64 {
			t.Errorf("%s: peak in bin %d, expected 64", win, peak)
		}
		if math.Abs(mag[64]-0.2) > 1e-3 {
			t.Errorf("%s: peak magnitude %g, expected 0.2", win, mag[64])
		}
		if f := s.Frequencies()[64]; math.Abs(f-freq) > 1e-3 {
			t.Errorf("%s: bin 64 at %g Hz, expected %g", win, f, freq)
		}
	}
}

func TestSpectrumUnknownWindow(t *testing.T) {
	if _, err := NewSpectrum(SpectrumConfig{Stop: 64, Window: "kaiser"}, 1e9); err == nil {
		t.Error("unknown window should be rejected")
	}
}
