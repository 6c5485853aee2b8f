package mwsource

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/qcoherence/qubitlab/scpi/scpitest"
)

func fakeSource(t *testing.T) (*SCPISource, *scpitest.Instrument) {
	t.Helper()
	in, err := scpitest.NewInstrument()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { in.Close() })
	for hdr, v := range map[string]string{":FREQ": "1E9", ":POW": "-10", ":PHAS": "0", ":OUTP": "0"} {
		in.Set(hdr, v)
	}
	src, err := New(Config{Transport: TCP, Addr: in.Addr(), Timeout: time.Second, Handshaking: true})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { src.Close() })
	return src, in
}

func TestSourceCommandStrings(t *testing.T) {
	src, in := fakeSource(t)
	if err := src.SetFrequency(6.25e9); err != nil {
		t.Fatal(err)
	}
	if err := src.SetPower(-5.5); err != nil {
		t.Fatal(err)
	}
	if err := src.SetPhase(270); err != nil {
		t.Fatal(err)
	}
	if err := src.SetOutput(true); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{":FREQ": "6.25E+09", ":POW": "-5.5", ":PHAS": "-90DEG", ":OUTP": "ON"}
	for hdr, v := range want {
		if got := in.Get(hdr); got != v {
			t.Errorf("%s: instrument holds %q, expected %q", hdr, got, v)
		}
	}
	f, err := src.GetFrequency()
	if err != nil || f != 6.25e9 {
		t.Errorf("GetFrequency returned %g, %v", f, err)
	}
	p, err := src.GetPower()
	if err != nil || p != -5.5 {
		t.Errorf("GetPower returned %g, %v", p, err)
	}
	on, err := src.GetOutput()
	if err != nil || !on {
		t.Errorf("GetOutput returned %v, %v", on, err)
	}
	in.Set(":PHAS", "0.78539816")
	ph, err := src.GetPhase()
	if err != nil || math.Abs(ph-45) > 1e-5 {
		t.Errorf("GetPhase returned %g, %v", ph, err)
	}
	in.Set(":PHAS", "4.71238898")
	ph, err = src.GetPhase()
	if err != nil || math.Abs(ph+90) > 1e-5 {
		t.Errorf("GetPhase of 3pi/2 returned %g, %v, expected -90", ph, err)
	}
}

func TestSourceLimits(t *testing.T) {
	src, in := fakeSource(t)
	before := len(in.Received())
	if err := src.SetFrequency(30e9); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if err := src.SetPower(40); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if err := src.SetPhase(math.NaN()); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if n := len(in.Received()); n != before {
		t.Errorf("rejected setpoints reached the instrument: %v", in.Received()[before:])
	}
	src.SetLimits(Limits{MinFrequency: 0, MaxFrequency: 40e9, MinPower: -20, MaxPower: 0})
	if err := src.SetFrequency(30e9); err != nil {
		t.Errorf("widened limits should accept 30 GHz: %v", err)
	}
}

func TestSourceRaw(t *testing.T) {
	src, _ := fakeSource(t)
	idn, err := src.Raw("*IDN?")
	if err != nil {
		t.Fatal(err)
	}
	if idn != "QubitLab,FakeSource,0,1.0" {
		t.Errorf("unexpected identity %q", idn)
	}
	if resp, err := src.Raw(":OUTP ON"); err != nil || resp != "" {
		t.Errorf("a command should return an empty response, got %q, %v", resp, err)
	}
}

func TestUnknownTransport(t *testing.T) {
	if _, err := New(Config{Transport: "gpib"}); err == nil {
		t.Error("unknown transport should be rejected")
	}
}

func TestMockSource(t *testing.T) {
	var src Source = NewMock()
	if err := src.SetFrequency(1); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("expected ErrOutOfRange, got %v", err)
	}
	if err := src.SetPhase(540); err != nil {
		t.Fatal(err)
	}
	if ph, _ := src.GetPhase(); math.Abs(ph-180) > 1e-9 {
		t.Errorf("540 degrees should fold to 180, got %g", ph)
	}
}

func TestWrapDegrees(t *testing.T) {
	cases := map[float64]float64{0: 0, 90: 90, 180: 180, 270: -90, -180: 180, 725: 5}
	for in, want := range cases {
		if got := WrapDegrees(in); math.Abs(got-want) > 1e-9 {
			t.Errorf("WrapDegrees(%g) = %g, expected %g", in, got, want)
		}
	}
}
