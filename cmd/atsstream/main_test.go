package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/astrogo/fitsio"
	"github.com/qcoherence/qubitlab/alazar"
	"github.com/qcoherence/qubitlab/stream"
)

func testOptions(dir string) options {
	return options{
		mock:       true,
		samples:    640,
		records:    4,
		buffers:    3,
		rps:        2,
		mode:       "demod",
		ifreq:      50e6,
		sampleRate: 1e9,
		fits:       filepath.Join(dir, "out.fits"),
		csv:        filepath.Join(dir, "out.csv"),
		raw:        filepath.Join(dir, "out.ats"),
	}
}

func TestConfigsFromFlags(t *testing.T) {
	o := testOptions(t.TempDir())
	o.internalClock = true
	acq, proc, err := o.configs()
	if err != nil {
		t.Fatal(err)
	}
	if acq.ClockSource != alazar.InternalClock || acq.SamplesPerRecord != 640 || acq.BuffersPerAcquisition != 3 {
		t.Errorf("unexpected acquisition %+v", acq)
	}
	if proc.Mode != stream.ModeDemod || proc.RecordsPerSequence != 2 {
		t.Errorf("unexpected processing %+v", proc)
	}
	o.mode = "fft"
	if _, _, err := o.configs(); err == nil {
		t.Error("an unknown mode should be rejected")
	}
}

func TestRunWritesOutputs(t *testing.T) {
	dir := t.TempDir()
	o := testOptions(dir)
	if err := run(o); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(o.fits)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	fits, err := fitsio.Open(f)
	if err != nil {
		t.Fatal(err)
	}
	defer fits.Close()
	if len(fits.HDUs()) == 0 {
		t.Error("FITS file holds no HDU")
	}
	if st, err := os.Stat(o.csv); err != nil || st.Size() == 0 {
		t.Errorf("CSV output missing: %v", err)
	}
	raw, err := os.Open(o.raw)
	if err != nil {
		t.Fatal(err)
	}
	defer raw.Close()
	rd := alazar.NewRecordReader(raw)
	for i := 0; i < 3; i++ {
		if _, err := rd.Next(); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
}
