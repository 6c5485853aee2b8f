package alazar_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"math"
	"testing"
	"time"

	"github.com/qcoherence/qubitlab/alazar"
)

func testConfig() alazar.Config {
	cfg := alazar.DefaultConfig()
	cfg.SamplesPerRecord = 256
	cfg.RecordsPerBuffer = 4
	cfg.BuffersPerAcquisition = 10
	cfg.BufferCount = 3
	return cfg
}

func configuredDigitizer(t *testing.T, cfg alazar.Config) (*alazar.Digitizer, *alazar.MockBoard) {
	t.Helper()
	board := alazar.NewMockBoard()
	d := alazar.NewDigitizer(board)
	if err := d.Configure(cfg); err != nil {
		t.Fatalf("configure: %v", err)
	}
	return d, board
}

func TestValidateRejectsBadRecordLength(t *testing.T) {
	cases := []struct {
		name string
		spr  int
	}{
		{"too short", 128},
		{"not aligned", 300},
	}
	for _, c := range cases {
		cfg := testConfig()
		cfg.SamplesPerRecord = c.spr
		err := cfg.Validate()
		if !errors.Is(err, alazar.ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig for %d samples, got %v", c.name, c.spr, err)
		}
	}
}

func TestValidateSampleRates(t *testing.T) {
	cfg := testConfig()
	cfg.ClockSource = alazar.InternalClock
	cfg.SampleRate = 1.8e9
	if err := cfg.Validate(); err != nil {
		t.Errorf("1.8 GS/s on the internal clock should be allowed, got %v", err)
	}
	cfg.SampleRate = 1.7e9
	if err := cfg.Validate(); err == nil {
		t.Error("1.7 GS/s is not in the internal clock table and should be rejected")
	}
	cfg.ClockSource = alazar.ExternalClock10MHzRef
	if err := cfg.Validate(); err != nil {
		t.Errorf("1.7 GS/s with a 10 MHz reference should be allowed, got %v", err)
	}
	cfg.SampleRate = 1.7005e9
	if err := cfg.Validate(); err == nil {
		t.Error("a rate off the 1 MHz grid should be rejected")
	}
}

func TestTriggerDelayAlignment(t *testing.T) {
	cfg := testConfig()
	cfg.SampleRate = 1e9
	cfg.Trigger.Delay = 100 * time.Nanosecond // 100 samples -> 96
	if got := cfg.TriggerDelaySamples(); got != 96 {
		t.Errorf("expected 96 samples of delay, got %d", got)
	}
}

func TestCodeToVoltsRoundTrip(t *testing.T) {
	for _, v := range []float64{-0.4, -0.1, 0, 0.2, 0.399} {
		code := alazar.VoltsToCode(v, 0.4)
		back := alazar.CodeToVolts(code, 0.4)
		if math.Abs(back-v) > 0.4/2047.5 {
			t.Errorf("%f V -> code %d -> %f V, more than one LSB apart", v, code, back)
		}
	}
}

func TestConfigureDrivesAuxAsTriggerOutput(t *testing.T) {
	board := alazar.NewMockBoard()
	board.AuxMode = alazar.AuxInTriggerEnable
	d := alazar.NewDigitizer(board)
	if err := d.Configure(testConfig()); err != nil {
		t.Fatal(err)
	}
	if board.AuxMode != alazar.AuxOutTrigger {
		t.Errorf("AUX I/O mode %d, expected AuxOutTrigger", board.AuxMode)
	}
}

func TestAcquireDeliversAllBuffers(t *testing.T) {
	cfg := testConfig()
	d, board := configuredDigitizer(t, cfg)
	out := make(chan alazar.Buffer, cfg.BuffersPerAcquisition)
	stats, err := d.Acquire(context.Background(), out)
	if err != nil {
		t.Fatal(err)
	}
	close(out)
	if stats.Buffers != cfg.BuffersPerAcquisition {
		t.Errorf("expected %d buffers in stats, got %d", cfg.BuffersPerAcquisition, stats.Buffers)
	}
	idx := 0
	for b := range out {
		if b.Index != idx {
			t.Errorf("expected buffer index %d, got %d", idx, b.Index)
		}
		if len(b.Data) != cfg.Geometry().SamplesPerBuffer() {
			t.Errorf("buffer %d has %d samples, expected %d", idx, len(b.Data), cfg.Geometry().SamplesPerBuffer())
		}
		b.Release()
		idx++
	}
	if idx != cfg.BuffersPerAcquisition {
		t.Errorf("received %d buffers, expected %d", idx, cfg.BuffersPerAcquisition)
	}
	if last := board.Calls[len(board.Calls)-1]; last != "AbortAsyncRead" {
		t.Errorf("expected the acquisition to end with AbortAsyncRead, last call was %s", last)
	}
}

func TestAcquireStopsOnCancel(t *testing.T) {
	cfg := testConfig()
	cfg.BuffersPerAcquisition = 0 // stream forever
	d, board := configuredDigitizer(t, cfg)
	board.RecordPeriod = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan alazar.Buffer)
	done := make(chan struct{})
	var stats alazar.Stats
	var err error
	go func() {
		stats, err = d.Acquire(ctx, out)
		close(done)
	}()
	for i := 0; i < 3; i++ {
		b := <-out
		b.Release()
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("acquisition did not stop after cancel")
	}
	if err != nil {
		t.Errorf("cancellation should not be an error, got %v", err)
	}
	if stats.Buffers < 3 {
		t.Errorf("expected at least 3 buffers delivered, got %d", stats.Buffers)
	}
	board.Lock()
	defer board.Unlock()
	if last := board.Calls[len(board.Calls)-1]; last != "AbortAsyncRead" {
		t.Errorf("expected AbortAsyncRead after cancel, last call was %s", last)
	}
}

func TestDigitizerAnswersWhileAcquiring(t *testing.T) {
	cfg := testConfig()
	cfg.BuffersPerAcquisition = 0
	d, board := configuredDigitizer(t, cfg)
	board.RecordPeriod = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan alazar.Buffer)
	done := make(chan error, 1)
	go func() {
		_, err := d.Acquire(ctx, out)
		done <- err
	}()
	b := <-out
	b.Release()

	answered := make(chan alazar.Config, 1)
	go func() { answered <- d.Config() }()
	select {
	case got := <-answered:
		if got.SamplesPerRecord != cfg.SamplesPerRecord {
			t.Errorf("Config reported %d samples per record, expected %d", got.SamplesPerRecord, cfg.SamplesPerRecord)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Config blocked while acquiring")
	}
	if !d.Configured() || !d.Acquiring() {
		t.Error("expected a configured digitizer to report that it is acquiring")
	}
	if err := d.Configure(cfg); !errors.Is(err, alazar.ErrBusy) {
		t.Errorf("Configure while acquiring gave %v, expected ErrBusy", err)
	}
	if _, err := d.Acquire(ctx, out); !errors.Is(err, alazar.ErrBusy) {
		t.Errorf("a second Acquire gave %v, expected ErrBusy", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("cancellation should not be an error, got %v", err)
	}
	if d.Acquiring() {
		t.Error("digitizer still acquiring after Acquire returned")
	}
	if err := d.Configure(cfg); err != nil {
		t.Errorf("Configure after the acquisition: %v", err)
	}
}

func TestAcquireReportsOverflow(t *testing.T) {
	cfg := testConfig()
	d, board := configuredDigitizer(t, cfg)
	board.FailAfter = 2
	out := make(chan alazar.Buffer, cfg.BuffersPerAcquisition)
	stats, err := d.Acquire(context.Background(), out)
	if !errors.Is(err, alazar.ErrBufferOverflow) {
		t.Errorf("expected a buffer overflow error, got %v", err)
	}
	if stats.Buffers != 2 {
		t.Errorf("expected 2 buffers before the overflow, got %d", stats.Buffers)
	}
}

func TestAcquireTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.WaitTimeout = 10 * time.Millisecond
	d, board := configuredDigitizer(t, cfg)
	board.RecordPeriod = 50 * time.Millisecond
	out := make(chan alazar.Buffer, 1)
	_, err := d.Acquire(context.Background(), out)
	if !errors.Is(err, alazar.ErrWaitTimeout) {
		t.Errorf("expected a wait timeout, got %v", err)
	}
}

func TestAcquireRequiresConfigure(t *testing.T) {
	d := alazar.NewDigitizer(alazar.NewMockBoard())
	_, err := d.Acquire(context.Background(), make(chan alazar.Buffer))
	if !errors.Is(err, alazar.ErrNotConfigured) {
		t.Errorf("expected ErrNotConfigured, got %v", err)
	}
}

func TestBufferRecordLayout(t *testing.T) {
	b := alazar.Buffer{
		Geometry: alazar.Geometry{SamplesPerRecord: 2, RecordsPerBuffer: 3, Channels: 2},
		Data:     []uint16{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11},
	}
	// channel B, record 1 starts after all 3 channel A records
	rec := b.Record(1, 1)
	if rec[0] != 8 || rec[1] != 9 {
		t.Errorf("expected channel B record 1 to be [8 9], got %v", rec)
	}
}

func TestReturnCodeFormatting(t *testing.T) {
	if alazar.Check(512) != nil {
		t.Error("ApiSuccess should not be an error")
	}
	err := alazar.Check(582)
	if err.Error() != "ApiBufferOverflow (582)" {
		t.Errorf("unexpected error text %q", err.Error())
	}
	if alazar.Check(9999).Error() != "ApiUnknownError (9999)" {
		t.Error("unknown codes should still format")
	}
}

func TestRecordRoundTrip(t *testing.T) {
	src := alazar.Buffer{
		Index:      7,
		Timestamp:  time.Unix(0, 1234567890),
		Geometry:   alazar.Geometry{SamplesPerRecord: 3, RecordsPerBuffer: 1, Channels: 1},
		Data:       []uint16{0x0010, 0x8000, 0xFFF0},
		FullScale:  0.4,
		SampleRate: 1e9,
	}
	var buf bytes.Buffer
	w := alazar.NewRecordWriter(&buf)
	if err := w.Write(src); err != nil {
		t.Fatal(err)
	}
	if err := w.Flush(); err != nil {
		t.Fatal(err)
	}
	r := alazar.NewRecordReader(bytes.NewReader(buf.Bytes()))
	got, err := r.Next()
	if err != nil {
		t.Fatal(err)
	}
	if got.Index != src.Index || !got.Timestamp.Equal(src.Timestamp) || got.Geometry != src.Geometry {
		t.Errorf("header mismatch, got %+v", got)
	}
	for i := range src.Data {
		if got.Data[i] != src.Data[i] {
			t.Errorf("sample %d: expected %d got %d", i, src.Data[i], got.Data[i])
		}
	}
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("expected io.EOF after the last frame, got %v", err)
	}
}

func TestRecordCRCDetectsCorruption(t *testing.T) {
	src := alazar.Buffer{
		Geometry: alazar.Geometry{SamplesPerRecord: 2, RecordsPerBuffer: 1, Channels: 1},
		Data:     []uint16{1, 2},
	}
	var buf bytes.Buffer
	w := alazar.NewRecordWriter(&buf)
	w.Write(src)
	w.Flush()
	raw := buf.Bytes()
	raw[len(raw)-3] ^= 0xFF // flip a data byte
	_, err := alazar.NewRecordReader(bytes.NewReader(raw)).Next()
	if !errors.Is(err, alazar.ErrCRCMismatch) {
		t.Errorf("expected ErrCRCMismatch, got %v", err)
	}
}
