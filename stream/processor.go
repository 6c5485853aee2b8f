package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/qcoherence/qubitlab/alazar"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// Mode selects how records are reduced before they are averaged
type Mode string

const (
	// ModeRaw averages the voltage traces
	ModeRaw Mode = "raw"

	// ModeDemod integrates each record to one I/Q point
	ModeDemod Mode = "demod"

	// ModeFilter mixes each record to baseband and low-passes it, giving
	// time resolved I(t), Q(t)
	ModeFilter Mode = "filter"

	// ModeSpectrum averages the magnitude spectrum of each record
	ModeSpectrum Mode = "spectrum"
)

// Config is the processing configuration
type Config struct {
	Mode Mode `json:"mode" koanf:"mode" yaml:"mode"`

	// RecordsPerSequence is the number of records in one repetition of the
	// experiment
	RecordsPerSequence int `json:"recordsPerSequence" koanf:"recordspersequence" yaml:"recordsPerSequence"`

	// IF is the intermediate frequency in Hz, used by demod and filter modes
	IF float64 `json:"if" koanf:"if" yaml:"if"`

	// Start and Stop bound the demodulation window in samples.  Stop of zero
	// means the end of the record.
	Start int `json:"start" koanf:"start" yaml:"start"`
	Stop  int `json:"stop" koanf:"stop" yaml:"stop"`

	Filter FilterConfig `json:"filter" koanf:"filter" yaml:"filter"`

	Spectrum SpectrumConfig `json:"spectrum" koanf:"spectrum" yaml:"spectrum"`
}

// DefaultConfig demodulates a 50 MHz IF, one record per sequence
func DefaultConfig() Config {
	return Config{
		Mode:               ModeDemod,
		RecordsPerSequence: 1,
		IF:                 50e6,
		Filter:             FilterConfig{Kind: Butterworth, Order: 4, Cutoff: 20e6},
		Spectrum:           SpectrumConfig{Window: "hann"},
	}
}

// Quantity is the running mean and standard deviation of one processed
// quantity of one channel
type Quantity struct {
	Name    string
	Channel string
	Mean    *mat.Dense
	Std     *mat.Dense
}

// MarshalJSON renders the matrices as nested arrays
func (q Quantity) MarshalJSON() ([]byte, error) {
	if q.Mean == nil || q.Std == nil {
		return nil, fmt.Errorf("quantity %s %s has no data", q.Name, q.Channel)
	}
	r, c := q.Mean.Dims()
	return json.Marshal(struct {
		Name    string       `json:"name"`
		Channel string       `json:"channel"`
		Rows    int          `json:"rows"`
		Cols    int          `json:"cols"`
		Mean    [][]*float64 `json:"mean"`
		Std     [][]*float64 `json:"std"`
	}{q.Name, q.Channel, r, c, nullableRows(q.Mean), nullableRows(q.Std)})
}

// nullableRows is Rows with NaN and infinite entries as nil, which JSON
// renders as null
func nullableRows(m mat.Matrix) [][]*float64 {
	rows := Rows(m)
	out := make([][]*float64, len(rows))
	for i, row := range rows {
		out[i] = make([]*float64, len(row))
		for j := range row {
			if finite(row[j]) {
				out[i][j] = &row[j]
			}
		}
	}
	return out
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// Rows copies a matrix into a slice of rows
func Rows(m mat.Matrix) [][]float64 {
	r, c := m.Dims()
	out := make([][]float64, r)
	for i := range out {
		out[i] = make([]float64, c)
		mat.Row(out[i], i, m)
	}
	return out
}

// Result is published after every processed buffer
type Result struct {
	// Buffer is the index of the last buffer processed
	Buffer int `json:"buffer"`

	// Buffers is the number of buffers processed so far
	Buffers int `json:"buffers"`

	// Sequences is the number of complete sequences accumulated
	Sequences int `json:"sequences"`

	// Pending is the number of records waiting for a sequence to complete
	Pending int `json:"pending"`

	Mode       Mode      `json:"mode"`
	IF         float64   `json:"if"`
	SampleRate float64   `json:"sampleRate"`
	Timestamp  time.Time `json:"timestamp"`

	// Amplitude is a scalar summary of the first channel for trending:
	// the mean demodulated amplitude (demod, filter), the largest spectral
	// magnitude (spectrum) or the RMS of the mean trace (raw).  NaN until a
	// sequence has completed.
	Amplitude float64 `json:"amplitude"`

	// Frequencies labels the columns of spectrum quantities, in Hz
	Frequencies []float64 `json:"frequencies,omitempty"`

	Quantities []Quantity `json:"quantities"`
}

// MarshalJSON replaces a NaN or infinite amplitude with null
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	var amp *float64
	if finite(r.Amplitude) {
		amp = &r.Amplitude
	}
	return json.Marshal(struct {
		plain
		Amplitude *float64 `json:"amplitude"`
	}{plain(r), amp})
}

// Quantity looks up a quantity by name and channel
func (r Result) Quantity(name, channel string) (Quantity, bool) {
	for _, q := range r.Quantities {
		if q.Name == name && q.Channel == channel {
			return q, true
		}
	}
	return Quantity{}, false
}

// names of the quantities produced by each mode, in publication order
var modeQuantities = map[Mode][]string{
	ModeRaw:      {"volts"},
	ModeDemod:    {"I", "Q", "amp", "dB", "phase"},
	ModeFilter:   {"I", "Q", "amp"},
	ModeSpectrum: {"magnitude"},
}

// ParseMode validates a mode name
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(s))
	if _, ok := modeQuantities[m]; !ok {
		return "", fmt.Errorf("unknown processing mode %q, must be raw, demod, filter or spectrum", s)
	}
	return m, nil
}

type accumulator struct {
	name    string
	channel int
	acc     Vector
	batch   []mat.Matrix
}

// Processor reduces and averages buffers of one acquisition configuration
type Processor struct {
	cfg        Config
	geom       alazar.Geometry
	sampleRate float64
	channels   []string

	reshaper *Reshaper
	demod    *Demodulator
	lowpass  *LowPass
	spectrum *Spectrum

	accs      []*accumulator
	buffers   int
	sequences int

	// scratch
	rec, mixI, mixQ, fltI, fltQ []float64
}

// NewProcessor validates cfg against the acquisition and prepares the
// per-mode stages
func NewProcessor(cfg Config, acq alazar.Config) (*Processor, error) {
	mode, err := ParseMode(string(cfg.Mode))
	if err != nil {
		return nil, err
	}
	cfg.Mode = mode
	geom := acq.Geometry()
	p := &Processor{cfg: cfg, geom: geom, sampleRate: acq.EffectiveSampleRate()}
	for _, ch := range acq.Channels.List() {
		p.channels = append(p.channels, ch.String())
	}
	p.reshaper, err = NewReshaper(cfg.RecordsPerSequence, geom)
	if err != nil {
		return nil, err
	}
	stop := cfg.Stop
	if stop == 0 {
		stop = geom.SamplesPerRecord
	}
	if stop > geom.SamplesPerRecord {
		return nil, fmt.Errorf("window end %d is past the end of a %d sample record", stop, geom.SamplesPerRecord)
	}
	switch mode {
	case ModeDemod:
		p.demod, err = NewDemodulator(cfg.IF, p.sampleRate, cfg.Start, stop)
	case ModeFilter:
		p.demod, err = NewDemodulator(cfg.IF, p.sampleRate, 0, geom.SamplesPerRecord)
		if err == nil {
			p.lowpass, err = NewLowPass(cfg.Filter, p.sampleRate)
		}
	case ModeSpectrum:
		sc := cfg.Spectrum
		if sc.Stop == 0 {
			sc.Stop = geom.SamplesPerRecord
		}
		if sc.Stop > geom.SamplesPerRecord {
			return nil, fmt.Errorf("FFT window end %d is past the end of a %d sample record", sc.Stop, geom.SamplesPerRecord)
		}
		p.spectrum, err = NewSpectrum(sc, p.sampleRate)
	}
	if err != nil {
		return nil, err
	}
	for _, name := range modeQuantities[mode] {
		for ch := range p.channels {
			p.accs = append(p.accs, &accumulator{name: name, channel: ch})
		}
	}
	return p, nil
}

// Config returns the processing configuration
func (p *Processor) Config() Config {
	return p.cfg
}

// Reset discards all accumulated statistics and cached records
func (p *Processor) Reset() {
	p.reshaper.Reset()
	for _, a := range p.accs {
		a.acc.Reset()
	}
	p.buffers = 0
	p.sequences = 0
}

// Process folds one buffer into the running statistics and returns the
// updated result.  It does not release b.
func (p *Processor) Process(b alazar.Buffer) (Result, error) {
	seqs, err := p.reshaper.Push(b)
	if err != nil {
		return Result{}, fmt.Errorf("buffer %d: %w", b.Index, err)
	}
	for _, a := range p.accs {
		a.batch = a.batch[:0]
	}
	for _, s := range seqs {
		if err := p.reduce(s); err != nil {
			return Result{}, fmt.Errorf("buffer %d: %w", b.Index, err)
		}
	}
	for _, a := range p.accs {
		if err := a.acc.Update(a.batch...); err != nil {
			return Result{}, fmt.Errorf("buffer %d, %s %s: %w", b.Index, a.name, p.channels[a.channel], err)
		}
	}
	p.buffers++
	p.sequences += len(seqs)
	return p.result(b), nil
}

// acc finds the accumulator for a quantity of a channel
func (p *Processor) acc(name string, ch int) *accumulator {
	for _, a := range p.accs {
		if a.name == name && a.channel == ch {
			return a
		}
	}
	panic("stream: no accumulator for " + name)
}

func (p *Processor) push(name string, ch int, m mat.Matrix) {
	a := p.acc(name, ch)
	a.batch = append(a.batch, m)
}

// reduce computes the per-mode quantities of one sequence
func (p *Processor) reduce(s Sequence) error {
	for ch, m := range s.Channels {
		nrec, nsamp := m.Dims()
		switch p.cfg.Mode {
		case ModeRaw:
			p.push("volts", ch, m)
		case ModeDemod:
			iv, qv := make([]float64, nrec), make([]float64, nrec)
			amp, db, ph := make([]float64, nrec), make([]float64, nrec), make([]float64, nrec)
			for r := 0; r < nrec; r++ {
				i, q, err := p.demod.Demod(m.RawRowView(r))
				if err != nil {
					return err
				}
				iv[r], qv[r] = i, q
				amp[r] = Amplitude(i, q)
				db[r] = Decibels(amp[r])
				ph[r] = Phase(i, q)
			}
			p.push("I", ch, mat.NewDense(1, nrec, iv))
			p.push("Q", ch, mat.NewDense(1, nrec, qv))
			p.push("amp", ch, mat.NewDense(1, nrec, amp))
			p.push("dB", ch, mat.NewDense(1, nrec, db))
			p.push("phase", ch, mat.NewDense(1, nrec, ph))
		case ModeFilter:
			iout := mat.NewDense(nrec, nsamp, nil)
			qout := mat.NewDense(nrec, nsamp, nil)
			aout := mat.NewDense(nrec, nsamp, nil)
			for r := 0; r < nrec; r++ {
				p.mixI, p.mixQ = p.demod.Mix(m.RawRowView(r), p.mixI, p.mixQ)
				p.lowpass.Reset()
				p.fltI = p.lowpass.Filter(p.fltI, p.mixI)
				p.lowpass.Reset()
				p.fltQ = p.lowpass.Filter(p.fltQ, p.mixQ)
				iout.SetRow(r, p.fltI)
				qout.SetRow(r, p.fltQ)
				arow := aout.RawRowView(r)
				for n := range arow {
					arow[n] = Amplitude(p.fltI[n], p.fltQ[n])
				}
			}
			p.push("I", ch, iout)
			p.push("Q", ch, qout)
			p.push("amp", ch, aout)
		case ModeSpectrum:
			out := mat.NewDense(nrec, p.spectrum.Bins(), nil)
			for r := 0; r < nrec; r++ {
				var err error
				p.rec, err = p.spectrum.Magnitude(m.RawRowView(r), p.rec)
				if err != nil {
					return err
				}
				out.SetRow(r, p.rec)
			}
			p.push("magnitude", ch, out)
		}
	}
	return nil
}

func (p *Processor) result(b alazar.Buffer) Result {
	res := Result{
		Buffer:     b.Index,
		Buffers:    p.buffers,
		Sequences:  p.sequences,
		Pending:    p.reshaper.Pending(),
		Mode:       p.cfg.Mode,
		IF:         p.cfg.IF,
		SampleRate: p.sampleRate,
		Timestamp:  b.Timestamp,
		Amplitude:  math.NaN(),
	}
	if p.spectrum != nil {
		res.Frequencies = p.spectrum.Frequencies()
	}
	if p.sequences == 0 {
		return res
	}
	for _, a := range p.accs {
		res.Quantities = append(res.Quantities, Quantity{
			Name:    a.name,
			Channel: p.channels[a.channel],
			Mean:    a.acc.Mean(),
			Std:     a.acc.Std(),
		})
	}
	res.Amplitude = p.summary()
	return res
}

// summary reduces the first channel to one number for trending
func (p *Processor) summary() float64 {
	var mean *mat.Dense
	switch p.cfg.Mode {
	case ModeDemod, ModeFilter:
		mean = p.acc("amp", 0).acc.Mean()
		return floats.Sum(mean.RawMatrix().Data) / float64(len(mean.RawMatrix().Data))
	case ModeSpectrum:
		mean = p.acc("magnitude", 0).acc.Mean()
		// skip DC
		r, c := mean.Dims()
		peak := 0.
		for i := 0; i < r; i++ {
			if c > 1 {
				peak = math.Max(peak, floats.Max(mean.RawRowView(i)[1:]))
			}
		}
		return peak
	default:
		mean = p.acc("volts", 0).acc.Mean()
		data := mean.RawMatrix().Data
		return math.Sqrt(floats.Dot(data, data) / float64(len(data)))
	}
}

// Run processes buffers from in until it is closed, releasing each one and
// publishing a result on out after every buffer.  If ctx is done while a
// result is being published the result is dropped and draining continues, so
// the producer is never left blocked.  A processing error is returned
// immediately.
func (p *Processor) Run(ctx context.Context, in <-chan alazar.Buffer, out chan<- Result) error {
	progress := rate.NewLimiter(rate.Every(time.Second), 1)
	for b := range in {
		res, err := p.Process(b)
		b.Release()
		if err != nil {
			return err
		}
		if glog.V(2) {
			glog.Infof("[stream] buffer %d, %d sequences, %d records pending", res.Buffer, res.Sequences, res.Pending)
		} else if progress.Allow() {
			glog.V(1).Infof("[stream] processed %d buffers, %d sequences", res.Buffers, res.Sequences)
		}
		select {
		case out <- res:
		case <-ctx.Done():
		}
	}
	return nil
}
