/*Package stream turns raw digitizer buffers into averaged measurement results.

Buffers arrive from an acquisition goroutine.  Each one is reshaped into
complete sequences (a sequence being one repetition of the pulse experiment,
RecordsPerSequence triggers long), the records are reduced according to the
processing mode, and running statistics are merged so that a result is
available after every buffer of an unbounded stream.
*/
package stream

import (
	"errors"
	"fmt"

	"github.com/qcoherence/qubitlab/alazar"
	"gonum.org/v1/gonum/mat"
)

// ErrShapeMismatch is generated when data does not have the shape a reshaper
// or accumulator was set up for
var ErrShapeMismatch = errors.New("data shape does not match accumulated shape")

// Sequence is one repetition of the experiment.  Channels holds one
// records x samples matrix per enabled channel, in volts.
type Sequence struct {
	Channels []*mat.Dense
}

// Reshaper slices buffers into sequences, caching the trailing records that
// do not complete a sequence until the next buffer arrives.
type Reshaper struct {
	RecordsPerSequence int
	SamplesPerRecord   int
	Channels           int

	// carry holds pending*SamplesPerRecord volts per channel
	carry   [][]float64
	pending int
	scratch []float64
}

// NewReshaper creates a reshaper for buffers of geometry g
func NewReshaper(recordsPerSequence int, g alazar.Geometry) (*Reshaper, error) {
	if recordsPerSequence < 1 {
		return nil, fmt.Errorf("records per sequence must be at least 1, got %d", recordsPerSequence)
	}
	if g.SamplesPerRecord < 1 || g.Channels < 1 {
		return nil, fmt.Errorf("%w: geometry %+v has no samples", ErrShapeMismatch, g)
	}
	return &Reshaper{
		RecordsPerSequence: recordsPerSequence,
		SamplesPerRecord:   g.SamplesPerRecord,
		Channels:           g.Channels,
		carry:              make([][]float64, g.Channels),
	}, nil
}

// Pending is the number of cached records waiting for a sequence to complete
func (r *Reshaper) Pending() int {
	return r.pending
}

// Reset drops any cached records
func (r *Reshaper) Reset() {
	for i := range r.carry {
		r.carry[i] = r.carry[i][:0]
	}
	r.pending = 0
}

// Push converts b to volts and returns every sequence it completes, oldest
// first.  Records are never reordered or dropped.
func (r *Reshaper) Push(b alazar.Buffer) ([]Sequence, error) {
	g := b.Geometry
	if g.SamplesPerRecord != r.SamplesPerRecord || g.Channels != r.Channels {
		return nil, fmt.Errorf("%w: buffer has %d samples x %d channels, reshaper expects %d x %d",
			ErrShapeMismatch, g.SamplesPerRecord, g.Channels, r.SamplesPerRecord, r.Channels)
	}
	if len(b.Data) < g.SamplesPerBuffer() {
		return nil, fmt.Errorf("%w: buffer holds %d samples, geometry needs %d",
			ErrShapeMismatch, len(b.Data), g.SamplesPerBuffer())
	}
	spr := r.SamplesPerRecord
	total := r.pending + g.RecordsPerBuffer
	nseq := total / r.RecordsPerSequence
	leftover := total - nseq*r.RecordsPerSequence
	seqSize := r.RecordsPerSequence * spr

	seqs := make([]Sequence, nseq)
	for i := range seqs {
		seqs[i].Channels = make([]*mat.Dense, r.Channels)
	}
	for ch := 0; ch < r.Channels; ch++ {
		all := r.carry[ch]
		for rec := 0; rec < g.RecordsPerBuffer; rec++ {
			r.scratch = b.Volts(ch, rec, r.scratch)
			all = append(all, r.scratch...)
		}
		for s := 0; s < nseq; s++ {
			data := make([]float64, seqSize)
			copy(data, all[s*seqSize:(s+1)*seqSize])
			seqs[s].Channels[ch] = mat.NewDense(r.RecordsPerSequence, spr, data)
		}
		// shift the tail to the front so the carry array is reused
		tail := all[nseq*seqSize:]
		r.carry[ch] = append(all[:0], tail...)
	}
	r.pending = leftover
	return seqs, nil
}
