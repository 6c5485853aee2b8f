/*Package alazar drives AlazarTech ATS9360 digitizers for streaming NPT acquisition.

The vendor library does all of the real work (DMA engine, interrupts, board
programming).  This package configures a board through the Board interface,
owns the ring of DMA buffers for the life of an acquisition, and copies every
completed buffer out onto a channel so that a consumer in another goroutine can
process it while the board keeps filling the rest of the ring.

The cgo binding to ATSApi is compiled with the atsapi build tag.  Without it,
Open returns an error and MockBoard is the only Board available.
*/
package alazar

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

// TriggerEngine holds the arguments for one engine of AlazarSetTriggerOperation
type TriggerEngine struct {
	Engine uint32
	Source TriggerSource
	Slope  TriggerSlope
	Level  uint32
}

// Board is the subset of the ATSApi used for NPT streaming.  Each method maps
// to one Alazar* function and returns its RETURN_CODE as an error.
type Board interface {
	// SetCaptureClock is AlazarSetCaptureClock
	SetCaptureClock(src ClockSource, rate uint32, edge uint32, decimation uint32) error

	// InputControl is AlazarInputControlEx
	InputControl(ch Channel, coupling Coupling, rng InputRange, imp Impedance) error

	// SetBWLimit is AlazarSetBWLimit
	SetBWLimit(ch Channel, enable bool) error

	// SetTriggerOperation is AlazarSetTriggerOperation
	SetTriggerOperation(op uint32, j, k TriggerEngine) error

	// SetExternalTrigger is AlazarSetExternalTrigger
	SetExternalTrigger(coupling Coupling, rng ExternalTriggerRange) error

	// SetTriggerDelay is AlazarSetTriggerDelay, in samples
	SetTriggerDelay(samples uint32) error

	// SetTriggerTimeOut is AlazarSetTriggerTimeOut, in 10 us ticks
	SetTriggerTimeOut(ticks uint32) error

	// ConfigureAuxIO is AlazarConfigureAuxIO
	ConfigureAuxIO(mode AuxIOMode, param uint32) error

	// SetRecordSize is AlazarSetRecordSize
	SetRecordSize(preTrigger, postTrigger uint32) error

	// AllocBuffer returns DMA capable memory of n samples, AlazarAllocBufferU16
	AllocBuffer(n int) ([]uint16, error)

	// FreeBuffer releases memory from AllocBuffer, AlazarFreeBufferU16
	FreeBuffer(buf []uint16) error

	// BeforeAsyncRead is AlazarBeforeAsyncRead
	BeforeAsyncRead(channels Channel, samplesPerRecord, recordsPerBuffer, recordsPerAcquisition uint32, flags uint32) error

	// PostAsyncBuffer is AlazarPostAsyncBuffer
	PostAsyncBuffer(buf []uint16) error

	// WaitAsyncBufferComplete is AlazarWaitAsyncBufferComplete
	WaitAsyncBufferComplete(buf []uint16, timeout time.Duration) error

	// StartCapture is AlazarStartCapture
	StartCapture() error

	// AbortAsyncRead is AlazarAbortAsyncRead
	AbortAsyncRead() error

	// Close releases the board handle
	Close() error
}

// Digitizer is a configured board that can stream buffers.  It is safe for
// concurrent use.  mu guards the fields below, not the board calls of a running
// acquisition; Configure and Acquire refuse with ErrBusy while one runs.
type Digitizer struct {
	mu sync.Mutex

	board Board

	cfg Config

	// configured is true once Configure succeeded with cfg
	configured bool

	// acquiring is non-nil while Acquire runs and is closed when it returns
	acquiring chan struct{}

	// pool recycles the backing arrays of copied out buffers
	pool *sync.Pool
}

// NewDigitizer wraps a board.  It must be configured before acquiring.
func NewDigitizer(b Board) *Digitizer {
	return &Digitizer{board: b, cfg: DefaultConfig(), pool: &sync.Pool{}}
}

// Config returns the current configuration
func (d *Digitizer) Config() Config {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg
}

// Configured reports whether Configure has succeeded
func (d *Digitizer) Configured() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.configured
}

// Acquiring reports whether an acquisition is running
func (d *Digitizer) Acquiring() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acquiring != nil
}

// Configure validates cfg and programs clock, inputs, trigger and AUX I/O.
// It returns ErrBusy while an acquisition is running.
func (d *Digitizer) Configure(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.acquiring != nil {
		return ErrBusy
	}
	d.configured = false
	if err := program(d.board, cfg); err != nil {
		return err
	}
	d.cfg = cfg
	d.configured = true
	glog.V(1).Infof("[alazar] configured %s at %g S/s, %d samples x %d records per buffer",
		cfg.Channels, cfg.EffectiveSampleRate(), cfg.SamplesPerRecord, cfg.RecordsPerBuffer)
	return nil
}

// Close releases the board, first waiting for a running acquisition to end
func (d *Digitizer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.acquiring != nil {
		done := d.acquiring
		d.mu.Unlock()
		<-done
		d.mu.Lock()
	}
	return d.board.Close()
}

func program(b Board, cfg Config) error {
	rate, err := cfg.SampleRateCode()
	if err != nil {
		return err
	}
	decimation := cfg.Decimation
	if decimation == 0 {
		decimation = 1
	}
	err = enrich(b.SetCaptureClock(cfg.ClockSource, rate, ClockEdgeRising, decimation), "AlazarSetCaptureClock")
	if err != nil {
		return err
	}
	for _, ch := range []Channel{ChannelA, ChannelB} {
		err = enrich(b.InputControl(ch, CouplingDC, cfg.InputRange, Impedance50Ohm), "AlazarInputControlEx")
		if err != nil {
			return fmt.Errorf("channel %s: %w", ch, err)
		}
		err = enrich(b.SetBWLimit(ch, false), "AlazarSetBWLimit")
		if err != nil {
			return fmt.Errorf("channel %s: %w", ch, err)
		}
	}
	j := TriggerEngine{Engine: TriggerEngineJ, Source: cfg.Trigger.Source, Slope: cfg.Trigger.Slope, Level: cfg.Trigger.Level}
	k := TriggerEngine{Engine: TriggerEngineK, Source: TriggerDisable, Slope: TriggerSlopePositive, Level: 128}
	err = enrich(b.SetTriggerOperation(TriggerEngineOpJ, j, k), "AlazarSetTriggerOperation")
	if err != nil {
		return err
	}
	err = enrich(b.SetExternalTrigger(CouplingDC, cfg.Trigger.ExternalRange), "AlazarSetExternalTrigger")
	if err != nil {
		return err
	}
	err = enrich(b.SetTriggerDelay(cfg.TriggerDelaySamples()), "AlazarSetTriggerDelay")
	if err != nil {
		return err
	}
	err = enrich(b.SetTriggerTimeOut(cfg.TriggerTimeoutTicks()), "AlazarSetTriggerTimeOut")
	if err != nil {
		return err
	}
	return enrich(b.ConfigureAuxIO(AuxOutTrigger, 0), "AlazarConfigureAuxIO")
}
