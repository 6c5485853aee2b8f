package alazar

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/qcoherence/qubitlab/mathx"
)

// ClockSource selects where the sample clock comes from
type ClockSource uint32

// Channel is a bitmask of input channels
type Channel uint32

// Coupling is the input coupling of a channel or of the external trigger
type Coupling uint32

// InputRange is an SDK input range code
type InputRange uint32

// Impedance is an SDK input impedance code
type Impedance uint32

// TriggerSource is the signal a trigger engine watches
type TriggerSource uint32

// TriggerSlope is the edge a trigger engine fires on
type TriggerSlope uint32

// ExternalTriggerRange is the full scale of the TRIG IN connector
type ExternalTriggerRange uint32

// AuxIOMode configures the AUX I/O connector
type AuxIOMode uint32

// values copied from AlazarCmd.h
const (
	InternalClock         ClockSource = 1
	FastExternalClock     ClockSource = 2
	ExternalClock10MHzRef ClockSource = 7

	ChannelA Channel = 1
	ChannelB Channel = 2

	CouplingAC Coupling = 1
	CouplingDC Coupling = 2

	InputRangePM400mV InputRange = 7

	Impedance50Ohm Impedance = 2

	ClockEdgeRising = 0

	TriggerEngineOpJ = 0
	TriggerEngineJ   = 0
	TriggerEngineK   = 1

	TriggerChannelA TriggerSource = 0
	TriggerChannelB TriggerSource = 1
	TriggerExternal TriggerSource = 2
	TriggerDisable  TriggerSource = 3

	TriggerSlopePositive TriggerSlope = 1
	TriggerSlopeNegative TriggerSlope = 2

	ETR5V  ExternalTriggerRange = 0
	ETRTTL ExternalTriggerRange = 2
	ETR2V5 ExternalTriggerRange = 3

	AuxOutTrigger      AuxIOMode = 0
	AuxInTriggerEnable AuxIOMode = 1
	AuxOutPacer        AuxIOMode = 2
	AuxInAuxiliary     AuxIOMode = 13

	// AdmaExternalStartcapture defers capture until StartCapture is called
	AdmaExternalStartcapture uint32 = 0x00000001

	// AdmaNPT is the No-Pre-Trigger acquisition mode
	AdmaNPT uint32 = 0x00000200

	// bytesPerSample is fixed by the 12-bit ADC packed in 16-bit words
	bytesPerSample = 2

	// triggerDelayAlignment is the granularity of the trigger delay on the
	// ATS9360, in samples
	triggerDelayAlignment = 16

	// nptRecordAlignment is the required multiple for SamplesPerRecord in NPT mode
	nptRecordAlignment = 128

	// nptMinRecord is the minimum SamplesPerRecord in NPT mode
	nptMinRecord = 256

	// DefaultWaitTimeout is how long a DMA wait may block before failing
	DefaultWaitTimeout = 5000 * time.Millisecond

	// codeMidscale is the 12-bit code for zero volts
	codeMidscale = 2047.5
)

var (
	// InternalSampleRates maps samples per second to the SDK SAMPLE_RATE_*
	// codes accepted by the ATS9360 when it runs from its internal clock
	InternalSampleRates = map[uint32]uint32{
		1e3:  0x01,
		1e4:  0x08,
		1e5:  0x0E,
		1e6:  0x14,
		1e7:  0x1C,
		2e7:  0x1E,
		5e7:  0x22,
		1e8:  0x24,
		2e8:  0x28,
		5e8:  0x30,
		8e8:  0x32,
		1e9:  0x35,
		12e8: 0x37,
		15e8: 0x3A,
		18e8: 0x3D,
	}

	// ChannelNames maps user friendly names to channel masks
	ChannelNames = map[string]Channel{
		"A":  ChannelA,
		"B":  ChannelB,
		"AB": ChannelA | ChannelB,
	}

	// inputRangeVolts holds the full scale of the supported input ranges
	inputRangeVolts = map[InputRange]float64{
		InputRangePM400mV: 0.4,
	}
)

const (
	// minExternalRate and maxExternalRate bound the ATS9360 sample rate
	// when it is locked to a 10 MHz reference
	minExternalRate = 300e6
	maxExternalRate = 1800e6

	// externalRateStep is the granularity of the PLL when locked to a reference
	externalRateStep = 1e6
)

// Trigger holds the configuration of trigger engine J.  Engine K is disabled.
type Trigger struct {
	// Source is the signal engine J watches
	Source TriggerSource `json:"source" koanf:"source" yaml:"source"`

	// Slope is the edge to trigger on
	Slope TriggerSlope `json:"slope" koanf:"slope" yaml:"slope"`

	// Level is the 8-bit trigger level; 128 is 0 V, 255 is +full scale
	Level uint32 `json:"level" koanf:"level" yaml:"level"`

	// ExternalRange is the range of the TRIG IN connector
	ExternalRange ExternalTriggerRange `json:"externalRange" koanf:"externalrange" yaml:"externalRange"`

	// Delay is the time from trigger to the first sample of a record
	Delay time.Duration `json:"delay" koanf:"delay" yaml:"delay"`

	// Timeout is how long the board waits for a trigger before forcing one.
	// Zero waits forever.
	Timeout time.Duration `json:"timeout" koanf:"timeout" yaml:"timeout"`
}

// Config is the full configuration of one NPT acquisition
type Config struct {
	// ClockSource is the sample clock source
	ClockSource ClockSource `json:"clockSource" koanf:"clocksource" yaml:"clockSource"`

	// SampleRate is the sample rate in samples per second
	SampleRate float64 `json:"sampleRate" koanf:"samplerate" yaml:"sampleRate"`

	// Decimation divides the sample clock; 0 or 1 disables it
	Decimation uint32 `json:"decimation" koanf:"decimation" yaml:"decimation"`

	// Channels is the mask of channels to acquire
	Channels Channel `json:"channels" koanf:"channels" yaml:"channels"`

	// InputRange applies to every enabled channel
	InputRange InputRange `json:"inputRange" koanf:"inputrange" yaml:"inputRange"`

	// Trigger configures engine J
	Trigger Trigger `json:"trigger" koanf:"trigger" yaml:"trigger"`

	// SamplesPerRecord is the number of samples captured after each trigger
	SamplesPerRecord int `json:"samplesPerRecord" koanf:"samplesperrecord" yaml:"samplesPerRecord"`

	// RecordsPerBuffer is the number of records in one DMA buffer
	RecordsPerBuffer int `json:"recordsPerBuffer" koanf:"recordsperbuffer" yaml:"recordsPerBuffer"`

	// BuffersPerAcquisition is the number of buffers to acquire before
	// stopping.  Zero streams until cancelled.
	BuffersPerAcquisition int `json:"buffersPerAcquisition" koanf:"buffersperacquisition" yaml:"buffersPerAcquisition"`

	// BufferCount is the number of buffers in the DMA ring
	BufferCount int `json:"bufferCount" koanf:"buffercount" yaml:"bufferCount"`

	// WaitTimeout bounds each wait for a DMA buffer
	WaitTimeout time.Duration `json:"waitTimeout" koanf:"waittimeout" yaml:"waitTimeout"`
}

// DefaultConfig returns a configuration suitable for heterodyne readout with
// an external 10 MHz reference and TTL trigger
func DefaultConfig() Config {
	return Config{
		ClockSource: ExternalClock10MHzRef,
		SampleRate:  1e9,
		Decimation:  1,
		Channels:    ChannelA | ChannelB,
		InputRange:  InputRangePM400mV,
		Trigger: Trigger{
			Source:        TriggerExternal,
			Slope:         TriggerSlopePositive,
			Level:         150,
			ExternalRange: ETRTTL,
		},
		SamplesPerRecord:      1024,
		RecordsPerBuffer:      100,
		BuffersPerAcquisition: 100,
		BufferCount:           4,
		WaitTimeout:           DefaultWaitTimeout,
	}
}

// ChannelCount is the number of enabled channels
func (c Channel) ChannelCount() int {
	n := 0
	for _, ch := range []Channel{ChannelA, ChannelB} {
		if c&ch != 0 {
			n++
		}
	}
	return n
}

// List returns the individual channels in the mask, in board order
func (c Channel) List() []Channel {
	out := []Channel{}
	for _, ch := range []Channel{ChannelA, ChannelB} {
		if c&ch != 0 {
			out = append(out, ch)
		}
	}
	return out
}

// String renders the mask as "A", "B" or "AB"
func (c Channel) String() string {
	var b strings.Builder
	if c&ChannelA != 0 {
		b.WriteByte('A')
	}
	if c&ChannelB != 0 {
		b.WriteByte('B')
	}
	return b.String()
}

// ParseChannels converts "A", "B", "AB" (case insensitive) to a mask
func ParseChannels(s string) (Channel, error) {
	ch, ok := ChannelNames[strings.ToUpper(s)]
	if !ok {
		return 0, fmt.Errorf("%w: channel selection %q is not one of A, B, AB", ErrInvalidConfig, s)
	}
	return ch, nil
}

// FullScale returns the full scale of an input range in volts
func (r InputRange) FullScale() (float64, error) {
	v, ok := inputRangeVolts[r]
	if !ok {
		return 0, fmt.Errorf("%w: input range code %d is not supported by the ATS9360", ErrInvalidConfig, r)
	}
	return v, nil
}

// Geometry is the shape of one DMA buffer
type Geometry struct {
	SamplesPerRecord int `json:"samplesPerRecord"`
	RecordsPerBuffer int `json:"recordsPerBuffer"`
	Channels         int `json:"channels"`
}

// SamplesPerBuffer is the number of 16-bit words in a buffer
func (g Geometry) SamplesPerBuffer() int {
	return g.SamplesPerRecord * g.RecordsPerBuffer * g.Channels
}

// BytesPerBuffer is the size of a buffer in bytes
func (g Geometry) BytesPerBuffer() int {
	return g.SamplesPerBuffer() * bytesPerSample
}

// Geometry computes the buffer geometry of the configuration
func (c Config) Geometry() Geometry {
	return Geometry{
		SamplesPerRecord: c.SamplesPerRecord,
		RecordsPerBuffer: c.RecordsPerBuffer,
		Channels:         c.Channels.ChannelCount(),
	}
}

// EffectiveSampleRate is the sample rate after decimation
func (c Config) EffectiveSampleRate() float64 {
	if c.Decimation > 1 {
		return c.SampleRate / float64(c.Decimation)
	}
	return c.SampleRate
}

// TriggerDelaySamples converts the trigger delay to samples, rounded to the
// nearest multiple the board accepts
func (c Config) TriggerDelaySamples() uint32 {
	samples := c.Trigger.Delay.Seconds() * c.EffectiveSampleRate()
	aligned := mathx.Round(samples, triggerDelayAlignment)
	if aligned < 0 {
		return 0
	}
	return uint32(aligned)
}

// TriggerTimeoutTicks converts the trigger timeout to the 10 us ticks used by
// the SDK
func (c Config) TriggerTimeoutTicks() uint32 {
	return uint32(c.Trigger.Timeout / (10 * time.Microsecond))
}

// SampleRateCode returns the value to pass to SetCaptureClock for the rate
func (c Config) SampleRateCode() (uint32, error) {
	switch c.ClockSource {
	case InternalClock:
		code, ok := InternalSampleRates[uint32(c.SampleRate)]
		if !ok {
			return 0, fmt.Errorf("%w: sample rate %g is not available from the internal clock, allowed: %v",
				ErrInvalidConfig, c.SampleRate, supportedInternalRates())
		}
		return code, nil
	case ExternalClock10MHzRef:
		if c.SampleRate < minExternalRate || c.SampleRate > maxExternalRate {
			return 0, fmt.Errorf("%w: sample rate %g outside [%g, %g] for 10 MHz reference",
				ErrInvalidConfig, c.SampleRate, minExternalRate, maxExternalRate)
		}
		if mathx.Round(c.SampleRate, externalRateStep) != c.SampleRate {
			return 0, fmt.Errorf("%w: sample rate %g is not a multiple of %g with 10 MHz reference",
				ErrInvalidConfig, c.SampleRate, externalRateStep)
		}
		return uint32(c.SampleRate), nil
	default:
		return 0, fmt.Errorf("%w: clock source %d is not supported", ErrInvalidConfig, c.ClockSource)
	}
}

func supportedInternalRates() []uint32 {
	rates := make([]uint32, 0, len(InternalSampleRates))
	for k := range InternalSampleRates {
		rates = append(rates, k)
	}
	sort.Slice(rates, func(i, j int) bool { return rates[i] < rates[j] })
	return rates
}

// Validate checks the configuration against the NPT and ATS9360 rules.
// The returned error wraps ErrInvalidConfig.
func (c Config) Validate() error {
	if _, err := c.SampleRateCode(); err != nil {
		return err
	}
	if c.Channels.ChannelCount() == 0 || c.Channels&^(ChannelA|ChannelB) != 0 {
		return fmt.Errorf("%w: channel mask %d must select A, B or both", ErrInvalidConfig, c.Channels)
	}
	if _, err := c.InputRange.FullScale(); err != nil {
		return err
	}
	if c.SamplesPerRecord < nptMinRecord {
		return fmt.Errorf("%w: SamplesPerRecord %d < %d", ErrInvalidConfig, c.SamplesPerRecord, nptMinRecord)
	}
	if c.SamplesPerRecord%nptRecordAlignment != 0 {
		return fmt.Errorf("%w: SamplesPerRecord %d is not a multiple of %d", ErrInvalidConfig, c.SamplesPerRecord, nptRecordAlignment)
	}
	if c.RecordsPerBuffer < 1 {
		return fmt.Errorf("%w: RecordsPerBuffer must be at least 1, got %d", ErrInvalidConfig, c.RecordsPerBuffer)
	}
	if c.BuffersPerAcquisition < 0 {
		return fmt.Errorf("%w: BuffersPerAcquisition must not be negative", ErrInvalidConfig)
	}
	if c.BufferCount < 2 {
		return fmt.Errorf("%w: BufferCount must be at least 2, got %d", ErrInvalidConfig, c.BufferCount)
	}
	if c.WaitTimeout <= 0 {
		return fmt.Errorf("%w: WaitTimeout must be positive", ErrInvalidConfig)
	}
	if c.Trigger.Level > 255 {
		return fmt.Errorf("%w: trigger level %d exceeds 255", ErrInvalidConfig, c.Trigger.Level)
	}
	if c.Trigger.Delay < 0 {
		return fmt.Errorf("%w: trigger delay must not be negative", ErrInvalidConfig)
	}
	return nil
}

// CodeToVolts converts a left-justified 12-bit sample to volts for a given
// full scale
func CodeToVolts(code uint16, fullScale float64) float64 {
	return (float64(code>>4) - codeMidscale) / codeMidscale * fullScale
}

// VoltsToCode is the inverse of CodeToVolts, clipped to the 12-bit range
func VoltsToCode(v, fullScale float64) uint16 {
	c := mathx.Clamp(v/fullScale*codeMidscale+codeMidscale, 0, 4095)
	return uint16(mathx.Round(c, 1)) << 4
}
