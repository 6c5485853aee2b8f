package alazar

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// MockBoard simulates an ATS9360 receiving a heterodyne readout tone.
//
// Channel A sees Amplitude*cos(2 pi IF t + phi) and channel B the matching
// sine, plus Gaussian noise.  phi advances by PhaseStep for each record of a
// sequence of SequenceLength records, so a sequence looks like a Rabi or
// Ramsey sweep.
type MockBoard struct {
	sync.Mutex

	// IF is the intermediate frequency of the simulated tone in Hz
	IF float64

	// Amplitude is the tone amplitude in volts
	Amplitude float64

	// Noise is the standard deviation of the added noise in volts
	Noise float64

	// PhaseStep is the phase increment between records of a sequence, radians
	PhaseStep float64

	// SequenceLength is the number of records before the phase wraps
	SequenceLength int

	// RecordPeriod is the simulated trigger period.  Zero fills instantly.
	RecordPeriod time.Duration

	// FailAfter makes the board report a buffer overflow after this many
	// buffers.  Zero never fails.
	FailAfter int

	// Calls records the SDK functions invoked, for inspection in tests
	Calls []string

	// AuxMode is the last mode passed to ConfigureAuxIO
	AuxMode AuxIOMode

	rng        *rand.Rand
	sampleRate float64
	channels   Channel
	spr        int
	rpb        int
	posted     [][]uint16
	started    bool
	completed  int
	records    int
	closed     bool
}

// NewMockBoard creates a simulated board with a 50 MHz, 100 mV tone
func NewMockBoard() *MockBoard {
	return &MockBoard{
		IF:             50e6,
		Amplitude:      0.1,
		Noise:          0.005,
		SequenceLength: 1,
		rng:            rand.New(rand.NewSource(1)),
	}
}

func (m *MockBoard) called(name string) {
	m.Calls = append(m.Calls, name)
}

func (m *MockBoard) SetCaptureClock(src ClockSource, rate uint32, edge uint32, decimation uint32) error {
	m.Lock()
	defer m.Unlock()
	m.called("SetCaptureClock")
	sr := float64(rate)
	if src == InternalClock {
		sr = 0
		for hz, code := range InternalSampleRates {
			if code == rate {
				sr = float64(hz)
			}
		}
		if sr == 0 {
			return ApiInvalidData
		}
	}
	if decimation > 1 {
		sr /= float64(decimation)
	}
	m.sampleRate = sr
	return nil
}

func (m *MockBoard) InputControl(ch Channel, coupling Coupling, rng InputRange, imp Impedance) error {
	m.Lock()
	defer m.Unlock()
	m.called("InputControl")
	if rng != InputRangePM400mV || coupling != CouplingDC || imp != Impedance50Ohm {
		return ApiInvalidData
	}
	return nil
}

func (m *MockBoard) SetBWLimit(ch Channel, enable bool) error {
	m.Lock()
	defer m.Unlock()
	m.called("SetBWLimit")
	return nil
}

func (m *MockBoard) SetTriggerOperation(op uint32, j, k TriggerEngine) error {
	m.Lock()
	defer m.Unlock()
	m.called("SetTriggerOperation")
	return nil
}

func (m *MockBoard) SetExternalTrigger(coupling Coupling, rng ExternalTriggerRange) error {
	m.Lock()
	defer m.Unlock()
	m.called("SetExternalTrigger")
	if rng != ETRTTL && rng != ETR2V5 {
		return ApiInvalidData
	}
	return nil
}

func (m *MockBoard) SetTriggerDelay(samples uint32) error {
	m.Lock()
	defer m.Unlock()
	m.called("SetTriggerDelay")
	if samples%triggerDelayAlignment != 0 {
		return ApiInvalidData
	}
	return nil
}

func (m *MockBoard) SetTriggerTimeOut(ticks uint32) error {
	m.Lock()
	defer m.Unlock()
	m.called("SetTriggerTimeOut")
	return nil
}

func (m *MockBoard) ConfigureAuxIO(mode AuxIOMode, param uint32) error {
	m.Lock()
	defer m.Unlock()
	m.called("ConfigureAuxIO")
	m.AuxMode = mode
	return nil
}

func (m *MockBoard) SetRecordSize(preTrigger, postTrigger uint32) error {
	m.Lock()
	defer m.Unlock()
	m.called("SetRecordSize")
	if preTrigger != 0 {
		return ApiInvalidData // NPT only
	}
	return nil
}

func (m *MockBoard) AllocBuffer(n int) ([]uint16, error) {
	if n <= 0 {
		return nil, ApiInvalidSize
	}
	return make([]uint16, n), nil
}

func (m *MockBoard) FreeBuffer(buf []uint16) error {
	return nil
}

func (m *MockBoard) BeforeAsyncRead(channels Channel, samplesPerRecord, recordsPerBuffer, recordsPerAcquisition uint32, flags uint32) error {
	m.Lock()
	defer m.Unlock()
	m.called("BeforeAsyncRead")
	if flags&AdmaNPT == 0 {
		return ApiUnsupportedFunction
	}
	if recordsPerBuffer == 0 {
		return ApiInvalidRecordsPerBuffer
	}
	m.channels = channels
	m.spr = int(samplesPerRecord)
	m.rpb = int(recordsPerBuffer)
	m.posted = nil
	m.started = false
	m.completed = 0
	m.records = 0
	return nil
}

func (m *MockBoard) PostAsyncBuffer(buf []uint16) error {
	m.Lock()
	defer m.Unlock()
	m.called("PostAsyncBuffer")
	if len(buf) < m.spr*m.rpb*m.channels.ChannelCount() {
		return ApiBufferTooSmall
	}
	m.posted = append(m.posted, buf)
	return nil
}

func (m *MockBoard) StartCapture() error {
	m.Lock()
	defer m.Unlock()
	m.called("StartCapture")
	if m.spr == 0 {
		return ApiFailed
	}
	m.started = true
	return nil
}

func (m *MockBoard) WaitAsyncBufferComplete(buf []uint16, timeout time.Duration) error {
	m.Lock()
	if !m.started {
		m.Unlock()
		return ApiBufferNotReady
	}
	if len(m.posted) == 0 || &m.posted[0][0] != &buf[0] {
		m.Unlock()
		return ApiInvalidBuffer
	}
	if m.FailAfter > 0 && m.completed >= m.FailAfter {
		m.Unlock()
		return ApiBufferOverflow
	}
	fill := m.RecordPeriod * time.Duration(m.rpb)
	m.Unlock()

	if fill > timeout {
		time.Sleep(timeout)
		return ApiWaitTimeout
	}
	if fill > 0 {
		time.Sleep(fill)
	}

	m.Lock()
	defer m.Unlock()
	if !m.started {
		return ApiWaitCanceled
	}
	m.fill(buf)
	m.posted = m.posted[1:]
	m.completed++
	return nil
}

// fill writes one buffer of simulated records in NPT layout
func (m *MockBoard) fill(buf []uint16) {
	if m.rng == nil {
		m.rng = rand.New(rand.NewSource(1))
	}
	seq := m.SequenceLength
	if seq < 1 {
		seq = 1
	}
	omega := 2 * math.Pi * m.IF / m.sampleRate
	for r := 0; r < m.rpb; r++ {
		phi := m.PhaseStep * float64((m.records+r)%seq)
		for ci := 0; ci < m.channels.ChannelCount(); ci++ {
			quadrature := 0.
			if m.channels.List()[ci] == ChannelB {
				quadrature = -math.Pi / 2
			}
			rec := buf[(ci*m.rpb+r)*m.spr : (ci*m.rpb+r+1)*m.spr]
			for i := range rec {
				v := m.Amplitude*math.Cos(omega*float64(i)+phi+quadrature) + m.Noise*m.rng.NormFloat64()
				rec[i] = VoltsToCode(v, inputRangeVolts[InputRangePM400mV])
			}
		}
	}
	m.records += m.rpb
}

func (m *MockBoard) AbortAsyncRead() error {
	m.Lock()
	defer m.Unlock()
	m.called("AbortAsyncRead")
	m.started = false
	m.posted = nil
	return nil
}

func (m *MockBoard) Close() error {
	m.Lock()
	defer m.Unlock()
	m.closed = true
	return nil
}
