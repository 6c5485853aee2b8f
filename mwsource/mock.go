package mwsource

import (
	"strings"
	"sync"
)

// Mock is an in-memory Source.  It enforces the same limits as SCPISource.
type Mock struct {
	mu sync.Mutex

	Limits    Limits
	Frequency float64
	Power     float64
	Phase     float64
	Output    bool

	// Commands logs every Raw command
	Commands []string
}

// NewMock creates a mock source at 5 GHz, -20 dBm, output off
func NewMock() *Mock {
	return &Mock{Limits: DefaultLimits(), Frequency: 5e9, Power: -20}
}

func (m *Mock) SetFrequency(f float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Limits.CheckFrequency(f); err != nil {
		return err
	}
	m.Frequency = f
	return nil
}

func (m *Mock) GetFrequency() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Frequency, nil
}

func (m *Mock) SetPower(p float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.Limits.CheckPower(p); err != nil {
		return err
	}
	m.Power = p
	return nil
}

func (m *Mock) GetPower() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Power, nil
}

func (m *Mock) SetPhase(deg float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Phase = WrapDegrees(deg)
	return nil
}

func (m *Mock) GetPhase() (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Phase, nil
}

func (m *Mock) SetOutput(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Output = on
	return nil
}

func (m *Mock) GetOutput() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Output, nil
}

// Raw logs the command and answers *IDN? with an identity
func (m *Mock) Raw(cmd string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Commands = append(m.Commands, cmd)
	if strings.EqualFold(strings.TrimSpace(cmd), "*IDN?") {
		return "QubitLab,MockSource,0,1.0", nil
	}
	return "", nil
}
