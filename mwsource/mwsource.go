/*Package mwsource controls the microwave signal generators that drive the
qubit and readout lines.  Sources speak SCPI over TCP, a serial port or
USBTMC; Mock stands in for one in tests and dry runs.
*/
package mwsource

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qcoherence/qubitlab/comm"
	"github.com/qcoherence/qubitlab/scpi"
	"github.com/qcoherence/qubitlab/usbtmc"
	"github.com/tarm/serial"
)

// DefaultPort is the SCPI raw socket port
const DefaultPort = "5025"

// ErrOutOfRange is generated when a setpoint is outside the source's limits
var ErrOutOfRange = errors.New("setpoint out of range")

// Source is a microwave signal generator
type Source interface {
	// SetFrequency sets the CW frequency in Hz
	SetFrequency(float64) error
	GetFrequency() (float64, error)

	// SetPower sets the output level in dBm
	SetPower(float64) error
	GetPower() (float64, error)

	// SetPhase sets the phase offset in degrees
	SetPhase(float64) error
	GetPhase() (float64, error)

	// SetOutput turns the RF output on or off
	SetOutput(bool) error
	GetOutput() (bool, error)

	// Raw sends a command and returns the response if it was a query
	Raw(string) (string, error)
}

// Limits bound the setpoints a source accepts
type Limits struct {
	MinFrequency float64 `json:"minFrequency" koanf:"minfrequency" yaml:"minFrequency"`
	MaxFrequency float64 `json:"maxFrequency" koanf:"maxfrequency" yaml:"maxFrequency"`
	MinPower     float64 `json:"minPower" koanf:"minpower" yaml:"minPower"`
	MaxPower     float64 `json:"maxPower" koanf:"maxpower" yaml:"maxPower"`
}

// DefaultLimits covers a typical 20 GHz synthesizer
func DefaultLimits() Limits {
	return Limits{MinFrequency: 9e3, MaxFrequency: 20e9, MinPower: -130, MaxPower: 25}
}

// CheckFrequency returns an error wrapping ErrOutOfRange if f is outside the limits
func (l Limits) CheckFrequency(f float64) error {
	if math.IsNaN(f) || f < l.MinFrequency || f > l.MaxFrequency {
		return fmt.Errorf("frequency %g Hz not in [%g, %g]: %w", f, l.MinFrequency, l.MaxFrequency, ErrOutOfRange)
	}
	return nil
}

// CheckPower returns an error wrapping ErrOutOfRange if p is outside the limits
func (l Limits) CheckPower(p float64) error {
	if math.IsNaN(p) || p < l.MinPower || p > l.MaxPower {
		return fmt.Errorf("power %g dBm not in [%g, %g]: %w", p, l.MinPower, l.MaxPower, ErrOutOfRange)
	}
	return nil
}

// WrapDegrees folds a phase into (-180, 180] degrees
func WrapDegrees(deg float64) float64 {
	w := math.Mod(deg+180, 360)
	if w <= 0 {
		w += 360
	}
	return w - 180
}

// Transport names how a source is reached
type Transport string

const (
	// TCP is a raw SCPI socket
	TCP Transport = "tcp"

	// Serial is an RS-232 port
	Serial Transport = "serial"

	// USBTMC is a USB Test and Measurement Class device
	USBTMC Transport = "usbtmc"
)

// Config describes how to reach and limit one source
type Config struct {
	Transport Transport `json:"transport" koanf:"transport" yaml:"transport"`

	// Addr is host[:port] for TCP, or the device path for serial
	Addr string `json:"addr" koanf:"addr" yaml:"addr"`

	// Baud is the serial baud rate
	Baud int `json:"baud" koanf:"baud" yaml:"baud"`

	// VID and PID select a USBTMC device
	VID uint16 `json:"vid" koanf:"vid" yaml:"vid"`
	PID uint16 `json:"pid" koanf:"pid" yaml:"pid"`

	// Timeout bounds each SCPI exchange
	Timeout time.Duration `json:"timeout" koanf:"timeout" yaml:"timeout"`

	// Handshaking checks the error queue after every command
	Handshaking bool `json:"handshaking" koanf:"handshaking" yaml:"handshaking"`

	Limits Limits `json:"limits" koanf:"limits" yaml:"limits"`
}

// maker returns the connection factory for the configured transport
func (c Config) maker() (comm.CreationFunc, error) {
	switch c.Transport {
	case TCP, "":
		addr := c.Addr
		if !strings.Contains(addr, ":") {
			addr += ":" + DefaultPort
		}
		return comm.BackingOffTCPConnMaker(addr, 3*time.Second), nil
	case Serial:
		baud := c.Baud
		if baud == 0 {
			baud = 9600
		}
		return comm.SerialConnMaker(&serial.Config{Name: c.Addr, Baud: baud, ReadTimeout: c.Timeout}), nil
	case USBTMC:
		vid, pid := c.VID, c.PID
		return func() (io.ReadWriteCloser, error) {
			d, err := usbtmc.Open(vid, pid)
			if err != nil {
				return nil, err
			}
			return d, nil
		}, nil
	}
	return nil, fmt.Errorf("unknown transport %q", c.Transport)
}

// SCPISource is a Source driven by SCPI commands
type SCPISource struct {
	scpi.SCPI

	mu     sync.Mutex
	limits Limits
}

// New creates a SCPI source from its configuration.  Nothing is opened until
// the first command.
func New(cfg Config) (*SCPISource, error) {
	maker, err := cfg.maker()
	if err != nil {
		return nil, err
	}
	if cfg.Limits == (Limits{}) {
		cfg.Limits = DefaultLimits()
	}
	pool := comm.NewPool(1, 30*time.Second, maker)
	return &SCPISource{
		SCPI:   scpi.SCPI{Pool: pool, Timeout: cfg.Timeout, Handshaking: cfg.Handshaking},
		limits: cfg.Limits,
	}, nil
}

// Limits returns the setpoint limits
func (s *SCPISource) Limits() Limits {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits
}

// SetLimits replaces the setpoint limits
func (s *SCPISource) SetLimits(l Limits) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limits = l
}

func fmtFloat(f float64) string {
	return strconv.FormatFloat(f, 'G', -1, 64)
}

// SetFrequency sets the CW frequency in Hz
func (s *SCPISource) SetFrequency(f float64) error {
	if err := s.Limits().CheckFrequency(f); err != nil {
		return err
	}
	return s.Write(":FREQ " + fmtFloat(f))
}

// GetFrequency returns the CW frequency in Hz
func (s *SCPISource) GetFrequency() (float64, error) {
	return s.ReadFloat(":FREQ?")
}

// SetPower sets the output level in dBm
func (s *SCPISource) SetPower(p float64) error {
	if err := s.Limits().CheckPower(p); err != nil {
		return err
	}
	return s.Write(":POW " + fmtFloat(p))
}

// GetPower returns the output level in dBm
func (s *SCPISource) GetPower() (float64, error) {
	return s.ReadFloat(":POW?")
}

// SetPhase sets the phase offset in degrees, folded into (-180, 180]
func (s *SCPISource) SetPhase(deg float64) error {
	if math.IsNaN(deg) || math.IsInf(deg, 0) {
		return fmt.Errorf("phase %g: %w", deg, ErrOutOfRange)
	}
	return s.Write(":PHAS " + fmtFloat(WrapDegrees(deg)) + "DEG")
}

// GetPhase returns the phase offset in degrees.  Instruments report radians.
func (s *SCPISource) GetPhase() (float64, error) {
	rad, err := s.ReadFloat(":PHAS?")
	if err != nil {
		return 0, err
	}
	return WrapDegrees(rad * 180 / math.Pi), nil
}

// SetOutput turns the RF output on or off
func (s *SCPISource) SetOutput(on bool) error {
	if on {
		return s.Write(":OUTP ON")
	}
	return s.Write(":OUTP OFF")
}

// GetOutput reports whether the RF output is on
func (s *SCPISource) GetOutput() (bool, error) {
	return s.ReadBool(":OUTP?")
}

// Close releases the connection to the source
func (s *SCPISource) Close() error {
	return s.Pool.Close()
}
