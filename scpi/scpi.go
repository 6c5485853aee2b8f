// Package scpi provides primitives for working with devices that
// have SCPI interfaces
package scpi

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/qcoherence/qubitlab/comm"
)

const (
	// DefaultTimeout bounds every read and write when SCPI.Timeout is zero
	DefaultTimeout = 5 * time.Second

	tcpFrameSize = 1500

	// maxErrors bounds how many entries of the error queue are drained
	maxErrors = 32
)

// ErrEmptyResponse is generated when a query is answered with nothing
var ErrEmptyResponse = errors.New("empty response from device")

// DeviceError is an entry of the SCPI error queue, such as
// -222,"Data out of range"
type DeviceError struct {
	Code    int
	Message string
}

func (e DeviceError) Error() string {
	return fmt.Sprintf("device error %d: %s", e.Code, e.Message)
}

// parseError converts an error queue entry to an error, nil for +0
func parseError(s string) error {
	s = strings.TrimSpace(s)
	code, msg := s, ""
	if i := strings.IndexByte(s, ','); i >= 0 {
		code, msg = s[:i], strings.Trim(s[i+1:], `"`)
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return fmt.Errorf("malformed error response %q", s)
	}
	if n == 0 {
		return nil
	}
	return DeviceError{Code: n, Message: msg}
}

// SCPI is a type for encapsulating SCPI communication
type SCPI struct {
	Pool *comm.Pool

	// Timeout bounds each read and write, DefaultTimeout if zero
	Timeout time.Duration

	// Handshaking indicates if the communication shall use handshaking,
	// where an error query is sent with every message
	// to ensure the device accepted the input
	Handshaking bool
}

func (s *SCPI) timeout() time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return DefaultTimeout
}

// exchange sends cmds joined by spaces and reads a response if one is
// expected.  With handshake the error queue is queried in the same message
// and its answer is checked and stripped from the response.
func (s *SCPI) exchange(handshake, query bool, cmds ...string) (resp []byte, err error) {
	conn, err := s.Pool.Get()
	if err != nil {
		return nil, err
	}
	defer func() {
		// device errors leave the connection usable
		var de DeviceError
		if errors.As(err, &de) {
			s.Pool.Put(conn)
			return
		}
		s.Pool.ReturnWithError(conn, err)
	}()
	wrap := comm.NewTimeout(comm.NewTerminator(conn, '\n', '\n'), s.timeout())
	if handshake {
		cmds = append([]string{"*CLS;"}, cmds...)
		cmds = append(cmds, ";:SYSTem:ERRor?")
	}
	if _, err = io.WriteString(wrap, strings.Join(cmds, " ")); err != nil {
		return nil, err
	}
	if !handshake && !query {
		return nil, nil
	}
	buf := make([]byte, tcpFrameSize)
	n, err := wrap.Read(buf)
	if err != nil {
		return nil, err
	}
	resp = bytes.TrimRight(buf[:n], "\r")
	if handshake {
		pieces := bytes.Split(resp, []byte{';'})
		if err = parseError(string(pieces[len(pieces)-1])); err != nil {
			return nil, err
		}
		resp = bytes.Join(pieces[:len(pieces)-1], []byte{';'})
	}
	return resp, nil
}

// Write sends a command to the device.  if s.Handshaking == true,
// it also requests an error response and checks that it is OK
// it is assumed this is used for set operations and not get.
func (s *SCPI) Write(cmds ...string) error {
	_, err := s.exchange(s.Handshaking, false, cmds...)
	return err
}

// WriteRead is write, but with a read call after.  It is assumed that "get"
// calls use this underlying mechanism
func (s *SCPI) WriteRead(cmds ...string) ([]byte, error) {
	return s.exchange(s.Handshaking, true, cmds...)
}

// ReadString sends a command to the device, the reads the response
// and returns it as a decoded ASCII or UTF-8 string
func (s *SCPI) ReadString(cmds ...string) (string, error) {
	resp, err := s.WriteRead(cmds...)
	if err != nil {
		return "", err
	}
	str := strings.TrimSpace(string(resp))
	if str == "" {
		return "", ErrEmptyResponse
	}
	return str, nil
}

// ReadFloat sends a command to the device, then reads the
// response and parses it as a floating point value
func (s *SCPI) ReadFloat(cmds ...string) (float64, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.ParseFloat(resp, 64)
}

// ReadBool sends a command to the device, then reads the
// response and parses it as a boolean.  ON and OFF are understood.
func (s *SCPI) ReadBool(cmds ...string) (bool, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(resp) {
	case "ON":
		return true, nil
	case "OFF":
		return false, nil
	}
	return strconv.ParseBool(resp)
}

// ReadInt sends a command to the device, then reads the
// response and parses it as an integer
func (s *SCPI) ReadInt(cmds ...string) (int, error) {
	resp, err := s.ReadString(cmds...)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(resp)
}

// Raw sends a command to the device without handshaking and returns a
// response if it was a query, else a blank string
func (s *SCPI) Raw(str string) (string, error) {
	if strings.Contains(str, "?") {
		resp, err := s.exchange(false, true, str)
		return strings.TrimSpace(string(resp)), err
	}
	_, err := s.exchange(false, false, str)
	return "", err
}

// PopError gets a single error from the queue on the device
func (s *SCPI) PopError() error {
	resp, err := s.exchange(false, true, "SYSTem:ERRor?")
	if err != nil {
		return err
	}
	return parseError(string(resp))
}

// AllErrors returns all errors from the device as a list.  A communication
// failure ends the list and is its last element.
func (s *SCPI) AllErrors() []error {
	var errs []error
	for i := 0; i < maxErrors; i++ {
		err := s.PopError()
		if err == nil {
			break
		}
		errs = append(errs, err)
		var de DeviceError
		if !errors.As(err, &de) {
			break
		}
	}
	return errs
}

// AllErrorsString is equivalent to AllErrors, but joining by newline
// if there were no errors, the error return value is nil, otherwise
// it is the first error in the list and has no particular meaning
func (s *SCPI) AllErrorsString() (string, error) {
	errs := s.AllErrors()
	if len(errs) == 0 {
		return "", nil
	}
	strs := make([]string, len(errs))
	for i := 0; i < len(errs); i++ {
		strs[i] = errs[i].Error()
	}
	return strings.Join(strs, "\n"), errs[0]
}
