/*Package comm provides the byte-level transports used to talk to lab
instruments, and a pool that hands out connections to them.

A typical instrument driver wraps a connection from a Pool in a Terminator and
a Timeout:

	conn, err := pool.Get()
	if err != nil {
		return err
	}
	defer func() { pool.ReturnWithError(conn, err) }()
	rw := comm.NewTimeout(comm.NewTerminator(conn, '\n', '\n'), 3*time.Second)
	_, err = rw.Write([]byte(":FREQ?"))
*/
package comm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")

	// ErrPoolClosed is generated when a connection is requested from a closed pool
	ErrPoolClosed = errors.New("connection pool is closed")
)

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the variables needed.
type CreationFunc func() (io.ReadWriteCloser, error)

type deadliner interface {
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
}

// Terminator appends a byte to every write and reads up to a byte on every
// read, stripping it
type Terminator struct {
	rw io.ReadWriter
	br *bufio.Reader
	tx byte
	rx byte
}

// NewTerminator wraps rw with the given write (tx) and read (rx) terminators
func NewTerminator(rw io.ReadWriter, tx, rx byte) *Terminator {
	return &Terminator{rw: rw, br: bufio.NewReader(rw), tx: tx, rx: rx}
}

// Write sends p followed by the tx terminator.  The returned count excludes
// the terminator.
func (t *Terminator) Write(p []byte) (int, error) {
	buf := make([]byte, len(p)+1)
	copy(buf, p)
	buf[len(p)] = t.tx
	n, err := t.rw.Write(buf)
	if n > len(p) {
		n = len(p)
	}
	return n, err
}

// Read reads one terminated message into p.  The terminator is not copied.  A
// message longer than p is truncated.
func (t *Terminator) Read(p []byte) (int, error) {
	line, err := t.br.ReadBytes(t.rx)
	if err != nil {
		if err == io.EOF && len(line) > 0 {
			return copy(p, line), ErrTerminatorNotFound
		}
		return 0, err
	}
	return copy(p, line[:len(line)-1]), nil
}

// SetReadDeadline delegates to the wrapped connection, if it supports deadlines
func (t *Terminator) SetReadDeadline(d time.Time) error {
	if dl, ok := t.rw.(deadliner); ok {
		return dl.SetReadDeadline(d)
	}
	return nil
}

// SetWriteDeadline delegates to the wrapped connection, if it supports deadlines
func (t *Terminator) SetWriteDeadline(d time.Time) error {
	if dl, ok := t.rw.(deadliner); ok {
		return dl.SetWriteDeadline(d)
	}
	return nil
}

// Timeout sets a deadline before every read and write on a connection that
// supports them
type Timeout struct {
	rw io.ReadWriter
	dl deadliner
	d  time.Duration
}

// NewTimeout wraps rw so that each operation must finish within d.  If rw
// does not support deadlines it is returned unmodified.
func NewTimeout(rw io.ReadWriter, d time.Duration) io.ReadWriter {
	dl, ok := rw.(deadliner)
	if !ok || d <= 0 {
		return rw
	}
	return &Timeout{rw: rw, dl: dl, d: d}
}

func (t *Timeout) Write(p []byte) (int, error) {
	if err := t.dl.SetWriteDeadline(time.Now().Add(t.d)); err != nil {
		return 0, err
	}
	return t.rw.Write(p)
}

func (t *Timeout) Read(p []byte) (int, error) {
	if err := t.dl.SetReadDeadline(time.Now().Add(t.d)); err != nil {
		return 0, err
	}
	return t.rw.Read(p)
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr with an
// exponential backoff.  A refused connection is retried until the backoff
// gives up; any other dial error ends the attempt.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		op := func() error {
			c, err := TCPSetup(addr, timeout)
			if err != nil {
				if strings.Contains(strings.ToLower(err.Error()), "refused") {
					return err
				}
				return backoff.Permanent(err)
			}
			conn = c
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, fmt.Errorf("connecting to %s: %w", addr, err)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens a serial port
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(conf)
	}
}
