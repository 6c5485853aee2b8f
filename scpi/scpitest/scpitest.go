// Package scpitest provides a fake SCPI instrument listening on a loopback
// TCP port, for testing drivers built on package scpi.
package scpitest

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"
)

// Instrument is a fake SCPI device.  It keeps one value per command header;
// "HDR value" sets it and "HDR?" queries it.  Headers are matched case
// insensitively and must be registered with Set before use, otherwise the
// command is rejected with -113 "Undefined header".
type Instrument struct {
	ln net.Listener

	mu     sync.Mutex
	values map[string]string
	errs   []string
	log    []string
	wg     sync.WaitGroup
}

// NewInstrument starts a fake instrument on 127.0.0.1 with a free port
func NewInstrument() (*Instrument, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	in := &Instrument{ln: ln, values: map[string]string{"*IDN": "QubitLab,FakeSource,0,1.0"}}
	in.wg.Add(1)
	go in.serve()
	return in, nil
}

// Addr is the host:port the instrument listens on
func (in *Instrument) Addr() string {
	return in.ln.Addr().String()
}

// Close stops listening
func (in *Instrument) Close() error {
	err := in.ln.Close()
	in.wg.Wait()
	return err
}

// Set registers a header and its value
func (in *Instrument) Set(header, value string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.values[key(header)] = value
}

// Get returns the value held for a header
func (in *Instrument) Get(header string) string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.values[key(header)]
}

func key(header string) string {
	return strings.ToUpper(strings.TrimPrefix(header, ":"))
}

// Received returns every line received, in order
func (in *Instrument) Received() []string {
	in.mu.Lock()
	defer in.mu.Unlock()
	return append([]string(nil), in.log...)
}

func (in *Instrument) serve() {
	defer in.wg.Done()
	for {
		conn, err := in.ln.Accept()
		if err != nil {
			return
		}
		go in.handle(conn)
	}
}

func (in *Instrument) handle(conn net.Conn) {
	defer conn.Close()
	rd := bufio.NewReader(conn)
	for {
		line, err := rd.ReadString('\n')
		if err != nil {
			return
		}
		if resp := in.execute(strings.TrimSpace(line)); resp != "" {
			if _, err := fmt.Fprintf(conn, "%s\n", resp); err != nil {
				return
			}
		}
	}
}

func (in *Instrument) execute(line string) string {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.log = append(in.log, line)
	var answers []string
	for _, cmd := range strings.Split(line, ";") {
		cmd = strings.TrimSpace(cmd)
		if cmd == "" {
			continue
		}
		fields := strings.Fields(cmd)
		header := key(fields[0])
		switch {
		case header == "*CLS":
			in.errs = nil
		case header == "SYSTEM:ERROR?" || header == "SYST:ERR?":
			if len(in.errs) == 0 {
				answers = append(answers, `+0,"No error"`)
			} else {
				answers = append(answers, in.errs[0])
				in.errs = in.errs[1:]
			}
		case strings.HasSuffix(header, "?"):
			v, ok := in.values[strings.TrimSuffix(header, "?")]
			if !ok {
				in.errs = append(in.errs, `-113,"Undefined header"`)
				continue
			}
			answers = append(answers, v)
		default:
			if _, ok := in.values[header]; !ok || len(fields) < 2 {
				in.errs = append(in.errs, `-113,"Undefined header"`)
				continue
			}
			in.values[header] = strings.Join(fields[1:], " ")
		}
	}
	return strings.Join(answers, ";")
}
