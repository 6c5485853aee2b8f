package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/golang/glog"

	"github.com/qcoherence/qubitlab/alazar"
	"github.com/qcoherence/qubitlab/generichttp"
	"github.com/qcoherence/qubitlab/generichttp/digitizer"
	"github.com/qcoherence/qubitlab/generichttp/rf"
	"github.com/qcoherence/qubitlab/measure"
	"github.com/qcoherence/qubitlab/mwsource"
	"github.com/qcoherence/qubitlab/server/middleware/locker"
	"github.com/qcoherence/qubitlab/stream"
)

// DigitizerNode configures one digitizer and its processing
type DigitizerNode struct {
	// Endpoint is the URL the routes of this digitizer are served under,
	// e.g. "/readout" gives /readout/start, /readout/status, ...
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`

	// Mock replaces the board with a simulated one
	Mock bool `koanf:"mock" yaml:"mock"`

	// SystemID and BoardID select the board
	SystemID int `koanf:"systemid" yaml:"systemID"`
	BoardID  int `koanf:"boardid" yaml:"boardID"`

	// Configure programs the board at startup with Acquisition
	Configure bool `koanf:"configure" yaml:"configure"`

	Acquisition alazar.Config   `koanf:"acquisition" yaml:"acquisition"`
	Processing  stream.Config   `koanf:"processing" yaml:"processing"`
	Session     measure.Options `koanf:"session" yaml:"session"`

	// RecordFile, if not empty, receives the raw buffers of every measurement
	RecordFile string `koanf:"recordfile" yaml:"recordFile"`
}

// SourceNode configures one microwave source
type SourceNode struct {
	Endpoint string          `koanf:"endpoint" yaml:"endpoint"`
	Mock     bool            `koanf:"mock" yaml:"mock"`
	Source   mwsource.Config `koanf:"source" yaml:"source"`
}

// Config is the configuration of the server
type Config struct {
	// Addr is the address to listen at
	Addr string `koanf:"addr" yaml:"addr"`

	// Mock replaces every device with a simulated one
	Mock bool `koanf:"mock" yaml:"mock"`

	Digitizers []DigitizerNode `koanf:"digitizers" yaml:"digitizers"`
	Sources    []SourceNode    `koanf:"sources" yaml:"sources"`
}

// DefaultConfig serves one digitizer at /ats
func DefaultConfig() Config {
	return Config{
		Addr: ":8000",
		Digitizers: []DigitizerNode{{
			Endpoint:    "/ats",
			SystemID:    1,
			BoardID:     1,
			Configure:   true,
			Acquisition: alazar.DefaultConfig(),
			Processing:  stream.DefaultConfig(),
			Session: measure.Options{
				QueueDepth:    measure.DefaultQueueDepth,
				HistoryLength: measure.DefaultHistoryLength,
			},
		}},
		Sources: []SourceNode{},
	}
}

// Closers holds what must be released when the server exits
type Closers []func() error

// Close releases everything in reverse order of acquisition
func (c Closers) Close() {
	for i := len(c) - 1; i >= 0; i-- {
		if err := c[i](); err != nil {
			glog.Warningf("error during shutdown: %v", err)
		}
	}
}

func buildDigitizer(node DigitizerNode, mock bool) (*measure.Session, Closers, error) {
	var (
		board   alazar.Board
		closers Closers
		err     error
	)
	if mock || node.Mock {
		board = alazar.NewMockBoard()
	} else {
		board, err = alazar.Open(node.SystemID, node.BoardID)
		if err != nil {
			return nil, nil, err
		}
	}
	dig := alazar.NewDigitizer(board)
	closers = append(closers, dig.Close)
	sess := measure.NewSession(dig, node.Processing, node.Session)
	if node.Configure {
		if err = sess.Configure(node.Acquisition); err != nil {
			closers.Close()
			return nil, nil, err
		}
	}
	if node.RecordFile != "" {
		f, err := os.OpenFile(node.RecordFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			closers.Close()
			return nil, nil, err
		}
		closers = append(closers, f.Close)
		sess.SetRecorder(alazar.NewRecordWriter(f))
	}
	closers = append(closers, func() error {
		if err := sess.Stop(); err != nil && err != measure.ErrNotRunning {
			return err
		}
		return nil
	})
	return sess, closers, nil
}

func buildSource(node SourceNode, mock bool) (mwsource.Source, Closers, error) {
	if mock || node.Mock {
		m := mwsource.NewMock()
		if node.Source.Limits != (mwsource.Limits{}) {
			m.Limits = node.Source.Limits
		}
		return m, nil, nil
	}
	src, err := mwsource.New(node.Source)
	if err != nil {
		return nil, nil, err
	}
	return src, Closers{src.Close}, nil
}

// BuildMux constructs a chi router with one locked sub-router per node.
// The root serves /endpoints, a JSON map of every node to its routes.
// Measurements started over HTTP are cancelled when ctx is done.
func BuildMux(ctx context.Context, c Config) (chi.Router, Closers, error) {
	root := chi.NewRouter()
	root.Use(middleware.Logger)
	supergraph := map[string][]string{}
	var closers Closers

	mount := func(endpoint string, httper generichttp.HTTPer) error {
		hndlS := generichttp.SubMuxSanitize(endpoint)
		if _, dup := supergraph[hndlS]; dup {
			return fmt.Errorf("endpoint %s is used twice", hndlS)
		}
		lock := locker.New()
		locker.Inject(httper, lock)
		supergraph[hndlS] = httper.RT().Endpoints()
		r := chi.NewRouter()
		r.Use(lock.Check)
		httper.RT().Bind(r)
		root.Mount(hndlS, r)
		return nil
	}

	for _, node := range c.Digitizers {
		sess, cl, err := buildDigitizer(node, c.Mock)
		if err != nil {
			closers.Close()
			return nil, nil, fmt.Errorf("digitizer %s: %w", node.Endpoint, err)
		}
		closers = append(closers, cl...)
		if err = mount(node.Endpoint, digitizer.NewHTTPDigitizer(ctx, sess)); err != nil {
			closers.Close()
			return nil, nil, err
		}
	}
	for _, node := range c.Sources {
		src, cl, err := buildSource(node, c.Mock)
		if err != nil {
			closers.Close()
			return nil, nil, fmt.Errorf("source %s: %w", node.Endpoint, err)
		}
		closers = append(closers, cl...)
		if err = mount(node.Endpoint, rf.NewHTTPSource(src)); err != nil {
			closers.Close()
			return nil, nil, err
		}
	}
	if len(supergraph) == 0 {
		return nil, nil, fmt.Errorf("no endpoints configured")
	}
	root.Get("/endpoints", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		err := json.NewEncoder(w).Encode(supergraph)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})
	glog.Infof("serving %s", strings.Join(keys(supergraph), ", "))
	return root, closers, nil
}

func keys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
