/*Package measure runs a digitizer acquisition and its online processing as
one measurement.

A Session connects two goroutines, the acquisition loop and the processor,
with a bounded queue of buffers.  Stopping is done by cancelling a context;
the end of the stream is signalled by closing the queue.  The first error of
either stage cancels the other.
*/
package measure

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/qcoherence/qubitlab/alazar"
	"github.com/qcoherence/qubitlab/stream"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrRunning is generated when a session is started or reconfigured
	// while it is running
	ErrRunning = errors.New("measurement is already running")

	// ErrNotRunning is generated when a session that is not running is
	// stopped
	ErrNotRunning = errors.New("measurement is not running")
)

const (
	// DefaultQueueDepth is the number of buffers that may wait between the
	// acquisition and the processor
	DefaultQueueDepth = 16

	// DefaultHistoryLength is the number of summary points kept
	DefaultHistoryLength = 1000
)

// Options tune a session
type Options struct {
	// QueueDepth is the capacity of the buffer queue
	QueueDepth int `json:"queueDepth" koanf:"queuedepth" yaml:"queueDepth"`

	// HistoryLength is the capacity of the amplitude history
	HistoryLength int `json:"historyLength" koanf:"historylength" yaml:"historyLength"`
}

// Status is a snapshot of the state of a session
type Status struct {
	Running bool `json:"running"`

	// Acquired is the number of buffers delivered by the digitizer in the
	// current or last run
	Acquired int `json:"acquired"`

	// Processed is the number of buffers processed
	Processed int `json:"processed"`

	// Queued is the number of buffers waiting to be processed
	Queued int `json:"queued"`

	// Rate is the processing rate in buffers per second
	Rate float64 `json:"rate"`

	Started time.Time `json:"started"`

	// Error is the error that ended the last run, if any
	Error string `json:"error,omitempty"`
}

// Session is one digitizer and its processing chain.  It is safe for
// concurrent use.
type Session struct {
	mu sync.Mutex

	dig  *alazar.Digitizer
	proc stream.Config
	opts Options

	// Recorder, if not nil, receives every raw buffer before processing
	recorder *alazar.RecordWriter

	running   bool
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
	queue     chan alazar.Buffer
	acquired  int
	processed int
	started   time.Time
	latest    stream.Result
	hasLatest bool

	history *History
}

// NewSession creates a session for a digitizer.  Zero options take their
// defaults.
func NewSession(dig *alazar.Digitizer, proc stream.Config, opts Options) *Session {
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.HistoryLength <= 0 {
		opts.HistoryLength = DefaultHistoryLength
	}
	return &Session{
		dig:     dig,
		proc:    proc,
		opts:    opts,
		history: NewHistory(opts.HistoryLength),
	}
}

// Digitizer returns the digitizer of the session
func (s *Session) Digitizer() *alazar.Digitizer {
	return s.dig
}

// Processing returns the processing configuration
func (s *Session) Processing() stream.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.proc
}

// SetProcessing replaces the processing configuration.  It takes effect on
// the next Start.
func (s *Session) SetProcessing(cfg stream.Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.proc = cfg
	return nil
}

// Configure programs the digitizer.  The digitizer itself refuses with
// alazar.ErrBusy while an acquisition runs.
func (s *Session) Configure(cfg alazar.Config) error {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if running {
		return ErrRunning
	}
	return s.dig.Configure(cfg)
}

// SetRecorder sets where raw buffers are written; nil disables recording
func (s *Session) SetRecorder(rw *alazar.RecordWriter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	s.recorder = rw
	return nil
}

// Start begins a measurement.  It returns once both stages are running; the
// measurement ends when the digitizer has delivered its buffers, on Stop, when
// ctx is done, or on the first error.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrRunning
	}
	if !s.dig.Configured() {
		return alazar.ErrNotConfigured
	}
	proc, err := stream.NewProcessor(s.proc, s.dig.Config())
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	raw := make(chan alazar.Buffer, s.opts.QueueDepth)
	queue := raw
	results := make(chan stream.Result, 1)
	recorder := s.recorder

	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	s.err = nil
	s.queue = queue
	s.acquired, s.processed = 0, 0
	s.started = time.Now()
	s.hasLatest = false
	s.history.Clear()

	g.Go(func() error {
		defer close(raw)
		stats, err := s.dig.Acquire(gctx, raw)
		s.mu.Lock()
		s.acquired = stats.Buffers
		s.mu.Unlock()
		glog.V(1).Infof("[measure] acquisition ended after %d buffers, %.1f MB/s", stats.Buffers, stats.BytesPerSecond()/1e6)
		return err
	})
	if recorder != nil {
		recorded := make(chan alazar.Buffer, s.opts.QueueDepth)
		queue = recorded
		g.Go(func() error {
			defer close(recorded)
			for b := range raw {
				if err := recorder.Write(b); err != nil {
					b.Release()
					return err
				}
				select {
				case recorded <- b:
				case <-gctx.Done():
					b.Release()
				}
			}
			return recorder.Flush()
		})
	}
	g.Go(func() error {
		defer close(results)
		return proc.Run(gctx, queue, results)
	})

	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for r := range results {
			s.publish(r)
		}
	}()
	done := s.done
	go func() {
		err := g.Wait()
		<-collected
		cancel()
		s.mu.Lock()
		s.running = false
		s.err = err
		s.mu.Unlock()
		if err != nil {
			glog.Errorf("[measure] measurement failed: %v", err)
		}
		close(done)
	}()
	return nil
}

func (s *Session) publish(r stream.Result) {
	s.mu.Lock()
	s.latest = r
	s.hasLatest = true
	s.processed = r.Buffers
	if r.Buffers > s.acquired {
		s.acquired = r.Buffers
	}
	s.mu.Unlock()
	if r.Sequences > 0 {
		s.history.Append(r.Timestamp, r.Buffer, r.Amplitude)
	}
}

// Stop cancels a running measurement and waits for both stages to finish.
// Cancellation is not reported as an error.
func (s *Session) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()
	cancel()
	<-done
	return nil
}

// Wait blocks until the current or last measurement ends and returns its
// error.  It returns nil immediately if no measurement was ever started.
func (s *Session) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	<-done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Latest returns the most recent result and whether there is one
func (s *Session) Latest() (stream.Result, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.latest, s.hasLatest
}

// History returns the amplitude trend of the current or last measurement
func (s *Session) History() HistoryData {
	return s.history.Snapshot()
}

// Status reports the state of the session
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Running:   s.running,
		Acquired:  s.acquired,
		Processed: s.processed,
		Started:   s.started,
	}
	if s.running && s.queue != nil {
		st.Queued = len(s.queue)
		st.Acquired = s.processed + st.Queued
	}
	if !s.started.IsZero() && s.processed > 0 {
		elapsed := time.Since(s.started)
		if s.hasLatest && !s.running {
			elapsed = s.latest.Timestamp.Sub(s.started)
		}
		if elapsed > 0 {
			st.Rate = float64(s.processed) / elapsed.Seconds()
		}
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}
