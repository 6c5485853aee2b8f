/*Package digitizer exposes a measurement session over HTTP.

Routes:

	GET|POST /config       acquisition and processing configuration
	POST     /start        begin a measurement
	POST     /stop         cancel the running measurement
	GET      /status       measure.Status
	GET      /result       latest stream.Result as JSON
	GET      /result/fits  latest result as a FITS file
	GET      /result/csv   latest result as CSV
	GET      /history      amplitude trend

Malformed or invalid configurations are answered with 400, requests that
conflict with the state of the session (starting twice, stopping when idle,
reconfiguring while running) with 409 and hardware faults with 500.
*/
package digitizer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/golang/glog"
	"github.com/qcoherence/qubitlab/alazar"
	"github.com/qcoherence/qubitlab/generichttp"
	"github.com/qcoherence/qubitlab/measure"
	"github.com/qcoherence/qubitlab/server"
	"github.com/qcoherence/qubitlab/stream"
)

// errNoResult is generated when a result is requested before one exists
var errNoResult = errors.New("no result has been produced yet")

// Config is the body of the /config routes.  On POST either part may be
// omitted to leave it unchanged.
type Config struct {
	Acquisition *alazar.Config `json:"acquisition,omitempty"`
	Processing  *stream.Config `json:"processing,omitempty"`
}

// status maps the errors of a session to HTTP status codes
func status(err error) error {
	switch {
	case errors.Is(err, measure.ErrRunning),
		errors.Is(err, measure.ErrNotRunning),
		errors.Is(err, alazar.ErrNotConfigured),
		errors.Is(err, alazar.ErrBusy):
		return generichttp.WithStatus(http.StatusConflict, err)
	case errors.Is(err, alazar.ErrInvalidConfig):
		return generichttp.WithStatus(http.StatusBadRequest, err)
	}
	return err
}

// HTTPDigitizer wraps a measurement session in an HTTP route table
type HTTPDigitizer struct {
	// Session is the underlying measurement
	Session *measure.Session

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable

	// ctx bounds measurements started over HTTP; they outlive the request
	ctx context.Context
}

// NewHTTPDigitizer returns a new HTTP wrapper around a session.  Measurements
// started over HTTP are cancelled when ctx is done.
func NewHTTPDigitizer(ctx context.Context, s *measure.Session) HTTPDigitizer {
	h := HTTPDigitizer{Session: s, ctx: ctx}
	h.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/config"}:      h.GetConfig,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/config"}:     h.SetConfig,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/start"}:      h.Start,
		generichttp.MethodPath{Method: http.MethodPost, Path: "/stop"}:       h.Stop,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/status"}:      h.Status,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/result"}:      h.Result,
		generichttp.MethodPath{Method: http.MethodGet, Path: "/result/fits"}: h.export("fits", "application/fits", stream.WriteFITS),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/result/csv"}:  h.export("csv", "text/csv", stream.EncodeCSV),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/history"}:     h.History,
	}
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPDigitizer) RT() generichttp.RouteTable {
	return h.RouteTable
}

// GetConfig replies with the acquisition and processing configuration
func (h HTTPDigitizer) GetConfig(w http.ResponseWriter, r *http.Request) {
	acq := h.Session.Digitizer().Config()
	proc := h.Session.Processing()
	server.WriteJSON(w, Config{Acquisition: &acq, Processing: &proc})
}

// SetConfig programs the digitizer and replaces the processing
// configuration.  The processing configuration is checked against the
// acquisition it will run on before anything is changed.
func (h HTTPDigitizer) SetConfig(w http.ResponseWriter, r *http.Request) {
	var cfg Config
	err := json.NewDecoder(r.Body).Decode(&cfg)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if h.Session.Status().Running {
		generichttp.ReplyError(w, status(measure.ErrRunning))
		return
	}
	acq := h.Session.Digitizer().Config()
	if cfg.Acquisition != nil {
		acq = *cfg.Acquisition
		if err = acq.Validate(); err != nil {
			generichttp.ReplyError(w, status(err))
			return
		}
	}
	proc := h.Session.Processing()
	if cfg.Processing != nil {
		proc = *cfg.Processing
	}
	if _, err = stream.NewProcessor(proc, acq); err != nil {
		generichttp.ReplyError(w, generichttp.WithStatus(http.StatusBadRequest, err))
		return
	}
	if cfg.Acquisition != nil {
		if err = h.Session.Configure(acq); err != nil {
			generichttp.ReplyError(w, status(err))
			return
		}
	}
	if err = h.Session.SetProcessing(proc); err != nil {
		generichttp.ReplyError(w, status(err))
		return
	}
	glog.Infof("[digitizer] configured: %d samples x %d records x %d buffers, %s mode",
		acq.SamplesPerRecord, acq.RecordsPerBuffer, acq.BuffersPerAcquisition, proc.Mode)
	w.WriteHeader(http.StatusOK)
}

// Start begins a measurement
func (h HTTPDigitizer) Start(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.Start(h.ctx); err != nil {
		generichttp.ReplyError(w, status(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Stop cancels the running measurement and waits for it to wind down
func (h HTTPDigitizer) Stop(w http.ResponseWriter, r *http.Request) {
	if err := h.Session.Stop(); err != nil {
		generichttp.ReplyError(w, status(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// Status replies with the state of the session
func (h HTTPDigitizer) Status(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, h.Session.Status())
}

// Result replies with the latest result as JSON
func (h HTTPDigitizer) Result(w http.ResponseWriter, r *http.Request) {
	res, ok := h.Session.Latest()
	if !ok {
		http.Error(w, errNoResult.Error(), http.StatusNotFound)
		return
	}
	server.WriteJSON(w, res)
}

// History replies with the amplitude trend
func (h HTTPDigitizer) History(w http.ResponseWriter, r *http.Request) {
	server.WriteJSON(w, h.Session.History())
}

func (h HTTPDigitizer) export(ext, mime string, enc func(io.Writer, stream.Result) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := h.Session.Latest()
		if !ok {
			http.Error(w, errNoResult.Error(), http.StatusNotFound)
			return
		}
		var buf bytes.Buffer
		if err := enc(&buf, res); err != nil {
			code := http.StatusInternalServerError
			if errors.Is(err, stream.ErrNoData) {
				code = http.StatusNotFound
			}
			http.Error(w, err.Error(), code)
			return
		}
		w.Header().Set("Content-Type", mime)
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="result-%d.%s"`, res.Buffer, ext))
		w.WriteHeader(http.StatusOK)
		w.Write(buf.Bytes())
	}
}
