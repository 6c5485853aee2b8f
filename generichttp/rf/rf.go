// Package rf exposes microwave sources over HTTP
package rf

import (
	"errors"
	"net/http"

	"github.com/qcoherence/qubitlab/generichttp"
	"github.com/qcoherence/qubitlab/generichttp/ascii"
	"github.com/qcoherence/qubitlab/mwsource"
)

// clientError reports out of range setpoints as 400
func clientError(err error) error {
	if errors.Is(err, mwsource.ErrOutOfRange) {
		return generichttp.WithStatus(http.StatusBadRequest, err)
	}
	return err
}

func checked(fcn func(float64) error) func(float64) error {
	return func(f float64) error { return clientError(fcn(f)) }
}

// HTTPSource wraps a Source in an HTTP route table
type HTTPSource struct {
	// Src is the underlying source
	Src mwsource.Source

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPSource returns a new HTTP wrapper around a source.  Routes:
//
//	GET|POST /frequency  {"f64": Hz}
//	GET|POST /power      {"f64": dBm}
//	GET|POST /phase      {"f64": degrees}
//	GET|POST /output     {"bool": on}
//	POST     /raw        {"str": command}
func NewHTTPSource(src mwsource.Source) HTTPSource {
	h := HTTPSource{Src: src}
	h.RouteTable = generichttp.RouteTable{
		generichttp.MethodPath{Method: http.MethodGet, Path: "/frequency"}:  generichttp.GetFloat(src.GetFrequency),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/frequency"}: generichttp.SetFloat(checked(src.SetFrequency)),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/power"}:      generichttp.GetFloat(src.GetPower),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/power"}:     generichttp.SetFloat(checked(src.SetPower)),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/phase"}:      generichttp.GetFloat(src.GetPhase),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/phase"}:     generichttp.SetFloat(checked(src.SetPhase)),
		generichttp.MethodPath{Method: http.MethodGet, Path: "/output"}:     generichttp.GetBool(src.GetOutput),
		generichttp.MethodPath{Method: http.MethodPost, Path: "/output"}:    generichttp.SetBool(src.SetOutput),
	}
	ascii.InjectRawComm(h, src)
	return h
}

// RT satisfies the generichttp.HTTPer interface
func (h HTTPSource) RT() generichttp.RouteTable {
	return h.RouteTable
}
