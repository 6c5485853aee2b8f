// Package server contains the JSON payloads exchanged by the HTTP interfaces.
package server

import (
	"encoding/json"
	"fmt"
	"go/types"
	"net/http"
)

// FloatT is a struct with a single float field, for JSON bodies {"f64": 1.5}
type FloatT struct {
	F64 float64 `json:"f64"`
}

// IntT is a struct with a single int field, for JSON bodies {"int": 2}
type IntT struct {
	Int int `json:"int"`
}

// StrT is a struct with a single string field, for JSON bodies {"str": "abc"}
type StrT struct {
	Str string `json:"str"`
}

// BoolT is a struct with a single bool field, for JSON bodies {"bool": true}
type BoolT struct {
	Bool bool `json:"bool"`
}

// HumanPayload holds one value of a basic kind and knows how to encode it
// as one of the single-field structs above
type HumanPayload struct {
	T types.BasicKind

	Bool   bool
	Int    int
	Float  float64
	String string
}

// EncodeAndRespond writes the payload as JSON with status 200
func (hp HumanPayload) EncodeAndRespond(w http.ResponseWriter, r *http.Request) {
	var v interface{}
	switch hp.T {
	case types.Bool:
		v = BoolT{Bool: hp.Bool}
	case types.Int:
		v = IntT{Int: hp.Int}
	case types.Float64:
		v = FloatT{F64: hp.Float}
	case types.String:
		v = StrT{Str: hp.String}
	default:
		http.Error(w, fmt.Sprintf("payload of unsupported kind %v", hp.T), http.StatusInternalServerError)
		return
	}
	WriteJSON(w, v)
}

// WriteJSON encodes v with status 200, or replies 500 if it cannot be encoded
func WriteJSON(w http.ResponseWriter, v interface{}) {
	buf, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(buf)
}
