package server

import (
	"go/types"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHumanPayloadEncoding(t *testing.T) {
	cases := []struct {
		hp   HumanPayload
		want string
	}{
		{HumanPayload{T: types.Bool, Bool: true}, `{"bool":true}`},
		{HumanPayload{T: types.Int, Int: 3}, `{"int":3}`},
		{HumanPayload{T: types.Float64, Float: 1.5}, `{"f64":1.5}`},
		{HumanPayload{T: types.String, String: "ok"}, `{"str":"ok"}`},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		tc.hp.EncodeAndRespond(w, httptest.NewRequest(http.MethodGet, "/", nil))
		if w.Code != http.StatusOK {
			t.Errorf("%v: status %d", tc.hp.T, w.Code)
		}
		if got := strings.TrimSpace(w.Body.String()); got != tc.want {
			t.Errorf("%v: body %s, expected %s", tc.hp.T, got, tc.want)
		}
		if ct := w.Header().Get("Content-Type"); ct != "application/json" {
			t.Errorf("%v: content type %q", tc.hp.T, ct)
		}
	}
}

func TestWriteJSONFailure(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, math.NaN())
	if w.Code != http.StatusInternalServerError {
		t.Errorf("unencodable value should give 500, got %d", w.Code)
	}
}
