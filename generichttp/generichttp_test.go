package generichttp

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
)

func TestSubMuxSanitize(t *testing.T) {
	for _, in := range []string{"qubit/drive", "/qubit/drive", "/qubit/drive/", "qubit/drive/*"} {
		if got := SubMuxSanitize(in); got != "/qubit/drive" {
			t.Errorf("SubMuxSanitize(%q) = %q", in, got)
		}
	}
}

func TestRouteTableBind(t *testing.T) {
	var value float64
	rt := RouteTable{
		{Method: http.MethodGet, Path: "/value"}:  GetFloat(func() (float64, error) { return value, nil }),
		{Method: http.MethodPost, Path: "/value"}: SetFloat(func(f float64) error { value = f; return nil }),
	}
	if eps := rt.Endpoints(); len(eps) != 2 || eps[0] != "GET /value" {
		t.Errorf("unexpected endpoints %v", eps)
	}
	r := chi.NewRouter()
	rt.Bind(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/value", strings.NewReader(`{"f64": 2.5}`)))
	if w.Code != http.StatusOK || value != 2.5 {
		t.Errorf("POST gave %d and value %g", w.Code, value)
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/value", nil))
	if strings.TrimSpace(w.Body.String()) != `{"f64":2.5}` {
		t.Errorf("GET returned %s", w.Body.String())
	}
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/value", strings.NewReader(`{"f64": "x"}`)))
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed body should give 400, got %d", w.Code)
	}
}

func TestReplyErrorStatus(t *testing.T) {
	h := SetBool(func(bool) error { return WithStatus(http.StatusConflict, errors.New("busy")) })
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"bool": true}`)))
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409, got %d", w.Code)
	}
	h = SetBool(func(bool) error { return errors.New("device fault") })
	w = httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"bool": true}`)))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
	if WithStatus(http.StatusBadRequest, nil) != nil {
		t.Error("WithStatus(nil) should be nil")
	}
}
