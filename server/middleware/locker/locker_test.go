package locker

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/qcoherence/qubitlab/generichttp"
)

type table generichttp.RouteTable

func (t table) RT() generichttp.RouteTable { return generichttp.RouteTable(t) }

func TestLockRefusesWrites(t *testing.T) {
	ok := func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) }
	rt := table{
		{Method: http.MethodPost, Path: "/start"}: ok,
		{Method: http.MethodGet, Path: "/status"}: ok,
	}
	l := New()
	Inject(rt, l)
	r := chi.NewRouter()
	r.Use(l.Check)
	rt.RT().Bind(r)

	do := func(method, path, body string) int {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader(body)))
		return w.Code
	}
	if code := do(http.MethodPost, "/lock", `{"bool": true}`); code != http.StatusOK {
		t.Fatalf("locking gave %d", code)
	}
	if code := do(http.MethodPost, "/start", ""); code != http.StatusLocked {
		t.Errorf("write while locked gave %d, expected 423", code)
	}
	if code := do(http.MethodGet, "/status", ""); code != http.StatusOK {
		t.Errorf("read while locked gave %d, expected 200", code)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/lock", nil))
	if strings.TrimSpace(w.Body.String()) != `{"bool":true}` {
		t.Errorf("lock state reported as %s", w.Body.String())
	}
	if code := do(http.MethodPost, "/lock", `{"bool": false}`); code != http.StatusOK {
		t.Fatalf("unlocking gave %d", code)
	}
	if code := do(http.MethodPost, "/start", ""); code != http.StatusOK {
		t.Errorf("write after unlock gave %d", code)
	}
	if code := do(http.MethodPost, "/lock", `nope`); code != http.StatusBadRequest {
		t.Errorf("malformed lock body gave %d, expected 400", code)
	}
}
