package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/qcoherence/qubitlab/mwsource"
)

func mockConfig() Config {
	c := DefaultConfig()
	c.Mock = true
	c.Sources = []SourceNode{{Endpoint: "qubit/drive", Source: mwsource.Config{Limits: mwsource.DefaultLimits()}}}
	return c
}

func TestBuildMuxServesEveryNode(t *testing.T) {
	mux, closers, err := BuildMux(context.Background(), mockConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer closers.Close()

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/endpoints", nil))
	var graph map[string][]string
	if err := json.Unmarshal(w.Body.Bytes(), &graph); err != nil {
		t.Fatal(err)
	}
	if len(graph["/ats"]) == 0 || len(graph["/qubit/drive"]) == 0 {
		t.Fatalf("endpoints missing from %v", graph)
	}

	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/qubit/drive/frequency", strings.NewReader(`{"f64": 4.2e9}`)))
	if w.Code != http.StatusOK {
		t.Errorf("setting the drive frequency gave %d", w.Code)
	}
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ats/status", nil))
	if w.Code != http.StatusOK {
		t.Errorf("digitizer status gave %d", w.Code)
	}
}

func TestBuildMuxRejectsBadConfig(t *testing.T) {
	c := mockConfig()
	c.Sources = append(c.Sources, SourceNode{Endpoint: "/qubit/drive/"})
	if _, _, err := BuildMux(context.Background(), c); err == nil {
		t.Error("duplicate endpoints should be rejected")
	}
	if _, _, err := BuildMux(context.Background(), Config{Addr: ":0"}); err == nil {
		t.Error("a configuration without nodes should be rejected")
	}
}
