// Meridian - Distributed Multi-Agent Runtime
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/meridian

package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"

	"github.com/tomtom215/meridian/internal/breaker"
	"github.com/tomtom215/meridian/internal/errbus"
	"github.com/tomtom215/meridian/internal/health"
	"github.com/tomtom215/meridian/internal/hub"
	"github.com/tomtom215/meridian/internal/modelmanager"
	"github.com/tomtom215/meridian/internal/registry"
	"github.com/tomtom215/meridian/internal/supervisor"
	"github.com/tomtom215/meridian/internal/topology"
	"github.com/tomtom215/meridian/internal/transport"
	"github.com/tomtom215/meridian/internal/vram"
)

func newTestServer(t *testing.T, token string) *Server {
	t.Helper()
	tr := transport.NewInMemory()
	t.Cleanup(func() { tr.Close() })

	doc, err := topology.Parse([]byte(`
core_services:
  - name: solo
    executable: /bin/solo
    port: 7000
`))
	if err != nil {
		t.Fatalf("topology: %v", err)
	}

	acct := vram.New(1000)
	bus := errbus.New(tr, "api-test")
	prober := health.NewProber(health.Config{}, tr, breaker.NewRegistry(breaker.Config{}))
	reg := registry.NewService(registry.NewMemoryStore(), registry.Config{})
	sup := supervisor.New(supervisor.Config{NodeRole: "primary"}, doc, supervisor.ExecRunner{}, reg, prober, bus)

	mgr := modelmanager.New(modelmanager.Config{}, acct, bus)
	mgr.RegisterBackend(modelmanager.NewInprocBackend(nil))

	h := hub.New(hub.Config{LocalHost: "primary"}, tr, acct)

	return New(Config{Host: "127.0.0.1", Port: 0, Token: token}, Sources{
		Supervisor: sup,
		Models:     mgr,
		VRAM:       acct,
		Hub:        h,
	})
}

func TestHealthzOpenWithoutToken(t *testing.T) {
	s := newTestServer(t, "secret")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d", resp.StatusCode)
	}
}

func TestTokenGuardsAPI(t *testing.T) {
	s := newTestServer(t, "secret")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("without token = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/status", nil)
	req.Header.Set("X-Meridian-Token", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("get with token: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token = %d", resp.StatusCode)
	}

	var report statusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.VRAM.BudgetMB != 1000 {
		t.Errorf("vram budget = %d", report.VRAM.BudgetMB)
	}
}

func TestModelsEndpoint(t *testing.T) {
	s := newTestServer(t, "")
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/models")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("models = %d", resp.StatusCode)
	}
}
