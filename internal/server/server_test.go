package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fleetops/gpsgate/internal/server"
	"github.com/fleetops/gpsgate/internal/store"
)

const testSecret = "admin-secret"

// fakeStore records EnqueueCommand calls and serves canned statuses.
type fakeStore struct {
	imei      string
	command   string
	err       error
	status    *store.DeviceStatus
	statusErr error
}

func (f *fakeStore) EnqueueCommand(_ context.Context, imei, command string) (store.CommandEntry, error) {
	f.imei = imei
	f.command = command
	if f.err != nil {
		return store.CommandEntry{}, f.err
	}
	return store.CommandEntry{ID: 7, Command: command, CreatedAt: time.Now().UTC()}, nil
}

func (f *fakeStore) GetStatus(context.Context, string) (*store.DeviceStatus, error) {
	return f.status, f.statusErr
}

// fakeDispatcher reports a fixed dispatch outcome.
type fakeDispatcher struct {
	ok     bool
	called bool
}

func (f *fakeDispatcher) Dispatch(string, store.CommandEntry) bool {
	f.called = true
	return f.ok
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(st server.DeviceStore, dispatchers ...server.Dispatcher) *httptest.Server {
	srv := server.New(":0", testSecret, st, dispatchers, nil, discard())
	return httptest.NewServer(srv.Handler())
}

func TestHealthNoAuth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(&fakeStore{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %v", body["status"])
	}
	if _, ok := body["uptimeSeconds"]; !ok {
		t.Error("uptimeSeconds missing")
	}
}

func TestInfo(t *testing.T) {
	t.Parallel()

	ts := newTestServer(&fakeStore{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/info")
	if err != nil {
		t.Fatalf("GET /api/info error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["name"] != "gpsgate" {
		t.Errorf("name = %v", body["name"])
	}
}

func postCommand(t *testing.T, url, token, body string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodPost, url, strings.NewReader(body))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	return resp
}

func TestEnqueueCommandRequiresAuth(t *testing.T) {
	t.Parallel()

	enq := &fakeStore{}
	ts := newTestServer(enq)
	defer ts.Close()

	tests := []struct {
		name  string
		token string
	}{
		{"no token", ""},
		{"wrong token", "not-the-secret"},
	}

	for _, tt := range tests {
		resp := postCommand(t, ts.URL+"/api/commands/3332210", tt.token, `{"command":"RELAY,1#"}`)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", tt.name, resp.StatusCode)
		}
	}
	if enq.imei != "" {
		t.Error("command enqueued despite failed auth")
	}
}

func TestEnqueueCommand(t *testing.T) {
	t.Parallel()

	enq := &fakeStore{}
	offline := &fakeDispatcher{ok: false}
	online := &fakeDispatcher{ok: true}
	ts := newTestServer(enq, offline, online)
	defer ts.Close()

	resp := postCommand(t, ts.URL+"/api/commands/3332210", testSecret, `{"command":"RELAY,1#"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}
	if enq.imei != "3332210" || enq.command != "RELAY,1#" {
		t.Errorf("enqueued %q/%q", enq.imei, enq.command)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["dispatched"] != true {
		t.Errorf("dispatched = %v, want true", body["dispatched"])
	}
	if body["id"] != float64(7) {
		t.Errorf("id = %v, want 7", body["id"])
	}
	if !offline.called || !online.called {
		t.Error("dispatchers not consulted in order")
	}
}

func TestEnqueueCommandOffline(t *testing.T) {
	t.Parallel()

	ts := newTestServer(&fakeStore{}, &fakeDispatcher{ok: false})
	defer ts.Close()

	resp := postCommand(t, ts.URL+"/api/commands/3332210", testSecret, `{"command":"STATUS#"}`)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["dispatched"] != false {
		t.Errorf("dispatched = %v, want false for offline device", body["dispatched"])
	}
}

func getWithToken(t *testing.T, url, token string) *http.Response {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	return resp
}

func TestDeviceStatus(t *testing.T) {
	t.Parallel()

	st := &fakeStore{status: &store.DeviceStatus{
		IMEI:     "3332210",
		Status:   store.StatusConnected,
		Lat:      22.546,
		Lon:      114.078,
		SpeedKmh: 60,
	}}
	ts := newTestServer(st)
	defer ts.Close()

	resp := getWithToken(t, ts.URL+"/api/devices/3332210", testSecret)
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["imei"] != "3332210" {
		t.Errorf("imei = %v", body["imei"])
	}
	if body["status"] != "CONNECTED" {
		t.Errorf("status = %v, want CONNECTED", body["status"])
	}
	if body["lat"] != 22.546 {
		t.Errorf("lat = %v, want 22.546", body["lat"])
	}
}

func TestDeviceStatusNotFound(t *testing.T) {
	t.Parallel()

	ts := newTestServer(&fakeStore{})
	defer ts.Close()

	resp := getWithToken(t, ts.URL+"/api/devices/999", testSecret)
	resp.Body.Close()

	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown device", resp.StatusCode)
	}
}

func TestDeviceStatusRequiresAuth(t *testing.T) {
	t.Parallel()

	ts := newTestServer(&fakeStore{status: &store.DeviceStatus{IMEI: "3332210"}})
	defer ts.Close()

	resp := getWithToken(t, ts.URL+"/api/devices/3332210", "")
	resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401 without token", resp.StatusCode)
	}
}

func TestEnqueueCommandBadBody(t *testing.T) {
	t.Parallel()

	ts := newTestServer(&fakeStore{})
	defer ts.Close()

	tests := []struct {
		name string
		body string
	}{
		{"not json", "RELAY,1#"},
		{"empty command", `{"command":"  "}`},
		{"missing command", `{}`},
	}

	for _, tt := range tests {
		resp := postCommand(t, ts.URL+"/api/commands/3332210", testSecret, tt.body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tt.name, resp.StatusCode)
		}
	}
}

func TestEnqueueCommandStoreFailure(t *testing.T) {
	t.Parallel()

	ts := newTestServer(&fakeStore{err: errors.New("database down")})
	defer ts.Close()

	resp := postCommand(t, ts.URL+"/api/commands/3332210", testSecret, `{"command":"RELAY,0#"}`)
	resp.Body.Close()

	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts := newTestServer(&fakeStore{})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics error = %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
}
