package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"

	"github.com/yourusername/minecraft-supervisor/internal/config"
	"github.com/yourusername/minecraft-supervisor/internal/perf"
	"github.com/yourusername/minecraft-supervisor/internal/query"
	"github.com/yourusername/minecraft-supervisor/internal/state"
	"github.com/yourusername/minecraft-supervisor/internal/supervisor"
	"github.com/yourusername/minecraft-supervisor/internal/websocket"
)

// mockController is a scriptable Controller for handler tests.
type mockController struct {
	snap         state.Snapshot
	running      bool
	startErr     error
	stopErr      error
	commandOut   string
	commandErr   error
	commands     []string
	inactivity   int
	wakeEnabled  bool
	resets       int
	connectivity supervisor.Connectivity
}

func (m *mockController) Start() error   { return m.startErr }
func (m *mockController) Stop() error    { return m.stopErr }
func (m *mockController) Restart() error { return nil }

func (m *mockController) SendCommand(cmd string) (string, error) {
	m.commands = append(m.commands, cmd)
	return m.commandOut, m.commandErr
}

func (m *mockController) BasicStats() (query.Stats, error) {
	return query.Stats{Online: true, NumPlayers: 2, MaxPlayers: 20}, nil
}

func (m *mockController) FullStats() (query.Stats, error) { return m.BasicStats() }
func (m *mockController) State() state.Snapshot           { return m.snap }
func (m *mockController) IsRunning() bool                 { return m.running }
func (m *mockController) IsShuttingDown() bool            { return false }

func (m *mockController) SetInactivityTimeout(minutes int)           { m.inactivity = minutes }
func (m *mockController) InactivityTimeout() int                     { return m.inactivity }
func (m *mockController) SetWakeOnDemandEnabled(enabled bool)        { m.wakeEnabled = enabled }
func (m *mockController) IsWakeOnDemandEnabled() bool                { return m.wakeEnabled }
func (m *mockController) SetAutoRestart(bool)                        {}
func (m *mockController) CheckConnectivity() supervisor.Connectivity { return m.connectivity }
func (m *mockController) ResetState()                                { m.resets++ }

type mockPerf struct {
	samples []perf.Sample
}

func (m *mockPerf) History() []perf.Sample { return m.samples }

func (m *mockPerf) Latest() (perf.Sample, bool) {
	if len(m.samples) == 0 {
		return perf.Sample{}, false
	}
	return m.samples[len(m.samples)-1], true
}

func newTestRouter(ctrl *mockController) http.Handler {
	cfg := config.Default()
	return SetupRouter(cfg, ctrl, &mockPerf{samples: []perf.Sample{{SystemCPU: 12.5}}}, websocket.NewHub())
}

func doRequest(t *testing.T, router http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestStatusEndpoint(t *testing.T) {
	ctrl := &mockController{
		snap: state.Snapshot{
			Status:     state.StatusOnline,
			NumPlayers: 3,
			MaxPlayers: 20,
		},
		running: true,
	}
	w := doRequest(t, newTestRouter(ctrl), http.MethodGet, "/api/status", "")

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if body["status"] != "online" {
		t.Errorf("status field = %v", body["status"])
	}
	if body["running"] != true {
		t.Errorf("running field = %v", body["running"])
	}
	if body["players"] != float64(3) {
		t.Errorf("players field = %v", body["players"])
	}
}

func TestStartConflictWhenPending(t *testing.T) {
	ctrl := &mockController{startErr: supervisor.ErrStartPending}
	w := doRequest(t, newTestRouter(ctrl), http.MethodPost, "/api/start", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestCommandValidation(t *testing.T) {
	ctrl := &mockController{}
	router := newTestRouter(ctrl)

	if w := doRequest(t, router, http.MethodPost, "/api/command", `{}`); w.Code != http.StatusBadRequest {
		t.Fatalf("empty command accepted: %d", w.Code)
	}

	ctrl.commandOut = "There are 0 of 20 players online"
	w := doRequest(t, router, http.MethodPost, "/api/command", `{"command":"list"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(ctrl.commands) != 1 || ctrl.commands[0] != "list" {
		t.Fatalf("commands = %v", ctrl.commands)
	}
}

func TestCommandWhileOffline(t *testing.T) {
	ctrl := &mockController{commandErr: supervisor.ErrServerNotRunning}
	w := doRequest(t, newTestRouter(ctrl), http.MethodPost, "/api/command", `{"command":"list"}`)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ctrl := &mockController{inactivity: 0, wakeEnabled: false}
	router := newTestRouter(ctrl)

	w := doRequest(t, router, http.MethodPut, "/api/settings",
		`{"inactivity_timeout_minutes": 15, "wake_on_demand": true}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ctrl.inactivity != 15 || !ctrl.wakeEnabled {
		t.Fatalf("settings not applied: inactivity=%d wake=%v", ctrl.inactivity, ctrl.wakeEnabled)
	}

	if w := doRequest(t, router, http.MethodPut, "/api/settings", `{"inactivity_timeout_minutes": -1}`); w.Code != http.StatusBadRequest {
		t.Fatalf("negative timeout accepted: %d", w.Code)
	}
}

func TestPerfEndpoints(t *testing.T) {
	w := doRequest(t, newTestRouter(&mockController{}), http.MethodGet, "/api/perf/latest", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var sample perf.Sample
	if err := json.Unmarshal(w.Body.Bytes(), &sample); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if sample.SystemCPU != 12.5 {
		t.Errorf("system cpu = %f", sample.SystemCPU)
	}
}

func TestResetEndpoint(t *testing.T) {
	ctrl := &mockController{}
	w := doRequest(t, newTestRouter(ctrl), http.MethodPost, "/api/state/reset", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if ctrl.resets != 1 {
		t.Fatalf("resets = %d", ctrl.resets)
	}
}

func TestWebSocketReceivesBroadcast(t *testing.T) {
	hub := websocket.NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	cfg := config.Default()
	router := SetupRouter(cfg, &mockController{}, &mockPerf{}, hub)
	srv := httptest.NewServer(router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := gorilla.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for registration before broadcasting.
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast("status", "online")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var msg websocket.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("invalid json %q: %v", data, err)
	}
	if msg.Type != "status" || msg.Payload != "online" {
		t.Fatalf("message = %+v", msg)
	}
}
