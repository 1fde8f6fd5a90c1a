package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aleister1102/anchorwatch/internal/config"
	"github.com/aleister1102/anchorwatch/internal/datastore"
	"github.com/aleister1102/anchorwatch/internal/digest"
	"github.com/aleister1102/anchorwatch/internal/health"
	"github.com/aleister1102/anchorwatch/internal/ledger"
	"github.com/aleister1102/anchorwatch/internal/models"
	"github.com/aleister1102/anchorwatch/internal/monitor"
	"github.com/aleister1102/anchorwatch/internal/notifier"
	"github.com/aleister1102/anchorwatch/internal/watcher"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEnv struct {
	dir    string
	store  *datastore.MemoryStore
	chain  *ledger.MemoryLedger
	server *Server
	http   *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := datastore.NewMemoryStore()
	chain := ledger.NewMemoryLedger()
	client := ledger.NewAnchorClient(chain, store, ledger.RetryPolicy{
		MaxAttempts:     1,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		CallTimeout:     time.Second,
	}, zerolog.Nop())
	dispatcher := notifier.NewDispatcher(&notifier.RecordingSink{}, time.Second, zerolog.Nop())
	coord := monitor.NewCoordinator(store, client, digest.NewComputer(0), watcher.NewFakeSource(), dispatcher, zerolog.Nop())
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop() })

	server := NewServer(config.NewDefaultAPIConfig(), coord, store, client, zerolog.Nop())
	server.resources = func() health.ResourceUsage { return health.ResourceUsage{Goroutines: 7} }
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{dir: t.TempDir(), store: store, chain: chain, server: server, http: ts}
}

func (e *testEnv) writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(e.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func (e *testEnv) post(t *testing.T, route string, body any) (int, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(e.http.URL+route, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return decode(t, resp)
}

func (e *testEnv) get(t *testing.T, route string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(e.http.URL + route)
	require.NoError(t, err)
	return decode(t, resp)
}

func decode(t *testing.T, resp *http.Response) (int, map[string]any) {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	return resp.StatusCode, out
}

func TestAddFile(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "a.txt", "hello")

	status, body := env.post(t, "/api/add_file", map[string]string{"file_path": path, "user_email": "ops@example.com"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["blockchain_registered"])
	assert.Equal(t, string(models.StateAnchored), body["state"])

	_, ok := env.chain.Anchored(path)
	assert.True(t, ok)
}

func TestAddFile_LedgerDown(t *testing.T) {
	env := newTestEnv(t)
	env.chain.SetReachable(false)
	path := env.writeFile(t, "a.txt", "hello")

	status, body := env.post(t, "/api/add_file", map[string]string{"file_path": path, "user_email": "ops@example.com"})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["blockchain_registered"])
	assert.Equal(t, string(models.StateAnchorFailed), body["state"])
}

func TestAddFile_Errors(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"missing email", map[string]string{"file_path": "/tmp/x"}, http.StatusBadRequest},
		{"missing path", map[string]string{"user_email": "ops@example.com"}, http.StatusBadRequest},
		{"not an object", []int{1}, http.StatusBadRequest},
		{"unreadable file", map[string]string{"file_path": filepath.Join(env.dir, "missing"), "user_email": "ops@example.com"}, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := env.post(t, "/api/add_file", tt.body)
			assert.Equal(t, tt.status, status)
			assert.Equal(t, false, body["success"])
			assert.NotEmpty(t, body["message"])
		})
	}

	files, err := env.store.ListActiveFiles(context.Background())
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestMonitoredFilesAndRemove(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "a.txt", "hello")
	status, _ := env.post(t, "/api/add_file", map[string]string{"file_path": path, "user_email": "ops@example.com"})
	require.Equal(t, http.StatusOK, status)

	status, body := env.get(t, "/api/monitored_files")
	require.Equal(t, http.StatusOK, status)
	files := body["files"].([]any)
	require.Len(t, files, 1)
	entry := files[0].(map[string]any)
	assert.Equal(t, path, entry["file_path"])
	assert.Equal(t, "ops@example.com", entry["user_email"])
	assert.Len(t, entry["hash"], 64)

	status, _ = env.post(t, "/api/remove_file", map[string]string{"file_path": path})
	assert.Equal(t, http.StatusOK, status)

	status, _ = env.post(t, "/api/remove_file", map[string]string{"file_path": path})
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.post(t, "/api/remove_file", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, status)

	_, body = env.get(t, "/api/monitored_files")
	assert.Empty(t, body["files"])
}

func TestAlerts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	file := models.MonitoredFile{Path: "/data/a.txt", Digest: "aa", State: models.StateAlerted, Active: true}
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range 60 {
		_, err := env.store.RecordAlert(ctx, models.AlertEvent{
			Path:        file.Path,
			Kind:        models.AlertModified,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			PriorDigest: "aa",
		}, file)
		require.NoError(t, err)
	}

	status, body := env.get(t, "/api/alerts")
	require.Equal(t, http.StatusOK, status)
	alerts := body["alerts"].([]any)
	assert.Len(t, alerts, config.DefaultAPIAlertLimit)
	first := alerts[0].(map[string]any)
	assert.Equal(t, base.Add(59*time.Minute).Format(time.RFC3339), first["timestamp"])

	_, body = env.get(t, "/api/alerts?limit=3")
	assert.Len(t, body["alerts"], 3)

	status, _ = env.get(t, "/api/alerts?limit=abc")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestAlerts_EmptyIsList(t *testing.T) {
	env := newTestEnv(t)
	_, body := env.get(t, "/api/alerts")
	assert.Equal(t, []any{}, body["alerts"])
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	path := env.writeFile(t, "a.txt", "hello")
	env.post(t, "/api/add_file", map[string]string{"file_path": path, "user_email": "ops@example.com"})

	status, body := env.get(t, "/api/health")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["blockchain_connected"])
	assert.EqualValues(t, 1, body["monitored_files"])
	assert.EqualValues(t, 7, body["resources"].(map[string]any)["goroutines"])

	env.chain.SetReachable(false)
	_, body = env.get(t, "/api/health")
	assert.Equal(t, false, body["blockchain_connected"])
	assert.Equal(t, "Blockchain unreachable", body["message"])
}

func TestServer_StartShutdown(t *testing.T) {
	cfg := config.NewDefaultAPIConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	server := NewServer(cfg, nil, datastore.NewMemoryStore(), ledger.NewMemoryLedger(), zerolog.Nop())

	require.NoError(t, server.Start())
	assert.Error(t, server.Start())
	addr := server.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/api/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, server.Shutdown(ctx))
	assert.Empty(t, server.Addr())
	require.NoError(t, server.Shutdown(ctx))
}
