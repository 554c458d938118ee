package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"printlapse/internal/config"
	"printlapse/internal/printer"
)

func newTestConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()

	cfg := config.Default()
	cfg.Port = 8080
	cfg.DataDir = filepath.Join(root, "data")
	cfg.TimelapseDir = filepath.Join(root, "timelapse")
	cfg.TimelapseTmpDir = filepath.Join(root, "timelapse", "tmp")
	cfg.RateLimitEnabled = false
	return cfg
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	t.Helper()
	logger, _ := test.NewNullLogger()

	server, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server
}

func serve(server *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	return w
}

func TestNew(t *testing.T) {
	cfg := newTestConfig(t)
	server := newTestServer(t, cfg)

	if server.config != cfg {
		t.Error("Server config not set correctly")
	}
	if server.store == nil || server.timelapses == nil || server.cache == nil || server.handler == nil {
		t.Error("Server components not initialized")
	}
	if server.httpServer.Addr != ":8080" {
		t.Errorf("Expected server address :8080, got %s", server.httpServer.Addr)
	}
	if _, err := os.Stat(cfg.TimelapseTmpDir); err != nil {
		t.Errorf("Expected frame directory to be created: %v", err)
	}
}

func TestNew_InvalidDataDir(t *testing.T) {
	cfg := newTestConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	os.WriteFile(blocker, []byte("x"), 0644)
	cfg.DataDir = filepath.Join(blocker, "data")

	logger, _ := test.NewNullLogger()
	server, err := New(cfg, logger)
	if err == nil {
		server.Stop()
		t.Error("Expected error when creating server with invalid data directory")
	}
}

func TestServer_HealthEndpoint(t *testing.T) {
	cfg := newTestConfig(t)
	server := newTestServer(t, cfg)
	server.printer.SetState(printer.State{Printing: true})

	w := serve(server, httptest.NewRequest("GET", "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("Expected request id header")
	}

	var response struct {
		Status    string        `json:"status"`
		DataDir   string        `json:"data_dir"`
		Timelapse string        `json:"timelapse"`
		Printer   printer.State `json:"printer"`
	}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode health response: %v", err)
	}
	if response.Status != "healthy" || response.DataDir != cfg.DataDir {
		t.Errorf("Unexpected health response %+v", response)
	}
	if response.Timelapse != "off" || !response.Printer.Printing {
		t.Errorf("Unexpected health state %+v", response)
	}
}

func TestServer_ListingIsCached(t *testing.T) {
	cfg := newTestConfig(t)
	server := newTestServer(t, cfg)
	os.WriteFile(filepath.Join(cfg.TimelapseDir, "benchy.mpg"), []byte("movie"), 0644)

	w := serve(server, httptest.NewRequest("GET", "/api/v1/timelapse", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}
	etag := w.Header().Get("ETag")
	if etag == "" || w.Header().Get("Last-Modified") == "" {
		t.Fatal("Expected cache validators on listing")
	}
	if server.cache.Size() != 1 {
		t.Errorf("Expected listing to be cached, cache size %d", server.cache.Size())
	}
	if !strings.Contains(w.Body.String(), `"url":"/downloads/timelapse/benchy.mpg"`) {
		t.Errorf("Expected download url in listing, got %s", w.Body.String())
	}

	req := httptest.NewRequest("GET", "/api/v1/timelapse", nil)
	req.Header.Set("If-None-Match", etag)
	w = serve(server, req)
	if w.Code != http.StatusNotModified {
		t.Errorf("Expected status code %d, got %d", http.StatusNotModified, w.Code)
	}

	w = serve(server, httptest.NewRequest("DELETE", "/api/v1/timelapse/benchy.mpg", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}
	if server.cache.Size() != 0 {
		t.Errorf("Expected delete to invalidate the listing, cache size %d", server.cache.Size())
	}
	if strings.Contains(w.Body.String(), "benchy.mpg") {
		t.Errorf("Expected deleted file to be gone from listing, got %s", w.Body.String())
	}
}

func TestServer_Download(t *testing.T) {
	cfg := newTestConfig(t)
	server := newTestServer(t, cfg)
	os.WriteFile(filepath.Join(cfg.TimelapseDir, "benchy.mpg"), []byte("movie"), 0644)

	w := serve(server, httptest.NewRequest("GET", "/api/v1/timelapse/benchy.mpg", nil))
	if w.Code != http.StatusFound {
		t.Fatalf("Expected status code %d, got %d", http.StatusFound, w.Code)
	}
	if w.Header().Get("Cache-Control") != "no-cache, no-store, must-revalidate" {
		t.Errorf("Expected non-caching redirect, got %s", w.Header().Get("Cache-Control"))
	}

	w = serve(server, httptest.NewRequest("GET", w.Header().Get("Location"), nil))
	if w.Code != http.StatusOK || w.Body.String() != "movie" {
		t.Fatalf("Expected movie download, got %d %q", w.Code, w.Body.String())
	}
	if !strings.HasPrefix(w.Header().Get("Content-Disposition"), "attachment") {
		t.Errorf("Expected attachment disposition, got %s", w.Header().Get("Content-Disposition"))
	}

	w = serve(server, httptest.NewRequest("GET", "/downloads/timelapse/missing.mpg", nil))
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected status code %d, got %d", http.StatusNotFound, w.Code)
	}
}

func TestServer_RenderWhilePrinting(t *testing.T) {
	cfg := newTestConfig(t)
	server := newTestServer(t, cfg)
	os.WriteFile(filepath.Join(cfg.TimelapseTmpDir, "cube-0.jpg"), []byte("frame"), 0644)
	server.printer.SetState(printer.State{Paused: true})

	req := httptest.NewRequest("POST", "/api/v1/timelapse/unrendered/cube", strings.NewReader(`{"command":"render"}`))
	req.Header.Set("Content-Type", "application/json")
	w := serve(server, req)

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status code %d, got %d", http.StatusConflict, w.Code)
	}
}

func TestServer_Authorization(t *testing.T) {
	cfg := newTestConfig(t)
	cfg.AuthEnabled = true
	cfg.AuthUser = "testuser"
	cfg.AuthPass = "testpass"
	cfg.UserAPIKey = "user-key"
	server := newTestServer(t, cfg)

	tests := []struct {
		name           string
		method         string
		path           string
		setup          func(r *http.Request)
		expectedStatus int
	}{
		{
			name:           "anonymous listing",
			method:         "GET",
			path:           "/api/v1/timelapse",
			setup:          func(r *http.Request) {},
			expectedStatus: http.StatusOK,
		},
		{
			name:           "anonymous configure",
			method:         "POST",
			path:           "/api/v1/timelapse?type=zchange",
			setup:          func(r *http.Request) {},
			expectedStatus: http.StatusUnauthorized,
		},
		{
			name:           "user configure",
			method:         "POST",
			path:           "/api/v1/timelapse?type=zchange",
			setup:          func(r *http.Request) { r.Header.Set("X-Api-Key", "user-key") },
			expectedStatus: http.StatusOK,
		},
		{
			name:           "user delete",
			method:         "DELETE",
			path:           "/api/v1/timelapse/benchy.mpg",
			setup:          func(r *http.Request) { r.Header.Set("X-Api-Key", "user-key") },
			expectedStatus: http.StatusForbidden,
		},
		{
			name:           "admin delete",
			method:         "DELETE",
			path:           "/api/v1/timelapse/benchy.mpg",
			setup:          func(r *http.Request) { r.SetBasicAuth("testuser", "testpass") },
			expectedStatus: http.StatusOK,
		},
		{
			name:           "admin delete unrendered",
			method:         "DELETE",
			path:           "/api/v1/timelapse/unrendered/cube",
			setup:          func(r *http.Request) { r.SetBasicAuth("testuser", "testpass") },
			expectedStatus: http.StatusNoContent,
		},
		{
			name:           "wrong password",
			method:         "GET",
			path:           "/health",
			setup:          func(r *http.Request) { r.SetBasicAuth("testuser", "nope") },
			expectedStatus: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, nil)
			tt.setup(req)
			w := serve(server, req)

			if w.Code != tt.expectedStatus {
				t.Errorf("Expected status code %d, got %d", tt.expectedStatus, w.Code)
			}
			if tt.expectedStatus == http.StatusUnauthorized {
				authHeader := w.Header().Get("WWW-Authenticate")
				if !strings.Contains(authHeader, "Basic realm") {
					t.Errorf("Expected WWW-Authenticate header with Basic realm, got: %s", authHeader)
				}
			}
		})
	}
}

func TestServer_SavePersistsConfig(t *testing.T) {
	cfg := newTestConfig(t)
	server := newTestServer(t, cfg)

	w := serve(server, httptest.NewRequest("POST", "/api/v1/timelapse?type=timed&interval=5&save=true", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("Expected status code %d, got %d", http.StatusOK, w.Code)
	}

	saved, err := server.store.GetTimelapseConfig()
	if err != nil {
		t.Fatalf("Failed to read persisted config: %v", err)
	}
	if saved == nil || saved.Type != "timed" || saved.Options.Interval != 5 {
		t.Errorf("Expected timed config to be persisted, got %+v", saved)
	}
}

func TestServer_MovieDoneInvalidatesCache(t *testing.T) {
	cfg := newTestConfig(t)
	server := newTestServer(t, cfg)

	serve(server, httptest.NewRequest("GET", "/api/v1/timelapse?unrendered=true", nil))
	serve(server, httptest.NewRequest("GET", "/api/v1/timelapse", nil))
	if server.cache.Size() != 2 {
		t.Fatalf("Expected two cached views, got %d", server.cache.Size())
	}

	server.onMovieDone("cube", nil)
	if server.cache.Size() != 0 {
		t.Errorf("Expected movie done to invalidate all views, got %d", server.cache.Size())
	}
}

func TestServer_Stop(t *testing.T) {
	cfg := newTestConfig(t)
	logger, _ := test.NewNullLogger()

	server, err := New(cfg, logger)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	if err := server.Stop(); err != nil {
		t.Errorf("Failed to stop server: %v", err)
	}
	if err := server.Stop(); err != nil {
		t.Errorf("Expected second stop to be a no-op, got %v", err)
	}
}
