package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/QwertyMD/chat-app/internal/config"
	"github.com/QwertyMD/chat-app/internal/db"
	"github.com/QwertyMD/chat-app/internal/registry"
	"github.com/QwertyMD/chat-app/internal/storage"

	"github.com/gin-gonic/gin"
)

func testRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg := config.Config{Port: "0", JWTSecret: "secret", Env: "dev", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7, AllowedOrigins: []string{"http://localhost:5173"}}
	gdb, err := db.Connect("host=localhost user=postgres password=postgres dbname=messenger port=5432 sslmode=disable TimeZone=UTC")
	if err != nil {
		t.Skipf("skip: db not available: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Skipf("skip: migrate failed: %v", err)
	}
	store, err := storage.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("storage init: %v", err)
	}
	return SetupRouter(cfg, gdb, registry.New(), store)
}

func TestHealthz(t *testing.T) {
	engine := testRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	engine := testRouter(t)

	for _, route := range []struct {
		method string
		path   string
	}{
		{http.MethodGet, "/api/v1/chats"},
		{http.MethodPost, "/api/v1/messages"},
		{http.MethodGet, "/api/v1/messages/1/status"},
		{http.MethodPost, "/api/v1/chats/1/read-all"},
	} {
		req := httptest.NewRequest(route.method, route.path, nil)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s without token = %d, want 401", route.method, route.path, w.Code)
		}
	}
}
