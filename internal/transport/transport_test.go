package transport

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/signond/internal/aclgate"
	"github.com/cuemby/signond/internal/config"
	"github.com/cuemby/signond/internal/credentialsdb"
	"github.com/cuemby/signond/internal/daemon"
	"github.com/cuemby/signond/internal/events"
)

func newTestRouter(t *testing.T) (*gin.Engine, *daemon.Daemon) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	t.Cleanup(func() { sqlDB.Close() })

	db := credentialsdb.NewForTesting(sqlDB)
	gate := aclgate.New(nil)
	bus, err := events.NewBus(events.Config{}, "test-node")
	require.NoError(t, err)
	t.Cleanup(bus.Close)

	cfg := config.Defaults()
	cfg.PluginDir = t.TempDir()
	cfg.IdentityTimeout = 300 * time.Second
	cfg.AuthSessionTimeout = 300 * time.Second

	d := daemon.New(cfg, db, gate, bus, nil)
	return NewRouter(d), d
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "127.0.0.1:54321"
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestRegisterIdentityThenGetInfo(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/identities", nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Handle string `json:"handle"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Handle)

	w = doJSON(t, router, http.MethodGet, "/v1/identity/info?handle="+created.Handle, nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestGetInfoUnknownHandleReturnsNotFound(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/v1/identity/info?handle=bogus", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueryMethodsRoute(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/v1/methods", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Methods []string `json:"methods"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Empty(t, resp.Methods)
}

func TestGetAuthSessionRegistersSessionHandle(t *testing.T) {
	router, d := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/v1/sessions", map[string]any{
		"id":     0,
		"method": "password",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var created struct {
		Handle string `json:"handle"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	require.NotEmpty(t, created.Handle)

	handle, ok := d.SessionHandle(created.Handle)
	require.True(t, ok)
	require.NotNil(t, handle)
}

func TestQueryIdentitiesRejectsNonKeychainCaller(t *testing.T) {
	router, _ := newTestRouter(t)

	w := doJSON(t, router, http.MethodGet, "/v1/identities", nil)
	require.Equal(t, http.StatusForbidden, w.Code)
}
