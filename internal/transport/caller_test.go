package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

func TestIsLoopbackAcceptsV4AndV6(t *testing.T) {
	require.True(t, isLoopback("127.0.0.1:5000"))
	require.True(t, isLoopback("[::1]:5000"))
	require.True(t, isLoopback("127.0.0.1"))
	require.False(t, isLoopback("10.0.0.5:5000"))
	require.False(t, isLoopback("not-an-ip"))
}

func TestCallerFromRequestReadsHeaders(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:9000"
	req.Header.Set(headerService, "com.example.app")
	req.Header.Set(headerPID, "4242")
	req.Header.Set(headerKeychain, "true")
	req.Header.Set(headerAppContext, `{"tier":"gold"}`)
	c.Request = req

	caller := callerFromRequest(c)
	require.Equal(t, "com.example.app", caller.ServiceName)
	require.Equal(t, 4242, caller.PID)
	require.True(t, caller.IsKeychain)
	require.Equal(t, "gold", caller.AppContext["tier"])
}

func TestCallerFromRequestIgnoresKeychainClaimFromNonLoopback(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:9000"
	req.Header.Set(headerKeychain, "true")
	c.Request = req

	caller := callerFromRequest(c)
	require.False(t, caller.IsKeychain)
}

func TestCallerFromRequestIgnoresMalformedAppContext(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:9000"
	req.Header.Set(headerAppContext, `{not-json`)
	c.Request = req

	caller := callerFromRequest(c)
	require.Nil(t, caller.AppContext)
}

func TestLoopbackOnlyRejectsRemotePeers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(loopbackOnly())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "203.0.113.5:12345"
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.RemoteAddr = "127.0.0.1:12345"
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}
