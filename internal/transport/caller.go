// Package transport binds the daemon's control surface, Identity handle
// surface and SessionHandle surface (spec.md §6) onto a loopback HTTP+SSE
// API, grounded on the teacher's internal/handlers package: one handler
// struct per surface, a RegisterRoutes(*gin.RouterGroup) method, and a
// doc comment listing the endpoints it serves.
//
// The daemon itself never speaks HTTP; this package is the reference
// client transport the spec's §1 "out of scope" section carves out for
// the client-side library binding to talk to.
package transport

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/signond/internal/aclgate"
	"github.com/cuemby/signond/internal/logger"
)

// Header names a caller supplies to identify itself to C3. A real
// deployment would instead resolve these from a unix-socket peer
// credential or systemd unit name; the HTTP binding trusts explicit
// headers because it is meant to be bound to loopback only (see
// router.go's loopbackOnly middleware).
const (
	headerService    = "X-Signond-Service"
	headerPID        = "X-Signond-Pid"
	headerKeychain   = "X-Signond-Keychain"
	headerAppContext = "X-Signond-App-Context"
)

// callerFromRequest resolves the caller context C3 needs from the
// request headers (§6 "Each request carries a caller context sufficient
// for C3 to resolve an application-id").
func callerFromRequest(c *gin.Context) aclgate.Caller {
	caller := aclgate.Caller{
		ServiceName: c.GetHeader(headerService),
	}
	if pid, err := strconv.Atoi(c.GetHeader(headerPID)); err == nil {
		caller.PID = pid
	}
	// The keychain-widget flag is only honoured from a loopback peer;
	// loopbackOnly already rejects everything else, but a defence in
	// depth check costs nothing here.
	if isLoopback(c.Request.RemoteAddr) && c.GetHeader(headerKeychain) == "true" {
		caller.IsKeychain = true
	}
	if raw := c.GetHeader(headerAppContext); raw != "" {
		var ctx map[string]any
		if err := json.Unmarshal([]byte(raw), &ctx); err == nil {
			caller.AppContext = ctx
		} else {
			logger.HTTP().Warn().Err(err).Msg("ignoring malformed X-Signond-App-Context header")
		}
	}
	return caller
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// loopbackOnly rejects any connection whose peer address is not
// loopback; the daemon's control surface is a local credential broker,
// never a network-facing service (§1 Non-goals: "remote replication").
func loopbackOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !isLoopback(c.Request.RemoteAddr) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "connections are only accepted from loopback"})
			return
		}
		c.Next()
	}
}
