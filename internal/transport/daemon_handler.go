package transport

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/daemon"
	"github.com/cuemby/signond/internal/identityinfo"
)

// DaemonHandler serves the daemon control surface (spec.md §6):
//
//	POST   /v1/identities             registerNewIdentity
//	GET    /v1/identities/:id         getIdentity
//	GET    /v1/identities             queryIdentities (keychain-widget only)
//	DELETE /v1/identities             clear (keychain-widget only)
//	POST   /v1/sessions               getAuthSession
//	GET    /v1/methods                queryMethods
//	GET    /v1/methods/:method/mechanisms  queryMechanisms
type DaemonHandler struct {
	daemon *daemon.Daemon
}

// NewDaemonHandler constructs a DaemonHandler over d.
func NewDaemonHandler(d *daemon.Daemon) *DaemonHandler {
	return &DaemonHandler{daemon: d}
}

// RegisterRoutes mounts the control surface under router.
func (h *DaemonHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/identities", h.registerNewIdentity)
	router.GET("/identities/:id", h.getIdentity)
	router.GET("/identities", h.queryIdentities)
	router.DELETE("/identities", h.clear)
	router.POST("/sessions", h.getAuthSession)
	router.GET("/methods", h.queryMethods)
	router.GET("/methods/:method/mechanisms", h.queryMechanisms)
}

func (h *DaemonHandler) registerNewIdentity(c *gin.Context) {
	name := h.daemon.RegisterNewIdentity()
	c.JSON(http.StatusCreated, gin.H{"handle": name})
}

func (h *DaemonHandler) getIdentity(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	name, info, appErr := h.daemon.GetIdentity(c.Request.Context(), callerFromRequest(c), id)
	if appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"handle": name, "info": info})
}

type getAuthSessionRequest struct {
	ID     uint32 `json:"id"`
	Method string `json:"method" binding:"required"`
}

func (h *DaemonHandler) getAuthSession(c *gin.Context) {
	var req getAuthSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeInternal(c, "invalid getAuthSession request", err)
		return
	}
	name, appErr := h.daemon.GetAuthSession(c.Request.Context(), callerFromRequest(c), req.ID, req.Method)
	if appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"handle": name})
}

func (h *DaemonHandler) queryMethods(c *gin.Context) {
	methods, err := h.daemon.QueryMethods()
	if err != nil {
		writeInternal(c, "failed to scan plugin directory", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"methods": methods})
}

func (h *DaemonHandler) queryMechanisms(c *gin.Context) {
	mechs, appErr := h.daemon.QueryMechanisms(c.Request.Context(), c.Param("method"))
	if appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mechanisms": mechs})
}

func (h *DaemonHandler) queryIdentities(c *gin.Context) {
	filter := make(map[string]any, len(c.Request.URL.Query()))
	for k, v := range c.Request.URL.Query() {
		if len(v) > 0 {
			filter[k] = v[0]
		}
	}
	rows, appErr := h.daemon.QueryIdentities(c.Request.Context(), callerFromRequest(c), filter)
	if appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"identities": rows})
}

func (h *DaemonHandler) clear(c *gin.Context) {
	if appErr := h.daemon.Clear(c.Request.Context(), callerFromRequest(c)); appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cleared": true})
}

func parseID(raw string) (uint32, *apperror.Error) {
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, apperror.New(apperror.InvalidQuery, "identity id must be a non-negative integer")
	}
	if n == uint64(identityinfo.NewIdentity) {
		return 0, apperror.New(apperror.InvalidQuery, "identity id 0 is the unsaved sentinel")
	}
	return uint32(n), nil
}
