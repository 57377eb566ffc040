package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/daemon"
	"github.com/cuemby/signond/internal/events"
	"github.com/cuemby/signond/internal/identityinfo"
	"github.com/cuemby/signond/internal/validator"
)

// IdentityHandler serves the Identity handle surface (spec.md §6):
//
//	POST   /v1/identity/store               store
//	POST   /v1/identity/credentials-update  requestCredentialsUpdate
//	GET    /v1/identity/info                getInfo
//	POST   /v1/identity/reference           addReference
//	DELETE /v1/identity/reference           removeReference
//	POST   /v1/identity/verify-user         verifyUser
//	POST   /v1/identity/verify-secret       verifySecret
//	DELETE /v1/identity                     remove
//	POST   /v1/identity/sign-out            signOut
//	GET    /v1/identity/events              infoUpdated/unregistered signals
//
// Every route except the SSE stream takes the handle-name returned by
// DaemonHandler.registerNewIdentity/getIdentity as a JSON body field (or
// query parameter for GET) rather than embedding it in the URL path,
// since handle names carry slashes (§4.8 "/org/signond/Identity/<id>").
type IdentityHandler struct {
	daemon *daemon.Daemon
}

// NewIdentityHandler constructs an IdentityHandler over d.
func NewIdentityHandler(d *daemon.Daemon) *IdentityHandler {
	return &IdentityHandler{daemon: d}
}

// RegisterRoutes mounts the identity handle surface under router.
func (h *IdentityHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/identity/store", h.store)
	router.POST("/identity/credentials-update", h.requestCredentialsUpdate)
	router.GET("/identity/info", h.getInfo)
	router.POST("/identity/reference", h.addReference)
	router.DELETE("/identity/reference", h.removeReference)
	router.POST("/identity/verify-user", h.verifyUser)
	router.POST("/identity/verify-secret", h.verifySecret)
	router.DELETE("/identity", h.remove)
	router.POST("/identity/sign-out", h.signOut)
	router.GET("/identity/events", h.events)
}

type storeRequest struct {
	Handle string                    `json:"handle" validate:"required"`
	Info   identityinfo.IdentityInfo `json:"info"`
}

func (h *IdentityHandler) store(c *gin.Context) {
	var req storeRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}

	identity, ok := h.daemon.IdentityHandle(req.Handle)
	if !ok {
		writeError(c, apperror.New(apperror.IdentityNotFoundCode, "no identity handle open for that name"))
		return
	}
	id, appErr := identity.Store(c.Request.Context(), callerFromRequest(c), req.Info)
	if appErr != nil {
		writeError(c, appErr)
		return
	}
	h.daemon.AfterStore(req.Handle, id, identity)
	c.JSON(http.StatusOK, gin.H{"id": id})
}

type handleOnlyRequest struct {
	Handle string `json:"handle" validate:"required"`
}

func (h *IdentityHandler) requestCredentialsUpdate(c *gin.Context) {
	var req struct {
		Handle  string `json:"handle" validate:"required"`
		Message string `json:"message"`
	}
	if !validator.BindAndValidate(c, &req) {
		return
	}
	identity, ok := h.daemon.IdentityHandle(req.Handle)
	if !ok {
		writeError(c, apperror.New(apperror.IdentityNotFoundCode, "no identity handle open for that name"))
		return
	}
	if appErr := identity.RequestCredentialsUpdate(c.Request.Context(), req.Message); appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (h *IdentityHandler) getInfo(c *gin.Context) {
	handleName := c.Query("handle")
	identity, ok := h.daemon.IdentityHandle(handleName)
	if !ok {
		writeError(c, apperror.New(apperror.IdentityNotFoundCode, "no identity handle open for that name"))
		return
	}
	c.JSON(http.StatusOK, gin.H{"info": identity.GetInfo()})
}

func (h *IdentityHandler) addReference(c *gin.Context) {
	var req struct {
		Handle string `json:"handle" validate:"required"`
		Name   string `json:"name" validate:"required"`
	}
	if !validator.BindAndValidate(c, &req) {
		return
	}
	identity, ok := h.daemon.IdentityHandle(req.Handle)
	if !ok {
		writeError(c, apperror.New(apperror.IdentityNotFoundCode, "no identity handle open for that name"))
		return
	}
	if appErr := identity.AddReference(c.Request.Context(), callerFromRequest(c), req.Name); appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"added": true})
}

func (h *IdentityHandler) removeReference(c *gin.Context) {
	var req struct {
		Handle string `json:"handle" validate:"required"`
		Name   string `json:"name" validate:"required"`
	}
	if !validator.BindAndValidate(c, &req) {
		return
	}
	identity, ok := h.daemon.IdentityHandle(req.Handle)
	if !ok {
		writeError(c, apperror.New(apperror.IdentityNotFoundCode, "no identity handle open for that name"))
		return
	}
	if appErr := identity.RemoveReference(c.Request.Context(), callerFromRequest(c), req.Name); appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (h *IdentityHandler) verifyUser(c *gin.Context) {
	var req struct {
		Handle string         `json:"handle" validate:"required"`
		Params map[string]any `json:"params"`
	}
	if !validator.BindAndValidate(c, &req) {
		return
	}
	identity, ok := h.daemon.IdentityHandle(req.Handle)
	if !ok {
		writeError(c, apperror.New(apperror.IdentityNotFoundCode, "no identity handle open for that name"))
		return
	}
	verified, appErr := identity.VerifyUser(c.Request.Context(), req.Params)
	if appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": verified})
}

func (h *IdentityHandler) verifySecret(c *gin.Context) {
	var req struct {
		Handle string `json:"handle" validate:"required"`
		Secret string `json:"secret" validate:"required"`
	}
	if !validator.BindAndValidate(c, &req) {
		return
	}
	identity, ok := h.daemon.IdentityHandle(req.Handle)
	if !ok {
		writeError(c, apperror.New(apperror.IdentityNotFoundCode, "no identity handle open for that name"))
		return
	}
	verified, appErr := identity.VerifySecret(c.Request.Context(), req.Secret)
	if appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"verified": verified})
}

func (h *IdentityHandler) remove(c *gin.Context) {
	var req handleOnlyRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}
	identity, ok := h.daemon.IdentityHandle(req.Handle)
	if !ok {
		writeError(c, apperror.New(apperror.IdentityNotFoundCode, "no identity handle open for that name"))
		return
	}
	if appErr := identity.Remove(c.Request.Context(), callerFromRequest(c)); appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (h *IdentityHandler) signOut(c *gin.Context) {
	var req handleOnlyRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}
	identity, ok := h.daemon.IdentityHandle(req.Handle)
	if !ok {
		writeError(c, apperror.New(apperror.IdentityNotFoundCode, "no identity handle open for that name"))
		return
	}
	if appErr := identity.SignOut(c.Request.Context()); appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"signedOut": true})
}

func (h *IdentityHandler) events(c *gin.Context) {
	handleName := c.Query("handle")
	if _, ok := h.daemon.IdentityHandle(handleName); !ok {
		writeError(c, apperror.New(apperror.IdentityNotFoundCode, "no identity handle open for that name"))
		return
	}
	streamSignals(c, h.bus(), handleName)
}

// bus exposes the daemon's signal bus to the SSE handler; declared as a
// method so a future multi-bus daemon configuration only needs one
// change site.
func (h *IdentityHandler) bus() *events.Bus {
	return h.daemon.Bus()
}
