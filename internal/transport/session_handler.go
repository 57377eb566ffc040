package transport

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/daemon"
	"github.com/cuemby/signond/internal/events"
	"github.com/cuemby/signond/internal/sessioncore"
	"github.com/cuemby/signond/internal/validator"
)

// SessionHandler serves the SessionHandle surface (spec.md §6):
//
//	GET    /v1/session/mechanisms    queryAvailableMechanisms
//	POST   /v1/session/process       process (returns a cancel-key immediately)
//	POST   /v1/session/cancel        cancel
//	POST   /v1/session/set-id        setId
//	DELETE /v1/session                objectUnref
//	GET    /v1/session/events        stateChanged/unregistered signals
//
// process() returns its cancel-key synchronously and delivers the
// eventual RESULT/ERROR as a stateChanged signal on the handle's event
// stream (§2 "every request returns immediately and its outcome is
// delivered either as a reply ... or as a separate event on the handle").
type SessionHandler struct {
	daemon *daemon.Daemon
}

// NewSessionHandler constructs a SessionHandler over d.
func NewSessionHandler(d *daemon.Daemon) *SessionHandler {
	return &SessionHandler{daemon: d}
}

// RegisterRoutes mounts the session handle surface under router.
func (h *SessionHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.GET("/session/mechanisms", h.queryAvailableMechanisms)
	router.POST("/session/process", h.process)
	router.POST("/session/cancel", h.cancel)
	router.POST("/session/set-id", h.setID)
	router.DELETE("/session", h.unref)
	router.GET("/session/events", h.events)
}

func (h *SessionHandler) queryAvailableMechanisms(c *gin.Context) {
	handleName := c.Query("handle")
	handle, ok := h.daemon.SessionHandle(handleName)
	if !ok {
		writeError(c, apperror.New(apperror.MethodNotAvailable, "no session handle open for that name"))
		return
	}
	wanted := c.QueryArray("wanted")
	mechs, appErr := handle.QueryAvailableMechanisms(c.Request.Context(), wanted)
	if appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mechanisms": mechs})
}

type processRequest struct {
	Handle    string         `json:"handle" validate:"required"`
	Params    map[string]any `json:"params"`
	Mechanism string         `json:"mechanism" validate:"required"`
	UIPolicy  int            `json:"uiPolicy"`
}

func (h *SessionHandler) process(c *gin.Context) {
	var req processRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}
	handle, ok := h.daemon.SessionHandle(req.Handle)
	if !ok {
		writeError(c, apperror.New(apperror.MethodNotAvailable, "no session handle open for that name"))
		return
	}
	cancelKey, reply, appErr := handle.Process(c.Request.Context(), callerFromRequest(c), req.Params, req.Mechanism, sessioncore.UIPolicy(req.UIPolicy))
	if appErr != nil {
		writeError(c, appErr)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"cancelKey": cancelKey})

	// The HTTP response has already gone out; the eventual RESULT/ERROR
	// is relayed onto the handle's own signal stream instead, so the
	// caller's /session/events subscriber observes it in FIFO order
	// alongside any other stateChanged signal for this handle (§5).
	go h.relayReply(req.Handle, cancelKey, reply)
}

func (h *SessionHandler) relayReply(handleName, cancelKey string, reply <-chan sessioncore.Reply) {
	r, ok := <-reply
	if !ok {
		return
	}
	args := map[string]any{"cancelKey": cancelKey}
	if r.Err != nil {
		args["error"] = r.Err.ToResponse()
	} else {
		args["result"] = r.Params
	}
	h.daemon.Bus().Publish(events.Signal{HandleName: handleName, Kind: events.StateChanged, Args: args})
}

func (h *SessionHandler) cancel(c *gin.Context) {
	var req struct {
		Handle    string `json:"handle" validate:"required"`
		CancelKey string `json:"cancelKey" validate:"required"`
	}
	if !validator.BindAndValidate(c, &req) {
		return
	}
	handle, ok := h.daemon.SessionHandle(req.Handle)
	if !ok {
		writeError(c, apperror.New(apperror.MethodNotAvailable, "no session handle open for that name"))
		return
	}
	handle.Cancel(req.CancelKey)
	c.JSON(http.StatusOK, gin.H{"canceled": true})
}

func (h *SessionHandler) setID(c *gin.Context) {
	// setId(id) (§4.7) is exposed here as setId(newHandle): the client
	// library computes the saved handle name from id+method once it
	// learns the identity's freshly-assigned id (normally by calling
	// store() on a sibling Identity handle) and hands it back so the
	// daemon's registry key for this SessionHandle can be transferred
	// out of the unsaved pool.
	var req struct {
		Handle    string `json:"handle" validate:"required"`
		NewHandle string `json:"newHandle" validate:"required"`
	}
	if !validator.BindAndValidate(c, &req) {
		return
	}
	handle, ok := h.daemon.SessionHandle(req.Handle)
	if !ok {
		writeError(c, apperror.New(apperror.MethodNotAvailable, "no session handle open for that name"))
		return
	}
	if _, taken := h.daemon.SessionHandle(req.NewHandle); taken {
		writeError(c, apperror.WrongStateErr("a session handle with that name is already registered"))
		return
	}
	if err := handle.SetID(req.NewHandle); err != nil {
		writeError(c, apperror.WrongStateErr(err.Error()))
		return
	}
	h.daemon.RenameSessionHandle(req.Handle, req.NewHandle)
	c.JSON(http.StatusOK, gin.H{"handle": req.NewHandle})
}

func (h *SessionHandler) unref(c *gin.Context) {
	var req handleOnlyRequest
	if !validator.BindAndValidate(c, &req) {
		return
	}
	if _, ok := h.daemon.SessionHandle(req.Handle); !ok {
		writeError(c, apperror.New(apperror.MethodNotAvailable, "no session handle open for that name"))
		return
	}
	h.daemon.UnrefSessionHandle(req.Handle)
	c.JSON(http.StatusOK, gin.H{"unreffed": true})
}

func (h *SessionHandler) events(c *gin.Context) {
	handleName := c.Query("handle")
	if _, ok := h.daemon.SessionHandle(handleName); !ok {
		writeError(c, apperror.New(apperror.MethodNotAvailable, "no session handle open for that name"))
		return
	}
	streamSignals(c, h.daemon.Bus(), handleName)
}
