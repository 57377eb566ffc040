// Package sessionhandle implements SessionHandle (C7): the client-facing
// endpoint over a shared SessionCore, owning the cancel tokens the
// client sees (§4.7).
package sessionhandle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/signond/internal/aclgate"
	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/disposable"
	"github.com/cuemby/signond/internal/events"
	"github.com/cuemby/signond/internal/sessioncore"
)

// Handle is a per-client view over a shared SessionCore.
type Handle struct {
	disposable.Disposable

	mu         sync.Mutex
	handleName string
	core       *sessioncore.Core
	bus        *events.Bus
	unsaved    bool // true while attached under the unsaved-identity pool
}

// New constructs a SessionHandle over core.
func New(handleName string, core *sessioncore.Core, bus *events.Bus, unsaved bool, idleTimeout time.Duration, onIdle func()) *Handle {
	h := &Handle{handleName: handleName, core: core, bus: bus, unsaved: unsaved}
	h.Disposable.Init(idleTimeout, onIdle)
	return h
}

// QueryAvailableMechanisms returns the intersection of the plugin's
// mechanisms with wanted; an empty wanted means "all" (§4.7).
func (h *Handle) QueryAvailableMechanisms(ctx context.Context, wanted []string) ([]string, *apperror.Error) {
	h.KeepInUse()
	mechs, err := h.core.Mechanisms(ctx)
	if err != nil {
		return nil, toAppError(err)
	}
	if len(wanted) == 0 {
		return mechs, nil
	}
	set := make(map[string]bool, len(wanted))
	for _, w := range wanted {
		set[w] = true
	}
	var out []string
	for _, m := range mechs {
		if set[m] {
			out = append(out, m)
		}
	}
	return out, nil
}

// Process enqueues params against the shared SessionCore and returns an
// opaque cancel-key immediately; the result is delivered later via the
// returned channel (consumed by the daemon's per-handle signal router)
// (§4.7 "process").
func (h *Handle) Process(ctx context.Context, caller aclgate.Caller, params map[string]any, mechanism string, policy sessioncore.UIPolicy) (string, <-chan sessioncore.Reply, *apperror.Error) {
	h.KeepInUse()
	key, reply, err := h.core.Enqueue(ctx, caller, params, mechanism, policy)
	if err != nil {
		return "", nil, toAppError(err)
	}
	return key, reply, nil
}

// Cancel forwards to the shared SessionCore (§4.7 "cancel").
func (h *Handle) Cancel(cancelKey string) {
	h.KeepInUse()
	h.core.Cancel(cancelKey)
}

// SetID transfers this handle's registry key from the unsaved pool to
// the saved pool once the identity is persisted. Only valid while the
// handle is still in the unsaved state; otherwise it returns an error the
// transport maps onto a structured WrongState (§4.7 "set_id"). It does not
// consult the daemon registry: the transport rejects a newName that is
// already registered, also as WrongState, before calling it.
func (h *Handle) SetID(newName string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.unsaved {
		return fmt.Errorf("set_id is only valid before the session is attached to a saved identity")
	}
	h.handleName = newName
	h.unsaved = false
	return nil
}

// HandleName returns the client-visible object path name for this handle.
func (h *Handle) HandleName() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.handleName
}

func toAppError(err error) *apperror.Error {
	if ae, ok := err.(*apperror.Error); ok {
		return ae
	}
	return apperror.Wrap(apperror.InternalServer, "session handle operation failed", err)
}
