// Package sessioncore (C5) serialises and multiplexes authentication
// operations for one (identity, method) pair, owning exactly one
// PluginProxy and mediating its UI dialog round-trips through a
// UIClient (§4.5).
//
// The request queue and single-in-flight discipline are grounded on the
// teacher's async dispatch-and-callback shape in the removed plugin
// event-bus, adapted from in-process plugin calls to the PluginProxy's
// framed-stdio callbacks; the per-(id,method) bookkeeping mirrors the
// TTL/keep-alive idiom of the teacher's Redis-backed session store,
// here driving Disposable instead of a Redis TTL.
package sessioncore

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/signond/internal/aclgate"
	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/credentialsdb"
	"github.com/cuemby/signond/internal/disposable"
	"github.com/cuemby/signond/internal/identityinfo"
	"github.com/cuemby/signond/internal/logger"
	"github.com/cuemby/signond/internal/pluginproxy"
	"github.com/cuemby/signond/internal/uiclient"
)

// Well-known property-map keys, preserved verbatim for wire compatibility
// with existing plugins and the UI process (§6).
const (
	KeyUserName        = "UserName"
	KeySecret          = "Secret"
	KeyCaption         = "Caption"
	KeyQueryPassword   = "QueryPassword"
	KeyACLTokens       = "accessControlTokens" // injected by the core at dispatch
	KeyQueryErrorCode  = "QueryErrorCode"
	KeyRefreshRequired = "refreshRequired"
)

// UIPolicy governs how SessionCore mediates plugin UI requests (§9).
type UIPolicy int

const (
	// Default lets the plugin choose whether to show UI.
	Default UIPolicy = iota
	// RequestPassword always prompts and strips any cached secret
	// before the first PROCESS.
	RequestPassword
	// NoUserInteraction refuses any UI call with a forbidden error.
	NoUserInteraction
	// Validation allows only captcha-shaped dialogs.
	Validation
)

// Request is one queued authentication attempt (§3 "Session operation").
type Request struct {
	CancelKey string
	Caller    aclgate.Caller
	Params    map[string]any
	Mechanism string
	Policy    UIPolicy
	Reply     chan Reply

	canceled bool
}

// Reply is delivered exactly once per Request, either as a successful
// result or a structured error.
type Reply struct {
	Params map[string]any
	Err    *apperror.Error
}

// Core is the (identity, method) session scheduler.
type Core struct {
	disposable.Disposable

	mu     sync.Mutex
	id     uint32
	method string

	db   *credentialsdb.DB
	gate *aclgate.Gate
	ui   *uiclient.Client

	proxyFactory func(method string) *pluginproxy.Proxy
	proxy        *pluginproxy.Proxy
	started      bool
	mechanisms   []string

	queue   []*Request
	current *Request

	dialogCtx    context.Context
	dialogCancel context.CancelFunc
}

// New constructs a Core for (id, method). proxyFactory builds the
// PluginProxy lazily, on first use, so an unsaved identity's session
// does not spawn a plugin until a client calls Process or asks for the
// mechanism list.
func New(id uint32, method string, db *credentialsdb.DB, gate *aclgate.Gate, ui *uiclient.Client, proxyFactory func(method string) *pluginproxy.Proxy, idleTimeout time.Duration, onIdle func()) *Core {
	c := &Core{id: id, method: method, db: db, gate: gate, ui: ui, proxyFactory: proxyFactory}
	c.Disposable.Init(idleTimeout, onIdle)
	return c
}

// ID returns the identity id this core currently dispatches against.
func (c *Core) ID() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.id
}

// SetID propagates the identity's freshly-assigned id to this core (§4.6
// "propagate the new id to every live SessionCore attached to this
// identity", scenario 4 "unsaved -> saved id propagation"). Any requests
// already queued dispatch against the new id, not the old one.
func (c *Core) SetID(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.id = id
}

// Method returns the authentication method this core drives.
func (c *Core) Method() string { return c.method }

// ensureStarted lazily spawns and hand-shakes the plugin, or restarts it
// once if it has exited since the last call (§4.4 "Restart").
func (c *Core) ensureStarted(ctx context.Context) error {
	if c.proxy == nil {
		c.proxy = c.proxyFactory(c.method)
	}
	if !c.started {
		_, mechs, err := c.proxy.Start(ctx, c)
		if err != nil {
			return err
		}
		c.mechanisms = mechs
		c.started = true
		return nil
	}
	if c.proxy.Exited() {
		_, mechs, err := c.proxy.Restart(ctx, c)
		if err != nil {
			return err
		}
		c.mechanisms = mechs
	}
	return nil
}

// Mechanisms returns the plugin's advertised mechanism list, starting the
// plugin if necessary.
func (c *Core) Mechanisms(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ensureStarted(ctx); err != nil {
		return nil, err
	}
	return append([]string(nil), c.mechanisms...), nil
}

// Enqueue appends a process request to the FIFO queue and returns its
// cancel-key. If no request is currently in flight, dispatch begins
// immediately.
func (c *Core) Enqueue(ctx context.Context, caller aclgate.Caller, params map[string]any, mechanism string, policy UIPolicy) (string, <-chan Reply, error) {
	c.KeepInUse()
	req := &Request{
		CancelKey: uuid.NewString(),
		Caller:    caller,
		Params:    params,
		Mechanism: mechanism,
		Policy:    policy,
		Reply:     make(chan Reply, 1),
	}

	c.mu.Lock()
	c.queue = append(c.queue, req)
	shouldDispatch := c.current == nil
	c.mu.Unlock()

	if shouldDispatch {
		go c.pump(ctx)
	}
	return req.CancelKey, req.Reply, nil
}

// Cancel targets a specific queued or in-flight request (§5
// "Cancellation semantics", P5).
func (c *Core) Cancel(cancelKey string) {
	c.mu.Lock()
	if c.current != nil && c.current.CancelKey == cancelKey {
		// Head of queue: ask the plugin to cancel; the request stays
		// queued until the child acknowledges via ERROR/RESULT.
		proxy := c.proxy
		dialogCancel := c.dialogCancel
		c.mu.Unlock()
		if dialogCancel != nil {
			dialogCancel()
		}
		if proxy != nil {
			_ = proxy.Cancel()
		}
		return
	}

	for i, r := range c.queue {
		if r.CancelKey == cancelKey {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			r.canceled = true
			c.mu.Unlock()
			r.Reply <- Reply{Err: apperror.SessionCanceled()}
			return
		}
	}
	c.mu.Unlock()
}

// pump drains the queue, dispatching at most one request to the plugin
// at a time; it exits once the queue is empty.
func (c *Core) pump(ctx context.Context) {
	for {
		c.mu.Lock()
		if c.current != nil || len(c.queue) == 0 {
			c.mu.Unlock()
			return
		}
		req := c.queue[0]
		c.queue = c.queue[1:]
		c.current = req
		c.mu.Unlock()

		if req.canceled {
			continue
		}
		c.dispatch(ctx, req)
		// dispatch returns once PROCESS is sent (or has failed); the next
		// iteration sees current still set and exits, and finishCurrent
		// restarts pump when the op terminates.
	}
}

// dispatch composes parameters (§4.5 step 1-4) and sends one request to
// the plugin; its completion, including any UI round-trips, arrives
// through the plugin callbacks.
func (c *Core) dispatch(ctx context.Context, req *Request) {
	c.mu.Lock()
	if err := c.ensureStarted(ctx); err != nil {
		c.mu.Unlock()
		req.Reply <- Reply{Err: toAppError(err)}
		c.finishCurrent()
		return
	}
	id := c.id
	c.mu.Unlock()

	params := c.composeParams(ctx, id, req)

	c.mu.Lock()
	proxy := c.proxy
	c.mu.Unlock()
	if err := proxy.Process(params, req.Mechanism); err != nil {
		req.Reply <- Reply{Err: toAppError(err)}
		c.finishCurrent()
	}
	// Completion is driven by OnResult/OnError callbacks from the
	// plugin's reader goroutine, invoked asynchronously below.
}

// composeParams implements §4.5's four-step dispatch-time composition.
func (c *Core) composeParams(ctx context.Context, id uint32, req *Request) map[string]any {
	params := map[string]any{}
	for k, v := range req.Params {
		params[k] = v
	}

	// 1. Merge the persisted per-method blob.
	if blob, err := c.db.LoadData(ctx, id, c.method, true); err == nil {
		for k, v := range blob {
			if _, exists := params[k]; !exists {
				params[k] = v
			}
		}
	}

	// 2. Load credentials if the identity is saved.
	if id != identityinfo.NewIdentity {
		if info, err := c.db.Credentials(ctx, id, true); err == nil {
			if info.StoreSecret {
				if _, has := params[KeySecret]; !has {
					params[KeySecret] = info.Secret
				}
			}
			if info.Validated {
				params[KeyUserName] = info.UserName
			} else if _, has := params[KeyUserName]; !has {
				params[KeyUserName] = info.UserName
			}

			// 3. Intersect caller tokens with the identity ACL.
			appID := c.gate.AppID(req.Caller)
			var tokens []string
			for _, t := range info.ACL {
				if t == appID || t == identityinfo.Wildcard {
					tokens = append(tokens, appID)
					break
				}
			}
			params[KeyACLTokens] = tokens
		}
	}

	// 4. Apply UI policy transforms.
	if req.Policy == RequestPassword {
		delete(params, KeySecret)
	}
	return params
}

// finishCurrent clears the in-flight request and, if anything else is
// queued, kicks pump again — otherwise a request enqueued while another
// was in flight would never be dispatched (P4, scenario 2 "queue-FIFO
// under process"). Continuation uses a fresh background context: the
// plugin is already started by this point, and the original caller's
// request context may have ended before this reply arrived.
func (c *Core) finishCurrent() {
	c.mu.Lock()
	c.current = nil
	more := len(c.queue) > 0
	c.mu.Unlock()
	if more {
		go c.pump(context.Background())
	}
}

// --- pluginproxy.Callbacks ---

// OnResult handles a terminal RESULT tag (§4.5 "Result handling").
func (c *Core) OnResult(params map[string]any) {
	c.mu.Lock()
	req := c.current
	id := c.id
	method := c.method
	c.mu.Unlock()
	if req == nil {
		return
	}

	if id != identityinfo.NewIdentity {
		c.persistResult(id, method, params)
	}

	reply := make(map[string]any, len(params))
	for k, v := range params {
		reply[k] = v
	}
	if method != "password" {
		delete(reply, KeySecret)
	}

	req.Reply <- Reply{Params: reply}
	c.finishCurrent()
}

func (c *Core) persistResult(id uint32, method string, params map[string]any) {
	ctx := context.Background()
	info, err := c.db.Credentials(ctx, id, true)
	if err != nil {
		return
	}
	changed := false
	if !info.Validated {
		if un, ok := params[KeyUserName].(string); ok && un != "" {
			info.UserName = un
			changed = true
		}
	}
	if sec, ok := params[KeySecret].(string); ok && sec != "" {
		info.Secret = sec
		changed = true
	}
	if !info.Validated {
		info.Validated = true
		changed = true
	}
	if changed {
		_ = c.db.Update(ctx, info)
	}
}

// OnError handles a terminal ERROR tag.
func (c *Core) OnError(code, message string) {
	c.mu.Lock()
	req := c.current
	c.mu.Unlock()
	if req == nil {
		return
	}
	req.Reply <- Reply{Err: apperror.New(apperror.Code(code), message)}
	c.finishCurrent()
}

// OnStatus logs a non-terminal plugin status at debug level. It is not
// forwarded to any SessionHandle's stateChanged signal stream.
func (c *Core) OnStatus(state, message string) {
	logger.Session().Debug().Str("method", c.method).Str("state", state).Str("message", message).Msg("plugin status")
}

// OnUI mediates a plugin dialog request through UIClient, applying the
// current request's UI policy (§4.4 "UI policy filtering").
func (c *Core) OnUI(params map[string]any) {
	c.mu.Lock()
	req := c.current
	proxy := c.proxy
	policy := Default
	if req != nil {
		policy = req.Policy
	}
	c.mu.Unlock()
	if req == nil || proxy == nil {
		return
	}

	// Validation lets through only captcha-shaped dialogs, i.e. those
	// carrying a CaptchaUrl or CaptchaImage.
	_, hasCaptchaURL := params["CaptchaUrl"]
	_, hasCaptchaImage := params["CaptchaImage"]
	if policy == NoUserInteraction || (policy == Validation && !hasCaptchaURL && !hasCaptchaImage) {
		forbidden := map[string]any{KeyQueryErrorCode: string(apperror.UserInteraction)}
		_ = proxy.ProcessUI(forbidden)
		return
	}
	if policy == RequestPassword {
		delete(params, KeySecret)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.dialogCtx, c.dialogCancel = ctx, cancel
	c.mu.Unlock()

	go func() {
		defer cancel()
		reply, err := c.ui.QueryDialog(ctx, params)
		c.mu.Lock()
		c.dialogCancel = nil
		c.mu.Unlock()

		if err != nil || reply == nil {
			_ = proxy.ProcessUI(map[string]any{KeyQueryErrorCode: string(apperror.InternalServer)})
			return
		}
		if refresh, _ := reply[KeyRefreshRequired].(bool); refresh {
			_ = proxy.Refresh(reply)
			return
		}
		_ = proxy.ProcessUI(reply)
	}()
}

// OnRefreshed forwards a plugin's REFRESHED tag back through the UI
// dialog as a refresh update.
func (c *Core) OnRefreshed(params map[string]any) {
	c.mu.Lock()
	ctx := c.dialogCtx
	c.mu.Unlock()
	if ctx == nil {
		return
	}
	_, _ = c.ui.RefreshDialog(ctx, params)
}

// OnStore persists a plugin STORE side-effect against (id, method).
func (c *Core) OnStore(params map[string]any) {
	c.mu.Lock()
	id := c.id
	method := c.method
	c.mu.Unlock()
	_ = c.db.StoreData(context.Background(), id, method, params, true)
}

func toAppError(err error) *apperror.Error {
	if ae, ok := err.(*apperror.Error); ok {
		return ae
	}
	return apperror.Wrap(apperror.InternalCommunication, "plugin dispatch failed", err)
}
