// Package daemon implements the Daemon (C8): the process-wide registry of
// Identity and SessionCore/SessionHandle objects, its inactivity sweep, and
// the control-surface operations a client transport dispatches first,
// before any per-object call (§6 "Daemon control surface").
//
// The registry/GC shape is grounded on the teacher's plugin runtime
// registry (internal/plugins/runtime.go), which keeps a live-instance map
// guarded by a mutex and tears instances down on an interval; the
// plugin-directory scan for queryMethods/queryMechanisms is adapted from
// internal/plugins/discovery.go's filepath.Walk-based .so scan, here
// matching the `lib*plugin.*` pattern over child-process executables
// instead of Go plugin objects.
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/cuemby/signond/internal/aclgate"
	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/config"
	"github.com/cuemby/signond/internal/credentialsdb"
	"github.com/cuemby/signond/internal/disposable"
	"github.com/cuemby/signond/internal/events"
	"github.com/cuemby/signond/internal/identity"
	"github.com/cuemby/signond/internal/identityinfo"
	"github.com/cuemby/signond/internal/logger"
	"github.com/cuemby/signond/internal/pluginproxy"
	"github.com/cuemby/signond/internal/sessioncore"
	"github.com/cuemby/signond/internal/sessionhandle"
	"github.com/cuemby/signond/internal/uiclient"
)

// pluginFilePattern matches the discovery rule in §6: "any file matching
// lib*plugin.* where * is the method".
var pluginFilePattern = regexp.MustCompile(`^lib(.+)plugin\.[^.]+$`)

type coreKey struct {
	id     uint32
	method string
}

// Daemon is the process-wide registry (C8).
type Daemon struct {
	cfg  config.Config
	db   *credentialsdb.DB
	gate *aclgate.Gate
	bus  *events.Bus
	ui   *uiclient.Client

	mu                sync.Mutex
	savedIdentities   map[uint32]*identity.Identity
	handleNamesByID   map[uint32]map[string]bool // id -> set of handle-names currently open on it
	unsavedIdentities map[string]*identity.Identity
	cores             map[coreKey]*sessioncore.Core
	handles           map[string]*sessionhandle.Handle

	pluginDirMu sync.Mutex
	pluginPaths map[string]string // method -> executable path, refreshed on every queryMethods call

	sweeper *cron.Cron
}

// New constructs a Daemon. db, gate, bus and ui must already be
// initialised (CredentialsDB opened against the mounted volume, the
// signal bus connected, the UI client dialed) per the startup sequence in
// §6.
func New(cfg config.Config, db *credentialsdb.DB, gate *aclgate.Gate, bus *events.Bus, ui *uiclient.Client) *Daemon {
	return &Daemon{
		cfg:               cfg,
		db:                db,
		gate:              gate,
		bus:               bus,
		ui:                ui,
		savedIdentities:   make(map[uint32]*identity.Identity),
		handleNamesByID:   make(map[uint32]map[string]bool),
		unsavedIdentities: make(map[string]*identity.Identity),
		cores:             make(map[coreKey]*sessioncore.Core),
		handles:           make(map[string]*sessionhandle.Handle),
	}
}

// StartSweeper runs the disposable inactivity sweep on a fixed interval,
// grounded on the teacher's scheduler.go use of robfig/cron for periodic
// housekeeping (§5 "Disposable sweep runs on the main task").
func (d *Daemon) StartSweeper() {
	d.sweeper = cron.New()
	if _, err := d.sweeper.AddFunc("@every 30s", disposable.Sweep); err != nil {
		logger.Daemon().Error().Err(err).Msg("failed to schedule disposable sweep")
	}
	d.sweeper.Start()
}

// StopSweeper stops the cron scheduler; does not itself unwind any live
// identity/session state.
func (d *Daemon) StopSweeper() {
	if d.sweeper != nil {
		<-d.sweeper.Stop().Done()
	}
}

func (d *Daemon) nextHandleName(kind string) string {
	return fmt.Sprintf("/org/signond/%s/%s", kind, strings.ReplaceAll(uuid.NewString(), "-", ""))
}

// --- registry plumbing shared by Identity/SessionCore construction ---

// peersFor returns the closure an Identity uses to fan events.InfoUpdated
// out to every other live handle sharing the same id (§4.6).
func (d *Daemon) peersFor(ownHandleName string) func(uint32) []string {
	return func(id uint32) []string {
		d.mu.Lock()
		defer d.mu.Unlock()
		names := d.handleNamesByID[id]
		out := make([]string, 0, len(names))
		for n := range names {
			if n != ownHandleName {
				out = append(out, n)
			}
		}
		sort.Strings(out)
		return out
	}
}

// coresFor returns every live SessionCore attached to id, regardless of
// method, so Identity.Store can propagate a freshly assigned id (§4.6
// scenario 4).
func (d *Daemon) coresFor(id uint32) []identity.SessionIDSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []identity.SessionIDSink
	for k, c := range d.cores {
		if k.id == id {
			out = append(out, c)
		}
	}
	return out
}

// forgetUnsavedIdentity removes an unsaved Identity handle's registry entry
// once it is destroyed (currently only via the inactivity sweep) and tells
// any subscriber still watching its event stream that it is gone (§6
// "Signals: infoUpdated(kind), unregistered").
func (d *Daemon) forgetUnsavedIdentity(name string) {
	d.mu.Lock()
	delete(d.unsavedIdentities, name)
	d.mu.Unlock()
	d.bus.Publish(events.Signal{HandleName: name, Kind: events.Unregistered})
	d.bus.Unregister(name)
}

func (d *Daemon) forgetSavedIdentity(id uint32, name string) {
	d.mu.Lock()
	if set := d.handleNamesByID[id]; set != nil {
		delete(set, name)
		if len(set) == 0 {
			delete(d.handleNamesByID, id)
			delete(d.savedIdentities, id)
		}
	}
	d.mu.Unlock()
	d.bus.Publish(events.Signal{HandleName: name, Kind: events.Unregistered})
	d.bus.Unregister(name)
}

// forgetSessionHandle removes a SessionHandle's registry entry once it is
// destroyed, either by the inactivity sweep or by an explicit objectUnref
// (§6 "Signals: stateChanged(state, message), unregistered").
func (d *Daemon) forgetSessionHandle(name string) {
	d.mu.Lock()
	delete(d.handles, name)
	d.mu.Unlock()
	d.bus.Publish(events.Signal{HandleName: name, Kind: events.Unregistered})
	d.bus.Unregister(name)
}

// --- control surface (§6) ---

// RegisterNewIdentity creates an unsaved identity handle.
func (d *Daemon) RegisterNewIdentity() string {
	name := d.nextHandleName("Identity")
	h := identity.New(name, d.db, d.gate, d.ui, d.bus, d.peersFor(name), d.coresFor, d.cfg.IdentityTimeout, func() { d.forgetUnsavedIdentity(name) })

	d.mu.Lock()
	d.unsavedIdentities[name] = h
	d.mu.Unlock()
	return name
}

// GetIdentity opens a handle onto an already-persisted identity (§6
// "getIdentity"). Each call reads the record from CredentialsDB and
// builds a new Identity handle seeded with that read.
func (d *Daemon) GetIdentity(ctx context.Context, caller aclgate.Caller, id uint32) (string, identityinfo.IdentityInfo, *apperror.Error) {
	info, err := d.db.Credentials(ctx, id, false)
	if err != nil {
		return "", identityinfo.IdentityInfo{}, apperror.IdentityNotFound(id)
	}
	if !d.gate.IsKeychainWidget(caller) && !d.gate.AllowedForIdentity(ctx, caller, info.ACL) {
		return "", identityinfo.IdentityInfo{}, apperror.PermissionDenied("caller's ACL does not permit access to this identity")
	}

	name := d.nextHandleName("Identity")
	h := identity.Existing(name, id, info, d.db, d.gate, d.ui, d.bus, d.peersFor(name), d.coresFor, d.cfg.IdentityTimeout, func() { d.forgetSavedIdentity(id, name) })

	d.mu.Lock()
	d.savedIdentities[id] = h
	if d.handleNamesByID[id] == nil {
		d.handleNamesByID[id] = make(map[string]bool)
	}
	d.handleNamesByID[id][name] = true
	d.mu.Unlock()

	return name, info.WithoutSecret(), nil
}

// Bus exposes the daemon's signal bus so the client transport can
// register a handle's inbox for an SSE-style event stream (§6 "A signal
// carries (signal-name, args) and is delivered per-handle").
func (d *Daemon) Bus() *events.Bus {
	return d.bus
}

// IdentityHandle resolves a previously returned handle-name back to its
// Identity object, searching both pools.
func (d *Daemon) IdentityHandle(name string) (*identity.Identity, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if h, ok := d.unsavedIdentities[name]; ok {
		return h, true
	}
	if h, ok2 := d.savedHandleByName(name); ok2 {
		return h, true
	}
	return nil, false
}

func (d *Daemon) savedHandleByName(name string) (*identity.Identity, bool) {
	for id, names := range d.handleNamesByID {
		if names[name] {
			return d.savedIdentities[id], true
		}
	}
	return nil, false
}

// AfterStore migrates a handle from the unsaved pool into the saved pool
// once Identity.Store assigns it an id, so subsequent GetIdentity(id)
// calls share the same live registry bookkeeping (peers/cores) as the
// handle that performed the store.
func (d *Daemon) AfterStore(handleName string, id uint32, h *identity.Identity) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, wasUnsaved := d.unsavedIdentities[handleName]; wasUnsaved {
		delete(d.unsavedIdentities, handleName)
		d.savedIdentities[id] = h
	}
	if d.handleNamesByID[id] == nil {
		d.handleNamesByID[id] = make(map[string]bool)
	}
	d.handleNamesByID[id][handleName] = true
}

// GetAuthSession resolves or creates the shared SessionCore for
// (id, method) and opens a fresh SessionHandle onto it. Rejected if
// id != 0 and the caller lacks ACL on that identity (§6).
func (d *Daemon) GetAuthSession(ctx context.Context, caller aclgate.Caller, id uint32, method string) (string, *apperror.Error) {
	if id != identityinfo.NewIdentity {
		info, err := d.db.Credentials(ctx, id, false)
		if err != nil {
			return "", apperror.IdentityNotFound(id)
		}
		if !d.gate.IsKeychainWidget(caller) && !d.gate.AllowedForIdentity(ctx, caller, info.ACL) {
			return "", apperror.PermissionDenied("caller's ACL does not permit an auth session against this identity")
		}
	}

	key := coreKey{id: id, method: method}
	d.mu.Lock()
	core, ok := d.cores[key]
	if !ok {
		core = sessioncore.New(id, method, d.db, d.gate, d.ui, d.proxyFactory, d.cfg.AuthSessionTimeout, func() { d.forgetCore(key) })
		d.cores[key] = core
	}
	d.mu.Unlock()

	name := d.nextHandleName("Session")
	handle := sessionhandle.New(name, core, d.bus, id == identityinfo.NewIdentity, d.cfg.AuthSessionTimeout, func() { d.forgetSessionHandle(name) })

	d.mu.Lock()
	d.handles[name] = handle
	d.mu.Unlock()
	return name, nil
}

func (d *Daemon) forgetCore(key coreKey) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cores, key)
}

// SessionHandle resolves a previously returned handle-name back to its
// SessionHandle object.
func (d *Daemon) SessionHandle(name string) (*sessionhandle.Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[name]
	return h, ok
}

// UnrefSessionHandle destroys a SessionHandle immediately on an explicit
// objectUnref (§6 "Session handle surface: ... objectUnref"), the same
// teardown the inactivity sweep performs, bypassing its idle timer.
func (d *Daemon) UnrefSessionHandle(name string) {
	d.mu.Lock()
	h, ok := d.handles[name]
	d.mu.Unlock()
	if !ok {
		return
	}
	h.Disposable.Unregister()
	d.forgetSessionHandle(name)
}

// RenameSessionHandle transfers a SessionHandle's registry key once its
// own SetID has validated and accepted the rename (§4.7 "set_id"). A
// collision with an already-registered name is a no-op; the transport
// refuses such a name before calling SetID and this.
func (d *Daemon) RenameSessionHandle(oldName, newName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handles[oldName]
	if !ok {
		return
	}
	if _, taken := d.handles[newName]; taken {
		return
	}
	delete(d.handles, oldName)
	d.handles[newName] = h
}

// QueryMethods rescans the plugin directory and returns every discovered
// method name (§6 "queryMethods").
func (d *Daemon) QueryMethods() ([]string, error) {
	paths, err := d.scanPluginDir()
	if err != nil {
		return nil, err
	}
	methods := make([]string, 0, len(paths))
	for m := range paths {
		methods = append(methods, m)
	}
	sort.Strings(methods)
	return methods, nil
}

// QueryMechanisms starts a fresh, transient instance of method's plugin
// to learn its mechanism list, then stops it again (§6
// "queryMechanisms"). A plugin already running under a live SessionCore
// is not reused.
func (d *Daemon) QueryMechanisms(ctx context.Context, method string) ([]string, *apperror.Error) {
	proxy := d.proxyFactory(method)
	if proxy == nil {
		return nil, apperror.MechanismUnavailable(method)
	}
	_, mechs, err := proxy.Start(ctx, noopCallbacks{})
	defer proxy.Stop()
	if err != nil {
		return nil, apperror.Wrap(apperror.InternalCommunication, "plugin handshake failed", err)
	}
	return mechs, nil
}

// QueryIdentities lists identities matching filter; keychain-widget only
// (§6, OQ-3: an implementation may fall back to the unfiltered set when no
// valid filter criterion is present).
func (d *Daemon) QueryIdentities(ctx context.Context, caller aclgate.Caller, filter map[string]any) ([]identityinfo.IdentityInfo, *apperror.Error) {
	if !d.gate.IsKeychainWidget(caller) {
		return nil, apperror.PermissionDenied("queryIdentities is restricted to the keychain widget")
	}
	rows, err := d.db.List(ctx, filter)
	if err != nil {
		return nil, apperror.Wrap(apperror.InternalServer, "query identities", err)
	}
	out := make([]identityinfo.IdentityInfo, len(rows))
	for i, r := range rows {
		out[i] = r.WithoutSecret()
	}
	return out, nil
}

// Clear wipes every persisted identity and blob; keychain-widget only
// (§6 "clear").
func (d *Daemon) Clear(ctx context.Context, caller aclgate.Caller) *apperror.Error {
	if !d.gate.IsKeychainWidget(caller) {
		return apperror.PermissionDenied("clear is restricted to the keychain widget")
	}
	if err := d.db.Clear(ctx); err != nil {
		return apperror.Wrap(apperror.InternalServer, "clear store", err)
	}
	return nil
}

// --- plugin directory scan, grounded on discovery.go's filepath.Walk scan ---

func (d *Daemon) scanPluginDir() (map[string]string, error) {
	d.pluginDirMu.Lock()
	defer d.pluginDirMu.Unlock()

	found := make(map[string]string)
	entries, err := os.ReadDir(d.cfg.PluginDir)
	if err != nil {
		if os.IsNotExist(err) {
			d.pluginPaths = found
			return found, nil
		}
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pluginFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		found[m[1]] = filepath.Join(d.cfg.PluginDir, e.Name())
	}
	d.pluginPaths = found
	return found, nil
}

func (d *Daemon) proxyFactory(method string) *pluginproxy.Proxy {
	d.pluginDirMu.Lock()
	path, ok := d.pluginPaths[method]
	d.pluginDirMu.Unlock()
	if !ok {
		paths, err := d.scanPluginDir()
		if err != nil {
			logger.Daemon().Error().Err(err).Str("method", method).Msg("plugin directory scan failed")
			return nil
		}
		path, ok = paths[method]
		if !ok {
			return nil
		}
	}
	return pluginproxy.New(method, path, nil, d.cfg.PluginStartTimeout)
}

// noopCallbacks discards every plugin callback; used for the short-lived
// handshake-only proxy QueryMechanisms spawns.
type noopCallbacks struct{}

func (noopCallbacks) OnResult(map[string]any)    {}
func (noopCallbacks) OnError(string, string)     {}
func (noopCallbacks) OnStatus(string, string)    {}
func (noopCallbacks) OnUI(map[string]any)        {}
func (noopCallbacks) OnRefreshed(map[string]any) {}
func (noopCallbacks) OnStore(map[string]any)     {}
