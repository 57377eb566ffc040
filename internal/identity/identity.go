// Package identity implements the Identity handle (C6): a tagged-variant
// state machine coordinating registration, storage, update, verification
// and removal for one client handle onto an identity id; the daemon builds
// one Identity per handle, and handles sharing an id reach each other
// through the peers callback (§4.6).
//
// The state machine itself is grounded on the teacher's state-carrying
// request handlers in internal/handlers (a typed enum plus a single
// transition function instead of the original's deep class hierarchy),
// and its persistence calls are grounded on internal/db/users.go's
// CreateUser/Verify shape, adapted from bcrypt-authenticated web users to
// SSO identity records.
package identity

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/signond/internal/aclgate"
	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/credentialsdb"
	"github.com/cuemby/signond/internal/disposable"
	"github.com/cuemby/signond/internal/events"
	"github.com/cuemby/signond/internal/identityinfo"
	"github.com/cuemby/signond/internal/logger"
	"github.com/cuemby/signond/internal/uiclient"
)

// State is the Identity handle's tagged-variant state (§4.6).
type State int

const (
	NeedsRegistration State = iota
	PendingRegistration
	Ready
	NeedsUpdate
	Removed
)

func (s State) String() string {
	switch s {
	case NeedsRegistration:
		return "NeedsRegistration"
	case PendingRegistration:
		return "PendingRegistration"
	case Ready:
		return "Ready"
	case NeedsUpdate:
		return "NeedsUpdate"
	case Removed:
		return "Removed"
	default:
		return "Unknown"
	}
}

// operation is a queued method invocation, replayed once the state
// machine returns to Ready.
type operation func()

// SessionIDSink receives the identity's freshly-assigned id so every live
// SessionCore attached to it can retarget (§4.6 "store").
type SessionIDSink interface {
	SetID(id uint32)
}

// Identity is a per-handle view over one identity record (or an
// unsaved, id==0 identity still pending its first store).
type Identity struct {
	disposable.Disposable

	mu    sync.Mutex
	state State
	id    uint32
	info  identityinfo.IdentityInfo
	queue []operation

	handleName string

	db    *credentialsdb.DB
	gate  *aclgate.Gate
	ui    *uiclient.Client
	bus   *events.Bus
	peers func(id uint32) []string // other handle names sharing this id, set by the daemon registry
	cores func(id uint32) []SessionIDSink
}

// New constructs a handle for an unsaved identity (id==0, NeedsRegistration).
func New(handleName string, db *credentialsdb.DB, gate *aclgate.Gate, ui *uiclient.Client, bus *events.Bus, peers func(uint32) []string, cores func(uint32) []SessionIDSink, idleTimeout time.Duration, onIdle func()) *Identity {
	i := &Identity{
		handleName: handleName,
		state:      NeedsRegistration,
		db:         db,
		gate:       gate,
		ui:         ui,
		bus:        bus,
		peers:      peers,
		cores:      cores,
	}
	i.Disposable.Init(idleTimeout, onIdle)
	return i
}

// Existing constructs a handle for an already-persisted identity (Ready),
// seeded with the record info already loaded by the caller (the daemon
// reads it from CredentialsDB on each getIdentity(id) call).
func Existing(handleName string, id uint32, info identityinfo.IdentityInfo, db *credentialsdb.DB, gate *aclgate.Gate, ui *uiclient.Client, bus *events.Bus, peers func(uint32) []string, cores func(uint32) []SessionIDSink, idleTimeout time.Duration, onIdle func()) *Identity {
	i := &Identity{
		handleName: handleName,
		state:      Ready,
		id:         id,
		info:       info,
		db:         db,
		gate:       gate,
		ui:         ui,
		bus:        bus,
		peers:      peers,
		cores:      cores,
	}
	i.Disposable.Init(idleTimeout, onIdle)
	return i
}

// ID returns the identity id, 0 if still unsaved.
func (i *Identity) ID() uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.id
}

// State returns the current state machine state.
func (i *Identity) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

func (i *Identity) emit(kind events.Kind, args map[string]any) {
	if i.bus == nil {
		return
	}
	i.bus.Publish(events.Signal{HandleName: i.handleName, Kind: kind, Args: args})
}

// runOrQueue executes op immediately if Ready/Removed, otherwise queues
// it and, from NeedsRegistration, kicks off registration (§4.6).
func (i *Identity) runOrQueue(op operation) {
	i.KeepInUse()
	i.mu.Lock()
	switch i.state {
	case Removed:
		i.mu.Unlock()
		op() // op is responsible for surfacing IdentityNotFound itself
		return
	case Ready:
		i.mu.Unlock()
		op()
		return
	case NeedsRegistration:
		i.queue = append(i.queue, op)
		i.state = PendingRegistration
		i.mu.Unlock()
		// Registration is local and completes at once; the first store()
		// call supplies the actual record. The queue is replayed in issue
		// order, including operations queued meanwhile, and the handle
		// becomes Ready once it is empty.
		for {
			i.mu.Lock()
			pending := i.queue
			i.queue = nil
			if len(pending) == 0 {
				i.state = Ready
				i.mu.Unlock()
				return
			}
			i.mu.Unlock()
			for _, queued := range pending {
				queued()
			}
		}
	case NeedsUpdate:
		i.queue = append(i.queue, op)
		i.mu.Unlock()
		i.refreshInfo()
		return
	default: // PendingRegistration
		i.queue = append(i.queue, op)
		i.mu.Unlock()
		return
	}
}

func (i *Identity) drainQueue() {
	i.mu.Lock()
	pending := i.queue
	i.queue = nil
	i.mu.Unlock()
	for _, op := range pending {
		op()
	}
}

func (i *Identity) refreshInfo() {
	ctx := context.Background()
	i.mu.Lock()
	id := i.id
	i.mu.Unlock()
	info, err := i.db.Credentials(ctx, id, false)
	i.mu.Lock()
	if err != nil {
		logger.Identity().Warn().Err(err).Uint32("id", id).Msg("queryInfo failed while leaving NeedsUpdate, replaying queued operation against stale info")
		i.state = Ready // surface via queued op's own error path
		i.mu.Unlock()
		i.drainQueue()
		return
	}
	i.info = info
	i.state = Ready
	i.mu.Unlock()
	i.drainQueue()
}

func notFoundError() *apperror.Error { return apperror.New(apperror.IdentityNotFoundCode, "identity was removed") }

// Store persists info (§4.6 "store"). Refuses orphan creation and
// non-owner writes, then emits credentials_stored and propagates the id
// to every live SessionCore attached to this identity.
func (i *Identity) Store(ctx context.Context, caller aclgate.Caller, info identityinfo.IdentityInfo) (uint32, *apperror.Error) {
	var id uint32
	var appErr *apperror.Error
	done := make(chan struct{})

	i.runOrQueue(func() {
		defer close(done)
		i.mu.Lock()
		if i.state == Removed {
			i.mu.Unlock()
			appErr = notFoundError()
			return
		}
		existingOwners := i.info.Owners
		isKeychain := i.gate.IsKeychainWidget(caller)
		i.mu.Unlock()

		if !isKeychain && len(existingOwners) > 0 {
			if i.gate.OwnerOfIdentity(caller, existingOwners) != aclgate.Owner {
				appErr = apperror.PermissionDenied("caller is not an owner of this identity")
				return
			}
		}

		appID := i.gate.AppID(caller)
		if appID == "" && len(info.Owners) == 0 {
			appErr = apperror.New(apperror.InvalidQuery, "refusing to store an identity with no owner and no caller application-id")
			return
		}
		if !i.gate.ACLIsValid(caller, info.ACL) {
			appErr = apperror.PermissionDenied("caller may not write the requested ACL")
			return
		}

		var newID uint32
		var err error
		i.mu.Lock()
		existingID := i.id
		i.mu.Unlock()
		if existingID == identityinfo.NewIdentity {
			info.ID = identityinfo.NewIdentity
			newID, err = i.db.Insert(ctx, info)
		} else {
			info.ID = existingID
			err = i.db.Update(ctx, info)
			newID = existingID
		}
		if err != nil {
			appErr = apperror.StoreFailedErr(err)
			return
		}

		i.mu.Lock()
		i.id = newID
		i.info = info
		i.info.ID = newID
		i.mu.Unlock()

		if i.cores != nil {
			for _, core := range i.cores(newID) {
				core.SetID(newID)
			}
		}
		id = newID
		i.emit(events.CredentialsStored, map[string]any{"id": newID})
	})

	<-done
	return id, appErr
}

// RequestCredentialsUpdate opens an async password-capture dialog and
// overwrites the stored secret on success (§4.6).
func (i *Identity) RequestCredentialsUpdate(ctx context.Context, message string) *apperror.Error {
	i.mu.Lock()
	storeSecret := i.info.StoreSecret
	id := i.id
	username := i.info.UserName
	caption := i.info.Caption
	i.mu.Unlock()
	if !storeSecret {
		return apperror.New(apperror.OperationNotSupported, "identity does not store its secret")
	}

	reply, err := i.ui.QueryDialog(ctx, map[string]any{
		"QueryMessage": message,
		"UserName":     username,
		"Caption":      caption,
		"QueryPassword": true,
	})
	if err != nil {
		return apperror.Wrap(apperror.OperationFailed, "credentials update dialog failed", err)
	}
	newSecret, _ := reply["Secret"].(string)
	if newSecret == "" {
		return apperror.New(apperror.OperationFailed, "no secret entered")
	}

	info, dbErr := i.db.Credentials(ctx, id, true)
	if dbErr != nil {
		return apperror.StoreFailedErr(dbErr)
	}
	info.Secret = newSecret
	if dbErr := i.db.Update(ctx, info); dbErr != nil {
		return apperror.StoreFailedErr(dbErr)
	}
	i.mu.Lock()
	i.info.Secret = newSecret
	i.mu.Unlock()
	i.emit(events.InfoUpdated, map[string]any{"kind": events.DataUpdated})
	return nil
}

// GetInfo returns the cached info (never the secret) (§4.6 "get_info").
func (i *Identity) GetInfo() identityinfo.IdentityInfo {
	i.KeepInUse()
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.info.WithoutSecret()
}

// AddReference records a named reference under the caller's app-id.
func (i *Identity) AddReference(ctx context.Context, caller aclgate.Caller, name string) *apperror.Error {
	i.mu.Lock()
	id := i.id
	i.mu.Unlock()
	if id == identityinfo.NewIdentity {
		return apperror.New(apperror.WrongState, "identity not yet persisted")
	}
	appID := i.gate.AppID(caller)
	if err := i.db.AddReference(ctx, id, appID, name); err != nil {
		return apperror.Wrap(apperror.InternalServer, "add reference", err)
	}
	i.emit(events.ReferenceAdded, map[string]any{"name": name})
	return nil
}

// RemoveReference removes a named reference under the caller's app-id.
func (i *Identity) RemoveReference(ctx context.Context, caller aclgate.Caller, name string) *apperror.Error {
	i.mu.Lock()
	id := i.id
	i.mu.Unlock()
	if id == identityinfo.NewIdentity {
		return apperror.New(apperror.WrongState, "identity not yet persisted")
	}
	appID := i.gate.AppID(caller)
	if err := i.db.RemoveReference(ctx, id, appID, name); err != nil {
		return apperror.Wrap(apperror.InternalServer, "remove reference", err)
	}
	i.emit(events.ReferenceRemoved, map[string]any{"name": name})
	return nil
}

// VerifyUser opens a dialog seeded with the stored username/caption and
// compares the entered secret, with a retry counter in the dialog
// payload (§4.6).
func (i *Identity) VerifyUser(ctx context.Context, params map[string]any) (bool, *apperror.Error) {
	i.mu.Lock()
	username, caption, id := i.info.UserName, i.info.Caption, i.id
	i.mu.Unlock()

	maxRetries := 3
	if v, ok := params["maxRetries"].(int); ok && v > 0 {
		maxRetries = v
	}

	for attempt := 0; attempt < maxRetries; attempt++ {
		reply, err := i.ui.QueryDialog(ctx, map[string]any{
			"UserName":     username,
			"Caption":      caption,
			"QueryPassword": true,
			"retryCount":   attempt,
		})
		if err != nil {
			return false, apperror.Wrap(apperror.OperationFailed, "verify-user dialog failed", err)
		}
		secret, _ := reply["Secret"].(string)
		ok, dbErr := i.db.CheckPassword(ctx, id, username, secret)
		if dbErr != nil {
			return false, apperror.Wrap(apperror.InternalServer, "check password", dbErr)
		}
		if ok {
			i.emit(events.UserVerified, map[string]any{"verified": true})
			return true, nil
		}
	}
	i.emit(events.UserVerified, map[string]any{"verified": false})
	return false, nil
}

// VerifySecret compares secret directly via CredentialsDB (§4.6).
func (i *Identity) VerifySecret(ctx context.Context, secret string) (bool, *apperror.Error) {
	i.mu.Lock()
	username, id := i.info.UserName, i.id
	i.mu.Unlock()
	ok, err := i.db.CheckPassword(ctx, id, username, secret)
	if err != nil {
		return false, apperror.Wrap(apperror.InternalServer, "check password", err)
	}
	i.emit(events.SecretVerified, map[string]any{"verified": ok})
	return ok, nil
}

// Remove purges the record and transitions to Removed; owner/keychain
// only (§4.6).
func (i *Identity) Remove(ctx context.Context, caller aclgate.Caller) *apperror.Error {
	i.mu.Lock()
	id := i.id
	owners := i.info.Owners
	i.mu.Unlock()

	if !i.gate.IsKeychainWidget(caller) && i.gate.OwnerOfIdentity(caller, owners) != aclgate.Owner {
		return apperror.PermissionDenied("caller is not an owner of this identity")
	}
	if id != identityinfo.NewIdentity {
		if err := i.db.Remove(ctx, id); err != nil {
			return apperror.RemoveFailedErr(err)
		}
	}

	i.mu.Lock()
	i.state = Removed
	i.queue = nil
	i.mu.Unlock()

	names := []string{i.handleName}
	if i.peers != nil {
		names = append(names, i.peers(id)...)
	}
	i.bus.PublishAll(names, events.InfoUpdated, map[string]any{"kind": events.RemovedUpdateKind})
	i.emit(events.Removed, nil)
	return nil
}

// SignOut clears per-method blobs and fans infoUpdated(SignedOut) out to
// every other handle sharing this id; the calling handle instead
// observes "signed_out" so it does not re-handle its own event (§4.6,
// scenario 5).
func (i *Identity) SignOut(ctx context.Context) *apperror.Error {
	i.mu.Lock()
	id := i.id
	i.mu.Unlock()
	if err := i.db.RemoveData(ctx, id); err != nil {
		return apperror.SignOutFailedErr(err)
	}

	var peerNames []string
	if i.peers != nil {
		peerNames = i.peers(id)
	}
	i.bus.PublishAll(peerNames, events.InfoUpdated, map[string]any{"kind": events.SignedOutKind})
	i.emit(events.SignedOut, nil)
	return nil
}

// MarkNeedsUpdate transitions Ready -> NeedsUpdate, so the next operation
// reloads the record from CredentialsDB before it runs.
func (i *Identity) MarkNeedsUpdate() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.state == Ready {
		i.state = NeedsUpdate
	}
}
