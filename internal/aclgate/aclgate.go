// Package aclgate maps a caller's IPC-level identity to an application
// token and answers authorisation questions against an Identity's ACL.
//
// The caller-identification step is grounded on the same idea the
// teacher's request-context middleware uses to turn a transport-level
// credential into a typed caller identity before any handler runs;
// here the transport is a unix-socket peer credential instead of a JWT.
package aclgate

import (
	"context"

	"github.com/cuemby/signond/internal/identityinfo"
	"github.com/cuemby/signond/internal/logger"
)

// Ownership is the tri-valued answer to "does this caller own this identity".
type Ownership int

const (
	NotOwner Ownership = iota
	Owner
	NoOwnerSet
)

// Caller identifies the process or service that issued a request.
type Caller struct {
	PID         int
	ServiceName string
	IsKeychain  bool

	// AppContext carries the optional, opaque "applicationContext"
	// property-map entry (spec.md §9, OQ-2): it does not alter core
	// semantics and is forwarded only to an extension Resolver that
	// chooses to consult it.
	AppContext map[string]any
}

// Resolver turns platform-specific peer information into an application
// token. The default resolver is a no-op that denies the wildcard; a real
// deployment supplies a platform resolver (systemd unit name, SELinux
// context, etc.) implementing this interface.
type Resolver interface {
	AppID(caller Caller) string
	AllowWildcard(caller Caller) bool
}

// staticResolver is the built-in Resolver used when no platform resolver
// is configured: the service name is the token verbatim, and the wildcard
// is never granted.
type staticResolver struct{}

func (staticResolver) AppID(caller Caller) string {
	if caller.ServiceName == "" {
		return ""
	}
	return caller.ServiceName
}

func (staticResolver) AllowWildcard(Caller) bool { return false }

// Gate evaluates authorisation questions about a caller against Identity
// ACLs. An implementation may be compiled with AlwaysAllow so the rest of
// the core can still consult it uniformly.
type Gate struct {
	resolver    Resolver
	alwaysAllow bool
}

// New returns a Gate backed by resolver. A nil resolver uses the built-in
// static resolver.
func New(resolver Resolver) *Gate {
	if resolver == nil {
		resolver = staticResolver{}
	}
	return &Gate{resolver: resolver}
}

// NewAlwaysAllow returns a no-op Gate: every authorisation question is
// answered affirmatively. The rest of the core still calls through it.
func NewAlwaysAllow() *Gate {
	return &Gate{resolver: staticResolver{}, alwaysAllow: true}
}

// AppID returns the caller's application-identifier string. "*" is
// returned only if the platform grants the wildcard.
func (g *Gate) AppID(caller Caller) string {
	if g.resolver.AllowWildcard(caller) {
		return identityinfo.Wildcard
	}
	return g.resolver.AppID(caller)
}

// AllowedForIdentity reports whether caller may act against an identity
// whose ACL is acl: true iff acl is empty (no ACL set, private), acl
// contains the wildcard, or acl contains the caller's app-id. Owner
// status is evaluated separately via OwnerOfIdentity; callers that need
// the "owner bypasses ACL" rule combine both.
func (g *Gate) AllowedForIdentity(_ context.Context, caller Caller, acl []string) bool {
	if g.alwaysAllow || len(acl) == 0 {
		return true
	}
	appID := g.AppID(caller)
	for _, token := range acl {
		if token == identityinfo.Wildcard || token == appID {
			return true
		}
	}
	return false
}

// OwnerOfIdentity reports whether caller owns the identity with the given
// owners list.
func (g *Gate) OwnerOfIdentity(caller Caller, owners []string) Ownership {
	if len(owners) == 0 {
		return NoOwnerSet
	}
	appID := g.AppID(caller)
	for _, token := range owners {
		if token == appID {
			return Owner
		}
	}
	return NotOwner
}

// IsKeychainWidget reports whether caller is the privileged
// identity-management UI, which bypasses ordinary ACL checks.
func (g *Gate) IsKeychainWidget(caller Caller) bool {
	return caller.IsKeychain
}

// ACLIsValid applies platform policy to an ACL a caller wants to write.
// The keychain widget may write any list; any other caller is refused an
// ACL that contains the wildcard "*".
func (g *Gate) ACLIsValid(caller Caller, acl []string) bool {
	if g.IsKeychainWidget(caller) {
		return true
	}
	for _, token := range acl {
		if token == identityinfo.Wildcard {
			logger.Security().Warn().Str("service", caller.ServiceName).Msg("non-keychain caller attempted to write a wildcard ACL entry")
			return false
		}
	}
	return true
}
