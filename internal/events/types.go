// Package events delivers the daemon's per-handle signals — the signal
// half of the client transport's request/response-with-signalling
// contract (§6). Every handle (Identity, SessionHandle) owns an inbox;
// the daemon fans a Signal out to exactly the handles that should
// observe it, in per-handle FIFO order (§5 "Ordering guarantees").
//
// Local delivery goes straight to an in-memory channel. When NATS is
// configured, every signal is also republished on a daemon-wide subject
// so a multi-process deployment's other workers can mirror it into
// their own local subscribers — grounded on the teacher's NATS
// connect/reconnect discipline (see Bus in bus.go).
package events

import "time"

// Kind names a signal the daemon can deliver to a handle.
type Kind string

const (
	// Identity handle signals.
	InfoUpdated       Kind = "infoUpdated"
	Unregistered      Kind = "unregistered"
	CredentialsStored Kind = "credentials_stored"
	ReferenceAdded    Kind = "reference_added"
	ReferenceRemoved  Kind = "reference_removed"
	UserVerified      Kind = "user_verified"
	SecretVerified    Kind = "secret_verified"
	SignedOut         Kind = "signed_out"
	Removed           Kind = "removed"

	// Session handle signals.
	StateChanged Kind = "stateChanged"
)

// InfoUpdateKind is the payload carried by an InfoUpdated signal.
type InfoUpdateKind string

const (
	DataUpdated       InfoUpdateKind = "DataUpdated"
	RemovedUpdateKind InfoUpdateKind = "Removed"
	SignedOutKind     InfoUpdateKind = "SignedOut"
)

// Signal is one (name, args) event delivered to a single handle.
type Signal struct {
	HandleName string
	Kind       Kind
	Args       map[string]any
	At         time.Time
}
