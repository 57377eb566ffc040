package events

// NATS subject constants for the daemon's distributed signal mirror.
// Format: signond.signal.<handle-name>

const subjectPrefix = "signond.signal."

// Subject returns the NATS subject a handle's signals are mirrored on.
func Subject(handleName string) string {
	return subjectPrefix + handleName
}

// SubjectWildcard subscribes to every handle's mirrored signals, used by
// daemon workers that did not originate a signal but share its handle
// registry (e.g. a follower process rebuilding its local subscriber set).
const SubjectWildcard = subjectPrefix + ">"
