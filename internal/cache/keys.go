// Package cache provides Redis-backed ephemeral state for the daemon.
//
// This file defines the key naming convention for the per-(id,method)
// blob write-behind cache CredentialsDB falls back to when the volume's
// secrets store is unavailable.
package cache

import "fmt"

// PrefixMethodBlob namespaces every write-behind blob cache entry.
const PrefixMethodBlob = "methodblob"

// MethodBlobKey addresses the write-behind cache entry for a per-(id,method)
// blob when the credentials store is unavailable.
func MethodBlobKey(id uint32, method string) string {
	return fmt.Sprintf("%s:%d:%s", PrefixMethodBlob, id, method)
}

// MethodBlobPattern matches every cached blob for one identity, used when
// signing out an identity clears all of its per-method data.
func MethodBlobPattern(id uint32) string {
	return fmt.Sprintf("%s:%d:*", PrefixMethodBlob, id)
}
