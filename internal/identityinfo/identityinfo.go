// Package identityinfo defines the Identity value object (C11) and its
// property-map representation, shared verbatim with plugins, the UI
// process, and CredentialsDB.
//
// Field tags carry a dual json/db convention: json for the property-map
// wire representation, db for CredentialsDB's sql column binding.
package identityinfo

// CredentialsType enumerates the or-able identity category bits.
type CredentialsType uint32

const (
	TypeOther       CredentialsType = 1 << iota
	TypeApplication
	TypeWeb
	TypeNetwork
)

// NewIdentity is the sentinel id for an identity that has never been
// inserted into CredentialsDB so two identities never collide on id.
const NewIdentity uint32 = 0

// Wildcard marks an ACL/owners entry that matches any application-token.
const Wildcard = "*"

// IdentityInfo is a value: it is copied into/out of CredentialsDB and
// never aliases a stored record.
type IdentityInfo struct {
	ID              uint32              `json:"id" db:"id"`
	UserName        string              `json:"userName" db:"username"`
	Caption         string              `json:"caption" db:"caption"`
	Secret          string              `json:"secret,omitempty" db:"-"`
	StoreSecret     bool                `json:"storeSecret" db:"store_secret"`
	Validated       bool                `json:"validated" db:"validated"`
	Type            CredentialsType     `json:"type" db:"credentials_type"`
	Realms          []string            `json:"realms" db:"-"`
	Methods         map[string][]string `json:"methods" db:"-"`
	ACL             []string            `json:"acl" db:"-"`
	Owners          []string            `json:"owners" db:"-"`
	Refs            map[string][]string `json:"refs" db:"-"`
}

// ToMap renders the info as the property-map representation exchanged on
// the wire with plugins and the UI process, using their well-known keys.
func (i IdentityInfo) ToMap() map[string]any {
	m := map[string]any{
		"id":          i.ID,
		"UserName":    i.UserName,
		"Caption":     i.Caption,
		"StoredIdentity": i.ID != NewIdentity,
		"storeSecret": i.StoreSecret,
		"validated":   i.Validated,
		"type":        uint32(i.Type),
		"realms":      append([]string(nil), i.Realms...),
		"methods":     copyMethods(i.Methods),
		"acl":         append([]string(nil), i.ACL...),
		"owners":      append([]string(nil), i.Owners...),
	}
	if i.Secret != "" {
		m["Secret"] = i.Secret
	}
	return m
}

// FromMap parses the property-map representation back into an IdentityInfo.
// Round-trips with ToMap for every field except Refs, which neither ToMap
// nor FromMap carries.
func FromMap(m map[string]any) IdentityInfo {
	var info IdentityInfo
	if v, ok := m["id"].(uint32); ok {
		info.ID = v
	}
	if v, ok := m["UserName"].(string); ok {
		info.UserName = v
	}
	if v, ok := m["Caption"].(string); ok {
		info.Caption = v
	}
	if v, ok := m["Secret"].(string); ok {
		info.Secret = v
	}
	if v, ok := m["storeSecret"].(bool); ok {
		info.StoreSecret = v
	}
	if v, ok := m["validated"].(bool); ok {
		info.Validated = v
	}
	if v, ok := m["type"].(uint32); ok {
		info.Type = CredentialsType(v)
	}
	if v, ok := m["realms"].([]string); ok {
		info.Realms = append([]string(nil), v...)
	}
	if v, ok := m["methods"].(map[string][]string); ok {
		info.Methods = copyMethods(v)
	}
	if v, ok := m["acl"].([]string); ok {
		info.ACL = append([]string(nil), v...)
	}
	if v, ok := m["owners"].([]string); ok {
		info.Owners = append([]string(nil), v...)
	}
	return info
}

// WithoutSecret returns a copy with Secret cleared, used by every read
// path that must not leak secrets (CredentialsDB.list, C6.get_info).
func (i IdentityInfo) WithoutSecret() IdentityInfo {
	i.Secret = ""
	return i
}

func copyMethods(src map[string][]string) map[string][]string {
	if src == nil {
		return nil
	}
	dst := make(map[string][]string, len(src))
	for k, v := range src {
		dst[k] = append([]string(nil), v...)
	}
	return dst
}
