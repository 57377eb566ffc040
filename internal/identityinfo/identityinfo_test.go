package identityinfo

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestToMapFromMapRoundTrip(t *testing.T) {
	info := IdentityInfo{
		ID:          7,
		UserName:    "alice",
		Caption:     "Alice's phone account",
		StoreSecret: true,
		Validated:   true,
		Type:        TypeWeb,
		Realms:      []string{"example.com"},
		Methods:     map[string][]string{"sasl": {"PLAIN", "DIGEST-MD5"}},
		ACL:         []string{"app1"},
		Owners:      []string{"app1"},
	}

	out := FromMap(info.ToMap())
	require.Equal(t, info.ID, out.ID)
	require.Equal(t, info.UserName, out.UserName)
	require.Equal(t, info.Caption, out.Caption)
	require.Equal(t, info.StoreSecret, out.StoreSecret)
	require.Equal(t, info.Validated, out.Validated)
	require.Equal(t, info.Type, out.Type)
	require.Equal(t, info.Realms, out.Realms)
	require.Equal(t, info.Methods, out.Methods)
	require.Equal(t, info.ACL, out.ACL)
	require.Equal(t, info.Owners, out.Owners)
}

func TestWithoutSecretStripsSecret(t *testing.T) {
	info := IdentityInfo{ID: 1, Secret: "hunter2"}
	require.Empty(t, info.WithoutSecret().Secret)
	require.Equal(t, "hunter2", info.Secret, "original value must not be mutated")
}
