package uiclient

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSanitizeParamsStripsMarkupFromKnownTextFields(t *testing.T) {
	in := map[string]any{
		"Caption":       "<script>alert(1)</script>My App",
		"QueryMessage":  "enter <b>password</b>",
		"UserName":      "alice",
		"QueryPassword": true,
	}
	out := sanitizeParams(in)

	require.Equal(t, "My App", out["Caption"])
	require.Equal(t, "enter password", out["QueryMessage"])
	require.Equal(t, "alice", out["UserName"])
	require.Equal(t, true, out["QueryPassword"])
}

func TestSanitizeParamsHandlesNil(t *testing.T) {
	require.Nil(t, sanitizeParams(nil))
}
