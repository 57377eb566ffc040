package sessionhandle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/signond/internal/sessioncore"
)

func TestSetIDRejectsWhenAlreadySaved(t *testing.T) {
	h := &Handle{handleName: "h1", unsaved: false}
	err := h.SetID("h2")
	require.Error(t, err)
	require.Equal(t, "h1", h.HandleName())
}

func TestSetIDTransfersNameOnce(t *testing.T) {
	h := New("unsaved-1", (*sessioncore.Core)(nil), nil, true, 300*time.Second, func() {})
	err := h.SetID("saved-42")
	require.NoError(t, err)
	require.Equal(t, "saved-42", h.HandleName())
	require.False(t, h.unsaved)

	err = h.SetID("saved-again")
	require.Error(t, err, "set_id is only valid once, before the session is attached to a saved identity")
}
