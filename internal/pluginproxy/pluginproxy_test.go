package pluginproxy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

type recorderCallbacks struct {
	results    []map[string]any
	errors     []string
	uis        []map[string]any
	stores     []map[string]any
	refreshed  []map[string]any
	statusMsgs []string
}

func (r *recorderCallbacks) OnResult(params map[string]any)   { r.results = append(r.results, params) }
func (r *recorderCallbacks) OnError(code, message string)     { r.errors = append(r.errors, code+":"+message) }
func (r *recorderCallbacks) OnStatus(state, message string)   { r.statusMsgs = append(r.statusMsgs, state) }
func (r *recorderCallbacks) OnUI(params map[string]any)       { r.uis = append(r.uis, params) }
func (r *recorderCallbacks) OnRefreshed(params map[string]any) {
	r.refreshed = append(r.refreshed, params)
}
func (r *recorderCallbacks) OnStore(params map[string]any) { r.stores = append(r.stores, params) }

var _ Callbacks = (*recorderCallbacks)(nil)

func encodeFrame(t *testing.T, msg Message) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	return append(lenBuf[:], data...)
}

func TestReadFrameRoundTrips(t *testing.T) {
	msg := Message{Tag: TagResult, Params: map[string]any{"UserName": "alice"}}
	framed := encodeFrame(t, msg)

	got, err := readFrame(bufio.NewReader(bytes.NewReader(framed)))
	require.NoError(t, err)
	require.Equal(t, TagResult, got.Tag)
	require.Equal(t, "alice", got.Params["UserName"])
}

func TestDispatchResultThenDiscardsLateUI(t *testing.T) {
	cb := &recorderCallbacks{}
	p := &Proxy{method: "m1", cb: cb}

	p.dispatch(Message{Tag: TagResult, Params: map[string]any{"ok": true}})
	require.Len(t, cb.results, 1)
	require.False(t, p.InFlight())

	// A UI tag arriving after the terminal RESULT is a protocol
	// violation and must be discarded, not delivered.
	p.dispatch(Message{Tag: TagUI, Params: map[string]any{"CaptchaUrl": "x"}})
	require.Empty(t, cb.uis)
}

func TestDispatchErrorClearsInFlight(t *testing.T) {
	cb := &recorderCallbacks{}
	p := &Proxy{method: "m1", cb: cb, inFlight: true}

	p.dispatch(Message{Tag: TagError, Code: "SessionCanceled", Text: "canceled"})
	require.Len(t, cb.errors, 1)
	require.False(t, p.InFlight())
}

func TestDispatchStoreDoesNotAffectInFlight(t *testing.T) {
	cb := &recorderCallbacks{}
	p := &Proxy{method: "m1", cb: cb, inFlight: true}

	p.dispatch(Message{Tag: TagStore, Params: map[string]any{"token": "abc"}})
	require.Len(t, cb.stores, 1)
	require.True(t, p.InFlight())
}
