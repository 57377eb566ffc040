package pluginproxy

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"io"
)

// ChildConn is the child-process side of the framed stdio protocol C4
// drives. The reference plugins under cmd/plugins/ use it so their wire
// encoding is guaranteed to match Proxy's parent-side reader/writer
// rather than a hand-rolled duplicate.
type ChildConn struct {
	r *bufio.Reader
	w io.Writer
}

// NewChildConn wraps a plugin child's stdin/stdout as a ChildConn. in is
// normally os.Stdin and out is normally os.Stdout.
func NewChildConn(in io.Reader, out io.Writer) *ChildConn {
	return &ChildConn{r: bufio.NewReader(in), w: out}
}

// SendReady writes the zero-length readiness frame the parent's Start
// waits for (§4.4 "Synchronous handshake on spawn").
func (c *ChildConn) SendReady() error {
	var lenBuf [4]byte
	_, err := c.w.Write(lenBuf[:])
	return err
}

// Read blocks for the next parent->child message.
func (c *ChildConn) Read() (Message, error) {
	return readFrame(c.r)
}

// Write sends one child->parent tagged message.
func (c *ChildConn) Write(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := c.w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err = c.w.Write(data)
	return err
}

// Result writes a terminal RESULT tag.
func (c *ChildConn) Result(params map[string]any) error {
	return c.Write(Message{Tag: TagResult, Params: params})
}

// Error writes a terminal ERROR tag.
func (c *ChildConn) Error(code, message string) error {
	return c.Write(Message{Tag: TagError, Code: code, Text: message})
}

// Status writes a non-terminal STATUS tag.
func (c *ChildConn) Status(state, message string) error {
	return c.Write(Message{Tag: TagStatus, State: state, Text: message})
}

// UI opens (or continues) a dialog round-trip.
func (c *ChildConn) UI(params map[string]any) error {
	return c.Write(Message{Tag: TagUI, Params: params})
}

// Refreshed replies to a REFRESH op.
func (c *ChildConn) Refreshed(params map[string]any) error {
	return c.Write(Message{Tag: TagRefreshed, Params: params})
}

// Store asks the parent to persist params against the current (id, method).
func (c *ChildConn) Store(params map[string]any) error {
	return c.Write(Message{Tag: TagStore, Params: params})
}
