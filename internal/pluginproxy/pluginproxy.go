// Package pluginproxy (C4) spawns, drives and cancels one out-of-process
// authentication-method plugin per instance, speaking the length-framed
// tagged-message protocol of §4.4 over the child's stdio.
//
// Process lifecycle is grounded on the teacher's embedded-process
// discipline (spawn, capture stdout/stderr, SIGTERM-then-kill teardown,
// readiness wait) adapted from an embedded daemon binary to a
// short-lived, privilege-dropped authentication plugin; the async
// tag-stream dispatch (RESULT/ERROR/STATUS/UI/REFRESHED/STORE fan-out to
// callbacks) is grounded on the teacher's in-process plugin event-bus
// callback-isolation idiom, adapted to a framed stdio stream instead of
// an in-process channel.
package pluginproxy

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"github.com/cuemby/signond/internal/apperror"
	"github.com/cuemby/signond/internal/logger"
)

// Opcode is a parent->child wire tag.
type Opcode string

const (
	OpType       Opcode = "TYPE"
	OpMechanisms Opcode = "MECHANISMS"
	OpProcess    Opcode = "PROCESS"
	OpProcessUI  Opcode = "PROCESS_UI"
	OpRefresh    Opcode = "REFRESH"
	OpCancel     Opcode = "CANCEL"
	OpStop       Opcode = "STOP"
)

// Tag is a child->parent wire tag.
type Tag string

const (
	TagResult    Tag = "RESULT"
	TagError     Tag = "ERROR"
	TagStatus    Tag = "STATUS"
	TagUI        Tag = "UI"
	TagRefreshed Tag = "REFRESHED"
	TagStore     Tag = "STORE"
	// tagReady is the zero-length readiness byte the child sends once at
	// startup; it is not part of the tagged-message stream.
	tagReady Tag = "READY"
)

// Message is one framed tagged message in either direction.
type Message struct {
	Op     Opcode         `json:"op,omitempty"`
	Tag    Tag            `json:"tag,omitempty"`
	Params map[string]any `json:"params,omitempty"`
	Mech   string         `json:"mechanism,omitempty"`
	Code   string         `json:"code,omitempty"`
	Text   string         `json:"message,omitempty"`
	State  string         `json:"state,omitempty"`
}

// privilegeDropFailureExit is the exit code a plugin child uses when it
// cannot drop privileges to the dedicated signon user (§4.4).
const privilegeDropFailureExit = 2

// Callbacks receives the asynchronous tag stream from the child. All
// methods are invoked from the proxy's single reader goroutine; callers
// must not block.
type Callbacks interface {
	// OnResult/OnError terminate the current in-flight operation.
	OnResult(params map[string]any)
	OnError(code, message string)
	OnStatus(state, message string)
	// OnUI starts (or continues) a dialog round-trip; see SessionCore.
	OnUI(params map[string]any)
	OnRefreshed(params map[string]any)
	// OnStore persists params against the proxy's current (id, method).
	OnStore(params map[string]any)
}

// Proxy owns exactly one child process implementing one authentication
// method. It is not safe for concurrent Process*/Refresh/Cancel calls —
// SessionCore (C5) enforces the single in-flight discipline the proxy
// assumes.
type Proxy struct {
	method  string
	command string
	args    []string

	startTimeout time.Duration

	mu             sync.Mutex
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	cb             Callbacks
	inFlight       bool
	cancelling     bool
	resultSeen     bool // suppresses late non-status messages after RESULT/ERROR
	ready          chan struct{}
	handshakeReply chan Message
}

// New constructs a Proxy for method, spawning command with args as the
// child's argv. The child is not started until Start is called.
func New(method, command string, args []string, startTimeout time.Duration) *Proxy {
	return &Proxy{method: method, command: command, args: args, startTimeout: startTimeout}
}

// Method returns the authentication method this proxy drives.
func (p *Proxy) Method() string { return p.method }

// Start spawns the child, waits for its readiness byte, and queries its
// type and mechanism list, all within startTimeout (§4.4 "Synchronous
// handshake on spawn").
func (p *Proxy) Start(ctx context.Context, cb Callbacks) (pluginType string, mechanisms []string, err error) {
	p.mu.Lock()
	p.cb = cb
	p.mu.Unlock()

	if err := p.spawn(); err != nil {
		return "", nil, err
	}

	hctx, cancel := context.WithTimeout(ctx, p.startTimeout)
	defer cancel()

	if err := p.awaitReady(hctx); err != nil {
		p.killLocked()
		return "", nil, apperror.Wrap(apperror.InternalCommunication, "plugin did not become ready", err)
	}

	pluginType, err = p.queryType(hctx)
	if err != nil {
		p.killLocked()
		return "", nil, err
	}
	mechanisms, err = p.queryMechanisms(hctx)
	if err != nil {
		p.killLocked()
		return "", nil, err
	}
	return pluginType, mechanisms, nil
}

func (p *Proxy) spawn() error {
	cmd := exec.Command(p.command, p.args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return apperror.Wrap(apperror.InternalCommunication, "open plugin stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return apperror.Wrap(apperror.InternalCommunication, "open plugin stdout", err)
	}
	if err := cmd.Start(); err != nil {
		return apperror.Wrap(apperror.InternalCommunication, "spawn plugin process", err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.stdin = stdin
	p.mu.Unlock()

	go p.readLoop(bufio.NewReader(stdout))
	go p.watchExit()
	return nil
}

func (p *Proxy) watchExit() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil {
		return
	}
	err := cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == privilegeDropFailureExit {
		logger.Plugin().Error().Str("method", p.method).Msg("plugin child failed to drop privileges, fatal exit 2")
	}
}

// awaitReady blocks until the child's zero-length readiness frame
// arrives, signalled internally by closing p.ready.
func (p *Proxy) awaitReady(ctx context.Context) error {
	select {
	case <-p.readySignal():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// readySignal returns the ready channel, creating it if needed; the
// reader goroutine closes it on the first observed frame.
func (p *Proxy) readySignal() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ready == nil {
		p.ready = make(chan struct{})
	}
	return p.ready
}

func (p *Proxy) queryType(ctx context.Context) (string, error) {
	reply, err := p.roundTrip(ctx, Message{Op: OpType})
	if err != nil {
		return "", err
	}
	if v, ok := reply.Params["type"].(string); ok {
		return v, nil
	}
	return "", nil
}

func (p *Proxy) queryMechanisms(ctx context.Context) ([]string, error) {
	reply, err := p.roundTrip(ctx, Message{Op: OpMechanisms})
	if err != nil {
		return nil, err
	}
	raw, _ := reply.Params["mechanisms"].([]any)
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// roundTrip is used only for the synchronous TYPE/MECHANISMS handshake
// queries; ordinary process/refresh calls are fire-and-forget (§4.4).
func (p *Proxy) roundTrip(ctx context.Context, msg Message) (Message, error) {
	ch := make(chan Message, 1)
	p.mu.Lock()
	p.handshakeReply = ch
	p.mu.Unlock()

	if err := p.send(msg); err != nil {
		return Message{}, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return Message{}, apperror.Wrap(apperror.TimedOut, "plugin handshake timed out", ctx.Err())
	}
}

func (p *Proxy) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return apperror.Wrap(apperror.InternalServer, "encode plugin message", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(data)))

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return apperror.New(apperror.InternalCommunication, "plugin process not started")
	}
	if _, err := p.stdin.Write(lenBuf[:]); err != nil {
		return apperror.Wrap(apperror.InternalCommunication, "write plugin frame length", err)
	}
	if _, err := p.stdin.Write(data); err != nil {
		return apperror.Wrap(apperror.InternalCommunication, "write plugin frame body", err)
	}
	return nil
}

// Process sends PROCESS(params, mechanism). Fire-and-forget: the result
// arrives via Callbacks.OnResult/OnError.
func (p *Proxy) Process(params map[string]any, mechanism string) error {
	p.mu.Lock()
	p.inFlight = true
	p.resultSeen = false
	p.mu.Unlock()
	return p.send(Message{Op: OpProcess, Params: params, Mech: mechanism})
}

// ProcessUI sends PROCESS_UI(params), continuing a plugin operation that
// is mid-dialog.
func (p *Proxy) ProcessUI(params map[string]any) error {
	return p.send(Message{Op: OpProcessUI, Params: params})
}

// Refresh sends REFRESH(params).
func (p *Proxy) Refresh(params map[string]any) error {
	return p.send(Message{Op: OpRefresh, Params: params})
}

// InFlight reports whether a process/process_ui/refresh call is awaiting
// RESULT/ERROR.
func (p *Proxy) InFlight() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// Cancel sends CANCEL to the child. The in-flight flag is cleared only
// when the child acknowledges via ERROR(canceled) or RESULT (§4.4).
func (p *Proxy) Cancel() error {
	p.mu.Lock()
	p.cancelling = true
	p.mu.Unlock()
	return p.send(Message{Op: OpCancel})
}

// Stop sends STOP and tears the child down. Safe to call multiple times.
func (p *Proxy) Stop() {
	_ = p.send(Message{Op: OpStop})
	p.killLocked()
}

func (p *Proxy) killLocked() {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	_ = cmd.Process.Kill()
}

// readLoop demultiplexes the framed tag stream. Multiple tagged messages
// may arrive per underlying read (§4.4): bufio.Reader handles this
// naturally since each frame is length-prefixed.
func (p *Proxy) readLoop(r *bufio.Reader) {
	first := true
	for {
		msg, err := readFrame(r)
		if err != nil {
			return
		}
		if first {
			first = false
			p.mu.Lock()
			if p.ready == nil {
				p.ready = make(chan struct{})
			}
			close(p.ready)
			p.mu.Unlock()
			if msg.Tag == "" && msg.Op == "" {
				continue // the bare readiness frame carries no tag
			}
		}
		p.dispatch(msg)
	}
}

func readFrame(r *bufio.Reader) (Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Message{}, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 {
		return Message{}, nil // the readiness frame
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return Message{}, err
	}
	var msg Message
	if err := json.Unmarshal(buf, &msg); err != nil {
		return Message{}, fmt.Errorf("decode plugin frame: %w", err)
	}
	return msg, nil
}

func (p *Proxy) dispatch(msg Message) {
	p.mu.Lock()
	if ch := p.handshakeReply; ch != nil && (msg.Tag == TagResult || msg.Tag == TagError) {
		p.handshakeReply = nil
		p.mu.Unlock()
		ch <- msg
		return
	}
	resultSeen := p.resultSeen
	cb := p.cb
	p.mu.Unlock()

	if cb == nil {
		return
	}

	switch msg.Tag {
	case TagResult:
		p.finishInFlight()
		cb.OnResult(msg.Params)
	case TagError:
		p.finishInFlight()
		cb.OnError(msg.Code, msg.Text)
	case TagStatus:
		cb.OnStatus(msg.State, msg.Text)
	case TagUI:
		if resultSeen {
			logger.Plugin().Warn().Str("method", p.method).Msg("UI tag after terminal result, protocol violation, discarding")
			return
		}
		cb.OnUI(msg.Params)
	case TagRefreshed:
		if resultSeen {
			logger.Plugin().Warn().Str("method", p.method).Msg("REFRESHED tag after terminal result, protocol violation, discarding")
			return
		}
		cb.OnRefreshed(msg.Params)
	case TagStore:
		cb.OnStore(msg.Params)
	default:
		logger.Plugin().Warn().Str("method", p.method).Str("tag", string(msg.Tag)).Msg("unknown plugin tag, discarding")
	}
}

func (p *Proxy) finishInFlight() {
	p.mu.Lock()
	p.inFlight = false
	p.cancelling = false
	p.resultSeen = true
	p.mu.Unlock()
}

// exited reports whether the child process has already terminated,
// consulted by SessionCore before a process* call to trigger the
// single in-process restart (§4.4 "Restart").
func (p *Proxy) exited() bool {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.ProcessState == nil {
		return false
	}
	return cmd.ProcessState.Exited()
}

// Restart tears down the current child (if any) and spawns + hand-shakes
// a replacement; used once, automatically, by SessionCore when a
// process* call finds the child already exited.
func (p *Proxy) Restart(ctx context.Context, cb Callbacks) (string, []string, error) {
	p.killLocked()
	p.mu.Lock()
	p.cmd = nil
	p.stdin = nil
	p.ready = nil
	p.handshakeReply = nil
	p.inFlight = false
	p.resultSeen = false
	p.mu.Unlock()
	return p.Start(ctx, cb)
}

// Exited exposes exited() for SessionCore.
func (p *Proxy) Exited() bool { return p.exited() }
