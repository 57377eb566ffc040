package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/cuemby/signond/internal/logger"
)

// Inbox is a single handle's signal channel. The daemon creates one per
// registered Identity/SessionHandle and closes it when the handle is
// destroyed. Bus.Publish does a non-blocking send from the publisher's
// goroutine, so signals published in sequence arrive in that order; a
// signal sent to a full inbox is dropped.
type Inbox chan Signal

const inboxBuffer = 32

// Config configures the optional NATS mirror. A zero-value Config runs
// the Bus purely in-process.
type Config struct {
	URL      string
	User     string
	Password string
}

// Bus fans signals out to per-handle inboxes and, when NATS is
// configured, mirrors every published signal onto a daemon-wide subject.
type Bus struct {
	mu     sync.Mutex
	inbox  map[string]Inbox
	nc     *nats.Conn
	nodeID string
}

// NewBus constructs a Bus. If cfg.URL is empty, the Bus runs purely
// in-process and Close is a no-op.
func NewBus(cfg Config, nodeID string) (*Bus, error) {
	b := &Bus{inbox: make(map[string]Inbox), nodeID: nodeID}
	if cfg.URL == "" {
		return b, nil
	}

	opts := []nats.Option{
		nats.Name("signond-" + nodeID),
		nats.ReconnectWait(2 * time.Second),
		nats.MaxReconnects(10),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Daemon().Warn().Err(err).Msg("signal bus disconnected from NATS")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Daemon().Info().Str("url", nc.ConnectedUrl()).Msg("signal bus reconnected to NATS")
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		logger.Daemon().Warn().Err(err).Msg("NATS unavailable, signal bus running in-process only")
		return b, nil
	}
	b.nc = conn

	if _, err := conn.Subscribe(SubjectWildcard, b.onRemote); err != nil {
		conn.Close()
		return nil, err
	}
	return b, nil
}

// Register creates (or returns the existing) inbox for a handle name.
func (b *Bus) Register(handleName string) Inbox {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.inbox[handleName]; ok {
		return ch
	}
	ch := make(Inbox, inboxBuffer)
	b.inbox[handleName] = ch
	return ch
}

// Unregister closes and removes a handle's inbox; called once the handle
// is destroyed through any path (explicit unref or inactivity sweep).
func (b *Bus) Unregister(handleName string) {
	b.mu.Lock()
	ch, ok := b.inbox[handleName]
	delete(b.inbox, handleName)
	b.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Publish delivers sig to handleName's inbox if registered locally, and
// mirrors it over NATS (if configured) for other daemon workers.
func (b *Bus) Publish(sig Signal) {
	sig.At = time.Now()
	b.mu.Lock()
	ch, ok := b.inbox[sig.HandleName]
	b.mu.Unlock()
	if ok {
		select {
		case ch <- sig:
		default:
			logger.Daemon().Warn().Str("handle", sig.HandleName).Str("kind", string(sig.Kind)).
				Msg("signal inbox full, dropping oldest is not supported: signal delivered best-effort")
		}
	}
	b.publishRemote(sig)
}

// PublishAll delivers sig to every inbox named in handleNames, used by
// fan-out signals like Removed/SignedOut (§4.6).
func (b *Bus) PublishAll(handleNames []string, kind Kind, args map[string]any) {
	for _, name := range handleNames {
		b.Publish(Signal{HandleName: name, Kind: kind, Args: args})
	}
}

func (b *Bus) publishRemote(sig Signal) {
	if b.nc == nil {
		return
	}
	data, err := json.Marshal(wireSignal{Kind: sig.Kind, Args: sig.Args, Origin: b.nodeID})
	if err != nil {
		return
	}
	if err := b.nc.Publish(Subject(sig.HandleName), data); err != nil {
		logger.Daemon().Warn().Err(err).Msg("failed to mirror signal to NATS")
	}
}

func (b *Bus) onRemote(msg *nats.Msg) {
	var w wireSignal
	if err := json.Unmarshal(msg.Data, &w); err != nil || w.Origin == b.nodeID {
		return
	}
	handleName := msg.Subject[len(subjectPrefix):]
	b.mu.Lock()
	ch, ok := b.inbox[handleName]
	b.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- Signal{HandleName: handleName, Kind: w.Kind, Args: w.Args, At: time.Now()}:
	default:
	}
}

// Close shuts down the NATS connection, if any.
func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

type wireSignal struct {
	Kind   Kind           `json:"kind"`
	Args   map[string]any `json:"args"`
	Origin string         `json:"origin"`
}
