// Package natsbridge forwards engine observation events to NATS so other
// processes can follow command progress.
//
// Subjects are derived from a prefix:
//
//	<prefix>.command.<status>    CommandStatusChanged
//	<prefix>.control.<control>   ControlChanged
//	<prefix>.queue.cleared       QueueCleared
//	<prefix>.engine.<state>      EngineStarted, EngineStopped, EngineFaulted
package natsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/jdziat/command-queue/pkg/core"
)

// Publisher sends a message on a subject. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Bridge publishes events from an engine subscription.
type Bridge struct {
	pub    Publisher
	prefix string
	log    zerolog.Logger

	sent   atomic.Uint64
	failed atomic.Uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger for publish failures.
func WithLogger(log zerolog.Logger) Option {
	return func(b *Bridge) { b.log = log }
}

// New creates a bridge publishing under prefix.
func New(pub Publisher, prefix string, opts ...Option) (*Bridge, error) {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" || strings.ContainsAny(prefix, " \t\r\n*>") {
		return nil, fmt.Errorf("natsbridge: invalid subject prefix %q", prefix)
	}
	b := &Bridge{pub: pub, prefix: prefix, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Run publishes every event from events until ctx is done or the channel
// is closed. Publish failures are logged and counted, never fatal.
func (b *Bridge) Run(ctx context.Context, events <-chan core.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := b.Forward(ev); err != nil {
				b.failed.Add(1)
				b.log.Warn().Err(err).Msg("event not forwarded")
				continue
			}
			b.sent.Add(1)
		}
	}
}

// Forward publishes a single event.
func (b *Bridge) Forward(ev core.Event) error {
	subject, msg, err := b.encode(ev)
	if err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	if err := b.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Stats reports how many events were sent and how many failed.
func (b *Bridge) Stats() (sent, failed uint64) {
	return b.sent.Load(), b.failed.Load()
}

func (b *Bridge) subject(parts ...string) string {
	return b.prefix + "." + strings.Join(parts, ".")
}

// StatusMessage is the payload of command subjects.
type StatusMessage struct {
	CommandID   string     `json:"command_id"`
	Type        string     `json:"type"`
	Description string     `json:"description,omitempty"`
	Batch       string     `json:"batch,omitempty"`
	WorkType    string     `json:"work_type"`
	ParallelTag string     `json:"parallel_tag"`
	Status      string     `json:"status"`
	Retries     int        `json:"retries"`
	MaxRetries  int        `json:"max_retries"`
	Error       string     `json:"error,omitempty"`
	NotBefore   *time.Time `json:"not_before,omitempty"`
	Timestamp   time.Time  `json:"timestamp"`
}

// ControlMessage is the payload of control subjects.
type ControlMessage struct {
	Target    string     `json:"target"`
	Paused    bool       `json:"paused"`
	Until     *time.Time `json:"until,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// ClearedMessage is the payload of the queue.cleared subject.
type ClearedMessage struct {
	Batch     string    `json:"batch,omitempty"`
	WorkTypes []string  `json:"work_types,omitempty"`
	Removed   int64     `json:"removed"`
	Timestamp time.Time `json:"timestamp"`
}

// EngineMessage is the payload of engine subjects.
type EngineMessage struct {
	EngineID  string    `json:"engine_id"`
	Recovered int64     `json:"recovered,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func (b *Bridge) encode(ev core.Event) (string, any, error) {
	switch e := ev.(type) {
	case *core.CommandStatusChanged:
		return b.subject("command", string(e.Status)), StatusMessage{
			CommandID:   e.CommandID,
			Type:        e.Type,
			Description: e.Description,
			Batch:       e.Batch,
			WorkType:    string(e.WorkType),
			ParallelTag: e.ParallelTag,
			Status:      string(e.Status),
			Retries:     e.Retries,
			MaxRetries:  e.MaxRetries,
			Error:       e.Error,
			NotBefore:   e.NotBefore,
			Timestamp:   e.Timestamp,
		}, nil
	case *core.ControlChanged:
		return b.subject("control", string(e.Control)), ControlMessage{
			Target:    e.Target,
			Paused:    e.Paused,
			Until:     e.Until,
			Timestamp: e.Timestamp,
		}, nil
	case *core.QueueCleared:
		msg := ClearedMessage{Batch: e.Filter.Batch, Removed: e.Removed, Timestamp: e.Timestamp}
		for _, wt := range e.Filter.WorkTypes {
			msg.WorkTypes = append(msg.WorkTypes, string(wt))
		}
		return b.subject("queue", "cleared"), msg, nil
	case *core.EngineStarted:
		return b.subject("engine", "started"), EngineMessage{EngineID: e.EngineID, Recovered: e.Recovered, Timestamp: e.Timestamp}, nil
	case *core.EngineStopped:
		return b.subject("engine", "stopped"), EngineMessage{EngineID: e.EngineID, Timestamp: e.Timestamp}, nil
	case *core.EngineFaulted:
		msg := EngineMessage{EngineID: e.EngineID, Timestamp: e.Timestamp}
		if e.Err != nil {
			msg.Error = e.Err.Error()
		}
		return b.subject("engine", "faulted"), msg, nil
	case nil:
		return "", nil, errors.New("natsbridge: nil event")
	}
	return "", nil, fmt.Errorf("natsbridge: unsupported event %T", ev)
}

// Connect dials NATS and keeps reconnecting for the life of the process.
// Disconnects and reconnects are logged.
func Connect(url, name string, log zerolog.Logger, opts ...nats.Option) (*nats.Conn, error) {
	all := append([]nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}, opts...)

	nc, err := nats.Connect(url, all...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	log.Info().Str("url", nc.ConnectedUrl()).Msg("nats connected")
	return nc, nil
}

var _ Publisher = (*nats.Conn)(nil)
