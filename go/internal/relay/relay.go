// Package relay forwards ledger lines to the companion aggregator.
// Delivery is best-effort: nothing in here ever fails a submission.
package relay

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultPort is the aggregator's listening port.
const DefaultPort = 45678

const DefaultTimeout = 2 * time.Second

// Status is the outcome of one relay exchange.
type Status int

const (
	StatusOK Status = iota
	StatusNoConnection
	StatusProtocolError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNoConnection:
		return "no_connection"
	case StatusProtocolError:
		return "protocol_error"
	default:
		return "unknown"
	}
}

// Result describes a Send. Code is the aggregator's error code when Status is OK.
type Result struct {
	Status Status
	Code   byte
	Detail string
}

// Link is the per-session memo of the connection probe.
type Link struct {
	Checked   bool
	Connected bool
}

// Reset forgets a previous probe so the next login probes again.
func (l *Link) Reset() {
	l.Checked = false
	l.Connected = false
}

// Dialer opens connections to the aggregator.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Config holds the aggregator address and I/O timeout.
type Config struct {
	Addr    string // empty disables the relay
	Timeout time.Duration
}

// Relay talks to the aggregator, one connection per message.
type Relay struct {
	cfg    Config
	dialer Dialer
}

// New creates a Relay. A nil dialer uses net.Dialer.
func New(cfg Config, dialer Dialer) *Relay {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	return &Relay{cfg: cfg, dialer: dialer}
}

// CheckConnection probes the aggregator once per session and caches the answer.
func (r *Relay) CheckConnection(ctx context.Context, link *Link) bool {
	if link.Checked {
		return link.Connected
	}
	link.Checked = true
	link.Connected = false

	if r.cfg.Addr == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	conn, err := r.dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		log.Warn().Err(err).Str("aggregator", r.cfg.Addr).Msg("aggregator not reachable, relay disabled for this session")
		return false
	}
	conn.Close()

	link.Connected = true
	log.Info().Str("aggregator", r.cfg.Addr).Msg("aggregator reachable")
	return true
}

// Send forwards one message. Without a successful probe no I/O is attempted.
func (r *Relay) Send(ctx context.Context, link *Link, message string) Result {
	if link == nil || !link.Connected {
		return Result{Status: StatusNoConnection}
	}

	frame, err := EncodeRequest([]byte(message))
	if err != nil {
		log.Error().Err(err).Msg("message not relayed")
		return Result{Status: StatusProtocolError, Detail: err.Error()}
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	conn, err := r.dialer.DialContext(ctx, "tcp", r.cfg.Addr)
	if err != nil {
		// connection lost; the ledger file still has the record
		log.Warn().Err(err).Str("aggregator", r.cfg.Addr).Msg("aggregator connection lost")
		return Result{Status: StatusNoConnection, Detail: err.Error()}
	}
	defer conn.Close()

	// net deadlines are compared against the wall clock
	if err := conn.SetDeadline(time.Now().Add(r.cfg.Timeout)); err != nil {
		log.Error().Err(err).Str("aggregator", r.cfg.Addr).Msg("relay deadline not set")
		return Result{Status: StatusProtocolError, Detail: err.Error()}
	}

	if _, err := conn.Write(frame); err != nil {
		log.Error().Err(err).Str("aggregator", r.cfg.Addr).Msg("relay write failed")
		return Result{Status: StatusProtocolError, Detail: err.Error()}
	}

	code, payload, err := ReadResponse(conn)
	if err != nil {
		log.Error().Err(err).Str("aggregator", r.cfg.Addr).Str("message", message).Msg("bad aggregator response")
		return Result{Status: StatusProtocolError, Detail: err.Error()}
	}

	if code != CodeNone {
		log.Warn().
			Uint8("code", code).
			Str("message", message).
			Str("response", string(payload)).
			Msg("aggregator rejected message")
	}

	return Result{Status: StatusOK, Code: code, Detail: string(payload)}
}
