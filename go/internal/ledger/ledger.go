// Package ledger appends result records to the shared result file and hands
// each line to the aggregator relay and any extra sinks.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/slipserver/go/internal/models"
	"github.com/mcdev12/slipserver/go/internal/relay"
	"github.com/mcdev12/slipserver/go/internal/session"
)

// FormatHeader is the first line of a newly created ledger.
const FormatHeader = ";slipresult format: {<gamenr>, <declarer>, <level>, <suit>, <over/under tricks>, <doubled>, <NSscore>}\n"

// Forwarder delivers a ledger line to the aggregator.
type Forwarder interface {
	Send(ctx context.Context, link *relay.Link, message string) relay.Result
}

// Sink receives every appended record after it has been written. Append runs
// under the ledger lock, so a Sink must only hand the record off (see feed.Queue).
type Sink interface {
	Publish(ctx context.Context, rec models.ResultRecord) error
}

// Config locates the ledger.
type Config struct {
	Path string
	// FallbackDir receives a file with the same base name when Path is unwritable.
	FallbackDir string
}

// Ledger is the append-only result file. Callers serialize Append with the file lock.
type Ledger struct {
	cfg   Config
	clock clockwork.Clock
	fwd   Forwarder
	sinks []Sink
}

// New creates a Ledger. fwd may be nil when no aggregator is used.
func New(cfg Config, clock clockwork.Clock, fwd Forwarder, sinks ...Sink) *Ledger {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ledger{cfg: cfg, clock: clock, fwd: fwd, sinks: sinks}
}

// Resolve picks the ledger file for a session once and memoizes it.
// It returns "" when neither location is writable.
func (l *Ledger) Resolve(sess *session.TableSession) string {
	if sess.LedgerPath != "" {
		return sess.LedgerPath
	}

	err := prepare(l.cfg.Path)
	if err == nil {
		sess.LedgerPath = l.cfg.Path
		return sess.LedgerPath
	}
	log.Warn().Err(err).Str("path", l.cfg.Path).Msg("ledger not writable, trying fallback")

	if l.cfg.FallbackDir == "" {
		return ""
	}
	fallback := filepath.Join(l.cfg.FallbackDir, filepath.Base(l.cfg.Path))
	if err := prepare(fallback); err != nil {
		log.Error().Err(err).Str("path", fallback).Msg("fallback ledger not writable")
		return ""
	}
	sess.LedgerPath = fallback
	log.Info().Str("path", fallback).Msg("using fallback ledger")
	return sess.LedgerPath
}

// Append writes one record and relays it. Write failures are logged, never returned;
// the relay result is informational.
func (l *Ledger) Append(ctx context.Context, sess *session.TableSession, clientID, message string) relay.Result {
	rec := models.ResultRecord{
		Timestamp: l.clock.Now(),
		ClientID:  clientID,
		Message:   message,
	}
	line := rec.Line()

	if path := l.Resolve(sess); path != "" {
		if err := appendLine(path, line); err != nil {
			log.Error().Err(err).Str("path", path).Str("client", clientID).Msg("failed to append result")
		}
	} else {
		log.Error().Str("client", clientID).Str("message", message).Msg("no writable ledger, result only relayed")
	}

	res := relay.Result{Status: relay.StatusNoConnection}
	if l.fwd != nil {
		res = l.fwd.Send(ctx, &sess.Relay, line)
	}
	log.Info().
		Str("client", clientID).
		Str("result", res.Status.String()).
		Uint8("code", res.Code).
		Msg(message)

	for _, sink := range l.sinks {
		if err := sink.Publish(ctx, rec); err != nil {
			log.Warn().Err(err).Str("client", clientID).Msg("failed to publish ledger record")
		}
	}

	return res
}

// prepare makes sure path exists and is writable, creating it with the header.
func prepare(path string) error {
	if path == "" {
		return errors.New("empty ledger path")
	}
	_, err := os.Stat(path)
	switch {
	case err == nil:
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		if err != nil {
			return err
		}
		return f.Close()
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create ledger directory: %w", err)
		}
		return appendLine(path, FormatHeader)
	default:
		return err
	}
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
