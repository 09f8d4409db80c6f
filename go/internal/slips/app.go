// Package slips coordinates the rounds of every table: it validates a table's
// claimed position, records results in the ledger and serves the next slip.
package slips

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/slipserver/go/internal/filelock"
	"github.com/mcdev12/slipserver/go/internal/models"
	"github.com/mcdev12/slipserver/go/internal/relay"
	"github.com/mcdev12/slipserver/go/internal/session"
)

// Ledger defines what the app needs from the result ledger.
type Ledger interface {
	Append(ctx context.Context, sess *session.TableSession, clientID, message string) relay.Result
}

// Locker serializes ledger writers across requests and processes.
type Locker interface {
	Acquire(ctx context.Context) (*filelock.Handle, error)
}

// Prober checks once per session whether the aggregator can be reached.
type Prober interface {
	CheckConnection(ctx context.Context, link *relay.Link) bool
}

// App handles the round coordination.
type App struct {
	match   *models.MatchConfig
	ledger  Ledger
	locker  Locker
	prober  Prober
	tracker session.Tracker
}

// NewApp creates a new slips App. prober may be nil when no aggregator is configured.
func NewApp(match *models.MatchConfig, ledger Ledger, locker Locker, prober Prober) *App {
	return &App{
		match:  match,
		ledger: ledger,
		locker: locker,
		prober: prober,
	}
}

// Handle dispatches a submission to Login or Submit. The caller holds the session lock.
func (a *App) Handle(ctx context.Context, sess *session.TableSession, sub Submission) (Outcome, error) {
	var (
		out Outcome
		err error
	)
	if sub.Round == 0 {
		out, err = a.Login(ctx, sess, sub)
	} else {
		out, err = a.Submit(ctx, sess, sub)
	}
	if err != nil {
		log.Error().Err(err).
			Str("client", sub.Triple().ClientID()).
			Int("round", sub.Round).
			Msg("submission failed")
		return errorOutcome(err), err
	}
	return out, nil
}

// Login starts (or restarts) a table and serves its first slip.
func (a *App) Login(ctx context.Context, sess *session.TableSession, sub Submission) (Outcome, error) {
	sub.Round = 0
	if err := a.validateRange(sub); err != nil {
		return Outcome{}, err
	}
	if sub.ForcedRound < 0 {
		return Outcome{}, fmt.Errorf("%w: forcedRound %d", ErrOutOfRange, sub.ForcedRound)
	}

	sess.Reset()
	if a.prober != nil {
		a.prober.CheckConnection(ctx, &sess.Relay)
	}

	handle, err := a.locker.Acquire(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to acquire ledger lock: %w", err)
	}
	defer handle.Release()

	t := sub.Triple()
	msg := fmt.Sprintf("login for group: %d, table: %d, groups: %d, fRound: %d, rounds: %d, games: %d",
		t.Group, t.Table, a.match.GroupCount(), sub.ForcedRound, a.match.Rounds, a.match.TotalGames())
	res := a.ledger.Append(ctx, sess, t.ClientID(), msg)
	if res.Status == relay.StatusOK && res.Code != relay.CodeNone {
		log.Warn().Str("client", t.ClientID()).Uint8("code", res.Code).Msg("aggregator refused login")
	}

	if sub.ForcedRound > 0 {
		t.Round = sub.ForcedRound - 1
	}
	log.Info().Str("client", t.ClientID()).Int("forced_round", sub.ForcedRound).Msg("table logged in")
	return a.Advance(ctx, sess, t), nil
}

// Submit records the result of the expected round and serves the next slip.
// Refreshes and mismatches re-serve the stored slip without recording anything.
func (a *App) Submit(ctx context.Context, sess *session.TableSession, sub Submission) (Outcome, error) {
	if err := a.validateRange(sub); err != nil {
		return Outcome{}, err
	}

	t := sub.Triple()
	verdict := a.tracker.Validate(sess, t)
	switch verdict {
	case session.StaleRefresh, session.Mismatch:
		if !sess.HasExpected() {
			return Outcome{}, fmt.Errorf("%w: %s round %d", ErrSessionUnknown, t.ClientID(), t.Round)
		}
		if sess.Done {
			return Outcome{Kind: KindMatchDone}, nil
		}
		out := a.reserve(sess.Expected)
		if verdict == session.Mismatch {
			out.Warning = fmt.Sprintf("unexpected input: group %d, table %d, round %d; continuing with group %d, table %d, round %d",
				t.Group, t.Table, t.Round, sess.Expected.Group, sess.Expected.Table, sess.Expected.Round)
		}
		return out, nil
	}

	if strings.TrimSpace(sub.SlipResult) == "" {
		return Outcome{}, fmt.Errorf("%w: slipresult", ErrMissingField)
	}
	if strings.ContainsAny(sub.SlipResult, "\r\n") {
		// one submission is one ledger line
		return Outcome{}, fmt.Errorf("%w: slipresult contains a line break", ErrMalformedField)
	}
	slot, ok := a.match.Slot(t.Group, t.Round, t.Table)
	if !ok {
		return Outcome{}, fmt.Errorf("%w: no movement entry for %s round %d", ErrOutOfRange, t.ClientID(), t.Round)
	}

	handle, err := a.locker.Acquire(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("failed to acquire ledger lock: %w", err)
	}
	defer handle.Release()

	msg := fmt.Sprintf("session: %d, group: %d, table: %d, round: %d, ns: %d, ew: %d, slipresult: %s",
		a.match.Session, t.Group, t.Table, t.Round, slot.NS, slot.EW, sub.SlipResult)
	a.ledger.Append(ctx, sess, t.ClientID(), msg)

	return a.Advance(ctx, sess, t), nil
}

// Advance moves a table past round `from`, skipping sit-outs. Past the last round
// it writes the terminal record. Callers hold the ledger lock.
func (a *App) Advance(ctx context.Context, sess *session.TableSession, from models.Triple) Outcome {
	next := from
	next.Round++
	for {
		if next.Round > a.match.Rounds {
			msg := fmt.Sprintf("ready session: %d, group: %d, table: %d, round: %d",
				a.match.Session, next.Group, next.Table, a.match.Rounds)
			a.ledger.Append(ctx, sess, next.ClientID(), msg)

			last := next
			last.Round = a.match.Rounds
			a.tracker.Finish(sess, last)
			log.Info().Str("client", next.ClientID()).Msg("table finished the match")
			return Outcome{Kind: KindMatchDone}
		}

		slot, ok := a.match.Slot(next.Group, next.Round, next.Table)
		if !ok || slot.SitOut() {
			next.Round++
			continue
		}

		a.tracker.Commit(sess, next)
		return Outcome{Kind: KindServeNext, Slip: a.slip(next, slot)}
	}
}

// reserve builds the slip of a stored, already committed position.
func (a *App) reserve(t models.Triple) Outcome {
	slot, _ := a.match.Slot(t.Group, t.Round, t.Table)
	return Outcome{Kind: KindServeNext, Slip: a.slip(t, slot)}
}

func (a *App) slip(t models.Triple, slot models.TableSlot) *models.Slip {
	s := &models.Slip{
		Session:   a.match.Session,
		Group:     t.Group,
		Table:     t.Table,
		Round:     t.Round,
		Set:       slot.Set,
		FirstGame: a.match.FirstGame(slot.Set),
		SetSize:   a.match.SetSize,
		NS:        slot.NS,
		EW:        slot.EW,
		NSName:    a.match.PairName(slot.NS),
		EWName:    a.match.PairName(slot.EW),
	}
	if a.match.GroupCount() > 1 {
		s.GroupName = a.match.GroupName(t.Group)
	}
	return s
}

func (a *App) validateRange(sub Submission) error {
	switch {
	case sub.Group < 1 || sub.Group > a.match.GroupCount():
		return fmt.Errorf("%w: group %d", ErrOutOfRange, sub.Group)
	case sub.Table < 1 || sub.Table > a.match.TablesIn(sub.Group):
		return fmt.Errorf("%w: table %d", ErrOutOfRange, sub.Table)
	case sub.Round < 0 || sub.Round > a.match.Rounds:
		return fmt.Errorf("%w: round %d", ErrOutOfRange, sub.Round)
	}
	return nil
}
