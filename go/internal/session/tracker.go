package session

import (
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/slipserver/go/internal/models"
)

// Verdict is the result of comparing a submission with the stored triple.
type Verdict int

const (
	// OK means the submission is the one expected.
	OK Verdict = iota
	// StaleRefresh is a resubmission of the previous round.
	StaleRefresh
	// Mismatch is any other divergence from the stored triple.
	Mismatch
)

func (v Verdict) String() string {
	switch v {
	case OK:
		return "ok"
	case StaleRefresh:
		return "stale_refresh"
	case Mismatch:
		return "mismatch"
	default:
		return "unknown"
	}
}

// Tracker validates submissions against the session and commits advances.
type Tracker struct{}

// Validate classifies a submitted triple. A session without a stored triple
// always yields Mismatch; callers decide whether that is repairable.
func (Tracker) Validate(sess *TableSession, submitted models.Triple) Verdict {
	if !sess.hasExpected {
		log.Warn().Str("client", submitted.ClientID()).Int("round", submitted.Round).Msg("submission without login")
		return Mismatch
	}

	expected := sess.Expected
	switch {
	case submitted == expected:
		return OK
	case submitted.Group == expected.Group &&
		submitted.Table == expected.Table &&
		submitted.Round == expected.Round-1:
		log.Info().
			Str("client", submitted.ClientID()).
			Int("round", submitted.Round).
			Msg("page refresh detected, result not processed again")
		return StaleRefresh
	default:
		log.Warn().
			Str("client", expected.ClientID()).
			Int("expected_group", expected.Group).
			Int("expected_table", expected.Table).
			Int("expected_round", expected.Round).
			Int("group", submitted.Group).
			Int("table", submitted.Table).
			Int("round", submitted.Round).
			Msg("submission does not match session, using stored values")
		return Mismatch
	}
}

// Commit stores the triple after a successful advance.
func (Tracker) Commit(sess *TableSession, t models.Triple) {
	sess.Expected = t
	sess.hasExpected = true
	log.Debug().Str("client", t.ClientID()).Int("round", t.Round).Msg("session committed")
}

// Finish marks the match done for the table. The stored round moves past the
// last one so a refresh of the final slip reads as stale.
func (t Tracker) Finish(sess *TableSession, last models.Triple) {
	last.Round++
	t.Commit(sess, last)
	sess.Done = true
}
