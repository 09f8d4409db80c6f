package slips

import (
	"errors"

	"github.com/mcdev12/slipserver/go/internal/models"
)

var (
	ErrMissingField   = errors.New("missing field")
	ErrMalformedField = errors.New("malformed field")
	ErrOutOfRange     = errors.New("value out of range")
	ErrSessionUnknown = errors.New("session has no stored position")
)

// Submission is one POST from a table.
type Submission struct {
	Group      int    `json:"group"`
	Table      int    `json:"table"`
	Round      int    `json:"round"` // 0 is a login
	SlipResult string `json:"slipresult"`
	// ForcedRound lets a login start later in the match; 0 starts at round 1.
	ForcedRound int `json:"forcedRound"`
}

// Triple returns the position the table claims to be at.
func (s Submission) Triple() models.Triple {
	return models.Triple{Group: s.Group, Table: s.Table, Round: s.Round}
}

// Kind is the type of answer sent back to the table.
type Kind string

const (
	KindServeNext Kind = "serve_next"
	KindMatchDone Kind = "match_done"
	KindError     Kind = "error"
)

// Outcome is the answer to a submission.
type Outcome struct {
	Kind    Kind         `json:"kind"`
	Slip    *models.Slip `json:"slip,omitempty"`
	Warning string       `json:"warning,omitempty"`
	Message string       `json:"message,omitempty"`
}

func errorOutcome(err error) Outcome {
	return Outcome{Kind: KindError, Message: err.Error()}
}
