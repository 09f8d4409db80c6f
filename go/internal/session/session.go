// Package session keeps the per-table state of the round coordination.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/slipserver/go/internal/models"
	"github.com/mcdev12/slipserver/go/internal/relay"
)

// TableSession is the private state of one physical table.
type TableSession struct {
	ID        uuid.UUID
	CreatedAt time.Time

	// Expected is the triple the table is expected to submit next.
	Expected models.Triple
	// Done is set once the terminal record has been written.
	Done bool

	// LedgerPath memoizes the resolved ledger file; empty until resolved.
	LedgerPath string
	Relay      relay.Link

	hasExpected bool
	mu          sync.Mutex
}

// Lock serializes requests of the same table.
func (s *TableSession) Lock() { s.mu.Lock() }

// Unlock releases the table.
func (s *TableSession) Unlock() { s.mu.Unlock() }

// HasExpected reports whether a triple was ever stored.
func (s *TableSession) HasExpected() bool {
	return s.hasExpected
}

// Reset forgets the table position and the relay probe, as a new login does.
// The resolved ledger path is kept for the lifetime of the session.
func (s *TableSession) Reset() {
	s.Expected = models.Triple{}
	s.hasExpected = false
	s.Done = false
	s.Relay.Reset()
}
