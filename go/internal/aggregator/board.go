// Package aggregator is the companion device of the slip server: it receives
// ledger lines over the relay protocol, checks them against the movement and
// keeps a live board of which tables have logged in, played and finished.
package aggregator

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/slipserver/go/internal/models"
	"github.com/mcdev12/slipserver/go/internal/relay"
)

// TableStatus is the state of one table in one round.
type TableStatus string

const (
	StatusAbsent  TableStatus = "absent" // sit-out
	StatusWaiting TableStatus = "waiting"
	StatusReady   TableStatus = "ready"
)

// Event is published for every accepted or rejected line.
type Event struct {
	ID        uuid.UUID `json:"id"`
	Type      string    `json:"type"`
	ClientID  string    `json:"client_id"`
	Group     int       `json:"group,omitempty"`
	Table     int       `json:"table,omitempty"`
	Round     int       `json:"round,omitempty"`
	Code      byte      `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// Broadcaster fans board events out to watchers.
type Broadcaster interface {
	Broadcast(ev Event)
}

type tableKey struct{ group, table int }

type tableState struct {
	LoggedIn bool
	Finished bool
}

// Board holds everything learned from the ledger lines.
type Board struct {
	mu      sync.RWMutex
	match   *models.MatchConfig
	clock   clockwork.Clock
	results map[int][]GameResult // by game number
	tables  map[tableKey]*tableState
	lines   int

	broadcaster Broadcaster
}

// NewBoard creates an empty board for a match. broadcaster may be nil.
func NewBoard(match *models.MatchConfig, clock clockwork.Clock, broadcaster Broadcaster) *Board {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Board{
		match:       match,
		clock:       clock,
		results:     make(map[int][]GameResult),
		tables:      make(map[tableKey]*tableState),
		broadcaster: broadcaster,
	}
}

// HandleLine applies one ledger line and returns the protocol error code.
func (b *Board) HandleLine(line string) byte {
	p, err := ParseLine(line)
	if err != nil {
		return b.reject(p, line, err)
	}

	b.mu.Lock()
	b.lines++
	var lerr *LineError
	switch p.Command {
	case CmdComment:
		b.mu.Unlock()
		return relay.CodeNone
	case CmdLogin:
		lerr = b.applyLogin(p)
	case CmdResult:
		lerr = b.applyResult(p)
	case CmdReady:
		b.applyReady(p)
	}
	b.mu.Unlock()

	if lerr != nil {
		return b.reject(p, line, lerr)
	}
	b.publish(p, relay.CodeNone)
	return relay.CodeNone
}

func (b *Board) reject(p Parsed, line string, err error) byte {
	code := relay.CodeFormat
	var lerr *LineError
	if errors.As(err, &lerr) {
		code = lerr.Code
	}
	log.Warn().Err(err).Str("line", line).Msg("bad input data")
	b.publish(p, code)
	return code
}

func (b *Board) publish(p Parsed, code byte) {
	if b.broadcaster == nil {
		return
	}
	typ := p.Command.String()
	if code != relay.CodeNone {
		typ = "rejected"
	}
	b.broadcaster.Broadcast(Event{
		ID:        uuid.New(),
		Type:      typ,
		ClientID:  p.ClientID,
		Group:     p.Group,
		Table:     p.Table,
		Round:     p.Round,
		Code:      code,
		Timestamp: b.clock.Now(),
	})
}

func (b *Board) validTable(group, table int) bool {
	return group >= 1 && group <= b.match.GroupCount() &&
		table >= 1 && table <= b.match.TablesIn(group)
}

func (b *Board) state(group, table int) *tableState {
	k := tableKey{group, table}
	st, ok := b.tables[k]
	if !ok {
		st = &tableState{}
		b.tables[k] = st
	}
	return st
}

func (b *Board) applyLogin(p Parsed) *LineError {
	if !b.validTable(p.Group, p.Table) {
		return lineErr(relay.CodeParamRange, "group %d table %d", p.Group, p.Table)
	}
	b.state(p.Group, p.Table).LoggedIn = true
	log.Info().Str("client", p.ClientID).Msg("table logged in")
	return nil
}

// applyReady marks a table finished. The line is accepted even when the
// table cannot be identified from its client id.
func (b *Board) applyReady(p Parsed) {
	if group, table, ok := parseClientID(p.ClientID); ok && b.validTable(group, table) {
		b.state(group, table).Finished = true
	}
	log.Info().Str("client", p.ClientID).Msg("table ready")
}

// applyResult records every acceptable game of a result line. Bad entries are
// skipped; the last problem found decides the returned code.
func (b *Board) applyResult(p Parsed) *LineError {
	if p.Session != b.match.Session ||
		!b.validTable(p.Group, p.Table) ||
		p.Round < 1 || p.Round > b.match.Rounds {
		return lineErr(relay.CodeParamRange, "session %d group %d table %d round %d", p.Session, p.Group, p.Table, p.Round)
	}
	pairs := b.match.GroupPairs(p.Group)
	if !pairs[p.NS] || !pairs[p.EW] {
		return lineErr(relay.CodeParamRange, "pairs %d-%d not in group %d", p.NS, p.EW, p.Group)
	}

	slot, _ := b.match.Slot(p.Group, p.Round, p.Table)
	var lerr *LineError
	for _, g := range p.Games {
		if !g.OK {
			lerr = lineErr(relay.CodeParamCount, "bad game entry %q", g.Raw)
			continue
		}
		if !validGame(g.Data, slot.Set, b.match.SetSize) {
			lerr = lineErr(relay.CodeParamRange, "game entry out of range %q", g.Raw)
			continue
		}
		b.record(p.NS, p.EW, g.Data)
	}
	return lerr
}

// record keeps the first result per game and pair combination.
func (b *Board) record(ns, ew int, d GameData) {
	for _, r := range b.results[d.Game] {
		if r.samePairs(ns, ew) {
			return
		}
	}
	b.results[d.Game] = append(b.results[d.Game], GameResult{
		GameData:   d,
		NS:         ns,
		EW:         ew,
		ContractNS: contract(d, true),
		ContractEW: contract(d, false),
	})
}

// hasPlayed reports whether every game of the set has a result for the pairs.
func (b *Board) hasPlayed(slot models.TableSlot) bool {
	first := b.match.FirstGame(slot.Set)
	for game := first; game < first+b.match.SetSize; game++ {
		found := false
		for _, r := range b.results[game] {
			if r.samePairs(slot.NS, slot.EW) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Results returns the recorded results of a game.
func (b *Board) Results(game int) []GameResult {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]GameResult, len(b.results[game]))
	copy(out, b.results[game])
	return out
}

// Snapshot is the full board, as served to watchers.
type Snapshot struct {
	Session int             `json:"session"`
	Rounds  int             `json:"rounds"`
	Lines   int             `json:"lines"`
	Groups  []GroupSnapshot `json:"groups"`
	Games   []int           `json:"games_with_results"`
}

type GroupSnapshot struct {
	Group  int             `json:"group"`
	Name   string          `json:"name"`
	Ready  bool            `json:"ready"`
	Tables []TableSnapshot `json:"tables"`
}

type TableSnapshot struct {
	Table    int           `json:"table"`
	LoggedIn bool          `json:"logged_in"`
	Finished bool          `json:"finished"`
	Rounds   []TableStatus `json:"rounds"` // index 0 is round 1
}

// Snapshot computes the current board.
func (b *Board) Snapshot() Snapshot {
	b.mu.RLock()
	defer b.mu.RUnlock()

	snap := Snapshot{
		Session: b.match.Session,
		Rounds:  b.match.Rounds,
		Lines:   b.lines,
	}
	for g := 1; g <= b.match.GroupCount(); g++ {
		gs := GroupSnapshot{Group: g, Name: b.match.GroupName(g), Ready: true}
		for t := 1; t <= b.match.TablesIn(g); t++ {
			ts := TableSnapshot{Table: t}
			if st, ok := b.tables[tableKey{g, t}]; ok {
				ts.LoggedIn = st.LoggedIn
				ts.Finished = st.Finished
			}
			for r := 1; r <= b.match.Rounds; r++ {
				slot, ok := b.match.Slot(g, r, t)
				status := StatusAbsent
				switch {
				case !ok || slot.SitOut():
				case b.hasPlayed(slot):
					status = StatusReady
				default:
					status = StatusWaiting
					gs.Ready = false
				}
				ts.Rounds = append(ts.Rounds, status)
			}
			gs.Tables = append(gs.Tables, ts)
		}
		snap.Groups = append(snap.Groups, gs)
	}
	for game := range b.results {
		snap.Games = append(snap.Games, game)
	}
	sort.Ints(snap.Games)
	return snap
}
