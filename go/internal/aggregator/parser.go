package aggregator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/mcdev12/slipserver/go/internal/relay"
)

// Command is the kind of a ledger line.
type Command int

const (
	CmdComment Command = iota
	CmdLogin
	CmdResult
	CmdReady
)

func (c Command) String() string {
	switch c {
	case CmdComment:
		return "comment"
	case CmdLogin:
		return "login"
	case CmdResult:
		return "result"
	case CmdReady:
		return "ready"
	default:
		return "unknown"
	}
}

// LineError is a rejected line together with the code sent back to the client.
type LineError struct {
	Code   byte
	Reason string
}

func (e *LineError) Error() string {
	return fmt.Sprintf("code %d: %s", e.Code, e.Reason)
}

func lineErr(code byte, format string, args ...any) *LineError {
	return &LineError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// GameData is one {game, declarer, level, suit, tricks, doubled, nsScore} entry.
type GameData struct {
	Game     int `json:"game"`
	Declarer int `json:"declarer"`
	Level    int `json:"level"`
	Suit     int `json:"suit"`
	Tricks   int `json:"tricks"` // over/under tricks relative to the contract
	Doubled  int `json:"doubled"`
	NSScore  int `json:"ns_score"`
}

// GameEntry is a parsed entry, or the raw text when it could not be parsed.
type GameEntry struct {
	Data GameData
	Raw  string
	OK   bool
}

// Parsed is a ledger line broken into its parts.
type Parsed struct {
	Command  Command
	ClientID string

	// login and result
	Group int
	Table int

	// result only
	Session int
	Round   int
	NS      int
	EW      int
	Games   []GameEntry
}

var (
	headRe   = regexp.MustCompile(`^\s*(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s*(.*)$`)
	loginRe  = regexp.MustCompile(`^for group: (\d+), table: (\d+)`)
	resultRe = regexp.MustCompile(`^(\d+), group: (\d+), table: (\d+), round: (\d+), ns: (\d+), ew: (\d+), slipresult: ?(.*)$`)
	gameRe   = regexp.MustCompile(`^\{\s*(\d+),\s*(\d+),\s*(\d+),\s*(\d+),\s*([+-]?\d+),\s*(\d+),\s*([+-]?\d+)\s*\}$`)
)

// ParseLine splits "<date> <time> <g.t> <command> ..." into its parts.
func ParseLine(line string) (Parsed, error) {
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(strings.TrimSpace(line), ";") {
		return Parsed{Command: CmdComment}, nil
	}

	m := headRe.FindStringSubmatch(line)
	if m == nil {
		return Parsed{}, lineErr(relay.CodeFormat, "expected <date> <time> <id> <command>")
	}
	p := Parsed{ClientID: m[3]}
	cmd, rest := m[4], m[5]

	switch {
	case strings.HasPrefix(cmd, ";"):
		p.Command = CmdComment
	case cmd == "ready":
		p.Command = CmdReady
	case cmd == "login":
		lm := loginRe.FindStringSubmatch(rest)
		if lm == nil {
			return Parsed{}, lineErr(relay.CodeParamRange, "login without group and table")
		}
		p.Command = CmdLogin
		p.Group = atoi(lm[1])
		p.Table = atoi(lm[2])
	case cmd == "session:":
		rm := resultRe.FindStringSubmatch(rest)
		if rm == nil {
			return Parsed{}, lineErr(relay.CodeParamCount, "result header incomplete")
		}
		p.Command = CmdResult
		p.Session = atoi(rm[1])
		p.Group = atoi(rm[2])
		p.Table = atoi(rm[3])
		p.Round = atoi(rm[4])
		p.NS = atoi(rm[5])
		p.EW = atoi(rm[6])
		p.Games = parseGames(rm[7])
	default:
		return Parsed{}, lineErr(relay.CodeBadCommand, "unknown command %q", cmd)
	}
	return p, nil
}

// parseGames splits '@'-separated game entries.
func parseGames(s string) []GameEntry {
	var games []GameEntry
	for _, raw := range strings.Split(s, "@") {
		raw = strings.TrimSpace(raw)
		gm := gameRe.FindStringSubmatch(raw)
		if gm == nil {
			games = append(games, GameEntry{Raw: raw})
			continue
		}
		games = append(games, GameEntry{
			Raw: raw,
			OK:  true,
			Data: GameData{
				Game:     atoi(gm[1]),
				Declarer: atoi(gm[2]),
				Level:    atoi(gm[3]),
				Suit:     atoi(gm[4]),
				Tricks:   atoi(gm[5]),
				Doubled:  atoi(gm[6]),
				NSScore:  atoi(gm[7]),
			},
		})
	}
	return games
}

// parseClientID splits a "group.table" id.
func parseClientID(id string) (group, table int, ok bool) {
	g, t, found := strings.Cut(id, ".")
	if !found {
		return 0, 0, false
	}
	group, err1 := strconv.Atoi(g)
	table, err2 := strconv.Atoi(t)
	return group, table, err1 == nil && err2 == nil
}

// atoi is only called on regexp digit groups.
func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
