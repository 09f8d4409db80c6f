package aggregator

import "fmt"

// Declarer values of a game entry.
const (
	DeclarerNoData = iota
	DeclarerNotPlayed
	DeclarerPass
	DeclarerNorth
	DeclarerEast
	DeclarerSouth
	DeclarerWest
)

// Suit values of a game entry.
const (
	SuitClubs = iota + 1
	SuitDiamonds
	SuitHearts
	SuitSpades
	SuitNoTrump
)

const maxDoubled = 2

var (
	suitNames    = []string{"", "Clubs", "Diamonds", "Hearts", "Spades", "NoTrump"}
	doubledMarks = []string{"", "*", "**"}
)

// GameResult is a recorded score for one game and one pair of pairs.
type GameResult struct {
	GameData
	NS         int    `json:"ns"`
	EW         int    `json:"ew"`
	ContractNS string `json:"contract_ns,omitempty"`
	ContractEW string `json:"contract_ew,omitempty"`
}

// samePairs reports whether the result was played by ns and ew, in either direction.
func (r GameResult) samePairs(ns, ew int) bool {
	return (r.NS == ns && r.EW == ew) || (r.NS == ew && r.EW == ns)
}

// validGame checks the ranges of an entry for a table playing set.
func validGame(d GameData, set, setSize int) bool {
	totalTricks := 6 + d.Level + d.Tricks
	switch {
	case set < 1 || (d.Game-1)/setSize != set-1 || d.Game < 1:
		return false
	case d.Declarer < DeclarerNoData || d.Declarer > DeclarerWest:
		return false
	case d.Doubled < 0 || d.Doubled > maxDoubled:
		return false
	case d.Level < 1 || d.Level > 7:
		return false
	case d.Suit < SuitClubs || d.Suit > SuitNoTrump:
		return false
	case totalTricks < 0 || totalTricks > 13:
		return false
	}
	return true
}

// contract renders the contract as seen from one side, "" when that side did not declare.
func contract(d GameData, ns bool) string {
	switch d.Declarer {
	case DeclarerNoData, DeclarerNotPlayed:
		return ""
	case DeclarerPass:
		if ns {
			return "Bye"
		}
		return ""
	case DeclarerNorth, DeclarerSouth:
		if !ns {
			return ""
		}
	case DeclarerEast, DeclarerWest:
		if ns {
			return ""
		}
	}
	return fmt.Sprintf("%d%s%+d%s", d.Level, suitNames[d.Suit], d.Tricks, doubledMarks[d.Doubled])
}
