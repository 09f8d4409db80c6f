package models

// TableSlot is the movement entry for one table in one round.
type TableSlot struct {
	Set int `json:"set"` // 0 means nobody plays at this table this round
	NS  int `json:"ns"`  // pair id sitting north-south
	EW  int `json:"ew"`  // pair id sitting east-west
}

// SitOut reports whether the table is idle for the round.
func (s TableSlot) SitOut() bool {
	return s.Set == 0
}

// Group is a set of tables playing their own movement.
type Group struct {
	Name string `json:"name"`
	// Movement is indexed [round-1][table-1].
	Movement [][]TableSlot `json:"movement"`
}

// Tables returns the number of tables in the group.
func (g Group) Tables() int {
	if len(g.Movement) == 0 {
		return 0
	}
	return len(g.Movement[0])
}

// MatchConfig is the read-only description of the running session.
type MatchConfig struct {
	Description string         `json:"description"`
	Session     int            `json:"session"`
	Rounds      int            `json:"rounds"`   // total rounds
	SetSize     int            `json:"set_size"` // boards per set
	Groups      []Group        `json:"groups"`
	PairNames   map[int]string `json:"pair_names"`
}

// GroupCount returns the number of groups.
func (m *MatchConfig) GroupCount() int {
	return len(m.Groups)
}

// Group returns the 1-based group.
func (m *MatchConfig) Group(group int) (Group, bool) {
	if group < 1 || group > len(m.Groups) {
		return Group{}, false
	}
	return m.Groups[group-1], true
}

// GroupName returns the display name of a 1-based group, or "" when unknown.
func (m *MatchConfig) GroupName(group int) string {
	g, ok := m.Group(group)
	if !ok {
		return ""
	}
	return g.Name
}

// TablesIn returns the number of tables in a 1-based group, 0 when unknown.
func (m *MatchConfig) TablesIn(group int) int {
	g, ok := m.Group(group)
	if !ok {
		return 0
	}
	return g.Tables()
}

// Slot looks up movement[group][round][table], all 1-based.
func (m *MatchConfig) Slot(group, round, table int) (TableSlot, bool) {
	g, ok := m.Group(group)
	if !ok || round < 1 || round > len(g.Movement) {
		return TableSlot{}, false
	}
	row := g.Movement[round-1]
	if table < 1 || table > len(row) {
		return TableSlot{}, false
	}
	return row[table-1], true
}

// PairName returns the display name for a pair id.
func (m *MatchConfig) PairName(id int) string {
	return m.PairNames[id]
}

// FirstGame returns the first board number of a set.
func (m *MatchConfig) FirstGame(set int) int {
	return (set-1)*m.SetSize + 1
}

// TotalGames returns the number of boards played in the session.
func (m *MatchConfig) TotalGames() int {
	return m.Rounds * m.SetSize
}

// GroupPairs returns the set of pair ids appearing in the movement of a group.
func (m *MatchConfig) GroupPairs(group int) map[int]bool {
	pairs := make(map[int]bool)
	g, ok := m.Group(group)
	if !ok {
		return pairs
	}
	for _, row := range g.Movement {
		for _, slot := range row {
			if slot.SitOut() {
				continue
			}
			pairs[slot.NS] = true
			pairs[slot.EW] = true
		}
	}
	return pairs
}
