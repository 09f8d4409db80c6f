package models

import (
	"fmt"
	"time"
)

// Triple identifies where a table stands in the match.
type Triple struct {
	Group int `json:"group"`
	Table int `json:"table"`
	Round int `json:"round"` // 0 is the login sentinel
}

// ClientID returns the "group.table" tag used in the ledger.
func (t Triple) ClientID() string {
	return fmt.Sprintf("%d.%d", t.Group, t.Table)
}

// ResultRecord is one immutable ledger entry.
type ResultRecord struct {
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"client_id"`
	Message   string    `json:"message"`
}

// Line renders the record in ledger format, including the trailing newline.
func (r ResultRecord) Line() string {
	return fmt.Sprintf("%s %s %s %s\n",
		r.Timestamp.Format("2006.01.02"),
		r.Timestamp.Format("15:04:05"),
		r.ClientID,
		r.Message,
	)
}

// Slip describes the score slip a table must fill in next.
type Slip struct {
	Session   int    `json:"session"`
	Group     int    `json:"group"`
	GroupName string `json:"group_name,omitempty"` // only set when the match has several groups
	Table     int    `json:"table"`
	Round     int    `json:"round"`
	Set       int    `json:"set"`
	FirstGame int    `json:"first_game"`
	SetSize   int    `json:"set_size"`
	NS        int    `json:"ns"`
	EW        int    `json:"ew"`
	NSName    string `json:"ns_name"`
	EWName    string `json:"ew_name"`
}
