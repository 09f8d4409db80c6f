package aggregator

import (
	"sync"
	"testing"

	"github.com/mcdev12/slipserver/go/internal/match"
	"github.com/mcdev12/slipserver/go/internal/models"
)

const testMatchYAML = `
session: 1
rounds: 2
set_size: 2
groups:
  - name: A
    rounds:
      - [[1, 1, 2], [2, 3, 4]]
      - [[2, 1, 4], [0, 0, 0]]
  - name: B
    rounds:
      - [[1, 5, 6]]
      - [[0, 0, 0]]
`

func testMatch(t *testing.T) *models.MatchConfig {
	t.Helper()
	cfg, err := match.Parse([]byte(testMatchYAML))
	if err != nil {
		t.Fatalf("parse test match: %v", err)
	}
	return cfg
}

type recordingBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (r *recordingBroadcaster) Broadcast(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingBroadcaster) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}
