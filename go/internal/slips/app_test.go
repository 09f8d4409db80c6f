package slips

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/slipserver/go/internal/feed"
	"github.com/mcdev12/slipserver/go/internal/filelock"
	"github.com/mcdev12/slipserver/go/internal/ledger"
	"github.com/mcdev12/slipserver/go/internal/models"
	"github.com/mcdev12/slipserver/go/internal/relay"
	"github.com/mcdev12/slipserver/go/internal/session"
)

func slot(set, ns, ew int) models.TableSlot {
	return models.TableSlot{Set: set, NS: ns, EW: ew}
}

var sitOut = models.TableSlot{}

// testMatch has 5 rounds of 2 boards. In group A tables 2 and 3 sit out in
// round 3; in group B table 2 sits out in rounds 4 and 5.
func testMatch() *models.MatchConfig {
	return &models.MatchConfig{
		Session: 1,
		Rounds:  5,
		SetSize: 2,
		Groups: []models.Group{
			{
				Name: "A",
				Movement: [][]models.TableSlot{
					{slot(1, 1, 2), slot(2, 3, 4), slot(3, 5, 6)},
					{slot(2, 1, 4), slot(3, 3, 6), slot(1, 5, 2)},
					{slot(3, 1, 6), sitOut, sitOut},
					{slot(4, 1, 3), slot(1, 2, 6), slot(5, 4, 5)},
					{slot(5, 1, 5), slot(4, 2, 4), slot(2, 3, 6)},
				},
			},
			{
				Name: "B",
				Movement: [][]models.TableSlot{
					{slot(1, 11, 12), slot(2, 13, 14)},
					{slot(2, 11, 13), slot(1, 12, 14)},
					{slot(3, 11, 14), slot(4, 12, 13)},
					{slot(4, 12, 11), sitOut},
					{slot(5, 13, 11), sitOut},
				},
			},
		},
		PairNames: map[int]string{1: "Jansen - de Vries", 2: "Bakker - Visser", 5: "Smit - Mulder", 4: "Bos - Vos"},
	}
}

type countingProber struct {
	calls atomic.Int32
}

func (p *countingProber) CheckConnection(_ context.Context, link *relay.Link) bool {
	p.calls.Add(1)
	link.Checked = true
	return false
}

type fixture struct {
	app    *App
	ledger string
	lock   string
	prober *countingProber
}

func newFixture(t *testing.T, opts ...filelock.Option) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		ledger: filepath.Join(dir, "result.txt"),
		lock:   filepath.Join(dir, "lock.txt"),
		prober: &countingProber{},
	}
	clock := clockwork.NewFakeClockAt(time.Date(2025, 10, 9, 19, 30, 0, 0, time.Local))
	l := ledger.New(ledger.Config{Path: f.ledger}, clock, nil)
	opts = append([]filelock.Option{filelock.WithPollInterval(time.Millisecond)}, opts...)
	f.app = NewApp(testMatch(), l, filelock.New(f.lock, opts...), f.prober)
	return f
}

// messages returns the ledger messages without timestamps, header excluded.
func (f *fixture) messages(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(f.ledger)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		t.Fatal(err)
	}
	var out []string
	for _, line := range strings.Split(strings.TrimSuffix(string(data), "\n"), "\n") {
		if strings.HasPrefix(line, ";") {
			continue
		}
		// "<date> <time> <g.t> <message>"
		parts := strings.SplitN(line, " ", 3)
		if len(parts) != 3 {
			t.Fatalf("malformed ledger line %q", line)
		}
		out = append(out, parts[2])
	}
	return out
}

func mustHandle(t *testing.T, app *App, sess *session.TableSession, sub Submission) Outcome {
	t.Helper()
	out, err := app.Handle(context.Background(), sess, sub)
	if err != nil {
		t.Fatalf("Handle(%+v): %v", sub, err)
	}
	return out
}

func servedRound(t *testing.T, out Outcome) int {
	t.Helper()
	if out.Kind != KindServeNext || out.Slip == nil {
		t.Fatalf("expected serve_next, got %+v", out)
	}
	return out.Slip.Round
}

func TestLoginServesFirstSlip(t *testing.T) {
	f := newFixture(t)
	sess := &session.TableSession{}

	out := mustHandle(t, f.app, sess, Submission{Group: 1, Table: 1})

	want := &models.Slip{
		Session: 1, Group: 1, GroupName: "A", Table: 1, Round: 1,
		Set: 1, FirstGame: 1, SetSize: 2,
		NS: 1, EW: 2, NSName: "Jansen - de Vries", EWName: "Bakker - Visser",
	}
	if diff := cmp.Diff(want, out.Slip); diff != "" {
		t.Fatalf("slip mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{
		"1.1 login for group: 1, table: 1, groups: 2, fRound: 0, rounds: 5, games: 10",
	}, f.messages(t)); diff != "" {
		t.Fatalf("ledger mismatch (-want +got):\n%s", diff)
	}
	if sess.Expected != (models.Triple{Group: 1, Table: 1, Round: 1}) {
		t.Fatalf("expected triple = %+v", sess.Expected)
	}
	if f.prober.calls.Load() != 1 {
		t.Fatalf("expected one probe at login, got %d", f.prober.calls.Load())
	}
}

func TestSubmitRecordsResult(t *testing.T) {
	f := newFixture(t)
	sess := &session.TableSession{}
	mustHandle(t, f.app, sess, Submission{Group: 1, Table: 1})

	out := mustHandle(t, f.app, sess, Submission{Group: 1, Table: 1, Round: 1, SlipResult: "{1,1,4,2,0,0,420}@{2,3,3,5,-1,0,100}"})

	if servedRound(t, out) != 2 || out.Slip.FirstGame != 3 {
		t.Fatalf("unexpected slip %+v", out.Slip)
	}
	got := f.messages(t)
	want := "1.1 session: 1, group: 1, table: 1, round: 1, ns: 1, ew: 2, slipresult: {1,1,4,2,0,0,420}@{2,3,3,5,-1,0,100}"
	if len(got) != 2 || got[1] != want {
		t.Fatalf("ledger = %q", got)
	}
	if f.prober.calls.Load() != 1 {
		t.Fatal("submissions must not probe the aggregator again")
	}
}

// Scenario A
func TestAdvanceSkipsSitOut(t *testing.T) {
	f := newFixture(t)
	sess := &session.TableSession{}
	mustHandle(t, f.app, sess, Submission{Group: 1, Table: 3})
	mustHandle(t, f.app, sess, Submission{Group: 1, Table: 3, Round: 1, SlipResult: "r1"})

	out := mustHandle(t, f.app, sess, Submission{Group: 1, Table: 3, Round: 2, SlipResult: "r2"})

	if servedRound(t, out) != 4 {
		t.Fatalf("expected round 4, got %d", out.Slip.Round)
	}
	if out.Slip.Set != 5 || out.Slip.FirstGame != 9 {
		t.Fatalf("expected set 5 starting at game 9, got %+v", out.Slip)
	}
	if sess.Expected.Round != 4 {
		t.Fatalf("expected round stored as 4, got %d", sess.Expected.Round)
	}
	if n := len(f.messages(t)); n != 3 {
		t.Fatalf("sit-out must not be recorded, got %d records", n)
	}
}

// Scenario B
func TestForcedRound(t *testing.T) {
	tests := []struct {
		name        string
		group       int
		table       int
		forcedRound int
		wantRound   int
	}{
		{"playable forced round", 1, 1, 3, 3},
		{"forced round is a sit-out", 1, 2, 3, 4},
		{"forced round 1", 1, 2, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sess := &session.TableSession{}
			out := mustHandle(t, f.app, sess, Submission{Group: tt.group, Table: tt.table, ForcedRound: tt.forcedRound})
			if got := servedRound(t, out); got != tt.wantRound {
				t.Fatalf("served round %d, want %d", got, tt.wantRound)
			}
			want := fmt.Sprintf("fRound: %d,", tt.forcedRound)
			if msgs := f.messages(t); !strings.Contains(msgs[0], want) {
				t.Fatalf("login record %q missing %q", msgs[0], want)
			}
		})
	}
}

func TestForcedRoundPastEndFinishes(t *testing.T) {
	f := newFixture(t)
	sess := &session.TableSession{}
	out := mustHandle(t, f.app, sess, Submission{Group: 1, Table: 1, ForcedRound: 6})
	if out.Kind != KindMatchDone {
		t.Fatalf("expected match_done, got %+v", out)
	}
}

// P3, P4
func TestMatchDoneWritesOneTerminalRecord(t *testing.T) {
	f := newFixture(t)
	sess := &session.TableSession{}
	mustHandle(t, f.app, sess, Submission{Group: 2, Table: 2})
	for round := 1; round <= 2; round++ {
		out := mustHandle(t, f.app, sess, Submission{Group: 2, Table: 2, Round: round, SlipResult: "x"})
		if servedRound(t, out) != round+1 {
			t.Fatalf("after round %d served %d", round, out.Slip.Round)
		}
	}

	out := mustHandle(t, f.app, sess, Submission{Group: 2, Table: 2, Round: 3, SlipResult: "x"})
	if out.Kind != KindMatchDone {
		t.Fatalf("expected match_done, got %+v", out)
	}
	if !sess.Done {
		t.Fatal("session must be done")
	}

	// refresh of the last slip and a stray submission
	for _, sub := range []Submission{
		{Group: 2, Table: 2, Round: 3, SlipResult: "x"},
		{Group: 2, Table: 2, Round: 1, SlipResult: "x"},
	} {
		if out := mustHandle(t, f.app, sess, sub); out.Kind != KindMatchDone {
			t.Fatalf("resubmission %+v: expected match_done, got %+v", sub, out)
		}
	}

	msgs := f.messages(t)
	terminal := 0
	for _, m := range msgs {
		if strings.HasPrefix(m, "2.2 ready") {
			terminal++
		}
	}
	if terminal != 1 {
		t.Fatalf("expected one terminal record, got %d in %q", terminal, msgs)
	}
	if last := msgs[len(msgs)-1]; last != "2.2 ready session: 1, group: 2, table: 2, round: 5" {
		t.Fatalf("terminal record = %q", last)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected login, 3 results and ready, got %q", msgs)
	}
}

// P2
func TestStaleRefreshIsNotRecordedAgain(t *testing.T) {
	f := newFixture(t)
	sess := &session.TableSession{}
	mustHandle(t, f.app, sess, Submission{Group: 1, Table: 1})
	first := mustHandle(t, f.app, sess, Submission{Group: 1, Table: 1, Round: 1, SlipResult: "x"})
	before := f.messages(t)

	again := mustHandle(t, f.app, sess, Submission{Group: 1, Table: 1, Round: 1, SlipResult: "x"})

	if diff := cmp.Diff(first, again); diff != "" {
		t.Fatalf("refresh must re-serve the same slip (-first +again):\n%s", diff)
	}
	if again.Warning != "" {
		t.Fatalf("refresh must not warn, got %q", again.Warning)
	}
	if diff := cmp.Diff(before, f.messages(t)); diff != "" {
		t.Fatalf("ledger changed on refresh:\n%s", diff)
	}
}

func TestMismatchReservesStoredSlip(t *testing.T) {
	f := newFixture(t)
	sess := &session.TableSession{}
	mustHandle(t, f.app, sess, Submission{Group: 1, Table: 1})
	before := f.messages(t)

	out := mustHandle(t, f.app, sess, Submission{Group: 1, Table: 2, Round: 4, SlipResult: "x"})

	if servedRound(t, out) != 1 || out.Slip.Table != 1 {
		t.Fatalf("expected the stored slip, got %+v", out.Slip)
	}
	if out.Warning == "" {
		t.Fatal("expected a warning")
	}
	if diff := cmp.Diff(before, f.messages(t)); diff != "" {
		t.Fatalf("ledger changed on mismatch:\n%s", diff)
	}
	if sess.Expected != (models.Triple{Group: 1, Table: 1, Round: 1}) {
		t.Fatalf("session changed on mismatch: %+v", sess.Expected)
	}
}

func TestErrors(t *testing.T) {
	tests := []struct {
		name  string
		login bool
		sub   Submission
		want  error
	}{
		{"group zero", false, Submission{Group: 0, Table: 1, Round: 1}, ErrOutOfRange},
		{"group too large", false, Submission{Group: 3, Table: 1, Round: 1}, ErrOutOfRange},
		{"table too large for group", false, Submission{Group: 2, Table: 3, Round: 1}, ErrOutOfRange},
		{"round too large", false, Submission{Group: 1, Table: 1, Round: 6}, ErrOutOfRange},
		{"negative round", false, Submission{Group: 1, Table: 1, Round: -1}, ErrOutOfRange},
		{"negative forced round", false, Submission{Group: 1, Table: 1, ForcedRound: -2}, ErrOutOfRange},
		{"no login", false, Submission{Group: 1, Table: 1, Round: 1, SlipResult: "x"}, ErrSessionUnknown},
		{"missing slipresult", true, Submission{Group: 1, Table: 1, Round: 1}, ErrMissingField},
		{"slipresult with line break", true, Submission{Group: 1, Table: 1, Round: 1, SlipResult: "{1,1,4,2,0,0,420}\r\n"}, ErrMalformedField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			sess := &session.TableSession{}
			if tt.login {
				mustHandle(t, f.app, sess, Submission{Group: 1, Table: 1})
			}
			out, err := f.app.Handle(context.Background(), sess, tt.sub)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if out.Kind != KindError || out.Message == "" {
				t.Fatalf("expected an error outcome, got %+v", out)
			}
		})
	}
}

func TestSlipResultCannotAddLedgerLines(t *testing.T) {
	f := newFixture(t)
	sess := &session.TableSession{}
	mustHandle(t, f.app, sess, Submission{Group: 1, Table: 1})
	before := f.messages(t)

	forged := "{1,1,4,2,0,0,420}\n2025.10.09 19:30:00 1.2 ready session: 1, group: 1, table: 2, round: 5"
	_, err := f.app.Handle(context.Background(), sess, Submission{Group: 1, Table: 1, Round: 1, SlipResult: forged})
	if !errors.Is(err, ErrMalformedField) {
		t.Fatalf("err = %v, want ErrMalformedField", err)
	}
	if diff := cmp.Diff(before, f.messages(t)); diff != "" {
		t.Fatalf("ledger changed (-want +got):\n%s", diff)
	}
	if sess.Expected.Round != 1 {
		t.Fatalf("session advanced to %+v", sess.Expected)
	}

	// the table can still submit a clean result for the same round
	out := mustHandle(t, f.app, sess, Submission{Group: 1, Table: 1, Round: 1, SlipResult: "{1,1,4,2,0,0,420}"})
	if servedRound(t, out) != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestLockUnavailable(t *testing.T) {
	f := newFixture(t, filelock.WithTimeout(50*time.Millisecond))
	sess := &session.TableSession{}
	mustHandle(t, f.app, sess, Submission{Group: 1, Table: 1})
	before := f.messages(t)

	held, err := filelock.New(f.lock).Acquire(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	defer held.Release()

	_, err = f.app.Handle(context.Background(), sess, Submission{Group: 1, Table: 1, Round: 1, SlipResult: "x"})
	if !errors.Is(err, filelock.ErrLockUnavailable) {
		t.Fatalf("expected ErrLockUnavailable, got %v", err)
	}
	if sess.Expected.Round != 1 {
		t.Fatalf("session must not advance without the lock, got %+v", sess.Expected)
	}
	if diff := cmp.Diff(before, f.messages(t)); diff != "" {
		t.Fatalf("ledger written without the lock:\n%s", diff)
	}
}

type failingDialer struct {
	calls atomic.Int32
}

func (d *failingDialer) DialContext(context.Context, string, string) (net.Conn, error) {
	d.calls.Add(1)
	return nil, errors.New("connection refused")
}

// P5
func TestUnreachableAggregatorDoesNotBlockRecording(t *testing.T) {
	dir := t.TempDir()
	dialer := &failingDialer{}
	r := relay.New(relay.Config{Addr: "laptop:45678", Timeout: 100 * time.Millisecond}, dialer)
	l := ledger.New(ledger.Config{Path: filepath.Join(dir, "result.txt")}, clockwork.NewFakeClock(), r)
	app := NewApp(testMatch(), l, filelock.New(filepath.Join(dir, "lock.txt")), r)

	sess := &session.TableSession{}
	mustHandle(t, app, sess, Submission{Group: 1, Table: 1})
	out := mustHandle(t, app, sess, Submission{Group: 1, Table: 1, Round: 1, SlipResult: "x"})
	if servedRound(t, out) != 2 {
		t.Fatalf("unexpected outcome %+v", out)
	}

	if n := dialer.calls.Load(); n != 1 {
		t.Fatalf("expected only the login probe to dial, got %d dials", n)
	}
	data, err := os.ReadFile(filepath.Join(dir, "result.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "round: 1, ns: 1, ew: 2, slipresult: x") {
		t.Fatalf("result not recorded:\n%s", data)
	}
}

// slowPublisher stands in for a feed whose broker is unreachable.
type slowPublisher struct {
	delay time.Duration
	calls atomic.Int32
}

func (p *slowPublisher) Publish(context.Context, models.ResultRecord) error {
	time.Sleep(p.delay)
	p.calls.Add(1)
	return errors.New("nats: timeout")
}

func TestSlowFeedDoesNotHoldTheLedgerLock(t *testing.T) {
	dir := t.TempDir()
	pub := &slowPublisher{delay: 300 * time.Millisecond}
	queue := feed.NewQueue(pub, 16)
	ctx, cancel := context.WithCancel(context.Background())
	queue.Start(ctx)
	t.Cleanup(func() {
		cancel()
		queue.Wait()
	})

	l := ledger.New(ledger.Config{Path: filepath.Join(dir, "result.txt")}, clockwork.NewRealClock(), nil, queue)
	locker := filelock.New(filepath.Join(dir, "lock.txt"),
		filelock.WithTimeout(200*time.Millisecond), filelock.WithPollInterval(time.Millisecond))
	app := NewApp(testMatch(), l, locker, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = app.Handle(context.Background(), &session.TableSession{}, Submission{Group: 1, Table: i + 1})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("login of table 1.%d: %v", i+1, err)
		}
	}
}

// gatedLedger parks the first append of one client until released.
type gatedLedger struct {
	*ledger.Ledger
	client  string
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedLedger) Append(ctx context.Context, sess *session.TableSession, clientID, message string) relay.Result {
	if clientID == g.client {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Ledger.Append(ctx, sess, clientID, message)
}

// Scenario C
func TestContendingTablesAreOrdered(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "result.txt")
	gate := &gatedLedger{
		Ledger:  ledger.New(ledger.Config{Path: path}, clockwork.NewRealClock(), nil),
		client:  "1.1",
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	locker := filelock.New(filepath.Join(dir, "lock.txt"), filelock.WithPollInterval(time.Millisecond))
	app := NewApp(testMatch(), gate.Ledger, locker, nil)

	winner, loser := &session.TableSession{}, &session.TableSession{}
	mustHandle(t, app, winner, Submission{Group: 1, Table: 1})
	mustHandle(t, app, loser, Submission{Group: 2, Table: 1})
	app.ledger = gate

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		app.Handle(context.Background(), winner, Submission{Group: 1, Table: 1, Round: 1, SlipResult: "winner"})
	}()
	<-gate.entered

	loserDone := make(chan struct{})
	go func() {
		defer wg.Done()
		defer close(loserDone)
		app.Handle(context.Background(), loser, Submission{Group: 2, Table: 1, Round: 1, SlipResult: "loser"})
	}()

	select {
	case <-loserDone:
		t.Fatal("second table finished while the lock was held")
	case <-time.After(100 * time.Millisecond):
	}
	close(gate.release)
	wg.Wait()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	w := strings.Index(string(data), "slipresult: winner")
	l := strings.Index(string(data), "slipresult: loser")
	if w < 0 || l < 0 || l < w {
		t.Fatalf("expected winner before loser:\n%s", data)
	}
	if winner.Expected != (models.Triple{Group: 1, Table: 1, Round: 2}) {
		t.Fatalf("winner = %+v", winner.Expected)
	}
	if loser.Expected != (models.Triple{Group: 2, Table: 1, Round: 2}) {
		t.Fatalf("loser = %+v", loser.Expected)
	}
}

// P1
func TestConcurrentTables(t *testing.T) {
	f := newFixture(t)
	type table struct{ group, table int }
	tables := []table{{1, 1}, {1, 2}, {1, 3}, {2, 1}, {2, 2}}

	var wg sync.WaitGroup
	for _, tb := range tables {
		wg.Add(1)
		go func(tb table) {
			defer wg.Done()
			sess := &session.TableSession{}
			out, err := f.app.Handle(context.Background(), sess, Submission{Group: tb.group, Table: tb.table})
			for err == nil && out.Kind == KindServeNext {
				out, err = f.app.Handle(context.Background(), sess, Submission{
					Group: tb.group, Table: tb.table, Round: out.Slip.Round,
					SlipResult: fmt.Sprintf("{%d}", out.Slip.FirstGame),
				})
			}
			if err != nil {
				t.Errorf("table %d.%d: %v", tb.group, tb.table, err)
			}
		}(tb)
	}
	wg.Wait()

	// playable rounds per table: 1.1=5 1.2=4 1.3=4 2.1=5 2.2=3
	const results = 5 + 4 + 4 + 5 + 3
	msgs := f.messages(t)
	counts := map[string]int{}
	for _, m := range msgs {
		fields := strings.Fields(m)
		counts[fields[1]]++
	}
	if counts["login"] != len(tables) || counts["ready"] != len(tables) || counts["session:"] != results {
		t.Fatalf("unexpected record counts %v", counts)
	}
}
