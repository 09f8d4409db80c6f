package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/slipserver/go/internal/config"
	"github.com/mcdev12/slipserver/go/internal/feed"
	"github.com/mcdev12/slipserver/go/internal/filelock"
	"github.com/mcdev12/slipserver/go/internal/ledger"
	"github.com/mcdev12/slipserver/go/internal/models"
	"github.com/mcdev12/slipserver/go/internal/relay"
	"github.com/mcdev12/slipserver/go/internal/session"
	"github.com/mcdev12/slipserver/go/internal/slips"
)

// Services holds everything the HTTP layer serves.
type Services struct {
	Slips    *slips.Service
	Sessions *session.Store

	feed      *feed.JetStreamPublisher
	feedQueue *feed.Queue
}

// Close waits for the feed queue to flush, then releases the feed connection.
// The context given to setupServices must be cancelled first.
func (s *Services) Close() {
	if s.feed == nil {
		return
	}
	s.feedQueue.Wait()
	if err := s.feed.Close(); err != nil {
		log.Warn().Err(err).Msg("failed to drain feed connection")
	}
}

func setupServices(ctx context.Context, cfg config.Server, match *models.MatchConfig) (*Services, error) {
	clock := clockwork.NewRealClock()

	rel := relay.New(relay.Config{Addr: cfg.AggregatorAddr, Timeout: cfg.RelayTimeout}, nil)

	var sinks []ledger.Sink
	var pub *feed.JetStreamPublisher
	var queue *feed.Queue
	if cfg.NATSURL != "" {
		jsCfg := feed.DefaultJetStreamConfig()
		jsCfg.URL = cfg.NATSURL
		jsCfg.SubjectPrefix = cfg.FeedSubjectPrefix

		var err error
		pub, err = feed.NewJetStreamPublisher(ctx, jsCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to connect result feed: %w", err)
		}
		// delivery runs outside the ledger lock
		queue = feed.NewQueue(pub, feed.DefaultQueueSize)
		queue.Start(ctx)
		sinks = append(sinks, queue)
	}

	led := ledger.New(ledger.Config{
		Path:        cfg.LedgerFile,
		FallbackDir: cfg.LedgerFallbackDir,
	}, clock, rel, sinks...)

	locker := filelock.New(cfg.LockFile, filelock.WithTimeout(cfg.LockTimeout), filelock.WithClock(clock))

	store := session.NewStore(clock)
	app := slips.NewApp(match, led, locker, rel)

	return &Services{
		Slips:     slips.NewService(app, store),
		Sessions:  store,
		feed:      pub,
		feedQueue: queue,
	}, nil
}
