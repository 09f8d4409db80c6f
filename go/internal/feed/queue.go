package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/slipserver/go/internal/models"
)

// ErrQueueFull is returned by Queue.Publish when the buffer has no room.
var ErrQueueFull = errors.New("feed queue full")

// DefaultQueueSize holds a few rounds of a large match.
const DefaultQueueSize = 1024

// Publisher delivers one record. JetStreamPublisher is one.
type Publisher interface {
	Publish(ctx context.Context, rec models.ResultRecord) error
}

// Queue decouples ledger appends from delivery: Publish only buffers the
// record, a worker goroutine hands it to the underlying publisher.
type Queue struct {
	publisher Publisher
	items     chan models.ResultRecord

	wg sync.WaitGroup
}

func NewQueue(publisher Publisher, size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{
		publisher: publisher,
		items:     make(chan models.ResultRecord, size),
	}
}

// Publish implements ledger.Sink. It never blocks; the request context is not
// kept since delivery outlives the request.
func (q *Queue) Publish(_ context.Context, rec models.ResultRecord) error {
	select {
	case q.items <- rec:
		return nil
	default:
		return ErrQueueFull
	}
}

// Start runs the delivery worker until ctx is done. Records still buffered at
// that point are flushed before Wait returns.
func (q *Queue) Start(ctx context.Context) {
	q.wg.Add(1)
	go q.run(ctx)
	log.Info().Int("capacity", cap(q.items)).Msg("feed queue started")
}

// Wait blocks until the worker has flushed and stopped.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// Len returns the number of records waiting for delivery.
func (q *Queue) Len() int {
	return len(q.items)
}

func (q *Queue) run(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			q.flush()
			log.Info().Msg("feed queue stopped")
			return
		case rec := <-q.items:
			q.deliver(ctx, rec)
		}
	}
}

func (q *Queue) flush() {
	for {
		select {
		case rec := <-q.items:
			q.deliver(context.Background(), rec)
		default:
			return
		}
	}
}

func (q *Queue) deliver(ctx context.Context, rec models.ResultRecord) {
	if err := q.publisher.Publish(ctx, rec); err != nil {
		log.Warn().Err(err).Str("client", rec.ClientID).Msg("failed to publish ledger record")
	}
}
