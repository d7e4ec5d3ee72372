package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/stepflow-ai/stepflow/pkg/models"
)

// dispatchBatch is the maximum number of events pulled from the log per poll.
const dispatchBatch = 256

// replayLimit caps a single Replay call. Subscribers that miss more events
// than this must call Replay again with the advanced offset.
const replayLimit = 500

// Querier reads committed events from the log. Implemented by
// services.EventService.
type Querier interface {
	// ListAfter returns up to limit events with event_id > afterID, across
	// all users, in event_id order.
	ListAfter(ctx context.Context, afterID int64, limit int) ([]models.Event, error)
	// ListSince returns up to limit events for one user with
	// event_id > sinceID, in event_id order.
	ListSince(ctx context.Context, userID string, sinceID int64, limit int) ([]models.Event, error)
	// LatestID returns the highest event_id in the log, or 0 when empty.
	LatestID(ctx context.Context) (int64, error)
}

// Subscription is one subscriber's view of the bus. Read events from C;
// call Close when done.
type Subscription struct {
	id  int
	bus *Bus

	// C carries committed events in event_id order. When the buffer
	// overflows the bus drops events for this subscriber and counts them;
	// use Lagged and Replay to catch up.
	C chan models.Event

	lagged int64
}

// Close removes the subscription from the bus and closes C.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.id)
}

// Lagged reports how many events were dropped because C was full.
// The counter resets to zero on read.
func (s *Subscription) Lagged() int64 {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	n := s.lagged
	s.lagged = 0
	return n
}

// Bus tails the events table and fans committed events out to in-process
// subscribers. See the package doc for the delivery contract.
type Bus struct {
	querier      Querier
	pollInterval time.Duration

	mu     sync.Mutex
	subs   map[int]*Subscription
	nextID int
	cursor int64

	poke   chan struct{}
	cancel context.CancelFunc
	done   chan struct{}
}

// NewBus creates a bus over the given event log. pollInterval bounds how
// stale dispatch can get when a post-commit poke is lost; 500ms is a
// reasonable default.
func NewBus(querier Querier, pollInterval time.Duration) *Bus {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Bus{
		querier:      querier,
		pollInterval: pollInterval,
		subs:         make(map[int]*Subscription),
		poke:         make(chan struct{}, 1),
	}
}

// Start positions the cursor at the current end of the log and launches the
// dispatch loop. Events committed before Start are reachable via Replay only.
func (b *Bus) Start(ctx context.Context) error {
	latest, err := b.querier.LatestID(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.cursor = latest
	b.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	b.done = make(chan struct{})
	go b.run(runCtx)

	slog.Info("Event bus started", "cursor", latest, "poll_interval", b.pollInterval)
	return nil
}

// Stop terminates the dispatch loop and waits for it to exit.
func (b *Bus) Stop() {
	if b.cancel == nil {
		return
	}
	b.cancel()
	<-b.done
	slog.Info("Event bus stopped")
}

// Poke wakes the dispatch loop. Called by services after committing a
// transaction that appended events. Never blocks.
func (b *Bus) Poke() {
	select {
	case b.poke <- struct{}{}:
	default:
	}
}

// Subscribe registers a new subscriber with the given channel buffer.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{
		id:  b.nextID,
		bus: b,
		C:   make(chan models.Event, buffer),
	}
	b.subs[sub.id] = sub
	return sub
}

func (b *Bus) unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.C)
}

// Replay returns committed events for one user after sinceID, capped at
// replayLimit. Used by lagged subscribers and by the GET /events endpoint.
func (b *Bus) Replay(ctx context.Context, userID string, sinceID int64) ([]models.Event, error) {
	return b.querier.ListSince(ctx, userID, sinceID, replayLimit)
}

// run is the dispatch loop: wake on poke or ticker, drain the log from the
// cursor, fan out, repeat until the context is cancelled.
func (b *Bus) run(ctx context.Context) {
	defer close(b.done)

	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.poke:
		case <-ticker.C:
		}
		b.drain(ctx)
	}
}

// drain dispatches everything past the cursor, batch by batch.
func (b *Bus) drain(ctx context.Context) {
	for {
		b.mu.Lock()
		cursor := b.cursor
		b.mu.Unlock()

		batch, err := b.querier.ListAfter(ctx, cursor, dispatchBatch)
		if err != nil {
			if ctx.Err() == nil {
				slog.Error("Event bus poll failed", "cursor", cursor, "error", err)
			}
			return
		}
		if len(batch) == 0 {
			return
		}

		b.mu.Lock()
		for _, e := range batch {
			for _, sub := range b.subs {
				select {
				case sub.C <- e:
				default:
					sub.lagged++
					slog.Warn("Event subscriber lagging, dropped event",
						"subscriber", sub.id, "event_id", e.EventID, "event_type", e.EventType)
				}
			}
			b.cursor = e.EventID
		}
		b.mu.Unlock()

		if len(batch) < dispatchBatch {
			return
		}
	}
}
