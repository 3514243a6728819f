package notify

import (
	"context"
	"sync"
	"time"

	"github.com/gofrs/uuid"
	"github.com/rs/zerolog/log"
	"github.com/vasiliy-maslov/order-exchange/internal/metrics"
)

type Kind string

const (
	KindCreated   Kind = "created"
	KindSubmitted Kind = "submitted"
	KindApproved  Kind = "approved"
	KindFulfilled Kind = "fulfilled"
	KindRejected  Kind = "rejected"
	KindAbandoned Kind = "abandoned"
)

// Event is published at least once. Consumers dedupe on ID.
type Event struct {
	ID         uuid.UUID `json:"id"`
	OrderID    uuid.UUID `json:"order_id"`
	Kind       Kind      `json:"kind"`
	ActorID    string    `json:"actor_id"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// Dispatcher publishes events from a background goroutine so that a slow or
// failing sink never blocks or fails a committed order transition.
type Dispatcher struct {
	sink        Sink
	events      chan Event
	maxAttempts int
	backoff     time.Duration

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

func NewDispatcher(sink Sink, buffer, maxAttempts int, backoff time.Duration) *Dispatcher {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Dispatcher{
		sink:        sink,
		events:      make(chan Event, buffer),
		maxAttempts: maxAttempts,
		backoff:     backoff,
	}
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for ev := range d.events {
			d.publish(ctx, ev)
		}
	}()
}

func (d *Dispatcher) Notify(orderID uuid.UUID, kind Kind, actorID string) {
	id, err := uuid.NewV4()
	if err != nil {
		log.Error().Err(err).Stringer("order_id", orderID).Msg("notify: failed to generate event id")
		return
	}
	ev := Event{ID: id, OrderID: orderID, Kind: kind, ActorID: actorID, OccurredAt: time.Now().UTC()}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		log.Warn().Stringer("order_id", orderID).Str("kind", string(kind)).Msg("notify: dispatcher stopped, event dropped")
		return
	}

	select {
	case d.events <- ev:
	default:
		// buffer full, publish out of band
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.publish(context.Background(), ev)
		}()
	}
}

// Stop drains buffered events and waits for in-flight publishes.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.events)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) publish(ctx context.Context, ev Event) {
	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		err := d.sink.Publish(ctx, ev)
		if err == nil {
			metrics.RecordNotification(string(ev.Kind), true)
			return
		}
		metrics.RecordNotification(string(ev.Kind), false)
		log.Warn().Err(err).
			Stringer("order_id", ev.OrderID).
			Str("kind", string(ev.Kind)).
			Int("attempt", attempt).
			Msg("notify: failed to publish event")

		if attempt == d.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.backoff * time.Duration(attempt)):
		}
	}
	log.Error().Stringer("order_id", ev.OrderID).Stringer("event_id", ev.ID).Str("kind", string(ev.Kind)).Msg("notify: giving up on event")
}

// LogSink writes events to the service log. Used when no broker is configured.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev Event) error {
	log.Info().Stringer("order_id", ev.OrderID).Stringer("event_id", ev.ID).Str("kind", string(ev.Kind)).Str("actor_id", ev.ActorID).Msg("notify: order event")
	return nil
}
