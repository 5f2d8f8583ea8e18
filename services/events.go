package services

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"meshprice/models"
)

// EventBus fans events out to local subscribers. Publishing never blocks: a
// subscriber whose buffer is full misses the event.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[int]chan models.Event
	nextID  int
	logger  *zap.Logger
	metrics *Metrics
}

func NewEventBus(logger *zap.Logger, metrics *Metrics) *EventBus {
	return &EventBus{
		subs:    make(map[int]chan models.Event),
		logger:  logger,
		metrics: metrics,
	}
}

// Subscribe registers a new subscriber. The returned function unsubscribes
// and closes the channel; it is safe to call more than once.
func (b *EventBus) Subscribe(buffer int) (<-chan models.Event, func()) {
	if buffer <= 0 {
		buffer = 1
	}
	ch := make(chan models.Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *EventBus) Publish(ev models.Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.metrics.eventDropped()
			b.logger.Debug("dropping event for slow subscriber",
				zap.Int("subscriber", id), zap.String("type", string(ev.Type)))
		}
	}
}

func (b *EventBus) PublishPriceChange(change *models.PriceChange) {
	b.Publish(models.Event{Type: models.EventPriceChange, Prices: change})
}

func (b *EventBus) PublishNetworkStatus(status *models.NetworkStatus) {
	b.Publish(models.Event{Type: models.EventNetworkStatus, Status: status})
}

func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
