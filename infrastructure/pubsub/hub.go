package pubsub

import (
	"sync"

	"chat-relay/domain/chat"

	"github.com/sirupsen/logrus"
)

// Hub is an in-process publish-by-topic primitive keyed by stream id. Each
// subscriber gets its own buffered channel; publishing never blocks the
// producer. Events for one stream id are delivered to each subscriber in
// publish order; across stream ids no ordering is guaranteed.
type Hub struct {
	mu         sync.RWMutex
	subs       map[string]map[int]chan chat.Event
	nextID     int
	bufferSize int
}

func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	return &Hub{
		subs:       make(map[string]map[int]chan chat.Event),
		bufferSize: bufferSize,
	}
}

// Subscribe registers a consumer for one stream id and returns its event
// channel together with an unsubscribe function. Unsubscribing closes the
// channel; it is safe to call more than once.
func (h *Hub) Subscribe(streamID string) (<-chan chat.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan chat.Event, h.bufferSize)
	id := h.nextID
	h.nextID++

	if h.subs[streamID] == nil {
		h.subs[streamID] = make(map[int]chan chat.Event)
	}
	h.subs[streamID][id] = ch

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if set, ok := h.subs[streamID]; ok {
				delete(set, id)
				if len(set) == 0 {
					delete(h.subs, streamID)
				}
			}
			close(ch)
		})
	}
	return ch, unsubscribe
}

// Publish delivers an event to every subscriber of streamID. Fire-and-forget:
// a missing subscriber or a full subscriber buffer is logged and skipped,
// never surfaced to the producer.
func (h *Hub) Publish(streamID string, ev chat.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	set := h.subs[streamID]
	if len(set) == 0 {
		logrus.WithFields(logrus.Fields{
			"stream_id":  streamID,
			"event_type": ev.Type,
		}).Debug("No subscribers for stream event")
		return
	}

	for id, ch := range set {
		select {
		case ch <- ev:
		default:
			logrus.WithFields(logrus.Fields{
				"stream_id":     streamID,
				"subscriber_id": id,
				"event_type":    ev.Type,
			}).Warn("Subscriber buffer full, dropping event")
		}
	}
}

// SubscriberCount reports active subscribers for a stream id.
func (h *Hub) SubscriberCount(streamID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[streamID])
}
