package notify

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/riteshkumar/carewallet/internal/metrics"
)

// Publisher is the only notification surface the workflow code sees.
// Publish never blocks and never fails the caller.
type Publisher interface {
	Publish(channel, event string, payload any)
}

// Event is one delivered notification.
type Event struct {
	Channel   string    `json:"channel"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Forwarder receives a copy of every published event, e.g. a broker bridge.
// Forward must not block.
type Forwarder interface {
	Forward(ev Event)
}

// Subscriber is one connection's view of the hub. Events are buffered; when
// the buffer is full new events for this subscriber are dropped.
type Subscriber struct {
	ID     string
	events chan Event
}

func (s *Subscriber) Events() <-chan Event {
	return s.events
}

// Hub fans published events out to the subscribers of each channel.
// Membership is in memory only and disappears with the connection.
type Hub struct {
	mu         sync.RWMutex
	channels   map[string]map[*Subscriber]struct{}
	members    map[*Subscriber]map[string]struct{}
	buffer     int
	forwarders []Forwarder

	metrics *metrics.Collector
	logger  *slog.Logger
}

func NewHub(buffer int, collector *metrics.Collector, logger *slog.Logger) *Hub {
	if buffer <= 0 {
		buffer = 1
	}
	return &Hub{
		channels: make(map[string]map[*Subscriber]struct{}),
		members:  make(map[*Subscriber]map[string]struct{}),
		buffer:   buffer,
		metrics:  collector,
		logger:   logger,
	}
}

// AddForwarder registers f to receive every event published after the call.
func (h *Hub) AddForwarder(f Forwarder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.forwarders = append(h.forwarders, f)
}

func (h *Hub) NewSubscriber() *Subscriber {
	sub := &Subscriber{ID: uuid.New().String(), events: make(chan Event, h.buffer)}
	h.mu.Lock()
	h.members[sub] = make(map[string]struct{})
	h.mu.Unlock()
	return sub
}

func (h *Hub) Subscribe(sub *Subscriber, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	joined, ok := h.members[sub]
	if !ok {
		return
	}
	subs, ok := h.channels[channel]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.channels[channel] = subs
	}
	subs[sub] = struct{}{}
	joined[channel] = struct{}{}
}

func (h *Hub) Unsubscribe(sub *Subscriber, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(sub, channel)
}

// Remove drops sub from every channel and closes its event stream.
func (h *Hub) Remove(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	joined, ok := h.members[sub]
	if !ok {
		return
	}
	for channel := range joined {
		h.leave(sub, channel)
	}
	delete(h.members, sub)
	close(sub.events)
}

func (h *Hub) leave(sub *Subscriber, channel string) {
	if subs, ok := h.channels[channel]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.channels, channel)
		}
	}
	if joined, ok := h.members[sub]; ok {
		delete(joined, channel)
	}
}

// Publish delivers the event to every current subscriber of channel without
// waiting on any of them.
func (h *Hub) Publish(channel, event string, payload any) {
	ev := Event{Channel: channel, Event: event, Payload: payload, Timestamp: time.Now().UTC()}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.channels[channel] {
		select {
		case sub.events <- ev:
		default:
			h.metrics.RecordNotificationDropped()
			h.logger.Warn("notification dropped, subscriber buffer full",
				"channel", channel,
				"event", event,
				"subscriber_id", sub.ID,
			)
		}
	}
	for _, f := range h.forwarders {
		f.Forward(ev)
	}
}

// SubscriberCount reports how many subscribers channel currently has.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Channel kinds returned by ParseChannel.
const (
	KindPersonal     = "personal"
	KindConsultation = "consultation"
)

// ParseChannel splits a channel name into its kind and the identifier it
// addresses. For personal channels the role is returned as prefix.
func ParseChannel(channel string) (kind, prefix, id string, ok bool) {
	prefix, id, found := strings.Cut(channel, ":")
	if !found || prefix == "" || id == "" {
		return "", "", "", false
	}
	if prefix == "consultation" {
		return KindConsultation, prefix, id, true
	}
	return KindPersonal, prefix, id, true
}
