package core

import (
	"sync"

	"possession/core/events"
	"possession/core/types"
)

// RecordedEvent is an event that was committed to state, tagged with the
// position at which it was recorded.
type RecordedEvent struct {
	Sequence uint64       `json:"sequence"`
	Height   uint64       `json:"height"`
	Event    *types.Event `json:"event"`
}

const eventSubscriberBuffer = 64

// eventLog keeps the most recent committed events in a bounded ring and fans
// new entries out to live subscribers.
type eventLog struct {
	mu       sync.RWMutex
	capacity int
	next     uint64
	entries  []RecordedEvent
	subs     map[uint64]chan RecordedEvent
	nextSub  uint64
}

func newEventLog(capacity int) *eventLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &eventLog{capacity: capacity, next: 1}
}

func (l *eventLog) append(height uint64, evt *types.Event) RecordedEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec := RecordedEvent{Sequence: l.next, Height: height, Event: evt.Clone()}
	l.next++
	l.entries = append(l.entries, rec)
	if over := len(l.entries) - l.capacity; over > 0 {
		l.entries = append([]RecordedEvent(nil), l.entries[over:]...)
	}
	for id, ch := range l.subs {
		select {
		case ch <- cloneRecorded(rec):
		default:
			// A subscriber that falls a full buffer behind is dropped and
			// resumes from its last sequence.
			delete(l.subs, id)
			close(ch)
		}
	}
	return rec
}

// subscribe registers a live subscriber and returns the retained events after
// sequence after. Registration and the backlog snapshot happen under one lock
// so no event is skipped or delivered twice.
func (l *eventLog) subscribe(after uint64) (<-chan RecordedEvent, func(), []RecordedEvent) {
	updates := make(chan RecordedEvent, eventSubscriberBuffer)
	l.mu.Lock()
	if l.subs == nil {
		l.subs = make(map[uint64]chan RecordedEvent)
	}
	id := l.nextSub
	l.nextSub++
	l.subs[id] = updates
	backlog := make([]RecordedEvent, 0)
	for _, rec := range l.entries {
		if rec.Sequence > after {
			backlog = append(backlog, cloneRecorded(rec))
		}
	}
	l.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if ch, ok := l.subs[id]; ok {
				delete(l.subs, id)
				close(ch)
			}
		})
	}
	return updates, cancel, backlog
}

func cloneRecorded(rec RecordedEvent) RecordedEvent {
	return RecordedEvent{Sequence: rec.Sequence, Height: rec.Height, Event: rec.Event.Clone()}
}

// since returns up to limit events with a sequence greater than after.
func (l *eventLog) since(after uint64, limit int) []RecordedEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]RecordedEvent, 0)
	for _, rec := range l.entries {
		if rec.Sequence <= after {
			continue
		}
		out = append(out, cloneRecorded(rec))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

type eventWithPayload interface {
	Event() *types.Event
}

// payloadOf extracts the typed payload carried by module events.
func payloadOf(evt events.Event) *types.Event {
	if evt == nil {
		return nil
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return &types.Event{Type: evt.EventType(), Attributes: map[string]string{}}
	}
	return payload.Event()
}
