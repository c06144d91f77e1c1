package events

import (
	"sync"
	"time"
)

// Envelope is one observer-visible event. Seq is a global monotonic
// sequence assigned at publish time.
type Envelope struct {
	Seq     int64     `json:"seq"`
	Type    string    `json:"type"`
	TaskID  string    `json:"task_id,omitempty"`
	RunID   string    `json:"run_id,omitempty"`
	Payload string    `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// DefaultRingCapacity is the replay window kept for late subscribers.
const DefaultRingCapacity = 256

// UiStream fans envelopes out to live subscribers and keeps a bounded ring
// of recent envelopes for catch-up. Publishing never blocks: a subscriber
// whose channel is full misses the envelope and recovers via Recent.
type UiStream struct {
	mu          sync.Mutex
	ring        []Envelope
	capacity    int
	nextSeq     int64
	subscribers map[int]chan Envelope
	nextSubID   int
}

// NewUiStream creates a stream with the given ring capacity.
func NewUiStream(capacity int) *UiStream {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &UiStream{
		capacity:    capacity,
		subscribers: make(map[int]chan Envelope),
	}
}

// Publish assigns the next global sequence, stores the envelope in the
// ring, and offers it to every subscriber.
func (s *UiStream) Publish(envelope Envelope) Envelope {
	s.mu.Lock()
	s.nextSeq++
	envelope.Seq = s.nextSeq
	if envelope.At.IsZero() {
		envelope.At = time.Now().UTC()
	}
	s.ring = append(s.ring, envelope)
	if len(s.ring) > s.capacity {
		s.ring = s.ring[len(s.ring)-s.capacity:]
	}
	for _, ch := range s.subscribers {
		select {
		case ch <- envelope:
		default:
		}
	}
	s.mu.Unlock()
	return envelope
}

// Recent returns the buffered envelopes with Seq > afterSeq, oldest first.
func (s *UiStream) Recent(afterSeq int64) []Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Envelope
	for _, e := range s.ring {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out
}

// Subscribe registers a live listener; cancel releases it.
func (s *UiStream) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = 32
	}
	ch := make(chan Envelope, buffer)

	s.mu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.subscribers[id] = ch
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		if existing, ok := s.subscribers[id]; ok {
			delete(s.subscribers, id)
			close(existing)
		}
		s.mu.Unlock()
	}
	return ch, cancel
}
