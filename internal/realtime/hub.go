// Package realtime fans build events out to streaming HTTP subscribers.
package realtime

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	types "github.com/yungbote/appbuild-orchestrator/internal/domain/builds"
	"github.com/yungbote/appbuild-orchestrator/internal/platform/logger"
)

const outboundBuffer = 16

// Subscriber receives events for a single build. Outbound is closed when the
// subscriber is removed.
type Subscriber struct {
	ID       uuid.UUID
	JobID    string
	Outbound chan types.BuildEvent
}

type Hub struct {
	mu     sync.RWMutex
	log    *logger.Logger
	byJob  map[string]map[*Subscriber]struct{}
	closed bool
}

func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		log:   log.With("component", "BuildEventHub"),
		byJob: make(map[string]map[*Subscriber]struct{}),
	}
}

func (h *Hub) Subscribe(jobID string) *Subscriber {
	sub := &Subscriber{
		ID:       uuid.New(),
		JobID:    strings.TrimSpace(jobID),
		Outbound: make(chan types.BuildEvent, outboundBuffer),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(sub.Outbound)
		return sub
	}
	subs, ok := h.byJob[sub.JobID]
	if !ok {
		subs = make(map[*Subscriber]struct{})
		h.byJob[sub.JobID] = subs
	}
	subs[sub] = struct{}{}
	h.log.Debug("Stream subscriber added", "subscriber_id", sub.ID, "job_id", sub.JobID)
	return sub
}

// Unsubscribe is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.byJob[sub.JobID]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.byJob, sub.JobID)
	}
	close(sub.Outbound)
}

// Broadcast never blocks; a subscriber whose buffer is full misses the event
// and catches up from the next one (events carry full state).
func (h *Hub) Broadcast(ev types.BuildEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.byJob[ev.JobID] {
		select {
		case sub.Outbound <- ev:
		default:
			h.log.Warn("Dropping build event; subscriber buffer full", "subscriber_id", sub.ID, "job_id", ev.JobID)
		}
	}
}

func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byJob[jobID])
}

// Close drops every subscriber. Later Subscribe calls get a closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, subs := range h.byJob {
		for sub := range subs {
			close(sub.Outbound)
		}
	}
	h.byJob = make(map[string]map[*Subscriber]struct{})
	h.closed = true
}
