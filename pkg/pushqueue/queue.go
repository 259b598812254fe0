// Package pushqueue buffers delegate push events per conversation and
// feeds them one at a time into the inference trigger. Queues are strict
// FIFO with a single in-flight slot; idempotency and a global hourly
// budget gate admission.
package pushqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpl-dev/mcpld/pkg/eventlog"
	"github.com/mcpl-dev/mcpld/pkg/events"
	"github.com/mcpl-dev/mcpld/pkg/metrics"
	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

// Entry statuses, in lifecycle order. duplicate_ignored and rate_limited
// are terminal at admission.
const (
	StatusQueued           = "queued"
	StatusProcessing       = "processing"
	StatusCompleted        = "completed"
	StatusFailed           = "failed"
	StatusDuplicateIgnored = "duplicate_ignored"
	StatusRateLimited      = "rate_limited"
)

// Journal event types.
const (
	EventPushReceived    = "push_event_received"
	EventPushProcessed   = "push_event_processed"
	EventPushRateLimited = "push_event_rate_limited"
)

// Defaults, overridable through Config.
const (
	DefaultMaxPushesPerHour  = 60
	DefaultIdempotencyWindow = 30 * time.Minute
	DefaultMaxQueueSize      = 100

	terminalRetention = 5 * time.Minute
	fallbackKeyBucket = 5 * time.Minute
	fallbackKeyHexLen = 16
)

// Entry is one push event tracked by the queue.
type Entry struct {
	ID             string
	ConversationID string
	UserID         string
	Source         string
	EventType      string
	Payload        []byte
	SystemMessage  string
	Key            string
	Status         string
	Error          string
	EnqueuedAt     time.Time
	UpdatedAt      time.Time
}

// Trigger turns a queued push event into an inference run. Returning an
// error marks the entry failed; the queue moves on either way.
type Trigger interface {
	HandlePushEvent(ctx context.Context, entry Entry) error
}

// Journal is the slice of the event log the queue uses.
type Journal interface {
	AppendConversation(conversationID string, ev eventlog.Event)
}

// Publisher pushes queue updates to the conversation's UI room.
type Publisher interface {
	BroadcastToConversation(conversationID string, payload any)
}

// Config tunes queue admission. Zero values select the defaults.
type Config struct {
	MaxPushesPerHour  int
	IdempotencyWindow time.Duration
	MaxQueueSize      int
}

type convQueue struct {
	entries  []*Entry
	seen     map[string]time.Time // effective key → expiry
	paused   bool
	inFlight bool
}

// Queue is the process-wide push-event queue manager.
type Queue struct {
	mu        sync.Mutex
	convs     map[string]*convQueue
	processed []time.Time // successful runs inside the rolling hour

	cfg       Config
	trigger   Trigger
	journal   Journal
	publisher Publisher
	log       *slog.Logger
}

// New wires the queue manager. journal and publisher may be nil in tests.
func New(cfg Config, trigger Trigger, journal Journal, publisher Publisher) *Queue {
	if cfg.MaxPushesPerHour <= 0 {
		cfg.MaxPushesPerHour = DefaultMaxPushesPerHour
	}
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = DefaultIdempotencyWindow
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultMaxQueueSize
	}
	return &Queue{
		convs:     make(map[string]*convQueue),
		cfg:       cfg,
		trigger:   trigger,
		journal:   journal,
		publisher: publisher,
		log:       slog.With("component", "push_queue"),
	}
}

// EffectiveKey returns the event's idempotency key, or the time-bucketed
// content fallback when the delegate supplied none.
func EffectiveKey(ev *protocol.PushEvent, now time.Time) string {
	if ev.IdempotencyKey != "" {
		return ev.IdempotencyKey
	}
	bucket := now.Unix() / int64(fallbackKeyBucket/time.Second)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s%s%d", ev.EventType, ev.Payload, bucket)))
	return "fallback:" + hex.EncodeToString(sum[:])[:fallbackKeyHexLen]
}

// Push admits one event and returns the status it was admitted with.
func (q *Queue) Push(userID string, ev *protocol.PushEvent) string {
	now := time.Now()
	key := EffectiveKey(ev, now)

	q.mu.Lock()
	cq := q.convLocked(ev.ConversationID)
	q.pruneLocked(cq, now)

	if expiry, ok := cq.seen[key]; ok && now.Before(expiry) {
		// Materialized as a terminal entry so the rejection stays
		// visible in the conversation's queue until pruned.
		cq.entries = append(cq.entries, &Entry{
			ID:             ev.ID,
			ConversationID: ev.ConversationID,
			UserID:         userID,
			Source:         ev.Source,
			EventType:      ev.EventType,
			Key:            key,
			Status:         StatusDuplicateIgnored,
			EnqueuedAt:     now,
			UpdatedAt:      now,
		})
		q.mu.Unlock()
		metrics.PushEventsRejected.WithLabelValues("duplicate").Inc()
		q.log.Info("Duplicate push event ignored",
			"conversation_id", ev.ConversationID, "event_id", ev.ID, "key", key)
		q.broadcast(ev.ConversationID, ev, StatusDuplicateIgnored, "", 0)
		return StatusDuplicateIgnored
	}

	if len(q.processed) >= q.cfg.MaxPushesPerHour {
		q.mu.Unlock()
		metrics.PushEventsRejected.WithLabelValues("rate_limited").Inc()
		q.appendJournal(ev.ConversationID, EventPushRateLimited, map[string]any{
			"eventId": ev.ID, "eventType": ev.EventType, "source": ev.Source,
		})
		q.broadcast(ev.ConversationID, ev, StatusRateLimited, "Hourly push budget exhausted", 0)
		return StatusRateLimited
	}

	if q.queuedLocked(cq) >= q.cfg.MaxQueueSize {
		q.mu.Unlock()
		metrics.PushEventsRejected.WithLabelValues("queue_full").Inc()
		q.broadcast(ev.ConversationID, ev, StatusRateLimited, "Queue full", 0)
		return StatusRateLimited
	}

	cq.seen[key] = now.Add(q.cfg.IdempotencyWindow)
	entry := &Entry{
		ID:             ev.ID,
		ConversationID: ev.ConversationID,
		UserID:         userID,
		Source:         ev.Source,
		EventType:      ev.EventType,
		Payload:        append([]byte(nil), ev.Payload...),
		SystemMessage:  ev.SystemMessage,
		Key:            key,
		Status:         StatusQueued,
		EnqueuedAt:     now,
		UpdatedAt:      now,
	}
	cq.entries = append(cq.entries, entry)
	depth := q.queuedLocked(cq)
	shouldRun := !cq.paused && !cq.inFlight
	if shouldRun {
		cq.inFlight = true
	}
	q.mu.Unlock()

	q.appendJournal(ev.ConversationID, EventPushReceived, map[string]any{
		"eventId": ev.ID, "eventType": ev.EventType, "source": ev.Source, "key": key,
	})
	q.broadcast(ev.ConversationID, ev, StatusQueued, "", depth)

	if shouldRun {
		go q.run(ev.ConversationID)
	}
	return StatusQueued
}

// Pause stops processing for a conversation. Idempotent; the in-flight
// entry, if any, finishes.
func (q *Queue) Pause(conversationID string) {
	q.mu.Lock()
	q.convLocked(conversationID).paused = true
	q.mu.Unlock()
}

// Resume restarts processing for a conversation. Idempotent.
func (q *Queue) Resume(conversationID string) {
	q.mu.Lock()
	cq := q.convLocked(conversationID)
	cq.paused = false
	shouldRun := !cq.inFlight && q.nextQueuedLocked(cq) != nil
	if shouldRun {
		cq.inFlight = true
	}
	q.mu.Unlock()
	if shouldRun {
		go q.run(conversationID)
	}
}

// Depth reports the number of queued (not yet processing) entries.
func (q *Queue) Depth(conversationID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.queuedLocked(q.convLocked(conversationID))
}

// Entries returns a snapshot of the conversation's tracked entries.
func (q *Queue) Entries(conversationID string) []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq := q.convLocked(conversationID)
	out := make([]Entry, 0, len(cq.entries))
	for _, e := range cq.entries {
		out = append(out, *e)
	}
	return out
}

// run processes exactly one entry and reschedules itself on a fresh
// goroutine, so a long queue never recurses.
func (q *Queue) run(conversationID string) {
	q.mu.Lock()
	cq := q.convLocked(conversationID)
	if cq.paused {
		cq.inFlight = false
		q.mu.Unlock()
		return
	}
	entry := q.nextQueuedLocked(cq)
	if entry == nil {
		cq.inFlight = false
		q.pruneLocked(cq, time.Now())
		q.mu.Unlock()
		return
	}
	entry.Status = StatusProcessing
	entry.UpdatedAt = time.Now()
	snapshot := *entry
	depth := q.queuedLocked(cq)
	q.mu.Unlock()

	q.broadcastEntry(snapshot, depth)

	err := q.trigger.HandlePushEvent(context.Background(), snapshot)

	q.mu.Lock()
	if err != nil {
		entry.Status = StatusFailed
		entry.Error = err.Error()
	} else {
		entry.Status = StatusCompleted
		q.processed = append(q.processed, time.Now())
	}
	entry.UpdatedAt = time.Now()
	snapshot = *entry
	depth = q.queuedLocked(cq)
	q.mu.Unlock()

	if err != nil {
		q.log.Warn("Push event failed",
			"conversation_id", conversationID, "event_id", snapshot.ID, "error", err)
	}
	q.appendJournal(conversationID, EventPushProcessed, map[string]any{
		"eventId": snapshot.ID, "status": snapshot.Status, "error": snapshot.Error,
	})
	q.broadcastEntry(snapshot, depth)

	go q.run(conversationID)
}

func (q *Queue) convLocked(conversationID string) *convQueue {
	cq, ok := q.convs[conversationID]
	if !ok {
		cq = &convQueue{seen: make(map[string]time.Time)}
		q.convs[conversationID] = cq
	}
	return cq
}

func (q *Queue) nextQueuedLocked(cq *convQueue) *Entry {
	for _, e := range cq.entries {
		if e.Status == StatusQueued {
			return e
		}
	}
	return nil
}

func (q *Queue) queuedLocked(cq *convQueue) int {
	n := 0
	for _, e := range cq.entries {
		if e.Status == StatusQueued {
			n++
		}
	}
	return n
}

// pruneLocked drops expired idempotency keys, aged-out terminal entries
// and processed-timestamps older than the rolling hour.
func (q *Queue) pruneLocked(cq *convQueue, now time.Time) {
	for key, expiry := range cq.seen {
		if now.After(expiry) {
			delete(cq.seen, key)
		}
	}
	kept := cq.entries[:0]
	for _, e := range cq.entries {
		terminal := e.Status == StatusCompleted || e.Status == StatusFailed ||
			e.Status == StatusDuplicateIgnored
		if terminal && now.Sub(e.UpdatedAt) > terminalRetention {
			continue
		}
		kept = append(kept, e)
	}
	cq.entries = kept

	cutoff := now.Add(-time.Hour)
	i := 0
	for i < len(q.processed) && q.processed[i].Before(cutoff) {
		i++
	}
	q.processed = q.processed[i:]
}

func (q *Queue) appendJournal(conversationID, eventType string, payload any) {
	if q.journal == nil {
		return
	}
	q.journal.AppendConversation(conversationID, eventlog.NewEvent(eventType, conversationID, payload))
}

func (q *Queue) broadcast(conversationID string, ev *protocol.PushEvent, status, errMsg string, depth int) {
	if q.publisher == nil {
		return
	}
	q.publisher.BroadcastToConversation(conversationID, events.PushQueueUpdatePayload{
		Type:           events.EventTypePushQueueUpdate,
		ConversationID: conversationID,
		EventID:        ev.ID,
		EventType:      ev.EventType,
		Source:         ev.Source,
		Status:         status,
		Error:          errMsg,
		QueueDepth:     depth,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	})
}

func (q *Queue) broadcastEntry(e Entry, depth int) {
	if q.publisher == nil {
		return
	}
	q.publisher.BroadcastToConversation(e.ConversationID, events.PushQueueUpdatePayload{
		Type:           events.EventTypePushQueueUpdate,
		ConversationID: e.ConversationID,
		EventID:        e.ID,
		EventType:      e.EventType,
		Source:         e.Source,
		Status:         e.Status,
		Error:          e.Error,
		QueueDepth:     depth,
		Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
	})
}
