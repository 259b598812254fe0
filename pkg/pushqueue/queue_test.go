package pushqueue

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpl-dev/mcpld/pkg/protocol"
)

type recordingTrigger struct {
	mu      sync.Mutex
	handled []Entry
	err     error
	block   chan struct{}
}

func (r *recordingTrigger) HandlePushEvent(_ context.Context, entry Entry) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handled = append(r.handled, entry)
	return r.err
}

func (r *recordingTrigger) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handled)
}

func (r *recordingTrigger) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.handled))
	for _, e := range r.handled {
		out = append(out, e.ID)
	}
	return out
}

func pushEvent(id, key string) *protocol.PushEvent {
	return &protocol.PushEvent{
		Type:           protocol.TypePushEvent,
		ID:             id,
		Source:         "gitlab",
		ConversationID: "c1",
		EventType:      "pipeline_failed",
		Payload:        json.RawMessage(`{"pipeline":42}`),
		IdempotencyKey: key,
	}
}

func waitIdle(t *testing.T, trigger *recordingTrigger, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return trigger.count() == n }, 2*time.Second, 5*time.Millisecond)
}

func TestPushProcessesFIFO(t *testing.T) {
	trigger := &recordingTrigger{block: make(chan struct{})}
	q := New(Config{}, trigger, nil, nil)

	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e1", "k1")))
	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e2", "k2")))
	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e3", "k3")))
	close(trigger.block)

	waitIdle(t, trigger, 3)
	assert.Equal(t, []string{"e1", "e2", "e3"}, trigger.ids())
}

func TestDuplicateIgnored(t *testing.T) {
	trigger := &recordingTrigger{}
	q := New(Config{}, trigger, nil, nil)

	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e1", "same")))
	assert.Equal(t, StatusDuplicateIgnored, q.Push("u1", pushEvent("e2", "same")))

	waitIdle(t, trigger, 1)
	assert.Equal(t, []string{"e1"}, trigger.ids())
}

func TestDuplicateMaterializesTerminalEntry(t *testing.T) {
	trigger := &recordingTrigger{}
	q := New(Config{}, trigger, nil, nil)

	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e1", "same")))
	require.Equal(t, StatusDuplicateIgnored, q.Push("u1", pushEvent("e2", "same")))

	waitIdle(t, trigger, 1)
	var dup *Entry
	for _, e := range q.Entries("c1") {
		if e.ID == "e2" {
			e := e
			dup = &e
		}
	}
	require.NotNil(t, dup, "rejected event stays visible in the queue")
	assert.Equal(t, StatusDuplicateIgnored, dup.Status)
	assert.Equal(t, "u1", dup.UserID)
}

func TestFallbackKeyDeduplicates(t *testing.T) {
	trigger := &recordingTrigger{}
	q := New(Config{}, trigger, nil, nil)

	// Same eventType and payload inside one 5-minute bucket share a key.
	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e1", "")))
	assert.Equal(t, StatusDuplicateIgnored, q.Push("u1", pushEvent("e2", "")))

	different := pushEvent("e3", "")
	different.Payload = json.RawMessage(`{"pipeline":43}`)
	assert.Equal(t, StatusQueued, q.Push("u1", different))
}

func TestEffectiveKeyFormat(t *testing.T) {
	now := time.Now()
	key := EffectiveKey(pushEvent("e1", ""), now)
	assert.Regexp(t, `^fallback:[0-9a-f]{16}$`, key)
	assert.Equal(t, key, EffectiveKey(pushEvent("e2", ""), now))

	assert.Equal(t, "explicit", EffectiveKey(pushEvent("e1", "explicit"), now))
}

func TestHourlyRateLimit(t *testing.T) {
	trigger := &recordingTrigger{}
	q := New(Config{MaxPushesPerHour: 2}, trigger, nil, nil)

	waitCompleted := func(id string) {
		require.Eventually(t, func() bool {
			for _, e := range q.Entries("c1") {
				if e.ID == id {
					return e.Status == StatusCompleted
				}
			}
			return false
		}, time.Second, 5*time.Millisecond)
	}

	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e1", "k1")))
	waitCompleted("e1")
	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e2", "k2")))
	waitCompleted("e2")

	// Two successful runs inside the hour exhaust the budget.
	assert.Equal(t, StatusRateLimited, q.Push("u1", pushEvent("e3", "k3")))
	waitIdle(t, trigger, 2)
}

func TestFailedRunsDoNotConsumeBudget(t *testing.T) {
	trigger := &recordingTrigger{err: errors.New("inference exploded")}
	q := New(Config{MaxPushesPerHour: 1}, trigger, nil, nil)

	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e1", "k1")))
	waitIdle(t, trigger, 1)

	require.Eventually(t, func() bool {
		for _, e := range q.Entries("c1") {
			if e.ID == "e1" {
				return e.Status == StatusFailed && e.Error == "inference exploded"
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, StatusQueued, q.Push("u1", pushEvent("e2", "k2")))
}

func TestQueueFull(t *testing.T) {
	trigger := &recordingTrigger{block: make(chan struct{})}
	defer close(trigger.block)
	q := New(Config{MaxQueueSize: 2}, trigger, nil, nil)

	q.Pause("c1")
	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e1", "k1")))
	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e2", "k2")))
	assert.Equal(t, StatusRateLimited, q.Push("u1", pushEvent("e3", "k3")))
}

func TestPauseResume(t *testing.T) {
	trigger := &recordingTrigger{}
	q := New(Config{}, trigger, nil, nil)

	q.Pause("c1")
	q.Pause("c1") // idempotent
	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e1", "k1")))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, trigger.count(), "paused queue does not process")

	q.Resume("c1")
	q.Resume("c1") // idempotent
	waitIdle(t, trigger, 1)
}

func TestSingleInFlight(t *testing.T) {
	release := make(chan struct{})
	trigger := &recordingTrigger{block: release}
	q := New(Config{}, trigger, nil, nil)

	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e1", "k1")))
	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e2", "k2")))

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, trigger.count(), "second entry waits for the in-flight slot")
	assert.Equal(t, 1, q.Depth("c1"))

	close(release)
	waitIdle(t, trigger, 2)
}

func TestConversationsIsolated(t *testing.T) {
	release := make(chan struct{})
	trigger := &recordingTrigger{block: release}
	q := New(Config{}, trigger, nil, nil)

	require.Equal(t, StatusQueued, q.Push("u1", pushEvent("e1", "k1")))
	other := pushEvent("e2", "k2")
	other.ConversationID = "c2"
	require.Equal(t, StatusQueued, q.Push("u1", other))

	close(release)
	waitIdle(t, trigger, 2)
}
