package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpl-dev/mcpld/pkg/broker"
	"github.com/mcpl-dev/mcpld/pkg/eventlog"
	"github.com/mcpl-dev/mcpld/pkg/hooks"
	"github.com/mcpl-dev/mcpld/pkg/protocol"
	"github.com/mcpl-dev/mcpld/pkg/registry"
	"github.com/mcpl-dev/mcpld/pkg/router"
	"github.com/mcpl-dev/mcpld/pkg/scope"
	"github.com/mcpl-dev/mcpld/pkg/session"
	"github.com/mcpl-dev/mcpld/pkg/state"
)

type fakeConn struct {
	mu          sync.Mutex
	sent        [][]byte
	closeCode   int
	closeReason string

	inbound   chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakeConn) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeConn) Close(code int, reason string) {
	f.mu.Lock()
	f.closeCode = code
	f.closeReason = reason
	f.mu.Unlock()
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-f.inbound:
		return data, nil
	case <-f.closed:
		return nil, errors.New("connection closed")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) disconnect() {
	f.closeOnce.Do(func() { close(f.closed) })
}

func (f *fakeConn) closedWith() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeCode
}

// sentPayloads decodes everything the host wrote, unwrapping frames and
// skipping bare acks.
func (f *fakeConn) sentPayloads() []map[string]any {
	f.mu.Lock()
	raws := append([][]byte(nil), f.sent...)
	f.mu.Unlock()

	var out []map[string]any
	for _, raw := range raws {
		if protocol.IsFrame(raw) {
			var frame protocol.Frame
			if json.Unmarshal(raw, &frame) != nil || frame.IsBareAck() {
				continue
			}
			raw = frame.Payload
		}
		var m map[string]any
		if json.Unmarshal(raw, &m) != nil {
			continue
		}
		out = append(out, m)
	}
	return out
}

func waitForType(t *testing.T, conn *fakeConn, typ string) map[string]any {
	t.Helper()
	var found map[string]any
	require.Eventually(t, func() bool {
		for _, m := range conn.sentPayloads() {
			if m["type"] == typ {
				found = m
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "waiting for %s", typ)
	return found
}

// client frames delegate → host messages the way a real delegate would
// after the handshake.
type client struct {
	conn *fakeConn
	seq  uint64
}

func (c *client) sendRaw(t *testing.T, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	c.conn.inbound <- data
}

func (c *client) sendFramed(t *testing.T, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	c.seq++
	c.sendRaw(t, protocol.Frame{Seq: c.seq, Payload: data})
}

type fakeQueue struct {
	mu     sync.Mutex
	pushed []*protocol.PushEvent
}

func (q *fakeQueue) Push(_ string, ev *protocol.PushEvent) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pushed = append(q.pushed, ev)
	return "queued"
}

type fakeBroker struct {
	mu   sync.Mutex
	reqs []broker.Request
}

func (b *fakeBroker) last() broker.Request {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reqs[len(b.reqs)-1]
}

func (b *fakeBroker) Handle(_ context.Context, req broker.Request) {
	b.mu.Lock()
	b.reqs = append(b.reqs, req)
	b.mu.Unlock()
	_ = req.Send(protocol.InferenceResponse{
		Type:      protocol.TypeInferenceResponse,
		RequestID: req.Msg.RequestID,
		Success:   true,
		Content:   "brokered",
	})
}

type fakeModels struct {
	desc router.ModelDescriptor
	ok   bool
}

func (f fakeModels) ModelInfo(_, _, _ string) (router.ModelDescriptor, bool) {
	return f.desc, f.ok
}

type fakeTrigger struct{}

func (fakeTrigger) HandleTriggerInference(_ context.Context, _ string, m *protocol.TriggerInference) protocol.TriggerInferenceResult {
	return protocol.TriggerInferenceResult{
		Success:        true,
		ConversationID: m.ConversationID,
		Response:       "triggered",
	}
}

type env struct {
	handler   *Handler
	delegates *Manager
	registry  *registry.Registry
	sessions  *session.Manager
	states    *state.Manager
	queue     *fakeQueue
	broker    *fakeBroker
	hooks     *hooks.Manager
}

func newTestEnv(t *testing.T) *env {
	t.Helper()
	journal, err := eventlog.Open(t.TempDir())
	require.NoError(t, err)

	reg := registry.New(time.Second)
	delegates := NewManager(reg, nil)
	e := &env{
		delegates: delegates,
		registry:  reg,
		sessions:  session.NewManager(),
		states:    state.NewManager(journal, nil),
		queue:     &fakeQueue{},
		broker:    &fakeBroker{},
		hooks:     hooks.NewManager(delegates, hooks.Config{}),
	}
	e.handler = NewHandler(HandlerDeps{
		Sessions:    e.sessions,
		Delegates:   delegates,
		Registry:    reg,
		Hooks:       e.hooks,
		Scopes:      scope.NewManager(journal, nil, delegates, scope.Config{}),
		Queue:       e.queue,
		Broker:      e.broker,
		State:       e.states,
		Models:      fakeModels{},
		Trigger:     fakeTrigger{},
		ToolTimeout: 500 * time.Millisecond,
	})
	return e
}

func (e *env) connect(t *testing.T, userID, delegateID string) *client {
	t.Helper()
	conn := newFakeConn()
	go e.handler.Serve(context.Background(), conn, userID, delegateID)
	waitForType(t, conn, protocol.TypeDelegateAuthResult)
	return &client{conn: conn}
}

func (e *env) handshake(t *testing.T, cl *client, caps []string) string {
	t.Helper()
	cl.sendRaw(t, protocol.Hello{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Capabilities:    caps,
		DelegateID:      "ignored-here",
		DelegateName:    "Test Delegate",
	})
	ack := waitForType(t, cl.conn, protocol.TypeAck)
	return ack["sessionId"].(string)
}

func TestHandshakeNegotiatesAndAcks(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")

	cl.sendRaw(t, protocol.Hello{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Capabilities:    []string{protocol.CapPushEvents, "time_travel"},
	})

	ack := waitForType(t, cl.conn, protocol.TypeAck)
	require.NotEmpty(t, ack["sessionId"])
	caps := ack["negotiatedCapabilities"].([]any)
	require.Len(t, caps, 1, "unsupported capabilities are dropped")
	assert.Equal(t, protocol.CapPushEvents, caps[0])

	sess := e.sessions.Get(ack["sessionId"].(string))
	require.NotNil(t, sess)
	assert.Equal(t, "worker", sess.DelegateID)
}

func TestInvalidDelegateIDRefused(t *testing.T) {
	e := newTestEnv(t)
	conn := newFakeConn()

	e.handler.Serve(context.Background(), conn, "u1", "bad id!")
	assert.Equal(t, protocol.ClosePolicyViolation, conn.closedWith())
}

func TestDuplicateDelegateRefusedWithCollisionCode(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t, "u1", "worker")

	second := newFakeConn()
	e.handler.Serve(context.Background(), second, "u1", "worker")
	assert.Equal(t, protocol.CloseNameCollision, second.closedWith())

	// A different user may reuse the delegate id.
	other := e.connect(t, "u2", "worker")
	assert.Equal(t, 0, other.conn.closedWith())
}

func TestManifestInstallsPrefixedTools(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "Worker")
	e.handshake(t, cl, []string{protocol.CapToolManagement})

	cl.sendFramed(t, protocol.ToolManifest{
		Type: protocol.TypeToolManifest,
		Tools: []protocol.ToolSpec{
			{Name: "list_issues", ServerName: "gitlab"},
			{Name: "read_file"},
		},
	})

	ack := waitForType(t, cl.conn, protocol.TypeToolManifestAck)
	assert.EqualValues(t, 2, ack["toolCount"])
	tools := ack["tools"].([]any)
	assert.Contains(t, tools, "worker__list_issues")
	assert.Contains(t, tools, "worker__read_file")

	c := e.delegates.GetByDelegate("u1", "Worker")
	require.NotNil(t, c)
	assert.Equal(t, map[string]string{"gitlab": "srv_1"}, c.Servers())
}

func TestToolCallRoundTrip(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")
	e.handshake(t, cl, nil)
	cl.sendFramed(t, protocol.ToolManifest{
		Type:  protocol.TypeToolManifest,
		Tools: []protocol.ToolSpec{{Name: "echo"}},
	})
	waitForType(t, cl.conn, protocol.TypeToolManifestAck)

	done := make(chan protocol.ToolResult, 1)
	go func() {
		done <- e.registry.ExecuteTool(context.Background(),
			registry.ToolCall{ID: "call-1", Name: "worker__echo", Input: json.RawMessage(`{"x":1}`)},
			"u1", nil, registry.ExecContext{ConversationID: "c1"})
	}()

	req := waitForType(t, cl.conn, protocol.TypeToolCallRequest)
	tool := req["tool"].(map[string]any)
	assert.Equal(t, "echo", tool["name"], "delegate sees the original name")

	cl.sendFramed(t, protocol.ToolCallResponse{
		Type:      protocol.TypeToolCallResponse,
		RequestID: req["requestId"].(string),
		Result:    protocol.ToolResult{Content: "echoed"},
	})

	select {
	case result := <-done:
		assert.False(t, result.IsError)
		assert.Equal(t, "echoed", result.Content)
	case <-time.After(2 * time.Second):
		t.Fatal("tool call did not complete")
	}
}

func TestPingPong(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")

	cl.sendRaw(t, protocol.Ping{Type: protocol.TypePing, Timestamp: 12345})
	pong := waitForType(t, cl.conn, protocol.TypePong)
	assert.EqualValues(t, 12345, pong["timestamp"])
}

func TestPushEventRoutedToQueue(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")
	e.handshake(t, cl, []string{protocol.CapPushEvents})

	cl.sendFramed(t, protocol.PushEvent{
		Type:           protocol.TypePushEvent,
		ID:             "ev-1",
		Source:         "gitlab",
		ConversationID: "c1",
		EventType:      "pipeline_failed",
	})

	require.Eventually(t, func() bool {
		e.queue.mu.Lock()
		defer e.queue.mu.Unlock()
		return len(e.queue.pushed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestInferenceRequestBrokered(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")
	e.handshake(t, cl, []string{protocol.CapInferenceRequests})

	cl.sendFramed(t, protocol.InferenceRequest{
		Type:        protocol.TypeInferenceRequest,
		RequestID:   "r1",
		ServerID:    "srv_1",
		UserMessage: "hello",
	})

	resp := waitForType(t, cl.conn, protocol.TypeInferenceResponse)
	assert.Equal(t, true, resp["success"])
	assert.Equal(t, "brokered", resp["content"])
}

func TestInferenceRequestCarriesFeatureSetKey(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")
	e.handshake(t, cl, []string{protocol.CapInferenceRequests})

	cl.sendFramed(t, protocol.ToolManifest{
		Type:  protocol.TypeToolManifest,
		Tools: []protocol.ToolSpec{{Name: "a", ServerName: "gitlab"}},
	})
	waitForType(t, cl.conn, protocol.TypeToolManifestAck)

	cl.sendFramed(t, protocol.FeatureSetsChanged{
		Type: protocol.TypeFeatureSetsChanged,
		FeatureSets: map[string]protocol.FeatureSet{
			"srv_*": {InferenceRequests: true},
		},
	})
	cl.sendFramed(t, protocol.InferenceRequest{
		Type:        protocol.TypeInferenceRequest,
		RequestID:   "r1",
		ServerID:    "srv_1",
		UserMessage: "hello",
	})
	waitForType(t, cl.conn, protocol.TypeInferenceResponse)

	req := e.broker.last()
	assert.Equal(t, "srv_*", req.FeatureSet, "feature-set key reaches model routing")
	assert.Equal(t, 1, req.Depth, "server-originated inference starts one level deep")
}

func TestHookRegistrationCoversEveryHookServer(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")
	sessionID := e.handshake(t, cl, []string{protocol.CapContextHooks})

	cl.sendFramed(t, protocol.ToolManifest{
		Type: protocol.TypeToolManifest,
		Tools: []protocol.ToolSpec{
			{Name: "read", ServerName: "files"},
			{Name: "log", ServerName: "git"},
		},
	})
	waitForType(t, cl.conn, protocol.TypeToolManifestAck)

	cl.sendFramed(t, protocol.FeatureSetsChanged{
		Type: protocol.TypeFeatureSetsChanged,
		FeatureSets: map[string]protocol.FeatureSet{
			"srv_*": {ContextHooks: true},
		},
	})
	require.Eventually(t, func() bool {
		sess := e.sessions.Get(sessionID)
		fs, ok := sess.FeatureSetFor("srv_1")
		return ok && fs.ContextHooks
	}, time.Second, 5*time.Millisecond)

	done := make(chan []protocol.Injection, 1)
	go func() {
		done <- e.hooks.BeforeInference(context.Background(), "u1", "c1", "", 0)
	}()

	// One beforeInference per hook server.
	var hookReqs []map[string]any
	require.Eventually(t, func() bool {
		hookReqs = hookReqs[:0]
		for _, m := range cl.conn.sentPayloads() {
			if m["type"] == protocol.TypeBeforeInference {
				hookReqs = append(hookReqs, m)
			}
		}
		return len(hookReqs) == 2
	}, 2*time.Second, 5*time.Millisecond, "one dispatch per hook server")

	// Each reply tags its injections with its own serverIds, out of order.
	for _, hookReq := range hookReqs {
		cl.sendFramed(t, protocol.BeforeInferenceResponse{
			Type:      protocol.TypeBeforeInferenceResponse,
			RequestID: hookReq["requestId"].(string),
			Injections: []protocol.Injection{
				{ServerID: "srv_2", Position: "system", Content: "late"},
				{ServerID: "srv_1", Position: "system", Content: "early"},
			},
		})
	}

	got := <-done
	require.Len(t, got, 4, "both hook servers dispatched")
	assert.Equal(t, "srv_1", got[0].ServerID)
	assert.Equal(t, "srv_1", got[1].ServerID)
	assert.Equal(t, "srv_2", got[2].ServerID)
	assert.Equal(t, "srv_2", got[3].ServerID)
}

func TestStateOpsThroughDispatcher(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")
	e.handshake(t, cl, nil)

	cl.sendFramed(t, protocol.StateSet{
		Type:           protocol.TypeStateSet,
		RequestID:      "s1",
		ConversationID: "c1",
		State:          json.RawMessage(`{"count":1}`),
	})
	res := waitForType(t, cl.conn, protocol.TypeStatePatchResult)
	assert.Equal(t, true, res["success"])

	cl.sendFramed(t, protocol.StateGet{
		Type:           protocol.TypeStateGet,
		RequestID:      "s2",
		ConversationID: "c1",
	})
	get := waitForType(t, cl.conn, protocol.TypeStateResponse)
	assert.Equal(t, map[string]any{"count": float64(1)}, get["state"])
}

func TestRollbackWithoutCheckpointsReportsReason(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")
	e.handshake(t, cl, nil)

	cl.sendFramed(t, protocol.StateRollback{
		Type:           protocol.TypeStateRollback,
		RequestID:      "r1",
		ConversationID: "c1",
	})
	resp := waitForType(t, cl.conn, protocol.TypeStateResponse)
	assert.Equal(t, "no_checkpoints", resp["error"])
}

func TestModelInfoFallsBackToDefault(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")
	e.handshake(t, cl, nil)

	cl.sendFramed(t, protocol.ModelInfoRequest{Type: protocol.TypeModelInfoRequest, RequestID: "m1"})
	info := waitForType(t, cl.conn, protocol.TypeModelInfoResponse)
	assert.Equal(t, router.DefaultModelID, info["modelId"])
}

func TestTriggerInferenceAnswered(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")

	cl.sendRaw(t, protocol.TriggerInference{
		Type:           protocol.TypeTriggerInference,
		TriggerID:      "t1",
		Source:         "webhook",
		ConversationID: "c1",
		Context:        "pipeline failed",
	})

	result := waitForType(t, cl.conn, protocol.TypeTriggerInferenceResult)
	assert.Equal(t, "t1", result["triggerId"])
	assert.Equal(t, true, result["success"])
	assert.Equal(t, "triggered", result["response"])
}

func TestDisconnectRemovesToolsUnlessReplaced(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")
	e.handshake(t, cl, nil)
	cl.sendFramed(t, protocol.ToolManifest{
		Type:  protocol.TypeToolManifest,
		Tools: []protocol.ToolSpec{{Name: "echo"}},
	})
	waitForType(t, cl.conn, protocol.TypeToolManifestAck)

	cl.conn.disconnect()
	require.Eventually(t, func() bool {
		return e.delegates.GetByDelegate("u1", "worker") == nil
	}, time.Second, 5*time.Millisecond)

	result := e.registry.ExecuteTool(context.Background(),
		registry.ToolCall{Name: "worker__echo"}, "u1", nil, registry.ExecContext{})
	assert.True(t, result.IsError, "tools are gone after the disconnect")
}

func TestSessionResumeRestoresChannel(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")
	sessionID := e.handshake(t, cl, nil)

	cl.conn.disconnect()
	require.Eventually(t, func() bool {
		return e.delegates.GetByDelegate("u1", "worker") == nil
	}, time.Second, 5*time.Millisecond)

	cl2 := e.connect(t, "u1", "worker")
	cl2.sendRaw(t, protocol.Hello{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		LastReceivedSeq: 0,
	})
	ack := waitForType(t, cl2.conn, protocol.TypeAck)
	assert.Equal(t, sessionID, ack["sessionId"], "same session resumed")
}

func TestResumeByWrongUserCreatesFreshSession(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")
	sessionID := e.handshake(t, cl, nil)

	other := e.connect(t, "u2", "worker")
	other.sendRaw(t, protocol.Hello{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
	})
	ack := waitForType(t, other.conn, protocol.TypeAck)
	assert.NotEqual(t, sessionID, ack["sessionId"], "session ids are owner-bound")
}

func TestFeatureSetsChangedReexpands(t *testing.T) {
	e := newTestEnv(t)
	cl := e.connect(t, "u1", "worker")
	sessionID := e.handshake(t, cl, []string{protocol.CapContextHooks})
	cl.sendFramed(t, protocol.ToolManifest{
		Type:  protocol.TypeToolManifest,
		Tools: []protocol.ToolSpec{{Name: "a", ServerName: "gitlab"}},
	})
	waitForType(t, cl.conn, protocol.TypeToolManifestAck)

	cl.sendFramed(t, protocol.FeatureSetsChanged{
		Type: protocol.TypeFeatureSetsChanged,
		FeatureSets: map[string]protocol.FeatureSet{
			"srv_*": {ContextHooks: true},
		},
	})

	require.Eventually(t, func() bool {
		sess := e.sessions.Get(sessionID)
		fs, ok := sess.FeatureSetFor("srv_1")
		return ok && fs.ContextHooks
	}, time.Second, 5*time.Millisecond, "wildcard expands over the manifested server")
}
