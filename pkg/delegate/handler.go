package delegate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mcpl-dev/mcpld/pkg/broker"
	"github.com/mcpl-dev/mcpld/pkg/channel"
	"github.com/mcpl-dev/mcpld/pkg/hooks"
	"github.com/mcpl-dev/mcpld/pkg/protocol"
	"github.com/mcpl-dev/mcpld/pkg/registry"
	"github.com/mcpl-dev/mcpld/pkg/router"
	"github.com/mcpl-dev/mcpld/pkg/scope"
	"github.com/mcpl-dev/mcpld/pkg/session"
	"github.com/mcpl-dev/mcpld/pkg/state"
)

// Conn is the physical connection seam: a message transport that can also
// be read. The API layer wraps the WebSocket into this.
type Conn interface {
	channel.Transport
	// Read blocks for the next inbound message.
	Read(ctx context.Context) ([]byte, error)
}

// Broker serves mcpl/inference_request. Implemented by pkg/broker.
type Broker interface {
	Handle(ctx context.Context, req broker.Request)
}

// PushSink admits push events. Implemented by pkg/pushqueue.
type PushSink interface {
	Push(userID string, ev *protocol.PushEvent) string
}

// StateStore is the conversation-state surface the dispatcher needs.
// Implemented by pkg/state.
type StateStore interface {
	SetState(userID, conversationID string, value json.RawMessage) state.Result
	ApplyPatch(userID, conversationID string, ops []protocol.JSONPatchOp) state.Result
	GetState(userID, conversationID string) json.RawMessage
	CanRollback(userID, conversationID, checkpointID string) state.RollbackCheck
	CommitRollback(userID, conversationID, checkpointID string) state.RollbackResult
	Checkpoints(userID, conversationID string) (string, []protocol.CheckpointInfo)
}

// ModelResolver reports the model a delegate's requests route to.
// Implemented by pkg/router.
type ModelResolver interface {
	ModelInfo(featureSet, delegateID, serverID string) (router.ModelDescriptor, bool)
}

// TriggerRunner serves the legacy trigger_inference path.
type TriggerRunner interface {
	HandleTriggerInference(ctx context.Context, userID string, msg *protocol.TriggerInference) protocol.TriggerInferenceResult
}

// Handler orchestrates one delegate connection from accept to close.
type Handler struct {
	sessions  *session.Manager
	delegates *Manager
	registry  *registry.Registry
	hooks     *hooks.Manager
	scopes    *scope.Manager
	queue     PushSink
	broker    Broker
	state     StateStore
	models    ModelResolver
	trigger   TriggerRunner

	toolTimeout time.Duration
	log         *slog.Logger
}

// HandlerDeps bundles the collaborators a Handler routes between.
type HandlerDeps struct {
	Sessions  *session.Manager
	Delegates *Manager
	Registry  *registry.Registry
	Hooks     *hooks.Manager
	Scopes    *scope.Manager
	Queue     PushSink
	Broker    Broker
	State     StateStore
	Models    ModelResolver
	Trigger   TriggerRunner

	// ToolTimeout bounds delegate tool round-trips; zero selects the
	// registry default.
	ToolTimeout time.Duration
}

// NewHandler wires the connection orchestrator.
func NewHandler(deps HandlerDeps) *Handler {
	timeout := deps.ToolTimeout
	if timeout <= 0 {
		timeout = registry.DefaultToolTimeout
	}
	return &Handler{
		sessions:    deps.Sessions,
		delegates:   deps.Delegates,
		registry:    deps.Registry,
		hooks:       deps.Hooks,
		scopes:      deps.Scopes,
		queue:       deps.Queue,
		broker:      deps.Broker,
		state:       deps.State,
		models:      deps.Models,
		trigger:     deps.Trigger,
		toolTimeout: timeout,
		log:         slog.With("component", "delegate_handler"),
	}
}

// connState is the per-connection mutable context of a Serve call. It is
// touched only from the connection's read loop.
type connState struct {
	c         *Connected
	ch        *channel.Channel
	sess      *session.Session
	helloDone bool
}

// reply sends through the reliable channel once the MCPL handshake is
// done, unframed before that.
func (cs *connState) reply(conn Conn, payload any) error {
	if cs.helloDone {
		return cs.ch.Send(payload)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.Send(data)
}

// Serve runs one authenticated delegate connection until the transport
// drops. The caller has already resolved userID from the connection URL.
func (h *Handler) Serve(ctx context.Context, conn Conn, userID, delegateID string) {
	log := h.log.With("user_id", userID, "delegate_id", delegateID)

	if err := protocol.ValidateDelegateID(delegateID); err != nil {
		log.Warn("Refusing connection with invalid delegate id", "error", err)
		conn.Close(protocol.ClosePolicyViolation, err.Error())
		return
	}

	cs := &connState{
		c: &Connected{
			// Provisional id until mcpl/hello binds the real session.
			SessionID:   uuid.NewString(),
			UserID:      userID,
			DelegateID:  delegateID,
			ConnectedAt: time.Now(),
		},
	}
	cs.ch = channel.New(conn, log)
	cs.c.Channel = cs.ch
	cs.ch.SetHandler(func(payload json.RawMessage) { h.dispatch(ctx, conn, cs, payload) })
	cs.ch.SetLegacyHandler(func(raw []byte) { h.dispatch(ctx, conn, cs, raw) })

	if err := h.delegates.Register(cs.c); err != nil {
		log.Warn("Refusing duplicate delegate connection")
		conn.Close(protocol.CloseNameCollision, "delegate id already connected")
		return
	}

	defer func() {
		cs.ch.Detach()
		if cs.helloDone {
			h.sessions.SaveReliableState(cs.c.SessionID, cs.ch.State())
			h.hooks.Unregister(cs.c.SessionID)
		}
		h.delegates.Unregister(cs.c)
		h.delegates.RemoveToolsUnlessReplaced(cs.c)
		log.Info("Delegate disconnected")
	}()

	if err := cs.reply(conn, protocol.DelegateAuthResult{
		Type:      protocol.TypeDelegateAuthResult,
		Success:   true,
		UserID:    userID,
		SessionID: cs.c.SessionID,
	}); err != nil {
		log.Warn("Failed to send auth result", "error", err)
		return
	}
	log.Info("Delegate connected")

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				log.Debug("Delegate read loop ended", "error", err)
			}
			return
		}
		cs.ch.HandleRaw(data)
	}
}

// dispatch routes one decoded message. Unknown types are logged and
// dropped for forward compatibility.
func (h *Handler) dispatch(ctx context.Context, conn Conn, cs *connState, raw []byte) {
	msg, err := protocol.DecodeMessage(raw)
	if err != nil {
		var unknown *protocol.ErrUnknownType
		if errors.As(err, &unknown) {
			h.log.Warn("Dropping message of unknown type", "type", unknown.TypeName)
		} else {
			h.log.Warn("Dropping undecodable message", "error", err)
		}
		return
	}

	switch m := msg.(type) {
	case *protocol.DelegateAuth:
		// Legacy pre-URL authentication; the connection is already
		// authenticated, so just confirm.
		h.send(cs, conn, protocol.DelegateAuthResult{
			Type:      protocol.TypeDelegateAuthResult,
			Success:   true,
			UserID:    cs.c.UserID,
			SessionID: cs.c.SessionID,
		})
	case *protocol.Hello:
		h.handleHello(cs, m)
	case *protocol.ToolManifest:
		h.handleManifest(cs, conn, m)
	case *protocol.ToolCallResponse:
		h.delegates.HandleToolCallResponse(m)
	case *protocol.TriggerInference:
		go h.handleTrigger(ctx, cs, conn, m)
	case *protocol.Ping:
		h.send(cs, conn, protocol.Pong{Type: protocol.TypePong, Timestamp: m.Timestamp})
	case *protocol.BeforeInferenceResponse:
		h.delegates.HandleBeforeInferenceResponse(m)
	case *protocol.AfterInferenceAck:
		// Informational only.
	case *protocol.PushEvent:
		h.queue.Push(cs.c.UserID, m)
	case *protocol.InferenceRequest:
		var featureSet string
		if cs.sess != nil {
			featureSet = cs.sess.FeatureSetKeyFor(m.ServerID)
		}
		// Server-originated inference is one level into the call chain
		// already; the hook manager's depth guard counts from there.
		go h.broker.Handle(ctx, broker.Request{
			UserID:     cs.c.UserID,
			DelegateID: cs.c.DelegateID,
			FeatureSet: featureSet,
			Depth:      1,
			Msg:        m,
			Send:       cs.ch.Send,
		})
	case *protocol.ScopeChangeRequest:
		h.scopes.HandleScopeChange(cs.c.UserID, cs.c.DelegateID, m)
	case *protocol.ScopeElevateRequest:
		if m.DelegateID == "" {
			m.DelegateID = cs.c.DelegateID
		}
		h.scopes.HandleScopeElevate(cs.c.UserID, m)
	case *protocol.ConnectServerResult:
		h.scopes.HandleConnectServerResult(cs.c.UserID, m)
	case *protocol.FeatureSetsChanged:
		h.applyFeatureSets(cs, m.FeatureSets)
	case *protocol.StateSet:
		res := h.state.SetState(cs.c.UserID, m.ConversationID, m.State)
		h.send(cs, conn, protocol.StatePatchResult{
			Type: protocol.TypeStatePatchResult, RequestID: m.RequestID,
			Success: res.Success, Error: res.Error,
		})
	case *protocol.StatePatch:
		res := h.state.ApplyPatch(cs.c.UserID, m.ConversationID, m.Patch)
		h.send(cs, conn, protocol.StatePatchResult{
			Type: protocol.TypeStatePatchResult, RequestID: m.RequestID,
			Success: res.Success, Error: res.Error,
		})
	case *protocol.StateRollback:
		h.handleRollback(cs, conn, m)
	case *protocol.StateGet:
		h.send(cs, conn, protocol.StateResponse{
			Type: protocol.TypeStateResponse, RequestID: m.RequestID,
			State: h.state.GetState(cs.c.UserID, m.ConversationID),
		})
	case *protocol.CheckpointList:
		current, checkpoints := h.state.Checkpoints(cs.c.UserID, m.ConversationID)
		h.send(cs, conn, protocol.CheckpointListResponse{
			Type: protocol.TypeCheckpointListResponse, RequestID: m.RequestID,
			Current: current, Checkpoints: checkpoints,
		})
	case *protocol.ModelInfoRequest:
		desc, ok := h.models.ModelInfo("", cs.c.DelegateID, "")
		if !ok {
			desc, _ = router.LookupModel(router.DefaultModelID)
		}
		h.send(cs, conn, protocol.ModelInfoResponse{
			Type:             protocol.TypeModelInfoResponse,
			RequestID:        m.RequestID,
			ModelID:          desc.ModelID,
			Provider:         desc.Provider,
			ContextWindow:    desc.ContextWindow,
			OutputTokenLimit: desc.OutputTokenLimit,
			SupportsThinking: desc.SupportsThinking,
			SupportsPrefill:  desc.SupportsPrefill,
			Capabilities:     desc.Capabilities,
		})
	default:
		h.log.Warn("Decoded message with no dispatch arm", "go_type", fmt.Sprintf("%T", m))
	}
}

func (h *Handler) send(cs *connState, conn Conn, payload any) {
	if err := cs.reply(conn, payload); err != nil {
		h.log.Warn("Reply send failed", "delegate_id", cs.c.DelegateID, "error", err)
	}
}

// handleHello binds or resumes the MCPL session and completes the
// handshake. The channel's handlers were installed at accept time, so
// replies to resent frames cannot be lost.
func (h *Handler) handleHello(cs *connState, m *protocol.Hello) {
	var resumed bool
	var sess *session.Session
	if m.SessionID != "" {
		if sess = h.sessions.Resume(m.SessionID, cs.c.UserID); sess != nil {
			resumed = true
		}
	}
	if sess == nil {
		sess = h.sessions.Create(cs.c.UserID, cs.c.DelegateID, m.DelegateName, m.ProtocolVersion, m.Capabilities)
	}
	cs.sess = sess
	cs.c.DelegateName = sess.DelegateName
	h.delegates.AdoptSession(cs.c, sess.ID)

	ack := protocol.Ack{
		Type:                   protocol.TypeAck,
		SessionID:              sess.ID,
		NegotiatedCapabilities: sess.Capabilities(),
		FeatureSets:            sess.ExpandedFeatureSets(),
	}
	if resumed {
		if st, ok := h.sessions.ReliableState(sess.ID); ok {
			cs.ch.RestoreState(st)
		}
		ack.ResumedFromSeq = m.LastReceivedSeq
	}
	cs.helloDone = true

	if err := cs.ch.Send(ack); err != nil {
		h.log.Warn("Failed to send handshake ack", "session_id", sess.ID, "error", err)
		return
	}
	if resumed {
		if err := cs.ch.ResendBufferedAfter(m.LastReceivedSeq); err != nil {
			h.log.Warn("Resend after resume aborted", "session_id", sess.ID, "error", err)
		}
	}
	h.syncHookRegistration(cs)
	h.log.Info("MCPL session established",
		"session_id", sess.ID, "delegate_id", cs.c.DelegateID, "resumed", resumed)
}

// handleManifest installs the delegate's tool set and recomputes
// everything keyed on its servers.
func (h *Handler) handleManifest(cs *connState, conn Conn, m *protocol.ToolManifest) {
	servers := make(map[string]string)
	for _, spec := range m.Tools {
		if spec.ServerName != "" {
			servers[spec.ServerName] = h.delegates.GetOrCreateServerID(cs.c.DelegateID, spec.ServerName)
		}
	}

	userID, delegateID := cs.c.UserID, cs.c.DelegateID
	exec := func(ctx context.Context, call registry.ToolCall, ec registry.ExecContext) protocol.ToolResult {
		return h.delegates.ExecuteToolOnDelegate(ctx, userID, delegateID, call, ec, h.toolTimeout, nil)
	}
	installed := h.registry.InstallDelegateTools(userID, delegateID, m.Tools, servers, exec)
	h.delegates.UpdateTools(cs.c, servers, len(installed))

	if cs.sess != nil {
		raw := cs.sess.FeatureSets()
		cs.sess.SetFeatureSets(raw, session.ExpandFeatureSets(raw, h.delegates.ServerIDsFor(delegateID)))
		h.syncHookRegistration(cs)
	}

	h.send(cs, conn, protocol.ToolManifestAck{
		Type:      protocol.TypeToolManifestAck,
		ToolCount: len(installed),
		Tools:     installed,
	})
}

func (h *Handler) applyFeatureSets(cs *connState, raw map[string]protocol.FeatureSet) {
	if cs.sess == nil {
		h.log.Warn("featureSets_changed before hello, ignoring", "delegate_id", cs.c.DelegateID)
		return
	}
	cs.sess.SetFeatureSets(raw, session.ExpandFeatureSets(raw, h.delegates.ServerIDsFor(cs.c.DelegateID)))
	h.syncHookRegistration(cs)
}

// syncHookRegistration keeps the hook manager's view in line with the
// session: one registration per server whose feature set enables hooks,
// provided the session negotiated context_hooks.
func (h *Handler) syncHookRegistration(cs *connState) {
	sess := cs.sess
	if sess == nil {
		return
	}
	var hookServers []string
	for serverID, fs := range sess.ExpandedFeatureSets() {
		if fs.ContextHooks {
			hookServers = append(hookServers, serverID)
		}
	}
	if !sess.HasCapability(protocol.CapContextHooks) {
		hookServers = nil
	}
	sort.Strings(hookServers)
	// Replace semantics: servers whose hooks were switched off drop out.
	h.hooks.SetSessionServers(sess.ID, cs.c.UserID, cs.c.DelegateID, hookServers)
}

func (h *Handler) handleRollback(cs *connState, conn Conn, m *protocol.StateRollback) {
	check := h.state.CanRollback(cs.c.UserID, m.ConversationID, m.CheckpointID)
	if !check.Exists {
		h.send(cs, conn, protocol.StateResponse{
			Type: protocol.TypeStateResponse, RequestID: m.RequestID,
			Error: check.Reason,
		})
		return
	}
	res := h.state.CommitRollback(cs.c.UserID, m.ConversationID, check.CheckpointID)
	if !res.Success {
		h.send(cs, conn, protocol.StateResponse{
			Type: protocol.TypeStateResponse, RequestID: m.RequestID,
			Error: res.Error,
		})
		return
	}
	h.send(cs, conn, protocol.StateResponse{
		Type: protocol.TypeStateResponse, RequestID: m.RequestID,
		State: res.State, RolledBack: true, CheckpointID: res.CheckpointID,
	})
}

func (h *Handler) handleTrigger(ctx context.Context, cs *connState, conn Conn, m *protocol.TriggerInference) {
	if h.trigger == nil {
		h.send(cs, conn, protocol.TriggerInferenceResult{
			Type: protocol.TypeTriggerInferenceResult, TriggerID: m.TriggerID,
			Error: "trigger inference is not available",
		})
		return
	}
	result := h.trigger.HandleTriggerInference(ctx, cs.c.UserID, m)
	result.Type = protocol.TypeTriggerInferenceResult
	result.TriggerID = m.TriggerID
	h.send(cs, conn, result)
}
