// Package trigger turns externally-originated events into inference runs
// in their target conversation: dequeued push events and the legacy
// trigger_inference path both land here.
package trigger

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/mcpl-dev/mcpld/pkg/broker"
	"github.com/mcpl-dev/mcpld/pkg/eventlog"
	"github.com/mcpl-dev/mcpld/pkg/protocol"
	"github.com/mcpl-dev/mcpld/pkg/pushqueue"
	"github.com/mcpl-dev/mcpld/pkg/registry"
)

// Journal is the slice of the event log the runner writes to.
type Journal interface {
	AppendConversation(conversationID string, ev eventlog.Event)
}

// Runner drives the conversation inference for triggered events.
type Runner struct {
	engine   broker.Engine
	resolver broker.Resolver
	journal  Journal
	hooks    broker.HookRunner
	tools    broker.ToolSource
	log      *slog.Logger
}

// NewRunner wires the trigger runner. resolver and journal may be nil in
// tests.
func NewRunner(engine broker.Engine, resolver broker.Resolver, journal Journal) *Runner {
	return &Runner{
		engine:   engine,
		resolver: resolver,
		journal:  journal,
		log:      slog.With("component", "trigger_runner"),
	}
}

// SetHooks wires the hook manager in after construction.
func (r *Runner) SetHooks(hooks broker.HookRunner) {
	r.hooks = hooks
}

// SetTools wires the tool registry in after construction.
func (r *Runner) SetTools(tools broker.ToolSource) {
	r.tools = tools
}

// prepare surrounds the engine request with the user's hook injections
// and tool manifest. Triggered runs start a fresh call chain, depth 0.
func (r *Runner) prepare(ctx context.Context, req *broker.EngineRequest, userID string) {
	if r.hooks != nil {
		req.Injections = r.hooks.BeforeInference(ctx, userID, req.ConversationID, req.UserMessage, 0)
	}
	if r.tools != nil {
		req.Tools = r.tools.ListTools(userID, nil)
		req.ToolsetHash = r.tools.ToolsetHash(userID, nil)
		conversationID := req.ConversationID
		req.Exec = func(ctx context.Context, call registry.ToolCall) protocol.ToolResult {
			return r.tools.ExecuteTool(ctx, call, userID, nil, registry.ExecContext{
				ConversationID: conversationID,
			})
		}
	}
}

// HandlePushEvent runs the inference for one dequeued push event.
// Implements the push queue's Trigger; a returned error marks the entry
// failed.
func (r *Runner) HandlePushEvent(ctx context.Context, entry pushqueue.Entry) error {
	req := broker.EngineRequest{
		ConversationID: entry.ConversationID,
		SystemMessage:  entry.SystemMessage,
		UserMessage:    eventMessage(entry.Source, entry.EventType, entry.Payload),
	}
	if r.resolver != nil {
		if target, ok := r.resolver.Resolve("", "", "", entry.Source); ok {
			req.Target = target
		}
	}
	r.prepare(ctx, &req, entry.UserID)

	content, err := r.engine.Run(ctx, req, nil)
	if err != nil {
		return fmt.Errorf("push event inference: %w", err)
	}
	if r.hooks != nil {
		r.hooks.AfterInference(entry.UserID, entry.ConversationID, req.UserMessage)
	}
	if r.journal != nil {
		r.journal.AppendConversation(entry.ConversationID,
			eventlog.NewEvent("push_inference_completed", entry.ConversationID, map[string]any{
				"eventId":   entry.ID,
				"source":    entry.Source,
				"eventType": entry.EventType,
				"response":  content,
			}))
	}
	return nil
}

// HandleTriggerInference serves the legacy trigger_inference path.
func (r *Runner) HandleTriggerInference(ctx context.Context, userID string, msg *protocol.TriggerInference) protocol.TriggerInferenceResult {
	if msg.ConversationID == "" {
		return protocol.TriggerInferenceResult{Error: "conversationId is required"}
	}

	req := broker.EngineRequest{
		ConversationID: msg.ConversationID,
		SystemMessage:  msg.SystemMessage,
		UserMessage:    msg.Context,
	}
	if r.resolver != nil {
		if target, ok := r.resolver.Resolve("", "", "", msg.Source); ok {
			req.Target = target
		}
	}
	r.prepare(ctx, &req, userID)

	content, err := r.engine.Run(ctx, req, nil)
	if err != nil {
		r.log.Warn("Trigger inference failed",
			"trigger_id", msg.TriggerID, "conversation_id", msg.ConversationID, "error", err)
		return protocol.TriggerInferenceResult{
			ConversationID: msg.ConversationID,
			Error:          err.Error(),
		}
	}

	if r.hooks != nil {
		r.hooks.AfterInference(userID, msg.ConversationID, req.UserMessage)
	}

	messageID := uuid.NewString()
	if r.journal != nil {
		r.journal.AppendConversation(msg.ConversationID,
			eventlog.NewEvent("trigger_inference_completed", msg.ConversationID, map[string]any{
				"triggerId": msg.TriggerID,
				"source":    msg.Source,
				"userId":    userID,
				"messageId": messageID,
			}))
	}
	return protocol.TriggerInferenceResult{
		Success:        true,
		ConversationID: msg.ConversationID,
		MessageID:      messageID,
		Response:       content,
	}
}

func eventMessage(source, eventType string, payload []byte) string {
	msg := fmt.Sprintf("External event from %s: %s", source, eventType)
	if len(payload) > 0 {
		msg += "\n" + string(payload)
	}
	return msg
}
