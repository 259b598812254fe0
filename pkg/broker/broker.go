// Package broker serves mcpl/inference_request: delegates borrow the
// host's inference engine, under a global hourly quota, with the model
// chosen by the inference router.
package broker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpl-dev/mcpld/pkg/events"
	"github.com/mcpl-dev/mcpld/pkg/metrics"
	"github.com/mcpl-dev/mcpld/pkg/protocol"
	"github.com/mcpl-dev/mcpld/pkg/registry"
	"github.com/mcpl-dev/mcpld/pkg/router"
)

// DefaultMaxInferencesPerHour is the global brokered-inference budget.
const DefaultMaxInferencesPerHour = 30

// ToolDispatcher executes one tool call requested by the engine and
// returns its result. Errors come back as error-flagged results, never
// as Go errors.
type ToolDispatcher func(ctx context.Context, call registry.ToolCall) protocol.ToolResult

// EngineRequest is one inference handed to the engine. A zero Target
// means "use the conversation's configured model". Injections precede
// the system message; Tools and Exec give the engine the user's tool
// manifest and a dispatch path back into the host.
type EngineRequest struct {
	ConversationID string
	SystemMessage  string
	UserMessage    string
	MaxTokens      int
	Target         router.Target

	Injections  []protocol.Injection
	Tools       []registry.Descriptor
	ToolsetHash string
	Exec        ToolDispatcher
}

// Engine runs inferences. onChunk is nil for non-streaming requests;
// otherwise it receives each delta as it is produced.
type Engine interface {
	Run(ctx context.Context, req EngineRequest, onChunk func(delta string)) (string, error)
}

// Resolver picks the model for a request. The inference router implements
// it.
type Resolver interface {
	Resolve(featureSet, delegateID, serverID, tag string) (router.Target, bool)
}

// Publisher pushes rate-limit notices to the conversation's UI room.
type Publisher interface {
	BroadcastToConversation(conversationID string, payload any)
}

// HookRunner surrounds each inference with the hook fan-out. The hook
// manager implements it.
type HookRunner interface {
	BeforeInference(ctx context.Context, userID, conversationID, summary string, depth int) []protocol.Injection
	AfterInference(userID, conversationID, summary string)
}

// ToolSource exposes the user's tool manifest and execution path. The
// tool registry implements it.
type ToolSource interface {
	ListTools(userID string, cfg *registry.ToolConfig) []registry.Descriptor
	ToolsetHash(userID string, cfg *registry.ToolConfig) string
	ExecuteTool(ctx context.Context, call registry.ToolCall, userID string, cfg *registry.ToolConfig, ec registry.ExecContext) protocol.ToolResult
}

// Request is one delegate inference request plus its session context.
// Send delivers replies through the session's reliable channel.
type Request struct {
	UserID     string
	DelegateID string
	FeatureSet string
	// Depth counts how many brokered inferences are already on the
	// call chain, for the hook recursion guard.
	Depth int
	Msg   *protocol.InferenceRequest
	Send  func(payload any) error
}

// Config tunes the broker. Zero values select the defaults.
type Config struct {
	MaxInferencesPerHour int
}

// Broker owns the quota window and drives the engine.
type Broker struct {
	mu      sync.Mutex
	granted []time.Time

	engine    Engine
	resolver  Resolver
	publisher Publisher
	hooks     HookRunner
	tools     ToolSource
	cfg       Config
	log       *slog.Logger
}

// New wires the broker. resolver and publisher may be nil in tests.
func New(engine Engine, resolver Resolver, publisher Publisher, cfg Config) *Broker {
	if cfg.MaxInferencesPerHour <= 0 {
		cfg.MaxInferencesPerHour = DefaultMaxInferencesPerHour
	}
	return &Broker{
		engine:    engine,
		resolver:  resolver,
		publisher: publisher,
		cfg:       cfg,
		log:       slog.With("component", "inference_broker"),
	}
}

// SetHooks wires the hook manager in after construction.
func (b *Broker) SetHooks(hooks HookRunner) {
	b.hooks = hooks
}

// SetTools wires the tool registry in after construction.
func (b *Broker) SetTools(tools ToolSource) {
	b.tools = tools
}

// Handle serves one inference request end to end. Exactly one
// inference_response goes back; in streaming mode it terminates the chunk
// stream — there is no separate done chunk.
func (b *Broker) Handle(ctx context.Context, req Request) {
	msg := req.Msg
	if !b.admit() {
		metrics.InferenceQuotaRejections.Inc()
		b.log.Info("Brokered inference refused by quota",
			"user_id", req.UserID, "server_id", msg.ServerID)
		b.respond(req, protocol.InferenceResponse{
			Type:      protocol.TypeInferenceResponse,
			RequestID: msg.RequestID,
			Error:     "Inference quota exhausted, try again later",
		})
		if b.publisher != nil {
			b.publisher.BroadcastToConversation(msg.ConversationID, events.InferenceRateLimitedPayload{
				Type:           events.EventTypeInferenceRateLimited,
				ConversationID: msg.ConversationID,
				ServerID:       msg.ServerID,
				Message:        "Inference quota exhausted",
				Timestamp:      time.Now().UTC().Format(time.RFC3339Nano),
			})
		}
		return
	}

	engineReq := EngineRequest{
		ConversationID: msg.ConversationID,
		SystemMessage:  msg.SystemMessage,
		UserMessage:    msg.UserMessage,
		MaxTokens:      msg.MaxTokens,
	}
	if b.resolver != nil {
		if target, ok := b.resolver.Resolve(req.FeatureSet, req.DelegateID, msg.ServerID, ""); ok {
			engineReq.Target = target
		}
	}
	if b.hooks != nil {
		engineReq.Injections = b.hooks.BeforeInference(ctx, req.UserID, msg.ConversationID, msg.UserMessage, req.Depth)
	}
	if b.tools != nil {
		engineReq.Tools = b.tools.ListTools(req.UserID, nil)
		engineReq.ToolsetHash = b.tools.ToolsetHash(req.UserID, nil)
		engineReq.Exec = func(ctx context.Context, call registry.ToolCall) protocol.ToolResult {
			return b.tools.ExecuteTool(ctx, call, req.UserID, nil, registry.ExecContext{
				ConversationID: msg.ConversationID,
			})
		}
	}

	var onChunk func(string)
	if msg.Stream {
		chunkIndex := 0
		onChunk = func(delta string) {
			err := req.Send(protocol.InferenceChunk{
				Type:       protocol.TypeInferenceChunk,
				RequestID:  msg.RequestID,
				ChunkIndex: chunkIndex,
				Delta:      delta,
			})
			if err != nil {
				b.log.Warn("Dropping inference chunk, channel send failed",
					"request_id", msg.RequestID, "error", err)
			}
			chunkIndex++
		}
	}

	content, err := b.engine.Run(ctx, engineReq, onChunk)
	if err != nil {
		b.log.Warn("Brokered inference failed",
			"request_id", msg.RequestID, "server_id", msg.ServerID, "error", err)
		b.respond(req, protocol.InferenceResponse{
			Type:      protocol.TypeInferenceResponse,
			RequestID: msg.RequestID,
			Error:     err.Error(),
		})
		return
	}

	b.recordSuccess()
	if b.hooks != nil {
		b.hooks.AfterInference(req.UserID, msg.ConversationID, msg.UserMessage)
	}
	b.respond(req, protocol.InferenceResponse{
		Type:      protocol.TypeInferenceResponse,
		RequestID: msg.RequestID,
		Success:   true,
		Content:   content,
	})
}

func (b *Broker) respond(req Request, resp protocol.InferenceResponse) {
	if err := req.Send(resp); err != nil {
		b.log.Warn("Failed to deliver inference response",
			"request_id", resp.RequestID, "error", err)
	}
}

// admit prunes the rolling hour and checks the quota without consuming
// it; only successful runs count against the budget.
func (b *Broker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cutoff := time.Now().Add(-time.Hour)
	i := 0
	for i < len(b.granted) && b.granted[i].Before(cutoff) {
		i++
	}
	b.granted = b.granted[i:]
	return len(b.granted) < b.cfg.MaxInferencesPerHour
}

func (b *Broker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.granted = append(b.granted, time.Now())
}
