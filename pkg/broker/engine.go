package broker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/mcpl-dev/mcpld/pkg/protocol"
	"github.com/mcpl-dev/mcpld/pkg/registry"
)

// maxToolRounds bounds how many times one Run follows tool-call
// continuations before giving up on the engine.
const maxToolRounds = 8

// HTTPEngine talks to the out-of-process inference engine over HTTP.
// The engine streams newline-delimited JSON chunks; each line carries a
// delta, a tool call, or the final done marker.
type HTTPEngine struct {
	url    string
	client *http.Client
}

// NewHTTPEngine points the adapter at the engine's inference endpoint.
func NewHTTPEngine(url string) *HTTPEngine {
	// No client-level timeout: streams stay open for the whole
	// generation and the per-request context bounds them.
	return &HTTPEngine{url: url, client: &http.Client{}}
}

type engineWireRequest struct {
	ConversationID string                `json:"conversationId"`
	SystemMessage  string                `json:"systemMessage,omitempty"`
	UserMessage    string                `json:"userMessage,omitempty"`
	MaxTokens      int                   `json:"maxTokens,omitempty"`
	Provider       string                `json:"provider,omitempty"`
	Model          string                `json:"model,omitempty"`
	Injections     []protocol.Injection  `json:"injections,omitempty"`
	Tools          []registry.Descriptor `json:"tools,omitempty"`
	ToolsetHash    string                `json:"toolsetHash,omitempty"`
	ContinuationID string                `json:"continuationId,omitempty"`
	ToolResults    []engineToolResult    `json:"toolResults,omitempty"`
}

type engineToolResult struct {
	ID     string              `json:"id"`
	Result protocol.ToolResult `json:"result"`
}

type engineWireChunk struct {
	Delta          string             `json:"delta,omitempty"`
	ToolCall       *registry.ToolCall `json:"toolCall,omitempty"`
	ContinuationID string             `json:"continuationId,omitempty"`
	Done           bool               `json:"done,omitempty"`
	Error          string             `json:"error,omitempty"`
}

// Run sends the request and accumulates the streamed deltas into the
// final text. onChunk, when set, observes each delta as it arrives.
// Tool calls emitted by the engine are dispatched through req.Exec and
// their results posted back on the engine's continuation.
func (e *HTTPEngine) Run(ctx context.Context, req EngineRequest, onChunk func(delta string)) (string, error) {
	wire := engineWireRequest{
		ConversationID: req.ConversationID,
		SystemMessage:  req.SystemMessage,
		UserMessage:    req.UserMessage,
		MaxTokens:      req.MaxTokens,
		Provider:       req.Target.Provider,
		Model:          req.Target.Model,
		Injections:     req.Injections,
		Tools:          req.Tools,
		ToolsetHash:    req.ToolsetHash,
	}

	var text strings.Builder
	for round := 0; ; round++ {
		calls, continuation, err := e.stream(ctx, wire, &text, onChunk)
		if err != nil {
			return "", err
		}
		if len(calls) == 0 {
			return text.String(), nil
		}
		if req.Exec == nil {
			return "", fmt.Errorf("inference engine requested %d tool calls but no dispatcher is wired", len(calls))
		}
		if round >= maxToolRounds {
			return "", fmt.Errorf("inference engine exceeded %d tool rounds", maxToolRounds)
		}

		results := make([]engineToolResult, 0, len(calls))
		for _, call := range calls {
			results = append(results, engineToolResult{
				ID:     call.ID,
				Result: req.Exec(ctx, call),
			})
		}
		wire = engineWireRequest{
			ConversationID: req.ConversationID,
			Provider:       req.Target.Provider,
			Model:          req.Target.Model,
			ContinuationID: continuation,
			ToolResults:    results,
		}
	}
}

// stream posts one wire request and consumes the NDJSON response, feeding
// deltas into text. It returns any tool calls the engine emitted together
// with the continuation id to answer them on.
func (e *HTTPEngine) stream(ctx context.Context, wire engineWireRequest, text *strings.Builder, onChunk func(delta string)) ([]registry.ToolCall, string, error) {
	body, err := json.Marshal(wire)
	if err != nil {
		return nil, "", fmt.Errorf("encoding engine request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(body))
	if err != nil {
		return nil, "", fmt.Errorf("building engine request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, "", fmt.Errorf("calling inference engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("inference engine returned %d", resp.StatusCode)
	}

	var (
		calls        []registry.ToolCall
		continuation string
	)
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk engineWireChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return nil, "", fmt.Errorf("decoding engine chunk: %w", err)
		}
		if chunk.Error != "" {
			return nil, "", fmt.Errorf("inference engine: %s", chunk.Error)
		}
		if chunk.Delta != "" {
			text.WriteString(chunk.Delta)
			if onChunk != nil {
				onChunk(chunk.Delta)
			}
		}
		if chunk.ToolCall != nil {
			calls = append(calls, *chunk.ToolCall)
		}
		if chunk.ContinuationID != "" {
			continuation = chunk.ContinuationID
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, "", fmt.Errorf("reading engine stream: %w", err)
	}
	return calls, continuation, nil
}
