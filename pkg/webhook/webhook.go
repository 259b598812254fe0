// Package webhook is the signature-verified HTTP front door for external
// events. Each configured endpoint maps a path to a conversation; verified
// deliveries become push events and flow through the push-event queue.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	echo "github.com/labstack/echo/v5"

	"github.com/mcpl-dev/mcpld/pkg/protocol"
	"github.com/mcpl-dev/mcpld/pkg/pushqueue"
)

// MaxBodyBytes bounds a webhook delivery body.
const MaxBodyBytes = 1 << 20

// Endpoint is one configured webhook receiver.
type Endpoint struct {
	Source         string `yaml:"source"`
	Path           string `yaml:"path"`
	Secret         string `yaml:"secret,omitempty"`
	ConversationID string `yaml:"conversation_id"`
	ParticipantID  string `yaml:"participant_id"`
}

// Sink admits verified deliveries; the push queue implements it.
type Sink interface {
	Push(userID string, ev *protocol.PushEvent) string
}

// Frontend turns webhook deliveries into push events.
type Frontend struct {
	sink Sink
	log  *slog.Logger
}

// NewFrontend wires the webhook front door.
func NewFrontend(sink Sink) *Frontend {
	return &Frontend{sink: sink, log: slog.With("component", "webhook")}
}

// Register mounts one POST route per endpoint.
func (f *Frontend) Register(g *echo.Group, endpoints []Endpoint) {
	for _, ep := range endpoints {
		g.POST(ep.Path, f.handlerFor(ep))
		f.log.Info("Webhook endpoint registered",
			"source", ep.Source, "path", ep.Path, "conversation_id", ep.ConversationID)
	}
}

func (f *Frontend) handlerFor(ep Endpoint) echo.HandlerFunc {
	return func(c *echo.Context) error {
		req := c.Request()
		body, err := io.ReadAll(io.LimitReader(req.Body, MaxBodyBytes+1))
		if err != nil {
			return c.JSON(http.StatusServiceUnavailable,
				map[string]any{"accepted": false, "error": "failed to read body"})
		}
		if len(body) > MaxBodyBytes {
			return c.JSON(http.StatusRequestEntityTooLarge,
				map[string]any{"accepted": false, "error": "body exceeds 1 MB"})
		}

		if !verifySignature(ep, req.Header, body) {
			f.log.Warn("Webhook signature verification failed",
				"source", ep.Source, "path", ep.Path)
			return c.JSON(http.StatusUnauthorized,
				map[string]any{"accepted": false, "error": "invalid signature"})
		}

		triggerID := uuid.NewString()
		status := f.sink.Push(ep.ParticipantID, &protocol.PushEvent{
			Type:           protocol.TypePushEvent,
			ID:             triggerID,
			Source:         ep.Source,
			ConversationID: ep.ConversationID,
			EventType:      eventType(ep.Source, req.Header),
			Payload:        body,
			IdempotencyKey: deliveryID(ep.Source, req.Header),
			Timestamp:      time.Now().UnixMilli(),
		})
		if status == pushqueue.StatusRateLimited {
			return c.JSON(http.StatusServiceUnavailable,
				map[string]any{"accepted": false, "error": "rate limited"})
		}
		return c.JSON(http.StatusOK,
			map[string]any{"accepted": true, "triggerId": triggerID})
	}
}

// verifySignature checks the source-specific delivery signature. Sources
// without a known scheme, and endpoints without a secret, pass unverified.
func verifySignature(ep Endpoint, header http.Header, body []byte) bool {
	if ep.Secret == "" {
		return true
	}
	switch ep.Source {
	case "gitlab":
		token := header.Get("X-Gitlab-Token")
		return len(token) == len(ep.Secret) &&
			subtle.ConstantTimeCompare([]byte(token), []byte(ep.Secret)) == 1
	case "github":
		mac := hmac.New(sha256.New, []byte(ep.Secret))
		mac.Write(body)
		want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
		return hmac.Equal([]byte(header.Get("X-Hub-Signature-256")), []byte(want))
	default:
		return true
	}
}

func eventType(source string, header http.Header) string {
	switch source {
	case "gitlab":
		if ev := header.Get("X-Gitlab-Event"); ev != "" {
			return ev
		}
	case "github":
		if ev := header.Get("X-GitHub-Event"); ev != "" {
			return ev
		}
	}
	return "webhook"
}

func deliveryID(source string, header http.Header) string {
	switch source {
	case "gitlab":
		return header.Get("X-Gitlab-Event-UUID")
	case "github":
		return header.Get("X-GitHub-Delivery")
	}
	return ""
}
