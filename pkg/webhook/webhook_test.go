package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mcpl-dev/mcpld/pkg/protocol"
	"github.com/mcpl-dev/mcpld/pkg/pushqueue"
)

type fakeSink struct {
	mu     sync.Mutex
	events []*protocol.PushEvent
	users  []string
	status string
}

func (s *fakeSink) Push(userID string, ev *protocol.PushEvent) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users = append(s.users, userID)
	s.events = append(s.events, ev)
	if s.status != "" {
		return s.status
	}
	return pushqueue.StatusQueued
}

func newServer(sink *fakeSink, endpoints ...Endpoint) *echo.Echo {
	e := echo.New()
	NewFrontend(sink).Register(e.Group("/webhooks"), endpoints)
	return e
}

func deliver(e *echo.Echo, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/webhooks"+path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func githubEndpoint(secret string) Endpoint {
	return Endpoint{
		Source:         "github",
		Path:           "/github",
		Secret:         secret,
		ConversationID: "c1",
		ParticipantID:  "u1",
	}
}

func sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func TestGithubSignatureAccepted(t *testing.T) {
	sink := &fakeSink{}
	e := newServer(sink, githubEndpoint("s3cret"))

	body := `{"action":"opened"}`
	rec := deliver(e, "/github", body, map[string]string{
		"X-Hub-Signature-256": sign("s3cret", body),
		"X-GitHub-Event":      "pull_request",
		"X-GitHub-Delivery":   "d-1",
	})

	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, true, resp["accepted"])
	assert.NotEmpty(t, resp["triggerId"])

	require.Len(t, sink.events, 1)
	ev := sink.events[0]
	assert.Equal(t, "c1", ev.ConversationID)
	assert.Equal(t, "pull_request", ev.EventType)
	assert.Equal(t, "d-1", ev.IdempotencyKey)
	assert.Equal(t, []string{"u1"}, sink.users)
}

func TestGithubBadSignatureRejected(t *testing.T) {
	sink := &fakeSink{}
	e := newServer(sink, githubEndpoint("s3cret"))

	rec := deliver(e, "/github", `{}`, map[string]string{
		"X-Hub-Signature-256": "sha256=deadbeef",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, sink.events)
}

func TestGitlabTokenCompared(t *testing.T) {
	sink := &fakeSink{}
	ep := Endpoint{Source: "gitlab", Path: "/gitlab", Secret: "tok", ConversationID: "c1", ParticipantID: "u1"}
	e := newServer(sink, ep)

	rec := deliver(e, "/gitlab", `{}`, map[string]string{"X-Gitlab-Token": "tok"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = deliver(e, "/gitlab", `{}`, map[string]string{"X-Gitlab-Token": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestUnknownSourceSkipsVerification(t *testing.T) {
	sink := &fakeSink{}
	ep := Endpoint{Source: "pagerduty", Path: "/pd", Secret: "unused", ConversationID: "c1", ParticipantID: "u1"}
	e := newServer(sink, ep)

	rec := deliver(e, "/pd", `{"incident":"p1"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, sink.events, 1)
	assert.Equal(t, "webhook", sink.events[0].EventType)
}

func TestRateLimitedMapsTo503(t *testing.T) {
	sink := &fakeSink{status: pushqueue.StatusRateLimited}
	e := newServer(sink, githubEndpoint(""))

	rec := deliver(e, "/github", `{}`, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestOversizedBodyRejected(t *testing.T) {
	sink := &fakeSink{}
	e := newServer(sink, githubEndpoint(""))

	rec := deliver(e, "/github", strings.Repeat("x", MaxBodyBytes+1), nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, sink.events)
}
