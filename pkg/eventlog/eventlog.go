// Package eventlog is the append-only JSONL event journal. Events are
// sharded into per-user and per-conversation directories and replayed
// sequentially at startup to rebuild subsystem state.
//
// Appends are fire-and-forget by contract: failures are logged and counted
// in metrics but never block a state transition. At most one append is in
// flight per log file, enforced by a per-path lock.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/mcpl-dev/mcpld/pkg/metrics"
)

// Event is one journal line.
type Event struct {
	Type           string          `json:"type"`
	Timestamp      time.Time       `json:"ts"`
	ConversationID string          `json:"conversationId,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// NewEvent builds an event with the payload marshaled in place. Marshal
// failures produce an event with a null payload; the caller's types are
// plain structs, so this only fires on programmer error.
func NewEvent(eventType, conversationID string, payload any) Event {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Error("Failed to marshal event payload", "type", eventType, "error", err)
		raw = nil
	}
	return Event{
		Type:           eventType,
		Timestamp:      time.Now().UTC(),
		ConversationID: conversationID,
		Payload:        raw,
	}
}

// Log is a journal rooted at a base directory.
type Log struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-file single-writer locks
}

// Open creates the journal root if needed and returns the log.
func Open(dir string) (*Log, error) {
	for _, sub := range []string{"users", "conversations"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	return &Log{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (l *Log) userPath(userID string) string {
	return filepath.Join(l.dir, "users", userID, "events.jsonl")
}

func (l *Log) conversationPath(conversationID string) string {
	return filepath.Join(l.dir, "conversations", conversationID, "events.jsonl")
}

func (l *Log) fileLock(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[path]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[path] = lock
	}
	return lock
}

// AppendUser journals an event to the user's log. Best-effort.
func (l *Log) AppendUser(userID string, ev Event) {
	if err := l.append(l.userPath(userID), ev); err != nil {
		metrics.EventLogAppendFailures.WithLabelValues("user").Inc()
		slog.Warn("Event journal append failed", "user_id", userID, "type", ev.Type, "error", err)
	}
}

// AppendConversation journals an event to the conversation's log.
// Best-effort.
func (l *Log) AppendConversation(conversationID string, ev Event) {
	if err := l.append(l.conversationPath(conversationID), ev); err != nil {
		metrics.EventLogAppendFailures.WithLabelValues("conversation").Inc()
		slog.Warn("Event journal append failed", "conversation_id", conversationID, "type", ev.Type, "error", err)
	}
}

func (l *Log) append(path string, ev Event) error {
	lock := l.fileLock(path)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return f.Sync()
}

// ReplayUser reads the user's journal sequentially and hands each event to
// fn. Lines that fail to parse are skipped with a warning; replay never
// fails midway because of one bad line.
func (l *Log) ReplayUser(userID string, fn func(Event)) error {
	return l.replay(l.userPath(userID), fn)
}

// ReplayConversation reads a conversation journal sequentially.
func (l *Log) ReplayConversation(conversationID string, fn func(Event)) error {
	return l.replay(l.conversationPath(conversationID), fn)
}

func (l *Log) replay(path string, fn func(Event)) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			slog.Warn("Skipping unparseable journal line", "path", path, "line", lineNo, "error", err)
			continue
		}
		fn(ev)
	}
	return scanner.Err()
}

// Users lists user ids that have a journal, for the startup replay sweep.
func (l *Log) Users() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(l.dir, "users"))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			users = append(users, e.Name())
		}
	}
	sort.Strings(users)
	return users, nil
}
