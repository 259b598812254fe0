// Package uilog maintains the per-conversation UI event log: an
// append-only JSONL file of active_branch_changed records, one per branch
// switch, sharded by the first four hex characters of the conversation id.
//
// Files are auto-compacted to one line per messageId once they exceed the
// size or write-count threshold. Compaction is atomic: the compacted file
// is written to a tmp path and renamed over the original, with a .bak copy
// restored on failure.
package uilog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// RecordTypeActiveBranchChanged tags every record in the log.
	RecordTypeActiveBranchChanged = "active_branch_changed"

	compactMaxBytes  = 50 * 1024
	compactMaxWrites = 500
)

// Record is one active-branch entry for a message.
type Record struct {
	Type         string    `json:"type"`
	MessageID    string    `json:"messageId"`
	CheckpointID string    `json:"checkpointId"`
	Timestamp    time.Time `json:"ts"`
}

// Log is the sharded UI event log rooted at a directory.
type Log struct {
	dir string

	mu     sync.Mutex
	locks  map[string]*sync.Mutex
	writes map[string]int // writes since last compaction, per conversation
}

// Open creates the root directory and returns the log.
func Open(dir string) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating uilog directory: %w", err)
	}
	return &Log{dir: dir, locks: make(map[string]*sync.Mutex), writes: make(map[string]int)}, nil
}

// path shards by the first four characters of the conversation id, so one
// directory never accumulates every conversation.
func (l *Log) path(conversationID string) string {
	shard := conversationID
	if len(shard) > 4 {
		shard = shard[:4]
	}
	return filepath.Join(l.dir, shard, conversationID+".jsonl")
}

func (l *Log) lockFor(conversationID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[conversationID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[conversationID] = lock
	}
	return lock
}

// AppendBranchChange records that messageID's active branch moved to
// checkpointID. Best-effort; failures are logged.
func (l *Log) AppendBranchChange(conversationID, messageID, checkpointID string) {
	lock := l.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()

	rec := Record{
		Type:         RecordTypeActiveBranchChanged,
		MessageID:    messageID,
		CheckpointID: checkpointID,
		Timestamp:    time.Now().UTC(),
	}
	path := l.path(conversationID)
	if err := appendRecord(path, rec); err != nil {
		slog.Warn("UI event log append failed", "conversation_id", conversationID, "error", err)
		return
	}

	l.mu.Lock()
	l.writes[conversationID]++
	writes := l.writes[conversationID]
	l.mu.Unlock()

	if l.needsCompaction(path, writes) {
		if err := l.compactLocked(conversationID, path); err != nil {
			slog.Warn("UI event log compaction failed", "conversation_id", conversationID, "error", err)
		}
	}
}

// Read returns all records for a conversation in file order.
func (l *Log) Read(conversationID string) ([]Record, error) {
	lock := l.lockFor(conversationID)
	lock.Lock()
	defer lock.Unlock()
	return readRecords(l.path(conversationID))
}

func (l *Log) needsCompaction(path string, writes int) bool {
	if writes >= compactMaxWrites {
		return true
	}
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Size() >= compactMaxBytes
}

// compactLocked rewrites the file to the last record per messageId,
// preserving first-seen message order. Caller holds the conversation lock.
func (l *Log) compactLocked(conversationID, path string) error {
	records, err := readRecords(path)
	if err != nil {
		return err
	}

	latest := make(map[string]Record, len(records))
	order := make([]string, 0, len(records))
	for _, rec := range records {
		if _, seen := latest[rec.MessageID]; !seen {
			order = append(order, rec.MessageID)
		}
		latest[rec.MessageID] = rec
	}

	tmp := path + ".tmp"
	bak := path + ".bak"

	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, id := range order {
		line, err := json.Marshal(latest[id])
		if err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			f.Close()
			os.Remove(tmp)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return err
	}

	// Keep a rollback copy, swap in the compacted file, then drop the copy.
	if err := os.Rename(path, bak); err != nil {
		os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		if restoreErr := os.Rename(bak, path); restoreErr != nil {
			return fmt.Errorf("compaction swap failed (%v) and rollback failed: %w", err, restoreErr)
		}
		return err
	}
	os.Remove(bak)

	l.mu.Lock()
	l.writes[conversationID] = 0
	l.mu.Unlock()

	slog.Debug("Compacted UI event log",
		"conversation_id", conversationID,
		"records_in", len(records),
		"records_out", len(order))
	return nil
}

func appendRecord(path string, rec Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

func readRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			slog.Warn("Skipping unparseable UI log line", "path", path, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}
