// Package session reads and removes per-conversation transcripts stored as
// JSONL files, one file per session key.
//
// File format:
//
//	Line 1:  {"_type":"metadata","key":"…","sessionId":"…","created_at":"…",
//	           "updated_at":"…","metadata":{…}}
//	Line 2+: one JSON message object per line
//
// This process never appends messages; the agent gateway owns the write side.
// The store only needs the metadata line and the ability to delete a
// transcript during archival.
package session

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Entry is the metadata view of one stored session.
type Entry struct {
	Key       string
	SessionID string
	CreatedAt time.Time
	UpdatedAt time.Time
	Path      string
}

// Store reads session metadata from a directory of JSONL transcripts.
type Store struct {
	sessionsDir string // workspace/sessions/
}

// NewStore creates a Store rooted at the workspace directory.
// It creates the sessions subdirectory if necessary.
func NewStore(workspace string) (*Store, error) {
	dir := filepath.Join(workspace, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}

	return &Store{sessionsDir: dir}, nil
}

// Entry returns the metadata for key, or nil (with no error) when no
// transcript exists. A transcript whose metadata line cannot be parsed counts
// as existing with an empty session id.
func (s *Store) Entry(key string) (*Entry, error) {
	path := s.sessionPath(key)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session %s: %w", path, err)
	}
	defer f.Close()

	entry := &Entry{Key: key, Path: path}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 1<<20), 1<<20) // 1 MB per line
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, fmt.Errorf("read session %s: %w", path, err)
		}
		return entry, nil
	}

	line := bytes.TrimSpace(scanner.Bytes())
	var data map[string]any
	if err := json.Unmarshal(line, &data); err != nil || data["_type"] != "metadata" {
		slog.Warn("session missing metadata line", "key", key, "path", path)
		return entry, nil
	}

	if id, ok := data["sessionId"].(string); ok {
		entry.SessionID = id
	}
	if ts, ok := data["created_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.CreatedAt = t
		}
	}
	if ts, ok := data["updated_at"].(string); ok {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			entry.UpdatedAt = t
		}
	}
	return entry, nil
}

// Delete removes the transcript for key. Deleting a missing transcript is not
// an error.
func (s *Store) Delete(key string) error {
	path := s.sessionPath(key)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete session %s: %w", path, err)
	}
	return nil
}

// List returns metadata for all stored sessions, sorted newest-first.
func (s *Store) List() []Entry {
	paths, _ := filepath.Glob(filepath.Join(s.sessionsDir, "*.jsonl"))
	var out []Entry

	for _, path := range paths {
		f, err := os.Open(path)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 1<<20), 1<<20)
		if scanner.Scan() {
			var data map[string]any
			if json.Unmarshal(bytes.TrimSpace(scanner.Bytes()), &data) == nil &&
				data["_type"] == "metadata" {
				key, _ := data["key"].(string)
				if key == "" {
					// Fall back: derive from filename
					base := filepath.Base(path)
					key = strings.TrimSuffix(base, ".jsonl")
					key = strings.Replace(key, "_", ":", 1)
				}
				e := Entry{Key: key, Path: path}
				if id, ok := data["sessionId"].(string); ok {
					e.SessionID = id
				}
				if ts, ok := data["created_at"].(string); ok {
					if t, err := time.Parse(time.RFC3339, ts); err == nil {
						e.CreatedAt = t
					}
				}
				if ts, ok := data["updated_at"].(string); ok {
					if t, err := time.Parse(time.RFC3339, ts); err == nil {
						e.UpdatedAt = t
					}
				}
				out = append(out, e)
			}
		}
		f.Close()
	}

	for i := 0; i < len(out)-1; i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].UpdatedAt.After(out[i].UpdatedAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}

	return out
}

// sessionPath converts a session key to its JSONL file path:
// safeFilename(key with ":" replaced by "_") + ".jsonl"
func (s *Store) sessionPath(key string) string {
	name := safeFilename(strings.ReplaceAll(key, ":", "_"))
	return filepath.Join(s.sessionsDir, name+".jsonl")
}

// safeFilename replaces filesystem-unsafe characters with underscores
// and trims surrounding whitespace.
func safeFilename(name string) string {
	const unsafe = `<>:"/\|?*`
	var b strings.Builder
	for _, r := range name {
		if strings.ContainsRune(unsafe, r) {
			b.WriteByte('_')
		} else {
			b.WriteRune(r)
		}
	}
	return strings.TrimSpace(b.String())
}
