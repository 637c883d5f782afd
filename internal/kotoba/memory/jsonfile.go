package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Persister gives the Store best-effort durability. Load is called once at
// construction; Save receives the complete state after every mutation.
type Persister interface {
	Load() (map[string][]Entry, error)
	Save(snapshot map[string][]Entry) error
}

// JSONFile persists memories as a single JSON document mapping each user to
// an array of {timestamp, user_message, assistant_response} objects. The file
// is rewritten wholesale on every Save.
type JSONFile struct {
	Path string
}

// jsonRecord is the on-disk form of an Entry. The timestamp stays a string so
// offset-less ISO-8601 values written by other tools still load.
type jsonRecord struct {
	Timestamp         string `json:"timestamp"`
	UserMessage       string `json:"user_message"`
	AssistantResponse string `json:"assistant_response"`
}

// localLayouts are tried after RFC 3339 and read as local time.
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

func parseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("memory: unrecognised timestamp %q", s)
}

// NewJSONFile returns a JSONFile persister writing to path.
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{Path: path}
}

// Load reads the document. A missing file yields an empty state and no error.
func (f *JSONFile) Load() (map[string][]Entry, error) {
	data, err := os.ReadFile(f.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string][]Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("memory: read %s: %w", f.Path, err)
	}
	if len(data) == 0 {
		return map[string][]Entry{}, nil
	}

	var doc map[string][]jsonRecord
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("memory: decode %s: %w", f.Path, err)
	}
	state := make(map[string][]Entry, len(doc))
	for user, records := range doc {
		entries := make([]Entry, 0, len(records))
		for _, r := range records {
			ts, err := parseTimestamp(r.Timestamp)
			if err != nil {
				slog.Warn("memory: skipping entry with bad timestamp", "user", user, "err", err)
				continue
			}
			entries = append(entries, Entry{
				CreatedAt:         ts,
				UserMessage:       r.UserMessage,
				AssistantResponse: r.AssistantResponse,
			})
		}
		state[user] = entries
	}
	return state, nil
}

// Save writes the snapshot to a temporary file next to Path and renames it
// into place so readers never observe a half-written document.
func (f *JSONFile) Save(snapshot map[string][]Entry) error {
	doc := make(map[string][]jsonRecord, len(snapshot))
	for user, entries := range snapshot {
		records := make([]jsonRecord, len(entries))
		for i, e := range entries {
			records[i] = jsonRecord{
				Timestamp:         e.CreatedAt.Format(time.RFC3339Nano),
				UserMessage:       e.UserMessage,
				AssistantResponse: e.AssistantResponse,
			}
		}
		doc[user] = records
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("memory: encode snapshot: %w", err)
	}

	dir := filepath.Dir(f.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memory: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(f.Path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("memory: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("memory: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("memory: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, f.Path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("memory: rename into place: %w", err)
	}
	return nil
}

var _ Persister = (*JSONFile)(nil)
