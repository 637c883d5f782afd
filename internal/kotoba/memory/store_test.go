package memory

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStore_RelevantCountNeverExceedsBound(t *testing.T) {
	const maxPerUser = 20
	for _, n := range []int{1, 5, 10, 19, 20, 21, 35} {
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			s := NewStore(Config{MaxPerUser: maxPerUser})
			for i := 0; i < n; i++ {
				s.Add("@alice:test", fmt.Sprintf("message %d", i), "ok")
			}

			want := n
			if want > maxPerUser {
				want = maxPerUser
			}
			if got := len(s.Relevant(context.Background(), "@alice:test", "anything", n)); got != want {
				t.Errorf("len(Relevant) = %d, want %d", got, want)
			}
			if got := s.Stats()["@alice:test"]; got != want {
				t.Errorf("Stats = %d, want %d", got, want)
			}
		})
	}
}

func TestStore_FIFOEviction(t *testing.T) {
	s := NewStore(Config{MaxPerUser: 3, Scorer: RecencyScorer{}})
	for i := 0; i < 4; i++ {
		s.Add("bob", fmt.Sprintf("m%d", i), fmt.Sprintf("r%d", i))
	}

	got := s.Relevant(context.Background(), "bob", "", 3)
	want := []string{"m1", "m2", "m3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %d", len(want), len(got))
	}
	for i, e := range got {
		if e.UserMessage != want[i] {
			t.Errorf("entry %d = %q, want %q", i, e.UserMessage, want[i])
		}
	}
}

func TestStore_TruncatesText(t *testing.T) {
	s := NewStore(Config{MaxUserMessageLen: 5, MaxResponseLen: 3})
	s.Add("carol", "héllo world", "abcdef")

	got := s.Relevant(context.Background(), "carol", "", 1)
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].UserMessage != "héllo" {
		t.Errorf("user message = %q, want %q", got[0].UserMessage, "héllo")
	}
	if got[0].AssistantResponse != "abc" {
		t.Errorf("response = %q, want %q", got[0].AssistantResponse, "abc")
	}
}

func TestStore_RelevantUnknownUser(t *testing.T) {
	s := NewStore(Config{})
	if got := s.Relevant(context.Background(), "nobody", "hello", 3); len(got) != 0 {
		t.Errorf("expected no entries, got %d", len(got))
	}
}

func TestStore_KeywordRelevance(t *testing.T) {
	s := NewStore(Config{})
	s.Add("dave", "what is the weather in Paris", "sunny")
	s.Add("dave", "recommend a book", "Dune")
	s.Add("dave", "tell me a joke", "no")
	s.Add("dave", "is Paris nice in spring", "yes")

	got := s.Relevant(context.Background(), "dave", "Paris weather tomorrow?", 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(got))
	}
	if got[0].UserMessage != "what is the weather in Paris" {
		t.Errorf("best match = %q", got[0].UserMessage)
	}
	if got[1].UserMessage != "is Paris nice in spring" {
		t.Errorf("second match = %q", got[1].UserMessage)
	}
}

func TestKeywordScorer_TiesPreferRecent(t *testing.T) {
	entries := []Entry{
		{UserMessage: "alpha"},
		{UserMessage: "beta"},
		{UserMessage: "gamma"},
	}
	got := KeywordScorer{}.Rank(context.Background(), "unrelated", entries, 2)
	if got[0].UserMessage != "gamma" || got[1].UserMessage != "beta" {
		t.Errorf("expected [gamma beta], got [%s %s]", got[0].UserMessage, got[1].UserMessage)
	}
}

func TestStore_OpportunisticPurge(t *testing.T) {
	s := NewStore(Config{Retention: 24 * time.Hour, PurgeInterval: time.Hour})
	t0 := time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)
	s.lastPurge = t0

	s.addAt("erin", "old", "old reply", t0)
	s.addAt("frank", "old too", "old reply", t0)
	if got := s.Stats()["erin"]; got != 1 {
		t.Fatalf("expected 1 entry before purge, got %d", got)
	}

	s.addAt("erin", "new", "new reply", t0.Add(25*time.Hour))

	stats := s.Stats()
	if stats["erin"] != 1 {
		t.Errorf("expected only the new entry for erin, got %d", stats["erin"])
	}
	if _, ok := stats["frank"]; ok {
		t.Error("expected frank's expired log to be removed")
	}
}

func TestStore_PurgeExplicit(t *testing.T) {
	s := NewStore(Config{Retention: time.Hour})
	t0 := time.Date(2026, 2, 24, 10, 0, 0, 0, time.UTC)
	s.addAt("gina", "a", "b", t0)
	s.addAt("gina", "c", "d", t0.Add(50*time.Minute))

	if removed := s.Purge(t0.Add(90 * time.Minute)); removed != 1 {
		t.Errorf("expected 1 entry purged, got %d", removed)
	}
	if got := s.Stats()["gina"]; got != 1 {
		t.Errorf("expected 1 remaining entry, got %d", got)
	}
}

func TestStore_ClearIdempotent(t *testing.T) {
	s := NewStore(Config{})
	s.Add("hank", "hi", "hello")
	s.Clear("hank")
	s.Clear("hank")
	s.Clear("never-seen")
	if _, ok := s.Stats()["hank"]; ok {
		t.Error("expected hank to be cleared")
	}
}

type recordingPersister struct {
	loaded  map[string][]Entry
	loadErr error
	saves   []map[string][]Entry
	saveErr error
}

func (p *recordingPersister) Load() (map[string][]Entry, error) { return p.loaded, p.loadErr }

func (p *recordingPersister) Save(snapshot map[string][]Entry) error {
	p.saves = append(p.saves, snapshot)
	return p.saveErr
}

func TestStore_FlushesOnEveryMutation(t *testing.T) {
	p := &recordingPersister{}
	s := NewStore(Config{Persister: p})

	s.Add("ivy", "one", "1")
	s.Add("ivy", "two", "2")
	s.Clear("ivy")

	if len(p.saves) != 3 {
		t.Fatalf("expected 3 saves, got %d", len(p.saves))
	}
	if len(p.saves[1]["ivy"]) != 2 {
		t.Errorf("second snapshot should hold 2 entries, got %d", len(p.saves[1]["ivy"]))
	}
	if _, ok := p.saves[2]["ivy"]; ok {
		t.Error("snapshot after Clear should not contain ivy")
	}
}

func TestStore_FlushErrorIsNotFatal(t *testing.T) {
	p := &recordingPersister{saveErr: errors.New("disk full")}
	s := NewStore(Config{Persister: p})
	s.Add("jack", "hello", "hi")
	if got := s.Stats()["jack"]; got != 1 {
		t.Errorf("expected entry to be kept in memory despite flush error, got %d", got)
	}
}

func TestStore_LoadFailureStartsEmpty(t *testing.T) {
	p := &recordingPersister{loadErr: errors.New("corrupt")}
	s := NewStore(Config{Persister: p})
	if len(s.Stats()) != 0 {
		t.Error("expected empty store after load failure")
	}
}

func TestJSONFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memories.json")
	s := NewStore(Config{Persister: NewJSONFile(path)})
	s.Add("kim", "favourite colour is blue", "noted")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	for _, field := range []string{`"kim"`, `"timestamp"`, `"user_message"`, `"assistant_response"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("file missing %s: %s", field, data)
		}
	}

	reloaded := NewStore(Config{Persister: NewJSONFile(path)})
	got := reloaded.Relevant(context.Background(), "kim", "colour", 1)
	if len(got) != 1 || got[0].UserMessage != "favourite colour is blue" {
		t.Fatalf("unexpected reloaded entries: %+v", got)
	}
}

func TestJSONFile_MissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()

	state, err := NewJSONFile(filepath.Join(dir, "absent.json")).Load()
	if err != nil || len(state) != 0 {
		t.Errorf("missing file: state=%v err=%v", state, err)
	}

	corrupt := filepath.Join(dir, "corrupt.json")
	if err := os.WriteFile(corrupt, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewJSONFile(corrupt).Load(); err == nil {
		t.Error("expected decode error for corrupt file")
	}
	if s := NewStore(Config{Persister: NewJSONFile(corrupt)}); len(s.Stats()) != 0 {
		t.Error("expected empty store for corrupt file")
	}
}

func TestJSONFile_LoadsTimestampsWithoutOffset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memories.json")
	recent := time.Now().Add(-time.Hour).Truncate(time.Microsecond)
	doc := fmt.Sprintf(`{
  "alice": [{"timestamp": %q, "user_message": "my cat is called Miso", "assistant_response": "Nice name!"}],
  "dave": [{"timestamp": %q, "user_message": "hello", "assistant_response": "hi"}],
  "eve": [{"timestamp": "yesterday-ish", "user_message": "x", "assistant_response": "y"}]
}`, recent.Format("2006-01-02T15:04:05.000000"), recent.Format("2006-01-02T15:04:05"))
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}

	state, err := NewJSONFile(path).Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := state["alice"]; len(got) != 1 || !got[0].CreatedAt.Equal(recent) {
		t.Errorf("alice = %+v, want one entry at %v", got, recent)
	}
	if got := state["dave"]; len(got) != 1 || !got[0].CreatedAt.Equal(recent.Truncate(time.Second)) {
		t.Errorf("dave = %+v", got)
	}
	if len(state["eve"]) != 0 {
		t.Errorf("entry with an unparsable timestamp should be skipped, got %+v", state["eve"])
	}

	s := NewStore(Config{Persister: NewJSONFile(path)})
	s.Add("bob", "hi", "hello")

	reloaded := NewStore(Config{Persister: NewJSONFile(path)})
	stats := reloaded.Stats()
	if stats["alice"] != 1 || stats["bob"] != 1 {
		t.Errorf("existing history must survive a rewrite, stats = %v", stats)
	}
}

func TestNewStore_DropsExpiredPersistedEntries(t *testing.T) {
	now := time.Now()
	p := &recordingPersister{loaded: map[string][]Entry{
		"old":   {{CreatedAt: now.Add(-48 * time.Hour), UserMessage: "stale cat", AssistantResponse: "r"}},
		"mixed": {{CreatedAt: now.Add(-48 * time.Hour), UserMessage: "stale cat", AssistantResponse: "r"}, {CreatedAt: now.Add(-time.Minute), UserMessage: "fresh cat", AssistantResponse: "r"}},
	}}
	s := NewStore(Config{Retention: 24 * time.Hour, Persister: p})

	if _, ok := s.Stats()["old"]; ok {
		t.Error("expired log should be dropped at load")
	}
	got := s.Relevant(context.Background(), "mixed", "cat", 5)
	if len(got) != 1 || got[0].UserMessage != "fresh cat" {
		t.Errorf("Relevant = %+v, want only the fresh entry", got)
	}
}
