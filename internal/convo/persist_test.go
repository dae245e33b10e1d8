package convo

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestGateway(t *testing.T, s *Store) (*Gateway, string) {
	t.Helper()
	dir := t.TempDir()
	return NewGateway(s, dir, zerolog.Nop()), dir
}

func TestSaveLoadRoundTrip(t *testing.T) {
	s := NewStore(Options{GlobalModel: "m1", GlobalSystemPrompt: "be brief"})
	s.SetMaxHistory(20)
	s.SetTimeWindowHours(24)
	router := NewRouter(s)
	resolver := NewResolver(s)
	stubAliases(t, "aaa11")

	if err := s.Append("chan1", UserMessage("ada", "hello", testBase)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := s.Append("chan1", AssistantMessage("hi", testBase.Add(time.Second))); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	router.SetScopeModel("chan1", "m2")
	router.SetScopePrompt("chan1", "pirate voice")

	reg, err := resolver.RegisterThread("chan1", "777", "Plans", testBase)
	if err != nil {
		t.Fatalf("RegisterThread() error: %v", err)
	}
	if err := s.Append(reg.ScopeID, UserMessage("bea", "thread talk", testBase.Add(time.Minute))); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	if _, err := s.StartAdventure("chan2", "Horror", "cal", testBase); err != nil {
		t.Fatalf("StartAdventure() error: %v", err)
	}
	if err := s.AddAction("chan2", PlayerAction{Player: "cal", Content: "run", Timestamp: testBase.Add(2 * time.Second)}); err != nil {
		t.Fatalf("AddAction() error: %v", err)
	}
	if err := s.AddNarration("chan2", NarratorTurn{Content: "you trip", Timestamp: testBase.Add(3 * time.Second)}); err != nil {
		t.Fatalf("AddNarration() error: %v", err)
	}

	g, dir := newTestGateway(t, s)
	if err := g.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}

	restored := NewStore(Options{})
	g2 := NewGateway(restored, dir, zerolog.Nop())
	ok, err := g2.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !ok {
		t.Fatal("Load() = false, want restored state")
	}

	hist := restored.History("chan1")
	if len(hist) != 2 {
		t.Fatalf("restored History(chan1) = %d messages, want 2", len(hist))
	}
	if hist[0].AuthorName != "ada" || hist[0].Content != "hello" || hist[0].Role != RoleUser {
		t.Errorf("restored message = %+v", hist[0])
	}
	if !hist[0].Timestamp.Equal(testBase) {
		t.Errorf("restored timestamp = %v, want %v", hist[0].Timestamp, testBase)
	}

	r2 := NewRouter(restored)
	if got := r2.EffectiveModel("chan1"); got != "m2" {
		t.Errorf("restored EffectiveModel(chan1) = %q, want m2", got)
	}
	if got, _ := r2.ScopePrompt("chan1"); got != "pirate voice" {
		t.Errorf("restored ScopePrompt(chan1) = %q, want pirate voice", got)
	}
	if got := r2.GlobalModel(); got != "m1" {
		t.Errorf("restored GlobalModel() = %q, want m1", got)
	}
	if got := r2.GlobalSystemPrompt(); got != "be brief" {
		t.Errorf("restored GlobalSystemPrompt() = %q, want be brief", got)
	}
	if got := restored.MaxHistory(); got != 20 {
		t.Errorf("restored MaxHistory() = %d, want 20", got)
	}
	if got := restored.TimeWindowHours(); got != 24 {
		t.Errorf("restored TimeWindowHours() = %d, want 24", got)
	}

	res2 := NewResolver(restored)
	info, found := res2.LookupThread("chan1", "aaa11")
	if !found || info.Name != "Plans" || info.Messages != 1 {
		t.Errorf("restored LookupThread() = %+v, %v", info, found)
	}
	if resv, err := res2.Resolve(ResolveInput{ChannelID: "chan1", ThreadID: "777"}); err != nil || resv.Scope.Kind != KindThread {
		t.Errorf("restored Resolve(thread) = %+v, %v", resv, err)
	}

	adv, found := restored.ActiveAdventure("chan2")
	if !found {
		t.Fatal("restored adventure missing")
	}
	if adv.Setting != "Horror" || adv.StartedBy != "cal" || len(adv.Actions) != 1 || len(adv.Responses) != 1 {
		t.Errorf("restored adventure = %+v", adv)
	}
	if !adv.StartedAt.Equal(testBase) {
		t.Errorf("restored adventure StartedAt = %v, want %v", adv.StartedAt, testBase)
	}

	if got, want := restored.Snapshot(), s.Snapshot(); got != want {
		t.Errorf("restored Snapshot() = %+v, want %+v", got, want)
	}
}

func TestLoadMissingFileStartsFresh(t *testing.T) {
	s := NewStore(Options{})
	g, dir := newTestGateway(t, s)

	ok, err := g.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if ok {
		t.Error("Load() = true with no file, want false")
	}
	// A fresh valid document now exists.
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("fresh state file missing: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("fresh state file invalid: %v", err)
	}
	if v, _ := doc["version"].(float64); int(v) != 1 {
		t.Errorf("fresh document version = %v, want 1", doc["version"])
	}
}

func TestLoadQuarantinesCorruptFile(t *testing.T) {
	s := NewStore(Options{})
	g, dir := newTestGateway(t, s)

	statePath := filepath.Join(dir, "state.json")
	if err := os.WriteFile(statePath, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("seed corrupt file: %v", err)
	}

	ok, err := g.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if ok {
		t.Error("Load() = true for corrupt file, want false")
	}

	matches, err := filepath.Glob(statePath + ".corrupt_*")
	if err != nil || len(matches) != 1 {
		t.Fatalf("quarantined file matches = %v (err %v), want exactly one", matches, err)
	}
	quarantined, err := os.ReadFile(matches[0])
	if err != nil || string(quarantined) != "{not json" {
		t.Errorf("quarantined contents = %q, want original bytes", quarantined)
	}

	// The replacement document is valid.
	data, err := os.ReadFile(statePath)
	if err != nil {
		t.Fatalf("fresh state file missing: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("fresh state file invalid: %v", err)
	}
}

func TestBackupRotation(t *testing.T) {
	s := NewStore(Options{})
	g, dir := newTestGateway(t, s)

	clock := testBase
	g.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	// First save has nothing to back up; each later save rotates one in.
	for i := 0; i < 13; i++ {
		if err := g.Save(); err != nil {
			t.Fatalf("Save() #%d error: %v", i, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	if err != nil {
		t.Fatalf("read backups dir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	if len(names) != 10 {
		t.Fatalf("backups = %d files, want 10: %v", len(names), names)
	}
	for _, n := range names {
		if !strings.HasPrefix(n, "state_") || !strings.HasSuffix(n, ".json") {
			t.Errorf("unexpected backup name %q", n)
		}
	}
}

func TestLoadDecodesNaiveTimestamps(t *testing.T) {
	s := NewStore(Options{})
	g, dir := newTestGateway(t, s)

	doc := `{
  "version": 1,
  "saved_at": "2024-01-01T12:00:05.123456",
  "channel_history": {
    "chan1": [
      {"role": "user", "name": "ada", "content": "hello", "timestamp": "2024-01-01T12:00:00"}
    ]
  },
  "max_channel_history": 35,
  "time_window_hours": 48,
  "global_model": "m1"
}`
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte(doc), 0o644); err != nil {
		t.Fatalf("seed state file: %v", err)
	}

	ok, err := g.Load()
	if err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}

	hist := s.History("chan1")
	if len(hist) != 1 {
		t.Fatalf("History() = %d messages, want 1", len(hist))
	}
	want := time.Date(2024, 1, 1, 12, 0, 0, 0, time.Local)
	if !hist[0].Timestamp.Equal(want) {
		t.Errorf("decoded timestamp = %v, want %v", hist[0].Timestamp, want)
	}
}

func TestLoadLeavesProseAlone(t *testing.T) {
	s := NewStore(Options{})
	g, dir := newTestGateway(t, s)

	// Looks vaguely timestamp-ish (long, has T and dashes) but must
	// survive untouched.
	content := "TO-DO: buy T-shirts before 2024"
	doc := `{
  "version": 1,
  "channel_history": {
    "chan1": [
      {"role": "user", "name": "ada", "content": "` + content + `", "timestamp": "2024-01-01T12:00:00"}
    ]
  }
}`
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte(doc), 0o644); err != nil {
		t.Fatalf("seed state file: %v", err)
	}

	if ok, err := g.Load(); err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}
	hist := s.History("chan1")
	if hist[0].Content != content {
		t.Errorf("content mangled by timestamp decoding: %q", hist[0].Content)
	}
}

func TestLoadFillsMissingFieldsWithDefaults(t *testing.T) {
	s := NewStore(Options{MaxHistory: 35, TimeWindowHours: 48, GlobalModel: "configured/model"})
	g, dir := newTestGateway(t, s)

	// An early document: no prompts map, no adventures, no global
	// system prompt, no thread cap.
	doc := `{
  "version": 1,
  "channel_history": {"chan1": []},
  "channel_models": {"chan1": "m2"},
  "threads": {},
  "simple_id_mapping": {},
  "max_channel_history": 50
}`
	if err := os.WriteFile(filepath.Join(dir, "state.json"), []byte(doc), 0o644); err != nil {
		t.Fatalf("seed state file: %v", err)
	}

	if ok, err := g.Load(); err != nil || !ok {
		t.Fatalf("Load() = %v, %v", ok, err)
	}

	if got := s.MaxHistory(); got != 50 {
		t.Errorf("MaxHistory() = %d, want 50 from document", got)
	}
	if got := s.TimeWindowHours(); got != 48 {
		t.Errorf("TimeWindowHours() = %d, want configured default kept", got)
	}
	if got := s.MaxThreadsPerChannel(); got != 10 {
		t.Errorf("MaxThreadsPerChannel() = %d, want default kept", got)
	}
	r := NewRouter(s)
	if got := r.GlobalModel(); got != "configured/model" {
		t.Errorf("GlobalModel() = %q, want configured value kept", got)
	}
	if got := r.EffectiveModel("chan1"); got != "m2" {
		t.Errorf("EffectiveModel(chan1) = %q, want m2", got)
	}
}

func TestSaveReplacesAtomically(t *testing.T) {
	s := NewStore(Options{})
	g, dir := newTestGateway(t, s)

	if err := g.Save(); err != nil {
		t.Fatalf("Save() error: %v", err)
	}
	if err := s.Append("chan1", UserMessage("ada", "hi", testBase)); err != nil {
		t.Fatalf("Append() error: %v", err)
	}
	if err := g.Save(); err != nil {
		t.Fatalf("second Save() error: %v", err)
	}

	// No leftover temp file.
	if _, err := os.Stat(filepath.Join(dir, "state.json.tmp")); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	var doc stateDoc
	data, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if err != nil {
		t.Fatalf("read state: %v", err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("parse state: %v", err)
	}
	if doc.Version != 1 || len(doc.ChannelHistory["chan1"]) != 1 {
		t.Errorf("saved doc = version %d, %d messages", doc.Version, len(doc.ChannelHistory["chan1"]))
	}
}
