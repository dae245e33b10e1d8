package convo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	stateVersion = 1
	stateFile    = "state.json"
	backupDir    = "backups"
	maxBackups   = 10
	backupStamp  = "20060102_150405"
)

// stateDoc is the persisted document, version 1. Key names are part of
// the on-disk contract; fields added after the first release default
// when absent so older documents still load.
type stateDoc struct {
	Version              int                          `json:"version"`
	SavedAt              time.Time                    `json:"saved_at"`
	ChannelHistory       map[string][]Message         `json:"channel_history"`
	ChannelModels        map[string]string            `json:"channel_models"`
	ChannelSystemPrompts map[string]string            `json:"channel_system_prompts"`
	Threads              map[string]map[string]Thread `json:"threads"`
	SimpleIDMapping      map[string]string            `json:"simple_id_mapping"`
	DiscordThreads       map[string]ThreadMeta        `json:"discord_threads"`
	Adventures           map[string]Adventure         `json:"adventures"`
	MaxChannelHistory    int                          `json:"max_channel_history"`
	MaxThreadsPerChannel int                          `json:"max_threads_per_channel"`
	TimeWindowHours      int                          `json:"time_window_hours"`
	GlobalModel          string                       `json:"global_model"`
	GlobalSystemPrompt   string                       `json:"global_system_prompt"`
}

// Gateway snapshots the store to a JSON document and restores it on
// startup. Saves never fail the message path: callers log the error
// and keep running on in-memory state. Loads never crash on bad input:
// an unreadable document is quarantined aside and the process starts
// fresh.
type Gateway struct {
	store *Store
	dir   string
	log   zerolog.Logger
	now   func() time.Time

	mu sync.Mutex // serializes save/load file I/O
}

func NewGateway(store *Store, dir string, log zerolog.Logger) *Gateway {
	return &Gateway{store: store, dir: dir, log: log, now: time.Now}
}

func (g *Gateway) statePath() string {
	return filepath.Join(g.dir, stateFile)
}

// Save writes the current store snapshot, rotating a timestamped
// backup of the previous document first.
func (g *Gateway) Save() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.saveLocked()
}

func (g *Gateway) saveLocked() error {
	if err := os.MkdirAll(g.dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	if err := g.rotateBackups(); err != nil {
		// A failed backup must not block the save itself.
		g.log.Warn().Err(err).Msg("state backup failed")
	}

	doc := g.snapshot()
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tmp := g.statePath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, g.statePath()); err != nil {
		return fmt.Errorf("replace state: %w", err)
	}
	g.log.Debug().
		Int("channels", len(doc.ChannelHistory)).
		Int("adventures", len(doc.Adventures)).
		Msg("state saved")
	return nil
}

// snapshot deep-copies the store into the document shape so encoding
// can happen outside the store lock.
func (g *Gateway) snapshot() stateDoc {
	g.store.mu.RLock()
	defer g.store.mu.RUnlock()

	doc := stateDoc{
		Version:              stateVersion,
		SavedAt:              g.now(),
		ChannelHistory:       make(map[string][]Message, len(g.store.channelHistory)),
		ChannelModels:        make(map[string]string, len(g.store.channelModels)),
		ChannelSystemPrompts: make(map[string]string, len(g.store.channelPrompts)),
		Threads:              make(map[string]map[string]Thread, len(g.store.threads)),
		SimpleIDMapping:      make(map[string]string, len(g.store.aliases)),
		DiscordThreads:       make(map[string]ThreadMeta, len(g.store.threadMeta)),
		Adventures:           make(map[string]Adventure, len(g.store.adventures)),
		MaxChannelHistory:    g.store.maxHistory,
		MaxThreadsPerChannel: g.store.maxThreadsPerChan,
		TimeWindowHours:      g.store.timeWindowHours,
		GlobalModel:          g.store.globalModel,
		GlobalSystemPrompt:   g.store.globalPrompt,
	}
	for id, log := range g.store.channelHistory {
		doc.ChannelHistory[id] = append([]Message(nil), log...)
	}
	for id, m := range g.store.channelModels {
		doc.ChannelModels[id] = m
	}
	for id, p := range g.store.channelPrompts {
		doc.ChannelSystemPrompts[id] = p
	}
	for channelID, byChannel := range g.store.threads {
		out := make(map[string]Thread, len(byChannel))
		for scopeID, t := range byChannel {
			copied := *t
			copied.Messages = append([]Message(nil), t.Messages...)
			out[scopeID] = copied
		}
		doc.Threads[channelID] = out
	}
	for alias, scopeID := range g.store.aliases {
		doc.SimpleIDMapping[alias] = scopeID
	}
	for threadID, meta := range g.store.threadMeta {
		doc.DiscordThreads[threadID] = *meta
	}
	for channelID, adv := range g.store.adventures {
		doc.Adventures[channelID] = copyAdventure(adv)
	}
	return doc
}

// rotateBackups copies the current document into backups/ and keeps
// only the newest ten. No document on disk means nothing to back up.
func (g *Gateway) rotateBackups() error {
	data, err := os.ReadFile(g.statePath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read state for backup: %w", err)
	}

	dir := filepath.Join(g.dir, backupDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}
	name := fmt.Sprintf("state_%s.json", g.now().Format(backupStamp))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("list backups: %w", err)
	}
	var names []string
	for _, e := range entries {
		n := e.Name()
		if strings.HasPrefix(n, "state_") && strings.HasSuffix(n, ".json") {
			names = append(names, n)
		}
	}
	// Timestamped names sort chronologically.
	sort.Strings(names)
	for len(names) > maxBackups {
		if err := os.Remove(filepath.Join(dir, names[0])); err != nil {
			return fmt.Errorf("prune backup: %w", err)
		}
		names = names[1:]
	}
	return nil
}

// Load restores the store from disk. It reports whether anything was
// restored: a missing document initializes a fresh one and reports
// false, and a corrupt document is renamed aside with a .corrupt_
// suffix before starting fresh. Only real I/O trouble returns an
// error.
func (g *Gateway) Load() (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	data, err := os.ReadFile(g.statePath())
	if errors.Is(err, fs.ErrNotExist) {
		g.log.Info().Str("path", g.statePath()).Msg("no saved state, starting fresh")
		if err := g.saveLocked(); err != nil {
			return false, err
		}
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read state: %w", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		quarantined := fmt.Sprintf("%s.corrupt_%s", g.statePath(), g.now().Format(backupStamp))
		if renameErr := os.Rename(g.statePath(), quarantined); renameErr != nil {
			return false, fmt.Errorf("quarantine corrupt state: %w", renameErr)
		}
		g.log.Error().Err(err).Str("quarantined", quarantined).
			Msg("state file unreadable, starting fresh")
		if err := g.saveLocked(); err != nil {
			return false, err
		}
		return false, nil
	}

	if v, ok := raw["version"].(float64); ok && int(v) > stateVersion {
		g.log.Warn().Int("version", int(v)).Msg("state document from a newer release, loading best-effort")
	}

	decoded, _ := decodeTimes(raw).(map[string]any)
	g.populate(decoded)

	stats := g.store.Snapshot()
	g.log.Info().
		Int("channels", stats.Channels).
		Int("threads", stats.Threads).
		Int("adventures", stats.Adventures).
		Int("messages", stats.Messages).
		Msg("state restored")
	return true, nil
}

// populate rebuilds the store's collections from a decoded document.
// Missing fields keep the store's current (configured) values, so
// documents written before a field existed still load.
func (g *Gateway) populate(raw map[string]any) {
	g.store.mu.Lock()
	defer g.store.mu.Unlock()

	s := g.store
	s.channelHistory = make(map[string][]Message)
	s.channelModels = make(map[string]string)
	s.channelPrompts = make(map[string]string)
	s.threads = make(map[string]map[string]*Thread)
	s.aliases = make(map[string]string)
	s.threadMeta = make(map[string]*ThreadMeta)
	s.adventures = make(map[string]*Adventure)

	s.maxHistory = asInt(raw["max_channel_history"], s.maxHistory)
	s.maxThreadsPerChan = asInt(raw["max_threads_per_channel"], s.maxThreadsPerChan)
	s.timeWindowHours = asInt(raw["time_window_hours"], s.timeWindowHours)
	if m := asString(raw["global_model"]); m != "" {
		s.globalModel = m
	}
	if p := asString(raw["global_system_prompt"]); p != "" {
		s.globalPrompt = p
	}

	if hist, ok := raw["channel_history"].(map[string]any); ok {
		for channelID, v := range hist {
			items, ok := v.([]any)
			if !ok {
				continue
			}
			log := make([]Message, 0, len(items))
			for _, item := range items {
				if msg, ok := decodeMessage(item); ok {
					log = append(log, msg)
				}
			}
			s.channelHistory[normalizeID(channelID)] = log
		}
	}
	if models, ok := raw["channel_models"].(map[string]any); ok {
		for channelID, v := range models {
			if m := asString(v); m != "" {
				s.channelModels[normalizeID(channelID)] = m
			}
		}
	}
	if prompts, ok := raw["channel_system_prompts"].(map[string]any); ok {
		for channelID, v := range prompts {
			if p := asString(v); p != "" {
				s.channelPrompts[normalizeID(channelID)] = p
			}
		}
	}

	if threads, ok := raw["threads"].(map[string]any); ok {
		for channelID, v := range threads {
			byScope, ok := v.(map[string]any)
			if !ok {
				continue
			}
			out := make(map[string]*Thread, len(byScope))
			for scopeID, tv := range byScope {
				entry, ok := tv.(map[string]any)
				if !ok {
					continue
				}
				t := &Thread{
					Name:      asString(entry["name"]),
					CreatedAt: asTime(entry["created_at"]),
					SimpleID:  asString(entry["simple_id"]),
					Model:     asString(entry["model"]),
				}
				if t.Name == "" {
					t.Name = "Unnamed Thread"
				}
				if items, ok := entry["messages"].([]any); ok {
					for _, item := range items {
						if msg, ok := decodeMessage(item); ok {
							t.Messages = append(t.Messages, msg)
						}
					}
				}
				out[normalizeID(scopeID)] = t
			}
			if len(out) > 0 {
				s.threads[normalizeID(channelID)] = out
			}
		}
	}
	if aliases, ok := raw["simple_id_mapping"].(map[string]any); ok {
		for alias, v := range aliases {
			if scopeID := asString(v); scopeID != "" {
				s.aliases[alias] = normalizeID(scopeID)
			}
		}
	}
	if metas, ok := raw["discord_threads"].(map[string]any); ok {
		for threadID, v := range metas {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			s.threadMeta[normalizeID(threadID)] = &ThreadMeta{
				Name:         asString(entry["name"]),
				ChannelID:    normalizeID(asString(entry["channel_id"])),
				CreatedAt:    asTime(entry["created_at"]),
				Model:        asString(entry["model"]),
				SystemPrompt: asString(entry["system_prompt"]),
				Adventure:    asBool(entry["adventure"]),
				Setting:      asString(entry["setting"]),
			}
		}
	}

	if advs, ok := raw["adventures"].(map[string]any); ok {
		for channelID, v := range advs {
			entry, ok := v.(map[string]any)
			if !ok {
				continue
			}
			adv := &Adventure{
				Active:     asBool(entry["active"]),
				Setting:    asString(entry["setting"]),
				StartedAt:  asTime(entry["started_at"]),
				StartedBy:  asString(entry["started_by"]),
				EndedAt:    asTime(entry["ended_at"]),
				EndedBy:    asString(entry["ended_by"]),
				Characters: make(map[string]string),
			}
			if actions, ok := entry["player_actions"].([]any); ok {
				for _, av := range actions {
					am, ok := av.(map[string]any)
					if !ok {
						continue
					}
					adv.Actions = append(adv.Actions, PlayerAction{
						Player:    asString(am["player"]),
						Content:   asString(am["content"]),
						Timestamp: asTime(am["timestamp"]),
					})
				}
			}
			if responses, ok := entry["dm_responses"].([]any); ok {
				for _, rv := range responses {
					rm, ok := rv.(map[string]any)
					if !ok {
						continue
					}
					adv.Responses = append(adv.Responses, NarratorTurn{
						Content:   asString(rm["content"]),
						Timestamp: asTime(rm["timestamp"]),
					})
				}
			}
			if chars, ok := entry["characters"].(map[string]any); ok {
				for player, cv := range chars {
					adv.Characters[player] = asString(cv)
				}
			}
			s.adventures[normalizeID(channelID)] = adv
		}
	}
}

func decodeMessage(v any) (Message, bool) {
	entry, ok := v.(map[string]any)
	if !ok {
		return Message{}, false
	}
	msg := Message{
		Role:       Role(asString(entry["role"])),
		AuthorName: asString(entry["name"]),
		Content:    asString(entry["content"]),
		Timestamp:  asTime(entry["timestamp"]),
	}
	if msg.Role == "" {
		msg.Role = RoleUser
	}
	return msg, true
}

// decodeTimes walks arbitrarily nested decoded JSON and converts
// strings that parse as ISO-8601 timestamps into time values. The
// shape check is a heuristic; a string that looks like a timestamp but
// does not parse stays a string, so prose containing a stray T and
// dashes is never mangled.
func decodeTimes(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = decodeTimes(val)
		}
		return x
	case []any:
		for i, val := range x {
			x[i] = decodeTimes(val)
		}
		return x
	case string:
		if t, ok := parseTimestamp(x); ok {
			return t
		}
		return x
	default:
		return v
	}
}

// parseTimestamp accepts RFC 3339 and offset-less ISO-8601 forms, with
// or without fractional seconds. Offset-less values are taken as local
// time, matching how they were written.
func parseTimestamp(s string) (time.Time, bool) {
	if len(s) <= 10 || !strings.Contains(s, "T") || strings.Count(s, "-") < 2 {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	if t, err := time.ParseInLocation("2006-01-02T15:04:05", s, time.Local); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asInt(v any, def int) int {
	switch x := v.(type) {
	case float64:
		return int(x)
	case int:
		return x
	}
	return def
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asTime(v any) time.Time {
	t, _ := v.(time.Time)
	return t
}
