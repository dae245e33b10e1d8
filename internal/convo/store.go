package convo

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrOutOfOrder is returned by Append when a message timestamp
	// precedes the newest retained message of its scope.
	ErrOutOfOrder = errors.New("message timestamp precedes scope head")
	// ErrUnmanaged is returned by the resolver when an id names no
	// managed scope and no adoption is possible.
	ErrUnmanaged = errors.New("not a managed scope")
	// ErrThreadLimit is returned when a channel already holds the
	// maximum number of threads.
	ErrThreadLimit = errors.New("thread limit reached for channel")
	// ErrAdventureActive is returned when starting an adventure in a
	// channel that already has one running.
	ErrAdventureActive = errors.New("adventure already active in channel")
	// ErrNoAdventure is returned by adventure mutators when the channel
	// has no active adventure.
	ErrNoAdventure = errors.New("no active adventure in channel")
)

// Thread is a registered conversation thread. The JSON keys match the
// persisted state document's nested thread registry.
type Thread struct {
	Name      string    `json:"name"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	SimpleID  string    `json:"simple_id,omitempty"`
	Model     string    `json:"model,omitempty"`
}

// ThreadMeta tracks a live platform thread by its native id, carrying
// the per-thread overrides and adoption state.
type ThreadMeta struct {
	Name         string    `json:"name"`
	ChannelID    string    `json:"channel_id"`
	CreatedAt    time.Time `json:"created_at"`
	Model        string    `json:"model,omitempty"`
	SystemPrompt string    `json:"system_prompt,omitempty"`
	Adventure    bool      `json:"adventure,omitempty"`
	Setting      string    `json:"setting,omitempty"`
}

// PlayerAction is one player turn in an adventure.
type PlayerAction struct {
	Player    string    `json:"player"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// NarratorTurn is one dungeon-master reply in an adventure.
type NarratorTurn struct {
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Adventure is a channel's dungeon-master session.
type Adventure struct {
	Active     bool              `json:"active"`
	Setting    string            `json:"setting"`
	StartedAt  time.Time         `json:"started_at"`
	StartedBy  string            `json:"started_by"`
	EndedAt    time.Time         `json:"ended_at,omitzero"`
	EndedBy    string            `json:"ended_by,omitempty"`
	Actions    []PlayerAction    `json:"player_actions"`
	Responses  []NarratorTurn    `json:"dm_responses"`
	Characters map[string]string `json:"characters,omitempty"`
}

// Options seeds a new store. Zero values fall back to the documented
// defaults (35 messages, 10 threads per channel, 48 hours).
type Options struct {
	MaxHistory           int
	MaxThreadsPerChannel int
	TimeWindowHours      int
	GlobalModel          string
	GlobalSystemPrompt   string
}

// Store owns all conversation state: per-scope message logs, the thread
// registry with its alias table, adventures, model and prompt overrides,
// and the runtime-mutable settings. One RWMutex guards everything;
// callers receive copies, never internal slices or maps.
type Store struct {
	mu sync.RWMutex

	channelHistory map[string][]Message
	channelModels  map[string]string
	channelPrompts map[string]string

	threads    map[string]map[string]*Thread // channel id -> scope id -> thread
	aliases    map[string]string             // simple id -> thread scope id
	threadMeta map[string]*ThreadMeta        // platform thread id -> meta

	adventures map[string]*Adventure // channel id -> adventure

	maxHistory        int
	maxThreadsPerChan int
	timeWindowHours   int
	globalModel       string
	globalPrompt      string
}

func NewStore(opts Options) *Store {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 35
	}
	if opts.MaxThreadsPerChannel <= 0 {
		opts.MaxThreadsPerChannel = 10
	}
	if opts.TimeWindowHours <= 0 {
		opts.TimeWindowHours = 48
	}
	return &Store{
		channelHistory:    make(map[string][]Message),
		channelModels:     make(map[string]string),
		channelPrompts:    make(map[string]string),
		threads:           make(map[string]map[string]*Thread),
		aliases:           make(map[string]string),
		threadMeta:        make(map[string]*ThreadMeta),
		adventures:        make(map[string]*Adventure),
		maxHistory:        opts.MaxHistory,
		maxThreadsPerChan: opts.MaxThreadsPerChannel,
		timeWindowHours:   opts.TimeWindowHours,
		globalModel:       opts.GlobalModel,
		globalPrompt:      opts.GlobalSystemPrompt,
	}
}

// Append records a message into the scope's log, creating the scope
// lazily and evicting the oldest entries past the history cap. The only
// error is ErrOutOfOrder, for a message older than the scope's newest.
func (s *Store) Append(scopeID string, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if channelID, _, ok := SplitThreadScopeID(scopeID); ok {
		t := s.ensureThreadLocked(channelID, scopeID)
		if n := len(t.Messages); n > 0 && msg.Timestamp.Before(t.Messages[n-1].Timestamp) {
			return ErrOutOfOrder
		}
		t.Messages = append(t.Messages, msg)
		if len(t.Messages) > s.maxHistory {
			t.Messages = append([]Message(nil), t.Messages[len(t.Messages)-s.maxHistory:]...)
		}
		return nil
	}

	log := s.channelHistory[scopeID]
	if n := len(log); n > 0 && msg.Timestamp.Before(log[n-1].Timestamp) {
		return ErrOutOfOrder
	}
	log = append(log, msg)
	if len(log) > s.maxHistory {
		log = append([]Message(nil), log[len(log)-s.maxHistory:]...)
	}
	s.channelHistory[scopeID] = log
	return nil
}

// ensureThreadLocked returns the thread entry for scopeID, creating an
// unnamed stub when a message arrives for a thread nobody registered.
func (s *Store) ensureThreadLocked(channelID, scopeID string) *Thread {
	byChannel := s.threads[channelID]
	if byChannel == nil {
		byChannel = make(map[string]*Thread)
		s.threads[channelID] = byChannel
	}
	t := byChannel[scopeID]
	if t == nil {
		t = &Thread{Name: "Unnamed Thread", CreatedAt: time.Now()}
		byChannel[scopeID] = t
	}
	return t
}

// History returns a copy of the scope's retained log, empty for unknown
// scopes.
func (s *Store) History(scopeID string) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Message(nil), s.historyLocked(scopeID)...)
}

func (s *Store) historyLocked(scopeID string) []Message {
	if channelID, _, ok := SplitThreadScopeID(scopeID); ok {
		if t := s.threads[channelID][scopeID]; t != nil {
			return t.Messages
		}
		return nil
	}
	return s.channelHistory[scopeID]
}

// Clear empties the scope's log, reporting whether the scope existed.
// The scope itself stays registered; only the sweeper removes scopes.
func (s *Store) Clear(scopeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if channelID, _, ok := SplitThreadScopeID(scopeID); ok {
		if t := s.threads[channelID][scopeID]; t != nil {
			t.Messages = nil
			return true
		}
		return false
	}
	if _, ok := s.channelHistory[scopeID]; ok {
		s.channelHistory[scopeID] = []Message{}
		return true
	}
	return false
}

// ScopeCount counts tracked channel logs, threads, and adventures.
func (s *Store) ScopeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.channelHistory) + len(s.adventures)
	for _, byChannel := range s.threads {
		n += len(byChannel)
	}
	return n
}

// MessageCount totals retained messages across all scopes.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, log := range s.channelHistory {
		n += len(log)
	}
	for _, byChannel := range s.threads {
		for _, t := range byChannel {
			n += len(t.Messages)
		}
	}
	return n
}

// Stats is a point-in-time snapshot for diagnostics.
type Stats struct {
	Channels        int    `json:"channels"`
	Threads         int    `json:"threads"`
	Adventures      int    `json:"adventures"`
	Messages        int    `json:"messages"`
	MaxHistory      int    `json:"max_history"`
	TimeWindowHours int    `json:"time_window_hours"`
	GlobalModel     string `json:"global_model"`
}

func (s *Store) Snapshot() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{
		Channels:        len(s.channelHistory),
		Adventures:      len(s.adventures),
		MaxHistory:      s.maxHistory,
		TimeWindowHours: s.timeWindowHours,
		GlobalModel:     s.globalModel,
	}
	for _, log := range s.channelHistory {
		st.Messages += len(log)
	}
	for _, byChannel := range s.threads {
		st.Threads += len(byChannel)
		for _, t := range byChannel {
			st.Messages += len(t.Messages)
		}
	}
	return st
}

// MaxHistory returns the per-scope message cap.
func (s *Store) MaxHistory() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxHistory
}

// SetMaxHistory updates the cap. Existing logs shrink on their next
// append rather than eagerly.
func (s *Store) SetMaxHistory(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxHistory = n
}

// TimeWindowHours returns the context window size in hours.
func (s *Store) TimeWindowHours() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timeWindowHours
}

func (s *Store) SetTimeWindowHours(h int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeWindowHours = h
}

// Window returns the context window as a duration.
func (s *Store) Window() time.Duration {
	return time.Duration(s.TimeWindowHours()) * time.Hour
}

// MaxThreadsPerChannel returns the registered-thread cap per channel.
func (s *Store) MaxThreadsPerChannel() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxThreadsPerChan
}

// StartAdventure begins a dungeon-master session in the channel.
func (s *Store) StartAdventure(channelID, setting, startedBy string, now time.Time) (Adventure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if adv := s.adventures[channelID]; adv != nil && adv.Active {
		return Adventure{}, ErrAdventureActive
	}
	adv := &Adventure{
		Active:     true,
		Setting:    setting,
		StartedAt:  now,
		StartedBy:  startedBy,
		Characters: make(map[string]string),
	}
	s.adventures[channelID] = adv
	return copyAdventure(adv), nil
}

// Adventure returns a copy of the channel's adventure, active or ended.
func (s *Store) Adventure(channelID string) (Adventure, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	adv := s.adventures[channelID]
	if adv == nil {
		return Adventure{}, false
	}
	return copyAdventure(adv), true
}

// ActiveAdventure returns a copy only when the channel's adventure is
// still running.
func (s *Store) ActiveAdventure(channelID string) (Adventure, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	adv := s.adventures[channelID]
	if adv == nil || !adv.Active {
		return Adventure{}, false
	}
	return copyAdventure(adv), true
}

// AddAction appends a player turn to the channel's active adventure.
func (s *Store) AddAction(channelID string, a PlayerAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	adv := s.adventures[channelID]
	if adv == nil || !adv.Active {
		return ErrNoAdventure
	}
	adv.Actions = append(adv.Actions, a)
	return nil
}

// AddNarration appends a dungeon-master reply to the channel's active
// adventure.
func (s *Store) AddNarration(channelID string, n NarratorTurn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	adv := s.adventures[channelID]
	if adv == nil || !adv.Active {
		return ErrNoAdventure
	}
	adv.Responses = append(adv.Responses, n)
	return nil
}

// EndAdventure marks the channel's adventure inactive and stamps who
// ended it. The concluded session stays in state until swept.
func (s *Store) EndAdventure(channelID, endedBy string, now time.Time) (Adventure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	adv := s.adventures[channelID]
	if adv == nil || !adv.Active {
		return Adventure{}, ErrNoAdventure
	}
	adv.Active = false
	adv.EndedAt = now
	adv.EndedBy = endedBy
	return copyAdventure(adv), nil
}

func copyAdventure(adv *Adventure) Adventure {
	out := *adv
	out.Actions = append([]PlayerAction(nil), adv.Actions...)
	out.Responses = append([]NarratorTurn(nil), adv.Responses...)
	out.Characters = make(map[string]string, len(adv.Characters))
	for k, v := range adv.Characters {
		out.Characters[k] = v
	}
	return out
}

// lastMessageTime reports the newest timestamp in a log, zero when
// empty.
func lastMessageTime(log []Message) time.Time {
	if len(log) == 0 {
		return time.Time{}
	}
	return log[len(log)-1].Timestamp
}
