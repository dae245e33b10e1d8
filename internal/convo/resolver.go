package convo

import (
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"
)

// newAlias generates a short thread alias. Swappable in tests.
var newAlias = func() string {
	b := make([]byte, aliasLength)
	for i := range b {
		b[i] = aliasAlphabet[rand.Intn(len(aliasAlphabet))]
	}
	return string(b)
}

// Resolver maps delivery-layer identifiers onto managed scopes. Thread
// ids hit the registry first; an unknown thread whose parent channel
// has a running adventure is adopted into it, inheriting the setting
// and model but starting with an empty log. Anything else is reported
// as unmanaged and the caller tracks no context for it.
type Resolver struct {
	store *Store
	now   func() time.Time
}

func NewResolver(store *Store) *Resolver {
	return &Resolver{store: store, now: time.Now}
}

// ResolveInput carries what the delivery layer knows about an incoming
// message. ThreadName is only consulted when a thread gets adopted.
type ResolveInput struct {
	ChannelID  string
	ThreadID   string
	ThreadName string
	Adventure  bool
}

// Resolution is the canonical scope for an input plus the thread
// metadata that applies, if any.
type Resolution struct {
	Scope   Scope
	Meta    ThreadMeta
	Adopted bool
}

// Resolve produces the scope an incoming message belongs to. Resolving
// the same thread id twice yields the same scope id; ids arriving in
// numeric form are normalized first so replayed events cannot create
// duplicate scopes.
func (r *Resolver) Resolve(in ResolveInput) (Resolution, error) {
	channelID := normalizeID(in.ChannelID)
	threadID := normalizeID(in.ThreadID)

	if threadID == "" {
		if in.Adventure {
			if _, ok := r.store.ActiveAdventure(channelID); !ok {
				return Resolution{}, ErrNoAdventure
			}
			return Resolution{Scope: Scope{ID: channelID, Kind: KindAdventure}}, nil
		}
		return Resolution{Scope: Scope{ID: channelID, Kind: KindChannel}}, nil
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if meta := r.store.threadMeta[threadID]; meta != nil {
		if channelID == "" {
			channelID = meta.ChannelID
		}
		scope := Scope{ID: ThreadScopeID(meta.ChannelID, threadID), Kind: KindThread}
		if meta.Adventure {
			scope.Kind = KindAdventure
		}
		return Resolution{Scope: scope, Meta: *meta}, nil
	}

	// Unknown thread: adoptable only while the parent channel has a
	// running adventure. Configuration is copied, history is not.
	if adv := r.store.adventures[channelID]; adv != nil && adv.Active {
		name := strings.TrimSpace(in.ThreadName)
		if name == "" {
			name = fmt.Sprintf("%s Adventure", adv.Setting)
		}
		meta := &ThreadMeta{
			Name:      name,
			ChannelID: channelID,
			CreatedAt: r.now(),
			Model:     r.store.effectiveModelLocked(channelID),
			Adventure: true,
			Setting:   adv.Setting,
		}
		r.store.threadMeta[threadID] = meta
		scopeID := ThreadScopeID(channelID, threadID)
		t := r.store.ensureThreadLocked(channelID, scopeID)
		t.Name = name
		t.CreatedAt = meta.CreatedAt
		t.Model = meta.Model
		if t.SimpleID == "" {
			t.SimpleID = r.assignAliasLocked(scopeID)
		}
		return Resolution{
			Scope:   Scope{ID: scopeID, Kind: KindAdventure},
			Meta:    *meta,
			Adopted: true,
		}, nil
	}

	return Resolution{}, fmt.Errorf("thread %s: %w", threadID, ErrUnmanaged)
}

// ThreadInfo is a read-only view of one registered thread.
type ThreadInfo struct {
	ScopeID   string
	ThreadID  string
	SimpleID  string
	Name      string
	Model     string
	CreatedAt time.Time
	Messages  int
}

func threadInfo(scopeID string, t *Thread) ThreadInfo {
	info := ThreadInfo{
		ScopeID:   scopeID,
		SimpleID:  t.SimpleID,
		Name:      t.Name,
		Model:     t.Model,
		CreatedAt: t.CreatedAt,
		Messages:  len(t.Messages),
	}
	if _, threadID, ok := SplitThreadScopeID(scopeID); ok {
		info.ThreadID = threadID
	}
	return info
}

// RegisterThread tracks a platform thread under its parent channel,
// assigning it a short alias and the channel's effective model. Fails
// with ErrThreadLimit once the channel holds the configured maximum.
func (r *Resolver) RegisterThread(channelID, threadID, name string, now time.Time) (ThreadInfo, error) {
	channelID = normalizeID(channelID)
	threadID = normalizeID(threadID)

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	scopeID := ThreadScopeID(channelID, threadID)
	if t := r.store.threads[channelID][scopeID]; t != nil {
		return threadInfo(scopeID, t), nil
	}
	if len(r.store.threads[channelID]) >= r.store.maxThreadsPerChan {
		return ThreadInfo{}, fmt.Errorf("channel %s: %w", channelID, ErrThreadLimit)
	}

	t := &Thread{
		Name:      name,
		CreatedAt: now,
		SimpleID:  r.assignAliasLocked(scopeID),
		Model:     r.store.effectiveModelLocked(channelID),
	}
	byChannel := r.store.threads[channelID]
	if byChannel == nil {
		byChannel = make(map[string]*Thread)
		r.store.threads[channelID] = byChannel
	}
	byChannel[scopeID] = t
	r.store.threadMeta[threadID] = &ThreadMeta{
		Name:      name,
		ChannelID: channelID,
		CreatedAt: now,
		Model:     t.Model,
	}
	return threadInfo(scopeID, t), nil
}

// LookupThread resolves a user-supplied reference (short alias, full
// scope id, or bare thread id) within a channel.
func (r *Resolver) LookupThread(channelID, ref string) (ThreadInfo, bool) {
	channelID = normalizeID(channelID)
	ref = normalizeID(ref)

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if scopeID, ok := r.store.aliases[ref]; ok {
		if parent, _, split := SplitThreadScopeID(scopeID); split {
			if t := r.store.threads[parent][scopeID]; t != nil {
				return threadInfo(scopeID, t), true
			}
		}
	}
	if IsThreadScopeID(ref) {
		if t := r.store.threads[channelID][ref]; t != nil {
			return threadInfo(ref, t), true
		}
	}
	for scopeID, t := range r.store.threads[channelID] {
		if scopeID == ref || t.SimpleID == ref {
			return threadInfo(scopeID, t), true
		}
		if _, threadID, ok := SplitThreadScopeID(scopeID); ok && threadID == ref {
			return threadInfo(scopeID, t), true
		}
	}
	return ThreadInfo{}, false
}

// Threads lists a channel's registered threads, oldest first.
func (r *Resolver) Threads(channelID string) []ThreadInfo {
	channelID = normalizeID(channelID)

	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	out := make([]ThreadInfo, 0, len(r.store.threads[channelID]))
	for scopeID, t := range r.store.threads[channelID] {
		out = append(out, threadInfo(scopeID, t))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ScopeID < out[j].ScopeID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// DeleteThread removes a thread and every secondary mapping that
// references it.
func (r *Resolver) DeleteThread(channelID, ref string) (ThreadInfo, bool) {
	info, ok := r.LookupThread(channelID, ref)
	if !ok {
		return ThreadInfo{}, false
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.removeThreadLocked(info.ScopeID)
	return info, true
}

// RenameThread updates a thread's display name, returning the previous
// info.
func (r *Resolver) RenameThread(channelID, ref, newName string) (ThreadInfo, bool) {
	info, ok := r.LookupThread(channelID, ref)
	if !ok {
		return ThreadInfo{}, false
	}

	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	parent, threadID, _ := SplitThreadScopeID(info.ScopeID)
	if t := r.store.threads[parent][info.ScopeID]; t != nil {
		t.Name = newName
	}
	if meta := r.store.threadMeta[threadID]; meta != nil {
		meta.Name = newName
	}
	return info, true
}

// AliasToScope returns the scope id behind a short alias.
func (r *Resolver) AliasToScope(alias string) (string, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	scopeID, ok := r.store.aliases[normalizeID(alias)]
	return scopeID, ok
}

// ScopeToAlias returns a scope's short alias.
func (r *Resolver) ScopeToAlias(scopeID string) (string, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	for alias, sid := range r.store.aliases {
		if sid == scopeID {
			return alias, true
		}
	}
	return "", false
}

// assignAliasLocked mints an unused alias and binds it to scopeID.
func (r *Resolver) assignAliasLocked(scopeID string) string {
	for {
		alias := newAlias()
		if _, taken := r.store.aliases[alias]; taken {
			continue
		}
		r.store.aliases[alias] = scopeID
		return alias
	}
}

// removeThreadLocked erases a thread's log, alias, and platform
// mapping. Shared by DeleteThread and the retention sweep.
func (s *Store) removeThreadLocked(scopeID string) {
	parent, threadID, ok := SplitThreadScopeID(scopeID)
	if !ok {
		return
	}
	if byChannel := s.threads[parent]; byChannel != nil {
		delete(byChannel, scopeID)
		if len(byChannel) == 0 {
			delete(s.threads, parent)
		}
	}
	for alias, sid := range s.aliases {
		if sid == scopeID {
			delete(s.aliases, alias)
		}
	}
	delete(s.threadMeta, threadID)
}
