package convo

// Router resolves the effective model id and system prompt for a scope
// and owns the override mutators. Layering is scope-specific first:
// thread override, then parent channel, then the global default. The
// router never validates model ids; the allow-list lives with the
// delivery layer's configuration.
type Router struct {
	store *Store
}

func NewRouter(store *Store) *Router {
	return &Router{store: store}
}

// EffectiveModel returns the model id an outbound call for this scope
// should use. Callers pass it per request; there is no shared mutable
// "current model" to switch around a call.
func (r *Router) EffectiveModel(scopeID string) string {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.effectiveModelLocked(scopeID)
}

func (s *Store) effectiveModelLocked(scopeID string) string {
	if parent, threadID, ok := SplitThreadScopeID(scopeID); ok {
		if meta := s.threadMeta[threadID]; meta != nil && meta.Model != "" {
			return meta.Model
		}
		if t := s.threads[parent][scopeID]; t != nil && t.Model != "" {
			return t.Model
		}
		if m := s.channelModels[parent]; m != "" {
			return m
		}
		return s.globalModel
	}
	if m := s.channelModels[scopeID]; m != "" {
		return m
	}
	return s.globalModel
}

// EffectiveSystemPrompt follows the same layering for prompts.
func (r *Router) EffectiveSystemPrompt(scopeID string) string {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if parent, threadID, ok := SplitThreadScopeID(scopeID); ok {
		if meta := r.store.threadMeta[threadID]; meta != nil && meta.SystemPrompt != "" {
			return meta.SystemPrompt
		}
		if p := r.store.channelPrompts[parent]; p != "" {
			return p
		}
		return r.store.globalPrompt
	}
	if p := r.store.channelPrompts[scopeID]; p != "" {
		return p
	}
	return r.store.globalPrompt
}

// ScopeModel returns the scope's own override, reporting whether one
// is set. It does not fall through the layering.
func (r *Router) ScopeModel(scopeID string) (string, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if parent, threadID, ok := SplitThreadScopeID(scopeID); ok {
		if meta := r.store.threadMeta[threadID]; meta != nil && meta.Model != "" {
			return meta.Model, true
		}
		if t := r.store.threads[parent][scopeID]; t != nil && t.Model != "" {
			return t.Model, true
		}
		return "", false
	}
	m, ok := r.store.channelModels[scopeID]
	return m, ok && m != ""
}

// SetScopeModel installs a model override on a channel or thread.
func (r *Router) SetScopeModel(scopeID, model string) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if parent, threadID, ok := SplitThreadScopeID(scopeID); ok {
		if t := r.store.threads[parent][scopeID]; t != nil {
			t.Model = model
		}
		if meta := r.store.threadMeta[threadID]; meta != nil {
			meta.Model = model
		}
		return
	}
	r.store.channelModels[scopeID] = model
}

// ClearScopeModel drops a scope's override, reporting whether one was
// set.
func (r *Router) ClearScopeModel(scopeID string) bool {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if parent, threadID, ok := SplitThreadScopeID(scopeID); ok {
		had := false
		if t := r.store.threads[parent][scopeID]; t != nil && t.Model != "" {
			t.Model = ""
			had = true
		}
		if meta := r.store.threadMeta[threadID]; meta != nil && meta.Model != "" {
			meta.Model = ""
			had = true
		}
		return had
	}
	m, ok := r.store.channelModels[scopeID]
	delete(r.store.channelModels, scopeID)
	return ok && m != ""
}

// ScopePrompt returns the scope's own system-prompt override.
func (r *Router) ScopePrompt(scopeID string) (string, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	if _, threadID, ok := SplitThreadScopeID(scopeID); ok {
		if meta := r.store.threadMeta[threadID]; meta != nil && meta.SystemPrompt != "" {
			return meta.SystemPrompt, true
		}
		return "", false
	}
	p, ok := r.store.channelPrompts[scopeID]
	return p, ok && p != ""
}

// SetScopePrompt installs a system-prompt override on a channel or
// thread.
func (r *Router) SetScopePrompt(scopeID, prompt string) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, threadID, ok := SplitThreadScopeID(scopeID); ok {
		if meta := r.store.threadMeta[threadID]; meta != nil {
			meta.SystemPrompt = prompt
		}
		return
	}
	r.store.channelPrompts[scopeID] = prompt
}

// ClearScopePrompt drops a scope's prompt override, reporting whether
// one was set.
func (r *Router) ClearScopePrompt(scopeID string) bool {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	if _, threadID, ok := SplitThreadScopeID(scopeID); ok {
		if meta := r.store.threadMeta[threadID]; meta != nil && meta.SystemPrompt != "" {
			meta.SystemPrompt = ""
			return true
		}
		return false
	}
	p, ok := r.store.channelPrompts[scopeID]
	delete(r.store.channelPrompts, scopeID)
	return ok && p != ""
}

func (r *Router) GlobalModel() string {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.globalModel
}

func (r *Router) SetGlobalModel(model string) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.globalModel = model
}

func (r *Router) GlobalSystemPrompt() string {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.globalPrompt
}

func (r *Router) SetGlobalSystemPrompt(prompt string) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.globalPrompt = prompt
}
