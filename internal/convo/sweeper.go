package convo

import "time"

// Retention thresholds by scope class. Channels go quiet and come
// back; threads and adventures are journeys with an end, so they get
// twice the grace.
const (
	ChannelRetention   = 7 * 24 * time.Hour
	ThreadRetention    = 14 * 24 * time.Hour
	AdventureRetention = 14 * 24 * time.Hour
)

// Sweeper removes scopes whose last activity predates their class's
// retention threshold. It holds the store lock for the whole pass;
// sweeps are infrequent and the store is small by construction.
type Sweeper struct {
	store *Store
}

func NewSweeper(store *Store) *Sweeper {
	return &Sweeper{store: store}
}

// SweepSummary reports one sweep's work for logging and metrics.
type SweepSummary struct {
	ChannelsPruned   int `json:"channels_pruned"`
	ThreadsPruned    int `json:"threads_pruned"`
	AdventuresPruned int `json:"adventures_pruned"`
	MessagesPruned   int `json:"messages_pruned"`
}

// Empty reports whether the sweep removed nothing.
func (s SweepSummary) Empty() bool {
	return s.ChannelsPruned == 0 && s.ThreadsPruned == 0 &&
		s.AdventuresPruned == 0 && s.MessagesPruned == 0
}

// Sweep prunes stale scopes as of now. Pruning a channel drops its
// log and its model and prompt overrides; pruning a thread also drops
// its alias and platform mapping. Nothing to prune is a normal result,
// not an error.
func (w *Sweeper) Sweep(now time.Time) SweepSummary {
	w.store.mu.Lock()
	defer w.store.mu.Unlock()

	var sum SweepSummary

	channelCutoff := now.Add(-ChannelRetention)
	var staleChannels []string
	for channelID, log := range w.store.channelHistory {
		// Cleared or never-used logs hold nothing worth keeping.
		if len(log) == 0 || lastMessageTime(log).Before(channelCutoff) {
			staleChannels = append(staleChannels, channelID)
		}
	}
	for _, channelID := range staleChannels {
		sum.MessagesPruned += len(w.store.channelHistory[channelID])
		delete(w.store.channelHistory, channelID)
		delete(w.store.channelModels, channelID)
		delete(w.store.channelPrompts, channelID)
		sum.ChannelsPruned++
	}

	threadCutoff := now.Add(-ThreadRetention)
	var staleThreads []string
	for _, byChannel := range w.store.threads {
		for scopeID, t := range byChannel {
			last := t.CreatedAt
			if ts := lastMessageTime(t.Messages); ts.After(last) {
				last = ts
			}
			if last.Before(threadCutoff) {
				staleThreads = append(staleThreads, scopeID)
			}
		}
	}
	for _, scopeID := range staleThreads {
		if parent, _, ok := SplitThreadScopeID(scopeID); ok {
			if t := w.store.threads[parent][scopeID]; t != nil {
				sum.MessagesPruned += len(t.Messages)
			}
		}
		w.store.removeThreadLocked(scopeID)
		sum.ThreadsPruned++
	}

	advCutoff := now.Add(-AdventureRetention)
	var staleAdventures []string
	for channelID, adv := range w.store.adventures {
		if lastAdventureActivity(adv).Before(advCutoff) {
			staleAdventures = append(staleAdventures, channelID)
		}
	}
	for _, channelID := range staleAdventures {
		adv := w.store.adventures[channelID]
		sum.MessagesPruned += len(adv.Actions) + len(adv.Responses)
		delete(w.store.adventures, channelID)
		sum.AdventuresPruned++
	}

	return sum
}

// lastAdventureActivity is the newest timestamp the session has seen.
func lastAdventureActivity(adv *Adventure) time.Time {
	last := adv.StartedAt
	if n := len(adv.Actions); n > 0 && adv.Actions[n-1].Timestamp.After(last) {
		last = adv.Actions[n-1].Timestamp
	}
	if n := len(adv.Responses); n > 0 && adv.Responses[n-1].Timestamp.After(last) {
		last = adv.Responses[n-1].Timestamp
	}
	if adv.EndedAt.After(last) {
		last = adv.EndedAt
	}
	return last
}
