package dispatch

import (
	"sync"

	"github.com/haasonsaas/mindroom/pkg/models"
)

// maxThreadHistory bounds the per-thread message buffer. Reply context is
// capped well below this by each entity's num_history_runs; the buffer
// only needs enough headroom for the largest configured window.
const maxThreadHistory = 64

// ThreadMessage is one buffered message in a thread's history.
type ThreadMessage struct {
	EventID  string
	SenderID string
	Body     string
}

// threadHistory is one thread's bounded message buffer, oldest first.
// index maps event ids to positions so duplicate observations (every bot
// in a room observes the same event) collapse and edits rewrite the
// original entry in place.
type threadHistory struct {
	msgs  []ThreadMessage
	index map[string]int
}

// ThreadTracker remembers, per thread, which agents and which distinct
// human senders have posted, plus a bounded buffer of the messages
// themselves — the bookkeeping thread-continuity, multi-human gating, and
// reply-context gathering need. It observes every message regardless of
// dispatch outcome, including a bot's own messages echoed back by the
// sync loop, so continuity and history survive across the self-filter.
type ThreadTracker struct {
	mu      sync.Mutex
	agents  map[string]map[string]struct{}
	humans  map[string]map[string]struct{}
	history map[string]*threadHistory
}

// NewThreadTracker returns an empty ThreadTracker.
func NewThreadTracker() *ThreadTracker {
	return &ThreadTracker{
		agents:  make(map[string]map[string]struct{}),
		humans:  make(map[string]map[string]struct{}),
		history: make(map[string]*threadHistory),
	}
}

// Observe records msg in its thread, classified as an agent post or a
// human post (bot-account and router posts are neither and are not
// recorded — they don't count toward any rule and carry no reply
// context). senderID is the effective sender, which for a
// voice-transcribed message differs from msg.SenderID. An edit rewrites
// the replaced message's buffered body in place instead of appending.
func (t *ThreadTracker) Observe(msg models.Message, senderID string, isAgent, isHuman bool) {
	if msg.ThreadID == "" || (!isAgent && !isHuman) {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if isAgent {
		set, ok := t.agents[msg.ThreadID]
		if !ok {
			set = make(map[string]struct{})
			t.agents[msg.ThreadID] = set
		}
		set[senderID] = struct{}{}
	}
	if isHuman {
		set, ok := t.humans[msg.ThreadID]
		if !ok {
			set = make(map[string]struct{})
			t.humans[msg.ThreadID] = set
		}
		set[senderID] = struct{}{}
	}

	h, ok := t.history[msg.ThreadID]
	if !ok {
		h = &threadHistory{index: make(map[string]int)}
		t.history[msg.ThreadID] = h
	}

	if msg.IsEdit && msg.Replaces != "" {
		if i, seen := h.index[msg.Replaces]; seen {
			h.msgs[i].Body = msg.Body
		}
		return
	}
	if _, seen := h.index[msg.EventID]; seen {
		return
	}
	h.msgs = append(h.msgs, ThreadMessage{EventID: msg.EventID, SenderID: senderID, Body: msg.Body})
	h.index[msg.EventID] = len(h.msgs) - 1
	if len(h.msgs) > maxThreadHistory {
		delete(h.index, h.msgs[0].EventID)
		h.msgs = h.msgs[1:]
		for id := range h.index {
			h.index[id]--
		}
	}
}

// History returns the last limit messages observed in threadID, oldest
// first. A non-positive limit returns nothing.
func (t *ThreadTracker) History(threadID string, limit int) []ThreadMessage {
	if limit <= 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.history[threadID]
	if !ok {
		return nil
	}
	start := len(h.msgs) - limit
	if start < 0 {
		start = 0
	}
	out := make([]ThreadMessage, len(h.msgs)-start)
	copy(out, h.msgs[start:])
	return out
}

// SoleAgent returns the single agent that has posted in threadID, if
// exactly one has.
func (t *ThreadTracker) SoleAgent(threadID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	set, ok := t.agents[threadID]
	if !ok || len(set) != 1 {
		return "", false
	}
	for id := range set {
		return id, true
	}
	return "", false
}

// HumanCount returns the number of distinct human senders observed in
// threadID.
func (t *ThreadTracker) HumanCount(threadID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.humans[threadID])
}
