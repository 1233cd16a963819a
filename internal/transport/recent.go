package transport

import "sync"

// RecentLog keeps a bounded per-chat history of message references.
// Adapters feed it from their event stream so RecentMessages can be served
// on platforms without a history API.
type RecentLog struct {
	mu    sync.Mutex
	limit int
	chats map[string][]MessageRef
}

func NewRecentLog(limit int) *RecentLog {
	if limit <= 0 {
		limit = 1000
	}
	return &RecentLog{limit: limit, chats: map[string][]MessageRef{}}
}

func (r *RecentLog) Add(ref MessageRef) {
	if ref.ChatID == "" || ref.MessageID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := append(r.chats[ref.ChatID], ref)
	if over := len(list) - r.limit; over > 0 {
		list = append([]MessageRef(nil), list[over:]...)
	}
	r.chats[ref.ChatID] = list
}

// Newest returns up to n references for chatID, newest first.
func (r *RecentLog) Newest(chatID string, n int) []MessageRef {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.chats[chatID]
	if n <= 0 || n > len(list) {
		n = len(list)
	}
	out := make([]MessageRef, 0, n)
	for i := len(list) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, list[i])
	}
	return out
}

// Forget drops a reference (e.g. after it was deleted).
func (r *RecentLog) Forget(ref MessageRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.chats[ref.ChatID]
	for i, x := range list {
		if x.MessageID == ref.MessageID {
			r.chats[ref.ChatID] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}
