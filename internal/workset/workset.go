// Package workset owns the in-memory view of chats and materialized messages.
// All mutation goes through a Set; readers get immutable snapshots.
package workset

import (
	"cmp"
	"maps"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/store"
)

// Snapshot is an immutable view. Callers must not modify its slices.
type Snapshot struct {
	Version uint64
	// Chats sorted by last message time, newest first.
	Chats []store.Chat
	// Messages of materialized chats, ascending by timestamp.
	Messages map[string][]store.Message
}

// Set serializes updates and publishes a new Snapshot after each one.
type Set struct {
	mu   sync.Mutex
	snap atomic.Pointer[Snapshot]
	bus  *bus.Bus
}

func New(b *bus.Bus) *Set {
	s := &Set{bus: b}
	s.snap.Store(&Snapshot{Messages: map[string][]store.Message{}})
	return s
}

// Snapshot returns the current view.
func (s *Set) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Messages returns the materialized messages of a chat.
func (s *Set) Messages(chatID string) []store.Message {
	return s.snap.Load().Messages[chatID]
}

// Materialized reports whether a chat's messages are held in memory.
func (s *Set) Materialized(chatID string) bool {
	_, ok := s.snap.Load().Messages[chatID]
	return ok
}

// Chat returns a chat of the current view.
func (s *Set) Chat(chatID string) (store.Chat, bool) {
	for _, c := range s.snap.Load().Chats {
		if c.ID == chatID {
			return c, true
		}
	}
	return store.Chat{}, false
}

// Message returns a materialized message.
func (s *Set) Message(chatID, id string) (store.Message, bool) {
	for _, m := range s.snap.Load().Messages[chatID] {
		if m.ID == id {
			return m, true
		}
	}
	return store.Message{}, false
}

// update runs fn on a shallow copy of the current snapshot and publishes the
// result. fn must replace, never modify, the slices it changes.
func (s *Set) update(fn func(next *Snapshot)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.snap.Load()
	next := &Snapshot{
		Version:  cur.Version + 1,
		Chats:    cur.Chats,
		Messages: maps.Clone(cur.Messages),
	}
	fn(next)
	s.snap.Store(next)
}

func (s *Set) emit(kind bus.Kind, payload any) {
	if s.bus != nil {
		s.bus.Emit(kind, payload)
	}
}

// UpsertMessages merges messages by id into their chats. Messages of chats
// that are not materialized are only announced, and so are new messages older
// than the oldest one held: history enters memory through Materialize.
func (s *Set) UpsertMessages(msgs ...store.Message) {
	if len(msgs) == 0 {
		return
	}
	s.update(func(next *Snapshot) {
		byChat := make(map[string][]store.Message)
		for _, m := range msgs {
			byChat[m.ChatID] = append(byChat[m.ChatID], m.Clone())
		}
		for chatID, incoming := range byChat {
			cur, ok := next.Messages[chatID]
			if !ok {
				continue
			}
			next.Messages[chatID] = mergeMessages(cur, inWindow(cur, incoming))
		}
	})
	for _, m := range msgs {
		s.emit(bus.MessageUpserted, m.Clone())
	}
}

// Materialize replaces a chat's in-memory messages with msgs, merged with
// whatever is already held so live updates are not lost.
func (s *Set) Materialize(chatID string, msgs []store.Message) {
	s.update(func(next *Snapshot) {
		cloned := make([]store.Message, len(msgs))
		for i := range msgs {
			cloned[i] = msgs[i].Clone()
		}
		next.Messages[chatID] = mergeMessages(next.Messages[chatID], cloned)
	})
}

// Release drops a chat's messages from memory.
func (s *Set) Release(chatID string) {
	s.update(func(next *Snapshot) {
		delete(next.Messages, chatID)
	})
}

// RemoveMessage drops a message from its chat.
func (s *Set) RemoveMessage(chatID, id string) {
	s.update(func(next *Snapshot) {
		cur, ok := next.Messages[chatID]
		if !ok {
			return
		}
		next.Messages[chatID] = slices.DeleteFunc(slices.Clone(cur), func(m store.Message) bool {
			return m.ID == id
		})
	})
	s.emit(bus.MessageRemoved, id)
}

// UpsertChats merges chats by id.
func (s *Set) UpsertChats(chats ...store.Chat) {
	if len(chats) == 0 {
		return
	}
	s.update(func(next *Snapshot) {
		byID := make(map[string]store.Chat, len(next.Chats)+len(chats))
		for _, c := range next.Chats {
			byID[c.ID] = c
		}
		for _, c := range chats {
			byID[c.ID] = c.Clone()
		}
		next.Chats = sortedChats(byID)
	})
	for _, c := range chats {
		s.emit(bus.ChatUpserted, c.Clone())
	}
}

// RemoveChat drops a chat and its messages.
func (s *Set) RemoveChat(chatID string) {
	s.update(func(next *Snapshot) {
		next.Chats = slices.DeleteFunc(slices.Clone(next.Chats), func(c store.Chat) bool {
			return c.ID == chatID
		})
		delete(next.Messages, chatID)
	})
	s.emit(bus.ChatRemoved, chatID)
}

// SetUnread replaces a chat's unread count. Unknown chats are ignored.
func (s *Set) SetUnread(chatID string, n int) {
	changed := false
	s.update(func(next *Snapshot) {
		i := slices.IndexFunc(next.Chats, func(c store.Chat) bool { return c.ID == chatID })
		if i < 0 || next.Chats[i].UnreadCount == n {
			return
		}
		chats := slices.Clone(next.Chats)
		chats[i].UnreadCount = max(n, 0)
		next.Chats = chats
		changed = true
	})
	if changed {
		s.emit(bus.ChatUnread, chatID)
	}
}

// Reset replaces the whole view, as done when rebuilding from the local
// store at startup.
func (s *Set) Reset(chats []store.Chat) {
	s.update(func(next *Snapshot) {
		byID := make(map[string]store.Chat, len(chats))
		for _, c := range chats {
			byID[c.ID] = c.Clone()
		}
		next.Chats = sortedChats(byID)
		next.Messages = map[string][]store.Message{}
	})
}

func compareMessages(a, b store.Message) int {
	if c := cmp.Compare(a.Timestamp, b.Timestamp); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

// mergeMessages returns a new ascending slice holding cur with incoming
// applied by id.
func mergeMessages(cur, incoming []store.Message) []store.Message {
	byID := make(map[string]int, len(cur))
	out := slices.Clone(cur)
	for i, m := range out {
		byID[m.ID] = i
	}
	for _, m := range incoming {
		if i, ok := byID[m.ID]; ok {
			out[i] = m
			continue
		}
		byID[m.ID] = len(out)
		out = append(out, m)
	}
	slices.SortFunc(out, compareMessages)
	return out
}

// inWindow drops incoming messages that are neither held nor at least as new
// as the oldest held message.
func inWindow(cur, incoming []store.Message) []store.Message {
	if len(cur) == 0 {
		return incoming
	}
	held := make(map[string]bool, len(cur))
	for _, m := range cur {
		held[m.ID] = true
	}
	return slices.DeleteFunc(incoming, func(m store.Message) bool {
		return !held[m.ID] && compareMessages(m, cur[0]) < 0
	})
}

func sortedChats(byID map[string]store.Chat) []store.Chat {
	chats := slices.Collect(maps.Values(byID))
	slices.SortFunc(chats, func(a, b store.Chat) int {
		if c := cmp.Compare(b.LastMessageAt(), a.LastMessageAt()); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return chats
}
