// Package wire converts between local records and remote documents. Remote
// documents never carry device-local data: annotations, local media paths
// and sync status stay on the device.
package wire

import (
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/remote"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// Remote collections.
const (
	Messages = "messages"
	Chats    = "chats"
)

// ValidID reports whether s can be used as a chat, message or user id. Ids
// become key tokens and dotted field paths, so separators and wildcards are
// not allowed.
func ValidID(s string) bool {
	return s != "" && !strings.ContainsAny(s, ".*> \t\r\n")
}

// MessageKey is the remote document id of a message.
func MessageKey(chatID, messageID string) string {
	return chatID + "." + messageID
}

// SplitMessageKey reverses MessageKey.
func SplitMessageKey(key string) (chatID, messageID string, ok bool) {
	chatID, messageID, ok = strings.Cut(key, ".")
	return chatID, messageID, ok && chatID != "" && messageID != ""
}

// ChatMessages selects every message document of a chat.
func ChatMessages(chatID string) remote.Query {
	return remote.Query{Collection: Messages, Prefix: chatID + "."}
}

// AllChats selects every chat document.
func AllChats() remote.Query {
	return remote.Query{Collection: Chats}
}

// UnreadField is the counter path of a participant's unread count.
func UnreadField(userID string) string {
	return "unread." + userID
}

// UnreadCounter addresses a participant's unread counter on a chat document.
func UnreadCounter(chatID, userID string) remote.Counter {
	return remote.Counter{Collection: Chats, ID: chatID, Field: UnreadField(userID)}
}

func validStatus(s string) (status.Status, error) {
	st := status.Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// copy helpers keep encoded documents independent of the record they were
// built from.
func cloneReactions(r store.Reactions) map[string][]string {
	out := make(map[string][]string, len(r))
	for k, v := range r {
		if len(v) > 0 {
			out[k] = append([]string(nil), v...)
		}
	}
	return out
}
