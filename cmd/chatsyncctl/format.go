package main

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/matheus3301/chatsync/internal/rpc"
)

func formatTime(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Format("2006-01-02 15:04")
}

func formatChat(c rpc.ChatView) string {
	title := c.Name
	if title == "" {
		title = strings.Join(c.Participants, ", ")
	}
	line := fmt.Sprintf("%-20s %-6s %s", c.ID, c.Type, title)
	if c.Unread > 0 {
		line += fmt.Sprintf(" (%d unread)", c.Unread)
	}
	if lm := c.LastMessage; lm != nil {
		line += fmt.Sprintf("\n    %s %s: %s", formatTime(lm.Timestamp), lm.SenderID, lm.Text)
	}
	return line
}

func formatMessage(m rpc.MessageView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s: ", formatTime(m.Timestamp), m.ID, m.SenderID)
	switch {
	case m.Media != nil && m.Media.Caption != "":
		fmt.Fprintf(&b, "[%s] %s", m.Media.MimeType, m.Media.Caption)
	case m.Media != nil:
		fmt.Fprintf(&b, "[%s]", m.Media.MimeType)
	default:
		b.WriteString(m.Text)
	}
	fmt.Fprintf(&b, " (%s", m.Status)
	if m.SyncStatus != "synced" {
		fmt.Fprintf(&b, ", %s", m.SyncStatus)
	}
	b.WriteString(")")
	for _, sym := range slices.Sorted(maps.Keys(m.Reactions)) {
		fmt.Fprintf(&b, " %s%d", sym, len(m.Reactions[sym]))
	}
	if m.LastError != "" {
		fmt.Fprintf(&b, " error: %s", m.LastError)
	}
	return b.String()
}

func formatEvent(e rpc.EventView) string {
	return fmt.Sprintf("%s %s %v", time.UnixMilli(e.OccurredAtUnixMs).Format(time.TimeOnly), e.Kind, e.Payload)
}
