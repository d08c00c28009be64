package enrich

import (
	"context"
	"strings"

	"github.com/gen2brain/beeep"
	"go.uber.org/zap"
)

// Notifier shows a notification for messages that arrive while their chat is
// not being viewed.
type Notifier struct {
	viewer string
	send   func(title, body string) error
}

// NewDesktopNotifier notifies through the OS notification center.
func NewDesktopNotifier(viewer string) *Notifier {
	return &Notifier{viewer: viewer, send: func(title, body string) error {
		return beeep.Notify(title, body, "")
	}}
}

// NewLogNotifier writes notifications to the log, for headless daemons.
func NewLogNotifier(viewer string, logger *zap.Logger) *Notifier {
	return &Notifier{viewer: viewer, send: func(title, body string) error {
		logger.Info("notification", zap.String("title", title), zap.String("body", body))
		return nil
	}}
}

// Notify emits one notification.
func (n *Notifier) Notify(senderName, preview, chatID string) error {
	title := senderName
	if chatID != "" && chatID != senderName {
		title = chatID + " · " + senderName
	}
	return n.send(title, truncate(preview, 100))
}

func (n *Notifier) Handle(_ context.Context, t Task) error {
	if t.Origin == Delivered || t.Viewing || t.Message.SenderID == n.viewer {
		return nil
	}
	m := t.Message
	return n.Notify(m.SenderID, m.Preview(), m.ChatID)
}

func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	return string(r[:maxLen-1]) + "…"
}
