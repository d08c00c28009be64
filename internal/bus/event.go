package bus

import "time"

// Kind names an event. Kinds are dotted so subscribers can filter by
// namespace ("message.", "chat.").
type Kind string

const (
	MessageUpserted Kind = "message.upserted"
	MessageRemoved  Kind = "message.removed"
	MessageFailed   Kind = "message.failed"
	MessageReceived Kind = "message.received"

	ChatUpserted Kind = "chat.upserted"
	ChatRemoved  Kind = "chat.removed"
	ChatUnread   Kind = "chat.unread"

	ConnOnline  Kind = "conn.online"
	ConnOffline Kind = "conn.offline"

	DrainStarted  Kind = "outbox.drain_started"
	DrainFinished Kind = "outbox.drain_finished"

	HistoryLoaded Kind = "history.loaded"

	StorageDegraded  Kind = "store.degraded"
	StorageRecovered Kind = "store.recovered"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      Kind
	Timestamp time.Time
	Payload   any
}

// DrainResult is the payload of DrainFinished.
type DrainResult struct {
	Delivered int
	Failed    int
	Remaining int
}

// HistoryPage is the payload of HistoryLoaded.
type HistoryPage struct {
	ChatID string
	Tier   int
	Count  int
}
