// Package status defines the message delivery life cycle and the orthogonal
// local/remote durability life cycle.
package status

import (
	"fmt"
	"slices"
)

// Status is the delivery/read life cycle of a message.
type Status string

const (
	Sending   Status = "sending"
	Sent      Status = "sent"
	Delivered Status = "delivered"
	Read      Status = "read"
	Failed    Status = "failed"
)

// validTransitions lists the allowed moves. Every forward step along
// sending < sent < delivered < read may skip intermediate states; the only
// backward edge is failed -> sending (user retry). read is terminal.
var validTransitions = map[Status][]Status{
	Sending:   {Sent, Delivered, Read, Failed},
	Sent:      {Delivered, Read},
	Delivered: {Read},
	Read:      {},
	Failed:    {Sending},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := validTransitions[s]
	return ok
}

// Rank orders the delivery chain. failed ranks with sending since both mean
// "not yet acknowledged".
func (s Status) Rank() int {
	switch s {
	case Sending, Failed:
		return 0
	case Sent:
		return 1
	case Delivered:
		return 2
	case Read:
		return 3
	default:
		return -1
	}
}

// CanTransition reports whether moving from -> to is allowed.
func CanTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Transition validates from -> to and returns to, or an error naming the
// rejected edge.
func Transition(from, to Status) (Status, error) {
	if !CanTransition(from, to) {
		return from, fmt.Errorf("invalid status transition from %s to %s", from, to)
	}
	return to, nil
}

// Merge resolves a locally held status against an incoming one. The incoming
// status wins only when it is a valid forward move; stale or equal values
// keep the local status. The boolean reports whether the status changed.
func Merge(local, incoming Status) (Status, bool) {
	if !local.Valid() {
		if incoming.Valid() {
			return incoming, true
		}
		return local, false
	}
	if local == Failed && incoming == Sending {
		// Retries are user-initiated; a remote echo of "sending" is not a retry.
		return local, false
	}
	if CanTransition(local, incoming) {
		return incoming, true
	}
	return local, false
}

// Promotion returns the status a freshly received message from another user
// should move to: read when the viewer is looking at the chat, delivered
// otherwise.
func Promotion(viewing bool) Status {
	if viewing {
		return Read
	}
	return Delivered
}
