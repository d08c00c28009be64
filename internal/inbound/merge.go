package inbound

import (
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/store"
)

// Merge folds a remote copy of a message into the local one. The remote copy
// wins except for device-local data: annotations, the local media path, the
// client sort timestamp, and a status the remote has not caught up with.
func Merge(local store.Message, remote store.Message) store.Message {
	out := remote.Clone()
	out.Annotations = local.Clone().Annotations
	if local.Timestamp != 0 {
		out.Timestamp = local.Timestamp
	}
	if out.ServerTimestamp == 0 {
		out.ServerTimestamp = local.ServerTimestamp
	}
	if local.Media != nil && out.Media != nil && out.Media.LocalPath == "" {
		out.Media.LocalPath = local.Media.LocalPath
	}

	switch {
	case local.Status == status.Failed && remote.Status.Rank() >= status.Sent.Rank():
		// The write landed even though every attempt looked failed.
		out.Status = remote.Status
	default:
		out.Status, _ = status.Merge(local.Status, remote.Status)
	}
	out.SyncStatus = status.Synced
	out.LastError = ""
	return out
}
