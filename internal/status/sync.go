package status

// Sync is the local/remote durability life cycle, orthogonal to Status.
type Sync string

const (
	Pending Sync = "pending"
	Synced  Sync = "synced"
	// SyncFailed marks a message whose delivery retries were exhausted; it stays
	// visible and retryable.
	SyncFailed Sync = "failed"
)

// Valid reports whether s is a known sync status.
func (s Sync) Valid() bool {
	switch s {
	case Pending, Synced, SyncFailed:
		return true
	}
	return false
}
