package models

// SyncState tracks what this device and the remote last knew of an entry.
// BaseVersion is the last version both sides agreed on. PurgedVersion is
// non-zero once the local tombstone was purged; remote copies at or below it
// are ignored.
type SyncState struct {
	EntryID       string
	LocalVersion  int64
	RemoteVersion int64
	BaseVersion   int64
	RemoteID      string
	Conflict      bool
	PurgedVersion int64
}

// SyncActionKind is what the cloud collaborator should do for one entry.
type SyncActionKind string

const (
	SyncUpload   SyncActionKind = "upload"
	SyncDownload SyncActionKind = "download"
	SyncConflict SyncActionKind = "conflict"
)

type SyncAction struct {
	EntryID       string
	Action        SyncActionKind
	LocalVersion  int64
	RemoteVersion int64
	RemoteID      string
}

// RemoteVersion is what the cloud collaborator reports for one entry.
type RemoteVersion struct {
	Version  int64
	RemoteID string
}
