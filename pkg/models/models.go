// Package models contains the shared data types used across the client.
package models

import "time"

// LinkType distinguishes folder and file links.
type LinkType int

const (
	LinkTypeFolder LinkType = 1
	LinkTypeFile   LinkType = 2
)

// String returns the lowercase name of the link type.
func (t LinkType) String() string {
	switch t {
	case LinkTypeFolder:
		return "folder"
	case LinkTypeFile:
		return "file"
	default:
		return "unknown"
	}
}

// Share is an encrypted root container owning a tree of links.
type Share struct {
	ID                  string `json:"id"`
	VolumeID            string `json:"volume_id"`
	Creator             string `json:"creator"`
	RootLinkID          string `json:"root_link_id"`
	Key                 []byte `json:"key"`
	Passphrase          []byte `json:"passphrase"`
	PassphraseSignature []byte `json:"passphrase_signature"`
	AddressID           string `json:"address_id"`
	Primary             bool   `json:"primary"`
	Locked              bool   `json:"locked"`
	VolumeRestoreStatus int    `json:"volume_restore_status,omitempty"`
}

// FolderProperties holds the folder-specific part of a link.
type FolderProperties struct {
	// HashKey encrypted to the folder's own key; unlocks child name hashing.
	EncryptedHashKey []byte `json:"encrypted_hash_key"`
}

// FileProperties holds the file-specific part of a link.
type FileProperties struct {
	ActiveRevisionID string `json:"active_revision_id"`
	ContentKeyPacket []byte `json:"content_key_packet"`
	HasThumbnail     bool   `json:"has_thumbnail"`
	MIMEType         string `json:"mime_type,omitempty"`
}

// Link is a decrypted folder or file entry in the tree. Exactly one of
// Folder/File is non-nil, matching Type.
type Link struct {
	ID                  string    `json:"id"`
	ParentID            string    `json:"parent_id"` // empty = share root
	Type                LinkType  `json:"type"`
	Name                string    `json:"name"`
	NameHash            string    `json:"name_hash"`
	EncryptedName       []byte    `json:"encrypted_name"`
	NodeKey             []byte    `json:"node_key"`
	Passphrase          []byte    `json:"passphrase"`
	PassphraseSignature []byte    `json:"passphrase_signature"`
	SignatureAddress    string    `json:"signature_address"`
	Size                int64     `json:"size"`
	ModifyTime          time.Time `json:"modify_time"`
	CreateTime          time.Time `json:"create_time"`
	Trashed             int64     `json:"trashed"` // unix seconds, 0 = not trashed
	ShareURLShareID     string    `json:"share_url_share_id,omitempty"`

	Folder *FolderProperties `json:"folder,omitempty"`
	File   *FileProperties   `json:"file,omitempty"`

	// Corrupted marks a link whose name could not be decrypted; the
	// placeholder name is kept so listings still render.
	Corrupted bool `json:"corrupted,omitempty"`
}

// IsTrashed reports whether the link currently sits in the trash.
func (l *Link) IsTrashed() bool {
	return l.Trashed != 0
}

// SortField selects the attribute child listings are ordered by.
type SortField string

const (
	SortByName     SortField = "name"
	SortBySize     SortField = "size"
	SortByModified SortField = "modified"
	SortByType     SortField = "mime"
)

// SortDirection is the listing order direction.
type SortDirection string

const (
	SortAsc  SortDirection = "asc"
	SortDesc SortDirection = "desc"
)

// SortParams identifies one ordered listing of a folder.
type SortParams struct {
	Field     SortField
	Direction SortDirection
}

// DefaultSort is the listing order used when the caller does not care.
var DefaultSort = SortParams{Field: SortByModified, Direction: SortDesc}

// Revision is one content version of a file link.
type Revision struct {
	ID                string    `json:"id"`
	State             int       `json:"state"`
	Size              int64     `json:"size"`
	CreateTime        time.Time `json:"create_time"`
	ManifestSignature []byte    `json:"manifest_signature"`
	SignatureAddress  string    `json:"signature_address"`
	XAttr             []byte    `json:"xattr,omitempty"`
	Blocks            []Block   `json:"blocks,omitempty"`
	Thumbnail         *Block    `json:"thumbnail,omitempty"`
}

// Block is one encrypted content chunk of a revision.
type Block struct {
	Index         int    `json:"index"`
	URL           string `json:"url"`
	Token         string `json:"token"`
	Hash          []byte `json:"hash"`
	EncryptedSize int64  `json:"encrypted_size"`
}

// XAttr carries extended file attributes stored encrypted on a revision.
type XAttr struct {
	ModificationTime time.Time `json:"modification_time"`
	Size             int64     `json:"size"`
	BlockSizes       []int64   `json:"block_sizes,omitempty"`
	Digest           string    `json:"digest,omitempty"`
}

// Quota is the account's storage allowance and usage.
type Quota struct {
	MaxSpace  int64 `json:"max_space"`
	UsedSpace int64 `json:"used_space"`
}

// EventType classifies a share event.
type EventType int

const (
	EventCreate         EventType = 1
	EventUpdateMetadata EventType = 2
	EventDelete         EventType = 3
)

// String returns the lowercase name of the event type.
func (t EventType) String() string {
	switch t {
	case EventCreate:
		return "create"
	case EventUpdateMetadata:
		return "update_metadata"
	case EventDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// ShareEvent is one incremental change from a share's event feed.
type ShareEvent struct {
	Type   EventType `json:"type"`
	LinkID string    `json:"link_id"`
	Link   *Link     `json:"link,omitempty"` // absent on Delete

	// RestoreCompleted marks a Create emitted by a finished volume restore.
	RestoreCompleted bool `json:"restore_completed,omitempty"`
}

// ConflictStrategy is the caller's decision for an upload name conflict.
type ConflictStrategy int

const (
	ConflictRename ConflictStrategy = iota
	ConflictReplace
	ConflictMerge // folders only
	ConflictSkip
)

// String returns the lowercase name of the strategy.
func (s ConflictStrategy) String() string {
	switch s {
	case ConflictRename:
		return "rename"
	case ConflictReplace:
		return "replace"
	case ConflictMerge:
		return "merge"
	case ConflictSkip:
		return "skip"
	default:
		return "unknown"
	}
}
