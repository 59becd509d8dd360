// Package protocol defines the API request/response types.
package protocol

import (
	"time"

	"github.com/fruitsalade/pomelo/pkg/models"
)

// Error codes carried in ErrorResponse.Code.
const (
	CodeNotFound          = 2501
	CodeAlreadyExists     = 2500
	CodeDraftNotUploaded  = 2510
	CodeInsufficientQuota = 2511
)

// ErrorResponse is returned on API errors.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Details string `json:"details,omitempty"`
}

// ShareListResponse is returned by GET /api/v1/shares.
type ShareListResponse struct {
	Shares []models.Share `json:"shares"`
}

// ShareResponse is returned by GET /api/v1/shares/{shareID}.
type ShareResponse struct {
	Share models.Share `json:"share"`
}

// CreateShareRequest is the body for POST /api/v1/shares.
type CreateShareRequest struct {
	VolumeID            string `json:"volume_id"`
	AddressID           string `json:"address_id"`
	Key                 []byte `json:"key"`
	Passphrase          []byte `json:"passphrase"`
	PassphraseSignature []byte `json:"passphrase_signature"`
	RootLinkID          string `json:"root_link_id"`
}

// CreateVolumeRequest is the body for POST /api/v1/volumes. It bootstraps
// a volume, its primary share, and the root folder in one call.
type CreateVolumeRequest struct {
	AddressID                string `json:"address_id"`
	ShareKey                 []byte `json:"share_key"`
	SharePassphrase          []byte `json:"share_passphrase"`
	SharePassphraseSignature []byte `json:"share_passphrase_signature"`
	FolderName               []byte `json:"folder_name"`
	FolderKey                []byte `json:"folder_key"`
	FolderPassphrase         []byte `json:"folder_passphrase"`
	FolderPassphraseSignature []byte `json:"folder_passphrase_signature"`
	FolderHashKey            []byte `json:"folder_hash_key"`
}

// CreateVolumeResponse is returned by POST /api/v1/volumes.
type CreateVolumeResponse struct {
	VolumeID   string `json:"volume_id"`
	ShareID    string `json:"share_id"`
	RootLinkID string `json:"root_link_id"`
}

// RestoreVolumeRequest is the body for POST /api/v1/volumes/{volumeID}/restore.
type RestoreVolumeRequest struct {
	LockedShareID string `json:"locked_share_id"`
}

// LinkResponse is returned by GET /api/v1/shares/{shareID}/links/{linkID}.
type LinkResponse struct {
	Link Link `json:"link"`
}

// Link is the wire form of a folder or file entry; names stay encrypted.
type Link struct {
	ID                  string `json:"id"`
	ParentID            string `json:"parent_id"`
	Type                int    `json:"type"` // 1 = folder, 2 = file
	Name                []byte `json:"name"`
	NameHash            string `json:"name_hash"`
	Key                 []byte `json:"key"`
	Passphrase          []byte `json:"passphrase"`
	PassphraseSignature []byte `json:"passphrase_signature"`
	SignatureAddress    string `json:"signature_address"`
	Size                int64  `json:"size"`
	ModifyTime          int64  `json:"modify_time"`
	CreateTime          int64  `json:"create_time"`
	Trashed             int64  `json:"trashed,omitempty"`

	// Folder-only.
	HashKey []byte `json:"hash_key,omitempty"`

	// File-only. ActiveRevisionID is omitted from lightweight event
	// payloads; the cache preserves the previous value in that case.
	ActiveRevisionID string `json:"active_revision_id,omitempty"`
	ContentKeyPacket []byte `json:"content_key_packet,omitempty"`
	HasThumbnail     bool   `json:"has_thumbnail,omitempty"`
	MIMEType         string `json:"mime_type,omitempty"`
}

// ChildrenRequest parameterizes GET /api/v1/shares/{shareID}/folders/{linkID}/children.
type ChildrenRequest struct {
	Page        int
	PageSize    int
	Sort        string
	Desc        bool
	FoldersOnly bool
	Thumbnails  bool
}

// ChildrenResponse is returned by the children listing endpoint. A page
// shorter than the requested size means the listing is complete.
type ChildrenResponse struct {
	Links []Link `json:"links"`
}

// TrashResponse is returned by GET /api/v1/shares/{shareID}/trash.
type TrashResponse struct {
	Links []Link `json:"links"`
}

// CreateFolderRequest is the body for POST /api/v1/shares/{shareID}/folders.
type CreateFolderRequest struct {
	ParentID            string `json:"parent_id"`
	Name                []byte `json:"name"`
	NameHash            string `json:"name_hash"`
	Key                 []byte `json:"key"`
	Passphrase          []byte `json:"passphrase"`
	PassphraseSignature []byte `json:"passphrase_signature"`
	SignatureAddress    string `json:"signature_address"`
	HashKey             []byte `json:"hash_key"`
	ModifyTime          int64  `json:"modify_time"`
}

// CreateFolderResponse is returned by POST /api/v1/shares/{shareID}/folders.
type CreateFolderResponse struct {
	ID string `json:"id"`
}

// CheckHashesRequest is the body for POST /api/v1/shares/{shareID}/links/{linkID}/hashes.
type CheckHashesRequest struct {
	Hashes []string `json:"hashes"`
}

// PendingHash identifies an undeleted draft occupying a candidate hash.
type PendingHash struct {
	Hash       string `json:"hash"`
	LinkID     string `json:"link_id"`
	RevisionID string `json:"revision_id,omitempty"`
}

// CheckHashesResponse is returned by the hash availability probe.
type CheckHashesResponse struct {
	AvailableHashes []string      `json:"available_hashes"`
	PendingHashes   []PendingHash `json:"pending_hashes,omitempty"`
}

// CreateFileRequest is the body for POST /api/v1/shares/{shareID}/files.
// It creates a draft file link together with its first draft revision.
type CreateFileRequest struct {
	ParentID            string `json:"parent_id"`
	Name                []byte `json:"name"`
	NameHash            string `json:"name_hash"`
	Key                 []byte `json:"key"`
	Passphrase          []byte `json:"passphrase"`
	PassphraseSignature []byte `json:"passphrase_signature"`
	SignatureAddress    string `json:"signature_address"`
	ContentKeyPacket    []byte `json:"content_key_packet"`
	MIMEType            string `json:"mime_type,omitempty"`
}

// CreateFileResponse is returned by POST /api/v1/shares/{shareID}/files.
type CreateFileResponse struct {
	ID         string `json:"id"`
	RevisionID string `json:"revision_id"`
}

// CreateRevisionResponse is returned by POST /api/v1/shares/{shareID}/files/{linkID}/revisions.
type CreateRevisionResponse struct {
	RevisionID string `json:"revision_id"`
}

// RevisionResponse is returned by GET /api/v1/shares/{shareID}/files/{linkID}/revisions/{revisionID}.
type RevisionResponse struct {
	Revision Revision `json:"revision"`
}

// Revision is the wire form of a content version.
type Revision struct {
	ID                string  `json:"id"`
	State             int     `json:"state"`
	Size              int64   `json:"size"`
	CreateTime        int64   `json:"create_time"`
	ManifestSignature []byte  `json:"manifest_signature"`
	SignatureAddress  string  `json:"signature_address"`
	XAttr             []byte  `json:"xattr,omitempty"`
	Thumbnail         *Block  `json:"thumbnail,omitempty"`
}

// Block is one encrypted content chunk with its transfer coordinates.
type Block struct {
	Index         int    `json:"index"`
	URL           string `json:"url"`
	Token         string `json:"token"`
	Hash          []byte `json:"hash"`
	EncryptedSize int64  `json:"encrypted_size"`
}

// BlockListResponse is returned by the paged revision block listing.
type BlockListResponse struct {
	Blocks []Block `json:"blocks"`
}

// UploadBlockRequest describes one block in an upload-link request.
type UploadBlockRequest struct {
	Index int    `json:"index"`
	Size  int64  `json:"size"`
	Hash  []byte `json:"hash"`
}

// RequestUploadRequest is the body for POST /api/v1/shares/{shareID}/files/{linkID}/revisions/{revisionID}/blocks.
type RequestUploadRequest struct {
	Blocks    []UploadBlockRequest `json:"blocks"`
	Thumbnail *UploadBlockRequest  `json:"thumbnail,omitempty"`
}

// UploadLink is one pre-authorized block upload target.
type UploadLink struct {
	Index int    `json:"index"`
	URL   string `json:"url"`
	Token string `json:"token"`
}

// RequestUploadResponse is returned with the block upload links.
type RequestUploadResponse struct {
	UploadLinks   []UploadLink `json:"upload_links"`
	ThumbnailLink *UploadLink  `json:"thumbnail_link,omitempty"`
}

// CommitRevisionRequest is the body for PUT …/revisions/{revisionID}. The
// block token order defines the manifest order.
type CommitRevisionRequest struct {
	BlockTokens       []string `json:"block_tokens"`
	ManifestSignature []byte   `json:"manifest_signature"`
	SignatureAddress  string   `json:"signature_address"`
	XAttr             []byte   `json:"xattr,omitempty"`
}

// RenameLinkRequest is the body for PUT /api/v1/shares/{shareID}/links/{linkID}/rename.
type RenameLinkRequest struct {
	Name             []byte `json:"name"`
	NameHash         string `json:"name_hash"`
	OriginalNameHash string `json:"original_name_hash"`
	MIMEType         string `json:"mime_type,omitempty"`
}

// MoveLinkRequest is the body for PUT /api/v1/shares/{shareID}/links/{linkID}/move.
// The passphrase is re-sealed to the new parent's key by the caller.
type MoveLinkRequest struct {
	ParentID            string `json:"parent_id"`
	Name                []byte `json:"name"`
	NameHash            string `json:"name_hash"`
	Passphrase          []byte `json:"passphrase"`
	PassphraseSignature []byte `json:"passphrase_signature"`
	SignatureAddress    string `json:"signature_address"`
}

// LinkIDsRequest is the body for the batched trash/restore/delete endpoints.
type LinkIDsRequest struct {
	LinkIDs []string `json:"link_ids"`
}

// BatchFailure is one failed item of a batch operation.
type BatchFailure struct {
	LinkID string `json:"link_id"`
	Error  string `json:"error"`
	Code   int    `json:"code,omitempty"`
}

// BatchResponse is returned by batch operations; they never fail
// atomically.
type BatchResponse struct {
	Successes []string       `json:"successes"`
	Failures  []BatchFailure `json:"failures,omitempty"`
}

// EventsResponse is returned by GET /api/v1/shares/{shareID}/events/{cursor}.
type EventsResponse struct {
	EventID string  `json:"event_id"`
	Events  []Event `json:"events"`
	More    bool    `json:"more"`
	Refresh bool    `json:"refresh"`
}

// Event is one incremental change in a share's feed.
type Event struct {
	Type             int    `json:"type"` // 1 create, 2 update metadata, 3 delete
	LinkID           string `json:"link_id"`
	Link             *Link  `json:"link,omitempty"`
	RestoreCompleted bool   `json:"restore_completed,omitempty"`
}

// LatestEventResponse is returned by GET /api/v1/shares/{shareID}/events/latest.
type LatestEventResponse struct {
	EventID string `json:"event_id"`
}

// QuotaResponse is returned by GET /api/v1/quota.
type QuotaResponse struct {
	MaxSpace  int64 `json:"max_space"`
	UsedSpace int64 `json:"used_space"`
}

// AddressKeysResponse is returned by GET /api/v1/keys/{address}.
type AddressKeysResponse struct {
	Address          string    `json:"address"`
	VerificationKeys [][]byte  `json:"verification_keys"`
	FetchedAt        time.Time `json:"fetched_at,omitempty"`
}
