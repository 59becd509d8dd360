package drive

import (
	"context"
	"io"

	"github.com/fruitsalade/pomelo/pkg/crypto"
	"github.com/fruitsalade/pomelo/pkg/models"
	"github.com/fruitsalade/pomelo/pkg/protocol"
)

// Client is the network collaborator the engines call. *api.Client
// implements it; tests substitute fakes.
type Client interface {
	Shares(ctx context.Context) ([]models.Share, error)
	Share(ctx context.Context, shareID string) (models.Share, error)
	CreateVolume(ctx context.Context, req protocol.CreateVolumeRequest) (protocol.CreateVolumeResponse, error)
	RestoreVolume(ctx context.Context, volumeID, lockedShareID string) error
	DeleteShare(ctx context.Context, shareID string) error
	Quota(ctx context.Context) (models.Quota, error)

	Link(ctx context.Context, shareID, linkID string) (protocol.Link, error)
	Children(ctx context.Context, shareID, linkID string, req protocol.ChildrenRequest) ([]protocol.Link, error)
	Trash(ctx context.Context, shareID string, page, pageSize int) ([]protocol.Link, error)
	CreateFolder(ctx context.Context, shareID string, req protocol.CreateFolderRequest) (string, error)
	CheckHashes(ctx context.Context, shareID, parentID string, hashes []string) (protocol.CheckHashesResponse, error)
	Rename(ctx context.Context, shareID, linkID string, req protocol.RenameLinkRequest) error
	Move(ctx context.Context, shareID, linkID string, req protocol.MoveLinkRequest) error
	TrashLinks(ctx context.Context, shareID string, linkIDs []string) (protocol.BatchResponse, error)
	RestoreLinks(ctx context.Context, shareID string, linkIDs []string) (protocol.BatchResponse, error)
	DeleteLinks(ctx context.Context, shareID string, linkIDs []string) (protocol.BatchResponse, error)
	EmptyTrash(ctx context.Context, shareID string) error
	DeleteLink(ctx context.Context, shareID, linkID string) error

	CreateFile(ctx context.Context, shareID string, req protocol.CreateFileRequest) (protocol.CreateFileResponse, error)
	CreateRevision(ctx context.Context, shareID, linkID string) (string, error)
	Revision(ctx context.Context, shareID, linkID, revisionID string) (protocol.Revision, error)
	RevisionBlocks(ctx context.Context, shareID, linkID, revisionID string, page, pageSize int) ([]protocol.Block, error)
	RequestUpload(ctx context.Context, shareID, linkID, revisionID string, req protocol.RequestUploadRequest) (protocol.RequestUploadResponse, error)
	UploadBlock(ctx context.Context, link protocol.UploadLink, data io.Reader, size int64) error
	DownloadBlock(ctx context.Context, block protocol.Block) (io.ReadCloser, error)
	CommitRevision(ctx context.Context, shareID, linkID, revisionID string, req protocol.CommitRevisionRequest) error
	DeleteRevision(ctx context.Context, shareID, linkID, revisionID string) error

	LatestEventID(ctx context.Context, shareID string) (string, error)
	Events(ctx context.Context, shareID, cursor string) (protocol.EventsResponse, error)
	AddressKeys(ctx context.Context, address string) (protocol.AddressKeysResponse, error)
}

// Identity supplies the account's address key material.
type Identity interface {
	// AddressID is the server-side id of the primary address.
	AddressID() string
	// Address is the signer address string attached to signatures.
	Address() string
	// Pair is the address box key pair; share passphrases are sealed to it.
	Pair() *crypto.KeyPair
	// Signer is the address signing key.
	Signer() *crypto.Signer
}

// StaticIdentity is an in-memory Identity, enough for a single-address
// client.
type StaticIdentity struct {
	ID      string
	Addr    string
	BoxPair *crypto.KeyPair
	SignKey *crypto.Signer
}

func (s *StaticIdentity) AddressID() string      { return s.ID }
func (s *StaticIdentity) Address() string        { return s.Addr }
func (s *StaticIdentity) Pair() *crypto.KeyPair  { return s.BoxPair }
func (s *StaticIdentity) Signer() *crypto.Signer { return s.SignKey }
