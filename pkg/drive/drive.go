// Package drive is the end-to-end-encrypted file tree client: a
// normalized metadata cache, lazy key resolution, per-share event sync,
// and bounded-concurrency upload and download engines behind one facade.
package drive

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/pomelo/internal/logging"
	"github.com/fruitsalade/pomelo/pkg/crypto"
	"github.com/fruitsalade/pomelo/pkg/models"
	"github.com/fruitsalade/pomelo/pkg/protocol"
)

// Options tunes the drive's engines.
type Options struct {
	EventPollInterval time.Duration
	EventConcurrency  int
	PageSize          int
	Upload            UploadConfig
	Download          DownloadConfig
}

// Drive ties the cache, resolver, sync engine and transfer engines
// together. All state flows through the cache; reads are served from it
// and the event feed keeps it fresh.
type Drive struct {
	Cache     *Cache
	Uploads   *UploadEngine
	Downloads *DownloadEngine

	client   Client
	identity Identity
	resolver *resolver
	sync     *syncEngine
	pageSize int
}

// New assembles a Drive. Call Init before anything else.
func New(client Client, identity Identity, opts Options) *Drive {
	if opts.PageSize <= 0 {
		opts.PageSize = 50
	}
	cache := NewCache()
	res := newResolver(cache, client, identity)
	d := &Drive{
		Cache:    cache,
		client:   client,
		identity: identity,
		resolver: res,
		sync:     newSyncEngine(cache, client, res, opts.EventPollInterval, opts.EventConcurrency),
		pageSize: opts.PageSize,
	}
	d.Uploads = newUploadEngine(cache, client, res, identity, opts.Upload)
	d.Downloads = newDownloadEngine(cache, client, res, opts.Download)
	d.sync.onRestore = func(ctx context.Context) {
		if err := d.refreshShares(ctx); err != nil {
			logging.Warn("refreshing shares after restore", logging.Err(err))
		}
	}
	return d
}

// Init loads the account's shares, bootstrapping a volume with a fresh
// key hierarchy when the account has none. It returns the default share
// id.
func (d *Drive) Init(ctx context.Context) (string, error) {
	if err := d.refreshShares(ctx); err != nil {
		return "", err
	}
	if id := d.Cache.DefaultShareID(); id != "" {
		d.sync.Subscribe(id)
		return id, nil
	}
	id, err := d.bootstrap(ctx)
	if err != nil {
		return "", err
	}
	d.sync.Subscribe(id)
	return id, nil
}

func (d *Drive) refreshShares(ctx context.Context) error {
	shares, err := d.client.Shares(ctx)
	if err != nil {
		return fmt.Errorf("listing shares: %w", err)
	}
	for _, share := range shares {
		d.Cache.SetShareMeta(share)
	}
	return nil
}

// bootstrap creates the initial volume: a share key pair sealed to the
// address key, and a root folder with its own node keys and hash key.
func (d *Drive) bootstrap(ctx context.Context) (string, error) {
	shareKeys, err := crypto.GenerateNodeKeys(d.identity.Pair().Public, d.identity.Signer())
	if err != nil {
		return "", err
	}
	rootKeys, err := crypto.GenerateNodeKeys(shareKeys.Pair.Public, d.identity.Signer())
	if err != nil {
		return "", err
	}
	rootHashKey, err := crypto.GenerateSecret()
	if err != nil {
		return "", err
	}
	encHashKey, err := crypto.WrapKey(rootKeys.Pair.Public, rootHashKey)
	if err != nil {
		return "", err
	}
	rootName, err := crypto.SealTo(shareKeys.Pair.Public, []byte("root"))
	if err != nil {
		return "", err
	}

	resp, err := d.client.CreateVolume(ctx, protocol.CreateVolumeRequest{
		AddressID:                 d.identity.AddressID(),
		ShareKey:                  shareKeys.Key,
		SharePassphrase:           shareKeys.Passphrase,
		SharePassphraseSignature:  shareKeys.PassphraseSignature,
		FolderName:                rootName,
		FolderKey:                 rootKeys.Key,
		FolderPassphrase:          rootKeys.Passphrase,
		FolderPassphraseSignature: rootKeys.PassphraseSignature,
		FolderHashKey:             encHashKey,
	})
	if err != nil {
		return "", fmt.Errorf("creating volume: %w", err)
	}

	logging.Info("bootstrapped volume",
		zap.String("volume_id", resp.VolumeID),
		zap.String("share_id", resp.ShareID))

	if err := d.refreshShares(ctx); err != nil {
		return "", err
	}
	d.Cache.SetShareKeys(resp.ShareID, ShareKeys{Passphrase: shareKeys.Secret, Pair: shareKeys.Pair})
	d.Cache.SetLinkKeyPair(resp.ShareID, resp.RootLinkID, rootKeys.Secret, rootKeys.Pair)
	d.Cache.SetLinkHashKey(resp.ShareID, resp.RootLinkID, rootHashKey)
	return resp.ShareID, nil
}

// RestoreLocked asks the server to restore every locked share's volume.
// Completion arrives later through the event feed.
func (d *Drive) RestoreLocked(ctx context.Context) error {
	for _, shareID := range d.Cache.LockedShareIDs() {
		share, ok := d.Cache.ShareMeta(shareID)
		if !ok {
			continue
		}
		if err := d.client.RestoreVolume(ctx, share.VolumeID, shareID); err != nil {
			return fmt.Errorf("restoring volume %s: %w", share.VolumeID, err)
		}
		logging.Info("volume restore started", zap.String("share_id", shareID))
	}
	return nil
}

// Close stops the event pollers. Pending transfers are left to finish;
// use the engines' Wait first when that matters.
func (d *Drive) Close() {
	d.sync.StopAll()
}

// ─── reads ──────────────────────────────────────────────────────────────────

// RootLinkID returns the root folder id of a share.
func (d *Drive) RootLinkID(shareID string) (string, error) {
	share, ok := d.Cache.ShareMeta(shareID)
	if !ok {
		return "", &models.NotFoundError{ShareID: shareID}
	}
	return share.RootLinkID, nil
}

// GetLink returns one decrypted link, from cache when present. Accessing
// a share lazily starts its event subscription.
func (d *Drive) GetLink(ctx context.Context, shareID, linkID string) (models.Link, error) {
	d.sync.Subscribe(shareID)
	return d.resolver.Link(ctx, shareID, linkID)
}

// Children returns the fully listed ordered children of a folder,
// fetching pages until the listing is complete.
func (d *Drive) Children(ctx context.Context, shareID, parentID string, sort models.SortParams) ([]models.Link, error) {
	it := d.ChildrenIterator(shareID, parentID, sort)
	var out []models.Link
	for {
		page, err := it.Next(ctx)
		if err != nil {
			return nil, err
		}
		if page == nil {
			return out, nil
		}
		out = append(out, page...)
	}
}

// ChildrenIterator pages through a folder's children in a stable order.
type ChildrenIterator struct {
	d        *Drive
	shareID  string
	parentID string
	sort     models.SortParams
	served   int
	done     bool
}

// ChildrenIterator starts a paged listing of parentID's children.
func (d *Drive) ChildrenIterator(shareID, parentID string, sort models.SortParams) *ChildrenIterator {
	d.sync.Subscribe(shareID)
	return &ChildrenIterator{d: d, shareID: shareID, parentID: parentID, sort: sort}
}

// Next returns the next page of children, or nil when exhausted. Pages
// already cached are served without a network round trip; the page
// number for a refetch is derived from how many listed entries the cache
// holds, so a partially cached listing resumes where it stopped.
func (it *ChildrenIterator) Next(ctx context.Context) ([]models.Link, error) {
	if it.done {
		return nil, nil
	}
	d := it.d

	ids := d.Cache.Children(it.shareID, it.parentID, it.sort)
	if it.served < len(ids) {
		page := ids[it.served:min(it.served+d.pageSize, len(ids))]
		it.served += len(page)
		return d.links(it.shareID, page), nil
	}
	if d.Cache.ChildrenComplete(it.shareID, it.parentID, it.sort) {
		it.done = true
		return nil, nil
	}

	pageNum := len(ids) / d.pageSize
	wire, err := d.client.Children(ctx, it.shareID, it.parentID, protocol.ChildrenRequest{
		Page:     pageNum,
		PageSize: d.pageSize,
		Sort:     string(it.sort.Field),
		Desc:     it.sort.Direction == models.SortDesc,
	})
	if err != nil {
		return nil, fmt.Errorf("listing children: %w", err)
	}

	links := make([]models.Link, 0, len(wire))
	for _, w := range wire {
		link, err := d.resolver.DecryptLink(ctx, it.shareID, w)
		if err != nil {
			logging.Warn("skipping undecryptable child",
				zap.String("link_id", w.ID), logging.Err(err))
			continue
		}
		links = append(links, link)
	}

	mode := ListIncremental
	if len(wire) < d.pageSize {
		mode = ListComplete
	}
	d.Cache.SetChildren(it.shareID, it.parentID, links, it.sort, mode)

	ids = d.Cache.Children(it.shareID, it.parentID, it.sort)
	if it.served >= len(ids) {
		it.done = true
		return nil, nil
	}
	page := ids[it.served:min(it.served+d.pageSize, len(ids))]
	it.served += len(page)
	return d.links(it.shareID, page), nil
}

// Folders returns a folder's child folders, for move-target pickers.
func (d *Drive) Folders(ctx context.Context, shareID, parentID string) ([]models.Link, error) {
	d.sync.Subscribe(shareID)
	if d.Cache.FoldersOnlyComplete(shareID, parentID) {
		return d.links(shareID, d.Cache.FoldersOnly(shareID, parentID)), nil
	}
	for page := 0; ; page++ {
		wire, err := d.client.Children(ctx, shareID, parentID, protocol.ChildrenRequest{
			Page:        page,
			PageSize:    d.pageSize,
			FoldersOnly: true,
		})
		if err != nil {
			return nil, fmt.Errorf("listing folders: %w", err)
		}
		links := make([]models.Link, 0, len(wire))
		for _, w := range wire {
			link, err := d.resolver.DecryptLink(ctx, shareID, w)
			if err != nil {
				logging.Warn("skipping undecryptable folder",
					zap.String("link_id", w.ID), logging.Err(err))
				continue
			}
			links = append(links, link)
		}
		mode := ListIncremental
		if len(wire) < d.pageSize {
			mode = ListComplete
		}
		d.Cache.SetFoldersOnly(shareID, parentID, links, mode)
		if mode == ListComplete {
			break
		}
	}
	return d.links(shareID, d.Cache.FoldersOnly(shareID, parentID)), nil
}

// TrashList returns the share's trash, paging until complete.
func (d *Drive) TrashList(ctx context.Context, shareID string) ([]models.Link, error) {
	d.sync.Subscribe(shareID)
	if !d.Cache.TrashComplete(shareID) {
		for page := 0; ; page++ {
			wire, err := d.client.Trash(ctx, shareID, page, d.pageSize)
			if err != nil {
				return nil, fmt.Errorf("listing trash: %w", err)
			}
			links := make([]models.Link, 0, len(wire))
			for _, w := range wire {
				link, err := d.resolver.DecryptLink(ctx, shareID, w)
				if err != nil {
					logging.Warn("skipping undecryptable trash entry",
						zap.String("link_id", w.ID), logging.Err(err))
					continue
				}
				links = append(links, link)
			}
			mode := ListIncremental
			if len(wire) < d.pageSize {
				mode = ListComplete
			}
			d.Cache.SetTrash(shareID, links, mode)
			if mode == ListComplete {
				break
			}
		}
	}
	return d.links(shareID, d.Cache.TrashIDs(shareID)), nil
}

// Quota returns the account's storage allowance and usage.
func (d *Drive) Quota(ctx context.Context) (models.Quota, error) {
	return d.client.Quota(ctx)
}

func (d *Drive) links(shareID string, ids []string) []models.Link {
	out := make([]models.Link, 0, len(ids))
	for _, id := range ids {
		if link, ok := d.Cache.Link(shareID, id); ok {
			out = append(out, link)
		}
	}
	return out
}

// ─── mutations ──────────────────────────────────────────────────────────────

// CreateFolder creates a folder under parentID and returns its id.
func (d *Drive) CreateFolder(ctx context.Context, shareID, parentID, name string) (string, error) {
	d.sync.Subscribe(shareID)
	return d.Uploads.CreateFolder(ctx, shareID, parentID, name)
}

// Rename changes a link's name in place. The server verifies the
// original name hash so concurrent renames fail loudly instead of
// silently clobbering each other.
func (d *Drive) Rename(ctx context.Context, shareID, linkID, newName string) error {
	if err := ValidateName(newName); err != nil {
		return err
	}
	link, err := d.resolver.Link(ctx, shareID, linkID)
	if err != nil {
		return err
	}
	parentPair, err := d.resolver.LinkKeyPair(ctx, shareID, link.ParentID)
	if err != nil {
		return err
	}
	hashKey, err := d.resolver.HashKey(ctx, shareID, link.ParentID)
	if err != nil {
		return err
	}

	encName, err := crypto.SealTo(parentPair.Public, []byte(newName))
	if err != nil {
		return err
	}
	req := protocol.RenameLinkRequest{
		Name:             encName,
		NameHash:         crypto.LookupHash(hashKey, newName),
		OriginalNameHash: link.NameHash,
	}
	if link.File != nil {
		req.MIMEType = link.File.MIMEType
	}
	if err := d.client.Rename(ctx, shareID, linkID, req); err != nil {
		return fmt.Errorf("renaming: %w", err)
	}

	link.Name = newName
	link.NameHash = req.NameHash
	link.EncryptedName = encName
	d.Cache.SetLinks(shareID, []models.Link{link}, false)
	return nil
}

// Move reparents a link, re-sealing its passphrase to the new parent's
// key. The link is locked in the cache for the duration so the UI shows
// it busy.
func (d *Drive) Move(ctx context.Context, shareID, linkID, newParentID string) error {
	link, err := d.resolver.Link(ctx, shareID, linkID)
	if err != nil {
		return err
	}
	if link.ParentID == newParentID {
		return nil
	}
	// Resolving the pair also populates the cached passphrase secret.
	if _, err := d.resolver.LinkKeyPair(ctx, shareID, linkID); err != nil {
		return err
	}
	secret := d.Cache.LinkKeys(shareID, linkID).Passphrase
	if secret == nil {
		return &models.MissingKeyError{ShareID: shareID, LinkID: linkID, Kind: "passphrase"}
	}
	newParentPair, err := d.resolver.LinkKeyPair(ctx, shareID, newParentID)
	if err != nil {
		return err
	}
	newHashKey, err := d.resolver.HashKey(ctx, shareID, newParentID)
	if err != nil {
		return err
	}

	d.Cache.SetLinksLocked(shareID, []string{linkID}, true)
	defer d.Cache.SetLinksLocked(shareID, []string{linkID}, false)

	sealed, err := crypto.SealTo(newParentPair.Public, secret)
	if err != nil {
		return err
	}
	encName, err := crypto.SealTo(newParentPair.Public, []byte(link.Name))
	if err != nil {
		return err
	}
	err = d.client.Move(ctx, shareID, linkID, protocol.MoveLinkRequest{
		ParentID:            newParentID,
		Name:                encName,
		NameHash:            crypto.LookupHash(newHashKey, link.Name),
		Passphrase:          sealed,
		PassphraseSignature: d.identity.Signer().Sign(secret),
		SignatureAddress:    d.identity.Address(),
	})
	if err != nil {
		return fmt.Errorf("moving: %w", err)
	}

	// Old location first, then the new one, mirroring the event order.
	d.Cache.DeleteLinks(shareID, []string{linkID}, true)
	link.ParentID = newParentID
	link.EncryptedName = encName
	link.NameHash = crypto.LookupHash(newHashKey, link.Name)
	d.Cache.SetChildren(shareID, newParentID, []models.Link{link}, models.DefaultSort, ListUnlisted)
	return nil
}

// MoveLinks moves several links to one destination, continuing past
// individual failures. The returned map holds the per-link errors.
func (d *Drive) MoveLinks(ctx context.Context, shareID string, linkIDs []string, newParentID string) map[string]error {
	failures := make(map[string]error)
	for _, id := range linkIDs {
		if err := d.Move(ctx, shareID, id, newParentID); err != nil {
			failures[id] = err
			logging.Warn("move failed",
				zap.String("link_id", id), logging.Err(err))
		}
	}
	return failures
}

// TrashLinks moves links to the trash. Partial failures are reported
// per link; the succeeded ones are applied to the cache immediately.
func (d *Drive) TrashLinks(ctx context.Context, shareID string, linkIDs []string) (map[string]error, error) {
	resp, err := d.client.TrashLinks(ctx, shareID, linkIDs)
	if err != nil {
		return nil, fmt.Errorf("trashing: %w", err)
	}
	now := time.Now().Unix()
	var trashed []models.Link
	for _, id := range resp.Successes {
		if link, ok := d.Cache.Link(shareID, id); ok {
			link.Trashed = now
			trashed = append(trashed, link)
		}
	}
	d.Cache.SetTrash(shareID, trashed, ListUnlisted)
	return batchFailures(resp), nil
}

// RestoreLinks restores trashed links to their previous parents.
func (d *Drive) RestoreLinks(ctx context.Context, shareID string, linkIDs []string) (map[string]error, error) {
	resp, err := d.client.RestoreLinks(ctx, shareID, linkIDs)
	if err != nil {
		return nil, fmt.Errorf("restoring: %w", err)
	}
	var restored []models.Link
	for _, id := range resp.Successes {
		if link, ok := d.Cache.Link(shareID, id); ok {
			link.Trashed = 0
			restored = append(restored, link)
		}
	}
	// Drop from trash, reappear under the old parents.
	d.Cache.DeleteLinks(shareID, resp.Successes, true)
	for _, link := range restored {
		d.Cache.SetChildren(shareID, link.ParentID, []models.Link{link}, models.DefaultSort, ListUnlisted)
	}
	return batchFailures(resp), nil
}

// DeleteLinks permanently deletes trashed links and their subtrees.
func (d *Drive) DeleteLinks(ctx context.Context, shareID string, linkIDs []string) (map[string]error, error) {
	resp, err := d.client.DeleteLinks(ctx, shareID, linkIDs)
	if err != nil {
		return nil, fmt.Errorf("deleting: %w", err)
	}
	d.Cache.DeleteLinks(shareID, resp.Successes, false)
	return batchFailures(resp), nil
}

// EmptyTrash asks the server to delete everything in the trash. The
// trash is locked locally until the deletion events arrive.
func (d *Drive) EmptyTrash(ctx context.Context, shareID string) error {
	if err := d.client.EmptyTrash(ctx, shareID); err != nil {
		return fmt.Errorf("emptying trash: %w", err)
	}
	d.Cache.LockTrash(shareID)
	return nil
}

func batchFailures(resp protocol.BatchResponse) map[string]error {
	if len(resp.Failures) == 0 {
		return nil
	}
	out := make(map[string]error, len(resp.Failures))
	for _, f := range resp.Failures {
		out[f.LinkID] = fmt.Errorf("%s (code %d)", f.Error, f.Code)
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
