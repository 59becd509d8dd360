package drive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/fruitsalade/pomelo/internal/logging"
	"github.com/fruitsalade/pomelo/internal/metrics"
	"github.com/fruitsalade/pomelo/pkg/api"
	"github.com/fruitsalade/pomelo/pkg/crypto"
	"github.com/fruitsalade/pomelo/pkg/models"
	"github.com/fruitsalade/pomelo/pkg/protocol"
	"github.com/fruitsalade/pomelo/pkg/queue"
)

// Conflict describes a name collision handed to the ConflictHandler.
type Conflict struct {
	ShareID   string
	ParentID  string
	Name      string
	IsFolder  bool
	Suggested string // first server-side available rename candidate
}

// ConflictHandler decides how an upload name conflict is resolved.
type ConflictHandler func(ctx context.Context, c Conflict) (models.ConflictStrategy, error)

// UploadItem is one file handed to UploadFiles. Path may contain forward
// slashes; intermediate folders are created as needed.
type UploadItem struct {
	Path      string
	Size      int64
	MIMEType  string
	ModTime   time.Time
	Open      func() (io.ReadCloser, error)
	Thumbnail []byte
}

// UploadConfig tunes the upload engine.
type UploadConfig struct {
	MaxFolders       int   // concurrent folder creations
	MaxBlocks        int   // encrypted blocks in flight across all files
	BlockSize        int64 // plaintext bytes per block
	ConfirmThreshold int   // item count above which Confirm must approve
	HashCheckBatch   int   // candidate hashes probed per round
}

func (c *UploadConfig) defaults() {
	if c.MaxFolders <= 0 {
		c.MaxFolders = 5
	}
	if c.MaxBlocks <= 0 {
		c.MaxBlocks = 10
	}
	if c.BlockSize <= 0 {
		c.BlockSize = 4 * 1024 * 1024
	}
	if c.ConfirmThreshold <= 0 {
		c.ConfirmThreshold = 500
	}
	if c.HashCheckBatch <= 0 {
		c.HashCheckBatch = 10
	}
}

// UploadEngine is the bounded-concurrency queue that creates nodes,
// negotiates conflicts, uploads content blocks, and finalizes revisions.
type UploadEngine struct {
	cache    *Cache
	client   Client
	resolver *resolver
	identity Identity
	cfg      UploadConfig

	// Conflict decides name collisions; nil means conflicts fail.
	Conflict ConflictHandler
	// Confirm approves batches above the item-count threshold; nil
	// means large batches are rejected.
	Confirm func(count int) bool

	folderSem   *queue.Semaphore
	blockSem    *queue.Semaphore
	folderQueue *queue.Named
	nameProbe   *queue.Semaphore

	mu            sync.Mutex
	transfers     map[string]*transfer
	order         []string
	inFlightBytes int64
	wg            sync.WaitGroup
}

type transfer struct {
	meta   models.Transfer
	ctx    context.Context
	cancel context.CancelFunc
}

func newUploadEngine(cache *Cache, client Client, resolver *resolver, identity Identity, cfg UploadConfig) *UploadEngine {
	cfg.defaults()
	return &UploadEngine{
		cache:       cache,
		client:      client,
		resolver:    resolver,
		identity:    identity,
		cfg:         cfg,
		folderSem:   queue.NewSemaphore(cfg.MaxFolders),
		blockSem:    queue.NewSemaphore(cfg.MaxBlocks),
		folderQueue: queue.NewNamed(1),
		nameProbe:   queue.NewSemaphore(5),
		transfers:   make(map[string]*transfer),
	}
}

// UploadFiles enqueues a batch of files under a parent folder. The whole
// batch is rejected with a CapacityError when its total size plus bytes
// already in flight would exceed the quota; nothing is partially
// admitted. Batches above the confirmation threshold need Confirm.
func (e *UploadEngine) UploadFiles(ctx context.Context, shareID, parentID string, items []UploadItem) ([]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	for _, item := range items {
		for _, part := range strings.Split(item.Path, "/") {
			if err := ValidateName(part); err != nil {
				return nil, err
			}
		}
	}

	var total int64
	for _, item := range items {
		total += item.Size
	}
	quota, err := e.client.Quota(ctx)
	if err != nil {
		return nil, fmt.Errorf("refreshing quota: %w", err)
	}
	e.mu.Lock()
	inFlight := e.inFlightBytes
	e.mu.Unlock()
	available := quota.MaxSpace - quota.UsedSpace - inFlight
	if total > available {
		return nil, &models.CapacityError{Needed: total, Available: max64(available, 0)}
	}

	if len(items) > e.cfg.ConfirmThreshold {
		if e.Confirm == nil || !e.Confirm(len(items)) {
			return nil, &models.CancelError{Reason: "large batch not confirmed"}
		}
	}

	// Nested paths share folder creations; each distinct directory is
	// resolved once per batch.
	folders := &folderResolutions{targets: make(map[string]*folderResolution)}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		t := e.admit(item, shareID, parentID)
		ids = append(ids, t.meta.ID)
		e.wg.Add(1)
		go e.runFile(t, shareID, parentID, item, folders)
	}
	return ids, nil
}

// admit registers a transfer in Pending state and reserves its bytes.
func (e *UploadEngine) admit(item UploadItem, shareID, parentID string) *transfer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &transfer{
		meta: models.Transfer{
			ID:       ksuid.New().String(),
			Kind:     models.TransferFile,
			ShareID:  shareID,
			ParentID: parentID,
			Name:     item.Path,
			State:    models.TransferPending,
			Size:     item.Size,
		},
		cancel: cancel,
	}
	t.ctx = ctx
	e.mu.Lock()
	e.transfers[t.meta.ID] = t
	e.order = append(e.order, t.meta.ID)
	e.inFlightBytes += item.Size
	e.mu.Unlock()
	return t
}

func (e *UploadEngine) runFile(t *transfer, shareID, parentID string, item UploadItem, folders *folderResolutions) {
	defer e.wg.Done()
	defer func() {
		e.mu.Lock()
		e.inFlightBytes -= item.Size - t.meta.Done
		e.mu.Unlock()
	}()

	err := e.uploadFile(t.ctx, t, shareID, parentID, item, folders)
	switch {
	case err == nil:
		e.setState(t, models.TransferDone, nil)
	case models.IsCancel(err) || errors.Is(err, context.Canceled):
		e.setState(t, models.TransferCanceled, err)
	default:
		logging.Error("upload failed",
			zap.String("transfer_id", t.meta.ID),
			zap.String("name", item.Path),
			logging.Err(err))
		e.setState(t, models.TransferError, err)
	}
}

func (e *UploadEngine) uploadFile(ctx context.Context, t *transfer, shareID, parentID string, item UploadItem, folders *folderResolutions) error {
	dir, base := splitPath(item.Path)
	if dir != "" {
		var err error
		parentID, err = e.resolveFolderPath(ctx, shareID, parentID, dir, folders)
		if err != nil {
			return err
		}
	}

	// Admission to the block governor is per block; state flips to
	// Progress synchronously here so slot accounting stays race-free.
	e.setState(t, models.TransferProgress, nil)
	metrics.RecordTransferStart("upload")

	target, err := e.prepareFile(ctx, shareID, parentID, base, item)
	if err != nil {
		return err
	}
	e.mu.Lock()
	t.meta.LinkID = target.linkID
	t.meta.Resolution = target.resolution
	e.mu.Unlock()
	if target.skipped {
		return &models.CancelError{Reason: "skipped by conflict resolution"}
	}

	err = e.uploadContent(ctx, t, shareID, target, item)
	if err != nil {
		e.cleanupDraft(shareID, target)
		return err
	}
	return nil
}

// fileTarget is the draft node a file upload writes into.
type fileTarget struct {
	linkID             string
	revisionID         string
	previousRevisionID string
	createdLink        bool // a brand-new draft link vs a revision on an existing one
	keys               *crypto.NodeKeys
	sessionKey         []byte
	contentKeyPacket   []byte
	name               string
	nameHash           string
	parentID           string
	skipped            bool
	resolution         models.ConflictStrategy
}

// prepareFile finds an available name (or a conflict resolution) and
// creates the draft link or revision.
func (e *UploadEngine) prepareFile(ctx context.Context, shareID, parentID, name string, item UploadItem) (*fileTarget, error) {
	parentKeys, err := e.resolver.LinkKeyPair(ctx, shareID, parentID)
	if err != nil {
		return nil, err
	}
	hashKey, err := e.resolver.HashKey(ctx, shareID, parentID)
	if err != nil {
		return nil, err
	}

	chosen, conflict, err := e.findAvailableName(ctx, shareID, parentID, hashKey, name)
	if err != nil {
		return nil, err
	}

	target := &fileTarget{parentID: parentID, name: chosen}
	if conflict != nil {
		strategy, err := e.resolveConflict(ctx, Conflict{
			ShareID:   shareID,
			ParentID:  parentID,
			Name:      name,
			Suggested: chosen,
		})
		if err != nil {
			return nil, err
		}
		target.resolution = strategy
		metrics.RecordConflict(strategy.String())
		switch strategy {
		case models.ConflictSkip:
			target.skipped = true
			return target, nil
		case models.ConflictRename:
			// keep the suggested name
		case models.ConflictReplace:
			target.name = name
			return e.prepareReplace(ctx, shareID, parentID, name, hashKey, conflict, target, item)
		case models.ConflictMerge:
			return nil, &models.ValidationError{Name: name, Reason: "merge applies to folders only"}
		}
	}

	target.nameHash = crypto.LookupHash(hashKey, target.name)
	keys, err := crypto.GenerateNodeKeys(parentKeys.Public, e.identity.Signer())
	if err != nil {
		return nil, err
	}
	sessionKey, err := crypto.GenerateSecret()
	if err != nil {
		return nil, err
	}
	packet, err := crypto.WrapKey(keys.Pair.Public, sessionKey)
	if err != nil {
		return nil, err
	}
	encName, err := crypto.SealTo(parentKeys.Public, []byte(target.name))
	if err != nil {
		return nil, err
	}

	resp, err := e.client.CreateFile(ctx, shareID, protocol.CreateFileRequest{
		ParentID:            parentID,
		Name:                encName,
		NameHash:            target.nameHash,
		Key:                 keys.Key,
		Passphrase:          keys.Passphrase,
		PassphraseSignature: keys.PassphraseSignature,
		SignatureAddress:    e.identity.Address(),
		ContentKeyPacket:    packet,
		MIMEType:            item.MIMEType,
	})
	if err != nil {
		return nil, fmt.Errorf("creating draft: %w", err)
	}

	target.linkID = resp.ID
	target.revisionID = resp.RevisionID
	target.createdLink = true
	target.keys = keys
	target.sessionKey = sessionKey
	target.contentKeyPacket = packet
	return target, nil
}

// prepareReplace opens a new revision on the existing file instead of
// creating a sibling draft.
func (e *UploadEngine) prepareReplace(ctx context.Context, shareID, parentID, name string, hashKey []byte, conflict *models.ConflictError, target *fileTarget, item UploadItem) (*fileTarget, error) {
	existing := conflict.Existing
	if existing == nil || existing.Type != models.LinkTypeFile {
		return nil, &models.UploadUserError{Err: fmt.Errorf("cannot replace %q: existing entry is not a file", name)}
	}

	revisionID, err := e.client.CreateRevision(ctx, shareID, existing.ID)
	if err != nil {
		if api.ErrorCode(err) == protocol.CodeDraftNotUploaded {
			return nil, &models.UploadUserError{Err: fmt.Errorf("the original %q has not finished uploading yet, try again later", name)}
		}
		return nil, fmt.Errorf("creating replacement revision: %w", err)
	}

	pair, err := e.resolver.LinkKeyPair(ctx, shareID, existing.ID)
	if err != nil {
		return nil, err
	}
	sessionKey, err := e.resolver.SessionKey(ctx, shareID, existing.ID)
	if err != nil {
		return nil, err
	}

	target.linkID = existing.ID
	target.revisionID = revisionID
	if existing.File != nil {
		target.previousRevisionID = existing.File.ActiveRevisionID
		target.contentKeyPacket = existing.File.ContentKeyPacket
	}
	target.keys = &crypto.NodeKeys{Pair: pair}
	target.sessionKey = sessionKey
	target.nameHash = crypto.LookupHash(hashKey, name)
	return target, nil
}

// findAvailableName probes candidate hashes in batches and returns the
// first available candidate. A non-nil conflict means the original name
// is taken; the candidate is then only a suggestion.
func (e *UploadEngine) findAvailableName(ctx context.Context, shareID, parentID string, hashKey []byte, name string) (string, *models.ConflictError, error) {
	if err := e.nameProbe.Acquire(ctx); err != nil {
		return "", nil, err
	}
	defer e.nameProbe.Release()

	originalHash := crypto.LookupHash(hashKey, name)
	start := 0
	for {
		hashes := make([]string, 0, e.cfg.HashCheckBatch)
		byHash := make(map[string]string, e.cfg.HashCheckBatch)
		for i := 0; i < e.cfg.HashCheckBatch; i++ {
			candidate := AdjustName(name, start+i)
			hash := crypto.LookupHash(hashKey, candidate)
			hashes = append(hashes, hash)
			byHash[hash] = candidate
		}

		resp, err := e.client.CheckHashes(ctx, shareID, parentID, hashes)
		if err != nil {
			return "", nil, fmt.Errorf("probing name hashes: %w", err)
		}

		available := make(map[string]struct{}, len(resp.AvailableHashes))
		for _, h := range resp.AvailableHashes {
			available[h] = struct{}{}
		}
		for i, h := range hashes {
			if _, ok := available[h]; !ok {
				continue
			}
			candidate := byHash[h]
			if start == 0 && i == 0 {
				// Original name is free.
				return candidate, nil, nil
			}
			conflict := &models.ConflictError{ShareID: shareID, ParentID: parentID, Name: name}
			if existing := e.findExisting(shareID, parentID, originalHash, name); existing != nil {
				conflict.Existing = existing
			}
			return candidate, conflict, nil
		}
		start += e.cfg.HashCheckBatch
		if start > 10*e.cfg.HashCheckBatch {
			return "", nil, fmt.Errorf("no available name for %q after %d candidates", name, start)
		}
	}
}

// findExisting looks up the cached sibling occupying the original name.
func (e *UploadEngine) findExisting(shareID, parentID, nameHash, name string) *models.Link {
	for _, id := range e.cache.Children(shareID, parentID, models.DefaultSort) {
		link, ok := e.cache.Link(shareID, id)
		if !ok {
			continue
		}
		if link.NameHash == nameHash || strings.EqualFold(link.Name, name) {
			return &link
		}
	}
	return nil
}

func (e *UploadEngine) resolveConflict(ctx context.Context, c Conflict) (models.ConflictStrategy, error) {
	if e.Conflict == nil {
		return 0, &models.ConflictError{ShareID: c.ShareID, ParentID: c.ParentID, Name: c.Name}
	}
	return e.Conflict(ctx, c)
}

// uploadContent encrypts and uploads the blocks, then finalizes the
// revision with the signed manifest.
func (e *UploadEngine) uploadContent(ctx context.Context, t *transfer, shareID string, target *fileTarget, item UploadItem) error {
	reader, err := item.Open()
	if err != nil {
		return fmt.Errorf("opening source: %w", err)
	}
	defer reader.Close()

	type sealedBlock struct {
		index int
		data  []byte
		hash  []byte
	}

	var blocks []sealedBlock
	var blockSizes []int64
	for index := 1; ; index++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		buf := make([]byte, e.cfg.BlockSize)
		n, readErr := io.ReadFull(reader, buf)
		if n > 0 {
			sealed, err := crypto.SealSymmetric(target.sessionKey, buf[:n])
			if err != nil {
				return fmt.Errorf("encrypting block %d: %w", index, err)
			}
			blocks = append(blocks, sealedBlock{index: index, data: sealed, hash: crypto.BlockHash(sealed)})
			blockSizes = append(blockSizes, int64(n))
		}
		if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("reading source: %w", readErr)
		}
	}

	req := protocol.RequestUploadRequest{}
	for _, b := range blocks {
		req.Blocks = append(req.Blocks, protocol.UploadBlockRequest{Index: b.index, Size: int64(len(b.data)), Hash: b.hash})
	}
	var sealedThumb []byte
	if len(item.Thumbnail) > 0 {
		sealedThumb, err = crypto.SealSymmetric(target.sessionKey, item.Thumbnail)
		if err != nil {
			return fmt.Errorf("encrypting thumbnail: %w", err)
		}
		req.Thumbnail = &protocol.UploadBlockRequest{Size: int64(len(sealedThumb)), Hash: crypto.BlockHash(sealedThumb)}
	}

	links, err := e.client.RequestUpload(ctx, shareID, target.linkID, target.revisionID, req)
	if err != nil {
		return fmt.Errorf("requesting upload links: %w", err)
	}
	if len(links.UploadLinks) != len(blocks) {
		return fmt.Errorf("got %d upload links for %d blocks", len(links.UploadLinks), len(blocks))
	}

	// Bounded block fan-out; the governor is shared across all active
	// uploads so total block load stays capped.
	var wg sync.WaitGroup
	errCh := make(chan error, len(blocks)+1)
	tokens := make([]string, len(blocks))
	for i, b := range blocks {
		if err := e.blockSem.Acquire(ctx); err != nil {
			errCh <- err
			break
		}
		wg.Add(1)
		go func(i int, b sealedBlock, link protocol.UploadLink) {
			defer wg.Done()
			defer e.blockSem.Release()
			if err := e.client.UploadBlock(ctx, link, bytes.NewReader(b.data), int64(len(b.data))); err != nil {
				errCh <- err
				return
			}
			tokens[i] = link.Token
			e.addProgress(t, blockSizes[i])
		}(i, b, links.UploadLinks[i])
	}
	if sealedThumb != nil && links.ThumbnailLink != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := e.client.UploadBlock(ctx, *links.ThumbnailLink, bytes.NewReader(sealedThumb), int64(len(sealedThumb))); err != nil {
				errCh <- err
			}
		}()
	}
	wg.Wait()
	select {
	case err := <-errCh:
		return err
	default:
	}

	e.setState(t, models.TransferFinalizing, nil)
	hashes := make([][]byte, len(blocks))
	for i, b := range blocks {
		hashes[i] = b.hash
	}
	return e.finalize(ctx, shareID, target, item, hashes, tokens, blockSizes)
}

// finalize commits the signed block manifest with extended attributes and
// retires the replaced revision.
func (e *UploadEngine) finalize(ctx context.Context, shareID string, target *fileTarget, item UploadItem, hashes [][]byte, tokens []string, blockSizes []int64) error {
	manifest := crypto.Manifest(hashes)
	signature := e.identity.Signer().Sign(manifest)

	xattr, err := e.sealXAttr(target, item, blockSizes)
	if err != nil {
		return err
	}

	err = e.client.CommitRevision(ctx, shareID, target.linkID, target.revisionID, protocol.CommitRevisionRequest{
		BlockTokens:       tokens,
		ManifestSignature: signature,
		SignatureAddress:  e.identity.Address(),
		XAttr:             xattr,
	})
	if err != nil {
		return fmt.Errorf("committing revision: %w", err)
	}

	// Only one revision is retained; delete the replaced one after the
	// commit so a failed commit never loses content.
	if target.previousRevisionID != "" {
		if err := e.client.DeleteRevision(ctx, shareID, target.linkID, target.previousRevisionID); err != nil {
			logging.Warn("deleting replaced revision failed",
				zap.String("link_id", target.linkID),
				zap.String("revision_id", target.previousRevisionID),
				logging.Err(err))
		}
	}

	e.cache.SetChildren(shareID, target.parentID, []models.Link{{
		ID:         target.linkID,
		ParentID:   target.parentID,
		Type:       models.LinkTypeFile,
		Name:       target.name,
		NameHash:   target.nameHash,
		Size:       item.Size,
		ModifyTime: item.ModTime,
		File: &models.FileProperties{
			ActiveRevisionID: target.revisionID,
			ContentKeyPacket: target.contentKeyPacket,
			HasThumbnail:     len(item.Thumbnail) > 0,
			MIMEType:         item.MIMEType,
		},
	}}, models.DefaultSort, ListUnlistedCreate)
	if target.keys != nil && target.keys.Secret != nil {
		e.cache.SetLinkKeyPair(shareID, target.linkID, target.keys.Secret, target.keys.Pair)
		e.cache.SetLinkSessionKey(shareID, target.linkID, target.sessionKey)
	}
	return nil
}

func (e *UploadEngine) sealXAttr(target *fileTarget, item UploadItem, blockSizes []int64) ([]byte, error) {
	attrs := models.XAttr{
		ModificationTime: item.ModTime,
		Size:             item.Size,
		BlockSizes:       blockSizes,
	}
	plain, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("encoding xattr: %w", err)
	}
	if target.keys == nil || target.keys.Pair == nil {
		return nil, nil
	}
	sealed, err := crypto.SealTo(target.keys.Pair.Public, plain)
	if err != nil {
		return nil, fmt.Errorf("sealing xattr: %w", err)
	}
	return sealed, nil
}

// cleanupDraft deletes the orphaned draft link or revision after a failed
// upload. Best-effort: failures are logged, never re-raised.
func (e *UploadEngine) cleanupDraft(shareID string, target *fileTarget) {
	if target == nil || target.revisionID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	var err error
	if target.createdLink {
		err = e.client.DeleteLink(ctx, shareID, target.linkID)
	} else {
		err = e.client.DeleteRevision(ctx, shareID, target.linkID, target.revisionID)
	}
	if err != nil {
		logging.Warn("draft cleanup failed",
			zap.String("link_id", target.linkID),
			zap.Bool("created_link", target.createdLink),
			logging.Err(err))
	}
}

// ─── transfer bookkeeping ───────────────────────────────────────────────────

func (e *UploadEngine) setState(t *transfer, state models.TransferState, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if t.meta.State.Terminal() {
		return
	}
	prev := t.meta.State
	t.meta.State = state
	switch state {
	case models.TransferProgress:
		t.meta.StartedAt = time.Now()
	case models.TransferDone, models.TransferCanceled, models.TransferError:
		t.meta.FinishedAt = time.Now()
		if err != nil {
			t.meta.Err = err.Error()
		}
		if prev == models.TransferProgress || prev == models.TransferFinalizing {
			metrics.RecordTransferDone("upload", state.String())
		}
	}
}

func (e *UploadEngine) addProgress(t *transfer, n int64) {
	e.mu.Lock()
	t.meta.Done += n
	e.inFlightBytes -= n
	e.mu.Unlock()
}

// Transfers returns a snapshot of all queued transfers in admission order.
func (e *UploadEngine) Transfers() []models.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Transfer, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.transfers[id].meta)
	}
	return out
}

// Cancel requests cancellation of one transfer. The transfer honors it at
// its next checkpoint.
func (e *UploadEngine) Cancel(id string) {
	e.mu.Lock()
	t, ok := e.transfers[id]
	e.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Remove drops a terminal transfer from the queue. Active transfers stay
// visible until canceled or finished.
func (e *UploadEngine) Remove(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.transfers[id]
	if !ok || !t.meta.State.Terminal() {
		return
	}
	delete(e.transfers, id)
	for i, tid := range e.order {
		if tid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
}

// PendingWork reports whether any transfer is still running; hosts must
// not shut down silently while it is true.
func (e *UploadEngine) PendingWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.transfers {
		if !t.meta.State.Terminal() {
			return true
		}
	}
	return false
}

// Wait blocks until all admitted transfers settle or ctx is done.
func (e *UploadEngine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func splitPath(path string) (dir, base string) {
	idx := strings.LastIndex(path, "/")
	if idx < 0 {
		return "", path
	}
	return path[:idx], path[idx+1:]
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
