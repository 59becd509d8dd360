package drive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sync"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/fruitsalade/pomelo/internal/logging"
	"github.com/fruitsalade/pomelo/internal/metrics"
	"github.com/fruitsalade/pomelo/pkg/crypto"
	"github.com/fruitsalade/pomelo/pkg/models"
	"github.com/fruitsalade/pomelo/pkg/protocol"
	"github.com/fruitsalade/pomelo/pkg/queue"
)

// DownloadConfig tunes the download engine.
type DownloadConfig struct {
	MaxBlocks     int // encrypted blocks in flight across all files
	MaxThumbnails int // concurrent thumbnail fetches
	PageSize      int // block list page size
}

func (c *DownloadConfig) defaults() {
	if c.MaxBlocks <= 0 {
		c.MaxBlocks = 10
	}
	if c.MaxThumbnails <= 0 {
		c.MaxThumbnails = 5
	}
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
}

// DownloadEngine streams decrypted file content with a bounded number of
// blocks in flight, and serves thumbnails through a separate smaller
// pool so list views stay responsive during large downloads.
type DownloadEngine struct {
	cache    *Cache
	client   Client
	resolver *resolver
	cfg      DownloadConfig

	blockSem *queue.Semaphore
	thumbSem *queue.Semaphore
	dedup    queue.Dedup

	mu        sync.Mutex
	transfers map[string]*transfer
	order     []string
	wg        sync.WaitGroup

	thumbMu     sync.Mutex
	thumbCtx    context.Context
	thumbCancel context.CancelFunc
}

func newDownloadEngine(cache *Cache, client Client, resolver *resolver, cfg DownloadConfig) *DownloadEngine {
	cfg.defaults()
	thumbCtx, thumbCancel := context.WithCancel(context.Background())
	return &DownloadEngine{
		cache:       cache,
		client:      client,
		resolver:    resolver,
		cfg:         cfg,
		blockSem:    queue.NewSemaphore(cfg.MaxBlocks),
		thumbSem:    queue.NewSemaphore(cfg.MaxThumbnails),
		transfers:   make(map[string]*transfer),
		thumbCtx:    thumbCtx,
		thumbCancel: thumbCancel,
	}
}

// DownloadFile streams the active revision of a file into dst. Blocks
// are fetched concurrently but flushed strictly in index order, so dst
// sees the plaintext sequentially.
func (e *DownloadEngine) DownloadFile(ctx context.Context, shareID, linkID string, dst io.Writer) error {
	link, err := e.resolver.Link(ctx, shareID, linkID)
	if err != nil {
		return err
	}
	if link.Type != models.LinkTypeFile {
		return &models.ValidationError{Name: link.Name, Reason: "not a file"}
	}

	t := e.track(ctx, link, shareID)
	defer e.wg.Done()
	defer t.cancel()

	err = e.downloadRevision(t.ctx, t, shareID, link, dst)
	switch {
	case err == nil:
		e.setState(t, models.TransferDone, nil)
	case models.IsCancel(err) || errors.Is(err, context.Canceled):
		e.setState(t, models.TransferCanceled, err)
	default:
		logging.Error("download failed",
			zap.String("link_id", linkID),
			zap.String("name", link.Name),
			logging.Err(err))
		e.setState(t, models.TransferError, err)
	}
	return err
}

// DownloadFolder mirrors a folder subtree into fs under root. Files
// download one at a time; block concurrency still applies within each.
func (e *DownloadEngine) DownloadFolder(ctx context.Context, shareID, linkID string, fs afero.Fs, root string) error {
	link, err := e.resolver.Link(ctx, shareID, linkID)
	if err != nil {
		return err
	}
	if link.Type != models.LinkTypeFolder {
		return &models.ValidationError{Name: link.Name, Reason: "not a folder"}
	}
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", root, err)
	}

	children, err := e.listFolder(ctx, shareID, linkID)
	if err != nil {
		return err
	}
	for _, child := range children {
		target := path.Join(root, child.Name)
		switch child.Type {
		case models.LinkTypeFolder:
			if err := e.DownloadFolder(ctx, shareID, child.ID, fs, target); err != nil {
				return err
			}
		case models.LinkTypeFile:
			out, err := fs.Create(target)
			if err != nil {
				return fmt.Errorf("creating %s: %w", target, err)
			}
			err = e.DownloadFile(ctx, shareID, child.ID, out)
			if closeErr := out.Close(); err == nil {
				err = closeErr
			}
			if err != nil {
				return err
			}
		}
	}
	return nil
}

// listFolder pages through a folder's children, skipping links that no
// longer decrypt.
func (e *DownloadEngine) listFolder(ctx context.Context, shareID, folderID string) ([]models.Link, error) {
	var out []models.Link
	for page := 0; ; page++ {
		wires, err := e.client.Children(ctx, shareID, folderID, protocol.ChildrenRequest{
			Page:     page,
			PageSize: e.cfg.PageSize,
		})
		if err != nil {
			return nil, fmt.Errorf("listing folder: %w", err)
		}
		for _, wire := range wires {
			link, err := e.resolver.DecryptLink(ctx, shareID, wire)
			if err != nil {
				logging.Warn("skipping undecryptable link",
					zap.String("link_id", wire.ID), logging.Err(err))
				continue
			}
			out = append(out, link)
		}
		if len(wires) < e.cfg.PageSize {
			return out, nil
		}
	}
}

type blockResult struct {
	index int
	data  []byte
	err   error
}

func (e *DownloadEngine) downloadRevision(ctx context.Context, t *transfer, shareID string, link models.Link, dst io.Writer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	revisionID := ""
	if link.File != nil {
		revisionID = link.File.ActiveRevisionID
	}
	if revisionID == "" {
		return &models.NotFoundError{ShareID: shareID, LinkID: link.ID}
	}

	sessionKey, err := e.resolver.SessionKey(ctx, shareID, link.ID)
	if err != nil {
		return err
	}

	revision, err := e.client.Revision(ctx, shareID, link.ID, revisionID)
	if err != nil {
		return fmt.Errorf("fetching revision: %w", err)
	}

	blocks, err := e.blockList(ctx, shareID, link.ID, revisionID)
	if err != nil {
		return err
	}

	if err := e.verifyManifest(ctx, revision, blocks); err != nil {
		return err
	}

	e.setState(t, models.TransferProgress, nil)
	metrics.RecordTransferStart("download")

	results := make([]chan blockResult, len(blocks))
	for i := range results {
		results[i] = make(chan blockResult, 1)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		for i, block := range blocks {
			if err := e.blockSem.Acquire(ctx); err != nil {
				results[i] <- blockResult{index: i, err: err}
				return
			}
			go func(i int, block protocol.Block) {
				defer e.blockSem.Release()
				data, err := e.fetchBlock(ctx, shareID, link.ID, revisionID, block)
				results[i] <- blockResult{index: i, data: data, err: err}
			}(i, block)
		}
	}()

	// In-order flush. A block is decrypted only once all lower-index
	// blocks have been written.
	for i := range results {
		var res blockResult
		select {
		case res = <-results[i]:
		case <-ctx.Done():
			return ctx.Err()
		}
		if res.err != nil {
			return res.err
		}
		plain, err := crypto.OpenSymmetric(sessionKey, res.data)
		if err != nil {
			return fmt.Errorf("decrypting block %d: %w", i+1, err)
		}
		if _, err := dst.Write(plain); err != nil {
			return fmt.Errorf("writing block %d: %w", i+1, err)
		}
		e.addProgress(t, int64(len(plain)))
		metrics.AddBytesDownloaded(int64(len(plain)))
	}
	return nil
}

// fetchBlock downloads one encrypted block, refetching the block list
// once when the pre-authorized URL has expired.
func (e *DownloadEngine) fetchBlock(ctx context.Context, shareID, linkID, revisionID string, block protocol.Block) ([]byte, error) {
	data, err := e.readBlock(ctx, block)
	if !models.IsNotFound(err) {
		return data, err
	}

	// Expired URL: the server invalidates download links after a while.
	fresh, listErr := e.blockList(ctx, shareID, linkID, revisionID)
	if listErr != nil {
		return nil, fmt.Errorf("refreshing expired block link: %w", listErr)
	}
	for _, candidate := range fresh {
		if candidate.Index == block.Index {
			return e.readBlock(ctx, candidate)
		}
	}
	return nil, err
}

func (e *DownloadEngine) readBlock(ctx context.Context, block protocol.Block) ([]byte, error) {
	rc, err := e.client.DownloadBlock(ctx, block)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("reading block %d: %w", block.Index, err)
	}
	if !bytes.Equal(crypto.BlockHash(data), block.Hash) {
		return nil, &models.SignatureError{What: fmt.Sprintf("block %d hash mismatch", block.Index)}
	}
	return data, nil
}

// blockList pages through the revision's blocks. A full page means there
// may be more.
func (e *DownloadEngine) blockList(ctx context.Context, shareID, linkID, revisionID string) ([]protocol.Block, error) {
	var all []protocol.Block
	for page := 0; ; page++ {
		blocks, err := e.client.RevisionBlocks(ctx, shareID, linkID, revisionID, page, e.cfg.PageSize)
		if err != nil {
			return nil, fmt.Errorf("listing blocks: %w", err)
		}
		all = append(all, blocks...)
		if len(blocks) < e.cfg.PageSize {
			return all, nil
		}
	}
}

// verifyManifest checks the revision's signed block-hash manifest
// against the blocks actually served.
func (e *DownloadEngine) verifyManifest(ctx context.Context, revision protocol.Revision, blocks []protocol.Block) error {
	hashes := make([][]byte, len(blocks))
	for i, b := range blocks {
		hashes[i] = b.Hash
	}
	manifest := crypto.Manifest(hashes)

	keys, err := e.resolver.verificationKeys(ctx, revision.SignatureAddress)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if crypto.Verify(key, manifest, revision.ManifestSignature) {
			return nil
		}
	}
	return &models.SignatureError{What: "revision manifest"}
}

// ─── thumbnails ─────────────────────────────────────────────────────────────

// Thumbnail fetches and decrypts a file's thumbnail. Concurrent requests
// for the same link and modification time share one fetch.
func (e *DownloadEngine) Thumbnail(ctx context.Context, shareID, linkID string) ([]byte, error) {
	link, err := e.resolver.Link(ctx, shareID, linkID)
	if err != nil {
		return nil, err
	}
	if link.File == nil || !link.File.HasThumbnail {
		return nil, &models.NotFoundError{ShareID: shareID, LinkID: linkID}
	}

	e.thumbMu.Lock()
	viewCtx := e.thumbCtx
	e.thumbMu.Unlock()

	key := fmt.Sprintf("thumbnail:%s:%s:%d", shareID, linkID, link.ModifyTime.Unix())
	data, err := e.dedup.Do(key, func() (interface{}, error) {
		if err := e.thumbSem.Acquire(ctx); err != nil {
			return nil, err
		}
		defer e.thumbSem.Release()
		select {
		case <-viewCtx.Done():
			return nil, &models.CancelError{Reason: "thumbnail view dismissed"}
		default:
		}
		return e.fetchThumbnail(ctx, shareID, link)
	})
	if err != nil {
		return nil, err
	}
	return data.([]byte), nil
}

func (e *DownloadEngine) fetchThumbnail(ctx context.Context, shareID string, link models.Link) ([]byte, error) {
	sessionKey, err := e.resolver.SessionKey(ctx, shareID, link.ID)
	if err != nil {
		return nil, err
	}
	revision, err := e.client.Revision(ctx, shareID, link.ID, link.File.ActiveRevisionID)
	if err != nil {
		return nil, fmt.Errorf("fetching revision: %w", err)
	}
	if revision.Thumbnail == nil {
		return nil, &models.NotFoundError{ShareID: shareID, LinkID: link.ID}
	}
	data, err := e.readBlock(ctx, *revision.Thumbnail)
	if err != nil {
		return nil, err
	}
	return crypto.OpenSymmetric(sessionKey, data)
}

// CancelThumbnails drops every queued thumbnail fetch, typically when
// the view that wanted them goes away. In-flight fetches finish.
func (e *DownloadEngine) CancelThumbnails() {
	e.thumbMu.Lock()
	defer e.thumbMu.Unlock()
	e.thumbCancel()
	e.thumbCtx, e.thumbCancel = context.WithCancel(context.Background())
}

// ─── transfer bookkeeping ───────────────────────────────────────────────────

// track registers a transfer whose context is canceled either with the
// caller's or through Cancel.
func (e *DownloadEngine) track(ctx context.Context, link models.Link, shareID string) *transfer {
	ctx, cancel := context.WithCancel(ctx)
	t := &transfer{
		meta: models.Transfer{
			ID:       ksuid.New().String(),
			Kind:     models.TransferFile,
			ShareID:  shareID,
			ParentID: link.ParentID,
			LinkID:   link.ID,
			Name:     link.Name,
			State:    models.TransferPending,
			Size:     link.Size,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	e.mu.Lock()
	e.transfers[t.meta.ID] = t
	e.order = append(e.order, t.meta.ID)
	e.mu.Unlock()
	e.wg.Add(1)
	return t
}

func (e *DownloadEngine) setState(t *transfer, state models.TransferState, err error) {
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
		if prev == models.TransferProgress {
			metrics.RecordTransferDone("download", state.String())
		}
	}
}

func (e *DownloadEngine) addProgress(t *transfer, n int64) {
	e.mu.Lock()
	t.meta.Done += n
	e.mu.Unlock()
}

// Cancel requests cancellation of one download. The transfer honors it
// at its next checkpoint.
func (e *DownloadEngine) Cancel(id string) {
	e.mu.Lock()
	t, ok := e.transfers[id]
	e.mu.Unlock()
	if ok {
		t.cancel()
	}
}

// Transfers returns a snapshot of all queued downloads in start order.
func (e *DownloadEngine) Transfers() []models.Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]models.Transfer, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.transfers[id].meta)
	}
	return out
}

// PendingWork reports whether any download is still running.
func (e *DownloadEngine) PendingWork() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, t := range e.transfers {
		if !t.meta.State.Terminal() {
			return true
		}
	}
	return false
}

// Wait blocks until all started downloads settle or ctx is done.
func (e *DownloadEngine) Wait(ctx context.Context) error {
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
