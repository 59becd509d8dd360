package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fruitsalade/pomelo/internal/metrics"
	"github.com/fruitsalade/pomelo/pkg/models"
	"github.com/fruitsalade/pomelo/pkg/protocol"
	"github.com/fruitsalade/pomelo/pkg/retry"
)

// Shares lists the account's shares, locked ones included.
func (c *Client) Shares(ctx context.Context) ([]models.Share, error) {
	resp, err := doDeduped[protocol.ShareListResponse](c, ctx, "/api/v1/shares")
	if err != nil {
		return nil, fmt.Errorf("listing shares: %w", err)
	}
	return resp.Shares, nil
}

// Share fetches one share's metadata.
func (c *Client) Share(ctx context.Context, shareID string) (models.Share, error) {
	resp, err := doDeduped[protocol.ShareResponse](c, ctx, "/api/v1/shares/"+url.PathEscape(shareID))
	if err != nil {
		return models.Share{}, fmt.Errorf("fetching share %s: %w", shareID, err)
	}
	return resp.Share, nil
}

// CreateVolume bootstraps a volume, its primary share, and the root folder.
func (c *Client) CreateVolume(ctx context.Context, req protocol.CreateVolumeRequest) (protocol.CreateVolumeResponse, error) {
	var resp protocol.CreateVolumeResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/volumes", req, &resp); err != nil {
		return resp, fmt.Errorf("creating volume: %w", err)
	}
	return resp, nil
}

// RestoreVolume starts recovery of a locked share into a fresh volume.
func (c *Client) RestoreVolume(ctx context.Context, volumeID, lockedShareID string) error {
	path := "/api/v1/volumes/" + url.PathEscape(volumeID) + "/restore"
	req := protocol.RestoreVolumeRequest{LockedShareID: lockedShareID}
	if err := c.do(ctx, http.MethodPost, path, req, nil); err != nil {
		return fmt.Errorf("restoring volume %s: %w", volumeID, err)
	}
	return nil
}

// DeleteShare removes a share that no longer owns live data.
func (c *Client) DeleteShare(ctx context.Context, shareID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/v1/shares/"+url.PathEscape(shareID), nil, nil); err != nil {
		return fmt.Errorf("deleting share %s: %w", shareID, err)
	}
	return nil
}

// Quota fetches the account's space allowance and usage.
func (c *Client) Quota(ctx context.Context) (models.Quota, error) {
	resp, err := doDeduped[protocol.QuotaResponse](c, ctx, "/api/v1/quota")
	if err != nil {
		return models.Quota{}, fmt.Errorf("fetching quota: %w", err)
	}
	return models.Quota{MaxSpace: resp.MaxSpace, UsedSpace: resp.UsedSpace}, nil
}

// Link fetches one link's encrypted metadata.
func (c *Client) Link(ctx context.Context, shareID, linkID string) (protocol.Link, error) {
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/links/" + url.PathEscape(linkID)
	resp, err := doDeduped[protocol.LinkResponse](c, ctx, path)
	if err != nil {
		return protocol.Link{}, fmt.Errorf("fetching link %s: %w", linkID, err)
	}
	return resp.Link, nil
}

// Children fetches one page of a folder's child links.
func (c *Client) Children(ctx context.Context, shareID, linkID string, req protocol.ChildrenRequest) ([]protocol.Link, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(req.Page))
	q.Set("page_size", strconv.Itoa(req.PageSize))
	if req.Sort != "" {
		q.Set("sort", req.Sort)
	}
	if req.Desc {
		q.Set("desc", "1")
	}
	if req.FoldersOnly {
		q.Set("folders_only", "1")
	}
	if req.Thumbnails {
		q.Set("thumbnails", "1")
	}
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/folders/" + url.PathEscape(linkID) + "/children?" + q.Encode()
	resp, err := doDeduped[protocol.ChildrenResponse](c, ctx, path)
	if err != nil {
		return nil, fmt.Errorf("listing children of %s: %w", linkID, err)
	}
	return resp.Links, nil
}

// Trash fetches one page of a share's trashed links.
func (c *Client) Trash(ctx context.Context, shareID string, page, pageSize int) ([]protocol.Link, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/trash?" + q.Encode()
	resp, err := doDeduped[protocol.TrashResponse](c, ctx, path)
	if err != nil {
		return nil, fmt.Errorf("listing trash of share %s: %w", shareID, err)
	}
	return resp.Links, nil
}

// CreateFolder creates a folder link and returns its id.
func (c *Client) CreateFolder(ctx context.Context, shareID string, req protocol.CreateFolderRequest) (string, error) {
	var resp protocol.CreateFolderResponse
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/folders"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return "", fmt.Errorf("creating folder: %w", err)
	}
	return resp.ID, nil
}

// CheckHashes probes candidate name hashes under a parent and returns the
// available ones plus any occupied by undeleted drafts.
func (c *Client) CheckHashes(ctx context.Context, shareID, parentID string, hashes []string) (protocol.CheckHashesResponse, error) {
	var resp protocol.CheckHashesResponse
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/links/" + url.PathEscape(parentID) + "/hashes"
	if err := c.do(ctx, http.MethodPost, path, protocol.CheckHashesRequest{Hashes: hashes}, &resp); err != nil {
		return resp, fmt.Errorf("checking hashes under %s: %w", parentID, err)
	}
	return resp, nil
}

// CreateFile creates a draft file link with its first draft revision.
func (c *Client) CreateFile(ctx context.Context, shareID string, req protocol.CreateFileRequest) (protocol.CreateFileResponse, error) {
	var resp protocol.CreateFileResponse
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/files"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return resp, fmt.Errorf("creating file: %w", err)
	}
	return resp, nil
}

// CreateRevision opens a new draft revision on an existing file.
func (c *Client) CreateRevision(ctx context.Context, shareID, linkID string) (string, error) {
	var resp protocol.CreateRevisionResponse
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/files/" + url.PathEscape(linkID) + "/revisions"
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", fmt.Errorf("creating revision on %s: %w", linkID, err)
	}
	return resp.RevisionID, nil
}

// Revision fetches a revision's metadata, thumbnail reference included.
func (c *Client) Revision(ctx context.Context, shareID, linkID, revisionID string) (protocol.Revision, error) {
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/files/" + url.PathEscape(linkID) +
		"/revisions/" + url.PathEscape(revisionID)
	resp, err := doDeduped[protocol.RevisionResponse](c, ctx, path)
	if err != nil {
		return protocol.Revision{}, fmt.Errorf("fetching revision %s: %w", revisionID, err)
	}
	return resp.Revision, nil
}

// RevisionBlocks fetches one page of a revision's block list.
func (c *Client) RevisionBlocks(ctx context.Context, shareID, linkID, revisionID string, page, pageSize int) ([]protocol.Block, error) {
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("page_size", strconv.Itoa(pageSize))
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/files/" + url.PathEscape(linkID) +
		"/revisions/" + url.PathEscape(revisionID) + "/blocks?" + q.Encode()
	resp, err := doDeduped[protocol.BlockListResponse](c, ctx, path)
	if err != nil {
		return nil, fmt.Errorf("listing blocks of revision %s: %w", revisionID, err)
	}
	return resp.Blocks, nil
}

// RequestUpload obtains pre-authorized upload links for a revision's blocks.
func (c *Client) RequestUpload(ctx context.Context, shareID, linkID, revisionID string, req protocol.RequestUploadRequest) (protocol.RequestUploadResponse, error) {
	var resp protocol.RequestUploadResponse
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/files/" + url.PathEscape(linkID) +
		"/revisions/" + url.PathEscape(revisionID) + "/blocks"
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return resp, fmt.Errorf("requesting upload links: %w", err)
	}
	return resp, nil
}

// UploadBlock streams one encrypted block to its pre-authorized URL.
func (c *Client) UploadBlock(ctx context.Context, link protocol.UploadLink, data io.Reader, size int64) error {
	// A retried attempt must resend the full body, so the reader is
	// rewound (or buffered once) before each request.
	body, ok := data.(io.ReadSeeker)
	if !ok {
		buf, err := io.ReadAll(data)
		if err != nil {
			return fmt.Errorf("reading block %d: %w", link.Index, err)
		}
		body = bytes.NewReader(buf)
	}
	err := retry.Do(ctx, c.retryConfig, func() error {
		if _, err := body.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("rewinding block %d: %w", link.Index, err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, link.URL, body)
		if err != nil {
			return err
		}
		req.ContentLength = size
		req.Header.Set("Content-Type", "application/octet-stream")
		req.Header.Set("X-Upload-Token", link.Token)
		c.applyHeaders(req)

		start := time.Now()
		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.setOnline(false)
			return retry.Retryable(err)
		}
		defer resp.Body.Close()
		metrics.RecordAPIRequest(http.MethodPut, "/block", resp.StatusCode, time.Since(start))

		if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
			return c.handleError(http.MethodPut, link.URL, resp)
		}
		c.setOnline(true)
		return nil
	})
	if err != nil {
		return fmt.Errorf("uploading block %d: %w", link.Index, err)
	}
	metrics.AddBytesUploaded(size)
	return nil
}

// DownloadBlock opens a stream of one encrypted block. Expired URLs come
// back as NotFoundError; the caller refetches the block list.
func (c *Client) DownloadBlock(ctx context.Context, block protocol.Block) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, block.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Download-Token", block.Token)
	c.applyHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.setOnline(false)
		return nil, retry.Retryable(err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, c.handleError(http.MethodGet, block.URL, resp)
	}
	c.setOnline(true)
	return resp.Body, nil
}

// CommitRevision finalizes a draft revision with its signed manifest.
func (c *Client) CommitRevision(ctx context.Context, shareID, linkID, revisionID string, req protocol.CommitRevisionRequest) error {
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/files/" + url.PathEscape(linkID) +
		"/revisions/" + url.PathEscape(revisionID)
	if err := c.do(ctx, http.MethodPut, path, req, nil); err != nil {
		return fmt.Errorf("committing revision %s: %w", revisionID, err)
	}
	return nil
}

// DeleteRevision removes a revision, draft or superseded.
func (c *Client) DeleteRevision(ctx context.Context, shareID, linkID, revisionID string) error {
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/files/" + url.PathEscape(linkID) +
		"/revisions/" + url.PathEscape(revisionID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("deleting revision %s: %w", revisionID, err)
	}
	return nil
}

// DeleteLink removes a draft link that never finished uploading.
func (c *Client) DeleteLink(ctx context.Context, shareID, linkID string) error {
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/links/" + url.PathEscape(linkID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("deleting link %s: %w", linkID, err)
	}
	return nil
}

// Rename changes a link's encrypted name and lookup hash in place.
func (c *Client) Rename(ctx context.Context, shareID, linkID string, req protocol.RenameLinkRequest) error {
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/links/" + url.PathEscape(linkID) + "/rename"
	if err := c.do(ctx, http.MethodPut, path, req, nil); err != nil {
		return fmt.Errorf("renaming link %s: %w", linkID, err)
	}
	return nil
}

// Move reparents a link; the request carries the passphrase re-sealed to
// the new parent.
func (c *Client) Move(ctx context.Context, shareID, linkID string, req protocol.MoveLinkRequest) error {
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/links/" + url.PathEscape(linkID) + "/move"
	if err := c.do(ctx, http.MethodPut, path, req, nil); err != nil {
		return fmt.Errorf("moving link %s: %w", linkID, err)
	}
	return nil
}

// TrashLinks soft-deletes links in a batch. Results are per-item.
func (c *Client) TrashLinks(ctx context.Context, shareID string, linkIDs []string) (protocol.BatchResponse, error) {
	return c.batch(ctx, shareID, "trash", linkIDs)
}

// RestoreLinks restores trashed links in a batch.
func (c *Client) RestoreLinks(ctx context.Context, shareID string, linkIDs []string) (protocol.BatchResponse, error) {
	return c.batch(ctx, shareID, "restore", linkIDs)
}

// DeleteLinks permanently deletes trashed links in a batch.
func (c *Client) DeleteLinks(ctx context.Context, shareID string, linkIDs []string) (protocol.BatchResponse, error) {
	return c.batch(ctx, shareID, "delete", linkIDs)
}

func (c *Client) batch(ctx context.Context, shareID, op string, linkIDs []string) (protocol.BatchResponse, error) {
	var resp protocol.BatchResponse
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/trash/" + op
	if err := c.do(ctx, http.MethodPost, path, protocol.LinkIDsRequest{LinkIDs: linkIDs}, &resp); err != nil {
		return resp, fmt.Errorf("batch %s in share %s: %w", op, shareID, err)
	}
	return resp, nil
}

// EmptyTrash schedules deletion of everything in a share's trash.
func (c *Client) EmptyTrash(ctx context.Context, shareID string) error {
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/trash"
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("emptying trash of share %s: %w", shareID, err)
	}
	return nil
}

// LatestEventID fetches the current event cursor for a share.
func (c *Client) LatestEventID(ctx context.Context, shareID string) (string, error) {
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/events/latest"
	resp, err := doDeduped[protocol.LatestEventResponse](c, ctx, path)
	if err != nil {
		return "", fmt.Errorf("fetching latest event id: %w", err)
	}
	return resp.EventID, nil
}

// Events fetches events after the given cursor.
func (c *Client) Events(ctx context.Context, shareID, cursor string) (protocol.EventsResponse, error) {
	path := "/api/v1/shares/" + url.PathEscape(shareID) + "/events/" + url.PathEscape(cursor)
	resp, err := doDeduped[protocol.EventsResponse](c, ctx, path)
	if err != nil {
		return protocol.EventsResponse{}, fmt.Errorf("fetching events for share %s: %w", shareID, err)
	}
	return resp, nil
}

// AddressKeys fetches the verification keys published for a signer address.
func (c *Client) AddressKeys(ctx context.Context, address string) (protocol.AddressKeysResponse, error) {
	path := "/api/v1/keys/" + url.PathEscape(address)
	resp, err := doDeduped[protocol.AddressKeysResponse](c, ctx, path)
	if err != nil {
		return protocol.AddressKeysResponse{}, fmt.Errorf("fetching keys for %s: %w", address, err)
	}
	return resp, nil
}
