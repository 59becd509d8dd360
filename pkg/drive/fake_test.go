package drive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/fruitsalade/pomelo/pkg/api"
	"github.com/fruitsalade/pomelo/pkg/crypto"
	"github.com/fruitsalade/pomelo/pkg/models"
	"github.com/fruitsalade/pomelo/pkg/protocol"
)

// fakeServer is an in-memory Client backed by a real encrypted tree,
// so resolver and engine tests exercise the actual crypto paths.
type fakeServer struct {
	mu sync.Mutex

	share     models.Share
	links     map[string]*protocol.Link
	children  map[string][]string // parentID -> child ids, insertion order
	revisions map[string]*fakeRevision
	drafts    map[string]string // linkID -> draft revision id
	blocks    map[string][]byte // token -> ciphertext
	events    []protocol.Event
	quota     models.Quota
	verifKeys [][]byte

	calls   map[string]int
	fail    map[string]error
	nextID  int
	nextTok int

	// blockGate, when set, stalls DownloadBlock until closed or the
	// request's context ends.
	blockGate chan struct{}
}

type fakeRevision struct {
	id          string
	linkID      string
	blocks      []protocol.Block
	manifestSig []byte
	sigAddress  string
	thumbnail   *protocol.Block
	committed   bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		links:     make(map[string]*protocol.Link),
		children:  make(map[string][]string),
		revisions: make(map[string]*fakeRevision),
		drafts:    make(map[string]string),
		blocks:    make(map[string][]byte),
		quota:     models.Quota{MaxSpace: 1 << 30},
		calls:     make(map[string]int),
		fail:      make(map[string]error),
	}
}

func (f *fakeServer) count(key string) {
	f.calls[key]++
}

func (f *fakeServer) callCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

func (f *fakeServer) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeServer) token() string {
	f.nextTok++
	return fmt.Sprintf("tok-%d", f.nextTok)
}

// ─── Client implementation ──────────────────────────────────────────────────

func (f *fakeServer) Shares(ctx context.Context) ([]models.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("shares")
	if f.share.ID == "" {
		return nil, nil
	}
	return []models.Share{f.share}, nil
}

func (f *fakeServer) Share(ctx context.Context, shareID string) (models.Share, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("share")
	if f.share.ID != shareID {
		return models.Share{}, &models.NotFoundError{ShareID: shareID}
	}
	return f.share, nil
}

func (f *fakeServer) CreateVolume(ctx context.Context, req protocol.CreateVolumeRequest) (protocol.CreateVolumeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("create-volume")
	shareID := f.id("share")
	rootID := f.id("link")
	f.share = models.Share{
		ID:                  shareID,
		VolumeID:            f.id("volume"),
		Creator:             "creator@test",
		RootLinkID:          rootID,
		Key:                 req.ShareKey,
		Passphrase:          req.SharePassphrase,
		PassphraseSignature: req.SharePassphraseSignature,
		AddressID:           req.AddressID,
		Primary:             true,
	}
	f.links[rootID] = &protocol.Link{
		ID:                  rootID,
		Type:                int(models.LinkTypeFolder),
		Name:                req.FolderName,
		Key:                 req.FolderKey,
		Passphrase:          req.FolderPassphrase,
		PassphraseSignature: req.FolderPassphraseSignature,
		SignatureAddress:    "creator@test",
		HashKey:             req.FolderHashKey,
	}
	return protocol.CreateVolumeResponse{
		VolumeID:   f.share.VolumeID,
		ShareID:    shareID,
		RootLinkID: rootID,
	}, nil
}

func (f *fakeServer) RestoreVolume(ctx context.Context, volumeID, lockedShareID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("restore-volume")
	return nil
}

func (f *fakeServer) DeleteShare(ctx context.Context, shareID string) error {
	return nil
}

func (f *fakeServer) Quota(ctx context.Context) (models.Quota, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("quota")
	return f.quota, nil
}

func (f *fakeServer) Link(ctx context.Context, shareID, linkID string) (protocol.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("link:" + linkID)
	link, ok := f.links[linkID]
	if !ok {
		return protocol.Link{}, &models.NotFoundError{ShareID: shareID, LinkID: linkID}
	}
	return *link, nil
}

func (f *fakeServer) Children(ctx context.Context, shareID, linkID string, req protocol.ChildrenRequest) ([]protocol.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("children:" + linkID)
	var out []protocol.Link
	for _, id := range f.children[linkID] {
		link := f.links[id]
		if link == nil || link.Trashed != 0 {
			continue
		}
		if req.FoldersOnly && link.Type != int(models.LinkTypeFolder) {
			continue
		}
		out = append(out, *link)
	}
	return pageOf(out, req.Page, req.PageSize), nil
}

func (f *fakeServer) Trash(ctx context.Context, shareID string, page, pageSize int) ([]protocol.Link, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("trash")
	var out []protocol.Link
	for _, link := range f.links {
		if link.Trashed != 0 {
			out = append(out, *link)
		}
	}
	return pageOf(out, page, pageSize), nil
}

func pageOf(links []protocol.Link, page, pageSize int) []protocol.Link {
	if pageSize <= 0 {
		return links
	}
	start := page * pageSize
	if start >= len(links) {
		return nil
	}
	end := start + pageSize
	if end > len(links) {
		end = len(links)
	}
	return links[start:end]
}

func (f *fakeServer) CreateFolder(ctx context.Context, shareID string, req protocol.CreateFolderRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("create-folder")
	if err := f.fail["create-folder"]; err != nil {
		return "", err
	}
	if f.hashTaken(req.ParentID, req.NameHash) {
		return "", &api.Error{Status: 409, Code: protocol.CodeAlreadyExists, Message: "name taken"}
	}
	id := f.id("link")
	f.links[id] = &protocol.Link{
		ID:                  id,
		ParentID:            req.ParentID,
		Type:                int(models.LinkTypeFolder),
		Name:                req.Name,
		NameHash:            req.NameHash,
		Key:                 req.Key,
		Passphrase:          req.Passphrase,
		PassphraseSignature: req.PassphraseSignature,
		SignatureAddress:    req.SignatureAddress,
		HashKey:             req.HashKey,
	}
	f.children[req.ParentID] = append(f.children[req.ParentID], id)
	return id, nil
}

func (f *fakeServer) hashTaken(parentID, hash string) bool {
	for _, id := range f.children[parentID] {
		link := f.links[id]
		if link != nil && link.Trashed == 0 && link.NameHash == hash {
			return true
		}
	}
	return false
}

func (f *fakeServer) CheckHashes(ctx context.Context, shareID, parentID string, hashes []string) (protocol.CheckHashesResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("check-hashes")
	var resp protocol.CheckHashesResponse
	for _, h := range hashes {
		if !f.hashTaken(parentID, h) {
			resp.AvailableHashes = append(resp.AvailableHashes, h)
		}
	}
	return resp, nil
}

func (f *fakeServer) Rename(ctx context.Context, shareID, linkID string, req protocol.RenameLinkRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("rename")
	link, ok := f.links[linkID]
	if !ok {
		return &models.NotFoundError{ShareID: shareID, LinkID: linkID}
	}
	if link.NameHash != req.OriginalNameHash {
		return &api.Error{Status: 409, Message: "name changed concurrently"}
	}
	link.Name = req.Name
	link.NameHash = req.NameHash
	return nil
}

func (f *fakeServer) Move(ctx context.Context, shareID, linkID string, req protocol.MoveLinkRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("move")
	link, ok := f.links[linkID]
	if !ok {
		return &models.NotFoundError{ShareID: shareID, LinkID: linkID}
	}
	f.children[link.ParentID] = remove(f.children[link.ParentID], linkID)
	link.ParentID = req.ParentID
	link.Name = req.Name
	link.NameHash = req.NameHash
	link.Passphrase = req.Passphrase
	link.PassphraseSignature = req.PassphraseSignature
	link.SignatureAddress = req.SignatureAddress
	f.children[req.ParentID] = append(f.children[req.ParentID], linkID)
	return nil
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

func (f *fakeServer) TrashLinks(ctx context.Context, shareID string, linkIDs []string) (protocol.BatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("trash-links")
	var resp protocol.BatchResponse
	for _, id := range linkIDs {
		link, ok := f.links[id]
		if !ok {
			resp.Failures = append(resp.Failures, protocol.BatchFailure{LinkID: id, Error: "not found"})
			continue
		}
		link.Trashed = time.Now().Unix()
		resp.Successes = append(resp.Successes, id)
	}
	return resp, nil
}

func (f *fakeServer) RestoreLinks(ctx context.Context, shareID string, linkIDs []string) (protocol.BatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("restore-links")
	var resp protocol.BatchResponse
	for _, id := range linkIDs {
		link, ok := f.links[id]
		if !ok {
			resp.Failures = append(resp.Failures, protocol.BatchFailure{LinkID: id, Error: "not found"})
			continue
		}
		link.Trashed = 0
		resp.Successes = append(resp.Successes, id)
	}
	return resp, nil
}

func (f *fakeServer) DeleteLinks(ctx context.Context, shareID string, linkIDs []string) (protocol.BatchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("delete-links")
	var resp protocol.BatchResponse
	for _, id := range linkIDs {
		if _, ok := f.links[id]; !ok {
			resp.Failures = append(resp.Failures, protocol.BatchFailure{LinkID: id, Error: "not found"})
			continue
		}
		f.deleteSubtree(id)
		resp.Successes = append(resp.Successes, id)
	}
	return resp, nil
}

func (f *fakeServer) deleteSubtree(id string) {
	for _, child := range f.children[id] {
		f.deleteSubtree(child)
	}
	delete(f.children, id)
	if link := f.links[id]; link != nil {
		f.children[link.ParentID] = remove(f.children[link.ParentID], id)
	}
	delete(f.links, id)
}

func (f *fakeServer) EmptyTrash(ctx context.Context, shareID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("empty-trash")
	for id, link := range f.links {
		if link.Trashed != 0 {
			f.deleteSubtree(id)
		}
	}
	return nil
}

func (f *fakeServer) DeleteLink(ctx context.Context, shareID, linkID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("delete-link")
	if _, ok := f.links[linkID]; !ok {
		return &models.NotFoundError{ShareID: shareID, LinkID: linkID}
	}
	f.deleteSubtree(linkID)
	return nil
}

func (f *fakeServer) CreateFile(ctx context.Context, shareID string, req protocol.CreateFileRequest) (protocol.CreateFileResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("create-file")
	if err := f.fail["create-file"]; err != nil {
		return protocol.CreateFileResponse{}, err
	}
	if f.hashTaken(req.ParentID, req.NameHash) {
		return protocol.CreateFileResponse{}, &api.Error{Status: 409, Code: protocol.CodeAlreadyExists, Message: "name taken"}
	}
	id := f.id("link")
	revID := f.id("rev")
	f.links[id] = &protocol.Link{
		ID:                  id,
		ParentID:            req.ParentID,
		Type:                int(models.LinkTypeFile),
		Name:                req.Name,
		NameHash:            req.NameHash,
		Key:                 req.Key,
		Passphrase:          req.Passphrase,
		PassphraseSignature: req.PassphraseSignature,
		SignatureAddress:    req.SignatureAddress,
		ContentKeyPacket:    req.ContentKeyPacket,
		MIMEType:            req.MIMEType,
	}
	f.children[req.ParentID] = append(f.children[req.ParentID], id)
	f.revisions[revID] = &fakeRevision{id: revID, linkID: id}
	f.drafts[id] = revID
	return protocol.CreateFileResponse{ID: id, RevisionID: revID}, nil
}

func (f *fakeServer) CreateRevision(ctx context.Context, shareID, linkID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("create-revision")
	link, ok := f.links[linkID]
	if !ok {
		return "", &models.NotFoundError{ShareID: shareID, LinkID: linkID}
	}
	if _, pending := f.drafts[linkID]; pending {
		return "", &api.Error{Status: 409, Code: protocol.CodeDraftNotUploaded, Message: "draft not uploaded"}
	}
	_ = link
	revID := f.id("rev")
	f.revisions[revID] = &fakeRevision{id: revID, linkID: linkID}
	f.drafts[linkID] = revID
	return revID, nil
}

func (f *fakeServer) Revision(ctx context.Context, shareID, linkID, revisionID string) (protocol.Revision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("revision")
	rev, ok := f.revisions[revisionID]
	if !ok {
		return protocol.Revision{}, &models.NotFoundError{ShareID: shareID, LinkID: linkID}
	}
	return protocol.Revision{
		ID:                rev.id,
		ManifestSignature: rev.manifestSig,
		SignatureAddress:  rev.sigAddress,
		Thumbnail:         rev.thumbnail,
	}, nil
}

func (f *fakeServer) RevisionBlocks(ctx context.Context, shareID, linkID, revisionID string, page, pageSize int) ([]protocol.Block, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("revision-blocks")
	rev, ok := f.revisions[revisionID]
	if !ok {
		return nil, &models.NotFoundError{ShareID: shareID, LinkID: linkID}
	}
	return pageOfBlocks(rev.blocks, page, pageSize), nil
}

func pageOfBlocks(blocks []protocol.Block, page, pageSize int) []protocol.Block {
	if pageSize <= 0 {
		return blocks
	}
	start := page * pageSize
	if start >= len(blocks) {
		return nil
	}
	end := start + pageSize
	if end > len(blocks) {
		end = len(blocks)
	}
	return blocks[start:end]
}

func (f *fakeServer) RequestUpload(ctx context.Context, shareID, linkID, revisionID string, req protocol.RequestUploadRequest) (protocol.RequestUploadResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("request-upload")
	var resp protocol.RequestUploadResponse
	for _, b := range req.Blocks {
		resp.UploadLinks = append(resp.UploadLinks, protocol.UploadLink{
			Index: b.Index,
			URL:   "mem://" + revisionID,
			Token: f.token(),
		})
	}
	if req.Thumbnail != nil {
		resp.ThumbnailLink = &protocol.UploadLink{URL: "mem://" + revisionID, Token: f.token()}
	}
	return resp, nil
}

func (f *fakeServer) UploadBlock(ctx context.Context, link protocol.UploadLink, data io.Reader, size int64) error {
	buf, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("upload-block")
	if err := f.fail["upload-block"]; err != nil {
		return err
	}
	f.blocks[link.Token] = buf
	return nil
}

func (f *fakeServer) DownloadBlock(ctx context.Context, block protocol.Block) (io.ReadCloser, error) {
	f.mu.Lock()
	f.count("download-block")
	gate := f.blockGate
	data, ok := f.blocks[block.Token]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, &models.NotFoundError{}
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *fakeServer) CommitRevision(ctx context.Context, shareID, linkID, revisionID string, req protocol.CommitRevisionRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("commit-revision")
	if err := f.fail["commit-revision"]; err != nil {
		return err
	}
	rev, ok := f.revisions[revisionID]
	if !ok {
		return &models.NotFoundError{ShareID: shareID, LinkID: linkID}
	}
	for i, token := range req.BlockTokens {
		data, ok := f.blocks[token]
		if !ok {
			return &api.Error{Status: 400, Message: "unknown block token " + token}
		}
		rev.blocks = append(rev.blocks, protocol.Block{
			Index:         i + 1,
			Token:         token,
			Hash:          crypto.BlockHash(data),
			EncryptedSize: int64(len(data)),
		})
	}
	rev.manifestSig = req.ManifestSignature
	rev.sigAddress = req.SignatureAddress
	rev.committed = true
	delete(f.drafts, linkID)
	if link := f.links[linkID]; link != nil {
		link.ActiveRevisionID = revisionID
	}
	return nil
}

func (f *fakeServer) DeleteRevision(ctx context.Context, shareID, linkID, revisionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("delete-revision")
	delete(f.revisions, revisionID)
	if f.drafts[linkID] == revisionID {
		delete(f.drafts, linkID)
	}
	return nil
}

func (f *fakeServer) LatestEventID(ctx context.Context, shareID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("latest-event")
	return strconv.Itoa(len(f.events)), nil
}

func (f *fakeServer) Events(ctx context.Context, shareID, cursor string) (protocol.EventsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("events")
	idx, _ := strconv.Atoi(cursor)
	if idx > len(f.events) {
		return protocol.EventsResponse{Refresh: true}, nil
	}
	return protocol.EventsResponse{
		EventID: strconv.Itoa(len(f.events)),
		Events:  f.events[idx:],
	}, nil
}

func (f *fakeServer) AddressKeys(ctx context.Context, address string) (protocol.AddressKeysResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.count("address-keys")
	return protocol.AddressKeysResponse{Address: address, VerificationKeys: f.verifKeys}, nil
}

var _ Client = (*fakeServer)(nil)

// ─── fixture ────────────────────────────────────────────────────────────────

// fixture is an encrypted tree built with real crypto: a share sealed to
// the test identity, a root folder, and helpers to grow the tree the way
// the real server would store it.
type fixture struct {
	server   *fakeServer
	identity *StaticIdentity
	cache    *Cache
	resolver *resolver

	shareID string
	rootID  string

	nodeKeys    map[string]*crypto.NodeKeys
	hashKeys    map[string][]byte
	sessionKeys map[string][]byte
}

func testIdentity(t *testing.T) *StaticIdentity {
	t.Helper()
	pair, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	signer, err := crypto.GenerateSigner()
	if err != nil {
		t.Fatal(err)
	}
	return &StaticIdentity{
		ID:      "addr-1",
		Addr:    "creator@test",
		BoxPair: pair,
		SignKey: signer,
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	identity := testIdentity(t)

	server := newFakeServer()
	server.verifKeys = [][]byte{identity.SignKey.Public}

	shareKeys, err := crypto.GenerateNodeKeys(identity.BoxPair.Public, identity.SignKey)
	if err != nil {
		t.Fatal(err)
	}
	rootKeys, err := crypto.GenerateNodeKeys(shareKeys.Pair.Public, identity.SignKey)
	if err != nil {
		t.Fatal(err)
	}
	rootHashKey, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	encHashKey, err := crypto.WrapKey(rootKeys.Pair.Public, rootHashKey)
	if err != nil {
		t.Fatal(err)
	}
	rootName, err := crypto.SealTo(shareKeys.Pair.Public, []byte("root"))
	if err != nil {
		t.Fatal(err)
	}

	shareID := server.id("share")
	rootID := server.id("link")
	server.share = models.Share{
		ID:                  shareID,
		VolumeID:            server.id("volume"),
		Creator:             identity.Addr,
		RootLinkID:          rootID,
		Key:                 shareKeys.Key,
		Passphrase:          shareKeys.Passphrase,
		PassphraseSignature: shareKeys.PassphraseSignature,
		AddressID:           identity.ID,
		Primary:             true,
	}
	server.links[rootID] = &protocol.Link{
		ID:                  rootID,
		Type:                int(models.LinkTypeFolder),
		Name:                rootName,
		Key:                 rootKeys.Key,
		Passphrase:          rootKeys.Passphrase,
		PassphraseSignature: rootKeys.PassphraseSignature,
		SignatureAddress:    identity.Addr,
		HashKey:             encHashKey,
	}

	cache := NewCache()
	f := &fixture{
		server:      server,
		identity:    identity,
		cache:       cache,
		resolver:    newResolver(cache, server, identity),
		shareID:     shareID,
		rootID:      rootID,
		nodeKeys:    map[string]*crypto.NodeKeys{rootID: rootKeys},
		hashKeys:    map[string][]byte{rootID: rootHashKey},
		sessionKeys: make(map[string][]byte),
	}
	return f
}

// parentPub returns the sealing key for children of parentID.
func (f *fixture) parentKeys(t *testing.T, parentID string) *crypto.NodeKeys {
	t.Helper()
	keys, ok := f.nodeKeys[parentID]
	if !ok {
		t.Fatalf("no fixture keys for %s", parentID)
	}
	return keys
}

// addFolder grows the server-side tree with a folder stored in wire form.
func (f *fixture) addFolder(t *testing.T, parentID, name string) string {
	t.Helper()
	parent := f.parentKeys(t, parentID)
	keys, err := crypto.GenerateNodeKeys(parent.Pair.Public, f.identity.SignKey)
	if err != nil {
		t.Fatal(err)
	}
	hashKey, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	encHashKey, err := crypto.WrapKey(keys.Pair.Public, hashKey)
	if err != nil {
		t.Fatal(err)
	}
	encName, err := crypto.SealTo(parent.Pair.Public, []byte(name))
	if err != nil {
		t.Fatal(err)
	}

	f.server.mu.Lock()
	id := f.server.id("link")
	f.server.links[id] = &protocol.Link{
		ID:                  id,
		ParentID:            parentID,
		Type:                int(models.LinkTypeFolder),
		Name:                encName,
		NameHash:            crypto.LookupHash(f.hashKeys[parentID], name),
		Key:                 keys.Key,
		Passphrase:          keys.Passphrase,
		PassphraseSignature: keys.PassphraseSignature,
		SignatureAddress:    f.identity.Addr,
		HashKey:             encHashKey,
	}
	f.server.children[parentID] = append(f.server.children[parentID], id)
	f.server.mu.Unlock()

	f.nodeKeys[id] = keys
	f.hashKeys[id] = hashKey
	return id
}

// addFile grows the tree with a file whose content is block-encrypted
// and committed, manifest signed, exactly as an upload would leave it.
func (f *fixture) addFile(t *testing.T, parentID, name string, content []byte) string {
	t.Helper()
	parent := f.parentKeys(t, parentID)
	keys, err := crypto.GenerateNodeKeys(parent.Pair.Public, f.identity.SignKey)
	if err != nil {
		t.Fatal(err)
	}
	sessionKey, err := crypto.GenerateSecret()
	if err != nil {
		t.Fatal(err)
	}
	packet, err := crypto.WrapKey(keys.Pair.Public, sessionKey)
	if err != nil {
		t.Fatal(err)
	}
	encName, err := crypto.SealTo(parent.Pair.Public, []byte(name))
	if err != nil {
		t.Fatal(err)
	}

	const blockSize = 16
	var blocks []protocol.Block
	var hashes [][]byte
	f.server.mu.Lock()
	id := f.server.id("link")
	revID := f.server.id("rev")
	for i := 0; i*blockSize < len(content) || (i == 0 && len(content) == 0); i++ {
		end := (i + 1) * blockSize
		if end > len(content) {
			end = len(content)
		}
		sealed, err := crypto.SealSymmetric(sessionKey, content[i*blockSize:end])
		if err != nil {
			f.server.mu.Unlock()
			t.Fatal(err)
		}
		token := f.server.token()
		f.server.blocks[token] = sealed
		hash := crypto.BlockHash(sealed)
		blocks = append(blocks, protocol.Block{
			Index:         i + 1,
			Token:         token,
			Hash:          hash,
			EncryptedSize: int64(len(sealed)),
		})
		hashes = append(hashes, hash)
		if len(content) == 0 {
			break
		}
	}
	f.server.links[id] = &protocol.Link{
		ID:                  id,
		ParentID:            parentID,
		Type:                int(models.LinkTypeFile),
		Name:                encName,
		NameHash:            crypto.LookupHash(f.hashKeys[parentID], name),
		Key:                 keys.Key,
		Passphrase:          keys.Passphrase,
		PassphraseSignature: keys.PassphraseSignature,
		SignatureAddress:    f.identity.Addr,
		Size:                int64(len(content)),
		ActiveRevisionID:    revID,
		ContentKeyPacket:    packet,
	}
	f.server.children[parentID] = append(f.server.children[parentID], id)
	f.server.revisions[revID] = &fakeRevision{
		id:          revID,
		linkID:      id,
		blocks:      blocks,
		manifestSig: f.identity.SignKey.Sign(crypto.Manifest(hashes)),
		sigAddress:  f.identity.Addr,
		committed:   true,
	}
	f.server.mu.Unlock()

	f.nodeKeys[id] = keys
	f.sessionKeys[id] = sessionKey
	return id
}

// wireLink returns the server's stored wire form of a link.
func (f *fixture) wireLink(t *testing.T, id string) protocol.Link {
	t.Helper()
	f.server.mu.Lock()
	defer f.server.mu.Unlock()
	link, ok := f.server.links[id]
	if !ok {
		t.Fatalf("no server link %s", id)
	}
	return *link
}

// drive assembles a full Drive over the fixture's server.
func (f *fixture) drive(t *testing.T) *Drive {
	t.Helper()
	d := New(f.server, f.identity, Options{
		EventPollInterval: time.Hour, // tests apply events directly
		PageSize:          5,
		Upload:            UploadConfig{BlockSize: 16, HashCheckBatch: 4},
		Download:          DownloadConfig{PageSize: 5},
	})
	// share the fixture's cache-backed resolver state
	d.Cache.SetShareMeta(f.server.share)
	t.Cleanup(d.Close)
	return d
}
