// Package drive implements the encrypted tree client: the hierarchical
// cache, key resolution, event sync, and the upload and download engines.
package drive

import (
	"sort"
	"strings"
	"sync"

	"github.com/samber/lo"

	"github.com/fruitsalade/pomelo/internal/metrics"
	"github.com/fruitsalade/pomelo/pkg/crypto"
	"github.com/fruitsalade/pomelo/pkg/models"
)

// ListMode selects how SetChildren merges links into a folder listing.
type ListMode int

const (
	// ListComplete appends a final page fetched in listing order and
	// marks the listing complete.
	ListComplete ListMode = iota
	// ListIncremental appends a non-final page fetched in listing order.
	ListIncremental
	// ListUnlisted records ids that arrived out-of-band (events) in the
	// overlay until a page fetch merges them.
	ListUnlisted
	// ListUnlistedCreate is ListUnlisted for genuinely new links; new
	// folders additionally get empty-but-complete child listings, since
	// a brand-new folder has nothing to page.
	ListUnlistedCreate
)

// ShareKeys is the decrypted key material of a share.
type ShareKeys struct {
	Passphrase []byte
	Pair       *crypto.KeyPair
}

// LinkKeys is the decrypted key material of a link. Fields fill lazily:
// HashKey only ever on folders, SessionKey only on files.
type LinkKeys struct {
	Passphrase []byte
	Pair       *crypto.KeyPair
	HashKey    []byte
	SessionKey []byte
}

// listing is one ordered id list with its paging flags.
type listing struct {
	ids         []string
	complete    bool
	initialized bool
}

type cachedLink struct {
	meta   models.Link
	keys   LinkKeys
	locked bool

	// Folder listings. sorted is keyed by sort order; unlisted is the
	// shared overlay appended to every order on read.
	sorted              map[models.SortParams]*listing
	unlisted            []string
	foldersOnly         listing
	foldersOnlyUnlisted []string
}

type shareState struct {
	meta *models.Share
	keys *ShareKeys

	links map[string]*cachedLink

	trash         listing
	trashUnlisted []string
	trashLocked   bool
}

// Cache is the in-memory, per-share normalized store of link metadata,
// listings, trash, and key material. It is the single source of truth
// read by every engine. Mutations notify subscribers.
type Cache struct {
	mu             sync.RWMutex
	shares         map[string]*shareState
	defaultShareID string

	subMu   sync.Mutex
	subs    map[int]func()
	nextSub int
}

// NewCache returns an empty cache.
func NewCache() *Cache {
	return &Cache{
		shares: make(map[string]*shareState),
		subs:   make(map[int]func()),
	}
}

// Subscribe registers a change callback and returns its handle. The
// callback runs synchronously after every mutation; keep it cheap.
func (c *Cache) Subscribe(fn func()) int {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	c.nextSub++
	c.subs[c.nextSub] = fn
	return c.nextSub
}

// Unsubscribe removes a change callback.
func (c *Cache) Unsubscribe(id int) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	delete(c.subs, id)
}

func (c *Cache) notify() {
	c.subMu.Lock()
	fns := make([]func(), 0, len(c.subs))
	for _, fn := range c.subs {
		fns = append(fns, fn)
	}
	c.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Cache) share(shareID string) *shareState {
	s, ok := c.shares[shareID]
	if !ok {
		s = &shareState{links: make(map[string]*cachedLink)}
		c.shares[shareID] = s
	}
	return s
}

func (s *shareState) link(id string) *cachedLink {
	l, ok := s.links[id]
	if !ok {
		l = &cachedLink{}
		s.links[id] = l
	}
	return l
}

// ─── Share state ────────────────────────────────────────────────────────────

// SetShareMeta stores a share's metadata; the primary share becomes the
// default share.
func (c *Cache) SetShareMeta(share models.Share) {
	c.mu.Lock()
	s := c.share(share.ID)
	s.meta = &share
	if share.Primary {
		c.defaultShareID = share.ID
	}
	c.mu.Unlock()
	c.notify()
}

// ShareMeta returns a share's metadata if cached.
func (c *Cache) ShareMeta(shareID string) (models.Share, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shares[shareID]
	if !ok || s.meta == nil {
		return models.Share{}, false
	}
	return *s.meta, true
}

// SetShareKeys stores a share's decrypted key material.
func (c *Cache) SetShareKeys(shareID string, keys ShareKeys) {
	c.mu.Lock()
	c.share(shareID).keys = &keys
	c.mu.Unlock()
	c.notify()
}

// ShareKeys returns a share's decrypted key material if resolved.
func (c *Cache) ShareKeys(shareID string) (ShareKeys, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shares[shareID]
	if !ok || s.keys == nil {
		return ShareKeys{}, false
	}
	return *s.keys, true
}

// DefaultShareID returns the primary share's id, empty before InitDrive.
func (c *Cache) DefaultShareID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultShareID
}

// ShareIDs returns the ids of all cached shares.
func (c *Cache) ShareIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Keys(c.shares)
}

// LockedShareIDs returns the ids of shares whose passphrase cannot
// currently be decrypted.
func (c *Cache) LockedShareIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var ids []string
	for id, s := range c.shares {
		if s.meta != nil && s.meta.Locked {
			ids = append(ids, id)
		}
	}
	return ids
}

// ─── Link metadata ──────────────────────────────────────────────────────────

// SetLinks upserts link metadata. Lightweight event payloads omit a
// file's active revision; an update keeps the previous value in that
// case. With isNew, folder links start with empty-but-complete listings.
func (c *Cache) SetLinks(shareID string, links []models.Link, isNew bool) {
	c.mu.Lock()
	s := c.share(shareID)
	for _, meta := range links {
		c.upsertLink(s, meta, isNew)
	}
	metrics.SetCacheNodes(c.countLinks())
	c.mu.Unlock()
	c.notify()
}

func (c *Cache) upsertLink(s *shareState, meta models.Link, isNew bool) {
	l := s.link(meta.ID)
	if l.meta.ID != "" && meta.Type == models.LinkTypeFile {
		if meta.File != nil && meta.File.ActiveRevisionID == "" &&
			l.meta.File != nil && l.meta.File.ActiveRevisionID != "" {
			meta.File.ActiveRevisionID = l.meta.File.ActiveRevisionID
		}
	}
	l.meta = meta
	if isNew && meta.Type == models.LinkTypeFolder {
		l.markEmptyComplete(s)
	}
}

func (l *cachedLink) markEmptyComplete(s *shareState) {
	if l.sorted == nil {
		l.sorted = make(map[models.SortParams]*listing)
	}
	list := l.ensureListing(s, models.DefaultSort)
	list.complete = true
	list.initialized = true
	l.foldersOnly.complete = true
	l.foldersOnly.initialized = true
}

func (l *cachedLink) ensureListing(s *shareState, sort models.SortParams) *listing {
	if l.sorted == nil {
		l.sorted = make(map[models.SortParams]*listing)
	}
	list, ok := l.sorted[sort]
	if !ok {
		list = &listing{}
		// A completed sibling order already holds every child; seed
		// from it, re-sorted for this order, so it needs no re-paging.
		if full := l.completeListing(); full != nil {
			list.ids = s.sortIDs(full.ids, sort)
			list.complete = true
			list.initialized = true
		}
		l.sorted[sort] = list
	}
	return list
}

// sortIDs reorders ids per the given sort using cached metadata. Ids
// without cached metadata compare equal, keeping their relative order.
func (s *shareState) sortIDs(ids []string, by models.SortParams) []string {
	out := append([]string(nil), ids...)
	sort.SliceStable(out, func(i, j int) bool {
		la, aok := s.links[out[i]]
		lb, bok := s.links[out[j]]
		if !aok || !bok || la.meta.ID == "" || lb.meta.ID == "" {
			return false
		}
		a, b := la.meta, lb.meta
		var cmp int
		switch by.Field {
		case models.SortByName:
			cmp = strings.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
		case models.SortBySize:
			cmp = compareInt64(a.Size, b.Size)
		case models.SortByType:
			cmp = strings.Compare(linkMIMEType(a), linkMIMEType(b))
		default:
			cmp = compareInt64(a.ModifyTime.UnixNano(), b.ModifyTime.UnixNano())
		}
		if by.Direction == models.SortDesc {
			cmp = -cmp
		}
		return cmp < 0
	})
	return out
}

// linkMIMEType returns the MIME type of a file link, or "" for folders
// so they compare equal and keep their relative order.
func linkMIMEType(l models.Link) string {
	if l.File != nil {
		return l.File.MIMEType
	}
	return ""
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// completeListing returns any fully paged order of the folder, nil if none.
func (l *cachedLink) completeListing() *listing {
	for _, list := range l.sorted {
		if list.complete {
			return list
		}
	}
	return nil
}

// Link returns a link's decrypted metadata if cached.
func (c *Cache) Link(shareID, linkID string) (models.Link, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shares[shareID]
	if !ok {
		metrics.RecordCacheLookup(false)
		return models.Link{}, false
	}
	l, ok := s.links[linkID]
	if !ok || l.meta.ID == "" {
		metrics.RecordCacheLookup(false)
		return models.Link{}, false
	}
	metrics.RecordCacheLookup(true)
	return l.meta, true
}

func (c *Cache) countLinks() int {
	n := 0
	for _, s := range c.shares {
		n += len(s.links)
	}
	return n
}

// ─── Child listings ─────────────────────────────────────────────────────────

// SetChildren upserts the given links and merges their ids into the
// parent's listing for the given sort order, per mode.
func (c *Cache) SetChildren(shareID, parentID string, links []models.Link, sort models.SortParams, mode ListMode) {
	c.mu.Lock()
	s := c.share(shareID)
	isNew := mode == ListUnlistedCreate
	ids := make([]string, 0, len(links))
	for _, meta := range links {
		c.upsertLink(s, meta, isNew)
		ids = append(ids, meta.ID)
	}

	parent := s.link(parentID)
	switch mode {
	case ListComplete, ListIncremental:
		list := parent.ensureListing(s, sort)
		list.ids = dedupAppend(list.ids, ids)
		list.initialized = true
		parent.unlisted = lo.Without(parent.unlisted, ids...)
		if mode == ListComplete {
			list.complete = true
			parent.fillAllLists(s, sort)
		}
	case ListUnlisted, ListUnlistedCreate:
		parent.unlisted = appendMissing(parent.unlisted, parent.listedIDs(), ids)
	}
	metrics.SetCacheNodes(c.countLinks())
	c.mu.Unlock()
	c.notify()
}

// fillAllLists propagates a completed listing to every other sort order,
// re-sorted per order, so they need no paging of their own.
func (l *cachedLink) fillAllLists(s *shareState, src models.SortParams) {
	full := l.sorted[src]
	for sort, list := range l.sorted {
		if sort == src {
			continue
		}
		list.ids = s.sortIDs(full.ids, sort)
		list.complete = true
		list.initialized = true
	}
	l.unlisted = nil
}

// listedIDs returns the union of all ordered listings of the folder.
func (l *cachedLink) listedIDs() map[string]struct{} {
	seen := make(map[string]struct{})
	for _, list := range l.sorted {
		for _, id := range list.ids {
			seen[id] = struct{}{}
		}
	}
	return seen
}

// SetFoldersOnly merges links into the parent's folders-only index.
func (c *Cache) SetFoldersOnly(shareID, parentID string, links []models.Link, mode ListMode) {
	c.mu.Lock()
	s := c.share(shareID)
	ids := make([]string, 0, len(links))
	for _, meta := range links {
		c.upsertLink(s, meta, mode == ListUnlistedCreate)
		ids = append(ids, meta.ID)
	}

	parent := s.link(parentID)
	switch mode {
	case ListComplete, ListIncremental:
		parent.foldersOnly.ids = dedupAppend(parent.foldersOnly.ids, ids)
		parent.foldersOnly.initialized = true
		parent.foldersOnlyUnlisted = lo.Without(parent.foldersOnlyUnlisted, ids...)
		if mode == ListComplete {
			parent.foldersOnly.complete = true
		}
	case ListUnlisted, ListUnlistedCreate:
		seen := make(map[string]struct{}, len(parent.foldersOnly.ids))
		for _, id := range parent.foldersOnly.ids {
			seen[id] = struct{}{}
		}
		parent.foldersOnlyUnlisted = appendMissing(parent.foldersOnlyUnlisted, seen, ids)
	}
	c.mu.Unlock()
	c.notify()
}

// Children returns the merged child ids for (parent, sort): the ordered
// part followed by overlay ids absent from it, deduplicated.
func (c *Cache) Children(shareID, parentID string, sort models.SortParams) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shares[shareID]
	if !ok {
		return nil
	}
	l, ok := s.links[parentID]
	if !ok {
		return nil
	}
	var ordered []string
	if list, exact := l.readListing(sort); list != nil {
		ordered = list.ids
		if !exact {
			ordered = s.sortIDs(ordered, sort)
		}
	}
	return mergeOverlay(ordered, l.unlisted)
}

// ChildrenComplete reports whether the (parent, sort) listing is fully
// paged. Callers must check it before fetching another page.
func (c *Cache) ChildrenComplete(shareID, parentID string, sort models.SortParams) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l := c.peek(shareID, parentID); l != nil {
		if list, _ := l.readListing(sort); list != nil {
			return list.complete
		}
	}
	return false
}

// ChildrenInitialized reports whether any page of (parent, sort) was
// fetched yet.
func (c *Cache) ChildrenInitialized(shareID, parentID string, sort models.SortParams) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l := c.peek(shareID, parentID); l != nil {
		if list, _ := l.readListing(sort); list != nil {
			return list.initialized
		}
	}
	return false
}

// readListing returns the sort's listing, falling back to a completed
// sibling order which by construction holds every child. The second
// return reports whether the ids are stored in the requested order.
func (l *cachedLink) readListing(sort models.SortParams) (*listing, bool) {
	if list, ok := l.sorted[sort]; ok {
		return list, true
	}
	return l.completeListing(), false
}

// FoldersOnly returns the merged folders-only child ids of a folder.
func (c *Cache) FoldersOnly(shareID, parentID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l := c.peek(shareID, parentID); l != nil {
		return mergeOverlay(l.foldersOnly.ids, l.foldersOnlyUnlisted)
	}
	return nil
}

// FoldersOnlyComplete reports whether the folders-only index is fully paged.
func (c *Cache) FoldersOnlyComplete(shareID, parentID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l := c.peek(shareID, parentID); l != nil {
		return l.foldersOnly.complete
	}
	return false
}

func (c *Cache) peek(shareID, linkID string) *cachedLink {
	s, ok := c.shares[shareID]
	if !ok {
		return nil
	}
	return s.links[linkID]
}

// ─── Trash ──────────────────────────────────────────────────────────────────

// SetTrash merges links into a share's trash listing. Links paged in
// after an empty-trash are marked locked: their deletion is already
// scheduled server-side.
func (c *Cache) SetTrash(shareID string, links []models.Link, mode ListMode) {
	c.mu.Lock()
	s := c.share(shareID)
	ids := make([]string, 0, len(links))
	for _, meta := range links {
		c.upsertLink(s, meta, false)
		if s.trashLocked {
			s.link(meta.ID).locked = true
		}
		ids = append(ids, meta.ID)
	}

	switch mode {
	case ListComplete, ListIncremental:
		s.trash.ids = dedupAppend(s.trash.ids, ids)
		s.trash.initialized = true
		s.trashUnlisted = lo.Without(s.trashUnlisted, ids...)
		if mode == ListComplete {
			s.trash.complete = true
		}
	case ListUnlisted, ListUnlistedCreate:
		seen := make(map[string]struct{}, len(s.trash.ids))
		for _, id := range s.trash.ids {
			seen[id] = struct{}{}
		}
		s.trashUnlisted = appendMissing(s.trashUnlisted, seen, ids)
	}
	c.mu.Unlock()
	c.notify()
}

// TrashIDs returns the merged trash listing of a share.
func (c *Cache) TrashIDs(shareID string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shares[shareID]
	if !ok {
		return nil
	}
	return mergeOverlay(s.trash.ids, s.trashUnlisted)
}

// TrashComplete reports whether the trash listing is fully paged.
func (c *Cache) TrashComplete(shareID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shares[shareID]
	return ok && s.trash.complete
}

// LockTrash marks every currently trashed link locked, and future paged
// trash links too, after an empty-trash was scheduled.
func (c *Cache) LockTrash(shareID string) {
	c.mu.Lock()
	s := c.share(shareID)
	s.trashLocked = true
	for _, id := range mergeOverlay(s.trash.ids, s.trashUnlisted) {
		s.link(id).locked = true
	}
	c.mu.Unlock()
	c.notify()
}

// ─── Locks ──────────────────────────────────────────────────────────────────

// SetLinksLocked marks links as participating in a bulk operation, so a
// second conflicting operation cannot be enqueued on the same ids.
func (c *Cache) SetLinksLocked(shareID string, linkIDs []string, locked bool) {
	c.mu.Lock()
	s := c.share(shareID)
	for _, id := range linkIDs {
		s.link(id).locked = locked
	}
	c.mu.Unlock()
	c.notify()
}

// IsLinkLocked reports whether a link is held by a bulk operation.
func (c *Cache) IsLinkLocked(shareID, linkID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l := c.peek(shareID, linkID); l != nil {
		return l.locked
	}
	return false
}

// ─── Deletion ───────────────────────────────────────────────────────────────

// DeleteLinks removes ids from every listing location. Soft delete keeps
// the link entries (the ids now live elsewhere per the event that
// triggered the move or trash); hard delete removes the entries and all
// cached descendants recursively.
func (c *Cache) DeleteLinks(shareID string, linkIDs []string, softDelete bool) {
	c.mu.Lock()
	s, ok := c.shares[shareID]
	if !ok {
		c.mu.Unlock()
		return
	}
	c.removeFromListings(s, linkIDs)
	if !softDelete {
		for _, id := range linkIDs {
			c.deleteRecursive(s, id)
		}
	}
	metrics.SetCacheNodes(c.countLinks())
	c.mu.Unlock()
	c.notify()
}

func (c *Cache) removeFromListings(s *shareState, ids []string) {
	for _, l := range s.links {
		for _, list := range l.sorted {
			list.ids = lo.Without(list.ids, ids...)
		}
		l.unlisted = lo.Without(l.unlisted, ids...)
		l.foldersOnly.ids = lo.Without(l.foldersOnly.ids, ids...)
		l.foldersOnlyUnlisted = lo.Without(l.foldersOnlyUnlisted, ids...)
	}
	s.trash.ids = lo.Without(s.trash.ids, ids...)
	s.trashUnlisted = lo.Without(s.trashUnlisted, ids...)
}

func (c *Cache) deleteRecursive(s *shareState, id string) {
	l, ok := s.links[id]
	if !ok {
		return
	}
	children := mergeOverlay(nil, l.unlisted)
	for _, list := range l.sorted {
		children = dedupAppend(children, list.ids)
	}
	delete(s.links, id)
	for _, child := range children {
		c.deleteRecursive(s, child)
	}
}

// AncestorsTrashed reports whether the link or any cached ancestor is
// trashed.
func (c *Cache) AncestorsTrashed(shareID, linkID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.shares[shareID]
	if !ok {
		return false
	}
	for id := linkID; id != ""; {
		l, ok := s.links[id]
		if !ok || l.meta.ID == "" {
			return false
		}
		if l.meta.IsTrashed() {
			return true
		}
		id = l.meta.ParentID
	}
	return false
}

// ─── Key slots ──────────────────────────────────────────────────────────────

// SetLinkKeyPair stores a link's decrypted passphrase and key pair.
func (c *Cache) SetLinkKeyPair(shareID, linkID string, passphrase []byte, pair *crypto.KeyPair) {
	c.mu.Lock()
	l := c.share(shareID).link(linkID)
	l.keys.Passphrase = passphrase
	l.keys.Pair = pair
	c.mu.Unlock()
}

// SetLinkHashKey stores a folder's decrypted hash key.
func (c *Cache) SetLinkHashKey(shareID, linkID string, hashKey []byte) {
	c.mu.Lock()
	c.share(shareID).link(linkID).keys.HashKey = hashKey
	c.mu.Unlock()
}

// SetLinkSessionKey stores a file's unwrapped content session key.
func (c *Cache) SetLinkSessionKey(shareID, linkID string, sessionKey []byte) {
	c.mu.Lock()
	c.share(shareID).link(linkID).keys.SessionKey = sessionKey
	c.mu.Unlock()
}

// LinkKeys returns a link's cached key material. Fields may be nil when
// not yet resolved.
func (c *Cache) LinkKeys(shareID, linkID string) LinkKeys {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if l := c.peek(shareID, linkID); l != nil {
		return l.keys
	}
	return LinkKeys{}
}

// ─── helpers ────────────────────────────────────────────────────────────────

// dedupAppend appends newIDs at the end of ids, first removing earlier
// occurrences so a refetched page cannot duplicate entries.
func dedupAppend(ids, newIDs []string) []string {
	if len(newIDs) == 0 {
		return ids
	}
	out := lo.Without(ids, newIDs...)
	return append(out, newIDs...)
}

// appendMissing appends ids to overlay unless already listed or present.
func appendMissing(overlay []string, listed map[string]struct{}, ids []string) []string {
	have := make(map[string]struct{}, len(overlay))
	for _, id := range overlay {
		have[id] = struct{}{}
	}
	for _, id := range ids {
		if _, ok := listed[id]; ok {
			continue
		}
		if _, ok := have[id]; ok {
			continue
		}
		overlay = append(overlay, id)
		have[id] = struct{}{}
	}
	return overlay
}

// mergeOverlay returns ordered followed by overlay ids absent from it.
func mergeOverlay(ordered, overlay []string) []string {
	out := append([]string(nil), ordered...)
	seen := make(map[string]struct{}, len(ordered))
	for _, id := range ordered {
		seen[id] = struct{}{}
	}
	for _, id := range overlay {
		if _, ok := seen[id]; !ok {
			out = append(out, id)
			seen[id] = struct{}{}
		}
	}
	return out
}
