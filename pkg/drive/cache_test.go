package drive

import (
	"fmt"
	"reflect"
	"testing"
	"time"

	"github.com/fruitsalade/pomelo/pkg/models"
)

const testShare = "share-1"

func folderLink(id, parentID, name string) models.Link {
	return models.Link{
		ID:       id,
		ParentID: parentID,
		Type:     models.LinkTypeFolder,
		Name:     name,
		Folder:   &models.FolderProperties{},
	}
}

func fileLink(id, parentID, name, revisionID string) models.Link {
	return models.Link{
		ID:       id,
		ParentID: parentID,
		Type:     models.LinkTypeFile,
		Name:     name,
		File:     &models.FileProperties{ActiveRevisionID: revisionID},
	}
}

func TestChildrenMergesOverlayAfterOrderedPart(t *testing.T) {
	c := NewCache()
	c.SetChildren(testShare, "root", []models.Link{
		fileLink("a", "root", "a.txt", "r1"),
		fileLink("b", "root", "b.txt", "r2"),
	}, models.DefaultSort, ListIncremental)
	c.SetChildren(testShare, "root", []models.Link{
		fileLink("c", "root", "c.txt", "r3"),
		fileLink("b", "root", "b.txt", "r2"), // already listed
	}, models.DefaultSort, ListUnlisted)

	got := c.Children(testShare, "root", models.DefaultSort)
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("children = %v, want %v", got, want)
	}
}

func TestChildrenNoDuplicatesOnRefetchedPage(t *testing.T) {
	c := NewCache()
	c.SetChildren(testShare, "root", []models.Link{
		fileLink("a", "root", "a.txt", "r1"),
		fileLink("b", "root", "b.txt", "r2"),
	}, models.DefaultSort, ListIncremental)
	// A refetch of the same page must not duplicate ids.
	c.SetChildren(testShare, "root", []models.Link{
		fileLink("b", "root", "b.txt", "r2"),
		fileLink("c", "root", "c.txt", "r3"),
	}, models.DefaultSort, ListComplete)

	got := c.Children(testShare, "root", models.DefaultSort)
	seen := map[string]int{}
	for _, id := range got {
		seen[id]++
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("id %s appears %d times", id, n)
		}
	}
	if !c.ChildrenComplete(testShare, "root", models.DefaultSort) {
		t.Error("listing must be complete after a complete page")
	}
}

func TestUnlistedCreateIsIdempotent(t *testing.T) {
	c := NewCache()
	link := folderLink("f1", "root", "New Folder")
	c.SetChildren(testShare, "root", []models.Link{link}, models.DefaultSort, ListUnlistedCreate)
	c.SetChildren(testShare, "root", []models.Link{link}, models.DefaultSort, ListUnlistedCreate)

	got := c.Children(testShare, "root", models.DefaultSort)
	if len(got) != 1 || got[0] != "f1" {
		t.Errorf("children = %v, want exactly [f1]", got)
	}
}

func TestUnlistedCreateMarksNewFolderComplete(t *testing.T) {
	c := NewCache()
	c.SetChildren(testShare, "root", []models.Link{folderLink("f1", "root", "New")}, models.DefaultSort, ListUnlistedCreate)

	if !c.ChildrenComplete(testShare, "f1", models.DefaultSort) {
		t.Error("a freshly created folder's listing must be complete")
	}
	if got := c.Children(testShare, "f1", models.DefaultSort); len(got) != 0 {
		t.Errorf("new folder children = %v, want empty", got)
	}
	if !c.FoldersOnlyComplete(testShare, "f1") {
		t.Error("new folder's folders-only index must be complete")
	}
}

func TestCompleteListingFillsOtherSortOrders(t *testing.T) {
	c := NewCache()
	c.SetChildren(testShare, "root", []models.Link{
		fileLink("a", "root", "a.txt", "r1"),
		fileLink("b", "root", "b.txt", "r2"),
	}, models.DefaultSort, ListComplete)

	bySize := models.SortParams{Field: models.SortBySize, Direction: models.SortAsc}
	c.SetChildren(testShare, "root", nil, bySize, ListIncremental)
	// A complete listing means no sort order needs further paging.
	if !c.ChildrenComplete(testShare, "root", bySize) {
		t.Error("other sort orders must be complete after fillAllLists")
	}
	if got := c.Children(testShare, "root", bySize); len(got) != 2 {
		t.Errorf("filled listing = %v, want 2 ids", got)
	}
}

func TestFilledSortOrdersAreLocallySorted(t *testing.T) {
	c := NewCache()
	zebra := fileLink("z", "root", "zebra.txt", "r1")
	zebra.Size = 5
	zebra.ModifyTime = time.Unix(200, 0)
	apple := fileLink("a", "root", "apple.txt", "r2")
	apple.Size = 9
	apple.ModifyTime = time.Unix(100, 0)
	// Modified-desc order is [z a].
	c.SetChildren(testShare, "root", []models.Link{zebra, apple}, models.DefaultSort, ListComplete)

	byName := models.SortParams{Field: models.SortByName, Direction: models.SortAsc}
	if !c.ChildrenComplete(testShare, "root", byName) {
		t.Fatal("name order must be complete after a complete modified listing")
	}
	if got := c.Children(testShare, "root", byName); !reflect.DeepEqual(got, []string{"a", "z"}) {
		t.Errorf("Children(byName) = %v, want [a z]", got)
	}

	bySizeDesc := models.SortParams{Field: models.SortBySize, Direction: models.SortDesc}
	c.SetChildren(testShare, "root", nil, bySizeDesc, ListIncremental)
	if got := c.Children(testShare, "root", bySizeDesc); !reflect.DeepEqual(got, []string{"a", "z"}) {
		t.Errorf("Children(bySizeDesc) = %v, want [a z]", got)
	}
}

func TestSetLinksPreservesActiveRevision(t *testing.T) {
	c := NewCache()
	c.SetLinks(testShare, []models.Link{fileLink("f", "root", "doc.txt", "rev-5")}, false)

	// Lightweight event payloads omit the active revision.
	c.SetLinks(testShare, []models.Link{fileLink("f", "root", "doc renamed.txt", "")}, false)

	got, ok := c.Link(testShare, "f")
	if !ok {
		t.Fatal("link missing")
	}
	if got.Name != "doc renamed.txt" {
		t.Errorf("name = %q, want updated name", got.Name)
	}
	if got.File.ActiveRevisionID != "rev-5" {
		t.Errorf("active revision = %q, want preserved rev-5", got.File.ActiveRevisionID)
	}

	// An explicit new revision replaces the old one.
	c.SetLinks(testShare, []models.Link{fileLink("f", "root", "doc renamed.txt", "rev-6")}, false)
	got, _ = c.Link(testShare, "f")
	if got.File.ActiveRevisionID != "rev-6" {
		t.Errorf("active revision = %q, want rev-6", got.File.ActiveRevisionID)
	}
}

func TestSoftDeleteKeepsEntryAndClearsListings(t *testing.T) {
	c := NewCache()
	c.SetChildren(testShare, "root", []models.Link{
		folderLink("f1", "root", "docs"),
		fileLink("a", "root", "a.txt", "r1"),
	}, models.DefaultSort, ListComplete)
	c.SetFoldersOnly(testShare, "root", []models.Link{folderLink("f1", "root", "docs")}, ListComplete)

	c.DeleteLinks(testShare, []string{"f1"}, true)

	if got := c.Children(testShare, "root", models.DefaultSort); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("children after soft delete = %v, want [a]", got)
	}
	if got := c.FoldersOnly(testShare, "root"); len(got) != 0 {
		t.Errorf("folders-only after soft delete = %v, want empty", got)
	}
	if _, ok := c.Link(testShare, "f1"); !ok {
		t.Error("soft delete must keep the link entry")
	}
}

func TestHardDeleteRemovesDescendantsRecursively(t *testing.T) {
	c := NewCache()
	c.SetChildren(testShare, "root", []models.Link{folderLink("f1", "root", "docs")}, models.DefaultSort, ListComplete)
	c.SetChildren(testShare, "f1", []models.Link{folderLink("f2", "f1", "nested")}, models.DefaultSort, ListComplete)
	c.SetChildren(testShare, "f2", []models.Link{fileLink("leaf", "f2", "deep.txt", "r")}, models.DefaultSort, ListComplete)

	c.DeleteLinks(testShare, []string{"f1"}, false)

	for _, id := range []string{"f1", "f2", "leaf"} {
		if _, ok := c.Link(testShare, id); ok {
			t.Errorf("link %s must be gone after hard delete", id)
		}
	}
	if got := c.Children(testShare, "root", models.DefaultSort); len(got) != 0 {
		t.Errorf("root children = %v, want empty", got)
	}
}

func TestTrashListingAndLocking(t *testing.T) {
	c := NewCache()
	trashed := fileLink("a", "root", "a.txt", "r1")
	trashed.Trashed = 100
	c.SetTrash(testShare, []models.Link{trashed}, ListUnlisted)

	if got := c.TrashIDs(testShare); !reflect.DeepEqual(got, []string{"a"}) {
		t.Errorf("trash = %v, want [a]", got)
	}

	c.LockTrash(testShare)
	if !c.IsLinkLocked(testShare, "a") {
		t.Error("trashed link must be locked after LockTrash")
	}

	// Links paged in after the empty-trash are locked too.
	late := fileLink("b", "root", "b.txt", "r2")
	late.Trashed = 101
	c.SetTrash(testShare, []models.Link{late}, ListIncremental)
	if !c.IsLinkLocked(testShare, "b") {
		t.Error("late-paged trash link must inherit the lock")
	}
}

func TestSetLinksLockedRoundTrip(t *testing.T) {
	c := NewCache()
	c.SetLinks(testShare, []models.Link{fileLink("a", "root", "a.txt", "r")}, false)

	c.SetLinksLocked(testShare, []string{"a"}, true)
	if !c.IsLinkLocked(testShare, "a") {
		t.Error("link must be locked")
	}
	c.SetLinksLocked(testShare, []string{"a"}, false)
	if c.IsLinkLocked(testShare, "a") {
		t.Error("link must be unlocked")
	}
}

func TestAncestorsTrashed(t *testing.T) {
	c := NewCache()
	parent := folderLink("f1", "root", "docs")
	parent.Trashed = 50
	c.SetLinks(testShare, []models.Link{
		folderLink("root", "", "root"),
		parent,
		fileLink("a", "f1", "a.txt", "r"),
	}, false)

	if !c.AncestorsTrashed(testShare, "a") {
		t.Error("child of a trashed folder must report trashed ancestry")
	}
	if c.AncestorsTrashed(testShare, "root") {
		t.Error("root must not report trashed ancestry")
	}
}

func TestSubscribeNotifiesOnMutation(t *testing.T) {
	c := NewCache()
	calls := 0
	id := c.Subscribe(func() { calls++ })

	c.SetLinks(testShare, []models.Link{fileLink("a", "root", "a.txt", "r")}, false)
	if calls == 0 {
		t.Fatal("subscriber not notified")
	}

	before := calls
	c.Unsubscribe(id)
	c.SetLinks(testShare, []models.Link{fileLink("b", "root", "b.txt", "r")}, false)
	if calls != before {
		t.Error("unsubscribed callback must not fire")
	}
}

func TestShareMetaAndDefaultShare(t *testing.T) {
	c := NewCache()
	c.SetShareMeta(models.Share{ID: "s2", Primary: false})
	c.SetShareMeta(models.Share{ID: "s1", Primary: true})

	if got := c.DefaultShareID(); got != "s1" {
		t.Errorf("default share = %q, want s1", got)
	}
	meta, ok := c.ShareMeta("s2")
	if !ok || meta.ID != "s2" {
		t.Errorf("share meta = %+v, ok=%v", meta, ok)
	}
	if len(c.ShareIDs()) != 2 {
		t.Errorf("share ids = %v", c.ShareIDs())
	}
}

func TestMergedListingPropertyManyPages(t *testing.T) {
	c := NewCache()
	var page []models.Link
	for i := 0; i < 30; i++ {
		page = append(page, fileLink(fmt.Sprintf("file-%02d", i), "root", fmt.Sprintf("%02d.txt", i), "r"))
		if len(page) == 10 {
			mode := ListIncremental
			if i == 29 {
				mode = ListComplete
			}
			c.SetChildren(testShare, "root", page, models.DefaultSort, mode)
			page = nil
		}
	}
	// Overlay arrivals for ids already listed must vanish in the merge.
	c.SetChildren(testShare, "root", []models.Link{
		fileLink("file-05", "root", "05.txt", "r"),
		fileLink("extra", "root", "extra.txt", "r"),
	}, models.DefaultSort, ListUnlisted)

	got := c.Children(testShare, "root", models.DefaultSort)
	if len(got) != 31 {
		t.Fatalf("merged listing has %d ids, want 31", len(got))
	}
	if got[30] != "extra" {
		t.Errorf("overlay id must come last, got %v", got[27:])
	}
}
