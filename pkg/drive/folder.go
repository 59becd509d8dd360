package drive

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/fruitsalade/pomelo/internal/metrics"
	"github.com/fruitsalade/pomelo/pkg/crypto"
	"github.com/fruitsalade/pomelo/pkg/models"
	"github.com/fruitsalade/pomelo/pkg/protocol"
)

// folderResolution memoizes one directory creation within an upload
// batch so sibling files share it instead of racing.
type folderResolution struct {
	once sync.Once
	id   string
	err  error
}

type folderResolutions struct {
	mu      sync.Mutex
	targets map[string]*folderResolution
}

func (f *folderResolutions) get(key string) *folderResolution {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.targets[key]
	if !ok {
		r = &folderResolution{}
		f.targets[key] = r
	}
	return r
}

// resolveFolderPath walks a slash-separated relative path below parentID,
// creating each missing segment. Segments already seen in this batch are
// reused.
func (e *UploadEngine) resolveFolderPath(ctx context.Context, shareID, parentID, dir string, folders *folderResolutions) (string, error) {
	current := parentID
	walked := ""
	for _, segment := range strings.Split(dir, "/") {
		walked += "/" + strings.ToLower(segment)
		res := folders.get(parentID + walked)
		parent := current
		res.once.Do(func() {
			res.id, res.err = e.CreateFolder(ctx, shareID, parent, segment)
		})
		if res.err != nil {
			return "", res.err
		}
		current = res.id
	}
	return current, nil
}

// CreateFolder creates a folder under parentID, negotiating name
// conflicts through the engine's handler. Creations targeting the same
// (parent, lowercase name) pair are serialized so concurrent callers
// converge on one folder instead of two. The creation runs through the
// transfer queue as a folder entry; there is no Finalizing stage.
func (e *UploadEngine) CreateFolder(ctx context.Context, shareID, parentID, name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	t := e.trackFolder(shareID, parentID, name)

	key := parentID + "/" + strings.ToLower(name)
	e.setState(t, models.TransferPending, nil)
	var id string
	err := e.folderQueue.Run(ctx, key, func() error {
		if err := e.folderSem.Acquire(ctx); err != nil {
			return err
		}
		defer e.folderSem.Release()
		e.setState(t, models.TransferProgress, nil)
		var err error
		id, err = e.createFolder(ctx, shareID, parentID, name)
		return err
	})

	switch {
	case err == nil:
		e.mu.Lock()
		t.meta.LinkID = id
		e.mu.Unlock()
		e.setState(t, models.TransferDone, nil)
	case models.IsCancel(err) || errors.Is(err, context.Canceled):
		e.setState(t, models.TransferCanceled, err)
	default:
		e.setState(t, models.TransferError, err)
	}
	return id, err
}

// trackFolder registers a folder creation in the transfer queue.
func (e *UploadEngine) trackFolder(shareID, parentID, name string) *transfer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &transfer{
		meta: models.Transfer{
			ID:       ksuid.New().String(),
			Kind:     models.TransferFolder,
			ShareID:  shareID,
			ParentID: parentID,
			Name:     name,
			State:    models.TransferInitializing,
		},
		ctx:    ctx,
		cancel: cancel,
	}
	e.mu.Lock()
	e.transfers[t.meta.ID] = t
	e.order = append(e.order, t.meta.ID)
	e.mu.Unlock()
	return t
}

func (e *UploadEngine) createFolder(ctx context.Context, shareID, parentID, name string) (string, error) {
	parentKeys, err := e.resolver.LinkKeyPair(ctx, shareID, parentID)
	if err != nil {
		return "", err
	}
	hashKey, err := e.resolver.HashKey(ctx, shareID, parentID)
	if err != nil {
		return "", err
	}

	chosen, conflict, err := e.findAvailableName(ctx, shareID, parentID, hashKey, name)
	if err != nil {
		return "", err
	}
	if conflict != nil {
		strategy, err := e.resolveConflict(ctx, Conflict{
			ShareID:   shareID,
			ParentID:  parentID,
			Name:      name,
			IsFolder:  true,
			Suggested: chosen,
		})
		if err != nil {
			return "", err
		}
		metrics.RecordConflict(strategy.String())
		switch strategy {
		case models.ConflictSkip:
			return "", &models.CancelError{Reason: "skipped by conflict resolution"}
		case models.ConflictRename:
			// fall through with the suggested name
		case models.ConflictMerge:
			if existing := conflict.Existing; existing != nil && existing.Type == models.LinkTypeFolder {
				return existing.ID, nil
			}
			return "", &models.UploadUserError{Err: fmt.Errorf("cannot merge into %q: existing entry is not a folder", name)}
		case models.ConflictReplace:
			if existing := conflict.Existing; existing != nil {
				if _, err := e.client.TrashLinks(ctx, shareID, []string{existing.ID}); err != nil {
					return "", fmt.Errorf("trashing replaced folder: %w", err)
				}
				trashed := *existing
				trashed.Trashed = time.Now().Unix()
				e.cache.SetTrash(shareID, []models.Link{trashed}, ListUnlisted)
			}
			chosen = name
		}
	}

	nameHash := crypto.LookupHash(hashKey, chosen)
	keys, err := crypto.GenerateNodeKeys(parentKeys.Public, e.identity.Signer())
	if err != nil {
		return "", err
	}
	childHashKey, err := crypto.GenerateSecret()
	if err != nil {
		return "", err
	}
	encHashKey, err := crypto.WrapKey(keys.Pair.Public, childHashKey)
	if err != nil {
		return "", err
	}
	encName, err := crypto.SealTo(parentKeys.Public, []byte(chosen))
	if err != nil {
		return "", err
	}

	id, err := e.client.CreateFolder(ctx, shareID, protocol.CreateFolderRequest{
		ParentID:            parentID,
		Name:                encName,
		NameHash:            nameHash,
		Key:                 keys.Key,
		Passphrase:          keys.Passphrase,
		PassphraseSignature: keys.PassphraseSignature,
		SignatureAddress:    e.identity.Address(),
		HashKey:             encHashKey,
	})
	if err != nil {
		return "", fmt.Errorf("creating folder: %w", err)
	}

	created := models.Link{
		ID:       id,
		ParentID: parentID,
		Type:     models.LinkTypeFolder,
		Name:     chosen,
		NameHash: nameHash,
		Folder:   &models.FolderProperties{EncryptedHashKey: encHashKey},
	}
	e.cache.SetChildren(shareID, parentID, []models.Link{created}, models.DefaultSort, ListUnlistedCreate)
	e.cache.SetFoldersOnly(shareID, parentID, []models.Link{created}, ListUnlistedCreate)
	e.cache.SetLinkKeyPair(shareID, id, keys.Secret, keys.Pair)
	e.cache.SetLinkHashKey(shareID, id, childHashKey)
	return id, nil
}
