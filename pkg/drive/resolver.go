package drive

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/fruitsalade/pomelo/internal/logging"
	"github.com/fruitsalade/pomelo/internal/metrics"
	"github.com/fruitsalade/pomelo/pkg/crypto"
	"github.com/fruitsalade/pomelo/pkg/models"
	"github.com/fruitsalade/pomelo/pkg/protocol"
	"github.com/fruitsalade/pomelo/pkg/queue"
)

// corruptedName is shown for links whose name cannot be decrypted.
const corruptedName = "�"

// fetchErrorBackoff is how long a missing link stays negative-cached, so
// descendants of a vanished parent do not hammer the server.
const fetchErrorBackoff = 10 * time.Minute

const verificationKeyCacheSize = 256

// resolver derives and caches the key material of shares and links. A
// resolved key is never re-derived within a session.
type resolver struct {
	cache    *Cache
	client   Client
	identity Identity

	dedup queue.Dedup

	verifKeys *lru.Cache[string, []ed25519.PublicKey]

	mu          sync.Mutex
	fetchErrors map[string]time.Time
}

func newResolver(cache *Cache, client Client, identity Identity) *resolver {
	keys, _ := lru.New[string, []ed25519.PublicKey](verificationKeyCacheSize)
	return &resolver{
		cache:       cache,
		client:      client,
		identity:    identity,
		verifKeys:   keys,
		fetchErrors: make(map[string]time.Time),
	}
}

// ShareKeys resolves a share's key pair, decrypting its passphrase with
// the address key. A share whose passphrase no longer decrypts is locked.
func (r *resolver) ShareKeys(ctx context.Context, shareID string) (ShareKeys, error) {
	if keys, ok := r.cache.ShareKeys(shareID); ok {
		return keys, nil
	}

	v, err := r.dedup.Do("share-keys:"+shareID, func() (interface{}, error) {
		if keys, ok := r.cache.ShareKeys(shareID); ok {
			return keys, nil
		}
		meta, err := r.shareMeta(ctx, shareID)
		if err != nil {
			return nil, err
		}

		verification, err := r.verificationKeys(ctx, meta.Creator)
		if err != nil {
			return nil, err
		}
		passphrase, err := decryptWithAny(r.identity.Pair(), verification, meta.Passphrase, meta.PassphraseSignature)
		if err != nil {
			metrics.RecordKeyResolution("share", false)
			return nil, fmt.Errorf("share %s is locked: %w", shareID, err)
		}
		pair, err := crypto.UnlockKeyPair(meta.Key, passphrase)
		if err != nil {
			metrics.RecordKeyResolution("share", false)
			return nil, fmt.Errorf("unlocking share key: %w", err)
		}

		keys := ShareKeys{Passphrase: passphrase, Pair: pair}
		r.cache.SetShareKeys(shareID, keys)
		metrics.RecordKeyResolution("share", true)
		return keys, nil
	})
	if err != nil {
		return ShareKeys{}, err
	}
	return v.(ShareKeys), nil
}

func (r *resolver) shareMeta(ctx context.Context, shareID string) (models.Share, error) {
	if meta, ok := r.cache.ShareMeta(shareID); ok {
		return meta, nil
	}
	meta, err := r.client.Share(ctx, shareID)
	if err != nil {
		return models.Share{}, err
	}
	r.cache.SetShareMeta(meta)
	return meta, nil
}

// LinkKeyPair resolves a link's key pair by walking the parent chain.
func (r *resolver) LinkKeyPair(ctx context.Context, shareID, linkID string) (*crypto.KeyPair, error) {
	if keys := r.cache.LinkKeys(shareID, linkID); keys.Pair != nil {
		return keys.Pair, nil
	}

	v, err := r.dedup.Do("link-keys:"+shareID+":"+linkID, func() (interface{}, error) {
		if keys := r.cache.LinkKeys(shareID, linkID); keys.Pair != nil {
			return keys.Pair, nil
		}

		link, err := r.Link(ctx, shareID, linkID)
		if err != nil {
			return nil, err
		}

		parentPair, err := r.parentKeyPair(ctx, shareID, link.ParentID)
		if err != nil {
			return nil, err
		}
		verification, err := r.verificationKeys(ctx, link.SignatureAddress)
		if err != nil {
			return nil, err
		}

		passphrase, err := decryptWithAny(parentPair, verification, link.Passphrase, link.PassphraseSignature)
		if err != nil {
			metrics.RecordKeyResolution("link", false)
			return nil, &models.SignatureError{ShareID: shareID, LinkID: linkID, What: "passphrase"}
		}
		pair, err := crypto.UnlockKeyPair(link.NodeKey, passphrase)
		if err != nil {
			metrics.RecordKeyResolution("link", false)
			return nil, fmt.Errorf("unlocking key of link %s: %w", linkID, err)
		}

		r.cache.SetLinkKeyPair(shareID, linkID, passphrase, pair)
		metrics.RecordKeyResolution("link", true)
		return pair, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*crypto.KeyPair), nil
}

func (r *resolver) parentKeyPair(ctx context.Context, shareID, parentID string) (*crypto.KeyPair, error) {
	if parentID == "" {
		keys, err := r.ShareKeys(ctx, shareID)
		if err != nil {
			return nil, err
		}
		return keys.Pair, nil
	}
	return r.LinkKeyPair(ctx, shareID, parentID)
}

// HashKey resolves a folder's hash key. Asking a file for one is a
// caller error surfaced as MissingKeyError.
func (r *resolver) HashKey(ctx context.Context, shareID, linkID string) ([]byte, error) {
	if keys := r.cache.LinkKeys(shareID, linkID); keys.HashKey != nil {
		return keys.HashKey, nil
	}

	v, err := r.dedup.Do("hash-key:"+shareID+":"+linkID, func() (interface{}, error) {
		if keys := r.cache.LinkKeys(shareID, linkID); keys.HashKey != nil {
			return keys.HashKey, nil
		}
		link, err := r.Link(ctx, shareID, linkID)
		if err != nil {
			return nil, err
		}
		if link.Type != models.LinkTypeFolder || link.Folder == nil || len(link.Folder.EncryptedHashKey) == 0 {
			return nil, &models.MissingKeyError{ShareID: shareID, LinkID: linkID, Kind: "hash key"}
		}
		pair, err := r.LinkKeyPair(ctx, shareID, linkID)
		if err != nil {
			return nil, err
		}
		hashKey, err := crypto.UnwrapKey(pair, link.Folder.EncryptedHashKey)
		if err != nil {
			metrics.RecordKeyResolution("hash_key", false)
			return nil, fmt.Errorf("decrypting hash key of %s: %w", linkID, err)
		}
		r.cache.SetLinkHashKey(shareID, linkID, hashKey)
		metrics.RecordKeyResolution("hash_key", true)
		return hashKey, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// SessionKey resolves a file's content session key. Asking a folder for
// one is a caller error surfaced as MissingKeyError.
func (r *resolver) SessionKey(ctx context.Context, shareID, linkID string) ([]byte, error) {
	if keys := r.cache.LinkKeys(shareID, linkID); keys.SessionKey != nil {
		return keys.SessionKey, nil
	}

	v, err := r.dedup.Do("session-key:"+shareID+":"+linkID, func() (interface{}, error) {
		if keys := r.cache.LinkKeys(shareID, linkID); keys.SessionKey != nil {
			return keys.SessionKey, nil
		}
		link, err := r.Link(ctx, shareID, linkID)
		if err != nil {
			return nil, err
		}
		if link.Type != models.LinkTypeFile || link.File == nil || len(link.File.ContentKeyPacket) == 0 {
			return nil, &models.MissingKeyError{ShareID: shareID, LinkID: linkID, Kind: "content key"}
		}
		pair, err := r.LinkKeyPair(ctx, shareID, linkID)
		if err != nil {
			return nil, err
		}
		sessionKey, err := crypto.UnwrapKey(pair, link.File.ContentKeyPacket)
		if err != nil {
			metrics.RecordKeyResolution("session_key", false)
			return nil, fmt.Errorf("unwrapping content key of %s: %w", linkID, err)
		}
		r.cache.SetLinkSessionKey(shareID, linkID, sessionKey)
		metrics.RecordKeyResolution("session_key", true)
		return sessionKey, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Link returns a link's decrypted metadata, cache first, fetching and
// decrypting on a miss. Missing links are negative-cached for a backoff
// window.
func (r *resolver) Link(ctx context.Context, shareID, linkID string) (models.Link, error) {
	if link, ok := r.cache.Link(shareID, linkID); ok {
		return link, nil
	}

	key := shareID + ":" + linkID
	r.mu.Lock()
	if until, ok := r.fetchErrors[key]; ok {
		if time.Now().Before(until) {
			r.mu.Unlock()
			return models.Link{}, &models.NotFoundError{ShareID: shareID, LinkID: linkID}
		}
		delete(r.fetchErrors, key)
	}
	r.mu.Unlock()

	v, err := r.dedup.Do("link:"+key, func() (interface{}, error) {
		if link, ok := r.cache.Link(shareID, linkID); ok {
			return link, nil
		}
		wire, err := r.client.Link(ctx, shareID, linkID)
		if err != nil {
			if models.IsNotFound(err) {
				r.mu.Lock()
				r.fetchErrors[key] = time.Now().Add(fetchErrorBackoff)
				r.mu.Unlock()
			}
			return nil, err
		}
		link, err := r.DecryptLink(ctx, shareID, wire)
		if err != nil {
			return nil, err
		}
		r.cache.SetLinks(shareID, []models.Link{link}, false)
		return link, nil
	})
	if err != nil {
		return models.Link{}, err
	}
	return v.(models.Link), nil
}

// DecryptLink converts a wire link into its decrypted form. A name that
// fails to decrypt yields a placeholder instead of an error, so one
// corrupt link cannot poison a listing.
func (r *resolver) DecryptLink(ctx context.Context, shareID string, wire protocol.Link) (models.Link, error) {
	link := models.Link{
		ID:                  wire.ID,
		ParentID:            wire.ParentID,
		Type:                models.LinkType(wire.Type),
		NameHash:            wire.NameHash,
		EncryptedName:       wire.Name,
		NodeKey:             wire.Key,
		Passphrase:          wire.Passphrase,
		PassphraseSignature: wire.PassphraseSignature,
		SignatureAddress:    wire.SignatureAddress,
		Size:                wire.Size,
		ModifyTime:          time.Unix(wire.ModifyTime, 0),
		CreateTime:          time.Unix(wire.CreateTime, 0),
		Trashed:             wire.Trashed,
	}
	switch link.Type {
	case models.LinkTypeFolder:
		link.Folder = &models.FolderProperties{EncryptedHashKey: wire.HashKey}
	case models.LinkTypeFile:
		link.File = &models.FileProperties{
			ActiveRevisionID: wire.ActiveRevisionID,
			ContentKeyPacket: wire.ContentKeyPacket,
			HasThumbnail:     wire.HasThumbnail,
			MIMEType:         wire.MIMEType,
		}
	default:
		return models.Link{}, fmt.Errorf("link %s has unknown type %d", wire.ID, wire.Type)
	}

	name, err := r.decryptName(ctx, shareID, wire)
	if err != nil {
		logging.Warn("link name decryption failed",
			zap.String("share_id", shareID),
			zap.String("link_id", wire.ID),
			logging.Err(err))
		link.Name = corruptedName
		link.Corrupted = true
		return link, nil
	}
	link.Name = name
	return link, nil
}

func (r *resolver) decryptName(ctx context.Context, shareID string, wire protocol.Link) (string, error) {
	parentPair, err := r.parentKeyPair(ctx, shareID, wire.ParentID)
	if err != nil {
		return "", err
	}
	name, err := crypto.OpenWith(parentPair, wire.Name)
	if err != nil {
		return "", err
	}
	return string(name), nil
}

// verificationKeys returns the signer address's public keys, LRU-cached.
func (r *resolver) verificationKeys(ctx context.Context, address string) ([]ed25519.PublicKey, error) {
	if keys, ok := r.verifKeys.Get(address); ok {
		return keys, nil
	}
	resp, err := r.client.AddressKeys(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("fetching verification keys for %s: %w", address, err)
	}
	keys := make([]ed25519.PublicKey, 0, len(resp.VerificationKeys))
	for _, raw := range resp.VerificationKeys {
		if len(raw) == ed25519.PublicKeySize {
			keys = append(keys, ed25519.PublicKey(raw))
		}
	}
	r.verifKeys.Add(address, keys)
	return keys, nil
}

// decryptWithAny opens a sealed passphrase and accepts the signature if
// any of the address's published keys verifies it.
func decryptWithAny(pair *crypto.KeyPair, verification []ed25519.PublicKey, sealed, sig []byte) ([]byte, error) {
	var lastErr error
	for _, key := range verification {
		passphrase, err := crypto.DecryptPassphrase(pair, key, sealed, sig)
		if err == nil {
			return passphrase, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no verification keys available")
	}
	return nil, lastErr
}
