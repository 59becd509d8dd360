// Package crypto implements the key-hierarchy primitives: per-node key
// pairs, passphrases sealed to parent keys, symmetric content keys, name
// lookup hashes, and signed block manifests.
//
// Asymmetric operations use NaCl box (Curve25519), symmetric ones NaCl
// secretbox, signatures Ed25519, and content hashes BLAKE2b.
package crypto

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// KeySize is the byte length of symmetric keys and passphrases.
	KeySize = 32

	nonceSize = 24
)

// KeyPair is a Curve25519 box key pair.
type KeyPair struct {
	Public  *[KeySize]byte
	Private *[KeySize]byte
}

// GenerateKeyPair creates a fresh box key pair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating key pair: %w", err)
	}
	return &KeyPair{Public: pub, Private: priv}, nil
}

// GenerateSecret returns KeySize random bytes, used for passphrases,
// hash keys, and content session keys.
func GenerateSecret() ([]byte, error) {
	secret := make([]byte, KeySize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating secret: %w", err)
	}
	return secret, nil
}

// SealTo encrypts msg so only the holder of pub's private half can read it.
func SealTo(pub *[KeySize]byte, msg []byte) ([]byte, error) {
	out, err := box.SealAnonymous(nil, msg, pub, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("sealing to public key: %w", err)
	}
	return out, nil
}

// OpenWith decrypts a SealTo ciphertext with the recipient key pair.
func OpenWith(kp *KeyPair, ciphertext []byte) ([]byte, error) {
	msg, ok := box.OpenAnonymous(nil, ciphertext, kp.Public, kp.Private)
	if !ok {
		return nil, fmt.Errorf("opening sealed box: decryption failed")
	}
	return msg, nil
}

// SealSymmetric encrypts msg with a KeySize symmetric key. The nonce is
// prefixed to the ciphertext.
func SealSymmetric(key, msg []byte) ([]byte, error) {
	k, err := toKey(key)
	if err != nil {
		return nil, err
	}
	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return secretbox.Seal(nonce[:], msg, &nonce, k), nil
}

// OpenSymmetric decrypts a SealSymmetric ciphertext.
func OpenSymmetric(key, ciphertext []byte) ([]byte, error) {
	k, err := toKey(key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("ciphertext too short: %d bytes", len(ciphertext))
	}
	var nonce [nonceSize]byte
	copy(nonce[:], ciphertext[:nonceSize])
	msg, ok := secretbox.Open(nil, ciphertext[nonceSize:], &nonce, k)
	if !ok {
		return nil, fmt.Errorf("opening secretbox: decryption failed")
	}
	return msg, nil
}

// LockKeyPair serializes a key pair encrypted under a passphrase. The
// public half stays in the clear so sealing to the node never needs the
// passphrase.
func LockKeyPair(kp *KeyPair, passphrase []byte) ([]byte, error) {
	sealed, err := SealSymmetric(passphrase, kp.Private[:])
	if err != nil {
		return nil, fmt.Errorf("locking key pair: %w", err)
	}
	out := make([]byte, 0, KeySize+len(sealed))
	out = append(out, kp.Public[:]...)
	return append(out, sealed...), nil
}

// PublicHalf extracts the public key from a LockKeyPair blob without
// needing the passphrase.
func PublicHalf(blob []byte) (*[KeySize]byte, error) {
	if len(blob) < KeySize {
		return nil, fmt.Errorf("key blob too short: %d bytes", len(blob))
	}
	var pub [KeySize]byte
	copy(pub[:], blob[:KeySize])
	return &pub, nil
}

// UnlockKeyPair recovers a key pair from a LockKeyPair blob.
func UnlockKeyPair(blob, passphrase []byte) (*KeyPair, error) {
	pub, err := PublicHalf(blob)
	if err != nil {
		return nil, err
	}
	priv, err := OpenSymmetric(passphrase, blob[KeySize:])
	if err != nil {
		return nil, fmt.Errorf("unlocking key pair: %w", err)
	}
	k, err := toKey(priv)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Public: pub, Private: k}, nil
}

// Signer is an Ed25519 signing identity (an address key).
type Signer struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateSigner creates a fresh signing identity.
func GenerateSigner() (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating signer: %w", err)
	}
	return &Signer{Public: pub, Private: priv}, nil
}

// Sign returns a detached signature over msg.
func (s *Signer) Sign(msg []byte) []byte {
	return ed25519.Sign(s.Private, msg)
}

// Verify checks a detached signature against a verification key.
func Verify(pub ed25519.PublicKey, msg, sig []byte) bool {
	return len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, msg, sig)
}

// LookupHash derives the case-insensitive name hash used for duplicate
// detection: HMAC-SHA256 of the lowercased name under the parent's hash
// key, hex encoded.
func LookupHash(hashKey []byte, name string) string {
	mac := hmac.New(sha256.New, hashKey)
	mac.Write([]byte(strings.ToLower(name)))
	return hex.EncodeToString(mac.Sum(nil))
}

// BlockHash returns the BLAKE2b-256 digest of an encrypted block, the
// unit entries of the signed manifest.
func BlockHash(data []byte) []byte {
	sum := blake2b.Sum256(data)
	return sum[:]
}

// Manifest concatenates block hashes in index order into the byte string
// the revision signature covers.
func Manifest(hashes [][]byte) []byte {
	out := make([]byte, 0, len(hashes)*blake2b.Size256)
	for _, h := range hashes {
		out = append(out, h...)
	}
	return out
}

func toKey(b []byte) (*[KeySize]byte, error) {
	if len(b) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(b))
	}
	var k [KeySize]byte
	copy(k[:], b)
	return &k, nil
}
