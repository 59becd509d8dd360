package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// NodeKeys is the freshly generated key material for a new folder or file
// node, in the form the server stores it.
type NodeKeys struct {
	// Key is the node key pair, private half locked under the passphrase.
	Key []byte
	// Passphrase is sealed to the parent's public key.
	Passphrase []byte
	// PassphraseSignature is the signer's detached signature over the
	// plaintext passphrase.
	PassphraseSignature []byte

	// Pair and Secret are the plaintext halves, kept by the creator so
	// the node is usable without a resolver round trip.
	Pair   *KeyPair
	Secret []byte
}

// GenerateNodeKeys creates the key material for a node under parentPub,
// signed by the creator's address key.
func GenerateNodeKeys(parentPub *[KeySize]byte, signer *Signer) (*NodeKeys, error) {
	passphrase, err := GenerateSecret()
	if err != nil {
		return nil, err
	}
	pair, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	locked, err := LockKeyPair(pair, passphrase)
	if err != nil {
		return nil, err
	}
	sealed, err := SealTo(parentPub, passphrase)
	if err != nil {
		return nil, fmt.Errorf("sealing passphrase: %w", err)
	}
	return &NodeKeys{
		Key:                 locked,
		Passphrase:          sealed,
		PassphraseSignature: signer.Sign(passphrase),
		Pair:                pair,
		Secret:              passphrase,
	}, nil
}

// DecryptPassphrase opens a node passphrase with the parent key pair and
// verifies the creator's signature. An invalid signature is reported even
// though the plaintext was recovered.
func DecryptPassphrase(parent *KeyPair, verification ed25519.PublicKey, sealed, sig []byte) ([]byte, error) {
	passphrase, err := OpenWith(parent, sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting passphrase: %w", err)
	}
	if !Verify(verification, passphrase, sig) {
		return nil, fmt.Errorf("passphrase signature does not verify")
	}
	return passphrase, nil
}

// WrapKey seals a symmetric key (hash key or content session key) to the
// node's own public key.
func WrapKey(nodePub *[KeySize]byte, key []byte) ([]byte, error) {
	return SealTo(nodePub, key)
}

// UnwrapKey opens a wrapped symmetric key with the node key pair.
func UnwrapKey(node *KeyPair, packet []byte) ([]byte, error) {
	key, err := OpenWith(node, packet)
	if err != nil {
		return nil, fmt.Errorf("unwrapping key packet: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("unwrapped key has %d bytes, want %d", len(key), KeySize)
	}
	return key, nil
}
