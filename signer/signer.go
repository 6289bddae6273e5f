// Package signer holds the service's long-lived Nostr key and the BIP-340
// signing and verification primitives applied to Nostr events.
package signer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/nbd-wtf/go-nostr"
)

var (
	// ErrInvalidKey is returned when a private key is not a valid
	// secp256k1 scalar.
	ErrInvalidKey = errors.New("invalid private key")

	// ErrInvalidSignature is returned when an event's id or signature
	// does not match its contents and declared public key.
	ErrInvalidSignature = errors.New("invalid event signature")
)

// KeyPair is a secp256k1 key used to sign events on behalf of the service.
type KeyPair struct {
	priv   *btcec.PrivateKey
	pubHex string
}

// ParseKeyPair decodes a 32 byte hex encoded private key. The key must lie in
// the range [1, N-1] of the secp256k1 group order.
func ParseKeyPair(privHex string) (*KeyPair, error) {
	privHex = strings.TrimPrefix(strings.TrimSpace(privHex), "0x")
	if len(privHex) != 64 {
		return nil, fmt.Errorf("%w: must be 64 hex chars, got %d",
			ErrInvalidKey, len(privHex))
	}

	b, err := hex.DecodeString(privHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}

	var scalar btcec.ModNScalar
	if overflow := scalar.SetByteSlice(b); overflow || scalar.IsZero() {
		return nil, fmt.Errorf("%w: out of range", ErrInvalidKey)
	}

	priv, _ := btcec.PrivKeyFromBytes(b)

	return newKeyPair(priv), nil
}

// GenerateKeyPair creates a fresh random key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}

	return newKeyPair(priv), nil
}

func newKeyPair(priv *btcec.PrivateKey) *KeyPair {
	return &KeyPair{
		priv:   priv,
		pubHex: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

// PublicKey returns the x-only public key, hex encoded.
func (k *KeyPair) PublicKey() string {
	return k.pubHex
}

// PrivateKey returns the hex encoded private key.
func (k *KeyPair) PrivateKey() string {
	return hex.EncodeToString(k.priv.Serialize())
}

// Sign sets the event's pubkey, id and signature. Signing is deterministic:
// the same event contents always yield the same signature.
func (k *KeyPair) Sign(ev *nostr.Event) error {
	ev.PubKey = k.pubHex

	id := sha256.Sum256(ev.Serialize())
	sig, err := schnorr.Sign(k.priv, id[:])
	if err != nil {
		return fmt.Errorf("unable to sign event: %w", err)
	}

	ev.ID = hex.EncodeToString(id[:])
	ev.Sig = hex.EncodeToString(sig.Serialize())

	return nil
}

// Verify checks that the event id commits to the event's canonical encoding
// and that the signature over that id is valid for the declared pubkey.
func Verify(ev *nostr.Event) error {
	pubBytes, err := hex.DecodeString(ev.PubKey)
	if err != nil || len(pubBytes) != schnorr.PubKeyBytesLen {
		return fmt.Errorf("%w: malformed pubkey", ErrInvalidSignature)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	id := sha256.Sum256(ev.Serialize())
	if hex.EncodeToString(id[:]) != ev.ID {
		return fmt.Errorf("%w: id mismatch", ErrInvalidSignature)
	}

	sigBytes, err := hex.DecodeString(ev.Sig)
	if err != nil || len(sigBytes) != schnorr.SignatureSize {
		return fmt.Errorf("%w: malformed signature", ErrInvalidSignature)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	if !sig.Verify(id[:], pub) {
		return fmt.Errorf("%w: verification failed", ErrInvalidSignature)
	}

	return nil
}
