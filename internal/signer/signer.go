// Package signer computes canonical event IDs and produces schnorr
// signatures over them, so published events verify on any relay.
package signer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"relaymesh/internal/types"
)

// EventID returns the canonical ID: the sha256 of the serialized array
// [0, pubkey, created_at, kind, tags, content]. HTML escaping is
// disabled; relays hash the raw content bytes.
func EventID(evt *types.Event) (string, error) {
	canonical := []interface{}{
		0,
		evt.PubKey,
		evt.CreatedAt,
		evt.Kind,
		evt.Tags,
		evt.Content,
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(canonical); err != nil {
		return "", fmt.Errorf("serialize event: %w", err)
	}
	// Encode appends a trailing newline that is not part of the
	// canonical form.
	serialized := bytes.TrimRight(buf.Bytes(), "\n")

	sum := sha256.Sum256(serialized)
	return hex.EncodeToString(sum[:]), nil
}

// Signer signs events with one secret key.
type Signer struct {
	key    *btcec.PrivateKey
	pubkey string
}

// New creates a signer from a 64-character hex secret key.
func New(secretHex string) (*Signer, error) {
	raw, err := hex.DecodeString(secretHex)
	if err != nil {
		return nil, fmt.Errorf("decode secret key: %w", err)
	}
	if len(raw) != 32 {
		return nil, errors.New("secret key must be 32 bytes")
	}
	key, pub := btcec.PrivKeyFromBytes(raw)
	return &Signer{
		key:    key,
		pubkey: hex.EncodeToString(schnorr.SerializePubKey(pub)),
	}, nil
}

// Generate creates a signer with a fresh random key.
func Generate() (*Signer, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &Signer{
		key:    key,
		pubkey: hex.EncodeToString(schnorr.SerializePubKey(key.PubKey())),
	}, nil
}

// PubKey returns the signer's x-only public key in hex.
func (s *Signer) PubKey() string { return s.pubkey }

// Sign fills in the event's pubkey, ID, and signature. The event's
// created_at, kind, tags, and content must already be set.
func (s *Signer) Sign(evt *types.Event) error {
	evt.PubKey = s.pubkey

	id, err := EventID(evt)
	if err != nil {
		return err
	}
	evt.ID = id

	digest, err := hex.DecodeString(id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(s.key, digest)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	evt.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks that the event's ID matches its contents and that the
// signature is valid for its pubkey.
func Verify(evt *types.Event) error {
	id, err := EventID(evt)
	if err != nil {
		return err
	}
	if id != evt.ID {
		return errors.New("event ID does not match contents")
	}

	pubBytes, err := hex.DecodeString(evt.PubKey)
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pubBytes)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}

	sigBytes, err := hex.DecodeString(evt.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}

	digest, err := hex.DecodeString(evt.ID)
	if err != nil {
		return err
	}
	if !sig.Verify(digest, pub) {
		return errors.New("invalid signature")
	}
	return nil
}
