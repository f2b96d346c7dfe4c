// Package envelope implements the double-encrypted gift-wrap
// construction used on the relay bus (spec §4.9.2), modeled on NIP-59:
// an inner JSON payload is sealed (encrypted + signed by the real
// sender) and then wrapped (re-encrypted from an ephemeral random
// identity) so relays never observe the true sender's public key.
//
// Keys are the same secp256k1 keypairs used throughout the identity
// system (internal/identity), so encryption reuses
// github.com/ethereum/go-ethereum/crypto for the elliptic curve
// primitive and derives a symmetric key with golang.org/x/crypto/hkdf,
// encrypting with golang.org/x/crypto/chacha20poly1305. No library in
// the retrieval pack implements NIP-44/NIP-59 directly, so the
// envelope structure itself (Sealed/Wrapped JSON shape) is hand-rolled
// against encoding/json — see DESIGN.md.
package envelope

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/DhananjayPurohit/paygress/internal/identity"
)

// Sealed is the inner layer: the real sender's identity is visible
// only after this layer is decrypted.
type Sealed struct {
	SenderPubkeyHex string `json:"sender_pubkey"`
	Ciphertext      string `json:"ciphertext"` // hex(nonce || aead ciphertext)
	Signature       string `json:"signature"`  // hex, over Ciphertext
}

// Wrapped is the outer layer published to the relay, addressed to the
// recipient's pubkey. The wrapper's own pubkey is ephemeral and random
// per message; relays observe only this identity, never the real
// sender's.
type Wrapped struct {
	WrapperPubkeyHex   string `json:"wrapper_pubkey"`
	RecipientPubkeyHex string `json:"recipient_pubkey"`
	Ciphertext         string `json:"ciphertext"` // hex(nonce || aead ciphertext) of the marshaled Sealed
}

// Seal encrypts payload for recipientPubkeyHex using a key derived
// from sender's private key and the recipient's public key (ECDH),
// and signs the ciphertext with sender's identity key so the
// recipient can verify sender authenticity after unwrapping.
func Seal(sender *identity.Identity, recipientPubkeyHex string, payload any) (*Sealed, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal inner payload: %w", err)
	}

	sharedKey, err := ecdh(sender.PrivateKey, recipientPubkeyHex)
	if err != nil {
		return nil, fmt.Errorf("envelope: seal ecdh: %w", err)
	}

	ciphertext, err := encrypt(sharedKey, raw)
	if err != nil {
		return nil, fmt.Errorf("envelope: seal encrypt: %w", err)
	}

	sig, err := sender.Sign(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("envelope: seal sign: %w", err)
	}

	return &Sealed{
		SenderPubkeyHex: sender.PublicKeyHex,
		Ciphertext:      hex.EncodeToString(ciphertext),
		Signature:       hex.EncodeToString(sig),
	}, nil
}

// Wrap re-encrypts a Sealed envelope from a fresh, random ephemeral
// identity to recipientPubkeyHex, hiding the sealed layer's true
// sender from anything observing the wrap.
func Wrap(sealed *Sealed, recipientPubkeyHex string) (*Wrapped, error) {
	ephemeral, err := identity.GeneratePod()
	if err != nil {
		return nil, fmt.Errorf("envelope: generate ephemeral wrapper identity: %w", err)
	}

	raw, err := json.Marshal(sealed)
	if err != nil {
		return nil, fmt.Errorf("envelope: marshal sealed layer: %w", err)
	}

	sharedKey, err := ecdh(ephemeral.PrivateKey, recipientPubkeyHex)
	if err != nil {
		return nil, fmt.Errorf("envelope: wrap ecdh: %w", err)
	}

	ciphertext, err := encrypt(sharedKey, raw)
	if err != nil {
		return nil, fmt.Errorf("envelope: wrap encrypt: %w", err)
	}

	return &Wrapped{
		WrapperPubkeyHex:   ephemeral.PublicKeyHex,
		RecipientPubkeyHex: recipientPubkeyHex,
		Ciphertext:         hex.EncodeToString(ciphertext),
	}, nil
}

// GiftWrap is the convenience composition of Seal followed by Wrap,
// used for both requests (client -> service) and replies (pod -> client).
func GiftWrap(sender *identity.Identity, recipientPubkeyHex string, payload any) (*Wrapped, error) {
	sealed, err := Seal(sender, recipientPubkeyHex, payload)
	if err != nil {
		return nil, err
	}
	return Wrap(sealed, recipientPubkeyHex)
}

// Unwrap reverses Wrap using the recipient's private key, then Seal
// using the same key against the recovered inner sender, verifying
// the inner signature. On success it returns the inner sender's
// pubkey and the decoded payload into out. A malformed or
// undecryptable envelope is reported as an error and must be dropped
// by the caller without retry (spec §4.9.4) — Unwrap performs no I/O
// and cannot itself decide retry policy.
func Unwrap(recipient *identity.Identity, wrapped *Wrapped, out any) (senderPubkeyHex string, err error) {
	if wrapped.RecipientPubkeyHex != recipient.PublicKeyHex {
		return "", fmt.Errorf("envelope: wrapped envelope not addressed to this identity")
	}

	sharedKey, err := ecdh(recipient.PrivateKey, wrapped.WrapperPubkeyHex)
	if err != nil {
		return "", fmt.Errorf("envelope: unwrap ecdh: %w", err)
	}

	outerCiphertext, err := hex.DecodeString(wrapped.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("envelope: decode outer ciphertext: %w", err)
	}
	sealedRaw, err := decrypt(sharedKey, outerCiphertext)
	if err != nil {
		return "", fmt.Errorf("envelope: decrypt outer layer: %w", err)
	}

	var sealed Sealed
	if err := json.Unmarshal(sealedRaw, &sealed); err != nil {
		return "", fmt.Errorf("envelope: decode sealed layer: %w", err)
	}

	innerCiphertext, err := hex.DecodeString(sealed.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("envelope: decode inner ciphertext: %w", err)
	}
	sig, err := hex.DecodeString(sealed.Signature)
	if err != nil {
		return "", fmt.Errorf("envelope: decode inner signature: %w", err)
	}
	recoveredPubkey, err := identity.RecoverPubkeyHex(innerCiphertext, sig)
	if err != nil {
		return "", fmt.Errorf("envelope: recover inner signer: %w", err)
	}
	if recoveredPubkey != sealed.SenderPubkeyHex {
		return "", fmt.Errorf("envelope: inner signature does not match claimed sender")
	}

	innerSharedKey, err := ecdh(recipient.PrivateKey, sealed.SenderPubkeyHex)
	if err != nil {
		return "", fmt.Errorf("envelope: inner ecdh: %w", err)
	}
	innerRaw, err := decrypt(innerSharedKey, innerCiphertext)
	if err != nil {
		return "", fmt.Errorf("envelope: decrypt inner layer: %w", err)
	}
	if err := json.Unmarshal(innerRaw, out); err != nil {
		return "", fmt.Errorf("envelope: decode inner payload: %w", err)
	}

	return sealed.SenderPubkeyHex, nil
}

// ecdh derives a shared secret between priv and the peer's compressed
// public key hex, then stretches it through HKDF-SHA256 into a
// chacha20poly1305 key.
func ecdh(priv *ecdsa.PrivateKey, peerPubkeyHex string) ([]byte, error) {
	peerBytes, err := hex.DecodeString(peerPubkeyHex)
	if err != nil {
		return nil, fmt.Errorf("decode peer pubkey: %w", err)
	}
	peerPub, err := crypto.DecompressPubkey(peerBytes)
	if err != nil {
		return nil, fmt.Errorf("decompress peer pubkey: %w", err)
	}

	x, _ := priv.Curve.ScalarMult(peerPub.X, peerPub.Y, priv.D.Bytes())
	shared := x.Bytes()

	kdf := hkdf.New(sha256.New, shared, nil, []byte("paygress-envelope-v1"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("hkdf expand: %w", err)
	}
	return key, nil
}

func encrypt(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

func decrypt(key, nonceAndCiphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("new aead: %w", err)
	}
	if len(nonceAndCiphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := nonceAndCiphertext[:aead.NonceSize()], nonceAndCiphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return plaintext, nil
}
