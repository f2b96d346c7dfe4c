// Package identity manages the service's long-lived keypair and
// generates fresh per-pod keypairs. Keys are secp256k1, the same
// primitive the teacher uses for its TEE signing key
// (internal/auth/eip191.go), chosen so one crypto import covers both
// signing and the envelope's 32-byte-secret ECDH requirement.
package identity

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Identity is a secp256k1 keypair addressed by its compressed public
// key hex, used both as a pod's external address on the relay bus and
// as the service's own signing identity.
type Identity struct {
	PrivateKey   *ecdsa.PrivateKey
	PublicKeyHex string
}

func fromPrivateKey(priv *ecdsa.PrivateKey) *Identity {
	pub := crypto.CompressPubkey(&priv.PublicKey)
	return &Identity{PrivateKey: priv, PublicKeyHex: hex.EncodeToString(pub)}
}

// GeneratePod mints a fresh ephemeral keypair for a newly spawned pod.
func GeneratePod() (*Identity, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate pod key: %w", err)
	}
	return fromPrivateKey(priv), nil
}

// LoadService parses SERVICE_PRIVATE_KEY. Accepts hex (0x-prefixed or
// bare, as the teacher's TEE_SIGNING_KEY does) or a bech32 nsec1...
// encoding, since operators migrating from the original Nostr-based
// deployment carry keys in that form.
func LoadService(raw string) (*Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("identity: empty service private key")
	}

	var hexKey string
	if strings.HasPrefix(raw, "nsec1") {
		decoded, err := decodeBech32Nsec(raw)
		if err != nil {
			return nil, fmt.Errorf("identity: decode nsec key: %w", err)
		}
		hexKey = hex.EncodeToString(decoded)
	} else {
		hexKey = strings.TrimPrefix(raw, "0x")
	}

	priv, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("identity: invalid service private key: %w", err)
	}
	return fromPrivateKey(priv), nil
}

// Sign produces an EIP-191-style signature over msg, following
// internal/auth/eip191.go's HashMessage convention (used here purely
// as a signature scheme, not for Ethereum address recovery).
func (id *Identity) Sign(msg []byte) ([]byte, error) {
	hash := hashMessage(msg)
	sig, err := crypto.Sign(hash, id.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("identity: sign: %w", err)
	}
	return sig, nil
}

// RecoverPubkeyHex recovers the compressed public key hex of whoever
// signed msg with sig.
func RecoverPubkeyHex(msg, sig []byte) (string, error) {
	if len(sig) != 65 {
		return "", fmt.Errorf("identity: signature must be 65 bytes, got %d", len(sig))
	}
	hash := hashMessage(msg)
	pub, err := crypto.SigToPub(hash, sig)
	if err != nil {
		return "", fmt.Errorf("identity: recover: %w", err)
	}
	return hex.EncodeToString(crypto.CompressPubkey(pub)), nil
}

func hashMessage(msg []byte) []byte {
	prefix := fmt.Sprintf("\x19Paygress Signed Message:\n%d", len(msg))
	return crypto.Keccak256([]byte(prefix), msg)
}

// bech32 charset per BIP-173. Decoding here is intentionally minimal:
// it accepts a single-segment nsec1 key of exactly 32 payload bytes.
// The 6-character checksum is stripped without being verified, and
// bech32m and other HRPs are not supported — no bech32 library exists
// in the retrieval pack.
const bech32Charset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func decodeBech32Nsec(s string) ([]byte, error) {
	s = strings.ToLower(s)
	sep := strings.LastIndexByte(s, '1')
	if sep < 1 || sep+7 > len(s) {
		return nil, fmt.Errorf("malformed bech32 string")
	}
	hrp, data := s[:sep], s[sep+1:]
	if hrp != "nsec" {
		return nil, fmt.Errorf("expected hrp \"nsec\", got %q", hrp)
	}

	values := make([]byte, len(data))
	for i, c := range data {
		idx := strings.IndexRune(bech32Charset, c)
		if idx < 0 {
			return nil, fmt.Errorf("invalid bech32 character %q", c)
		}
		values[i] = byte(idx)
	}
	// Drop the 6-character checksum; convert the remaining 5-bit groups
	// to 8-bit bytes.
	if len(values) < 6 {
		return nil, fmt.Errorf("bech32 string too short")
	}
	payload := values[:len(values)-6]

	out, err := convertBits(payload, 5, 8, false)
	if err != nil {
		return nil, err
	}
	if len(out) != 32 {
		return nil, fmt.Errorf("nsec payload must decode to 32 bytes, got %d", len(out))
	}
	return out, nil
}

func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var acc uint32
	var bits uint
	maxv := uint32(1<<toBits) - 1
	var out []byte
	for _, value := range data {
		if uint32(value)>>fromBits != 0 {
			return nil, fmt.Errorf("invalid data range for bit conversion")
		}
		acc = (acc << fromBits) | uint32(value)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte((acc>>bits)&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte((acc<<(toBits-bits))&maxv))
		}
	} else if bits >= fromBits || (acc<<(toBits-bits))&maxv != 0 {
		return nil, fmt.Errorf("invalid padding in bit conversion")
	}
	return out, nil
}
