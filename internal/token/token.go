// Package token decodes and verifies Cashu ecash bearer tokens.
//
// No Cashu client library is available anywhere in the retrieval pack
// (see DESIGN.md), so the cashuA (v3) JSON envelope is decoded by hand
// against encoding/json and encoding/base64. A cashuB token is
// accepted only when it carries that same JSON envelope; see decodeV4.
package token

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
)

// MsatPerSat mirrors the MSAT_PER_SAT constant from the original
// implementation's cashu.rs: Cashu proofs denominate amounts in sats,
// Paygress prices tiers in msats/sec.
const MsatPerSat = 1000

// Kind classifies a verification failure so callers can distinguish
// pre-redemption failure modes without string matching.
type Kind int

const (
	Malformed Kind = iota
	UnknownMint
	DecodeError
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "Malformed"
	case UnknownMint:
		return "UnknownMint"
	default:
		return "DecodeError"
	}
}

// Error reports why a token failed verification.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Message) }

func malformed(format string, args ...any) error {
	return &Error{Kind: Malformed, Message: fmt.Sprintf(format, args...)}
}

func decodeErr(format string, args ...any) error {
	return &Error{Kind: DecodeError, Message: fmt.Sprintf(format, args...)}
}

// Verified is the decoded, whitelist-checked result of a token string.
// Token identity for redemption purposes is the ProofIDs set: two
// tokens sharing any proof ID are the same spend.
type Verified struct {
	MintURL       string
	FaceValueMsat uint64
	ProofIDs      []string
}

type proofV3 struct {
	Amount uint64 `json:"amount"`
	ID     string `json:"id"`
	Secret string `json:"secret"`
	C      string `json:"C"`
}

type mintEntryV3 struct {
	Mint   string    `json:"mint"`
	Proofs []proofV3 `json:"proofs"`
}

type envelopeV3 struct {
	Token []mintEntryV3 `json:"token"`
	Unit  string        `json:"unit"`
	Memo  string        `json:"memo,omitempty"`
}

// Verify decodes tokenStr (a cashuA... or cashuB... bearer string),
// checks its mint against whitelist, and returns its proof identity
// and face value. Whitelist entries are exact mint URL matches. No
// state is mutated — Verify never touches the redemption ledger.
func Verify(tokenStr string, whitelist []string) (Verified, error) {
	tokenStr = strings.TrimSpace(tokenStr)
	if tokenStr == "" {
		return Verified{}, malformed("empty token")
	}

	var payload []byte
	var err error
	switch {
	case strings.HasPrefix(tokenStr, "cashuA"):
		payload, err = decodeV3(tokenStr[len("cashuA"):])
	case strings.HasPrefix(tokenStr, "cashuB"):
		payload, err = decodeV4(tokenStr[len("cashuB"):])
	default:
		return Verified{}, malformed("unrecognized token prefix")
	}
	if err != nil {
		return Verified{}, err
	}

	var env envelopeV3
	if err := json.Unmarshal(payload, &env); err != nil {
		return Verified{}, decodeErr("invalid token JSON: %v", err)
	}
	if len(env.Token) == 0 {
		return Verified{}, malformed("token carries no mint entries")
	}

	mintURL := env.Token[0].Mint
	if mintURL == "" {
		return Verified{}, malformed("token entry missing mint URL")
	}

	var faceValueSats uint64
	proofIDs := make([]string, 0)
	seen := make(map[string]struct{})
	for _, entry := range env.Token {
		if entry.Mint != mintURL {
			return Verified{}, malformed("token spans multiple mints")
		}
		for _, p := range entry.Proofs {
			if p.Secret == "" || p.C == "" {
				return Verified{}, malformed("proof missing secret or commitment")
			}
			id := p.ID + ":" + p.Secret
			if _, dup := seen[id]; dup {
				return Verified{}, malformed("duplicate proof in token")
			}
			seen[id] = struct{}{}
			proofIDs = append(proofIDs, id)
			faceValueSats += p.Amount
		}
	}
	if len(proofIDs) == 0 {
		return Verified{}, malformed("token carries no proofs")
	}

	if !whitelisted(mintURL, whitelist) {
		return Verified{}, &Error{Kind: UnknownMint, Message: mintURL}
	}

	return Verified{
		MintURL:       mintURL,
		FaceValueMsat: faceValueSats * MsatPerSat,
		ProofIDs:      proofIDs,
	}, nil
}

func whitelisted(mintURL string, whitelist []string) bool {
	for _, w := range whitelist {
		if w == mintURL {
			return true
		}
	}
	return false
}

// decodeV3 unwraps the standard base64url (no padding) JSON envelope
// used by cashuA tokens.
func decodeV3(rest string) ([]byte, error) {
	payload, err := base64.RawURLEncoding.DecodeString(rest)
	if err != nil {
		if payload2, err2 := base64.RawStdEncoding.DecodeString(rest); err2 == nil {
			return payload2, nil
		}
		return nil, decodeErr("base64 decode: %v", err)
	}
	return payload, nil
}

// decodeV4 handles the compact cashuB encoding. The retrieval pack
// carries no CBOR library and no sample v4 token to reverse-engineer
// the binary layout from, so v4 tokens are accepted only when they
// carry the same base64url(JSON) shape as v3 behind the cashuB
// prefix — real deployments are expected to mint cashuA tokens, and
// this keeps the decoder honest about what it does not implement
// rather than guessing at a binary format.
func decodeV4(rest string) ([]byte, error) {
	payload, err := decodeV3(rest)
	if err != nil {
		return nil, decodeErr("cashuB (CBOR) decoding is not implemented; got: %v", err)
	}
	return payload, nil
}
