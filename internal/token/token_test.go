package token

import (
	"encoding/base64"
	"encoding/json"
	"testing"
)

func encodeV3(t *testing.T, mint string, amounts []uint64) string {
	t.Helper()
	proofs := make([]proofV3, len(amounts))
	for i, a := range amounts {
		proofs[i] = proofV3{Amount: a, ID: "00ad268c4d1f5826", Secret: "secret" + string(rune('a'+i)), C: "02abcd"}
	}
	env := envelopeV3{Token: []mintEntryV3{{Mint: mint, Proofs: proofs}}, Unit: "sat"}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return "cashuA" + base64.RawURLEncoding.EncodeToString(raw)
}

func TestVerify_HappyPath(t *testing.T) {
	tok := encodeV3(t, "https://mint.example", []uint64{10, 20, 30})
	v, err := Verify(tok, []string{"https://mint.example"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.FaceValueMsat != 60*MsatPerSat {
		t.Fatalf("face value = %d, want %d", v.FaceValueMsat, 60*MsatPerSat)
	}
	if len(v.ProofIDs) != 3 {
		t.Fatalf("proof ids = %d, want 3", len(v.ProofIDs))
	}
}

func TestVerify_UnknownMint(t *testing.T) {
	tok := encodeV3(t, "https://evil.example", []uint64{10})
	_, err := Verify(tok, []string{"https://mint.example"})
	tErr, ok := err.(*Error)
	if !ok || tErr.Kind != UnknownMint {
		t.Fatalf("expected UnknownMint, got %v", err)
	}
}

func TestVerify_Malformed(t *testing.T) {
	for _, tok := range []string{"", "garbage", "cashuA!!!notbase64"} {
		if _, err := Verify(tok, []string{"https://mint.example"}); err == nil {
			t.Fatalf("expected error for %q", tok)
		}
	}
}

func TestVerify_DuplicateProofsRejected(t *testing.T) {
	env := envelopeV3{Token: []mintEntryV3{{Mint: "https://mint.example", Proofs: []proofV3{
		{Amount: 5, ID: "x", Secret: "same", C: "02aa"},
		{Amount: 5, ID: "x", Secret: "same", C: "02aa"},
	}}}}
	raw, _ := json.Marshal(env)
	tok := "cashuA" + base64.RawURLEncoding.EncodeToString(raw)
	if _, err := Verify(tok, []string{"https://mint.example"}); err == nil {
		t.Fatalf("expected malformed error for duplicate proofs")
	}
}

func TestOverlappingProofIDsAreSameSpend(t *testing.T) {
	tok1 := encodeV3(t, "https://mint.example", []uint64{10})
	tok2 := encodeV3(t, "https://mint.example", []uint64{10})
	v1, err := Verify(tok1, []string{"https://mint.example"})
	if err != nil {
		t.Fatalf("verify tok1: %v", err)
	}
	v2, err := Verify(tok2, []string{"https://mint.example"})
	if err != nil {
		t.Fatalf("verify tok2: %v", err)
	}
	if v1.ProofIDs[0] != v2.ProofIDs[0] {
		t.Fatalf("expected identical proof id derivation for identical proof content")
	}
}
