package identity

import (
	"encoding/hex"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
)

func TestGeneratePod_ProducesUniqueKeys(t *testing.T) {
	a, err := GeneratePod()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := GeneratePod()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	if a.PublicKeyHex == b.PublicKeyHex {
		t.Fatalf("expected distinct pod identities")
	}
}

func TestLoadService_HexKey(t *testing.T) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	hexKey := hex.EncodeToString(crypto.FromECDSA(priv))

	id, err := LoadService(hexKey)
	if err != nil {
		t.Fatalf("load bare hex: %v", err)
	}
	id2, err := LoadService("0x" + hexKey)
	if err != nil {
		t.Fatalf("load 0x-prefixed hex: %v", err)
	}
	if id.PublicKeyHex != id2.PublicKeyHex {
		t.Fatalf("expected identical pubkeys for same key in both forms")
	}
}

func TestLoadService_RejectsEmpty(t *testing.T) {
	if _, err := LoadService(""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestSignAndRecover_RoundTrip(t *testing.T) {
	id, err := GeneratePod()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("spawn-request-payload")
	sig, err := id.Sign(msg)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	recovered, err := RecoverPubkeyHex(msg, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != id.PublicKeyHex {
		t.Fatalf("recovered pubkey %s != signer pubkey %s", recovered, id.PublicKeyHex)
	}
}

func TestSignAndRecover_TamperedMessageFails(t *testing.T) {
	id, err := GeneratePod()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	sig, err := id.Sign([]byte("original"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	recovered, err := RecoverPubkeyHex([]byte("tampered"), sig)
	if err == nil && recovered == id.PublicKeyHex {
		t.Fatalf("tampered message should not recover to the original signer")
	}
}
