package envelope

import (
	"testing"

	"github.com/DhananjayPurohit/paygress/internal/identity"
)

type spawnRequest struct {
	Kind       string `json:"kind"`
	CashuToken string `json:"cashu_token"`
	PodImage   string `json:"pod_image"`
}

func TestGiftWrapAndUnwrap_RoundTrip(t *testing.T) {
	client, err := identity.GeneratePod()
	if err != nil {
		t.Fatalf("client identity: %v", err)
	}
	service, err := identity.GeneratePod()
	if err != nil {
		t.Fatalf("service identity: %v", err)
	}

	req := spawnRequest{Kind: "spawn", CashuToken: "cashuAabc123", PodImage: "alpine"}
	wrapped, err := GiftWrap(client, service.PublicKeyHex, req)
	if err != nil {
		t.Fatalf("giftwrap: %v", err)
	}

	if wrapped.WrapperPubkeyHex == client.PublicKeyHex {
		t.Fatalf("wrapper identity must not be the real sender's identity")
	}

	var got spawnRequest
	senderPubkey, err := Unwrap(service, wrapped, &got)
	if err != nil {
		t.Fatalf("unwrap: %v", err)
	}
	if senderPubkey != client.PublicKeyHex {
		t.Fatalf("recovered sender %s != real sender %s", senderPubkey, client.PublicKeyHex)
	}
	if got != req {
		t.Fatalf("round-tripped payload mismatch: got %+v, want %+v", got, req)
	}
}

func TestUnwrap_WrongRecipientFails(t *testing.T) {
	client, _ := identity.GeneratePod()
	service, _ := identity.GeneratePod()
	other, _ := identity.GeneratePod()

	wrapped, err := GiftWrap(client, service.PublicKeyHex, spawnRequest{Kind: "status"})
	if err != nil {
		t.Fatalf("giftwrap: %v", err)
	}

	var out spawnRequest
	if _, err := Unwrap(other, wrapped, &out); err == nil {
		t.Fatalf("expected unwrap to fail for the wrong recipient")
	}
}

func TestUnwrap_TamperedCiphertextFails(t *testing.T) {
	client, _ := identity.GeneratePod()
	service, _ := identity.GeneratePod()

	wrapped, err := GiftWrap(client, service.PublicKeyHex, spawnRequest{Kind: "status"})
	if err != nil {
		t.Fatalf("giftwrap: %v", err)
	}
	// Flip a byte in the outer ciphertext hex string.
	tampered := *wrapped
	if tampered.Ciphertext[0] == 'a' {
		tampered.Ciphertext = "b" + tampered.Ciphertext[1:]
	} else {
		tampered.Ciphertext = "a" + tampered.Ciphertext[1:]
	}

	var out spawnRequest
	if _, err := Unwrap(service, &tampered, &out); err == nil {
		t.Fatalf("expected unwrap to reject tampered ciphertext")
	}
}
