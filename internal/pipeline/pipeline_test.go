package pipeline

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/DhananjayPurohit/paygress/internal/catalog"
	"github.com/DhananjayPurohit/paygress/internal/driver"
	"github.com/DhananjayPurohit/paygress/internal/identity"
	"github.com/DhananjayPurohit/paygress/internal/ledger"
	"github.com/DhananjayPurohit/paygress/internal/ports"
	"github.com/DhananjayPurohit/paygress/internal/registry"
)

const testMint = "https://mint.example"

func writeCatalog(t *testing.T) *catalog.Catalog {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.json")
	body := `[{"id":"basic","display_name":"Basic","cpu_millicores":500,"memory_mb":512,"rate_msats_per_sec":10}]`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write tiers: %v", err)
	}
	c, err := catalog.Load(path, 60, 86400)
	if err != nil {
		t.Fatalf("load catalog: %v", err)
	}
	return c
}

func testToken(t *testing.T, amountSats uint64, secret string) string {
	t.Helper()
	env := map[string]any{
		"token": []map[string]any{
			{
				"mint": testMint,
				"proofs": []map[string]any{
					{"amount": amountSats, "id": "00ad268c4d1f5826", "secret": secret, "C": "02abcd"},
				},
			},
		},
		"unit": "sat",
	}
	raw, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal token: %v", err)
	}
	return "cashuA" + base64.RawURLEncoding.EncodeToString(raw)
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	l, err := ledger.Open(":memory:", nil)
	if err != nil {
		t.Fatalf("open ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })

	svc, err := identity.LoadService("0x11111111111111111111111111111111111111111111111111111111111111aa")
	if err != nil {
		t.Fatalf("load service identity: %v", err)
	}

	return &Pipeline{
		Catalog:          writeCatalog(t),
		Ledger:           l,
		Ports:            ports.New(20000, 20100),
		Registry:         registry.New(),
		Driver:           driver.NewNoop(),
		ServiceIdentity:  svc,
		WhitelistedMints: []string{testMint},
		MinDurationSecs:  60,
		MaxDurationSecs:  86400,
		HostPublicAddr:   "pods.example",
		Log:              zap.NewNop(),
	}
}

func TestSpawn_HappyPath(t *testing.T) {
	p := newTestPipeline(t)
	tok := testToken(t, 600, "s1") // 600 sats = 600,000 msat; at 10 msat/sec that buys 60,000s.
	req := SpawnRequest{TokenStr: tok, TierID: "basic", Image: "alpine", SSHUsername: "user", SSHPassword: "pw"}

	access, podIdentity, perr := p.Spawn(context.Background(), req)
	if perr != nil {
		t.Fatalf("spawn: %v", perr)
	}
	if access.HostPort < 20000 || access.HostPort >= 20100 {
		t.Fatalf("unexpected host port: %d", access.HostPort)
	}
	if podIdentity == nil || podIdentity.PublicKeyHex == "" {
		t.Fatalf("expected minted pod identity")
	}
	if p.Registry.Len() != 1 {
		t.Fatalf("expected 1 registered pod, got %d", p.Registry.Len())
	}
}

func TestSpawn_ReplayRejected(t *testing.T) {
	p := newTestPipeline(t)
	tok := testToken(t, 600, "s1")

	_, _, perr := p.Spawn(context.Background(), SpawnRequest{TokenStr: tok, TierID: "basic", Image: "alpine"})
	if perr != nil {
		t.Fatalf("first spawn: %v", perr)
	}

	_, _, perr = p.Spawn(context.Background(), SpawnRequest{TokenStr: tok, TierID: "basic", Image: "alpine"})
	if perr == nil || perr.Kind != InvalidToken || perr.Details != "AlreadySpent" {
		t.Fatalf("expected AlreadySpent InvalidToken, got %+v", perr)
	}
	// The failed replay must not register a second pod.
	if p.Registry.Len() != 1 {
		t.Fatalf("expected exactly one registered pod after replay, got %d", p.Registry.Len())
	}
}

func TestSpawn_InsufficientPayment(t *testing.T) {
	p := newTestPipeline(t)
	tok := testToken(t, 1, "s1") // 1 sat * 1000 = 1000 msat, at 10 msat/sec that's 100s > min(60) so raise min instead
	p.MinDurationSecs = 1000
	_, _, perr := p.Spawn(context.Background(), SpawnRequest{TokenStr: tok, TierID: "basic", Image: "alpine"})
	if perr == nil || perr.Kind != InsufficientPayment {
		t.Fatalf("expected InsufficientPayment, got %+v", perr)
	}
}

func TestSpawn_UnknownTier(t *testing.T) {
	p := newTestPipeline(t)
	tok := testToken(t, 600, "s1")
	_, _, perr := p.Spawn(context.Background(), SpawnRequest{TokenStr: tok, TierID: "does-not-exist", Image: "alpine"})
	if perr == nil || perr.Kind != InvalidSpec {
		t.Fatalf("expected InvalidSpec, got %+v", perr)
	}
}

// TestSpawn_ConcurrentSameTokenExactlyOneSuccess proves the ledger's
// insert-is-the-serialization-point guarantee holds under concurrent
// spawns racing the same bearer token.
func TestSpawn_ConcurrentSameTokenExactlyOneSuccess(t *testing.T) {
	p := newTestPipeline(t)
	tok := testToken(t, 600, "race-secret")

	const n = 8
	var wg sync.WaitGroup
	var successes int64
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, _, perr := p.Spawn(context.Background(), SpawnRequest{TokenStr: tok, TierID: "basic", Image: "alpine"})
			if perr == nil {
				atomic.AddInt64(&successes, 1)
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly 1 successful spawn out of %d racers, got %d", n, successes)
	}
	if p.Registry.Len() != 1 {
		t.Fatalf("expected exactly 1 registered pod, got %d", p.Registry.Len())
	}
}

func TestTopUp_ExtendsExpiryMonotonically(t *testing.T) {
	p := newTestPipeline(t)
	spawnTok := testToken(t, 600, "spawn-secret")
	access, podIdentity, perr := p.Spawn(context.Background(), SpawnRequest{TokenStr: spawnTok, TierID: "basic", Image: "alpine"})
	if perr != nil {
		t.Fatalf("spawn: %v", perr)
	}
	originalExpiry := access.ExpiresAt

	topupTok := testToken(t, 600, "topup-secret")
	res, perr := p.TopUp(context.Background(), podIdentity.PublicKeyHex, topupTok)
	if perr != nil {
		t.Fatalf("topup: %v", perr)
	}
	if !res.ExpiresAt.After(originalExpiry) {
		t.Fatalf("expected new expiry %v to be after original %v", res.ExpiresAt, originalExpiry)
	}
}

func TestTopUp_UnknownPodChecksBeforeRedeeming(t *testing.T) {
	p := newTestPipeline(t)
	tok := testToken(t, 600, "unused-secret")

	_, perr := p.TopUp(context.Background(), "nonexistent-pubkey", tok)
	if perr == nil || perr.Kind != PodNotFound {
		t.Fatalf("expected PodNotFound, got %+v", perr)
	}

	// Because existence was checked first, the token must remain
	// unspent and usable for a real spawn.
	_, _, spawnErr := p.Spawn(context.Background(), SpawnRequest{TokenStr: tok, TierID: "basic", Image: "alpine"})
	if spawnErr != nil {
		t.Fatalf("expected token to still be spendable after failed topup, got %v", spawnErr)
	}
}

func TestStatus_UnknownPod(t *testing.T) {
	p := newTestPipeline(t)
	_, perr := p.Status("nope")
	if perr == nil || perr.Kind != PodNotFound {
		t.Fatalf("expected PodNotFound, got %+v", perr)
	}
}
