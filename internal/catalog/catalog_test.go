package catalog

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCatalogFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "tiers.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog file: %v", err)
	}
	return path
}

func TestLoad_HappyPath(t *testing.T) {
	path := writeCatalogFile(t, `[
		{"id":"basic","display_name":"Basic","cpu_millicores":500,"memory_mb":512,"rate_msats_per_sec":100}
	]`)
	c, err := Load(path, 60, 86400)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tier, err := c.Tier("basic")
	if err != nil {
		t.Fatalf("tier lookup: %v", err)
	}
	if RequiredMsats(tier, 600) != 60000 {
		t.Fatalf("required msats mismatch: %d", RequiredMsats(tier, 600))
	}
	if got := c.MaxDuration(tier, 60000); got != 600 {
		t.Fatalf("max duration = %d, want 600", got)
	}
}

func TestMaxDuration_FloorsAndClips(t *testing.T) {
	path := writeCatalogFile(t, `[{"id":"basic","rate_msats_per_sec":100}]`)
	c, err := Load(path, 60, 500)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	tier, _ := c.Tier("basic")
	// 65500 msats / 100 = 655s, floored to 655, then clipped to max 500.
	if got := c.MaxDuration(tier, 65500); got != 500 {
		t.Fatalf("expected clip to 500, got %d", got)
	}
	// 549 msats / 100 = 5.49s -> floors to 5.
	if got := c.MaxDuration(tier, 549); got != 5 {
		t.Fatalf("expected floor to 5, got %d", got)
	}
}

func TestLoad_RejectsDuplicateID(t *testing.T) {
	path := writeCatalogFile(t, `[
		{"id":"basic","rate_msats_per_sec":100},
		{"id":"basic","rate_msats_per_sec":200}
	]`)
	if _, err := Load(path, 60, 86400); err == nil {
		t.Fatalf("expected error for duplicate id")
	}
}

func TestLoad_RejectsNonPositiveRate(t *testing.T) {
	path := writeCatalogFile(t, `[{"id":"basic","rate_msats_per_sec":0}]`)
	if _, err := Load(path, 60, 86400); err == nil {
		t.Fatalf("expected error for zero rate")
	}
}

func TestLoad_RejectsEmptyCatalog(t *testing.T) {
	path := writeCatalogFile(t, `[]`)
	if _, err := Load(path, 60, 86400); err == nil {
		t.Fatalf("expected error for empty catalog")
	}
}

func TestTier_NotFound(t *testing.T) {
	path := writeCatalogFile(t, `[{"id":"basic","rate_msats_per_sec":100}]`)
	c, err := Load(path, 60, 86400)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := c.Tier("nope"); err == nil {
		t.Fatalf("expected not-found error")
	}
}

func TestAsOfferDocument(t *testing.T) {
	path := writeCatalogFile(t, `[{"id":"basic","rate_msats_per_sec":100}]`)
	c, err := Load(path, 60, 86400)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	offer := c.AsOfferDocument("pubkey123", []string{"https://mint.example"})
	if offer.ServicePubkey != "pubkey123" || offer.MinDurationSecs != 60 || len(offer.Tiers) != 1 {
		t.Fatalf("unexpected offer document: %+v", offer)
	}
}
