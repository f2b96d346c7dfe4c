// Package catalog loads and serves the set of provisioning tiers
// (pod specs) and computes payment/duration conversions between them.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
)

// Tier is an immutable resource bundle offered at a fixed per-second
// rate. Loaded once at startup from the pod specs file; never mutated.
type Tier struct {
	ID              string `json:"id"`
	DisplayName     string `json:"display_name"`
	Description     string `json:"description"`
	CPUMillicores   int64  `json:"cpu_millicores"`
	MemoryMB        int64  `json:"memory_mb"`
	RateMsatsPerSec uint64 `json:"rate_msats_per_sec"`
}

// Offer is the published snapshot advertised over the relay bus and
// returned by the HTTP list-tiers endpoint.
type Offer struct {
	ServicePubkey    string   `json:"service_pubkey"`
	MinDurationSecs  int64    `json:"min_duration_secs"`
	WhitelistedMints []string `json:"whitelisted_mints"`
	Tiers            []Tier   `json:"tiers"`
}

// Catalog is the immutable, in-memory set of tiers for the lifetime of
// the process. Hot reload is out of scope (spec §4.3).
type Catalog struct {
	tiers           []Tier
	byID            map[string]Tier
	minDurationSecs int64
	maxDurationSecs int64
}

// Load reads a JSON array of Tier records from path. A duplicate id or
// a non-positive rate_msats_per_sec is a fatal configuration error, as
// is an empty catalog.
func Load(path string, minDurationSecs, maxDurationSecs int64) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: reading %s: %w", path, err)
	}

	var tiers []Tier
	if err := json.Unmarshal(raw, &tiers); err != nil {
		return nil, fmt.Errorf("catalog: parsing %s: %w", path, err)
	}
	if len(tiers) == 0 {
		return nil, fmt.Errorf("catalog: %s defines no tiers", path)
	}

	byID := make(map[string]Tier, len(tiers))
	for _, t := range tiers {
		if t.ID == "" {
			return nil, fmt.Errorf("catalog: tier with empty id")
		}
		if _, dup := byID[t.ID]; dup {
			return nil, fmt.Errorf("catalog: duplicate tier id %q", t.ID)
		}
		if t.RateMsatsPerSec == 0 {
			return nil, fmt.Errorf("catalog: tier %q has non-positive rate_msats_per_sec", t.ID)
		}
		byID[t.ID] = t
	}

	return &Catalog{
		tiers:           tiers,
		byID:            byID,
		minDurationSecs: minDurationSecs,
		maxDurationSecs: maxDurationSecs,
	}, nil
}

// Tiers returns every tier in catalog order.
func (c *Catalog) Tiers() []Tier {
	out := make([]Tier, len(c.tiers))
	copy(out, c.tiers)
	return out
}

// ErrTierNotFound is returned by Tier when id does not name a
// configured tier.
type ErrTierNotFound struct{ ID string }

func (e *ErrTierNotFound) Error() string { return fmt.Sprintf("catalog: unknown tier %q", e.ID) }

// Tier looks up a tier by id.
func (c *Catalog) Tier(id string) (Tier, error) {
	t, ok := c.byID[id]
	if !ok {
		return Tier{}, &ErrTierNotFound{ID: id}
	}
	return t, nil
}

// RequiredMsats returns the exact cost of durationSecs on tier.
func RequiredMsats(tier Tier, durationSecs int64) uint64 {
	if durationSecs < 0 {
		durationSecs = 0
	}
	return tier.RateMsatsPerSec * uint64(durationSecs)
}

// MaxDuration returns the largest whole number of seconds amountMsats
// buys on tier, floored so a client is never allocated more time than
// it paid for, then clipped to the catalog's configured maximum.
func (c *Catalog) MaxDuration(tier Tier, amountMsats uint64) int64 {
	secs := int64(amountMsats / tier.RateMsatsPerSec)
	if secs > c.maxDurationSecs {
		secs = c.maxDurationSecs
	}
	return secs
}

// MinDurationSecs returns the catalog-wide minimum spawn duration.
func (c *Catalog) MinDurationSecs() int64 { return c.minDurationSecs }

// MaxDurationSecs returns the catalog-wide maximum spawn/top-up duration.
func (c *Catalog) MaxDurationSecs() int64 { return c.maxDurationSecs }

// AsOfferDocument stamps servicePubkey and the configured mint
// whitelist onto a snapshot of the current tier set.
func (c *Catalog) AsOfferDocument(servicePubkey string, whitelistedMints []string) Offer {
	return Offer{
		ServicePubkey:    servicePubkey,
		MinDurationSecs:  c.minDurationSecs,
		WhitelistedMints: whitelistedMints,
		Tiers:            c.Tiers(),
	}
}
