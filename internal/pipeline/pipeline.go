// Package pipeline implements the Admission Pipeline, the core
// algorithm orchestrating Token Verifier -> Offer Catalog ->
// Redemption Ledger -> Port Allocator -> Container Driver -> Pod Registry
// for both spawn and top-up requests.
//
// Grounded on the collaborator-struct shape of
// _examples/0gfoundation-0g-sandbox-billing/internal/billing/events.go
// (one struct holding every dependency, one method per lifecycle
// operation), adapted from event-hook side effects to a strict
// linear state machine with explicit compensation, per spec §4.8.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DhananjayPurohit/paygress/internal/catalog"
	"github.com/DhananjayPurohit/paygress/internal/driver"
	"github.com/DhananjayPurohit/paygress/internal/identity"
	"github.com/DhananjayPurohit/paygress/internal/ledger"
	"github.com/DhananjayPurohit/paygress/internal/ports"
	"github.com/DhananjayPurohit/paygress/internal/registry"
	"github.com/DhananjayPurohit/paygress/internal/token"
)

// Kind classifies a pipeline failure per spec §4.8.4 / §7.
type Kind int

const (
	InvalidSpec Kind = iota
	InvalidToken
	InsufficientPayment
	ResourceUnavailable
	PodCreationFailed
	PodNotFound
	PaymentFailed
	Internal
)

func (k Kind) String() string {
	switch k {
	case InvalidSpec:
		return "InvalidSpec"
	case InvalidToken:
		return "InvalidToken"
	case InsufficientPayment:
		return "InsufficientPayment"
	case ResourceUnavailable:
		return "ResourceUnavailable"
	case PodCreationFailed:
		return "PodCreationFailed"
	case PodNotFound:
		return "PodNotFound"
	case PaymentFailed:
		return "PaymentFailed"
	default:
		return "Internal"
	}
}

// Error is the taxonomy-tagged error surfaced by every pipeline
// operation. Details carries a machine-checkable sub-reason where the
// spec defines one (e.g. InvalidToken's Malformed/UnknownMint/AlreadySpent).
type Error struct {
	Kind    Kind
	Details string
	Message string
}

func (e *Error) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s(%s): %s", e.Kind, e.Details, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func fail(kind Kind, details, format string, args ...any) *Error {
	return &Error{Kind: kind, Details: details, Message: fmt.Sprintf(format, args...)}
}

// Pipeline holds every collaborator the admission algorithm needs.
// Transports construct one Pipeline and share it by reference — the
// core carries no transport-aware logic.
type Pipeline struct {
	Catalog          *catalog.Catalog
	Ledger           *ledger.Ledger
	Ports            *ports.Allocator
	Registry         *registry.Registry
	Driver           driver.Driver
	ServiceIdentity  *identity.Identity
	WhitelistedMints []string
	MinDurationSecs  int64
	MaxDurationSecs  int64
	HostPublicAddr   string
	Log              *zap.Logger
}

// SpawnRequest is the decoded input to Spawn (spec §4.8.1).
type SpawnRequest struct {
	TokenStr          string
	TierID            string
	Image             string
	SSHUsername       string
	SSHPassword       string
	RequestedDuration int64
}

// AccessDetails is returned on a successful spawn, addressed back to
// the client from the newly minted pod identity (spec §6.2). Field
// tags follow the wire schema in spec §6.1.
type AccessDetails struct {
	PodIdentity   string    `json:"pod_identity"`
	Host          string    `json:"host"`
	HostPort      uint16    `json:"host_port"`
	SSHUsername   string    `json:"ssh_username"`
	SSHPassword   string    `json:"ssh_password"`
	ExpiresAt     time.Time `json:"expires_at"`
	TierID        string    `json:"tier_id"`
	TierName      string    `json:"tier_name"`
	CPUMillicores int64     `json:"cpu_millicores"`
	MemoryMB      int64     `json:"memory_mb"`
	Instructions  []string  `json:"instructions"`
}

// Spawn is the core algorithm from spec §4.8.1: every successful
// response is backed by exactly one redemption and at most one
// allocated pod; every failure leaves the system unchanged, except
// where the spec explicitly accepts that a post-redemption failure
// consumes the token without refund (§7).
func (p *Pipeline) Spawn(ctx context.Context, req SpawnRequest) (*AccessDetails, *identity.Identity, *Error) {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}

	// 1. Decode & whitelist. No state changed on failure.
	verified, err := token.Verify(req.TokenStr, p.WhitelistedMints)
	if err != nil {
		return nil, nil, tokenErrToPipelineErr(err)
	}

	// 2. Select tier. No state changed on failure.
	tier, tierErr := p.selectTier(req.TierID)
	if tierErr != nil {
		return nil, nil, tierErr
	}

	// 3. Price. No state changed on failure.
	granted := p.Catalog.MaxDuration(tier, verified.FaceValueMsat)
	if req.RequestedDuration > 0 && req.RequestedDuration < granted {
		granted = req.RequestedDuration
	}
	if granted < p.MinDurationSecs {
		return nil, nil, fail(InsufficientPayment, "", "token buys %ds, minimum is %ds", granted, p.MinDurationSecs)
	}
	if granted > p.MaxDurationSecs {
		granted = p.MaxDurationSecs
	}

	// 4. Redeem. Point of no return for the payment.
	now := time.Now()
	if err := p.Ledger.TryRedeem(ctx, verified.ProofIDs, now.Unix()); err != nil {
		if err == ledger.ErrAlreadySpent {
			return nil, nil, fail(InvalidToken, "AlreadySpent", "one or more proofs already redeemed")
		}
		return nil, nil, fail(Internal, "", "ledger error: %v", err)
	}

	// 5. Allocate port. Compensation: none needed — the ledger entry
	// persists; refunds are out of scope (spec §7).
	hostPort, err := p.Ports.Allocate()
	if err != nil {
		return nil, nil, fail(ResourceUnavailable, "", "no host ports available")
	}

	// 6. Mint pod identity.
	podIdentity, err := identity.GeneratePod()
	if err != nil {
		p.Ports.Release(hostPort)
		return nil, nil, fail(Internal, "", "mint pod identity: %v", err)
	}

	// 7. Create container. Compensation on failure: release port.
	podID := uuid.NewString()
	expiresAt := now.Add(time.Duration(granted) * time.Second)
	handle, err := p.Driver.Create(ctx, driver.Spec{
		PodID:         podID,
		Image:         req.Image,
		CPUMillicores: tier.CPUMillicores,
		MemoryMB:      tier.MemoryMB,
		HostPort:      hostPort,
		ContainerPort: 22,
		SSHUsername:   req.SSHUsername,
		SSHPassword:   req.SSHPassword,
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		p.Ports.Release(hostPort)
		return nil, nil, fail(PodCreationFailed, "", "container driver create: %v", err)
	}

	// 8. Register. Duplicate is an internal error; compensation:
	// delete container, release port.
	pod := registry.Pod{
		PodID:             podID,
		PodIdentityPubkey: podIdentity.PublicKeyHex,
		TierID:            tier.ID,
		HostPort:          hostPort,
		Handle:            handle,
		CreatedAt:         now,
		ExpiresAt:         expiresAt,
		SSHUsername:       req.SSHUsername,
		SSHPassword:       req.SSHPassword,
	}
	if err := p.Registry.Insert(pod); err != nil {
		_ = p.Driver.Delete(ctx, handle)
		p.Ports.Release(hostPort)
		return nil, nil, fail(Internal, "", "registry insert: %v", err)
	}

	log.Info("pod spawned",
		zap.String("pod_id", podID),
		zap.String("tier", tier.ID),
		zap.Int64("granted_secs", granted),
		zap.Uint16("host_port", hostPort),
	)

	// 9. Respond, addressed from the pod's own freshly minted identity.
	return &AccessDetails{
		PodIdentity:   podIdentity.PublicKeyHex,
		Host:          p.hostFor(handle),
		HostPort:      hostPort,
		SSHUsername:   req.SSHUsername,
		SSHPassword:   req.SSHPassword,
		ExpiresAt:     expiresAt,
		TierID:        tier.ID,
		TierName:      tier.DisplayName,
		CPUMillicores: tier.CPUMillicores,
		MemoryMB:      tier.MemoryMB,
		Instructions:  []string{fmt.Sprintf("ssh %s@%s -p %d", req.SSHUsername, p.hostFor(handle), hostPort)},
	}, podIdentity, nil
}

// TopUpResult is returned on a successful top-up.
type TopUpResult struct {
	PodIdentity string    `json:"pod_identity"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// TopUp is spec §4.8.2. Per the Open Question decision recorded in
// DESIGN.md, pod existence is checked *before* redemption: this
// protects a paying client from spending a token on a pod the reaper
// has already collected, and does not reopen the spawn-side DoS
// concern because no new fallible resource is acquired here — the
// existence check is a pure in-memory read.
func (p *Pipeline) TopUp(ctx context.Context, podIdentity, tokenStr string) (*TopUpResult, *Error) {
	pod, err := p.Registry.Get(podIdentity)
	if err != nil {
		return nil, fail(PodNotFound, "", "no pod with identity %s", podIdentity)
	}

	verified, tokErr := token.Verify(tokenStr, p.WhitelistedMints)
	if tokErr != nil {
		return nil, tokenErrToPipelineErr(tokErr)
	}

	tier, tierErr := p.Catalog.Tier(pod.TierID)
	if tierErr != nil {
		return nil, fail(Internal, "", "pod references unknown tier %s: %v", pod.TierID, tierErr)
	}

	addedSecs := p.Catalog.MaxDuration(tier, verified.FaceValueMsat)
	if addedSecs <= 0 {
		return nil, fail(InsufficientPayment, "", "token buys no additional time on tier %s", tier.ID)
	}

	if err := p.Ledger.TryRedeem(ctx, verified.ProofIDs, time.Now().Unix()); err != nil {
		if err == ledger.ErrAlreadySpent {
			return nil, fail(InvalidToken, "AlreadySpent", "one or more proofs already redeemed")
		}
		return nil, fail(PaymentFailed, "", "ledger error: %v", err)
	}

	newExpiresAt := pod.ExpiresAt.Add(time.Duration(addedSecs) * time.Second)

	if err := p.Driver.Extend(ctx, pod.Handle, newExpiresAt); err != nil {
		return nil, fail(PaymentFailed, "", "container driver extend: %v", err)
	}

	if err := p.Registry.UpdateExpiry(pod.PodID, newExpiresAt); err != nil {
		return nil, fail(PodNotFound, "", "pod removed concurrently with top-up: %v", err)
	}

	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("pod topped up",
		zap.String("pod_id", pod.PodID),
		zap.Int64("added_secs", addedSecs),
		zap.Time("new_expires_at", newExpiresAt),
	)

	return &TopUpResult{PodIdentity: podIdentity, ExpiresAt: newExpiresAt}, nil
}

// Status is spec §4.8.3, a read-only lookup by pod identity.
type Status struct {
	ExpiresAt     time.Time `json:"expires_at"`
	RemainingSecs int64     `json:"remaining_secs"`
	TierID        string    `json:"tier_id"`
}

func (p *Pipeline) Status(podIdentity string) (*Status, *Error) {
	pod, err := p.Registry.Get(podIdentity)
	if err != nil {
		return nil, fail(PodNotFound, "", "no pod with identity %s", podIdentity)
	}
	remaining := int64(time.Until(pod.ExpiresAt).Seconds())
	if remaining < 0 {
		remaining = 0
	}
	return &Status{ExpiresAt: pod.ExpiresAt, RemainingSecs: remaining, TierID: pod.TierID}, nil
}

func (p *Pipeline) selectTier(tierID string) (catalog.Tier, *Error) {
	if tierID != "" {
		t, err := p.Catalog.Tier(tierID)
		if err != nil {
			return catalog.Tier{}, fail(InvalidSpec, "", "unknown tier %s", tierID)
		}
		return t, nil
	}
	tiers := p.Catalog.Tiers()
	if len(tiers) == 0 {
		return catalog.Tier{}, fail(InvalidSpec, "", "catalog has no tiers")
	}
	return tiers[0], nil
}

func (p *Pipeline) hostFor(handle driver.Handle) string {
	if p.HostPublicAddr != "" {
		return p.HostPublicAddr
	}
	return handle.Host
}

func tokenErrToPipelineErr(err error) *Error {
	tErr, ok := err.(*token.Error)
	if !ok {
		return fail(InvalidToken, "", "%v", err)
	}
	return fail(InvalidToken, tErr.Kind.String(), "%s", tErr.Message)
}
