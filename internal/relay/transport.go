package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/DhananjayPurohit/paygress/internal/catalog"
	"github.com/DhananjayPurohit/paygress/internal/envelope"
	"github.com/DhananjayPurohit/paygress/internal/identity"
	"github.com/DhananjayPurohit/paygress/internal/pipeline"
)

// OfferRepublishInterval matches spec §4.9.1's "≈ 60 s".
const OfferRepublishInterval = 60 * time.Second

// innerRequest is the tagged union of §6.2's three request kinds.
type innerRequest struct {
	Kind        string `json:"kind"`
	CashuToken  string `json:"cashu_token,omitempty"`
	PodSpecID   string `json:"pod_spec_id,omitempty"`
	PodImage    string `json:"pod_image,omitempty"`
	SSHUsername string `json:"ssh_username,omitempty"`
	SSHPassword string `json:"ssh_password,omitempty"`
	DurationSec int64  `json:"duration_secs,omitempty"`
	PodIdentity string `json:"pod_identity,omitempty"`
}

type errorResponse struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
}

// Transport wires a relay.Bus and Dedup cache to the Admission
// Pipeline, per spec §4.9. It owns the service identity and the
// running offer-broadcast loop.
type Transport struct {
	Bus             Bus
	Dedup           Dedup
	Pipeline        *pipeline.Pipeline
	ServiceIdentity *identity.Identity
	Catalog         *catalog.Catalog
	WhitelistedMint []string
	Log             *zap.Logger
}

// Run starts the offer broadcast loop and the request listener; it
// blocks until ctx is cancelled.
func (t *Transport) Run(ctx context.Context) error {
	events, err := t.Bus.Subscribe(ctx, t.ServiceIdentity.PublicKeyHex)
	if err != nil {
		return fmt.Errorf("relay transport: subscribe: %w", err)
	}

	go t.broadcastOffers(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			t.handleEvent(ctx, ev)
		}
	}
}

func (t *Transport) broadcastOffers(ctx context.Context) {
	publish := func() {
		offer := t.Catalog.AsOfferDocument(t.ServiceIdentity.PublicKeyHex, t.WhitelistedMint)
		content, err := json.Marshal(offer)
		if err != nil {
			t.Log.Error("relay transport: marshal offer document", zap.Error(err))
			return
		}
		ev := Event{
			PubkeyHex: t.ServiceIdentity.PublicKeyHex,
			CreatedAt: time.Now().Unix(),
			Kind:      20000,
			Tags:      [][]string{{"t", "paygress"}, {"t", "offer"}},
			Content:   string(content),
		}
		if err := t.Bus.Publish(ctx, ev); err != nil {
			t.Log.Error("relay transport: publish offer", zap.Error(err))
		}
	}

	publish() // also published on startup, per spec §4.9.1
	ticker := time.NewTicker(OfferRepublishInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			publish()
		}
	}
}

// handleEvent implements spec §4.9.4's listening algorithm: dedup,
// decrypt, dispatch, reply. A malformed or undecryptable event is
// logged and dropped without retry — a transport-level error never
// reaches the pipeline. A failing dedup check is logged and the event
// is processed anyway.
func (t *Transport) handleEvent(ctx context.Context, ev Event) {
	seen, err := t.Dedup.SeenOrMark(ctx, ev.ID)
	if err != nil {
		t.Log.Warn("relay transport: dedup check failed, processing anyway", zap.Error(err))
	} else if seen {
		return
	}

	var wrapped envelope.Wrapped
	if err := json.Unmarshal([]byte(ev.Content), &wrapped); err != nil {
		t.Log.Warn("relay transport: dropping malformed envelope", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}

	var req innerRequest
	senderPubkey, err := envelope.Unwrap(t.ServiceIdentity, &wrapped, &req)
	if err != nil {
		t.Log.Warn("relay transport: dropping undecryptable envelope", zap.String("event_id", ev.ID), zap.Error(err))
		return
	}

	replyFrom, payload := t.dispatch(ctx, req)
	t.reply(ctx, replyFrom, senderPubkey, payload)
}

// dispatch runs one inner request against the pipeline. Per spec
// §6.2's response sender identity rule, a successful spawn replies
// from the freshly minted pod identity; top-up and status always
// reply from the service identity.
func (t *Transport) dispatch(ctx context.Context, req innerRequest) (*identity.Identity, any) {
	switch req.Kind {
	case "spawn":
		access, podIdentity, perr := t.Pipeline.Spawn(ctx, pipeline.SpawnRequest{
			TokenStr:          req.CashuToken,
			TierID:            req.PodSpecID,
			Image:             req.PodImage,
			SSHUsername:       req.SSHUsername,
			SSHPassword:       req.SSHPassword,
			RequestedDuration: req.DurationSec,
		})
		if perr != nil {
			return t.ServiceIdentity, toErrorResponse(perr)
		}
		return podIdentity, access

	case "topup":
		res, perr := t.Pipeline.TopUp(ctx, req.PodIdentity, req.CashuToken)
		if perr != nil {
			return t.ServiceIdentity, toErrorResponse(perr)
		}
		return t.ServiceIdentity, res

	case "status":
		st, perr := t.Pipeline.Status(req.PodIdentity)
		if perr != nil {
			return t.ServiceIdentity, toErrorResponse(perr)
		}
		return t.ServiceIdentity, st

	default:
		return t.ServiceIdentity, errorResponse{ErrorType: "InvalidSpec", Message: fmt.Sprintf("unknown request kind %q", req.Kind)}
	}
}

func (t *Transport) reply(ctx context.Context, from *identity.Identity, toPubkeyHex string, payload any) {
	wrapped, err := envelope.GiftWrap(from, toPubkeyHex, payload)
	if err != nil {
		t.Log.Error("relay transport: gift wrap reply", zap.Error(err))
		return
	}
	content, err := json.Marshal(wrapped)
	if err != nil {
		t.Log.Error("relay transport: marshal wrapped reply", zap.Error(err))
		return
	}
	ev := Event{
		PubkeyHex: from.PublicKeyHex,
		CreatedAt: time.Now().Unix(),
		Kind:      1001,
		Tags:      [][]string{{"p", toPubkeyHex}, {"t", "paygress"}, {"t", "response"}},
		Content:   string(content),
	}
	if err := t.Bus.Publish(ctx, ev); err != nil {
		t.Log.Error("relay transport: publish reply", zap.Error(err))
	}
}

func toErrorResponse(perr *pipeline.Error) errorResponse {
	return errorResponse{ErrorType: perr.Kind.String(), Message: perr.Message, Details: perr.Details}
}
