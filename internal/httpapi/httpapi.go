// Package httpapi implements the HTTP transport (spec §4.10/§6.1): a
// minimal REST surface over the same Admission Pipeline the relay and
// stdio-RPC transports drive.
//
// Grounded on the gin route-registration shape of
// _examples/0gfoundation-0g-sandbox-billing/internal/proxy/handler.go
// (a Handler struct wrapping the collaborators, a Register method
// mounting routes onto a *gin.RouterGroup) and its status-driven
// gin.H{"error": ...} error responses, adapted from a reverse-proxy
// forwarding shape to a direct handler shape since Paygress has no
// upstream to forward to.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/DhananjayPurohit/paygress/internal/catalog"
	"github.com/DhananjayPurohit/paygress/internal/pipeline"
)

// cashuTokenHeader is the alternative header-driven invocation for a
// payment-gateway front-proxy that has already verified the token
// (spec §6.1's "Alternative header-driven invocation"), adapted from
// internal/auth/middleware.go's header-extraction shape — the wallet
// signature check does not apply here, the proxy is trusted to have
// done its own verification before this header is trusted.
const cashuTokenHeader = "X-Cashu-Token"

// Handler wires the Admission Pipeline onto a Gin engine.
type Handler struct {
	Pipeline  *pipeline.Pipeline
	Catalog   *catalog.Catalog
	Mints     []string
	StartedAt time.Time
	Log       *zap.Logger
}

// Register mounts every route from spec §6.1 onto rg.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.GET("/health", h.handleHealth)
	rg.GET("/offers", h.handleOffers)
	rg.POST("/pods/spawn", h.handleSpawn)
	rg.POST("/pods/topup", h.handleTopUp)
	rg.POST("/pods/status", h.handleStatus)
}

func (h *Handler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"uptime_secs": int64(time.Since(h.StartedAt).Seconds()),
	})
}

func (h *Handler) handleOffers(c *gin.Context) {
	c.JSON(http.StatusOK, h.Catalog.AsOfferDocument(h.Pipeline.ServiceIdentity.PublicKeyHex, h.Mints))
}

type spawnRequest struct {
	CashuToken  string `json:"cashu_token"`
	PodSpecID   string `json:"pod_spec_id"`
	PodImage    string `json:"pod_image"`
	SSHUsername string `json:"ssh_username"`
	SSHPassword string `json:"ssh_password"`
	DurationSec int64  `json:"duration_secs"`
}

func (h *Handler) handleSpawn(c *gin.Context) {
	var req spawnRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_type": "InvalidSpec", "message": err.Error()})
		return
	}
	if token := c.GetHeader(cashuTokenHeader); token != "" {
		req.CashuToken = token
	}
	if req.PodImage == "" || req.SSHUsername == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error_type": "InvalidSpec", "message": "pod_image and ssh_username are required"})
		return
	}

	access, _, perr := h.Pipeline.Spawn(c.Request.Context(), pipeline.SpawnRequest{
		TokenStr:          req.CashuToken,
		TierID:            req.PodSpecID,
		Image:             req.PodImage,
		SSHUsername:       req.SSHUsername,
		SSHPassword:       req.SSHPassword,
		RequestedDuration: req.DurationSec,
	})
	if perr != nil {
		writeError(c, perr)
		return
	}
	c.JSON(http.StatusOK, access)
}

type topUpRequest struct {
	PodIdentity string `json:"pod_identity"`
	CashuToken  string `json:"cashu_token"`
}

func (h *Handler) handleTopUp(c *gin.Context) {
	var req topUpRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_type": "InvalidSpec", "message": err.Error()})
		return
	}
	if token := c.GetHeader(cashuTokenHeader); token != "" {
		req.CashuToken = token
	}

	res, perr := h.Pipeline.TopUp(c.Request.Context(), req.PodIdentity, req.CashuToken)
	if perr != nil {
		writeError(c, perr)
		return
	}
	c.JSON(http.StatusOK, res)
}

type statusRequest struct {
	PodIdentity string `json:"pod_identity"`
}

func (h *Handler) handleStatus(c *gin.Context) {
	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error_type": "InvalidSpec", "message": err.Error()})
		return
	}

	st, perr := h.Pipeline.Status(req.PodIdentity)
	if perr != nil {
		writeError(c, perr)
		return
	}
	c.JSON(http.StatusOK, st)
}

// writeError maps a pipeline.Error's Kind onto the status codes in
// spec §6.1's error column.
func writeError(c *gin.Context, perr *pipeline.Error) {
	status := http.StatusInternalServerError
	switch perr.Kind {
	case pipeline.InvalidSpec:
		status = http.StatusBadRequest
	case pipeline.InvalidToken, pipeline.InsufficientPayment, pipeline.PaymentFailed:
		status = http.StatusPaymentRequired
	case pipeline.ResourceUnavailable:
		status = http.StatusServiceUnavailable
	case pipeline.PodCreationFailed:
		status = http.StatusInternalServerError
	case pipeline.PodNotFound:
		status = http.StatusNotFound
	}
	c.JSON(status, gin.H{
		"error_type": perr.Kind.String(),
		"message":    perr.Message,
		"details":    perr.Details,
	})
}
