package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MacJediWizard/keygate/internal/license"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Error codes returned alongside failed verification responses.
const (
	CodeInvalidRequest   = "INVALID_REQUEST"
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeInternal         = "INTERNAL_ERROR"
)

// LicenseVerifier decides whether a product key may be used.
type LicenseVerifier interface {
	Verify(ctx context.Context, req license.VerifyRequest) (*license.Result, error)
}

// VerifyHandler serves the verification endpoint called by installations.
type VerifyHandler struct {
	verifier LicenseVerifier
	logger   zerolog.Logger
}

// NewVerifyHandler creates a new VerifyHandler.
func NewVerifyHandler(verifier LicenseVerifier, logger zerolog.Logger) *VerifyHandler {
	return &VerifyHandler{
		verifier: verifier,
		logger:   logger.With().Str("component", "verify_handler").Logger(),
	}
}

// RegisterRoutes registers the verification route on the given group.
func (h *VerifyHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/verify", h.Verify)
}

// VerifyRequest is the body sent by an installation.
// The caller IP is taken from the connection, never from the body.
type VerifyRequest struct {
	ProductKey string `json:"productKey" binding:"required,license_key"`
	HardwareID string `json:"hardwareId" binding:"omitempty,max=255"`
	Domain     string `json:"domain" binding:"omitempty,max=253"`
	Producto   string `json:"producto" binding:"omitempty,product_line"`
}

// VerifiedLicense is the license summary returned to a verified installation.
type VerifiedLicense struct {
	Producto         models.Product      `json:"producto"`
	Tipo             models.Tier         `json:"tipo"`
	Estado           models.LicenseState `json:"estado"`
	MaxUsuarios      int                 `json:"maxUsuarios"`
	MaxClientes      *int                `json:"maxClientes"`
	Features         []string            `json:"features"`
	DiasRestantes    *int                `json:"diasRestantes"`
	FechaVencimiento *time.Time          `json:"fechaVencimiento"`
}

// VerifyResponse is the body of every verification response.
type VerifyResponse struct {
	Valid   bool             `json:"valid"`
	License *VerifiedLicense `json:"license,omitempty"`
	Error   string           `json:"error,omitempty"`
	Code    string           `json:"code,omitempty"`
	// ProductoLicencia names the product the key belongs to on a product mismatch.
	ProductoLicencia models.Product `json:"productoLicencia,omitempty"`
}

// Verify checks a product key.
// POST /api/v1/verify
//
// 400 for malformed requests, 200 for every business answer, 503 when the
// license store is unreachable.
func (h *VerifyHandler) Verify(c *gin.Context) {
	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, VerifyResponse{
			Error: bindingMessage(err),
			Code:  CodeInvalidRequest,
		})
		return
	}

	res, err := h.verifier.Verify(c.Request.Context(), license.VerifyRequest{
		Key:        req.ProductKey,
		Product:    models.Product(strings.ToUpper(strings.TrimSpace(req.Producto))),
		HardwareID: req.HardwareID,
		Domain:     req.Domain,
		IPAddress:  c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if err != nil {
		switch {
		case errors.Is(err, license.ErrValidation):
			c.JSON(http.StatusBadRequest, VerifyResponse{Error: err.Error(), Code: CodeInvalidRequest})
		case license.IsTransient(err):
			h.logger.Error().Err(err).Msg("license store unavailable")
			c.Header("Retry-After", "5")
			c.JSON(http.StatusServiceUnavailable, VerifyResponse{
				Error: "license service temporarily unavailable, retry later",
				Code:  CodeStoreUnavailable,
			})
		default:
			h.logger.Error().Err(err).Msg("unexpected verification error")
			c.JSON(http.StatusInternalServerError, VerifyResponse{Error: "internal error", Code: CodeInternal})
		}
		return
	}

	if !res.Valid {
		c.JSON(http.StatusOK, VerifyResponse{
			Error:            res.Message,
			Code:             string(res.Reason),
			ProductoLicencia: res.ActualProduct,
		})
		return
	}

	lic := res.License
	features := lic.Features.WireTokens()
	if features == nil {
		features = []string{}
	}
	c.JSON(http.StatusOK, VerifyResponse{
		Valid: true,
		License: &VerifiedLicense{
			Producto:         lic.Product,
			Tipo:             lic.Tier,
			Estado:           lic.State,
			MaxUsuarios:      lic.MaxUsers,
			MaxClientes:      lic.MaxCustomers,
			Features:         features,
			DiasRestantes:    res.RemainingDays,
			FechaVencimiento: lic.ExpiresAt,
		},
	})
}
