package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/MacJediWizard/keygate/internal/api/middleware"
	"github.com/MacJediWizard/keygate/internal/license"
	"github.com/MacJediWizard/keygate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// LicenseAdmin performs administrative operations on issued licenses.
type LicenseAdmin interface {
	Detail(ctx context.Context, key string) (*models.LicenseRecord, error)
	List(ctx context.Context, f models.LicenseFilter) ([]*models.LicenseRecord, error)
	Stats(ctx context.Context) (*models.LicenseStats, error)
	ChangeState(ctx context.Context, key string, to models.LicenseState, actor string) (*models.License, error)
	History(ctx context.Context, key string, limit int) ([]*models.ActivationEvent, error)
	Delete(ctx context.Context, key, actor string) error
}

// LicenseIssuer creates licenses from the entitlement catalog.
type LicenseIssuer interface {
	Create(ctx context.Context, req license.CreateRequest) (*models.License, error)
	Catalog() *license.Catalog
}

// LicensesHandler handles the administrative license endpoints.
type LicensesHandler struct {
	admin  LicenseAdmin
	issuer LicenseIssuer
	logger zerolog.Logger
}

// NewLicensesHandler creates a new LicensesHandler.
func NewLicensesHandler(admin LicenseAdmin, issuer LicenseIssuer, logger zerolog.Logger) *LicensesHandler {
	return &LicensesHandler{
		admin:  admin,
		issuer: issuer,
		logger: logger.With().Str("component", "licenses_handler").Logger(),
	}
}

// RegisterRoutes registers admin license routes.
func (h *LicensesHandler) RegisterRoutes(r *gin.RouterGroup) {
	licenses := r.Group("/licenses")
	{
		licenses.GET("", h.List)
		licenses.POST("", h.Create)
		licenses.GET("/:key", h.Get)
		licenses.GET("/:key/history", h.History)
		licenses.PUT("/:key/state", h.ChangeState)
		licenses.DELETE("/:key", h.Delete)
	}
	r.GET("/catalog", h.Catalog)
	r.GET("/stats", h.Stats)
}

// CustomerRequest is the optional owner of record of a new license.
type CustomerRequest struct {
	Nombre   string `json:"nombre" binding:"max=200"`
	Email    string `json:"email" binding:"required,email,max=254"`
	Empresa  string `json:"empresa" binding:"max=200"`
	Telefono string `json:"telefono" binding:"max=50"`
}

// CreateLicenseRequest is the body of POST /licenses.
type CreateLicenseRequest struct {
	Producto string           `json:"producto" binding:"required,product_line"`
	Tipo     string           `json:"tipo" binding:"required,license_tier"`
	Cliente  *CustomerRequest `json:"cliente"`
}

// ChangeStateRequest is the body of PUT /licenses/:key/state.
type ChangeStateRequest struct {
	Estado string `json:"estado" binding:"required,license_state"`
}

// Create issues a new Pending license.
// POST /api/v1/admin/licenses
func (h *LicensesHandler) Create(c *gin.Context) {
	var req CreateLicenseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingMessage(err), "code": CodeInvalidRequest})
		return
	}

	in := license.CreateRequest{
		Product: models.Product(strings.ToUpper(req.Producto)),
		Tier:    models.Tier(strings.ToUpper(req.Tipo)),
	}
	if req.Cliente != nil {
		in.Customer = &license.CustomerInput{
			Name:    req.Cliente.Nombre,
			Email:   req.Cliente.Email,
			Company: req.Cliente.Empresa,
			Phone:   req.Cliente.Telefono,
		}
	}

	lic, err := h.issuer.Create(c.Request.Context(), in)
	if err != nil {
		h.writeError(c, err, "failed to create license")
		return
	}

	h.logger.Info().
		Str("key", license.MaskKey(lic.Key)).
		Str("product", string(lic.Product)).
		Str("tier", string(lic.Tier)).
		Str("actor", middleware.GetActor(c)).
		Msg("license created")

	c.JSON(http.StatusCreated, lic)
}

// List returns licenses matching the query filters, newest first.
// GET /api/v1/admin/licenses?estado=&tipo=&producto=&q=&limit=&offset=
func (h *LicensesHandler) List(c *gin.Context) {
	f := models.LicenseFilter{
		State:   models.LicenseState(strings.ToUpper(c.Query("estado"))),
		Tier:    models.Tier(strings.ToUpper(c.Query("tipo"))),
		Product: models.Product(strings.ToUpper(c.Query("producto"))),
		Search:  c.Query("q"),
	}
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer", "code": CodeInvalidRequest})
			return
		}
		f.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "offset must be a non-negative integer", "code": CodeInvalidRequest})
			return
		}
		f.Offset = n
	}

	records, err := h.admin.List(c.Request.Context(), f)
	if err != nil {
		h.writeError(c, err, "failed to list licenses")
		return
	}
	if records == nil {
		records = []*models.LicenseRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"licenses": records})
}

// Get returns a license by product key together with its owner.
// GET /api/v1/admin/licenses/:key
func (h *LicensesHandler) Get(c *gin.Context) {
	rec, err := h.admin.Detail(c.Request.Context(), c.Param("key"))
	if err != nil {
		h.writeError(c, err, "failed to get license")
		return
	}
	c.JSON(http.StatusOK, rec)
}

// Stats returns dashboard figures for the license base.
// GET /api/v1/admin/stats
func (h *LicensesHandler) Stats(c *gin.Context) {
	stats, err := h.admin.Stats(c.Request.Context())
	if err != nil {
		h.writeError(c, err, "failed to compute license stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

// History returns the activation history of a license, newest first.
// GET /api/v1/admin/licenses/:key/history?limit=N
func (h *LicensesHandler) History(c *gin.Context) {
	limit := license.DefaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 || n > 1000 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000", "code": CodeInvalidRequest})
			return
		}
		limit = n
	}

	events, err := h.admin.History(c.Request.Context(), c.Param("key"), limit)
	if err != nil {
		h.writeError(c, err, "failed to list activation history")
		return
	}
	if events == nil {
		events = []*models.ActivationEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// ChangeState applies an administrative state transition.
// PUT /api/v1/admin/licenses/:key/state
func (h *LicensesHandler) ChangeState(c *gin.Context) {
	var req ChangeStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingMessage(err), "code": CodeInvalidRequest})
		return
	}

	to := models.LicenseState(strings.ToUpper(req.Estado))
	lic, err := h.admin.ChangeState(c.Request.Context(), c.Param("key"), to, middleware.GetActor(c))
	if err != nil {
		h.writeError(c, err, "failed to change license state")
		return
	}
	c.JSON(http.StatusOK, lic)
}

// Delete removes a license and its history.
// DELETE /api/v1/admin/licenses/:key
func (h *LicensesHandler) Delete(c *gin.Context) {
	if err := h.admin.Delete(c.Request.Context(), c.Param("key"), middleware.GetActor(c)); err != nil {
		h.writeError(c, err, "failed to delete license")
		return
	}
	c.Status(http.StatusNoContent)
}

// Catalog lists the entitlements granted to new licenses.
// GET /api/v1/admin/catalog
func (h *LicensesHandler) Catalog(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": h.issuer.Catalog().Entries()})
}

func (h *LicensesHandler) writeError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, license.ErrLicenseNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "license not found", "code": string(license.ReasonNotFound)})
	case errors.Is(err, license.ErrIllegalTransition):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": "ILLEGAL_TRANSITION"})
	case errors.Is(err, license.ErrValidation):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": CodeInvalidRequest})
	case license.IsTransient(err):
		h.logger.Error().Err(err).Msg(msg)
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "license store unavailable", "code": CodeStoreUnavailable})
	default:
		h.logger.Error().Err(err).Msg(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": msg, "code": CodeInternal})
	}
}
