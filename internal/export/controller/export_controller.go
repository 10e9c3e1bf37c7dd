package controller

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"dataport/internal/common/http/middleware"
	"dataport/internal/export/model"
	"dataport/internal/export/service"
	pkgrepo "dataport/pkg/repository"
	"dataport/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// ExportController handles export HTTP endpoints.
type ExportController struct {
	exportService *service.ExportService
}

// NewExportController creates a new ExportController.
func NewExportController(exportService *service.ExportService) *ExportController {
	return &ExportController{exportService: exportService}
}

// Register mounts the export routes on group. The group must already
// resolve the subject.
func (h *ExportController) Register(group *gin.RouterGroup) {
	group.POST("", h.Create)
	group.GET("", h.History)
	group.GET("/:id", h.GetStatus)
	group.GET("/:id/progress", h.GetProgress)
	group.GET("/:id/download", h.Download)
	group.PATCH("/:id", h.Update)
	group.POST("/:id/cancel", h.Cancel)
	group.POST("/:id/retry", h.Retry)
	group.DELETE("/:id", h.Delete)
}

// Create accepts a new export request.
func (h *ExportController) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	res, err := h.exportService.Create(c.Request.Context(), service.CreateInput{
		SubjectID:      middleware.SubjectFromContext(c),
		Format:         model.Format(strings.ToLower(req.Format)),
		PrivacyLevel:   model.PrivacyLevel(strings.ToLower(req.PrivacyLevel)),
		Categories:     req.Categories,
		Options:        req.Options,
		DateFrom:       req.DateFrom,
		DateTo:         req.DateTo,
		MaxDownloads:   req.MaxDownloads,
		IdempotencyKey: strings.TrimSpace(c.GetHeader("Idempotency-Key")),
		ClientIP:       c.ClientIP(),
		UserAgent:      c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, res)
}

// History lists the caller's requests.
func (h *ExportController) History(c *gin.Context) {
	limit, err := queryInt(c, "limit")
	if err != nil {
		response.BadRequest(c, "Invalid limit")
		return
	}
	offset, err := queryInt(c, "offset")
	if err != nil {
		response.BadRequest(c, "Invalid offset")
		return
	}
	res, err := h.exportService.ListHistory(c.Request.Context(), middleware.SubjectFromContext(c), pkgrepo.ListOptions{Limit: limit, Offset: offset})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, res)
}

// GetStatus returns one request.
func (h *ExportController) GetStatus(c *gin.Context) {
	view, err := h.exportService.GetStatus(c.Request.Context(), c.Param("id"), middleware.SubjectFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, view)
}

// GetProgress returns the pipeline position of one request.
func (h *ExportController) GetProgress(c *gin.Context) {
	progress, err := h.exportService.GetProgress(c.Request.Context(), c.Param("id"), middleware.SubjectFromContext(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, progress)
}

// Download redirects to the signed artifact URL.
func (h *ExportController) Download(c *gin.Context) {
	res, err := h.exportService.Download(c.Request.Context(), service.DownloadInput{
		ID:        c.Param("id"),
		SubjectID: middleware.SubjectFromContext(c),
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.Redirect(http.StatusFound, res.URL)
}

// Update changes the download ceiling or extends the expiry once.
func (h *ExportController) Update(c *gin.Context) {
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "Invalid request parameters")
		return
	}
	view, err := h.exportService.Update(c.Request.Context(), service.UpdateInput{
		ID:           c.Param("id"),
		SubjectID:    middleware.SubjectFromContext(c),
		MaxDownloads: req.MaxDownloads,
		ExtendExpiry: req.ExtendExpiry,
		ClientIP:     c.ClientIP(),
		UserAgent:    c.Request.UserAgent(),
	})
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, view)
}

// Cancel stops a pending or processing request.
func (h *ExportController) Cancel(c *gin.Context) {
	view, err := h.exportService.Cancel(c.Request.Context(), actionInput(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, view)
}

// Retry re-queues a failed request.
func (h *ExportController) Retry(c *gin.Context) {
	view, err := h.exportService.Retry(c.Request.Context(), actionInput(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Accepted(c, view)
}

// Delete withdraws a finished request.
func (h *ExportController) Delete(c *gin.Context) {
	if err := h.exportService.Delete(c.Request.Context(), actionInput(c)); err != nil {
		response.Error(c, err)
		return
	}
	response.Success(c, gin.H{"id": c.Param("id"), "status": model.StatusExpired})
}

func actionInput(c *gin.Context) service.ActionInput {
	return service.ActionInput{
		ID:        c.Param("id"),
		SubjectID: middleware.SubjectFromContext(c),
		ClientIP:  c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}
}

func queryInt(c *gin.Context, key string) (int, error) {
	raw := strings.TrimSpace(c.Query(key))
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}

// CreateRequest defines the export creation payload.
type CreateRequest struct {
	Format       string           `json:"format"`
	PrivacyLevel string           `json:"privacy_level"`
	Categories   model.Categories `json:"categories"`
	Options      model.Options    `json:"options"`
	DateFrom     *time.Time       `json:"date_from"`
	DateTo       *time.Time       `json:"date_to"`
	MaxDownloads int              `json:"max_downloads"`
}

// UpdateRequest defines the settings update payload.
type UpdateRequest struct {
	MaxDownloads *int `json:"max_downloads"`
	ExtendExpiry bool `json:"extend_expiry"`
}
