package http

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"transferkit/internal/domain"
	"transferkit/internal/executor"
	"transferkit/internal/service"
	"transferkit/internal/transfer"
)

// Handler wires HTTP routes to the transfer managers.
type Handler struct {
	downloads *transfer.Manager
	uploads   *transfer.Manager
	users     service.UserService
	jwtSecret string
	tokenTTL  time.Duration
	dataRoot  string
}

func NewHandler(downloads, uploads *transfer.Manager, users service.UserService, jwtSecret string, tokenTTL time.Duration, dataRoot string) *Handler {
	return &Handler{
		downloads: downloads,
		uploads:   uploads,
		users:     users,
		jwtSecret: jwtSecret,
		tokenTTL:  tokenTTL,
		dataRoot:  dataRoot,
	}
}

func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(corsMiddleware())

	api := router.Group("/api")
	api.GET("/health", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	auth := api.Group("/auth")
	{
		auth.POST("/register", h.register)
		auth.POST("/login", h.login)
	}

	protected := api.Group("", h.authMiddleware())
	downloads := protected.Group("/downloads")
	{
		downloads.POST("", h.createDownload)
		h.registerControlRoutes(downloads, h.downloads)
	}
	uploads := protected.Group("/uploads")
	{
		uploads.POST("", h.createUpload)
		h.registerControlRoutes(uploads, h.uploads)
	}
}

// registerControlRoutes mounts the control/query surface shared by the
// download and upload managers.
func (h *Handler) registerControlRoutes(g *gin.RouterGroup, m *transfer.Manager) {
	g.GET("", func(c *gin.Context) { h.list(c, m) })
	g.GET("/overall", func(c *gin.Context) { h.overall(c, m) })
	g.PUT("/concurrency", func(c *gin.Context) { h.setConcurrency(c, m) })
	g.POST("/batch/pause", func(c *gin.Context) { h.batch(c, m.PauseAll) })
	g.POST("/batch/resume", func(c *gin.Context) { h.batch(c, m.ResumeAll) })
	g.POST("/batch/cancel", func(c *gin.Context) { h.batchWithDelete(c, m.CancelAll) })
	g.POST("/batch/remove", func(c *gin.Context) { h.batchWithDelete(c, m.RemoveAll) })
	g.GET("/:id", func(c *gin.Context) { h.get(c, m) })
	g.POST("/:id/start", func(c *gin.Context) { h.control(c, m.Start) })
	g.POST("/:id/pause", func(c *gin.Context) { h.control(c, m.Pause) })
	g.POST("/:id/resume", func(c *gin.Context) { h.control(c, m.Resume) })
	g.POST("/:id/cancel", func(c *gin.Context) { h.controlWithDelete(c, m.Cancel) })
	g.DELETE("/:id", func(c *gin.Context) { h.controlWithDelete(c, m.Remove) })
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

type createDownloadRequest struct {
	URL           string `json:"url" binding:"required"`
	Filename      string `json:"filename"`
	CopyToLibrary bool   `json:"copy_to_library"`
}

func (h *Handler) createDownload(c *gin.Context) {
	var req createDownloadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	name := req.Filename
	if name == "" {
		name = executor.DeriveFileName(req.URL, len(h.downloads.List()))
	}
	id, err := h.downloads.Add(domain.Descriptor{
		URL:             req.URL,
		DestinationPath: filepath.Join(h.dataRoot, filepath.Base(name)),
		CopyToLibrary:   req.CopyToLibrary,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, _ := h.downloads.Get(id)
	c.JSON(http.StatusAccepted, taskToResponse(snap))
}

type createUploadRequest struct {
	TargetURL   string `json:"target_url" binding:"required"`
	FilePath    string `json:"file_path" binding:"required"`
	FieldName   string `json:"field_name"`
	ContentType string `json:"content_type"`
}

func (h *Handler) createUpload(c *gin.Context) {
	var req createUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	id, err := h.uploads.Add(domain.Descriptor{
		URL: req.TargetURL,
		Payload: &domain.UploadPayload{
			FilePath:    req.FilePath,
			FieldName:   req.FieldName,
			ContentType: req.ContentType,
		},
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	snap, _ := h.uploads.Get(id)
	c.JSON(http.StatusAccepted, taskToResponse(snap))
}

func (h *Handler) list(c *gin.Context, m *transfer.Manager) {
	var snaps []domain.TaskSnapshot
	switch c.Query("filter") {
	case "active":
		snaps = m.ListActive()
	case "completed":
		snaps = m.ListCompleted()
	default:
		snaps = m.List()
	}

	resp := make([]TaskResponse, len(snaps))
	for i := range snaps {
		resp[i] = taskToResponse(snaps[i])
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) overall(c *gin.Context, m *transfer.Manager) {
	progress, state := m.Overall()
	c.JSON(http.StatusOK, gin.H{"progress": progress, "state": state})
}

func (h *Handler) get(c *gin.Context, m *transfer.Manager) {
	snap, ok := m.Get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "task not found"})
		return
	}
	c.JSON(http.StatusOK, taskToResponse(snap))
}

func (h *Handler) control(c *gin.Context, op func(string) error) {
	if err := op(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

func (h *Handler) controlWithDelete(c *gin.Context, op func(string, bool) error) {
	deleteArtifact, err := strconv.ParseBool(c.DefaultQuery("delete_artifact", "false"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid flag delete_artifact"})
		return
	}
	if err := op(c.Param("id"), deleteArtifact); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": c.Param("id")})
}

type batchRequest struct {
	IDs            []string `json:"ids" binding:"required"`
	DeleteArtifact bool     `json:"delete_artifact"`
}

func (h *Handler) batch(c *gin.Context, op func([]string)) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op(req.IDs)
	c.JSON(http.StatusOK, gin.H{"ids": req.IDs})
}

func (h *Handler) batchWithDelete(c *gin.Context, op func([]string, bool)) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	op(req.IDs, req.DeleteArtifact)
	c.JSON(http.StatusOK, gin.H{"ids": req.IDs})
}

type setConcurrencyRequest struct {
	Max int `json:"max" binding:"required"`
}

func (h *Handler) setConcurrency(c *gin.Context, m *transfer.Manager) {
	var req setConcurrencyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	m.SetMaxConcurrency(req.Max)
	c.JSON(http.StatusOK, gin.H{"max": req.Max})
}

type TaskResponse struct {
	ID            string           `json:"id"`
	URL           string           `json:"url"`
	Destination   string           `json:"destination,omitempty"`
	State         domain.TaskState `json:"state"`
	Progress      float64          `json:"progress"`
	ErrorMessage  string           `json:"error_message,omitempty"`
	Response      any              `json:"response,omitempty"`
	CopyToLibrary bool             `json:"copy_to_library,omitempty"`
	CreatedAt     string           `json:"created_at"`
	UpdatedAt     string           `json:"updated_at"`
}

func taskToResponse(snap domain.TaskSnapshot) TaskResponse {
	return TaskResponse{
		ID:            snap.ID,
		URL:           snap.Descriptor.URL,
		Destination:   snap.Descriptor.DestinationPath,
		State:         snap.State,
		Progress:      snap.Progress,
		ErrorMessage:  snap.Error,
		Response:      snap.Response,
		CopyToLibrary: snap.Descriptor.CopyToLibrary,
		CreatedAt:     snap.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     snap.UpdatedAt.Format(time.RFC3339),
	}
}
