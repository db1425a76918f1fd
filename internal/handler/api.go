package handler

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"intent-service/internal/artifact"
	"intent-service/internal/models"
	"intent-service/internal/repository"
	"intent-service/internal/service"
	"intent-service/internal/trainer"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// VersionLister lists published artifact versions.
type VersionLister interface {
	Versions() ([]artifact.Manifest, error)
}

// Handler handles HTTP requests
type Handler struct {
	assistant *service.Assistant
	versions  VersionLister
	gatherer  prometheus.Gatherer
	logger    *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(assistant *service.Assistant, versions VersionLister, gatherer prometheus.Gatherer, logger *zap.Logger) *Handler {
	return &Handler{
		assistant: assistant,
		versions:  versions,
		gatherer:  gatherer,
		logger:    logger,
	}
}

// TextRequest carries one utterance.
type TextRequest struct {
	Text string `json:"text" binding:"required"`
}

// RegisterRoutes registers all API routes. guard protects the mutating routes.
func (h *Handler) RegisterRoutes(r *gin.Engine, guard gin.HandlerFunc) {
	api := r.Group("/api/v1")
	{
		// Command path
		api.POST("/commands", h.ProcessCommand)
		api.POST("/predict", h.Predict)

		// Interaction log
		api.POST("/interactions", guard, h.LogInteraction)
		api.GET("/interactions", h.ListInteractions)
		api.GET("/interactions/stats", h.GetStats)
		api.GET("/recommendations", h.GetRecommendations)

		// Training
		api.POST("/train", guard, h.StartTraining)
		api.POST("/train/cancel", guard, h.CancelTraining)
		api.GET("/train/runs", h.ListRuns)
		api.GET("/train/runs/:id", h.GetRun)
		api.GET("/model", h.GetModelInfo)

		// Export
		api.GET("/export/csv", h.ExportCSV)
		api.GET("/export/json", h.ExportJSON)
	}

	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))
}

// ProcessCommand routes one utterance
func (h *Handler) ProcessCommand(c *gin.Context) {
	var req TextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.assistant.ProcessCommand(req.Text)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// Predict classifies one utterance without routing or logging it
func (h *Handler) Predict(c *gin.Context) {
	var req TextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	pred, err := h.assistant.Predict(req.Text)
	var mismatch *artifact.MismatchError
	switch {
	case errors.Is(err, service.ErrEmptyInput):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, artifact.ErrNotTrained):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classifier not trained", "status": "not_trained"})
		return
	case errors.As(err, &mismatch):
		h.logger.Warn("Artifact mismatch", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "classifier artifacts are inconsistent", "status": "mismatch"})
		return
	case err != nil:
		h.logger.Error("Failed to predict", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"prediction": pred,
		"advised":    pred.Confidence > h.assistant.Predictor().Threshold(),
		"threshold":  h.assistant.Predictor().Threshold(),
	})
}

// LogInteraction appends an interaction and confirms the write
func (h *Handler) LogInteraction(c *gin.Context) {
	var req models.InteractionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in, err := h.assistant.LogInteraction(c.Request.Context(), &req)
	if err != nil {
		var writeErr *repository.StoreWriteError
		if errors.As(err, &writeErr) {
			h.logger.Error("Failed to log interaction", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to log interaction"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, in)
}

// ListInteractions returns a page of the interaction log
func (h *Handler) ListInteractions(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	offset := queryInt(c, "offset", 0)

	interactions, err := h.assistant.Interactions(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to get interactions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get interactions"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"interactions": interactions,
		"total":        len(interactions),
		"limit":        limit,
		"offset":       offset,
	})
}

// GetStats returns interaction statistics
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.assistant.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get stats"})
		return
	}

	c.JSON(http.StatusOK, stats)
}

// GetRecommendations returns training data suggestions
func (h *Handler) GetRecommendations(c *gin.Context) {
	recs, err := h.assistant.Recommendations(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to get recommendations", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get recommendations"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"recommendations": recs})
}

// StartTraining starts a background training run
func (h *Handler) StartTraining(c *gin.Context) {
	run, err := h.assistant.StartTraining("api")
	if err != nil {
		if errors.Is(err, trainer.ErrTrainingInProgress) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to start training", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start training"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id":  run.ID,
		"state":   run.State,
		"message": "Training started. Check /api/v1/train/runs/" + run.ID + " for status",
	})
}

// CancelTraining stops the in-flight run
func (h *Handler) CancelTraining(c *gin.Context) {
	if !h.assistant.CancelTraining() {
		c.JSON(http.StatusConflict, gin.H{"error": "no training run in progress"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

// ListRuns returns recent training runs
func (h *Handler) ListRuns(c *gin.Context) {
	runs, err := h.assistant.Runs(c.Request.Context(), queryInt(c, "limit", 20))
	if err != nil {
		h.logger.Error("Failed to get training runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get training runs"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"runs":  runs,
		"total": len(runs),
	})
}

// GetRun returns one training run with its report
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.assistant.Run(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, repository.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "training run not found"})
			return
		}
		h.logger.Error("Failed to get training run", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get training run"})
		return
	}

	c.JSON(http.StatusOK, run)
}

// GetModelInfo describes the loaded classifier and published versions
func (h *Handler) GetModelInfo(c *gin.Context) {
	versions, err := h.versions.Versions()
	if err != nil {
		h.logger.Error("Failed to list artifact versions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list artifact versions"})
		return
	}

	p := h.assistant.Predictor()
	c.JSON(http.StatusOK, gin.H{
		"loaded_version":       p.Version(),
		"confidence_threshold": p.Threshold(),
		"training_in_progress": h.assistant.Trainer().InProgress(),
		"versions":             versions,
	})
}

// ExportCSV exports the interaction log to CSV
func (h *Handler) ExportCSV(c *gin.Context) {
	interactions, err := h.assistant.AllInteractions(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to export CSV", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}

	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=interactions.csv")

	writer := csv.NewWriter(c.Writer)
	defer writer.Flush()

	writer.Write([]string{"id", "input_text", "response_text", "command_type", "timestamp", "confidence"})
	for _, in := range interactions {
		writer.Write([]string{
			strconv.FormatInt(in.ID, 10),
			in.InputText,
			in.ResponseText,
			string(in.CommandType),
			in.Timestamp.UTC().Format(time.RFC3339),
			strconv.FormatFloat(in.Confidence, 'f', -1, 64),
		})
	}
}

// ExportJSON exports the interaction log to JSON
func (h *Handler) ExportJSON(c *gin.Context) {
	interactions, err := h.assistant.AllInteractions(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to export JSON", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "export failed"})
		return
	}

	c.Header("Content-Type", "application/json")
	c.Header("Content-Disposition", "attachment; filename=interactions.json")

	encoder := json.NewEncoder(c.Writer)
	encoder.SetIndent("", "  ")
	encoder.Encode(interactions)
}

// HealthCheck returns service health
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":        "healthy",
		"service":       "intent-service",
		"model_version": h.assistant.Predictor().Version(),
	})
}

func queryInt(c *gin.Context, key string, def int) int {
	v, err := strconv.Atoi(c.Query(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}
