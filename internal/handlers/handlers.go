package handlers

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"path/filepath"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/radiology-api/internal/imagefile"
	"github.com/example/radiology-api/internal/inference"
	"github.com/example/radiology-api/internal/logging"
	"github.com/example/radiology-api/internal/preprocess"
	"github.com/example/radiology-api/internal/usecase"
)

// DefaultMaxUploadSize caps request bodies when no limit is configured.
const DefaultMaxUploadSize = 10 << 20

const (
	uploadField = "file"

	msgLive            = "Radiology AI Server is Running!"
	msgUploaded        = "X-ray uploaded successfully"
	msgInvalidType     = "Invalid file type. Only JPG and PNG files are allowed."
	msgMissingFile     = "file is required"
	msgTooLarge        = "file too large"
	msgProcessingError = "Error processing image"
	msgInferenceError  = "Model inference failed"
	msgBusy            = "Classifier is busy, please retry"
	msgUnexpected      = "Unexpected server error"
)

// Handler serves the analysis API.
type Handler struct {
	uc             *usecase.AnalysisUseCase
	logger         *zap.Logger
	maxUploadBytes int64
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, uc *usecase.AnalysisUseCase, logger *zap.Logger, maxUploadBytes int64) {
	if maxUploadBytes <= 0 {
		maxUploadBytes = DefaultMaxUploadSize
	}
	h := &Handler{uc: uc, logger: logger.Named("handlers"), maxUploadBytes: maxUploadBytes}

	router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": msgLive})
	})
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", func(c *gin.Context) {
		c.JSON(http.StatusOK, uc.GetMetricsSummary())
	})

	router.POST("/upload/", h.Upload)
	router.POST("/analyze/", h.Analyze)
}

// Upload handles POST /upload/.
func (h *Handler) Upload(c *gin.Context) {
	requestID := requestIDOf(c)

	file, ok := h.formFile(c)
	if !ok {
		return
	}
	src, err := file.Open()
	if err != nil {
		h.respondError(c, requestID, logging.NewOperationError(usecase.OpReadUpload, requestID, err))
		return
	}
	defer src.Close()

	result, err := h.uc.Upload(c.Request.Context(), requestID, file.Filename, src)
	if err != nil {
		h.respondError(c, requestID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"filename":  result.Filename,
		"stored_as": filepath.Base(result.StoredPath),
		"message":   msgUploaded,
	})
}

// Analyze handles POST /analyze/.
func (h *Handler) Analyze(c *gin.Context) {
	requestID := requestIDOf(c)

	file, ok := h.formFile(c)
	if !ok {
		return
	}
	src, err := file.Open()
	if err != nil {
		h.respondError(c, requestID, logging.NewOperationError(usecase.OpReadUpload, requestID, err))
		return
	}
	defer src.Close()

	result, err := h.uc.Analyze(c.Request.Context(), requestID, file.Filename, src)
	if err != nil {
		h.respondError(c, requestID, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"filename":  result.Filename,
		"stored_as": filepath.Base(result.StoredPath),
		"diagnosis": result.Diagnosis,
	})
}

// formFile enforces the body size limit and extracts the upload field. It
// writes the error response itself and returns false on failure.
func (h *Handler) formFile(c *gin.Context) (*multipart.FileHeader, bool) {
	if c.Request.ContentLength > h.maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": msgTooLarge})
		return nil, false
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)

	file, err := c.FormFile(uploadField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": msgTooLarge})
			return nil, false
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": msgMissingFile})
		return nil, false
	}
	return file, true
}

func (h *Handler) respondError(c *gin.Context, requestID string, err error) {
	status, message := classify(err)
	_ = c.Error(err)

	fields := []zap.Field{
		zap.Error(err),
		zap.String("operation", logging.OperationOf(err)),
		zap.Int("status", status),
	}
	reqLogger := logging.WithOperation(h.logger, "handlers.respond_error", requestID)
	if status >= http.StatusInternalServerError {
		reqLogger.Error("request failed", fields...)
	} else {
		reqLogger.Warn("request rejected", fields...)
	}

	c.JSON(status, gin.H{"error": message, "request_id": requestID})
}

// classify maps pipeline errors to a status code and a message that never
// carries internal error text.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, imagefile.ErrInvalidFileType):
		return http.StatusBadRequest, msgInvalidType
	case errors.Is(err, inference.ErrBusy):
		return http.StatusServiceUnavailable, msgBusy
	case errors.Is(err, imagefile.ErrImageDecode),
		errors.Is(err, imagefile.ErrStorage),
		errors.Is(err, preprocess.ErrImageNotFound),
		errors.Is(err, preprocess.ErrImageDecode):
		return http.StatusInternalServerError, msgProcessingError
	case errors.Is(err, inference.ErrInference):
		return http.StatusInternalServerError, msgInferenceError
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, msgBusy
	default:
		return http.StatusInternalServerError, msgUnexpected
	}
}

func requestIDOf(c *gin.Context) string {
	if id := logging.RequestID(c); id != "" {
		return id
	}
	return uuid.NewString()
}
