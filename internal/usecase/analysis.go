package usecase

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/example/radiology-api/internal/diagnosis"
	"github.com/example/radiology-api/internal/imagefile"
	"github.com/example/radiology-api/internal/inference"
	"github.com/example/radiology-api/internal/logging"
	"github.com/example/radiology-api/internal/preprocess"
	"github.com/example/radiology-api/internal/telemetry"
)

// Pipeline step names, used as span names and OperationError operations.
const (
	OpValidate   = "usecase.validate"
	OpReadUpload = "usecase.read_upload"
	OpStore      = "usecase.store_image"
	OpPreprocess = "usecase.preprocess"
	OpClassify   = "usecase.classify"
	OpFormat     = "usecase.format"
)

// ImageStore persists decoded uploads.
type ImageStore interface {
	Save(ctx context.Context, data []byte, ext string) (string, error)
}

// Preprocessor loads a stored image as classifier input.
type Preprocessor interface {
	FromPath(path string) (*preprocess.Tensor, error)
}

// Formatter turns logits into a diagnosis.
type Formatter interface {
	Format(logits []float32) (*diagnosis.Result, error)
}

// RetentionTracker schedules stored files for cleanup.
type RetentionTracker interface {
	Track(ctx context.Context, path string) error
}

// UploadResult describes an accepted upload.
type UploadResult struct {
	RequestID  string
	Filename   string
	StoredPath string
}

// AnalysisResult is an accepted upload plus its diagnosis.
type AnalysisResult struct {
	UploadResult
	Diagnosis *diagnosis.Result
}

// AnalysisUseCase runs the validate, store, preprocess, classify and format
// steps for one request. Any failing step ends the request; no step is
// retried.
type AnalysisUseCase struct {
	store        ImageStore
	preprocessor Preprocessor
	classifier   inference.Classifier
	formatter    Formatter
	retention    RetentionTracker
	logger       *zap.Logger
	tracer       trace.Tracer

	uploads  atomic.Int64
	analyses atomic.Int64
	failures atomic.Int64
}

// Option customizes an AnalysisUseCase.
type Option func(*AnalysisUseCase)

// WithRetention registers stored files with tracker.
func WithRetention(tracker RetentionTracker) Option {
	return func(uc *AnalysisUseCase) {
		uc.retention = tracker
	}
}

// NewAnalysisUseCase constructs the pipeline. The classifier is shared by
// every request and must already be loaded.
func NewAnalysisUseCase(store ImageStore, preprocessor Preprocessor, classifier inference.Classifier, formatter Formatter, logger *zap.Logger, opts ...Option) *AnalysisUseCase {
	uc := &AnalysisUseCase{
		store:        store,
		preprocessor: preprocessor,
		classifier:   classifier,
		formatter:    formatter,
		logger:       logger.Named("analysis_usecase"),
		tracer:       otel.Tracer(telemetry.TracerName),
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// Upload validates and stores an image without classifying it.
func (uc *AnalysisUseCase) Upload(ctx context.Context, requestID, filename string, body io.Reader) (*UploadResult, error) {
	result, err := uc.accept(ctx, requestID, filename, body)
	if err != nil {
		uc.failures.Add(1)
		return nil, err
	}
	uc.uploads.Add(1)
	return result, nil
}

// Analyze validates, stores and classifies an image.
func (uc *AnalysisUseCase) Analyze(ctx context.Context, requestID, filename string, body io.Reader) (*AnalysisResult, error) {
	result, err := uc.analyze(ctx, requestID, filename, body)
	if err != nil {
		uc.failures.Add(1)
		return nil, err
	}
	uc.analyses.Add(1)
	return result, nil
}

func (uc *AnalysisUseCase) analyze(ctx context.Context, requestID, filename string, body io.Reader) (*AnalysisResult, error) {
	upload, err := uc.accept(ctx, requestID, filename, body)
	if err != nil {
		return nil, err
	}

	var tensor *preprocess.Tensor
	if err := uc.runStep(ctx, requestID, OpPreprocess, func(context.Context) error {
		tensor, err = uc.preprocessor.FromPath(upload.StoredPath)
		return err
	}); err != nil {
		return nil, err
	}

	var logits []float32
	if err := uc.runStep(ctx, requestID, OpClassify, func(ctx context.Context) error {
		logits, err = uc.classifier.Classify(ctx, tensor)
		return err
	}); err != nil {
		return nil, err
	}

	var result *diagnosis.Result
	if err := uc.runStep(ctx, requestID, OpFormat, func(context.Context) error {
		result, err = uc.formatter.Format(logits)
		return err
	}); err != nil {
		return nil, err
	}

	logging.WithOperation(uc.logger, "usecase.analyze", requestID).Info("inference complete",
		zap.String("stored_path", upload.StoredPath),
		zap.Int("predicted_class_index", result.PredictedClassIndex),
	)
	return &AnalysisResult{UploadResult: *upload, Diagnosis: result}, nil
}

// accept covers Received through Stored.
func (uc *AnalysisUseCase) accept(ctx context.Context, requestID, filename string, body io.Reader) (*UploadResult, error) {
	var ext string
	if err := uc.runStep(ctx, requestID, OpValidate, func(context.Context) error {
		var err error
		ext, err = imagefile.ValidateFilename(filename)
		return err
	}); err != nil {
		return nil, err
	}

	var data []byte
	if err := uc.runStep(ctx, requestID, OpReadUpload, func(context.Context) error {
		var err error
		data, err = io.ReadAll(body)
		if err != nil {
			return fmt.Errorf("read upload: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var path string
	if err := uc.runStep(ctx, requestID, OpStore, func(ctx context.Context) error {
		var err error
		path, err = uc.store.Save(ctx, data, ext)
		return err
	}); err != nil {
		return nil, err
	}

	if uc.retention != nil {
		if err := uc.retention.Track(ctx, path); err != nil {
			logging.WithOperation(uc.logger, "usecase.track_retention", requestID).Warn("failed to schedule upload cleanup",
				zap.String("stored_path", path), zap.Error(err))
		}
	}

	return &UploadResult{RequestID: requestID, Filename: filename, StoredPath: path}, nil
}

func (uc *AnalysisUseCase) runStep(ctx context.Context, requestID, operation string, fn func(context.Context) error) error {
	ctx, span := uc.tracer.Start(ctx, operation, trace.WithAttributes(attribute.String("request_id", requestID)))
	defer span.End()

	if err := fn(ctx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, operation)
		return logging.NewOperationError(operation, requestID, err)
	}
	return nil
}
