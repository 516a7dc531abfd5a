// Package inference runs the image classifier behind a bounded pool of
// model sessions.
package inference

import (
	"context"
	"errors"

	"github.com/example/radiology-api/internal/preprocess"
)

var (
	// ErrInference is returned when a forward pass fails.
	ErrInference = errors.New("model inference failed")
	// ErrBusy is returned when no session became free within the acquire timeout.
	ErrBusy = errors.New("classifier busy")
	// ErrPoolClosed is returned by a pool after Close.
	ErrPoolClosed = errors.New("session pool is closed")
)

// Classifier maps a normalized image tensor to per-class logits.
type Classifier interface {
	Classify(ctx context.Context, input *preprocess.Tensor) ([]float32, error)
}

// Session is one loaded copy of the model. A session runs one forward pass
// at a time; the pool guarantees exclusive use between Acquire and Release.
type Session interface {
	Run(input []float32) ([]float32, error)
	Destroy()
}

// SessionFactory creates a new session.
type SessionFactory func() (Session, error)
