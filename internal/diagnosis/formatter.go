// Package diagnosis converts classifier logits into the API's diagnosis payload.
package diagnosis

import (
	"errors"
	"fmt"
	"math"
)

// DefaultPneumoniaIndex is the class read as "pneumonia". The mapping is only
// meaningful for a model fine-tuned with that label order.
const DefaultPneumoniaIndex = 1

// ErrClassIndexOutOfRange is returned when the configured class of interest
// does not exist in the model output.
var ErrClassIndexOutOfRange = errors.New("class index out of range")

// Result is the diagnosis returned to the caller.
type Result struct {
	DiagnosisText       string    `json:"diagnosis_text"`
	ClassProbabilities  []float64 `json:"class_probabilities"`
	PredictedClassIndex int       `json:"predicted_class_index"`
}

// Formatter extracts the probability of a fixed class from model output.
type Formatter struct {
	classIndex int
}

// NewFormatter returns a formatter reporting the probability at classIndex.
func NewFormatter(classIndex int) *Formatter {
	return &Formatter{classIndex: classIndex}
}

// Format applies softmax to logits and builds the diagnosis result.
func (f *Formatter) Format(logits []float32) (*Result, error) {
	if f.classIndex < 0 || f.classIndex >= len(logits) {
		return nil, fmt.Errorf("%w: index %d, %d classes", ErrClassIndexOutOfRange, f.classIndex, len(logits))
	}

	probs := Softmax(logits)
	return &Result{
		DiagnosisText:       fmt.Sprintf("AI Analysis: Probability of Pneumonia: %.4f", probs[f.classIndex]),
		ClassProbabilities:  probs,
		PredictedClassIndex: Argmax(probs),
	}, nil
}

// Softmax returns the normalized exponentials of logits. The maximum logit
// is subtracted first so large values do not overflow.
func Softmax(logits []float32) []float64 {
	if len(logits) == 0 {
		return nil
	}

	maxLogit := math.Inf(-1)
	for _, v := range logits {
		maxLogit = math.Max(maxLogit, float64(v))
	}

	probs := make([]float64, len(logits))
	var sum float64
	for i, v := range logits {
		probs[i] = math.Exp(float64(v) - maxLogit)
		sum += probs[i]
	}
	for i := range probs {
		probs[i] /= sum
	}
	return probs
}

// Argmax returns the index of the largest value; ties resolve to the lowest
// index. It returns -1 for an empty slice.
func Argmax(values []float64) int {
	best := -1
	for i, v := range values {
		if best < 0 || v > values[best] {
			best = i
		}
	}
	return best
}
