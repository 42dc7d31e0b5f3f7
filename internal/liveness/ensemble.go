// Package liveness decides whether a presented face is a live person or a
// replayed photo or video, by averaging several anti-spoofing classifiers.
package liveness

import (
	"errors"
	"fmt"
	"image"
	"math"

	"github.com/kozaktomas/face-attendance/internal/attendance"
)

// Class indices of every classifier's output distribution.
const (
	ClassSpoof = 0
	ClassReal  = 1
	numClasses = 2
)

// Classifier is a trained binary anti-spoofing model. It returns a probability
// distribution over {spoof, real}.
type Classifier interface {
	Name() string
	Classify(input Tensor) ([]float32, error)
}

// Scorer is the contract the pipeline depends on.
type Scorer interface {
	Score(crop image.Image) (Verdict, error)
}

// Verdict is the ensemble decision for one face crop.
type Verdict struct {
	IsReal        bool       `json:"is_real"`
	Confidence    float64    `json:"confidence"`
	Probabilities [2]float64 `json:"probabilities"`
}

// Ensemble averages the distributions of its classifiers.
type Ensemble struct {
	classifiers []Classifier
	inputSize   int
	layout      Layout
}

// NewEnsemble builds an ensemble. An empty ensemble is a configuration error.
func NewEnsemble(inputSize int, layout Layout, classifiers ...Classifier) (*Ensemble, error) {
	if len(classifiers) == 0 {
		return nil, attendance.NewConfigurationError("liveness", errors.New("no anti-spoofing classifiers loaded"))
	}
	for i, c := range classifiers {
		if c == nil {
			return nil, attendance.NewConfigurationError("liveness", fmt.Errorf("classifier %d is nil", i))
		}
	}
	if inputSize <= 0 {
		inputSize = DefaultInputSize
	}
	return &Ensemble{classifiers: classifiers, inputSize: inputSize, layout: layout}, nil
}

// Size returns the number of classifiers.
func (e *Ensemble) Size() int {
	return len(e.classifiers)
}

// Score preprocesses the crop once and averages all classifier distributions
// element-wise. The verdict is the argmax of the average; ties go to spoof.
func (e *Ensemble) Score(crop image.Image) (Verdict, error) {
	input, err := Preprocess(crop, e.inputSize, e.layout)
	if err != nil {
		return Verdict{}, fmt.Errorf("preprocessing face crop: %w", err)
	}

	var sum [numClasses]float64
	for _, c := range e.classifiers {
		probs, err := c.Classify(input)
		if err != nil {
			return Verdict{}, fmt.Errorf("classifier %s: %w", c.Name(), err)
		}
		if len(probs) != numClasses {
			return Verdict{}, fmt.Errorf("classifier %s returned %d classes, expected %d", c.Name(), len(probs), numClasses)
		}
		for k := range numClasses {
			sum[k] += float64(probs[k])
		}
	}

	n := float64(len(e.classifiers))
	var avg [numClasses]float64
	for k := range numClasses {
		avg[k] = sum[k] / n
	}

	class := ClassSpoof
	if avg[ClassReal] > avg[ClassSpoof] {
		class = ClassReal
	}
	return Verdict{
		IsReal:        class == ClassReal,
		Confidence:    avg[class],
		Probabilities: avg,
	}, nil
}

// Softmax converts logits to a probability distribution.
func Softmax(logits []float32) []float32 {
	if len(logits) == 0 {
		return nil
	}
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		maxLogit = max(maxLogit, v)
	}
	out := make([]float32, len(logits))
	var sum float64
	for i, v := range logits {
		e := math.Exp(float64(v - maxLogit))
		out[i] = float32(e)
		sum += e
	}
	for i := range out {
		out[i] = float32(float64(out[i]) / sum)
	}
	return out
}
