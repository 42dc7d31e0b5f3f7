package liveness

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"

	"github.com/kozaktomas/face-attendance/internal/attendance"
	"github.com/tphakala/go-tflite"
)

// TFLiteClassifier runs one anti-spoofing model with TensorFlow Lite.
// The interpreter is not safe for concurrent use, so calls are serialized.
type TFLiteClassifier struct {
	name        string
	model       *tflite.Model
	interpreter *tflite.Interpreter
	layout      Layout
	inputSize   int
	softmax     bool
	mu          sync.Mutex
}

// TFLiteOptions configure model loading.
type TFLiteOptions struct {
	Threads int
	// Softmax applies a softmax to the model output, for models that emit logits.
	Softmax bool
	// InputSize, when positive, is the square input the model must declare.
	InputSize int
}

// NewTFLiteClassifier loads a .tflite model and allocates its tensors.
func NewTFLiteClassifier(path string, opts TFLiteOptions) (*TFLiteClassifier, error) {
	model := tflite.NewModelFromFile(path)
	if model == nil {
		return nil, fmt.Errorf("cannot load TensorFlow Lite model %s", path)
	}

	threads := opts.Threads
	if threads <= 0 {
		threads = max(1, runtime.NumCPU()/2)
	}
	options := tflite.NewInterpreterOptions()
	defer options.Delete()
	options.SetNumThread(threads)
	options.SetErrorReporter(func(msg string, _ any) {
		slog.Error("TFLite error", "model", filepath.Base(path), "message", msg)
	}, nil)

	interpreter := tflite.NewInterpreter(model, options)
	if interpreter == nil {
		model.Delete()
		return nil, fmt.Errorf("cannot create interpreter for %s", path)
	}
	if status := interpreter.AllocateTensors(); status != tflite.OK {
		interpreter.Delete()
		model.Delete()
		return nil, fmt.Errorf("tensor allocation failed for %s", path)
	}

	input := interpreter.GetInputTensor(0)
	if input == nil || input.NumDims() != 4 {
		interpreter.Delete()
		model.Delete()
		return nil, fmt.Errorf("model %s must take a single 4-d image tensor", path)
	}

	// [1, 3, H, W] is channels-first, [1, H, W, 3] channels-last.
	layout := HWC
	size := input.Dim(1)
	if input.Dim(1) == 3 {
		layout = CHW
		size = input.Dim(2)
	}
	if opts.InputSize > 0 && size != opts.InputSize {
		interpreter.Delete()
		model.Delete()
		return nil, fmt.Errorf("model %s takes %dx%d input, expected %d", path, size, size, opts.InputSize)
	}

	return &TFLiteClassifier{
		name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		model:       model,
		interpreter: interpreter,
		layout:      layout,
		inputSize:   size,
		softmax:     opts.Softmax,
	}, nil
}

// Name returns the model file name without extension.
func (c *TFLiteClassifier) Name() string {
	return c.name
}

// Layout returns the tensor layout the model expects.
func (c *TFLiteClassifier) Layout() Layout {
	return c.layout
}

// InputSize returns the square input edge the model expects.
func (c *TFLiteClassifier) InputSize() int {
	return c.inputSize
}

// Classify runs inference on a preprocessed crop.
func (c *TFLiteClassifier) Classify(input Tensor) ([]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.interpreter == nil {
		return nil, ErrClassifierClosed
	}
	if input.Size != c.inputSize {
		return nil, fmt.Errorf("input size %d does not match model input %d", input.Size, c.inputSize)
	}
	if input.Layout != c.layout {
		return nil, errors.New("input layout does not match model layout")
	}

	in := c.interpreter.GetInputTensor(0)
	if in == nil {
		return nil, errors.New("cannot get input tensor")
	}
	dst := in.Float32s()
	if len(dst) != len(input.Data) {
		return nil, fmt.Errorf("input tensor holds %d values, crop has %d", len(dst), len(input.Data))
	}
	copy(dst, input.Data)

	if status := c.interpreter.Invoke(); status != tflite.OK {
		return nil, fmt.Errorf("tensor invoke failed: %v", status)
	}

	out := c.interpreter.GetOutputTensor(0)
	if out == nil {
		return nil, errors.New("cannot get output tensor")
	}
	probs := make([]float32, len(out.Float32s()))
	copy(probs, out.Float32s())
	if c.softmax {
		probs = Softmax(probs)
	}
	return probs, nil
}

// ErrClassifierClosed is returned by Classify after Close.
var ErrClassifierClosed = errors.New("classifier closed")

// Close releases the interpreter and model. Later calls to Classify fail.
func (c *TFLiteClassifier) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.interpreter != nil {
		c.interpreter.Delete()
		c.interpreter = nil
	}
	if c.model != nil {
		c.model.Delete()
		c.model = nil
	}
}

// ResolveModelPaths expands a comma separated list of files and directories into
// .tflite model paths, sorted for a stable ensemble order.
func ResolveModelPaths(spec string) ([]string, error) {
	var paths []string
	for p := range strings.SplitSeq(spec, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("model path %s: %w", p, err)
		}
		if !info.IsDir() {
			paths = append(paths, p)
			continue
		}
		matches, err := filepath.Glob(filepath.Join(p, "*.tflite"))
		if err != nil {
			return nil, fmt.Errorf("listing models in %s: %w", p, err)
		}
		sort.Strings(matches)
		paths = append(paths, matches...)
	}
	return paths, nil
}

// LoadTFLiteEnsemble loads every model and builds the ensemble. All models must
// agree on input size and layout. Any load failure, or no models at all, is a
// configuration error.
func LoadTFLiteEnsemble(spec string, opts TFLiteOptions) (*Ensemble, []*TFLiteClassifier, error) {
	paths, err := ResolveModelPaths(spec)
	if err != nil {
		return nil, nil, attendance.NewConfigurationError("liveness", err)
	}

	var loaded []*TFLiteClassifier
	closeAll := func() {
		for _, c := range loaded {
			c.Close()
		}
	}
	for _, p := range paths {
		c, err := NewTFLiteClassifier(p, opts)
		if err != nil {
			closeAll()
			return nil, nil, attendance.NewConfigurationError("liveness", err)
		}
		if len(loaded) > 0 && (c.inputSize != loaded[0].inputSize || c.layout != loaded[0].layout) {
			c.Close()
			closeAll()
			return nil, nil, attendance.NewConfigurationError("liveness",
				fmt.Errorf("model %s input shape differs from %s", c.name, loaded[0].name))
		}
		loaded = append(loaded, c)
	}

	classifiers := make([]Classifier, len(loaded))
	inputSize, layout := DefaultInputSize, CHW
	for i, c := range loaded {
		classifiers[i] = c
		inputSize, layout = c.inputSize, c.layout
	}
	ens, err := NewEnsemble(inputSize, layout, classifiers...)
	if err != nil {
		closeAll()
		return nil, nil, err
	}
	return ens, loaded, nil
}
