//go:build onnx

// Package onnx embeds text locally with a sentence-transformers model
// (all-MiniLM-L6-v2 by default) through ONNX Runtime. Build with -tags onnx.
package onnx

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/becomeliminal/nim-recall/memory/vector"
)

// Config configures the ONNX embedder.
type Config struct {
	// LibraryPath is the onnxruntime shared library. Empty uses the
	// platform default search path.
	LibraryPath string `yaml:"library_path"`

	// ModelPath is the path to the ONNX model file.
	ModelPath string `yaml:"model_path"`

	// TokenizerPath is the path to the tokenizer.json file.
	TokenizerPath string `yaml:"tokenizer_path"`

	// Dimensions is the embedding size (default: 384).
	Dimensions int `yaml:"dimensions"`

	// MaxSequenceLength bounds the token window (default: 128).
	MaxSequenceLength int `yaml:"max_sequence_length"`
}

var initOnce sync.Once
var initErr error

// Embedder runs the model in process.
type Embedder struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *Tokenizer
	dimensions int
	maxLen     int
	logger     *slog.Logger
}

// New loads the model and tokenizer.
func New(cfg Config, logger *slog.Logger) (*Embedder, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnx: model_path is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxSequenceLength < 8 {
		cfg.MaxSequenceLength = 128
	}
	if logger == nil {
		logger = slog.Default()
	}

	initOnce.Do(func() {
		if cfg.LibraryPath != "" {
			ort.SetSharedLibraryPath(cfg.LibraryPath)
		}
		initErr = ort.InitializeEnvironment()
	})
	if initErr != nil {
		return nil, fmt.Errorf("onnx: initialize runtime: %w", initErr)
	}

	tokenizer, err := LoadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("onnx: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("onnx: create session: %w", err)
	}
	logger.Info("onnx embedder ready", "model", cfg.ModelPath, "dimensions", cfg.Dimensions)

	return &Embedder{
		session:    session,
		tokenizer:  tokenizer,
		dimensions: cfg.Dimensions,
		maxLen:     cfg.MaxSequenceLength,
		logger:     logger,
	}, nil
}

// Embed returns the mean-pooled, normalized sentence embedding.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ids, mask := e.tokenizer.Encode(text, e.maxLen)
	typeIDs := make([]int64, e.maxLen)

	shape := ort.NewShape(1, int64(e.maxLen))
	inputs := make([]ort.Value, 0, 3)
	defer func() {
		for _, v := range inputs {
			v.Destroy()
		}
	}()
	for _, data := range [][]int64{ids, mask, typeIDs} {
		t, err := ort.NewTensor(shape, data)
		if err != nil {
			return nil, fmt.Errorf("onnx: create input tensor: %w", err)
		}
		inputs = append(inputs, t)
	}

	outputs := []ort.Value{nil}
	if err := e.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnx: inference: %w", err)
	}
	defer func() {
		if outputs[0] != nil {
			outputs[0].Destroy()
		}
	}()

	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnx: unexpected output tensor type %T", outputs[0])
	}
	data := out.GetData()
	shapeOut := out.GetShape()

	var emb []float32
	switch len(shapeOut) {
	case 2:
		// Already pooled.
		if len(data) < e.dimensions {
			return nil, fmt.Errorf("onnx: output has %d values, want %d", len(data), e.dimensions)
		}
		emb = append([]float32(nil), data[:e.dimensions]...)
	case 3:
		if shapeOut[0] != 1 || shapeOut[2] != int64(e.dimensions) {
			return nil, fmt.Errorf("onnx: unexpected output shape %v", shapeOut)
		}
		var err error
		if emb, err = meanPool(data, mask, e.dimensions); err != nil {
			return nil, fmt.Errorf("onnx: %w", err)
		}
	default:
		return nil, fmt.Errorf("onnx: unexpected output shape %v", shapeOut)
	}
	return vector.Normalize(emb), nil
}

// Dimensions returns the embedding size.
func (e *Embedder) Dimensions() int {
	return e.dimensions
}

// Close releases the session.
func (e *Embedder) Close() error {
	if e.session != nil {
		return e.session.Destroy()
	}
	return nil
}
