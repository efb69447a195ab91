//go:build !onnx

package main

import (
	"errors"
	"log/slog"

	"github.com/becomeliminal/nim-recall/config"
	"github.com/becomeliminal/nim-recall/memory"
)

func newONNXEmbedder(config.ONNX, *slog.Logger) (memory.Embedder, func(), error) {
	return nil, nil, errors.New("onnx embedder not compiled in; rebuild with -tags onnx")
}
