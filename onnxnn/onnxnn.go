// Package onnxnn is the ONNX inference backend for the evaluator, built on
// onnx-go with the gorgonia graph executor. One Backend owns one model
// graph; the evaluator's single server goroutine is the only caller, so no
// locking is needed around the graph.
package onnxnn

import (
	"fmt"
	"os"
	"time"

	"github.com/owulveryck/onnx-go"
	"github.com/owulveryck/onnx-go/backend/x/gorgonnx"
	"github.com/rs/zerolog/log"
	"gorgonia.org/tensor"

	"github.com/quetzal-engine/quetzal/nneval"
)

// GlobalPoolingAreaNormalizer divides the board area in the global-pooling
// heads of the value network. The constant follows the model-training
// convention (a fixed normalizer rather than the actual board area) and
// must match the value used when the weights were trained.
const GlobalPoolingAreaNormalizer = 14.0

// Backend runs a loaded ONNX policy/value model.
type Backend struct {
	graph *gorgonnx.Graph
	model *onnx.Model
	info  nneval.ModelInfo

	rules nneval.Rules
}

// Options fix the input geometry of the model, which the ONNX metadata
// does not carry in a form we consume.
type Options struct {
	Name               string
	NumSpatialChannels int
	NumGlobalChannels  int
	BoardXSize         int
	BoardYSize         int

	// SupportsShorttermError marks models with a short-term error head as
	// their third output.
	SupportsShorttermError bool

	// Rules the model was trained under.
	Rules nneval.Rules
}

// Load reads and unmarshals the model file.
func Load(path string, opts Options) (*Backend, error) {
	start := time.Now()
	graph := gorgonnx.NewGraph()
	model := onnx.NewModel(graph)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("onnxnn: reading model: %w", err)
	}
	if err := model.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("onnxnn: unmarshaling model: %w", err)
	}

	b := &Backend{
		graph: graph,
		model: model,
		info: nneval.ModelInfo{
			Name:                   opts.Name,
			Version:                1,
			NumSpatialChannels:     opts.NumSpatialChannels,
			NumGlobalChannels:      opts.NumGlobalChannels,
			BoardXSize:             opts.BoardXSize,
			BoardYSize:             opts.BoardYSize,
			SupportsShorttermError: opts.SupportsShorttermError,
		},
		rules: opts.Rules,
	}
	log.Debug().Str("path", path).
		Int64("loadMs", time.Since(start).Milliseconds()).
		Msg("loaded-onnx-model")
	return b, nil
}

func (b *Backend) Info() nneval.ModelInfo { return b.info }

// SupportedRules resolves the desired rules against the single rule set the
// model was trained with.
func (b *Backend) SupportedRules(desired nneval.Rules) (nneval.Rules, bool) {
	if desired == b.rules {
		return b.rules, true
	}
	return b.rules, false
}

func (b *Backend) Close() error { return nil }

// EvaluateBatch runs one inference pass over the batch. The model's
// outputs are, in order: policy logits over H*W+1 moves, the value triple
// (win, loss, noResult), and optionally the short-term winloss error.
func (b *Backend) EvaluateBatch(batch *nneval.Batch) (*nneval.BatchResult, error) {
	n := batch.N
	info := b.info

	spatial := tensor.New(
		tensor.WithShape(n, info.NumSpatialChannels, info.BoardYSize, info.BoardXSize),
		tensor.WithBacking(batch.Spatial))
	global := tensor.New(
		tensor.WithShape(n, info.NumGlobalChannels),
		tensor.WithBacking(batch.Global))

	b.model.SetInput(0, spatial)
	b.model.SetInput(1, global)

	if err := b.graph.Run(); err != nil {
		return nil, fmt.Errorf("onnxnn: inference: %w", err)
	}

	outputs, err := b.model.GetOutputTensors()
	if err != nil {
		return nil, fmt.Errorf("onnxnn: reading outputs: %w", err)
	}
	if len(outputs) < 2 {
		return nil, fmt.Errorf("onnxnn: model produced %d outputs, want at least 2", len(outputs))
	}

	policySize := info.PolicySize()
	policyData, ok := outputs[0].Data().([]float32)
	if !ok || len(policyData) != n*policySize {
		return nil, fmt.Errorf("onnxnn: policy output shape mismatch")
	}
	valueData, ok := outputs[1].Data().([]float32)
	if !ok || len(valueData) < n*3 {
		return nil, fmt.Errorf("onnxnn: value output shape mismatch")
	}

	res := &nneval.BatchResult{
		Policies: make([][]float32, n),
		Values:   make([][3]float32, n),
	}
	for i := 0; i < n; i++ {
		res.Policies[i] = softmax(policyData[i*policySize : (i+1)*policySize])
		res.Values[i] = softmax3(valueData[i*3 : (i+1)*3])
	}

	if info.SupportsShorttermError && len(outputs) >= 3 {
		if errData, ok := outputs[2].Data().([]float32); ok && len(errData) >= n {
			res.ShorttermWinlossErrors = errData[:n]
		}
	}
	return res, nil
}
