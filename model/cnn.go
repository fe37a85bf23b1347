// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package model implements the small convolutional classifier trained on MNIST: a stack of strided
// convolutions, a global average pooling and a dense layer on top producing the logits.
package model

import (
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
)

const (
	// NumClasses is the number of logits output by the model.
	NumClasses = 10

	// ImageSize is the width and height of the input images.
	ImageSize = 28

	// Scope under which the model variables are created.
	Scope = "model"
)

// Hyperparameters keys, under which Params are stored in the context, and hence saved along the checkpoints.
const (
	ParamHiddenUnits = "cnn_hidden_units"
	ParamKernelSize  = "cnn_kernel_size"
	ParamDropoutRate = "cnn_dropout_rate"
)

// Params of the CNN.
type Params struct {
	// HiddenUnits is the number of filters of each convolution layer, in order.
	HiddenUnits []int

	// KernelSize used by all convolutions.
	KernelSize int

	// DropoutRate applied after every convolution, while training.
	DropoutRate float64
}

// DefaultParams returns two layers with 32 and 64 filters, kernel 3 and dropout 0.5.
func DefaultParams() Params {
	return Params{HiddenUnits: []int{32, 64}, KernelSize: 3, DropoutRate: 0.5}
}

// Validate returns an error if the parameters can't build a model.
func (p Params) Validate() error {
	if len(p.HiddenUnits) == 0 {
		return errors.New("model needs at least one hidden layer")
	}
	for ii, units := range p.HiddenUnits {
		if units <= 0 {
			return errors.Errorf("hidden layer #%d has %d units, it must be > 0", ii, units)
		}
	}
	if p.KernelSize <= 0 {
		return errors.Errorf("kernel size must be > 0, got %d", p.KernelSize)
	}
	if p.DropoutRate < 0 || p.DropoutRate >= 1 {
		return errors.Errorf("dropout rate must be in [0, 1), got %g", p.DropoutRate)
	}
	// Each valid convolution with stride 2 shrinks the image.
	size := ImageSize
	for ii := range p.HiddenUnits {
		if size < p.KernelSize {
			return errors.Errorf("kernel size %d too large for %d layers: layer #%d input is only %dx%d",
				p.KernelSize, len(p.HiddenUnits), ii, size, size)
		}
		size = (size-p.KernelSize)/2 + 1
	}
	return nil
}

// SetContextParams stores the parameters as hyperparameters of ctx.
func (p Params) SetContextParams(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamHiddenUnits: slices.Clone(p.HiddenUnits),
		ParamKernelSize:  p.KernelSize,
		ParamDropoutRate: p.DropoutRate,
	})
}

// ParamsFromContext reads the parameters stored in ctx, for instance after loading a checkpoint.
// Missing values take the DefaultParams.
func ParamsFromContext(ctx *context.Context) Params {
	defaults := DefaultParams()
	return Params{
		HiddenUnits: context.GetParamOr(ctx, ParamHiddenUnits, defaults.HiddenUnits),
		KernelSize:  context.GetParamOr(ctx, ParamKernelSize, defaults.KernelSize),
		DropoutRate: context.GetParamOr(ctx, ParamDropoutRate, defaults.DropoutRate),
	}
}

// ModelFn returns a train.ModelFn that builds the CNN with the given params. The params are
// captured by the closure, and not read from the context.
func ModelFn(params Params) train.ModelFn {
	params.HiddenUnits = slices.Clone(params.HiddenUnits)
	return func(ctx *context.Context, spec any, inputs []*Node) []*Node {
		return []*Node{CnnModelGraph(ctx, params, inputs[0])}
	}
}

// CnnModelGraph builds the CNN and returns the logits, shaped [batch_size, NumClasses].
//
// images can be shaped [batch_size, 28*28], [batch_size, 28, 28] or [batch_size, 28, 28, 1].
//
// Dropout is only applied when the context is set for training.
func CnnModelGraph(ctx *context.Context, params Params, images *Node) *Node {
	if err := params.Validate(); err != nil {
		panic(err)
	}
	ctx = ctx.In(Scope)
	g := images.Graph()
	dtype := images.DType()
	batchSize := images.Shape().Dimensions[0]
	if images.Shape().Size() != batchSize*ImageSize*ImageSize {
		exceptions.Panicf("model expects %dx%d images, got input shape %s", ImageSize, ImageSize, images.Shape())
	}
	logits := Reshape(images, batchSize, ImageSize, ImageSize, 1)

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}
	var dropoutNode *Node
	if params.DropoutRate > 0 {
		dropoutNode = Scalar(g, dtype, params.DropoutRate)
	}
	for _, units := range params.HiddenUnits {
		logits = layers.Convolution(nextCtx("conv"), logits).
			Channels(units).
			KernelSize(params.KernelSize).
			Strides(2).
			NoPadding().
			Done()
		logits = activations.Relu(logits)
		if dropoutNode != nil {
			logits = layers.DropoutNormalize(nextCtx("dropout"), logits, dropoutNode, true)
		}
	}

	// Global average pooling over the spatial axes.
	logits = ReduceMean(logits, 1, 2)
	logits.AssertDims(batchSize, params.HiddenUnits[len(params.HiddenUnits)-1])
	logits = layers.Dense(nextCtx("dense"), logits, true, NumClasses)
	return logits
}
