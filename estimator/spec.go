// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	"fmt"

	"github.com/gomlx/distmnist/model"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/metrics"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Mode selects what the model graph is built for.
type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
	ModePredict
)

// String implements fmt.Stringer.
func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeEval:
		return "eval"
	case ModePredict:
		return "predict"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Params of the estimator: the model hyperparameters plus the optimizer configuration.
type Params struct {
	Model model.Params

	// LearningRate of the Adam optimizer. It is kept fixed during training.
	LearningRate float64

	// LearningDecay is recorded with the hyperparameters, but not applied.
	LearningDecay float64
}

// Hyperparameter keys of the optimizer configuration not covered by model.Params.
const (
	ParamLearningDecay = "learning_decay"
)

// Validate returns an error if the params can't be used to build a Spec.
func (p Params) Validate() error {
	if err := p.Model.Validate(); err != nil {
		return err
	}
	if p.LearningRate <= 0 {
		return errors.Errorf("learning rate must be > 0, got %g", p.LearningRate)
	}
	if p.LearningDecay < 0 {
		return errors.Errorf("learning decay must be >= 0, got %g", p.LearningDecay)
	}
	return nil
}

// SetContextParams stores the params as hyperparameters of ctx, so they are saved along the checkpoints.
func (p Params) SetContextParams(ctx *context.Context) {
	p.Model.SetContextParams(ctx)
	ctx.SetParams(map[string]any{
		optimizers.ParamOptimizer:    "adam",
		optimizers.ParamLearningRate: p.LearningRate,
		ParamLearningDecay:           p.LearningDecay,
	})
}

// Spec holds the graph building components for one Mode.
//
// In ModePredict only ModelFn and PredictFn are set. In ModeEval LossFn and EvalMetrics are added,
// and in ModeTrain also the Optimizer and the TrainMetrics.
type Spec struct {
	Mode Mode

	// ModelFn returns the logits.
	ModelFn train.ModelFn

	// PredictFn returns the logits and the predicted classes for a batch of images.
	PredictFn func(ctx *context.Context, images *Node) (logits, classes *Node)

	// LossFn is the mean sparse softmax cross-entropy of the logits.
	LossFn losses.LossFn

	// Optimizer applied once per training step.
	Optimizer optimizers.Interface

	TrainMetrics, EvalMetrics []metrics.Interface
}

// NewSpec creates the Spec for the given mode.
func NewSpec(mode Mode, params Params) (*Spec, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	modelFn := model.ModelFn(params.Model)
	spec := &Spec{
		Mode:    mode,
		ModelFn: modelFn,
		PredictFn: func(ctx *context.Context, images *Node) (logits, classes *Node) {
			logits = modelFn(ctx, nil, []*Node{images})[0]
			classes = ArgMax(logits, 1)
			return
		},
	}
	switch mode {
	case ModePredict:
		return spec, nil
	case ModeEval, ModeTrain:
		spec.LossFn = losses.SparseCategoricalCrossEntropyLogits
		spec.EvalMetrics = []metrics.Interface{metrics.NewSparseCategoricalAccuracy("Mean Accuracy", "#acc")}
		if mode == ModeTrain {
			spec.Optimizer = optimizers.Adam().LearningRate(params.LearningRate).Done()
			spec.TrainMetrics = []metrics.Interface{
				metrics.NewMovingAverageSparseCategoricalAccuracy("Moving Average Accuracy", "~acc", 0.01),
			}
		}
		return spec, nil
	default:
		return nil, errors.Errorf("invalid mode %s", mode)
	}
}

// NewTrainer creates the train.Trainer for the spec. It can't be used in ModePredict.
func (s *Spec) NewTrainer(backend backends.Backend, ctx *context.Context) (*train.Trainer, error) {
	if s.LossFn == nil {
		return nil, errors.Errorf("estimator.Spec in mode %s can't be used for training or evaluation", s.Mode)
	}
	optimizer := s.Optimizer
	if optimizer == nil {
		// Evaluation only: the optimizer is never invoked.
		optimizer = optimizers.StochasticGradientDescent().Done()
	}
	return train.NewTrainer(backend, ctx, s.ModelFn, s.LossFn, optimizer, s.TrainMetrics, s.EvalMetrics), nil
}
