// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package estimator dispatches the CNN into training, evaluation or prediction graphs, and runs the
// train-and-evaluate loop: checkpoints, summaries and periodic evaluations are done by the chief,
// parameter servers only wait.
//
// Gradients, optimizer state, checkpoint files and the input pipeline goroutines are owned by GoMLX's
// train package, this package only configures them.
package estimator

import (
	gocontext "context"
	"math"
	"slices"
	"time"

	"github.com/gomlx/distmnist/cluster"
	"github.com/gomlx/distmnist/model"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/gomlx/gomlx/ui/gonb/plotly"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RunConfig configures where and how often the estimator persists its state.
type RunConfig struct {
	// ModelDir where checkpoints and summaries are saved, and from where training is resumed.
	// If empty nothing is saved.
	ModelDir string

	// SaveSummarySteps is how often training metrics are saved as summary points along the checkpoints. 0 disables it.
	SaveSummarySteps int

	// SaveCheckpointsSteps is how often a checkpoint is saved.
	SaveCheckpointsSteps int

	// KeepCheckpointMax is the number of most recent checkpoints kept.
	KeepCheckpointMax int

	// LogStepCountSteps is how often the global step, loss and steps/sec are logged. 0 disables it.
	LogStepCountSteps int

	// Cluster descriptor of the current process. The zero value is single-process mode.
	Cluster cluster.Spec

	// ProgressBar attaches a progress bar to the training loop of the chief.
	ProgressBar bool

	// ExcludeParams lists hyperparameters not saved with the checkpoints, and not overwritten when loading them.
	ExcludeParams []string
}

// TrainSpec configures how long to train.
type TrainSpec struct {
	// MaxSteps is the global step at which training stops.
	MaxSteps int
}

// EvalSpec configures the evaluations during training.
type EvalSpec struct {
	// StartDelay before the first evaluation.
	StartDelay time.Duration

	// Throttle is the minimum time between evaluations. 0 disables periodic evaluations, leaving only the final one.
	Throttle time.Duration
}

// Estimator trains, evaluates and predicts with the CNN.
type Estimator struct {
	backend    backends.Backend
	ctx        *context.Context
	params     Params
	config     RunConfig
	checkpoint *checkpoints.Handler

	predictExec *context.Exec
}

// Priorities of the training loop hooks.
const (
	priorityCancel     train.Priority = -100
	priorityLog        train.Priority = 50
	priorityEval       train.Priority = 80
	priorityCheckpoint train.Priority = 100
)

// New creates an Estimator. The params are stored as hyperparameters in ctx.
//
// If config.ModelDir has a checkpoint it is loaded into ctx, and its model hyperparameters must match params.
func New(backend backends.Backend, ctx *context.Context, params Params, config RunConfig) (*Estimator, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if config.ModelDir != "" {
		if config.SaveCheckpointsSteps <= 0 {
			return nil, errors.Errorf("SaveCheckpointsSteps must be > 0, got %d", config.SaveCheckpointsSteps)
		}
		if config.KeepCheckpointMax <= 0 {
			return nil, errors.Errorf("KeepCheckpointMax must be > 0, got %d", config.KeepCheckpointMax)
		}
	}
	e := &Estimator{
		backend: backend,
		ctx:     ctx,
		params:  params,
		config:  config,
	}
	params.SetContextParams(ctx)
	if config.ModelDir == "" {
		return e, nil
	}

	var err error
	e.checkpoint, err = checkpoints.Build(ctx).
		Dir(config.ModelDir).
		Keep(config.KeepCheckpointMax).
		ExcludeParams(config.ExcludeParams...).
		Done()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create checkpoints in %q", config.ModelDir)
	}
	restored := model.ParamsFromContext(ctx)
	if !slices.Equal(restored.HiddenUnits, params.Model.HiddenUnits) || restored.KernelSize != params.Model.KernelSize {
		return nil, errors.Errorf("checkpoint in %q was created with hidden units %v and kernel size %d, "+
			"but the requested model has hidden units %v and kernel size %d",
			e.checkpoint.Dir(), restored.HiddenUnits, restored.KernelSize, params.Model.HiddenUnits, params.Model.KernelSize)
	}
	return e, nil
}

// Context holding the variables and hyperparameters of the model.
func (e *Estimator) Context() *context.Context { return e.ctx }

// GlobalStep of the model, restored from the checkpoint if there was one.
func (e *Estimator) GlobalStep() int { return int(optimizers.GetGlobalStep(e.ctx)) }

// CheckpointDir returns the directory where checkpoints are saved, or "" if they are not.
func (e *Estimator) CheckpointDir() string {
	if e.checkpoint == nil {
		return ""
	}
	return e.checkpoint.Dir()
}

// TrainAndEvaluate trains on trainDS until trainSpec.MaxSteps, evaluating on evalDS per evalSpec and at
// the end. evalDS must be finite, and may be nil.
//
// Only the chief saves checkpoints, summaries and runs evaluations. Parameter servers return when goCtx is done.
// If goCtx is cancelled during training the loop stops, a final checkpoint is saved and it returns nil.
func (e *Estimator) TrainAndEvaluate(goCtx gocontext.Context, trainDS, evalDS train.Dataset,
	trainSpec TrainSpec, evalSpec EvalSpec) error {
	if trainSpec.MaxSteps <= 0 {
		return errors.Errorf("TrainSpec.MaxSteps must be > 0, got %d", trainSpec.MaxSteps)
	}
	clusterSpec := e.config.Cluster
	if clusterSpec.Role() == cluster.RolePS {
		klog.Infof("Task %s/%d has no parameter-server runtime to run, waiting for termination.",
			clusterSpec.Role(), clusterSpec.Task.Index)
		<-goCtx.Done()
		return nil
	}
	isChief := clusterSpec.IsChief()

	spec, err := NewSpec(ModeTrain, e.params)
	if err != nil {
		return err
	}
	var trainer *train.Trainer
	if panicErr := exceptions.TryCatch[error](func() {
		trainer, err = spec.NewTrainer(e.backend, e.ctx)
	}); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return errors.WithMessage(err, "failed to create trainer")
	}

	globalStep := e.GlobalStep()
	if globalStep > 0 {
		trainer.SetContext(e.ctx.Reuse())
		klog.Infof("Resuming training from global step %d", globalStep)
	}
	checkpoint := e.checkpoint
	if !isChief {
		checkpoint = nil
	}

	if globalStep < trainSpec.MaxSteps {
		loop := train.NewLoop(trainer)
		if e.config.ProgressBar && isChief {
			commandline.AttachProgressBar(loop)
		}
		loop.OnStep("cancellation", priorityCancel, func(_ *train.Loop, _ []*tensors.Tensor) error {
			return goCtx.Err()
		})
		if n := e.config.LogStepCountSteps; n > 0 {
			train.EveryNSteps(loop, n, "log step count", priorityLog, newStepLogger())
		}
		if checkpoint != nil {
			train.EveryNSteps(loop, e.config.SaveCheckpointsSteps, "checkpointing", priorityCheckpoint, checkpoint.OnStepFn)
			if e.config.SaveSummarySteps > 0 {
				_ = plotly.New().
					WithCheckpoint(checkpoint).
					ScheduleEveryNSteps(loop, e.config.SaveSummarySteps)
			}
		}
		if isChief && evalDS != nil && evalSpec.Throttle > 0 {
			start := time.Now()
			train.PeriodicCallback(loop, evalSpec.Throttle, false, "evaluation", priorityEval,
				func(loop *train.Loop, _ []*tensors.Tensor) error {
					if time.Since(start) < evalSpec.StartDelay {
						return nil
					}
					_, err := evaluate(trainer, evalDS, loop.LoopStep)
					return err
				})
		}

		_, err = loop.RunSteps(trainDS, trainSpec.MaxSteps-globalStep)
		if err != nil {
			if goCtx.Err() == nil || !errors.Is(err, goCtx.Err()) {
				return errors.WithMessagef(err, "training failed at step %d", loop.LoopStep)
			}
			klog.Infof("Training interrupted at step %d: %v", loop.LoopStep, goCtx.Err())
		}
		klog.V(1).Infof("[Step %d] median train step: %s", loop.LoopStep, loop.MedianTrainStepDuration())
		// Nothing to save if not even one step ran: the variables are not initialized.
		if checkpoint != nil && e.GlobalStep() > 0 {
			if err = checkpoint.Save(); err != nil {
				return errors.WithMessagef(err, "failed to save final checkpoint to %q", checkpoint.Dir())
			}
			klog.Infof("Saved checkpoint at global step %d to %q", e.GlobalStep(), checkpoint.Dir())
		}
		if goCtx.Err() != nil {
			return nil
		}
	} else {
		klog.Infof("Target global step %d already reached (global step is %d): nothing to train.",
			trainSpec.MaxSteps, globalStep)
	}

	if isChief && evalDS != nil {
		if _, err = evaluate(trainer, evalDS, e.GlobalStep()); err != nil {
			return err
		}
	}
	return nil
}

// Evaluate the model on ds, returning the value of the loss and of each metric, indexed by their names.
// ds must be finite.
func (e *Estimator) Evaluate(ds train.Dataset) (map[string]float64, error) {
	spec, err := NewSpec(ModeEval, e.params)
	if err != nil {
		return nil, err
	}
	var results map[string]float64
	if panicErr := exceptions.TryCatch[error](func() {
		var trainer *train.Trainer
		trainer, err = spec.NewTrainer(e.backend, e.ctx.Reuse())
		if err == nil {
			results, err = evaluate(trainer, ds, e.GlobalStep())
		}
	}); panicErr != nil {
		return nil, panicErr
	}
	return results, err
}

// Predict the logits, shaped [batch_size, NumClasses], and the classes, shaped [batch_size], of a batch of images.
// The model variables must have been trained or loaded from a checkpoint.
func (e *Estimator) Predict(images *tensors.Tensor) (logits, classes *tensors.Tensor, err error) {
	if panicErr := exceptions.TryCatch[error](func() {
		if e.predictExec == nil {
			var spec *Spec
			spec, err = NewSpec(ModePredict, e.params)
			if err != nil {
				return
			}
			e.predictExec = context.MustNewExec(e.backend, e.ctx.Reuse(), spec.PredictFn)
		}
		logits, classes, err = e.predictExec.Exec2(images)
	}); panicErr != nil {
		return nil, nil, panicErr
	}
	return
}

// evaluate runs trainer.Eval on ds, logs and returns the results.
func evaluate(trainer *train.Trainer, ds train.Dataset, step int) (map[string]float64, error) {
	var values []*tensors.Tensor
	err := exceptions.TryCatch[error](func() { values = trainer.Eval(ds) })
	ds.Reset()
	if err != nil {
		return nil, errors.WithMessagef(err, "evaluation on %q failed", ds.Name())
	}
	results := make(map[string]float64, len(values))
	for ii, metric := range trainer.EvalMetrics() {
		if ii >= len(values) {
			break
		}
		results[metric.Name()] = scalarValue(values[ii])
		klog.Infof("[step %d] %s %s: %s", step, ds.Name(), metric.Name(), metric.PrettyPrint(values[ii]))
	}
	return results, nil
}

// newStepLogger returns a train.OnStepFn that logs the global step, the loss and the steps/sec since its last call.
func newStepLogger() train.OnStepFn {
	var lastTime time.Time
	var lastStep int
	return func(loop *train.Loop, metrics []*tensors.Tensor) error {
		now := time.Now()
		var loss float64
		if len(metrics) > 0 {
			loss = scalarValue(metrics[0])
		}
		if lastTime.IsZero() {
			klog.Infof("global step %d: loss = %.4g", loop.LoopStep, loss)
		} else {
			stepsPerSec := float64(loop.LoopStep-lastStep) / now.Sub(lastTime).Seconds()
			klog.Infof("global step %d: loss = %.4g (%.3g steps/sec)", loop.LoopStep, loss, stepsPerSec)
		}
		lastTime, lastStep = now, loop.LoopStep
		return nil
	}
}

// scalarValue converts a scalar tensor to float64. It returns NaN for unsupported types.
func scalarValue(t *tensors.Tensor) float64 {
	switch v := t.Value().(type) {
	case float32:
		return float64(v)
	case float64:
		return v
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return math.NaN()
	}
}
