// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package estimator

import (
	gocontext "context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gomlx/distmnist/cluster"
	"github.com/gomlx/distmnist/model"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testParams() Params {
	return Params{
		Model:         model.Params{HiddenUnits: []int{4, 8}, KernelSize: 3, DropoutRate: 0.1},
		LearningRate:  0.01,
		LearningDecay: 0.0001,
	}
}

func TestNewSpec(t *testing.T) {
	params := testParams()

	spec, err := NewSpec(ModePredict, params)
	require.NoError(t, err)
	assert.NotNil(t, spec.ModelFn)
	assert.NotNil(t, spec.PredictFn)
	assert.Nil(t, spec.LossFn)
	assert.Nil(t, spec.Optimizer)
	assert.Empty(t, spec.EvalMetrics)
	_, err = spec.NewTrainer(nil, context.New())
	require.Error(t, err)

	spec, err = NewSpec(ModeEval, params)
	require.NoError(t, err)
	assert.NotNil(t, spec.LossFn)
	assert.Nil(t, spec.Optimizer)
	assert.Len(t, spec.EvalMetrics, 1)
	assert.Empty(t, spec.TrainMetrics)

	spec, err = NewSpec(ModeTrain, params)
	require.NoError(t, err)
	assert.NotNil(t, spec.LossFn)
	assert.NotNil(t, spec.Optimizer)
	assert.Len(t, spec.EvalMetrics, 1)
	assert.Len(t, spec.TrainMetrics, 1)

	_, err = NewSpec(Mode(7), params)
	require.Error(t, err)

	params.LearningRate = 0
	_, err = NewSpec(ModeTrain, params)
	require.Error(t, err)
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "train", ModeTrain.String())
	assert.Equal(t, "eval", ModeEval.String())
	assert.Equal(t, "predict", ModePredict.String())
	assert.Equal(t, "Mode(7)", Mode(7).String())
}

func TestSetContextParams(t *testing.T) {
	ctx := context.New()
	params := testParams()
	params.SetContextParams(ctx)
	assert.Equal(t, params.Model, model.ParamsFromContext(ctx))
	assert.Equal(t, params.LearningDecay, context.GetParamOr(ctx, ParamLearningDecay, 0.0))
}

// syntheticDatasets creates tiny train and eval datasets where the label is given by the image brightness.
func syntheticDatasets(t *testing.T, backend backends.Backend) (trainDS, evalDS *datasets.InMemoryDataset) {
	const numExamples = 20
	images := make([]float32, 0, numExamples*model.ImageSize*model.ImageSize)
	labels := make([]int32, numExamples)
	for ii := range numExamples {
		labels[ii] = int32(ii % 2)
		for range model.ImageSize * model.ImageSize {
			images = append(images, float32(labels[ii]))
		}
	}
	imagesT := tensors.FromFlatDataAndDimensions(images, numExamples, model.ImageSize, model.ImageSize, 1)
	labelsT := tensors.FromFlatDataAndDimensions(labels, numExamples, 1)
	base := must.M1(datasets.InMemoryFromData(backend, "synthetic", []any{imagesT}, []any{labelsT}))
	trainDS = base.Copy().Shuffle().BatchSize(4, true).Infinite(true)
	evalDS = base.Copy().BatchSize(8, false)
	return
}

func TestTrainAndEvaluate(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping TestTrainAndEvaluate: it requires a backend.")
	}
	backend := backends.MustNew()
	trainDS, evalDS := syntheticDatasets(t, backend)
	modelDir := t.TempDir()
	config := RunConfig{
		ModelDir:             modelDir,
		SaveSummarySteps:     2,
		SaveCheckpointsSteps: 5,
		KeepCheckpointMax:    2,
		LogStepCountSteps:    3,
	}

	est, err := New(backend, context.New(), testParams(), config)
	require.NoError(t, err)
	require.Equal(t, 0, est.GlobalStep())
	require.Equal(t, modelDir, est.CheckpointDir())
	require.NoError(t, est.TrainAndEvaluate(gocontext.Background(), trainDS, evalDS,
		TrainSpec{MaxSteps: 10}, EvalSpec{Throttle: time.Millisecond}))
	require.Equal(t, 10, est.GlobalStep())
	entries := must.M1(os.ReadDir(modelDir))
	require.NotEmpty(t, entries)

	results, err := est.Evaluate(evalDS)
	require.NoError(t, err)
	require.Contains(t, results, "Mean Accuracy")
	require.GreaterOrEqual(t, results["Mean Accuracy"], 0.0)
	require.LessOrEqual(t, results["Mean Accuracy"], 1.0)

	images := tensors.FromFlatDataAndDimensions(make([]float32, 3*model.ImageSize*model.ImageSize),
		3, model.ImageSize*model.ImageSize)
	logits, classes, err := est.Predict(images)
	require.NoError(t, err)
	require.Equal(t, []int{3, model.NumClasses}, logits.Shape().Dimensions)
	require.Equal(t, []int{3}, classes.Shape().Dimensions)

	// Resuming from the checkpoint continues from the saved global step.
	est, err = New(backend, context.New(), testParams(), config)
	require.NoError(t, err)
	require.Equal(t, 10, est.GlobalStep())
	require.NoError(t, est.TrainAndEvaluate(gocontext.Background(), trainDS, evalDS,
		TrainSpec{MaxSteps: 12}, EvalSpec{}))
	require.Equal(t, 12, est.GlobalStep())

	// Target already reached: nothing to train.
	require.NoError(t, est.TrainAndEvaluate(gocontext.Background(), trainDS, evalDS,
		TrainSpec{MaxSteps: 5}, EvalSpec{}))
	require.Equal(t, 12, est.GlobalStep())

	// A different architecture can't reuse the checkpoint.
	otherParams := testParams()
	otherParams.Model.HiddenUnits = []int{16}
	_, err = New(backend, context.New(), otherParams, config)
	require.Error(t, err)
}

func TestTrainAndEvaluateCancelled(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping TestTrainAndEvaluateCancelled: it requires a backend.")
	}
	backend := backends.MustNew()
	trainDS, evalDS := syntheticDatasets(t, backend)
	config := RunConfig{ModelDir: t.TempDir(), SaveCheckpointsSteps: 1000, KeepCheckpointMax: 1}
	est, err := New(backend, context.New(), testParams(), config)
	require.NoError(t, err)

	goCtx, cancel := gocontext.WithCancel(gocontext.Background())
	cancel()
	require.NoError(t, est.TrainAndEvaluate(goCtx, trainDS, evalDS, TrainSpec{MaxSteps: 1000}, EvalSpec{}))
	require.Less(t, est.GlobalStep(), 1000)
	require.NotEmpty(t, must.M1(os.ReadDir(config.ModelDir)))
}

// brokenDataset fails on every Yield.
type brokenDataset struct{}

func (brokenDataset) Name() string { return "broken" }
func (brokenDataset) Reset()       {}
func (brokenDataset) Yield() (spec any, inputs, labels []*tensors.Tensor, err error) {
	return nil, nil, nil, errors.New("broken dataset")
}

func TestDatasetErrors(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping TestDatasetErrors: it requires a backend.")
	}
	backend := backends.MustNew()
	_, evalDS := syntheticDatasets(t, backend)
	config := RunConfig{ModelDir: t.TempDir(), SaveCheckpointsSteps: 10, KeepCheckpointMax: 1}
	est, err := New(backend, context.New(), testParams(), config)
	require.NoError(t, err)

	// A failure is reported even if the context is cancelled, and nothing is saved since no step ran.
	goCtx, cancel := gocontext.WithCancel(gocontext.Background())
	cancel()
	err = est.TrainAndEvaluate(goCtx, brokenDataset{}, evalDS, TrainSpec{MaxSteps: 10}, EvalSpec{})
	require.ErrorContains(t, err, "broken dataset")
	require.Equal(t, 0, est.GlobalStep())
	for _, entry := range must.M1(os.ReadDir(config.ModelDir)) {
		require.False(t, strings.HasSuffix(entry.Name(), ".json"), "unexpected checkpoint %q", entry.Name())
	}

	// Evaluation failures are returned as errors, not panics.
	trainDS, _ := syntheticDatasets(t, backend)
	require.NoError(t, est.TrainAndEvaluate(gocontext.Background(), trainDS, nil, TrainSpec{MaxSteps: 2}, EvalSpec{}))
	_, err = est.Evaluate(brokenDataset{})
	require.ErrorContains(t, err, "broken dataset")
}

func TestParameterServerWaits(t *testing.T) {
	spec, warnings := cluster.Build(cluster.Options{
		JobName:     "ps",
		WorkerHosts: []string{"h1:2222"},
		PSHosts:     []string{"h3:2224"},
	})
	require.Empty(t, warnings)
	est, err := New(nil, context.New(), testParams(), RunConfig{Cluster: spec})
	require.NoError(t, err)

	goCtx, cancel := gocontext.WithCancel(gocontext.Background())
	done := make(chan error, 1)
	go func() {
		done <- est.TrainAndEvaluate(goCtx, nil, nil, TrainSpec{MaxSteps: 10}, EvalSpec{})
	}()
	select {
	case <-done:
		t.Fatal("parameter server returned before cancellation")
	case <-time.After(50 * time.Millisecond):
	}
	cancel()
	require.NoError(t, <-done)
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, context.New(), Params{}, RunConfig{})
	require.Error(t, err)
	_, err = New(nil, context.New(), testParams(), RunConfig{ModelDir: t.TempDir()})
	require.Error(t, err)
	_, err = New(nil, context.New(), testParams(), RunConfig{ModelDir: t.TempDir(), SaveCheckpointsSteps: 1})
	require.Error(t, err)
	est, err := New(nil, context.New(), testParams(), RunConfig{})
	require.NoError(t, err)
	require.Equal(t, "", est.CheckpointDir())
	require.Error(t, est.TrainAndEvaluate(gocontext.Background(), nil, nil, TrainSpec{}, EvalSpec{}))
}
