// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// mnist_trainer trains a small CNN on MNIST (or Fashion-MNIST), optionally as one task of a distributed cluster.
//
// The cluster is configured with -job_name, -task_index, -ps_hosts and -worker_hosts (or the JOB_NAME, TASK_INDEX,
// PS_HOSTS and WORKER_HOSTS environment variables). The resulting descriptor is exported as JSON in TF_CONFIG.
// If the configuration is incomplete, it trains in single-process mode.
//
// Checkpoints and summaries are saved in the log directory, and training resumes from the latest checkpoint found
// there. Model hyperparameters can also be set with -set, e.g.: -set="cnn_kernel_size=5;cnn_dropout_rate=0.2".
package main

import (
	gocontext "context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gomlx/distmnist/cluster"
	"github.com/gomlx/distmnist/config"
	"github.com/gomlx/distmnist/estimator"
	"github.com/gomlx/distmnist/mnist"
	"github.com/gomlx/distmnist/model"
	"github.com/gomlx/gomlx/backends"
	_ "github.com/gomlx/gomlx/backends/default"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/ui/commandline"
	"github.com/janpfeifer/must"
	"k8s.io/klog/v2"
)

var flagProgressBar = flag.Bool("progress_bar", false, "Display a progress bar while training.")

func main() {
	ctx := context.New()
	settings := commandline.CreateContextSettingsFlag(ctx, "")
	klog.InitFlags(nil)
	cfg, err := config.Parse(flag.CommandLine, os.Args[1:])
	if err != nil {
		klog.Exitf("Invalid configuration: %+v", err)
	}
	if !isFlagSet("v") {
		must.M(cfg.Verbosity.Apply())
	}
	if klog.V(2).Enabled() {
		klog.Infof("Environment:\n%s", strings.Join(os.Environ(), "\n"))
		klog.Infof("Arguments: %q", os.Args[1:])
		klog.Infof("Configuration: %+v", *cfg)
	}

	clusterSpec := cluster.BuildAndLog(cfg.ClusterOptions())
	klog.V(1).Infof("Cluster:\n%s", clusterSpec.Table())
	klog.V(2).Infof("%s=%s", cluster.ConfigEnvKey, clusterSpec)
	must.M(cluster.Export(clusterSpec))

	params, paramsSet, err := hyperparameters(ctx, cfg, *settings)
	if err != nil {
		klog.Exitf("Invalid -set=%q: %+v", *settings, err)
	}
	klog.V(1).Infof("Hyperparameters: %s", commandline.SprintContextSettings(ctx))

	if err = mnist.Download(cfg.DataDir, cfg.Fashion); err != nil {
		klog.Fatalf("Failed to download dataset to %q: %+v", cfg.DataDir, err)
	}
	backend := backends.MustNew()
	klog.Infof("Backend: %s", backend.Description())
	trainDS, evalDS, err := mnist.CreateDatasets(backend, mnist.DatasetsConfig{
		DataDir:         cfg.DataDir,
		BatchSize:       cfg.BatchSize,
		ParallelBatches: cfg.ParallelBatches,
	})
	if err != nil {
		klog.Fatalf("Failed to create datasets from %q: %+v", cfg.DataDir, err)
	}

	est, err := estimator.New(backend, ctx, params, estimator.RunConfig{
		ModelDir:             cfg.LogDir,
		SaveSummarySteps:     cfg.SaveSummarySteps,
		SaveCheckpointsSteps: cfg.CheckpointSteps,
		KeepCheckpointMax:    cfg.MaxCheckpoints,
		LogStepCountSteps:    cfg.LogStepCountSteps,
		Cluster:              clusterSpec,
		ProgressBar:          *flagProgressBar,
		ExcludeParams:        paramsSet,
	})
	if err != nil {
		klog.Fatalf("Failed to create estimator in %q: %+v", cfg.LogDir, err)
	}

	goCtx, stop := signal.NotifyContext(gocontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	err = est.TrainAndEvaluate(goCtx, trainDS, evalDS,
		estimator.TrainSpec{MaxSteps: cfg.TrainSteps},
		estimator.EvalSpec{Throttle: time.Duration(cfg.EvalSecs) * time.Second})
	if err != nil {
		klog.Fatalf("Training failed: %+v", err)
	}
}

// hyperparameters stores the configured hyperparameters in ctx, applies the -set overrides and returns the
// resulting estimator parameters, along with the list of parameters set explicitly by -set.
func hyperparameters(ctx *context.Context, cfg *config.Config, settings string) (
	params estimator.Params, paramsSet []string, err error) {
	params = estimator.Params{
		Model:         cfg.ModelParams(),
		LearningRate:  cfg.LearningRate,
		LearningDecay: cfg.LearningDecay,
	}
	params.SetContextParams(ctx)
	ctx.SetParam(mnist.ParamFashion, cfg.Fashion)
	paramsSet, err = commandline.ParseContextSettings(ctx, settings)
	if err != nil {
		return
	}
	params.Model = model.ParamsFromContext(ctx)
	params.LearningRate = context.GetParamOr(ctx, optimizers.ParamLearningRate, params.LearningRate)
	params.LearningDecay = context.GetParamOr(ctx, estimator.ParamLearningDecay, params.LearningDecay)
	err = params.Validate()
	return
}

// isFlagSet returns whether the flag name was given in the command line.
func isFlagSet(name string) (found bool) {
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return
}
