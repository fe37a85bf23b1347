// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"flag"
	"path/filepath"
	"testing"

	"github.com/gomlx/distmnist/cluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

// clearEnv unsets all environment variables read by the configuration.
func clearEnv(t *testing.T) {
	for _, key := range []string{
		cluster.JobNameEnvKey, cluster.TaskIndexEnvKey, cluster.PSHostsEnvKey, cluster.WorkerHostsEnvKey,
		DataDirEnvKey, LogDirEnvKey,
	} {
		t.Setenv(key, "")
	}
}

func parse(t *testing.T, args ...string) (*Config, error) {
	fs := flag.NewFlagSet(t.Name(), flag.ContinueOnError)
	return Parse(fs, args)
}

func TestDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := parse(t)
	require.NoError(t, err)
	assert.Equal(t, "", cfg.JobName)
	assert.Equal(t, 0, cfg.TaskIndex)
	assert.Nil(t, cfg.PSHosts)
	assert.Nil(t, cfg.WorkerHosts)
	assert.Equal(t, 3, cfg.KernelSize)
	assert.Equal(t, []int{32, 64}, cfg.HiddenUnits)
	assert.Equal(t, 0.001, cfg.LearningRate)
	assert.Equal(t, 0.0001, cfg.LearningDecay)
	assert.Equal(t, 0.5, cfg.Dropout)
	assert.Equal(t, 512, cfg.BatchSize)
	assert.Equal(t, VerbosityInfo, cfg.Verbosity)
	assert.False(t, cfg.Fashion)
	assert.Equal(t, 2, cfg.ParallelBatches)
	assert.Equal(t, 2, cfg.MaxCheckpoints)
	assert.Equal(t, 100, cfg.CheckpointSteps)
	assert.Equal(t, 10, cfg.SaveSummarySteps)
	assert.Equal(t, 10, cfg.LogStepCountSteps)
	assert.Equal(t, 60, cfg.EvalSecs)
	assert.Equal(t, 1_000_000, cfg.TrainSteps)
	assert.True(t, filepath.IsAbs(cfg.DataDir))
	assert.True(t, filepath.IsAbs(cfg.LogDir))
	assert.Equal(t, "data", filepath.Base(cfg.DataDir))
	assert.Equal(t, "logs", filepath.Base(cfg.LogDir))
	assert.True(t, cfg.ClusterOptions().JobName == "")
}

func TestFlags(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	cfg, err := parse(t,
		"-job_name=worker", "-task_index=1",
		"-worker_hosts=h1:2222,h2:2223", "-ps_hosts=h3:2224",
		"-hidden_units=8, 16 ,32", "-kernel_size=5", "-dropout=0.25",
		"-local_data_root="+root, "-data_subpath=mnist",
		"-local_log_root="+filepath.Join(root, "logs"),
		"-verbosity=debug", "-fashion")
	require.NoError(t, err)
	assert.Equal(t, []int{8, 16, 32}, cfg.HiddenUnits)
	assert.Equal(t, VerbosityDebug, cfg.Verbosity)
	assert.True(t, cfg.Fashion)
	assert.Equal(t, filepath.Join(root, "mnist"), cfg.DataDir)
	assert.Equal(t, filepath.Join(root, "logs"), cfg.LogDir)

	opts := cfg.ClusterOptions()
	assert.Equal(t, "worker", opts.JobName)
	assert.Equal(t, 1, opts.TaskIndex)
	assert.Equal(t, []string{"h1:2222", "h2:2223"}, opts.WorkerHosts)
	assert.Equal(t, []string{"h3:2224"}, opts.PSHosts)

	params := cfg.ModelParams()
	assert.Equal(t, []int{8, 16, 32}, params.HiddenUnits)
	assert.Equal(t, 5, params.KernelSize)
	assert.Equal(t, 0.25, params.DropoutRate)

	// ModelParams returns a copy.
	params.HiddenUnits[0] = 1
	assert.Equal(t, 8, cfg.HiddenUnits[0])
}

func TestEnvironmentDefaults(t *testing.T) {
	clearEnv(t)
	root := t.TempDir()
	t.Setenv(cluster.JobNameEnvKey, "ps")
	t.Setenv(cluster.TaskIndexEnvKey, "2")
	t.Setenv(cluster.PSHostsEnvKey, "p1:1,p2:2,p3:3")
	t.Setenv(cluster.WorkerHostsEnvKey, "w1:1")
	t.Setenv(DataDirEnvKey, filepath.Join(root, "env-data"))
	t.Setenv(LogDirEnvKey, filepath.Join(root, "env-logs"))

	cfg, err := parse(t, "-local_data_root=/ignored", "-local_log_root=/ignored")
	require.NoError(t, err)
	assert.Equal(t, "ps", cfg.JobName)
	assert.Equal(t, 2, cfg.TaskIndex)
	assert.Equal(t, []string{"p1:1", "p2:2", "p3:3"}, cfg.PSHosts)
	assert.Equal(t, []string{"w1:1"}, cfg.WorkerHosts)
	assert.Equal(t, filepath.Join(root, "env-data"), cfg.DataDir)
	assert.Equal(t, filepath.Join(root, "env-logs"), cfg.LogDir)

	// Explicit flags win over the environment.
	cfg, err = parse(t, "-job_name=worker", "-task_index=0")
	require.NoError(t, err)
	assert.Equal(t, "worker", cfg.JobName)
	assert.Equal(t, 0, cfg.TaskIndex)

	t.Setenv(cluster.TaskIndexEnvKey, "two")
	_, err = parse(t)
	require.Error(t, err)
}

func TestValidation(t *testing.T) {
	clearEnv(t)
	for _, args := range [][]string{
		{"-job_name=chief"},
		{"-task_index=-1"},
		{"-kernel_size=0"},
		{"-batch_size=-3"},
		{"-dropout=1"},
		{"-dropout=-0.1"},
		{"-learning_rate=0"},
		{"-learning_decay=-1"},
		{"-hidden_units="},
		{"-hidden_units=32,x"},
		{"-hidden_units=32,0"},
		{"-max_ckpts=0"},
		{"-ckpt_steps=0"},
		{"-eval_secs=-1"},
		{"-verbosity=LOUD"},
		{"-kernel_size=29"},
		{"-hidden_units=8,8,8,8", "-kernel_size=3"},
	} {
		_, err := parse(t, args...)
		assert.Error(t, err, "args=%q", args)
	}
}

func TestResolveBeforeParse(t *testing.T) {
	clearEnv(t)
	f, err := NewFlags(flag.NewFlagSet("test", flag.ContinueOnError))
	require.NoError(t, err)
	_, err = f.Resolve()
	require.Error(t, err)
}

func TestParseIntList(t *testing.T) {
	values, err := ParseIntList[int32]("32,64")
	require.NoError(t, err)
	require.Equal(t, []int32{32, 64}, values)

	values, err = ParseIntList[int32](" 7 ,")
	require.NoError(t, err)
	require.Equal(t, []int32{7}, values)

	_, err = ParseIntList[int]("")
	require.Error(t, err)
	_, err = ParseIntList[int]("1,-2")
	require.Error(t, err)
}

func TestVerbosity(t *testing.T) {
	var v Verbosity
	require.NoError(t, v.Set("warn"))
	require.Equal(t, VerbosityWarn, v)
	require.Equal(t, "WARN", v.String())
	require.Error(t, v.Set("verbose"))
	require.Equal(t, VerbosityWarn, v)

	require.Equal(t, klog.Level(2), VerbosityDebug.KlogLevel())
	require.Equal(t, klog.Level(1), VerbosityInfo.KlogLevel())
	require.Equal(t, klog.Level(0), VerbosityWarn.KlogLevel())
	require.Equal(t, klog.Level(0), VerbosityCritical.KlogLevel())

	// Warnings are only hidden at ERROR and above.
	require.Equal(t, "INFO", VerbosityDebug.StderrThreshold())
	require.Equal(t, "INFO", VerbosityInfo.StderrThreshold())
	require.Equal(t, "WARNING", VerbosityWarn.StderrThreshold())
	require.Equal(t, "ERROR", VerbosityError.StderrThreshold())
	require.Equal(t, "FATAL", VerbosityCritical.StderrThreshold())
}

func TestVerbosityApply(t *testing.T) {
	t.Cleanup(func() { require.NoError(t, VerbosityWarn.Apply()) })

	require.NoError(t, VerbosityDebug.Apply())
	require.True(t, klog.V(2).Enabled())

	require.NoError(t, VerbosityError.Apply())
	require.False(t, klog.V(1).Enabled())
	fs := flag.NewFlagSet("klog", flag.ContinueOnError)
	klog.InitFlags(fs)
	var threshold klog.Level
	require.NoError(t, threshold.Set(fs.Lookup("stderrthreshold").Value.String()))
	require.Equal(t, klog.Level(2), threshold, "ERROR severity")
}
