// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config resolves the trainer configuration from command-line flags, environment
// variables and defaults, into an immutable Config.
//
// For distributed mode the defaults of -job_name, -task_index, -ps_hosts and -worker_hosts are
// read from the environment variables JOB_NAME, TASK_INDEX, PS_HOSTS and WORKER_HOSTS, which are
// set for every task of a distributed job. If running locally, one has to set them or pass the
// flags explicitly, e.g.:
//
//	mnist_trainer -job_name worker -task_index 0 -worker_hosts "localhost:2222,localhost:2223" -ps_hosts "localhost:2224"
//
// If none of them is set, training runs in non-distributed (single process) mode.
package config

import (
	"flag"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/distmnist/cluster"
	"github.com/gomlx/distmnist/model"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// Environment variables overriding the data and log directories.
const (
	DataDirEnvKey = "DATA_DIR"
	LogDirEnvKey  = "LOG_DIR"
)

// Config holds the resolved configuration. It is created once by Flags.Resolve (or Parse)
// and should be treated as read-only afterward.
type Config struct {
	// Distributed task.
	JobName     string
	TaskIndex   int
	PSHosts     []string
	WorkerHosts []string

	// Experiment paths.
	LocalDataRoot, LocalLogRoot, DataSubpath string

	// DataDir holds the dataset, LogDir the checkpoints and summaries. Both absolute.
	DataDir, LogDir string

	// CNN model.
	KernelSize    int
	HiddenUnits   []int
	LearningRate  float64
	LearningDecay float64
	Dropout       float64
	BatchSize     int

	// Training.
	Verbosity         Verbosity
	Fashion           bool
	ParallelBatches   int
	MaxCheckpoints    int
	CheckpointSteps   int
	SaveSummarySteps  int
	LogStepCountSteps int
	EvalSecs          int
	TrainSteps        int
}

// ClusterOptions returns the distributed task configuration used to build the cluster descriptor.
func (c *Config) ClusterOptions() cluster.Options {
	return cluster.Options{
		JobName:     c.JobName,
		TaskIndex:   c.TaskIndex,
		PSHosts:     slices.Clone(c.PSHosts),
		WorkerHosts: slices.Clone(c.WorkerHosts),
	}
}

// ModelParams returns the CNN hyperparameters.
func (c *Config) ModelParams() model.Params {
	return model.Params{
		HiddenUnits: slices.Clone(c.HiddenUnits),
		KernelSize:  c.KernelSize,
		DropoutRate: c.Dropout,
	}
}

// Flags holds the raw values of the registered command-line flags, before they are resolved into a Config.
type Flags struct {
	fs *flag.FlagSet

	jobName, psHosts, workerHosts, hiddenUnits string
	taskIndex                                  int
	cfg                                        Config
}

// NewFlags registers the trainer flags in fs, with defaults taken from the environment where applicable.
//
// It returns an error only if an environment variable used as default is malformed.
func NewFlags(fs *flag.FlagSet) (*Flags, error) {
	f := &Flags{fs: fs}
	taskIndexDefault := 0
	if value := os.Getenv(cluster.TaskIndexEnvKey); value != "" {
		var err error
		taskIndexDefault, err = strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, errors.Wrapf(err, "invalid $%s=%q", cluster.TaskIndexEnvKey, value)
		}
	}
	cwd, err := os.Getwd()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get working directory")
	}

	// Configuration for distributed task.
	fs.StringVar(&f.jobName, "job_name", os.Getenv(cluster.JobNameEnvKey),
		"Task type for the node in the distributed cluster: worker or ps. Worker-0 will be set as master.")
	fs.IntVar(&f.taskIndex, "task_index", taskIndexDefault,
		"Worker task index, should be >= 0. task_index=0 is the chief worker.")
	fs.StringVar(&f.psHosts, "ps_hosts", os.Getenv(cluster.PSHostsEnvKey),
		"Comma-separated list of hostname:port pairs.")
	fs.StringVar(&f.workerHosts, "worker_hosts", os.Getenv(cluster.WorkerHostsEnvKey),
		"Comma-separated list of hostname:port pairs.")

	// Experiment related parameters.
	fs.StringVar(&f.cfg.LocalDataRoot, "local_data_root", filepath.Join(cwd, "data"),
		"Path to dataset. Overridden by $"+DataDirEnvKey+".")
	fs.StringVar(&f.cfg.LocalLogRoot, "local_log_root", filepath.Join(cwd, "logs"),
		"Path to store logs and checkpoints. Overridden by $"+LogDirEnvKey+".")
	fs.StringVar(&f.cfg.DataSubpath, "data_subpath", "",
		"Which sub-directory the data will sit inside local_data_root.")

	// CNN model params.
	fs.IntVar(&f.cfg.KernelSize, "kernel_size", 3, "Size of the CNN kernels to use.")
	fs.StringVar(&f.hiddenUnits, "hidden_units", "32,64",
		"Comma-separated list of integers. Number of hidden units to use in CNN model.")
	fs.Float64Var(&f.cfg.LearningRate, "learning_rate", 0.001, "Initial learning rate used in Adam optimizer.")
	fs.Float64Var(&f.cfg.LearningDecay, "learning_decay", 0.0001,
		"Exponential decay rate of the learning rate per step. Recorded with the hyperparameters, "+
			"the learning rate itself is kept fixed.")
	fs.Float64Var(&f.cfg.Dropout, "dropout", 0.5, "Dropout rate used after each convolutional layer.")
	fs.IntVar(&f.cfg.BatchSize, "batch_size", 512, "Batch size to use during training and evaluation.")

	// Training params.
	f.cfg.Verbosity = VerbosityInfo
	fs.Var(&f.cfg.Verbosity, "verbosity",
		"Logging level, one of CRITICAL, ERROR, WARN, INFO, DEBUG. To see intermediate results set it to INFO or DEBUG.")
	fs.BoolVar(&f.cfg.Fashion, "fashion", false,
		"Download and use fashion MNIST data instead of the default handwritten digit MNIST.")
	fs.IntVar(&f.cfg.ParallelBatches, "parallel_batches", 2,
		"Number of parallel batches to prepare in data pipeline.")
	fs.IntVar(&f.cfg.MaxCheckpoints, "max_ckpts", 2, "Maximum number of checkpoints to keep.")
	fs.IntVar(&f.cfg.CheckpointSteps, "ckpt_steps", 100, "How frequently to save a model checkpoint.")
	fs.IntVar(&f.cfg.SaveSummarySteps, "save_summary_steps", 10,
		"How frequently to save training summaries. 0 disables them.")
	fs.IntVar(&f.cfg.LogStepCountSteps, "log_step_count_steps", 10,
		"How frequently to log loss & global steps/s. 0 disables it.")
	fs.IntVar(&f.cfg.EvalSecs, "eval_secs", 60, "How frequently (in seconds) to run evaluation step.")
	fs.IntVar(&f.cfg.TrainSteps, "train_steps", 1_000_000, "Global step at which training stops.")
	return f, nil
}

// Resolve validates the parsed flags and returns the final Config.
// It must be called after the flag set is parsed.
func (f *Flags) Resolve() (*Config, error) {
	if !f.fs.Parsed() {
		return nil, errors.New("config.Flags.Resolve called before the flags were parsed")
	}
	cfg := f.cfg
	cfg.JobName = strings.TrimSpace(f.jobName)
	cfg.TaskIndex = f.taskIndex
	cfg.PSHosts = cluster.ParseHostList(f.psHosts)
	cfg.WorkerHosts = cluster.ParseHostList(f.workerHosts)

	var err error
	cfg.HiddenUnits, err = ParseIntList[int](f.hiddenUnits)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid -hidden_units")
	}

	// Directories: environment variables take precedence over the local roots.
	dataDir := os.Getenv(DataDirEnvKey)
	if dataDir == "" {
		dataDir = filepath.Join(cfg.LocalDataRoot, cfg.DataSubpath)
	}
	if cfg.DataDir, err = absDir(dataDir); err != nil {
		return nil, err
	}
	logDir := os.Getenv(LogDirEnvKey)
	if logDir == "" {
		logDir = cfg.LocalLogRoot
	}
	if cfg.LogDir, err = absDir(logDir); err != nil {
		return nil, err
	}

	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse registers the flags in fs, parses args and resolves the Config.
func Parse(fs *flag.FlagSet, args []string) (*Config, error) {
	f, err := NewFlags(fs)
	if err != nil {
		return nil, err
	}
	if err = fs.Parse(args); err != nil {
		return nil, err
	}
	return f.Resolve()
}

func absDir(dir string) (string, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", errors.Wrapf(err, "failed to make %q absolute", dir)
	}
	return abs, nil
}

func (c *Config) validate() error {
	if c.JobName != "" && !slices.Contains(cluster.ValidJobNames, cluster.Role(c.JobName)) {
		return errors.Errorf("invalid -job_name %q, valid values are %q", c.JobName, cluster.ValidJobNames)
	}
	if c.TaskIndex < 0 {
		return errors.Errorf("-task_index must be >= 0, got %d", c.TaskIndex)
	}
	positive := []struct {
		name  string
		value int
	}{
		{"kernel_size", c.KernelSize},
		{"batch_size", c.BatchSize},
		{"max_ckpts", c.MaxCheckpoints},
		{"ckpt_steps", c.CheckpointSteps},
		{"train_steps", c.TrainSteps},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Errorf("-%s must be > 0, got %d", p.name, p.value)
		}
	}
	nonNegative := []struct {
		name  string
		value int
	}{
		{"parallel_batches", c.ParallelBatches},
		{"save_summary_steps", c.SaveSummarySteps},
		{"log_step_count_steps", c.LogStepCountSteps},
		{"eval_secs", c.EvalSecs},
	}
	for _, p := range nonNegative {
		if p.value < 0 {
			return errors.Errorf("-%s must be >= 0, got %d", p.name, p.value)
		}
	}
	if c.LearningRate <= 0 {
		return errors.Errorf("-learning_rate must be > 0, got %g", c.LearningRate)
	}
	if c.LearningDecay < 0 {
		return errors.Errorf("-learning_decay must be >= 0, got %g", c.LearningDecay)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("-dropout must be in the range [0, 1), got %g", c.Dropout)
	}
	if err := c.ModelParams().Validate(); err != nil {
		return errors.WithMessage(err, "invalid -kernel_size or -hidden_units")
	}
	return nil
}

// ParseIntList parses a comma-separated list of positive integers, e.g. "32,64" into []T{32, 64}.
func ParseIntList[T constraints.Integer](list string) ([]T, error) {
	var values []T
	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		v, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid integer %q in list %q", part, list)
		}
		if v <= 0 {
			return nil, errors.Errorf("values must be positive, got %d in list %q", v, list)
		}
		values = append(values, T(v))
	}
	if len(values) == 0 {
		return nil, errors.Errorf("empty list %q", list)
	}
	return values, nil
}
