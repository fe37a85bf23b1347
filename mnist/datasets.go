// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package mnist

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// DType of the images tensors.
	DType = dtypes.Float32

	// LabelsDType of the labels tensors.
	LabelsDType = dtypes.Int32
)

// DatasetsConfig configures CreateDatasets.
type DatasetsConfig struct {
	// DataDir holds the downloaded IDX files.
	DataDir string

	// BatchSize for both training and evaluation.
	BatchSize int

	// ParallelBatches is the number of batches prepared ahead of the training loop. 0 disables read-ahead.
	ParallelBatches int
}

// ImagesTensor converts images to a tensor shaped [len(images), Height, Width, 1], with values scaled to [0, 1].
func ImagesTensor(images []Image) *tensors.Tensor {
	flat := make([]float32, 0, len(images)*Width*Height)
	for ii := range images {
		for _, pixel := range images[ii] {
			flat = append(flat, float32(pixel)/255.0)
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, len(images), Height, Width, 1)
}

// LabelsTensor converts labels to a tensor shaped [len(labels), 1], the format of sparse categorical labels.
func LabelsTensor(labels []uint8) *tensors.Tensor {
	flat := make([]int32, len(labels))
	for ii, label := range labels {
		flat[ii] = int32(label)
	}
	return tensors.FromFlatDataAndDimensions(flat, len(labels), 1)
}

// NewDataset loads the split from dataDir into an in-memory dataset (stored on the backend device).
// It yields one example at a time until configured otherwise.
func NewDataset(backend backends.Backend, name, dataDir string, split Split) (*datasets.InMemoryDataset, error) {
	images, labels, err := Load(dataDir, split)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, errors.Errorf("split %s in %q has no examples", split, dataDir)
	}
	mds, err := datasets.InMemoryFromData(backend, name,
		[]any{ImagesTensor(images)}, []any{LabelsTensor(labels)})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create dataset %q", name)
	}
	klog.V(1).Infof("Dataset %q: %d examples, %s", name, mds.NumExamples(), humanize.IBytes(uint64(mds.Memory())))
	return mds, nil
}

// CreateDatasets used for training and evaluation.
//
// The training dataset is shuffled, loops indefinitely and drops the last incomplete batch. The
// evaluation dataset is the test split, read once per evaluation.
func CreateDatasets(backend backends.Backend, cfg DatasetsConfig) (trainDS, evalDS train.Dataset, err error) {
	if cfg.BatchSize <= 0 {
		return nil, nil, errors.Errorf("batch size must be > 0, got %d", cfg.BatchSize)
	}
	baseTrain, err := NewDataset(backend, "Training", cfg.DataDir, Train)
	if err != nil {
		return nil, nil, err
	}
	baseTest, err := NewDataset(backend, "Evaluation", cfg.DataDir, Test)
	if err != nil {
		return nil, nil, err
	}
	trainDS = baseTrain.Shuffle().BatchSize(cfg.BatchSize, true).Infinite(true)
	evalDS = baseTest.BatchSize(cfg.BatchSize, false)
	if cfg.ParallelBatches > 0 {
		trainDS = datasets.ReadAhead(trainDS, cfg.ParallelBatches)
	}
	return trainDS, evalDS, nil
}
