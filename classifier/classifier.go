// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package classifier loads a model trained by mnist_trainer from its checkpoint and classifies arbitrary
// images, by first converting them to 28x28 grayscale.
//
// To use it, create a Classifier with New(), and then call its Classify method.
package classifier

import (
	"image"

	"github.com/disintegration/imaging"
	"github.com/gomlx/distmnist/estimator"
	"github.com/gomlx/distmnist/mnist"
	"github.com/gomlx/distmnist/model"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/pkg/errors"
)

// Classifier holds the model compiled for inference.
type Classifier struct {
	backend backends.Backend

	// ctx with the model's weights and hyperparameters, marked for reuse.
	ctx *context.Context

	params  model.Params
	fashion bool

	// exec takes a batch of images and returns their logits and classes.
	exec *context.Exec
}

// New creates a Classifier from the checkpoint in checkpointDir, using the default backend
// (configurable with GOMLX_BACKEND).
func New(checkpointDir string) (*Classifier, error) {
	backend, err := backends.New()
	if err != nil {
		return nil, err
	}
	return NewWithBackend(backend, checkpointDir)
}

// NewWithBackend creates a Classifier from the checkpoint in checkpointDir, using the given backend.
//
// The model hyperparameters are read from the checkpoint, so the same graph used for training is built.
func NewWithBackend(backend backends.Backend, checkpointDir string) (*Classifier, error) {
	c := &Classifier{
		backend: backend,
		ctx:     context.New(),
	}
	// The handler is not kept: a classifier never saves.
	if _, err := checkpoints.Load(c.ctx).Dir(checkpointDir).Done(); err != nil {
		return nil, errors.WithMessagef(err, "failed to load model from %q", checkpointDir)
	}
	c.params = model.ParamsFromContext(c.ctx)
	c.fashion = context.GetParamOr(c.ctx, mnist.ParamFashion, false)
	spec, err := estimator.NewSpec(estimator.ModePredict, estimator.Params{
		Model:        c.params,
		LearningRate: context.GetParamOr(c.ctx, optimizers.ParamLearningRate, 0.001),
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "invalid hyperparameters in checkpoint %q", checkpointDir)
	}
	c.ctx = c.ctx.Reuse()
	if err = exceptions.TryCatch[error](func() {
		c.exec = context.MustNewExec(c.backend, c.ctx, spec.PredictFn)
	}); err != nil {
		return nil, err
	}
	return c, nil
}

// Params returns the model hyperparameters read from the checkpoint.
func (c *Classifier) Params() model.Params { return c.params }

// Fashion returns whether the model was trained on Fashion-MNIST.
func (c *Classifier) Fashion() bool { return c.fashion }

// LabelName returns the name of the class returned by Classify.
func (c *Classifier) LabelName(class int32) string { return mnist.LabelName(int(class), c.fashion) }

// Classify returns the class, from 0 to 9, of img. Any size or color model is accepted, see ToImage.
func (c *Classifier) Classify(img image.Image) (int32, error) {
	classes, err := c.ClassifyBatch([]image.Image{img})
	if err != nil {
		return 0, err
	}
	return classes[0], nil
}

// ClassifyBatch returns the classes of all images, executing the model once.
func (c *Classifier) ClassifyBatch(imgs []image.Image) ([]int32, error) {
	if len(imgs) == 0 {
		return nil, nil
	}
	converted := make([]mnist.Image, len(imgs))
	for ii, img := range imgs {
		converted[ii] = ToImage(img)
	}
	input := mnist.ImagesTensor(converted)
	var classes []int32
	err := exceptions.TryCatch[error](func() {
		_, classesT, err := c.exec.Exec2(input)
		if err != nil {
			panic(err)
		}
		classes = tensors.CopyFlatData[int32](classesT)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to classify %d images", len(imgs))
	}
	return classes, nil
}

// ToImage converts img to the MNIST format: 28x28 grayscale with a dark background.
// Images with a light background, like dark ink on paper, are inverted.
func ToImage(img image.Image) mnist.Image {
	gray := imaging.Resize(imaging.Grayscale(img), mnist.Width, mnist.Height, imaging.Lanczos)
	var out mnist.Image
	var sum int
	for y := range mnist.Height {
		for x := range mnist.Width {
			// Grayscale keeps R == G == B.
			v := gray.Pix[y*gray.Stride+x*4]
			out[y*mnist.Width+x] = v
			sum += int(v)
		}
	}
	if sum > 127*len(out) {
		for ii := range out {
			out[ii] = 255 - out[ii]
		}
	}
	return out
}
